package grbl

import (
	"context"
	"time"

	"github.com/arloliu/go-grbl/internal/pool"
)

// AckChannel is the bounded, ordered queue of replies between the receiver and the waiting
// caller.
//
// Push never blocks: on overflow the oldest undelivered reply is dropped to make room.
type AckChannel struct {
	ch chan Reply
}

// NewAckChannel creates an AckChannel holding at most size replies.
func NewAckChannel(size int) *AckChannel {
	if size < 1 {
		size = 1
	}

	return &AckChannel{ch: make(chan Reply, size)}
}

// Push appends r. It returns true when an older reply was dropped to make room.
// Push must only be called from the receiver.
func (a *AckChannel) Push(r Reply) (dropped bool) {
	select {
	case a.ch <- r:
		return false
	default:
	}

	select {
	case <-a.ch:
		dropped = true
	default:
	}

	select {
	case a.ch <- r:
	default:
		// only reachable if another writer filled the slot just freed
		dropped = true
	}

	return dropped
}

// Receive waits up to timeout for the next reply. It returns ErrTimeout when none arrived and
// ctx.Err() when ctx is done first.
func (a *AckChannel) Receive(ctx context.Context, timeout time.Duration) (Reply, error) {
	select {
	case r := <-a.ch:
		return r, nil
	default:
	}

	if timeout <= 0 {
		return Reply{}, ErrTimeout
	}

	t := pool.GetTimer(timeout)
	defer pool.PutTimer(t)

	select {
	case r := <-a.ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-t.C:
		return Reply{}, ErrTimeout
	}
}

// Drain discards every queued reply and returns them.
func (a *AckChannel) Drain() []Reply {
	var drained []Reply
	for {
		select {
		case r := <-a.ch:
			drained = append(drained, r)
		default:
			return drained
		}
	}
}

// Len returns the number of queued replies.
func (a *AckChannel) Len() int { return len(a.ch) }

// Cap returns the capacity.
func (a *AckChannel) Cap() int { return cap(a.ch) }
