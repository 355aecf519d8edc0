package grbl

import (
	"context"
	"errors"
	"strings"

	"github.com/arloliu/go-grbl/internal/pool"
	"github.com/arloliu/go-grbl/link"
	"github.com/arloliu/go-grbl/logger"
)

// Receiver reads the link and classifies every line. It is the only writer of the state
// tracker and the only producer of the ack channel, and it never writes to the link.
type Receiver struct {
	cfg     *Config
	link    link.Link
	acks    *AckChannel
	tracker *StateTracker
	metrics *Metrics
	logger  logger.Logger
}

func newReceiver(cfg *Config, l link.Link, acks *AckChannel, tracker *StateTracker, metrics *Metrics) *Receiver {
	return &Receiver{
		cfg:     cfg,
		link:    l,
		acks:    acks,
		tracker: tracker,
		metrics: metrics,
		logger:  cfg.logger,
	}
}

// step reads and handles one line. It returns false once the link is closed or ctx is done.
func (r *Receiver) step(ctx context.Context) bool {
	line, err := r.link.ReadLine(r.cfg.readTimeout)
	if err != nil {
		switch {
		case errors.Is(err, link.ErrReadTimeout):
			return true
		case errors.Is(err, link.ErrClosed):
			r.logger.Debug("grbl: link closed, receiver exits")
			return false
		}

		r.metrics.incReadErrCount()
		r.logger.Warn("grbl: read failed", "error", err)

		return pool.Sleep(ctx, r.cfg.readErrorBackoff) == nil
	}

	r.handleLine(string(line))

	return true
}

// handleLine classifies a received line.
func (r *Receiver) handleLine(raw string) {
	line := strings.TrimSpace(strings.ToValidUTF8(raw, ""))
	if line == "" {
		return
	}

	r.metrics.incLineRecvCount()
	r.cfg.echo(DirInbound, line)

	if label, ok := ParseStatusReport(line); ok {
		snap := r.tracker.update(label)
		r.logger.Debug("grbl: status", "state", snap.State, "label", snap.Label)

		return
	}

	reply, ok := ParseReply(line)
	if !ok {
		if isWelcomeBanner(line) {
			r.tracker.reset()
			r.logger.Info("grbl: controller greeting", "banner", line)

			return
		}

		r.logger.Debug("grbl: device message", "line", line)

		return
	}

	r.metrics.countReply(reply)

	if r.acks.Push(reply) {
		r.metrics.incAckDropCount()
		r.logger.Warn("grbl: ack channel full, dropped oldest reply", "capacity", r.acks.Cap(), "reply", reply.Raw)
	}
}
