package grbl

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-grbl/internal/grblsim"
	"github.com/arloliu/go-grbl/logger"
)

// fastOptions shrinks every timing so protocol tests run in milliseconds.
func fastOptions() []Option {
	return []Option{
		WithLogger(logger.NewSlogWithOptions(logger.SlogOptions{Output: io.Discard, Level: logger.DebugLevel})),
		WithAckTimeout(300 * time.Millisecond),
		WithRetryDelay(5 * time.Millisecond),
		WithPollInterval(10*time.Millisecond, 2*time.Millisecond),
		WithHomingTimeouts(500*time.Millisecond, 200*time.Millisecond),
		WithNudgeTimeouts(300*time.Millisecond, time.Second),
		WithMotionTimeouts(40*time.Millisecond, time.Second),
		WithStreamIdleTimeout(500 * time.Millisecond),
		WithRecoveryTimeouts(5*time.Millisecond, 300*time.Millisecond, 300*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond),
		WithReadTimeout(10 * time.Millisecond),
		WithCloseGrace(time.Second),
		WithWake(false, 0),
		WithFinalDrain(false, 0, 0),
	}
}

// newTestSession creates a session over dev without opening it.
func newTestSession(t *testing.T, dev *grblsim.Device, opts ...Option) *Session {
	t.Helper()

	cfg, err := NewConfig(append(fastOptions(), opts...)...)
	require.NoError(t, err)

	s, err := NewSession(context.Background(), dev, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// openTestSession creates and opens a session over dev.
func openTestSession(t *testing.T, dev *grblsim.Device, opts ...Option) *Session {
	t.Helper()

	s := newTestSession(t, dev, opts...)
	require.NoError(t, s.Open())

	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "job.nc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

type echoEntry struct {
	dir  Direction
	text string
}

// echoRecorder collects echoed traffic.
type echoRecorder struct {
	mu      sync.Mutex
	entries []echoEntry
}

func (r *echoRecorder) echo(dir Direction, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, echoEntry{dir: dir, text: text})
}

// count returns the number of entries of dir starting with prefix.
func (r *echoRecorder) count(dir Direction, prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.dir == dir && strings.HasPrefix(e.text, prefix) {
			n++
		}
	}

	return n
}

func alarmResponse(code string) grblsim.Response {
	return grblsim.Response{Lines: []string{"ALARM:" + code}, State: "Alarm"}
}
