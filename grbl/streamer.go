package grbl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-grbl/logger"
)

// maxFileLine bounds the length of a line read from a command file.
const maxFileLine = 64 * 1024

// StreamStats summarizes a file stream.
type StreamStats struct {
	Path string
	Size int64
	// Lines is the number of lines read, comments included.
	Lines int
	// Skipped counts blank and comment lines.
	Skipped int
	// Sent counts lines acknowledged with ok.
	Sent int
	// Failed counts lines given up on and advanced past.
	Failed int
	// Recovered counts alarms cleared while streaming.
	Recovered int
	Duration  time.Duration
}

// FileStreamer sends a command file line by line on the dispatcher goroutine.
type FileStreamer struct {
	cfg      *Config
	disp     *Dispatcher
	recovery *Recovery
	metrics  *Metrics
	logger   logger.Logger
}

func newFileStreamer(cfg *Config, disp *Dispatcher, recovery *Recovery, metrics *Metrics) *FileStreamer {
	return &FileStreamer{
		cfg:      cfg,
		disp:     disp,
		recovery: recovery,
		metrics:  metrics,
		logger:   cfg.logger,
	}
}

// IsSkippedLine reports whether a trimmed file line is blank or a comment.
func IsSkippedLine(line string) bool {
	return line == "" || strings.HasPrefix(line, "(") || strings.HasPrefix(line, ";")
}

// Stream sends the file at path.
//
// The START and END markers are emitted exactly once each, whatever the outcome. A missing or
// unreadable file fails with ErrInput before any device interaction. Every other line gets up
// to 1+LineRetries attempts. An ok advances. An alarm is hard cleared and the same line is
// retried; when attempts run out, or on a non-recoverable alarm, the stream aborts with an error
// wrapping ErrStreamAborted. Other failures follow the StreamErrorPolicy.
func (fs *FileStreamer) Stream(ctx context.Context, path string) (stats StreamStats, err error) {
	begin := time.Now()
	stats.Path = path

	startMarker := "START STREAM: " + path
	if info, statErr := os.Stat(path); statErr == nil {
		stats.Size = info.Size()
		startMarker += " (" + strconv.FormatInt(info.Size(), 10) + " bytes)"
	}
	fs.cfg.echo(DirEvent, startMarker)
	fs.logger.Info("grbl: stream started", "path", path, "size", stats.Size)

	defer func() {
		stats.Duration = time.Since(begin)
		if err != nil {
			fs.cfg.echo(DirEvent, "END STREAM (aborted)")
			fs.logger.Error("grbl: stream aborted", "path", path, "error", err,
				"sent", stats.Sent, "failed", stats.Failed, "duration", stats.Duration)

			return
		}

		fs.cfg.echo(DirEvent, "END STREAM")
		fs.logger.Info("grbl: stream done", "path", path,
			"lines", stats.Lines, "sent", stats.Sent, "skipped", stats.Skipped, "failed", stats.Failed,
			"recovered", stats.Recovered, "duration", stats.Duration)
	}()

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrInput, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return stats, fmt.Errorf("%w: %w", ErrInput, err)
	} else if info.IsDir() {
		return stats, fmt.Errorf("%w: %s is a directory", ErrInput, path)
	}

	if err := fs.recovery.ClearAlarmIfNeeded(ctx); err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		fs.logger.Warn("grbl: alarm not cleared before stream", "error", err)
	}

	if err := fs.disp.WaitUntilIdle(ctx, fs.cfg.streamIdleTimeout); err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		fs.logger.Warn("grbl: machine not Idle before stream", "error", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxFileLine)

	previewed := false
	for scanner.Scan() {
		stats.Lines++

		line := strings.TrimSpace(strings.ToValidUTF8(scanner.Text(), ""))
		if IsSkippedLine(line) {
			stats.Skipped++
			continue
		}

		if !previewed {
			fs.logger.Info("grbl: first line preview", "line", line)
			previewed = true
		}

		if err := fs.sendLine(ctx, stats.Lines, line, &stats); err != nil {
			return stats, err
		}
	}

	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("%w: read %s: %w", ErrInput, path, err)
	}

	return stats, nil
}

// sendLine dispatches one file line with its retries.
func (fs *FileStreamer) sendLine(ctx context.Context, lineno int, line string, stats *StreamStats) error {
	maxAttempts := 1 + fs.cfg.lineRetries

	var (
		lastReply Reply
		lastErr   error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fs.recovery.ClearAlarmIfNeeded(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fs.logger.Warn("grbl: alarm not cleared", "line_no", lineno, "error", err)
		}

		fs.logger.Debug("grbl: stream line", "line_no", lineno, "line", line, "attempt", attempt, "max_tries", maxAttempts)

		reply, err := fs.disp.SendCommand(ctx, line, fs.cfg.ackTimeout, 1)
		if err == nil {
			stats.Sent++
			fs.metrics.incStreamLineCount()

			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reply.Kind != 0 {
			lastReply = reply
		}
		lastErr = err

		var alarm *AlarmError
		if errors.As(err, &alarm) {
			fs.cfg.echo(DirEvent, "alarm during streaming; recovering")
			fs.logger.Warn("grbl: alarm during stream", "line_no", lineno, "line", line, "alarm", alarm.Code)

			if err := fs.recover(ctx); err != nil {
				return err
			}
			stats.Recovered++

			if !alarm.Recoverable() {
				return fs.abort(lineno, line, attempt, err, lastReply)
			}
			if attempt < maxAttempts {
				continue
			}

			fs.logger.Error("grbl: giving up on line due to repeated alarms", "line_no", lineno, "line", line)

			return fs.abort(lineno, line, attempt, err, lastReply)
		}

		// a rejected line is not retried
		if errors.Is(err, ErrProtocol) {
			break
		}
	}

	if fs.cfg.streamErrorPolicy == StreamAbort {
		return fs.abort(lineno, line, maxAttempts, lastErr, lastReply)
	}

	stats.Failed++
	fs.logger.Warn("grbl: advancing past failed line", "line_no", lineno, "line", line, "error", lastErr)

	if err := fs.recovery.ClearAlarmIfNeeded(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return nil
}

// recover hard clears and re-asserts absolute mode.
func (fs *FileStreamer) recover(ctx context.Context) error {
	if err := fs.recovery.HardClear(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fs.logger.Warn("grbl: hard clear failed during stream", "error", err)
	}

	if _, err := fs.disp.SendCommand(ctx, CmdAbsoluteMode, fs.cfg.modeTimeout, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fs.logger.Warn("grbl: absolute mode not acknowledged", "error", err)
	}

	return nil
}

func (fs *FileStreamer) abort(lineno int, line string, attempts int, err error, reply Reply) error {
	stepErr := &StepError{
		Step:      fmt.Sprintf("line %d: %s", lineno, line),
		Attempts:  attempts,
		Err:       err,
		LastReply: reply.Raw,
		LastState: fs.disp.tracker.State(),
	}

	return fmt.Errorf("%w: %w", ErrStreamAborted, stepErr)
}
