package grbl

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-grbl/internal/grblsim"
)

func TestIsSkippedLine(t *testing.T) {
	assert.True(t, IsSkippedLine(""))
	assert.True(t, IsSkippedLine("(tool change)"))
	assert.True(t, IsSkippedLine("; comment"))
	assert.False(t, IsSkippedLine("G0 X1 (inline)"))
}

func TestFileStreamer_Stream(t *testing.T) {
	dev := grblsim.New()
	rec := &echoRecorder{}
	s := openTestSession(t, dev, WithEcho(rec.echo))

	path := writeFile(t, "; header\nG21\n\n  G0 X1 Y2  \r\n(move)\nG1 Z-1 F300\n")

	stats, err := s.streamer.Stream(testContext(t), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"G21", "G0 X1 Y2", "G1 Z-1 F300"}, dev.Commands())
	assert.Equal(t, 6, stats.Lines)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 3, stats.Sent)
	assert.Equal(t, 0, stats.Failed)
	assert.Positive(t, stats.Size)
	assert.Equal(t, uint64(3), s.Metrics().StreamLineCount.Load())

	assert.Equal(t, 1, rec.count(DirEvent, "START STREAM: "+path))
	assert.Equal(t, 1, rec.count(DirEvent, "END STREAM"))
}

func TestFileStreamer_CommentsOnly(t *testing.T) {
	dev := grblsim.New()
	rec := &echoRecorder{}
	s := openTestSession(t, dev, WithEcho(rec.echo))

	path := writeFile(t, "; nothing\n(to do)\n\n   \n")

	stats, err := s.streamer.Stream(testContext(t), path)
	require.NoError(t, err)
	assert.Empty(t, dev.Commands())
	assert.Equal(t, 4, stats.Skipped)
	assert.Equal(t, 0, stats.Sent)
	assert.Equal(t, 1, rec.count(DirEvent, "START STREAM"))
	assert.Equal(t, 1, rec.count(DirEvent, "END STREAM"))
}

func TestFileStreamer_MissingFile(t *testing.T) {
	dev := grblsim.New()
	rec := &echoRecorder{}
	s := openTestSession(t, dev, WithEcho(rec.echo))

	_, err := s.streamer.Stream(testContext(t), filepath.Join(t.TempDir(), "missing.nc"))
	assert.ErrorIs(t, err, ErrInput)
	assert.Empty(t, dev.Commands())
	assert.Equal(t, 0, dev.StatusRequests(), "no device interaction")
	assert.Equal(t, 1, rec.count(DirEvent, "START STREAM"))
	assert.Equal(t, 1, rec.count(DirEvent, "END STREAM (aborted)"))
}

func TestFileStreamer_Directory(t *testing.T) {
	s := openTestSession(t, grblsim.New())

	_, err := s.streamer.Stream(testContext(t), t.TempDir())
	assert.ErrorIs(t, err, ErrInput)
}

func TestFileStreamer_AlarmRetriesSameLine(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G0 X2", func(n int) grblsim.Response {
		if n == 1 {
			return alarmResponse("9")
		}
		return grblsim.OK()
	})
	s := openTestSession(t, dev)

	stats, err := s.streamer.Stream(testContext(t), writeFile(t, "G0 X1\nG0 X2\nG0 X3\n"))
	require.NoError(t, err)

	assert.Equal(t, 2, dev.Count("G0 X2"))
	assert.Equal(t, 1, dev.Count("G0 X3"))
	assert.Equal(t, 3, stats.Sent)
	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, 1, dev.Resets())
	assert.Equal(t, 3.0, dev.Position()[0])
}

func TestFileStreamer_RepeatedAlarmAborts(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G0 X2", func(int) grblsim.Response { return alarmResponse("9") })
	rec := &echoRecorder{}
	s := openTestSession(t, dev, WithEcho(rec.echo))

	stats, err := s.streamer.Stream(testContext(t), writeFile(t, "G0 X1\nG0 X2\nG0 X3\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamAborted)
	assert.ErrorIs(t, err, ErrAlarmRecoverable)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "line 2: G0 X2", stepErr.Step)
	assert.Equal(t, 2, stepErr.Attempts)

	assert.Equal(t, 2, dev.Count("G0 X2"))
	assert.Equal(t, 0, dev.Count("G0 X3"))
	assert.Equal(t, 2, stats.Recovered)
	assert.Equal(t, 1, rec.count(DirEvent, "END STREAM (aborted)"))
}

func TestFileStreamer_FatalAlarmAborts(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G0 X1", func(int) grblsim.Response { return alarmResponse("1") })
	s := openTestSession(t, dev, WithLineRetries(3))

	_, err := s.streamer.Stream(testContext(t), writeFile(t, "G0 X1\nG0 X2\n"))
	assert.ErrorIs(t, err, ErrStreamAborted)
	assert.ErrorIs(t, err, ErrAlarmFatal)
	assert.Equal(t, 1, dev.Count("G0 X1"))
	assert.Equal(t, 1, dev.Resets(), "the alarm is cleared before aborting")
}

func TestFileStreamer_AlarmAfterOKAborts(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G1 X1", func(int) grblsim.Response {
		return grblsim.Response{Lines: []string{"ok", "ALARM:1"}, State: "Alarm"}
	})
	rejectWhileAlarmed := func(int) grblsim.Response {
		if dev.State() == "Alarm" {
			return grblsim.Response{Lines: []string{"error:9"}}
		}
		return grblsim.OK()
	}
	dev.Handle("G1 X2", rejectWhileAlarmed)
	dev.Handle("G1 X3", rejectWhileAlarmed)
	rec := &echoRecorder{}
	s := openTestSession(t, dev, WithEcho(rec.echo))

	stats, err := s.streamer.Stream(testContext(t), writeFile(t, "G1 X1\nG1 X2\nG1 X3\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamAborted)
	assert.ErrorIs(t, err, ErrAlarmFatal)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "line 2: G1 X2", stepErr.Step)
	assert.Equal(t, "alarm:1", stepErr.LastReply)

	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, 0, dev.Count("G1 X3"))
	assert.Equal(t, 1, dev.Resets(), "the alarm is cleared before aborting")
	assert.Equal(t, uint64(1), s.Metrics().HardClearCount.Load())
	assert.Equal(t, 1, rec.count(DirEvent, "alarm during streaming; recovering"))
	assert.Equal(t, 1, rec.count(DirEvent, "END STREAM (aborted)"))
}

func TestFileStreamer_ErrorReplyAdvances(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G5 X2", func(int) grblsim.Response { return grblsim.Response{Lines: []string{"error:20"}} })
	s := openTestSession(t, dev)

	stats, err := s.streamer.Stream(testContext(t), writeFile(t, "G0 X1\nG5 X2\nG0 X3\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Count("G5 X2"), "a rejected line is not retried")
	assert.Equal(t, 1, dev.Count("G0 X3"))
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Sent)
}

func TestFileStreamer_ErrorReplyAbortPolicy(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G5 X2", func(int) grblsim.Response { return grblsim.Response{Lines: []string{"error:20"}} })
	s := openTestSession(t, dev, WithStreamErrorPolicy(StreamAbort))

	_, err := s.streamer.Stream(testContext(t), writeFile(t, "G0 X1\nG5 X2\nG0 X3\n"))
	assert.ErrorIs(t, err, ErrStreamAborted)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 0, dev.Count("G0 X3"))
}

func TestFileStreamer_TimeoutRetriesThenAdvances(t *testing.T) {
	dev := grblsim.New()
	dev.Handle("G4 P5", func(int) grblsim.Response { return grblsim.Response{} })
	s := openTestSession(t, dev, WithLineRetries(1))

	stats, err := s.streamer.Stream(testContext(t), writeFile(t, "G4 P5\nG0 X3\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Count("G4 P5"))
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Sent)
}

func TestFileStreamer_ClearsAlarmBeforeStart(t *testing.T) {
	dev := grblsim.New()
	dev.SetState("Alarm")
	s := openTestSession(t, dev)

	s.disp.RequestStatus()
	require.Eventually(t, func() bool { return s.State() == StateAlarm }, time.Second, 5*time.Millisecond)

	_, err := s.streamer.Stream(testContext(t), writeFile(t, "G0 X1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{CmdUnlock, CmdDisableSoftLimits, CmdAbsoluteMode, "G0 X1"}, dev.Commands())
}
