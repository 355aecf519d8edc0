package grbl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-grbl/internal/grblsim"
)

func TestReceiver_HandleLine(t *testing.T) {
	rec := &echoRecorder{}
	s := newTestSession(t, grblsim.New(), WithEcho(rec.echo))
	r := s.receiver

	r.handleLine("<Hold:0|MPos:0.000,0.000,0.000|FS:0,0>\r")
	assert.Equal(t, StateHold, s.State())
	assert.Equal(t, 0, s.acks.Len(), "status reports are not replies")

	r.handleLine("Grbl 1.1h ['$' for help]")
	assert.Equal(t, StateUnknown, s.State())

	r.handleLine("[MSG:Caution: Unlocked]")
	r.handleLine("   ")
	assert.Equal(t, 0, s.acks.Len())

	r.handleLine("ok")
	r.handleLine("ALARM:9")
	r.handleLine("error:\xff20")
	require.Equal(t, 3, s.acks.Len())

	replies := s.acks.Drain()
	assert.Equal(t, ReplyOK, replies[0].Kind)
	assert.Equal(t, 9, replies[1].Code)
	assert.Equal(t, "error:20", replies[2].Raw)

	m := s.Metrics()
	assert.Equal(t, uint64(6), m.LineRecvCount.Load())
	assert.Equal(t, uint64(1), m.OKCount.Load())
	assert.Equal(t, uint64(1), m.AlarmCount.Load())
	assert.Equal(t, uint64(1), m.ErrorCount.Load())
	assert.Equal(t, 6, rec.count(DirInbound, ""))
}

func TestReceiver_FirmwareInfoKeepsState(t *testing.T) {
	s := newTestSession(t, grblsim.New())
	r := s.receiver

	r.handleLine("<Run|MPos:0.000,0.000,0.000|FS:500,0>")
	seq := s.tracker.Seq()

	r.handleLine("[VER:3.7 FluidNC v3.7.8:]")
	r.handleLine("[MSG:INFO: FluidNC v3.7.8]")
	assert.Equal(t, StateRun, s.State())
	assert.Equal(t, seq, s.tracker.Seq())

	r.handleLine("Grbl 3.7 [FluidNC v3.7.8 (wifi) '$' for help]")
	assert.Equal(t, StateUnknown, s.State())
	assert.Greater(t, s.tracker.Seq(), seq)
}

func TestReceiver_Step(t *testing.T) {
	dev := grblsim.New()
	s := newTestSession(t, dev)
	ctx := testContext(t)

	assert.True(t, s.receiver.step(ctx), "a read timeout keeps the loop running")

	dev.Push("<Run|MPos:0,0,0,0>")
	assert.True(t, s.receiver.step(ctx))
	assert.Equal(t, StateRun, s.State())

	require.NoError(t, dev.Close())
	assert.False(t, s.receiver.step(ctx), "a closed link ends the loop")
}

func TestReceiver_OverflowKeepsRunning(t *testing.T) {
	dev := grblsim.New()
	s := openTestSession(t, dev, WithQueueSizes(4, 16))

	for i := 0; i < 20; i++ {
		dev.Push("ok")
	}

	require.Eventually(t, func() bool {
		return s.Metrics().AckDropCount.Load() == 16
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, s.acks.Len())

	reply, err := s.disp.SendCommand(testContext(t), "G0 X1", time.Second, 1)
	require.NoError(t, err)
	assert.True(t, reply.IsOK())
	assert.Equal(t, uint64(4), s.Metrics().StaleAckCount.Load())
}
