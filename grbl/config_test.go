package grbl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultAckTimeout, cfg.AckTimeout())
	assert.Equal(t, DefaultLineRetries, cfg.LineRetries())
	assert.Equal(t, DefaultHomingTries, cfg.HomingTries())
	assert.Equal(t, DefaultMoveTries, cfg.MoveTries())
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval())
	assert.Equal(t, DefaultHomingMacro(), cfg.HomingMacro())
	assert.Nil(t, cfg.NudgePolicy())
	assert.Equal(t, DefaultNudgeMoveTimeout, cfg.NudgeMoveTimeout())
	assert.Equal(t, DefaultNudgeIdleTimeout, cfg.NudgeIdleTimeout())
	assert.Equal(t, StreamAdvance, cfg.StreamErrorPolicy())
	assert.True(t, cfg.DisableSoftLimits())
	assert.True(t, cfg.CloseLink())
	assert.True(t, cfg.Wake())
	assert.True(t, cfg.FinalDrain())
	assert.NotNil(t, cfg.GetLogger())
}

func TestNewConfig_Options(t *testing.T) {
	cfg, err := NewConfig(
		WithAckTimeout(time.Second),
		WithLineRetries(0),
		WithHomingTries(2),
		WithNudge(FixedNudge(nil), 2, 500),
		WithNudgeTimeouts(5*time.Second, 7*time.Second),
		WithStreamErrorPolicy(StreamAbort),
		WithQueueSizes(8, 16),
		WithHomingMacro(HomeStep("x"), MoveStep("x10")),
		WithWake(false, 0),
		WithFinalDrain(false, 0, 0),
		WithCloseLink(false),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.AckTimeout())
	assert.Equal(t, 0, cfg.LineRetries())
	assert.Equal(t, 2, cfg.HomingTries())
	assert.NotNil(t, cfg.NudgePolicy())
	assert.Equal(t, 2.0, cfg.NudgeDistance())
	assert.Equal(t, 500.0, cfg.NudgeFeed())
	assert.Equal(t, 5*time.Second, cfg.NudgeMoveTimeout())
	assert.Equal(t, 7*time.Second, cfg.NudgeIdleTimeout())
	assert.Equal(t, StreamAbort, cfg.StreamErrorPolicy())
	assert.Equal(t, 8, cfg.AckQueueSize())
	assert.Equal(t, 16, cfg.WorkQueueSize())
	assert.Equal(t, []Step{HomeStep("X"), MoveStep("X10")}, cfg.HomingMacro())
	assert.False(t, cfg.Wake())
	assert.False(t, cfg.FinalDrain())
	assert.False(t, cfg.CloseLink())
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "nil logger", opt: WithLogger(nil)},
		{name: "zero ack timeout", opt: WithAckTimeout(0)},
		{name: "negative retries", opt: WithLineRetries(-1)},
		{name: "too many retries", opt: WithLineRetries(MaxTries + 1)},
		{name: "negative retry delay", opt: WithRetryDelay(-time.Second)},
		{name: "settle above poll", opt: WithPollInterval(time.Millisecond, time.Second)},
		{name: "zero homing tries", opt: WithHomingTries(0)},
		{name: "zero move tries", opt: WithMoveTries(0)},
		{name: "zero homing window", opt: WithHomingTimeouts(time.Second, 0)},
		{name: "empty macro", opt: WithHomingMacro()},
		{name: "bad axis", opt: WithHomingMacro(HomeStep("Q"))},
		{name: "two axes", opt: WithHomingMacro(HomeStep("XY"))},
		{name: "empty move", opt: WithHomingMacro(MoveStep(" "))},
		{name: "zero nudge move", opt: WithNudgeTimeouts(0, time.Second)},
		{name: "zero nudge idle", opt: WithNudgeTimeouts(time.Second, 0)},
		{name: "zero motion finish", opt: WithMotionTimeouts(time.Second, 0)},
		{name: "zero unlock", opt: WithRecoveryTimeouts(0, 0, time.Second, time.Second, time.Second)},
		{name: "nil nudge policy", opt: WithNudge(nil, 1, 1000)},
		{name: "nudge too far", opt: WithNudge(FixedNudge(nil), MaxNudgeLength+1, 1000)},
		{name: "nudge feed zero", opt: WithNudge(FixedNudge(nil), 1, 0)},
		{name: "bad stream policy", opt: WithStreamErrorPolicy(StreamErrorPolicy(9))},
		{name: "zero ack queue", opt: WithQueueSizes(0, 1)},
		{name: "zero read timeout", opt: WithReadTimeout(0)},
		{name: "zero wake settle", opt: WithWake(true, 0)},
		{name: "zero final finish", opt: WithFinalDrain(true, time.Second, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.opt)
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func TestParseStreamErrorPolicy(t *testing.T) {
	p, err := ParseStreamErrorPolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, StreamAbort, p)

	p, err = ParseStreamErrorPolicy("")
	require.NoError(t, err)
	assert.Equal(t, StreamAdvance, p)

	_, err = ParseStreamErrorPolicy("skip")
	assert.Error(t, err)
}

func TestNudgePolicies(t *testing.T) {
	alt := AlternatingNudge(nil)
	assert.Equal(t, -1.0, alt.Direction("Z", 1))
	assert.Equal(t, 1.0, alt.Direction("Z", 2))
	assert.Equal(t, -1.0, alt.Direction("Z", 3))
	assert.Equal(t, 1.0, alt.Direction("Z", 4))

	positive := func(string) float64 { return 1 }
	assert.Equal(t, 1.0, AlternatingNudge(positive).Direction("A", 1))

	fixed := FixedNudge(nil)
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, -1.0, fixed.Direction("X", attempt))
	}

	p, err := ParseNudgePolicy("none", nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = ParseNudgePolicy("Alternating", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Direction("Y", 2))

	_, err = ParseNudgePolicy("random", nil)
	assert.Error(t, err)
}
