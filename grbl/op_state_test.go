package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicOpState_String(t *testing.T) {
	tests := []struct {
		state    OpState
		expected string
	}{
		{state: ClosedState, expected: "Closed"},
		{state: ClosingState, expected: "Closing"},
		{state: OpeningState, expected: "Opening"},
		{state: OpenedState, expected: "Opened"},
		{state: OpState(99), expected: "Unknown"},
	}

	for _, tt := range tests {
		st := &AtomicOpState{}
		st.Set(tt.state)
		assert.Equal(t, tt.expected, st.String())
	}
}

func TestAtomicOpState_Lifecycle(t *testing.T) {
	st := &AtomicOpState{}
	assert.True(t, st.IsClosed())

	assert.False(t, st.ToOpened(), "cannot open before opening")
	assert.True(t, st.ToOpening())
	assert.False(t, st.ToOpening())
	assert.True(t, st.ToOpened())
	assert.True(t, st.ToOpened(), "opened is idempotent")
	assert.True(t, st.IsOpened())

	assert.False(t, st.ToClosed(), "cannot close before closing")
	assert.True(t, st.ToClosing())
	assert.Equal(t, ClosingState, st.Get())
	assert.True(t, st.ToClosed())
	assert.True(t, st.ToClosed(), "closed is idempotent")
}

func TestAtomicOpState_CloseWhileOpening(t *testing.T) {
	st := &AtomicOpState{}
	assert.True(t, st.ToOpening())
	assert.True(t, st.ToClosing())
	assert.True(t, st.ToClosed())
}
