package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSerialLink_HoldsControlLines(t *testing.T) {
	port := newFakePort()

	l, err := NewSerialLink("/dev/ttyFAKE0", port, DefaultSerialOptions())
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyFAKE0", l.Name())
	assert.True(t, port.dtr)
	assert.True(t, port.rts)
	assert.Equal(t, DefaultReadSlice, port.readTimeout)
}

func TestNewSerialLink_NilPort(t *testing.T) {
	_, err := NewSerialLink("x", nil, SerialOptions{})
	require.Error(t, err)
}

func TestSerialLink_ReadWrite(t *testing.T) {
	port := newFakePort()
	l, err := NewSerialLink("fake", port, SerialOptions{ReadSlice: 10 * time.Millisecond})
	require.NoError(t, err)

	port.feed("Grbl 1.1h ['$' for help]\r\n")
	port.feed("<Alarm|MPos:0")
	port.feed(".000,0.000,0.000>\n")

	line, err := l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Grbl 1.1h ['$' for help]", string(line))

	line, err = l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<Alarm|MPos:0.000,0.000,0.000>", string(line))

	_, err = l.ReadLine(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	_, err = l.Write([]byte("G0 X1\n"))
	require.NoError(t, err)
	_, err = l.Write([]byte{'?'})
	require.NoError(t, err)
	assert.Equal(t, "G0 X1\n?", port.writtenString())
	require.NoError(t, l.Drain())
	assert.Equal(t, 1, port.drains)
}

func TestSerialLink_ResetInputBuffer(t *testing.T) {
	port := newFakePort()
	l, err := NewSerialLink("fake", port, SerialOptions{ReadSlice: 10 * time.Millisecond})
	require.NoError(t, err)

	port.feed("partial")
	_, err = l.ReadLine(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)

	require.NoError(t, l.ResetInputBuffer())
	assert.Equal(t, 1, port.resets)

	port.feed("ok\n")
	line, err := l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(line))
}

func TestSerialLink_Close(t *testing.T) {
	port := newFakePort()
	l, err := NewSerialLink("fake", port, SerialOptions{ReadSlice: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, port.closed)

	_, err = l.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Write([]byte("?"))
	assert.ErrorIs(t, err, ErrClosed)
}
