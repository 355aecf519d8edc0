package link

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnLink_ReadLine(t *testing.T) {
	local, remote := newPipeConn(t)
	l := NewConnLink(local)

	go mustWrite(t, remote, []byte("<Idle|MPos:0.000,0.000,0.000>\r\nok\n"))

	line, err := l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<Idle|MPos:0.000,0.000,0.000>", string(line))

	line, err = l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(line))
}

func TestConnLink_ReadLine_Timeout(t *testing.T) {
	local, _ := newPipeConn(t)
	l := NewConnLink(local)

	begin := time.Now()
	line, err := l.ReadLine(30 * time.Millisecond)
	assert.Nil(t, line)
	assert.True(t, errors.Is(err, ErrReadTimeout))
	assert.GreaterOrEqual(t, time.Since(begin), 25*time.Millisecond)
}

func TestConnLink_ReadLine_ChunkedDelivery(t *testing.T) {
	local, remote := newPipeConn(t)
	l := NewConnLink(local)

	go func() {
		mustWrite(t, remote, []byte("err"))
		time.Sleep(40 * time.Millisecond)
		mustWrite(t, remote, []byte("or:20\n"))
	}()

	// the first read times out holding the partial line
	_, err := l.ReadLine(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)

	line, err := l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error:20", string(line))
}

func TestConnLink_ResetInputBuffer(t *testing.T) {
	local, remote := newPipeConn(t)
	l := NewConnLink(local)

	go mustWrite(t, remote, []byte("garbage-without-newline"))

	_, err := l.ReadLine(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)

	require.NoError(t, l.ResetInputBuffer())

	go func() {
		time.Sleep(60 * time.Millisecond)
		mustWrite(t, remote, []byte("ok\n"))
	}()

	line, err := l.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(line))
}

func TestConnLink_Write(t *testing.T) {
	local, remote := newPipeConn(t)
	l := NewConnLink(local)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := remote.Read(buf)
		got <- string(buf[:n])
	}()

	n, err := l.Write([]byte("$X\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "$X\n", <-got)
	assert.NoError(t, l.Drain())
}

func TestConnLink_Closed(t *testing.T) {
	local, remote := newPipeConn(t)
	l := NewConnLink(local)

	_ = remote.Close()

	_, err := l.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Write([]byte("?"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.ResetInputBuffer(), ErrClosed)
}
