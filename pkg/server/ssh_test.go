package server

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// stalledChannel blocks every write until the transport is closed, like a
// peer that stopped reading and let the window run out.
type stalledChannel struct {
	ssh.Channel
	released chan struct{}
	once     sync.Once
}

func (c *stalledChannel) Write([]byte) (int, error) {
	<-c.released
	return 0, io.EOF
}

func (c *stalledChannel) Close() error {
	c.once.Do(func() { close(c.released) })
	return nil
}

type writtenChannel struct {
	ssh.Channel
	got []byte
}

func (c *writtenChannel) Write(b []byte) (int, error) {
	c.got = append(c.got, b...)
	return len(b), nil
}

func TestSSHWriteDeadlineClosesStalledConnection(t *testing.T) {
	ch := &stalledChannel{released: make(chan struct{})}
	conn := &sshChannelConn{Channel: ch, transport: ch}

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(50*time.Millisecond)))
	start := time.Now()
	_, err := conn.Write([]byte("frame"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), journeyTimeout)

	// an expired deadline fails without writing
	_, err = conn.Write([]byte("frame"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestSSHWriteWithinDeadline(t *testing.T) {
	ch := &writtenChannel{}
	closed := false
	conn := &sshChannelConn{Channel: ch, transport: closerFunc(func() error { closed = true; return nil })}

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(journeyTimeout)))
	n, err := conn.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "frame", string(ch.got))

	require.NoError(t, conn.SetWriteDeadline(time.Time{}))
	_, err = conn.Write([]byte("!"))
	require.NoError(t, err)
	assert.Equal(t, "frame!", string(ch.got))
	assert.False(t, closed)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
