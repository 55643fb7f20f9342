package ratelimit

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShaperPassthrough(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	var nilShaper *Shaper
	assert.False(t, nilShaper.Enabled())
	assert.Same(t, c1, nilShaper.Conn(c1))

	unlimited := NewShaper(0, 0)
	assert.False(t, unlimited.Enabled())
	assert.Same(t, c1, unlimited.Conn(c1))

	limited := NewShaper(1000, 0)
	assert.True(t, limited.Enabled())
	assert.NotSame(t, c1, limited.Conn(c1))
}

func TestShapedConnCopiesData(t *testing.T) {
	shaper := NewShaper(1<<20, 1<<20)
	c1, c2 := net.Pipe()
	defer c2.Close()
	shaped := shaper.Conn(c1)
	defer shaped.Close()

	go func() {
		_, _ = shaped.Write([]byte("hello world"))
	}()
	buf := make([]byte, 64)
	n, err := c2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	go func() {
		_, _ = c2.Write([]byte("pong"))
	}()
	n, err = shaped.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestShapedConnThrottlesWrites(t *testing.T) {
	// 1000 B/s upload. The bucket's one-second burst covers the first
	// 1000 bytes; the remaining 300 take roughly 300ms.
	shaper := NewShaper(0, 1000)
	c1, c2 := net.Pipe()
	shaped := shaper.Conn(c1)

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, c2)
		close(done)
	}()

	start := time.Now()
	n, err := shaped.Write(make([]byte, 1300))
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, 1300, n)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)

	shaped.Close()
	<-done
}

func TestShapedConnThrottlesReads(t *testing.T) {
	shaper := NewShaper(1000, 0)
	c1, c2 := net.Pipe()
	shaped := shaper.Conn(c1)
	defer shaped.Close()

	go func() {
		_, _ = c2.Write(make([]byte, 1300))
		c2.Close()
	}()

	start := time.Now()
	n, err := io.ReadFull(shaped, make([]byte, 1300))
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, 1300, n)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}
