package proxyerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := New(CodeHandshake, "socks5 handshake", "proxy.example.com:1080", "example.com:443", errors.New("connection refused"))

	assert.Contains(t, err.Error(), "proxy.example.com:1080")
	assert.Contains(t, err.Error(), "example.com:443")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_FormatWithoutProxy(t *testing.T) {
	err := New(CodeConnect, "dial", "", "example.com:80", errors.New("timeout"))

	assert.Equal(t, "dial example.com:80: timeout", err.Error())
}

func TestError_FormatWithoutTarget(t *testing.T) {
	err := New(CodeConnect, "connect", "proxy.example.com:8080", "", errors.New("refused"))

	assert.Equal(t, "proxy proxy.example.com:8080: connect: refused", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := New(CodeConnect, "dial", "p:1", "t:2", inner)

	assert.ErrorIs(t, err, inner)
}

func TestError_UnwrapSentinel(t *testing.T) {
	err := New(CodeClosed, "create connection", "", "example.com:80", ErrManagerClosed)

	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.True(t, IsClosed(err))
}

func TestNewf(t *testing.T) {
	err := Newf(CodeHandshake, "socks4 handshake", "p:1080", "t:80", "request rejected with code 0x%02x", 0x5B)

	assert.Contains(t, err.Error(), "0x5b")
	assert.Equal(t, CodeHandshake, err.Code)
}

func TestCodeOf(t *testing.T) {
	err := New(CodeAuth, "authenticate", "p:8080", "", errors.New("407"))

	assert.Equal(t, CodeAuth, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := New(CodeHandshake, "greeting", "p:1080", "", errors.New("bad version"))
	wrapped := fmt.Errorf("create tunnel: %w", inner)

	require.True(t, IsProxyError(wrapped))
	assert.Equal(t, CodeHandshake, CodeOf(wrapped))
	assert.True(t, IsHandshakeError(wrapped))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(New(CodeAuth, "basic", "p:1", "", errors.New("denied"))))
	assert.False(t, IsAuthError(New(CodeConnect, "dial", "p:1", "", errors.New("refused"))))
	assert.False(t, IsAuthError(nil))
}

func TestIsClosed_Sentinel(t *testing.T) {
	assert.True(t, IsClosed(ErrManagerClosed))
	assert.True(t, IsClosed(fmt.Errorf("wrapped: %w", ErrManagerClosed)))
	assert.False(t, IsClosed(errors.New("other")))
}

func TestProxyOf(t *testing.T) {
	err := New(CodeConnect, "dial", "proxy.example.com:3128", "example.com:443", errors.New("refused"))

	assert.Equal(t, "proxy.example.com:3128", ProxyOf(err))
	assert.Equal(t, "", ProxyOf(errors.New("plain")))
}
