package ratelimit

import (
	"context"
	"net"
	"time"
)

// waitTimeout bounds a single token wait so a socket stuck behind a
// saturated bucket errors out instead of blocking forever.
const waitTimeout = 30 * time.Second

// Shaper caps transfer rates across every socket it wraps. All wrapped
// connections draw from shared download and upload buckets, so the
// limits bound aggregate throughput rather than each socket
// individually.
type Shaper struct {
	download *TokenBucket
	upload   *TokenBucket
}

// NewShaper builds a shaper from byte-per-second limits. A zero limit
// leaves that direction unshaped.
func NewShaper(downloadBps, uploadBps int64) *Shaper {
	s := &Shaper{}
	if downloadBps > 0 {
		s.download = NewTokenBucket(downloadBps)
	}
	if uploadBps > 0 {
		s.upload = NewTokenBucket(uploadBps)
	}
	return s
}

// Enabled reports whether at least one direction carries a limit.
func (s *Shaper) Enabled() bool {
	return s != nil && (s.download != nil || s.upload != nil)
}

// Conn wraps c so its reads and writes respect the shaper's limits.
// Unlimited shapers return c unchanged.
func (s *Shaper) Conn(c net.Conn) net.Conn {
	if !s.Enabled() {
		return c
	}
	return &shapedConn{Conn: c, shaper: s}
}

// shapedConn throttles an underlying connection against the shaper's
// shared buckets. Reads pay for bytes after receiving them, which lets
// a read overshoot briefly but never stalls data already buffered by
// the kernel. Writes reserve tokens before sending.
type shapedConn struct {
	net.Conn
	shaper *Shaper
}

func (c *shapedConn) Read(b []byte) (int, error) {
	bucket := c.shaper.download
	if bucket == nil {
		return c.Conn.Read(b)
	}

	// Cap the read at the available tokens so one large read cannot
	// drain several seconds of budget at once. Always admit at least
	// one byte to keep the stream moving.
	limit := len(b)
	if avail := int(bucket.Tokens()); avail > 0 && avail < limit {
		limit = avail
	}
	if limit < 1 {
		limit = 1
	}

	n, err := c.Conn.Read(b[:limit])
	if n > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		_ = bucket.WaitN(ctx, n)
		cancel()
	}
	return n, err
}

func (c *shapedConn) Write(b []byte) (int, error) {
	bucket := c.shaper.upload
	if bucket == nil {
		return c.Conn.Write(b)
	}

	written := 0
	for remaining := b; len(remaining) > 0; {
		chunk := len(remaining)
		if avail := int(bucket.Tokens()); avail > 0 && avail < chunk {
			chunk = avail
		}
		if chunk < 1 {
			chunk = 1
		}

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		err := bucket.WaitN(ctx, chunk)
		cancel()
		if err != nil {
			return written, err
		}

		n, err := c.Conn.Write(remaining[:chunk])
		written += n
		remaining = remaining[n:]
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
