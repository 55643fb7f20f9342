// Package ratelimit implements token-bucket bandwidth shaping for
// managed sockets. Limits are expressed in bytes per second; ParseRate
// accepts human-readable forms such as "10Mbps" or "1MB/s".
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenBucket meters a byte stream. The bucket starts full and refills
// continuously at its rate, holding at most one second's worth of
// tokens, so a fresh bucket absorbs a one-second burst before it
// throttles.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket builds a bucket refilling at bytesPerSecond. Rates
// below one byte per second are rounded up so the bucket can always
// make progress.
func NewTokenBucket(bytesPerSecond int64) *TokenBucket {
	if bytesPerSecond < 1 {
		bytesPerSecond = 1
	}
	r := float64(bytesPerSecond)
	return &TokenBucket{
		rate:       r,
		capacity:   r,
		tokens:     r,
		lastRefill: time.Now(),
	}
}

// refill credits tokens for the time elapsed since the last update.
// Callers must hold mu.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// AllowN takes n tokens if they are available and reports whether it
// did.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

// WaitN blocks until n tokens are available and takes them, or returns
// the context error. n must not exceed the bucket capacity or the call
// can never be satisfied.
func (tb *TokenBucket) WaitN(ctx context.Context, n int) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.refill(now)
		if tb.tokens >= float64(n) {
			tb.tokens -= float64(n)
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((float64(n) - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the tokens currently available.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	return tb.tokens
}

// Rate reports the refill rate in bytes per second.
func (tb *TokenBucket) Rate() int64 { return int64(tb.rate) }

// ParseRate converts a human-readable rate to bytes per second.
// Bit-oriented suffixes (bps, Kbps, Mbps, Gbps) are converted to
// bytes; byte-oriented ones (B/s, KB/s, MB/s, GB/s) are taken as is.
// A bare number is bytes per second. Matching is case-insensitive, and
// "0" or an empty string means unlimited.
func ParseRate(s string) (int64, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" || t == "0" {
		return 0, nil
	}

	multiplier := 1.0
	for _, u := range rateUnits {
		if strings.HasSuffix(t, u.suffix) {
			multiplier = u.bytes
			t = strings.TrimSpace(strings.TrimSuffix(t, u.suffix))
			break
		}
	}

	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("rate must not be negative: %q", s)
	}
	return int64(v * multiplier), nil
}

// rateUnits is ordered longest suffix first so "mb/s" is not consumed
// by the bare "b/s" entry.
var rateUnits = []struct {
	suffix string
	bytes  float64
}{
	{"gbyte/s", 1e9},
	{"mbyte/s", 1e6},
	{"kbyte/s", 1e3},
	{"byte/s", 1},
	{"gb/s", 1e9},
	{"mb/s", 1e6},
	{"kb/s", 1e3},
	{"b/s", 1},
	{"gbps", 1e9 / 8},
	{"mbps", 1e6 / 8},
	{"kbps", 1e3 / 8},
	{"bps", 1.0 / 8},
}

// FormatRate renders bytes per second in the bit-oriented form used by
// log output, picking the largest unit that keeps the value above one.
func FormatRate(bytesPerSecond int64) string {
	bits := float64(bytesPerSecond) * 8
	switch {
	case bits >= 1e9:
		return fmt.Sprintf("%.2f Gbps", bits/1e9)
	case bits >= 1e6:
		return fmt.Sprintf("%.2f Mbps", bits/1e6)
	case bits >= 1e3:
		return fmt.Sprintf("%.2f Kbps", bits/1e3)
	default:
		return fmt.Sprintf("%d bps", int64(bits))
	}
}
