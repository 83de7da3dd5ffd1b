// Package ratelimiter throttles sync sessions and payload bytes with a
// token bucket.
package ratelimiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate.
//
// A nil *RateLimiter allows everything, so callers can hold one
// unconditionally and leave it nil when no limit is configured.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter adding perSecond tokens per second to a bucket
// holding burst tokens.
//
// Special cases:
//   - perSecond = 0: returns nil (unlimited)
//   - burst = 0: defaults to perSecond
func New(perSecond, burst uint) *RateLimiter {
	if perSecond == 0 {
		return nil
	}
	if burst == 0 {
		burst = perSecond
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst))}
}

// Allow consumes one token if available, without waiting.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// WaitN blocks until n tokens are available or ctx is done. n larger than
// the burst is taken in burst-sized steps.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r == nil {
		return ctx.Err()
	}
	burst := r.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := r.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Reader returns src throttled to one token per byte. With a nil limiter
// src is returned unchanged.
func (r *RateLimiter) Reader(ctx context.Context, src io.Reader) io.Reader {
	if r == nil {
		return src
	}
	return &throttledReader{ctx: ctx, src: src, limiter: r}
}

// Tokens returns the current number of available tokens, for monitoring.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return 0
	}
	return r.limiter.Tokens()
}

type throttledReader struct {
	ctx     context.Context
	src     io.Reader
	limiter *RateLimiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
