// Package ratelimit provides a simple token bucket rate limiter shared by
// the OpenAI and Unsplash clients.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Limiter struct {
	mu       sync.Mutex // protect access to lastTime and tokens
	lastTime time.Time
	tokens   int

	window time.Duration
	rate   int
}

// New creates a rate limiter for the given number of tokens over the
// provided time window. E.g. New(50, time.Hour) will allow 50 units of work
// to happen over an hour.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		window:   window,
		rate:     rate,
		lastTime: time.Now(),
		tokens:   rate,
	}
}

// Acquire returns nil if work can proceed. If the provided context is Done
// Acquire will return context.Err(). If the bucket is empty, Acquire will
// sleep until at least one token is available.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if ok := l.tryAcquire(); ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.window / time.Duration(l.rate)):
			// If tryAcquire() returned false the token bucket is empty.
			// Assuming an even distribution of tokens across the window,
			// wait 1/Nth of the window duration to allow at least one token
			// to accumulate. And then try again.
		}
	}
}

func (l *Limiter) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// How much time has elapsed?
	now := time.Now()
	elapsed := now.Sub(l.lastTime)
	l.lastTime = now

	// Put tokens into the bucket, the number proportional to the duration
	// since last called.
	l.tokens += int(elapsed.Nanoseconds() * int64(l.rate) / l.window.Nanoseconds())
	l.tokens = min(l.tokens, l.rate)
	// If the bucket is exhausted then the caller cannot proceed immediately.
	if l.tokens <= 0 {
		return false
	}

	// Success, remove a token.
	l.tokens--
	return true
}
