// Package ratelimit bounds outbound request rate per external host with a
// sliding window log.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitError is returned when a host's window is full. The caller may
// retry after RetryAfter has elapsed.
type RateLimitError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit reached for %s, retry after %s", e.Host, e.RetryAfter)
}

// hostWindow is the request log of one host. Each host has its own lock so
// callers targeting different hosts never contend.
type hostWindow struct {
	mu    sync.Mutex
	stamp []time.Time
	dead  bool // removed by Sweep
}

// SlidingWindow admits at most maxRequests per host within any trailing window.
type SlidingWindow struct {
	mu          sync.Mutex
	hosts       map[string]*hostWindow
	window      time.Duration
	maxRequests int
	now         func() time.Time
}

// NewSlidingWindow creates a limiter allowing maxRequests per window for every host
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &SlidingWindow{
		hosts:       make(map[string]*hostWindow),
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

func (l *SlidingWindow) host(name string) *hostWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	hw, ok := l.hosts[name]
	if !ok {
		hw = &hostWindow{}
		l.hosts[name] = hw
	}
	return hw
}

// Acquire records a request for host and returns nil, or returns a
// *RateLimitError without recording anything when the window is full.
func (l *SlidingWindow) Acquire(host string) error {
	hw := l.host(host)
	hw.mu.Lock()
	for hw.dead {
		hw.mu.Unlock()
		hw = l.host(host)
		hw.mu.Lock()
	}
	defer hw.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	keep := 0
	for keep < len(hw.stamp) && !hw.stamp[keep].After(cutoff) {
		keep++
	}
	hw.stamp = hw.stamp[keep:]

	if len(hw.stamp) >= l.maxRequests {
		return &RateLimitError{
			Host:       host,
			RetryAfter: hw.stamp[0].Add(l.window).Sub(now),
		}
	}
	hw.stamp = append(hw.stamp, now)
	return nil
}

// Wait blocks until Acquire admits a request for host or ctx is done.
// Refusals are not errors; only cancellation is.
func (l *SlidingWindow) Wait(ctx context.Context, host string) error {
	for {
		err := l.Acquire(host)
		if err == nil {
			return nil
		}
		rle := err.(*RateLimitError)

		timer := time.NewTimer(rle.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for %s: %w", host, ctx.Err())
		case <-timer.C:
		}
	}
}

// InFlight returns the number of requests counted in host's current window.
func (l *SlidingWindow) InFlight(host string) int {
	hw := l.host(host)
	hw.mu.Lock()
	defer hw.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range hw.stamp {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Sweep forgets hosts with no request inside the window and returns how
// many were dropped.
func (l *SlidingWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	dropped := 0
	for name, hw := range l.hosts {
		hw.mu.Lock()
		if n := len(hw.stamp); n == 0 || !hw.stamp[n-1].After(cutoff) {
			hw.dead = true
			delete(l.hosts, name)
			dropped++
		}
		hw.mu.Unlock()
	}
	return dropped
}

// StartCleanup sweeps idle hosts every interval until ctx is done.
func (l *SlidingWindow) StartCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
