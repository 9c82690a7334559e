package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(n int, window time.Duration) (*SlidingWindow, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewSlidingWindow(n, window)
	l.now = clock.Now
	return l, clock
}

func TestAcquire_RefusesNPlusOne(t *testing.T) {
	l, clock := newTestLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if err := l.Acquire("example.com"); err != nil {
			t.Fatalf("acquire %d: unexpected refusal: %v", i+1, err)
		}
		clock.Advance(time.Second)
	}

	err := l.Acquire("example.com")
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	// oldest stamp at t0, now t0+3s, window 10s
	if rle.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", rle.RetryAfter)
	}
	if got := l.InFlight("example.com"); got != 3 {
		t.Errorf("refused acquire must not be recorded, in flight = %d", got)
	}
}

func TestAcquire_AdmitsAfterOldestExits(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second)

	if err := l.Acquire("h"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Second)
	if err := l.Acquire("h"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire("h"); err == nil {
		t.Fatal("expected refusal with full window")
	}

	clock.Advance(6 * time.Second) // oldest leaves exactly now
	if err := l.Acquire("h"); err != nil {
		t.Fatalf("expected admission once oldest stamp left the window: %v", err)
	}
	if err := l.Acquire("h"); err == nil {
		t.Fatal("second stamp still inside window, expected refusal")
	}
}

func TestAcquire_HostsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if err := l.Acquire("a.example"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire("b.example"); err != nil {
		t.Fatalf("different host must not be throttled: %v", err)
	}
	if err := l.Acquire("a.example"); err == nil {
		t.Fatal("expected refusal for a.example")
	}
}

func TestAcquire_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	l, _ := newTestLimiter(25, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("shared.example") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 25 {
		t.Errorf("admitted = %d, want 25", admitted)
	}
}

func TestWait_ReturnsOnCancel(t *testing.T) {
	l := NewSlidingWindow(1, time.Hour)
	if err := l.Acquire("h"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "h")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWait_AdmitsAfterWindow(t *testing.T) {
	l := NewSlidingWindow(1, 30*time.Millisecond)
	if err := l.Acquire("h"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(context.Background(), "h"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Wait returned after %v, expected to block for the window", elapsed)
	}
}

func TestSweep_DropsIdleHosts(t *testing.T) {
	l, clock := newTestLimiter(1, 10*time.Second)

	if err := l.Acquire("idle.example"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(6 * time.Second)
	if err := l.Acquire("busy.example"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(5 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep dropped %d hosts, want 1", n)
	}
	if err := l.Acquire("busy.example"); err == nil {
		t.Error("busy host lost its window after Sweep")
	}
	if err := l.Acquire("idle.example"); err != nil {
		t.Errorf("idle host refused after Sweep: %v", err)
	}
}
