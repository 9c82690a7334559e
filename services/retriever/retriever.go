// Package retriever downloads history pages and stages them on disk.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/ratelimit"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/stager"
)

// DefaultMaxBodyBytes caps a response body when Options leaves it unset.
const DefaultMaxBodyBytes = 16 << 20

// NetworkError is a transport failure before any response arrived.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetrievalError is returned once a symbol's fetch has given up. Staged is
// set when the final response body was kept for inspection.
type RetrievalError struct {
	Symbol   string
	Attempts int
	Err      error
	Staged   *models.StagedFile
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve %s: gave up after %d attempt(s): %v", e.Symbol, e.Attempts, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// BodyTooLargeError is a 2xx response whose body exceeds the configured cap.
// It is not retried and nothing is staged.
type BodyTooLargeError struct {
	URL   string
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("GET %s: body exceeds %d bytes", e.URL, e.Limit)
}

// Options configures a Retriever.
type Options struct {
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxBodyBytes caps the body read per response. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Retriever fetches one symbol's page at a time under the shared limiter.
type Retriever struct {
	opts    Options
	client  *http.Client
	limiter *ratelimit.SlidingWindow
	stager  *stager.Stager
	now     func() time.Time
}

// NewRetriever creates a retriever. MaxRetries is the total number of HTTP
// attempts per fetch and is raised to 1 if lower.
func NewRetriever(opts Options, limiter *ratelimit.SlidingWindow, st *stager.Stager) *Retriever {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Retriever{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		stager:  st,
		now:     time.Now,
	}
}

// URL returns the page address for a symbol.
func (r *Retriever) URL(symbol string) string {
	return fmt.Sprintf(r.opts.URLTemplate, url.PathEscape(symbol))
}

func (r *Retriever) backOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.opts.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.opts.BackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.MaxRetries-1)), ctx)
}

// Fetch downloads the symbol's page, stages it as a raw file and returns the
// staged file with its content. Waiting on the rate limiter does not count
// as an attempt.
func (r *Retriever) Fetch(ctx context.Context, symbol string) (*models.StagedFile, []byte, error) {
	target := r.URL(symbol)
	u, err := url.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid source url %q: %w", target, err)
	}
	host := u.Host

	attempts := 0
	var lastBody []byte

	op := func() ([]byte, error) {
		if err := r.limiter.Wait(ctx, host); err != nil {
			return nil, backoff.Permanent(err)
		}
		attempts++
		body, err := r.get(ctx, target)
		if err == nil {
			return body, nil
		}
		lastBody = body
		var se *HTTPStatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		log.Printf("Retriever: %s attempt %d failed: %v (retrying in %s)", symbol, attempts, err, next)
	}

	body, err := backoff.RetryNotifyWithData(op, r.backOff(ctx), notify)
	if err != nil {
		rerr := &RetrievalError{Symbol: symbol, Attempts: attempts, Err: err}
		var se *HTTPStatusError
		if errors.As(err, &se) && !se.Retryable() && len(lastBody) > 0 {
			if f, serr := r.stager.WriteRaw(symbol, r.now(), lastBody); serr == nil {
				rerr.Staged = f
			} else {
				log.Printf("Retriever: failed to stage %d body for %s: %v", se.StatusCode, symbol, serr)
			}
		}
		return nil, nil, rerr
	}

	file, err := r.stager.WriteRaw(symbol, r.now(), body)
	if err != nil {
		return nil, nil, fmt.Errorf("stage %s: %w", symbol, err)
	}
	log.Printf("Retriever: fetched %s (%d bytes, %d attempt(s))", symbol, len(body), attempts)
	return file, body, nil
}

// get performs one request. On a non-2xx status it returns the body read so
// far together with an HTTPStatusError.
func (r *Retriever) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	limit := r.opts.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	tooLarge := int64(len(body)) > limit
	if tooLarge {
		body = body[:limit]
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &HTTPStatusError{URL: target, StatusCode: resp.StatusCode}
	}
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	if tooLarge {
		return nil, backoff.Permanent(&BodyTooLargeError{URL: target, Limit: limit})
	}
	return body, nil
}
