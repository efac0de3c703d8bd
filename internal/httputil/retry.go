// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared across stages: response
// classification into the error taxonomy and retry with exponential backoff.
package httputil

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pdiddy/harvest-engine/pkg/types"
)

// RetryBaseDelay is the default base duration for exponential backoff when
// a RetryConfig leaves it unset. Tests override this to avoid real sleeps.
var RetryBaseDelay = 2 * time.Second

const defaultMaxRetries = 3

// RetryPolicy bounds retries of transient failures. MaxRetries counts every
// attempt, including the first.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRetryPolicy converts configuration into a policy, applying defaults.
func NewRetryPolicy(cfg types.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = RetryBaseDelay
	}
	return p
}

// Backoff is the explicit state of one retry loop: how many attempts have
// failed and how long to wait before the next one.
type Backoff struct {
	policy   RetryPolicy
	attempts int
	next     time.Duration
}

// Start returns fresh backoff state for one operation.
func (p RetryPolicy) Start() *Backoff {
	return &Backoff{policy: p, next: p.BaseDelay}
}

// Attempts returns the number of failed attempts recorded so far.
func (b *Backoff) Attempts() int { return b.attempts }

// Failed records a failed attempt. It returns the wait before the next
// attempt and whether another attempt is allowed. Only ErrTransient
// failures are retried, and never past MaxRetries attempts.
func (b *Backoff) Failed(err error) (time.Duration, bool) {
	b.attempts++
	if !Retryable(err) || b.attempts >= b.policy.MaxRetries {
		return 0, false
	}

	delay := b.next
	var se *types.StatusError
	if errors.As(err, &se) && se.RetryAfter > delay {
		delay = se.RetryAfter
	}
	if b.policy.MaxDelay > 0 && delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}

	b.next = time.Duration(math.Min(float64(b.next)*2, math.MaxInt64))
	return delay, true
}

// Retryable reports whether err is a transient failure worth retrying.
// Context cancellation is never retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, types.ErrTransient)
}

// Retry calls fn until it succeeds, fails with a non-transient error, or
// the policy's attempts are exhausted. It returns the last error. If ctx is
// cancelled during a backoff wait, Retry returns ctx.Err().
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	b := p.Start()
	for {
		err := fn(ctx, b.Attempts()+1)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		delay, again := b.Failed(err)
		if !again {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Do executes a single request and classifies the outcome. Non-2xx
// responses are drained, closed, and returned as *types.StatusError;
// network timeouts become *types.TimeoutError and other transport
// failures wrap types.ErrTransient.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &types.StatusError{
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

// DoWithRetry executes req under the retry policy. Each attempt uses a
// clone of req bound to ctx, so req must not carry a one-shot body.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, p RetryPolicy) (*http.Response, error) {
	var resp *http.Response
	err := Retry(ctx, p, func(ctx context.Context, _ int) error {
		r, err := Do(client, req.Clone(ctx))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ClassifyError maps a transport error into the error taxonomy. Context
// cancellation passes through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &types.TimeoutError{Err: err}
	}
	if errors.Is(err, types.ErrTransient) || errors.Is(err, types.ErrPermanent) {
		return err
	}
	return errors.Join(types.ErrTransient, err)
}

// IsTimeout reports whether err came from a network timeout.
func IsTimeout(err error) bool {
	var te *types.TimeoutError
	return errors.As(err, &te)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
