// Package ratelimit throttles outgoing LLM calls to a per-model requests-
// per-minute budget and retries provider throttling errors with backoff.
//
// Grounded on utils/rate_limiter.py's RateLimiter: a sliding window of
// recent call timestamps per model, a MODEL_LIMITS table, wait_if_needed,
// and wait_with_display's countdown. No token-bucket or backoff library
// appears in the retrieved example pack, so the window is reimplemented
// with time.Time/time.Timer rather than a third-party limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/nachoal/replcore/internal/toolspec"
)

// window is the sliding window duration requests are counted within,
// matching the original's one-minute RPM window.
const window = time.Minute

// DefaultLimits is the default RPM table: requests allowed per model
// within window. Models not listed fall back to defaultLimit.
var DefaultLimits = map[string]int{
	"flash-lite":         30,
	"flash":              15,
	"flash-lite-preview": 15,
	"flash-25":           10,
	"pro":                5,
}

// defaultLimit applies to any model absent from the limits table.
const defaultLimit = 10

// BackoffPolicy configures exponential backoff applied when the provider
// itself reports throttling (as opposed to the local window being full).
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultBackoff retries up to 5 times, starting at 2s and multiplying by
// 1.5 per attempt, capped at 60s.
var DefaultBackoff = BackoffPolicy{
	Initial:    2 * time.Second,
	Max:        60 * time.Second,
	Multiplier: 1.5,
	MaxRetries: 5,
}

// Countdown is invoked, if non-nil, once per second while Controller.Wait
// blocks for window capacity, so a caller can render a visible countdown
// the way the original's wait_with_display does.
type Countdown func(remaining time.Duration)

// Controller enforces a per-model sliding-window rate limit and exposes a
// Retry helper for backing off on provider throttling responses.
type Controller struct {
	mu      sync.Mutex
	limits  map[string]int
	backoff BackoffPolicy
	calls   map[string][]time.Time
	now     func() time.Time
}

// New returns a Controller using limits (falling back to DefaultLimits
// when nil) and backoff (falling back to DefaultBackoff when zero-valued).
func New(limits map[string]int, backoff BackoffPolicy) *Controller {
	if limits == nil {
		limits = DefaultLimits
	}
	if backoff == (BackoffPolicy{}) {
		backoff = DefaultBackoff
	}
	return &Controller{
		limits:  limits,
		backoff: backoff,
		calls:   make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (c *Controller) limitFor(model string) int {
	if n, ok := c.limits[model]; ok {
		return n
	}
	return defaultLimit
}

// prune drops timestamps outside the current window. Caller holds c.mu.
func (c *Controller) prune(model string, at time.Time) []time.Time {
	kept := c.calls[model][:0]
	for _, t := range c.calls[model] {
		if at.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	c.calls[model] = kept
	return kept
}

// Wait blocks until model has capacity within the sliding window, invoking
// tick (if non-nil) roughly once per second while waiting, and records the
// call's timestamp once capacity is available. It returns a
// toolspec.KindCancelled error if ctx is done first.
func (c *Controller) Wait(ctx context.Context, model string, tick Countdown) error {
	for {
		c.mu.Lock()
		now := c.now()
		recent := c.prune(model, now)
		limit := c.limitFor(model)
		if len(recent) < limit {
			c.calls[model] = append(c.calls[model], now)
			c.mu.Unlock()
			return nil
		}
		oldest := recent[0]
		wait := window - now.Sub(oldest)
		c.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if tick != nil {
			tick(wait)
		}

		step := wait
		if step > time.Second {
			step = time.Second
		}
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return toolspec.NewError(toolspec.KindCancelled, "rate limit wait cancelled").WithDetail("model", model)
		case <-timer.C:
		}
	}
}

// Retry runs op, retrying with exponential backoff when op returns a
// *toolspec.Error of kind KindThrottled, up to MaxRetries attempts. Any
// other error, or a ctx cancellation, returns immediately.
func (c *Controller) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	delay := c.backoff.Initial
	var lastErr error
	for attempt := 0; attempt <= c.backoff.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *toolspec.Error
		if !asToolspecError(err, &se) || se.Kind != toolspec.KindThrottled {
			return err
		}
		if attempt == c.backoff.MaxRetries {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return toolspec.NewError(toolspec.KindCancelled, "retry cancelled").WithDetail("model", "")
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * c.backoff.Multiplier)
		if delay > c.backoff.Max {
			delay = c.backoff.Max
		}
	}
	return toolspec.NewError(toolspec.KindRateExceeded, "exhausted retries after provider throttling").WithDetail("cause", lastErr.Error())
}

func asToolspecError(err error, target **toolspec.Error) bool {
	se, ok := err.(*toolspec.Error)
	if !ok {
		return false
	}
	*target = se
	return true
}
