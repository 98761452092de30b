// Package delivery implements C7: the SSE subscriber, the
// exponential-backoff status poller, and the push-callback receiver.
package delivery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// MaxPollAttemptsError reports that PollWithBackoff exhausted its
// attempt budget without fn ever returning ok=true.
type MaxPollAttemptsError struct {
	Attempts int
}

func (e *MaxPollAttemptsError) Error() string {
	return fmt.Sprintf("exhausted %d poll attempts", e.Attempts)
}

// PollOptions configures PollWithBackoff.
type PollOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // in [0, 1]
	MaxAttempts  int
	Rand         *rand.Rand // optional, for deterministic tests
}

// DefaultPollOptions matches the recommended status-polling defaults:
// initialDelay=1s, cap 30s, maxAttempts=20 (~10 min worst case), jitter 0.2.
func DefaultPollOptions() PollOptions {
	return PollOptions{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
		MaxAttempts:  20,
	}
}

func (o PollOptions) validate() error {
	if o.InitialDelay <= 0 {
		return ivxp.NewError(ivxp.ErrInvalidPollOptions, "initialDelay must be > 0")
	}
	if o.MaxDelay <= 0 {
		return ivxp.NewError(ivxp.ErrInvalidPollOptions, "maxDelay must be > 0")
	}
	if o.MaxAttempts <= 0 {
		return ivxp.NewError(ivxp.ErrInvalidPollOptions, "maxAttempts must be > 0")
	}
	if o.Jitter < 0 || o.Jitter > 1 {
		return ivxp.NewError(ivxp.ErrInvalidPollOptions, "jitter must be within [0, 1]")
	}
	return nil
}

// backoffDelay computes min(initialDelay*2^attempt, maxDelay) scaled by a
// jitter factor uniformly drawn from [1-jitter, 1+jitter], clamped to >= 0.
func backoffDelay(o PollOptions, attempt int, r *rand.Rand) time.Duration {
	base := float64(o.InitialDelay) * math.Pow(2, float64(attempt))
	capped := math.Min(base, float64(o.MaxDelay))

	factor := 1.0
	if o.Jitter > 0 {
		factor = 1 - o.Jitter + r.Float64()*2*o.Jitter
	}
	delay := capped * factor
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// PollWithBackoff invokes fn up to opts.MaxAttempts times. fn returning
// ok=true ends the loop immediately with its result;
// fn returning ok=false sleeps per backoffDelay and retries; fn returning
// an error propagates without retry.
func PollWithBackoff[T any](ctx context.Context, opts PollOptions, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T
	if err := opts.validate(); err != nil {
		return zero, err
	}
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, ivxp.Newf(ivxp.ErrTimeout, "polling aborted").WithCause(err)
		}

		result, ok, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return result, nil
		}

		if attempt == opts.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(opts, attempt, r)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ivxp.Newf(ivxp.ErrTimeout, "polling aborted").WithCause(ctx.Err())
		case <-timer.C:
		}
	}
	return zero, &MaxPollAttemptsError{Attempts: opts.MaxAttempts}
}

// PollOrderStatus is a convenience wrapper: it polls
// getStatus until the returned status is in terminalSet.
func PollOrderStatus(ctx context.Context, opts PollOptions, getStatus func(ctx context.Context) (*ivxp.OrderStatusView, error), terminalSet map[ivxp.OrderStatus]bool) (*ivxp.OrderStatusView, error) {
	return PollWithBackoff(ctx, opts, func(ctx context.Context) (*ivxp.OrderStatusView, bool, error) {
		view, err := getStatus(ctx)
		if err != nil {
			return nil, false, err
		}
		if terminalSet[ivxp.OrderStatus(view.Status)] {
			return view, true, nil
		}
		return nil, false, nil
	})
}
