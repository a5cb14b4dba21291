package llm

import (
	"context"
	"errors"
	"log"
	"math"
	"time"
)

// RetryPolicy controls how failed completions are retried with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 500ms initial delay, 2x multiplier,
// 10s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// ShouldRetry reports whether err is retryable and attempt (1-indexed) has
// attempts left after it.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	p = p.normalized()
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// NextDelay returns the backoff delay after the given attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. It stops early when ctx is done.
func (p RetryPolicy) Execute(ctx context.Context, fn func(attempt int) error) error {
	p = p.normalized()
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		last = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		if err := sleepCtx(ctx, p.NextDelay(attempt)); err != nil {
			return last
		}
	}
	return last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry retries Complete according to policy. PermanentError is returned
// immediately.
func Retry(policy RetryPolicy) Middleware {
	return func(next Gateway) Gateway {
		return &retrying{next: next, policy: policy.normalized()}
	}
}

type retrying struct {
	next   Gateway
	policy RetryPolicy
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Complete(ctx context.Context, req Request) (Result, error) {
	var out Result
	err := r.policy.Execute(ctx, func(attempt int) error {
		res, err := r.next.Complete(ctx, req)
		if err != nil {
			if r.policy.ShouldRetry(err, attempt) {
				log.Printf("llm %s (%s): attempt %d/%d failed, retrying: %v", req.Kind, PhaseFrom(ctx), attempt, r.policy.MaxAttempts, err)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}
