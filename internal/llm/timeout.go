package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Timeout bounds each Complete call. An expired deadline is reported as a
// TransientError so Retry can try again with a fresh deadline.
func Timeout(d time.Duration) Middleware {
	return func(next Gateway) Gateway {
		if d <= 0 {
			return next
		}
		return &timeout{next: next, d: d}
	}
}

type timeout struct {
	next Gateway
	d    time.Duration
}

func (t *timeout) Name() string { return t.next.Name() }

func (t *timeout) Complete(ctx context.Context, req Request) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	res, err := t.next.Complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		return Result{}, &TransientError{Err: fmt.Errorf("completion timed out after %s: %w", t.d, err)}
	}
	return res, err
}
