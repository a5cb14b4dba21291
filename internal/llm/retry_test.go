package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	inner := NewScriptedGateway().On(KindGenerate,
		Step{Err: NewTransientError(errors.New("503"))},
		Step{Err: NewTransientError(errors.New("429"))},
		Step{Result: Result{Narrative: "ok"}},
	)
	gw := Wrap(inner, Retry(fastPolicy(3)))

	res, err := gw.Complete(context.Background(), Request{Kind: KindGenerate})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Narrative)
	require.Len(t, inner.Calls(), 3)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	inner := NewScriptedGateway().On(KindGenerate, Step{Err: NewPermanentError(ErrInvalidJSON)})
	gw := Wrap(inner, Retry(fastPolicy(5)))

	_, err := gw.Complete(context.Background(), Request{Kind: KindGenerate})
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, ErrInvalidJSON)
	require.Len(t, inner.Calls(), 1)
}

func TestRetryExhaustionReturnsLastTransientError(t *testing.T) {
	inner := NewScriptedGateway().On(KindPreflight, Step{Err: NewTransientError(ErrRateLimited)})
	gw := Wrap(inner, Retry(fastPolicy(4)))

	_, err := gw.Complete(context.Background(), Request{Kind: KindPreflight})
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, ErrRateLimited)
	require.Len(t, inner.Calls(), 4)
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	inner := NewScriptedGateway().On(KindGenerate, Step{Err: NewTransientError(errors.New("timeout"))})
	gw := Wrap(inner, Retry(RetryPolicy{MaxAttempts: 10, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := gw.Complete(ctx, Request{Kind: KindGenerate})
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Minute)
	require.Len(t, inner.Calls(), 1)
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	require.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	require.Equal(t, 300*time.Millisecond, p.NextDelay(3))
	require.Equal(t, 300*time.Millisecond, p.NextDelay(9))

	require.True(t, p.ShouldRetry(errors.New("boom"), 1))
	require.False(t, p.ShouldRetry(errors.New("boom"), 5))
	require.False(t, p.ShouldRetry(NewPermanentError(errors.New("bad")), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestTimeoutReportsTransient(t *testing.T) {
	slow := GatewayFunc(func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	gw := Wrap(slow, Timeout(5*time.Millisecond))

	_, err := gw.Complete(context.Background(), Request{Kind: KindFix})
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrapOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Gateway) Gateway {
			return GatewayFunc(func(ctx context.Context, req Request) (Result, error) {
				order = append(order, name)
				return next.Complete(ctx, req)
			})
		}
	}
	inner := NewScriptedGateway().Reply(KindAgentTurn, Result{})
	_, err := Wrap(inner, mark("a"), nil, mark("b")).Complete(context.Background(), Request{Kind: KindAgentTurn})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestClassify(t *testing.T) {
	require.True(t, IsTransient(Classify(context.DeadlineExceeded)))
	require.True(t, IsPermanent(Classify(errors.New("weird"))))
	require.ErrorIs(t, Classify(context.Canceled), context.Canceled)
	require.False(t, IsPermanent(Classify(context.Canceled)))
	require.NoError(t, Classify(nil))
}
