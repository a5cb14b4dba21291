package llm

import (
	"context"
	"strings"
)

type ctxKeyPhase struct{}

// WithPhase labels completion calls issued under ctx, e.g. "job/abc/GENERATING".
func WithPhase(ctx context.Context, phase string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyPhase{}, strings.TrimSpace(phase))
}

func PhaseFrom(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(ctxKeyPhase{}).(string); ok && v != "" {
			return v
		}
	}
	return "-"
}
