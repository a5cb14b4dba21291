package llm

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// WithLogging logs request size, latency and errors. Provide a custom logger
// or nil to use log.Default().
func WithLogging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Gateway) Gateway {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Gateway
	log  *log.Logger
}

func (l *logging) Name() string { return l.next.Name() }

func (l *logging) Complete(ctx context.Context, req Request) (Result, error) {
	in, _ := json.Marshal(req)
	start := time.Now()
	l.log.Printf("LLM request %s (%s) via %s: %d bytes", req.Kind, PhaseFrom(ctx), l.next.Name(), len(in))
	res, err := l.next.Complete(ctx, req)
	if err != nil {
		l.log.Printf("LLM error %s (%s) after %s: %v", req.Kind, PhaseFrom(ctx), time.Since(start).Round(time.Millisecond), err)
		return res, err
	}
	l.log.Printf("LLM response %s (%s) in %s: %d proposals, %d questions", req.Kind, PhaseFrom(ctx), time.Since(start).Round(time.Millisecond), len(res.Proposals)+len(res.Fixups), len(res.Questions))
	return res, nil
}
