package llm

import (
	"context"
	"fmt"
	"sync"
)

// Step is one scripted completion outcome.
type Step struct {
	Result Result
	Err    error
	// Func, when set, computes the outcome from the request instead.
	Func func(ctx context.Context, req Request) (Result, error)
}

// ScriptedGateway replays queued outcomes per request kind. The last step of
// a kind repeats once the queue is drained. Kinds without a script fall back
// to Fallback, or fail with ErrNotScripted.
type ScriptedGateway struct {
	Fallback Gateway

	mu    sync.Mutex
	steps map[Kind][]Step
	calls []Request
}

func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{steps: make(map[Kind][]Step)}
}

// On appends steps for kind and returns the gateway for chaining.
func (s *ScriptedGateway) On(kind Kind, steps ...Step) *ScriptedGateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[kind] = append(s.steps[kind], steps...)
	return s
}

// Reply is shorthand for On(kind, Step{Result: res}).
func (s *ScriptedGateway) Reply(kind Kind, res Result) *ScriptedGateway {
	return s.On(kind, Step{Result: res})
}

func (s *ScriptedGateway) Name() string { return "scripted" }

func (s *ScriptedGateway) Complete(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cloneRequest(req))
	queue := s.steps[req.Kind]
	var step Step
	ok := len(queue) > 0
	if ok {
		step = queue[0]
		if len(queue) > 1 {
			s.steps[req.Kind] = queue[1:]
		}
	}
	fallback := s.Fallback
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !ok {
		if fallback != nil {
			return fallback.Complete(ctx, req)
		}
		return Result{}, &PermanentError{Err: fmt.Errorf("%w for kind %q", ErrNotScripted, req.Kind)}
	}
	if step.Func != nil {
		return step.Func(ctx, req)
	}
	if step.Err != nil {
		return Result{}, step.Err
	}
	return step.Result, nil
}

// Calls returns the requests received so far, oldest first.
func (s *ScriptedGateway) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsOf returns the requests of one kind.
func (s *ScriptedGateway) CallsOf(kind Kind) []Request {
	var out []Request
	for _, c := range s.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func cloneRequest(req Request) Request {
	out := req
	if req.Answers != nil {
		out.Answers = make(map[string]string, len(req.Answers))
		for k, v := range req.Answers {
			out.Answers[k] = v
		}
	}
	out.Files = append([]FileContext(nil), req.Files...)
	out.Findings = append([]FindingContext(nil), req.Findings...)
	return out
}
