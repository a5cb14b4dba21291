// Package llm is the narrow interface to the external completion capability
// plus the middleware stack (retry, timeout, rate limit, logging) wrapped
// around it.
package llm

import (
	"context"

	"codeforge/internal/patch"
)

// Kind selects which pipeline step a completion request serves.
type Kind string

const (
	KindPreflight Kind = "preflight"
	KindGenerate  Kind = "generate"
	KindFix       Kind = "fix"
	KindAgentTurn Kind = "agent_turn"
)

// FileContext is one file body handed to the model as context.
type FileContext struct {
	Path        string `json:"path"`
	Body        string `json:"body"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// FindingContext is an open security finding the model is asked to fix.
type FindingContext struct {
	RuleID         string `json:"ruleId"`
	Severity       string `json:"severity"`
	File           string `json:"file"`
	Line           int    `json:"line,omitempty"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

type Request struct {
	Kind        Kind              `json:"kind"`
	Prompt      string            `json:"prompt,omitempty"`
	ProjectType string            `json:"projectType,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
	Message     string            `json:"message,omitempty"`
	Files       []FileContext     `json:"files,omitempty"`
	Findings    []FindingContext  `json:"findings,omitempty"`
}

// Result is the structured completion output. Which fields are populated
// depends on the request kind.
type Result struct {
	Narrative  string           `json:"narrative"`
	Questions  []string         `json:"questions,omitempty"`
	Proposals  []patch.Proposal `json:"proposals,omitempty"`
	Fixups     []patch.Proposal `json:"fixups,omitempty"`
	References []string         `json:"references,omitempty"`
	FollowUps  []string         `json:"followUps,omitempty"`
}

// Gateway is the completion capability. Implementations return
// *TransientError for failures worth retrying and *PermanentError otherwise.
type Gateway interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (Result, error)

func (f GatewayFunc) Name() string { return "func" }

func (f GatewayFunc) Complete(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Middleware decorates a Gateway with a cross-cutting concern.
type Middleware func(Gateway) Gateway

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner Gateway, mws ...Middleware) Gateway {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		out = mws[i](out)
	}
	return out
}
