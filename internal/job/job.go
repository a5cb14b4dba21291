// Package job holds the generation job model and its stores. A job's
// timeline, chat and findings are append-only logs; stores reject updates
// that would rewrite them.
package job

import (
	"errors"
	"time"

	"codeforge/internal/patch"
	"codeforge/internal/security"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrExists       = errors.New("job already exists")
	ErrInvalidState = errors.New("job is not in a valid state for this operation")
	ErrLogRewrite   = errors.New("job log is append-only")
)

type Status string

const (
	StatusQueued        Status = "QUEUED"
	StatusPreflight     Status = "PREFLIGHT"
	StatusClarifying    Status = "CLARIFYING"
	StatusGenerating    Status = "GENERATING"
	StatusPatching      Status = "PATCHING"
	StatusValidating    Status = "VALIDATING"
	StatusSecurityCheck Status = "SECURITY_CHECK"
	StatusFixing        Status = "FIXING"
	StatusSaving        Status = "SAVING"
	StatusDone          Status = "DONE"
	StatusError         Status = "ERROR"
)

func (s Status) Terminal() bool { return s == StatusDone || s == StatusError }

// Running reports whether a pipeline is actively executing stages. A
// suspended (clarifying) job is not running.
func (s Status) Running() bool { return !s.Terminal() && s != StatusClarifying }

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

type TimelineStep struct {
	Stage       Status     `json:"stage"`
	Status      StepStatus `json:"status"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	DurationMs  int64      `json:"durationMs"`
	Error       string     `json:"error,omitempty"`
}

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type ChatMessage struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Clarification struct {
	Questions  []string          `json:"questions"`
	Answers    map[string]string `json:"answers,omitempty"`
	AskedAt    time.Time         `json:"askedAt"`
	AnsweredAt *time.Time        `json:"answeredAt,omitempty"`
}

// Answered reports whether every question has a non-empty answer.
func (c *Clarification) Answered() bool {
	if c == nil {
		return false
	}
	for _, q := range c.Questions {
		if c.Answers[q] == "" {
			return false
		}
	}
	return c.AnsweredAt != nil
}

type Job struct {
	ID            string             `json:"id"`
	OwnerRef      string             `json:"ownerRef,omitempty"`
	ProjectID     string             `json:"projectId"`
	Prompt        string             `json:"prompt"`
	ProjectType   string             `json:"projectType"`
	Status        Status             `json:"status"`
	Timeline      []TimelineStep     `json:"timeline"`
	Chat          []ChatMessage      `json:"chat"`
	Findings      []security.Finding `json:"findings"`
	Clarification *Clarification     `json:"clarification,omitempty"`
	// Fixups and References carry generation output to later stages.
	Fixups        []patch.Proposal `json:"fixups,omitempty"`
	References    []string         `json:"references,omitempty"`
	FixIterations int              `json:"fixIterations"`
	ResultRef     string           `json:"resultRef,omitempty"`
	ErrorDetail   string           `json:"errorDetail,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// BeginStep appends a running timeline step for stage.
func (j *Job) BeginStep(stage Status, title string, now time.Time) {
	j.Timeline = append(j.Timeline, TimelineStep{
		Stage:     stage,
		Status:    StepRunning,
		Title:     title,
		StartedAt: now,
	})
}

// CloseStep closes the last step if it is still running. It returns false
// when there is nothing to close.
func (j *Job) CloseStep(status StepStatus, description, errMsg string, now time.Time) bool {
	if len(j.Timeline) == 0 {
		return false
	}
	last := &j.Timeline[len(j.Timeline)-1]
	if last.Status != StepRunning {
		return false
	}
	last.Status = status
	if description != "" {
		last.Description = description
	}
	last.Error = errMsg
	last.DurationMs = now.Sub(last.StartedAt).Milliseconds()
	if last.DurationMs < 0 {
		last.DurationMs = 0
	}
	return true
}

// OpenStep returns the running step, if any.
func (j *Job) OpenStep() (TimelineStep, bool) {
	if len(j.Timeline) == 0 {
		return TimelineStep{}, false
	}
	last := j.Timeline[len(j.Timeline)-1]
	return last, last.Status == StepRunning
}

func (j *Job) Say(role Role, content string, now time.Time, meta map[string]string) {
	j.Chat = append(j.Chat, ChatMessage{Role: role, Content: content, Timestamp: now, Metadata: meta})
}

// CurrentStage is the stage of the newest timeline step, or the status
// before any stage ran.
func (j *Job) CurrentStage() Status {
	if len(j.Timeline) == 0 {
		return j.Status
	}
	return j.Timeline[len(j.Timeline)-1].Stage
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	out := j
	out.Timeline = append([]TimelineStep(nil), j.Timeline...)
	out.Chat = make([]ChatMessage, len(j.Chat))
	for i, m := range j.Chat {
		out.Chat[i] = m
		if m.Metadata != nil {
			out.Chat[i].Metadata = make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				out.Chat[i].Metadata[k] = v
			}
		}
	}
	out.Findings = append([]security.Finding(nil), j.Findings...)
	out.Fixups = append([]patch.Proposal(nil), j.Fixups...)
	out.References = append([]string(nil), j.References...)
	if j.Clarification != nil {
		c := *j.Clarification
		c.Questions = append([]string(nil), j.Clarification.Questions...)
		if j.Clarification.Answers != nil {
			c.Answers = make(map[string]string, len(j.Clarification.Answers))
			for k, v := range j.Clarification.Answers {
				c.Answers[k] = v
			}
		}
		if j.Clarification.AnsweredAt != nil {
			t := *j.Clarification.AnsweredAt
			c.AnsweredAt = &t
		}
		out.Clarification = &c
	}
	return out
}

// checkAppendOnly rejects an update that shrinks a log or edits a closed
// timeline step. Closing the last running step is the only in-place edit.
func checkAppendOnly(before, after *Job) error {
	if len(after.Timeline) < len(before.Timeline) || len(after.Chat) < len(before.Chat) || len(after.Findings) < len(before.Findings) {
		return ErrLogRewrite
	}
	for i, prev := range before.Timeline {
		next := after.Timeline[i]
		if next.Stage != prev.Stage || !next.StartedAt.Equal(prev.StartedAt) {
			return ErrLogRewrite
		}
		if prev.Status != StepRunning && next.Status != prev.Status {
			return ErrLogRewrite
		}
	}
	for i, prev := range before.Chat {
		if after.Chat[i].Content != prev.Content || after.Chat[i].Role != prev.Role {
			return ErrLogRewrite
		}
	}
	for i, prev := range before.Findings {
		if after.Findings[i].Key() != prev.Key() {
			return ErrLogRewrite
		}
	}
	return nil
}
