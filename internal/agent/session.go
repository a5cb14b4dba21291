package agent

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"codeforge/internal/filestore"
	"codeforge/internal/job"
	"codeforge/internal/llm"
	"codeforge/internal/patch"
)

type turn struct {
	text  string
	paths []string
}

// Session is one live conversation against a project. Events() yields every
// outbound event in order and is closed when the session ends.
type Session struct {
	id        string
	projectID string
	hub       *Hub

	turns  chan turn
	events chan Event

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	transcript []job.ChatMessage
}

func newSession(h *Hub, id, projectID string) *Session {
	return &Session{
		id:        id,
		projectID: projectID,
		hub:       h,
		turns:     make(chan turn, h.cfg.QueueSize),
		events:    make(chan Event, h.cfg.EventBuffer),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) ProjectID() string { return s.projectID }

func (s *Session) Events() <-chan Event { return s.events }

// Submit queues a turn behind any turn in flight.
func (s *Session) Submit(text string, contextPaths []string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if s.closed() {
		return ErrSessionClosed
	}
	select {
	case s.turns <- turn{text: text, paths: append([]string(nil), contextPaths...)}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Transcript returns a copy of the session chat so far.
func (s *Session) Transcript() []job.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job.ChatMessage(nil), s.transcript...)
}

// Close stops event emission. A turn already running finishes its patch;
// queued turns are dropped.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		log.Printf("agent session %s closed", s.id)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) loop(paths []string) {
	defer close(s.events)

	s.emit(Event{Type: EventConnected, SessionID: s.id, Paths: paths})
	welcome := fmt.Sprintf("Connected to %s (%d files). Describe the change you want.", s.projectID, len(paths))
	s.record(job.RoleAssistant, welcome, nil)
	s.emit(Event{Type: EventAgentResponse, Text: welcome})

	for {
		select {
		case <-s.done:
			return
		case <-s.hub.ctx.Done():
			return
		case t := <-s.turns:
			if s.closed() {
				return
			}
			s.run(t)
		}
	}
}

func (s *Session) run(t turn) {
	ctx := llm.WithPhase(s.hub.ctx, "session/"+s.id)
	started := time.Now()
	s.record(job.RoleUser, t.text, nil)
	s.emit(Event{Type: EventStatus, Phase: PhaseThinking})

	snapshot, err := s.hub.files.Snapshot(ctx, s.projectID)
	if err != nil {
		s.fail("read_failed", fmt.Errorf("read project: %w", err))
		return
	}
	files := s.contextFiles(snapshot, t.paths)

	s.emit(Event{Type: EventStatus, Phase: PhaseGenerating})
	res, err := s.hub.gateway.Complete(ctx, llm.Request{
		Kind:    llm.KindAgentTurn,
		Message: t.text,
		Files:   files,
	})
	if err != nil {
		s.fail("completion_failed", err)
		return
	}

	proposals := append(append([]patch.Proposal(nil), res.Proposals...), res.Fixups...)
	current := make(map[string]string, len(snapshot))
	for _, f := range snapshot {
		current[f.Path] = f.Fingerprint
	}
	applied := s.hub.engine.Apply(ctx, s.hub.files, s.projectID, patch.FillExpected(proposals, current))

	for _, a := range applied.Applied {
		s.emit(Event{
			Type:        EventFileUpdate,
			Path:        a.Path,
			Body:        string(a.Body),
			Fingerprint: a.Fingerprint,
			Deleted:     a.Deleted,
		})
	}
	for _, r := range applied.Rejected {
		msg := fmt.Sprintf("Could not update %s: %s", r.Path, r.Reason)
		s.record(job.RoleAssistant, msg, map[string]string{"kind": "error", "path": r.Path})
		s.emit(Event{Type: EventError, Path: r.Path, Code: rejectionCode(r.Err), Message: msg})
	}

	text := strings.TrimSpace(res.Narrative)
	if text == "" {
		text = fmt.Sprintf("Updated %d files.", len(applied.Applied))
	}
	s.record(job.RoleAssistant, text, nil)
	s.emit(Event{Type: EventAgentResponse, Text: text, FollowUps: res.FollowUps})
	log.Printf("agent session %s: turn done in %s (applied=%d rejected=%d)",
		s.id, time.Since(started).Round(time.Millisecond), len(applied.Applied), len(applied.Rejected))
}

// fail ends a turn that produced no edits.
func (s *Session) fail(code string, err error) {
	log.Printf("agent session %s: turn failed: %v", s.id, err)
	msg := "I could not complete that request: " + err.Error()
	s.record(job.RoleAssistant, msg, map[string]string{"kind": "error"})
	s.emit(Event{Type: EventError, Code: code, Message: err.Error()})
	s.emit(Event{Type: EventAgentResponse, Text: msg})
}

// contextFiles picks the requested paths, or the whole project when none of
// them exist, and trims the set to the token budget.
func (s *Session) contextFiles(snapshot []filestore.FileRecord, want []string) []llm.FileContext {
	only := make(map[string]bool, len(want))
	for _, p := range want {
		if n, err := filestore.NormalizePath(p); err == nil {
			only[n] = true
		}
	}
	var picked []llm.FileContext
	for _, f := range snapshot {
		if len(only) > 0 && !only[f.Path] {
			continue
		}
		picked = append(picked, llm.FileContext{Path: f.Path, Body: string(f.Body), Fingerprint: f.Fingerprint})
	}
	if len(picked) == 0 {
		for _, f := range snapshot {
			picked = append(picked, llm.FileContext{Path: f.Path, Body: string(f.Body), Fingerprint: f.Fingerprint})
		}
	}
	kept, skipped := llm.BudgetFiles(s.hub.tokens, picked, s.hub.cfg.ContextTokens)
	if len(skipped) > 0 {
		log.Printf("agent session %s: %d files left out of context", s.id, len(skipped))
	}
	return kept
}

func (s *Session) record(role job.Role, content string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, job.ChatMessage{Role: role, Content: content, Timestamp: time.Now(), Metadata: meta})
}

// emit delivers ev unless the session is closed. It blocks while the
// buffer is full so events are never reordered or dropped for a live
// client.
func (s *Session) emit(ev Event) {
	if s.closed() {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
