// Package agent runs live editing sessions against a materialized project.
// Each session serializes its turns on one goroutine and streams events in
// turn order.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"codeforge/internal/filestore"
	"codeforge/internal/job"
	"codeforge/internal/llm"
	"codeforge/internal/patch"
)

var (
	ErrProjectBusy     = errors.New("project has a running generation job")
	ErrProjectNotFound = errors.New("project has no files")
	ErrQueueFull       = errors.New("session queue is full")
	ErrSessionClosed   = errors.New("session is closed")
	ErrEmptyMessage    = errors.New("message text is required")
)

type Config struct {
	// QueueSize bounds turns waiting behind the one in flight.
	QueueSize int
	// EventBuffer is the outbound buffer before emission blocks the turn.
	EventBuffer int
	// ContextTokens caps file context per turn. Zero sends everything.
	ContextTokens int
}

func DefaultConfig() Config {
	return Config{QueueSize: 8, EventBuffer: 64, ContextTokens: 24000}
}

type Deps struct {
	Files   filestore.Store
	Jobs    job.Store
	Engine  *patch.Engine
	Gateway llm.Gateway
	Tokens  llm.TokenCounter
}

type Hub struct {
	files   filestore.Store
	jobs    job.Store
	engine  *patch.Engine
	gateway llm.Gateway
	tokens  llm.TokenCounter
	cfg     Config

	// ctx outlives connections; turns run on it so a disconnect does not
	// abort a patch midway.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHub(deps Deps, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if deps.Engine == nil {
		deps.Engine = patch.New(patch.Policy{})
	}
	if deps.Tokens == nil {
		deps.Tokens = llm.EstimateCounter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		files:    deps.Files,
		jobs:     deps.Jobs,
		engine:   deps.Engine,
		gateway:  deps.Gateway,
		tokens:   deps.Tokens,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session on projectID. The first events are connected with
// the current path list, then a welcome agentResponse.
func (h *Hub) Open(ctx context.Context, projectID string) (*Session, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrProjectNotFound)
	}
	if h.jobs != nil {
		active, err := h.jobs.List(ctx, job.Filter{ProjectID: projectID, Statuses: job.NonTerminal()})
		if err != nil {
			return nil, fmt.Errorf("check project jobs: %w", err)
		}
		for _, j := range active {
			if j.Status != job.StatusClarifying {
				return nil, fmt.Errorf("%w: job %s is %s", ErrProjectBusy, j.ID, j.Status)
			}
		}
	}
	files, err := h.files.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)

	s := newSession(h, "sess-"+uuid.NewString(), projectID)
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.forget(s.id)
		s.loop(paths)
	}()
	log.Printf("agent session %s opened on project %s (%d files)", s.id, projectID, len(paths))
	return s, nil
}

// Count reports open sessions on projectID.
func (h *Hub) Count(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sessions {
		if s.projectID == projectID {
			n++
		}
	}
	return n
}

// Wait blocks until every session goroutine has returned.
func (h *Hub) Wait() { h.wg.Wait() }

// Close closes every session and cancels in-flight turns.
func (h *Hub) Close() {
	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}
