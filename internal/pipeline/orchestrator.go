// Package pipeline drives generation jobs through their stages. Each job
// runs on its own goroutine; stages of one job never overlap. CLARIFYING is
// the only stage that suspends, and Continue resumes it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"codeforge/internal/filestore"
	"codeforge/internal/job"
	"codeforge/internal/llm"
	"codeforge/internal/patch"
	"codeforge/internal/security"
)

// Publisher hands a finished project to durable storage and returns a
// reference to it.
type Publisher interface {
	Publish(ctx context.Context, projectID, jobID string, files []filestore.FileRecord) (string, error)
}

type Config struct {
	// MaxFixIterations bounds FIXING rounds per job.
	MaxFixIterations int
	// ClarifyTimeout fails a job still waiting for answers after this long.
	// Zero waits forever.
	ClarifyTimeout time.Duration
	// ContextTokens caps file context sent with fix requests. Zero sends
	// everything.
	ContextTokens int
}

func DefaultConfig() Config {
	return Config{MaxFixIterations: 3, ContextTokens: 24000}
}

type Deps struct {
	Jobs      job.Store
	Files     filestore.Store
	Engine    *patch.Engine
	Gateway   llm.Gateway
	Scanner   *security.Scanner
	Publisher Publisher
	Tokens    llm.TokenCounter
}

type Orchestrator struct {
	jobs      job.Store
	files     filestore.Store
	engine    *patch.Engine
	gateway   llm.Gateway
	scanner   *security.Scanner
	publisher Publisher
	tokens    llm.TokenCounter
	cfg       Config
	stages    map[job.Status]stage
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxFixIterations < 0 {
		cfg.MaxFixIterations = 0
	}
	if deps.Engine == nil {
		deps.Engine = patch.New(patch.Policy{})
	}
	if deps.Scanner == nil {
		deps.Scanner = security.NewDefault()
	}
	if deps.Tokens == nil {
		deps.Tokens = llm.EstimateCounter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		jobs:      deps.Jobs,
		files:     deps.Files,
		engine:    deps.Engine,
		gateway:   deps.Gateway,
		scanner:   deps.Scanner,
		publisher: deps.Publisher,
		tokens:    deps.Tokens,
		cfg:       cfg,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*time.Timer),
	}
	o.stages = o.stageTable()
	return o
}

type CreateRequest struct {
	Prompt      string
	ProjectType string
	OwnerRef    string
	ProjectID   string
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Prompt, validation.Required, validation.Length(1, 8000)),
		validation.Field(&r.ProjectType, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.OwnerRef, validation.Length(0, 256)),
		validation.Field(&r.ProjectID, validation.Length(0, 128)),
	)
}

// Create persists a QUEUED job and starts its pipeline. It returns before
// any stage runs.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (job.Job, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.ProjectType = strings.ToLower(strings.TrimSpace(req.ProjectType))
	req.OwnerRef = strings.TrimSpace(req.OwnerRef)
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if err := req.Validate(); err != nil {
		return job.Job{}, err
	}
	if req.ProjectID == "" {
		req.ProjectID = "proj-" + uuid.NewString()
	} else {
		active, err := o.jobs.List(ctx, job.Filter{ProjectID: req.ProjectID, Statuses: job.NonTerminal()})
		if err != nil {
			return job.Job{}, err
		}
		if len(active) > 0 {
			return job.Job{}, fmt.Errorf("%w: %s (job %s)", ErrProjectBusy, req.ProjectID, active[0].ID)
		}
	}

	now := o.now()
	j := job.Job{
		ID:          "job-" + uuid.NewString(),
		OwnerRef:    req.OwnerRef,
		ProjectID:   req.ProjectID,
		Prompt:      req.Prompt,
		ProjectType: req.ProjectType,
		Status:      job.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	j.Say(job.RoleUser, req.Prompt, now, map[string]string{"projectType": req.ProjectType})
	if err := o.jobs.Create(ctx, j); err != nil {
		return job.Job{}, err
	}
	log.Printf("job %s: created for project %s (%s)", j.ID, j.ProjectID, j.ProjectType)
	o.start(j.ID)
	return j, nil
}

// Status returns a consistent snapshot of the job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (job.Job, error) {
	return o.jobs.Get(ctx, jobID)
}

// Continue supplies clarification answers and resumes the pipeline. Only one
// of several concurrent calls can win the CLARIFYING -> GENERATING
// transition; the others get job.ErrInvalidState.
func (o *Orchestrator) Continue(ctx context.Context, jobID string, answers map[string]string) error {
	now := o.now()
	_, err := o.jobs.Update(ctx, jobID, func(j *job.Job) error {
		if j.Status != job.StatusClarifying || j.Clarification == nil {
			return fmt.Errorf("%w: job %s is %s", job.ErrInvalidState, j.ID, j.Status)
		}
		clean := make(map[string]string, len(j.Clarification.Questions))
		var missing []string
		for _, q := range j.Clarification.Questions {
			a := strings.TrimSpace(answers[q])
			if a == "" {
				missing = append(missing, q)
				continue
			}
			clean[q] = a
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingAnswers, strings.Join(missing, "; "))
		}
		j.Clarification.Answers = clean
		j.Clarification.AnsweredAt = &now
		j.CloseStep(job.StepSuccess, fmt.Sprintf("%d answers received", len(clean)), "", now)
		j.Say(job.RoleUser, formatAnswers(j.Clarification.Questions, clean), now, map[string]string{"kind": "clarification"})
		j.Status = job.StatusGenerating
		return nil
	})
	if err != nil {
		return err
	}
	o.stopClarifyTimer(jobID)
	log.Printf("job %s: clarification answered, resuming", jobID)
	o.start(jobID)
	return nil
}

// Recover applies the restart rule to persisted jobs: suspended jobs stay
// suspended, any other unfinished job is failed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	pending, err := o.jobs.List(ctx, job.Filter{Statuses: job.NonTerminal()})
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, j := range pending {
		if j.Status == job.StatusClarifying {
			if j.Clarification != nil {
				o.armClarifyTimer(j.ID, j.Clarification.AskedAt)
			}
			continue
		}
		now := o.now()
		_, err := o.jobs.Update(ctx, j.ID, func(cur *job.Job) error {
			if cur.Status.Terminal() || cur.Status == job.StatusClarifying {
				return nil
			}
			if !cur.CloseStep(job.StepError, "", ErrInterrupted.Error(), now) {
				cur.BeginStep(cur.Status, stageTitle(cur.Status), now)
				cur.CloseStep(job.StepError, "", ErrInterrupted.Error(), now)
			}
			cur.ErrorDetail = ErrInterrupted.Error()
			cur.Say(job.RoleAssistant, "The job was interrupted by a restart and cannot continue.", now, nil)
			cur.Status = job.StatusError
			return nil
		})
		if err != nil {
			return fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		log.Printf("job %s: marked ERROR after restart (was %s)", j.ID, j.Status)
	}
	return nil
}

// Wait blocks until every running pipeline goroutine has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close stops in-flight pipelines without recording them as failed; Recover
// handles them on the next start.
func (o *Orchestrator) Close() {
	o.cancel()
	o.timerMu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.timerMu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) start(jobID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.ctx, jobID)
	}()
}

// run executes stages until the job finishes, fails or suspends.
func (o *Orchestrator) run(ctx context.Context, jobID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		cur, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			log.Printf("job %s: load failed: %v", jobID, err)
			return
		}
		if cur.Status == job.StatusQueued {
			if _, err := o.jobs.Update(ctx, jobID, func(j *job.Job) error {
				if j.Status != job.StatusQueued {
					return job.ErrInvalidState
				}
				j.Status = job.StatusPreflight
				return nil
			}); err != nil {
				log.Printf("job %s: start failed: %v", jobID, err)
				return
			}
			continue
		}
		if !cur.Status.Running() {
			return
		}
		if !o.step(ctx, cur) {
			return
		}
	}
}

// step runs one stage and records it. It returns false when the loop should
// stop.
func (o *Orchestrator) step(ctx context.Context, cur job.Job) bool {
	stageName := cur.Status
	h, ok := o.stages[stageName]
	if !ok {
		o.fail(ctx, cur.ID, fatal(stageName, fmt.Errorf("%w %s", ErrUnknownStage, stageName)))
		return false
	}

	began, err := o.jobs.Update(ctx, cur.ID, func(j *job.Job) error {
		if j.Status != stageName {
			return fmt.Errorf("%w: expected %s, found %s", job.ErrInvalidState, stageName, j.Status)
		}
		j.BeginStep(stageName, h.title, o.now())
		return nil
	})
	if err != nil {
		log.Printf("job %s: begin %s failed: %v", cur.ID, stageName, err)
		return false
	}
	log.Printf("job %s: stage %s started", cur.ID, stageName)

	stageCtx := llm.WithPhase(ctx, fmt.Sprintf("job/%s/%s", cur.ID, stageName))
	out, err := h.run(stageCtx, began)
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("job %s: stage %s abandoned on shutdown: %v", cur.ID, stageName, err)
			return false
		}
		o.fail(ctx, cur.ID, fatal(stageName, err))
		return false
	}

	now := o.now()
	after, err := o.jobs.Update(ctx, cur.ID, func(j *job.Job) error {
		if out.apply != nil {
			out.apply(j)
		}
		j.CloseStep(out.result, out.description, "", now)
		for _, msg := range out.chat {
			j.Say(job.RoleAssistant, msg, now, map[string]string{"stage": string(stageName)})
		}
		j.Status = out.next
		if out.next == job.StatusClarifying {
			j.BeginStep(job.StatusClarifying, stageTitle(job.StatusClarifying), now)
		}
		return nil
	})
	if err != nil {
		log.Printf("job %s: commit %s failed: %v", cur.ID, stageName, err)
		o.fail(ctx, cur.ID, fatal(stageName, err))
		return false
	}
	log.Printf("job %s: stage %s -> %s (%s)", cur.ID, stageName, after.Status, out.result)

	if after.Status == job.StatusClarifying && after.Clarification != nil {
		o.armClarifyTimer(after.ID, after.Clarification.AskedAt)
	}
	return after.Status.Running()
}

// fail moves the job to ERROR, closing the open step with the error.
func (o *Orchestrator) fail(ctx context.Context, jobID string, err error) {
	now := o.now()
	var fe *FatalError
	stageName := job.Status("")
	if errors.As(err, &fe) {
		stageName = fe.Stage
	}
	_, uerr := o.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *job.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.CloseStep(job.StepError, "", err.Error(), now)
		j.ErrorDetail = err.Error()
		j.Say(job.RoleAssistant, fmt.Sprintf("Generation failed during %s: %v", stageName, errors.Unwrap(err)), now, map[string]string{"stage": string(stageName)})
		j.Status = job.StatusError
		return nil
	})
	if uerr != nil {
		log.Printf("job %s: record failure failed: %v (original: %v)", jobID, uerr, err)
		return
	}
	log.Printf("job %s: ERROR: %v", jobID, err)
}

func (o *Orchestrator) armClarifyTimer(jobID string, askedAt time.Time) {
	if o.cfg.ClarifyTimeout <= 0 {
		return
	}
	wait := o.cfg.ClarifyTimeout - o.now().Sub(askedAt)
	if wait < 0 {
		wait = 0
	}
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if old, ok := o.timers[jobID]; ok {
		old.Stop()
	}
	o.timers[jobID] = time.AfterFunc(wait, func() { o.expireClarification(jobID, askedAt) })
}

func (o *Orchestrator) stopClarifyTimer(jobID string) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if t, ok := o.timers[jobID]; ok {
		t.Stop()
		delete(o.timers, jobID)
	}
}

func (o *Orchestrator) expireClarification(jobID string, askedAt time.Time) {
	o.timerMu.Lock()
	delete(o.timers, jobID)
	o.timerMu.Unlock()

	now := o.now()
	_, err := o.jobs.Update(o.ctx, jobID, func(j *job.Job) error {
		if j.Status != job.StatusClarifying || j.Clarification == nil || !j.Clarification.AskedAt.Equal(askedAt) {
			return job.ErrInvalidState
		}
		j.CloseStep(job.StepError, "", ErrClarifyTimeout.Error(), now)
		j.ErrorDetail = ErrClarifyTimeout.Error()
		j.Say(job.RoleAssistant, "No answers arrived in time, so the job was stopped.", now, nil)
		j.Status = job.StatusError
		return nil
	})
	if err != nil {
		if !errors.Is(err, job.ErrInvalidState) {
			log.Printf("job %s: clarification timeout update failed: %v", jobID, err)
		}
		return
	}
	log.Printf("job %s: clarification timed out", jobID)
}

func formatAnswers(questions []string, answers map[string]string) string {
	var b strings.Builder
	for i, q := range questions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s\n> %s", q, answers[q])
	}
	return b.String()
}
