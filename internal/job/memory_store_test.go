package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codeforge/internal/security"
)

func TestMemoryStoreReturnsDeepCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Job{ID: "j1", ProjectID: "p1", Status: StatusQueued}))
	require.ErrorIs(t, s.Create(ctx, Job{ID: "j1"}), ErrExists)

	now := time.Now()
	_, err := s.Update(ctx, "j1", func(j *Job) error {
		j.BeginStep(StatusPreflight, "Preflight", now)
		j.Say(RoleAssistant, "hello", now, map[string]string{"k": "v"})
		j.Clarification = &Clarification{Questions: []string{"q"}, Answers: map[string]string{}}
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	got.Timeline[0].Title = "mutated"
	got.Chat[0].Metadata["k"] = "mutated"
	got.Clarification.Answers["q"] = "mutated"

	again, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "Preflight", again.Timeline[0].Title)
	require.Equal(t, "v", again.Chat[0].Metadata["k"])
	require.Empty(t, again.Clarification.Answers)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Job{ID: "j1", Status: StatusClarifying}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "j1", func(j *Job) error {
				if j.Status != StatusClarifying {
					return ErrInvalidState
				}
				j.Status = StatusGenerating
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrInvalidState) {
				rejected++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, 19, rejected)
}

func TestMemoryStoreFailedUpdateLeavesJobUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Job{ID: "j1", Status: StatusQueued}))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "j1", func(j *Job) error {
		j.Status = StatusError
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := s.Get(ctx, "j1")
	require.Equal(t, StatusQueued, got.Status)
}

func TestMemoryStoreRejectsLogRewrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Create(ctx, Job{ID: "j1"}))
	_, err := s.Update(ctx, "j1", func(j *Job) error {
		j.BeginStep(StatusPreflight, "Preflight", now)
		j.Findings = append(j.Findings, security.Finding{RuleID: "r", File: "a", Line: 1, Severity: security.SeverityHigh})
		return nil
	})
	require.NoError(t, err)

	// Closing the running step and flipping fixed are allowed.
	_, err = s.Update(ctx, "j1", func(j *Job) error {
		require.True(t, j.CloseStep(StepSuccess, "", "", now.Add(time.Second)))
		j.Findings[0].Fixed = true
		return nil
	})
	require.NoError(t, err)

	for name, fn := range map[string]func(*Job) error{
		"shrink timeline": func(j *Job) error { j.Timeline = nil; return nil },
		"reopen step":     func(j *Job) error { j.Timeline[0].Status = StepRunning; return nil },
		"drop finding":    func(j *Job) error { j.Findings = j.Findings[:0]; return nil },
		"replace finding": func(j *Job) error { j.Findings[0].File = "b"; return nil },
	} {
		_, err := s.Update(ctx, "j1", fn)
		require.ErrorIs(t, err, ErrLogRewrite, name)
	}
}

func TestListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Create(ctx, Job{ID: "a", ProjectID: "p1", Status: StatusDone, CreatedAt: base}))
	require.NoError(t, s.Create(ctx, Job{ID: "b", ProjectID: "p1", Status: StatusGenerating, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Create(ctx, Job{ID: "c", ProjectID: "p2", Status: StatusClarifying, CreatedAt: base.Add(2 * time.Second)}))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].ID)

	active, err := s.List(ctx, Filter{ProjectID: "p1", Statuses: NonTerminal()})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "b", active[0].ID)
}

func TestCloseStepAndCurrentStage(t *testing.T) {
	var j Job
	now := time.Now()
	require.False(t, j.CloseStep(StepSuccess, "", "", now))
	require.Equal(t, Status(""), j.CurrentStage())

	j.BeginStep(StatusGenerating, "Generate", now)
	_, open := j.OpenStep()
	require.True(t, open)
	require.True(t, j.CloseStep(StepError, "failed", "boom", now.Add(1500*time.Millisecond)))
	require.False(t, j.CloseStep(StepSuccess, "", "", now))
	require.Equal(t, int64(1500), j.Timeline[0].DurationMs)
	require.Equal(t, "boom", j.Timeline[0].Error)
	require.Equal(t, StatusGenerating, j.CurrentStage())
}
