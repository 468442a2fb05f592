package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

type mockRunner struct {
	mu      sync.Mutex
	queries []string
	failN   int
	events  []Event
}

func (m *mockRunner) run(_ context.Context, job *Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, job.Query)
	if m.failN > 0 {
		m.failN--
		return "", errors.New("injected failure")
	}
	return "all checks passed for " + job.Name, nil
}

func (m *mockRunner) onEvent(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockRunner) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

func (m *mockRunner) actions() []EventAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventAction, 0, len(m.events))
	for _, evt := range m.events {
		out = append(out, evt.Action)
	}
	return out
}

func createTestService(t *testing.T) (*Service, *mockRunner, string) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "schedules.json")
	runner := &mockRunner{}

	service, err := NewService(ServiceOptions{
		StorePath: storePath,
		Run:       runner.run,
		OnEvent:   runner.onEvent,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Stop() })

	return service, runner, storePath
}

func createTestJob() AddParams {
	return AddParams{
		Name:    "nightly income audit",
		Query:   "check for missing values in income",
		Enabled: true,
		Schedule: Schedule{
			Kind:    ScheduleKindEvery,
			EveryMs: 60000,
		},
	}
}

func waitForStatus(t *testing.T, service *Service, jobID string, status string) Job {
	t.Helper()

	var job Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = service.GetJob(jobID)
		return ok && job.State.LastStatus == status && job.State.RunningAtMs == nil
	}, 2*time.Second, 10*time.Millisecond, "job %s never reached status %s", jobID, status)
	return job
}

func TestNewService(t *testing.T) {
	t.Run("requires store path", func(t *testing.T) {
		_, err := NewService(ServiceOptions{Run: (&mockRunner{}).run})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store path")
	})

	t.Run("requires run callback", func(t *testing.T) {
		_, err := NewService(ServiceOptions{StorePath: filepath.Join(t.TempDir(), "s.json")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run callback")
	})

	t.Run("missing store is an empty registry", func(t *testing.T) {
		service, _, _ := createTestService(t)
		assert.Empty(t, service.ListJobs(nil))
	})

	t.Run("corrupt store is an error", func(t *testing.T) {
		storePath := filepath.Join(t.TempDir(), "schedules.json")
		require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0644))

		_, err := NewService(ServiceOptions{StorePath: storePath, Run: (&mockRunner{}).run})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse")
	})
}

func TestAddJob(t *testing.T) {
	t.Run("creates job with next run", func(t *testing.T) {
		service, runner, _ := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "nightly income audit", job.Name)
		assert.Equal(t, "check for missing values in income", job.Query)
		assert.True(t, job.Enabled)
		require.NotNil(t, job.State.NextRunAtMs)
		assert.Greater(t, *job.State.NextRunAtMs, job.CreatedAtMs)
		assert.Equal(t, []EventAction{EventActionAdded}, runner.actions())
	})

	t.Run("requires name and query", func(t *testing.T) {
		service, _, _ := createTestService(t)

		params := createTestJob()
		params.Name = " "
		_, err := service.AddJob(params)
		assert.ErrorContains(t, err, "name is required")

		params = createTestJob()
		params.Query = ""
		_, err = service.AddJob(params)
		assert.ErrorContains(t, err, "query is required")
	})

	t.Run("rejects invalid schedule", func(t *testing.T) {
		service, _, _ := createTestService(t)

		params := createTestJob()
		params.Schedule = Schedule{Kind: ScheduleKindCron, Expr: "bogus"}
		_, err := service.AddJob(params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid schedule")
		assert.Empty(t, service.ListJobs(nil))
	})

	t.Run("is not armed before start", func(t *testing.T) {
		service, _, _ := createTestService(t)

		_, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		service.mu.RLock()
		defer service.mu.RUnlock()
		assert.Empty(t, service.timers)
	})

	t.Run("is armed after start", func(t *testing.T) {
		service, _, _ := createTestService(t)
		require.NoError(t, service.Start())

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		service.mu.RLock()
		defer service.mu.RUnlock()
		assert.Contains(t, service.timers, job.ID)
	})
}

func TestUpdateJob(t *testing.T) {
	t.Run("patches fields", func(t *testing.T) {
		service, _, _ := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		updated, err := service.UpdateJob(job.ID, JobPatch{
			Name:       StringPtr("weekly audit"),
			Query:      StringPtr("find duplicate ids"),
			SessionKey: StringPtr("ops"),
		})
		require.NoError(t, err)

		assert.Equal(t, "weekly audit", updated.Name)
		assert.Equal(t, "find duplicate ids", updated.Query)
		assert.Equal(t, "ops", updated.SessionKey)
		assert.GreaterOrEqual(t, updated.UpdatedAtMs, job.UpdatedAtMs)

		stored, ok := service.GetJob(job.ID)
		require.True(t, ok)
		assert.Equal(t, "weekly audit", stored.Name)
	})

	t.Run("schedule change recomputes next run", func(t *testing.T) {
		service, _, _ := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		updated, err := service.UpdateJob(job.ID, JobPatch{
			Schedule: &Schedule{Kind: ScheduleKindAt, At: "2030-01-01T00:00:00Z"},
		})
		require.NoError(t, err)

		require.NotNil(t, updated.State.NextRunAtMs)
		assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), *updated.State.NextRunAtMs)
	})

	t.Run("disabling cancels the timer", func(t *testing.T) {
		service, _, _ := createTestService(t)
		require.NoError(t, service.Start())

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		_, err = service.UpdateJob(job.ID, JobPatch{Enabled: BoolPtr(false)})
		require.NoError(t, err)

		service.mu.RLock()
		defer service.mu.RUnlock()
		assert.NotContains(t, service.timers, job.ID)
	})

	t.Run("rejects empty query and keeps the job", func(t *testing.T) {
		service, _, _ := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		_, err = service.UpdateJob(job.ID, JobPatch{Query: StringPtr("")})
		require.Error(t, err)

		stored, _ := service.GetJob(job.ID)
		assert.Equal(t, job.Query, stored.Query)
	})

	t.Run("unknown job", func(t *testing.T) {
		service, _, _ := createTestService(t)

		_, err := service.UpdateJob("missing", JobPatch{Name: StringPtr("x")})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRemoveJob(t *testing.T) {
	t.Run("removes and emits", func(t *testing.T) {
		service, runner, storePath := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		require.NoError(t, service.RemoveJob(job.ID))

		_, ok := service.GetJob(job.ID)
		assert.False(t, ok)
		assert.Equal(t, []EventAction{EventActionAdded, EventActionDeleted}, runner.actions())

		data, err := os.ReadFile(storePath)
		require.NoError(t, err)
		assert.NotContains(t, string(data), job.ID)
	})

	t.Run("unknown job", func(t *testing.T) {
		service, _, _ := createTestService(t)
		assert.ErrorIs(t, service.RemoveJob("missing"), ErrJobNotFound)
	})
}

func TestRunJob(t *testing.T) {
	t.Run("runs the query and records the summary", func(t *testing.T) {
		service, runner, _ := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		done := waitForStatus(t, service, job.ID, StatusOK)

		assert.Equal(t, 1, done.State.Runs)
		assert.Equal(t, "all checks passed for nightly income audit", done.State.LastSummary)
		require.NotNil(t, done.State.LastDurationMs)
		assert.Equal(t, []string{"check for missing values in income"}, runner.queries)

		require.Eventually(t, func() bool {
			return len(runner.actions()) == 2
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, EventActionFinished, runner.actions()[1])
	})

	t.Run("due mode skips disabled jobs", func(t *testing.T) {
		service, runner, _ := createTestService(t)

		params := createTestJob()
		params.Enabled = false
		job, err := service.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeDue))
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, runner.runCount())
	})

	t.Run("force mode runs disabled jobs", func(t *testing.T) {
		service, runner, _ := createTestService(t)

		params := createTestJob()
		params.Enabled = false
		job, err := service.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		waitForStatus(t, service, job.ID, StatusOK)
		assert.Equal(t, 1, runner.runCount())
	})

	t.Run("one-shot job is disabled after it fires", func(t *testing.T) {
		service, _, _ := createTestService(t)

		params := createTestJob()
		params.Schedule = Schedule{Kind: ScheduleKindAt, At: time.Now().Add(time.Hour).UTC().Format(time.RFC3339)}
		job, err := service.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		done := waitForStatus(t, service, job.ID, StatusOK)

		assert.False(t, done.Enabled)
		assert.Nil(t, done.State.NextRunAtMs)
	})

	t.Run("delete after run", func(t *testing.T) {
		service, runner, _ := createTestService(t)

		params := createTestJob()
		params.DeleteAfterRun = true
		job, err := service.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		require.Eventually(t, func() bool {
			_, ok := service.GetJob(job.ID)
			return !ok
		}, 2*time.Second, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			return len(runner.actions()) == 3
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, EventActionDeleted, runner.actions()[2])
	})

	t.Run("unknown job", func(t *testing.T) {
		service, _, _ := createTestService(t)
		assert.ErrorIs(t, service.RunJob("missing", RunModeForce), ErrJobNotFound)
	})
}

func TestRunJobAppliesRetryBackoffAndResetsOnSuccess(t *testing.T) {
	service, runner, _ := createTestService(t)
	runner.failN = 1

	params := createTestJob()
	params.Schedule = Schedule{Kind: ScheduleKindEvery, EveryMs: 100}
	job, err := service.AddJob(params)
	require.NoError(t, err)

	require.NoError(t, service.RunJob(job.ID, RunModeForce))
	failed := waitForStatus(t, service, job.ID, StatusError)

	require.NotNil(t, failed.State.LastRunAtMs)
	require.NotNil(t, failed.State.NextRunAtMs)
	assert.Equal(t, 1, failed.State.ConsecutiveErrors)
	assert.Equal(t, "injected failure", failed.State.LastError)
	assert.GreaterOrEqual(t,
		*failed.State.NextRunAtMs-*failed.State.LastRunAtMs,
		(30 * time.Second).Milliseconds(),
	)

	require.NoError(t, service.RunJob(job.ID, RunModeForce))
	ok := waitForStatus(t, service, job.ID, StatusOK)
	assert.Equal(t, 0, ok.State.ConsecutiveErrors)
	assert.Empty(t, ok.State.LastError)
	assert.Equal(t, 2, ok.State.Runs)
}

func TestScheduledExecution(t *testing.T) {
	service, runner, _ := createTestService(t)

	params := createTestJob()
	params.Schedule = Schedule{Kind: ScheduleKindEvery, EveryMs: 50}
	job, err := service.AddJob(params)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, runner.runCount(), "jobs must not fire before Start")

	require.NoError(t, service.Start())
	require.Eventually(t, func() bool {
		return runner.runCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stored, _ := service.GetJob(job.ID)
	assert.GreaterOrEqual(t, stored.State.Runs, 1)
	assert.ErrorContains(t, service.Start(), "already started")
}

func TestListJobs(t *testing.T) {
	service, _, _ := createTestService(t)

	first, err := service.AddJob(createTestJob())
	require.NoError(t, err)

	params := createTestJob()
	params.Name = "disabled"
	params.Enabled = false
	second, err := service.AddJob(params)
	require.NoError(t, err)

	t.Run("all in creation order", func(t *testing.T) {
		jobs := service.ListJobs(nil)
		require.Len(t, jobs, 2)
		ids := []string{jobs[0].ID, jobs[1].ID}
		assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
		assert.LessOrEqual(t, jobs[0].CreatedAtMs, jobs[1].CreatedAtMs)
	})

	t.Run("filtered by enabled", func(t *testing.T) {
		enabled := service.ListJobs(BoolPtr(true))
		require.Len(t, enabled, 1)
		assert.Equal(t, first.ID, enabled[0].ID)

		disabled := service.ListJobs(BoolPtr(false))
		require.Len(t, disabled, 1)
		assert.Equal(t, second.ID, disabled[0].ID)
	})

	t.Run("returns copies", func(t *testing.T) {
		jobs := service.ListJobs(nil)
		jobs[0].Name = "mutated"

		stored, _ := service.GetJob(jobs[0].ID)
		assert.NotEqual(t, "mutated", stored.Name)
	})
}

func TestStatus(t *testing.T) {
	service, _, _ := createTestService(t)

	status := service.Status()
	assert.False(t, status.Started)
	assert.Zero(t, status.Jobs)
	assert.Nil(t, status.NextRunAtMs)

	job, err := service.AddJob(createTestJob())
	require.NoError(t, err)
	params := createTestJob()
	params.Enabled = false
	_, err = service.AddJob(params)
	require.NoError(t, err)
	require.NoError(t, service.Start())

	status = service.Status()
	assert.True(t, status.Started)
	assert.Equal(t, 2, status.Jobs)
	assert.Equal(t, 1, status.Enabled)
	require.NotNil(t, status.NextRunAtMs)
	assert.Equal(t, *job.State.NextRunAtMs, *status.NextRunAtMs)
}

func TestPersistence(t *testing.T) {
	service, _, storePath := createTestService(t)

	job, err := service.AddJob(createTestJob())
	require.NoError(t, err)
	require.NoError(t, service.Stop())

	reloaded, err := NewService(ServiceOptions{StorePath: storePath, Run: (&mockRunner{}).run, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer reloaded.Stop()

	stored, ok := reloaded.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.Name, stored.Name)
	assert.Equal(t, job.Query, stored.Query)
	assert.Equal(t, job.Schedule, stored.Schedule)

	_, err = os.Stat(storePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStop(t *testing.T) {
	t.Run("cancels all timers", func(t *testing.T) {
		service, _, _ := createTestService(t)
		require.NoError(t, service.Start())

		_, err := service.AddJob(createTestJob())
		require.NoError(t, err)
		_, err = service.AddJob(createTestJob())
		require.NoError(t, err)

		require.NoError(t, service.Stop())

		service.mu.RLock()
		defer service.mu.RUnlock()
		assert.Empty(t, service.timers)
	})

	t.Run("waits for running jobs", func(t *testing.T) {
		storePath := filepath.Join(t.TempDir(), "schedules.json")
		started := make(chan struct{})
		service, err := NewService(ServiceOptions{
			StorePath: storePath,
			Run: func(ctx context.Context, _ *Job) (string, error) {
				close(started)
				<-ctx.Done()
				return "", ctx.Err()
			},
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)
		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		<-started

		require.NoError(t, service.Stop())

		stored, _ := service.GetJob(job.ID)
		assert.Equal(t, StatusError, stored.State.LastStatus)
		assert.Nil(t, stored.State.RunningAtMs)
	})

	t.Run("prevents new operations", func(t *testing.T) {
		service, _, _ := createTestService(t)
		require.NoError(t, service.Stop())

		_, err := service.AddJob(createTestJob())
		assert.ErrorIs(t, err, ErrServiceStopped)
		assert.ErrorIs(t, service.RunJob("any", RunModeForce), ErrServiceStopped)
		assert.ErrorIs(t, service.Start(), ErrServiceStopped)
	})

	t.Run("is idempotent", func(t *testing.T) {
		service, _, _ := createTestService(t)
		require.NoError(t, service.Stop())
		assert.NoError(t, service.Stop())
	})
}
