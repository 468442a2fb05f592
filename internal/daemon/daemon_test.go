package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/dqagent/internal/config"
	"github.com/harun/dqagent/internal/logger"
	"github.com/harun/dqagent/pkg/agent"
	"github.com/harun/dqagent/pkg/cron"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const missingPlanJSON = `{
	"query": "check missing values",
	"intent": "audit missing data",
	"steps": [{"tool_name": "tool:check_missing", "rationale": "policy threshold", "inputs": {}}],
	"confidence": 0.9
}`

// fakeModel answers every structured call with a canned plan and every text
// call with a canned review.
type fakeModel struct {
	mu      sync.Mutex
	plan    string
	review  string
	planErr error
	plans   int
	reviews int
}

func (f *fakeModel) CompleteStructured(_ context.Context, _, _ string, schema *agent.Schema, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans++
	if f.planErr != nil {
		return f.planErr
	}
	if problems := schema.Validate([]byte(f.plan)); len(problems) > 0 {
		return &dqerr.SchemaValidationError{Schema: schema.Name, Problems: problems, Raw: f.plan, Attempts: 1}
	}
	return json.Unmarshal([]byte(f.plan), out)
}

func (f *fakeModel) CompleteText(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews++
	return f.review, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	csvPath := filepath.Join(tmpDir, "customers.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,age,income\n1,34,52000\n2,,61000\n3,29,\n"), 0644))

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Retrieval.IndexPath = filepath.Join(tmpDir, "tools.db")
	cfg.Dataset.Path = csvPath
	cfg.Dataset.Cache = false
	cfg.Schedule.StorePath = filepath.Join(tmpDir, "schedules.json")
	cfg.Gateway.Port = 18080
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// createTestDaemon creates a daemon with a fake language model.
func createTestDaemon(t *testing.T) (*Daemon, *fakeModel) {
	t.Helper()
	model := &fakeModel{plan: missingPlanJSON, review: "Missingness exceeds the 5% threshold."}
	d, err := New(testConfig(t), testLogger(t), WithLanguageModel(model))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, model
}

func TestNew(t *testing.T) {
	t.Run("with language model", func(t *testing.T) {
		d, _ := createTestDaemon(t)

		assert.NotNil(t, d.tools)
		assert.NotNil(t, d.retriever)
		assert.NotNil(t, d.planner)
		assert.NotNil(t, d.executor)
		assert.NotNil(t, d.GetSessionManager())
		assert.NotNil(t, d.GetGatewayServer())
		assert.NotNil(t, d.GetLifecycle())
		assert.NotNil(t, d.GetScheduler())
	})

	t.Run("scheduling can be disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Schedule.Enabled = false
		d, err := New(cfg, testLogger(t), WithLanguageModel(&fakeModel{plan: missingPlanJSON}))
		require.NoError(t, err)
		defer d.Close()

		assert.Nil(t, d.GetScheduler())
		assert.Nil(t, d.Status().Schedule)
	})

	t.Run("without AI profiles planning is disabled", func(t *testing.T) {
		d, err := New(testConfig(t), testLogger(t))
		require.NoError(t, err)
		defer d.Close()

		assert.Nil(t, d.planner)
		assert.Nil(t, d.GetGatewayServer())
		assert.NotEmpty(t, d.Tools())

		_, err = d.Plan(context.Background(), "check missing values")
		assert.ErrorIs(t, err, ErrNoLanguageModel)
		_, err = d.Run(context.Background(), "check missing values")
		assert.ErrorIs(t, err, ErrNoLanguageModel)
		assert.ErrorIs(t, d.Serve(context.Background()), ErrNoLanguageModel)
	})

	t.Run("invalid step policy", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Executor.StepPolicy = "random"
		_, err := New(cfg, testLogger(t), WithLanguageModel(&fakeModel{}))
		assert.Error(t, err)
	})

	t.Run("unknown retrieval backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Retrieval.Backend = "faiss"
		_, err := New(cfg, testLogger(t))
		assert.Error(t, err)
	})
}

func TestIngest(t *testing.T) {
	d, _ := createTestDaemon(t)
	ctx := context.Background()

	assert.False(t, d.Status().Index.Built)

	n, err := d.Ingest(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	status := d.Status()
	assert.True(t, status.Index.Built)
	assert.Equal(t, n, status.Index.Entries)

	ingested, err := d.EnsureIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ingested)
}

func TestIngestCustomKnowledgeBase(t *testing.T) {
	cfg := testConfig(t)
	kb := filepath.Join(cfg.DataDir, "kb.txt")
	require.NoError(t, os.WriteFile(kb, []byte(
		"Tool: check_missing\nTags: nulls\nDescription: Counts missing cells.\n"), 0644))
	cfg.Retrieval.KnowledgeBase = kb

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.Close()

	n, err := d.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cfg.Retrieval.KnowledgeBase = filepath.Join(cfg.DataDir, "missing.txt")
	_, err = d.Ingest(context.Background())
	assert.Error(t, err)
}

func TestPlan(t *testing.T) {
	d, model := createTestDaemon(t)

	plan, err := d.Plan(context.Background(), "check missing values")
	require.NoError(t, err)
	assert.Equal(t, []string{"tool:check_missing"}, plan.ToolNames())
	assert.True(t, d.Status().Index.Built, "planning auto-ingests")
	assert.Equal(t, 1, model.plans)

	model.planErr = errors.New("provider down")
	_, err = d.Plan(context.Background(), "check missing values")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	d, model := createTestDaemon(t)

	result, err := d.Run(context.Background(), "check missing values")
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, int64(1), result.Records[0].RunID)
	assert.Equal(t, "Missingness exceeds the 5% threshold.", result.Summary)
	assert.Equal(t, 1, model.reviews)

	result, err = d.Run(context.Background(), "check missing values")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Records[0].RunID)
}

func TestRunMissingDataset(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dataset.Path = filepath.Join(cfg.DataDir, "absent.csv")
	d, err := New(cfg, testLogger(t), WithLanguageModel(&fakeModel{plan: missingPlanJSON}))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Run(context.Background(), "check missing values")
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	d, _ := createTestDaemon(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.ServeListener(ctx, listener)
	}()

	require.Eventually(t, func() bool {
		return d.Status().Running && d.GetLifecycle().IsRunning()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.Status().Index.Built)

	err = d.ServeListener(ctx, listener)
	assert.Error(t, err, "second serve is rejected")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, d.Status().Running)
	_, err = os.Stat(d.GetLifecycle().PIDFile())
	assert.True(t, os.IsNotExist(err))
}

func TestScheduledJob(t *testing.T) {
	waitForStatus := func(t *testing.T, s *cron.Service, id string) cron.Job {
		t.Helper()
		var job cron.Job
		require.Eventually(t, func() bool {
			job, _ = s.GetJob(id)
			return job.State.LastStatus != "" && job.State.RunningAtMs == nil
		}, 5*time.Second, 10*time.Millisecond)
		return job
	}

	t.Run("standalone run records the review", func(t *testing.T) {
		d, model := createTestDaemon(t)
		scheduler := d.GetScheduler()

		job, err := scheduler.AddJob(cron.AddParams{
			Name:     "hourly missing audit",
			Query:    "check missing values",
			Enabled:  true,
			Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: time.Hour.Milliseconds()},
		})
		require.NoError(t, err)

		require.NoError(t, scheduler.RunJob(job.ID, cron.RunModeForce))
		done := waitForStatus(t, scheduler, job.ID)

		assert.Equal(t, cron.StatusOK, done.State.LastStatus, done.State.LastError)
		assert.Equal(t, "Missingness exceeds the 5% threshold.", done.State.LastSummary)
		assert.True(t, d.Status().Index.Built, "scheduled runs build the index on demand")
		model.mu.Lock()
		assert.Equal(t, 1, model.reviews)
		model.mu.Unlock()
	})

	t.Run("session-bound run keeps the result in the session", func(t *testing.T) {
		d, _ := createTestDaemon(t)
		scheduler := d.GetScheduler()

		job, err := scheduler.AddJob(cron.AddParams{
			Name:       "ops audit",
			Query:      "check missing values",
			SessionKey: "ops",
			Enabled:    true,
			Schedule:   cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "0 6 * * *"},
		})
		require.NoError(t, err)

		require.NoError(t, scheduler.RunJob(job.ID, cron.RunModeForce))
		done := waitForStatus(t, scheduler, job.ID)
		require.Equal(t, cron.StatusOK, done.State.LastStatus, done.State.LastError)

		sess, ok := d.GetSessionManager().Lookup("ops")
		require.True(t, ok)
		assert.Equal(t, "check missing values", sess.Query())
		summary, _, ok := sess.GetResult()
		require.True(t, ok)
		assert.Equal(t, "Missingness exceeds the 5% threshold.", summary)
	})

	t.Run("planning failure is recorded", func(t *testing.T) {
		cfg := testConfig(t)
		model := &fakeModel{planErr: errors.New("model unavailable")}
		d, err := New(cfg, testLogger(t), WithLanguageModel(model))
		require.NoError(t, err)
		defer d.Close()

		job, err := d.GetScheduler().AddJob(cron.AddParams{
			Name:     "broken",
			Query:    "check missing values",
			Enabled:  true,
			Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: time.Hour.Milliseconds()},
		})
		require.NoError(t, err)

		require.NoError(t, d.GetScheduler().RunJob(job.ID, cron.RunModeForce))
		done := waitForStatus(t, d.GetScheduler(), job.ID)
		assert.Equal(t, cron.StatusError, done.State.LastStatus)
		assert.Equal(t, 1, done.State.ConsecutiveErrors)
	})

	t.Run("jobs survive a restart", func(t *testing.T) {
		cfg := testConfig(t)
		d, err := New(cfg, testLogger(t), WithLanguageModel(&fakeModel{plan: missingPlanJSON}))
		require.NoError(t, err)

		job, err := d.GetScheduler().AddJob(cron.AddParams{
			Name:     "persisted",
			Query:    "check missing values",
			Enabled:  true,
			Schedule: cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "30 2 * * 1"},
		})
		require.NoError(t, err)
		require.NoError(t, d.Close())

		d2, err := New(cfg, testLogger(t), WithLanguageModel(&fakeModel{plan: missingPlanJSON}))
		require.NoError(t, err)
		defer d2.Close()

		stored, ok := d2.GetScheduler().GetJob(job.ID)
		require.True(t, ok)
		assert.Equal(t, "persisted", stored.Name)
		require.NotNil(t, d2.Status().Schedule)
		assert.Equal(t, 1, d2.Status().Schedule.Jobs)
	})
}
