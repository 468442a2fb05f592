package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/dqagent/pkg/dataset"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/executor"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakePlanner struct {
	mu    sync.Mutex
	plans map[string]*planner.ActionPlan
	err   error
}

func (f *fakePlanner) Plan(_ context.Context, query string) (*planner.ActionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.plans[query]; ok {
		return p, nil
	}
	return &planner.ActionPlan{Query: query, Steps: []planner.PlanStep{}}, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	loads    int
	executed []*planner.ActionPlan
	loadErr  error
	runErr   error
	block    chan struct{}
}

func (f *fakeRunner) LoadDataset(context.Context) (*dataset.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return dataset.ReadCSV(strings.NewReader("a\n1\n"), "test.csv")
}

func (f *fakeRunner) ExecutePlan(_ context.Context, plan *planner.ActionPlan, _ *dataset.Dataset) (*executor.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, plan)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if plan.Empty() {
		return &executor.Result{Plan: plan, Empty: true}, nil
	}
	return &executor.Result{
		Plan:    plan,
		Summary: "summary for " + plan.Steps[0].ToolName,
		Output:  map[string]interface{}{"tool": plan.Steps[0].ToolName},
		Records: []executor.RunRecord{{RunID: 1, ToolName: plan.Steps[0].ToolName}},
	}, nil
}

func missingPlan() *planner.ActionPlan {
	return &planner.ActionPlan{
		Query:  "check missing",
		Intent: "missing audit",
		Steps:  []planner.PlanStep{{ToolName: "check_missing", Inputs: map[string]interface{}{}}},
	}
}

func newTestManager(t *testing.T, p Planner, r Runner) *Manager {
	t.Helper()
	m, err := NewManager(Config{Planner: p, Runner: r, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return m
}

func TestSessionFlow(t *testing.T) {
	p := &fakePlanner{plans: map[string]*planner.ActionPlan{"check missing": missingPlan()}}
	r := &fakeRunner{}
	m := newTestManager(t, p, r)

	s, err := m.Get("web-1")
	require.NoError(t, err)

	_, ok := s.GetPlan()
	assert.False(t, ok)
	_, _, ok = s.GetResult()
	assert.False(t, ok)

	plan, err := s.SubmitQuery(context.Background(), "  check missing ")
	require.NoError(t, err)
	assert.Equal(t, "missing audit", plan.Intent)
	assert.Equal(t, "check missing", s.Query())

	got, ok := s.GetPlan()
	require.True(t, ok)
	assert.Same(t, plan, got)

	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "user", transcript[0].Role)
	assert.Equal(t, "check missing", transcript[0].Content)
	assert.Equal(t, PlanAcknowledgement, transcript[1].Content)

	result, err := s.SubmitRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "summary for check_missing", result.Summary)
	require.Len(t, r.executed, 1)
	assert.Same(t, plan, r.executed[0], "run must execute the presented plan")

	summary, output, ok := s.GetResult()
	require.True(t, ok)
	assert.Equal(t, "summary for check_missing", summary)
	assert.Equal(t, map[string]interface{}{"tool": "check_missing"}, output)

	state := s.Snapshot()
	assert.Equal(t, "web-1", state.Key)
	assert.Same(t, result, state.Result)
	assert.False(t, state.Running)
}

func TestSessionSubmitQuery(t *testing.T) {
	t.Run("empty query", func(t *testing.T) {
		s, _ := newTestManager(t, &fakePlanner{}, &fakeRunner{}).Get("k")
		_, err := s.SubmitQuery(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyQuery)
		assert.Empty(t, s.Transcript())
	})

	t.Run("planning failure clears the previous plan and result", func(t *testing.T) {
		p := &fakePlanner{plans: map[string]*planner.ActionPlan{"check missing": missingPlan()}}
		s, _ := newTestManager(t, p, &fakeRunner{}).Get("k")

		_, err := s.SubmitQuery(context.Background(), "check missing")
		require.NoError(t, err)
		_, err = s.SubmitRun(context.Background())
		require.NoError(t, err)

		p.err = &dqerr.PlanningError{Query: "other", Err: errors.New("model down")}
		_, err = s.SubmitQuery(context.Background(), "other")
		require.Error(t, err)

		_, ok := s.GetPlan()
		assert.False(t, ok)
		_, _, ok = s.GetResult()
		assert.False(t, ok)

		transcript := s.Transcript()
		assert.Equal(t, dqerr.Message(dqerr.KindPlanning), transcript[len(transcript)-1].Content)

		_, err = s.SubmitRun(context.Background())
		assert.ErrorIs(t, err, ErrNoPlan)
	})
}

func TestSessionSubmitRun(t *testing.T) {
	t.Run("requires a query", func(t *testing.T) {
		s, _ := newTestManager(t, &fakePlanner{}, &fakeRunner{}).Get("k")
		_, err := s.SubmitRun(context.Background())
		assert.ErrorIs(t, err, ErrNoQuery)
	})

	t.Run("empty plan does not load the dataset", func(t *testing.T) {
		r := &fakeRunner{}
		s, _ := newTestManager(t, &fakePlanner{}, r).Get("k")
		_, err := s.SubmitQuery(context.Background(), "nothing to do")
		require.NoError(t, err)

		result, err := s.SubmitRun(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Empty)
		assert.Equal(t, 0, r.loads)
	})

	t.Run("errors keep their kind", func(t *testing.T) {
		r := &fakeRunner{runErr: &dqerr.UnknownToolError{Name: "x"}}
		p := &fakePlanner{plans: map[string]*planner.ActionPlan{"q": missingPlan()}}
		s, _ := newTestManager(t, p, r).Get("k")
		_, err := s.SubmitQuery(context.Background(), "q")
		require.NoError(t, err)

		_, err = s.SubmitRun(context.Background())
		assert.Equal(t, dqerr.KindUnknownTool, dqerr.KindOf(err))
		_, _, ok := s.GetResult()
		assert.False(t, ok)
		assert.False(t, s.Snapshot().Running)
	})

	t.Run("dataset load failure", func(t *testing.T) {
		r := &fakeRunner{loadErr: errors.New("missing file")}
		p := &fakePlanner{plans: map[string]*planner.ActionPlan{"q": missingPlan()}}
		s, _ := newTestManager(t, p, r).Get("k")
		_, err := s.SubmitQuery(context.Background(), "q")
		require.NoError(t, err)

		_, err = s.SubmitRun(context.Background())
		assert.Error(t, err)
		assert.Empty(t, r.executed)
	})

	t.Run("one run at a time", func(t *testing.T) {
		r := &fakeRunner{block: make(chan struct{})}
		p := &fakePlanner{plans: map[string]*planner.ActionPlan{"q": missingPlan()}}
		s, _ := newTestManager(t, p, r).Get("k")
		_, err := s.SubmitQuery(context.Background(), "q")
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := s.SubmitRun(context.Background())
			done <- err
		}()

		require.Eventually(t, func() bool { return s.Snapshot().Running }, time.Second, time.Millisecond)
		_, err = s.SubmitRun(context.Background())
		assert.ErrorIs(t, err, ErrRunInProgress)

		close(r.block)
		assert.NoError(t, <-done)
	})
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(Config{Runner: &fakeRunner{}})
	assert.Error(t, err)
	_, err = NewManager(Config{Planner: &fakePlanner{}})
	assert.Error(t, err)

	m := newTestManager(t, &fakePlanner{}, &fakeRunner{})
	assert.Equal(t, DefaultTTL, m.ttl)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		shouldErr bool
	}{
		{"valid key", "test-session", false},
		{"colon key", "web:42", false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "test/session", true},
		{"backslash", "test\\session", true},
		{"null byte", "test\x00session", true},
		{"too long", strings.Repeat("k", maxKeyLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerSessions(t *testing.T) {
	m := newTestManager(t, &fakePlanner{}, &fakeRunner{})

	a, err := m.Get("a")
	require.NoError(t, err)
	again, err := m.Get("a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = m.Get("b")
	require.NoError(t, err)
	_, err = m.Get("../c")
	assert.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, m.List())
	assert.Equal(t, 2, m.Len())

	_, ok := m.Lookup("b")
	assert.True(t, ok)
	assert.True(t, m.Delete("b"))
	assert.False(t, m.Delete("b"))
	_, ok = m.Lookup("b")
	assert.False(t, ok)
}

func TestManagerPrune(t *testing.T) {
	m := newTestManager(t, &fakePlanner{}, &fakeRunner{})
	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.Get("old")
	require.NoError(t, err)

	now = now.Add(DefaultTTL / 2)
	fresh, err := m.Get("fresh")
	require.NoError(t, err)

	now = now.Add(DefaultTTL/2 + time.Second)
	assert.Equal(t, 1, m.Prune())
	assert.Equal(t, []string{"fresh"}, m.List())

	fresh.mu.Lock()
	fresh.running = true
	fresh.mu.Unlock()
	now = now.Add(2 * DefaultTTL)
	assert.Equal(t, 0, m.Prune(), "sessions with a run in flight are kept")
}

func TestCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, &fakePlanner{}, &fakeRunner{})
	now := time.Now()
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	_, err := m.Get("idle")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * DefaultTTL)
	mu.Unlock()

	c := NewCleanup(m, 5*time.Millisecond)
	require.NoError(t, c.Start())
	assert.Error(t, c.Start())

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	assert.Error(t, c.Stop())

	t.Run("run blocks until the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- NewCleanup(m, time.Hour).Run(ctx) }()
		cancel()
		assert.NoError(t, <-done)
	})
}
