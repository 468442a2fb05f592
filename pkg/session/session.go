package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/dataset"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/executor"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// PlanAcknowledgement is the assistant reply recorded after a plan is generated.
const PlanAcknowledgement = "Plan generated. See Execution Window on the right and click Run."

var (
	ErrEmptyQuery      = errors.New("query cannot be empty")
	ErrNoQuery         = errors.New("no query submitted yet")
	ErrNoPlan          = errors.New("no plan available for the last query")
	ErrRunInProgress   = errors.New("a run is already in progress for this session")
	ErrSessionNotFound = errors.New("session not found")
)

// Message represents a single conversation turn
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Planner produces an action plan for a query.
type Planner interface {
	Plan(ctx context.Context, query string) (*planner.ActionPlan, error)
}

// Runner executes a plan against the configured dataset.
type Runner interface {
	LoadDataset(ctx context.Context) (*dataset.Dataset, error)
	ExecutePlan(ctx context.Context, plan *planner.ActionPlan, ds *dataset.Dataset) (*executor.Result, error)
}

// State is a point-in-time copy of a session for rendering.
type State struct {
	Key        string              `json:"session_key"`
	Query      string              `json:"query"`
	Plan       *planner.ActionPlan `json:"plan,omitempty"`
	Result     *executor.Result    `json:"result,omitempty"`
	Running    bool                `json:"running"`
	Transcript []Message           `json:"transcript"`
	LastActive time.Time           `json:"last_active"`
}

// Session holds the presentation state of one client: the last query, its
// plan, the last run result and the chat transcript. Nothing is persisted.
type Session struct {
	key     string
	planner Planner
	runner  Runner
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	query      string
	plan       *planner.ActionPlan
	result     *executor.Result
	running    bool
	transcript []Message
	lastActive time.Time
}

func newSession(key string, p Planner, r Runner, logger zerolog.Logger, now func() time.Time) *Session {
	return &Session{
		key:        key,
		planner:    p,
		runner:     r,
		logger:     logger.With().Str("session_key", key).Logger(),
		now:        now,
		transcript: []Message{},
		lastActive: now(),
	}
}

// Key returns the session key.
func (s *Session) Key() string {
	return s.key
}

// SubmitQuery records text as the current query and generates its plan. A
// failed planning call clears the previous plan and result so a later run can
// never execute a plan for a different query.
func (s *Session) SubmitQuery(ctx context.Context, text string) (*planner.ActionPlan, error) {
	query := strings.TrimSpace(text)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	ctx = tracing.WithSessionKey(ctx, s.key)
	ctx, span := tracing.StartSpan(ctx, "dqagent.session", "session.submit_query",
		attribute.String("session_key", s.key),
	)
	defer span.End()

	s.mu.Lock()
	s.query = query
	s.plan = nil
	s.result = nil
	s.appendLocked("user", query)
	s.mu.Unlock()

	plan, err := s.planner.Plan(ctx, query)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.query != query {
		// a newer query was submitted while this one was planning
		return plan, err
	}
	if err != nil {
		tracing.FailSpan(span, err)
		s.appendLocked("assistant", dqerr.Message(dqerr.KindOf(err)))
		return nil, err
	}
	s.plan = plan
	s.appendLocked("assistant", PlanAcknowledgement)
	return plan, nil
}

// GetPlan returns the plan for the last submitted query.
func (s *Session) GetPlan() (*planner.ActionPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan, s.plan != nil
}

// Query returns the last submitted query.
func (s *Session) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// SubmitRun executes the plan generated for the last submitted query. Only
// one run per session may be in flight.
func (s *Session) SubmitRun(ctx context.Context) (*executor.Result, error) {
	s.mu.Lock()
	if s.query == "" {
		s.mu.Unlock()
		return nil, ErrNoQuery
	}
	if s.plan == nil {
		s.mu.Unlock()
		return nil, ErrNoPlan
	}
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.lastActive = s.now()
	query, plan := s.query, s.plan
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx = tracing.WithSessionKey(ctx, s.key)
	ctx, span := tracing.StartSpan(ctx, "dqagent.session", "session.submit_run",
		attribute.String("session_key", s.key),
		attribute.Int("steps", len(plan.Steps)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	result, err := s.run(ctx, plan)
	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Str("kind", string(dqerr.KindOf(err))).Msg("Run failed")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.query == query {
		s.result = result
	}
	logger.Info().Int("records", len(result.Records)).Bool("empty", result.Empty).Msg("Run complete")
	return result, nil
}

func (s *Session) run(ctx context.Context, plan *planner.ActionPlan) (*executor.Result, error) {
	if plan.Empty() {
		return s.runner.ExecutePlan(ctx, plan, nil)
	}
	ds, err := s.runner.LoadDataset(ctx)
	if err != nil {
		return nil, err
	}
	return s.runner.ExecutePlan(ctx, plan, ds)
}

// GetResult returns the summary and raw output of the last run. ok is false
// until a run has completed for the current query.
func (s *Session) GetResult() (summary string, output interface{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return "", nil, false
	}
	return s.result.Summary, s.result.Output, true
}

// Result returns the full result of the last run.
func (s *Session) Result() (*executor.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.result != nil
}

// Transcript returns a copy of the chat transcript.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	transcript := make([]Message, len(s.transcript))
	copy(transcript, s.transcript)
	return State{
		Key:        s.key,
		Query:      s.query,
		Plan:       s.plan,
		Result:     s.result,
		Running:    s.running,
		Transcript: transcript,
		LastActive: s.lastActive,
	}
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) appendLocked(role, content string) {
	now := s.now()
	s.transcript = append(s.transcript, Message{Role: role, Content: content, Timestamp: now})
	s.lastActive = now
}
