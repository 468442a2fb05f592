package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrQueueClosed = errors.New("command queue is closed")
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is a unit of work run inside a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// RequestID makes the enqueue idempotent: a repeated ID within the dedup
	// TTL returns the first result without running the task again.
	RequestID string
	// WarnAfter logs a warning and calls OnWait if the task is still queued.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, position int)
}

// Event is emitted when a task is enqueued or completes.
type Event struct {
	Type     string // "enqueued" or "completed"
	Lane     string
	TaskID   string
	Duration time.Duration
	Success  bool
	Queued   int
}

// EventHandler receives queue events synchronously.
type EventHandler func(Event)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	opts       TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type lane struct {
	mu          sync.Mutex
	concurrency int
	queue       []*taskRecord
	running     int
}

// Config holds command queue configuration
type Config struct {
	DedupTTL time.Duration
	Logger   zerolog.Logger
}

// Queue serializes tasks per lane. The gateway uses one lane per session so
// that planning and runs for the same session never interleave.
type Queue struct {
	logger zerolog.Logger
	dedup  *dedupCache

	mu     sync.RWMutex
	lanes  map[string]*lane
	seq    int
	closed bool

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a command queue.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:   cfg.Logger,
		dedup:    newDedupCache(ctx, cfg.DedupTTL),
		lanes:    make(map[string]*lane),
		handlers: make(map[string][]EventHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue runs task in lane after every task queued before it and waits for
// the result.
func (q *Queue) Enqueue(ctx context.Context, laneName string, task Task) (interface{}, error) {
	return q.EnqueueWithOptions(ctx, laneName, task, TaskOptions{})
}

// EnqueueWithOptions is Enqueue with per-task options.
func (q *Queue) EnqueueWithOptions(ctx context.Context, laneName string, task Task, opts TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.RequestID != "" {
		if cached, ok := q.dedup.Get(opts.RequestID); ok {
			q.logger.Debug().Str("lane", laneName).Str("request_id", opts.RequestID).Msg("Duplicate request served from cache")
			return cached.value, cached.err
		}
	}

	ctx, span := tracing.StartSpan(ctx, "dqagent.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", laneName),
	)
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	l := q.laneLocked(laneName)
	q.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", laneName, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		opts:       opts,
		result:     make(chan taskResult, 1),
	}
	q.mu.Unlock()

	l.mu.Lock()
	l.queue = append(l.queue, record)
	queued := len(l.queue)
	l.mu.Unlock()

	observability.RecordQueueEnqueue(laneName, queued)
	tracing.LoggerFromContext(ctx, q.logger).Debug().
		Str("lane", laneName).
		Str("task_id", record.id).
		Int("queued", queued).
		Msg("Task enqueued")
	q.emit(Event{Type: "enqueued", Lane: laneName, TaskID: record.id, Queued: queued})

	if opts.WarnAfter > 0 {
		go q.warnIfWaiting(l, laneName, record)
	}
	q.pump(l, laneName)

	var res taskResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		// the task still runs to completion once started, its result is dropped
		res = taskResult{err: ctx.Err()}
	}
	if res.err != nil {
		tracing.FailSpan(span, res.err)
	}
	if opts.RequestID != "" && !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, ErrLaneCleared) {
		q.dedup.Set(opts.RequestID, res)
	}
	return res.value, res.err
}

func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		l = &lane{concurrency: 1}
		q.lanes[name] = l
	}
	return l
}

// pump starts queued tasks while the lane has free capacity.
func (q *Queue) pump(l *lane, laneName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.running < l.concurrency && len(l.queue) > 0 {
		record := l.queue[0]
		l.queue = l.queue[1:]
		l.running++
		q.wg.Add(1)
		go q.execute(l, laneName, record)
	}
}

func (q *Queue) execute(l *lane, laneName string, record *taskRecord) {
	defer q.wg.Done()

	ctx := tracing.WithSessionKey(record.ctx, laneName)
	ctx, span := tracing.StartSpan(ctx, "dqagent.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", laneName),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)
	stop()
	cancel()

	l.mu.Lock()
	l.running--
	queued := len(l.queue)
	l.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Str("lane", laneName).Str("task_id", record.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", laneName).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(laneName, duration, err == nil, queued)
	q.emit(Event{Type: "completed", Lane: laneName, TaskID: record.id, Duration: duration, Success: err == nil, Queued: queued})

	q.pump(l, laneName)
}

func (q *Queue) warnIfWaiting(l *lane, laneName string, record *taskRecord) {
	timer := time.NewTimer(record.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.ctx.Done():
		return
	}

	l.mu.Lock()
	position := -1
	for i, r := range l.queue {
		if r == record {
			position = i
			break
		}
	}
	l.mu.Unlock()
	if position < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	q.logger.Warn().
		Str("lane", laneName).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("position", position).
		Msg("Task waiting longer than expected")
	if record.opts.OnWait != nil {
		record.opts.OnWait(wait, position)
	}
}

// QueueSize returns the number of tasks waiting in a lane.
func (q *Queue) QueueSize(laneName string) int {
	l, ok := q.lookup(laneName)
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// RunningCount returns the number of tasks executing in a lane.
func (q *Queue) RunningCount(laneName string) int {
	l, ok := q.lookup(laneName)
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns statistics for all lanes.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	stats := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		l.mu.Lock()
		stats[name] = LaneStats{Queued: len(l.queue), Running: l.running, Concurrency: l.concurrency}
		l.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every task still waiting in a lane with ErrLaneCleared.
// Running tasks are not interrupted.
func (q *Queue) ClearLane(laneName string) int {
	l, ok := q.lookup(laneName)
	if !ok {
		return 0
	}
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	running := l.running
	l.mu.Unlock()

	for _, record := range pending {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	observability.RecordQueueEnqueue(laneName, 0)
	q.logger.Info().Str("lane", laneName).Int("cleared", len(pending)).Int("running", running).Msg("Lane cleared")
	return len(pending)
}

// RemoveLane drops an idle lane. It reports false if the lane still has work.
func (q *Queue) RemoveLane(laneName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return true
	}
	l.mu.Lock()
	busy := l.running > 0 || len(l.queue) > 0
	l.mu.Unlock()
	if busy {
		return false
	}
	delete(q.lanes, laneName)
	return true
}

// SetConcurrency changes how many tasks of a lane may run at once.
func (q *Queue) SetConcurrency(laneName string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	l := q.laneLocked(laneName)
	q.mu.Unlock()

	l.mu.Lock()
	old := l.concurrency
	l.concurrency = concurrency
	l.mu.Unlock()

	q.logger.Info().Str("lane", laneName).Int("old", old).Int("new", concurrency).Msg("Lane concurrency updated")
	if concurrency > old {
		q.pump(l, laneName)
	}
}

func (q *Queue) lookup(laneName string) (*lane, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	l, ok := q.lanes[laneName]
	return l, ok
}

// On registers a handler for an event type.
func (q *Queue) On(eventType string, handler EventHandler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[eventType] = append(q.handlers[eventType], handler)
}

// Off removes all handlers for an event type.
func (q *Queue) Off(eventType string) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	delete(q.handlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.handlersMu.RLock()
	handlers := q.handlers[event.Type]
	q.handlersMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Close rejects new work, cancels running tasks and waits for them to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	names := make([]string, 0, len(q.lanes))
	for name := range q.lanes {
		names = append(names, name)
	}
	q.mu.Unlock()

	for _, name := range names {
		q.ClearLane(name)
	}
	q.cancel()
	q.wg.Wait()
	q.dedup.Stop()
	return nil
}
