package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/config"
	"github.com/harun/dqagent/internal/logger"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/agent"
	"github.com/harun/dqagent/pkg/checks"
	"github.com/harun/dqagent/pkg/commandqueue"
	"github.com/harun/dqagent/pkg/cron"
	"github.com/harun/dqagent/pkg/dataset"
	"github.com/harun/dqagent/pkg/executor"
	"github.com/harun/dqagent/pkg/gateway"
	"github.com/harun/dqagent/pkg/knowledge"
	"github.com/harun/dqagent/pkg/memory"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/harun/dqagent/pkg/session"
	"github.com/harun/dqagent/pkg/toolexecutor"
	"golang.org/x/sync/errgroup"
)

// ErrNoLanguageModel is returned by operations that need planning when no AI
// profile is configured.
var ErrNoLanguageModel = errors.New("no AI profile configured: run 'dqagent init' or set ANTHROPIC_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY")

// LanguageModel is the model surface shared by the planner and the executor.
type LanguageModel interface {
	planner.StructuredCompleter
	executor.TextCompleter
}

// Option customizes a Daemon during New.
type Option func(*Daemon)

// WithLanguageModel replaces the client built from the AI profiles.
func WithLanguageModel(m LanguageModel) Option {
	return func(d *Daemon) { d.llm = m }
}

// WithDatasetLoader replaces the loader built from the dataset config.
func WithDatasetLoader(l dataset.Loader) Option {
	return func(d *Daemon) { d.loader = l }
}

// Daemon wires the agent together: the tool registry, the retriever over the
// knowledge base, the planner and executor, and the session gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	tools     *toolexecutor.Registry
	retriever *memory.Manager
	llm       LanguageModel
	loader    dataset.Loader
	dsCache   *dataset.Cache
	planner   *planner.Planner
	executor  *executor.Executor

	sessions      *session.Manager
	cleanup       *session.Cleanup
	queue         *commandqueue.Queue
	gatewayServer *gateway.Server
	scheduler     *cron.Service
	lifecycle     *LifecycleManager

	ingestMu  sync.Mutex
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running    bool          `json:"running"`
	Uptime     time.Duration `json:"uptime"`
	Index      memory.Status `json:"index"`
	Tools      int           `json:"tools"`
	Profiles   int           `json:"profiles"`
	Planning   bool          `json:"planning"`
	StepPolicy string        `json:"step_policy"`
	Dataset    string        `json:"dataset,omitempty"`
	Sessions   int           `json:"sessions"`
	Schedule   *cron.Status  `json:"schedule,omitempty"`
}

// New creates the daemon. Planning components are only built when a language
// model is available; retrieval and the tool registry always are.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := tracing.InitOpenTelemetry(config.AppName); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.Component("lifecycle"))

	log.Debug().
		Bool("planning", d.planner != nil).
		Int("tools", d.tools.Len()).
		Msg("Daemon initialized")

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	d.tools = toolexecutor.NewRegistry()
	if d.config.Executor.CheckTimeout > 0 {
		d.tools.SetTimeout(time.Duration(d.config.Executor.CheckTimeout) * time.Second)
	}
	if err := checks.RegisterDefaults(d.tools); err != nil {
		return fmt.Errorf("failed to register checks: %w", err)
	}

	embedder, err := memory.NewEmbeddingProvider(context.Background(), d.config.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	index, err := memory.OpenIndex(d.config.Retrieval.Backend, d.config.Retrieval.IndexPath)
	if err != nil {
		return fmt.Errorf("failed to open tool index: %w", err)
	}
	d.retriever, err = memory.NewManager(memory.Config{
		Index:             index,
		EmbeddingProvider: embedder,
		ModelID:           memory.EmbeddingModelID(d.config.Embedding),
		Logger:            d.logger.Component("memory"),
	})
	if err != nil {
		index.Close()
		return fmt.Errorf("failed to create retriever: %w", err)
	}

	if d.loader == nil {
		d.loader = d.newDatasetLoader()
	}

	if d.llm == nil && len(d.config.AI.Profiles) > 0 {
		client, err := agent.NewClientFromConfig(d.config, d.logger.Component("agent"))
		if err != nil {
			return fmt.Errorf("failed to create language model client: %w", err)
		}
		d.llm = client
	}
	if d.llm == nil {
		d.logger.Debug().Msg("No AI profile configured, planning disabled")
		return nil
	}

	d.planner, err = planner.New(planner.Config{
		Retriever: d.retriever,
		LLM:       d.llm,
		TopK:      d.config.Retrieval.TopK,
		Logger:    d.logger.Component("planner"),
	})
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}

	stepPolicy, err := executor.ParseStepPolicy(d.config.Executor.StepPolicy)
	if err != nil {
		return err
	}
	d.executor, err = executor.New(executor.Config{
		Planner: d.planner,
		Tools:   d.tools,
		LLM:     d.llm,
		Loader:  d.loader,
		Policy: executor.Policy{
			Requirement:     d.config.Policy.Requirement,
			PreviousActions: d.config.Policy.PreviousActions,
		},
		StepPolicy: stepPolicy,
		Logger:     d.logger.Component("executor"),
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	return nil
}

// newDatasetLoader prefers the watched cache and falls back to reading the
// file on every run when the cache cannot watch it.
func (d *Daemon) newDatasetLoader() dataset.Loader {
	path := d.config.Dataset.Path
	if path == "" || !d.config.Dataset.Cache {
		return dataset.FileLoader{Path: path}
	}
	cache, err := dataset.NewCache(path, d.logger.Component("dataset"))
	if err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("Dataset cache unavailable, reading file per run")
		return dataset.FileLoader{Path: path}
	}
	d.dsCache = cache
	return cache
}

func (d *Daemon) initializeServices() error {
	if d.executor == nil {
		return nil
	}

	var err error
	d.sessions, err = session.NewManager(session.Config{
		Planner: d.planner,
		Runner:  d.executor,
		TTL:     time.Duration(d.config.Gateway.SessionTTL) * time.Minute,
		Logger:  d.logger.Component("session"),
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.cleanup = session.NewCleanup(d.sessions, session.DefaultCleanupInterval)

	d.queue = commandqueue.New(commandqueue.Config{
		Logger: d.logger.Component("commandqueue"),
	})

	runTimeout := time.Duration(d.config.LLM.Timeout) * time.Second * 4
	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Sessions:     d.sessions,
		Tools:        d.tools,
		Queue:        d.queue,
		RunTimeout:   runTimeout,
		Logger:       d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	return d.initializeScheduler()
}

// Ingest parses the knowledge base and rebuilds the tool index from it.
// It returns the number of descriptors indexed.
func (d *Daemon) Ingest(ctx context.Context) (int, error) {
	d.ingestMu.Lock()
	defer d.ingestMu.Unlock()
	return d.ingest(ctx)
}

func (d *Daemon) ingest(ctx context.Context) (int, error) {
	source := d.config.Retrieval.KnowledgeBase
	descriptors, err := knowledge.Load(source)
	if err != nil {
		return 0, fmt.Errorf("failed to load knowledge base: %w", err)
	}
	if source == "" {
		source = "bundled"
	}

	if err := d.retriever.Index(ctx, descriptors); err != nil {
		return 0, err
	}

	d.logger.Info().
		Str("source", source).
		Int("descriptors", len(descriptors)).
		Str("backend", d.config.Retrieval.Backend).
		Msg("Knowledge base ingested")
	return len(descriptors), nil
}

// EnsureIndex ingests the knowledge base when the index has never been built.
// It reports whether an ingest happened.
func (d *Daemon) EnsureIndex(ctx context.Context) (bool, error) {
	d.ingestMu.Lock()
	defer d.ingestMu.Unlock()

	if d.retriever.Status().Built {
		return false, nil
	}
	d.logger.Info().Msg("Tool index not built, ingesting knowledge base")
	if _, err := d.ingest(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Plan builds an action plan for query.
func (d *Daemon) Plan(ctx context.Context, query string) (*planner.ActionPlan, error) {
	if d.planner == nil {
		return nil, ErrNoLanguageModel
	}
	if _, err := d.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return d.planner.Plan(tracing.NewRequestContext(ctx), query)
}

// Run plans query and executes the plan against the configured dataset.
func (d *Daemon) Run(ctx context.Context, query string) (*executor.Result, error) {
	if d.executor == nil {
		return nil, ErrNoLanguageModel
	}
	if _, err := d.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return d.executor.ExecuteQuery(tracing.NewRunContext(ctx), query)
}

// Tools lists the registered checks.
func (d *Daemon) Tools() []toolexecutor.ToolInfo {
	return d.tools.List()
}

// Serve runs the gateway, session cleanup and the scheduler until ctx is
// cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	return d.serve(ctx, d.gatewayRun)
}

// ServeListener is Serve on an existing listener.
func (d *Daemon) ServeListener(ctx context.Context, listener net.Listener) error {
	return d.serve(ctx, func(ctx context.Context) error {
		return d.gatewayServer.Serve(ctx, listener)
	})
}

func (d *Daemon) gatewayRun(ctx context.Context) error {
	return d.gatewayServer.Run(ctx)
}

func (d *Daemon) serve(ctx context.Context, runGateway func(context.Context) error) error {
	if d.gatewayServer == nil {
		return ErrNoLanguageModel
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	if _, err := d.EnsureIndex(ctx); err != nil {
		return err
	}
	if err := d.lifecycle.Start(); err != nil {
		return err
	}
	defer func() {
		if err := d.lifecycle.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}()

	if d.scheduler != nil {
		if err := d.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			if err := d.scheduler.Stop(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to stop scheduler")
			}
		}()
	}

	d.logger.Info().
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Bool("schedule", d.scheduler != nil).
		Msg("Daemon started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runGateway(gctx)
	})
	g.Go(func() error {
		return d.cleanup.Run(gctx)
	})
	err := g.Wait()

	d.logger.Info().Msg("Daemon stopped")
	return err
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	startTime := d.startTime
	d.mu.RUnlock()

	status := Status{
		Running:    running,
		Index:      d.retriever.Status(),
		Tools:      d.tools.Len(),
		Profiles:   len(d.config.AI.Profiles),
		Planning:   d.planner != nil,
		StepPolicy: d.config.Executor.StepPolicy,
		Dataset:    d.config.Dataset.Path,
	}
	if d.executor != nil {
		status.StepPolicy = string(d.executor.StepPolicy())
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	if d.sessions != nil {
		status.Sessions = d.sessions.Len()
	}
	if d.scheduler != nil {
		schedule := d.scheduler.Status()
		status.Schedule = &schedule
	}
	return status
}

// Close stops the scheduler and releases the index, the dataset watcher and
// the queue.
func (d *Daemon) Close() error {
	var errs []error
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.dsCache != nil {
		if err := d.dsCache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.retriever != nil {
		if err := d.retriever.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetConfig returns the daemon config
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetSessionManager returns nil when planning is disabled.
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

// GetGatewayServer returns nil when planning is disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetLifecycle returns the PID file owner.
func (d *Daemon) GetLifecycle() *LifecycleManager {
	return d.lifecycle
}
