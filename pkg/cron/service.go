package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/dqagent/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrServiceStopped is returned once Stop has been called.
	ErrServiceStopped = errors.New("scheduler is stopped")
)

// Service schedules data quality queries and persists them as JSON.
// Jobs only fire between Start and Stop; before Start the registry can still
// be edited, which is how the CLI manages jobs offline.
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	options ServiceOptions
	logger  zerolog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status summarizes the scheduler.
type Status struct {
	Started     bool   `json:"started"`
	Jobs        int    `json:"jobs"`
	Enabled     int    `json:"enabled"`
	Running     int    `json:"running"`
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
}

// NewService creates a scheduler and loads the job registry.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Run == nil {
		return nil, fmt.Errorf("run callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		options: opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadJobs(); err != nil {
		cancel()
		return nil, err
	}

	s.logger.Debug().Int("jobCount", len(s.jobs)).Str("store", opts.StorePath).Msg("Scheduler initialized")
	return s, nil
}

// Start arms a timer for every enabled job. Jobs whose next run passed while
// the scheduler was down fire immediately.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServiceStopped
	}
	if s.started {
		return fmt.Errorf("scheduler is already started")
	}
	s.started = true

	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.State.NextRunAtMs == nil {
			next, err := CalculateNextRun(job.Schedule)
			if err != nil {
				s.logger.Warn().Str("jobId", job.ID).Err(err).Msg("Skipping job with invalid schedule")
				continue
			}
			job.State.NextRunAtMs = Int64Ptr(next)
		}
		s.scheduleJobLocked(job)
	}

	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Scheduler started")
	return nil
}

func validateParams(name, query string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("job query is required")
	}
	return nil
}

// AddJob creates a new job
func (s *Service) AddJob(params AddParams) (Job, error) {
	if err := validateParams(params.Name, params.Query); err != nil {
		return Job{}, err
	}
	nextRunAtMs, err := CalculateNextRun(params.Schedule)
	if err != nil {
		return Job{}, fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Job{}, ErrServiceStopped
	}

	now := Now()
	job := &Job{
		ID:             uuid.New().String(),
		Name:           params.Name,
		Description:    params.Description,
		Query:          params.Query,
		SessionKey:     params.SessionKey,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       params.Schedule,
		State: JobState{
			NextRunAtMs: Int64Ptr(nextRunAtMs),
		},
	}

	s.jobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return Job{}, fmt.Errorf("failed to persist job: %w", err)
	}
	if job.Enabled && s.started {
		s.scheduleJobLocked(job)
	}
	added := *job
	s.mu.Unlock()

	s.logger.Info().
		Str("jobId", added.ID).
		Str("name", added.Name).
		Bool("enabled", added.Enabled).
		Msg("Job created")

	s.emit(Event{Action: EventActionAdded, JobID: added.ID, SessionKey: added.SessionKey, NextRunAtMs: added.State.NextRunAtMs})
	return added, nil
}

// UpdateJob applies patch to an existing job
func (s *Service) UpdateJob(id string, patch JobPatch) (Job, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Job{}, ErrServiceStopped
	}

	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	updated := *job
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Query != nil {
		updated.Query = *patch.Query
	}
	if patch.SessionKey != nil {
		updated.SessionKey = *patch.SessionKey
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		updated.DeleteAfterRun = *patch.DeleteAfterRun
	}
	scheduleChanged := patch.Schedule != nil
	if scheduleChanged {
		updated.Schedule = *patch.Schedule
	}
	if err := validateParams(updated.Name, updated.Query); err != nil {
		s.mu.Unlock()
		return Job{}, err
	}
	if scheduleChanged || (updated.Enabled && updated.State.NextRunAtMs == nil) {
		next, err := CalculateNextRun(updated.Schedule)
		if err != nil {
			s.mu.Unlock()
			return Job{}, fmt.Errorf("invalid schedule: %w", err)
		}
		updated.State.NextRunAtMs = Int64Ptr(next)
	}
	enabledChanged := updated.Enabled != job.Enabled
	updated.UpdatedAtMs = Now()

	previous := *job
	*job = updated
	if err := s.persist(); err != nil {
		*job = previous
		s.mu.Unlock()
		return Job{}, fmt.Errorf("failed to persist job: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelJobLocked(id)
		if job.Enabled && s.started {
			s.scheduleJobLocked(job)
		}
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("jobId", id).
		Bool("scheduleChanged", scheduleChanged).
		Bool("enabledChanged", enabledChanged).
		Msg("Job updated")

	s.emit(Event{Action: EventActionUpdated, JobID: id, SessionKey: updated.SessionKey, NextRunAtMs: updated.State.NextRunAtMs})
	return updated, nil
}

// RemoveJob deletes a job
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}

	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.cancelJobLocked(id)
	delete(s.jobs, id)
	if err := s.persist(); err != nil {
		s.jobs[id] = job
		s.mu.Unlock()
		return fmt.Errorf("failed to persist job: %w", err)
	}
	s.mu.Unlock()

	s.logger.Info().Str("jobId", id).Str("name", job.Name).Msg("Job removed")
	s.emit(Event{Action: EventActionDeleted, JobID: id, SessionKey: job.SessionKey})
	return nil
}

// RunJob executes a job now in the background. In due mode disabled jobs are
// skipped.
func (s *Service) RunJob(id string, mode RunMode) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	stopped := s.stopped
	var enabled bool
	if exists {
		enabled = job.Enabled
	}
	s.mu.RUnlock()

	if stopped {
		return ErrServiceStopped
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if mode == RunModeDue && !enabled {
		s.logger.Debug().Str("jobId", id).Msg("Skipping disabled job in 'due' mode")
		return nil
	}

	go s.executeJob(id, mode == RunModeForce)
	return nil
}

// ListJobs returns copies of all jobs ordered by creation time, optionally
// filtered by their enabled flag.
func (s *Service) ListJobs(enabled *bool) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if enabled != nil && job.Enabled != *enabled {
			continue
		}
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAtMs != jobs[j].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// GetJob returns a copy of a specific job
func (s *Service) GetJob(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Status returns scheduler counters and the earliest pending run.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{Started: s.started && !s.stopped, Jobs: len(s.jobs)}
	for _, job := range s.jobs {
		if job.Enabled {
			status.Enabled++
			if next := job.State.NextRunAtMs; next != nil && (status.NextRunAtMs == nil || *next < *status.NextRunAtMs) {
				status.NextRunAtMs = Int64Ptr(*next)
			}
		}
		if job.State.RunningAtMs != nil {
			status.Running++
		}
	}
	return status
}

// Stop cancels running jobs, waits for them and persists the final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	for id := range s.timers {
		s.cancelJobLocked(id)
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// scheduleJobLocked arms the timer of job. Caller holds s.mu.
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		s.logger.Warn().Str("jobId", job.ID).Msg("Cannot schedule job without next run time")
		return
	}

	s.cancelJobLocked(job.ID)

	nextRunAtMs := *job.State.NextRunAtMs
	delay := nextRunAtMs - Now()
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.executeJob(id, false)
	})

	s.logger.Debug().
		Str("jobId", id).
		Int64("delayMs", delay).
		Time("nextRun", time.UnixMilli(nextRunAtMs)).
		Msg("Job scheduled")
}

// cancelJobLocked stops the timer of a job. Caller holds s.mu.
func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) executeJob(id string, force bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		s.logger.Debug().Str("jobId", id).Msg("Job no longer exists, skipping execution")
		return
	}
	if job.State.RunningAtMs != nil {
		s.mu.Unlock()
		s.logger.Debug().Str("jobId", id).Msg("Job already running, skipping execution")
		return
	}
	if !force && !job.Enabled {
		s.mu.Unlock()
		return
	}

	startMs := Now()
	job.State.RunningAtMs = Int64Ptr(startMs)
	snapshot := *job
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Info().Str("jobId", id).Str("name", snapshot.Name).Msg("Executing job")
	summary, err := s.options.Run(s.ctx, &snapshot)

	s.mu.Lock()
	endMs := Now()
	durationMs := endMs - startMs

	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = Int64Ptr(startMs)
	job.State.LastDurationMs = Int64Ptr(durationMs)
	job.State.Runs++
	observability.RecordScheduledRun(time.Duration(durationMs)*time.Millisecond, err == nil)

	if err != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++

		s.logger.Error().
			Str("jobId", id).
			Err(err).
			Int("consecutiveErrors", job.State.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
		job.State.LastSummary = summary
		job.State.ConsecutiveErrors = 0

		s.logger.Info().
			Str("jobId", id).
			Int64("durationMs", durationMs).
			Msg("Job execution completed")
	}

	var calcErr error
	if job.Schedule.Kind == ScheduleKindAt {
		// One-shot jobs are done once they have fired.
		job.Enabled = false
		job.State.NextRunAtMs = nil
	} else {
		var next int64
		next, calcErr = nextRunAfter(job.Schedule, time.UnixMilli(endMs))
		if calcErr != nil {
			s.logger.Error().Str("jobId", id).Err(calcErr).Msg("Failed to calculate next run")
		} else {
			if backoff := calculateRetryBackoff(job.Schedule, job.State.ConsecutiveErrors); backoff > 0 {
				if earliest := endMs + backoff.Milliseconds(); next < earliest {
					next = earliest
				}
			}
			job.State.NextRunAtMs = Int64Ptr(next)
		}
	}

	events := []Event{{
		Action:      EventActionFinished,
		JobID:       id,
		SessionKey:  job.SessionKey,
		Status:      job.State.LastStatus,
		Error:       job.State.LastError,
		Summary:     summary,
		DurationMs:  Int64Ptr(durationMs),
		NextRunAtMs: job.State.NextRunAtMs,
	}}

	if job.DeleteAfterRun && err == nil {
		s.logger.Info().Str("jobId", id).Msg("Deleting job after successful run")
		s.cancelJobLocked(id)
		delete(s.jobs, id)
		events = append(events, Event{Action: EventActionDeleted, JobID: id, SessionKey: job.SessionKey})
	} else if job.Enabled && calcErr == nil && s.started && !s.stopped {
		s.scheduleJobLocked(job)
	}

	if persistErr := s.persist(); persistErr != nil {
		s.logger.Error().Err(persistErr).Msg("Failed to persist job state")
	}
	s.mu.Unlock()

	for _, evt := range events {
		s.emit(evt)
	}
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

// loadJobs reads the registry. A missing file is an empty registry.
func (s *Service) loadJobs() error {
	data, err := os.ReadFile(s.options.StorePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	for _, job := range jobs {
		// A run that was in flight when the process died never finished.
		job.State.RunningAtMs = nil
		s.jobs[job.ID] = job
	}

	s.logger.Debug().Int("count", len(jobs)).Msg("Loaded jobs from registry")
	return nil
}

// persist writes the registry atomically. Caller holds s.mu.
func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.options.StorePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.logger.Debug().Int("count", len(jobs)).Msg("Persisted jobs to registry")
	return nil
}
