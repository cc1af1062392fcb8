// Package scheduler starts workflow runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunStarter is the interface the scheduler uses to start runs.
type RunStarter interface {
	StartRun(ctx context.Context, workflowID string, version int, input map[string]any) (string, error)
}

// StarterFunc adapts a function to RunStarter, e.g. a closure over the
// coordinator's StartRun.
type StarterFunc func(ctx context.Context, workflowID string, version int, input map[string]any) (string, error)

// StartRun calls f.
func (f StarterFunc) StartRun(ctx context.Context, workflowID string, version int, input map[string]any) (string, error) {
	return f(ctx, workflowID, version, input)
}

// Job is one recurring run schedule.
type Job struct {
	ID              string         `json:"id"`
	CronExpression  string         `json:"cron_expression"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	Input           map[string]any `json:"input,omitempty"`

	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Scheduler polls its job table and starts runs that are due.
type Scheduler struct {
	starter RunStarter
	parser  cron.Parser
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently starting (dedup)
}

// New creates a Scheduler starting runs through the given starter.
func New(starter RunStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a schedule. The first run happens at the expression's
// next firing time after now.
func (s *Scheduler) AddJob(job *Job) error {
	next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
	if err != nil {
		return err
	}
	job.NextRunAt = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already registered", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// RemoveJob deletes a schedule.
func (s *Scheduler) RemoveJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Jobs returns a snapshot of the registered schedules.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due job once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // already starting (dedup)
		}
		s.runJob(ctx, job, now)
		s.release(job.ID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	runID, err := s.starter.StartRun(ctx, job.WorkflowID, job.WorkflowVersion, job.Input)
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run started",
			slog.String("job_id", job.ID),
			slog.String("run_id", runID),
		)
	}

	next, nerr := s.CalculateNextRun(job.CronExpression, now)
	if nerr != nil {
		s.logger.Error("next run calculation failed",
			slog.String("job_id", job.ID),
			slog.String("error", nerr.Error()),
		)
		return
	}

	s.mu.Lock()
	job.LastRunAt = &now
	job.NextRunAt = next
	s.mu.Unlock()
}

// tryAcquire returns true and marks the job in-flight if it is not already.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next firing time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
