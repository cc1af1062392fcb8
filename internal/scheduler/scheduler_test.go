package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStarter struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockStarter) StartRun(_ context.Context, workflowID string, _ int, _ map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, workflowID)
	return "run-1", nil
}

func (m *mockStarter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestScheduler() (*Scheduler, *mockStarter) {
	starter := &mockStarter{}
	return New(starter, slog.Default()), starter
}

func TestCalculateNextRun(t *testing.T) {
	s, _ := newTestScheduler()
	from := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestAddJobSetsNextRun(t *testing.T) {
	s, _ := newTestScheduler()
	job := &Job{ID: "nightly", CronExpression: "0 3 * * *", WorkflowID: "report", WorkflowVersion: 1}

	require.NoError(t, s.AddJob(job))
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	// Duplicate IDs are rejected.
	assert.Error(t, s.AddJob(&Job{ID: "nightly", CronExpression: "0 3 * * *"}))
}

func TestTickStartsDueJobs(t *testing.T) {
	s, starter := newTestScheduler()
	job := &Job{ID: "j1", CronExpression: "* * * * *", WorkflowID: "wf", WorkflowVersion: 1}
	require.NoError(t, s.AddJob(job))

	// Force the job due.
	job.NextRunAt = time.Now().UTC().Add(-time.Minute)
	s.Tick(context.Background())

	assert.Equal(t, 1, starter.count())
	assert.True(t, job.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	require.NotNil(t, job.LastRunAt)

	// The rescheduled job is not due again on the next tick.
	s.Tick(context.Background())
	assert.Equal(t, 1, starter.count())
}

func TestTickSkipsFutureJobs(t *testing.T) {
	s, starter := newTestScheduler()
	require.NoError(t, s.AddJob(&Job{ID: "j1", CronExpression: "0 0 1 1 *", WorkflowID: "wf", WorkflowVersion: 1}))

	s.Tick(context.Background())
	assert.Equal(t, 0, starter.count())
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler()

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestRemoveJob(t *testing.T) {
	s, starter := newTestScheduler()
	job := &Job{ID: "j1", CronExpression: "* * * * *", WorkflowID: "wf", WorkflowVersion: 1}
	require.NoError(t, s.AddJob(job))
	s.RemoveJob("j1")

	job.NextRunAt = time.Now().UTC().Add(-time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, 0, starter.count())
	assert.Empty(t, s.Jobs())
}
