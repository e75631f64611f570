package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
)

// fakeRunner admits every prepare and records Execute calls. A non-nil gate
// makes Execute block until the gate closes, simulating a long run.
type fakeRunner struct {
	mu         sync.Mutex
	prepareErr error
	gate       chan struct{}
	executed   chan uuid.UUID
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{executed: make(chan uuid.UUID, 16)}
}

func (f *fakeRunner) PrepareBackup(_ context.Context, jobID uuid.UUID) (*runner.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	job := &db.Job{Schedule: "0 2 * * *"}
	job.ID = jobID
	execution := &db.Execution{}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	execution.ID = id
	return &runner.Run{Job: job, Execution: execution}, nil
}

func (f *fakeRunner) Execute(_ context.Context, run *runner.Run) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.executed <- run.Execution.ID
	return nil
}

func newTestScheduler(t *testing.T, fake *fakeRunner, slots int64) (*Scheduler, repositories.JobRepository) {
	t.Helper()
	require.NoError(t, secrets.Init([]byte("scheduler-test-master-key")))

	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	jobs := repositories.NewJobRepository(gormDB)

	s, err := New(Config{Logger: zap.NewNop(), Jobs: jobs, Runner: fake, Slots: slots})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, jobs
}

func seedJob(t *testing.T, jobs repositories.JobRepository, name string) *db.Job {
	t.Helper()
	job := &db.Job{
		Name:          name,
		SourceID:      uuid.New(),
		DestinationID: uuid.New(),
		Schedule:      "0 2 * * *",
		Enabled:       true,
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func waitExecuted(t *testing.T, fake *fakeRunner) uuid.UUID {
	t.Helper()
	select {
	case id := <-fake.executed:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Execute")
		return uuid.Nil
	}
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 2 * * *"))
	assert.NoError(t, ValidateSchedule("*/15 * * * *"))
	assert.Error(t, ValidateSchedule("not a cron"))
	assert.Error(t, ValidateSchedule("* * * * * *")) // seconds field rejected
	assert.Error(t, ValidateSchedule(""))
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 1, 24, 1, 30, 0, 0, time.UTC)
	next, err := NextRun("0 2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 24, 2, 0, 0, 0, time.UTC), next)

	// already past today's fire time rolls to tomorrow
	next, err = NextRun("0 2 * * *", time.Date(2026, 1, 24, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 25, 2, 0, 0, 0, time.UTC), next)
}

func TestRunNowReturnsExecutionID(t *testing.T) {
	fake := newFakeRunner()
	s, jobs := newTestScheduler(t, fake, 0)
	job := seedJob(t, jobs, "nightly")

	executionID, err := s.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, executionID)

	assert.Equal(t, executionID, waitExecuted(t, fake))

	// the trigger also advanced the job's schedule bookkeeping
	reloaded, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastRunAt)
	assert.NotNil(t, reloaded.NextRunAt)
}

func TestRunNowRejectsOverlap(t *testing.T) {
	fake := newFakeRunner()
	fake.gate = make(chan struct{})
	s, jobs := newTestScheduler(t, fake, 0)
	job := seedJob(t, jobs, "nightly")

	first, err := s.RunNow(context.Background(), job.ID)
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrBusy)

	close(fake.gate)
	assert.Equal(t, first, waitExecuted(t, fake))

	// once the first run drains, the job accepts triggers again
	require.Eventually(t, func() bool {
		_, err := s.RunNow(context.Background(), job.ID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	waitExecuted(t, fake)
}

func TestRunNowPrepareFailureReleasesLock(t *testing.T) {
	fake := newFakeRunner()
	s, jobs := newTestScheduler(t, fake, 0)
	job := seedJob(t, jobs, "nightly")

	fake.mu.Lock()
	fake.prepareErr = errors.New("source gone")
	fake.mu.Unlock()

	_, err := s.RunNow(context.Background(), job.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusy)

	fake.mu.Lock()
	fake.prepareErr = nil
	fake.mu.Unlock()

	_, err = s.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	waitExecuted(t, fake)
}

func TestGlobalSlotGatesExecution(t *testing.T) {
	fake := newFakeRunner()
	fake.gate = make(chan struct{})
	s, jobs := newTestScheduler(t, fake, 1)
	jobA := seedJob(t, jobs, "job-a")
	jobB := seedJob(t, jobs, "job-b")

	// both triggers are admitted immediately
	idA, err := s.RunNow(context.Background(), jobA.ID)
	require.NoError(t, err)
	idB, err := s.RunNow(context.Background(), jobB.ID)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	// with one slot, releasing the gate lets both runs complete in turn
	close(fake.gate)
	got := map[uuid.UUID]bool{waitExecuted(t, fake): true, waitExecuted(t, fake): true}
	assert.True(t, got[idA])
	assert.True(t, got[idB])
}

func TestStartSchedulesEnabledJobs(t *testing.T) {
	fake := newFakeRunner()
	s, jobs := newTestScheduler(t, fake, 0)
	seedJob(t, jobs, "enabled")

	disabled := &db.Job{
		Name:          "disabled",
		SourceID:      uuid.New(),
		DestinationID: uuid.New(),
		Schedule:      "0 3 * * *",
		Enabled:       false,
	}
	require.NoError(t, jobs.Create(context.Background(), disabled))

	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.cron.Jobs(), 1)

	// reload picks up schedule changes without duplicating entries
	require.NoError(t, s.Reload(context.Background()))
	assert.Len(t, s.cron.Jobs(), 1)
}

func TestUpdateJobDisabledRemovesEntry(t *testing.T) {
	fake := newFakeRunner()
	s, jobs := newTestScheduler(t, fake, 0)
	job := seedJob(t, jobs, "nightly")

	require.NoError(t, s.Start(context.Background()))
	require.Len(t, s.cron.Jobs(), 1)

	job.Enabled = false
	require.NoError(t, s.UpdateJob(job))
	assert.Empty(t, s.cron.Jobs())

	job.Enabled = true
	require.NoError(t, s.UpdateJob(job))
	assert.Len(t, s.cron.Jobs(), 1)
}
