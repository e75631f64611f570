package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
)

// -----------------------------------------------------------------------------
// Renderer
// -----------------------------------------------------------------------------

func TestRenderBackupSuccess(t *testing.T) {
	p := Render(Event{
		Type:        EventBackupSuccess,
		JobName:     "Nightly",
		SourceName:  "Prod DB",
		ExecutionID: "abc-123",
		SizeBytes:   5 * 1024 * 1024,
		Duration:    95 * time.Second,
	})

	assert.True(t, p.Success)
	assert.Equal(t, colorSuccess, p.Color)
	assert.Contains(t, p.Title, "Nightly")

	names := map[string]string{}
	for _, f := range p.Fields {
		names[f.Name] = f.Value
	}
	assert.Equal(t, "Prod DB", names["Source"])
	assert.Equal(t, "5.0 MiB", names["Size"])
	assert.Equal(t, "1m35s", names["Duration"])
	assert.Equal(t, "abc-123", names["Execution"])
}

func TestRenderBackupFailure(t *testing.T) {
	p := Render(Event{Type: EventBackupFailure, JobName: "Nightly", Error: "pg_dump exited with code 1"})

	assert.False(t, p.Success)
	assert.Equal(t, colorFailure, p.Color)
	assert.Contains(t, p.Message, "pg_dump exited with code 1")
}

func TestRenderDetailsStableOrder(t *testing.T) {
	ev := Event{
		Type:            EventStorageUsageSpike,
		DestinationName: "Disk",
		Details:         map[string]string{"Previous": "1 GiB", "Current": "3 GiB", "Change": "+200%"},
	}
	first := Render(ev)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Render(ev))
	}
	assert.Equal(t, colorWarning, first.Color)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 GiB", formatBytes(3*512*1024*1024))
}

func TestHexColorInt(t *testing.T) {
	assert.Equal(t, 0x2ecc71, hexColorInt("#2ecc71"))
	assert.Equal(t, 0xe74c3c, hexColorInt("e74c3c"))
}

// -----------------------------------------------------------------------------
// Dispatcher
// -----------------------------------------------------------------------------

type capture struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(body))
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	channels   repositories.ChannelRepository
	jobs       repositories.JobRepository
	logs       repositories.NotificationLogRepository
	settings   repositories.SettingsRepository
	job        *db.Job
	channel    *db.Channel
}

func newDispatcherFixture(t *testing.T, endpoint string) *dispatcherFixture {
	t.Helper()
	require.NoError(t, secrets.Init([]byte("notify-test-master-key")))

	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx := context.Background()
	f := &dispatcherFixture{
		channels: repositories.NewChannelRepository(gormDB),
		jobs:     repositories.NewJobRepository(gormDB),
		logs:     repositories.NewNotificationLogRepository(gormDB),
		settings: repositories.NewSettingsRepository(gormDB),
	}

	f.channel = &db.Channel{
		Name:   "ops hook",
		Kind:   "generic-webhook",
		Config: db.EncryptedString(fmt.Sprintf(`{"url":%q}`, endpoint)),
	}
	require.NoError(t, f.channels.Create(ctx, f.channel))

	f.job = &db.Job{
		Name:            "Nightly",
		SourceID:        f.channel.ID, // any uuid, not resolved by the dispatcher
		DestinationID:   f.channel.ID,
		Schedule:        "0 2 * * *",
		NotifyCondition: db.NotifyAlways,
	}
	require.NoError(t, f.jobs.Create(ctx, f.job))
	require.NoError(t, f.jobs.SetChannels(ctx, f.job.ID, []uuid.UUID{f.channel.ID}))

	f.dispatcher = New(Config{
		Channels: f.channels,
		Jobs:     f.jobs,
		Logs:     f.logs,
		Settings: f.settings,
		Logger:   zap.NewNop(),
	})
	return f
}

func successExecution(job *db.Job) *db.Execution {
	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()
	e := &db.Execution{
		JobID:     &job.ID,
		Kind:      db.ExecutionBackup,
		Status:    db.StatusSuccess,
		StartedAt: &started,
		EndedAt:   &ended,
		SizeBytes: 1024,
	}
	e.ID = uuid.New()
	return e
}

func TestDispatcherDeliversToJobChannels(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(cap.handler())
	defer server.Close()

	f := newDispatcherFixture(t, server.URL)
	ctx := context.Background()

	f.dispatcher.ExecutionFinished(ctx, f.job, successExecution(f.job))

	require.Equal(t, 1, cap.count())
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(cap.bodies[0]), &body))
	assert.Contains(t, body["title"], "Nightly")
	assert.Equal(t, true, body["success"])

	rows, total, err := f.logs.ListByChannel(ctx, f.channel.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, db.StatusSuccess, rows[0].Status)
	assert.Equal(t, string(EventBackupSuccess), rows[0].EventType)
}

func TestDispatcherRespectsNotifyCondition(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(cap.handler())
	defer server.Close()

	f := newDispatcherFixture(t, server.URL)
	ctx := context.Background()

	f.job.NotifyCondition = db.NotifyFailureOnly
	f.dispatcher.ExecutionFinished(ctx, f.job, successExecution(f.job))
	assert.Zero(t, cap.count())

	failed := successExecution(f.job)
	failed.Status = db.StatusFailed
	failed.Error = "dump failed"
	f.dispatcher.ExecutionFinished(ctx, f.job, failed)
	require.Equal(t, 1, cap.count())
	assert.Contains(t, cap.bodies[0], "dump failed")
}

func TestDispatcherRecordsDeliveryFailure(t *testing.T) {
	cap := &capture{status: http.StatusInternalServerError}
	server := httptest.NewServer(cap.handler())
	defer server.Close()

	f := newDispatcherFixture(t, server.URL)
	ctx := context.Background()

	// the failure is swallowed, only the log row carries it
	f.dispatcher.ExecutionFinished(ctx, f.job, successExecution(f.job))

	rows, total, err := f.logs.ListByChannel(ctx, f.channel.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, db.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Error, "500")
}

func TestDispatchSystemUsesConfiguredChannels(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(cap.handler())
	defer server.Close()

	f := newDispatcherFixture(t, server.URL)
	ctx := context.Background()

	// nothing configured: silently no-op
	f.dispatcher.DispatchSystem(ctx, Event{Type: EventStorageLimitWarning, DestinationName: "Disk"})
	assert.Zero(t, cap.count())

	require.NoError(t, f.settings.Set(ctx, KeySystemChannels, f.channel.ID.String()))
	f.dispatcher.DispatchSystem(ctx, Event{Type: EventStorageLimitWarning, DestinationName: "Disk"})
	require.Equal(t, 1, cap.count())
	assert.Contains(t, cap.bodies[0], "Disk")

	rows, _, err := f.logs.ListByChannel(ctx, f.channel.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, string(EventStorageLimitWarning), rows[0].EventType)
}

func TestDispatcherUnknownChannelKindRecorded(t *testing.T) {
	f := newDispatcherFixture(t, "http://unused.invalid")
	ctx := context.Background()

	bogus := &db.Channel{Name: "pager", Kind: "carrier-pigeon", Config: db.EncryptedString(`{}`)}
	require.NoError(t, f.channels.Create(ctx, bogus))
	require.NoError(t, f.jobs.SetChannels(ctx, f.job.ID, []uuid.UUID{bogus.ID}))

	f.dispatcher.ExecutionFinished(ctx, f.job, successExecution(f.job))

	rows, total, err := f.logs.ListByChannel(ctx, bogus.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, db.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Error, "unknown channel kind")
}
