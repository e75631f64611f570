package alerts

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/notify"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeAdapter struct {
	mu    sync.Mutex
	files []storage.FileInfo
}

func (a *fakeAdapter) setFiles(files []storage.FileInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = files
}

func (a *fakeAdapter) ID() string { return "fake" }

func (a *fakeAdapter) Test(context.Context, json.RawMessage) error { return nil }

func (a *fakeAdapter) Upload(context.Context, json.RawMessage, string, string, storage.ProgressFunc) error {
	return nil
}

func (a *fakeAdapter) Download(context.Context, json.RawMessage, string, string) error { return nil }

func (a *fakeAdapter) Read(context.Context, json.RawMessage, string) ([]byte, error) {
	return nil, nil
}

func (a *fakeAdapter) Put(context.Context, json.RawMessage, string, []byte) error { return nil }

func (a *fakeAdapter) List(context.Context, json.RawMessage, string) ([]storage.FileInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.FileInfo(nil), a.files...), nil
}

func (a *fakeAdapter) Delete(context.Context, json.RawMessage, string) error { return nil }

type fakeResolver struct {
	adapter *fakeAdapter
}

func (r *fakeResolver) Get(string) (storage.Adapter, error) { return r.adapter, nil }

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) DispatchSystem(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) countByType(t notify.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if ev.Type == t {
			count++
		}
	}
	return count
}

// -----------------------------------------------------------------------------
// Fixture
// -----------------------------------------------------------------------------

type fixture struct {
	monitor   *Monitor
	dest      *db.Destination
	adapter   *fakeAdapter
	notifier  *recordingNotifier
	snapshots repositories.SnapshotRepository
	states    repositories.AlertStateRepository
	settings  repositories.SettingsRepository
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, secrets.Init([]byte("alerts-test-master-key")))

	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx := context.Background()
	destinations := repositories.NewDestinationRepository(gormDB)
	jobs := repositories.NewJobRepository(gormDB)

	f := &fixture{
		adapter:   &fakeAdapter{},
		notifier:  &recordingNotifier{},
		snapshots: repositories.NewSnapshotRepository(gormDB),
		states:    repositories.NewAlertStateRepository(gormDB),
		settings:  repositories.NewSettingsRepository(gormDB),
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.dest = &db.Destination{Name: "Disk", Kind: "fake", Config: db.EncryptedString(`{}`)}
	require.NoError(t, destinations.Create(ctx, f.dest))

	job := &db.Job{
		Name:            "Nightly",
		SourceID:        uuid.New(),
		DestinationID:   f.dest.ID,
		Schedule:        "0 2 * * *",
		NotifyCondition: db.NotifyAlways,
	}
	require.NoError(t, jobs.Create(ctx, job))

	f.monitor = New(Config{
		Logger:       zap.NewNop(),
		Destinations: destinations,
		Jobs:         jobs,
		Snapshots:    f.snapshots,
		States:       f.states,
		Settings:     f.settings,
		Storage:      &fakeResolver{adapter: f.adapter},
		Notifier:     f.notifier,
	})
	f.monitor.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) seedSnapshot(t *testing.T, capturedAt time.Time, size int64, count int) {
	t.Helper()
	require.NoError(t, f.snapshots.Create(context.Background(), &db.StorageSnapshot{
		DestinationID: f.dest.ID,
		TotalSize:     size,
		FileCount:     int64(count),
		CapturedAt:    capturedAt,
	}))
}

func artifact(name string, size int64) storage.FileInfo {
	return storage.FileInfo{Name: name, Path: "backups/Nightly/" + name, Size: size}
}

// -----------------------------------------------------------------------------
// Collector
// -----------------------------------------------------------------------------

func TestSweepCapturesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.setFiles([]storage.FileInfo{
		artifact("a.sql.gz", 100),
		artifact("a.sql.gz.meta.json", 20),
		artifact("b.sql.gz", 50),
	})
	f.monitor.Sweep(ctx)

	snaps, err := f.snapshots.ListByDestination(ctx, f.dest.ID, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.EqualValues(t, 170, snaps[0].TotalSize)
	assert.EqualValues(t, 2, snaps[0].FileCount)
	assert.WithinDuration(t, f.clock, snaps[0].CapturedAt, time.Second)
}

// -----------------------------------------------------------------------------
// Spike rule
// -----------------------------------------------------------------------------

func TestSpikeFiresOnLargeChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 1<<20)})
	f.monitor.Sweep(ctx)
	assert.Zero(t, f.notifier.countByType(notify.EventStorageUsageSpike))

	f.advance(time.Hour)
	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 3<<20)})
	f.monitor.Sweep(ctx)
	require.Equal(t, 1, f.notifier.countByType(notify.EventStorageUsageSpike))

	last := f.notifier.events[len(f.notifier.events)-1]
	assert.Equal(t, "Disk", last.DestinationName)
	assert.Equal(t, "+200%", last.Details["Change"])

	// size settles: the condition resolves and the state resets
	f.advance(time.Hour)
	f.monitor.Sweep(ctx)
	assert.Equal(t, 1, f.notifier.countByType(notify.EventStorageUsageSpike))

	state, err := f.states.Get(ctx, f.dest.ID, db.AlertUsageSpike)
	require.NoError(t, err)
	assert.False(t, state.Active)
}

func TestSpikeNeedsHistory(t *testing.T) {
	active, _ := spikeCondition([]db.StorageSnapshot{{TotalSize: 500}}, DefaultSpikePercent)
	assert.False(t, active)

	// zero previous size cannot produce a ratio
	active, _ = spikeCondition([]db.StorageSnapshot{{TotalSize: 500}, {TotalSize: 0}}, DefaultSpikePercent)
	assert.False(t, active)
}

// -----------------------------------------------------------------------------
// Limit rule with de-duplication timeline
// -----------------------------------------------------------------------------

func TestLimitAlertDedupTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.settings.Set(ctx, KeySpikeEnabled, "false"))
	require.NoError(t, f.settings.Set(ctx, KeyMissingEnabled, "false"))
	require.NoError(t, f.settings.Set(ctx, KeyLimitBytesPrefix+f.dest.ID.String(), "1000"))

	// crossing 90% fires once
	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 950)})
	f.monitor.Sweep(ctx)
	assert.Equal(t, 1, f.notifier.countByType(notify.EventStorageLimitWarning))

	// still above 30 minutes later: suppressed by the active state
	f.advance(30 * time.Minute)
	f.monitor.Sweep(ctx)
	assert.Equal(t, 1, f.notifier.countByType(notify.EventStorageLimitWarning))

	// past the 24h cooldown: one reminder
	f.advance(25 * time.Hour)
	f.monitor.Sweep(ctx)
	assert.Equal(t, 2, f.notifier.countByType(notify.EventStorageLimitWarning))

	// falls below the threshold: state resets, no notification
	f.advance(time.Hour)
	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 100)})
	f.monitor.Sweep(ctx)
	assert.Equal(t, 2, f.notifier.countByType(notify.EventStorageLimitWarning))

	state, err := f.states.Get(ctx, f.dest.ID, db.AlertLimitWarning)
	require.NoError(t, err)
	assert.False(t, state.Active)

	// re-crossing fires again immediately
	f.advance(time.Hour)
	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 950)})
	f.monitor.Sweep(ctx)
	assert.Equal(t, 3, f.notifier.countByType(notify.EventStorageLimitWarning))
}

func TestLimitSkippedWithoutConfiguredLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 1<<40)})
	f.monitor.Sweep(ctx)
	assert.Zero(t, f.notifier.countByType(notify.EventStorageLimitWarning))
}

// -----------------------------------------------------------------------------
// Missing-backup rule
// -----------------------------------------------------------------------------

func TestMissingBackupFiresAndResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	files := []storage.FileInfo{
		artifact("a.sql.gz", 20), artifact("b.sql.gz", 20), artifact("c.sql.gz", 20),
		artifact("d.sql.gz", 20), artifact("e.sql.gz", 20),
	}
	f.adapter.setFiles(files)
	f.seedSnapshot(t, f.clock.Add(-50*time.Hour), 100, 5)
	f.seedSnapshot(t, f.clock.Add(-40*time.Hour), 100, 5)

	// file count static for 50h with a 48h threshold
	f.monitor.Sweep(ctx)
	require.Equal(t, 1, f.notifier.countByType(notify.EventStorageMissingBackup))

	// a new artifact lands: the count changes and the condition resolves
	f.advance(time.Hour)
	f.adapter.setFiles(append(files, artifact("f.sql.gz", 20)))
	f.monitor.Sweep(ctx)
	assert.Equal(t, 1, f.notifier.countByType(notify.EventStorageMissingBackup))

	state, err := f.states.Get(ctx, f.dest.ID, db.AlertMissingBackup)
	require.NoError(t, err)
	assert.False(t, state.Active)
}

// -----------------------------------------------------------------------------
// Disable-while-active
// -----------------------------------------------------------------------------

func TestDisableWhileActiveResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.settings.Set(ctx, KeySpikeEnabled, "false"))
	require.NoError(t, f.settings.Set(ctx, KeyMissingEnabled, "false"))
	require.NoError(t, f.settings.Set(ctx, KeyLimitBytesPrefix+f.dest.ID.String(), "1000"))

	f.adapter.setFiles([]storage.FileInfo{artifact("a.sql.gz", 950)})
	f.monitor.Sweep(ctx)
	require.Equal(t, 1, f.notifier.countByType(notify.EventStorageLimitWarning))

	require.NoError(t, f.settings.Set(ctx, KeyLimitEnabled, "false"))
	f.advance(48 * time.Hour)
	f.monitor.Sweep(ctx)
	assert.Equal(t, 1, f.notifier.countByType(notify.EventStorageLimitWarning))

	state, err := f.states.Get(ctx, f.dest.ID, db.AlertLimitWarning)
	require.NoError(t, err)
	assert.False(t, state.Active)
}

// -----------------------------------------------------------------------------
// Thresholds
// -----------------------------------------------------------------------------

func TestLoadThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th := f.monitor.loadThresholds(ctx)
	assert.Equal(t, DefaultSpikePercent, th.spikePercent)
	assert.Equal(t, DefaultMissingHours, th.missingHours)
	assert.True(t, th.spikeEnabled)
	assert.True(t, th.limitEnabled)
	assert.True(t, th.missingEnabled)
	assert.Empty(t, th.limits)

	require.NoError(t, f.settings.Set(ctx, KeySpikePercent, "25"))
	require.NoError(t, f.settings.Set(ctx, KeyMissingHours, "12"))
	require.NoError(t, f.settings.Set(ctx, KeyMissingEnabled, "false"))
	require.NoError(t, f.settings.Set(ctx, KeyLimitBytesPrefix+f.dest.ID.String(), "5000"))

	th = f.monitor.loadThresholds(ctx)
	assert.Equal(t, 25.0, th.spikePercent)
	assert.Equal(t, 12.0, th.missingHours)
	assert.False(t, th.missingEnabled)
	assert.EqualValues(t, 5000, th.limits[f.dest.ID.String()])

	// malformed values fall back to defaults
	require.NoError(t, f.settings.Set(ctx, KeySpikePercent, "lots"))
	th = f.monitor.loadThresholds(ctx)
	assert.Equal(t, DefaultSpikePercent, th.spikePercent)
}
