package runner

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/codec"
	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeDBAdapter struct {
	dumpData []byte
	dumpErr  error

	mu           sync.Mutex
	restoredPath string
	restoredData []byte
	mapping      dbadapter.RestoreMapping
}

func (f *fakeDBAdapter) ID() string { return "fake" }

func (f *fakeDBAdapter) Test(context.Context, json.RawMessage) error { return nil }

func (f *fakeDBAdapter) DetectVersion(context.Context, json.RawMessage) (string, error) {
	return "1.0", nil
}

func (f *fakeDBAdapter) ListDatabases(context.Context, json.RawMessage) ([]string, error) {
	return []string{"app"}, nil
}

func (f *fakeDBAdapter) Dump(_ context.Context, _ json.RawMessage, destPath string, progress dbadapter.ProgressFunc, log dbadapter.LogFunc) (*dbadapter.DumpResult, error) {
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}
	if err := os.WriteFile(destPath, f.dumpData, 0o600); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	log("info", "dump written")
	return &dbadapter.DumpResult{Path: destPath, Databases: dbadapter.DatabaseSet{Count: 1, Known: true}}, nil
}

func (f *fakeDBAdapter) Restore(_ context.Context, _ json.RawMessage, localPath string, mapping dbadapter.RestoreMapping, _ dbadapter.LogFunc) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.restoredPath = localPath
	f.restoredData = data
	f.mapping = mapping
	f.mu.Unlock()
	return nil
}

// preparingDBAdapter additionally implements target preparation, like the
// postgres and mysql adapters. events records the call order.
type preparingDBAdapter struct {
	fakeDBAdapter
	prepErr error

	prepMu   sync.Mutex
	prepared []string
	events   []string
}

func (f *preparingDBAdapter) PrepareRestore(_ context.Context, _ json.RawMessage, mapping dbadapter.RestoreMapping, _ dbadapter.LogFunc) error {
	f.prepMu.Lock()
	f.events = append(f.events, "prepare")
	f.prepared = append(f.prepared, mapping.TargetNames()...)
	f.prepMu.Unlock()
	return f.prepErr
}

func (f *preparingDBAdapter) Restore(ctx context.Context, raw json.RawMessage, localPath string, mapping dbadapter.RestoreMapping, log dbadapter.LogFunc) error {
	f.prepMu.Lock()
	f.events = append(f.events, "restore")
	f.prepMu.Unlock()
	return f.fakeDBAdapter.Restore(ctx, raw, localPath, mapping, log)
}

// fakeStorage is an in-memory object store.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	modTime map[string]time.Time
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}, modTime: map[string]time.Time{}}
}

func (f *fakeStorage) seed(remotePath string, data []byte, mod time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[remotePath] = data
	f.modTime[remotePath] = mod
}

func (f *fakeStorage) get(remotePath string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[remotePath]
	return data, ok
}

func (f *fakeStorage) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.objects {
		out = append(out, p)
	}
	return out
}

func (f *fakeStorage) ID() string { return "fake" }

func (f *fakeStorage) Test(context.Context, json.RawMessage) error { return nil }

func (f *fakeStorage) Upload(_ context.Context, _ json.RawMessage, localPath, remotePath string, progress storage.ProgressFunc) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.seed(remotePath, data, time.Now().UTC())
	if progress != nil {
		progress(100)
	}
	return nil
}

func (f *fakeStorage) Download(_ context.Context, _ json.RawMessage, remotePath, localPath string) error {
	data, ok := f.get(remotePath)
	if !ok {
		return dkerr.New(dkerr.KindNotFound, "object %s not found", remotePath)
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (f *fakeStorage) Read(_ context.Context, _ json.RawMessage, remotePath string) ([]byte, error) {
	data, ok := f.get(remotePath)
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (f *fakeStorage) Put(_ context.Context, _ json.RawMessage, remotePath string, data []byte) error {
	f.seed(remotePath, data, time.Now().UTC())
	return nil
}

func (f *fakeStorage) List(_ context.Context, _ json.RawMessage, remoteDir string) ([]storage.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.FileInfo
	for p, data := range f.objects {
		if path.Dir(p) != remoteDir {
			continue
		}
		out = append(out, storage.FileInfo{
			Name:         path.Base(p),
			Path:         p,
			Size:         int64(len(data)),
			LastModified: f.modTime[p],
		})
	}
	return out, nil
}

func (f *fakeStorage) Delete(_ context.Context, _ json.RawMessage, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, remotePath)
	delete(f.modTime, remotePath)
	return nil
}

type fakeStorageResolver struct{ adapter storage.Adapter }

func (r fakeStorageResolver) Get(string) (storage.Adapter, error) { return r.adapter, nil }

type fakeDatabaseResolver struct{ adapter dbadapter.Adapter }

func (r fakeDatabaseResolver) Get(string) (dbadapter.Adapter, error) { return r.adapter, nil }

type recordingSink struct {
	mu         sync.Mutex
	executions []*db.Execution
}

func (s *recordingSink) ExecutionFinished(_ context.Context, _ *db.Job, execution *db.Execution) {
	s.mu.Lock()
	s.executions = append(s.executions, execution)
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Fixture
// -----------------------------------------------------------------------------

type fixture struct {
	runner  *Runner
	gormDB  *gorm.DB
	execs   repositories.ExecutionRepository
	source  *db.Source
	dest    *db.Destination
	job     *db.Job
	dump    *fakeDBAdapter
	store   *fakeStorage
	sink    *recordingSink
	tempDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, secrets.Init([]byte("runner-test-master-key")))

	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx := context.Background()
	sources := repositories.NewSourceRepository(gormDB)
	dests := repositories.NewDestinationRepository(gormDB)
	jobs := repositories.NewJobRepository(gormDB)

	source := &db.Source{Name: "Prod DB", Kind: "postgres", Config: db.EncryptedString(`{"host":"db.internal"}`)}
	require.NoError(t, sources.Create(ctx, source))

	dest := &db.Destination{Name: "Disk", Kind: "local", Config: db.EncryptedString(`{"path":"/backups"}`)}
	require.NoError(t, dests.Create(ctx, dest))

	job := &db.Job{
		Name:            "Nightly Backup",
		SourceID:        source.ID,
		DestinationID:   dest.ID,
		Compression:     codec.CompressionGzip,
		Schedule:        "0 2 * * *",
		Enabled:         true,
		RetentionMode:   db.RetentionNone,
		NotifyCondition: db.NotifyAlways,
	}
	require.NoError(t, jobs.Create(ctx, job))

	f := &fixture{
		gormDB:  gormDB,
		execs:   repositories.NewExecutionRepository(gormDB),
		source:  source,
		dest:    dest,
		job:     job,
		dump:    &fakeDBAdapter{dumpData: []byte("-- dump\nCREATE TABLE t (id int);\n")},
		store:   newFakeStorage(),
		sink:    &recordingSink{},
		tempDir: t.TempDir(),
	}
	f.runner = New(Config{
		Logger:       zap.NewNop(),
		TempDir:      f.tempDir,
		Jobs:         jobs,
		Sources:      sources,
		Destinations: dests,
		Profiles:     repositories.NewProfileRepository(gormDB),
		Executions:   f.execs,
		Storage:      fakeStorageResolver{adapter: f.store},
		Databases:    fakeDatabaseResolver{adapter: f.dump},
		Events:       f.sink,
	})
	return f
}

func (f *fixture) tempDirEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestBackupRunSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.runner.PrepareBackup(ctx, f.job.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusRunning, run.Execution.Status)
	require.NotNil(t, run.Execution.StartedAt)

	require.NoError(t, f.runner.Execute(ctx, run))

	execution, err := f.execs.GetByID(ctx, run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, execution.Status)
	assert.NotNil(t, execution.EndedAt)
	assert.Greater(t, execution.SizeBytes, int64(0))
	assert.Contains(t, execution.Metadata, "Single DB")

	var logs []LogEntry
	require.NoError(t, json.Unmarshal([]byte(execution.Logs), &logs))
	assert.NotEmpty(t, logs)

	// artifact path layout and sidecar
	assert.Contains(t, execution.RemotePath, "backups/Nightly_Backup/Nightly_Backup_")
	assert.True(t, len(execution.RemotePath) > 0 && execution.RemotePath[len(execution.RemotePath)-3:] == ".gz")

	artifact, ok := f.store.get(execution.RemotePath)
	require.True(t, ok)
	zr, err := gzip.NewReader(bytes.NewReader(artifact))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, f.dump.dumpData, plain)

	sidecarData, ok := f.store.get(execution.RemotePath + SidecarSuffix)
	require.True(t, ok)
	sidecar, err := ParseSidecar(sidecarData)
	require.NoError(t, err)
	assert.Equal(t, "Nightly Backup", sidecar.JobName)
	assert.Equal(t, "postgres", sidecar.SourceType)
	assert.Equal(t, codec.CompressionGzip, sidecar.Compression)
	assert.Nil(t, sidecar.Encryption)
	assert.False(t, sidecar.Locked)

	// temp file removed, event emitted
	assert.Empty(t, f.tempDirEntries(t))
	require.Len(t, f.sink.executions, 1)
	assert.Equal(t, db.StatusSuccess, f.sink.executions[0].Status)
}

func TestBackupRunDumpFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dump.dumpErr = dkerr.New(dkerr.KindSubprocessFailed, "pg_dump exited with code 1")

	run, err := f.runner.PrepareBackup(ctx, f.job.ID)
	require.NoError(t, err)
	require.Error(t, f.runner.Execute(ctx, run))

	execution, err := f.execs.GetByID(ctx, run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, execution.Status)
	assert.Equal(t, string(dkerr.KindSubprocessFailed), execution.ErrorKind)
	assert.Contains(t, execution.Error, "pg_dump")
	assert.NotNil(t, execution.EndedAt)

	assert.Empty(t, f.store.paths())
	assert.Empty(t, f.tempDirEntries(t))
}

func TestBackupRunEncryptsWithProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, hexKey, err := secrets.GenerateDataKey()
	require.NoError(t, err)
	profiles := repositories.NewProfileRepository(f.gormDB)
	profile := &db.EncryptionProfile{Name: "vault", WrappedKey: db.EncryptedString(hexKey)}
	require.NoError(t, profiles.Create(ctx, profile))

	jobs := repositories.NewJobRepository(f.gormDB)
	f.job.ProfileID = &profile.ID
	f.job.Compression = codec.CompressionNone
	require.NoError(t, jobs.Update(ctx, f.job))

	run, err := f.runner.PrepareBackup(ctx, f.job.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.Execute(ctx, run))

	execution, err := f.execs.GetByID(ctx, run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, execution.Status)
	assert.Contains(t, execution.RemotePath, ".sql.enc")

	sidecarData, ok := f.store.get(execution.RemotePath + SidecarSuffix)
	require.True(t, ok)
	sidecar, err := ParseSidecar(sidecarData)
	require.NoError(t, err)
	require.NotNil(t, sidecar.Encryption)
	assert.Equal(t, profile.ID.String(), sidecar.Encryption.ProfileID)
	assert.NotEmpty(t, sidecar.Encryption.IV)
	assert.NotEmpty(t, sidecar.Encryption.AuthTag)
	assert.Contains(t, sidecar.Encryption.OriginalName, ".sql")

	// ciphertext round-trips with the profile key and the sidecar material
	ciphertext, ok := f.store.get(execution.RemotePath)
	require.True(t, ok)
	assert.NotEqual(t, f.dump.dumpData, ciphertext)

	dir := t.TempDir()
	src := filepath.Join(dir, "artifact.enc")
	dst := filepath.Join(dir, "artifact.sql")
	require.NoError(t, os.WriteFile(src, ciphertext, 0o600))
	key, err := secrets.ParseHexKey(hexKey)
	require.NoError(t, err)
	require.NoError(t, codec.DecryptFile(src, dst, key, sidecar.Encryption.IV, sidecar.Encryption.AuthTag))
	plain, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, f.dump.dumpData, plain)
}

func TestBackupRunRetentionPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobs := repositories.NewJobRepository(f.gormDB)
	f.job.RetentionMode = db.RetentionSimple
	f.job.KeepCount = 1
	require.NoError(t, jobs.Update(ctx, f.job))

	// two stale artifacts, one pinned by its sidecar
	folder := "backups/Nightly_Backup"
	lockedSidecar, err := json.Marshal(Sidecar{JobName: "Nightly Backup", Locked: true})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	f.store.seed(folder+"/old_locked.sql.gz", []byte("locked"), old)
	f.store.seed(folder+"/old_locked.sql.gz"+SidecarSuffix, lockedSidecar, old)
	f.store.seed(folder+"/old_plain.sql.gz", []byte("plain"), old.Add(-time.Hour))
	f.store.seed(folder+"/old_plain.sql.gz"+SidecarSuffix, []byte(`{"locked":false}`), old.Add(-time.Hour))

	run, err := f.runner.PrepareBackup(ctx, f.job.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.Execute(ctx, run))

	execution, err := f.execs.GetByID(ctx, run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, execution.Status)

	remaining := f.store.paths()
	assert.Contains(t, remaining, execution.RemotePath)
	assert.Contains(t, remaining, folder+"/old_locked.sql.gz")
	assert.NotContains(t, remaining, folder+"/old_plain.sql.gz")
	assert.NotContains(t, remaining, folder+"/old_plain.sql.gz"+SidecarSuffix)
}

func TestRestoreRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// seed a gzip artifact with its sidecar
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(f.dump.dumpData)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	remotePath := "backups/Nightly_Backup/Nightly_Backup_2026-01-10T02-00-00Z.sql.gz"
	sidecar, err := json.Marshal(Sidecar{JobName: "Nightly Backup", Compression: codec.CompressionGzip})
	require.NoError(t, err)
	f.store.seed(remotePath, buf.Bytes(), time.Now().UTC())
	f.store.seed(remotePath+SidecarSuffix, sidecar, time.Now().UTC())

	mapping := dbadapter.RestoreMapping{"app": {TargetName: "app_restored", Selected: true}}
	run, err := f.runner.PrepareRestore(ctx, f.job.ID, RestoreOptions{RemotePath: remotePath, Mapping: mapping})
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionRestore, run.Execution.Kind)

	require.NoError(t, f.runner.Execute(ctx, run))

	execution, err := f.execs.GetByID(ctx, run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, execution.Status)

	// the adapter received the decompressed stream and the mapping
	assert.Equal(t, f.dump.dumpData, f.dump.restoredData)
	assert.NotContains(t, f.dump.restoredPath, ".gz")
	assert.Equal(t, mapping, f.dump.mapping)
	assert.Empty(t, f.tempDirEntries(t))
}

func TestRestoreRunPreparesTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adapter := &preparingDBAdapter{fakeDBAdapter: fakeDBAdapter{}}
	f.runner.cfg.Databases = fakeDatabaseResolver{adapter: adapter}

	remotePath := "backups/Nightly_Backup/Nightly_Backup_2026-01-10T02-00-00Z.sql"
	f.store.seed(remotePath, []byte("-- dump\n"), time.Now().UTC())

	mapping := dbadapter.RestoreMapping{
		"app":     {TargetName: "app_restored", Selected: true},
		"scratch": {Selected: false},
	}
	run, err := f.runner.PrepareRestore(ctx, f.job.ID, RestoreOptions{RemotePath: remotePath, Mapping: mapping})
	require.NoError(t, err)
	require.NoError(t, f.runner.Execute(ctx, run))

	// selected targets are created before the replay starts
	assert.Equal(t, []string{"prepare", "restore"}, adapter.events)
	assert.Equal(t, []string{"app_restored"}, adapter.prepared)
}

func TestRestoreRunPrepareFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adapter := &preparingDBAdapter{
		prepErr: dkerr.New(dkerr.KindAuthDenied, "psql denied access"),
	}
	f.runner.cfg.Databases = fakeDatabaseResolver{adapter: adapter}

	remotePath := "backups/Nightly_Backup/Nightly_Backup_2026-01-10T02-00-00Z.sql"
	f.store.seed(remotePath, []byte("-- dump\n"), time.Now().UTC())

	run, err := f.runner.PrepareRestore(ctx, f.job.ID, RestoreOptions{
		RemotePath: remotePath,
		Mapping:    dbadapter.RestoreMapping{"app": {TargetName: "app2", Selected: true}},
	})
	require.NoError(t, err)
	require.Error(t, f.runner.Execute(ctx, run))

	execution, err := f.execs.GetByID(ctx, run.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, execution.Status)
	assert.Equal(t, string(dkerr.KindAuthDenied), execution.ErrorKind)
	assert.NotContains(t, adapter.events, "restore")
}

func TestPrepareBackupUnknownJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.runner.PrepareBackup(ctx, uuid.New())
	require.Error(t, err)

	// a rejected trigger leaves no execution row behind
	_, total, err := f.execs.List(ctx, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPrepareRestoreRequiresRemotePath(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.PrepareRestore(context.Background(), f.job.ID, RestoreOptions{})
	require.Error(t, err)
	assert.Equal(t, dkerr.KindConfigInvalid, dkerr.KindOf(err))
}

func TestProgressLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.runner.PrepareBackup(ctx, f.job.ID)
	require.NoError(t, err)

	// not tracked until Execute starts
	_, ok := f.runner.Progress(run.Execution.ID)
	assert.False(t, ok)

	f.runner.track(run)
	run.setStage("dump")
	run.stageProgress(50)

	p, ok := f.runner.Progress(run.Execution.ID)
	require.True(t, ok)
	assert.Equal(t, "dump", p.Stage)
	assert.InDelta(t, 25.0, p.Percent, 0.01) // dump covers [0,50)

	require.NoError(t, f.runner.Execute(ctx, run))

	// finished runs are no longer tracked
	_, ok = f.runner.Progress(run.Execution.ID)
	assert.False(t, ok)
}

func TestSidecarDatabaseCountRoundTrip(t *testing.T) {
	// all-database dumps carry the "All" marker instead of a number
	data, err := json.Marshal(Sidecar{
		Databases: SidecarDatabases{Count: DatabaseCount{All: true}, Label: "All DBs"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":"All"`)

	sc, err := ParseSidecar(data)
	require.NoError(t, err)
	assert.True(t, sc.Databases.Count.All)

	data, err = json.Marshal(Sidecar{
		Databases: SidecarDatabases{Count: DatabaseCount{N: 3}, Label: "3 DBs"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":3`)

	sc, err = ParseSidecar(data)
	require.NoError(t, err)
	assert.Equal(t, 3, sc.Databases.Count.N)
	assert.False(t, sc.Databases.Count.All)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Nightly_Backup", SanitizeName("Nightly Backup"))
	assert.Equal(t, "prod_db__eu_west_", SanitizeName("prod-db (eu/west)"))
	assert.Equal(t, "plain", SanitizeName("plain"))
}
