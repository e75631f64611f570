package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/notify"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
	"github.com/dumpkeep-io/dumpkeep/internal/scheduler"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
	"github.com/dumpkeep-io/dumpkeep/internal/websocket"
)

// Raw tokens seeded into the fixture. Only their hashes are stored.
const (
	adminToken = "dk_test_admin_token"
	readToken  = "dk_test_read_token"
	execToken  = "dk_test_exec_token"
)

type fixture struct {
	t      *testing.T
	router http.Handler

	sources      repositories.SourceRepository
	destinations repositories.DestinationRepository
	jobs         repositories.JobRepository
	settings     repositories.SettingsRepository
	limiter      *RateLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, secrets.Init([]byte("api-test-master-key")))

	logger := zap.NewNop()
	gdb, err := db.New(db.Config{DSN: ":memory:", Logger: logger})
	require.NoError(t, err)

	keys := repositories.NewAPIKeyRepository(gdb)
	sources := repositories.NewSourceRepository(gdb)
	destinations := repositories.NewDestinationRepository(gdb)
	channels := repositories.NewChannelRepository(gdb)
	profiles := repositories.NewProfileRepository(gdb)
	jobs := repositories.NewJobRepository(gdb)
	executions := repositories.NewExecutionRepository(gdb)
	snapshots := repositories.NewSnapshotRepository(gdb)
	settings := repositories.NewSettingsRepository(gdb)
	notifLogs := repositories.NewNotificationLogRepository(gdb)

	storageReg := storage.NewRegistry()
	dbReg := dbadapter.NewRegistry()

	dispatcher := notify.New(notify.Config{
		Channels: channels,
		Jobs:     jobs,
		Logs:     notifLogs,
		Settings: settings,
		Logger:   logger,
	})

	run := runner.New(runner.Config{
		Logger:       logger,
		TempDir:      t.TempDir(),
		Jobs:         jobs,
		Sources:      sources,
		Destinations: destinations,
		Profiles:     profiles,
		Executions:   executions,
		Storage:      storageReg,
		Databases:    dbReg,
	})

	sched, err := scheduler.New(scheduler.Config{Logger: logger, Jobs: jobs, Runner: run})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop() })

	hub := websocket.NewHub()
	limiter := NewRateLimiter(settings, logger)

	router := NewRouter(RouterConfig{
		Logger:          logger,
		Keys:            keys,
		Sources:         sources,
		Destinations:    destinations,
		Channels:        channels,
		Profiles:        profiles,
		Jobs:            jobs,
		Executions:      executions,
		Snapshots:       snapshots,
		Settings:        settings,
		Scheduler:       sched,
		Runner:          run,
		Hub:             hub,
		Dispatcher:      dispatcher,
		Limiter:         limiter,
		StorageAdapters: storageReg,
		DBAdapters:      dbReg,
	})

	for _, seed := range []struct {
		name, token, caps string
	}{
		{"admin", adminToken, CapAdmin},
		{"reader", readToken, CapJobsRead},
		{"operator", execToken, CapJobsRead + " " + CapJobsExecute},
	} {
		require.NoError(t, keys.Create(context.Background(), &db.APIKey{
			Name:         seed.name,
			TokenHash:    HashToken(seed.token),
			Capabilities: seed.caps,
		}))
	}

	return &fixture{
		t:            t,
		router:       router,
		sources:      sources,
		destinations: destinations,
		jobs:         jobs,
		settings:     settings,
		limiter:      limiter,
	}
}

// do performs one request against the router. A non-empty token is sent as a
// Bearer header; body is JSON-encoded when non-nil.
func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:55000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// data decodes the "data" member of an envelope response into a generic map.
func data(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Data
}

func TestHashToken(t *testing.T) {
	h := HashToken("dk_abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("dk_abc"))
	assert.NotEqual(t, h, HashToken("dk_abd"))
}

func TestHealthzIsOpen(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsIsOpen(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dumpkeep_")
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownTokenRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/jobs", "dk_never_issued", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadKeyCannotMutate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/sources", readToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sources", readToken, map[string]any{
		"name":   "prod",
		"kind":   "postgres",
		"config": map[string]any{"host": "localhost"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSourceCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/sources", adminToken, map[string]any{
		"name":   "prod-postgres",
		"kind":   "postgres",
		"config": map[string]any{"host": "db.internal", "port": 5432},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := data(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "prod-postgres", created["name"])
	// Config is write-only.
	assert.NotContains(t, created, "config")

	rec = f.do(http.MethodGet, "/api/v1/sources/"+id, readToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "postgres", data(t, rec)["kind"])

	name := "renamed"
	rec = f.do(http.MethodPatch, "/api/v1/sources/"+id, adminToken, map[string]any{"name": name})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, name, data(t, rec)["name"])

	rec = f.do(http.MethodDelete, "/api/v1/sources/"+id, adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/sources/"+id, readToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourceCreateRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/sources", adminToken, map[string]any{
		"name":   "x",
		"kind":   "oracle",
		"config": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// seedJob creates a source, destination, and job directly through the
// repositories and returns the job id.
func (f *fixture) seedJob() string {
	f.t.Helper()

	source := &db.Source{Name: "pg", Kind: "postgres", Config: db.EncryptedString(`{"host":"localhost"}`)}
	require.NoError(f.t, f.sources.Create(context.Background(), source))
	destination := &db.Destination{Name: "disk", Kind: "local", Config: db.EncryptedString(`{"basePath":"/tmp"}`)}
	require.NoError(f.t, f.destinations.Create(context.Background(), destination))

	job := &db.Job{
		Name:          "nightly",
		SourceID:      source.ID,
		DestinationID: destination.ID,
		Schedule:      "0 3 * * *",
		Enabled:       true,
	}
	require.NoError(f.t, f.jobs.Create(context.Background(), job))
	return job.ID.String()
}

func TestJobCreateValidatesSchedule(t *testing.T) {
	f := newFixture(t)

	source := &db.Source{Name: "pg", Kind: "postgres", Config: db.EncryptedString(`{}`)}
	require.NoError(t, f.sources.Create(context.Background(), source))
	destination := &db.Destination{Name: "disk", Kind: "local", Config: db.EncryptedString(`{}`)}
	require.NoError(t, f.destinations.Create(context.Background(), destination))

	rec := f.do(http.MethodPost, "/api/v1/jobs", adminToken, map[string]any{
		"name":           "bad",
		"source_id":      source.ID.String(),
		"destination_id": destination.ID.String(),
		"schedule":       "every day at noon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobCreateAndGetWithChannels(t *testing.T) {
	f := newFixture(t)

	source := &db.Source{Name: "pg", Kind: "postgres", Config: db.EncryptedString(`{}`)}
	require.NoError(t, f.sources.Create(context.Background(), source))
	destination := &db.Destination{Name: "disk", Kind: "local", Config: db.EncryptedString(`{}`)}
	require.NoError(t, f.destinations.Create(context.Background(), destination))

	rec := f.do(http.MethodPost, "/api/v1/jobs", adminToken, map[string]any{
		"name":           "nightly",
		"source_id":      source.ID.String(),
		"destination_id": destination.ID.String(),
		"schedule":       "30 2 * * *",
		"compression":    "gzip",
		"retention": map[string]any{
			"mode":       "SIMPLE",
			"keep_count": 14,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := data(t, rec)
	assert.Equal(t, "gzip", created["compression"])
	assert.NotNil(t, created["next_run_at"])

	rec = f.do(http.MethodGet, "/api/v1/jobs/"+created["id"].(string), readToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := data(t, rec)
	retention := got["retention"].(map[string]any)
	assert.Equal(t, "SIMPLE", retention["mode"])
	assert.Equal(t, float64(14), retention["keep_count"])
}

func TestJobRunRequiresExecuteCapability(t *testing.T) {
	f := newFixture(t)
	id := f.seedJob()

	rec := f.do(http.MethodPost, "/api/v1/jobs/"+id+"/run", readToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestJobRunAccepted(t *testing.T) {
	f := newFixture(t)
	id := f.seedJob()

	rec := f.do(http.MethodPost, "/api/v1/jobs/"+id+"/run", execToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, data(t, rec)["execution_id"])
}

func TestJobRunUnknownJob(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/jobs/0e4a4dbb-0000-0000-0000-000000000000/run", execToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestoreRequiresRemotePath(t *testing.T) {
	f := newFixture(t)
	id := f.seedJob()

	rec := f.do(http.MethodPost, "/api/v1/jobs/"+id+"/restore", execToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/apikeys", adminToken, map[string]any{
		"name":         "ci",
		"capabilities": []string{CapJobsRead},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := data(t, rec)
	token := created["token"].(string)
	assert.True(t, len(token) > len(tokenPrefix))

	// The fresh token authenticates with its granted capability only.
	rec = f.do(http.MethodGet, "/api/v1/jobs", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, "/api/v1/jobs/"+f.seedJob()+"/run", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Revocation is immediate.
	rec = f.do(http.MethodDelete, "/api/v1/apikeys/"+created["id"].(string), adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/jobs", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyCreateRejectsUnknownCapability(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/apikeys", adminToken, map[string]any{
		"name":         "x",
		"capabilities": []string{"superuser"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsRoundTripAndRateLimitReload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/v1/settings", adminToken, map[string]any{
		"key":   "ratelimit.read",
		"value": "2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/settings?prefix=ratelimit.", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := data(t, rec)["settings"].(map[string]any)
	assert.Equal(t, "2", settings["ratelimit.read"])

	// The lowered read limit applies immediately: burst of 2, third denied.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/jobs", readToken, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/jobs", readToken, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/api/v1/jobs", readToken, nil).Code)
}

func TestRateLimiterIsolatesClasses(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.settings.Set(context.Background(), "ratelimit.read", "1"))
	f.limiter.Reload(context.Background())

	assert.True(t, f.limiter.Allow(ClassRead, "10.0.0.1"))
	assert.False(t, f.limiter.Allow(ClassRead, "10.0.0.1"))
	// Other IPs and classes keep their own buckets.
	assert.True(t, f.limiter.Allow(ClassRead, "10.0.0.2"))
	assert.True(t, f.limiter.Allow(ClassMutate, "10.0.0.1"))
}

func TestProfileCreateGeneratesKeyServerSide(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/profiles", adminToken, map[string]any{
		"name":        "vault",
		"description": "offsite artifacts",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := data(t, rec)
	assert.Equal(t, "vault", created["name"])
	// The wrapped key never appears in responses.
	assert.NotContains(t, created, "wrapped_key")
	assert.NotContains(t, created, "key")
}

func TestProfileImportKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/profiles", adminToken, map[string]any{
		"name": "imported",
		"key":  strings.Repeat("ab", 32),
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/profiles", adminToken, map[string]any{
		"name": "short-key",
		"key":  "abcd",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// stubProgress plays the runner's role for the execution detail endpoint.
type stubProgress struct {
	p     runner.Progress
	known bool
}

func (s stubProgress) Progress(uuid.UUID) (runner.Progress, bool) { return s.p, s.known }

func TestExecutionDetailCarriesLiveProgress(t *testing.T) {
	require.NoError(t, secrets.Init([]byte("api-test-master-key")))
	gdb, err := db.New(db.Config{DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	executions := repositories.NewExecutionRepository(gdb)

	running := &db.Execution{Kind: db.ExecutionBackup, Status: db.StatusRunning}
	require.NoError(t, executions.Create(context.Background(), running))

	handler := NewExecutionHandler(executions, stubProgress{
		p:     runner.Progress{Stage: "upload", Percent: 62.5},
		known: true,
	}, zap.NewNop())
	mux := chi.NewRouter()
	mux.Get("/executions/{id}", handler.GetByID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions/"+running.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := data(t, rec)
	assert.Equal(t, "upload", got["stage"])
	assert.Equal(t, 62.5, got["progress"])

	// a Running row the runner no longer tracks stays bare
	handler = NewExecutionHandler(executions, stubProgress{}, zap.NewNop())
	mux = chi.NewRouter()
	mux.Get("/executions/{id}", handler.GetByID)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions/"+running.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got = data(t, rec)
	assert.NotContains(t, got, "stage")
	assert.NotContains(t, got, "progress")
}

func TestExecutionListFiltersValidateJobID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/executions?job_id=not-a-uuid", readToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
