// Package runner executes backup and restore runs. A run is a linear staged
// pipeline over one job: resolve, dump, transform, upload, sidecar,
// retention, finalize for backups, and the mirror image for restores. Stages
// execute strictly in order; any stage error jumps straight to finalize, which
// always removes temp files and writes the terminal execution row.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/codec"
	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/retention"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
)

// timestampLayout names artifacts. Colons are avoided for filesystem and
// object-store compatibility.
const timestampLayout = "2006-01-02T15-04-05Z"

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizeName maps a job name onto the filesystem-safe alphabet used in
// artifact paths. The snapshot collector uses it to locate a job's folder.
func SanitizeName(name string) string {
	return sanitizeRe.ReplaceAllString(name, "_")
}

// ArtifactFolder returns the remote folder holding a job's artifacts.
func ArtifactFolder(jobName string) string {
	return storage.JoinRemote("backups", SanitizeName(jobName))
}

// -----------------------------------------------------------------------------
// Collaborator interfaces
// -----------------------------------------------------------------------------

// StorageResolver yields the storage adapter for a destination kind.
type StorageResolver interface {
	Get(id string) (storage.Adapter, error)
}

// DatabaseResolver yields the database adapter for a source kind.
type DatabaseResolver interface {
	Get(id string) (dbadapter.Adapter, error)
}

// EventSink receives the finished execution for notification fan-out.
// Implementations must not block the caller for long and must never return
// the failure into the run.
type EventSink interface {
	ExecutionFinished(ctx context.Context, job *db.Job, execution *db.Execution)
}

// Broadcaster publishes live progress to interested clients. Topic is
// "execution:<id>".
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// SnapshotRefresher re-measures a destination after a run touched it.
type SnapshotRefresher interface {
	Refresh(destinationID uuid.UUID)
}

// -----------------------------------------------------------------------------
// Runner
// -----------------------------------------------------------------------------

// Config wires a Runner. Events, Broadcast and Snapshots are optional; a nil
// value disables that side effect.
type Config struct {
	Logger       *zap.Logger
	TempDir      string
	Jobs         repositories.JobRepository
	Sources      repositories.SourceRepository
	Destinations repositories.DestinationRepository
	Profiles     repositories.ProfileRepository
	Executions   repositories.ExecutionRepository
	Storage      StorageResolver
	Databases    DatabaseResolver
	Events       EventSink
	Broadcast    Broadcaster
	Snapshots    SnapshotRefresher
}

// Runner executes prepared runs. It is safe for concurrent use; all per-run
// state lives on the Run value.
type Runner struct {
	cfg Config

	mu       sync.Mutex
	inflight map[uuid.UUID]*Run
}

// New returns a Runner over cfg.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Runner{cfg: cfg, inflight: map[uuid.UUID]*Run{}}
}

// Progress is the live stage and overall percent of an in-flight run, served
// to clients polling the execution endpoint.
type Progress struct {
	Stage   string
	Percent float64
}

// Progress returns the live progress of the execution, and false once the
// run has finalized (or was never tracked by this process).
func (r *Runner) Progress(executionID uuid.UUID) (Progress, bool) {
	r.mu.Lock()
	run, ok := r.inflight[executionID]
	r.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return Progress{Stage: run.stage, Percent: run.percent}, true
}

func (r *Runner) track(run *Run) {
	if run.Execution == nil {
		return
	}
	r.mu.Lock()
	r.inflight[run.Execution.ID] = run
	r.mu.Unlock()
}

func (r *Runner) untrack(run *Run) {
	if run.Execution == nil {
		return
	}
	r.mu.Lock()
	delete(r.inflight, run.Execution.ID)
	r.mu.Unlock()
}

// LogEntry is one structured log line collected during a run. The entries are
// serialized as a JSON array into the execution row at finalize time.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// stageWindow maps a stage onto its [base, base+width) share of the overall
// progress percentage.
type stageWindow struct {
	base  float64
	width float64
}

var backupWindows = map[string]stageWindow{
	"dump":      {0, 50},
	"transform": {50, 0},
	"upload":    {50, 40},
	"sidecar":   {90, 0},
	"retention": {90, 5},
	"finalize":  {95, 5},
}

var restoreWindows = map[string]stageWindow{
	"download":  {0, 40},
	"transform": {40, 10},
	"restore":   {50, 45},
	"finalize":  {95, 5},
}

// Run is the context of one execution, created by PrepareBackup or
// PrepareRestore and consumed exactly once by Execute.
type Run struct {
	Job       *db.Job
	Execution *db.Execution

	source      *db.Source
	destination *db.Destination
	srcAdapter  dbadapter.Adapter
	dstAdapter  storage.Adapter
	srcConfig   json.RawMessage
	dstConfig   json.RawMessage
	profile     *db.EncryptionProfile

	// restore is nil for backup runs.
	restore *restoreSpec

	tempPath   string
	remotePath string
	sizeBytes  int64
	databases  dbadapter.DatabaseSet
	encryption *SidecarEncryption
	windows    map[string]stageWindow

	mu      sync.Mutex
	stage   string
	percent float64
	logs    []LogEntry
}

func (run *Run) setStage(stage string) {
	run.mu.Lock()
	run.stage = stage
	if w, ok := run.windows[stage]; ok {
		run.percent = w.base
	}
	run.mu.Unlock()
}

// stageProgress maps a stage-local percentage into the overall window.
func (run *Run) stageProgress(pct float64) float64 {
	run.mu.Lock()
	defer run.mu.Unlock()
	w := run.windows[run.stage]
	overall := w.base + w.width*pct/100
	if overall > run.percent {
		run.percent = overall
	}
	return run.percent
}

func (run *Run) appendLog(level, msg string) LogEntry {
	entry := LogEntry{Time: time.Now().UTC(), Level: level, Stage: run.currentStage(), Message: msg}
	run.mu.Lock()
	run.logs = append(run.logs, entry)
	run.mu.Unlock()
	return entry
}

func (run *Run) currentStage() string {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.stage
}

// -----------------------------------------------------------------------------
// Preparation
// -----------------------------------------------------------------------------

// PrepareBackup resolves the job's source, destination, adapters and optional
// encryption profile, then creates the Running execution row. Resolution
// failures surface before any row is written, so a rejected trigger leaves no
// trace in the execution history.
func (r *Runner) PrepareBackup(ctx context.Context, jobID uuid.UUID) (*Run, error) {
	run, err := r.resolve(ctx, jobID)
	if err != nil {
		return nil, err
	}
	run.windows = backupWindows

	now := time.Now().UTC()
	execution := &db.Execution{
		JobID:     &run.Job.ID,
		Kind:      db.ExecutionBackup,
		Status:    db.StatusRunning,
		StartedAt: &now,
	}
	if err := r.cfg.Executions.Create(ctx, execution); err != nil {
		return nil, err
	}
	run.Execution = execution
	return run, nil
}

// resolve loads and validates everything a run needs, common to backups and
// restores. Adapter configs arrive already decrypted by the model layer.
func (r *Runner) resolve(ctx context.Context, jobID uuid.UUID) (*Run, error) {
	job, err := r.cfg.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	source, err := r.cfg.Sources.GetByID(ctx, job.SourceID)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindConfigInvalid, err, "job source %s", job.SourceID)
	}
	destination, err := r.cfg.Destinations.GetByID(ctx, job.DestinationID)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindConfigInvalid, err, "job destination %s", job.DestinationID)
	}
	srcAdapter, err := r.cfg.Databases.Get(source.Kind)
	if err != nil {
		return nil, err
	}
	dstAdapter, err := r.cfg.Storage.Get(destination.Kind)
	if err != nil {
		return nil, err
	}

	run := &Run{
		Job:         job,
		source:      source,
		destination: destination,
		srcAdapter:  srcAdapter,
		dstAdapter:  dstAdapter,
		srcConfig:   json.RawMessage(source.Config),
		dstConfig:   json.RawMessage(destination.Config),
	}

	if job.ProfileID != nil {
		profile, err := r.cfg.Profiles.GetByID(ctx, *job.ProfileID)
		if err != nil {
			return nil, dkerr.Wrap(dkerr.KindConfigInvalid, err, "job encryption profile %s", *job.ProfileID)
		}
		run.profile = profile
	}
	return run, nil
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Execute walks the run's stages and finalizes the execution row. The
// returned error is the stage error, already recorded on the execution;
// callers use it only for logging.
func (r *Runner) Execute(ctx context.Context, run *Run) error {
	r.track(run)
	defer r.untrack(run)

	var err error
	if run.restore != nil {
		err = r.runRestore(ctx, run)
	} else {
		err = r.runBackup(ctx, run)
	}
	r.finalize(ctx, run, err)
	return err
}

func (r *Runner) runBackup(ctx context.Context, run *Run) error {
	log := func(level, msg string) {
		entry := run.appendLog(level, msg)
		r.publish(run, map[string]any{"type": "log", "level": entry.Level, "stage": entry.Stage, "message": entry.Message})
	}
	progress := func(pct float64) {
		overall := run.stageProgress(pct)
		r.publish(run, map[string]any{"type": "progress", "stage": run.currentStage(), "percent": overall})
	}

	// 1. Dump into a unique temp path. The adapter may rewrite the
	// extension (custom-format dumps, gzip archives).
	run.setStage("dump")
	base := fmt.Sprintf("%s_%s.sql", SanitizeName(run.Job.Name), time.Now().UTC().Format(timestampLayout))
	run.tempPath = filepath.Join(r.cfg.TempDir, base)
	log("info", fmt.Sprintf("dumping %s (%s)", run.source.Name, run.source.Kind))

	result, err := run.srcAdapter.Dump(ctx, run.srcConfig, run.tempPath, progress, log)
	if err != nil {
		return err
	}
	run.tempPath = result.Path
	run.databases = result.Databases
	if info, err := os.Stat(run.tempPath); err == nil {
		run.sizeBytes = info.Size()
	}
	log("info", fmt.Sprintf("dump complete: %s, %d bytes", run.databases.Label(), run.sizeBytes))

	// 2. Transform: compress unless the adapter already did, then encrypt.
	run.setStage("transform")
	if run.Job.Compression != "" && run.Job.Compression != codec.CompressionNone && !alreadyCompressed(run.tempPath) {
		compressed, err := compressArtifact(run.Job.Compression, run.tempPath)
		if err != nil {
			return err
		}
		run.tempPath = compressed
		log("info", fmt.Sprintf("compressed with %s", run.Job.Compression))
	}
	if run.profile != nil {
		key, err := secrets.ParseHexKey(string(run.profile.WrappedKey))
		if err != nil {
			return err
		}
		defer secrets.Zeroize(key)

		originalName := filepath.Base(run.tempPath)
		encrypted := run.tempPath + codec.EncryptedExtension
		encResult, err := codec.EncryptFile(run.tempPath, encrypted, key)
		if err != nil {
			return err
		}
		removeQuiet(run.tempPath)
		run.tempPath = encrypted
		run.encryption = &SidecarEncryption{
			ProfileID:    run.profile.ID.String(),
			IV:           encResult.IV,
			AuthTag:      encResult.AuthTag,
			OriginalName: originalName,
		}
		log("info", fmt.Sprintf("encrypted with profile %s", run.profile.Name))
	}
	if info, err := os.Stat(run.tempPath); err == nil {
		run.sizeBytes = info.Size()
	}

	// 3. Upload the artifact.
	run.setStage("upload")
	run.remotePath = storage.JoinRemote(ArtifactFolder(run.Job.Name), filepath.Base(run.tempPath))
	log("info", fmt.Sprintf("uploading to %s (%s): %s", run.destination.Name, run.destination.Kind, run.remotePath))
	if err := run.dstAdapter.Upload(ctx, run.dstConfig, run.tempPath, run.remotePath, progress); err != nil {
		return err
	}

	// 4. Sidecar. Written after the artifact so a present sidecar implies a
	// present artifact.
	run.setStage("sidecar")
	sidecar := Sidecar{
		JobName:    run.Job.Name,
		SourceName: run.source.Name,
		SourceType: run.source.Kind,
		Databases: SidecarDatabases{
			Count: DatabaseCount{N: run.databases.Count, All: run.databases.All},
			Label: run.databases.Label(),
		},
		Compression: run.Job.Compression,
		Encryption:  run.encryption,
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal sidecar: %w", err)
	}
	if err := run.dstAdapter.Put(ctx, run.dstConfig, run.remotePath+SidecarSuffix, payload); err != nil {
		return err
	}

	// 5. Retention. Failures are logged but never fail the run: a backup
	// that uploaded successfully is a successful backup.
	run.setStage("retention")
	if err := r.applyRetention(ctx, run, log); err != nil {
		log("warn", fmt.Sprintf("retention failed: %v", err))
	}
	progress(100)
	return nil
}

// applyRetention lists the job's artifact folder, plans with the job's
// policy, and deletes every planned artifact together with its sidecar.
func (r *Runner) applyRetention(ctx context.Context, run *Run, log func(level, msg string)) error {
	if run.Job.RetentionMode == "" || run.Job.RetentionMode == db.RetentionNone {
		return nil
	}

	remoteDir := path.Dir(run.remotePath)
	files, err := run.dstAdapter.List(ctx, run.dstConfig, remoteDir)
	if err != nil {
		return err
	}

	var artifacts []retention.Artifact
	for _, f := range files {
		if strings.HasSuffix(f.Name, SidecarSuffix) {
			continue
		}
		locked := false
		// A missing or malformed sidecar means unlocked.
		if data, err := run.dstAdapter.Read(ctx, run.dstConfig, f.Path+SidecarSuffix); err == nil && data != nil {
			if sc, err := ParseSidecar(data); err == nil {
				locked = sc.Locked
			}
		}
		artifacts = append(artifacts, retention.Artifact{
			Path:         f.Path,
			LastModified: f.LastModified,
			Locked:       locked,
		})
	}

	plan := retention.Compute(artifacts, retention.Policy{
		Mode:      run.Job.RetentionMode,
		KeepCount: run.Job.KeepCount,
		Daily:     run.Job.RetentionDaily,
		Weekly:    run.Job.RetentionWeekly,
		Monthly:   run.Job.RetentionMonthly,
		Yearly:    run.Job.RetentionYearly,
	}, time.Now().UTC())

	for _, a := range plan.Delete {
		if err := run.dstAdapter.Delete(ctx, run.dstConfig, a.Path); err != nil {
			log("warn", fmt.Sprintf("retention: delete %s: %v", a.Path, err))
			continue
		}
		if err := run.dstAdapter.Delete(ctx, run.dstConfig, a.Path+SidecarSuffix); err != nil {
			log("warn", fmt.Sprintf("retention: delete sidecar for %s: %v", a.Path, err))
		}
		log("info", fmt.Sprintf("retention: deleted %s", a.Path))
	}
	log("info", fmt.Sprintf("retention: kept %d, deleted %d", len(plan.Keep), len(plan.Delete)))
	return nil
}

// finalize always runs, on success, failure and cancellation alike. It
// removes the temp file, writes the terminal execution row, and triggers the
// post-run side effects.
func (r *Runner) finalize(ctx context.Context, run *Run, runErr error) {
	run.setStage("finalize")

	if run.tempPath != "" {
		removeQuiet(run.tempPath)
	}

	execution := run.Execution
	now := time.Now().UTC()
	execution.EndedAt = &now
	execution.SizeBytes = run.sizeBytes
	execution.RemotePath = run.remotePath

	if runErr != nil {
		execution.Status = db.StatusFailed
		execution.Error = runErr.Error()
		execution.ErrorKind = string(dkerr.KindOf(runErr))
		run.appendLog("error", runErr.Error())
	} else {
		execution.Status = db.StatusSuccess
	}

	metadata := map[string]any{"databases": run.databases.Label()}
	if run.encryption != nil {
		metadata["encrypted"] = true
	}
	if data, err := json.Marshal(metadata); err == nil {
		execution.Metadata = string(data)
	}
	if data, err := json.Marshal(run.logs); err == nil {
		execution.Logs = string(data)
	}

	// The run's context may already be cancelled; the terminal row is
	// written regardless.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.cfg.Executions.Finalize(finalizeCtx, execution); err != nil {
		r.cfg.Logger.Error("finalize execution",
			zap.String("execution", execution.ID.String()),
			zap.Error(err))
	}

	r.publish(run, map[string]any{"type": "status", "status": execution.Status, "percent": 100.0})

	if r.cfg.Events != nil {
		r.cfg.Events.ExecutionFinished(finalizeCtx, run.Job, execution)
	}
	if r.cfg.Snapshots != nil {
		go r.cfg.Snapshots.Refresh(run.destination.ID)
	}
}

func (r *Runner) publish(run *Run, payload map[string]any) {
	if r.cfg.Broadcast == nil || run.Execution == nil {
		return
	}
	r.cfg.Broadcast.Broadcast("execution:"+run.Execution.ID.String(), payload)
}

// -----------------------------------------------------------------------------
// Artifact helpers
// -----------------------------------------------------------------------------

// alreadyCompressed reports whether the dump tool produced a format that is
// compressed internally, making a second pass pointless.
func alreadyCompressed(p string) bool {
	for _, suffix := range []string{".dump", ".gz", ".bak"} {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

// compressArtifact streams src through the named compressor into src+ext and
// removes src. Returns the new path.
func compressArtifact(kind, src string) (string, error) {
	dst := src + codec.CompressionExtension(kind)

	in, err := os.Open(src)
	if err != nil {
		return "", dkerr.Wrap(dkerr.KindStreamIO, err, "open dump for compression")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", dkerr.Wrap(dkerr.KindStreamIO, err, "create compressed artifact")
	}
	defer out.Close()

	cw, err := codec.NewCompressor(kind, out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(cw, in); err != nil {
		cw.Close()
		return "", dkerr.Wrap(dkerr.KindStreamIO, err, "compress artifact")
	}
	if err := cw.Close(); err != nil {
		return "", dkerr.Wrap(dkerr.KindStreamIO, err, "flush compressed artifact")
	}
	if err := out.Close(); err != nil {
		return "", dkerr.Wrap(dkerr.KindStreamIO, err, "close compressed artifact")
	}

	removeQuiet(src)
	return dst, nil
}

// decompressArtifact is the restore-side inverse of compressArtifact: src is
// streamed through the named decompressor into dst and then removed.
func decompressArtifact(kind, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open artifact for decompression")
	}
	defer in.Close()

	dr, err := codec.NewDecompressor(kind, in)
	if err != nil {
		return err
	}
	defer dr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create decompressed artifact")
	}
	defer out.Close()

	if _, err := io.Copy(out, dr); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "decompress artifact")
	}
	if err := out.Close(); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "close decompressed artifact")
	}

	removeQuiet(src)
	return nil
}

// removeQuiet unlinks p, tolerating a missing file.
func removeQuiet(p string) {
	_ = os.Remove(p)
}
