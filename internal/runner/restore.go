package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dumpkeep-io/dumpkeep/internal/codec"
	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
)

// RestoreOptions selects the artifact to replay and how to map its databases
// onto the target server.
type RestoreOptions struct {
	// RemotePath is the artifact's path on the job's destination.
	RemotePath string `json:"remotePath"`

	// Mapping renames or drops databases from multi-database dumps. An
	// empty mapping replays everything under the original names.
	Mapping dbadapter.RestoreMapping `json:"mapping,omitempty"`

	// SourceConfig, when set, replaces the stored source connection config
	// for this run only. Used to supply privileged credentials that can
	// create target databases.
	SourceConfig json.RawMessage `json:"sourceConfig,omitempty"`
}

type restoreSpec struct {
	remotePath string
	mapping    dbadapter.RestoreMapping
}

// PrepareRestore resolves the job like PrepareBackup and creates a Running
// execution row of kind Restore.
func (r *Runner) PrepareRestore(ctx context.Context, jobID uuid.UUID, opts RestoreOptions) (*Run, error) {
	if opts.RemotePath == "" {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "restore requires a remote artifact path")
	}

	run, err := r.resolve(ctx, jobID)
	if err != nil {
		return nil, err
	}
	run.windows = restoreWindows
	run.restore = &restoreSpec{remotePath: opts.RemotePath, mapping: opts.Mapping}
	if len(opts.SourceConfig) > 0 {
		run.srcConfig = opts.SourceConfig
	}

	now := time.Now().UTC()
	execution := &db.Execution{
		JobID:      &run.Job.ID,
		Kind:       db.ExecutionRestore,
		Status:     db.StatusRunning,
		StartedAt:  &now,
		RemotePath: opts.RemotePath,
	}
	if err := r.cfg.Executions.Create(ctx, execution); err != nil {
		return nil, err
	}
	run.Execution = execution
	return run, nil
}

// runRestore mirrors the backup pipeline: download, decrypt, decompress,
// replay. The sidecar drives the transform stages; an artifact without one is
// replayed as-is.
func (r *Runner) runRestore(ctx context.Context, run *Run) error {
	log := func(level, msg string) {
		entry := run.appendLog(level, msg)
		r.publish(run, map[string]any{"type": "log", "level": entry.Level, "stage": entry.Stage, "message": entry.Message})
	}
	progress := func(pct float64) {
		overall := run.stageProgress(pct)
		r.publish(run, map[string]any{"type": "progress", "stage": run.currentStage(), "percent": overall})
	}

	spec := run.restore
	run.remotePath = spec.remotePath

	// 1. Download the artifact and its sidecar.
	run.setStage("download")
	log("info", fmt.Sprintf("downloading %s from %s", spec.remotePath, run.destination.Name))

	var sidecar *Sidecar
	if data, err := run.dstAdapter.Read(ctx, run.dstConfig, spec.remotePath+SidecarSuffix); err == nil && data != nil {
		if sc, err := ParseSidecar(data); err == nil {
			sidecar = sc
		} else {
			log("warn", "artifact sidecar is malformed, treating artifact as plain")
		}
	}

	run.tempPath = filepath.Join(r.cfg.TempDir, filepath.Base(spec.remotePath))
	if err := run.dstAdapter.Download(ctx, run.dstConfig, spec.remotePath, run.tempPath); err != nil {
		return err
	}
	progress(100)

	// 2. Transform: decrypt with the sidecar's profile, then decompress.
	run.setStage("transform")
	if sidecar != nil && sidecar.Encryption != nil {
		if err := r.decryptArtifact(ctx, run, sidecar.Encryption, log); err != nil {
			return err
		}
	}
	if err := r.decompressForRestore(run, log); err != nil {
		return err
	}
	progress(100)

	// 3. Prepare targets, then replay through the source adapter. Families
	// whose tools replay into an existing database get the selected targets
	// created first.
	run.setStage("restore")
	if prep, ok := run.srcAdapter.(dbadapter.TargetPreparer); ok {
		log("info", "preparing target databases")
		if err := prep.PrepareRestore(ctx, run.srcConfig, spec.mapping, log); err != nil {
			return err
		}
	}
	log("info", fmt.Sprintf("restoring into %s (%s)", run.source.Name, run.source.Kind))
	if err := run.srcAdapter.Restore(ctx, run.srcConfig, run.tempPath, spec.mapping, log); err != nil {
		return err
	}
	progress(100)
	log("info", "restore complete")
	return nil
}

func (r *Runner) decryptArtifact(ctx context.Context, run *Run, enc *SidecarEncryption, log func(level, msg string)) error {
	profileID, err := uuid.Parse(enc.ProfileID)
	if err != nil {
		return dkerr.Wrap(dkerr.KindConfigInvalid, err, "sidecar profile id %q", enc.ProfileID)
	}
	profile, err := r.cfg.Profiles.GetByID(ctx, profileID)
	if err != nil {
		return dkerr.Wrap(dkerr.KindConfigInvalid, err, "encryption profile %s", profileID)
	}
	key, err := secrets.ParseHexKey(string(profile.WrappedKey))
	if err != nil {
		return err
	}
	defer secrets.Zeroize(key)

	plainName := enc.OriginalName
	if plainName == "" {
		plainName = strings.TrimSuffix(filepath.Base(run.tempPath), codec.EncryptedExtension)
	}
	plainPath := filepath.Join(r.cfg.TempDir, plainName)

	if err := codec.DecryptFile(run.tempPath, plainPath, key, enc.IV, enc.AuthTag); err != nil {
		return err
	}
	removeQuiet(run.tempPath)
	run.tempPath = plainPath
	log("info", fmt.Sprintf("decrypted with profile %s", profile.Name))
	return nil
}

// decompressForRestore undoes the pipeline's own compression. Tool-native
// formats (custom-format dumps, mongodump archives, .bak files) pass through
// untouched; their tools decompress internally.
func (r *Runner) decompressForRestore(run *Run, log func(level, msg string)) error {
	p := run.tempPath
	var kind, ext string
	switch {
	case strings.HasSuffix(p, ".archive.gz"), strings.HasSuffix(p, ".dump"), strings.HasSuffix(p, ".bak"):
		return nil
	case strings.HasSuffix(p, ".gz"):
		kind, ext = codec.CompressionGzip, ".gz"
	case strings.HasSuffix(p, ".br"):
		kind, ext = codec.CompressionBrotli, ".br"
	default:
		return nil
	}

	dst := strings.TrimSuffix(p, ext)
	if err := decompressArtifact(kind, p, dst); err != nil {
		return err
	}
	run.tempPath = dst
	log("info", fmt.Sprintf("decompressed %s artifact", kind))
	return nil
}
