// Package repositories defines the persistence interfaces over the db models
// and their GORM implementations. Components depend on the interfaces only;
// the concrete repositories are wired in main.go.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// SourceRepository
// -----------------------------------------------------------------------------

type SourceRepository interface {
	Create(ctx context.Context, source *db.Source) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Source, error)
	Update(ctx context.Context, source *db.Source) error
	UpdateDetectedVersion(ctx context.Context, id uuid.UUID, version string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Source, int64, error)
}

// -----------------------------------------------------------------------------
// DestinationRepository
// -----------------------------------------------------------------------------

type DestinationRepository interface {
	Create(ctx context.Context, destination *db.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	Update(ctx context.Context, destination *db.Destination) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error)
	ListAll(ctx context.Context) ([]db.Destination, error)
}

// -----------------------------------------------------------------------------
// ChannelRepository
// -----------------------------------------------------------------------------

type ChannelRepository interface {
	Create(ctx context.Context, channel *db.Channel) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	Update(ctx context.Context, channel *db.Channel) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Channel, int64, error)
}

// -----------------------------------------------------------------------------
// ProfileRepository
// -----------------------------------------------------------------------------

type ProfileRepository interface {
	Create(ctx context.Context, profile *db.EncryptionProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.EncryptionProfile, error)
	Update(ctx context.Context, profile *db.EncryptionProfile) error

	// Delete permanently removes a profile. Artifacts encrypted under it
	// become unreadable — callers surface this as destructive before calling.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.EncryptionProfile, int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// GetByIDWithChannels retrieves a job together with its JobChannel
	// records. The channels are returned as a separate slice rather than
	// embedded in the Job struct, because GORM cannot auto-resolve
	// UUID-typed foreign keys. Callers iterate the slice directly.
	GetByIDWithChannels(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobChannel, error)

	Update(ctx context.Context, job *db.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListEnabled(ctx context.Context) ([]db.Job, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error

	// JobChannel
	SetChannels(ctx context.Context, jobID uuid.UUID, channelIDs []uuid.UUID) error
	ListChannels(ctx context.Context, jobID uuid.UUID) ([]db.JobChannel, error)
}

// -----------------------------------------------------------------------------
// ExecutionRepository
// -----------------------------------------------------------------------------

type ExecutionRepository interface {
	Create(ctx context.Context, execution *db.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)

	// Finalize writes the terminal fields of an execution in one update:
	// status, ended_at, serialized logs, size, remote path, metadata and
	// error information. Called exactly once per run from the runner's
	// finalize stage.
	Finalize(ctx context.Context, execution *db.Execution) error

	List(ctx context.Context, opts ListOptions) ([]db.Execution, int64, error)
	ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Execution, int64, error)
	ListByStatus(ctx context.Context, status string, opts ListOptions) ([]db.Execution, int64, error)

	// LatestByJob returns the most recent execution for a job, or ErrNotFound.
	// Used to derive lastRun for the scheduler's derived state.
	LatestByJob(ctx context.Context, jobID uuid.UUID) (*db.Execution, error)
}

// -----------------------------------------------------------------------------
// SnapshotRepository
// -----------------------------------------------------------------------------

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *db.StorageSnapshot) error

	// ListByDestination returns snapshots for a destination ordered by
	// captured_at descending (newest first), limited to limit rows.
	ListByDestination(ctx context.Context, destinationID uuid.UUID, limit int) ([]db.StorageSnapshot, error)

	DeleteOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// AlertStateRepository
// -----------------------------------------------------------------------------

type AlertStateRepository interface {
	// Get returns the state row for (destinationID, kind), or ErrNotFound
	// if the pair has never fired.
	Get(ctx context.Context, destinationID uuid.UUID, kind string) (*db.AlertState, error)

	// Upsert persists the state row, inserting or updating on the unique
	// (destination_id, alert_kind) pair. Called only when the state changed.
	Upsert(ctx context.Context, state *db.AlertState) error

	// Reset marks the state inactive. Used when a rule is disabled while active.
	Reset(ctx context.Context, destinationID uuid.UUID, kind string) error
}

// -----------------------------------------------------------------------------
// NotificationLogRepository
// -----------------------------------------------------------------------------

type NotificationLogRepository interface {
	Create(ctx context.Context, log *db.NotificationLog) error
	ListByChannel(ctx context.Context, channelID uuid.UUID, opts ListOptions) ([]db.NotificationLog, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// APIKeyRepository
// -----------------------------------------------------------------------------

type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByHash(ctx context.Context, hash string) (*db.APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, t time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set upserts the value for key.
	Set(ctx context.Context, key, value string) error

	// GetAllByPrefix returns every setting whose key starts with prefix,
	// as a key→value map. Used to load grouped settings (e.g. "ratelimit.").
	GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error)
}
