package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Sources
// -----------------------------------------------------------------------------

// Source represents a database endpoint to back up. The Config field holds the
// connection details (host, port, user, password, databases, extra options,
// optional SSH tunnel for MSSQL file transfer, optional privileged override
// for restores) serialized as JSON and encrypted at rest.
//
// DetectedVersion is the server version string captured by the last
// successful connection test. The dialect layer uses it to shape dump and
// restore argument vectors; an empty string falls back to the family default.
type Source struct {
	SoftDelete
	Name            string          `gorm:"not null"`
	Kind            string          `gorm:"not null"`           // "postgres", "mysql", "mariadb", "mongo", "mssql"
	Config          EncryptedString `gorm:"type:text;not null"` // JSON, encrypted
	DetectedVersion string          `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Destinations
// -----------------------------------------------------------------------------

// Destination represents a backup storage target. The Config field holds
// provider-specific settings (path, bucket/region, credentials, path prefix)
// serialized as JSON and encrypted at rest — credentials and non-sensitive
// settings travel together because the adapter decodes them as one typed
// struct.
type Destination struct {
	SoftDelete
	Name   string          `gorm:"not null"`
	Kind   string          `gorm:"not null"`           // "local", "s3", "sftp", "ftp", "webdav"
	Config EncryptedString `gorm:"type:text;not null"` // JSON, encrypted
}

// -----------------------------------------------------------------------------
// Notification channels
// -----------------------------------------------------------------------------

// Channel represents an outbound notification endpoint. The Config field is
// adapter-specific JSON (SMTP settings, webhook URL, bot token, ...) and is
// encrypted at rest.
type Channel struct {
	SoftDelete
	Name   string          `gorm:"not null"`
	Kind   string          `gorm:"not null"`           // "email", "discord", "slack", "telegram", "teams", "ntfy", "gotify", "twilio-sms", "generic-webhook"
	Config EncryptedString `gorm:"type:text;not null"` // JSON, encrypted
}

// -----------------------------------------------------------------------------
// Encryption profiles
// -----------------------------------------------------------------------------

// EncryptionProfile is a named symmetric key used to encrypt backup
// artifacts. WrappedKey holds the hex encoding of the 32-byte data key,
// wrapped by the system master key via EncryptedString.
//
// Deleting a profile renders artifacts encrypted under it permanently
// unreadable. The operation is allowed but surfaced as destructive at the
// API layer.
type EncryptionProfile struct {
	Base
	Name        string          `gorm:"not null"`
	Description string          `gorm:"type:text;default:''"`
	WrappedKey  EncryptedString `gorm:"type:text;not null"` // 64 hex chars
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Retention mode constants for Job.RetentionMode.
const (
	RetentionNone   = "NONE"
	RetentionSimple = "SIMPLE"
	RetentionSmart  = "SMART"
)

// Notification condition constants for Job.NotifyCondition.
const (
	NotifyAlways      = "ALWAYS"
	NotifySuccessOnly = "SUCCESS_ONLY"
	NotifyFailureOnly = "FAILURE_ONLY"
)

// Job defines what to back up, where to put it, and when. The schedule uses
// standard 5-field cron syntax (e.g. "0 2 * * *" for 2 AM daily).
//
// Association fields are intentionally absent from this struct. GORM cannot
// resolve foreign keys when the primary key is uuid.UUID (a custom type).
// Related records are loaded via explicit queries in the repository layer
// (see repositories/job.go: GetByIDWithChannels).
type Job struct {
	SoftDelete
	Name          string     `gorm:"not null"`
	SourceID      uuid.UUID  `gorm:"type:text;not null;index"`
	DestinationID uuid.UUID  `gorm:"type:text;not null;index"`
	ProfileID     *uuid.UUID `gorm:"type:text;index"`         // nil = no encryption
	Compression   string     `gorm:"not null;default:'none'"` // "none", "gzip", "brotli"
	Schedule      string     `gorm:"not null"`                // cron expression
	Enabled       bool       `gorm:"not null;default:true"`

	// Retention policy (embedded). Mode selects which counters apply:
	// SIMPLE uses KeepCount, SMART uses the four GFS slot counts.
	RetentionMode    string `gorm:"not null;default:'NONE'"`
	KeepCount        int    `gorm:"not null;default:7"`
	RetentionDaily   int    `gorm:"not null;default:7"`
	RetentionWeekly  int    `gorm:"not null;default:4"`
	RetentionMonthly int    `gorm:"not null;default:6"`
	RetentionYearly  int    `gorm:"not null;default:1"`

	// NotifyCondition gates event fan-out: ALWAYS, SUCCESS_ONLY, FAILURE_ONLY.
	NotifyCondition string `gorm:"not null;default:'ALWAYS'"`

	LastRunAt *time.Time
	NextRunAt *time.Time

	// Channels is populated by GetByIDWithChannels via a manual query.
	// The gorm:"-" tag prevents GORM from attempting foreign key resolution
	// on this field, which would fail with uuid.UUID primary keys.
	Channels []JobChannel `gorm:"-"`
}

// JobChannel is the join table between Job and Channel.
type JobChannel struct {
	Base
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	ChannelID uuid.UUID `gorm:"type:text;not null;index"`
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// Execution kind constants.
const (
	ExecutionBackup  = "Backup"
	ExecutionRestore = "Restore"
)

// Execution status constants. Transitions: Pending -> Running -> Success|Failed.
const (
	StatusPending = "Pending"
	StatusRunning = "Running"
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// Execution represents a single backup or restore run. JobID is nullable —
// executions outlive their job when the job is deleted. Once an execution
// finalizes its row is immutable except for late-arriving metadata.
//
// Logs holds the serialized JSON array of structured log entries collected
// during the run. They are written in bulk at finalize time, not line by
// line during execution, to avoid write pressure on the database.
type Execution struct {
	Base
	JobID      *uuid.UUID `gorm:"type:text;index"`
	Kind       string     `gorm:"not null;default:'Backup'"` // "Backup" or "Restore"
	Status     string     `gorm:"not null;default:'Pending';index"`
	StartedAt  *time.Time
	EndedAt    *time.Time
	Logs       string `gorm:"type:text;default:'[]'"` // JSON array of log entries
	SizeBytes  int64  `gorm:"default:0"`
	RemotePath string `gorm:"default:''"`
	Metadata   string `gorm:"type:text;default:'{}'"` // free-form JSON
	Error      string `gorm:"type:text;default:''"`   // human message, populated on failure
	ErrorKind  string `gorm:"default:''"`             // dkerr machine code
}

// -----------------------------------------------------------------------------
// Storage snapshots & alert state
// -----------------------------------------------------------------------------

// StorageSnapshot is a periodic measurement of a destination's total size and
// file count. Snapshots are captured after each run and by a background
// collector; the alert monitor evaluates spike, limit, and missing-backup
// conditions against them.
type StorageSnapshot struct {
	Base
	DestinationID uuid.UUID `gorm:"type:text;not null;index"`
	TotalSize     int64     `gorm:"not null;default:0"`
	FileCount     int64     `gorm:"not null;default:0"`
	CapturedAt    time.Time `gorm:"not null;index"`
}

// Alert kind constants for AlertState.AlertKind.
const (
	AlertUsageSpike    = "usage_spike"
	AlertLimitWarning  = "limit_warning"
	AlertMissingBackup = "missing_backup"
)

// AlertState persists the de-duplication state machine for one
// (destination, alert kind) pair. The monitor fires on the inactive→active
// transition, re-fires after a 24-hour cooldown while active, and resets
// when the condition resolves. Rows are written only when the state changes.
type AlertState struct {
	Base
	DestinationID  uuid.UUID `gorm:"type:text;not null;index:idx_alert_dest_kind,unique"`
	AlertKind      string    `gorm:"not null;index:idx_alert_dest_kind,unique"`
	Active         bool      `gorm:"not null;default:false"`
	LastNotifiedAt *time.Time
}

// -----------------------------------------------------------------------------
// Notification log
// -----------------------------------------------------------------------------

// NotificationLog records one delivery attempt to one channel. The rendered
// payload is stored for audit and for the UI's delivery history view.
type NotificationLog struct {
	Base
	ChannelID uuid.UUID `gorm:"type:text;not null;index"`
	EventType string    `gorm:"not null;index"`
	Status    string    `gorm:"not null"`               // "Success" or "Failed"
	Payload   string    `gorm:"type:text;default:'{}'"` // rendered payload JSON
	Error     string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// APIKey is a bearer credential for the trigger/poll API. The raw token is
// shown once at creation and never stored — only its SHA-256 hash.
// Capabilities is a space-separated list (e.g. "jobs:execute jobs:read").
type APIKey struct {
	Base
	Name         string `gorm:"not null"`
	TokenHash    string `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	Capabilities string `gorm:"not null;default:''"`
	LastUsedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "alerts.spike_percent",
// "notify.system_channels", "ratelimit.auth"). Sensitive values are encrypted
// at the application layer via EncryptedString before being persisted.
//
// Setting does not embed Base because it uses a string primary key (the key
// itself) rather than a UUID, and does not need CreatedAt.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
