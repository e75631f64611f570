// Package notify implements the notification dispatcher. It is the single
// component that renders events into payloads, fans them out to the
// configured channels, and records delivery attempts in the notification
// log. No other package should talk to a channel endpoint directly.
//
// Delivery failures are logged and recorded but never propagate to the
// caller: a backup's success must not depend on a webhook's availability.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// EventType is the closed set of notification triggers.
type EventType string

const (
	EventBackupSuccess        EventType = "backup_success"
	EventBackupFailure        EventType = "backup_failure"
	EventRestoreComplete      EventType = "restore_complete"
	EventRestoreFailure       EventType = "restore_failure"
	EventConfigBackup         EventType = "config_backup"
	EventSystemError          EventType = "system_error"
	EventUserLogin            EventType = "user_login"
	EventUserCreated          EventType = "user_created"
	EventStorageUsageSpike    EventType = "storage_usage_spike"
	EventStorageLimitWarning  EventType = "storage_limit_warning"
	EventStorageMissingBackup EventType = "storage_missing_backup"
)

// KeySystemChannels is the settings key holding the comma-separated channel
// ids that receive system-scoped events (alerts, system errors).
const KeySystemChannels = "notify.system_channels"

// Event carries the facts of one occurrence before rendering. Fields that do
// not apply to a given type stay zero.
type Event struct {
	Type            EventType
	JobName         string
	SourceName      string
	DestinationName string
	ExecutionID     string
	Error           string
	SizeBytes       int64
	Duration        time.Duration

	// Details are extra renderer fields, e.g. the measured percentages of
	// a storage alert. Rendered in map-key order is not guaranteed; the
	// renderer sorts them.
	Details map[string]string
}

// Dispatcher renders events and delivers them. Create with New.
type Dispatcher struct {
	channels repositories.ChannelRepository
	jobs     repositories.JobRepository
	logs     repositories.NotificationLogRepository
	settings repositories.SettingsRepository
	logger   *zap.Logger
	senders  map[string]sender
}

// Config holds the dependencies required to build a Dispatcher.
type Config struct {
	Channels repositories.ChannelRepository
	Jobs     repositories.JobRepository
	Logs     repositories.NotificationLogRepository
	Settings repositories.SettingsRepository
	Logger   *zap.Logger

	// HTTPClient is used by every webhook-style sender. Nil gets a client
	// with a 10 second timeout.
	HTTPClient *http.Client
}

// New creates a Dispatcher with every built-in channel sender wired.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	d := &Dispatcher{
		channels: cfg.Channels,
		jobs:     cfg.Jobs,
		logs:     cfg.Logs,
		settings: cfg.Settings,
		logger:   cfg.Logger.Named("notify"),
	}
	d.senders = map[string]sender{
		"email":           &emailSender{},
		"discord":         &discordSender{client: client},
		"slack":           &slackSender{client: client},
		"telegram":        &telegramSender{client: client},
		"teams":           &teamsSender{client: client},
		"ntfy":            &ntfySender{client: client},
		"gotify":          &gotifySender{client: client},
		"twilio-sms":      &twilioSender{client: client},
		"generic-webhook": &webhookSender{client: client},
	}
	return d
}

// ExecutionFinished implements the runner's event sink. It derives the event
// type from the execution, applies the job's notify condition, and fans out
// to the job's channels.
func (d *Dispatcher) ExecutionFinished(ctx context.Context, job *db.Job, execution *db.Execution) {
	success := execution.Status == db.StatusSuccess
	switch job.NotifyCondition {
	case db.NotifySuccessOnly:
		if !success {
			return
		}
	case db.NotifyFailureOnly:
		if success {
			return
		}
	}

	ev := Event{
		JobName:     job.Name,
		ExecutionID: execution.ID.String(),
		Error:       execution.Error,
		SizeBytes:   execution.SizeBytes,
	}
	if execution.StartedAt != nil && execution.EndedAt != nil {
		ev.Duration = execution.EndedAt.Sub(*execution.StartedAt)
	}
	switch {
	case execution.Kind == db.ExecutionRestore && success:
		ev.Type = EventRestoreComplete
	case execution.Kind == db.ExecutionRestore:
		ev.Type = EventRestoreFailure
	case success:
		ev.Type = EventBackupSuccess
	default:
		ev.Type = EventBackupFailure
	}

	jobChannels, err := d.jobs.ListChannels(ctx, job.ID)
	if err != nil {
		d.logger.Error("failed to list job channels",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	ids := make([]uuid.UUID, 0, len(jobChannels))
	for _, jc := range jobChannels {
		ids = append(ids, jc.ChannelID)
	}
	d.dispatch(ctx, ev, ids)
}

// DispatchSystem delivers a system-scoped event (alerts, system errors) to
// the globally configured channel list.
func (d *Dispatcher) DispatchSystem(ctx context.Context, ev Event) {
	raw, err := d.settings.Get(ctx, KeySystemChannels)
	if err != nil {
		if err != repositories.ErrNotFound {
			d.logger.Error("failed to load system channel list", zap.Error(err))
		}
		return
	}

	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			d.logger.Warn("ignoring malformed system channel id", zap.String("value", part))
			continue
		}
		ids = append(ids, id)
	}
	d.dispatch(ctx, ev, ids)
}

// dispatch renders once and delivers to each channel, recording one
// notification log row per attempt.
func (d *Dispatcher) dispatch(ctx context.Context, ev Event, channelIDs []uuid.UUID) {
	if len(channelIDs) == 0 {
		return
	}
	payload := Render(ev)
	rendered, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to marshal rendered payload", zap.Error(err))
		return
	}

	for _, id := range channelIDs {
		channel, err := d.channels.GetByID(ctx, id)
		if err != nil {
			d.logger.Warn("skipping unknown channel",
				zap.String("channel_id", id.String()),
				zap.Error(err),
			)
			continue
		}

		sendErr := d.send(ctx, channel, payload)
		logRow := &db.NotificationLog{
			ChannelID: channel.ID,
			EventType: string(ev.Type),
			Status:    db.StatusSuccess,
			Payload:   string(rendered),
		}
		if sendErr != nil {
			logRow.Status = db.StatusFailed
			logRow.Error = sendErr.Error()
			d.logger.Warn("notification delivery failed",
				zap.String("channel", channel.Name),
				zap.String("kind", channel.Kind),
				zap.String("event", string(ev.Type)),
				zap.Error(sendErr),
			)
		}
		metrics.NotificationsTotal.WithLabelValues(channel.Kind, logRow.Status).Inc()
		if err := d.logs.Create(ctx, logRow); err != nil {
			d.logger.Error("failed to record notification log",
				zap.String("channel_id", channel.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Test delivers a synthetic payload to one channel and returns the delivery
// error to the caller. Used by the channel test endpoint; no notification
// log row is written.
func (d *Dispatcher) Test(ctx context.Context, channel *db.Channel) error {
	return d.send(ctx, channel, Payload{
		Title:   "Dumpkeep test notification",
		Message: "Channel " + strconv.Quote(channel.Name) + " is configured correctly.",
		Success: true,
		Color:   colorSuccess,
	})
}

// Supports reports whether a sender is registered for the channel kind.
func (d *Dispatcher) Supports(kind string) bool {
	_, ok := d.senders[kind]
	return ok
}

func (d *Dispatcher) send(ctx context.Context, channel *db.Channel, payload Payload) error {
	s, ok := d.senders[channel.Kind]
	if !ok {
		return ErrUnknownChannelKind
	}
	// Config was decrypted by the EncryptedString scanner when the row
	// loaded.
	return s.send(ctx, json.RawMessage(channel.Config), payload)
}
