// Package alerts watches destination storage through periodic snapshots and
// raises system notifications for usage spikes, capacity limits, and missing
// backups. A persisted per-(destination, alert kind) state machine
// de-duplicates firing: a notification goes out on the inactive to active
// transition, a reminder after a 24-hour cooldown while still active, and the
// state resets once the condition resolves.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/notify"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
)

// Settings keys read by the monitor. Thresholds are reloaded on every sweep,
// so changes take effect without a restart.
const (
	KeySpikePercent   = "alerts.spike_percent"   // float, percent change between the last two snapshots
	KeyMissingHours   = "alerts.missing_hours"   // float, hours since the file count last changed
	KeySpikeEnabled   = "alerts.spike_enabled"   // bool, default true
	KeyLimitEnabled   = "alerts.limit_enabled"   // bool, default true
	KeyMissingEnabled = "alerts.missing_enabled" // bool, default true

	// KeyLimitBytesPrefix + <destination uuid> holds the capacity limit in
	// bytes for one destination. Destinations without a limit key are not
	// checked against the limit rule.
	KeyLimitBytesPrefix = "alerts.limit_bytes."
)

// Defaults applied when a settings key is absent or malformed.
const (
	DefaultSpikePercent = 50.0
	DefaultMissingHours = 48.0
)

// Cooldown is the minimum interval between repeat notifications while an
// alert stays active.
const Cooldown = 24 * time.Hour

// limitRatio is the fraction of the configured capacity limit at which the
// limit alert becomes active.
const limitRatio = 0.9

// snapshotRetention bounds the snapshot history kept in the database.
const snapshotRetention = 90 * 24 * time.Hour

// historyDepth caps how many snapshots one evaluation loads.
const historyDepth = 100

// Notifier delivers system events. Satisfied by notify.Dispatcher.
type Notifier interface {
	DispatchSystem(ctx context.Context, ev notify.Event)
}

// StorageResolver resolves a destination kind to its storage adapter.
type StorageResolver interface {
	Get(id string) (storage.Adapter, error)
}

// Config carries the monitor's collaborators.
type Config struct {
	Logger       *zap.Logger
	Destinations repositories.DestinationRepository
	Jobs         repositories.JobRepository
	Snapshots    repositories.SnapshotRepository
	States       repositories.AlertStateRepository
	Settings     repositories.SettingsRepository
	Storage      StorageResolver
	Notifier     Notifier

	// Interval between background sweeps. Zero means one hour.
	Interval time.Duration
}

// Monitor captures storage snapshots and evaluates alert conditions against
// them. It runs as a background loop and is additionally poked by the runner
// after every execution via Refresh.
type Monitor struct {
	logger       *zap.Logger
	destinations repositories.DestinationRepository
	jobs         repositories.JobRepository
	snapshots    repositories.SnapshotRepository
	states       repositories.AlertStateRepository
	settings     repositories.SettingsRepository
	storage      StorageResolver
	notifier     Notifier
	interval     time.Duration

	now func() time.Time
}

// New returns a Monitor wired to the given collaborators.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Monitor{
		logger:       cfg.Logger.Named("alerts"),
		destinations: cfg.Destinations,
		jobs:         cfg.Jobs,
		snapshots:    cfg.Snapshots,
		states:       cfg.States,
		settings:     cfg.Settings,
		storage:      cfg.Storage,
		notifier:     cfg.Notifier,
		interval:     interval,
		now:          time.Now,
	}
}

// Run sweeps immediately and then on every interval tick until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep captures a snapshot for every destination, evaluates the alert rules,
// and prunes snapshot history past the retention window. Per-destination
// failures are logged and do not stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	destinations, err := m.destinations.ListAll(ctx)
	if err != nil {
		m.logger.Warn("sweep: list destinations", zap.Error(err))
		return
	}

	th := m.loadThresholds(ctx)
	for i := range destinations {
		dest := &destinations[i]
		if _, err := m.capture(ctx, dest); err != nil {
			// Evaluation still runs on stored history so an unreachable
			// destination can keep an active alert alive.
			m.logger.Warn("sweep: capture snapshot",
				zap.String("destination", dest.Name), zap.Error(err))
		}
		m.evaluate(ctx, th, dest)
	}

	if err := m.snapshots.DeleteOlderThan(ctx, m.now().Add(-snapshotRetention)); err != nil {
		m.logger.Warn("sweep: prune snapshots", zap.Error(err))
	}
}

// Refresh captures and evaluates one destination. The runner calls this in a
// goroutine after finalize, so it builds its own bounded context.
func (m *Monitor) Refresh(destinationID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dest, err := m.destinations.GetByID(ctx, destinationID)
	if err != nil {
		m.logger.Warn("refresh: load destination",
			zap.String("destinationId", destinationID.String()), zap.Error(err))
		return
	}
	if _, err := m.capture(ctx, dest); err != nil {
		m.logger.Warn("refresh: capture snapshot",
			zap.String("destination", dest.Name), zap.Error(err))
	}
	m.evaluate(ctx, m.loadThresholds(ctx), dest)
}

// -----------------------------------------------------------------------------
// Rule evaluation
// -----------------------------------------------------------------------------

func (m *Monitor) evaluate(ctx context.Context, th thresholds, dest *db.Destination) {
	snaps, err := m.snapshots.ListByDestination(ctx, dest.ID, historyDepth)
	if err != nil {
		m.logger.Warn("evaluate: list snapshots",
			zap.String("destination", dest.Name), zap.Error(err))
		return
	}
	if len(snaps) == 0 {
		return
	}

	active, details := spikeCondition(snaps, th.spikePercent)
	m.transition(ctx, dest, db.AlertUsageSpike, th.spikeEnabled, active, notify.Event{
		Type:            notify.EventStorageUsageSpike,
		DestinationName: dest.Name,
		Details:         details,
	})

	active, details = limitCondition(snaps[0], th.limits[dest.ID.String()])
	m.transition(ctx, dest, db.AlertLimitWarning, th.limitEnabled, active, notify.Event{
		Type:            notify.EventStorageLimitWarning,
		DestinationName: dest.Name,
		Details:         details,
	})

	active, details = missingCondition(snaps, th.missingHours, m.now())
	m.transition(ctx, dest, db.AlertMissingBackup, th.missingEnabled, active, notify.Event{
		Type:            notify.EventStorageMissingBackup,
		DestinationName: dest.Name,
		Details:         details,
	})
}

// spikeCondition compares the two most recent snapshots. The rule needs a
// previous size to compare against, so fewer than two snapshots (or a zero
// previous size) never fires.
func spikeCondition(snaps []db.StorageSnapshot, percent float64) (bool, map[string]string) {
	if len(snaps) < 2 || snaps[1].TotalSize <= 0 {
		return false, nil
	}
	current, previous := snaps[0].TotalSize, snaps[1].TotalSize
	change := float64(current-previous) / float64(previous) * 100
	if abs(change) < percent {
		return false, nil
	}
	return true, map[string]string{
		"Previous": formatBytes(previous),
		"Current":  formatBytes(current),
		"Change":   fmt.Sprintf("%+.0f%%", change),
	}
}

// limitCondition fires when the current size reaches 90% of the configured
// capacity. A zero limit means the destination has no limit configured, which
// also resolves a previously active alert once the operator clears the key.
func limitCondition(current db.StorageSnapshot, limit int64) (bool, map[string]string) {
	if limit <= 0 {
		return false, nil
	}
	usage := float64(current.TotalSize) / float64(limit)
	if usage < limitRatio {
		return false, nil
	}
	return true, map[string]string{
		"Used":  formatBytes(current.TotalSize),
		"Limit": formatBytes(limit),
		"Usage": fmt.Sprintf("%.0f%%", usage*100),
	}
}

// missingCondition walks the history newest-first for the last time the file
// count changed. When no change is visible, the oldest snapshot bounds the
// estimate: the destination has been static for at least that long.
func missingCondition(snaps []db.StorageSnapshot, hours float64, now time.Time) (bool, map[string]string) {
	lastChange := snaps[len(snaps)-1].CapturedAt
	for i := 0; i+1 < len(snaps); i++ {
		if snaps[i].FileCount != snaps[i+1].FileCount {
			lastChange = snaps[i].CapturedAt
			break
		}
	}
	threshold := time.Duration(hours * float64(time.Hour))
	since := now.Sub(lastChange)
	if since < threshold {
		return false, nil
	}
	return true, map[string]string{
		"LastBackup": lastChange.UTC().Format(time.RFC3339),
		"Threshold":  fmt.Sprintf("%.0fh", hours),
	}
}

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// transition applies the de-duplication state machine for one (destination,
// kind) pair and fires the event when a notification is due. State rows are
// written only when something changed.
func (m *Monitor) transition(ctx context.Context, dest *db.Destination, kind string, enabled, active bool, ev notify.Event) {
	state, err := m.states.Get(ctx, dest.ID, kind)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		m.logger.Warn("alert state: load",
			zap.String("destination", dest.Name), zap.String("kind", kind), zap.Error(err))
		return
	}
	currentlyActive := state != nil && state.Active

	if !enabled {
		if currentlyActive {
			m.reset(ctx, dest, kind)
		}
		return
	}

	switch {
	case active && !currentlyActive:
		m.fire(ctx, kind, ev)
		m.persist(ctx, state, dest, kind)
	case active && currentlyActive:
		if state.LastNotifiedAt == nil || m.now().Sub(*state.LastNotifiedAt) >= Cooldown {
			m.fire(ctx, kind, ev)
			m.persist(ctx, state, dest, kind)
		}
	case !active && currentlyActive:
		m.reset(ctx, dest, kind)
	}
}

func (m *Monitor) fire(ctx context.Context, kind string, ev notify.Event) {
	metrics.AlertsFiredTotal.WithLabelValues(kind).Inc()
	if m.notifier == nil {
		return
	}
	m.notifier.DispatchSystem(ctx, ev)
}

func (m *Monitor) persist(ctx context.Context, state *db.AlertState, dest *db.Destination, kind string) {
	if state == nil {
		state = &db.AlertState{DestinationID: dest.ID, AlertKind: kind}
	}
	now := m.now()
	state.Active = true
	state.LastNotifiedAt = &now
	if err := m.states.Upsert(ctx, state); err != nil {
		m.logger.Warn("alert state: upsert",
			zap.String("destination", dest.Name), zap.String("kind", kind), zap.Error(err))
	}
}

func (m *Monitor) reset(ctx context.Context, dest *db.Destination, kind string) {
	if err := m.states.Reset(ctx, dest.ID, kind); err != nil {
		m.logger.Warn("alert state: reset",
			zap.String("destination", dest.Name), zap.String("kind", kind), zap.Error(err))
	}
}

// -----------------------------------------------------------------------------
// Thresholds
// -----------------------------------------------------------------------------

type thresholds struct {
	spikePercent   float64
	missingHours   float64
	spikeEnabled   bool
	limitEnabled   bool
	missingEnabled bool
	limits         map[string]int64 // destination id -> capacity limit in bytes
}

// loadThresholds reads the "alerts." settings group, falling back to defaults
// for absent or malformed values.
func (m *Monitor) loadThresholds(ctx context.Context) thresholds {
	th := thresholds{
		spikePercent:   DefaultSpikePercent,
		missingHours:   DefaultMissingHours,
		spikeEnabled:   true,
		limitEnabled:   true,
		missingEnabled: true,
		limits:         map[string]int64{},
	}

	values, err := m.settings.GetAllByPrefix(ctx, "alerts.")
	if err != nil {
		m.logger.Warn("load thresholds", zap.Error(err))
		return th
	}

	for key, value := range values {
		switch key {
		case KeySpikePercent:
			if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
				th.spikePercent = v
			}
		case KeyMissingHours:
			if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
				th.missingHours = v
			}
		case KeySpikeEnabled:
			if v, err := strconv.ParseBool(value); err == nil {
				th.spikeEnabled = v
			}
		case KeyLimitEnabled:
			if v, err := strconv.ParseBool(value); err == nil {
				th.limitEnabled = v
			}
		case KeyMissingEnabled:
			if v, err := strconv.ParseBool(value); err == nil {
				th.missingEnabled = v
			}
		default:
			if destID, ok := strings.CutPrefix(key, KeyLimitBytesPrefix); ok {
				if v, err := strconv.ParseInt(value, 10, 64); err == nil && v > 0 {
					th.limits[destID] = v
				}
			}
		}
	}
	return th
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
