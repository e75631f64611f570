package notify

import (
	"fmt"
	"sort"
	"time"
)

// Payload is the adapter-agnostic rendering of an event. Every channel
// sender maps this one shape onto its native body.
type Payload struct {
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Success bool    `json:"success"`
	Color   string  `json:"color"` // hex, e.g. "#2ecc71"
	Fields  []Field `json:"fields,omitempty"`
}

// Field is one name/value pair shown by channels that support structured
// bodies (chat embeds, email tables).
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

const (
	colorSuccess = "#2ecc71"
	colorFailure = "#e74c3c"
	colorWarning = "#e67e22"
)

// Render maps an event onto its payload. Pure: same event, same payload.
func Render(ev Event) Payload {
	var p Payload
	switch ev.Type {
	case EventBackupSuccess:
		p = Payload{
			Title:   fmt.Sprintf("Backup completed: %s", ev.JobName),
			Message: fmt.Sprintf("Job %q finished successfully.", ev.JobName),
			Success: true,
			Color:   colorSuccess,
		}
	case EventBackupFailure:
		p = Payload{
			Title:   fmt.Sprintf("Backup failed: %s", ev.JobName),
			Message: fmt.Sprintf("Job %q failed: %s", ev.JobName, ev.Error),
			Color:   colorFailure,
		}
	case EventRestoreComplete:
		p = Payload{
			Title:   fmt.Sprintf("Restore completed: %s", ev.JobName),
			Message: fmt.Sprintf("Restore for job %q finished successfully.", ev.JobName),
			Success: true,
			Color:   colorSuccess,
		}
	case EventRestoreFailure:
		p = Payload{
			Title:   fmt.Sprintf("Restore failed: %s", ev.JobName),
			Message: fmt.Sprintf("Restore for job %q failed: %s", ev.JobName, ev.Error),
			Color:   colorFailure,
		}
	case EventConfigBackup:
		p = Payload{
			Title:   "Configuration backup created",
			Message: "A backup of the server configuration was written.",
			Success: true,
			Color:   colorSuccess,
		}
	case EventSystemError:
		p = Payload{
			Title:   "System error",
			Message: ev.Error,
			Color:   colorFailure,
		}
	case EventUserLogin:
		p = Payload{
			Title:   "User signed in",
			Message: "A user signed in to the dashboard.",
			Success: true,
			Color:   colorSuccess,
		}
	case EventUserCreated:
		p = Payload{
			Title:   "User created",
			Message: "A new user account was created.",
			Success: true,
			Color:   colorSuccess,
		}
	case EventStorageUsageSpike:
		p = Payload{
			Title:   fmt.Sprintf("Storage usage spike: %s", ev.DestinationName),
			Message: fmt.Sprintf("Destination %q changed size unusually fast.", ev.DestinationName),
			Color:   colorWarning,
		}
	case EventStorageLimitWarning:
		p = Payload{
			Title:   fmt.Sprintf("Storage limit warning: %s", ev.DestinationName),
			Message: fmt.Sprintf("Destination %q is close to its configured size limit.", ev.DestinationName),
			Color:   colorWarning,
		}
	case EventStorageMissingBackup:
		p = Payload{
			Title:   fmt.Sprintf("Missing backups: %s", ev.DestinationName),
			Message: fmt.Sprintf("Destination %q has not received new backups recently.", ev.DestinationName),
			Color:   colorWarning,
		}
	default:
		p = Payload{
			Title:   string(ev.Type),
			Message: ev.Error,
			Color:   colorWarning,
		}
	}

	if ev.SourceName != "" {
		p.Fields = append(p.Fields, Field{Name: "Source", Value: ev.SourceName, Inline: true})
	}
	if ev.SizeBytes > 0 {
		p.Fields = append(p.Fields, Field{Name: "Size", Value: formatBytes(ev.SizeBytes), Inline: true})
	}
	if ev.Duration > 0 {
		p.Fields = append(p.Fields, Field{Name: "Duration", Value: formatDuration(ev.Duration), Inline: true})
	}
	if ev.ExecutionID != "" {
		p.Fields = append(p.Fields, Field{Name: "Execution", Value: ev.ExecutionID})
	}

	// Extra details in stable order.
	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Fields = append(p.Fields, Field{Name: k, Value: ev.Details[k], Inline: true})
	}
	return p
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
