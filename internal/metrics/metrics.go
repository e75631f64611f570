// Package metrics exposes Prometheus collectors for run outcomes, API
// traffic, notification delivery, and alert firing. Collectors are package
// globals registered once at init; the HTTP handler is mounted unauthenticated
// on the API router.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpkeep_executions_total",
			Help: "Total number of finished executions by kind and status",
		},
		[]string{"kind", "status"},
	)

	ExecutionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dumpkeep_executions_running",
			Help: "Number of executions currently running",
		},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dumpkeep_execution_duration_seconds",
			Help:    "Execution duration in seconds by kind",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"kind"},
	)

	BackupBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dumpkeep_backup_bytes_total",
			Help: "Total artifact bytes produced by successful backups",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpkeep_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dumpkeep_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpkeep_notifications_total",
			Help: "Total notification delivery attempts by channel kind and status",
		},
		[]string{"kind", "status"},
	)

	// Alert metrics
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumpkeep_alerts_fired_total",
			Help: "Total storage alerts fired by alert kind",
		},
		[]string{"kind"},
	)

	// WebsocketClients mirrors the hub's connected client count.
	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dumpkeep_websocket_clients",
			Help: "Number of connected WebSocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionsRunning)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(BackupBytesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(WebsocketClients)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ExecutionSink matches the runner's event sink contract.
type ExecutionSink interface {
	ExecutionFinished(ctx context.Context, job *db.Job, execution *db.Execution)
}

// Sink observes execution outcomes and forwards the event to Next. Wired
// between the runner and the notification dispatcher in main so every
// finished run is counted exactly once.
type Sink struct {
	Next ExecutionSink
}

func (s *Sink) ExecutionFinished(ctx context.Context, job *db.Job, execution *db.Execution) {
	ExecutionsTotal.WithLabelValues(execution.Kind, execution.Status).Inc()
	if execution.StartedAt != nil && execution.EndedAt != nil {
		ExecutionDuration.WithLabelValues(execution.Kind).
			Observe(execution.EndedAt.Sub(*execution.StartedAt).Seconds())
	}
	if execution.Kind == db.ExecutionBackup && execution.Status == db.StatusSuccess {
		BackupBytesTotal.Add(float64(execution.SizeBytes))
	}
	if s.Next != nil {
		s.Next.ExecutionFinished(ctx, job, execution)
	}
}
