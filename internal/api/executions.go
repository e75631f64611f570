package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
)

// ProgressSource yields the live stage and percent of an in-flight run.
// Implemented by *runner.Runner.
type ProgressSource interface {
	Progress(executionID uuid.UUID) (runner.Progress, bool)
}

// ExecutionHandler exposes the execution history. Executions are created by
// the scheduler and runner; this handler is read-only. progress supplies
// live stage and percent for rows still marked Running.
type ExecutionHandler struct {
	repo     repositories.ExecutionRepository
	progress ProgressSource
	logger   *zap.Logger
}

// NewExecutionHandler creates a new ExecutionHandler. progress may be nil.
func NewExecutionHandler(repo repositories.ExecutionRepository, progress ProgressSource, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		repo:     repo,
		progress: progress,
		logger:   logger.Named("execution_handler"),
	}
}

type executionResponse struct {
	ID         string  `json:"id"`
	JobID      *string `json:"job_id"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at"`
	EndedAt    *string `json:"ended_at"`
	SizeBytes  int64   `json:"size_bytes"`
	RemotePath string  `json:"remote_path"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`

	// Stage and Progress carry the runner's live state while the execution
	// is Running; both are absent on terminal rows.
	Stage    string   `json:"stage,omitempty"`
	Progress *float64 `json:"progress,omitempty"`

	// Logs is populated only when include_logs=true on the detail endpoint.
	Logs json.RawMessage `json:"logs,omitempty"`
}

func executionToResponse(e *db.Execution) executionResponse {
	resp := executionResponse{
		ID:         e.ID.String(),
		Kind:       e.Kind,
		Status:     e.Status,
		SizeBytes:  e.SizeBytes,
		RemotePath: e.RemotePath,
		Error:      e.Error,
		ErrorKind:  e.ErrorKind,
	}
	if e.JobID != nil {
		s := e.JobID.String()
		resp.JobID = &s
	}
	if e.StartedAt != nil {
		s := e.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if e.EndedAt != nil {
		s := e.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

// attachProgress fills in the live stage and percent for rows still marked
// Running. A Running row the runner no longer tracks (crash, other node)
// stays bare.
func (h *ExecutionHandler) attachProgress(e *db.Execution, resp *executionResponse) {
	if h.progress == nil || e.Status != db.StatusRunning {
		return
	}
	if p, ok := h.progress.Progress(e.ID); ok {
		resp.Stage = p.Stage
		resp.Progress = &p.Percent
	}
}

type listExecutionsResponse struct {
	Items []executionResponse `json:"items"`
	Total int64               `json:"total"`
}

// List handles GET /api/v1/executions. Supports ?job_id=<uuid> and
// ?status=<status> filters plus the standard pagination parameters. The
// filters are mutually exclusive; job_id wins when both are present.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		executions []db.Execution
		total      int64
		err        error
	)
	switch {
	case r.URL.Query().Get("job_id") != "":
		jobID, parseErr := uuid.Parse(r.URL.Query().Get("job_id"))
		if parseErr != nil {
			ErrBadRequest(w, "job_id must be a valid UUID")
			return
		}
		executions, total, err = h.repo.ListByJob(r.Context(), jobID, opts)
	case r.URL.Query().Get("status") != "":
		executions, total, err = h.repo.ListByStatus(r.Context(), r.URL.Query().Get("status"), opts)
	default:
		executions, total, err = h.repo.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list executions", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]executionResponse, len(executions))
	for i := range executions {
		items[i] = executionToResponse(&executions[i])
		h.attachProgress(&executions[i], &items[i])
	}
	Ok(w, listExecutionsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/executions/{id}. Pass ?include_logs=true to
// embed the captured log entries in the response.
func (h *ExecutionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	execution, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get execution", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := executionToResponse(execution)
	h.attachProgress(execution, &resp)
	if r.URL.Query().Get("include_logs") == "true" {
		if json.Valid([]byte(execution.Logs)) {
			resp.Logs = json.RawMessage(execution.Logs)
		} else {
			resp.Logs = json.RawMessage("[]")
		}
	}

	Ok(w, resp)
}
