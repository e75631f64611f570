package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/codec"
	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
	"github.com/dumpkeep-io/dumpkeep/internal/scheduler"
)

// JobHandler groups the job endpoints, including the manual run and restore
// triggers. Persistence is the source of truth: schedule changes are saved
// first, then synced to the scheduler best effort.
type JobHandler struct {
	repo   repositories.JobRepository
	sched  *scheduler.Scheduler
	runner *runner.Runner
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repositories.JobRepository, sched *scheduler.Scheduler, run *runner.Runner, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:   repo,
		sched:  sched,
		runner: run,
		logger: logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// retentionBody is the retention policy fragment shared by requests and
// responses.
type retentionBody struct {
	Mode      string `json:"mode"`
	KeepCount int    `json:"keep_count"`
	Daily     int    `json:"daily"`
	Weekly    int    `json:"weekly"`
	Monthly   int    `json:"monthly"`
	Yearly    int    `json:"yearly"`
}

type jobResponse struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	SourceID        string        `json:"source_id"`
	DestinationID   string        `json:"destination_id"`
	ProfileID       *string       `json:"profile_id"`
	Compression     string        `json:"compression"`
	Schedule        string        `json:"schedule"`
	Enabled         bool          `json:"enabled"`
	Retention       retentionBody `json:"retention"`
	NotifyCondition string        `json:"notify_condition"`
	ChannelIDs      []string      `json:"channel_ids"`
	LastRunAt       *string       `json:"last_run_at"`
	NextRunAt       *string       `json:"next_run_at"`
	CreatedAt       string        `json:"created_at"`
}

func jobToResponse(j *db.Job, channels []db.JobChannel) jobResponse {
	resp := jobResponse{
		ID:            j.ID.String(),
		Name:          j.Name,
		SourceID:      j.SourceID.String(),
		DestinationID: j.DestinationID.String(),
		Compression:   j.Compression,
		Schedule:      j.Schedule,
		Enabled:       j.Enabled,
		Retention: retentionBody{
			Mode:      j.RetentionMode,
			KeepCount: j.KeepCount,
			Daily:     j.RetentionDaily,
			Weekly:    j.RetentionWeekly,
			Monthly:   j.RetentionMonthly,
			Yearly:    j.RetentionYearly,
		},
		NotifyCondition: j.NotifyCondition,
		ChannelIDs:      make([]string, len(channels)),
		CreatedAt:       j.CreatedAt.UTC().String(),
	}
	if j.ProfileID != nil {
		s := j.ProfileID.String()
		resp.ProfileID = &s
	}
	if j.LastRunAt != nil {
		s := j.LastRunAt.UTC().Format(time.RFC3339)
		resp.LastRunAt = &s
	}
	if j.NextRunAt != nil {
		s := j.NextRunAt.UTC().Format(time.RFC3339)
		resp.NextRunAt = &s
	}
	for i, c := range channels {
		resp.ChannelIDs[i] = c.ChannelID.String()
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

func validRetentionMode(mode string) bool {
	switch mode {
	case db.RetentionNone, db.RetentionSimple, db.RetentionSmart:
		return true
	}
	return false
}

func validNotifyCondition(cond string) bool {
	switch cond {
	case db.NotifyAlways, db.NotifySuccessOnly, db.NotifyFailureOnly:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/jobs. Channel associations are omitted from list
// rows; fetch a single job for the full picture.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], nil)
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

type createJobRequest struct {
	Name            string         `json:"name"`
	SourceID        string         `json:"source_id"`
	DestinationID   string         `json:"destination_id"`
	ProfileID       *string        `json:"profile_id"`
	Compression     string         `json:"compression"`
	Schedule        string         `json:"schedule"`
	Enabled         *bool          `json:"enabled"`
	Retention       *retentionBody `json:"retention"`
	NotifyCondition string         `json:"notify_condition"`
	ChannelIDs      []string       `json:"channel_ids"`
}

// Create handles POST /api/v1/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		ErrBadRequest(w, "source_id must be a valid UUID")
		return
	}
	destinationID, err := uuid.Parse(req.DestinationID)
	if err != nil {
		ErrBadRequest(w, "destination_id must be a valid UUID")
		return
	}
	if err := scheduler.ValidateSchedule(req.Schedule); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	if req.Compression == "" {
		req.Compression = codec.CompressionNone
	}
	if !codec.ValidCompression(req.Compression) {
		ErrBadRequest(w, "unsupported compression "+req.Compression)
		return
	}
	if req.NotifyCondition == "" {
		req.NotifyCondition = db.NotifyAlways
	}
	if !validNotifyCondition(req.NotifyCondition) {
		ErrBadRequest(w, "invalid notify_condition "+req.NotifyCondition)
		return
	}

	job := &db.Job{
		Name:            req.Name,
		SourceID:        sourceID,
		DestinationID:   destinationID,
		Compression:     req.Compression,
		Schedule:        req.Schedule,
		Enabled:         true,
		RetentionMode:   db.RetentionNone,
		NotifyCondition: req.NotifyCondition,
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.ProfileID != nil {
		profileID, err := uuid.Parse(*req.ProfileID)
		if err != nil {
			ErrBadRequest(w, "profile_id must be a valid UUID")
			return
		}
		job.ProfileID = &profileID
	}
	if req.Retention != nil {
		if !validRetentionMode(req.Retention.Mode) {
			ErrBadRequest(w, "invalid retention mode "+req.Retention.Mode)
			return
		}
		applyRetention(job, req.Retention)
	}

	channelIDs, ok := parseChannelIDs(w, req.ChannelIDs)
	if !ok {
		return
	}

	if next, err := scheduler.NextRun(job.Schedule, time.Now().UTC()); err == nil {
		job.NextRunAt = &next
	}

	if err := h.repo.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.repo.SetChannels(r.Context(), job.ID, channelIDs); err != nil {
		h.logger.Error("failed to set job channels", zap.String("id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	// Scheduler sync is best effort; persistence already succeeded.
	if job.Enabled {
		if err := h.sched.AddJob(job); err != nil {
			h.logger.Warn("job created but not scheduled", zap.String("id", job.ID.String()), zap.Error(err))
		}
	}

	channels, err := h.repo.ListChannels(r.Context(), job.ID)
	if err != nil {
		channels = nil
	}
	Created(w, jobToResponse(job, channels))
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, channels, err := h.repo.GetByIDWithChannels(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, jobToResponse(job, channels))
}

type updateJobRequest struct {
	Name            *string        `json:"name"`
	SourceID        *string        `json:"source_id"`
	DestinationID   *string        `json:"destination_id"`
	ProfileID       *string        `json:"profile_id"`
	ClearProfile    bool           `json:"clear_profile"`
	Compression     *string        `json:"compression"`
	Schedule        *string        `json:"schedule"`
	Enabled         *bool          `json:"enabled"`
	Retention       *retentionBody `json:"retention"`
	NotifyCondition *string        `json:"notify_condition"`
	ChannelIDs      []string       `json:"channel_ids"`
}

// Update handles PATCH /api/v1/jobs/{id}. Only non-nil fields are applied.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		job.Name = *req.Name
	}
	if req.SourceID != nil {
		sourceID, err := uuid.Parse(*req.SourceID)
		if err != nil {
			ErrBadRequest(w, "source_id must be a valid UUID")
			return
		}
		job.SourceID = sourceID
	}
	if req.DestinationID != nil {
		destinationID, err := uuid.Parse(*req.DestinationID)
		if err != nil {
			ErrBadRequest(w, "destination_id must be a valid UUID")
			return
		}
		job.DestinationID = destinationID
	}
	if req.ClearProfile {
		job.ProfileID = nil
	} else if req.ProfileID != nil {
		profileID, err := uuid.Parse(*req.ProfileID)
		if err != nil {
			ErrBadRequest(w, "profile_id must be a valid UUID")
			return
		}
		job.ProfileID = &profileID
	}
	if req.Compression != nil {
		if !codec.ValidCompression(*req.Compression) {
			ErrBadRequest(w, "unsupported compression "+*req.Compression)
			return
		}
		job.Compression = *req.Compression
	}
	if req.Schedule != nil {
		if err := scheduler.ValidateSchedule(*req.Schedule); err != nil {
			ErrBadRequest(w, err.Error())
			return
		}
		job.Schedule = *req.Schedule
		if next, err := scheduler.NextRun(job.Schedule, time.Now().UTC()); err == nil {
			job.NextRunAt = &next
		}
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Retention != nil {
		if !validRetentionMode(req.Retention.Mode) {
			ErrBadRequest(w, "invalid retention mode "+req.Retention.Mode)
			return
		}
		applyRetention(job, req.Retention)
	}
	if req.NotifyCondition != nil {
		if !validNotifyCondition(*req.NotifyCondition) {
			ErrBadRequest(w, "invalid notify_condition "+*req.NotifyCondition)
			return
		}
		job.NotifyCondition = *req.NotifyCondition
	}

	if err := h.repo.Update(r.Context(), job); err != nil {
		h.logger.Error("failed to update job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.ChannelIDs != nil {
		channelIDs, ok := parseChannelIDs(w, req.ChannelIDs)
		if !ok {
			return
		}
		if err := h.repo.SetChannels(r.Context(), job.ID, channelIDs); err != nil {
			h.logger.Error("failed to set job channels", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	if err := h.sched.UpdateJob(job); err != nil {
		h.logger.Warn("job updated but schedule sync failed", zap.String("id", id.String()), zap.Error(err))
	}

	channels, err := h.repo.ListChannels(r.Context(), job.ID)
	if err != nil {
		channels = nil
	}
	Ok(w, jobToResponse(job, channels))
}

// Delete handles DELETE /api/v1/jobs/{id}. A run already in flight is not
// interrupted; stored artifacts are kept.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.sched.RemoveJob(id)
	NoContent(w)
}

// Run handles POST /api/v1/jobs/{id}/run. Triggers an immediate backup run
// and returns 202 with the execution id; progress streams over the WebSocket
// topic "execution:<id>".
func (h *JobHandler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	executionID, err := h.sched.RunNow(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrBusy):
			ErrConflict(w, "job already has a run in flight")
		case errors.Is(err, repositories.ErrNotFound), dkerr.KindOf(err) == dkerr.KindNotFound:
			ErrNotFound(w)
		case dkerr.KindOf(err) == dkerr.KindConfigInvalid:
			ErrUnprocessable(w, err.Error())
		default:
			h.logger.Error("failed to trigger run", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Accepted(w, map[string]string{"execution_id": executionID.String()})
}

type restoreRequest struct {
	RemotePath   string                      `json:"remote_path"`
	Mapping      map[string]restoreTargetReq `json:"mapping"`
	SourceConfig json.RawMessage             `json:"source_config"`
}

type restoreTargetReq struct {
	TargetName string `json:"target_name"`
	Selected   bool   `json:"selected"`
}

// Restore handles POST /api/v1/jobs/{id}/restore. Replays a stored artifact
// into the job's source. Restores bypass the per-job run lock: a restore can
// proceed while a backup of the same job is in flight, matching the runner's
// separate execution row.
func (h *JobHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req restoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RemotePath == "" {
		ErrBadRequest(w, "remote_path is required")
		return
	}

	opts := runner.RestoreOptions{
		RemotePath:   req.RemotePath,
		SourceConfig: req.SourceConfig,
	}
	if len(req.Mapping) > 0 {
		opts.Mapping = make(dbadapter.RestoreMapping, len(req.Mapping))
		for name, target := range req.Mapping {
			opts.Mapping[name] = dbadapter.RestoreTarget{
				TargetName: target.TargetName,
				Selected:   target.Selected,
			}
		}
	}

	run, err := h.runner.PrepareRestore(r.Context(), id, opts)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound), dkerr.KindOf(err) == dkerr.KindNotFound:
			ErrNotFound(w)
		case dkerr.KindOf(err) == dkerr.KindConfigInvalid:
			ErrUnprocessable(w, err.Error())
		default:
			h.logger.Error("failed to prepare restore", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	go func() {
		metrics.ExecutionsRunning.Inc()
		defer metrics.ExecutionsRunning.Dec()
		if err := h.runner.Execute(context.Background(), run); err != nil {
			h.logger.Warn("restore finished with error",
				zap.String("job_id", id.String()),
				zap.String("execution_id", run.Execution.ID.String()),
				zap.Error(err),
			)
		}
	}()

	Accepted(w, map[string]string{"execution_id": run.Execution.ID.String()})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func applyRetention(job *db.Job, r *retentionBody) {
	job.RetentionMode = r.Mode
	if r.KeepCount > 0 {
		job.KeepCount = r.KeepCount
	}
	if r.Daily > 0 {
		job.RetentionDaily = r.Daily
	}
	if r.Weekly > 0 {
		job.RetentionWeekly = r.Weekly
	}
	if r.Monthly > 0 {
		job.RetentionMonthly = r.Monthly
	}
	if r.Yearly > 0 {
		job.RetentionYearly = r.Yearly
	}
}

func parseChannelIDs(w http.ResponseWriter, raw []string) ([]uuid.UUID, bool) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			ErrBadRequest(w, "channel_ids must be valid UUIDs")
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
