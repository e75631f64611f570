package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// SourceHandler groups the source endpoints. Source configs are write-only
// through the API: they are stored encrypted and never echoed back.
type SourceHandler struct {
	repo     repositories.SourceRepository
	adapters *dbadapter.Registry
	logger   *zap.Logger
}

// NewSourceHandler creates a new SourceHandler.
func NewSourceHandler(repo repositories.SourceRepository, adapters *dbadapter.Registry, logger *zap.Logger) *SourceHandler {
	return &SourceHandler{
		repo:     repo,
		adapters: adapters,
		logger:   logger.Named("source_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// sourceResponse is the JSON representation of a source. Config is
// intentionally omitted — it is write-only.
type sourceResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	DetectedVersion string `json:"detected_version"`
	CreatedAt       string `json:"created_at"`
}

func sourceToResponse(s *db.Source) sourceResponse {
	return sourceResponse{
		ID:              s.ID.String(),
		Name:            s.Name,
		Kind:            s.Kind,
		DetectedVersion: s.DetectedVersion,
		CreatedAt:       s.CreatedAt.UTC().String(),
	}
}

// listSourcesResponse wraps a paginated list of sources.
type listSourcesResponse struct {
	Items []sourceResponse `json:"items"`
	Total int64            `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/sources.
func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	sources, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list sources", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]sourceResponse, len(sources))
	for i := range sources {
		items[i] = sourceToResponse(&sources[i])
	}
	Ok(w, listSourcesResponse{Items: items, Total: total})
}

// createSourceRequest is the JSON body expected by POST /api/v1/sources.
// Config is the adapter-specific connection document; it is validated by the
// adapter on the first test or run, not here.
type createSourceRequest struct {
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// Create handles POST /api/v1/sources.
func (h *SourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if _, err := h.adapters.Get(req.Kind); err != nil {
		ErrBadRequest(w, "unknown source kind "+strconv.Quote(req.Kind))
		return
	}
	if len(req.Config) == 0 {
		ErrBadRequest(w, "config is required")
		return
	}

	source := &db.Source{
		Name:   req.Name,
		Kind:   req.Kind,
		Config: db.EncryptedString(req.Config),
	}
	if err := h.repo.Create(r.Context(), source); err != nil {
		h.logger.Error("failed to create source", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, sourceToResponse(source))
}

// GetByID handles GET /api/v1/sources/{id}.
func (h *SourceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	source, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get source", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, sourceToResponse(source))
}

// updateSourceRequest is the JSON body for PATCH /api/v1/sources/{id}.
// All fields are optional; only non-nil values are applied.
type updateSourceRequest struct {
	Name   *string         `json:"name"`
	Config json.RawMessage `json:"config"`
}

// Update handles PATCH /api/v1/sources/{id}.
func (h *SourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	source, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get source for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		source.Name = *req.Name
	}
	if len(req.Config) > 0 {
		source.Config = db.EncryptedString(req.Config)
		// A new config invalidates the previously detected version.
		source.DetectedVersion = ""
	}

	if err := h.repo.Update(r.Context(), source); err != nil {
		h.logger.Error("failed to update source", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, sourceToResponse(source))
}

// Delete handles DELETE /api/v1/sources/{id}.
func (h *SourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete source", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// Test handles POST /api/v1/sources/{id}/test. It verifies connectivity with
// the stored credentials, captures the detected server version, and returns
// it. Version bookkeeping is best effort.
func (h *SourceHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	source, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get source for test", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	adapter, err := h.adapters.Get(source.Kind)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	if err := adapter.Test(r.Context(), json.RawMessage(source.Config)); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	version, err := adapter.DetectVersion(r.Context(), json.RawMessage(source.Config))
	if err != nil {
		h.logger.Warn("version detection failed after successful test",
			zap.String("id", id.String()), zap.Error(err))
	} else if version != source.DetectedVersion {
		if err := h.repo.UpdateDetectedVersion(r.Context(), id, version); err != nil {
			h.logger.Warn("failed to persist detected version",
				zap.String("id", id.String()), zap.Error(err))
		}
	}

	Ok(w, map[string]string{"version": version})
}

// Databases handles GET /api/v1/sources/{id}/databases. Enumerates the user
// databases on the server, used by the restore mapping UI.
func (h *SourceHandler) Databases(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	source, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get source", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	adapter, err := h.adapters.Get(source.Kind)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	databases, err := adapter.ListDatabases(r.Context(), json.RawMessage(source.Config))
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	Ok(w, map[string]any{"databases": databases})
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name. Writes a 400
// and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
