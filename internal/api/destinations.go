package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
)

// DestinationHandler groups the destination endpoints. Like sources,
// destination configs are write-only.
type DestinationHandler struct {
	repo      repositories.DestinationRepository
	snapshots repositories.SnapshotRepository
	adapters  *storage.Registry
	logger    *zap.Logger
}

// NewDestinationHandler creates a new DestinationHandler.
func NewDestinationHandler(
	repo repositories.DestinationRepository,
	snapshots repositories.SnapshotRepository,
	adapters *storage.Registry,
	logger *zap.Logger,
) *DestinationHandler {
	return &DestinationHandler{
		repo:      repo,
		snapshots: snapshots,
		adapters:  adapters,
		logger:    logger.Named("destination_handler"),
	}
}

type destinationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

func destinationToResponse(d *db.Destination) destinationResponse {
	return destinationResponse{
		ID:        d.ID.String(),
		Name:      d.Name,
		Kind:      d.Kind,
		CreatedAt: d.CreatedAt.UTC().String(),
	}
}

type listDestinationsResponse struct {
	Items []destinationResponse `json:"items"`
	Total int64                 `json:"total"`
}

// List handles GET /api/v1/destinations.
func (h *DestinationHandler) List(w http.ResponseWriter, r *http.Request) {
	destinations, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list destinations", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]destinationResponse, len(destinations))
	for i := range destinations {
		items[i] = destinationToResponse(&destinations[i])
	}
	Ok(w, listDestinationsResponse{Items: items, Total: total})
}

type createDestinationRequest struct {
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// Create handles POST /api/v1/destinations.
func (h *DestinationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDestinationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if _, err := h.adapters.Get(req.Kind); err != nil {
		ErrBadRequest(w, "unknown destination kind "+strconv.Quote(req.Kind))
		return
	}
	if len(req.Config) == 0 {
		ErrBadRequest(w, "config is required")
		return
	}

	destination := &db.Destination{
		Name:   req.Name,
		Kind:   req.Kind,
		Config: db.EncryptedString(req.Config),
	}
	if err := h.repo.Create(r.Context(), destination); err != nil {
		h.logger.Error("failed to create destination", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, destinationToResponse(destination))
}

// GetByID handles GET /api/v1/destinations/{id}.
func (h *DestinationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	destination, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get destination", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, destinationToResponse(destination))
}

type updateDestinationRequest struct {
	Name   *string         `json:"name"`
	Config json.RawMessage `json:"config"`
}

// Update handles PATCH /api/v1/destinations/{id}.
func (h *DestinationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateDestinationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	destination, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get destination for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		destination.Name = *req.Name
	}
	if len(req.Config) > 0 {
		destination.Config = db.EncryptedString(req.Config)
	}

	if err := h.repo.Update(r.Context(), destination); err != nil {
		h.logger.Error("failed to update destination", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, destinationToResponse(destination))
}

// Delete handles DELETE /api/v1/destinations/{id}. Stored artifacts are not
// touched; only the record is removed.
func (h *DestinationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete destination", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// Test handles POST /api/v1/destinations/{id}/test. Performs a write/read/
// delete round trip against the backend with the stored credentials.
func (h *DestinationHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	destination, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get destination for test", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	adapter, err := h.adapters.Get(destination.Kind)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	if err := adapter.Test(r.Context(), json.RawMessage(destination.Config)); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	Ok(w, map[string]string{"status": "ok"})
}

// snapshotResponse is one storage usage measurement.
type snapshotResponse struct {
	TotalSize  int64  `json:"total_size"`
	FileCount  int64  `json:"file_count"`
	CapturedAt string `json:"captured_at"`
}

// Snapshots handles GET /api/v1/destinations/{id}/snapshots. Returns usage
// history newest first, for the storage graphs.
func (h *DestinationHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.repo.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get destination", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	limit := paginationOpts(r).Limit
	snapshots, err := h.snapshots.ListByDestination(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]snapshotResponse, len(snapshots))
	for i, s := range snapshots {
		items[i] = snapshotResponse{
			TotalSize:  s.TotalSize,
			FileCount:  s.FileCount,
			CapturedAt: s.CapturedAt.UTC().Format(time.RFC3339),
		}
	}
	Ok(w, map[string]any{"items": items})
}
