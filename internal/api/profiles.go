package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
)

// ProfileHandler groups the encryption profile endpoints. The data key is
// generated server-side on create and never leaves the process; responses
// expose only the profile metadata.
type ProfileHandler struct {
	repo   repositories.ProfileRepository
	logger *zap.Logger
}

// NewProfileHandler creates a new ProfileHandler.
func NewProfileHandler(repo repositories.ProfileRepository, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{
		repo:   repo,
		logger: logger.Named("profile_handler"),
	}
}

type profileResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

func profileToResponse(p *db.EncryptionProfile) profileResponse {
	return profileResponse{
		ID:          p.ID.String(),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt.UTC().String(),
	}
}

type listProfilesResponse struct {
	Items []profileResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/profiles.
func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list profiles", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]profileResponse, len(profiles))
	for i := range profiles {
		items[i] = profileToResponse(&profiles[i])
	}
	Ok(w, listProfilesResponse{Items: items, Total: total})
}

type createProfileRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Key optionally imports an existing 32-byte data key as 64 hex
	// characters. Empty means generate a fresh key.
	Key string `json:"key"`
}

// Create handles POST /api/v1/profiles. The data key is either generated
// fresh or imported from the request, and stored wrapped by the master key.
func (h *ProfileHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	var hexKey string
	if req.Key != "" {
		raw, err := secrets.ParseHexKey(req.Key)
		if err != nil {
			ErrBadRequest(w, "key must be 64 hex characters")
			return
		}
		secrets.Zeroize(raw)
		hexKey = req.Key
	} else {
		raw, generated, err := secrets.GenerateDataKey()
		if err != nil {
			h.logger.Error("failed to generate data key", zap.Error(err))
			ErrInternal(w)
			return
		}
		secrets.Zeroize(raw)
		hexKey = generated
	}

	profile := &db.EncryptionProfile{
		Name:        req.Name,
		Description: req.Description,
		WrappedKey:  db.EncryptedString(hexKey),
	}
	if err := h.repo.Create(r.Context(), profile); err != nil {
		h.logger.Error("failed to create profile", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, profileToResponse(profile))
}

// GetByID handles GET /api/v1/profiles/{id}.
func (h *ProfileHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	profile, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get profile", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, profileToResponse(profile))
}

type updateProfileRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// Update handles PATCH /api/v1/profiles/{id}. Only metadata can change; the
// data key is immutable for the lifetime of the profile.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get profile for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		profile.Name = *req.Name
	}
	if req.Description != nil {
		profile.Description = *req.Description
	}

	if err := h.repo.Update(r.Context(), profile); err != nil {
		h.logger.Error("failed to update profile", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, profileToResponse(profile))
}

// Delete handles DELETE /api/v1/profiles/{id}. Destructive: artifacts
// encrypted under this profile become permanently unreadable. Clients must
// confirm before calling.
func (h *ProfileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete profile", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Warn("encryption profile deleted, artifacts under it are unreadable",
		zap.String("id", id.String()))
	NoContent(w)
}
