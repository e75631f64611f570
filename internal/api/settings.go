package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// SettingsHandler exposes the key-value settings store. Admin only: settings
// control alert thresholds, system notification channels, and rate limits.
type SettingsHandler struct {
	repo    repositories.SettingsRepository
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(repo repositories.SettingsRepository, limiter *RateLimiter, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		repo:    repo,
		limiter: limiter,
		logger:  logger.Named("settings_handler"),
	}
}

// List handles GET /api/v1/settings. Returns all settings under the given
// ?prefix= as a flat map; an empty prefix returns everything.
func (h *SettingsHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	values, err := h.repo.GetAllByPrefix(r.Context(), prefix)
	if err != nil {
		h.logger.Error("failed to list settings", zap.String("prefix", prefix), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]any{"settings": values})
}

type setSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Set handles PUT /api/v1/settings. Upserts one key. Rate limit changes take
// effect immediately: the limiter reloads and resets its buckets.
func (h *SettingsHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req setSettingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		ErrBadRequest(w, "key is required")
		return
	}

	if err := h.repo.Set(r.Context(), req.Key, req.Value); err != nil {
		h.logger.Error("failed to set setting", zap.String("key", req.Key), zap.Error(err))
		ErrInternal(w)
		return
	}

	if strings.HasPrefix(req.Key, ratelimitPrefix) && h.limiter != nil {
		h.limiter.Reload(r.Context())
	}

	h.logger.Info("setting updated", zap.String("key", req.Key))
	Ok(w, map[string]string{"key": req.Key, "value": req.Value})
}
