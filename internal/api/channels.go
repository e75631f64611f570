package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/notify"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// ChannelHandler groups the notification channel endpoints.
type ChannelHandler struct {
	repo       repositories.ChannelRepository
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

// NewChannelHandler creates a new ChannelHandler.
func NewChannelHandler(repo repositories.ChannelRepository, dispatcher *notify.Dispatcher, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger.Named("channel_handler"),
	}
}

type channelResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

func channelToResponse(c *db.Channel) channelResponse {
	return channelResponse{
		ID:        c.ID.String(),
		Name:      c.Name,
		Kind:      c.Kind,
		CreatedAt: c.CreatedAt.UTC().String(),
	}
}

type listChannelsResponse struct {
	Items []channelResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/channels.
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	channels, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list channels", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]channelResponse, len(channels))
	for i := range channels {
		items[i] = channelToResponse(&channels[i])
	}
	Ok(w, listChannelsResponse{Items: items, Total: total})
}

type createChannelRequest struct {
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// Create handles POST /api/v1/channels.
func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if !h.dispatcher.Supports(req.Kind) {
		ErrBadRequest(w, "unknown channel kind "+strconv.Quote(req.Kind))
		return
	}
	if len(req.Config) == 0 {
		ErrBadRequest(w, "config is required")
		return
	}

	channel := &db.Channel{
		Name:   req.Name,
		Kind:   req.Kind,
		Config: db.EncryptedString(req.Config),
	}
	if err := h.repo.Create(r.Context(), channel); err != nil {
		h.logger.Error("failed to create channel", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, channelToResponse(channel))
}

// GetByID handles GET /api/v1/channels/{id}.
func (h *ChannelHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	channel, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get channel", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, channelToResponse(channel))
}

type updateChannelRequest struct {
	Name   *string         `json:"name"`
	Config json.RawMessage `json:"config"`
}

// Update handles PATCH /api/v1/channels/{id}.
func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateChannelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	channel, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get channel for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		channel.Name = *req.Name
	}
	if len(req.Config) > 0 {
		channel.Config = db.EncryptedString(req.Config)
	}

	if err := h.repo.Update(r.Context(), channel); err != nil {
		h.logger.Error("failed to update channel", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, channelToResponse(channel))
}

// Delete handles DELETE /api/v1/channels/{id}. Job associations are removed
// by the repository; past notification log rows keep the channel id.
func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete channel", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// Test handles POST /api/v1/channels/{id}/test. Sends a synthetic
// notification through the channel and reports the delivery result.
func (h *ChannelHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	channel, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get channel for test", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.dispatcher.Test(r.Context(), channel); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	Ok(w, map[string]string{"status": "ok"})
}
