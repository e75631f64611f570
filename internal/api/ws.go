package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/websocket"
)

// WSHandler upgrades HTTP connections to WebSocket and attaches them to the
// hub. Browsers cannot set an Authorization header on a WebSocket dial, so
// the API key travels in the "token" query parameter instead.
type WSHandler struct {
	hub    *websocket.Hub
	keys   repositories.APIKeyRepository
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, keys repositories.APIKeyRepository, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		keys:   keys,
		logger: logger.Named("ws_handler"),
	}
}

// Serve handles GET /api/v1/ws?token=<key>&topics=execution:<id>,...
// The topics parameter is a comma-separated list of subscriptions; an empty
// list connects but receives nothing until the client is re-dialed with
// topics.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		ErrUnauthorized(w)
		return
	}
	key, err := h.keys.GetByHash(r.Context(), HashToken(token))
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	if !hasCapability(key, CapJobsRead) {
		ErrForbidden(w)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
