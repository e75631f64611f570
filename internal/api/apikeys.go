package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// tokenPrefix marks raw tokens so they are recognizable in configs and logs
// scrubbers. Only the SHA-256 hash of the full token is stored.
const tokenPrefix = "dk_"

// APIKeyHandler manages API keys. All routes require the admin capability.
type APIKeyHandler struct {
	repo   repositories.APIKeyRepository
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(repo repositories.APIKeyRepository, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		repo:   repo,
		logger: logger.Named("apikey_handler"),
	}
}

type apiKeyResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	LastUsedAt   *string  `json:"last_used_at"`
	CreatedAt    string   `json:"created_at"`
}

func apiKeyToResponse(k *db.APIKey) apiKeyResponse {
	resp := apiKeyResponse{
		ID:           k.ID.String(),
		Name:         k.Name,
		Capabilities: strings.Fields(k.Capabilities),
		CreatedAt:    k.CreatedAt.UTC().String(),
	}
	if k.LastUsedAt != nil {
		s := k.LastUsedAt.UTC().Format(time.RFC3339)
		resp.LastUsedAt = &s
	}
	return resp
}

type listAPIKeysResponse struct {
	Items []apiKeyResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/apikeys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list api keys", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]apiKeyResponse, len(keys))
	for i := range keys {
		items[i] = apiKeyToResponse(&keys[i])
	}
	Ok(w, listAPIKeysResponse{Items: items, Total: total})
}

type createAPIKeyRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// createAPIKeyResponse carries the raw token. This is the only time the token
// is ever returned; afterwards only its hash exists.
type createAPIKeyResponse struct {
	apiKeyResponse
	Token string `json:"token"`
}

// CreateKey generates a fresh token, persists the key with only its hash,
// and returns the raw token alongside the stored row. Shared by the create
// endpoint and the CLI bootstrap command; the raw token is never recoverable
// afterwards.
func CreateKey(ctx context.Context, repo repositories.APIKeyRepository, name string, capabilities []string) (string, *db.APIKey, error) {
	if name == "" {
		return "", nil, dkerr.New(dkerr.KindConfigInvalid, "key name is required")
	}
	if len(capabilities) == 0 {
		return "", nil, dkerr.New(dkerr.KindConfigInvalid, "at least one capability is required")
	}
	for _, c := range capabilities {
		switch c {
		case CapAdmin, CapJobsRead, CapJobsExecute:
		default:
			return "", nil, dkerr.New(dkerr.KindConfigInvalid, "unknown capability %q", c)
		}
	}

	token, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("api: generate token: %w", err)
	}

	key := &db.APIKey{
		Name:         name,
		TokenHash:    HashToken(token),
		Capabilities: strings.Join(capabilities, " "),
	}
	if err := repo.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("api: create key: %w", err)
	}
	return token, key, nil
}

// Create handles POST /api/v1/apikeys.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, key, err := CreateKey(r.Context(), h.repo, req.Name, req.Capabilities)
	if err != nil {
		if dkerr.KindOf(err) == dkerr.KindConfigInvalid {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("failed to create api key", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("api key created",
		zap.String("id", key.ID.String()),
		zap.String("name", key.Name),
		zap.String("capabilities", key.Capabilities),
	)
	Created(w, createAPIKeyResponse{
		apiKeyResponse: apiKeyToResponse(key),
		Token:          token,
	})
}

// Delete handles DELETE /api/v1/apikeys/{id}. Revocation is immediate: the
// next request with the deleted key gets a 401.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete api key", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("api key deleted", zap.String("id", id.String()))
	NoContent(w)
}

// generateToken returns a fresh random API token: the "dk_" prefix followed
// by 32 random bytes hex-encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}
