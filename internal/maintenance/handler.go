package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"cadarena/internal/auth"
	"cadarena/internal/observability"
)

// CleanupHandler purges stale verification and password reset tokens. It is
// meant to be hit by a scheduled job and is guarded by a shared secret; with
// no secret configured the endpoint pretends not to exist.
type CleanupHandler struct {
	repo           *auth.Repository
	logger         *observability.Logger
	cronSecret     string
	tokenRetention time.Duration
	batchSize      int
}

func NewCleanupHandler(
	repo *auth.Repository,
	logger *observability.Logger,
	cronSecret string,
	tokenRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		repo:           repo,
		logger:         logger,
		cronSecret:     strings.TrimSpace(cronSecret),
		tokenRetention: tokenRetention,
		batchSize:      batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.repo.PurgeExpiredTokens(r.Context(), h.tokenRetention, h.batchSize)
	if err != nil {
		h.logger.Error("token_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("token_cleanup_completed", map[string]any{
		"deleted_verification_tokens": result.DeletedVerificationTokens,
		"deleted_reset_tokens":        result.DeletedResetTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
