package cad

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"cadarena/internal/auth"
	"cadarena/internal/project"
)

const (
	maxJSONBodyBytes = 1 << 20
	maxPromptLength  = 4000
)

type Handler struct {
	provider Provider
	projects *project.Repository
}

func NewHandler(provider Provider, projects *project.Repository) *Handler {
	return &Handler{provider: provider, projects: projects}
}

type generateRequest struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

// Generate runs the prompt through the model and records the exchange as a
// conversation on the project.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var req generateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if _, err := uuid.Parse(req.ProjectID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if !utf8.ValidString(req.Prompt) || utf8.RuneCountInString(req.Prompt) > maxPromptLength {
		writeError(w, http.StatusBadRequest, "prompt is invalid")
		return
	}

	if _, err := h.projects.GetOwned(r.Context(), req.ProjectID, user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}

	dxf, err := h.provider.GenerateDXF(r.Context(), req.Prompt)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "failed to generate cad output")
		return
	}

	conversation, err := h.projects.CreateConversation(r.Context(), req.ProjectID, req.Prompt, &dxf)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to save conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conversation)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
