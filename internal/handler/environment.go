package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"courier/internal/model"
	"courier/internal/repository"
	"courier/internal/service"
)

type EnvironmentHandler struct {
	queries          *repository.Queries
	variableResolver *service.VariableResolver
}

func NewEnvironmentHandler(queries *repository.Queries, vr *service.VariableResolver) *EnvironmentHandler {
	return &EnvironmentHandler{queries: queries, variableResolver: vr}
}

type EnvironmentRequest struct {
	Name      string           `json:"name"`
	Variables []model.Variable `json:"variables"`
}

type EnvironmentResponse struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Variables []model.Variable `json:"variables"`
	CreatedAt string           `json:"createdAt"`
	UpdatedAt string           `json:"updatedAt"`
}

func toEnvironmentResponse(row repository.Environment) (EnvironmentResponse, error) {
	env, err := row.Model()
	if err != nil {
		return EnvironmentResponse{}, err
	}
	vars := env.Variables
	if vars == nil {
		vars = []model.Variable{}
	}
	return EnvironmentResponse{
		ID:        row.ID,
		Name:      row.Name,
		Variables: vars,
		CreatedAt: formatTime(row.CreatedAt),
		UpdatedAt: formatTime(row.UpdatedAt),
	}, nil
}

func (h *EnvironmentHandler) List(w http.ResponseWriter, r *http.Request) {
	envs, err := h.queries.ListEnvironments(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]EnvironmentResponse, 0, len(envs))
	for _, row := range envs {
		item, err := toEnvironmentResponse(row)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp = append(resp, item)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *EnvironmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	row, err := h.queries.GetEnvironment(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Environment not found")
		return
	}
	h.respondEnvironment(w, http.StatusOK, row)
}

func (h *EnvironmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateEnvironmentRequest(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, err := h.queries.CreateEnvironment(r.Context(), repository.CreateEnvironmentParams{
		Name:      req.Name,
		Variables: req.Variables,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondEnvironment(w, http.StatusCreated, row)
}

func (h *EnvironmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	var req EnvironmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateEnvironmentRequest(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, err := h.queries.UpdateEnvironment(r.Context(), repository.UpdateEnvironmentParams{
		ID:        id,
		Name:      req.Name,
		Variables: req.Variables,
	})
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "Environment not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondEnvironment(w, http.StatusOK, row)
}

func (h *EnvironmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	if err := h.queries.DeleteEnvironment(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyChanges applies a change-set as produced by a script run.
func (h *EnvironmentHandler) ApplyChanges(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	var changes model.EnvChanges
	if err := decodeJSON(r, &changes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	env, err := h.queries.ApplyChanges(r.Context(), id, changes)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "Environment not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if env.Variables == nil {
		env.Variables = []model.Variable{}
	}
	respondJSON(w, http.StatusOK, env)
}

// Unresolved lists the {{names}} in ?text= this environment cannot resolve.
func (h *EnvironmentHandler) Unresolved(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	env, ok, err := h.queries.LoadEnvironment(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "Environment not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string][]string{
		"unresolved": h.variableResolver.UnresolvedNames(r.URL.Query().Get("text"), env),
	})
}

func (h *EnvironmentHandler) respondEnvironment(w http.ResponseWriter, status int, row repository.Environment) {
	resp, err := toEnvironmentResponse(row)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, status, resp)
}

func validateEnvironmentRequest(req EnvironmentRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("Name is required")
	}
	for _, v := range req.Variables {
		if strings.TrimSpace(v.Key) == "" {
			return errors.New("Variable keys must not be empty")
		}
	}
	return nil
}
