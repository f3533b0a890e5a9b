package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"courier/internal/middleware"
	"courier/internal/model"
	"courier/internal/repository"
	"courier/internal/service"
)

type ExecuteHandler struct {
	queries     *repository.Queries
	runner      *service.RequestRunner
	collections *service.CollectionRunner
	logger      *zap.Logger
}

func NewExecuteHandler(queries *repository.Queries, runner *service.RequestRunner, collections *service.CollectionRunner, logger *zap.Logger) *ExecuteHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecuteHandler{queries: queries, runner: runner, collections: collections, logger: logger}
}

// ExecuteRequest is an execution against either an inline environment or,
// when EnvironmentID (or the X-Environment-ID header) is set, a stored one.
type ExecuteRequest struct {
	service.ExecuteInput
	EnvironmentID *int64 `json:"environmentId,omitempty"`
}

type ExecuteResponse struct {
	*service.ExecutionResult
	Passed bool `json:"passed"`
	// Environment is the stored environment after EnvChanges were applied.
	Environment  *model.Environment `json:"environment,omitempty"`
	PersistError string             `json:"persistError,omitempty"`
}

type CollectionRunRequest struct {
	service.CollectionRunInput
	EnvironmentID *int64 `json:"environmentId,omitempty"`
}

type CollectionRunResponse struct {
	*service.CollectionResult
	PersistError string `json:"persistError,omitempty"`
}

var errEnvironmentNotFound = errors.New("environment not found")

func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Spec.URL == "" {
		respondError(w, http.StatusBadRequest, "Request URL is required")
		return
	}

	envID, err := h.prepareEnvironment(r, req.EnvironmentID, &req.Environment)
	if err != nil {
		h.respondEnvironmentError(w, err)
		return
	}

	result := h.runner.ExecuteRequest(r.Context(), req.ExecuteInput)
	respondJSON(w, http.StatusOK, h.finishExecution(r, envID, result))
}

// finishExecution persists the change-set and records history.
func (h *ExecuteHandler) finishExecution(r *http.Request, envID *int64, result *service.ExecutionResult) ExecuteResponse {
	resp := ExecuteResponse{ExecutionResult: result, Passed: result.Passed()}
	if envID != nil {
		env, err := h.queries.ApplyChanges(r.Context(), *envID, result.EnvChanges)
		if err != nil {
			h.logger.Warn("failed to persist environment changes", zap.Int64("environment", *envID), zap.Error(err))
			resp.PersistError = err.Error()
		} else {
			resp.Environment = &env
		}
	}
	recordHistory(r.Context(), h.queries, h.logger, envID, result)
	return resp
}

func (h *ExecuteHandler) RunCollection(w http.ResponseWriter, r *http.Request) {
	var req CollectionRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Steps) == 0 {
		respondError(w, http.StatusBadRequest, "At least one step is required")
		return
	}

	envID, err := h.prepareEnvironment(r, req.EnvironmentID, &req.Environment)
	if err != nil {
		h.respondEnvironmentError(w, err)
		return
	}

	result, err := h.collections.Run(r.Context(), req.CollectionRunInput)
	for _, step := range result.Steps {
		if step.Result != nil {
			recordHistory(r.Context(), h.queries, h.logger, envID, step.Result)
		}
	}
	if err != nil {
		// Nothing is persisted for an aborted run.
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := CollectionRunResponse{CollectionResult: result}
	if envID != nil && !result.EnvChanges.IsEmpty() {
		if _, err := h.queries.ApplyChanges(r.Context(), *envID, result.EnvChanges); err != nil {
			h.logger.Warn("failed to persist environment changes", zap.Int64("environment", *envID), zap.Error(err))
			resp.PersistError = err.Error()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// prepareEnvironment replaces env with the stored environment when an ID is
// given in the body or the X-Environment-ID header. It returns that ID.
func (h *ExecuteHandler) prepareEnvironment(r *http.Request, id *int64, env *model.Environment) (*int64, error) {
	if id == nil {
		if headerID, ok := middleware.GetEnvironmentID(r.Context()); ok {
			id = &headerID
		}
	}
	if id == nil {
		return nil, nil
	}

	stored, ok, err := h.queries.LoadEnvironment(r.Context(), *id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errEnvironmentNotFound
	}
	*env = stored
	return id, nil
}

func (h *ExecuteHandler) respondEnvironmentError(w http.ResponseWriter, err error) {
	if errors.Is(err, errEnvironmentNotFound) {
		respondError(w, http.StatusNotFound, "Environment not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
