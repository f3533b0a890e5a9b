package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"courier/internal/model"
	"courier/internal/repository"
	"courier/internal/service"
)

type HistoryHandler struct {
	queries *repository.Queries
}

func NewHistoryHandler(queries *repository.Queries) *HistoryHandler {
	return &HistoryHandler{queries: queries}
}

type HistoryResponse struct {
	ID            int64           `json:"id"`
	RequestID     string          `json:"requestId,omitempty"`
	EnvironmentID *int64          `json:"environmentId,omitempty"`
	Method        string          `json:"method"`
	URL           string          `json:"url"`
	BodyType      string          `json:"bodyType"`
	RequestBody   string          `json:"requestBody"`
	StatusCode    *int64          `json:"statusCode,omitempty"`
	DurationMs    *int64          `json:"durationMs,omitempty"`
	Error         string          `json:"error,omitempty"`
	Passed        bool            `json:"passed"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     string          `json:"createdAt"`
}

func toHistoryResponse(hist repository.RequestHistory, withResult bool) HistoryResponse {
	item := HistoryResponse{
		ID:          hist.ID,
		RequestID:   hist.RequestID.String,
		Method:      hist.Method,
		URL:         hist.Url,
		BodyType:    hist.BodyType,
		RequestBody: hist.RequestBody,
		Error:       hist.Error.String,
		Passed:      hist.Passed,
		CreatedAt:   formatTime(hist.CreatedAt),

		EnvironmentID: int64Ptr(hist.EnvironmentID),
		StatusCode:    int64Ptr(hist.StatusCode),
		DurationMs:    int64Ptr(hist.DurationMs),
	}
	if withResult && hist.Result.Valid && json.Valid([]byte(hist.Result.String)) {
		item.Result = json.RawMessage(hist.Result.String)
	}
	return item
}

// List returns the newest entries first. ?limit= (default 100, max 500) and
// ?offset= page through older ones.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	history, err := h.queries.ListHistory(r.Context(), repository.ListHistoryParams{Limit: limit, Offset: offset})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]HistoryResponse, 0, len(history))
	for _, hist := range history {
		resp = append(resp, toHistoryResponse(hist, false))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	hist, err := h.queries.GetHistory(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "History not found")
		return
	}
	respondJSON(w, http.StatusOK, toHistoryResponse(hist, true))
}

func (h *HistoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	if _, err := h.queries.GetHistory(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "History not found")
		return
	}
	if err := h.queries.DeleteHistory(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HistoryHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.queries.DeleteAllHistory(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordHistory stores one execution. Failures are logged, never surfaced:
// the caller already has its result.
func recordHistory(ctx context.Context, queries *repository.Queries, logger *zap.Logger, envID *int64, result *service.ExecutionResult) {
	spec := result.Request
	params := repository.CreateHistoryParams{
		RequestID:   nullString(spec.ID),
		Method:      spec.Method,
		Url:         spec.URL,
		BodyType:    spec.BodyType,
		RequestBody: spec.Body,
		DurationMs:  sql.NullInt64{Int64: result.DurationMs, Valid: true},
		Passed:      result.Passed(),

		EnvironmentID: nullInt64(envID),
	}
	if result.Response != nil {
		params.StatusCode = sql.NullInt64{Int64: int64(result.Response.Status), Valid: true}
	}
	if result.NetworkError != nil {
		params.Error = nullString(result.NetworkError.Error())
	}
	// Credentials stay out of the stored copy.
	stored := *result
	stored.Request.Auth = model.Auth{Type: spec.Auth.Type}
	if b, err := json.Marshal(&stored); err == nil {
		params.Result = nullString(string(b))
	}

	if _, err := queries.CreateHistory(ctx, params); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to record history", zap.String("url", spec.URL), zap.Error(err))
	}
}
