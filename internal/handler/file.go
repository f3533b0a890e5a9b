package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"courier/internal/repository"
	"courier/internal/service"
)

// uploadGracePeriod keeps fresh uploads out of cleanup until a request has
// had a chance to reference them.
const uploadGracePeriod = time.Hour

type FileHandler struct {
	queries     *repository.Queries
	fileStorage *service.FileStorage
	logger      *zap.Logger
}

func NewFileHandler(queries *repository.Queries, fileStorage *service.FileStorage, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{queries: queries, fileStorage: fileStorage, logger: logger}
}

type UploadedFileResponse struct {
	ID           int64  `json:"id"`
	OriginalName string `json:"originalName"`
	// Src is what a form-data file entry puts in its "src" field.
	Src         string `json:"src"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

func toUploadedFileResponse(f repository.UploadedFile) UploadedFileResponse {
	return UploadedFileResponse{
		ID:           f.ID,
		OriginalName: f.OriginalName,
		Src:          f.StoredName,
		ContentType:  f.ContentType,
		Size:         f.Size,
		CreatedAt:    formatTime(f.CreatedAt),
	}
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "Failed to parse multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "File is required: "+err.Error())
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storedName, size, err := h.fileStorage.Store(file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to store file: "+err.Error())
		return
	}

	uploaded, err := h.queries.CreateUploadedFile(r.Context(), repository.CreateUploadedFileParams{
		OriginalName: header.Filename,
		StoredName:   storedName,
		ContentType:  contentType,
		Size:         size,
	})
	if err != nil {
		// Clean up stored file on DB error
		h.fileStorage.Delete(storedName)
		respondError(w, http.StatusInternalServerError, "Failed to save file metadata: "+err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, toUploadedFileResponse(uploaded))
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := h.queries.ListUploadedFiles(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]UploadedFileResponse, 0, len(files))
	for _, f := range files {
		resp = append(resp, toUploadedFileResponse(f))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	f, err := h.queries.GetUploadedFile(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "File not found")
		return
	}

	respondJSON(w, http.StatusOK, toUploadedFileResponse(f))
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	f, err := h.queries.GetUploadedFile(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "File not found")
		return
	}

	// Delete from disk first, then DB
	if err := h.fileStorage.Delete(f.StoredName); err != nil {
		h.logger.Warn("failed to delete upload from disk", zap.String("file", f.StoredName), zap.Error(err))
	}

	if err := h.queries.DeleteUploadedFile(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete file metadata: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dryRun"`
		// MinAgeSeconds overrides the grace period; negative means none.
		MinAgeSeconds *int64 `json:"minAgeSeconds,omitempty"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	minAge := uploadGracePeriod
	if req.MinAgeSeconds != nil {
		minAge = time.Duration(*req.MinAgeSeconds) * time.Second
		if minAge < 0 {
			minAge = 0
		}
	}

	result, err := service.CleanupOrphanFiles(r.Context(), h.queries, h.fileStorage, service.CleanupOptions{
		DryRun: req.DryRun,
		MinAge: minAge,
		Logger: h.logger,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Cleanup failed: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}
