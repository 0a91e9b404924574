package http

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/atinyakov/PlayLedger/internal/middleware"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// multipartOverhead is the allowance for form fields and part headers on
// top of the payload size limit.
const multipartOverhead = 1 << 20

// BackupService defines the backup catalog operations used by BackupHandler.
type BackupService interface {
	MaxBytes() int64
	Store(ctx context.Context, p models.Principal, deviceID, fileName string, data []byte) (*models.Backup, error)
	List(ctx context.Context, accountID string) ([]models.Backup, error)
	Download(ctx context.Context, accountID, id string) (*models.Backup, []byte, error)
	Delete(ctx context.Context, accountID, id string) error
}

// BackupHandler serves save-file uploads from devices and the catalog to users.
type BackupHandler struct {
	BackupService BackupService
	Log           *zap.Logger
}

// Upload handles POST /api/backup/upload, a multipart form with a "file"
// part and a "deviceId" field.
func (h *BackupHandler) Upload(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		respondError(w, r, h.Log, models.ErrUnauthorized)
		return
	}

	limit := h.BackupService.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large", Field: "file"})
			return
		}
		respondError(w, r, h.Log, models.NewValidationError("file", "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, h.Log, models.NewValidationError("file", "is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	if int64(len(data)) > limit {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large", Field: "file"})
		return
	}

	b, err := h.BackupService.Store(r.Context(), p, r.FormValue("deviceId"), header.Filename, data)
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"backup": b})
}

// List handles GET /api/backup/list.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.BackupService.List(r.Context(), middleware.GetAccountIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	if backups == nil {
		backups = []models.Backup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

// Download handles GET /api/backup/download/{id}. The body is written only
// after the whole payload has been read and verified.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountIDFromContext(r.Context())
	b, data, err := h.BackupService.Download(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": b.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Checksum-Sha256", b.Checksum)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.Log.Warn("backup download interrupted", zap.String("backup_id", b.ID), zap.Error(err))
	}
}

// Delete handles DELETE /api/backup/{id}.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountIDFromContext(r.Context())
	if err := h.BackupService.Delete(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
