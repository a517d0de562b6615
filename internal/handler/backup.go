package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/dukerupert/mchcare/internal/auth"
	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

const (
	defaultOverviewLimit = 20
	defaultRestoreLimit  = 50
)

type BackupHandler struct {
	manager  *backup.Manager
	runner   *backup.Runner
	backups  *store.BackupStore
	restores *store.RestoreStore
	logger   *slog.Logger
}

func NewBackupHandler(m *backup.Manager, r *backup.Runner, bs *store.BackupStore, rs *store.RestoreStore, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{manager: m, runner: r, backups: bs, restores: rs, logger: logger}
}

// writeBackupError maps orchestrator errors to HTTP statuses.
func (h *BackupHandler) writeBackupError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, backup.ErrInvalidModuleSelection),
		errors.Is(err, backup.ErrConfirmationRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backup.ErrBackupNotFound):
		writeError(w, http.StatusNotFound, "backup not found")
	case errors.Is(err, backup.ErrBackupNotCompleted),
		errors.Is(err, backup.ErrBackupInProgress),
		errors.Is(err, backup.ErrRestoreInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backup.ErrNotConfigured),
		errors.Is(err, backup.ErrRunnerStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, backup.ErrDownloadFailed):
		h.logger.Warn(action, "error", err)
		writeError(w, http.StatusBadGateway, "backup storage unavailable")
	default:
		h.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// Status handles GET /api/backups/status
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	ov, err := h.manager.Overview(queryInt(r, "limit", defaultOverviewLimit))
	if err != nil {
		h.writeBackupError(w, err, "load backup status")
		return
	}
	if ov.Backups == nil {
		ov.Backups = []model.CloudBackup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backups":    ov.Backups,
		"stats":      ov.Stats,
		"configured": h.manager.Configured(),
		"restoring":  h.manager.RestoreInProgress(),
	})
}

// List handles GET /api/backups
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.backups.Paginate(queryInt(r, "page", 1), queryInt(r, "page_size", store.DefaultPageSize))
	if err != nil {
		h.writeBackupError(w, err, "list backups")
		return
	}
	if page.Items == nil {
		page.Items = []model.CloudBackup{}
	}
	writeJSON(w, http.StatusOK, page)
}

type createBackupRequest struct {
	Modules []string `json:"modules" validate:"required,min=1,dive,module"`
	Name    string   `json:"name" validate:"max=200"`
}

// Create handles POST /api/backups. The backup runs in the background; the
// pending row is returned immediately.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.runner.SubmitBackup(backup.BackupRequest{
		Modules:   req.Modules,
		Name:      req.Name,
		CreatedBy: auth.UserIDPtr(r.Context()),
	})
	if err != nil {
		h.writeBackupError(w, err, "start backup")
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

// Get handles GET /api/backups/{id}
func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	b, err := h.backups.GetByID(id)
	if err != nil {
		h.writeBackupError(w, err, "get backup")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Download handles GET /api/backups/{id}/download and streams the stored
// artifact as is.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	rc, b, err := h.manager.Download(r.Context(), id)
	if err != nil {
		h.writeBackupError(w, err, "download backup")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(b.ObjectKey)))
	w.Header().Set("X-Checksum-Sha256", b.SHA256)
	if b.SizeBytes > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(b.SizeBytes))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted", "backup_id", id, "error", err)
	}
}

// Delete handles DELETE /api/backups/{id}
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.manager.Delete(r.Context(), id); err != nil {
		h.writeBackupError(w, err, "delete backup")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles POST /api/backups/{id}/cancel
func (h *BackupHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if !h.runner.CancelBackup(id) {
		writeError(w, http.StatusConflict, "backup is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "canceling"})
}

type restoreRequest struct {
	CreateBackupFirst bool `json:"create_backup_first"`
	VerifyIntegrity   bool `json:"verify_integrity"`
	ConfirmRestore    bool `json:"confirm_restore"`
}

// Restore handles POST /api/backups/{id}/restore
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req restoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, err := h.runner.SubmitRestore(id, backup.RestoreOptions{
		CreateBackupFirst: req.CreateBackupFirst,
		VerifyIntegrity:   req.VerifyIntegrity,
		Confirm:           req.ConfirmRestore,
	}, auth.UserIDPtr(r.Context()))
	if err != nil {
		h.writeBackupError(w, err, "start restore")
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

// ListRestores handles GET /api/restores
func (h *BackupHandler) ListRestores(w http.ResponseWriter, r *http.Request) {
	ops, err := h.restores.List(queryInt(r, "limit", defaultRestoreLimit))
	if err != nil {
		h.writeBackupError(w, err, "list restores")
		return
	}
	if ops == nil {
		ops = []model.RestoreOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// GetRestore handles GET /api/restores/{id}
func (h *BackupHandler) GetRestore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	op, err := h.restores.GetByID(id)
	if err != nil {
		h.writeBackupError(w, err, "get restore")
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "restore not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// CancelRestore handles POST /api/restores/{id}/cancel
func (h *BackupHandler) CancelRestore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if !h.runner.CancelRestore(id) {
		writeError(w, http.StatusConflict, "restore is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "canceling"})
}
