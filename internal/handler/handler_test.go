package handler

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/mchcare/internal/auth"
	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/blobstore"
	"github.com/dukerupert/mchcare/internal/database"
	"github.com/dukerupert/mchcare/internal/dump"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// adminID is the user every test request authenticates as.
const adminID int64 = 1

// createAdmin inserts the user behind request(), so created_by foreign
// keys resolve.
func createAdmin(t *testing.T, db *sql.DB) {
	t.Helper()
	u, err := store.NewUserStore(db).Create("admin@example.org", "Admin", model.RoleAdmin, "hash")
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if u.ID != adminID {
		t.Fatalf("admin id = %d, want %d", u.ID, adminID)
	}
}

type backupEnv struct {
	db       *sql.DB
	backups  *store.BackupStore
	restores *store.RestoreStore
	patients *store.PatientStore
	mgr      *backup.Manager
	runner   *backup.Runner
	h        *BackupHandler
}

func newBackupEnv(t *testing.T, configured bool) *backupEnv {
	t.Helper()
	db := openTestDB(t)
	createAdmin(t, db)
	env := &backupEnv{
		db:       db,
		backups:  store.NewBackupStore(db),
		restores: store.NewRestoreStore(db),
		patients: store.NewPatientStore(db, nil),
	}

	deps := backup.Deps{
		Backups:  env.backups,
		Restores: env.restores,
		Dumper:   dump.NewNativeDumper(db),
		Importer: dump.NewTxImporter(db),
		Logger:   discardLogger(),
	}
	if configured {
		fs, err := blobstore.NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("file store: %v", err)
		}
		deps.Blobs = fs
	}
	env.mgr = backup.NewManager(backup.Config{
		TempDir:    t.TempDir(),
		Compress:   true,
		RetryDelay: time.Millisecond,
	}, deps)
	env.runner = backup.NewRunner(env.mgr, discardLogger())
	t.Cleanup(env.runner.Stop)
	env.h = NewBackupHandler(env.mgr, env.runner, env.backups, env.restores, discardLogger())
	return env
}

// request builds a request as the given admin user would send it.
func request(method, target, body string, pathID string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if pathID != "" {
		r.SetPathValue("id", pathID)
	}
	ctx := auth.WithAuth(r.Context(), auth.AuthContext{UserID: adminID, Email: "admin@example.org", Role: model.RoleAdmin})
	return r.WithContext(ctx)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func serve(fn http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	fn(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, w)["error"]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (env *backupEnv) waitBackup(t *testing.T, id int64) *model.CloudBackup {
	t.Helper()
	var b *model.CloudBackup
	waitFor(t, "backup to finish", func() bool {
		b, _ = env.backups.GetByID(id)
		return b != nil && b.Status != model.BackupStatusPending
	})
	return b
}

func (env *backupEnv) completedBackup(t *testing.T) *model.CloudBackup {
	t.Helper()
	w := serve(env.h.Create, request("POST", "/api/backups", `{"modules":["patient_records"]}`, ""))
	if w.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	b := env.waitBackup(t, decodeBody[model.CloudBackup](t, w).ID)
	if b.Status != model.BackupStatusCompleted {
		t.Fatalf("backup status = %s (%s)", b.Status, b.ErrorMessage)
	}
	return b
}

func TestCreateBackup(t *testing.T) {
	env := newBackupEnv(t, true)
	if _, err := env.patients.Create(model.Patient{FirstName: "Amara", LastName: "Okafor"}); err != nil {
		t.Fatal(err)
	}

	w := serve(env.h.Create, request("POST", "/api/backups", `{"modules":["patient_records"],"name":"Before audit"}`, ""))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", w.Code, w.Body.String())
	}
	pending := decodeBody[model.CloudBackup](t, w)
	if pending.Status != model.BackupStatusPending {
		t.Errorf("status = %q, want pending", pending.Status)
	}
	if pending.Name != "Before audit" {
		t.Errorf("name = %q", pending.Name)
	}
	if pending.CreatedBy == nil || *pending.CreatedBy != adminID {
		t.Errorf("created_by = %v, want 1", pending.CreatedBy)
	}

	b := env.waitBackup(t, pending.ID)
	if b.Status != model.BackupStatusCompleted {
		t.Fatalf("final status = %s (%s)", b.Status, b.ErrorMessage)
	}

	w = serve(env.h.Get, request("GET", "/api/backups/x", "", itoa(b.ID)))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := decodeBody[model.CloudBackup](t, w); got.SHA256 != b.SHA256 {
		t.Errorf("sha256 = %q, want %q", got.SHA256, b.SHA256)
	}
}

func TestCreateBackupValidation(t *testing.T) {
	env := newBackupEnv(t, true)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", "", "request body is required"},
		{"invalid json", `{"modules":`, "invalid JSON"},
		{"no modules", `{"modules":[]}`, "modules is invalid"},
		{"unknown module", `{"modules":["billing"]}`, `"billing" is not a valid module`},
		{"long name", `{"modules":["child_records"],"name":"` + strings.Repeat("x", 201) + `"}`, "name must be at most 200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(env.h.Create, request("POST", "/api/backups", tt.body, ""))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if msg := errorMessage(t, w); !strings.Contains(msg, tt.want) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.want)
			}
		})
	}

	if n, _ := env.backups.Stats(); n.TotalBackups != 0 {
		t.Errorf("total backups = %d, want 0", n.TotalBackups)
	}
}

func TestCreateBackupNotConfigured(t *testing.T) {
	env := newBackupEnv(t, false)

	w := serve(env.h.Create, request("POST", "/api/backups", `{"modules":["child_records"]}`, ""))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestGetBackupErrors(t *testing.T) {
	env := newBackupEnv(t, true)

	if w := serve(env.h.Get, request("GET", "/api/backups/abc", "", "abc")); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", w.Code)
	}
	if w := serve(env.h.Get, request("GET", "/api/backups/99", "", "99")); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}
	if w := serve(env.h.Download, request("GET", "/api/backups/99/download", "", "99")); w.Code != http.StatusNotFound {
		t.Errorf("download missing status = %d, want 404", w.Code)
	}
}

func TestDownloadBackup(t *testing.T) {
	env := newBackupEnv(t, true)
	b := env.completedBackup(t)

	w := serve(env.h.Download, request("GET", "/api/backups/1/download", "", itoa(b.ID)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Checksum-Sha256"); got != b.SHA256 {
		t.Errorf("checksum header = %q, want %q", got, b.SHA256)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, ".sql.zst") {
		t.Errorf("content-disposition = %q", cd)
	}
	if int64(w.Body.Len()) != b.SizeBytes {
		t.Errorf("body length = %d, want %d", w.Body.Len(), b.SizeBytes)
	}
}

func TestDeleteBackup(t *testing.T) {
	env := newBackupEnv(t, true)
	b := env.completedBackup(t)

	w := serve(env.h.Delete, request("DELETE", "/api/backups/1", "", itoa(b.ID)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	w = serve(env.h.Delete, request("DELETE", "/api/backups/1", "", itoa(b.ID)))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestBackupStatus(t *testing.T) {
	env := newBackupEnv(t, true)
	env.completedBackup(t)

	w := serve(env.h.Status, request("GET", "/api/backups/status", "", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Backups []model.CloudBackup `json:"backups"`
		Stats   struct {
			TotalBackups      int64  `json:"total_backups"`
			SuccessfulBackups int64  `json:"successful_backups"`
			StorageUsed       int64  `json:"storage_used"`
			LastBackup        string `json:"last_backup"`
		} `json:"stats"`
		Configured bool `json:"configured"`
		Restoring  bool `json:"restoring"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Backups) != 1 {
		t.Errorf("backups = %d, want 1", len(body.Backups))
	}
	if body.Stats.TotalBackups != 1 || body.Stats.SuccessfulBackups != 1 {
		t.Errorf("stats = %+v", body.Stats)
	}
	if body.Stats.StorageUsed <= 0 {
		t.Errorf("storage_used = %d, want > 0", body.Stats.StorageUsed)
	}
	if body.Stats.LastBackup == "" {
		t.Error("last_backup is empty")
	}
	if !body.Configured || body.Restoring {
		t.Errorf("configured = %v, restoring = %v", body.Configured, body.Restoring)
	}
}

func TestListBackupsEmpty(t *testing.T) {
	env := newBackupEnv(t, true)

	w := serve(env.h.List, request("GET", "/api/backups?page=1&page_size=500", "", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	page := decodeBody[store.Page[model.CloudBackup]](t, w)
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("items = %v, want empty list", page.Items)
	}
	if page.PageSize != store.MaxPageSize {
		t.Errorf("page_size = %d, want %d", page.PageSize, store.MaxPageSize)
	}
}

func TestRestoreBackup(t *testing.T) {
	env := newBackupEnv(t, true)
	p, _ := env.patients.Create(model.Patient{FirstName: "Amara", LastName: "Okafor"})
	b := env.completedBackup(t)
	env.patients.Update(p.ID, model.Patient{FirstName: "Changed", LastName: "Okafor"})

	w := serve(env.h.Restore, request("POST", "/api/backups/1/restore", `{"confirm_restore":true,"verify_integrity":true}`, itoa(b.ID)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	op := decodeBody[model.RestoreOperation](t, w)
	if op.Status != model.BackupStatusPending {
		t.Errorf("status = %q, want pending", op.Status)
	}

	waitFor(t, "restore to finish", func() bool {
		got, _ := env.restores.GetByID(op.ID)
		return got != nil && got.Status != model.BackupStatusPending
	})

	w = serve(env.h.GetRestore, request("GET", "/api/restores/1", "", itoa(op.ID)))
	if got := decodeBody[model.RestoreOperation](t, w); got.Status != model.BackupStatusCompleted {
		t.Fatalf("restore status = %s (%s)", got.Status, got.ErrorMessage)
	}
	if got, _ := env.patients.GetByID(p.ID); got.FirstName != "Amara" {
		t.Errorf("first_name = %q, want restored value", got.FirstName)
	}

	w = serve(env.h.ListRestores, request("GET", "/api/restores", "", ""))
	if ops := decodeBody[[]model.RestoreOperation](t, w); len(ops) != 1 {
		t.Errorf("restores = %d, want 1", len(ops))
	}
}

func TestRestoreErrors(t *testing.T) {
	env := newBackupEnv(t, true)
	b := env.completedBackup(t)

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"unconfirmed", itoa(b.ID), `{"create_backup_first":true}`, http.StatusBadRequest},
		{"missing backup", "999", `{"confirm_restore":true}`, http.StatusNotFound},
		{"bad id", "x", `{"confirm_restore":true}`, http.StatusBadRequest},
		{"bad json", itoa(b.ID), `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(env.h.Restore, request("POST", "/api/backups/x/restore", tt.body, tt.id))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	failed, err := env.backups.Create(model.CloudBackup{Name: "failed", Modules: []string{"child_records"}, Format: model.BackupFormat, Status: model.BackupStatusPending, StorageLocation: "local", ObjectKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	env.backups.MarkFailed(failed.ID, "boom")
	w := serve(env.h.Restore, request("POST", "/api/backups/x/restore", `{"confirm_restore":true}`, itoa(failed.ID)))
	if w.Code != http.StatusConflict {
		t.Errorf("failed backup status = %d, want 409", w.Code)
	}

	if n, _ := env.restores.Count(); n != 0 {
		t.Errorf("restore rows = %d, want 0", n)
	}
}

func TestRestoreSingleFlight(t *testing.T) {
	env := newBackupEnv(t, true)
	b := env.completedBackup(t)

	if _, err := env.restores.Create(b.ID, nil); err != nil {
		t.Fatalf("claim restore slot: %v", err)
	}
	w := serve(env.h.Restore, request("POST", "/api/backups/x/restore", `{"confirm_restore":true}`, itoa(b.ID)))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestCancelNotRunning(t *testing.T) {
	env := newBackupEnv(t, true)

	if w := serve(env.h.Cancel, request("POST", "/api/backups/5/cancel", "", "5")); w.Code != http.StatusConflict {
		t.Errorf("backup cancel status = %d, want 409", w.Code)
	}
	if w := serve(env.h.CancelRestore, request("POST", "/api/restores/5/cancel", "", "5")); w.Code != http.StatusConflict {
		t.Errorf("restore cancel status = %d, want 409", w.Code)
	}
	if w := serve(env.h.GetRestore, request("GET", "/api/restores/5", "", "5")); w.Code != http.StatusNotFound {
		t.Errorf("get restore status = %d, want 404", w.Code)
	}
}

func TestDecodeJSONBodyLimit(t *testing.T) {
	body := `{"modules":["child_records"],"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	r := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	var req createBackupRequest
	if err := decodeJSON(w, r, &req); err == nil {
		t.Fatal("expected error for oversized body")
	}
}
