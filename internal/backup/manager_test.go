package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/mchcare/internal/blobstore"
	"github.com/dukerupert/mchcare/internal/database"
	"github.com/dukerupert/mchcare/internal/dump"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

// memStore is an in-memory blobstore.Store with failure injection.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErrs []error // consumed one per Put call
	getErr  error
	delErr  error
	puts    int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Location() string { return "local" }

func (s *memStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	s.mu.Lock()
	s.puts++
	var injected error
	if len(s.putErrs) > 0 {
		injected = s.putErrs[0]
		s.putErrs = s.putErrs[1:]
	}
	s.mu.Unlock()
	if injected != nil {
		return injected
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("put %s: got %d bytes, want %d", key, len(data), size)
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, &blobstore.ProviderError{Provider: "mem", Op: "get", Key: key, Err: blobstore.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	delete(s.objects, key)
	return nil
}

func (s *memStore) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *memStore) corrupt(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.objects[key]
	data[len(data)/2] ^= 0xFF
}

// spyImporter records calls and optionally fails instead of importing.
type spyImporter struct {
	next  dump.Importer
	calls atomic.Int32
	err   error
}

func (s *spyImporter) Import(ctx context.Context, r io.Reader) (*dump.ImportResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.next.Import(ctx, r)
}

type testEnv struct {
	db       *sql.DB
	dbPath   string
	mgr      *Manager
	blobs    *memStore
	importer *spyImporter
	backups  *store.BackupStore
	restores *store.RestoreStore
	tempDir  string

	mu      sync.Mutex
	changes []store.Change
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}

	env := &testEnv{
		db:       db,
		dbPath:   dbPath,
		blobs:    newMemStore(),
		importer: &spyImporter{next: dump.NewTxImporter(db)},
		backups:  store.NewBackupStore(db),
		restores: store.NewRestoreStore(db),
		tempDir:  cfg.TempDir,
	}
	events := store.NewEvents()
	events.Subscribe(func(c store.Change) {
		env.mu.Lock()
		env.changes = append(env.changes, c)
		env.mu.Unlock()
	})
	env.mgr = NewManager(cfg, Deps{
		Backups:  env.backups,
		Restores: env.restores,
		Dumper:   dump.NewNativeDumper(db),
		Importer: env.importer,
		Blobs:    env.blobs,
		Events:   events,
		Logger:   discardLogger(),
	})
	return env
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	mustExec(t, db, `INSERT INTO patients (id, first_name, last_name, address) VALUES (1, 'Ama', 'Owusu', 'Ring Road;
Accra')`)
	mustExec(t, db, `INSERT INTO patients (id, first_name, last_name) VALUES (2, 'Efua', 'Mensah')`)
	mustExec(t, db, `INSERT INTO prenatal_records (patient_id, visit_date, weight_kg) VALUES (1, ?, 64.5)`,
		time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	mustExec(t, db, `INSERT INTO child_records (id, mother_id, first_name, last_name, date_of_birth) VALUES (1, 1, 'Kofi', 'Owusu', ?)`,
		time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC))
	mustExec(t, db, `INSERT INTO vaccines (id, name, stock_quantity) VALUES (1, 'BCG', 40)`)
	mustExec(t, db, `INSERT INTO stock_transactions (vaccine_id, kind, quantity) VALUES (1, 'in', 40)`)
	mustExec(t, db, `INSERT INTO immunizations (child_id, vaccine_id, scheduled_date) VALUES (1, 1, ?)`,
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir has %d leftover entries, first %q", len(entries), entries[0].Name())
	}
}

func transientErr(key string) error {
	return &blobstore.ProviderError{Provider: "mem", Op: "put", Key: key, Transient: true, Err: errors.New("503 service unavailable")}
}

func TestBackupCompleted(t *testing.T) {
	env := newTestEnv(t, Config{Compress: true, Passphrase: "correct horse"})
	seed(t, env.db)
	env.mgr.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	var events []Event
	env.mgr.SetCallback(func(e Event) { events = append(events, e) })

	b, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if b.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want completed", b.Status)
	}
	if b.Name != "Full_Backup_2025-03-04_05-06-07" {
		t.Errorf("name = %q", b.Name)
	}
	if !b.Encrypted || !b.Compressed {
		t.Errorf("encrypted = %v, compressed = %v", b.Encrypted, b.Compressed)
	}
	keyPattern := regexp.MustCompile(`^backups/2025/03/Full_Backup_2025-03-04_05-06-07-[0-9a-f-]{36}\.sql\.zst\.enc$`)
	if !keyPattern.MatchString(b.ObjectKey) {
		t.Errorf("object key = %q", b.ObjectKey)
	}
	if b.CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	data, ok := env.blobs.object(b.ObjectKey)
	if !ok {
		t.Fatal("artifact was not uploaded")
	}
	if int64(len(data)) != b.SizeBytes {
		t.Errorf("size = %d, artifact is %d bytes", b.SizeBytes, len(data))
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != b.SHA256 {
		t.Errorf("sha256 = %q, does not match artifact", b.SHA256)
	}
	if bytes.Contains(data, []byte("Owusu")) {
		t.Error("artifact should not contain plaintext")
	}

	assertEmptyDir(t, env.tempDir)

	if len(events) == 0 || events[len(events)-1].Status != model.BackupStatusCompleted {
		t.Errorf("last event = %+v, want completed", events)
	}
}

func TestBackupSelectiveDumpsOnlyModuleTables(t *testing.T) {
	env := newTestEnv(t, Config{})
	seed(t, env.db)

	b, err := env.mgr.Backup(context.Background(), BackupRequest{
		Modules: []string{model.ModuleVaccineManagement, model.ModuleVaccineManagement},
	})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasPrefix(b.Name, "Selective_Backup_") {
		t.Errorf("name = %q, want Selective_Backup_ prefix", b.Name)
	}
	if len(b.Modules) != 1 || b.Modules[0] != model.ModuleVaccineManagement {
		t.Errorf("modules = %v", b.Modules)
	}
	if !strings.HasSuffix(b.ObjectKey, ".sql") {
		t.Errorf("object key = %q, want plain .sql", b.ObjectKey)
	}

	data, _ := env.blobs.object(b.ObjectKey)
	text := string(data)
	if !strings.Contains(text, "-- tables: vaccines,stock_transactions\n") {
		t.Errorf("dump header does not list the module tables:\n%s", text)
	}
	if strings.Contains(text, `"patients"`) || strings.Contains(text, `"immunizations"`) {
		t.Error("dump contains tables outside the selected module")
	}
}

func TestBackupCustomName(t *testing.T) {
	env := newTestEnv(t, Config{})

	b, err := env.mgr.Backup(context.Background(), BackupRequest{
		Modules: []string{model.ModuleChildRecords},
		Name:    "  before audit/2025  ",
	})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if b.Name != "before audit/2025" {
		t.Errorf("name = %q", b.Name)
	}
	if !strings.Contains(b.ObjectKey, "/before_audit_2025-") {
		t.Errorf("object key = %q", b.ObjectKey)
	}
}

func TestBackupInvalidModules(t *testing.T) {
	env := newTestEnv(t, Config{})

	for _, modules := range [][]string{nil, {}, {"billing"}, {model.ModuleChildRecords, "nope"}} {
		_, err := env.mgr.BeginBackup(BackupRequest{Modules: modules})
		if !errors.Is(err, ErrInvalidModuleSelection) {
			t.Errorf("modules %v: err = %v, want ErrInvalidModuleSelection", modules, err)
		}
	}
	if n := countRows(t, env.db, "cloud_backups"); n != 0 {
		t.Errorf("cloud_backups rows = %d, want 0", n)
	}
}

func TestBackupNotConfigured(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := NewManager(Config{}, Deps{Backups: env.backups, Restores: env.restores, Logger: discardLogger()})

	if m.Configured() {
		t.Error("manager without storage should not be configured")
	}
	if _, err := m.BeginBackup(BackupRequest{Modules: model.AllModules}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("backup err = %v, want ErrNotConfigured", err)
	}
	if _, err := m.BeginRestore(1, RestoreOptions{Confirm: true}, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("restore err = %v, want ErrNotConfigured", err)
	}
}

func TestBackupUploadFailure(t *testing.T) {
	env := newTestEnv(t, Config{Compress: true})
	env.blobs.putErrs = []error{errors.New("access denied")}

	_, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if !errors.Is(err, ErrCloudUploadFailed) {
		t.Fatalf("err = %v, want ErrCloudUploadFailed", err)
	}
	if env.blobs.puts != 1 {
		t.Errorf("puts = %d, permanent errors should not be retried", env.blobs.puts)
	}

	list, _ := env.backups.List(10)
	if len(list) != 1 {
		t.Fatalf("backups = %d, want 1", len(list))
	}
	if list[0].Status != model.BackupStatusFailed {
		t.Errorf("status = %q, want failed", list[0].Status)
	}
	if !strings.Contains(list[0].ErrorMessage, "access denied") {
		t.Errorf("error message = %q", list[0].ErrorMessage)
	}
	assertEmptyDir(t, env.tempDir)
}

func TestBackupRetriesTransientUpload(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3})
	env.blobs.putErrs = []error{transientErr("a"), transientErr("a")}

	b, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if b.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want completed", b.Status)
	}
	if env.blobs.puts != 3 {
		t.Errorf("puts = %d, want 3", env.blobs.puts)
	}
}

func TestBackupRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 1})
	env.blobs.putErrs = []error{transientErr("a"), transientErr("a"), transientErr("a")}

	_, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if !errors.Is(err, ErrCloudUploadFailed) {
		t.Fatalf("err = %v, want ErrCloudUploadFailed", err)
	}
	if !blobstore.IsTransient(err) {
		t.Error("error should keep the provider error")
	}
	if env.blobs.puts != 2 {
		t.Errorf("puts = %d, want 2", env.blobs.puts)
	}
}

func TestBackupDumpToolUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.dumper = dump.NewToolDumper(filepath.Join(t.TempDir(), "no-such-sqlite3"), env.dbPath)

	_, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if !errors.Is(err, ErrDumpToolUnavailable) {
		t.Fatalf("err = %v, want ErrDumpToolUnavailable", err)
	}
	list, _ := env.backups.List(10)
	if len(list) != 1 || list[0].Status != model.BackupStatusFailed {
		t.Fatalf("backups = %+v, want one failed row", list)
	}
	if env.blobs.puts != 0 {
		t.Errorf("puts = %d, want 0", env.blobs.puts)
	}
}

func TestBackupCanceled(t *testing.T) {
	env := newTestEnv(t, Config{})
	seed(t, env.db)

	job, err := env.mgr.BeginBackup(BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	b, _ := env.backups.GetByID(job.Backup().ID)
	if b.Status != model.BackupStatusFailed {
		t.Errorf("status = %q, want failed", b.Status)
	}
	if !strings.HasPrefix(b.ErrorMessage, "canceled") {
		t.Errorf("error message = %q, want canceled prefix", b.ErrorMessage)
	}
	assertEmptyDir(t, env.tempDir)
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t, Config{})
	seed(t, env.db)
	b, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	rc, got, err := env.mgr.Download(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	want, _ := env.blobs.object(b.ObjectKey)
	if !bytes.Equal(data, want) {
		t.Error("downloaded bytes differ from stored artifact")
	}
	if got.ID != b.ID {
		t.Errorf("backup id = %d, want %d", got.ID, b.ID)
	}

	if _, _, err := env.mgr.Download(context.Background(), 999); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("err = %v, want ErrBackupNotFound", err)
	}
}

func TestDeleteBackup(t *testing.T) {
	env := newTestEnv(t, Config{})
	b, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	if err := env.mgr.Delete(context.Background(), b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := env.backups.GetByID(b.ID); got != nil {
		t.Error("row should be deleted")
	}
	if _, ok := env.blobs.object(b.ObjectKey); ok {
		t.Error("object should be deleted")
	}

	if err := env.mgr.Delete(context.Background(), b.ID); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("err = %v, want ErrBackupNotFound", err)
	}

	job, err := env.mgr.BeginBackup(BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.mgr.Delete(context.Background(), job.Backup().ID); !errors.Is(err, ErrBackupInProgress) {
		t.Errorf("err = %v, want ErrBackupInProgress", err)
	}
}

func TestDeleteBackupIgnoresObjectErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	b, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	env.blobs.delErr = errors.New("bucket unreachable")

	if err := env.mgr.Delete(context.Background(), b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := env.backups.GetByID(b.ID); got != nil {
		t.Error("row should be deleted")
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, Config{})
	old, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	recent, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	mustExec(t, env.db, `UPDATE cloud_backups SET created_at = '2000-01-01 00:00:00' WHERE id = ?`, old.ID)

	n, err := env.mgr.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, ok := env.blobs.object(old.ObjectKey); ok {
		t.Error("old object should be deleted")
	}
	if _, ok := env.blobs.object(recent.ObjectKey); !ok {
		t.Error("recent object should be kept")
	}

	if n, _ := env.mgr.Cleanup(context.Background(), 0); n != 0 {
		t.Errorf("zero retention removed %d", n)
	}
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t, Config{})
	if _, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules}); err != nil {
		t.Fatalf("backup: %v", err)
	}
	env.blobs.putErrs = []error{errors.New("denied")}
	env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})

	ov, err := env.mgr.Overview(10)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(ov.Backups) != 2 {
		t.Errorf("backups = %d, want 2", len(ov.Backups))
	}
	if ov.Stats.TotalBackups != 2 || ov.Stats.SuccessfulBackups != 1 {
		t.Errorf("stats = %+v", ov.Stats)
	}
	if ov.Stats.LastBackup == nil {
		t.Error("last_backup should be set")
	}
	if ov.Stats.StorageUsed != ov.Backups[1].SizeBytes {
		t.Errorf("storage used = %d, want %d", ov.Stats.StorageUsed, ov.Backups[1].SizeBytes)
	}
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, Config{})
	done, err := env.mgr.Backup(context.Background(), BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	stale, err := env.mgr.BeginBackup(BackupRequest{Modules: model.AllModules})
	if err != nil {
		t.Fatalf("begin backup: %v", err)
	}
	if _, err := env.mgr.BeginRestore(done.ID, RestoreOptions{Confirm: true}, nil); err != nil {
		t.Fatalf("begin restore: %v", err)
	}

	// A fresh manager over the same database, as after a restart.
	restarted := NewManager(Config{TempDir: env.tempDir}, Deps{
		Backups:  env.backups,
		Restores: env.restores,
		Dumper:   dump.NewNativeDumper(env.db),
		Importer: dump.NewTxImporter(env.db),
		Blobs:    env.blobs,
		Logger:   discardLogger(),
	})
	if err := restarted.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	b, _ := env.backups.GetByID(stale.Backup().ID)
	if b.Status != model.BackupStatusFailed || b.ErrorMessage != interruptedMessage {
		t.Errorf("backup = %q %q, want failed %q", b.Status, b.ErrorMessage, interruptedMessage)
	}
	if p, _ := env.restores.GetPending(); p != nil {
		t.Errorf("pending restore %d survived recovery", p.ID)
	}

	if _, err := restarted.Restore(context.Background(), done.ID, RestoreOptions{Confirm: true}, nil); err != nil {
		t.Errorf("restore after recovery: %v", err)
	}
}
