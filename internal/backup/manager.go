// Package backup creates SQL dump backups of selected modules, stores them
// in object storage and restores them into the live database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/mchcare/internal/blobstore"
	"github.com/dukerupert/mchcare/internal/dump"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

const (
	defaultRetryDelay  = 500 * time.Millisecond
	interruptedMessage = "interrupted by restart"
	nameTimeFormat     = "2006-01-02_15-04-05"
	maxNameLength      = 200
)

// Config holds backup manager configuration.
type Config struct {
	// TempDir holds per-operation scratch directories. Empty means os.TempDir.
	TempDir    string
	Passphrase string
	Compress   bool
	// MaxRetries bounds retries of a storage call after a transient error.
	MaxRetries int
	RetryDelay time.Duration
}

type EventKind string

const (
	KindBackup  EventKind = "backup"
	KindRestore EventKind = "restore"
)

// Event reports progress of a backup or restore.
type Event struct {
	Kind   EventKind          `json:"kind"`
	ID     int64              `json:"id"`
	Status model.BackupStatus `json:"status"`
	Step   string             `json:"step,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// EventCallback is called on every state change and step of a job.
type EventCallback func(Event)

// Deps are the collaborators a Manager works with. Blobs may be nil when no
// storage destination is configured.
type Deps struct {
	Backups  *store.BackupStore
	Restores *store.RestoreStore
	Dumper   dump.Dumper
	Importer dump.Importer
	Blobs    blobstore.Store
	Events   *store.Events
	Logger   *slog.Logger
}

// Manager runs backups and restores and records them in the database.
type Manager struct {
	cfg      Config
	backups  *store.BackupStore
	restores *store.RestoreStore
	dumper   dump.Dumper
	importer dump.Importer
	blobs    blobstore.Store
	events   *store.Events
	logger   *slog.Logger
	now      func() time.Time

	readOnly atomic.Bool

	mu       sync.RWMutex
	callback EventCallback
}

func NewManager(cfg Config, d Deps) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		backups:  d.Backups,
		restores: d.Restores,
		dumper:   d.Dumper,
		importer: d.Importer,
		blobs:    d.Blobs,
		events:   d.Events,
		logger:   logger.With("component", "backup"),
		now:      time.Now,
	}
}

// SetCallback replaces the event hook.
func (m *Manager) SetCallback(fn EventCallback) {
	m.mu.Lock()
	m.callback = fn
	m.mu.Unlock()
}

func (m *Manager) emit(e Event) {
	m.mu.RLock()
	fn := m.callback
	m.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (m *Manager) step(kind EventKind, id int64, step string) {
	m.emit(Event{Kind: kind, ID: id, Status: model.BackupStatusPending, Step: step})
}

// Configured reports whether a storage destination is available.
func (m *Manager) Configured() bool {
	return m.blobs != nil
}

// RestoreInProgress reports whether a restore currently owns the database.
// Writers must be rejected while it is true.
func (m *Manager) RestoreInProgress() bool {
	return m.readOnly.Load()
}

// Recover fails every backup and restore left pending by a previous process.
// Call it once at startup, before any job is submitted.
func (m *Manager) Recover() error {
	nb, err := m.backups.FailPending(interruptedMessage)
	if err != nil {
		return err
	}
	nr, err := m.restores.FailPending(interruptedMessage)
	if err != nil {
		return err
	}
	if nb > 0 || nr > 0 {
		m.logger.Warn("marked interrupted operations failed", "backups", nb, "restores", nr)
	}
	return nil
}

// BackupRequest selects what a backup contains.
type BackupRequest struct {
	Modules   []string
	Name      string
	CreatedBy *int64
}

// BackupJob is a backup whose pending row exists but whose work has not run.
type BackupJob struct {
	m      *Manager
	backup *model.CloudBackup
	tables []string
}

// Backup returns the row as created by BeginBackup.
func (j *BackupJob) Backup() *model.CloudBackup {
	return j.backup
}

// BeginBackup validates req and creates the pending row. Validation errors
// write nothing.
func (m *Manager) BeginBackup(req BackupRequest) (*BackupJob, error) {
	if m.blobs == nil {
		return nil, ErrNotConfigured
	}
	modules, err := dump.NormalizeModules(req.Modules)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModuleSelection, err)
	}
	tables, err := dump.TablesFor(modules)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModuleSelection, err)
	}

	now := m.now().UTC()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultName(modules, now)
	}
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}

	encrypted := m.cfg.Passphrase != ""
	key := fmt.Sprintf("backups/%s/%s-%s%s",
		now.Format("2006/01"), keySafe(name), uuid.NewString(), artifactExt(m.cfg.Compress, encrypted))

	b, err := m.backups.Create(model.CloudBackup{
		Name:            name,
		Modules:         modules,
		StorageLocation: m.blobs.Location(),
		ObjectKey:       key,
		Encrypted:       encrypted,
		Compressed:      m.cfg.Compress,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	m.emit(Event{Kind: KindBackup, ID: b.ID, Status: model.BackupStatusPending})
	return &BackupJob{m: m, backup: b, tables: tables}, nil
}

// Backup creates a backup and waits for it to finish.
func (m *Manager) Backup(ctx context.Context, req BackupRequest) (*model.CloudBackup, error) {
	job, err := m.BeginBackup(req)
	if err != nil {
		return nil, err
	}
	return job.Run(ctx)
}

// Run dumps, encodes and uploads the backup. The row ends completed or
// failed; on failure the returned error is one of the package sentinels.
func (j *BackupJob) Run(ctx context.Context) (*model.CloudBackup, error) {
	m := j.m
	id := j.backup.ID
	logger := m.logger.With("backup_id", id)
	start := time.Now()
	logger.Info("backup started", "name", j.backup.Name, "tables", j.tables)

	size, digest, err := m.produce(ctx, j)
	if err == nil {
		if err = m.backups.MarkCompleted(id, size, digest); err != nil {
			err = fmt.Errorf("mark backup completed: %w", err)
		}
	}
	if err != nil {
		msg := failureMessage(err)
		if ferr := m.backups.MarkFailed(id, msg); ferr != nil {
			logger.Error("mark backup failed", "error", ferr)
		}
		backupsTotal.WithLabelValues(string(model.BackupStatusFailed)).Inc()
		logger.Error("backup failed", "error", err)
		m.emit(Event{Kind: KindBackup, ID: id, Status: model.BackupStatusFailed, Error: msg})
		return nil, err
	}

	backupsTotal.WithLabelValues(string(model.BackupStatusCompleted)).Inc()
	backupDuration.Observe(time.Since(start).Seconds())
	backupSize.Observe(float64(size))
	logger.Info("backup completed", "size", size, "duration", time.Since(start))
	m.emit(Event{Kind: KindBackup, ID: id, Status: model.BackupStatusCompleted})

	b, err := m.backups.GetByID(id)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Manager) produce(ctx context.Context, j *BackupJob) (int64, string, error) {
	dir, err := os.MkdirTemp(m.cfg.TempDir, "mchcare-*")
	if err != nil {
		return 0, "", fmt.Errorf("%w: create temp dir: %w", ErrDumpExecutionFailed, err)
	}
	defer os.RemoveAll(dir)

	id := j.backup.ID
	m.step(KindBackup, id, "dump")
	path := filepath.Join(dir, "dump"+extSQL)
	if err := m.dumpTo(ctx, j.tables, path); err != nil {
		return 0, "", err
	}

	passphrase := ""
	if j.backup.Encrypted {
		passphrase = m.cfg.Passphrase
	}
	m.step(KindBackup, id, "encode")
	path, err = encodeArtifact(ctx, path, j.backup.Compressed, passphrase)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrDumpExecutionFailed, err)
	}

	size, digest, err := fileDigest(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrDumpExecutionFailed, err)
	}

	m.step(KindBackup, id, "upload")
	if err := m.upload(ctx, j.backup.ObjectKey, path, size); err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrCloudUploadFailed, err)
	}
	return size, digest, nil
}

func (m *Manager) dumpTo(ctx context.Context, tables []string, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDumpExecutionFailed, err)
	}
	err = m.dumper.Dump(ctx, tables, f)
	cerr := f.Close()
	switch {
	case errors.Is(err, dump.ErrToolUnavailable):
		return fmt.Errorf("%w: %w", ErrDumpToolUnavailable, err)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrDumpExecutionFailed, err)
	case cerr != nil:
		return fmt.Errorf("%w: %w", ErrDumpExecutionFailed, cerr)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff while it fails with a
// transient storage error.
func (m *Manager) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(uint64(m.cfg.MaxRetries), retry.NewExponential(m.cfg.RetryDelay))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			cloudRetries.WithLabelValues(op).Inc()
		}
		err := fn(ctx)
		if err != nil && blobstore.IsTransient(err) {
			m.logger.Warn("transient storage error", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (m *Manager) upload(ctx context.Context, key, path string, size int64) error {
	return m.withRetry(ctx, "put", func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return m.blobs.Put(ctx, key, f, size)
	})
}

func (m *Manager) download(ctx context.Context, key, path string) error {
	return m.withRetry(ctx, "get", func(ctx context.Context) error {
		rc, err := m.blobs.Get(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		_, err = io.Copy(f, contextReader{ctx: ctx, r: rc})
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
}

// Download opens the stored artifact of a completed backup.
func (m *Manager) Download(ctx context.Context, id int64) (io.ReadCloser, *model.CloudBackup, error) {
	if m.blobs == nil {
		return nil, nil, ErrNotConfigured
	}
	b, err := m.completedBackup(id)
	if err != nil {
		return nil, nil, err
	}
	var rc io.ReadCloser
	err = m.withRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		rc, err = m.blobs.Get(ctx, b.ObjectKey)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return rc, b, nil
}

func (m *Manager) completedBackup(id int64) (*model.CloudBackup, error) {
	b, err := m.backups.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %d", ErrBackupNotFound, id)
	}
	if b.Status != model.BackupStatusCompleted {
		return nil, fmt.Errorf("%w: backup %d is %s", ErrBackupNotCompleted, id, b.Status)
	}
	return b, nil
}

// Delete removes a finished backup row and then its stored object. Object
// removal is best effort.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	b, err := m.backups.GetByID(id)
	if err != nil {
		return fmt.Errorf("get backup: %w", err)
	}
	if b == nil {
		return fmt.Errorf("%w: %d", ErrBackupNotFound, id)
	}
	if b.Status == model.BackupStatusPending {
		return fmt.Errorf("%w: backup %d", ErrBackupInProgress, id)
	}
	err = m.backups.Delete(id)
	if errors.Is(err, store.ErrBackupInUse) {
		return fmt.Errorf("%w: backup %d is being restored", ErrBackupInProgress, id)
	}
	if err != nil {
		return err
	}
	m.removeObject(ctx, b)
	return nil
}

func (m *Manager) removeObject(ctx context.Context, b *model.CloudBackup) {
	if m.blobs == nil || b.ObjectKey == "" {
		return
	}
	if err := m.blobs.Delete(ctx, b.ObjectKey); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		m.logger.Warn("delete backup object", "backup_id", b.ID, "key", b.ObjectKey, "error", err)
	}
}

// Cleanup deletes finished backups older than retentionDays along with their
// objects and returns how many rows were removed. Zero or less keeps
// everything.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	old, err := m.backups.DeleteOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup backups: %w", err)
	}
	for i := range old {
		m.removeObject(ctx, &old[i])
	}
	if len(old) > 0 {
		m.logger.Info("cleaned up old backups", "count", len(old), "retention_days", retentionDays)
	}
	return len(old), nil
}

// Overview is the backup status summary.
type Overview struct {
	Backups []model.CloudBackup `json:"backups"`
	Stats   store.BackupStats   `json:"stats"`
}

func (m *Manager) Overview(limit int) (*Overview, error) {
	backups, err := m.backups.List(limit)
	if err != nil {
		return nil, err
	}
	stats, err := m.backups.Stats()
	if err != nil {
		return nil, err
	}
	return &Overview{Backups: backups, Stats: stats}, nil
}

func defaultName(modules []string, now time.Time) string {
	kind := "Selective"
	if len(modules) == len(model.AllModules) {
		kind = "Full"
	}
	return kind + "_Backup_" + now.Format(nameTimeFormat)
}

// keySafe keeps object keys to a conservative character set.
func keySafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

func failureMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled: " + err.Error()
	}
	return err.Error()
}
