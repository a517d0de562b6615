package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

type RestoreOptions struct {
	// CreateBackupFirst takes a full safety backup before anything is replaced.
	CreateBackupFirst bool
	// VerifyIntegrity compares the downloaded artifact's size and SHA-256
	// with the values recorded at upload.
	VerifyIntegrity bool
	Confirm         bool
}

// RestoreJob is a restore that holds the single-flight slot but has not run.
type RestoreJob struct {
	m      *Manager
	op     *model.RestoreOperation
	backup *model.CloudBackup
	opts   RestoreOptions
}

// Operation returns the row as created by BeginRestore.
func (j *RestoreJob) Operation() *model.RestoreOperation {
	return j.op
}

// BeginRestore validates the request and claims the restore slot. Every
// error before the slot is claimed leaves no restore row behind. A
// successful call puts the manager in read-only mode until Run returns.
func (m *Manager) BeginRestore(backupID int64, opts RestoreOptions, userID *int64) (*RestoreJob, error) {
	if !opts.Confirm {
		return nil, ErrConfirmationRequired
	}
	if m.blobs == nil {
		return nil, ErrNotConfigured
	}
	b, err := m.completedBackup(backupID)
	if err != nil {
		return nil, err
	}

	op, err := m.restores.Create(backupID, userID)
	if errors.Is(err, store.ErrRestorePending) {
		return nil, ErrRestoreInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("create restore record: %w", err)
	}
	m.readOnly.Store(true)
	m.emit(Event{Kind: KindRestore, ID: op.ID, Status: model.BackupStatusPending})
	return &RestoreJob{m: m, op: op, backup: b, opts: opts}, nil
}

// Restore restores a backup and waits for it to finish.
func (m *Manager) Restore(ctx context.Context, backupID int64, opts RestoreOptions, userID *int64) (*model.RestoreOperation, error) {
	job, err := m.BeginRestore(backupID, opts, userID)
	if err != nil {
		return nil, err
	}
	return job.Run(ctx)
}

// Run performs the restore. The row always ends completed or failed and the
// read-only mode is released on every path.
func (j *RestoreJob) Run(ctx context.Context) (*model.RestoreOperation, error) {
	m := j.m
	id := j.op.ID
	defer m.readOnly.Store(false)

	logger := m.logger.With("restore_id", id, "backup_id", j.backup.ID)
	logger.Info("restore started", "name", j.backup.Name,
		"safety_backup", j.opts.CreateBackupFirst, "verify", j.opts.VerifyIntegrity)

	tables, err := j.execute(ctx, logger)
	if err == nil {
		if err = m.restores.MarkCompleted(id); err != nil {
			err = fmt.Errorf("mark restore completed: %w", err)
		}
	}
	if err != nil {
		msg := failureMessage(err)
		if ferr := m.restores.MarkFailed(id, msg); ferr != nil {
			logger.Error("mark restore failed", "error", ferr)
		}
		m.readOnly.Store(false)
		restoresTotal.WithLabelValues(string(model.BackupStatusFailed)).Inc()
		logger.Error("restore failed", "error", err)
		m.emit(Event{Kind: KindRestore, ID: id, Status: model.BackupStatusFailed, Error: msg})
		return nil, err
	}

	m.readOnly.Store(false)
	for _, t := range tables {
		m.events.Publish(store.Change{Entity: t, Action: store.ActionRestored})
	}
	restoresTotal.WithLabelValues(string(model.BackupStatusCompleted)).Inc()
	logger.Info("restore completed", "tables", tables)
	m.emit(Event{Kind: KindRestore, ID: id, Status: model.BackupStatusCompleted})

	return m.restores.GetByID(id)
}

func (j *RestoreJob) execute(ctx context.Context, logger *slog.Logger) ([]string, error) {
	m := j.m
	id := j.op.ID

	if j.opts.CreateBackupFirst {
		m.step(KindRestore, id, "safety_backup")
		if err := j.safetyBackup(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSafetyBackupFailed, err)
		}
	}

	dir, err := os.MkdirTemp(m.cfg.TempDir, "mchcare-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %w", ErrDownloadFailed, err)
	}
	defer os.RemoveAll(dir)

	m.step(KindRestore, id, "download")
	path := filepath.Join(dir, "artifact"+artifactExt(j.backup.Compressed, j.backup.Encrypted))
	if err := m.download(ctx, j.backup.ObjectKey, path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	if j.opts.VerifyIntegrity {
		m.step(KindRestore, id, "verify")
		if err := verifyArtifact(path, j.backup); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIntegrityCheckFailed, err)
		}
	}

	m.step(KindRestore, id, "decode")
	plain, err := decodeArtifact(ctx, path, j.backup, m.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrityCheckFailed, err)
	}

	m.step(KindRestore, id, "import")
	f, err := os.Open(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImportExecutionFailed, err)
	}
	defer f.Close()

	res, err := m.importer.Import(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImportExecutionFailed, err)
	}
	logger.Info("import applied", "tables", res.Tables, "statements", res.Statements)
	return res.Tables, nil
}

func (j *RestoreJob) safetyBackup(ctx context.Context) error {
	m := j.m
	job, err := m.BeginBackup(BackupRequest{
		Modules:   model.AllModules,
		Name:      "Safety_Backup_" + m.now().UTC().Format(nameTimeFormat),
		CreatedBy: j.op.CreatedBy,
	})
	if err != nil {
		return err
	}
	if err := m.restores.SetSafetyBackup(j.op.ID, job.Backup().ID); err != nil {
		return err
	}
	_, err = job.Run(ctx)
	return err
}
