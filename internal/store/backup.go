package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
)

type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

// BackupStats summarizes the backup history for the status endpoint.
type BackupStats struct {
	TotalBackups      int64      `json:"total_backups"`
	SuccessfulBackups int64      `json:"successful_backups"`
	LastBackup        *time.Time `json:"last_backup"`
	StorageUsed       int64      `json:"storage_used"`
}

const unknownError = "unknown error"

func scanBackup(scanner interface{ Scan(...any) error }) (*model.CloudBackup, error) {
	var b model.CloudBackup
	var modules string
	var errMsg sql.NullString
	var createdBy sql.NullInt64
	var completedAt sql.NullTime
	err := scanner.Scan(&b.ID, &b.Name, &modules, &b.Format, &b.SizeBytes, &b.SHA256, &b.Status,
		&b.StorageLocation, &b.ObjectKey, &b.Encrypted, &b.Compressed, &errMsg, &createdBy, &b.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	b.Modules = splitModules(modules)
	b.ErrorMessage = errMsg.String
	b.CreatedBy = intPtr(createdBy)
	b.CompletedAt = timePtr(completedAt)
	return &b, nil
}

const backupCols = `id, name, modules, format, size_bytes, sha256, status, storage_location, object_key,
	encrypted, compressed, error_message, created_by, created_at, completed_at`

func splitModules(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// Create inserts a pending backup row.
func (s *BackupStore) Create(b model.CloudBackup) (*model.CloudBackup, error) {
	format := b.Format
	if format == "" {
		format = model.BackupFormat
	}
	result, err := s.db.Exec(
		`INSERT INTO cloud_backups (name, modules, format, status, storage_location, object_key, encrypted, compressed, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, strings.Join(b.Modules, ","), format, model.BackupStatusPending, b.StorageLocation, b.ObjectKey,
		b.Encrypted, b.Compressed, nullInt(b.CreatedBy),
	)
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *BackupStore) GetByID(id int64) (*model.CloudBackup, error) {
	row := s.db.QueryRow(`SELECT `+backupCols+` FROM cloud_backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %d: %w", id, err)
	}
	return b, nil
}

// List returns the most recent backups first.
func (s *BackupStore) List(limit int) ([]model.CloudBackup, error) {
	_, limit = clampPage(1, limit)
	backups, err := queryList(s.db, scanBackup,
		`SELECT `+backupCols+` FROM cloud_backups ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	if backups == nil {
		backups = []model.CloudBackup{}
	}
	return backups, nil
}

func (s *BackupStore) Paginate(page, pageSize int) (Page[model.CloudBackup], error) {
	return paginate(s.db, scanBackup, "cloud_backups", backupCols, page, pageSize)
}

// MarkCompleted moves a pending backup to completed. Any other current
// status returns ErrInvalidTransition.
func (s *BackupStore) MarkCompleted(id, sizeBytes int64, sha256 string) error {
	result, err := s.db.Exec(
		`UPDATE cloud_backups SET status = ?, size_bytes = ?, sha256 = ?, error_message = NULL, completed_at = ?
		 WHERE id = ? AND status = ?`,
		model.BackupStatusCompleted, sizeBytes, sha256, time.Now().UTC(), id, model.BackupStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update backup completed: %w", err)
	}
	ok, err := rowsChanged(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backup %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkFailed moves a pending backup to failed with a non-empty message.
func (s *BackupStore) MarkFailed(id int64, errorMsg string) error {
	if errorMsg == "" {
		errorMsg = unknownError
	}
	result, err := s.db.Exec(
		`UPDATE cloud_backups SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
		model.BackupStatusFailed, errorMsg, time.Now().UTC(), id, model.BackupStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update backup failed: %w", err)
	}
	ok, err := rowsChanged(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backup %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FailPending marks every pending backup failed. Used at startup, when no
// backup can still be running.
func (s *BackupStore) FailPending(errorMsg string) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE cloud_backups SET status = ?, error_message = ?, completed_at = ? WHERE status = ?`,
		model.BackupStatusFailed, errorMsg, time.Now().UTC(), model.BackupStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("fail pending backups: %w", err)
	}
	return result.RowsAffected()
}

// ErrBackupInUse is returned by Delete when the backup is still pending or
// a pending restore is reading it. Nothing is deleted in that case.
var ErrBackupInUse = fmt.Errorf("backup in use: %w", ErrConflict)

// notInUse excludes pending backups and the backup of a pending restore.
const notInUse = `status != 'pending' AND id NOT IN (
	SELECT backup_id FROM restore_operations WHERE status = 'pending' AND backup_id IS NOT NULL)`

// Delete removes a finished backup in one conditional statement, so a
// restore cannot claim it between the check and the delete. Deleting a
// missing row is not an error.
func (s *BackupStore) Delete(id int64) error {
	result, err := s.db.Exec(`DELETE FROM cloud_backups WHERE id = ? AND `+notInUse, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	ok, err := rowsChanged(result)
	if err != nil || ok {
		return err
	}
	n, err := count(s.db, `SELECT COUNT(*) FROM cloud_backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("backup %d: %w", id, ErrBackupInUse)
	}
	return nil
}

// DeleteOlderThan deletes finished backups created before the given time and
// returns them so their objects can be removed. Pending rows and the backup
// of a pending restore are kept.
func (s *BackupStore) DeleteOlderThan(before time.Time) ([]model.CloudBackup, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+backupCols+` FROM cloud_backups WHERE created_at < ? AND `+notInUse+` ORDER BY id`,
		sqliteTime(before),
	)
	if err != nil {
		return nil, fmt.Errorf("select old backups: %w", err)
	}
	var old []model.CloudBackup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		old = append(old, *b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range old {
		if _, err := tx.Exec(`DELETE FROM cloud_backups WHERE id = ? AND `+notInUse, b.ID); err != nil {
			return nil, fmt.Errorf("delete old backup %d: %w", b.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cleanup: %w", err)
	}
	return old, nil
}

func (s *BackupStore) Stats() (BackupStats, error) {
	var stats BackupStats
	var used sql.NullInt64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		        SUM(CASE WHEN status = ? THEN size_bytes END)
		 FROM cloud_backups`,
		model.BackupStatusCompleted, model.BackupStatusCompleted,
	).Scan(&stats.TotalBackups, &stats.SuccessfulBackups, &used)
	if err != nil {
		return BackupStats{}, fmt.Errorf("backup stats: %w", err)
	}
	stats.StorageUsed = used.Int64

	var last time.Time
	err = s.db.QueryRow(
		`SELECT created_at FROM cloud_backups WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		model.BackupStatusCompleted,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return BackupStats{}, fmt.Errorf("last backup: %w", err)
	}
	if err == nil {
		stats.LastBackup = &last
	}
	return stats, nil
}
