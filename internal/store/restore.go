package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
)

type RestoreStore struct {
	db *sql.DB
}

func NewRestoreStore(db *sql.DB) *RestoreStore {
	return &RestoreStore{db: db}
}

func scanRestore(scanner interface{ Scan(...any) error }) (*model.RestoreOperation, error) {
	var r model.RestoreOperation
	var backupID, safetyID, createdBy sql.NullInt64
	var errMsg sql.NullString
	var completedAt sql.NullTime
	err := scanner.Scan(&r.ID, &backupID, &safetyID, &r.Status, &errMsg, &createdBy, &r.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.BackupID = intPtr(backupID)
	r.SafetyBackupID = intPtr(safetyID)
	r.ErrorMessage = errMsg.String
	r.CreatedBy = intPtr(createdBy)
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

const restoreCols = `id, backup_id, safety_backup_id, status, error_message, created_by, created_at, completed_at`

// ErrRestorePending is returned by Create when another restore is pending.
// Nothing is written in that case.
var ErrRestorePending = fmt.Errorf("restore already pending: %w", ErrConflict)

// Create inserts the pending restore row. The partial unique index on
// status makes this insert the single-flight gate.
func (s *RestoreStore) Create(backupID int64, createdBy *int64) (*model.RestoreOperation, error) {
	result, err := s.db.Exec(
		`INSERT INTO restore_operations (backup_id, status, created_by) VALUES (?, ?, ?)`,
		backupID, model.BackupStatusPending, nullInt(createdBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRestorePending
		}
		return nil, fmt.Errorf("create restore: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *RestoreStore) GetByID(id int64) (*model.RestoreOperation, error) {
	row := s.db.QueryRow(`SELECT `+restoreCols+` FROM restore_operations WHERE id = ?`, id)
	r, err := scanRestore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get restore %d: %w", id, err)
	}
	return r, nil
}

func (s *RestoreStore) GetPending() (*model.RestoreOperation, error) {
	row := s.db.QueryRow(`SELECT `+restoreCols+` FROM restore_operations WHERE status = ?`, model.BackupStatusPending)
	r, err := scanRestore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending restore: %w", err)
	}
	return r, nil
}

func (s *RestoreStore) List(limit int) ([]model.RestoreOperation, error) {
	_, limit = clampPage(1, limit)
	ops, err := queryList(s.db, scanRestore,
		`SELECT `+restoreCols+` FROM restore_operations ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list restores: %w", err)
	}
	if ops == nil {
		ops = []model.RestoreOperation{}
	}
	return ops, nil
}

func (s *RestoreStore) Count() (int64, error) {
	n, err := count(s.db, `SELECT COUNT(*) FROM restore_operations`)
	if err != nil {
		return 0, fmt.Errorf("count restores: %w", err)
	}
	return n, nil
}

func (s *RestoreStore) SetSafetyBackup(id, backupID int64) error {
	_, err := s.db.Exec(`UPDATE restore_operations SET safety_backup_id = ? WHERE id = ?`, backupID, id)
	if err != nil {
		return fmt.Errorf("set safety backup: %w", err)
	}
	return nil
}

func (s *RestoreStore) MarkCompleted(id int64) error {
	return s.finish(id, model.BackupStatusCompleted, sql.NullString{})
}

// MarkFailed moves a pending restore to failed with a non-empty message.
func (s *RestoreStore) MarkFailed(id int64, errorMsg string) error {
	if errorMsg == "" {
		errorMsg = unknownError
	}
	return s.finish(id, model.BackupStatusFailed, sql.NullString{String: errorMsg, Valid: true})
}

func (s *RestoreStore) finish(id int64, status model.BackupStatus, errorMsg sql.NullString) error {
	result, err := s.db.Exec(
		`UPDATE restore_operations SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, errorMsg, time.Now().UTC(), id, model.BackupStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update restore %s: %w", status, err)
	}
	ok, err := rowsChanged(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("restore %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FailPending marks any pending restore failed, releasing the gate.
func (s *RestoreStore) FailPending(errorMsg string) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE restore_operations SET status = ?, error_message = ?, completed_at = ? WHERE status = ?`,
		model.BackupStatusFailed, errorMsg, time.Now().UTC(), model.BackupStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("fail pending restores: %w", err)
	}
	return result.RowsAffected()
}
