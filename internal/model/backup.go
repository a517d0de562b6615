package model

import "time"

type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// BackupFormat is the only artifact format produced.
const BackupFormat = "sql dump"

type CloudBackup struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	Modules         []string     `json:"modules"`
	Format          string       `json:"format"`
	SizeBytes       int64        `json:"size_bytes"`
	SHA256          string       `json:"sha256,omitempty"`
	Status          BackupStatus `json:"status"`
	StorageLocation string       `json:"storage_location"`
	ObjectKey       string       `json:"object_key"`
	Encrypted       bool         `json:"encrypted"`
	Compressed      bool         `json:"compressed"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	CreatedBy       *int64       `json:"created_by,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

type RestoreOperation struct {
	ID             int64        `json:"id"`
	BackupID       *int64       `json:"backup_id"`
	SafetyBackupID *int64       `json:"safety_backup_id,omitempty"`
	Status         BackupStatus `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CreatedBy      *int64       `json:"created_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}
