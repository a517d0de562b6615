package backup

import "errors"

var (
	ErrInvalidModuleSelection = errors.New("invalid module selection")
	ErrDumpToolUnavailable    = errors.New("dump tool unavailable")
	ErrDumpExecutionFailed    = errors.New("dump execution failed")
	ErrCloudUploadFailed      = errors.New("cloud upload failed")
	ErrNotConfigured          = errors.New("backup storage not configured")

	ErrBackupNotFound        = errors.New("backup not found")
	ErrBackupNotCompleted    = errors.New("backup not completed")
	ErrBackupInProgress      = errors.New("backup in progress")
	ErrConfirmationRequired  = errors.New("restore must be confirmed")
	ErrRestoreInProgress     = errors.New("a restore is already in progress")
	ErrSafetyBackupFailed    = errors.New("safety backup failed")
	ErrDownloadFailed        = errors.New("backup download failed")
	ErrIntegrityCheckFailed  = errors.New("backup integrity check failed")
	ErrImportExecutionFailed = errors.New("import execution failed")
)
