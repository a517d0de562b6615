package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukerupert/mchcare/internal/model"
)

var ErrRunnerStopped = errors.New("job runner stopped")

// Runner runs backup and restore jobs in the background, each under its own
// cancellable context.
type Runner struct {
	m      *Manager
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	backups  map[int64]context.CancelFunc
	restores map[int64]context.CancelFunc
}

func NewRunner(m *Manager, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		m:        m,
		logger:   logger.With("component", "runner"),
		ctx:      ctx,
		cancel:   cancel,
		backups:  make(map[int64]context.CancelFunc),
		restores: make(map[int64]context.CancelFunc),
	}
}

// SubmitBackup creates the pending row and starts the backup.
func (r *Runner) SubmitBackup(req BackupRequest) (*model.CloudBackup, error) {
	if !r.reserve() {
		return nil, ErrRunnerStopped
	}
	job, err := r.m.BeginBackup(req)
	if err != nil {
		r.wg.Done()
		return nil, err
	}
	id := job.Backup().ID
	ctx := r.track(r.backups, id)

	go func() {
		defer r.wg.Done()
		defer r.untrack(r.backups, id)
		if _, err := job.Run(ctx); err != nil {
			r.logger.Debug("background backup ended with error", "backup_id", id, "error", err)
		}
	}()
	return job.Backup(), nil
}

// SubmitRestore claims the restore slot and starts the restore.
func (r *Runner) SubmitRestore(backupID int64, opts RestoreOptions, userID *int64) (*model.RestoreOperation, error) {
	if !r.reserve() {
		return nil, ErrRunnerStopped
	}
	job, err := r.m.BeginRestore(backupID, opts, userID)
	if err != nil {
		r.wg.Done()
		return nil, err
	}
	id := job.Operation().ID
	ctx := r.track(r.restores, id)

	go func() {
		defer r.wg.Done()
		defer r.untrack(r.restores, id)
		if _, err := job.Run(ctx); err != nil {
			r.logger.Debug("background restore ended with error", "restore_id", id, "error", err)
		}
	}()
	return job.Operation(), nil
}

// CancelBackup cancels a running backup. It reports false when no backup
// with that id is running in this process.
func (r *Runner) CancelBackup(id int64) bool {
	return r.cancelJob(r.backups, id)
}

// CancelRestore cancels a running restore.
func (r *Runner) CancelRestore(id int64) bool {
	return r.cancelJob(r.restores, id)
}

// Stop cancels every running job and waits for them to record their result.
// Submits after Stop fail with ErrRunnerStopped.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// reserve counts a job in the wait group unless the runner is stopped. The
// caller must call wg.Done once the job ends or fails to start.
func (r *Runner) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Runner) track(jobs map[int64]context.CancelFunc, id int64) context.Context {
	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	jobs[id] = cancel
	r.mu.Unlock()
	return ctx
}

func (r *Runner) untrack(jobs map[int64]context.CancelFunc, id int64) {
	r.mu.Lock()
	cancel, ok := jobs[id]
	delete(jobs, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runner) cancelJob(jobs map[int64]context.CancelFunc, id int64) bool {
	r.mu.Lock()
	cancel, ok := jobs[id]
	r.mu.Unlock()
	if ok {
		r.logger.Info("canceling job", "id", id)
		cancel()
	}
	return ok
}
