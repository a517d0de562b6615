package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/mchcare/internal/model"
)

const cleanupTimeout = 5 * time.Minute

// Scheduler submits a full backup on a cron schedule and prunes backups
// past the retention window after each one.
type Scheduler struct {
	cron          *cron.Cron
	runner        *Runner
	m             *Manager
	retentionDays int
	logger        *slog.Logger
}

// NewScheduler parses schedule, a standard five-field cron expression.
func NewScheduler(schedule string, retentionDays int, m *Manager, runner *Runner, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:          cron.New(),
		runner:        runner,
		m:             m,
		retentionDays: retentionDays,
		logger:        logger.With("component", "scheduler"),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse backup schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("backup schedule started", "next", s.cron.Entries()[0].Next)
}

// Stop halts the schedule and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs one scheduled tick.
func (s *Scheduler) RunOnce(ctx context.Context) {
	b, err := s.runner.SubmitBackup(BackupRequest{Modules: model.AllModules})
	if err != nil {
		s.logger.Error("scheduled backup not started", "error", err)
	} else {
		s.logger.Info("scheduled backup started", "backup_id", b.ID, "name", b.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if _, err := s.m.Cleanup(ctx, s.retentionDays); err != nil {
		s.logger.Error("backup cleanup failed", "error", err)
	}
}
