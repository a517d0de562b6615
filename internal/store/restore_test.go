package store

import (
	"errors"
	"testing"

	"github.com/dukerupert/mchcare/internal/model"
)

func TestRestoreSinglePending(t *testing.T) {
	db := openTestDB(t)
	bs := NewBackupStore(db)
	rs := NewRestoreStore(db)
	b := newTestBackup(t, bs, "b")

	first, err := rs.Create(b.ID, nil)
	if err != nil {
		t.Fatalf("create restore: %v", err)
	}
	if first.Status != model.BackupStatusPending {
		t.Errorf("status = %q, want %q", first.Status, model.BackupStatusPending)
	}

	_, err = rs.Create(b.ID, nil)
	if !errors.Is(err, ErrRestorePending) {
		t.Fatalf("second create: err = %v, want ErrRestorePending", err)
	}
	n, _ := rs.Count()
	if n != 1 {
		t.Errorf("restore rows = %d, want 1", n)
	}

	if err := rs.MarkCompleted(first.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, err := rs.Create(b.ID, nil); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestRestoreTransitions(t *testing.T) {
	db := openTestDB(t)
	rs := NewRestoreStore(db)
	b := newTestBackup(t, NewBackupStore(db), "b")

	r, _ := rs.Create(b.ID, nil)
	if err := rs.MarkFailed(r.ID, ""); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := rs.GetByID(r.ID)
	if got.Status != model.BackupStatusFailed || got.ErrorMessage == "" {
		t.Errorf("got %+v", got)
	}
	if err := rs.MarkCompleted(r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed after failed: err = %v, want ErrInvalidTransition", err)
	}
}

func TestRestoreSafetyBackupAndBackupDeletion(t *testing.T) {
	db := openTestDB(t)
	bs := NewBackupStore(db)
	rs := NewRestoreStore(db)
	b := newTestBackup(t, bs, "b")
	safety := newTestBackup(t, bs, "safety")

	r, _ := rs.Create(b.ID, nil)
	if err := rs.SetSafetyBackup(r.ID, safety.ID); err != nil {
		t.Fatalf("set safety backup: %v", err)
	}
	got, _ := rs.GetByID(r.ID)
	if got.SafetyBackupID == nil || *got.SafetyBackupID != safety.ID {
		t.Errorf("safety_backup_id = %v, want %d", got.SafetyBackupID, safety.ID)
	}

	bs.MarkCompleted(b.ID, 1, "x")
	if err := bs.Delete(b.ID); !errors.Is(err, ErrBackupInUse) {
		t.Fatalf("delete while restoring: err = %v, want ErrBackupInUse", err)
	}
	if got, _ := bs.GetByID(b.ID); got == nil {
		t.Fatal("backup deleted while a restore was reading it")
	}

	if err := rs.MarkCompleted(r.ID); err != nil {
		t.Fatalf("complete restore: %v", err)
	}
	if err := bs.Delete(b.ID); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	got, _ = rs.GetByID(r.ID)
	if got == nil {
		t.Fatal("restore row removed with its backup")
	}
	if got.BackupID != nil {
		t.Errorf("backup_id = %v, want nil", *got.BackupID)
	}
}

func TestRestoreFailPending(t *testing.T) {
	db := openTestDB(t)
	rs := NewRestoreStore(db)
	b := newTestBackup(t, NewBackupStore(db), "b")

	rs.Create(b.ID, nil)
	pending, _ := rs.GetPending()
	if pending == nil {
		t.Fatal("expected a pending restore")
	}

	if _, err := rs.FailPending("interrupted by restart"); err != nil {
		t.Fatalf("fail pending: %v", err)
	}
	if pending, _ := rs.GetPending(); pending != nil {
		t.Errorf("pending restore remains: %+v", pending)
	}
	list, _ := rs.List(10)
	if len(list) != 1 || list[0].ErrorMessage != "interrupted by restart" {
		t.Errorf("list = %+v", list)
	}
}
