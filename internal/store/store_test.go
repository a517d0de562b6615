package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukerupert/mchcare/internal/database"
	"github.com/dukerupert/mchcare/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func createTestPatient(t *testing.T, db *sql.DB, first, last string) *model.Patient {
	t.Helper()
	p, err := NewPatientStore(db, nil).Create(model.Patient{FirstName: first, LastName: last})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return p
}

func createTestUser(t *testing.T, db *sql.DB, email, role string) *model.User {
	t.Helper()
	u, err := NewUserStore(db).Create(email, "Test", role, "hash-"+email)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}
