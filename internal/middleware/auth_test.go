package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dukerupert/mchcare/internal/auth"
	"github.com/dukerupert/mchcare/internal/database"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

func setupUsers(t *testing.T) *store.UserStore {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewUserStore(db)
}

func createUser(t *testing.T, us *store.UserStore, email, role string) (*model.User, string) {
	t.Helper()
	token, hash, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	u, err := us.Create(email, "Test User", role, hash)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u, token
}

func unreachable(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	})
}

func TestRequireAuthMissingToken(t *testing.T) {
	us := setupUsers(t)
	handler := RequireAuth(us)(unreachable(t))

	req := httptest.NewRequest("GET", "/api/patients", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRequireAuthInvalidToken(t *testing.T) {
	us := setupUsers(t)
	handler := RequireAuth(us)(unreachable(t))

	for _, h := range []string{"Bearer mch_nope", "Basic dXNlcjpwYXNz", "Bearer"} {
		req := httptest.NewRequest("GET", "/api/patients", nil)
		req.Header.Set("Authorization", h)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%q: status = %d, want %d", h, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestRequireAuthValidToken(t *testing.T) {
	us := setupUsers(t)
	u, token := createUser(t, us, "midwife@clinic.test", model.RoleStaff)

	var got auth.AuthContext
	handler := RequireAuth(us)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			t.Fatal("expected AuthContext in request context")
		}
		got = ac
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/patients", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.UserID != u.ID || got.Role != model.RoleStaff || got.Email != u.Email {
		t.Errorf("auth context = %+v", got)
	}
}

func TestRequireAuthQueryToken(t *testing.T) {
	us := setupUsers(t)
	_, token := createUser(t, us, "admin@clinic.test", model.RoleAdmin)

	handler := RequireAuth(us)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name string
		ac   *auth.AuthContext
		want int
	}{
		{"admin", &auth.AuthContext{UserID: 1, Role: model.RoleAdmin}, http.StatusOK},
		{"staff", &auth.AuthContext{UserID: 2, Role: model.RoleStaff}, http.StatusForbidden},
		{"anonymous", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("DELETE", "/api/backups/1", nil)
		if tt.ac != nil {
			req = req.WithContext(auth.WithAuth(req.Context(), *tt.ac))
		}
		rec := httptest.NewRecorder()
		RequireAdmin(ok).ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}
