package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/mchcare/internal/auth"
	"github.com/dukerupert/mchcare/internal/store"
)

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// bearerToken returns the token from "Authorization: Bearer <token>". The
// websocket endpoint may pass it as ?token= since browsers cannot set
// headers on the upgrade request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireAuth validates the API token and populates AuthContext.
func RequireAuth(users *store.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			u, err := users.GetByTokenHash(auth.HashToken(token))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to authenticate")
				return
			}
			if u == nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.AuthContext{
				UserID: u.ID,
				Email:  u.Email,
				Role:   u.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin checks that the authenticated user has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
