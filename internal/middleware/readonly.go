package middleware

import (
	"net/http"
	"strconv"
)

const readOnlyRetryAfter = 30

// ReadOnly rejects writes with 503 while active reports true. Reads always
// pass so clients can follow the restore that holds the database.
func ReadOnly(active func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if active() && !isRead(r.Method) {
				w.Header().Set("Retry-After", strconv.Itoa(readOnlyRetryAfter))
				writeError(w, http.StatusServiceUnavailable, "a restore is in progress; the database is read-only")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
