package auth

import (
	"context"

	"github.com/dukerupert/mchcare/internal/model"
)

type contextKey struct{}

type AuthContext struct {
	UserID int64
	Email  string
	Role   string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) int64 {
	ac, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return ac.UserID
}

// UserIDPtr returns the caller's id for nullable created_by columns.
func UserIDPtr(ctx context.Context) *int64 {
	ac, ok := FromContext(ctx)
	if !ok || ac.UserID == 0 {
		return nil
	}
	id := ac.UserID
	return &id
}

func IsAdmin(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == model.RoleAdmin
}
