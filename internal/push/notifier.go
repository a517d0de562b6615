package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

// Notifier fans a payload out to stored subscriptions.
type Notifier struct {
	service *Service
	subs    *store.PushStore
	logger  *slog.Logger
}

func NewNotifier(service *Service, subs *store.PushStore, logger *slog.Logger) *Notifier {
	return &Notifier{service: service, subs: subs, logger: logger}
}

// NotifyRole sends payload to every device registered by users with role.
// Expired subscriptions are removed. Individual delivery failures are
// logged and do not stop the fan-out; the count of delivered pushes is
// returned.
func (n *Notifier) NotifyRole(ctx context.Context, role string, payload Payload) (int, error) {
	if n == nil || !n.service.Configured() {
		return 0, nil
	}
	subs, err := n.subs.ListByRole(role)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions for role %s: %w", role, err)
	}
	return n.deliver(ctx, subs, payload), nil
}

// NotifyUser is NotifyRole for the devices of a single user.
func (n *Notifier) NotifyUser(ctx context.Context, userID int64, payload Payload) (int, error) {
	if n == nil || !n.service.Configured() {
		return 0, nil
	}
	subs, err := n.subs.ListByUser(userID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions for user %d: %w", userID, err)
	}
	return n.deliver(ctx, subs, payload), nil
}

func (n *Notifier) deliver(ctx context.Context, subs []model.PushSubscription, payload Payload) int {
	sent := 0
	for i := range subs {
		sub := &subs[i]
		err := n.service.Send(ctx, sub, payload)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrExpired):
			if derr := n.subs.DeleteByEndpoint(sub.Endpoint); derr != nil {
				n.logger.Error("remove expired subscription", "id", sub.ID, "error", derr)
				continue
			}
			n.logger.Info("removed expired subscription", "id", sub.ID, "user_id", sub.UserID)
		default:
			n.logger.Warn("push delivery failed", "id", sub.ID, "error", err)
		}
	}
	return sent
}
