package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/email"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/push"
)

const alertTimeout = 30 * time.Second

// alerter tells administrators about failed backups and restores through
// web push and, when configured, email.
type alerter struct {
	notifier *push.Notifier
	email    *email.Client
	to       string
	baseURL  string
	logger   *slog.Logger
}

func operationName(kind backup.EventKind) string {
	if kind == backup.KindRestore {
		return "Restore"
	}
	return "Backup"
}

func (a *alerter) send(e backup.Event) {
	op := operationName(e.Kind)
	title := op + " failed"
	body := fmt.Sprintf("%s %d failed: %s", e.Kind, e.ID, e.Error)

	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	sent, err := a.notifier.NotifyRole(ctx, model.RoleAdmin, push.Payload{
		Title: title,
		Body:  body,
		URL:   "/api/backups/status",
		Tag:   string(e.Kind) + "-failed",
	})
	if err != nil {
		a.logger.Error("push alert", "kind", e.Kind, "id", e.ID, "error", err)
	} else if sent > 0 {
		a.logger.Info("push alert sent", "kind", e.Kind, "id", e.ID, "devices", sent)
	}

	if a.email == nil || !a.email.Configured() || a.to == "" {
		return
	}
	link := ""
	if a.baseURL != "" {
		link = strings.TrimRight(a.baseURL, "/") + "/api/backups/status"
	}
	err = a.email.SendAlert(ctx, a.to, email.Alert{
		Subject: title,
		Lines: []string{
			fmt.Sprintf("%s %d did not complete.", op, e.ID),
			"Error: " + e.Error,
		},
		Link: link,
	})
	if err != nil {
		a.logger.Error("email alert", "kind", e.Kind, "id", e.ID, "error", err)
	}
}
