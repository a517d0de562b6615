package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/mchcare/internal/auth"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/push"
	"github.com/dukerupert/mchcare/internal/store"
)

type PushHandler struct {
	pushStore *store.PushStore
	service   *push.Service
	notifier  *push.Notifier
	logger    *slog.Logger
}

func NewPushHandler(ps *store.PushStore, svc *push.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		pushStore: ps,
		service:   svc,
		notifier:  push.NewNotifier(svc, ps, logger),
		logger:    logger,
	}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint" validate:"required,url"`
	P256dh     string `json:"p256dh" validate:"required"`
	Auth       string `json:"auth" validate:"required"`
	DeviceName string `json:"device_name" validate:"max=100"`
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.pushStore.CreateSubscription(auth.UserID(r.Context()), req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		h.logger.Error("create push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.pushStore.ListByUser(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []model.PushSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	ok, err := h.pushStore.DeleteSubscription(id, auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if !h.service.Configured() {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}

// TestNotification handles POST /api/push/test
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	if !h.service.Configured() {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	sent, err := h.notifier.NotifyUser(r.Context(), auth.UserID(r.Context()), push.Payload{
		Title: "Test notification",
		Body:  "Backup alerts will appear on this device.",
		URL:   "/api/backups/status",
		Tag:   "test",
	})
	if err != nil {
		h.logger.Error("test push", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send test notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}
