package handler

import (
	"net/http"
	"testing"

	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/push"
	"github.com/dukerupert/mchcare/internal/store"
)

func newPushHandler(t *testing.T, svc *push.Service) (*PushHandler, *store.PushStore) {
	t.Helper()
	db := openTestDB(t)
	createAdmin(t, db)
	ps := store.NewPushStore(db)
	return NewPushHandler(ps, svc, discardLogger()), ps
}

func TestPushSubscribe(t *testing.T) {
	h, ps := newPushHandler(t, push.NewService("pub", "priv", ""))

	body := `{"endpoint":"https://push.example/abc","p256dh":"key","auth":"secret","device_name":"Front desk"}`
	w := serve(h.Subscribe, request("POST", "/api/push/subscribe", body, ""))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	sub := decodeBody[model.PushSubscription](t, w)
	if sub.UserID != adminID || sub.DeviceName != "Front desk" {
		t.Errorf("subscription = %+v", sub)
	}

	w = serve(h.ListSubscriptions, request("GET", "/api/push/subscriptions", "", ""))
	if subs := decodeBody[[]model.PushSubscription](t, w); len(subs) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(subs))
	}

	if w := serve(h.Unsubscribe, request("DELETE", "/api/push/subscriptions/1", "", itoa(sub.ID))); w.Code != http.StatusNoContent {
		t.Errorf("unsubscribe status = %d, want 204", w.Code)
	}
	if w := serve(h.Unsubscribe, request("DELETE", "/api/push/subscriptions/1", "", itoa(sub.ID))); w.Code != http.StatusNotFound {
		t.Errorf("second unsubscribe status = %d, want 404", w.Code)
	}
	if subs, _ := ps.ListByUser(adminID); len(subs) != 0 {
		t.Errorf("subscriptions after delete = %d", len(subs))
	}
}

func TestPushSubscribeValidation(t *testing.T) {
	h, _ := newPushHandler(t, push.NewService("pub", "priv", ""))

	for _, body := range []string{
		`{"p256dh":"key","auth":"secret"}`,
		`{"endpoint":"not a url","p256dh":"key","auth":"secret"}`,
		`{"endpoint":"https://push.example/abc","auth":"secret"}`,
	} {
		if w := serve(h.Subscribe, request("POST", "/api/push/subscribe", body, "")); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestVAPIDKey(t *testing.T) {
	h, _ := newPushHandler(t, push.NewService("pub-key", "priv", ""))
	w := serve(h.GetVAPIDKey, request("GET", "/api/push/vapid-key", "", ""))
	if got := decodeBody[map[string]string](t, w)["public_key"]; got != "pub-key" {
		t.Errorf("public_key = %q, want pub-key", got)
	}

	h, _ = newPushHandler(t, push.NewService("", "", ""))
	if w := serve(h.GetVAPIDKey, request("GET", "/api/push/vapid-key", "", "")); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d, want 503", w.Code)
	}
}

func TestPushTestNotificationNotConfigured(t *testing.T) {
	h, _ := newPushHandler(t, push.NewService("", "", ""))
	if w := serve(h.TestNotification, request("POST", "/api/push/test", "", "")); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
