package store

import (
	"testing"

	"github.com/dukerupert/mchcare/internal/model"
)

func TestCreateSubscription(t *testing.T) {
	db := openTestDB(t)
	ps := NewPushStore(db)
	u := createTestUser(t, db, "admin@example.com", model.RoleAdmin)

	sub, err := ps.CreateSubscription(u.ID, "https://push.example.com/sub1", "p256dh_key1", "auth_key1", "Chrome Desktop")
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if sub.DeviceName != "Chrome Desktop" {
		t.Errorf("device_name = %q, want %q", sub.DeviceName, "Chrome Desktop")
	}

	updated, err := ps.CreateSubscription(u.ID, "https://push.example.com/sub1", "p256dh_key2", "auth_key2", "Firefox")
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	if updated.ID != sub.ID {
		t.Errorf("id = %d, want %d", updated.ID, sub.ID)
	}
	if updated.P256dhKey != "p256dh_key2" {
		t.Errorf("p256dh_key = %q, want %q", updated.P256dhKey, "p256dh_key2")
	}
}

func TestListByRole(t *testing.T) {
	db := openTestDB(t)
	ps := NewPushStore(db)
	admin := createTestUser(t, db, "admin@example.com", model.RoleAdmin)
	staff := createTestUser(t, db, "staff@example.com", model.RoleStaff)

	ps.CreateSubscription(admin.ID, "https://push.example.com/a", "k", "a", "")
	ps.CreateSubscription(staff.ID, "https://push.example.com/s", "k", "a", "")

	subs, err := ps.ListByRole(model.RoleAdmin)
	if err != nil {
		t.Fatalf("list by role: %v", err)
	}
	if len(subs) != 1 || subs[0].UserID != admin.ID {
		t.Errorf("subs = %+v", subs)
	}
}

func TestDeleteSubscription(t *testing.T) {
	db := openTestDB(t)
	ps := NewPushStore(db)
	owner := createTestUser(t, db, "a@example.com", model.RoleAdmin)
	other := createTestUser(t, db, "b@example.com", model.RoleAdmin)

	sub, _ := ps.CreateSubscription(owner.ID, "https://push.example.com/x", "k", "a", "")

	ok, err := ps.DeleteSubscription(sub.ID, other.ID)
	if err != nil || ok {
		t.Errorf("delete by non-owner: ok=%v err=%v", ok, err)
	}
	ok, err = ps.DeleteSubscription(sub.ID, owner.ID)
	if err != nil || !ok {
		t.Errorf("delete by owner: ok=%v err=%v", ok, err)
	}

	ps.CreateSubscription(owner.ID, "https://push.example.com/y", "k", "a", "")
	if err := ps.DeleteByEndpoint("https://push.example.com/y"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	subs, _ := ps.ListByUser(owner.ID)
	if len(subs) != 0 {
		t.Errorf("subscriptions left = %d, want 0", len(subs))
	}
}
