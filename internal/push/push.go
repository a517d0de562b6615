// Package push delivers web push alerts to administrators' devices.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/mchcare/internal/model"
)

// ErrExpired means the push service no longer knows the subscription
// (404 or 410) and it should be deleted.
var ErrExpired = errors.New("push subscription expired")

// Alerts are worth little after a day.
const defaultTTL = 24 * 60 * 60

type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	// Tag groups notifications on the device and doubles as the push
	// Topic, so a newer alert of the same kind replaces an undelivered one.
	Tag string `json:"tag,omitempty"`
}

type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Service signs and sends notifications with a VAPID key pair.
type Service struct {
	publicKey  string
	privateKey string
	subscriber string
	send       sendFunc
}

// NewService creates a push service. subscriber is the contact address
// sent to push services, e.g. "mailto:ops@example.org".
func NewService(publicKey, privateKey, subscriber string) *Service {
	return &Service{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		send:       webpush.SendNotificationWithContext,
	}
}

// Configured reports whether both VAPID keys are set.
func (s *Service) Configured() bool {
	return s.publicKey != "" && s.privateKey != ""
}

func (s *Service) VAPIDPublicKey() string {
	return s.publicKey
}

func (s *Service) options(topic string) *webpush.Options {
	return &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             defaultTTL,
		Urgency:         webpush.UrgencyHigh,
		Topic:           topic,
	}
}

// Send delivers payload to one device.
func (s *Service) Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dhKey, Auth: sub.AuthKey},
	}

	resp, err := s.send(ctx, msg, target, s.options(payload.Tag))
	if err != nil {
		return fmt.Errorf("send push to subscription %d: %w", sub.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
		return ErrExpired
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("push service returned %d for subscription %d", resp.StatusCode, sub.ID)
	}
	return nil
}

// GenerateVAPIDKeys returns a fresh base64url encoded P-256 key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
