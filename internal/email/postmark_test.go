package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, token string, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewClient(token, "alerts@example.org",
		WithHTTPClient(&http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}))
}

func TestSendAlert(t *testing.T) {
	var received postmarkEmail
	var gotToken, gotPath string

	client := newTestClient(t, "test-token", func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	})

	err := client.SendAlert(context.Background(), "admin@example.org", Alert{
		Subject: "Backup failed",
		Lines:   []string{"Backup 7 failed.", "cloud upload failed: <timeout>"},
		Link:    "https://clinic.example/backups",
	})
	if err != nil {
		t.Fatalf("send alert: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if gotPath != "/email" {
		t.Errorf("path = %q, want /email", gotPath)
	}
	if received.To != "admin@example.org" {
		t.Errorf("To = %q, want %q", received.To, "admin@example.org")
	}
	if received.From != "alerts@example.org" {
		t.Errorf("From = %q, want %q", received.From, "alerts@example.org")
	}
	if received.Subject != "[mchcare] Backup failed" {
		t.Errorf("Subject = %q", received.Subject)
	}
	if !strings.Contains(received.TextBody, "cloud upload failed: <timeout>") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
	if !strings.HasSuffix(received.TextBody, "https://clinic.example/backups") {
		t.Errorf("TextBody missing link: %q", received.TextBody)
	}
	if !strings.Contains(received.HtmlBody, "&lt;timeout&gt;") {
		t.Errorf("HtmlBody not escaped: %q", received.HtmlBody)
	}
}

func TestSendAlertNotConfigured(t *testing.T) {
	client := NewClient("", "alerts@example.org")

	err := client.SendAlert(context.Background(), "admin@example.org", Alert{Subject: "x"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestSendAlertAPIError(t *testing.T) {
	client := newTestClient(t, "test-token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"ErrorCode": 300, "Message": "Invalid 'To' address"}`))
	})

	err := client.SendAlert(context.Background(), "nobody", Alert{Subject: "x"})
	if err == nil {
		t.Fatal("expected error for API failure")
	}
	if !strings.Contains(err.Error(), "Invalid 'To' address") {
		t.Errorf("err = %v, want postmark message", err)
	}
}

func TestConfigured(t *testing.T) {
	if !NewClient("token", "from@test.com").Configured() {
		t.Error("expected Configured() = true")
	}
	if NewClient("", "from@test.com").Configured() {
		t.Error("expected Configured() = false")
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
