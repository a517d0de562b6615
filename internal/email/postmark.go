package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const apiURL = "https://api.postmarkapp.com/email"

// ErrNotConfigured is returned when no server token is set.
var ErrNotConfigured = errors.New("email client not configured: missing server token")

type Client struct {
	serverToken string
	fromEmail   string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	Tag      string `json:"Tag,omitempty"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type postmarkError struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Alert is an operational notice for the clinic administrators.
type Alert struct {
	Subject string
	// Lines are rendered one per line in the text body and one paragraph
	// each in the HTML body.
	Lines []string
	// Link, when set, is appended to both bodies.
	Link string
}

// SendAlert emails an operational alert to a single recipient.
func (c *Client) SendAlert(ctx context.Context, to string, a Alert) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	text := strings.Join(a.Lines, "\n")
	var htmlBody strings.Builder
	for _, l := range a.Lines {
		fmt.Fprintf(&htmlBody, "<p>%s</p>", html.EscapeString(l))
	}
	if a.Link != "" {
		text += "\n\n" + a.Link
		fmt.Fprintf(&htmlBody, `<p><a href="%s">Open mchcare</a></p>`, html.EscapeString(a.Link))
	}

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       to,
		Subject:  "[mchcare] " + a.Subject,
		Tag:      "alert",
		HtmlBody: htmlBody.String(),
		TextBody: text,
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var pe postmarkError
		if json.NewDecoder(resp.Body).Decode(&pe) == nil && pe.Message != "" {
			return fmt.Errorf("postmark API error: status %d: %s (code %d)", resp.StatusCode, pe.Message, pe.ErrorCode)
		}
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
