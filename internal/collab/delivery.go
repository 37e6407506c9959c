// ABOUTME: Email delivery collaborator for confirmed calendar events
// ABOUTME: Sends a formatted event email through an HTTP mail API

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// EmailDeliverer sends confirmed events to the user's calendar inbox via a
// JSON mail API.
type EmailDeliverer struct {
	apiKey     string
	baseURL    string
	fromEmail  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewEmailDeliverer creates the delivery collaborator. An empty apiKey is
// allowed; Send then returns ErrNotConfigured.
func NewEmailDeliverer(apiKey, baseURL, fromEmail string, timeout time.Duration, logger *slog.Logger) *EmailDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmailDeliverer{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		fromEmail:  fromEmail,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "delivery"),
	}
}

// Send emails the event to the recipient's calendar address. The subject is
// the event summary; the body lists the structured fields so calendar
// ingestion can parse them.
func (d *EmailDeliverer) Send(ctx context.Context, toEmail, summary string, payload map[string]any) error {
	if d.apiKey == "" || d.baseURL == "" {
		return ErrNotConfigured
	}
	if toEmail == "" {
		return fmt.Errorf("no recipient email on file")
	}

	var body strings.Builder
	for _, k := range []string{"title", "date", "time", "location", "child"} {
		if v, ok := payload[k]; ok {
			fmt.Fprintf(&body, "%s: %v\n", k, v)
		}
	}

	msg := map[string]any{
		"from":    d.fromEmail,
		"to":      []string{toEmail},
		"subject": summary,
		"text":    body.String(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/emails", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mail api http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	d.logger.Info("event delivered", "subject", summary)
	return nil
}
