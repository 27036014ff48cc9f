package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookTarget is one external consumer of inbound messages.
type WebhookTarget struct {
	Label  string // "test" | "prod"
	URL    string
	Source Source
}

// Targets builds the configured targets, skipping empty URLs.
func Targets(testURL, prodURL string) []WebhookTarget {
	var out []WebhookTarget
	if testURL != "" {
		out = append(out, WebhookTarget{Label: "test", URL: testURL, Source: SourceWebhookTest})
	}
	if prodURL != "" {
		out = append(out, WebhookTarget{Label: "prod", URL: prodURL, Source: SourceWebhookProd})
	}
	return out
}

// Forwarder posts a payload to a webhook target.
type Forwarder interface {
	Forward(ctx context.Context, target WebhookTarget, payload any) error
}

type WebhookForwarder struct {
	client *http.Client
}

func NewWebhookForwarder(timeout time.Duration) *WebhookForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookForwarder{
		client: &http.Client{Timeout: timeout},
	}
}

func (f *WebhookForwarder) Forward(ctx context.Context, target WebhookTarget, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		target.URL,
		bytes.NewReader(b),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: %s body=%s", target.Label, resp.Status, respBody)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
