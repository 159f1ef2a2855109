package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/depotlab/commons/pkg/members"
)

const webhookTimeout = 10 * time.Second

// WebhookSender delivers notifications as signed JSON POSTs to a single
// consumer endpoint. Retries are the dispatcher's job; a non-2xx response is
// just an error here.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender creates a webhook sender. The secret may be empty, in
// which case payloads are not signed.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Deliver implements Sender.
func (s *WebhookSender) Deliver(ctx context.Context, n members.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Commons-Event", n.Kind)
	req.Header.Set("X-Commons-Delivery", time.Now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set("X-Commons-Signature", Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature consumers verify deliveries
// with.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received payload against its signature header.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
