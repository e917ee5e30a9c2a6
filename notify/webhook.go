package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "timestamp.payload".
	SignatureHeader = "X-Webhook-Signature"
	// TimestampHeader carries the unix timestamp used in the signature.
	TimestampHeader = "X-Webhook-Timestamp"
)

// WebhookSender posts JSON payloads to a fixed URL.
// The payload shape is produced by encode, which lets the same sender serve
// Slack, Discord and generic receivers.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	encode func(Message) any
}

// NewWebhookSender posts the whole Message as JSON. When secret is non-empty,
// requests are signed with SignatureHeader and TimestampHeader.
func NewWebhookSender(url, secret string, client *http.Client) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: defaultClient(client),
		encode: func(m Message) any { return m },
	}
}

// NewSlackSender posts to a Slack incoming webhook.
func NewSlackSender(url string, client *http.Client) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: defaultClient(client),
		encode: func(m Message) any {
			return map[string]string{"text": fmt.Sprintf("*[%s] %s*\n%s", m.Severity, m.Subject, m.Body)}
		},
	}
}

// NewDiscordSender posts to a Discord channel webhook.
func NewDiscordSender(url string, client *http.Client) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: defaultClient(client),
		encode: func(m Message) any {
			return map[string]string{"content": fmt.Sprintf("**[%s] %s**\n%s", m.Severity, m.Subject, m.Body)}
		},
	}
}

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: DefaultSendTimeout}
}

// Send posts msg and treats any non-2xx status as a failure.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(s.encode(msg))
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if s.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(s.secret, ts, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
