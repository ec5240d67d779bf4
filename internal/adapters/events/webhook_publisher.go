package events

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
	"strings"
	"time"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

const (
	defaultWebhookTimeout = 10 * time.Second

	HeaderEventID   = "X-Revaudit-Event-Id"
	HeaderRevision  = "X-Revaudit-Revision"
	HeaderTopic     = "X-Revaudit-Topic"
	HeaderTimestamp = "X-Revaudit-Timestamp"
	HeaderSignature = "X-Revaudit-Signature"
)

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
	Clock  func() time.Time
}

// WebhookPublisher POSTs each revision event as JSON to one endpoint. The
// event id header lets receivers drop redeliveries.
type WebhookPublisher struct {
	url    string
	secret []byte
	client *http.Client
	clock  func() time.Time
}

func NewWebhookPublisher(cfg WebhookConfig) *WebhookPublisher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &WebhookPublisher{url: cfg.URL, secret: []byte(cfg.Secret), client: client, clock: clock}
}

// Publish delivers event. 4xx answers other than 408 and 429 wrap
// domain.ErrEventRejected; every other failure is retryable.
func (p *WebhookPublisher) Publish(ctx context.Context, topic string, event domain.RevisionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal revision %d: %w", event.Revision, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	ts := strconv.FormatInt(p.clock().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, event.EventID)
	req.Header.Set(HeaderRevision, strconv.FormatInt(event.Revision, 10))
	req.Header.Set(HeaderTopic, topic)
	if len(p.secret) > 0 {
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+signWebhook(p.secret, ts, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver revision %d: %w", event.Revision, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return fmt.Errorf("webhook answered %d for revision %d: %w", code, event.Revision, domain.ErrEventRejected)
	default:
		return fmt.Errorf("webhook answered %d for revision %d", code, event.Revision)
	}
}

// VerifyWebhookSignature checks a signature header produced by Publish.
func VerifyWebhookSignature(secret, timestamp string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want := signWebhook([]byte(secret), timestamp, body)
	return hmac.Equal([]byte(got), []byte(want))
}

// signWebhook is the hex HMAC-SHA256 of "<timestamp>.<body>".
func signWebhook(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
