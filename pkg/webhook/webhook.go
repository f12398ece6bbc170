// Package webhook posts guard events to HTTP endpoints.
package webhook

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
	"time"

	"github.com/jvs-project/runguard/pkg/model"
)

// EventType represents the type of guard event that can trigger webhooks.
type EventType string

const (
	EventLeaseRejected  EventType = "lease.rejected"
	EventLeaseReclaimed EventType = "lease.reclaimed"
	EventRunFailed      EventType = "run.failed"

	// EventAll matches every event.
	EventAll EventType = "*"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Runguard-Signature"

// Event is the JSON payload sent to webhooks.
type Event struct {
	Event            EventType `json:"event"`
	Timestamp        string    `json:"timestamp"`
	Job              string    `json:"job"`
	Key              string    `json:"key"`
	InvocationID     string    `json:"invocation_id,omitempty"`
	Holder           string    `json:"holder,omitempty"`
	RemainingSeconds int64     `json:"remaining_seconds,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// HookConfig represents a single webhook configuration.
type HookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Secret  string        `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events  []EventType   `yaml:"events" json:"events"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled bool          `yaml:"enabled" json:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Hooks      []HookConfig  `yaml:"hooks" json:"hooks"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultTimeout bounds a single hook delivery, retries included, when the
// hook sets none.
const DefaultTimeout = 10 * time.Second

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    false,
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// Client sends webhook notifications synchronously. A guarded cron job
// exits right after its run, so there is no background queue to drain.
type Client struct {
	config *Config
	http   *http.Client
	now    func() time.Time
}

// NewClient creates a new webhook client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		config: cfg,
		http:   &http.Client{},
		now:    time.Now,
	}
}

// Observe maps a guard event to a webhook event and sends it. Events with no
// webhook counterpart are ignored. It satisfies guard.Observer.
func (c *Client) Observe(ctx context.Context, ev model.GuardEvent) error {
	var typ EventType
	switch {
	case ev.Type == model.EventTypeLeaseRejected:
		typ = EventLeaseRejected
	case ev.Type == model.EventTypeLeaseReclaimed:
		typ = EventLeaseReclaimed
	case ev.Type == model.EventTypeLeaseReleased && ev.Outcome == model.OutcomeError:
		typ = EventRunFailed
	default:
		return nil
	}

	out := Event{
		Event:            typ,
		Job:              ev.Job,
		Key:              string(ev.Key),
		InvocationID:     ev.InvocationID,
		Holder:           ev.Holder,
		RemainingSeconds: int64(ev.Remaining / time.Second),
	}
	if !ev.Time.IsZero() {
		out.Timestamp = ev.Time.UTC().Format(time.RFC3339)
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return c.Send(ctx, out)
}

// Send delivers event to every enabled hook subscribed to it. The last
// delivery error is returned; every hook is attempted.
func (c *Client) Send(ctx context.Context, event Event) error {
	if !c.config.Enabled {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp == "" {
		event.Timestamp = c.now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.deliver(ctx, hook, payload); err != nil {
			lastErr = fmt.Errorf("webhook %s: %w", hook.URL, err)
		}
	}
	return lastErr
}

// deliver posts payload with retries, bounded by the hook timeout.
func (c *Client) deliver(ctx context.Context, hook HookConfig, payload []byte) error {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if lastErr == nil {
					lastErr = ctx.Err()
				}
				return lastErr
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, err := createRequest(ctx, hook, payload)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return lastErr
}

func createRequest(ctx context.Context, hook HookConfig, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "runguard-webhook/1.0")

	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, hook.Secret))
	}
	return req, nil
}

// Sign returns the "sha256=<hex>" HMAC signature of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == EventAll {
			return true
		}
	}
	return false
}
