package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultUsername    = "CleanNET DNS Bot"
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	maxBackoff         = 30 * time.Second
)

type payload struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Webhook posts Discord-compatible messages. Transient failures are retried
// with increasing backoff; a 4xx answer stops retrying at once.
type Webhook struct {
	url         string
	username    string
	avatarURL   string
	maxAttempts uint
	backoff     time.Duration
	client      *http.Client
	logger      *logging.Logger
}

// NewWebhook creates a webhook notifier from cfg. A nil client gets a default
// one with a 10s timeout.
func NewWebhook(cfg *config.NotifyConfig, client *http.Client, logger *logging.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	w := &Webhook{
		url:         cfg.WebhookURL,
		username:    cfg.Username,
		avatarURL:   cfg.AvatarURL,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		client:      client,
		logger:      logger,
	}
	if w.username == "" {
		w.username = defaultUsername
	}
	if w.maxAttempts == 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.backoff <= 0 {
		w.backoff = defaultBackoff
	}
	return w
}

// statusError is a non-2xx webhook answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.code, e.body)
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(payload{Content: text, Username: w.username, AvatarURL: w.avatarURL})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.backoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = maxBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := w.post(ctx, body)
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(w.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("Webhook delivery failed, retrying",
				"attempt", attempt,
				"retry_in", next,
				"error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("webhook delivery failed after %d attempt(s): %w", attempt, err)
	}

	w.logger.Debug("Webhook sent", "attempt", attempt)
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(msg)}
}
