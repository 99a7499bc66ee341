// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

// Package alert delivers operator notifications for dead-lettered messages.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/genjipk/relay/config"
)

// ErrNoWebhookURL indicates alerting was requested without a destination.
var ErrNoWebhookURL = errors.New("alert: webhook URL not configured")

// Notifier delivers an alert about a message stuck in dlqName.
type Notifier interface {
	Alert(ctx context.Context, dlqName string, body []byte) error
}

// Webhook posts alerts to a chat webhook endpoint. The message renders the
// dead-lettered payload in a fenced code block so operators can copy it back
// into a requeue tool.
type Webhook struct {
	url       string
	channelID string
	maxBody   int
	http      *http.Client
	logger    *slog.Logger
}

type webhookMessage struct {
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content"`
}

// NewWebhook creates a webhook notifier from configuration.
func NewWebhook(cfg config.Alert, logger *slog.Logger) (*Webhook, error) {
	if cfg.WebhookURL == "" {
		return nil, ErrNoWebhookURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:       cfg.WebhookURL,
		channelID: cfg.ChannelID,
		maxBody:   cfg.MaxBody,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
	}, nil
}

// Alert posts one notification. Oversized payloads are truncated so the chat
// service never rejects the alert outright.
func (w *Webhook) Alert(ctx context.Context, dlqName string, body []byte) error {
	payload, err := json.Marshal(webhookMessage{
		ChannelID: w.channelID,
		Content:   w.render(dlqName, body),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("dead-letter alert delivered", slog.String("queue", dlqName))
	return nil
}

// render formats the alert content, truncating the payload to maxBody bytes.
func (w *Webhook) render(dlqName string, body []byte) string {
	text := string(body)
	if len(text) > w.maxBody {
		text = text[:w.maxBody]
	}
	return fmt.Sprintf("### %s\n```json\n%s\n```", dlqName, text)
}
