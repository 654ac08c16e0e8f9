// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications sends operator alerts through a Slack incoming
// webhook.
//
// Alerts cover events that need a person to look at them:
//   - a plug rejected an energy meter request and is no longer polled
//   - InfluxDB writes started failing, and later recovered
//   - a discovery broadcast could not be sent
//
// A notifier with an empty webhook URL is disabled and drops every alert.
// Sending failures are returned to the caller, which logs them; they never
// stop polling.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/logger"
)

const (
	webhookTimeout = 10 * time.Second
	footer         = "tplinker"
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	mu         sync.RWMutex
	webhookURL string
	client     *http.Client
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	return s.url() != ""
}

// UpdateWebhookURL switches the webhook after a configuration reload. An
// empty URL disables alerts.
func (s *SlackNotifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookURL = webhookURL
}

func (s *SlackNotifier) url() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Str("title", title).Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, payload)
}

// RecordFailure alerts when a plug refuses energy meter requests. Transport
// and decode failures repeat on every poll while a plug is unplugged, so
// they only reach the logs and metrics.
func (s *SlackNotifier) RecordFailure(ctx context.Context, deviceID string, err error) error {
	section, ok := tperr.GetSectionError(err)
	if !ok {
		return nil
	}
	return s.SendAlert(ctx, "danger", "Device stopped reporting energy",
		fmt.Sprintf("Device %s rejected the energy meter request with code %d (%s). It is no longer polled.",
			deviceID, section.Code, section.Msg))
}

// SendStorageFailure sends an alert when InfluxDB writes start failing
func (s *SlackNotifier) SendStorageFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "InfluxDB write failure",
		fmt.Sprintf("Failed to write readings to InfluxDB: %v\nReadings are dropped until writes succeed again.", err))
}

// SendStorageRecovery sends an alert when InfluxDB writes succeed again
func (s *SlackNotifier) SendStorageRecovery(ctx context.Context) error {
	return s.SendAlert(ctx, "good", "InfluxDB writes restored",
		"Readings are being written to InfluxDB again.")
}

// SendDiscoveryFailure sends an alert when device discovery fails
func (s *SlackNotifier) SendDiscoveryFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "warning", "Device discovery failure",
		fmt.Sprintf("Failed to discover Kasa devices: %v", err))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
