package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// LogReceiver writes every notification to the structured logger. It is
// always registered, even when no other receiver is configured, grounded
// on the Rust original's NotifyLog receiver.
type LogReceiver struct {
	log logrus.FieldLogger
}

// NewLogReceiver creates a LogReceiver.
func NewLogReceiver(log logrus.FieldLogger) *LogReceiver {
	return &LogReceiver{log: log.WithField("component", "notify.log")}
}

// Send implements Receiver.
func (r *LogReceiver) Send(_ context.Context, msg Message) error {
	fields := logrus.Fields{"app": msg.AppName, "operation": msg.Operation}

	entry := r.log.WithFields(fields)
	if msg.Err != nil {
		entry.WithError(msg.Err).Warn(msg.Kind)
	} else {
		entry.Info(msg.Kind)
	}

	return nil
}

// webhookPayload is the JSON body POSTed to a WebhookReceiver's URL,
// shaped after the Rust original's Mattermost/Gitlab webhook messages
// (a single human-readable text field alongside the structured event).
type webhookPayload struct {
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
	AppName   string `json:"app_name"`
	Operation string `json:"operation"`
}

// WebhookReceiver POSTs a JSON payload to a chat webhook endpoint (Slack,
// Mattermost, a generic Gitlab integration, ...), grounded on
// original_source/src/notification/mattermost.rs and gitlab.rs, which both
// build a client once and POST a JSON body to a configured hook URL,
// failing the send on a non-2xx response.
type WebhookReceiver struct {
	client   *http.Client
	url      string
	channel  string
	username string
}

// NewWebhookReceiver creates a WebhookReceiver posting to url, identifying
// itself as username and, if channel is non-empty, targeting that channel
// (used by Mattermost-style webhooks that multiplex channels through a
// single hook URL).
func NewWebhookReceiver(client *http.Client, url, channel, username string) *WebhookReceiver {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}

	return &WebhookReceiver{client: client, url: url, channel: channel, username: username}
}

// Send implements Receiver.
func (r *WebhookReceiver) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("[%s] %s: %s", msg.Kind, msg.AppName, msg.Operation)
	if msg.Err != nil {
		text = fmt.Sprintf("%s (error: %s)", text, msg.Err.Error())
	}

	body, err := json.Marshal(webhookPayload{
		Channel:   r.channel,
		Username:  r.username,
		Text:      text,
		AppName:   msg.AppName,
		Operation: msg.Operation,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
