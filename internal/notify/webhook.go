package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/config"
	"github.com/warden-project/warden/internal/events"
)

// WebhookNotifier POSTs alert embeds to a configured webhook URL
// (Discord-compatible payload format).
type WebhookNotifier struct {
	cfg    *config.Config
	bus    *events.Bus
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier and subscribes it to
// the alert events it is configured to relay.
func NewWebhookNotifier(cfg *config.Config, bus *events.Bus) *WebhookNotifier {
	n := &WebhookNotifier{
		cfg:    cfg,
		bus:    bus,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	bus.Subscribe(events.EventNotifyOperator, "webhook.notify", n.onNotify)
	if cfg.Webhook.NotifyOnEmergency {
		bus.Subscribe(events.EventEmergencyStop, "webhook.emergency", n.onEmergency)
	}
	if cfg.Webhook.NotifyOnStop {
		bus.Subscribe(events.EventEngineStopped, "webhook.engineStopped", n.onEngineStopped)
	}
	return n
}

// Send posts one notification embed.
func (n *WebhookNotifier) Send(ctx context.Context, title, message, level string) error {
	webhookURL := n.cfg.Webhook.URL
	if webhookURL == "" {
		return nil
	}

	var color int
	switch level {
	case "critical", "error":
		color = 0xFF0000
	case "warning":
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "Warden Supervisor",
				},
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", title).Msg("webhook notification sent")
	return nil
}

func (n *WebhookNotifier) onNotify(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NotifyPayload)
	if !ok {
		return nil
	}
	title := payload.Title
	if payload.ServerKey != "" {
		title = fmt.Sprintf("%s — %s", payload.Title, payload.ServerKey)
	}
	return n.Send(ctx, title, payload.Message, payload.Level)
}

func (n *WebhookNotifier) onEmergency(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.EmergencyPayload)
	if !ok {
		return nil
	}
	return n.Send(ctx,
		fmt.Sprintf("EMERGENCY STOP — %s", payload.ServerKey),
		payload.Reason, "critical")
}

func (n *WebhookNotifier) onEngineStopped(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.EmergencyPayload)
	if !ok {
		return nil
	}
	return n.Send(ctx,
		fmt.Sprintf("Bot stopped — %s", payload.ServerKey),
		"The engine transitioned to stopped.", "info")
}
