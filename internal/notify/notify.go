// Package notify fans alert events out to registered webhooks and sends
// consolidated alert emails. Delivery is fire-and-forget; a failed delivery
// is logged, never propagated to the sweep that emitted it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/emarvault/emarvault/internal/database"
)

// Mailer sends one alert email. Implemented by EmailChannel; faked in tests.
type Mailer interface {
	Send(to []string, subject, body string) error
}

type Manager struct {
	db         *database.DB
	httpClient *http.Client
	mailer     Mailer
	recipients []string
}

func New(db *database.DB, mailer Mailer, recipients []string) *Manager {
	return &Manager{
		db:         db,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		mailer:     mailer,
		recipients: recipients,
	}
}

// Emit delivers the event to every webhook subscribed to its type.
func (m *Manager) Emit(ctx context.Context, event *Event) {
	webhooks, err := m.webhooksForEvent(event.Type)
	if err != nil {
		slog.Error("Failed to get webhooks", "error", err)
		return
	}
	for _, webhook := range webhooks {
		go m.deliverWebhook(ctx, webhook, event)
	}
}

// SendAlertEmail sends one consolidated notification to the configured
// recipients. Errors are logged and swallowed so alerting never aborts a
// sweep.
func (m *Manager) SendAlertEmail(subject, body string) {
	if m.mailer == nil || len(m.recipients) == 0 {
		slog.Debug("Alert email skipped, no mailer or recipients", "subject", subject)
		return
	}
	go func() {
		if err := m.mailer.Send(m.recipients, subject, body); err != nil {
			slog.Error("Alert email delivery failed", "subject", subject, "error", err)
		}
	}()
}

func (m *Manager) webhooksForEvent(eventType string) ([]database.Webhook, error) {
	var webhooks []database.Webhook
	if err := m.db.Where("enabled = ?", true).Find(&webhooks).Error; err != nil {
		return nil, err
	}

	var matching []database.Webhook
	for _, wh := range webhooks {
		var events []string
		if json.Unmarshal([]byte(wh.Events), &events) != nil {
			continue
		}
		for _, e := range events {
			if e == eventType || e == "*" {
				matching = append(matching, wh)
				break
			}
		}
	}
	return matching, nil
}

func (m *Manager) deliverWebhook(ctx context.Context, webhook database.Webhook, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err, "webhookID", webhook.ID)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("Failed to create request", "error", err, "webhookID", webhook.ID)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "eMARVault/1.0")

	if len(webhook.Headers) > 0 {
		var headers map[string]string
		if json.Unmarshal(webhook.Headers, &headers) == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		slog.Error("Webhook delivery failed", "error", err, "webhookID", webhook.ID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("Webhook error", "status", resp.StatusCode, "webhookID", webhook.ID)
	}
}

func (m *Manager) CreateWebhook(name, url string, events []string) (*database.Webhook, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	webhook := &database.Webhook{
		Name:    name,
		URL:     url,
		Events:  string(eventsJSON),
		Enabled: true,
	}
	if err := m.db.Create(webhook).Error; err != nil {
		return nil, err
	}
	return webhook, nil
}

func (m *Manager) DeleteWebhook(id uint) error {
	return m.db.Delete(&database.Webhook{}, id).Error
}

func (m *Manager) ListWebhooks() ([]database.Webhook, error) {
	var webhooks []database.Webhook
	return webhooks, m.db.Find(&webhooks).Error
}
