package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
)

const snippetLength = 200

// Notifier posts new-mail events to the owner's configured webhook
type Notifier struct {
	repo   *repository.Repository
	client *http.Client
}

func NewNotifier(repo *repository.Repository, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{repo: repo, client: &http.Client{Timeout: timeout}}
}

type newMailEvent struct {
	Event           string         `json:"event"`
	AccountName     string         `json:"account_name"`
	EmailID         uint           `json:"email_id"`
	RemoteMessageID string         `json:"remote_message_id"`
	Subject         string         `json:"subject"`
	Sender          string         `json:"sender"`
	ReceivedAt      *time.Time     `json:"received_at"`
	Classification  map[string]any `json:"classification"`
	Snippet         string         `json:"snippet"`
}

// NewMail delivers the notification when enabled. Failures are logged only.
func (n *Notifier) NewMail(ctx context.Context, msg *model.Message, accountName string) {
	settings, err := n.repo.GetModuleSettings(msg.OwnerID)
	if err != nil || !settings.EnableWebhookNotifications || settings.WebhookURL == "" {
		return
	}

	snippet := []rune(msg.TextContent)
	if len(snippet) > snippetLength {
		snippet = snippet[:snippetLength]
	}
	body, err := json.Marshal(newMailEvent{
		Event:           "new_email_received",
		AccountName:     accountName,
		EmailID:         msg.ID,
		RemoteMessageID: msg.MessageID,
		Subject:         msg.Subject,
		Sender:          msg.FromEmail,
		ReceivedAt:      msg.ReceivedAt,
		Classification: map[string]any{
			"category": msg.Category,
			"priority": msg.Priority,
		},
		Snippet: string(snippet),
	})
	if err != nil {
		logrus.Warnf("Failed to encode notification: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.WebhookURL, bytes.NewReader(body))
	if err != nil {
		logrus.Warnf("Invalid notification webhook URL: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logrus.WithField("owner_id", msg.OwnerID).Warnf("Notification webhook failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logrus.WithField("owner_id", msg.OwnerID).Warnf("Notification webhook returned status %d", resp.StatusCode)
	}
}
