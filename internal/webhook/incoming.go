package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/ingest"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/parser"
	"renewal-mail-engine/internal/repository"
)

// IncomingResult is the outcome of an inbound-email webhook
type IncomingResult struct {
	WebhookID uint   `json:"webhook_id"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	EmailID   uint   `json:"email_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Skipped   bool   `json:"skipped"`
}

// IncomingBatch summarizes one inbound-email webhook delivery
type IncomingBatch struct {
	Received  int               `json:"received"`
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Ignored   int               `json:"ignored"`
	Emails    []*IncomingResult `json:"emails"`
}

func (b *IncomingBatch) add(r *IncomingResult) {
	b.Received++
	b.Emails = append(b.Emails, r)
	switch r.Status {
	case model.WebhookProcessed:
		b.Processed++
	case model.WebhookFailed:
		b.Failed++
	default:
		b.Ignored++
	}
}

// ProcessIncoming stores inbound emails delivered by a provider's parse
// webhook, one per element of the body. Each email is either field based
// or carries the raw MIME message in "email".
func (p *Processor) ProcessIncoming(ctx context.Context, provider string, body []byte) (*IncomingBatch, error) {
	payloads, err := Decode(body)
	if err != nil {
		return nil, err
	}
	batch := &IncomingBatch{Emails: []*IncomingResult{}}
	for _, payload := range payloads {
		var res *IncomingResult
		if payload.Object == nil {
			var er *EventResult
			if er, err = p.reject(provider, incomingEvent, payload.Raw); err == nil {
				res = &IncomingResult{WebhookID: er.WebhookID, Status: er.Status, Note: er.Note}
			}
		} else {
			res, err = p.incoming(ctx, provider, payload)
		}
		if err != nil {
			return batch, err
		}
		batch.add(res)
	}
	return batch, nil
}

const incomingEvent = "incoming"

func (p *Processor) incoming(ctx context.Context, provider string, payload Payload) (*IncomingResult, error) {
	raw := payload.Object
	stored := &model.WebhookEvent{
		Provider:  strings.ToLower(provider),
		EventType: incomingEvent,
		Status:    model.WebhookPending,
		RawData:   string(payload.Raw),
	}
	if err := p.repo.CreateWebhookEvent(stored); err != nil {
		return nil, err
	}
	result := &IncomingResult{WebhookID: stored.ID}

	finish := func(status, note string) (*IncomingResult, error) {
		now := p.now().UTC()
		stored.Status = status
		stored.ProcessingNotes = note
		stored.ProcessedAt = &now
		if status == model.WebhookFailed {
			stored.ErrorMessage = note
		}
		p.metrics.WebhookEvents.WithLabelValues(stored.Provider, status).Inc()
		result.Status = status
		result.Note = note
		return result, p.repo.SaveWebhookEvent(stored)
	}

	email, err := incomingEmail(raw)
	if err != nil {
		return finish(model.WebhookFailed, err.Error())
	}
	stored.ProviderMessageID = email.MessageID

	account, err := p.repo.FindAccountByAddresses(append(append([]string{}, email.To...), email.CC...))
	if errors.Is(err, repository.ErrNotFound) {
		return finish(model.WebhookFailed, "no mail account for the recipients")
	}
	if err != nil {
		return nil, err
	}

	res, err := p.pipeline.Ingest(ctx, email, ingest.Source{
		OwnerID:        account.OwnerID,
		AccountID:      &account.ID,
		AccountAddress: account.EmailAddress,
		AccountName:    account.AccountName,
		Channel:        "webhook:" + stored.Provider,
	})
	if err != nil {
		logrus.WithField("webhook_id", stored.ID).Errorf("Failed to ingest inbound email: %v", err)
		return finish(model.WebhookFailed, err.Error())
	}

	result.EmailID = res.ID
	result.MessageID = res.MessageID
	result.Skipped = res.Skipped
	if res.ID != 0 {
		stored.MessageRefID = &res.ID
	}
	stored.ProcessedData = map[string]any{
		"email_id":   res.ID,
		"message_id": res.MessageID,
		"category":   res.Classification.Category,
		"priority":   res.Classification.Priority,
	}
	if res.Skipped {
		return finish(model.WebhookIgnored, "duplicate message")
	}
	if p.automations != nil && res.Message != nil {
		p.automations.MessageReceived(res.Message)
	}
	return finish(model.WebhookProcessed, "stored inbound email")
}

// incomingEmail maps the provider fields onto a parsed email
func incomingEmail(raw map[string]any) (*parser.ParsedEmail, error) {
	if rawMIME := str(raw["email"]); rawMIME != "" {
		email, err := parser.Parse([]byte(rawMIME))
		if err != nil {
			return nil, err
		}
		return email, nil
	}

	email := &parser.ParsedEmail{
		To:       addresses(raw["to"]),
		CC:       addresses(raw["cc"]),
		BCC:      addresses(raw["bcc"]),
		Subject:  str(raw["subject"]),
		TextBody: str(raw["text"]),
		HTMLBody: str(raw["html"]),
	}
	email.From, email.FromName = senderOf(str(raw["from"]))
	if list := addresses(raw["reply_to"]); len(list) > 0 {
		email.ReplyTo = list[0]
	}

	headers, _ := raw["headers"].(map[string]any)
	email.MessageID = trimID(firstOf(str(raw["message_id"]), header(headers, "Message-ID")))
	email.InReplyTo = trimID(firstOf(str(raw["in_reply_to"]), header(headers, "In-Reply-To")))
	for _, ref := range strings.Fields(firstOf(str(raw["references"]), header(headers, "References"))) {
		if id := trimID(ref); id != "" {
			email.References = append(email.References, id)
		}
	}
	if at := isoTime(str(raw["received_at"])); at != nil {
		email.Date = *at
	} else {
		email.Date = time.Now().UTC()
	}

	if email.From == "" {
		return nil, errors.New("inbound email has no sender")
	}
	if len(email.To)+len(email.CC) == 0 {
		return nil, errors.New("inbound email has no recipients")
	}
	return email, nil
}

func senderOf(from string) (string, string) {
	if from == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address), addr.Name
	}
	list := parser.SplitAddresses(from)
	if len(list) == 0 {
		return "", ""
	}
	return list[0], ""
}

func addresses(v any) []string {
	switch t := v.(type) {
	case string:
		return parser.SplitAddresses(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, str(p))
		}
		return parser.SplitAddresses(strings.Join(parts, ","))
	}
	return nil
}

func header(headers map[string]any, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return str(v)
		}
	}
	return ""
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
