package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/automation"
	"renewal-mail-engine/internal/ingest"
	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
)

// Automations receives the events that can trigger automations. Both calls
// return without waiting for the automations to run.
type Automations interface {
	MessageReceived(msg *model.Message)
	Trigger(ownerID uint, triggerType string, payload map[string]any)
}

// EventResult is the outcome for one stored event
type EventResult struct {
	WebhookID uint   `json:"webhook_id"`
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	// Changed is false when the target already reflected the event
	Changed bool `json:"changed"`
}

// Result summarizes one webhook delivery
type Result struct {
	Received  int            `json:"received"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Ignored   int            `json:"ignored"`
	Events    []*EventResult `json:"events"`
}

func (r *Result) add(er *EventResult) {
	r.Received++
	r.Events = append(r.Events, er)
	switch er.Status {
	case model.WebhookProcessed:
		r.Processed++
	case model.WebhookFailed:
		r.Failed++
	default:
		r.Ignored++
	}
}

// Processor persists every event first and then reconciles it. Orphan and
// duplicate events are recorded outcomes, not errors.
type Processor struct {
	repo        *repository.Repository
	pipeline    *ingest.Pipeline
	automations Automations
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewProcessor creates a processor. automations may be nil.
func NewProcessor(repo *repository.Repository, pipeline *ingest.Pipeline, automations Automations, m *metrics.Metrics) *Processor {
	return &Processor{
		repo:        repo,
		pipeline:    pipeline,
		automations: automations,
		metrics:     m,
		now:         time.Now,
	}
}

// Process handles a delivery event webhook body. The error is non-nil only
// for an unparsable body (ErrInvalidPayload) or a storage failure.
func (p *Processor) Process(ctx context.Context, provider, eventType string, body []byte) (*Result, error) {
	payloads, err := Decode(body)
	if err != nil {
		return nil, err
	}
	result := &Result{Events: []*EventResult{}}
	for _, payload := range payloads {
		var er *EventResult
		if payload.Object == nil {
			er, err = p.reject(provider, eventType, payload.Raw)
		} else {
			er, err = p.processOne(ctx, provider, eventType, payload.Object)
		}
		if err != nil {
			return result, err
		}
		result.add(er)
	}
	return result, nil
}

// reject stores an element that is valid JSON but not an object as a
// failed event.
func (p *Processor) reject(provider, eventType string, raw []byte) (*EventResult, error) {
	const note = "payload element is not a JSON object"
	now := p.now().UTC()
	if eventType == "" {
		eventType = "unknown"
	}
	stored := &model.WebhookEvent{
		Provider:        strings.ToLower(provider),
		EventType:       eventType,
		Status:          model.WebhookFailed,
		RawData:         string(raw),
		ProcessingNotes: note,
		ErrorMessage:    note,
		ProcessedAt:     &now,
	}
	if err := p.repo.CreateWebhookEvent(stored); err != nil {
		return nil, err
	}
	p.metrics.WebhookEvents.WithLabelValues(stored.Provider, stored.Status).Inc()
	logrus.WithFields(logrus.Fields{
		"provider":   stored.Provider,
		"webhook_id": stored.ID,
	}).Warn(note)
	return &EventResult{WebhookID: stored.ID, EventType: eventType, Status: stored.Status, Note: note}, nil
}

// Track records an open or click reported by the tracking pixel or the
// click redirect.
func (p *Processor) Track(ctx context.Context, eventType, trackingID, ip, userAgent, url string) (*EventResult, error) {
	raw := map[string]any{
		"event":       eventType,
		"tracking_id": trackingID,
		"ip":          ip,
		"user_agent":  userAgent,
		"url":         url,
		"timestamp":   float64(p.now().Unix()),
	}
	return p.processOne(ctx, ProviderTracking, eventType, raw)
}

func (p *Processor) processOne(ctx context.Context, provider, eventType string, raw map[string]any) (*EventResult, error) {
	ev := Normalize(provider, eventType, raw)
	rawJSON, _ := json.Marshal(raw)

	stored := &model.WebhookEvent{
		Provider:          ev.Provider,
		EventType:         ev.Type,
		Fingerprint:       ev.Fingerprint(),
		Status:            model.WebhookPending,
		RawData:           string(rawJSON),
		ProviderMessageID: ev.ProviderMessageID,
		EventTime:         ev.Time,
		IPAddress:         ev.IPAddress,
		UserAgent:         ev.UserAgent,
	}
	if err := p.repo.CreateWebhookEvent(stored); err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"provider":   ev.Provider,
		"event":      ev.Type,
		"webhook_id": stored.ID,
	})

	status, note, changed, err := p.reconcile(ctx, stored, ev)
	if err != nil {
		stored.RetryCount++
		stored.ErrorMessage = err.Error()
		status, note = model.WebhookFailed, "reconciliation error"
		log.Errorf("Failed to reconcile webhook event: %v", err)
	}

	processedAt := p.now().UTC()
	stored.Status = status
	stored.ProcessingNotes = note
	stored.ProcessedAt = &processedAt
	stored.ProcessedData = eventData(ev)
	if status == model.WebhookFailed && stored.ErrorMessage == "" {
		stored.ErrorMessage = note
	}
	if err := p.repo.SaveWebhookEvent(stored); err != nil {
		return nil, err
	}

	p.metrics.WebhookEvents.WithLabelValues(ev.Provider, status).Inc()
	log.WithField("status", status).Debug(note)
	return &EventResult{
		WebhookID: stored.ID,
		EventType: ev.Type,
		Status:    status,
		Note:      note,
		Changed:   changed,
	}, nil
}

func (p *Processor) reconcile(ctx context.Context, stored *model.WebhookEvent, ev Event) (string, string, bool, error) {
	if dup, err := p.repo.FingerprintProcessed(stored.Fingerprint, stored.ID); err != nil {
		return "", "", false, err
	} else if dup {
		return model.WebhookIgnored, "duplicate event", false, nil
	}

	if !reconcilable(ev.Type) {
		return model.WebhookIgnored, fmt.Sprintf("event type %q is not tracked", ev.Type), false, nil
	}

	at := p.now().UTC()
	if ev.Time != nil {
		at = ev.Time.UTC()
	}

	recipient, err := p.findRecipient(ev)
	if err != nil {
		return "", "", false, err
	}
	if recipient != nil {
		stored.RecipientID = &recipient.ID
		stored.MessageRefID = recipient.MessageRefID
		changed, err := p.applyToRecipient(recipient, ev, at)
		if err != nil {
			return "", "", false, err
		}
		return model.WebhookProcessed, transitionNote("campaign recipient", recipient.ID, changed), changed, nil
	}

	msg, err := p.findMessage(ev)
	if err != nil {
		return "", "", false, err
	}
	if msg != nil {
		stored.MessageRefID = &msg.ID
		changed, err := p.applyToMessage(msg, ev, at)
		if err != nil {
			return "", "", false, err
		}
		if changed {
			p.fireAutomation(msg, ev)
		}
		return model.WebhookProcessed, transitionNote("message", msg.ID, changed), changed, nil
	}

	return model.WebhookFailed, "no matching campaign recipient or message", false, nil
}

func reconcilable(eventType string) bool {
	switch eventType {
	case EventDelivered, EventOpen, EventClick, EventBounce, EventDropped, EventUnsubscribe, EventSpamReport:
		return true
	}
	return false
}

func transitionNote(target string, id uint, changed bool) string {
	if changed {
		return fmt.Sprintf("updated %s %d", target, id)
	}
	return fmt.Sprintf("%s %d already reflects the event", target, id)
}

// findRecipient tries the recipient id, then the provider message id,
// then the tracking id.
func (p *Processor) findRecipient(ev Event) (*model.CampaignRecipient, error) {
	if id, err := strconv.ParseUint(ev.RecipientID, 10, 64); err == nil {
		rec, err := p.repo.GetRecipient(uint(id))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	for _, id := range messageIDCandidates(ev) {
		rec, err := p.repo.FindRecipientByProviderMessageID(id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	rec, err := p.repo.FindRecipientByTrackingID(ev.TrackingID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

func (p *Processor) findMessage(ev Event) (*model.Message, error) {
	for _, id := range messageIDCandidates(ev) {
		msg, err := p.repo.FindMessageByProviderID(id)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// messageIDCandidates lists the identifiers a sent message may be stored
// under. SendGrid event ids extend the X-Message-Id returned at send time
// with a ".filter..." suffix.
func messageIDCandidates(ev Event) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(ev.ProviderMessageID)
	if i := strings.Index(ev.ProviderMessageID, ".filter"); i > 0 {
		add(ev.ProviderMessageID[:i])
	}
	add(ev.TargetMessageID)
	return out
}

func (p *Processor) fireAutomation(msg *model.Message, ev Event) {
	if p.automations == nil {
		return
	}
	var trigger string
	switch ev.Type {
	case EventOpen:
		trigger = model.TriggerOpened
	case EventClick:
		trigger = model.TriggerClicked
	case EventBounce:
		trigger = model.TriggerBounced
	default:
		return
	}
	payload := automation.MessagePayload(msg)
	payload["event_type"] = ev.Type
	payload["provider"] = ev.Provider
	if ev.URL != "" {
		payload["url"] = ev.URL
	}
	p.automations.Trigger(msg.OwnerID, trigger, payload)
}

func eventData(ev Event) map[string]any {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}
