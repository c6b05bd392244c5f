package webhook

import (
	"time"

	"gorm.io/gorm"

	"renewal-mail-engine/internal/model"
)

// transition is a guarded update; it applies at most once because the
// guard no longer holds after it did.
type transition struct {
	guard   string
	args    []any
	updates map[string]any
	counter string
}

var undelivered = []string{model.RecipientPending, model.RecipientSent}

// recipientTransitions expands an event into the states it implies: a
// click implies an open, which implies delivery.
func recipientTransitions(ev Event, at time.Time) []transition {
	delivered := transition{
		guard: "delivered_at IS NULL",
		updates: map[string]any{
			"delivered_at": at,
			"email_status": gorm.Expr("CASE WHEN email_status IN ? THEN ? ELSE email_status END", undelivered, model.RecipientDelivered),
		},
		counter: "delivered_count",
	}
	opened := transition{
		guard: "opened_at IS NULL",
		updates: map[string]any{
			"opened_at":        at,
			"email_engagement": gorm.Expr("CASE WHEN email_engagement = ? THEN ? ELSE email_engagement END", model.EngagementNotOpened, model.EngagementOpened),
		},
		counter: "opened_count",
	}
	clicked := transition{
		guard:   "clicked_at IS NULL",
		updates: map[string]any{"clicked_at": at, "email_engagement": model.EngagementClicked},
		counter: "clicked_count",
	}

	switch ev.Type {
	case EventDelivered:
		return []transition{delivered}
	case EventOpen:
		return []transition{delivered, opened}
	case EventClick:
		return []transition{delivered, opened, clicked}
	case EventBounce:
		return []transition{{
			guard: "bounced_at IS NULL AND email_status IN ?",
			args:  []any{undelivered},
			updates: map[string]any{
				"email_status":  model.RecipientBounced,
				"bounced_at":    at,
				"bounce_reason": reasonOr(ev, "Email bounced"),
			},
			counter: "bounced_count",
		}}
	case EventDropped:
		return []transition{{
			guard: "email_status IN ?",
			args:  []any{undelivered},
			updates: map[string]any{
				"email_status":  model.RecipientFailed,
				"error_message": reasonOr(ev, "Email dropped"),
			},
			counter: "failed_count",
		}}
	case EventUnsubscribe, EventSpamReport:
		return []transition{{
			guard:   "email_status <> ?",
			args:    []any{model.RecipientUnsubscribed},
			updates: map[string]any{"email_status": model.RecipientUnsubscribed},
			counter: "unsubscribed_count",
		}}
	}
	return nil
}

func (p *Processor) applyToRecipient(rec *model.CampaignRecipient, ev Event, at time.Time) (bool, error) {
	deltas := map[string]int{}
	for _, t := range recipientTransitions(ev, at) {
		ok, err := p.repo.TransitionRecipient(rec.ID, t.guard, t.args, t.updates)
		if err != nil {
			return false, err
		}
		if ok {
			deltas[t.counter]++
		}
	}
	if len(deltas) == 0 {
		return false, nil
	}
	if err := p.repo.IncrementCampaignCounters(rec.CampaignID, deltas); err != nil {
		return true, err
	}
	return true, nil
}

var inFlight = []string{model.DeliveryPending, model.DeliverySent}

func messageTransitions(ev Event, at time.Time) []transition {
	delivered := transition{
		guard: "delivered_at IS NULL",
		updates: map[string]any{
			"delivered_at": at,
			"delivery_status": gorm.Expr("CASE WHEN delivery_status IS NULL OR delivery_status = '' OR delivery_status IN ? THEN ? ELSE delivery_status END",
				inFlight, model.DeliveryDelivered),
		},
	}
	opened := transition{guard: "opened_at IS NULL", updates: map[string]any{"opened_at": at}}
	clicked := transition{guard: "clicked_at IS NULL", updates: map[string]any{"clicked_at": at}}

	switch ev.Type {
	case EventDelivered:
		return []transition{delivered}
	case EventOpen:
		return []transition{delivered, opened}
	case EventClick:
		return []transition{delivered, opened, clicked}
	case EventBounce:
		return []transition{{
			guard: "bounced_at IS NULL AND delivered_at IS NULL",
			updates: map[string]any{
				"delivery_status": model.DeliveryBounced,
				"bounced_at":      at,
				"bounce_reason":   reasonOr(ev, "Email bounced"),
			},
		}}
	case EventDropped:
		return []transition{{
			guard: "delivery_status IN ?",
			args:  []any{inFlight},
			updates: map[string]any{
				"delivery_status": model.DeliveryFailed,
				"error_message":   reasonOr(ev, "Email dropped"),
			},
		}}
	}
	return nil
}

func (p *Processor) applyToMessage(msg *model.Message, ev Event, at time.Time) (bool, error) {
	changed := false
	for _, t := range messageTransitions(ev, at) {
		ok, err := p.repo.TransitionMessage(msg.ID, t.guard, t.args, t.updates)
		if err != nil {
			return changed, err
		}
		changed = changed || ok
	}
	return changed, nil
}

func reasonOr(ev Event, fallback string) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return fallback
}
