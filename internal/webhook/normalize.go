// Package webhook stores provider delivery events and reconciles them with
// campaign recipients and sent messages.
package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload means the body is not valid JSON
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Canonical event types
const (
	EventDelivered   = "delivered"
	EventOpen        = "open"
	EventClick       = "click"
	EventBounce      = "bounce"
	EventDropped     = "dropped"
	EventUnsubscribe = "unsubscribe"
	EventSpamReport  = "spamreport"
)

// Providers with a dedicated payload shape
const (
	ProviderSendGrid = "sendgrid"
	ProviderSES      = "aws_ses"
	ProviderMailgun  = "mailgun"
	ProviderTracking = "tracking"
)

// Event is a provider event reduced to the fields reconciliation needs
type Event struct {
	Provider          string     `json:"provider"`
	Type              string     `json:"event_type"`
	ProviderType      string     `json:"provider_event_type"`
	ProviderEventID   string     `json:"provider_event_id,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	TargetMessageID   string     `json:"target_message_id,omitempty"`
	RecipientID       string     `json:"recipient_id,omitempty"`
	CampaignID        string     `json:"campaign_id,omitempty"`
	TrackingID        string     `json:"tracking_id,omitempty"`
	Email             string     `json:"email,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	URL               string     `json:"url,omitempty"`
	Time              *time.Time `json:"event_time,omitempty"`
	IPAddress         string     `json:"ip_address,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
}

// Payload is one element of a webhook body. Object is nil when the element
// is valid JSON but not an object.
type Payload struct {
	Object map[string]any
	Raw    json.RawMessage
}

// Decode splits a body into its elements. A top-level array yields one
// Payload per element; any other JSON value yields one Payload.
func Decode(body []byte) ([]Payload, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}
	elems := []json.RawMessage{body}
	if body[0] == '[' {
		elems = nil
		if err := json.Unmarshal(body, &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	out := make([]Payload, 0, len(elems))
	for _, raw := range elems {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			obj = nil
		}
		out = append(out, Payload{Object: obj, Raw: raw})
	}
	return out, nil
}

// Normalize maps a provider payload onto an Event. eventType from the URL
// is used when the payload does not name its own type.
func Normalize(provider, eventType string, raw map[string]any) Event {
	provider = strings.ToLower(provider)
	var ev Event
	switch provider {
	case ProviderSendGrid:
		ev = sendGridEvent(raw)
	case ProviderSES, "ses":
		ev = sesEvent(raw)
	case ProviderMailgun:
		ev = mailgunEvent(raw)
	default:
		ev = genericEvent(raw)
	}
	ev.Provider = provider
	if ev.ProviderType == "" {
		ev.ProviderType = eventType
	}
	ev.Type = canonicalType(ev.ProviderType)
	return ev
}

func sendGridEvent(raw map[string]any) Event {
	ev := Event{
		ProviderType:      str(raw["event"]),
		ProviderEventID:   str(raw["sg_event_id"]),
		ProviderMessageID: str(raw["sg_message_id"]),
		TargetMessageID:   trimID(str(raw["smtp-id"])),
		Email:             strings.ToLower(str(raw["email"])),
		Reason:            str(raw["reason"]),
		URL:               str(raw["url"]),
		Time:              unixTime(raw["timestamp"]),
		IPAddress:         str(raw["ip"]),
		UserAgent:         str(raw["useragent"]),
	}
	args, _ := raw["custom_args"].(map[string]any)
	if args == nil {
		args, _ = raw["unique_args"].(map[string]any)
	}
	// unique args are flattened into the event by the event webhook
	lookup := func(key string) string {
		if v := str(args[key]); v != "" {
			return v
		}
		return str(raw[key])
	}
	ev.RecipientID = lookup("recipient_id")
	ev.CampaignID = lookup("campaign_id")
	ev.TrackingID = lookup("tracking_id")
	return ev
}

// sesEvent understands SES event publishing records, either bare or inside
// an SNS notification envelope.
func sesEvent(raw map[string]any) Event {
	if msg, ok := raw["Message"].(string); ok {
		var inner map[string]any
		if err := json.Unmarshal([]byte(msg), &inner); err == nil {
			raw = inner
		}
	} else if t := str(raw["Type"]); t == "SubscriptionConfirmation" {
		return Event{ProviderType: "subscription_confirmation"}
	}

	kind := str(raw["eventType"])
	if kind == "" {
		kind = str(raw["notificationType"])
	}
	mail, _ := raw["mail"].(map[string]any)
	ev := Event{
		ProviderType:      strings.ToLower(kind),
		ProviderMessageID: str(mail["messageId"]),
		Time:              isoTime(str(mail["timestamp"])),
	}
	if tags, ok := mail["tags"].(map[string]any); ok {
		ev.RecipientID = firstTag(tags["recipient_id"])
		ev.CampaignID = firstTag(tags["campaign_id"])
		ev.TrackingID = firstTag(tags["tracking_id"])
	}
	if dest, ok := mail["destination"].([]any); ok && len(dest) > 0 {
		ev.Email = strings.ToLower(str(dest[0]))
	}

	detail, _ := raw[strings.ToLower(kind)].(map[string]any)
	if detail != nil {
		if t := isoTime(str(detail["timestamp"])); t != nil {
			ev.Time = t
		}
		ev.IPAddress = str(detail["ipAddress"])
		ev.UserAgent = str(detail["userAgent"])
		ev.URL = str(detail["link"])
		if recipients, ok := detail["bouncedRecipients"].([]any); ok && len(recipients) > 0 {
			if r, ok := recipients[0].(map[string]any); ok {
				ev.Reason = str(r["diagnosticCode"])
			}
		}
		if ev.Reason == "" {
			ev.Reason = str(detail["reason"])
		}
		if str(detail["bounceType"]) == "Transient" {
			ev.ProviderType = "deferred"
		}
	}
	return ev
}

func mailgunEvent(raw map[string]any) Event {
	data, ok := raw["event-data"].(map[string]any)
	if !ok {
		data = raw
	}
	ev := Event{
		ProviderType:    str(data["event"]),
		ProviderEventID: str(data["id"]),
		Email:           strings.ToLower(str(data["recipient"])),
		URL:             str(data["url"]),
		Time:            unixTime(data["timestamp"]),
		IPAddress:       str(data["ip"]),
	}
	if msg, ok := data["message"].(map[string]any); ok {
		if headers, ok := msg["headers"].(map[string]any); ok {
			ev.ProviderMessageID = trimID(str(headers["message-id"]))
			ev.TargetMessageID = ev.ProviderMessageID
		}
	}
	if info, ok := data["client-info"].(map[string]any); ok {
		ev.UserAgent = str(info["user-agent"])
	}
	if status, ok := data["delivery-status"].(map[string]any); ok {
		ev.Reason = str(status["description"])
		if ev.Reason == "" {
			ev.Reason = str(status["message"])
		}
	}
	if vars, ok := data["user-variables"].(map[string]any); ok {
		ev.RecipientID = str(vars["recipient_id"])
		ev.CampaignID = str(vars["campaign_id"])
		ev.TrackingID = str(vars["tracking_id"])
	}
	if ev.ProviderType == "failed" && str(data["severity"]) == "temporary" {
		ev.ProviderType = "deferred"
	}
	return ev
}

func genericEvent(raw map[string]any) Event {
	kind := str(raw["event"])
	if kind == "" {
		kind = str(raw["event_type"])
	}
	ev := Event{
		ProviderType:      kind,
		ProviderEventID:   str(raw["event_id"]),
		ProviderMessageID: str(raw["provider_message_id"]),
		TargetMessageID:   trimID(str(raw["message_id"])),
		RecipientID:       str(raw["recipient_id"]),
		CampaignID:        str(raw["campaign_id"]),
		TrackingID:        str(raw["tracking_id"]),
		Email:             strings.ToLower(str(raw["email"])),
		Reason:            str(raw["reason"]),
		URL:               str(raw["url"]),
		IPAddress:         str(raw["ip"]),
		UserAgent:         str(raw["user_agent"]),
	}
	if ev.ProviderMessageID == "" {
		ev.ProviderMessageID = ev.TargetMessageID
	}
	if t := unixTime(raw["timestamp"]); t != nil {
		ev.Time = t
	} else {
		ev.Time = isoTime(str(raw["timestamp"]))
	}
	return ev
}

var canonical = map[string]string{
	"delivered":         EventDelivered,
	"delivery":          EventDelivered,
	"open":              EventOpen,
	"opened":            EventOpen,
	"click":             EventClick,
	"clicked":           EventClick,
	"bounce":            EventBounce,
	"bounced":           EventBounce,
	"failed":            EventBounce,
	"dropped":           EventDropped,
	"reject":            EventDropped,
	"rendering failure": EventDropped,
	"unsubscribe":       EventUnsubscribe,
	"unsubscribed":      EventUnsubscribe,
	"group_unsubscribe": EventUnsubscribe,
	"subscription":      EventUnsubscribe,
	"spamreport":        EventSpamReport,
	"complaint":         EventSpamReport,
	"complained":        EventSpamReport,
}

// canonicalType returns the canonical name, or the lowercased provider name
// for events reconciliation does not act on.
func canonicalType(providerType string) string {
	t := strings.ToLower(strings.TrimSpace(providerType))
	if c, ok := canonical[t]; ok {
		return c
	}
	return t
}

// Fingerprint identifies an event across redeliveries
func (e Event) Fingerprint() string {
	if e.ProviderEventID != "" {
		return e.Provider + ":" + e.ProviderEventID
	}
	var ts string
	if e.Time != nil {
		ts = strconv.FormatInt(e.Time.UnixMilli(), 10)
	}
	key := strings.Join([]string{
		e.Provider, e.Type, e.ProviderMessageID, e.TargetMessageID,
		e.RecipientID, e.TrackingID, e.Email, e.URL, ts,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func trimID(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

func firstTag(v any) string {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return str(list[0])
	}
	return str(v)
}

func unixTime(v any) *time.Time {
	var secs float64
	switch t := v.(type) {
	case float64:
		secs = t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil
		}
		secs = f
	default:
		return nil
	}
	if secs <= 0 {
		return nil
	}
	whole, frac := math.Modf(secs)
	at := time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return &at
}

func isoTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	at = at.UTC()
	return &at
}
