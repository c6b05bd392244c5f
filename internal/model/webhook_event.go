package model

import "time"

// Webhook event processing statuses
const (
	WebhookPending   = "pending"
	WebhookProcessed = "processed"
	WebhookFailed    = "failed"
	WebhookIgnored   = "ignored"
)

// WebhookEvent stores one provider event and its processing outcome
type WebhookEvent struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Provider          string         `json:"provider" gorm:"type:varchar(30);not null;index"`
	EventType         string         `json:"event_type" gorm:"type:varchar(30);index"`
	Fingerprint       string         `json:"fingerprint" gorm:"type:varchar(128);index"`
	Status            string         `json:"status" gorm:"type:varchar(20);default:pending;index"`
	RawData           string         `json:"raw_data" gorm:"type:text"`
	ProcessedData     map[string]any `json:"processed_data" gorm:"serializer:json;type:text"`
	MessageRefID      *uint          `json:"message_ref_id" gorm:"index"`
	RecipientID       *uint          `json:"recipient_id" gorm:"index"`
	ProviderMessageID string         `json:"provider_message_id" gorm:"type:varchar(255);index"`
	EventTime         *time.Time     `json:"event_time"`
	IPAddress         string         `json:"ip_address" gorm:"type:varchar(64)"`
	UserAgent         string         `json:"user_agent" gorm:"type:text"`
	ProcessingNotes   string         `json:"processing_notes" gorm:"type:text"`
	ErrorMessage      string         `json:"error_message" gorm:"type:text"`
	RetryCount        int            `json:"retry_count"`
	ProcessedAt       *time.Time     `json:"processed_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TableName specifies the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
