package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignDraft      = "draft"
	CampaignScheduled  = "scheduled"
	CampaignProcessing = "processing"
	CampaignCompleted  = "completed"
	CampaignFailed     = "failed"
)

// Recipient delivery statuses
const (
	RecipientPending      = "pending"
	RecipientQueued       = "queued"
	RecipientSent         = "sent"
	RecipientDelivered    = "delivered"
	RecipientBounced      = "bounced"
	RecipientFailed       = "failed"
	RecipientUnsubscribed = "unsubscribed"
)

// Recipient engagement states
const (
	EngagementNotOpened = "not_opened"
	EngagementOpened    = "opened"
	EngagementClicked   = "clicked"
)

// Campaign is a bulk mail-merge send job
type Campaign struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID           uint           `json:"owner_id" gorm:"not null;index"`
	Name              string         `json:"name" gorm:"type:varchar(255);not null"`
	Subject           string         `json:"subject" gorm:"type:varchar(998)"`
	HTMLTemplate      string         `json:"html_template" gorm:"type:text"`
	TextTemplate      string         `json:"text_template" gorm:"type:text"`
	CompanyName       string         `json:"company_name" gorm:"type:varchar(255)"`
	Status            string         `json:"status" gorm:"type:varchar(20);default:draft;index"`
	ScheduledAt       *time.Time     `json:"scheduled_at" gorm:"index"`
	SentAt            *time.Time     `json:"sent_at"`
	TotalRecipients   int            `json:"total_recipients"`
	SentCount         int            `json:"sent_count"`
	FailedCount       int            `json:"failed_count"`
	DeliveredCount    int            `json:"delivered_count"`
	OpenedCount       int            `json:"opened_count"`
	ClickedCount      int            `json:"clicked_count"`
	BouncedCount      int            `json:"bounced_count"`
	UnsubscribedCount int            `json:"unsubscribed_count"`
	ErrorMessage      string         `json:"error_message" gorm:"type:text"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	Recipients []CampaignRecipient `json:"recipients,omitempty" gorm:"foreignKey:CampaignID"`
}

// TableName specifies the table name for Campaign
func (Campaign) TableName() string {
	return "campaigns"
}

// CampaignRecipient is one merge record of a campaign
type CampaignRecipient struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	CampaignID        uint           `json:"campaign_id" gorm:"not null;index"`
	Email             string         `json:"email" gorm:"type:varchar(255);not null"`
	Name              string         `json:"name" gorm:"type:varchar(255)"`
	MergeData         map[string]any `json:"merge_data" gorm:"serializer:json;type:text"`
	EmailStatus       string         `json:"email_status" gorm:"type:varchar(20);default:pending;index"`
	EmailEngagement   string         `json:"email_engagement" gorm:"type:varchar(20);default:not_opened"`
	TrackingID        string         `json:"tracking_id" gorm:"type:varchar(64);uniqueIndex"`
	ProviderMessageID string         `json:"provider_message_id" gorm:"type:varchar(255);index"`
	MessageRefID      *uint          `json:"message_ref_id"`
	SentAt            *time.Time     `json:"sent_at"`
	DeliveredAt       *time.Time     `json:"delivered_at"`
	OpenedAt          *time.Time     `json:"opened_at"`
	ClickedAt         *time.Time     `json:"clicked_at"`
	BouncedAt         *time.Time     `json:"bounced_at"`
	BounceReason      string         `json:"bounce_reason" gorm:"type:text"`
	ErrorMessage      string         `json:"error_message" gorm:"type:text"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TableName specifies the table name for CampaignRecipient
func (CampaignRecipient) TableName() string {
	return "campaign_recipients"
}

// BeforeCreate assigns the tracking id used by open and click tracking
func (r *CampaignRecipient) BeforeCreate(tx *gorm.DB) error {
	if r.TrackingID == "" {
		r.TrackingID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	return nil
}

// CampaignMetrics are rates derived from a campaign's counters
type CampaignMetrics struct {
	TotalRecipients int     `json:"total_recipients"`
	SentRate        float64 `json:"sent_rate"`
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
}

// Metrics computes percentage rates, rounded to two decimals
func (c *Campaign) Metrics() CampaignMetrics {
	m := CampaignMetrics{TotalRecipients: c.TotalRecipients}
	m.SentRate = percent(c.SentCount, c.TotalRecipients)
	m.DeliveryRate = percent(c.DeliveredCount, c.SentCount)
	m.OpenRate = percent(c.OpenedCount, c.DeliveredCount)
	m.ClickRate = percent(c.ClickedCount, c.OpenedCount)
	m.BounceRate = percent(c.BouncedCount, c.SentCount)
	return m
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	v := float64(part) / float64(whole) * 100
	return float64(int64(v*100+0.5)) / 100
}
