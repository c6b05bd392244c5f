package model

import (
	"time"

	"gorm.io/gorm"
)

// Message statuses
const (
	StatusUnread    = "unread"
	StatusRead      = "read"
	StatusReplied   = "replied"
	StatusForwarded = "forwarded"
	StatusArchived  = "archived"
	StatusDeleted   = "deleted"
	StatusDraft     = "draft"
	StatusFailed    = "failed"
)

// Delivery statuses of outbound messages, driven by provider events
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryBounced   = "bounced"
	DeliveryFailed    = "failed"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Classification values
const (
	CategoryUncategorized = "uncategorized"
	CategoryRefund        = "refund"
	CategoryComplaint     = "complaint"
	CategoryAppointment   = "appointment"
	CategoryFeedback      = "feedback"
	CategoryMarketing     = "marketing"

	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"

	SentimentNeutral  = "neutral"
	SentimentPositive = "positive"
	SentimentNegative = "negative"
)

// Message represents one email, inbound or outbound
type Message struct {
	ID                uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID           uint       `json:"owner_id" gorm:"not null;index"`
	AccountID         *uint      `json:"account_id" gorm:"index"`
	MessageID         string     `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ProviderMessageID string     `json:"provider_message_id" gorm:"type:varchar(255);index"`
	Direction         string     `json:"direction" gorm:"type:varchar(10);default:inbound"`
	FromEmail         string     `json:"from_email" gorm:"type:varchar(255);index"`
	FromName          string     `json:"from_name" gorm:"type:varchar(255)"`
	ToEmails          []string   `json:"to_emails" gorm:"serializer:json;type:text"`
	CCEmails          []string   `json:"cc_emails" gorm:"serializer:json;type:text"`
	BCCEmails         []string   `json:"bcc_emails" gorm:"serializer:json;type:text"`
	ReplyTo           string     `json:"reply_to" gorm:"type:varchar(255)"`
	Subject           string     `json:"subject" gorm:"type:varchar(998)"`
	HTMLContent       string     `json:"html_content" gorm:"type:text"`
	TextContent       string     `json:"text_content" gorm:"type:text"`
	InReplyTo         string     `json:"in_reply_to" gorm:"type:varchar(255)"`
	FolderID          *uint      `json:"folder_id" gorm:"index"`
	ThreadID          string     `json:"thread_id" gorm:"type:varchar(255);index"`
	ConversationID    *uint      `json:"conversation_id" gorm:"index"`
	ParentMessageID   *uint      `json:"parent_message_id"`
	Status            string     `json:"status" gorm:"type:varchar(20);default:unread;index"`
	Category          string     `json:"category" gorm:"type:varchar(30);default:uncategorized;index"`
	Priority          string     `json:"priority" gorm:"type:varchar(10);default:normal"`
	Sentiment         string     `json:"sentiment" gorm:"type:varchar(10);default:neutral"`
	Tags              []string   `json:"tags" gorm:"serializer:json;type:text"`
	AssignedTo        *uint      `json:"assigned_to"`
	IsImportant       bool       `json:"is_important"`
	IsStarred         bool       `json:"is_starred"`
	IsEscalated       bool       `json:"is_escalated"`
	EscalationReason  string     `json:"escalation_reason" gorm:"type:text"`
	DueDate           *time.Time `json:"due_date"`
	DeliveryStatus    string     `json:"delivery_status" gorm:"type:varchar(20)"`
	ErrorMessage      string     `json:"error_message" gorm:"type:text"`
	BounceReason      string     `json:"bounce_reason" gorm:"type:text"`
	ReceivedAt        *time.Time `json:"received_at"`
	SentAt            *time.Time `json:"sent_at"`
	ReadAt            *time.Time `json:"read_at"`
	RepliedAt         *time.Time `json:"replied_at"`
	DeliveredAt       *time.Time `json:"delivered_at"`
	OpenedAt          *time.Time `json:"opened_at"`
	ClickedAt         *time.Time `json:"clicked_at"`
	BouncedAt         *time.Time `json:"bounced_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	// Trash: soft-deleted messages are restorable.
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	Folder      *Folder      `json:"folder,omitempty" gorm:"foreignKey:FolderID"`
	Attachments []Attachment `json:"attachments,omitempty" gorm:"foreignKey:MessageRefID"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}

// HasTag reports whether the tag is already set
func (m *Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Folder types
const (
	FolderInbox   = "inbox"
	FolderSent    = "sent"
	FolderDrafts  = "drafts"
	FolderTrash   = "trash"
	FolderSpam    = "spam"
	FolderJunk    = "junk"
	FolderArchive = "archive"
	FolderCustom  = "custom"
)

// Folder is a named bucket of messages
type Folder struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID   uint           `json:"owner_id" gorm:"not null;index:idx_folder_owner_type"`
	Name      string         `json:"name" gorm:"type:varchar(100);not null"`
	Type      string         `json:"type" gorm:"type:varchar(20);not null;index:idx_folder_owner_type"`
	IsSystem  bool           `json:"is_system"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Folder
func (Folder) TableName() string {
	return "folders"
}

// Attachment is a file part of a message
type Attachment struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageRefID uint      `json:"message_ref_id" gorm:"not null;index"`
	Filename     string    `json:"filename" gorm:"type:varchar(255)"`
	ContentType  string    `json:"content_type" gorm:"type:varchar(255)"`
	Size         int       `json:"size"`
	Content      []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for Attachment
func (Attachment) TableName() string {
	return "message_attachments"
}

// Conversation groups messages sharing a normalized subject
type Conversation struct {
	ID              uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID         uint       `json:"owner_id" gorm:"not null;uniqueIndex:idx_conversation_thread"`
	ThreadKey       string     `json:"thread_key" gorm:"type:varchar(255);not null;uniqueIndex:idx_conversation_thread"`
	Subject         string     `json:"subject" gorm:"type:varchar(998)"`
	Participants    []string   `json:"participants" gorm:"serializer:json;type:text"`
	MessageCount    int        `json:"message_count"`
	UnreadCount     int        `json:"unread_count"`
	LastMessageAt   *time.Time `json:"last_message_at"`
	LastMessageFrom string     `json:"last_message_from" gorm:"type:varchar(255)"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Conversation
func (Conversation) TableName() string {
	return "conversations"
}
