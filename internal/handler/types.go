package handler

import (
	"time"

	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/transport"
)

// FilterRuleRequest is the body for creating and updating filter rules
type FilterRuleRequest struct {
	OwnerID     uint   `json:"owner_id" binding:"required"`
	Name        string `json:"name"`
	FilterType  string `json:"filter_type" binding:"required"`
	Operator    string `json:"operator" binding:"required"`
	Value       string `json:"value"`
	Action      string `json:"action" binding:"required"`
	ActionValue string `json:"action_value"`
	Priority    int    `json:"priority"`
	IsActive    *bool  `json:"is_active"`
}

func (r *FilterRuleRequest) apply(rule *model.FilterRule) {
	rule.OwnerID = r.OwnerID
	rule.Name = r.Name
	rule.FilterType = r.FilterType
	rule.Operator = r.Operator
	rule.Value = r.Value
	rule.Action = r.Action
	rule.ActionValue = r.ActionValue
	rule.Priority = r.Priority
	if r.IsActive != nil {
		rule.IsActive = *r.IsActive
	}
}

// AttachmentRequest carries base64 content
type AttachmentRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content" binding:"required"`
}

func toAttachments(list []AttachmentRequest) []transport.OutgoingAttachment {
	out := make([]transport.OutgoingAttachment, 0, len(list))
	for _, a := range list {
		out = append(out, transport.OutgoingAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	return out
}

// SendRequest composes a new message
type SendRequest struct {
	OwnerID     uint                `json:"owner_id" binding:"required"`
	AccountID   *uint               `json:"account_id"`
	To          []string            `json:"to" binding:"required,min=1,dive,email"`
	CC          []string            `json:"cc" binding:"omitempty,dive,email"`
	BCC         []string            `json:"bcc" binding:"omitempty,dive,email"`
	ReplyTo     string              `json:"reply_to" binding:"omitempty,email"`
	Subject     string              `json:"subject"`
	HTMLBody    string              `json:"html_body"`
	TextBody    string              `json:"text_body"`
	Attachments []AttachmentRequest `json:"attachments" binding:"omitempty,dive"`
}

type ReplyRequest struct {
	AccountID   *uint               `json:"account_id"`
	ReplyAll    bool                `json:"reply_all"`
	CC          []string            `json:"cc" binding:"omitempty,dive,email"`
	BCC         []string            `json:"bcc" binding:"omitempty,dive,email"`
	HTMLBody    string              `json:"html_body"`
	TextBody    string              `json:"text_body"`
	Attachments []AttachmentRequest `json:"attachments" binding:"omitempty,dive"`
}

type ForwardRequest struct {
	AccountID *uint    `json:"account_id"`
	To        []string `json:"to" binding:"required,min=1,dive,email"`
	CC        []string `json:"cc" binding:"omitempty,dive,email"`
	BCC       []string `json:"bcc" binding:"omitempty,dive,email"`
	Message   string   `json:"message"`
}

type StarRequest struct {
	Starred *bool `json:"starred"`
}

type MoveRequest struct {
	FolderID uint `json:"folder_id" binding:"required"`
}

// CampaignResponse is a campaign with its derived rates
type CampaignResponse struct {
	*model.Campaign
	Metrics model.CampaignMetrics `json:"metrics"`
}

// PageResponse wraps one page of a listing
type PageResponse struct {
	Data  any   `json:"data"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Database   string            `json:"database"`
	Schedulers map[string]string `json:"schedulers,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
