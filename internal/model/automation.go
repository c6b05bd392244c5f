package model

import (
	"time"

	"gorm.io/gorm"
)

// Trigger types
const (
	TriggerMessageReceived = "message_received"
	TriggerOpened          = "opened"
	TriggerClicked         = "clicked"
	TriggerBounced         = "bounced"
	TriggerTimeBased       = "time_based"
	TriggerWebhook         = "webhook"
	TriggerManual          = "manual"
)

// Automation action types
const (
	AutomationSendEmail    = "send_email"
	AutomationReplyEmail   = "reply_email"
	AutomationForwardEmail = "forward_email"
	AutomationMoveToFolder = "move_to_folder"
	AutomationAddTag       = "add_tag"
	AutomationAssignToUser = "assign_to_user"
	AutomationWebhookCall  = "webhook_call"
	AutomationDelay        = "delay"
	AutomationCreateTask   = "create_task"
	AutomationUpdateCRM    = "update_crm"
)

// Execution log statuses
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Automation is a trigger-action rule with execution bookkeeping
type Automation struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID           uint           `json:"owner_id" gorm:"not null;index"`
	Name              string         `json:"name" gorm:"type:varchar(255);not null"`
	Description       string         `json:"description" gorm:"type:text"`
	TriggerType       string         `json:"trigger_type" gorm:"type:varchar(30);not null;index"`
	TriggerConditions map[string]any `json:"trigger_conditions" gorm:"serializer:json;type:text"`
	ActionType        string         `json:"action_type" gorm:"type:varchar(30);not null"`
	ActionConfig      map[string]any `json:"action_config" gorm:"serializer:json;type:text"`
	IsActive          bool           `json:"is_active"`
	Priority          int            `json:"priority" gorm:"default:0"`
	MaxExecutions     int            `json:"max_executions" gorm:"default:0"`
	ExecutionCount    int            `json:"execution_count" gorm:"default:0"`
	LastExecuted      *time.Time     `json:"last_executed"`
	CooldownSeconds   int            `json:"cooldown_seconds" gorm:"default:0"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Automation
func (Automation) TableName() string {
	return "automations"
}

// AutomationExecutionLog records one automation run
type AutomationExecutionLog struct {
	ID              uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	AutomationID    uint           `json:"automation_id" gorm:"not null;index"`
	MessageRefID    *uint          `json:"message_ref_id" gorm:"index"`
	Status          string         `json:"status" gorm:"type:varchar(20);not null"`
	TriggerData     map[string]any `json:"trigger_data" gorm:"serializer:json;type:text"`
	ResultData      map[string]any `json:"result_data" gorm:"serializer:json;type:text"`
	ErrorMessage    string         `json:"error_message" gorm:"type:text"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	CreatedAt       time.Time      `json:"created_at"`

	Automation *Automation `json:"automation,omitempty" gorm:"foreignKey:AutomationID"`
}

// TableName specifies the table name for AutomationExecutionLog
func (AutomationExecutionLog) TableName() string {
	return "automation_execution_logs"
}
