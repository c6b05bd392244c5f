package model

import (
	"time"

	"gorm.io/gorm"
)

// Filter fields
const (
	FilterFieldSubject  = "subject"
	FilterFieldFrom     = "from"
	FilterFieldTo       = "to"
	FilterFieldBody     = "body"
	FilterFieldCategory = "category"
	FilterFieldPriority = "priority"
)

// Filter operators
const (
	OperatorContains    = "contains"
	OperatorNotContains = "not_contains"
	OperatorEquals      = "equals"
	OperatorNotEquals   = "not_equals"
	OperatorStartsWith  = "starts_with"
	OperatorEndsWith    = "ends_with"
	OperatorRegex       = "regex"
)

// Filter actions
const (
	ActionMoveToFolder    = "move_to_folder"
	ActionMarkAsRead      = "mark_as_read"
	ActionMarkAsImportant = "mark_as_important"
	ActionAddTag          = "add_tag"
	ActionAssignTo        = "assign_to"
)

// FilterRule is a user-defined predicate with a single action
type FilterRule struct {
	ID          uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID     uint           `json:"owner_id" gorm:"not null;index"`
	Name        string         `json:"name" gorm:"type:varchar(255)"`
	FilterType  string         `json:"filter_type" gorm:"type:varchar(20);not null"`
	Operator    string         `json:"operator" gorm:"type:varchar(20);not null"`
	Value       string         `json:"value" gorm:"type:varchar(500)"`
	Action      string         `json:"action" gorm:"type:varchar(30);not null"`
	ActionValue string         `json:"action_value" gorm:"type:varchar(255)"`
	Priority    int            `json:"priority" gorm:"default:0;index"`
	IsActive    bool           `json:"is_active"`
	MatchCount  int            `json:"match_count"`
	LastMatched *time.Time     `json:"last_matched"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for FilterRule
func (FilterRule) TableName() string {
	return "filter_rules"
}
