package classifier

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/model"
)

// Target is the message view filter rules are evaluated against
type Target struct {
	Subject  string
	From     string
	To       []string
	Body     string
	Category string
	Priority string
}

// TargetOf builds the filter view of a stored message
func TargetOf(msg *model.Message, body string) Target {
	return Target{
		Subject:  msg.Subject,
		From:     msg.FromEmail,
		To:       msg.ToEmails,
		Body:     body,
		Category: msg.Category,
		Priority: msg.Priority,
	}
}

func (t Target) field(name string) (string, bool) {
	switch name {
	case model.FilterFieldSubject:
		return t.Subject, true
	case model.FilterFieldFrom:
		return t.From, true
	case model.FilterFieldTo:
		return strings.Join(t.To, ", "), true
	case model.FilterFieldBody:
		return t.Body, true
	case model.FilterFieldCategory:
		return t.Category, true
	case model.FilterFieldPriority:
		return t.Priority, true
	}
	return "", false
}

// Matches evaluates one rule, case-insensitively. Unknown fields or
// operators and malformed patterns never match.
func Matches(rule *model.FilterRule, t Target) bool {
	raw, ok := t.field(rule.FilterType)
	if !ok {
		logrus.WithField("rule_id", rule.ID).Warnf("Filter rule uses unknown field %q", rule.FilterType)
		return false
	}
	text := strings.ToLower(raw)
	value := strings.ToLower(rule.Value)

	switch rule.Operator {
	case model.OperatorContains:
		return strings.Contains(text, value)
	case model.OperatorNotContains:
		return !strings.Contains(text, value)
	case model.OperatorEquals:
		return text == value
	case model.OperatorNotEquals:
		return text != value
	case model.OperatorStartsWith:
		return strings.HasPrefix(text, value)
	case model.OperatorEndsWith:
		return strings.HasSuffix(text, value)
	case model.OperatorRegex:
		re, err := regexp.Compile("(?i)" + rule.Value)
		if err != nil {
			logrus.WithField("rule_id", rule.ID).Warnf("Invalid filter pattern %q: %v", rule.Value, err)
			return false
		}
		return re.MatchString(raw)
	}
	logrus.WithField("rule_id", rule.ID).Warnf("Filter rule uses unknown operator %q", rule.Operator)
	return false
}

// FirstMatch returns the first matching rule. Rules must already be sorted
// by descending priority.
func FirstMatch(rules []model.FilterRule, t Target) *model.FilterRule {
	for i := range rules {
		if Matches(&rules[i], t) {
			return &rules[i]
		}
	}
	return nil
}

// FolderResolver finds the folder named by a move action
type FolderResolver interface {
	GetOrCreateFolder(ownerID uint, folderType string) (*model.Folder, error)
	GetFolder(id uint) (*model.Folder, error)
}

// Apply performs the rule's action on msg in memory. The move target is a
// folder id or a system folder type.
func Apply(rule *model.FilterRule, msg *model.Message, folders FolderResolver, now time.Time) error {
	switch rule.Action {
	case model.ActionMoveToFolder:
		if rule.ActionValue == "" {
			return nil
		}
		folder, err := resolveFolder(folders, msg.OwnerID, rule.ActionValue)
		if err != nil {
			return err
		}
		msg.FolderID = &folder.ID
		msg.Folder = folder
	case model.ActionMarkAsRead:
		msg.Status = model.StatusRead
		msg.ReadAt = &now
	case model.ActionMarkAsImportant:
		msg.IsImportant = true
	case model.ActionAddTag:
		if rule.ActionValue != "" && !msg.HasTag(rule.ActionValue) {
			msg.Tags = append(msg.Tags, rule.ActionValue)
		}
	case model.ActionAssignTo:
		if rule.ActionValue == "" {
			return nil
		}
		userID, err := strconv.ParseUint(rule.ActionValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid assignee %q: %w", rule.ActionValue, err)
		}
		uid := uint(userID)
		msg.AssignedTo = &uid
	default:
		return fmt.Errorf("unknown filter action %q", rule.Action)
	}
	return nil
}

func resolveFolder(folders FolderResolver, ownerID uint, value string) (*model.Folder, error) {
	if id, err := strconv.ParseUint(value, 10, 64); err == nil {
		folder, err := folders.GetFolder(uint(id))
		if err != nil {
			return nil, err
		}
		if folder.OwnerID != ownerID {
			return nil, fmt.Errorf("folder %d belongs to another owner", id)
		}
		return folder, nil
	}
	return folders.GetOrCreateFolder(ownerID, strings.ToLower(value))
}

// ErrInvalidRule is returned by ValidateRule
var ErrInvalidRule = errors.New("invalid filter rule")

// ValidateRule checks a rule before it is stored
func ValidateRule(rule *model.FilterRule) error {
	if _, ok := (Target{}).field(rule.FilterType); !ok {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidRule, rule.FilterType)
	}
	switch rule.Operator {
	case model.OperatorContains, model.OperatorNotContains, model.OperatorEquals, model.OperatorNotEquals,
		model.OperatorStartsWith, model.OperatorEndsWith:
	case model.OperatorRegex:
		if _, err := regexp.Compile("(?i)" + rule.Value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, rule.Operator)
	}
	switch rule.Action {
	case model.ActionMarkAsRead, model.ActionMarkAsImportant:
	case model.ActionMoveToFolder, model.ActionAddTag:
		if strings.TrimSpace(rule.ActionValue) == "" {
			return fmt.Errorf("%w: %s needs an action value", ErrInvalidRule, rule.Action)
		}
	case model.ActionAssignTo:
		if _, err := strconv.ParseUint(rule.ActionValue, 10, 64); err != nil {
			return fmt.Errorf("%w: invalid assignee %q", ErrInvalidRule, rule.ActionValue)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, rule.Action)
	}
	return nil
}
