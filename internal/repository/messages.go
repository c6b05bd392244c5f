package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"renewal-mail-engine/internal/model"
)

func (r *Repository) CreateMessage(msg *model.Message) error {
	if err := r.db.Omit(clause.Associations).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *Repository) SaveMessage(msg *model.Message) error {
	if err := r.db.Omit(clause.Associations).Save(msg).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (r *Repository) UpdateMessage(id uint, fields map[string]any) error {
	result := r.db.Model(&model.Message{}).Where("id = ?", id).UpdateColumns(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update message: %w", result.Error)
	}
	return nil
}

func (r *Repository) GetMessage(id uint) (*model.Message, error) {
	var msg model.Message
	if err := r.db.Preload("Folder").First(&msg, id).Error; err != nil {
		return nil, notFound(err, "message")
	}
	return &msg, nil
}

// MessageExists checks the dedup key, including trashed messages
func (r *Repository) MessageExists(messageID string) (bool, error) {
	var count int64
	result := r.db.Unscoped().Model(&model.Message{}).Where("message_id = ?", messageID).Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("database error checking message: %w", result.Error)
	}
	return count > 0, nil
}

// FindMessageByProviderID matches an outbound message by the identifier a
// delivery provider reports back.
func (r *Repository) FindMessageByProviderID(providerMessageID string) (*model.Message, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	var msg model.Message
	result := r.db.Where("(provider_message_id = ? OR message_id = ?)", providerMessageID, providerMessageID).First(&msg)
	if result.Error != nil {
		return nil, notFound(result.Error, "message")
	}
	return &msg, nil
}

// TrashMessage soft-deletes the message
func (r *Repository) TrashMessage(id uint) error {
	result := r.db.Delete(&model.Message{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to trash message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) RestoreMessage(id uint) error {
	result := r.db.Unscoped().Model(&model.Message{}).
		Where("id = ? AND deleted_at IS NOT NULL", id).
		UpdateColumn("deleted_at", nil)
	if result.Error != nil {
		return fmt.Errorf("failed to restore message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("trashed message %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) CreateAttachment(att *model.Attachment) error {
	if err := r.db.Create(att).Error; err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

// GetOrCreateFolder returns the owner's system folder of the given type,
// creating it on first use.
func (r *Repository) GetOrCreateFolder(ownerID uint, folderType string) (*model.Folder, error) {
	r.folderMu.Lock()
	defer r.folderMu.Unlock()

	find := func() (*model.Folder, error) {
		var folder model.Folder
		result := r.db.Where("owner_id = ? AND type = ? AND is_system = ?", ownerID, folderType, true).
			Order("id").First(&folder)
		if result.Error != nil {
			return nil, result.Error
		}
		return &folder, nil
	}

	folder, err := find()
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("database error loading folder: %w", err)
	}

	folder = &model.Folder{
		OwnerID:  ownerID,
		Name:     folderName(folderType),
		Type:     folderType,
		IsSystem: true,
	}
	if err := r.db.Create(folder).Error; err != nil {
		// another process created it first
		if existing, ferr := find(); ferr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create folder: %w", err)
	}
	return folder, nil
}

func (r *Repository) GetFolder(id uint) (*model.Folder, error) {
	var folder model.Folder
	if err := r.db.First(&folder, id).Error; err != nil {
		return nil, notFound(err, "folder")
	}
	return &folder, nil
}

func folderName(folderType string) string {
	if folderType == "" {
		return ""
	}
	return strings.ToUpper(folderType[:1]) + folderType[1:]
}

// LinkConversation attaches msg to the owner's conversation for threadKey,
// creating it if needed, and refreshes the aggregate counters.
func (r *Repository) LinkConversation(msg *model.Message, threadKey string) (*model.Conversation, error) {
	var conv model.Conversation
	at := time.Now()
	if msg.ReceivedAt != nil {
		at = *msg.ReceivedAt
	}
	unread := 0
	if msg.Status == model.StatusUnread {
		unread = 1
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("owner_id = ? AND thread_key = ?", msg.OwnerID, threadKey).First(&conv)
		switch {
		case errors.Is(result.Error, gorm.ErrRecordNotFound):
			conv = model.Conversation{
				OwnerID:         msg.OwnerID,
				ThreadKey:       threadKey,
				Subject:         msg.Subject,
				Participants:    mergeParticipants(nil, msg),
				MessageCount:    1,
				UnreadCount:     unread,
				LastMessageAt:   &at,
				LastMessageFrom: msg.FromEmail,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
		case result.Error != nil:
			return result.Error
		default:
			err := tx.Model(&conv).UpdateColumns(map[string]any{
				"message_count":     gorm.Expr("message_count + ?", 1),
				"unread_count":      gorm.Expr("unread_count + ?", unread),
				"last_message_at":   at,
				"last_message_from": msg.FromEmail,
				"participants":      toJSON(mergeParticipants(conv.Participants, msg)),
			}).Error
			if err != nil {
				return err
			}
		}

		return tx.Model(&model.Message{}).Where("id = ?", msg.ID).UpdateColumns(map[string]any{
			"conversation_id": conv.ID,
			"thread_id":       threadKey,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to link conversation: %w", err)
	}

	msg.ConversationID = &conv.ID
	msg.ThreadID = threadKey
	return &conv, nil
}

// mergeParticipants returns the sorted union of existing participants and
// the message's sender and recipients.
func mergeParticipants(existing []string, msg *model.Message) []string {
	set := make(map[string]struct{})
	for _, p := range existing {
		set[p] = struct{}{}
	}
	for _, p := range append([]string{msg.FromEmail}, msg.ToEmails...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// toJSON encodes a value for a serializer:json column written through a
// column map, which bypasses gorm's field serializer.
func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (r *Repository) ListAttachments(messageID uint) ([]model.Attachment, error) {
	var atts []model.Attachment
	if err := r.db.Where("message_ref_id = ?", messageID).Order("id").Find(&atts).Error; err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return atts, nil
}

func (r *Repository) SetMessageTags(id uint, tags []string) error {
	return r.UpdateMessage(id, map[string]any{"tags": toJSON(tags)})
}

// TransitionMessage applies updates only when the message still matches
// the guard condition; the boolean reports whether the row changed.
func (r *Repository) TransitionMessage(id uint, guard string, args []any, updates map[string]any) (bool, error) {
	q := r.db.Model(&model.Message{}).Where("id = ?", id)
	if guard != "" {
		q = q.Where(guard, args...)
	}
	result := q.UpdateColumns(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update message: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
