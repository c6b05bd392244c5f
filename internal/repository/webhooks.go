package repository

import (
	"fmt"

	"renewal-mail-engine/internal/model"
)

func (r *Repository) CreateWebhookEvent(event *model.WebhookEvent) error {
	if err := r.db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to store webhook event: %w", err)
	}
	return nil
}

func (r *Repository) SaveWebhookEvent(event *model.WebhookEvent) error {
	if err := r.db.Save(event).Error; err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// FingerprintProcessed reports whether another event with the same
// fingerprint was already reconciled.
func (r *Repository) FingerprintProcessed(fingerprint string, excludeID uint) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var count int64
	result := r.db.Model(&model.WebhookEvent{}).
		Where("fingerprint = ? AND status = ? AND id <> ?", fingerprint, model.WebhookProcessed, excludeID).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("database error checking webhook fingerprint: %w", result.Error)
	}
	return count > 0, nil
}

// WebhookEventFilter narrows ListWebhookEvents; empty fields match all
type WebhookEventFilter struct {
	Provider string
	Status   string
}

// ListWebhookEvents pages through stored events, newest first
func (r *Repository) ListWebhookEvents(f WebhookEventFilter, offset, limit int) ([]model.WebhookEvent, int64, error) {
	q := r.db.Model(&model.WebhookEvent{})
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count webhook events: %w", err)
	}
	var events []model.WebhookEvent
	if err := q.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, total, nil
}

func (r *Repository) GetWebhookEvent(id uint) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, notFound(err, "webhook event")
	}
	return &event, nil
}
