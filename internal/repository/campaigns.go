package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"renewal-mail-engine/internal/model"
)

func (r *Repository) GetCampaign(id uint) (*model.Campaign, error) {
	var campaign model.Campaign
	if err := r.db.First(&campaign, id).Error; err != nil {
		return nil, notFound(err, "campaign")
	}
	return &campaign, nil
}

// DueCampaigns returns scheduled campaigns whose send time has passed
func (r *Repository) DueCampaigns(now time.Time) ([]model.Campaign, error) {
	var campaigns []model.Campaign
	result := r.db.Where("status = ? AND scheduled_at <= ?", model.CampaignScheduled, now).
		Order("scheduled_at").Find(&campaigns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get due campaigns: %w", result.Error)
	}
	return campaigns, nil
}

// ClaimCampaign moves a draft or scheduled campaign to processing. It
// reports false when the campaign is already being or has been sent.
func (r *Repository) ClaimCampaign(id uint) (bool, error) {
	result := r.db.Model(&model.Campaign{}).
		Where("id = ? AND status IN ?", id, []string{model.CampaignDraft, model.CampaignScheduled}).
		UpdateColumn("status", model.CampaignProcessing)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim campaign: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) UpdateCampaign(id uint, fields map[string]any) error {
	result := r.db.Model(&model.Campaign{}).Where("id = ?", id).UpdateColumns(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update campaign: %w", result.Error)
	}
	return nil
}

// IncrementCampaignCounters adds deltas to counter columns in one statement
func (r *Repository) IncrementCampaignCounters(id uint, deltas map[string]int) error {
	if len(deltas) == 0 {
		return nil
	}
	fields := make(map[string]any, len(deltas))
	for column, n := range deltas {
		fields[column] = gorm.Expr(column+" + ?", n)
	}
	return r.UpdateCampaign(id, fields)
}

func (r *Repository) CountRecipients(campaignID uint) (int64, error) {
	var count int64
	result := r.db.Model(&model.CampaignRecipient{}).Where("campaign_id = ?", campaignID).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", result.Error)
	}
	return count, nil
}

func (r *Repository) PendingRecipients(campaignID uint) ([]model.CampaignRecipient, error) {
	var recipients []model.CampaignRecipient
	result := r.db.Where("campaign_id = ? AND email_status = ?", campaignID, model.RecipientPending).
		Order("id").Find(&recipients)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get pending recipients: %w", result.Error)
	}
	return recipients, nil
}

func (r *Repository) GetRecipient(id uint) (*model.CampaignRecipient, error) {
	var recipient model.CampaignRecipient
	if err := r.db.First(&recipient, id).Error; err != nil {
		return nil, notFound(err, "campaign recipient")
	}
	return &recipient, nil
}

func (r *Repository) FindRecipientByProviderMessageID(providerMessageID string) (*model.CampaignRecipient, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	var recipient model.CampaignRecipient
	if err := r.db.Where("provider_message_id = ?", providerMessageID).First(&recipient).Error; err != nil {
		return nil, notFound(err, "campaign recipient")
	}
	return &recipient, nil
}

func (r *Repository) FindRecipientByTrackingID(trackingID string) (*model.CampaignRecipient, error) {
	if trackingID == "" {
		return nil, ErrNotFound
	}
	var recipient model.CampaignRecipient
	if err := r.db.Where("tracking_id = ?", trackingID).First(&recipient).Error; err != nil {
		return nil, notFound(err, "campaign recipient")
	}
	return &recipient, nil
}

// TransitionRecipient applies updates only when the recipient still matches
// the guard condition; the boolean reports whether the row changed.
func (r *Repository) TransitionRecipient(id uint, guard string, args []any, updates map[string]any) (bool, error) {
	q := r.db.Model(&model.CampaignRecipient{}).Where("id = ?", id)
	if guard != "" {
		q = q.Where(guard, args...)
	}
	result := q.UpdateColumns(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update campaign recipient: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CreateCampaign stores a campaign with its recipients and sets the
// recipient total.
func (r *Repository) CreateCampaign(c *model.Campaign) error {
	c.TotalRecipients = len(c.Recipients)
	if err := r.db.Create(c).Error; err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// ResetQueuedRecipients returns recipients stranded in queued back to
// pending.
func (r *Repository) ResetQueuedRecipients(campaignID uint) (int64, error) {
	result := r.db.Model(&model.CampaignRecipient{}).
		Where("campaign_id = ? AND email_status = ?", campaignID, model.RecipientQueued).
		UpdateColumn("email_status", model.RecipientPending)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset queued recipients: %w", result.Error)
	}
	return result.RowsAffected, nil
}
