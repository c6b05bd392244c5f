package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"renewal-mail-engine/internal/model"
)

// ActiveFilterRules returns the owner's active rules, highest priority first
func (r *Repository) ActiveFilterRules(ownerID uint) ([]model.FilterRule, error) {
	var rules []model.FilterRule
	result := r.db.Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("priority DESC").Order("id ASC").
		Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get filter rules: %w", result.Error)
	}
	return rules, nil
}

func (r *Repository) RecordRuleMatch(ruleID uint, at time.Time) error {
	result := r.db.Model(&model.FilterRule{}).Where("id = ?", ruleID).UpdateColumns(map[string]any{
		"match_count":  gorm.Expr("match_count + ?", 1),
		"last_matched": at,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to record rule match: %w", result.Error)
	}
	return nil
}

// ListFilterRules returns every rule of the owner, highest priority first
func (r *Repository) ListFilterRules(ownerID uint) ([]model.FilterRule, error) {
	var rules []model.FilterRule
	result := r.db.Where("owner_id = ?", ownerID).Order("priority DESC").Order("id ASC").Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list filter rules: %w", result.Error)
	}
	return rules, nil
}

func (r *Repository) GetFilterRule(id uint) (*model.FilterRule, error) {
	var rule model.FilterRule
	if err := r.db.First(&rule, id).Error; err != nil {
		return nil, notFound(err, "filter rule")
	}
	return &rule, nil
}

func (r *Repository) CreateFilterRule(rule *model.FilterRule) error {
	if err := r.db.Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create filter rule: %w", err)
	}
	return nil
}

func (r *Repository) SaveFilterRule(rule *model.FilterRule) error {
	if err := r.db.Save(rule).Error; err != nil {
		return fmt.Errorf("failed to save filter rule: %w", err)
	}
	return nil
}

// SetFilterRuleActive enables or disables a rule
func (r *Repository) SetFilterRuleActive(id uint, active bool) error {
	result := r.db.Model(&model.FilterRule{}).Where("id = ?", id).UpdateColumn("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update filter rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("filter rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) DeleteFilterRule(id uint) error {
	result := r.db.Delete(&model.FilterRule{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete filter rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("filter rule %d: %w", id, ErrNotFound)
	}
	return nil
}
