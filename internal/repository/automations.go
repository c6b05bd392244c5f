package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"renewal-mail-engine/internal/model"
)

func (r *Repository) GetAutomation(id uint) (*model.Automation, error) {
	var automation model.Automation
	if err := r.db.First(&automation, id).Error; err != nil {
		return nil, notFound(err, "automation")
	}
	return &automation, nil
}

// AutomationsForTrigger returns the owner's active automations listening
// for triggerType, highest priority first.
func (r *Repository) AutomationsForTrigger(ownerID uint, triggerType string) ([]model.Automation, error) {
	var automations []model.Automation
	result := r.db.Where("owner_id = ? AND trigger_type = ? AND is_active = ?", ownerID, triggerType, true).
		Order("priority DESC").Order("id ASC").
		Find(&automations)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get automations: %w", result.Error)
	}
	return automations, nil
}

// ClaimAutomationRun atomically checks the execution cap and cooldown and,
// if both allow it, counts the run. It reports false when another run took
// the last slot or the cooldown window is still open.
func (r *Repository) ClaimAutomationRun(a *model.Automation, now time.Time) (bool, error) {
	q := r.db.Model(&model.Automation{}).
		Where("id = ? AND is_active = ?", a.ID, true).
		Where("(max_executions = 0 OR execution_count < max_executions)")
	if a.CooldownSeconds > 0 {
		cutoff := now.Add(-time.Duration(a.CooldownSeconds) * time.Second)
		q = q.Where("(last_executed IS NULL OR last_executed < ?)", cutoff)
	}

	result := q.UpdateColumns(map[string]any{
		"execution_count": gorm.Expr("execution_count + ?", 1),
		"last_executed":   now,
	})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim automation run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	a.ExecutionCount++
	a.LastExecuted = &now
	return true, nil
}

func (r *Repository) CreateExecutionLog(log *model.AutomationExecutionLog) error {
	if err := r.db.Create(log).Error; err != nil {
		return fmt.Errorf("failed to create execution log: %w", err)
	}
	return nil
}

// FinishExecutionLog writes the terminal state of a run
func (r *Repository) FinishExecutionLog(log *model.AutomationExecutionLog) error {
	result := r.db.Model(&model.AutomationExecutionLog{}).Where("id = ?", log.ID).UpdateColumns(map[string]any{
		"status":           log.Status,
		"result_data":      toJSON(log.ResultData),
		"error_message":    log.ErrorMessage,
		"completed_at":     log.CompletedAt,
		"duration_seconds": log.DurationSeconds,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to finish execution log: %w", result.Error)
	}
	return nil
}

// ActiveAutomationsByTrigger returns active automations of every owner
// listening for triggerType.
func (r *Repository) ActiveAutomationsByTrigger(triggerType string) ([]model.Automation, error) {
	var automations []model.Automation
	result := r.db.Where("trigger_type = ? AND is_active = ?", triggerType, true).
		Order("owner_id").Order("priority DESC").Order("id ASC").
		Find(&automations)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get automations: %w", result.Error)
	}
	return automations, nil
}

func (r *Repository) CreateAutomation(a *model.Automation) error {
	if err := r.db.Create(a).Error; err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// ExecutionLogs returns the runs of an automation, newest first
func (r *Repository) ExecutionLogs(automationID uint, limit int) ([]model.AutomationExecutionLog, error) {
	var logs []model.AutomationExecutionLog
	q := r.db.Where("automation_id = ?", automationID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get execution logs: %w", err)
	}
	return logs, nil
}
