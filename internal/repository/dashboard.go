package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"renewal-mail-engine/internal/model"
)

// CategoryCount is one row of a per-category message count
type CategoryCount struct {
	Category string
	Count    int64
}

// ResponsePair holds the timestamps a response time is computed from
type ResponsePair struct {
	ReceivedAt time.Time
	RepliedAt  time.Time
}

// inbound scopes to the owner's live inbound messages; ownerID 0 spans
// every owner.
func (r *Repository) inbound(ownerID uint) *gorm.DB {
	q := r.db.Model(&model.Message{}).Where("direction = ?", model.DirectionInbound)
	if ownerID != 0 {
		q = q.Where("owner_id = ?", ownerID)
	}
	return q
}

func (r *Repository) CountReceivedBetween(ownerID uint, from, to time.Time) (int64, error) {
	var n int64
	if err := r.inbound(ownerID).Where("received_at >= ? AND received_at < ?", from, to).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count received messages: %w", err)
	}
	return n, nil
}

func (r *Repository) CountByStatus(ownerID uint, statuses ...string) (int64, error) {
	var n int64
	if err := r.inbound(ownerID).Where("status IN ?", statuses).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages by status: %w", err)
	}
	return n, nil
}

// CountOverdue counts messages past their due date that nobody has
// answered yet.
func (r *Repository) CountOverdue(ownerID uint, now time.Time) (int64, error) {
	var n int64
	err := r.inbound(ownerID).
		Where("due_date < ? AND status IN ?", now, []string{model.StatusUnread, model.StatusRead}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count overdue messages: %w", err)
	}
	return n, nil
}

func (r *Repository) CategoryCounts(ownerID uint) ([]CategoryCount, error) {
	var rows []CategoryCount
	err := r.inbound(ownerID).Select("category, COUNT(*) AS count").Group("category").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	return rows, nil
}

// ResponsePairs returns received/replied timestamps of answered messages
func (r *Repository) ResponsePairs(ownerID uint) ([]ResponsePair, error) {
	var rows []ResponsePair
	err := r.inbound(ownerID).
		Select("received_at, replied_at").
		Where("received_at IS NOT NULL AND replied_at IS NOT NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load response times: %w", err)
	}
	return rows, nil
}
