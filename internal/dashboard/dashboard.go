// Package dashboard computes the inbox summary from stored message state.
package dashboard

import (
	"fmt"
	"math"
	"time"

	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
)

// Categories always present in a summary, zero when unused
var Categories = []string{
	model.CategoryComplaint,
	model.CategoryFeedback,
	model.CategoryRefund,
	model.CategoryAppointment,
	model.CategoryUncategorized,
}

// Summary is the dashboard payload
type Summary struct {
	TotalToday  int64            `json:"total_today"`
	NewUnread   int64            `json:"new_unread"`
	InProgress  int64            `json:"in_progress"`
	SLABreaches int64            `json:"sla_breaches"`
	Categories  map[string]int64 `json:"categories"`
	// AvgResponseHours is nil when no message has been answered
	AvgResponseHours *float64  `json:"avg_response_hours"`
	SLAAlert         string    `json:"sla_alert_message"`
	GeneratedAt      time.Time `json:"generated_at"`
}

type Service struct {
	repo *repository.Repository
	now  func() time.Time
}

func NewService(repo *repository.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Summary computes the counts for one owner, or every owner when ownerID
// is 0. "Today" is the current UTC day.
func (s *Service) Summary(ownerID uint) (*Summary, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var (
		sum = &Summary{GeneratedAt: now, Categories: map[string]int64{}}
		err error
	)
	if sum.TotalToday, err = s.repo.CountReceivedBetween(ownerID, dayStart, dayStart.AddDate(0, 0, 1)); err != nil {
		return nil, err
	}
	if sum.NewUnread, err = s.repo.CountByStatus(ownerID, model.StatusUnread); err != nil {
		return nil, err
	}
	if sum.InProgress, err = s.repo.CountByStatus(ownerID, model.StatusRead, model.StatusReplied); err != nil {
		return nil, err
	}
	if sum.SLABreaches, err = s.repo.CountOverdue(ownerID, now); err != nil {
		return nil, err
	}
	sum.SLAAlert = fmt.Sprintf("%d emails have breached SLA requirements", sum.SLABreaches)

	for _, c := range Categories {
		sum.Categories[c] = 0
	}
	counts, err := s.repo.CategoryCounts(ownerID)
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		sum.Categories[c.Category] = c.Count
	}

	pairs, err := s.repo.ResponsePairs(ownerID)
	if err != nil {
		return nil, err
	}
	sum.AvgResponseHours = averageHours(pairs)
	return sum, nil
}

// averageHours is the mean reply delay rounded to one decimal. Replies
// stamped before receipt are ignored.
func averageHours(pairs []repository.ResponsePair) *float64 {
	var (
		total time.Duration
		n     int
	)
	for _, p := range pairs {
		d := p.RepliedAt.Sub(p.ReceivedAt)
		if d < 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return nil
	}
	avg := math.Round(total.Hours()/float64(n)*10) / 10
	return &avg
}
