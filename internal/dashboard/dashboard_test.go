package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/testutil"
)

var now = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

type seed struct {
	owner     uint
	status    string
	category  string
	direction string
	received  *time.Time
	replied   *time.Time
	due       *time.Time
}

func newService(t *testing.T, seeds ...seed) (*Service, *repository.Repository) {
	t.Helper()
	repo := repository.New(testutil.NewDB(t))
	for i, s := range seeds {
		msg := &model.Message{
			OwnerID:    s.owner,
			MessageID:  "m" + string(rune('a'+i)) + "@test",
			Direction:  s.direction,
			Status:     s.status,
			Category:   s.category,
			ReceivedAt: s.received,
			RepliedAt:  s.replied,
			DueDate:    s.due,
		}
		if msg.Direction == "" {
			msg.Direction = model.DirectionInbound
		}
		if msg.Category == "" {
			msg.Category = model.CategoryUncategorized
		}
		require.NoError(t, repo.CreateMessage(msg))
	}
	svc := NewService(repo)
	svc.now = func() time.Time { return now }
	return svc, repo
}

func TestSummary(t *testing.T) {
	svc, repo := newService(t,
		seed{owner: 1, status: model.StatusUnread, category: model.CategoryRefund, received: at(-time.Hour), due: at(-time.Minute)},
		seed{owner: 1, status: model.StatusRead, category: model.CategoryComplaint, received: at(-2 * time.Hour), due: at(time.Hour)},
		seed{owner: 1, status: model.StatusReplied, category: model.CategoryRefund, received: at(-48 * time.Hour), replied: at(-45 * time.Hour), due: at(-40 * time.Hour)},
		seed{owner: 1, status: model.StatusReplied, received: at(-30 * time.Hour), replied: at(-29 * time.Hour)},
		seed{owner: 1, status: model.StatusRead, direction: model.DirectionOutbound, received: at(-time.Hour)},
		seed{owner: 2, status: model.StatusUnread, category: model.CategoryFeedback, received: at(-time.Hour)},
	)

	sum, err := svc.Summary(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.TotalToday)
	assert.Equal(t, int64(1), sum.NewUnread)
	assert.Equal(t, int64(3), sum.InProgress)
	assert.Equal(t, int64(1), sum.SLABreaches, "a replied message is never a breach")
	assert.Equal(t, "1 emails have breached SLA requirements", sum.SLAAlert)
	assert.Equal(t, map[string]int64{
		model.CategoryComplaint:     1,
		model.CategoryFeedback:      0,
		model.CategoryRefund:        2,
		model.CategoryAppointment:   0,
		model.CategoryUncategorized: 1,
	}, sum.Categories)
	require.NotNil(t, sum.AvgResponseHours)
	assert.Equal(t, 2.0, *sum.AvgResponseHours)

	all, err := svc.Summary(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.TotalToday)
	assert.Equal(t, int64(1), all.Categories[model.CategoryFeedback])

	// trashed messages drop out of every count
	var first model.Message
	require.NoError(t, repo.DB().Where("owner_id = ? AND status = ?", 1, model.StatusUnread).First(&first).Error)
	require.NoError(t, repo.TrashMessage(first.ID))
	sum, err = svc.Summary(1)
	require.NoError(t, err)
	assert.Zero(t, sum.NewUnread)
	assert.Zero(t, sum.SLABreaches)
}

func TestSummaryWithoutReplies(t *testing.T) {
	svc, _ := newService(t, seed{owner: 1, status: model.StatusUnread, received: at(-time.Hour)})

	sum, err := svc.Summary(1)
	require.NoError(t, err)
	assert.Nil(t, sum.AvgResponseHours)
}

func TestAverageHours(t *testing.T) {
	base := now
	pairs := []repository.ResponsePair{
		{ReceivedAt: base, RepliedAt: base.Add(90 * time.Minute)},
		{ReceivedAt: base, RepliedAt: base.Add(30 * time.Minute)},
		{ReceivedAt: base, RepliedAt: base.Add(-time.Hour)},
	}
	avg := averageHours(pairs)
	require.NotNil(t, avg)
	assert.Equal(t, 1.0, *avg)
	assert.Nil(t, averageHours(nil))
}
