package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/parser"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/testutil"
)

func newPipeline(t *testing.T) (*Pipeline, *repository.Repository) {
	t.Helper()
	repo := repository.New(testutil.NewDB(t))
	return NewPipeline(repo, nil, metrics.NewMetrics(prometheus.NewRegistry())), repo
}

func rawMessage(id, subject, body string) []byte {
	return []byte("Message-ID: <" + id + ">\r\n" +
		"From: Maria Lopez <maria@example.com>\r\n" +
		"To: agent@broker.test\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body + "\r\n")
}

func countMessages(t *testing.T, repo *repository.Repository, messageID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, repo.DB().Model(&model.Message{}).Where("message_id = ?", messageID).Count(&n).Error)
	return n
}

func TestIngestClassifiesRefund(t *testing.T) {
	p, repo := newPipeline(t)

	res, err := p.IngestRaw(context.Background(), rawMessage("m1@example.com", "URGENT refund needed", "Please help."), Source{OwnerID: 1})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, model.CategoryRefund, res.Classification.Category)
	assert.Equal(t, model.PriorityHigh, res.Classification.Priority)

	stored, err := repo.GetMessage(res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryRefund, stored.Category)
	assert.Equal(t, model.PriorityHigh, stored.Priority)
	assert.Equal(t, model.StatusUnread, stored.Status)
	require.NotNil(t, stored.Folder)
	assert.Equal(t, model.FolderInbox, stored.Folder.Type)
	assert.Equal(t, "maria@example.com", stored.FromEmail)
	assert.Equal(t, []string{"agent@broker.test"}, stored.ToEmails)
}

func TestIngestDuplicateIsSkipped(t *testing.T) {
	p, repo := newPipeline(t)
	raw := rawMessage("dup@example.com", "Hello", "Body")

	first, err := p.IngestRaw(context.Background(), raw, Source{OwnerID: 1})
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := p.IngestRaw(context.Background(), raw, Source{OwnerID: 1})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Zero(t, second.ID)
	assert.Equal(t, int64(1), countMessages(t, repo, "dup@example.com"))
}

func TestProperty_DedupIdempotence(t *testing.T) {
	p, repo := newPipeline(t)
	var seq int64

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("ingesting twice stores exactly one message", prop.ForAll(
		func(subject, body string) bool {
			id := fmt.Sprintf("prop-%d@example.com", atomic.AddInt64(&seq, 1))
			email := &parser.ParsedEmail{MessageID: id, From: "a@example.com", Subject: subject, TextBody: body}

			first, err := p.Ingest(context.Background(), email, Source{OwnerID: 3})
			if err != nil || first.Skipped {
				return false
			}
			again := *email
			second, err := p.Ingest(context.Background(), &again, Source{OwnerID: 3})
			if err != nil || !second.Skipped {
				return false
			}
			return countMessages(t, repo, id) == 1
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestIngestSynthesizesMissingMessageID(t *testing.T) {
	p, _ := newPipeline(t)

	res, err := p.Ingest(context.Background(), &parser.ParsedEmail{From: "x@example.com", Subject: "No id"}, Source{OwnerID: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.True(t, strings.HasSuffix(res.MessageID, "@mail-engine.local"))
}

func TestIngestOwnSentCopy(t *testing.T) {
	p, repo := newPipeline(t)
	email := &parser.ParsedEmail{MessageID: "own@broker.test", From: "agent@broker.test", To: []string{"client@example.com"}, Subject: "Quote"}

	res, err := p.Ingest(context.Background(), email, Source{OwnerID: 1, AccountAddress: "Agent@Broker.test"})
	require.NoError(t, err)

	stored, err := repo.GetMessage(res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, stored.Status)
	assert.Equal(t, model.DirectionOutbound, stored.Direction)
	assert.Equal(t, model.FolderSent, stored.Folder.Type)
}

func TestIngestAppliesOnlyFirstMatchingFilter(t *testing.T) {
	p, repo := newPipeline(t)
	db := repo.DB()
	require.NoError(t, db.Create(&model.FilterRule{OwnerID: 1, Name: "tag renewals", FilterType: model.FilterFieldSubject,
		Operator: model.OperatorContains, Value: "renewal", Action: model.ActionAddTag, ActionValue: "renewal", Priority: 10, IsActive: true}).Error)
	require.NoError(t, db.Create(&model.FilterRule{OwnerID: 1, Name: "important", FilterType: model.FilterFieldFrom,
		Operator: model.OperatorEndsWith, Value: "@example.com", Action: model.ActionMarkAsImportant, Priority: 1, IsActive: true}).Error)
	require.NoError(t, db.Create(&model.FilterRule{OwnerID: 2, Name: "other owner", FilterType: model.FilterFieldSubject,
		Operator: model.OperatorContains, Value: "renewal", Action: model.ActionMarkAsRead, Priority: 100, IsActive: true}).Error)

	res, err := p.IngestRaw(context.Background(), rawMessage("f1@example.com", "Policy renewal", "Hi"), Source{OwnerID: 1})
	require.NoError(t, err)

	stored, err := repo.GetMessage(res.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"renewal"}, stored.Tags)
	assert.False(t, stored.IsImportant)
	assert.Equal(t, model.StatusUnread, stored.Status)

	var rule model.FilterRule
	require.NoError(t, db.Where("name = ?", "tag renewals").First(&rule).Error)
	assert.Equal(t, 1, rule.MatchCount)
	assert.NotNil(t, rule.LastMatched)
}

func TestIngestFilterCanMatchOnClassification(t *testing.T) {
	p, repo := newPipeline(t)
	require.NoError(t, repo.DB().Create(&model.FilterRule{OwnerID: 1, FilterType: model.FilterFieldCategory,
		Operator: model.OperatorEquals, Value: "complaint", Action: model.ActionMoveToFolder, ActionValue: "archive", IsActive: true}).Error)

	res, err := p.IngestRaw(context.Background(), rawMessage("c1@example.com", "Bad service", "I am angry"), Source{OwnerID: 1})
	require.NoError(t, err)

	stored, err := repo.GetMessage(res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FolderArchive, stored.Folder.Type)
}

func TestIngestLinksReplies(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	orig, err := p.IngestRaw(ctx, rawMessage("t0@example.com", "Policy renewal", "first"), Source{OwnerID: 1})
	require.NoError(t, err)
	first, err := p.IngestRaw(ctx, rawMessage("t1@example.com", "Re: Policy renewal", "second"), Source{OwnerID: 1})
	require.NoError(t, err)
	second, err := p.IngestRaw(ctx, rawMessage("t2@example.com", "RE: Fwd: policy renewal", "third"), Source{OwnerID: 1})
	require.NoError(t, err)

	m0, _ := repo.GetMessage(orig.ID)
	m1, _ := repo.GetMessage(first.ID)
	m2, _ := repo.GetMessage(second.ID)
	assert.Nil(t, m0.ConversationID, "messages without a reply prefix are not threaded")
	require.NotNil(t, m1.ConversationID)
	require.NotNil(t, m2.ConversationID)
	assert.Equal(t, *m1.ConversationID, *m2.ConversationID)
	assert.Equal(t, "policy renewal", m2.ThreadID)

	var conv model.Conversation
	require.NoError(t, repo.DB().First(&conv, *m1.ConversationID).Error)
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, 2, conv.UnreadCount)
}

func TestIngestStoresAttachments(t *testing.T) {
	p, repo := newPipeline(t)
	email := &parser.ParsedEmail{
		MessageID: "att@example.com",
		From:      "maria@example.com",
		Subject:   "Documents",
		Attachments: []parser.Attachment{
			{Filename: "claim.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
			{Filename: "photo", Content: []byte{1, 2, 3}},
		},
	}

	res, err := p.Ingest(context.Background(), email, Source{OwnerID: 1})
	require.NoError(t, err)

	var atts []model.Attachment
	require.NoError(t, repo.DB().Where("message_ref_id = ?", res.ID).Order("id").Find(&atts).Error)
	require.Len(t, atts, 2)
	assert.Equal(t, "claim.pdf", atts[0].Filename)
	assert.Equal(t, 4, atts[0].Size)
	assert.Equal(t, "application/octet-stream", atts[1].ContentType)
}

func TestIngestSendsNewMailNotification(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := repository.New(testutil.NewDB(t))
	require.NoError(t, repo.DB().Create(&model.ModuleSettings{OwnerID: 1, WebhookURL: server.URL, EnableWebhookNotifications: true}).Error)
	p := NewPipeline(repo, NewNotifier(repo, time.Second), metrics.NewMetrics(prometheus.NewRegistry()))

	_, err := p.IngestRaw(context.Background(), rawMessage("n1@example.com", "Meeting request", "Can we schedule?"), Source{OwnerID: 1, AccountName: "Support"})
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, "new_email_received", payload["event"])
		assert.Equal(t, "Support", payload["account_name"])
		assert.Equal(t, "n1@example.com", payload["remote_message_id"])
		classification := payload["classification"].(map[string]any)
		assert.Equal(t, model.CategoryAppointment, classification["category"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestIngestNotificationFailureDoesNotFailIngest(t *testing.T) {
	repo := repository.New(testutil.NewDB(t))
	require.NoError(t, repo.DB().Create(&model.ModuleSettings{OwnerID: 1, WebhookURL: "http://127.0.0.1:1/hook", EnableWebhookNotifications: true}).Error)
	p := NewPipeline(repo, NewNotifier(repo, 200*time.Millisecond), metrics.NewMetrics(prometheus.NewRegistry()))

	res, err := p.IngestRaw(context.Background(), rawMessage("n2@example.com", "Hello", "x"), Source{OwnerID: 1})
	require.NoError(t, err)
	assert.NotZero(t, res.ID)
}
