package automation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/sender"
	"renewal-mail-engine/internal/testutil"
)

type fakeMailer struct {
	mu       sync.Mutex
	sends    []*sender.Request
	replies  []sender.ReplyRequest
	forwards []sender.ForwardRequest
	err      error
}

func (f *fakeMailer) Send(ctx context.Context, req *sender.Request) (*sender.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	return &sender.Result{Sent: f.err == nil, Method: "direct-smtp", From: "desk@broker.test"}, f.err
}

func (f *fakeMailer) Reply(ctx context.Context, r sender.ReplyRequest) (*sender.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, r)
	return &sender.Result{Sent: f.err == nil}, f.err
}

func (f *fakeMailer) Forward(ctx context.Context, r sender.ForwardRequest) (*sender.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, r)
	return &sender.Result{Sent: f.err == nil}, f.err
}

func newEngine(t *testing.T) (*Engine, *repository.Repository, *fakeMailer) {
	t.Helper()
	repo := repository.New(testutil.NewDB(t))
	mailer := &fakeMailer{}
	e := NewEngine(repo, mailer, metrics.NewMetrics(prometheus.NewRegistry()), Options{
		WebhookTimeout: 2 * time.Second,
		MaxDelay:       50 * time.Millisecond,
	})
	return e, repo, mailer
}

func storeMessage(t *testing.T, repo *repository.Repository, owner uint, messageID string) *model.Message {
	t.Helper()
	now := time.Now().UTC()
	msg := &model.Message{
		OwnerID:    owner,
		MessageID:  messageID,
		FromEmail:  "maria@example.com",
		ToEmails:   []string{"desk@broker.test"},
		Subject:    "Refund for policy 1182",
		Status:     model.StatusUnread,
		Category:   model.CategoryRefund,
		Priority:   model.PriorityHigh,
		Sentiment:  model.SentimentNeutral,
		ReceivedAt: &now,
	}
	require.NoError(t, repo.CreateMessage(msg))
	return msg
}

func storeAutomation(t *testing.T, repo *repository.Repository, a *model.Automation) *model.Automation {
	t.Helper()
	if a.OwnerID == 0 {
		a.OwnerID = 1
	}
	if a.Name == "" {
		a.Name = "rule " + a.ActionType
	}
	if a.TriggerType == "" {
		a.TriggerType = model.TriggerMessageReceived
	}
	require.NoError(t, repo.CreateAutomation(a))
	return a
}

func countLogs(t *testing.T, repo *repository.Repository, automationID uint) int {
	t.Helper()
	logs, err := repo.ExecutionLogs(automationID, 0)
	require.NoError(t, err)
	return len(logs)
}

func TestExecuteRejectsTriggerPastCap(t *testing.T) {
	e, repo, _ := newEngine(t)
	msg := storeMessage(t, repo, 1, "cap@example.com")
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:    model.AutomationAddTag,
		ActionConfig:  map[string]any{"tag": "vip"},
		IsActive:      true,
		MaxExecutions: 3,
	})

	for i := 0; i < 3; i++ {
		out, err := e.Execute(context.Background(), a, map[string]any{"email_id": msg.ID})
		require.NoError(t, err)
		assert.False(t, out.Skipped)
		assert.Equal(t, model.ExecutionCompleted, out.Status)
	}

	out, err := e.Execute(context.Background(), a, map[string]any{"email_id": msg.ID})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ReasonLimit, out.Reason)
	assert.Equal(t, "Automation has reached maximum execution limit", out.Error)

	assert.Equal(t, 3, countLogs(t, repo, a.ID), "a rejected trigger leaves no log")
	stored, err := repo.GetAutomation(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ExecutionCount)
}

func TestExecuteCapHoldsForStaleCopy(t *testing.T) {
	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:    model.AutomationCreateTask,
		IsActive:      true,
		MaxExecutions: 1,
	})
	stale := *a

	_, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)

	out, err := e.Execute(context.Background(), &stale, nil)
	require.NoError(t, err)
	assert.True(t, out.Skipped, "the claim must catch a copy loaded before the last run")
	assert.Equal(t, ReasonLimit, out.Reason)
	assert.Equal(t, 1, countLogs(t, repo, a.ID))
}

func TestExecuteCooldown(t *testing.T) {
	e, repo, _ := newEngine(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	a := storeAutomation(t, repo, &model.Automation{
		ActionType:      model.AutomationUpdateCRM,
		IsActive:        true,
		CooldownSeconds: 3600,
	})

	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.False(t, out.Skipped)

	e.now = func() time.Time { return base.Add(30 * time.Minute) }
	out, err = e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ReasonCooldown, out.Reason)

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	out, err = e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.False(t, out.Skipped)

	assert.Equal(t, 2, countLogs(t, repo, a.ID))
}

func TestExecuteInactive(t *testing.T) {
	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{ActionType: model.AutomationCreateTask})

	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ReasonInactive, out.Reason)
	assert.Zero(t, countLogs(t, repo, a.ID))
}

func TestFailedRunStillCounts(t *testing.T) {
	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:    "launch_rocket",
		IsActive:      true,
		MaxExecutions: 1,
	})

	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, ErrUnknownAction.Error())

	logs, err := repo.ExecutionLogs(a.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ExecutionFailed, logs[0].Status)
	assert.NotNil(t, logs[0].CompletedAt)

	stored, err := repo.GetAutomation(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.NotNil(t, stored.LastExecuted)

	out, err = e.Execute(context.Background(), stored, nil)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

func TestMissingConfigFailsRun(t *testing.T) {
	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{ActionType: model.AutomationWebhookCall, IsActive: true})

	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "url")
}

func TestWebhookCall(t *testing.T) {
	var got map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))
	defer srv.Close()

	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		ActionType: model.AutomationWebhookCall,
		IsActive:   true,
		ActionConfig: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Api-Key": "k1"},
			"data":    map[string]any{"source": "mail", "subject": "overridden"},
		},
	})

	out, err := e.Execute(context.Background(), a, map[string]any{"subject": "Claim update"})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, out.Status)
	assert.Equal(t, http.StatusAccepted, out.Result["status_code"])
	assert.Equal(t, "queued", out.Result["response"])
	assert.Equal(t, "k1", gotHeader)
	assert.Equal(t, "mail", got["source"])
	assert.Equal(t, "Claim update", got["subject"], "trigger data wins over config data")
}

func TestWebhookCallErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationWebhookCall,
		IsActive:     true,
		ActionConfig: map[string]any{"url": srv.URL},
	})

	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "502")
}

func TestDelayHonorsCancellation(t *testing.T) {
	e, repo, _ := newEngine(t)
	e.maxDelay = time.Minute
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationDelay,
		IsActive:     true,
		ActionConfig: map[string]any{"delay_seconds": 30.0},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := e.Execute(ctx, a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, out.Status)
}

func TestDelayIsCapped(t *testing.T) {
	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationDelay,
		IsActive:     true,
		ActionConfig: map[string]any{"delay_seconds": 3600},
	})

	start := time.Now()
	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, out.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDelayWithoutSecondsCompletesAtOnce(t *testing.T) {
	e, repo, _ := newEngine(t)
	e.maxDelay = time.Minute
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationDelay,
		IsActive:     true,
		ActionConfig: map[string]any{},
	})

	start := time.Now()
	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, out.Status)
	assert.Equal(t, 0.0, out.Result["delayed_seconds"])
	assert.Less(t, time.Since(start), time.Second)

	bad := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationDelay,
		IsActive:     true,
		ActionConfig: map[string]any{"delay_seconds": -5},
	})
	out, err = e.Execute(context.Background(), bad, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, out.Status)
}

func TestMessageActions(t *testing.T) {
	e, repo, _ := newEngine(t)
	msg := storeMessage(t, repo, 1, "actions@example.com")
	trigger := map[string]any{"email_id": float64(msg.ID)}

	move := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationMoveToFolder,
		IsActive:     true,
		ActionConfig: map[string]any{"folder": "archive"},
	})
	tag := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationAddTag,
		IsActive:     true,
		ActionConfig: map[string]any{"tag": "renewal"},
	})
	assign := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationAssignToUser,
		IsActive:     true,
		ActionConfig: map[string]any{"user_id": 12.0},
	})

	for _, a := range []*model.Automation{move, tag, assign, tag} {
		out, err := e.Execute(context.Background(), a, trigger)
		require.NoError(t, err)
		require.Equal(t, model.ExecutionCompleted, out.Status, out.Error)
	}

	stored, err := repo.GetMessage(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Folder)
	assert.Equal(t, model.FolderArchive, stored.Folder.Type)
	assert.Equal(t, []string{"renewal"}, stored.Tags)
	require.NotNil(t, stored.AssignedTo)
	assert.Equal(t, uint(12), *stored.AssignedTo)

	logs, err := repo.ExecutionLogs(tag.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.NotNil(t, logs[0].MessageRefID)
	assert.Equal(t, msg.ID, *logs[0].MessageRefID)
}

func TestMessageActionRejectsOtherOwner(t *testing.T) {
	e, repo, _ := newEngine(t)
	msg := storeMessage(t, repo, 2, "foreign@example.com")
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationAddTag,
		IsActive:     true,
		ActionConfig: map[string]any{"tag": "x"},
	})

	out, err := e.Execute(context.Background(), a, map[string]any{"email_id": msg.ID})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, out.Status)
}

func TestSendEmailRendersTrigger(t *testing.T) {
	e, repo, mailer := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		ActionType: model.AutomationSendEmail,
		IsActive:   true,
		ActionConfig: map[string]any{
			"to":      []any{"claims@broker.test"},
			"subject": "New {{ category }} mail from {{from}}",
			"body":    "<p>{{subject}}</p>",
		},
	})

	out, err := e.Execute(context.Background(), a, map[string]any{
		"category": "refund",
		"from":     "maria@example.com",
		"subject":  "Refund please",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, out.Status)

	require.Len(t, mailer.sends, 1)
	req := mailer.sends[0]
	assert.Equal(t, uint(1), req.OwnerID)
	assert.Equal(t, []string{"claims@broker.test"}, req.To)
	assert.Equal(t, "New refund mail from maria@example.com", req.Subject)
	assert.Equal(t, "<p>Refund please</p>", req.HTMLBody)
}

func TestReplyAndForwardUseTriggerMessage(t *testing.T) {
	e, repo, mailer := newEngine(t)
	msg := storeMessage(t, repo, 1, "reply@example.com")
	reply := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationReplyEmail,
		IsActive:     true,
		ActionConfig: map[string]any{"body": "We received your request.", "reply_all": true},
	})
	forward := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationForwardEmail,
		IsActive:     true,
		ActionConfig: map[string]any{"to": "claims@broker.test, audit@broker.test", "message": "FYI"},
	})

	trigger := map[string]any{"email_id": msg.ID}
	_, err := e.Execute(context.Background(), reply, trigger)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), forward, trigger)
	require.NoError(t, err)

	require.Len(t, mailer.replies, 1)
	assert.Equal(t, msg.ID, mailer.replies[0].OriginalID)
	assert.True(t, mailer.replies[0].ReplyAll)
	require.Len(t, mailer.forwards, 1)
	assert.Equal(t, []string{"claims@broker.test", "audit@broker.test"}, mailer.forwards[0].To)
	assert.Equal(t, "FYI", mailer.forwards[0].Message)
}

func TestSendFailureMarksRunFailed(t *testing.T) {
	e, repo, mailer := newEngine(t)
	mailer.err = errors.New("relay refused")
	a := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationSendEmail,
		IsActive:     true,
		ActionConfig: map[string]any{"to": "x@example.com", "subject": "s", "text_body": "b"},
	})

	out, err := e.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "relay refused")
}

func TestMessageReceivedMatchesConditions(t *testing.T) {
	e, repo, _ := newEngine(t)
	msg := storeMessage(t, repo, 1, "event@example.com")

	refund := storeAutomation(t, repo, &model.Automation{
		ActionType:        model.AutomationAddTag,
		IsActive:          true,
		TriggerConditions: map[string]any{"category": "Refund", "from_contains": "@example.com"},
		ActionConfig:      map[string]any{"tag": "refund-desk"},
	})
	complaint := storeAutomation(t, repo, &model.Automation{
		ActionType:        model.AutomationAddTag,
		IsActive:          true,
		TriggerConditions: map[string]any{"category": "complaint"},
		ActionConfig:      map[string]any{"tag": "complaints"},
	})
	otherOwner := storeAutomation(t, repo, &model.Automation{
		OwnerID:      2,
		ActionType:   model.AutomationAddTag,
		IsActive:     true,
		ActionConfig: map[string]any{"tag": "never"},
	})

	e.MessageReceived(msg)
	e.Wait()

	assert.Equal(t, 1, countLogs(t, repo, refund.ID))
	assert.Zero(t, countLogs(t, repo, complaint.ID))
	assert.Zero(t, countLogs(t, repo, otherOwner.ID))

	stored, err := repo.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"refund-desk"}, stored.Tags)
}

func TestMessageReceivedRunsInBackground(t *testing.T) {
	e, repo, _ := newEngine(t)
	e.maxDelay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	e.Bind(ctx)
	msg := storeMessage(t, repo, 1, "slow@example.com")
	slow := storeAutomation(t, repo, &model.Automation{
		ActionType:   model.AutomationDelay,
		IsActive:     true,
		ActionConfig: map[string]any{"delay_seconds": 30},
	})

	start := time.Now()
	e.MessageReceived(msg)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool {
		logs, err := repo.ExecutionLogs(slow.ID, 0)
		return err == nil && len(logs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	e.Wait()
	logs, err := repo.ExecutionLogs(slow.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ExecutionCancelled, logs[0].Status)
}

func TestRunTimeBased(t *testing.T) {
	e, repo, _ := newEngine(t)
	a := storeAutomation(t, repo, &model.Automation{
		TriggerType:     model.TriggerTimeBased,
		ActionType:      model.AutomationCreateTask,
		IsActive:        true,
		CooldownSeconds: 3600,
	})

	require.NoError(t, e.RunTimeBased(context.Background()))
	require.NoError(t, e.RunTimeBased(context.Background()))
	assert.Equal(t, 1, countLogs(t, repo, a.ID), "cooldown spaces time based runs")
}

func TestMatchConditions(t *testing.T) {
	payload := map[string]any{
		"category": "refund",
		"priority": "high",
		"from":     "Maria@Example.com",
		"to":       []string{"desk@broker.test", "claims@broker.test"},
		"subject":  "URGENT refund needed",
	}

	tests := []struct {
		name       string
		conditions map[string]any
		want       bool
	}{
		{"empty", nil, true},
		{"equality ignores case", map[string]any{"category": "REFUND"}, true},
		{"equality mismatch", map[string]any{"priority": "low"}, false},
		{"any of list", map[string]any{"priority": []any{"normal", "high"}}, true},
		{"from contains", map[string]any{"from_contains": "example.com"}, true},
		{"to contains", map[string]any{"to_contains": "claims@"}, true},
		{"subject contains miss", map[string]any{"subject_contains": "complaint"}, false},
		{"all must hold", map[string]any{"category": "refund", "subject_contains": "nothing"}, false},
		{"missing payload key", map[string]any{"folder": "inbox"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchConditions(tt.conditions, payload))
		})
	}
}
