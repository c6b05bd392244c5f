package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewal-mail-engine/internal/automation"
	"renewal-mail-engine/internal/campaign"
	"renewal-mail-engine/internal/dashboard"
	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/poller"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/scheduler"
	"renewal-mail-engine/internal/sender"
	"renewal-mail-engine/internal/testutil"
	"renewal-mail-engine/internal/webhook"
)

type trackCall struct {
	eventType, trackingID, url string
}

type fakeWebhooks struct {
	mu     sync.Mutex
	tracks []trackCall
	err    error
}

func (f *fakeWebhooks) Process(ctx context.Context, provider, eventType string, body []byte) (*webhook.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	raws, err := webhook.Decode(body)
	if err != nil {
		return nil, err
	}
	return &webhook.Result{Received: len(raws), Processed: len(raws)}, nil
}

func (f *fakeWebhooks) ProcessIncoming(ctx context.Context, provider string, body []byte) (*webhook.IncomingBatch, error) {
	payloads, err := webhook.Decode(body)
	if err != nil {
		return nil, err
	}
	batch := &webhook.IncomingBatch{Received: len(payloads)}
	for _, p := range payloads {
		if p.Object == nil {
			batch.Failed++
			batch.Emails = append(batch.Emails, &webhook.IncomingResult{Status: model.WebhookFailed})
			continue
		}
		batch.Processed++
		batch.Emails = append(batch.Emails, &webhook.IncomingResult{Status: model.WebhookProcessed, EmailID: 7})
	}
	return batch, nil
}

func (f *fakeWebhooks) Track(ctx context.Context, eventType, trackingID, ip, userAgent, url string) (*webhook.EventResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, trackCall{eventType, trackingID, url})
	return &webhook.EventResult{Status: model.WebhookProcessed}, nil
}

type fakePoller struct {
	syncErr error
}

func (f *fakePoller) SyncAccount(ctx context.Context, accountID uint) (*poller.AccountResult, error) {
	if f.syncErr != nil {
		return &poller.AccountResult{AccountID: accountID, Error: f.syncErr.Error()}, f.syncErr
	}
	return &poller.AccountResult{AccountID: accountID, Fetched: 2, Ingested: 2}, nil
}

func (f *fakePoller) TestConnection(ctx context.Context, accountID uint, outbound poller.OutboundChecker) (*poller.ConnectionResult, error) {
	res := &poller.ConnectionResult{AccountID: accountID, Success: true, Inbound: "ok", Outbound: "ok"}
	if err := outbound.CheckAccount(ctx, &model.MailAccount{ID: accountID}); err != nil {
		res.Success = false
		res.Outbound = err.Error()
	}
	return res, nil
}

type fakeMailer struct {
	result *sender.Result
	err    error
	last   *sender.Request
	reply  sender.ReplyRequest
	check  error
}

func (f *fakeMailer) Send(ctx context.Context, req *sender.Request) (*sender.Result, error) {
	f.last = req
	return f.result, f.err
}

func (f *fakeMailer) Reply(ctx context.Context, r sender.ReplyRequest) (*sender.Result, error) {
	f.reply = r
	return f.result, f.err
}

func (f *fakeMailer) Forward(ctx context.Context, r sender.ForwardRequest) (*sender.Result, error) {
	return f.result, f.err
}

func (f *fakeMailer) CheckAccount(ctx context.Context, account *model.MailAccount) error {
	return f.check
}

type fakeRunner struct {
	trigger map[string]any
}

func (f *fakeRunner) Execute(ctx context.Context, a *model.Automation, trigger map[string]any) (*automation.Outcome, error) {
	f.trigger = trigger
	return &automation.Outcome{AutomationID: a.ID, Status: model.ExecutionCompleted}, nil
}

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []uint
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id uint) (*campaign.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return &campaign.Summary{CampaignID: id, Status: model.CampaignCompleted}, nil
}

type env struct {
	repo     *repository.Repository
	h        *Handlers
	router   *gin.Engine
	webhooks *fakeWebhooks
	poller   *fakePoller
	mailer   *fakeMailer
	runner   *fakeRunner
	campaign *fakeDispatcher
	runs     int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		repo:     repository.New(testutil.NewDB(t)),
		webhooks: &fakeWebhooks{},
		poller:   &fakePoller{},
		mailer:   &fakeMailer{result: &sender.Result{Sent: true, Method: "smtp"}},
		runner:   &fakeRunner{},
		campaign: &fakeDispatcher{},
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sched := scheduler.NewScheduler("poller", 5, func(ctx context.Context) error {
		e.runs++
		return nil
	}, m)
	e.h = NewHandlers(Deps{
		Repo:        e.repo,
		Webhooks:    e.webhooks,
		Poller:      e.poller,
		Mailer:      e.mailer,
		Automations: e.runner,
		Campaigns:   e.campaign,
		Dashboard:   dashboard.NewService(e.repo),
		Schedulers:  map[string]*scheduler.Scheduler{"poller": sched},
	})
	e.router = gin.New()
	e.h.SetupRoutes(e.router)
	t.Cleanup(func() { sched.Stop() })
	return e
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestWebhookEndpoints(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/webhooks/sendgrid/events", `[{"event":"open"},{"event":"click"}]`)
	assert.Equal(t, http.StatusOK, w.Code)
	var result webhook.Result
	decode(t, w, &result)
	assert.Equal(t, 2, result.Received)

	w = e.do(http.MethodPost, "/webhooks/sendgrid/events", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var errResp ErrorResponse
	decode(t, w, &errResp)
	assert.Equal(t, "invalid_payload", errResp.Error)
	assert.Equal(t, http.StatusBadRequest, errResp.Code)

	w = e.do(http.MethodPost, "/webhooks/generic/incoming", `{"from":"a@b.test"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	var incoming webhook.IncomingBatch
	decode(t, w, &incoming)
	require.Len(t, incoming.Emails, 1)
	assert.Equal(t, uint(7), incoming.Emails[0].EmailID)

	w = e.do(http.MethodPost, "/webhooks/generic/incoming", `[{"from":"a@b.test"},42]`)
	assert.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &incoming)
	assert.Equal(t, 2, incoming.Received)
	assert.Equal(t, 1, incoming.Failed)

	w = e.do(http.MethodPost, "/webhooks/sendgrid/events", `42`)
	assert.Equal(t, http.StatusOK, w.Code)

	e.webhooks.err = errors.New("database is locked")
	w = e.do(http.MethodPost, "/webhooks/sendgrid/events", `{"event":"open"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	decode(t, w, &errResp)
	assert.NotContains(t, errResp.Message, "locked")
}

func TestTracking(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodGet, "/track/open?t=trk-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Equal(t, pixel, w.Body.Bytes())

	w = e.do(http.MethodGet, "/track/click?t=trk-1&u=https%3A%2F%2Fexample.com%2Frenew%3Fp%3D1", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/renew?p=1", w.Header().Get("Location"))

	w = e.do(http.MethodGet, "/track/click?t=trk-2&url=https%3A%2F%2Fexample.com%2Fold", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/old", w.Header().Get("Location"))

	w = e.do(http.MethodGet, "/track/click?t=trk-1&u=javascript%3Aalert(1)", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/track/click?t=trk-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []trackCall{
		{webhook.EventOpen, "trk-1", ""},
		{webhook.EventClick, "trk-1", "https://example.com/renew?p=1"},
		{webhook.EventClick, "trk-2", "https://example.com/old"},
	}, e.webhooks.tracks)
}

func TestRuleCRUD(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"owner_id": 1, "name": "Refunds", "filter_type": "subject", "operator": "contains",
		"value": "refund", "action": "add_tag", "action_value": "refund", "priority": 5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule model.FilterRule
	decode(t, w, &rule)
	assert.True(t, rule.IsActive)

	w = e.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"owner_id": 1, "filter_type": "subject", "operator": "regex", "value": "(", "action": "mark_as_read",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPatch, fmt.Sprintf("/api/v1/rules/%d/disable", rule.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	active, err := e.repo.ActiveFilterRules(1)
	require.NoError(t, err)
	assert.Empty(t, active)

	w = e.do(http.MethodPut, fmt.Sprintf("/api/v1/rules/%d", rule.ID), map[string]any{
		"owner_id": 1, "filter_type": "from", "operator": "ends_with", "value": "@client.test",
		"action": "mark_as_important", "is_active": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &rule)
	assert.Equal(t, model.FilterFieldFrom, rule.FilterType)

	w = e.do(http.MethodGet, "/api/v1/rules?owner_id=1", nil)
	var rules []model.FilterRule
	decode(t, w, &rules)
	assert.Len(t, rules, 1)

	w = e.do(http.MethodDelete, fmt.Sprintf("/api/v1/rules/%d", rule.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", rule.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessageActions(t *testing.T) {
	e := newEnv(t)
	msg := &model.Message{OwnerID: 1, MessageID: "m1@test", Subject: "Renewal", Status: model.StatusUnread}
	require.NoError(t, e.repo.CreateMessage(msg))
	foreign := &model.Folder{OwnerID: 2, Name: "Other", Type: model.FolderCustom}
	require.NoError(t, e.repo.DB().Create(foreign).Error)
	own := &model.Folder{OwnerID: 1, Name: "Claims", Type: model.FolderCustom}
	require.NoError(t, e.repo.DB().Create(own).Error)
	base := fmt.Sprintf("/api/v1/messages/%d", msg.ID)

	w := e.do(http.MethodPost, base+"/star", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got model.Message
	decode(t, w, &got)
	assert.True(t, got.IsStarred)

	w = e.do(http.MethodPost, base+"/star", map[string]any{"starred": false})
	decode(t, w, &got)
	assert.False(t, got.IsStarred)

	w = e.do(http.MethodPost, base+"/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &got)
	assert.Equal(t, model.StatusArchived, got.Status)
	require.NotNil(t, got.Folder)
	assert.Equal(t, model.FolderArchive, got.Folder.Type)

	w = e.do(http.MethodPost, base+"/move", map[string]any{"folder_id": foreign.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(http.MethodPost, base+"/move", map[string]any{"folder_id": own.ID})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &got)
	assert.Equal(t, own.ID, *got.FolderID)

	w = e.do(http.MethodPost, base+"/trash", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodPost, base+"/star", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodPost, base+"/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &got)
	assert.Equal(t, msg.ID, got.ID)

	w = e.do(http.MethodPost, "/api/v1/messages/abc/star", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendEndpoints(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{"owner_id": 1, "to": []string{"client@example.com"}, "subject": "Renewal", "text_body": "hi"}

	w := e.do(http.MethodPost, "/api/v1/messages/send", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"client@example.com"}, e.mailer.last.To)

	w = e.do(http.MethodPost, "/api/v1/messages/send", map[string]any{"owner_id": 1, "to": []string{"not-an-address"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.mailer.result, e.mailer.err = nil, fmt.Errorf("route: %w", sender.ErrNoSendingMethod)
	w = e.do(http.MethodPost, "/api/v1/messages/send", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	e.mailer.result = &sender.Result{Sent: false, Message: &model.Message{ID: 9, Status: model.StatusFailed}}
	e.mailer.err = errors.New("failed to send message: 421 try later")
	w = e.do(http.MethodPost, "/api/v1/messages/42/reply", map[string]any{"reply_all": true, "text_body": "thanks"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, uint(42), e.mailer.reply.OriginalID)
	assert.True(t, e.mailer.reply.ReplyAll)
	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "send_failed", resp["error"])
	assert.NotNil(t, resp["result"])

	w = e.do(http.MethodPost, "/api/v1/messages/42/forward", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountEndpoints(t *testing.T) {
	e := newEnv(t)

	e.mailer.check = errors.New("535 authentication failed")
	w := e.do(http.MethodPost, "/api/v1/accounts/3/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conn poller.ConnectionResult
	decode(t, w, &conn)
	assert.False(t, conn.Success)
	assert.Contains(t, conn.Outbound, "535")

	w = e.do(http.MethodPost, "/api/v1/accounts/3/sync", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	e.poller.syncErr = poller.ErrAccountBusy
	w = e.do(http.MethodPost, "/api/v1/accounts/3/sync", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAutomationEndpoints(t *testing.T) {
	e := newEnv(t)
	a := &model.Automation{OwnerID: 1, Name: "Tag refunds", TriggerType: model.TriggerManual, ActionType: model.AutomationAddTag, IsActive: true}
	require.NoError(t, e.repo.CreateAutomation(a))

	w := e.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/execute", a.ID), map[string]any{"email_id": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(5), e.runner.trigger["email_id"])

	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/execute", a.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/execute", a.ID), `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/v1/automations/999/execute", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, fmt.Sprintf("/api/v1/automations/%d/logs", a.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCampaignEndpoints(t *testing.T) {
	e := newEnv(t)
	c := &model.Campaign{OwnerID: 1, Name: "Q2", Status: model.CampaignDraft,
		Recipients: []model.CampaignRecipient{{Email: "a@client.test"}, {Email: "b@client.test"}}}
	require.NoError(t, e.repo.CreateCampaign(c))

	w := e.do(http.MethodGet, fmt.Sprintf("/api/v1/campaigns/%d", c.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "Q2", resp["name"])
	assert.Contains(t, resp, "metrics")

	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/dispatch", c.ID), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	e.h.Wait()
	assert.Equal(t, []uint{c.ID}, e.campaign.ids)

	require.NoError(t, e.repo.UpdateCampaign(c.ID, map[string]any{"status": model.CampaignCompleted}))
	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/dispatch", c.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/api/v1/scheduler/poller/run-once", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, e.runs)

	w = e.do(http.MethodPost, "/api/v1/scheduler/poller/start", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodPost, "/api/v1/scheduler/poller/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodGet, "/api/v1/scheduler/poller/status", nil)
	var status scheduler.Status
	decode(t, w, &status)
	assert.True(t, status.Running)

	w = e.do(http.MethodPost, "/api/v1/scheduler/poller/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/api/v1/scheduler/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/api/v1/scheduler", nil)
	var all []scheduler.Status
	decode(t, w, &all)
	assert.Len(t, all, 1)
}

func TestHealthAndDashboard(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	decode(t, w, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "stopped", health.Schedulers["poller"])

	w = e.do(http.MethodGet, "/api/v1/dashboard/summary?owner_id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum dashboard.Summary
	decode(t, w, &sum)
	assert.Zero(t, sum.TotalToday)
	assert.Nil(t, sum.AvgResponseHours)

	w = e.do(http.MethodGet, "/api/v1/dashboard/summary?owner_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
