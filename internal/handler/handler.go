package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/automation"
	"renewal-mail-engine/internal/campaign"
	"renewal-mail-engine/internal/classifier"
	"renewal-mail-engine/internal/dashboard"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/poller"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/scheduler"
	"renewal-mail-engine/internal/sender"
	"renewal-mail-engine/internal/webhook"
)

// WebhookProcessor handles provider callbacks and tracking hits
type WebhookProcessor interface {
	Process(ctx context.Context, provider, eventType string, body []byte) (*webhook.Result, error)
	ProcessIncoming(ctx context.Context, provider string, body []byte) (*webhook.IncomingBatch, error)
	Track(ctx context.Context, eventType, trackingID, ip, userAgent, url string) (*webhook.EventResult, error)
}

// AccountPoller syncs and tests mail accounts
type AccountPoller interface {
	SyncAccount(ctx context.Context, accountID uint) (*poller.AccountResult, error)
	TestConnection(ctx context.Context, accountID uint, outbound poller.OutboundChecker) (*poller.ConnectionResult, error)
}

// Mailer sends new mail, replies and forwards
type Mailer interface {
	Send(ctx context.Context, req *sender.Request) (*sender.Result, error)
	Reply(ctx context.Context, r sender.ReplyRequest) (*sender.Result, error)
	Forward(ctx context.Context, r sender.ForwardRequest) (*sender.Result, error)
	CheckAccount(ctx context.Context, account *model.MailAccount) error
}

// AutomationRunner runs one automation against a trigger payload
type AutomationRunner interface {
	Execute(ctx context.Context, a *model.Automation, trigger map[string]any) (*automation.Outcome, error)
}

// CampaignDispatcher sends one campaign
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, campaignID uint) (*campaign.Summary, error)
}

// Deps are the services the HTTP surface is built on
type Deps struct {
	Repo        *repository.Repository
	Webhooks    WebhookProcessor
	Poller      AccountPoller
	Mailer      Mailer
	Automations AutomationRunner
	Campaigns   CampaignDispatcher
	Dashboard   *dashboard.Service
	Schedulers  map[string]*scheduler.Scheduler
	// BaseContext bounds work that outlives a request; it is cancelled on
	// shutdown.
	BaseContext context.Context
}

// Handlers contains all HTTP handlers
type Handlers struct {
	Deps
	background sync.WaitGroup
}

// NewHandlers creates new HTTP handlers
func NewHandlers(d Deps) *Handlers {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	if d.Schedulers == nil {
		d.Schedulers = map[string]*scheduler.Scheduler{}
	}
	return &Handlers{Deps: d}
}

// Wait blocks until background work started by handlers has returned
func (h *Handlers) Wait() {
	h.background.Wait()
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := router.Group("/webhooks/:provider")
	{
		hooks.POST("/events", h.ReceiveEvents)
		hooks.POST("/incoming", h.ReceiveIncoming)
	}

	track := router.Group("/track")
	{
		track.GET("/open", h.TrackOpen)
		track.GET("/click", h.TrackClick)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/rules", h.GetRules)
		api.POST("/rules", h.CreateRule)
		api.GET("/rules/:id", h.GetRule)
		api.PUT("/rules/:id", h.UpdateRule)
		api.DELETE("/rules/:id", h.DeleteRule)
		api.PATCH("/rules/:id/enable", h.EnableRule)
		api.PATCH("/rules/:id/disable", h.DisableRule)

		api.GET("/webhooks/events", h.GetWebhookEvents)
		api.GET("/webhooks/events/:id", h.GetWebhookEvent)

		api.POST("/accounts/:id/test", h.TestAccount)
		api.POST("/accounts/:id/sync", h.SyncAccount)

		api.POST("/messages/send", h.SendMessage)
		api.POST("/messages/:id/reply", h.ReplyMessage)
		api.POST("/messages/:id/forward", h.ForwardMessage)
		api.POST("/messages/:id/star", h.StarMessage)
		api.POST("/messages/:id/archive", h.ArchiveMessage)
		api.POST("/messages/:id/move", h.MoveMessage)
		api.POST("/messages/:id/trash", h.TrashMessage)
		api.POST("/messages/:id/restore", h.RestoreMessage)

		api.POST("/automations/:id/execute", h.ExecuteAutomation)
		api.GET("/automations/:id/logs", h.GetAutomationLogs)

		api.GET("/campaigns/:id", h.GetCampaign)
		api.POST("/campaigns/:id/dispatch", h.DispatchCampaign)

		api.GET("/dashboard/summary", h.GetDashboardSummary)

		api.GET("/scheduler", h.GetSchedulers)
		api.POST("/scheduler/:name/start", h.StartScheduler)
		api.POST("/scheduler/:name/stop", h.StopScheduler)
		api.POST("/scheduler/:name/run-once", h.RunOnce)
		api.GET("/scheduler/:name/status", h.GetSchedulerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Database:   "ok",
		Schedulers: make(map[string]string, len(h.Schedulers)),
	}

	if err := h.Repo.DB().Exec("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	for name, s := range h.Schedulers {
		if s.IsRunning() {
			response.Schedulers[name] = "running"
		} else {
			response.Schedulers[name] = "stopped"
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// GetDashboardSummary returns the inbox summary; owner_id 0 or absent
// spans every owner
func (h *Handlers) GetDashboardSummary(c *gin.Context) {
	ownerID, err := queryUint(c, "owner_id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid owner_id")
		return
	}
	summary, err := h.Dashboard.Summary(ownerID)
	if err != nil {
		h.fail(c, err, "Failed to compute dashboard summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: code, Message: message, Code: status})
}

// fail maps service errors onto HTTP statuses
func (h *Handlers) fail(c *gin.Context, err error, message string) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, webhook.ErrInvalidPayload),
		errors.Is(err, classifier.ErrInvalidRule),
		errors.Is(err, sender.ErrNoRecipients):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, sender.ErrNoSendingMethod), errors.Is(err, sender.ErrNoSenderAccount):
		status, code = http.StatusUnprocessableEntity, "configuration_error"
	case errors.Is(err, poller.ErrAccountBusy), errors.Is(err, scheduler.ErrBusy):
		status, code = http.StatusConflict, "busy"
	}
	if status == http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Errorf("%s: %v", message, err)
	}
	respondError(c, status, code, message+": "+err.Error())
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid ID")
		return 0, false
	}
	return uint(id), true
}

func queryUint(c *gin.Context, key string) (uint, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return uint(n), err
}
