package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"renewal-mail-engine/internal/repository"
)

func pagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return page, limit
}

// GetWebhookEvents returns stored provider events with pagination
func (h *Handlers) GetWebhookEvents(c *gin.Context) {
	page, limit := pagination(c)
	filter := repository.WebhookEventFilter{
		Provider: c.Query("provider"),
		Status:   c.Query("status"),
	}
	events, total, err := h.Repo.ListWebhookEvents(filter, (page-1)*limit, limit)
	if err != nil {
		h.fail(c, err, "Failed to fetch webhook events")
		return
	}
	c.JSON(http.StatusOK, PageResponse{Data: events, Total: total, Page: page, Limit: limit})
}

// GetWebhookEvent returns one stored provider event
func (h *Handlers) GetWebhookEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	event, err := h.Repo.GetWebhookEvent(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch webhook event")
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetAutomationLogs returns an automation's execution history, newest first
func (h *Handlers) GetAutomationLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	_, limit := pagination(c)
	if _, err := h.Repo.GetAutomation(id); err != nil {
		h.fail(c, err, "Failed to fetch automation")
		return
	}
	logs, err := h.Repo.ExecutionLogs(id, limit)
	if err != nil {
		h.fail(c, err, "Failed to fetch execution logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}
