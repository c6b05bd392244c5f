package handler

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"renewal-mail-engine/internal/scheduler"
)

func (h *Handlers) lookupScheduler(c *gin.Context) (*scheduler.Scheduler, bool) {
	s, ok := h.Schedulers[c.Param("name")]
	if !ok {
		respondError(c, http.StatusNotFound, "not_found", "Unknown scheduler "+c.Param("name"))
		return nil, false
	}
	return s, true
}

// GetSchedulers returns the status of every scheduler
func (h *Handlers) GetSchedulers(c *gin.Context) {
	names := make([]string, 0, len(h.Schedulers))
	for name := range h.Schedulers {
		names = append(names, name)
	}
	sort.Strings(names)
	statuses := make([]scheduler.Status, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, h.Schedulers[name].Status())
	}
	c.JSON(http.StatusOK, statuses)
}

// StartScheduler starts the named scheduler
func (h *Handlers) StartScheduler(c *gin.Context) {
	s, ok := h.lookupScheduler(c)
	if !ok {
		return
	}
	if err := s.Start(); err != nil {
		respondError(c, http.StatusConflict, "scheduler_error", "Failed to start scheduler: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the named scheduler
func (h *Handlers) StopScheduler(c *gin.Context) {
	s, ok := h.lookupScheduler(c)
	if !ok {
		return
	}
	if err := s.Stop(); err != nil {
		respondError(c, http.StatusInternalServerError, "scheduler_error", "Failed to stop scheduler")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce runs the named scheduler's job now and waits for it
func (h *Handlers) RunOnce(c *gin.Context) {
	s, ok := h.lookupScheduler(c)
	if !ok {
		return
	}
	if err := s.RunOnce(c.Request.Context()); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			h.fail(c, err, "Run already in progress")
			return
		}
		respondError(c, http.StatusInternalServerError, "scheduler_error", "Run failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Run completed successfully",
		"status":  s.Status(),
	})
}

// GetSchedulerStatus returns the named scheduler's status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	s, ok := h.lookupScheduler(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Status())
}
