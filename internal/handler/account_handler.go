package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TestAccount logs in over IMAP and authenticates the outbound transport
func (h *Handlers) TestAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.Poller.TestConnection(c.Request.Context(), id, h.Mailer)
	if err != nil {
		h.fail(c, err, "Failed to test account")
		return
	}
	c.JSON(http.StatusOK, result)
}

// SyncAccount polls one account now
func (h *Handlers) SyncAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.Poller.SyncAccount(c.Request.Context(), id)
	if err != nil {
		if result != nil {
			// connection failures are recorded on the account
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "sync_failed",
				"message": err.Error(),
				"code":    http.StatusBadGateway,
				"result":  result,
			})
			return
		}
		h.fail(c, err, "Failed to sync account")
		return
	}
	c.JSON(http.StatusOK, result)
}
