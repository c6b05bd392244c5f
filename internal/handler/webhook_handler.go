package handler

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/webhook"
)

const maxWebhookBody = 10 << 20

// 1x1 transparent GIF
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_payload", "Failed to read request body")
		return nil, false
	}
	return body, true
}

// ReceiveEvents accepts a provider delivery-event callback. Valid JSON is
// always answered 200, whatever the per-event outcome.
func (h *Handlers) ReceiveEvents(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	result, err := h.Webhooks.Process(c.Request.Context(), c.Param("provider"), c.Query("event"), body)
	if err != nil {
		h.webhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReceiveIncoming accepts an inbound email pushed by a provider
func (h *Handlers) ReceiveIncoming(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	result, err := h.Webhooks.ProcessIncoming(c.Request.Context(), c.Param("provider"), body)
	if err != nil {
		h.webhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) webhookError(c *gin.Context, err error) {
	if errors.Is(err, webhook.ErrInvalidPayload) {
		respondError(c, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	logrus.WithField("provider", c.Param("provider")).Errorf("Webhook processing failed: %v", err)
	respondError(c, http.StatusInternalServerError, "internal_error", "Failed to process webhook")
}

// TrackOpen records an open and serves the tracking pixel. The pixel is
// served even when the tracking id is unknown.
func (h *Handlers) TrackOpen(c *gin.Context) {
	if id := c.Query("t"); id != "" {
		if _, err := h.Webhooks.Track(c.Request.Context(), webhook.EventOpen, id, c.ClientIP(), c.Request.UserAgent(), ""); err != nil {
			logrus.WithField("tracking_id", id).Errorf("Failed to record open: %v", err)
		}
	}
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate")
	c.Data(http.StatusOK, "image/gif", pixel)
}

// TrackClick records a click and redirects to the target link in "u".
// Links issued with the older "url" parameter still resolve.
func (h *Handlers) TrackClick(c *gin.Context) {
	link := c.Query("u")
	if link == "" {
		link = c.Query("url")
	}
	target, err := url.Parse(link)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid url")
		return
	}
	if id := c.Query("t"); id != "" {
		if _, err := h.Webhooks.Track(c.Request.Context(), webhook.EventClick, id, c.ClientIP(), c.Request.UserAgent(), target.String()); err != nil {
			logrus.WithField("tracking_id", id).Errorf("Failed to record click: %v", err)
		}
	}
	c.Redirect(http.StatusFound, target.String())
}
