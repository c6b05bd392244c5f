package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/sender"
)

// SendMessage composes and sends a new message
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body: "+err.Error())
		return
	}
	res, err := h.Mailer.Send(c.Request.Context(), &sender.Request{
		OwnerID:     req.OwnerID,
		AccountID:   req.AccountID,
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Attachments: toAttachments(req.Attachments),
	})
	h.sendResult(c, res, err)
}

// ReplyMessage answers a stored message
func (h *Handlers) ReplyMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body: "+err.Error())
		return
	}
	res, err := h.Mailer.Reply(c.Request.Context(), sender.ReplyRequest{
		OriginalID:  id,
		AccountID:   req.AccountID,
		ReplyAll:    req.ReplyAll,
		CC:          req.CC,
		BCC:         req.BCC,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Attachments: toAttachments(req.Attachments),
	})
	h.sendResult(c, res, err)
}

// ForwardMessage forwards a stored message with its attachments
func (h *Handlers) ForwardMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ForwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body: "+err.Error())
		return
	}
	res, err := h.Mailer.Forward(c.Request.Context(), sender.ForwardRequest{
		OriginalID: id,
		AccountID:  req.AccountID,
		To:         req.To,
		CC:         req.CC,
		BCC:        req.BCC,
		Message:    req.Message,
	})
	h.sendResult(c, res, err)
}

// sendResult reports a transmission failure as 502 with the stored failed
// message, and resolution errors through fail.
func (h *Handlers) sendResult(c *gin.Context, res *sender.Result, err error) {
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}
	if res != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "send_failed",
			"message": err.Error(),
			"code":    http.StatusBadGateway,
			"result":  res,
		})
		return
	}
	h.fail(c, err, "Failed to send message")
}

// StarMessage sets or clears the star; the body defaults to starring
func (h *Handlers) StarMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req StarRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
	}
	starred := req.Starred == nil || *req.Starred
	h.updateMessage(c, id, map[string]any{"is_starred": starred})
}

// ArchiveMessage marks the message archived and files it in the archive folder
func (h *Handlers) ArchiveMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	msg, err := h.Repo.GetMessage(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch message")
		return
	}
	folder, err := h.Repo.GetOrCreateFolder(msg.OwnerID, model.FolderArchive)
	if err != nil {
		h.fail(c, err, "Failed to resolve archive folder")
		return
	}
	h.updateMessage(c, id, map[string]any{"status": model.StatusArchived, "folder_id": folder.ID})
}

// MoveMessage files the message in one of its owner's folders
func (h *Handlers) MoveMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "folder_id is required")
		return
	}
	msg, err := h.Repo.GetMessage(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch message")
		return
	}
	folder, err := h.Repo.GetFolder(req.FolderID)
	if err != nil {
		h.fail(c, err, "Failed to fetch folder")
		return
	}
	if folder.OwnerID != msg.OwnerID {
		respondError(c, http.StatusNotFound, "not_found", "Folder not found")
		return
	}
	h.updateMessage(c, id, map[string]any{"folder_id": folder.ID})
}

// TrashMessage soft-deletes the message; RestoreMessage brings it back
func (h *Handlers) TrashMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Repo.TrashMessage(id); err != nil {
		h.fail(c, err, "Failed to trash message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message moved to trash", "id": id})
}

func (h *Handlers) RestoreMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Repo.RestoreMessage(id); err != nil {
		h.fail(c, err, "Failed to restore message")
		return
	}
	h.respondMessage(c, id)
}

func (h *Handlers) updateMessage(c *gin.Context, id uint, fields map[string]any) {
	if _, err := h.Repo.GetMessage(id); err != nil {
		h.fail(c, err, "Failed to fetch message")
		return
	}
	if err := h.Repo.UpdateMessage(id, fields); err != nil {
		h.fail(c, err, "Failed to update message")
		return
	}
	h.respondMessage(c, id)
}

func (h *Handlers) respondMessage(c *gin.Context, id uint) {
	msg, err := h.Repo.GetMessage(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch message")
		return
	}
	c.JSON(http.StatusOK, msg)
}
