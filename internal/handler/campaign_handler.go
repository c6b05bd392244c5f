package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/model"
)

// GetCampaign returns a campaign with its delivery rates
func (h *Handlers) GetCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	campaign, err := h.Repo.GetCampaign(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch campaign")
		return
	}
	c.JSON(http.StatusOK, CampaignResponse{Campaign: campaign, Metrics: campaign.Metrics()})
}

// DispatchCampaign starts sending a draft or scheduled campaign in the
// background and answers 202
func (h *Handlers) DispatchCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	campaign, err := h.Repo.GetCampaign(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch campaign")
		return
	}
	if campaign.Status != model.CampaignDraft && campaign.Status != model.CampaignScheduled {
		respondError(c, http.StatusConflict, "invalid_state", "Campaign is "+campaign.Status)
		return
	}

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		summary, err := h.Campaigns.Dispatch(h.BaseContext, id)
		log := logrus.WithField("campaign_id", id)
		if err != nil {
			log.Errorf("Campaign dispatch failed: %v", err)
			return
		}
		if summary.Skipped {
			log.Infof("Campaign dispatch skipped: %s", summary.Reason)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message":     "Campaign dispatch started",
		"campaign_id": id,
	})
}
