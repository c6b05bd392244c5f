package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"renewal-mail-engine/internal/classifier"
	"renewal-mail-engine/internal/model"
)

// GetRules returns the owner's filter rules in evaluation order
func (h *Handlers) GetRules(c *gin.Context) {
	ownerID, err := queryUint(c, "owner_id")
	if err != nil || ownerID == 0 {
		respondError(c, http.StatusBadRequest, "validation_error", "owner_id is required")
		return
	}
	rules, err := h.Repo.ListFilterRules(ownerID)
	if err != nil {
		h.fail(c, err, "Failed to fetch rules")
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule creates a filter rule; rules are active unless is_active is
// false
func (h *Handlers) CreateRule(c *gin.Context) {
	var req FilterRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	rule := model.FilterRule{IsActive: true}
	req.apply(&rule)
	if err := classifier.ValidateRule(&rule); err != nil {
		h.fail(c, err, "Invalid rule")
		return
	}
	if err := h.Repo.CreateFilterRule(&rule); err != nil {
		h.fail(c, err, "Failed to create rule")
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule returns a specific filter rule
func (h *Handlers) GetRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rule, err := h.Repo.GetFilterRule(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule replaces a filter rule's definition
func (h *Handlers) UpdateRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req FilterRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	rule, err := h.Repo.GetFilterRule(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch rule")
		return
	}
	if rule.OwnerID != req.OwnerID {
		respondError(c, http.StatusNotFound, "not_found", "Rule not found")
		return
	}
	req.apply(rule)
	if err := classifier.ValidateRule(rule); err != nil {
		h.fail(c, err, "Invalid rule")
		return
	}
	if err := h.Repo.SaveFilterRule(rule); err != nil {
		h.fail(c, err, "Failed to update rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule soft-deletes a filter rule
func (h *Handlers) DeleteRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Repo.DeleteFilterRule(id); err != nil {
		h.fail(c, err, "Failed to delete rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted successfully"})
}

// EnableRule enables a filter rule
func (h *Handlers) EnableRule(c *gin.Context) {
	h.setRuleActive(c, true)
}

// DisableRule disables a filter rule
func (h *Handlers) DisableRule(c *gin.Context) {
	h.setRuleActive(c, false)
}

func (h *Handlers) setRuleActive(c *gin.Context, active bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Repo.SetFilterRuleActive(id, active); err != nil {
		h.fail(c, err, "Failed to update rule")
		return
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule " + state + " successfully", "is_active": active})
}
