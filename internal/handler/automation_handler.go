package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ExecuteAutomation runs an automation now with the posted JSON object as
// its trigger. A rejected run (inactive, capped, cooling down) is reported
// with skipped set, not as an error.
func (h *Handlers) ExecuteAutomation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	trigger := map[string]any{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&trigger); err != nil {
			respondError(c, http.StatusBadRequest, "validation_error", "Trigger must be a JSON object")
			return
		}
	}
	a, err := h.Repo.GetAutomation(id)
	if err != nil {
		h.fail(c, err, "Failed to fetch automation")
		return
	}
	outcome, err := h.Automations.Execute(c.Request.Context(), a, trigger)
	if err != nil {
		h.fail(c, err, "Failed to execute automation")
		return
	}
	c.JSON(http.StatusOK, outcome)
}
