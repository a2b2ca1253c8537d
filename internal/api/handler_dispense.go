package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pour-service-backend/internal/dispenser"
	"pour-service-backend/internal/store"
)

type dispenseRequest struct {
	AmountML  *int   `json:"amount_ml"`
	UserToken string `json:"user_token" binding:"max=128"`
}

// Dispense handles POST /api/dispense.
func (h *Handler) Dispense(c *gin.Context) {
	var req dispenseRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			fail(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	// A missing amount is treated as zero and rejected like any other bad volume.
	amount := 0
	if req.AmountML != nil {
		amount = *req.AmountML
	}

	err := h.coordinator.RequestPour(c.Request.Context(), dispenser.PourRequest{
		UserToken: req.UserToken,
		AmountML:  amount,
	})

	var rejection *dispenser.RejectionError
	var deviceErr *dispenser.DeviceError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Dispense started"})
	case errors.As(err, &rejection):
		fail(c, http.StatusBadRequest, rejection.Reason)
	case errors.As(err, &deviceErr):
		fail(c, http.StatusInternalServerError, deviceErr.Reason)
	default:
		log.Printf("Unexpected dispense error: %v", err)
		fail(c, http.StatusInternalServerError, "Internal server error")
	}
}

// GetLogs handles GET /api/logs?limit=N.
func (h *Handler) GetLogs(c *gin.Context) {
	events, err := h.coordinator.GetHistory(c.Request.Context(), queryLimit(c))
	if err != nil {
		log.Printf("Error listing events: %v", err)
		fail(c, http.StatusInternalServerError, "Failed to retrieve logs")
		return
	}
	c.JSON(http.StatusOK, events)
}

// GetLeaderboard handles GET /api/leaderboard?limit=N.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	entries, err := h.store.Leaderboard(c.Request.Context(), queryLimit(c))
	if err != nil {
		log.Printf("Error building leaderboard: %v", err)
		fail(c, http.StatusInternalServerError, "Failed to retrieve leaderboard")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// queryLimit reads ?limit, falling back to the default on absent or unparsable values.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return store.DefaultLimit
	}
	return limit
}
