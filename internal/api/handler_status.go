package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pour-service-backend/internal/device"
)

type statusResponse struct {
	ServerOnline bool          `json:"server_online"`
	ESPOnline    bool          `json:"esp_online"`
	ESPStatus    device.Status `json:"esp_status"`
	Timestamp    float64       `json:"timestamp"`
	IsPouring    bool          `json:"is_pouring"`
}

// GetStatus handles GET /api/status. It always answers 200; an unreachable device is
// reported through esp_online.
func (h *Handler) GetStatus(c *gin.Context) {
	snap := h.coordinator.GetStatus(c.Request.Context())
	c.JSON(http.StatusOK, statusResponse{
		ServerOnline: snap.ServerOnline,
		ESPOnline:    snap.ESPOnline,
		ESPStatus:    snap.ESPStatus,
		Timestamp:    float64(snap.Timestamp.UnixNano()) / 1e9,
		IsPouring:    snap.IsPouring,
	})
}
