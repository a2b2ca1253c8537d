package api

import (
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"pour-service-backend/internal/dispenser"
	"pour-service-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	coordinator *dispenser.Coordinator
	store       store.Store
	webpush     *webpush.Options
}

// NewHandler creates a new API handler. webpushOptions may be nil when push is disabled.
func NewHandler(coordinator *dispenser.Coordinator, s store.Store, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		coordinator: coordinator,
		store:       s,
		webpush:     webpushOptions,
	}
}

func (h *Handler) pushEnabled() bool {
	return h.webpush != nil && h.webpush.VAPIDPublicKey != ""
}

func fail(c *gin.Context, status int, reason string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "reason": reason})
}

// Health reports whether the event store is reachable.
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
