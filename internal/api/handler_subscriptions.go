package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pour-service-backend/internal/model"
	"pour-service-backend/internal/store"
)

type subscriptionBody struct {
	Endpoint  string `json:"endpoint" binding:"required,url"`
	P256DH    string `json:"p256dh" binding:"required"`
	Auth      string `json:"auth" binding:"required"`
	UserToken string `json:"user_token" binding:"required,max=128"`
}

type endpointBody struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// PutSubscription binds a browser push endpoint to a user token, replacing any earlier binding.
func (h *Handler) PutSubscription(c *gin.Context) {
	var body subscriptionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := &model.PushSubscription{
		Endpoint:  body.Endpoint,
		P256DH:    body.P256DH,
		Auth:      body.Auth,
		UserToken: body.UserToken,
	}
	if err := h.store.SaveSubscription(c.Request.Context(), sub); err != nil {
		log.Printf("Error saving subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	c.Status(http.StatusCreated)
}

// DeleteSubscription unbinds an endpoint.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var body endpointBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.DeleteSubscription(c.Request.Context(), body.Endpoint); err != nil {
		log.Printf("Error deleting subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	c.Status(http.StatusNoContent)
}

// rawQueryParam returns the value of key without URL-decoding it. Push endpoints are stored
// exactly as the browser reported them.
func rawQueryParam(rawQuery, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range strings.Split(rawQuery, "&") {
		if v, ok := strings.CutPrefix(kv, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// GetSubscription reports which user token an endpoint is bound to.
func (h *Handler) GetSubscription(c *gin.Context) {
	endpoint, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	sub, err := h.store.FindSubscription(c.Request.Context(), endpoint)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case err != nil:
		log.Printf("Error loading subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
	default:
		c.JSON(http.StatusOK, gin.H{"user_token": sub.UserToken})
	}
}

// GetVAPIDPublicKey hands browsers the application server key they subscribe with.
// Answers 503 while push delivery is disabled.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if !h.pushEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
