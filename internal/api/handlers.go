package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/notify-relay/internal/breaker"
	"github.com/eternisai/notify-relay/internal/cascade"
	"github.com/eternisai/notify-relay/internal/channels"
	apierrors "github.com/eternisai/notify-relay/internal/errors"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Notifier is the notification facade used by the handlers.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload channels.Payload, order []cascade.Stage) cascade.Result
	RegisterSubscription(ctx context.Context, req subscriptions.RegisterRequest) (subscriptions.Registration, error)
	UnregisterSubscription(ctx context.Context, userID string, endpoint subscriptions.Endpoint) error
	ListSubscriptions(ctx context.Context, userID string) ([]subscriptions.Subscription, error)
}

// Handler serves the notification HTTP API.
type Handler struct {
	notifier Notifier
	breakers *breaker.Registry
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(notifier Notifier, breakers *breaker.Registry, logger *logger.Logger) *Handler {
	return &Handler{
		notifier: notifier,
		breakers: breakers,
		logger:   logger.WithComponent("api"),
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/subscriptions", h.RegisterSubscription)
		api.DELETE("/subscriptions", h.UnregisterSubscription)
		api.POST("/notify", h.Notify)
		api.GET("/users/:userID/subscriptions", h.ListSubscriptions)
		api.GET("/breakers", h.Breakers)
	}
}

// RegisterSubscription handles POST /api/v1/subscriptions
func (h *Handler) RegisterSubscription(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context())

	var req RegisterSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}

	channel := subscriptions.ChannelType(req.ChannelType)
	endpoint, err := subscriptions.DecodeEndpoint(channel, req.Endpoint)
	if err != nil {
		apierrors.AbortWithBadRequest(c, "unsupported channel type", map[string]interface{}{"channelType": req.ChannelType})
		return
	}

	registerReq := subscriptions.RegisterRequest{
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		ChannelType: channel,
		Endpoint:    endpoint,
	}
	if req.ExpiresAt != nil {
		registerReq.ExpiresAt = *req.ExpiresAt
	}

	ctx := logger.WithUserID(c.Request.Context(), req.UserID)
	registration, err := h.notifier.RegisterSubscription(ctx, registerReq)
	if err != nil {
		var validationErr *subscriptions.ValidationError
		if errors.As(err, &validationErr) {
			apierrors.AbortWithBadRequest(c, "invalid subscription", map[string]interface{}{
				"field":  validationErr.Field,
				"reason": validationErr.Reason,
			})
			return
		}

		log.Error("failed to register subscription",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "failed to register subscription", nil)
		return
	}

	c.JSON(http.StatusOK, registration)
}

// UnregisterSubscription handles DELETE /api/v1/subscriptions
func (h *Handler) UnregisterSubscription(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context())

	var req UnregisterSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}

	endpoint := req.Endpoint.Infer()
	if endpoint == nil {
		apierrors.AbortWithBadRequest(c, "endpoint is required", nil)
		return
	}

	ctx := logger.WithUserID(c.Request.Context(), req.UserID)
	if err := h.notifier.UnregisterSubscription(ctx, req.UserID, endpoint); err != nil {
		log.Error("failed to unregister subscription",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "failed to unregister subscription", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Notify handles POST /api/v1/notify
func (h *Handler) Notify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}

	order, err := cascade.ParseOrder(req.ChannelOrder)
	if err != nil {
		apierrors.AbortWithBadRequest(c, "invalid channel order", map[string]interface{}{"reason": err.Error()})
		return
	}

	switch req.Notification.Priority {
	case "", channels.PriorityNormal, channels.PriorityHigh:
	default:
		apierrors.AbortWithBadRequest(c, "invalid priority", map[string]interface{}{"priority": req.Notification.Priority})
		return
	}

	// An explicit order from the caller wins; otherwise the service default applies.
	if len(req.ChannelOrder) == 0 {
		order = nil
	}

	payload := channels.Payload{
		NotificationID: req.Notification.NotificationID,
		Title:          req.Notification.Title,
		Body:           req.Notification.Body,
		Data:           req.Notification.Data,
		Priority:       req.Notification.Priority,
	}

	// Delivery runs to completion even if the client disconnects; adapter
	// timeouts still bound every call.
	ctx := logger.WithUserID(context.WithoutCancel(c.Request.Context()), req.UserID)
	c.JSON(http.StatusOK, h.notifier.Notify(ctx, req.UserID, payload, order))
}

// ListSubscriptions handles GET /api/v1/users/:userID/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID := c.Param("userID")

	subs, err := h.notifier.ListSubscriptions(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to list subscriptions",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "failed to list subscriptions", nil)
		return
	}

	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, newSubscriptionView(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views})
}

// Breakers handles GET /api/v1/breakers
func (h *Handler) Breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Snapshots()})
}

// Health handles GET /health
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
