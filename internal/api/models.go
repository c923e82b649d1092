package api

import (
	"time"

	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// RegisterSubscriptionRequest is the body of POST /api/v1/subscriptions.
type RegisterSubscriptionRequest struct {
	UserID      string                    `json:"userId" binding:"required"`
	DeviceID    string                    `json:"deviceId"`
	ChannelType string                    `json:"channelType" binding:"required"`
	Endpoint    subscriptions.EndpointDoc `json:"endpoint"`
	ExpiresAt   *time.Time                `json:"expiresAt,omitempty"`
}

// UnregisterSubscriptionRequest is the body of DELETE /api/v1/subscriptions.
type UnregisterSubscriptionRequest struct {
	UserID   string                    `json:"userId" binding:"required"`
	Endpoint subscriptions.EndpointDoc `json:"endpoint"`
}

// NotifyRequest is the body of POST /api/v1/notify.
type NotifyRequest struct {
	UserID       string           `json:"userId" binding:"required"`
	Notification NotificationBody `json:"notification"`
	ChannelOrder []string         `json:"channelOrder,omitempty"`
}

// NotificationBody is the wire form of a notification payload.
type NotificationBody struct {
	NotificationID string            `json:"notificationId"`
	Title          string            `json:"title" binding:"required"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	Priority       channels.Priority `json:"priority,omitempty"`
}

// SubscriptionView is a subscription as returned by the debug read.
type SubscriptionView struct {
	ID          string                    `json:"id"`
	DeviceID    string                    `json:"deviceId"`
	ChannelType subscriptions.ChannelType `json:"channelType"`
	Endpoint    string                    `json:"endpoint"`
	Status      subscriptions.Status      `json:"status"`
	CreatedAt   time.Time                 `json:"createdAt"`
	LastUsedAt  *time.Time                `json:"lastUsedAt,omitempty"`
	ExpiresAt   *time.Time                `json:"expiresAt,omitempty"`
}

func newSubscriptionView(sub subscriptions.Subscription) SubscriptionView {
	view := SubscriptionView{
		ID:          sub.ID,
		DeviceID:    sub.DeviceID,
		ChannelType: sub.ChannelType,
		Status:      sub.Status,
		CreatedAt:   sub.CreatedAt,
	}
	if sub.Endpoint != nil {
		view.Endpoint = redact(sub.Endpoint.Key())
	}
	if !sub.LastUsedAt.IsZero() {
		t := sub.LastUsedAt
		view.LastUsedAt = &t
	}
	if !sub.ExpiresAt.IsZero() {
		t := sub.ExpiresAt
		view.ExpiresAt = &t
	}
	return view
}

// redact keeps enough of an endpoint to recognise it in a debug view.
func redact(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "..."
}
