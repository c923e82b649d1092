package subscriptions

import (
	"time"
)

// ChannelType identifies a delivery transport.
type ChannelType string

const (
	ChannelBrowserPush   ChannelType = "browser-push"
	ChannelNativeAndroid ChannelType = "native-push-android"
	ChannelNativeIOS     ChannelType = "native-push-ios"
	ChannelEmail         ChannelType = "email"
	ChannelSMS           ChannelType = "sms"
)

// AllChannels lists every supported channel type in a stable order.
var AllChannels = []ChannelType{
	ChannelBrowserPush,
	ChannelNativeAndroid,
	ChannelNativeIOS,
	ChannelEmail,
	ChannelSMS,
}

// Valid reports whether c is a known channel type.
func (c ChannelType) Valid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// IsPush reports whether c is one of the push transports (browser or native).
func (c ChannelType) IsPush() bool {
	return c == ChannelBrowserPush || c == ChannelNativeAndroid || c == ChannelNativeIOS
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Action reports what an upsert did.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Reasons recorded in LastError by this package's callers.
const (
	ReasonExpired = "expired"
)

// Subscription is one registered (user, device, endpoint) tuple.
type Subscription struct {
	ID          string
	UserID      string
	DeviceID    string
	ChannelType ChannelType
	Endpoint    Endpoint
	Status      Status
	CreatedAt   time.Time
	LastUsedAt  time.Time
	LastErrorAt time.Time
	LastError   string
	// ExpiresAt is an optional TTL hint from the provider; zero means none.
	ExpiresAt time.Time
}

// Active reports whether the subscription may be selected for delivery.
func (s Subscription) Active() bool {
	return s.Status == StatusActive
}

// Expired reports whether the TTL hint has passed at now.
func (s Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
