package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eternisai/notify-relay/internal/logger"
)

// RegisterRequest is a client registration after a permission grant.
type RegisterRequest struct {
	UserID string
	// DeviceID is optional; when empty it is derived from the endpoint.
	DeviceID    string
	ChannelType ChannelType
	Endpoint    Endpoint
	ExpiresAt   time.Time
}

// Registration is the result of a successful register call.
type Registration struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
}

// Service implements subscription registration and removal on top of a Store.
type Service struct {
	store  Store
	logger *logger.Logger
}

// NewService creates a registration service.
func NewService(store Store, logger *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.WithComponent("subscriptions"),
	}
}

// Register validates and upserts a subscription.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Registration{}, &ValidationError{Field: "userId", Reason: "is required"}
	}
	if !req.ChannelType.Valid() {
		return Registration{}, &ValidationError{Field: "channelType", Reason: "is not a supported channel"}
	}
	if req.Endpoint == nil {
		return Registration{}, &ValidationError{Field: "endpoint", Reason: "is required"}
	}
	if req.Endpoint.Channel() != req.ChannelType {
		return Registration{}, &ValidationError{Field: "endpoint", Reason: fmt.Sprintf("does not match channel %s", req.ChannelType)}
	}
	if err := req.Endpoint.Validate(); err != nil {
		return Registration{}, err
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = DeriveDeviceID(req.Endpoint)
	}

	stored, action, err := s.store.Upsert(ctx, Subscription{
		UserID:      req.UserID,
		DeviceID:    deviceID,
		ChannelType: req.ChannelType,
		Endpoint:    req.Endpoint,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return Registration{}, fmt.Errorf("failed to store subscription: %w", err)
	}

	s.logger.WithContext(ctx).Info("subscription registered",
		slog.String("user_id", req.UserID),
		slog.String("subscription_id", stored.ID),
		slog.String("channel", string(req.ChannelType)),
		slog.String("action", string(action)))

	return Registration{ID: stored.ID, Action: action}, nil
}

// Unregister removes the user's subscriptions for endpoint. Succeeds when nothing matched.
func (s *Service) Unregister(ctx context.Context, userID string, endpoint Endpoint) error {
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if endpoint == nil || endpoint.Key() == "" {
		return &ValidationError{Field: "endpoint", Reason: "is required"}
	}

	deleted, err := s.store.DeleteByEndpoint(ctx, userID, endpoint.Key())
	if err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}

	s.logger.WithContext(ctx).Info("subscription unregistered",
		slog.String("user_id", userID),
		slog.Int("deleted", deleted))

	return nil
}

// ListActive exposes the store query for admin and debug reads.
func (s *Service) ListActive(ctx context.Context, userID string) ([]Subscription, error) {
	return s.store.ListActive(ctx, userID)
}
