package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eternisai/notify-relay/internal/cascade"
	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Cascade sends one notification through ordered channel stages.
type Cascade interface {
	Send(ctx context.Context, userID string, payload channels.Payload, order []cascade.Stage) cascade.Result
}

// Registrations manages subscription records.
type Registrations interface {
	Register(ctx context.Context, req subscriptions.RegisterRequest) (subscriptions.Registration, error)
	Unregister(ctx context.Context, userID string, endpoint subscriptions.Endpoint) error
	ListActive(ctx context.Context, userID string) ([]subscriptions.Subscription, error)
}

// Service is the entry point used by booking and tournament code.
type Service struct {
	cascade       Cascade
	registrations Registrations
	order         []cascade.Stage
	logger        *logger.Logger
	enabled       bool
}

// NewService creates the notification facade. order is the default cascade
// order; nil means cascade.DefaultOrder. When enabled is false Notify is a
// no-op that reports nothing delivered.
func NewService(
	sender Cascade,
	registrations Registrations,
	order []cascade.Stage,
	logger *logger.Logger,
	enabled bool,
) *Service {
	return &Service{
		cascade:       sender,
		registrations: registrations,
		order:         order,
		logger:        logger.WithComponent("notifications"),
		enabled:       enabled,
	}
}

// Notify sends payload to userID. order overrides the default cascade order
// when non-empty.
func (s *Service) Notify(ctx context.Context, userID string, payload channels.Payload, order []cascade.Stage) cascade.Result {
	log := s.logger.WithContext(ctx)

	if !s.enabled {
		log.Debug("notifications disabled, skipping",
			slog.String("user_id", userID),
			slog.String("notification_id", payload.NotificationID))
		return cascade.Result{Attempts: []cascade.StageAttempt{}}
	}

	if len(order) == 0 {
		order = s.order
	}
	return s.cascade.Send(ctx, userID, payload, order)
}

// RegisterSubscription creates or refreshes a subscription.
func (s *Service) RegisterSubscription(ctx context.Context, req subscriptions.RegisterRequest) (subscriptions.Registration, error) {
	return s.registrations.Register(ctx, req)
}

// UnregisterSubscription removes a subscription. Unknown endpoints are not an error.
func (s *Service) UnregisterSubscription(ctx context.Context, userID string, endpoint subscriptions.Endpoint) error {
	return s.registrations.Unregister(ctx, userID, endpoint)
}

// ListSubscriptions returns the user's active subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]subscriptions.Subscription, error) {
	return s.registrations.ListActive(ctx, userID)
}

// SendBookingConfirmed notifies a player that a booking went through.
func (s *Service) SendBookingConfirmed(ctx context.Context, userID string, booking Booking) cascade.Result {
	payload := channels.Payload{
		NotificationID: TypeBookingConfirmed.NotificationID(booking.ID),
		Title:          "Booking confirmed",
		Body:           fmt.Sprintf("%s on %s is yours.", booking.Court, booking.StartsAt.Format("Mon Jan 2, 15:04")),
		Data: map[string]string{
			"user_id":    userID,
			"booking_id": booking.ID,
			"type":       string(TypeBookingConfirmed),
		},
		Priority: channels.PriorityNormal,
	}
	return s.Notify(ctx, userID, payload, nil)
}

// SendBookingCancelled notifies a player that a booking was cancelled. It is
// sent at high priority since the slot is no longer held.
func (s *Service) SendBookingCancelled(ctx context.Context, userID string, booking Booking) cascade.Result {
	body := fmt.Sprintf("Your booking for %s on %s was cancelled.", booking.Court, booking.StartsAt.Format("Mon Jan 2, 15:04"))
	if booking.Reason != "" {
		body += " " + booking.Reason
	}

	payload := channels.Payload{
		NotificationID: TypeBookingCancelled.NotificationID(booking.ID),
		Title:          "Booking cancelled",
		Body:           body,
		Data: map[string]string{
			"user_id":    userID,
			"booking_id": booking.ID,
			"type":       string(TypeBookingCancelled),
		},
		Priority: channels.PriorityHigh,
	}
	return s.Notify(ctx, userID, payload, nil)
}

// SendMatchResult notifies a player of a finished tournament match.
func (s *Service) SendMatchResult(ctx context.Context, userID string, match MatchResult) cascade.Result {
	verdict := "lost"
	if match.Won {
		verdict = "won"
	}

	payload := channels.Payload{
		NotificationID: TypeMatchResult.NotificationID(match.MatchID),
		Title:          match.Tournament,
		Body:           fmt.Sprintf("You %s against %s (%s).", verdict, match.Opponent, match.Score),
		Data: map[string]string{
			"user_id":  userID,
			"match_id": match.MatchID,
			"type":     string(TypeMatchResult),
		},
		Priority: channels.PriorityNormal,
	}

	// Match results go out over push only.
	return s.Notify(ctx, userID, payload, []cascade.Stage{cascade.StagePush})
}
