package notifications

import (
	"time"
)

// NotificationType identifies the domain event behind a notification. It
// prefixes the notificationId so repeats of the same event deduplicate.
type NotificationType string

const (
	TypeBookingConfirmed NotificationType = "booking_confirmed"
	TypeBookingCancelled NotificationType = "booking_cancelled"
	TypeMatchResult      NotificationType = "match_result"
)

// NotificationID builds the deterministic id for one event.
func (t NotificationType) NotificationID(subjectID string) string {
	return string(t) + ":" + subjectID
}

// Booking is the booking data needed to render a notification.
type Booking struct {
	ID       string
	Court    string
	StartsAt time.Time
	Reason   string
}

// MatchResult is the match data needed to render a notification.
type MatchResult struct {
	MatchID    string
	Tournament string
	Opponent   string
	Score      string
	Won        bool
}
