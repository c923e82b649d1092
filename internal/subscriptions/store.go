package subscriptions

import (
	"context"
	"slices"
	"time"
)

// Store persists subscription records. Implementations must be safe for
// concurrent use; records are keyed by id and no operation spans users.
type Store interface {
	// Upsert writes sub keyed on (UserID, DeviceID). An existing record is
	// replaced in place with its CreatedAt preserved and status set to active.
	Upsert(ctx context.Context, sub Subscription) (Subscription, Action, error)
	// ListActive returns the user's active subscriptions, most recently used first.
	ListActive(ctx context.Context, userID string) ([]Subscription, error)
	// MarkInactive deactivates a subscription and records the error. It returns
	// ErrEndpointChanged when the stored endpoint key is no longer endpointKey.
	MarkInactive(ctx context.Context, id, endpointKey, reason string) error
	// Touch records a successful delivery to endpointKey. Same guard as MarkInactive.
	Touch(ctx context.Context, id, endpointKey string) error
	// FindStaleInactive returns inactive subscriptions whose last error is before olderThan.
	FindStaleInactive(ctx context.Context, olderThan time.Time) ([]Subscription, error)
	// DeleteStale hard-deletes those of ids that are still inactive with a last
	// error before olderThan, and returns how many were deleted. Missing ids
	// and records reactivated since they were found are left alone.
	DeleteStale(ctx context.Context, ids []string, olderThan time.Time) (int, error)
	// DeleteByEndpoint removes the user's subscriptions whose endpoint key matches.
	DeleteByEndpoint(ctx context.Context, userID, endpointKey string) (int, error)
}

// Stale reports whether sub is inactive with its last error before olderThan.
func Stale(sub Subscription, olderThan time.Time) bool {
	return sub.Status == StatusInactive && !sub.LastErrorAt.IsZero() && sub.LastErrorAt.Before(olderThan)
}

func sortByLastUsed(subs []Subscription) {
	slices.SortStableFunc(subs, func(a, b Subscription) int {
		return b.LastUsedAt.Compare(a.LastUsedAt)
	})
}
