package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the Firestore collection holding subscription records.
const DefaultCollection = "notification_subscriptions"

// subscriptionDoc is the Firestore shape of a Subscription.
type subscriptionDoc struct {
	UserID      string      `firestore:"userId"`
	DeviceID    string      `firestore:"deviceId"`
	ChannelType string      `firestore:"channelType"`
	Endpoint    EndpointDoc `firestore:"endpoint"`
	EndpointKey string      `firestore:"endpointKey"`
	Status      string      `firestore:"status"`
	CreatedAt   time.Time   `firestore:"createdAt"`
	LastUsedAt  *time.Time  `firestore:"lastUsedAt"`
	LastErrorAt *time.Time  `firestore:"lastErrorAt"`
	LastError   *string     `firestore:"lastError"`
	ExpiresAt   *time.Time  `firestore:"expiresAt,omitempty"`
}

func toDoc(sub Subscription) subscriptionDoc {
	doc := subscriptionDoc{
		UserID:      sub.UserID,
		DeviceID:    sub.DeviceID,
		ChannelType: string(sub.ChannelType),
		Endpoint:    EncodeEndpoint(sub.Endpoint),
		EndpointKey: sub.Endpoint.Key(),
		Status:      string(sub.Status),
		CreatedAt:   sub.CreatedAt,
		LastUsedAt:  timePtr(sub.LastUsedAt),
		LastErrorAt: timePtr(sub.LastErrorAt),
		ExpiresAt:   timePtr(sub.ExpiresAt),
	}
	if sub.LastError != "" {
		doc.LastError = &sub.LastError
	}
	return doc
}

func fromDoc(id string, doc subscriptionDoc) (Subscription, error) {
	channel := ChannelType(doc.ChannelType)
	endpoint, err := DecodeEndpoint(channel, doc.Endpoint)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription %s: %w", id, err)
	}

	sub := Subscription{
		ID:          id,
		UserID:      doc.UserID,
		DeviceID:    doc.DeviceID,
		ChannelType: channel,
		Endpoint:    endpoint,
		Status:      Status(doc.Status),
		CreatedAt:   doc.CreatedAt,
		LastUsedAt:  timeValue(doc.LastUsedAt),
		LastErrorAt: timeValue(doc.LastErrorAt),
		ExpiresAt:   timeValue(doc.ExpiresAt),
	}
	if doc.LastError != nil {
		sub.LastError = *doc.LastError
	}
	return sub, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// FirestoreStore is a Store backed by a Firestore collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreStore wraps a Firestore client. Returns nil when client is nil.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if client == nil {
		return nil
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

func (f *FirestoreStore) col() *firestore.CollectionRef {
	return f.client.Collection(f.collection)
}

func (f *FirestoreStore) Upsert(ctx context.Context, sub Subscription) (Subscription, Action, error) {
	if f == nil || f.client == nil {
		return Subscription{}, "", status.Error(codes.Internal, "firestore client is nil")
	}
	if sub.UserID == "" || sub.DeviceID == "" || sub.Endpoint == nil {
		return Subscription{}, "", status.Error(codes.InvalidArgument, "userId, deviceId and endpoint must be non-empty")
	}

	sub.ID = SubscriptionID(sub.UserID, sub.DeviceID)
	sub.Status = StatusActive
	sub.LastError = ""
	sub.LastErrorAt = time.Time{}
	docRef := f.col().Doc(sub.ID)

	var action Action
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		stored := sub
		switch {
		case err == nil:
			var existing subscriptionDoc
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("failed to parse existing subscription: %w", err)
			}
			action = ActionUpdated
			stored.CreatedAt = existing.CreatedAt
			if stored.LastUsedAt.IsZero() {
				stored.LastUsedAt = timeValue(existing.LastUsedAt)
			}
		case status.Code(err) == codes.NotFound:
			action = ActionCreated
			stored.CreatedAt = f.now()
		default:
			return err
		}
		sub = stored
		return tx.Set(docRef, toDoc(stored))
	})
	if err != nil {
		return Subscription{}, "", status.Errorf(codes.Internal, "failed to upsert subscription: %v", err)
	}

	return sub, action, nil
}

func (f *FirestoreStore) ListActive(ctx context.Context, userID string) ([]Subscription, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	snapshot, err := f.col().
		Where("userId", "==", userID).
		Where("status", "==", string(StatusActive)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list subscriptions: %v", err)
	}

	subs := make([]Subscription, 0, len(snapshot))
	for _, snap := range snapshot {
		sub, err := decodeSnapshot(snap)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	sortByLastUsed(subs)
	return subs, nil
}

func (f *FirestoreStore) MarkInactive(ctx context.Context, id, endpointKey, reason string) error {
	return f.update(ctx, id, endpointKey, []firestore.Update{
		{Path: "status", Value: string(StatusInactive)},
		{Path: "lastError", Value: reason},
		{Path: "lastErrorAt", Value: f.now()},
	})
}

func (f *FirestoreStore) Touch(ctx context.Context, id, endpointKey string) error {
	return f.update(ctx, id, endpointKey, []firestore.Update{
		{Path: "lastUsedAt", Value: f.now()},
	})
}

// update applies updates only while the document still holds endpointKey.
func (f *FirestoreStore) update(ctx context.Context, id, endpointKey string, updates []firestore.Update) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}

	docRef := f.col().Doc(id)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		stored, err := snap.DataAt("endpointKey")
		if err != nil {
			return ErrEndpointChanged
		}
		if key, _ := stored.(string); key != endpointKey {
			return ErrEndpointChanged
		}
		return tx.Update(docRef, updates)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEndpointChanged):
		return ErrEndpointChanged
	case status.Code(err) == codes.NotFound:
		return ErrNotFound
	default:
		return status.Errorf(codes.Internal, "failed to update subscription: %v", err)
	}
}

func (f *FirestoreStore) FindStaleInactive(ctx context.Context, olderThan time.Time) ([]Subscription, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	snapshot, err := f.col().
		Where("status", "==", string(StatusInactive)).
		Where("lastErrorAt", "<", olderThan).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query stale subscriptions: %v", err)
	}

	subs := make([]Subscription, 0, len(snapshot))
	for _, snap := range snapshot {
		sub, err := decodeSnapshot(snap)
		if err != nil {
			// Still deletable by id even if the endpoint no longer decodes.
			sub = Subscription{ID: snap.Ref.ID, Status: StatusInactive}
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (f *FirestoreStore) DeleteStale(ctx context.Context, ids []string, olderThan time.Time) (int, error) {
	if f == nil || f.client == nil {
		return 0, status.Error(codes.Internal, "firestore client is nil")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, f.col().Doc(id))
	}

	var deleted int
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted = 0
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			var doc subscriptionDoc
			if err := snap.DataTo(&doc); err != nil {
				continue
			}
			current := Subscription{Status: Status(doc.Status), LastErrorAt: timeValue(doc.LastErrorAt)}
			if !Stale(current, olderThan) {
				continue
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, status.Errorf(codes.Internal, "failed to delete subscriptions: %v", err)
	}
	return deleted, nil
}

func (f *FirestoreStore) DeleteByEndpoint(ctx context.Context, userID, endpointKey string) (int, error) {
	if f == nil || f.client == nil {
		return 0, status.Error(codes.Internal, "firestore client is nil")
	}

	snapshot, err := f.col().
		Where("userId", "==", userID).
		Where("endpointKey", "==", endpointKey).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, status.Errorf(codes.Internal, "failed to query subscriptions: %v", err)
	}
	if len(snapshot) == 0 {
		return 0, nil
	}

	batch := f.client.Batch()
	for _, doc := range snapshot {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, status.Errorf(codes.Internal, "failed to delete subscriptions: %v", err)
	}
	return len(snapshot), nil
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (Subscription, error) {
	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return Subscription{}, err
	}
	return fromDoc(snap.Ref.ID, doc)
}
