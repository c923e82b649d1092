package subscriptions

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/notify-relay/internal/logger"
)

var log *logger.Logger

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.Now = clock.Now
	return store, clock
}

var browserEndpoint = BrowserPush{
	URL:    "https://fcm.googleapis.com/fcm/send/abc123",
	P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
	Auth:   "tBHItJI5svbpez7KI4CCXg",
}

func TestDeriveDeviceIDIsDeterministic(t *testing.T) {
	a := DeriveDeviceID(browserEndpoint)
	b := DeriveDeviceID(browserEndpoint)
	if a != b {
		t.Errorf("Expected same device id, got %q and %q", a, b)
	}

	other := browserEndpoint
	other.Auth = "different"
	if DeriveDeviceID(other) == a {
		t.Error("Expected different keys to yield a different device id")
	}

	// Same address across channels must not collide.
	if DeriveDeviceID(Email{Address: "a@b.co"}) == DeriveDeviceID(SMS{Number: "a@b.co"}) {
		t.Error("Expected channel to be part of the device id")
	}
}

func TestEndpointValidation(t *testing.T) {
	tests := map[string]struct {
		endpoint Endpoint
		wantErr  bool
	}{
		"browser ok":      {endpoint: browserEndpoint},
		"browser http":    {endpoint: BrowserPush{URL: "http://push.example.com/x", P256dh: "k", Auth: "a"}, wantErr: true},
		"browser no keys": {endpoint: BrowserPush{URL: "https://push.example.com/x"}, wantErr: true},
		"native ok":       {endpoint: NativePush{Token: "tok", Platform: PlatformIOS}},
		"native platform": {endpoint: NativePush{Token: "tok", Platform: "windows"}, wantErr: true},
		"native no token": {endpoint: NativePush{Platform: PlatformAndroid}, wantErr: true},
		"email ok":        {endpoint: Email{Address: "player@club.example"}},
		"email display":   {endpoint: Email{Address: "Player <player@club.example>"}, wantErr: true},
		"email bad":       {endpoint: Email{Address: "not-an-email"}, wantErr: true},
		"sms ok":          {endpoint: SMS{Number: "+44 7700 900123"}},
		"sms letters":     {endpoint: SMS{Number: "call-me"}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.endpoint.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestEndpointRoundTripThroughDoc(t *testing.T) {
	for _, endpoint := range []Endpoint{
		browserEndpoint,
		NativePush{Token: "tok-a", Platform: PlatformAndroid},
		NativePush{Token: "tok-i", Platform: PlatformIOS},
		Email{Address: "x@y.example"},
		SMS{Number: "+15550100"},
	} {
		decoded, err := DecodeEndpoint(endpoint.Channel(), EncodeEndpoint(endpoint))
		if err != nil {
			t.Fatalf("Failed to decode %T: %v", endpoint, err)
		}
		if decoded != endpoint {
			t.Errorf("Expected %+v, got %+v", endpoint, decoded)
		}
		if inferred := EncodeEndpoint(endpoint).Infer(); inferred.Key() != endpoint.Key() {
			t.Errorf("Expected inferred key %q, got %q", endpoint.Key(), inferred.Key())
		}
	}
}

func TestUpsertKeepsOneRecordPerDevice(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	first, action, err := store.Upsert(ctx, Subscription{
		UserID: "u1", DeviceID: "d1", ChannelType: ChannelBrowserPush, Endpoint: browserEndpoint,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if action != ActionCreated {
		t.Errorf("Expected created, got %s", action)
	}

	if err := store.MarkInactive(ctx, first.ID, first.Endpoint.Key(), "gone"); err != nil {
		t.Fatalf("MarkInactive failed: %v", err)
	}

	clock.Advance(time.Hour)
	replacement := browserEndpoint
	replacement.URL = "https://fcm.googleapis.com/fcm/send/new"
	second, action, err := store.Upsert(ctx, Subscription{
		UserID: "u1", DeviceID: "d1", ChannelType: ChannelBrowserPush, Endpoint: replacement,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if action != ActionUpdated {
		t.Errorf("Expected updated, got %s", action)
	}
	if second.ID != first.ID {
		t.Errorf("Expected id %s to be reused, got %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("Expected createdAt %v to be preserved, got %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Status != StatusActive || second.LastError != "" {
		t.Errorf("Expected reactivated record, got status=%s lastError=%q", second.Status, second.LastError)
	}

	active, _ := store.ListActive(ctx, "u1")
	if len(active) != 1 {
		t.Fatalf("Expected 1 active subscription, got %d", len(active))
	}
	if active[0].Endpoint.Key() != replacement.URL {
		t.Errorf("Expected endpoint to be replaced, got %s", active[0].Endpoint.Key())
	}
}

func TestListActiveNeverRepeatsDevice(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deviceID := []string{"d1", "d2", "d3"}[i%3]
			_, _, _ = store.Upsert(ctx, Subscription{
				UserID: "u1", DeviceID: deviceID, ChannelType: ChannelNativeAndroid,
				Endpoint: NativePush{Token: "tok", Platform: PlatformAndroid},
			})
		}(i)
	}
	wg.Wait()

	active, _ := store.ListActive(ctx, "u1")
	seen := map[string]bool{}
	for _, sub := range active {
		if seen[sub.DeviceID] {
			t.Errorf("Device %s listed twice", sub.DeviceID)
		}
		seen[sub.DeviceID] = true
	}
	if len(active) != 3 {
		t.Errorf("Expected 3 active subscriptions, got %d", len(active))
	}
}

func TestMarkInactiveAndTouch(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	sub, _, _ := store.Upsert(ctx, Subscription{
		UserID: "u1", DeviceID: "d1", ChannelType: ChannelEmail, Endpoint: Email{Address: "a@b.example"},
	})

	clock.Advance(time.Minute)
	if err := store.Touch(ctx, sub.ID, sub.Endpoint.Key()); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	got, _ := store.Get(sub.ID)
	if !got.LastUsedAt.Equal(clock.Now()) {
		t.Errorf("Expected lastUsedAt %v, got %v", clock.Now(), got.LastUsedAt)
	}

	if err := store.MarkInactive(ctx, sub.ID, sub.Endpoint.Key(), "bounced"); err != nil {
		t.Fatalf("MarkInactive failed: %v", err)
	}
	active, _ := store.ListActive(ctx, "u1")
	if len(active) != 0 {
		t.Errorf("Expected inactive subscription to be excluded, got %d", len(active))
	}
	got, _ = store.Get(sub.ID)
	if got.LastError != "bounced" || got.LastErrorAt.IsZero() {
		t.Errorf("Expected lastError to be recorded, got %q at %v", got.LastError, got.LastErrorAt)
	}

	if err := store.Touch(ctx, "missing", "a@b.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestWritesIgnoreReplacedEndpoint(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	old, _, _ := store.Upsert(ctx, Subscription{
		UserID: "u1", DeviceID: "d1", ChannelType: ChannelBrowserPush, Endpoint: browserEndpoint,
	})

	rotated := browserEndpoint
	rotated.URL = "https://fcm.googleapis.com/fcm/send/rotated"
	current, _, _ := store.Upsert(ctx, Subscription{
		UserID: "u1", DeviceID: "d1", ChannelType: ChannelBrowserPush, Endpoint: rotated,
	})
	if current.ID != old.ID {
		t.Fatalf("Expected id %s to be reused, got %s", old.ID, current.ID)
	}

	clock.Advance(time.Minute)
	if err := store.MarkInactive(ctx, old.ID, old.Endpoint.Key(), "gone"); !errors.Is(err, ErrEndpointChanged) {
		t.Errorf("Expected ErrEndpointChanged from MarkInactive, got %v", err)
	}
	if err := store.Touch(ctx, old.ID, old.Endpoint.Key()); !errors.Is(err, ErrEndpointChanged) {
		t.Errorf("Expected ErrEndpointChanged from Touch, got %v", err)
	}

	got, _ := store.Get(current.ID)
	if got.Status != StatusActive || got.LastError != "" {
		t.Errorf("Expected rotated subscription to stay active, got status=%s lastError=%q", got.Status, got.LastError)
	}
	if !got.LastUsedAt.Equal(current.LastUsedAt) {
		t.Errorf("Expected lastUsedAt %v to be untouched, got %v", current.LastUsedAt, got.LastUsedAt)
	}

	if err := store.MarkInactive(ctx, current.ID, rotated.Key(), "gone"); err != nil {
		t.Errorf("Expected MarkInactive on the current endpoint to succeed, got %v", err)
	}
}

func TestDeleteStaleRechecksState(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	stale, _, _ := store.Upsert(ctx, Subscription{UserID: "u1", DeviceID: "a", ChannelType: ChannelSMS, Endpoint: SMS{Number: "+15550101"}})
	_ = store.MarkInactive(ctx, stale.ID, stale.Endpoint.Key(), "disconnected")
	revived, _, _ := store.Upsert(ctx, Subscription{UserID: "u1", DeviceID: "b", ChannelType: ChannelSMS, Endpoint: SMS{Number: "+15550102"}})
	_ = store.MarkInactive(ctx, revived.ID, revived.Endpoint.Key(), "disconnected")

	clock.Advance(10 * 24 * time.Hour)
	cutoff := clock.Now().Add(-5 * 24 * time.Hour)
	found, _ := store.FindStaleInactive(ctx, cutoff)
	if len(found) != 2 {
		t.Fatalf("Expected 2 stale subscriptions, got %d", len(found))
	}

	store.Upsert(ctx, Subscription{UserID: "u1", DeviceID: "b", ChannelType: ChannelSMS, Endpoint: SMS{Number: "+15550103"}})

	deleted, err := store.DeleteStale(ctx, []string{stale.ID, revived.ID, "missing"}, cutoff)
	if err != nil {
		t.Fatalf("DeleteStale failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted, got %d", deleted)
	}
	if _, ok := store.Get(stale.ID); ok {
		t.Error("Expected stale subscription to be deleted")
	}
	if got, ok := store.Get(revived.ID); !ok || got.Status != StatusActive {
		t.Errorf("Expected re-registered subscription to survive, got %+v (present=%v)", got, ok)
	}
}

func TestFindStaleInactive(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	old, _, _ := store.Upsert(ctx, Subscription{UserID: "u1", DeviceID: "old", ChannelType: ChannelSMS, Endpoint: SMS{Number: "+15550101"}})
	_ = store.MarkInactive(ctx, old.ID, old.Endpoint.Key(), "disconnected")

	clock.Advance(10 * 24 * time.Hour)
	recent, _, _ := store.Upsert(ctx, Subscription{UserID: "u1", DeviceID: "recent", ChannelType: ChannelSMS, Endpoint: SMS{Number: "+15550102"}})
	_ = store.MarkInactive(ctx, recent.ID, recent.Endpoint.Key(), "disconnected")

	store.Upsert(ctx, Subscription{UserID: "u1", DeviceID: "live", ChannelType: ChannelSMS, Endpoint: SMS{Number: "+15550103"}})

	stale, _ := store.FindStaleInactive(ctx, clock.Now().Add(-5*24*time.Hour))
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("Expected only %s to be stale, got %+v", old.ID, stale)
	}
}

func TestServiceRegister(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	svc := NewService(store, log)

	reg, err := svc.Register(ctx, RegisterRequest{
		UserID:      "u1",
		ChannelType: ChannelBrowserPush,
		Endpoint:    browserEndpoint,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if reg.Action != ActionCreated {
		t.Errorf("Expected created, got %s", reg.Action)
	}
	if reg.ID != SubscriptionID("u1", DeriveDeviceID(browserEndpoint)) {
		t.Errorf("Expected id derived from endpoint, got %s", reg.ID)
	}

	again, err := svc.Register(ctx, RegisterRequest{UserID: "u1", ChannelType: ChannelBrowserPush, Endpoint: browserEndpoint})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if again.ID != reg.ID || again.Action != ActionUpdated {
		t.Errorf("Expected update of %s, got %+v", reg.ID, again)
	}

	t.Run("rejects channel mismatch", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{UserID: "u1", ChannelType: ChannelEmail, Endpoint: browserEndpoint})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})

	t.Run("rejects unknown channel", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{UserID: "u1", ChannelType: "pager", Endpoint: browserEndpoint})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})
}

func TestServiceUnregisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	svc := NewService(store, log)

	if _, err := svc.Register(ctx, RegisterRequest{UserID: "u1", DeviceID: "phone", ChannelType: ChannelNativeIOS,
		Endpoint: NativePush{Token: "apns-token", Platform: PlatformIOS}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.Unregister(ctx, "u1", NativePush{Token: "apns-token"}); err != nil {
			t.Fatalf("Unregister #%d failed: %v", i+1, err)
		}
	}

	active, _ := store.ListActive(ctx, "u1")
	if len(active) != 0 {
		t.Errorf("Expected no subscriptions, got %d", len(active))
	}
}
