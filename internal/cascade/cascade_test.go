package cascade

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eternisai/notify-relay/internal/breaker"
	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/dedup"
	"github.com/eternisai/notify-relay/internal/dispatch"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
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

type countingAdapter struct {
	channel subscriptions.ChannelType
	outcome channels.Outcome
	calls   atomic.Int32
	last    atomic.Value
}

func (a *countingAdapter) Channel() subscriptions.ChannelType { return a.channel }

func (a *countingAdapter) Deliver(_ context.Context, endpoint subscriptions.Endpoint, _ channels.Payload) channels.Result {
	a.calls.Add(1)
	a.last.Store(endpoint.Key())
	if a.outcome == channels.OutcomeTerminalFailure {
		return channels.Result{Outcome: a.outcome, ErrorCode: channels.CodeUnregistered}
	}
	return channels.Result{Outcome: a.outcome}
}

type staticContacts struct {
	contact Contact
	err     error
}

func (s staticContacts) Lookup(context.Context, string) (Contact, error) {
	return s.contact, s.err
}

type harness struct {
	store *subscriptions.MemoryStore
	push  *countingAdapter
	email *countingAdapter
	sms   *countingAdapter
	dedup *dedup.MemoryStore
	ctrl  *Controller
}

func newHarness(push, email, sms channels.Outcome, contacts ContactDirectory) *harness {
	h := &harness{
		store: subscriptions.NewMemoryStore(),
		push:  &countingAdapter{channel: subscriptions.ChannelBrowserPush, outcome: push},
		email: &countingAdapter{channel: subscriptions.ChannelEmail, outcome: email},
		sms:   &countingAdapter{channel: subscriptions.ChannelSMS, outcome: sms},
		dedup: dedup.NewMemoryStore(),
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, subscriptions.AllChannels, breaker.WithLogger(log))
	d := dispatch.New(h.store, []channels.Adapter{h.push, h.email, h.sms}, breakers, nil, dispatch.DefaultConfig(), log)
	h.ctrl = NewController(d, h.store, Config{Contacts: contacts, Dedup: h.dedup}, log)
	return h
}

func (h *harness) subscribe(t *testing.T, userID, deviceID string, endpoint subscriptions.Endpoint) subscriptions.Subscription {
	t.Helper()
	sub, _, err := h.store.Upsert(context.Background(), subscriptions.Subscription{
		UserID: userID, DeviceID: deviceID, ChannelType: endpoint.Channel(), Endpoint: endpoint,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return sub
}

var (
	webPush = subscriptions.BrowserPush{URL: "https://push.example.com/1", P256dh: "k", Auth: "a"}
	profile = Contact{Email: "player@example.com", Phone: "+15550100200"}
	payload = channels.Payload{NotificationID: "booking_confirmed:b-42", Title: "Booking confirmed", Body: "Court 3, 18:00"}
)

func TestPushSuccessStopsCascade(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeSuccess, channels.OutcomeSuccess, staticContacts{contact: profile})
	h.subscribe(t, "u1", "laptop", webPush)

	res := h.ctrl.Send(context.Background(), "u1", payload, nil)

	if res.FinalChannel != StagePush || !res.Delivered {
		t.Errorf("Expected finalChannel push, got %+v", res)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("Expected 1 stage attempt, got %d", len(res.Attempts))
	}
	if h.email.calls.Load() != 0 || h.sms.calls.Load() != 0 {
		t.Error("Expected no email or sms attempt")
	}
}

func TestPushTerminalFallsBackToEmail(t *testing.T) {
	h := newHarness(channels.OutcomeTerminalFailure, channels.OutcomeSuccess, channels.OutcomeSuccess, staticContacts{contact: profile})
	sub := h.subscribe(t, "u1", "laptop", webPush)

	res := h.ctrl.Send(context.Background(), "u1", payload, nil)

	if res.FinalChannel != StageEmail {
		t.Fatalf("Expected finalChannel email, got %q", res.FinalChannel)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("Expected 2 stage attempts, got %d", len(res.Attempts))
	}
	if res.Attempts[0].ChannelType != StagePush || res.Attempts[0].Outcome != OutcomeTerminalFailure {
		t.Errorf("Expected push terminal-failure, got %+v", res.Attempts[0])
	}
	if res.Attempts[1].ChannelType != StageEmail || res.Attempts[1].Outcome != OutcomeSuccess {
		t.Errorf("Expected email success, got %+v", res.Attempts[1])
	}

	stored, _ := h.store.Get(sub.ID)
	if stored.Status != subscriptions.StatusInactive {
		t.Errorf("Expected push subscription deactivated, got %s", stored.Status)
	}
	if got := h.email.last.Load(); got != profile.Email {
		t.Errorf("Expected profile email target, got %v", got)
	}
	if h.sms.calls.Load() != 0 {
		t.Error("Expected sms not to be attempted")
	}
}

func TestNoPushSubscriptionFallsBack(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeTransientFailure, channels.OutcomeSuccess, staticContacts{contact: profile})

	res := h.ctrl.Send(context.Background(), "u1", payload, nil)

	want := []Outcome{OutcomeNoTarget, OutcomeTransientFailure, OutcomeSuccess}
	if len(res.Attempts) != len(want) {
		t.Fatalf("Expected %d stage attempts, got %+v", len(want), res.Attempts)
	}
	for i, outcome := range want {
		if res.Attempts[i].Outcome != outcome {
			t.Errorf("Stage %d: expected %s, got %s", i, outcome, res.Attempts[i].Outcome)
		}
	}
	if res.FinalChannel != StageSMS {
		t.Errorf("Expected finalChannel sms, got %q", res.FinalChannel)
	}
}

func TestTotalFailureIsAResult(t *testing.T) {
	h := newHarness(channels.OutcomeTransientFailure, channels.OutcomeTransientFailure, channels.OutcomeTransientFailure,
		staticContacts{err: errors.New("profile unavailable")})
	h.subscribe(t, "u1", "laptop", webPush)

	res := h.ctrl.Send(context.Background(), "u1", payload, nil)
	if res.Delivered || res.FinalChannel != "" {
		t.Errorf("Expected overall failure, got %+v", res)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("Expected every stage to be tried, got %d", len(res.Attempts))
	}
	if res.Attempts[1].Outcome != OutcomeNoTarget || res.Attempts[2].Outcome != OutcomeNoTarget {
		t.Errorf("Expected email and sms to have no target, got %+v", res.Attempts)
	}
}

func TestSubscriptionPreferredOverProfile(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeSuccess, channels.OutcomeSuccess, staticContacts{contact: profile})
	h.subscribe(t, "u1", "inbox", subscriptions.Email{Address: "Work@Example.com"})

	res := h.ctrl.Send(context.Background(), "u1", payload, []Stage{StageEmail})
	if res.FinalChannel != StageEmail {
		t.Fatalf("Expected email delivery, got %+v", res)
	}
	if got := h.email.last.Load(); got != "work@example.com" {
		t.Errorf("Expected subscribed address, got %v", got)
	}
}

func TestExpiredSubscriptionFallsBackToProfile(t *testing.T) {
	expiresAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		now  time.Time
		want string
	}{
		"before expiry": {now: expiresAt.Add(-time.Hour), want: "work@example.com"},
		"after expiry":  {now: expiresAt.Add(time.Hour), want: profile.Email},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(channels.OutcomeSuccess, channels.OutcomeSuccess, channels.OutcomeSuccess, staticContacts{contact: profile})
			h.ctrl.now = func() time.Time { return tc.now }
			_, _, err := h.store.Upsert(context.Background(), subscriptions.Subscription{
				UserID: "u1", DeviceID: "inbox", ChannelType: subscriptions.ChannelEmail,
				Endpoint: subscriptions.Email{Address: "work@example.com"}, ExpiresAt: expiresAt,
			})
			if err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}

			res := h.ctrl.Send(context.Background(), "u1", payload, []Stage{StageEmail})
			if res.FinalChannel != StageEmail {
				t.Fatalf("Expected email delivery, got %+v", res)
			}
			if got := h.email.last.Load(); got != tc.want {
				t.Errorf("Expected %s, got %v", tc.want, got)
			}
		})
	}
}

func TestCustomOrder(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeTerminalFailure, channels.OutcomeSuccess, staticContacts{contact: profile})
	h.subscribe(t, "u1", "laptop", webPush)

	res := h.ctrl.Send(context.Background(), "u1", payload, []Stage{StageEmail, StageSMS, StagePush})
	if res.FinalChannel != StageSMS {
		t.Errorf("Expected sms to deliver, got %q", res.FinalChannel)
	}
	if h.push.calls.Load() != 0 {
		t.Error("Expected push not to be attempted after sms succeeded")
	}
}

func TestDuplicateNotificationIsSkipped(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeSuccess, channels.OutcomeSuccess, nil)
	h.subscribe(t, "u1", "laptop", webPush)

	first := h.ctrl.Send(context.Background(), "u1", payload, nil)
	second := h.ctrl.Send(context.Background(), "u1", payload, nil)

	if !first.Delivered || first.Deduplicated {
		t.Errorf("Expected first call to deliver, got %+v", first)
	}
	if !second.Deduplicated || second.Delivered {
		t.Errorf("Expected second call to be deduplicated, got %+v", second)
	}
	if h.push.calls.Load() != 1 {
		t.Errorf("Expected exactly 1 push delivery, got %d", h.push.calls.Load())
	}

	other := payload
	other.NotificationID = "booking_confirmed:b-43"
	if res := h.ctrl.Send(context.Background(), "u1", other, nil); res.Deduplicated {
		t.Error("Expected a different notificationId to be sent")
	}
}

func TestFailedDeliveryReleasesDedupMark(t *testing.T) {
	h := newHarness(channels.OutcomeTransientFailure, channels.OutcomeTransientFailure, channels.OutcomeTransientFailure, nil)
	h.subscribe(t, "u1", "laptop", webPush)

	h.ctrl.Send(context.Background(), "u1", payload, nil)
	res := h.ctrl.Send(context.Background(), "u1", payload, nil)
	if res.Deduplicated {
		t.Error("Expected retry to be allowed after a total failure")
	}
	if h.push.calls.Load() != 2 {
		t.Errorf("Expected 2 push deliveries, got %d", h.push.calls.Load())
	}
}

func TestDedupWindowExpires(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeSuccess, channels.OutcomeSuccess, nil)
	h.subscribe(t, "u1", "laptop", webPush)

	now := time.Now()
	h.dedup.Now = func() time.Time { return now }

	h.ctrl.Send(context.Background(), "u1", payload, nil)
	now = now.Add(dedup.DefaultWindow + time.Second)

	if res := h.ctrl.Send(context.Background(), "u1", payload, nil); res.Deduplicated {
		t.Error("Expected notification to be sent again after the window")
	}
}

type failingDedup struct{}

func (failingDedup) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}
func (failingDedup) Complete(context.Context, string, time.Duration) error { return nil }
func (failingDedup) Release(context.Context, string) error                 { return nil }

func TestDedupErrorsFailOpen(t *testing.T) {
	h := newHarness(channels.OutcomeSuccess, channels.OutcomeSuccess, channels.OutcomeSuccess, nil)
	h.subscribe(t, "u1", "laptop", webPush)
	h.ctrl.dedup = failingDedup{}

	if res := h.ctrl.Send(context.Background(), "u1", payload, nil); !res.Delivered {
		t.Errorf("Expected delivery despite dedup failure, got %+v", res)
	}
}

func TestParseOrder(t *testing.T) {
	tests := map[string]struct {
		input   []string
		want    []Stage
		wantErr bool
	}{
		"empty uses default": {input: nil, want: DefaultOrder},
		"custom":             {input: []string{"email", "push"}, want: []Stage{StageEmail, StagePush}},
		"normalizes":         {input: []string{" SMS "}, want: []Stage{StageSMS}},
		"drops repeats":      {input: []string{"sms", "sms", "email"}, want: []Stage{StageSMS, StageEmail}},
		"unknown":            {input: []string{"pigeon"}, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseOrder(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}
