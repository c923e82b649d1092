package notifications

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/eternisai/notify-relay/internal/cascade"
	"github.com/eternisai/notify-relay/internal/channels"
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

type recordingCascade struct {
	calls   int
	userID  string
	payload channels.Payload
	order   []cascade.Stage
}

func (r *recordingCascade) Send(_ context.Context, userID string, payload channels.Payload, order []cascade.Stage) cascade.Result {
	r.calls++
	r.userID = userID
	r.payload = payload
	r.order = order
	return cascade.Result{FinalChannel: cascade.StagePush, Delivered: true}
}

func newTestService(enabled bool, order []cascade.Stage) (*Service, *recordingCascade) {
	rec := &recordingCascade{}
	regs := subscriptions.NewService(subscriptions.NewMemoryStore(), log)
	return NewService(rec, regs, order, log, enabled), rec
}

func TestNotifyDisabled(t *testing.T) {
	svc, rec := newTestService(false, nil)

	res := svc.Notify(context.Background(), "u1", channels.Payload{NotificationID: "n1"}, nil)
	if rec.calls != 0 {
		t.Errorf("Expected no cascade when disabled, got %d calls", rec.calls)
	}
	if res.Delivered {
		t.Error("Expected nothing delivered")
	}
}

func TestNotifyOrder(t *testing.T) {
	defaultOrder := []cascade.Stage{cascade.StageEmail, cascade.StagePush}
	svc, rec := newTestService(true, defaultOrder)

	svc.Notify(context.Background(), "u1", channels.Payload{NotificationID: "n1"}, nil)
	if len(rec.order) != 2 || rec.order[0] != cascade.StageEmail {
		t.Errorf("Expected configured default order, got %v", rec.order)
	}

	svc.Notify(context.Background(), "u1", channels.Payload{NotificationID: "n2"}, []cascade.Stage{cascade.StageSMS})
	if len(rec.order) != 1 || rec.order[0] != cascade.StageSMS {
		t.Errorf("Expected caller order, got %v", rec.order)
	}
}

func TestDomainHelpers(t *testing.T) {
	startsAt := time.Date(2024, 7, 6, 18, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		send     func(s *Service) cascade.Result
		wantID   string
		wantPrio channels.Priority
		wantBody string
		wantPush bool
	}{
		"booking confirmed": {
			send: func(s *Service) cascade.Result {
				return s.SendBookingConfirmed(context.Background(), "u1", Booking{ID: "b-1", Court: "Court 3", StartsAt: startsAt})
			},
			wantID:   "booking_confirmed:b-1",
			wantPrio: channels.PriorityNormal,
			wantBody: "Court 3 on Sat Jul 6, 18:00",
		},
		"booking cancelled": {
			send: func(s *Service) cascade.Result {
				return s.SendBookingCancelled(context.Background(), "u1", Booking{ID: "b-2", Court: "Court 1", StartsAt: startsAt, Reason: "Rain."})
			},
			wantID:   "booking_cancelled:b-2",
			wantPrio: channels.PriorityHigh,
			wantBody: "was cancelled. Rain.",
		},
		"match result": {
			send: func(s *Service) cascade.Result {
				return s.SendMatchResult(context.Background(), "u1", MatchResult{MatchID: "m-9", Tournament: "Summer Open", Opponent: "Team B", Score: "6-4 6-3", Won: true})
			},
			wantID:   "match_result:m-9",
			wantPrio: channels.PriorityNormal,
			wantBody: "You won against Team B",
			wantPush: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			svc, rec := newTestService(true, nil)

			res := tt.send(svc)
			if !res.Delivered {
				t.Error("Expected cascade result to be returned")
			}
			if rec.payload.NotificationID != tt.wantID {
				t.Errorf("Expected notificationId %s, got %s", tt.wantID, rec.payload.NotificationID)
			}
			if rec.payload.Priority != tt.wantPrio {
				t.Errorf("Expected priority %s, got %s", tt.wantPrio, rec.payload.Priority)
			}
			if !strings.Contains(rec.payload.Body, tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.wantBody, rec.payload.Body)
			}
			if rec.payload.Data["user_id"] != "u1" {
				t.Errorf("Expected user_id in data, got %v", rec.payload.Data)
			}
			if tt.wantPush && (len(rec.order) != 1 || rec.order[0] != cascade.StagePush) {
				t.Errorf("Expected push-only order, got %v", rec.order)
			}
		})
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	svc, _ := newTestService(true, nil)
	ctx := context.Background()
	endpoint := subscriptions.BrowserPush{URL: "https://push.example.com/abc", P256dh: "k", Auth: "a"}

	reg, err := svc.RegisterSubscription(ctx, subscriptions.RegisterRequest{
		UserID:      "u1",
		ChannelType: subscriptions.ChannelBrowserPush,
		Endpoint:    endpoint,
	})
	if err != nil {
		t.Fatalf("RegisterSubscription failed: %v", err)
	}
	if reg.Action != subscriptions.ActionCreated {
		t.Errorf("Expected created, got %s", reg.Action)
	}

	subs, _ := svc.ListSubscriptions(ctx, "u1")
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}

	if err := svc.UnregisterSubscription(ctx, "u1", endpoint); err != nil {
		t.Fatalf("UnregisterSubscription failed: %v", err)
	}
	if err := svc.UnregisterSubscription(ctx, "u1", endpoint); err != nil {
		t.Errorf("Expected repeated unregister to succeed, got %v", err)
	}
	subs, _ = svc.ListSubscriptions(ctx, "u1")
	if len(subs) != 0 {
		t.Errorf("Expected no subscriptions, got %d", len(subs))
	}
}

func TestContactFromData(t *testing.T) {
	tests := map[string]struct {
		data      map[string]interface{}
		wantEmail string
		wantPhone string
	}{
		"empty": {
			data: map[string]interface{}{},
		},
		"email and phone": {
			data:      map[string]interface{}{"email": " player@example.com ", "phoneNumber": "+8613800000000"},
			wantEmail: "player@example.com",
			wantPhone: "+8613800000000",
		},
		"legacy phone field": {
			data:      map[string]interface{}{"phone": "+15550100200"},
			wantPhone: "+15550100200",
		},
		"preferences opt out": {
			data: map[string]interface{}{
				"email":                   "player@example.com",
				"phoneNumber":             "+8613800000000",
				"notificationPreferences": map[string]interface{}{"email": false, "sms": true},
			},
			wantPhone: "+8613800000000",
		},
		"wrong types ignored": {
			data: map[string]interface{}{"email": 42, "phoneNumber": true},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := contactFromData(tt.data)
			if got.Email != tt.wantEmail {
				t.Errorf("Expected email %q, got %q", tt.wantEmail, got.Email)
			}
			if got.Phone != tt.wantPhone {
				t.Errorf("Expected phone %q, got %q", tt.wantPhone, got.Phone)
			}
		})
	}
}

func TestFirestoreContactsNilClient(t *testing.T) {
	contacts := NewFirestoreContacts(nil, "", log)
	if _, err := contacts.Lookup(context.Background(), "u1"); err == nil {
		t.Error("Expected error for nil firestore client")
	}
}
