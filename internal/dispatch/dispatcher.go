package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eternisai/notify-relay/internal/breaker"
	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/eventlog"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Config tunes fan-out.
type Config struct {
	// MaxInFlight bounds concurrent adapter calls within one dispatch.
	MaxInFlight int
	// AdapterTimeout bounds each adapter call.
	AdapterTimeout time.Duration
	// StoreTimeout bounds the touch/markInactive write after each outcome.
	StoreTimeout time.Duration
}

// DefaultConfig returns the stock fan-out limits.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    20,
		AdapterTimeout: channels.DefaultTimeout,
		StoreTimeout:   5 * time.Second,
	}
}

// Attempt is one delivery to one target.
type Attempt struct {
	SubscriptionID string                    `json:"subscriptionId,omitempty"`
	ChannelType    subscriptions.ChannelType `json:"channelType"`
	Outcome        channels.Outcome          `json:"outcome"`
	ErrorCode      string                    `json:"errorCode,omitempty"`
	LatencyMs      int64                     `json:"latencyMs"`
	Timestamp      time.Time                 `json:"timestamp"`

	// invalidated is set when this attempt deactivated its subscription.
	invalidated bool
}

// Result aggregates one dispatch.
type Result struct {
	Attempted int `json:"attempted"`
	// Succeeded is true when at least one target accepted the notification.
	Succeeded bool `json:"succeeded"`
	// Invalidated counts subscriptions deactivated by this dispatch.
	Invalidated int       `json:"invalidated"`
	Attempts    []Attempt `json:"attempts"`
}

// Target is a single delivery destination. SubscriptionID is empty for
// addresses that do not come from the subscription store, e.g. a profile email.
type Target struct {
	SubscriptionID string
	Endpoint       subscriptions.Endpoint
}

// Dispatcher fans a payload out to a user's active subscriptions.
type Dispatcher struct {
	store    subscriptions.Store
	adapters map[subscriptions.ChannelType]channels.Adapter
	breakers *breaker.Registry
	recorder eventlog.Recorder
	cfg      Config
	now      func() time.Time
	logger   *logger.Logger
}

// New creates a dispatcher. Channels without an adapter behave as not configured.
func New(
	store subscriptions.Store,
	adapters []channels.Adapter,
	breakers *breaker.Registry,
	recorder eventlog.Recorder,
	cfg Config,
	logger *logger.Logger,
) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = defaults.AdapterTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaults.StoreTimeout
	}
	if recorder == nil {
		recorder = eventlog.Discard
	}

	byChannel := make(map[subscriptions.ChannelType]channels.Adapter, len(subscriptions.AllChannels))
	for _, ch := range subscriptions.AllChannels {
		byChannel[ch] = channels.Bounded(channels.NotConfigured(ch), cfg.AdapterTimeout)
	}
	for _, adapter := range adapters {
		byChannel[adapter.Channel()] = channels.Bounded(adapter, cfg.AdapterTimeout)
	}

	return &Dispatcher{
		store:    store,
		adapters: byChannel,
		breakers: breakers,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.WithComponent("dispatcher"),
	}
}

// SendToUser delivers payload to every active subscription of the user.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, payload channels.Payload) Result {
	return d.SendToChannels(ctx, userID, payload, nil)
}

// SendToChannels delivers payload to the user's active subscriptions whose
// channel type passes include. A nil include selects every channel.
func (d *Dispatcher) SendToChannels(
	ctx context.Context,
	userID string,
	payload channels.Payload,
	include func(subscriptions.ChannelType) bool,
) Result {
	log := d.logger.WithContext(ctx)

	subs, err := d.store.ListActive(ctx, userID)
	if err != nil {
		log.Error("failed to load subscriptions",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return Result{}
	}

	now := d.now()
	var (
		targets     []Target
		invalidated int
	)
	for _, sub := range subs {
		if !sub.Active() || (include != nil && !include(sub.ChannelType)) {
			continue
		}
		if sub.Expired(now) {
			if d.deactivate(ctx, Target{SubscriptionID: sub.ID, Endpoint: sub.Endpoint}, subscriptions.ReasonExpired) {
				invalidated++
			}
			continue
		}
		targets = append(targets, Target{SubscriptionID: sub.ID, Endpoint: sub.Endpoint})
	}

	result := d.deliver(ctx, userID, payload, targets)
	result.Invalidated += invalidated

	if len(targets) > 0 {
		log.Info("dispatch finished",
			slog.String("user_id", userID),
			slog.Int("attempted", result.Attempted),
			slog.Bool("succeeded", result.Succeeded),
			slog.Int("invalidated", result.Invalidated))
	}

	return result
}

// SendSingle delivers payload to one target over the target's channel.
func (d *Dispatcher) SendSingle(ctx context.Context, userID string, target Target, payload channels.Payload) Result {
	if target.Endpoint == nil {
		return Result{}
	}
	return d.deliver(ctx, userID, payload, []Target{target})
}

// deliver runs all targets concurrently, bounded by MaxInFlight, and applies
// each outcome to the breaker, the store and the event log.
func (d *Dispatcher) deliver(ctx context.Context, userID string, payload channels.Payload, targets []Target) Result {
	attempts := make([]Attempt, len(targets))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxInFlight)
	for i, target := range targets {
		g.Go(func() error {
			attempts[i] = d.attempt(ctx, userID, payload, target)
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Attempted: len(attempts), Attempts: attempts}
	for _, a := range attempts {
		if a.Outcome == channels.OutcomeSuccess {
			result.Succeeded = true
		}
		if a.invalidated {
			result.Invalidated++
		}
	}
	return result
}

func (d *Dispatcher) attempt(ctx context.Context, userID string, payload channels.Payload, target Target) Attempt {
	channel := target.Endpoint.Channel()
	log := d.logger.WithContext(ctx).WithChannel(string(channel))

	started := d.now()
	var res channels.Result

	b := d.breakers.For(channel)
	permit, allowed := breaker.Permit{}, true
	if b != nil {
		permit, allowed = b.Allow()
	}

	if !allowed {
		res = channels.Result{Outcome: channels.OutcomeTransientFailure, ErrorCode: channels.CodeCircuitOpen}
	} else {
		res = d.adapters[channel].Deliver(ctx, target.Endpoint, payload)
		if b != nil {
			switch {
			case res.Outcome == channels.OutcomeSuccess:
				b.RecordSuccess(permit)
			case ctx.Err() != nil || res.ErrorCode == channels.CodeCanceled:
				// The caller gave up; the channel was never judged.
				b.Release(permit)
			case res.Outcome == channels.OutcomeTransientFailure:
				b.RecordFailure(permit)
			default:
				// A dead destination says nothing about the channel itself.
				b.Release(permit)
			}
		}
	}

	attempt := Attempt{
		SubscriptionID: target.SubscriptionID,
		ChannelType:    channel,
		Outcome:        res.Outcome,
		ErrorCode:      res.ErrorCode,
		LatencyMs:      d.now().Sub(started).Milliseconds(),
		Timestamp:      started,
	}

	if target.SubscriptionID != "" {
		switch res.Outcome {
		case channels.OutcomeSuccess:
			d.touch(ctx, target)
		case channels.OutcomeTerminalFailure:
			attempt.invalidated = d.deactivate(ctx, target, res.ErrorCode)
		}
	}

	if res.Outcome != channels.OutcomeSuccess {
		log.Debug("delivery failed",
			slog.String("subscription_id", target.SubscriptionID),
			slog.String("outcome", string(res.Outcome)),
			slog.String("error_code", res.ErrorCode))
	}

	d.recorder.Record(ctx, eventlog.Event{
		UserID:         userID,
		NotificationID: payload.NotificationID,
		SubscriptionID: target.SubscriptionID,
		ChannelType:    channel,
		Outcome:        res.Outcome,
		ErrorCode:      res.ErrorCode,
		LatencyMs:      attempt.LatencyMs,
		Timestamp:      started,
	})

	return attempt
}

// storeContext detaches store writes from the caller's cancellation so an
// outcome is still applied after a client disconnects.
func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
}

// touch and deactivate write only while the subscription still holds the
// endpoint that was attempted; a device that re-registered in the meantime
// keeps its new record untouched.
func (d *Dispatcher) touch(ctx context.Context, target Target) {
	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()

	err := d.store.Touch(storeCtx, target.SubscriptionID, target.Endpoint.Key())
	if err != nil && !errors.Is(err, subscriptions.ErrEndpointChanged) {
		d.logger.WithContext(ctx).Warn("failed to touch subscription",
			slog.String("subscription_id", target.SubscriptionID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) deactivate(ctx context.Context, target Target, reason string) bool {
	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()

	log := d.logger.WithContext(ctx)
	err := d.store.MarkInactive(storeCtx, target.SubscriptionID, target.Endpoint.Key(), reason)
	switch {
	case errors.Is(err, subscriptions.ErrEndpointChanged):
		log.Info("subscription re-registered during delivery, keeping it",
			slog.String("subscription_id", target.SubscriptionID),
			slog.String("reason", reason))
		return false
	case err != nil:
		log.Warn("failed to deactivate subscription",
			slog.String("subscription_id", target.SubscriptionID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return false
	}

	log.Info("subscription deactivated",
		slog.String("subscription_id", target.SubscriptionID),
		slog.String("reason", reason))
	return true
}
