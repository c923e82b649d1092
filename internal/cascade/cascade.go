// Package cascade escalates a notification across channel stages until one
// of them delivers.
package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/dedup"
	"github.com/eternisai/notify-relay/internal/dispatch"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/metrics"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Stage is one step of the cascade. Push covers browser and native push as a
// single unit.
type Stage string

const (
	StagePush  Stage = "push"
	StageEmail Stage = "email"
	StageSMS   Stage = "sms"
)

// DefaultOrder is push first, then email, then SMS.
var DefaultOrder = []Stage{StagePush, StageEmail, StageSMS}

// ParseOrder validates a caller supplied order. Repeated stages are dropped.
// An empty input yields DefaultOrder.
func ParseOrder(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return DefaultOrder, nil
	}

	seen := make(map[Stage]bool, len(names))
	order := make([]Stage, 0, len(names))
	for _, name := range names {
		stage := Stage(strings.ToLower(strings.TrimSpace(name)))
		switch stage {
		case StagePush, StageEmail, StageSMS:
		default:
			return nil, fmt.Errorf("unknown channel stage %q", name)
		}
		if !seen[stage] {
			seen[stage] = true
			order = append(order, stage)
		}
	}
	return order, nil
}

// Outcome of one stage.
type Outcome string

const (
	OutcomeSuccess          Outcome = Outcome(channels.OutcomeSuccess)
	OutcomeTransientFailure Outcome = Outcome(channels.OutcomeTransientFailure)
	OutcomeTerminalFailure  Outcome = Outcome(channels.OutcomeTerminalFailure)
	// OutcomeNoTarget means the stage had nothing to send to.
	OutcomeNoTarget Outcome = "no-target"
)

// StageAttempt reports one stage of the cascade.
type StageAttempt struct {
	ChannelType Stage   `json:"channelType"`
	Outcome     Outcome `json:"outcome"`
	// Deliveries holds the per-target attempts made by the stage.
	Deliveries []dispatch.Attempt `json:"deliveries,omitempty"`
}

// Result of a cascade. A total failure is a normal value with an empty
// FinalChannel.
type Result struct {
	FinalChannel Stage          `json:"finalChannel,omitempty"`
	Delivered    bool           `json:"delivered"`
	Deduplicated bool           `json:"deduplicated"`
	Attempts     []StageAttempt `json:"attempts"`
}

// Contact holds the profile addresses used when a user has no email or SMS
// subscription.
type Contact struct {
	Email string
	Phone string
}

// ContactDirectory resolves a user's profile contact details.
type ContactDirectory interface {
	Lookup(ctx context.Context, userID string) (Contact, error)
}

// Dispatcher is the subset of dispatch.Dispatcher the cascade drives.
type Dispatcher interface {
	SendToChannels(ctx context.Context, userID string, payload channels.Payload, include func(subscriptions.ChannelType) bool) dispatch.Result
	SendSingle(ctx context.Context, userID string, target dispatch.Target, payload channels.Payload) dispatch.Result
}

// Controller runs cascades.
type Controller struct {
	dispatcher Dispatcher
	store      subscriptions.Store
	contacts   ContactDirectory
	dedup      dedup.Store
	window     time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *logger.Logger
}

// Config wires optional collaborators. A nil Dedup disables duplicate
// suppression; a nil Contacts leaves email and SMS to subscriptions only.
type Config struct {
	Contacts    ContactDirectory
	Dedup       dedup.Store
	DedupWindow time.Duration
	Metrics     *metrics.Metrics
	// Now is the clock used for subscription expiry. Defaults to time.Now.
	Now func() time.Time
}

// NewController creates a cascade controller.
func NewController(dispatcher Dispatcher, store subscriptions.Store, cfg Config, logger *logger.Logger) *Controller {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = dedup.DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		dispatcher: dispatcher,
		store:      store,
		contacts:   cfg.Contacts,
		dedup:      cfg.Dedup,
		window:     cfg.DedupWindow,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		logger:     logger.WithComponent("cascade"),
	}
}

// Send delivers payload through order, stopping at the first stage that
// succeeds. A nil order uses DefaultOrder.
func (c *Controller) Send(ctx context.Context, userID string, payload channels.Payload, order []Stage) Result {
	if len(order) == 0 {
		order = DefaultOrder
	}
	if payload.NotificationID != "" {
		ctx = logger.WithNotificationID(ctx, payload.NotificationID)
	}
	log := c.logger.WithContext(ctx)

	key, claimed := c.claim(ctx, userID, payload.NotificationID)
	if key != "" && !claimed {
		log.Info("duplicate notification skipped", slog.String("user_id", userID))
		return Result{Deduplicated: true, Attempts: []StageAttempt{}}
	}

	result := Result{Attempts: make([]StageAttempt, 0, len(order))}
	for _, stage := range order {
		attempt := c.runStage(ctx, userID, stage, payload)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Outcome == OutcomeSuccess {
			result.FinalChannel = stage
			result.Delivered = true
			break
		}
		log.Debug("cascade stage did not deliver",
			slog.String("stage", string(stage)),
			slog.String("outcome", string(attempt.Outcome)))
	}

	if claimed {
		c.settle(ctx, key, result.Delivered)
	}
	c.metrics.ObserveCascade(string(result.FinalChannel))

	if !result.Delivered {
		log.Warn("notification not delivered on any channel",
			slog.String("user_id", userID),
			slog.Int("stages", len(result.Attempts)))
	}
	return result
}

// claim reserves the dedup key. It returns an empty key when dedup does not
// apply. Store errors fail open.
func (c *Controller) claim(ctx context.Context, userID, notificationID string) (string, bool) {
	if c.dedup == nil || notificationID == "" {
		return "", false
	}

	key := dedup.Key(userID, notificationID)
	ok, err := c.dedup.Claim(ctx, key, c.window)
	if err != nil {
		c.logger.WithContext(ctx).Warn("dedup claim failed, sending anyway",
			slog.String("error", err.Error()))
		return "", false
	}
	return key, ok
}

// settle keeps the mark after a delivery and drops it otherwise so a
// re-dispatch can retry.
func (c *Controller) settle(ctx context.Context, key string, delivered bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if delivered {
		err = c.dedup.Complete(ctx, key, c.window)
	} else {
		err = c.dedup.Release(ctx, key)
	}
	if err != nil {
		c.logger.WithContext(ctx).Warn("failed to settle dedup mark",
			slog.Bool("delivered", delivered),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) runStage(ctx context.Context, userID string, stage Stage, payload channels.Payload) StageAttempt {
	var res dispatch.Result
	switch stage {
	case StagePush:
		res = c.dispatcher.SendToChannels(ctx, userID, payload, subscriptions.ChannelType.IsPush)
	case StageEmail:
		res = c.sendSingle(ctx, userID, subscriptions.ChannelEmail, payload)
	case StageSMS:
		res = c.sendSingle(ctx, userID, subscriptions.ChannelSMS, payload)
	}
	return StageAttempt{ChannelType: stage, Outcome: stageOutcome(res), Deliveries: res.Attempts}
}

func (c *Controller) sendSingle(ctx context.Context, userID string, channel subscriptions.ChannelType, payload channels.Payload) dispatch.Result {
	target, ok := c.resolveTarget(ctx, userID, channel)
	if !ok {
		return dispatch.Result{}
	}
	return c.dispatcher.SendSingle(ctx, userID, target, payload)
}

// resolveTarget picks the most recently used active subscription of the
// channel, falling back to the user's profile contact.
func (c *Controller) resolveTarget(ctx context.Context, userID string, channel subscriptions.ChannelType) (dispatch.Target, bool) {
	log := c.logger.WithContext(ctx).WithChannel(string(channel))

	subs, err := c.store.ListActive(ctx, userID)
	if err != nil {
		log.Warn("failed to load subscriptions for single target",
			slog.String("error", err.Error()))
	}
	now := c.now()
	for _, sub := range subs {
		if sub.ChannelType == channel && sub.Active() && !sub.Expired(now) {
			return dispatch.Target{SubscriptionID: sub.ID, Endpoint: sub.Endpoint}, true
		}
	}

	if c.contacts == nil {
		return dispatch.Target{}, false
	}
	contact, err := c.contacts.Lookup(ctx, userID)
	if err != nil {
		log.Warn("contact lookup failed", slog.String("error", err.Error()))
		return dispatch.Target{}, false
	}

	var endpoint subscriptions.Endpoint
	switch channel {
	case subscriptions.ChannelEmail:
		if contact.Email != "" {
			endpoint = subscriptions.Email{Address: contact.Email}
		}
	case subscriptions.ChannelSMS:
		if contact.Phone != "" {
			endpoint = subscriptions.SMS{Number: contact.Phone}
		}
	}
	if endpoint == nil {
		return dispatch.Target{}, false
	}
	if err := endpoint.Validate(); err != nil {
		log.Debug("profile contact is not deliverable", slog.String("error", err.Error()))
		return dispatch.Target{}, false
	}
	return dispatch.Target{Endpoint: endpoint}, true
}

// stageOutcome folds a dispatch into one stage outcome. A stage is terminal
// only when every target failed terminally.
func stageOutcome(res dispatch.Result) Outcome {
	if res.Attempted == 0 {
		return OutcomeNoTarget
	}
	if res.Succeeded {
		return OutcomeSuccess
	}
	for _, a := range res.Attempts {
		if a.Outcome != channels.OutcomeTerminalFailure {
			return OutcomeTransientFailure
		}
	}
	return OutcomeTerminalFailure
}
