package channels

import (
	"context"
	"time"

	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient-failure"
	OutcomeTerminalFailure  Outcome = "terminal-failure"
)

// Error codes reported alongside a failed outcome.
const (
	CodeTimeout         = "timeout"
	CodeNotConfigured   = "not_configured"
	CodeCircuitOpen     = "circuit_open"
	CodeRateLimited     = "rate_limited"
	CodeInvalidEndpoint = "invalid_endpoint"
	CodeUnregistered    = "unregistered"
	CodeBounced         = "bounced"
	CodeProviderError   = "provider_error"
	CodeCanceled        = "canceled"
)

// DefaultTimeout bounds a single adapter call.
const DefaultTimeout = 10 * time.Second

// Priority of a notification.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Payload is the immutable notification content handed to every adapter.
type Payload struct {
	NotificationID string            `json:"notificationId"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	Priority       Priority          `json:"priority,omitempty"`
}

// High reports whether the payload asks for high-priority delivery.
func (p Payload) High() bool {
	return p.Priority == PriorityHigh
}

// Result is the normalized outcome of a delivery.
type Result struct {
	Outcome   Outcome
	ErrorCode string
	// ProviderID is the provider's message id on success, when it returns one.
	ProviderID string
}

// Succeeded reports whether the delivery was accepted by the provider.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

func success(id string) Result {
	return Result{Outcome: OutcomeSuccess, ProviderID: id}
}

func transient(code string) Result {
	return Result{Outcome: OutcomeTransientFailure, ErrorCode: code}
}

func terminal(code string) Result {
	return Result{Outcome: OutcomeTerminalFailure, ErrorCode: code}
}

// Adapter delivers a payload over one channel type. Deliver never retries and
// never returns an error: every failure is folded into the Result.
type Adapter interface {
	Channel() subscriptions.ChannelType
	Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc struct {
	ChannelType subscriptions.ChannelType
	Fn          func(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result
}

func (a AdapterFunc) Channel() subscriptions.ChannelType { return a.ChannelType }

func (a AdapterFunc) Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result {
	return a.Fn(ctx, endpoint, payload)
}

// NotConfigured returns an adapter for a channel whose provider credentials are
// missing. Every delivery is a transient failure so the breaker keeps the channel open.
func NotConfigured(channel subscriptions.ChannelType) Adapter {
	return AdapterFunc{
		ChannelType: channel,
		Fn: func(context.Context, subscriptions.Endpoint, Payload) Result {
			return transient(CodeNotConfigured)
		},
	}
}
