package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// SMSProvider sends one templated text message and returns the provider's id.
type SMSProvider interface {
	Send(ctx context.Context, number string, params map[string]string) (string, error)
}

// ProviderError is a rejection reported by an SMS provider.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sms provider error: %s - %s", e.Code, e.Message)
}

// DefaultTerminalSMSCodes are provider codes meaning the number cannot receive messages.
var DefaultTerminalSMSCodes = []string{
	"isv.MOBILE_NUMBER_ILLEGAL",
}

// SMSAdapter delivers a payload as a templated text message.
type SMSAdapter struct {
	provider      SMSProvider
	limiter       *rate.Limiter
	terminalCodes map[string]struct{}
	logger        *logger.Logger
}

// NewSMSAdapter creates an SMS adapter sending at most perSecond messages per
// second. A nil provider means SMS is not configured.
func NewSMSAdapter(provider SMSProvider, perSecond float64, logger *logger.Logger) *SMSAdapter {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}

	codes := make(map[string]struct{}, len(DefaultTerminalSMSCodes))
	for _, code := range DefaultTerminalSMSCodes {
		codes[code] = struct{}{}
	}

	return &SMSAdapter{
		provider:      provider,
		limiter:       rate.NewLimiter(limit, burst),
		terminalCodes: codes,
		logger:        logger.WithComponent("sms"),
	}
}

func (a *SMSAdapter) Channel() subscriptions.ChannelType {
	return subscriptions.ChannelSMS
}

func (a *SMSAdapter) Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result {
	target, ok := endpoint.(subscriptions.SMS)
	if !ok {
		return terminal(CodeInvalidEndpoint)
	}
	if a.provider == nil {
		return transient(CodeNotConfigured)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return transient(CodeRateLimited)
	}

	params := map[string]string{
		"title": payload.Title,
		"body":  payload.Body,
	}

	id, err := a.provider.Send(ctx, target.Key(), params)
	if err != nil {
		a.logger.WithContext(ctx).Debug("sms send failed", slog.String("error", err.Error()))

		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			if _, ok := a.terminalCodes[providerErr.Code]; ok {
				return terminal(CodeInvalidEndpoint)
			}
		}
		if ctx.Err() != nil {
			return transient(CodeTimeout)
		}
		return transient(CodeProviderError)
	}

	return success(id)
}
