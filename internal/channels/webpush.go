package channels

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// WebPushSender sends one encrypted Web Push message.
type WebPushSender interface {
	Send(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

// WebPushSenderFunc adapts a function to WebPushSender.
type WebPushSenderFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

func (f WebPushSenderFunc) Send(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
	return f(ctx, message, sub, opts)
}

// DefaultWebPushSender sends through the push service named in the subscription.
var DefaultWebPushSender WebPushSender = WebPushSenderFunc(webpush.SendNotificationWithContext)

// VAPIDConfig identifies this application server to push services.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is a mailto: or https: contact for the push service operator.
	Subscriber string
	TTLSeconds int
}

// Configured reports whether the key pair is present.
func (c VAPIDConfig) Configured() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// BrowserPushAdapter delivers to Web Push subscriptions.
type BrowserPushAdapter struct {
	sender WebPushSender
	vapid  VAPIDConfig
	logger *logger.Logger
}

// NewBrowserPushAdapter creates a browser push adapter. A nil sender uses DefaultWebPushSender.
func NewBrowserPushAdapter(sender WebPushSender, vapid VAPIDConfig, logger *logger.Logger) *BrowserPushAdapter {
	if sender == nil {
		sender = DefaultWebPushSender
	}
	if vapid.TTLSeconds <= 0 {
		vapid.TTLSeconds = 86400
	}
	return &BrowserPushAdapter{
		sender: sender,
		vapid:  vapid,
		logger: logger.WithComponent("browser-push"),
	}
}

func (a *BrowserPushAdapter) Channel() subscriptions.ChannelType {
	return subscriptions.ChannelBrowserPush
}

func (a *BrowserPushAdapter) Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result {
	target, ok := endpoint.(subscriptions.BrowserPush)
	if !ok {
		return terminal(CodeInvalidEndpoint)
	}
	if !a.vapid.Configured() {
		return transient(CodeNotConfigured)
	}

	message, err := json.Marshal(payload)
	if err != nil {
		return transient(CodeProviderError)
	}

	urgency := webpush.UrgencyNormal
	if payload.High() {
		urgency = webpush.UrgencyHigh
	}

	resp, err := a.sender.Send(ctx, message, &webpush.Subscription{
		Endpoint: target.URL,
		Keys: webpush.Keys{
			P256dh: target.P256dh,
			Auth:   target.Auth,
		},
	}, &webpush.Options{
		Subscriber:      a.vapid.Subscriber,
		VAPIDPublicKey:  a.vapid.PublicKey,
		VAPIDPrivateKey: a.vapid.PrivateKey,
		TTL:             a.vapid.TTLSeconds,
		Urgency:         urgency,
		Topic:           topicFor(payload.NotificationID),
	})
	if err != nil {
		a.logger.WithContext(ctx).Debug("web push send failed", slog.String("error", err.Error()))
		if ctx.Err() != nil {
			return transient(CodeTimeout)
		}
		return transient(CodeProviderError)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyHTTPStatus(resp.StatusCode)
}

// classifyHTTPStatus maps a push service response code to a Result.
func classifyHTTPStatus(code int) Result {
	switch {
	case code >= 200 && code < 300:
		return success("")
	case code == http.StatusNotFound || code == http.StatusGone:
		return terminal(CodeUnregistered)
	case code == http.StatusTooManyRequests:
		return transient(CodeRateLimited)
	default:
		return transient(CodeProviderError)
	}
}

// topicFor derives a Web Push topic (max 32 url-safe chars) so a redelivered
// notification replaces the earlier one on the device.
func topicFor(notificationID string) string {
	const max = 32
	out := make([]byte, 0, max)
	for i := 0; i < len(notificationID) && len(out) < max; i++ {
		c := notificationID[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			out = append(out, c)
		}
	}
	return string(out)
}
