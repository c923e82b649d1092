package channels

import (
	"context"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// FCMSender is the part of *messaging.Client the native push adapter needs.
type FCMSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NativePushOptions are the platform delivery hints applied to every message.
type NativePushOptions struct {
	// AndroidChannelID is the notification channel on Android 8+.
	AndroidChannelID string
	// DebugCurl, when set, renders a failed message as a curl command for debug logs.
	DebugCurl func(ctx context.Context, message *messaging.Message) string
}

// NativePushAdapter delivers to FCM registration tokens for one platform.
type NativePushAdapter struct {
	sender   FCMSender
	platform subscriptions.Platform
	opts     NativePushOptions
	logger   *logger.Logger
}

// NewNativePushAdapter creates an adapter for the given platform. A nil sender
// means messaging is not configured.
func NewNativePushAdapter(sender FCMSender, platform subscriptions.Platform, opts NativePushOptions, logger *logger.Logger) *NativePushAdapter {
	if opts.AndroidChannelID == "" {
		opts.AndroidChannelID = "default"
	}
	return &NativePushAdapter{
		sender:   sender,
		platform: platform,
		opts:     opts,
		logger:   logger.WithComponent("native-push").WithChannel(string(nativeChannel(platform))),
	}
}

func (a *NativePushAdapter) Channel() subscriptions.ChannelType {
	return nativeChannel(a.platform)
}

func nativeChannel(platform subscriptions.Platform) subscriptions.ChannelType {
	if platform == subscriptions.PlatformIOS {
		return subscriptions.ChannelNativeIOS
	}
	return subscriptions.ChannelNativeAndroid
}

func (a *NativePushAdapter) Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result {
	target, ok := endpoint.(subscriptions.NativePush)
	if !ok || target.Token == "" {
		return terminal(CodeInvalidEndpoint)
	}
	if a.sender == nil {
		return transient(CodeNotConfigured)
	}

	message := a.buildMessage(target.Token, payload)

	response, err := a.sender.Send(ctx, message)
	if err != nil {
		log := a.logger.WithContext(ctx)
		log.Debug("fcm send failed",
			slog.String("token_prefix", tokenPrefix(target.Token)),
			slog.String("error", err.Error()))
		if a.opts.DebugCurl != nil && log.Enabled(ctx, slog.LevelDebug) {
			log.Debug("fcm debug request", slog.String("curl", a.opts.DebugCurl(ctx, message)))
		}
		return classifyFCMError(err)
	}

	return success(response)
}

func (a *NativePushAdapter) buildMessage(token string, payload Payload) *messaging.Message {
	data := make(map[string]string, len(payload.Data)+1)
	for k, v := range payload.Data {
		data[k] = v
	}
	if payload.NotificationID != "" {
		data["notification_id"] = payload.NotificationID
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data: data,
	}

	switch a.platform {
	case subscriptions.PlatformIOS:
		priority := "5"
		if payload.High() {
			priority = "10"
		}
		message.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": priority},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		}
	default:
		priority := "normal"
		if payload.High() {
			priority = "high"
		}
		message.Android = &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				Sound:     "default",
				ChannelID: a.opts.AndroidChannelID,
			},
		}
	}

	return message
}

// classifyFCMError maps an FCM error to a Result. Tokens the backend no longer
// recognizes are terminal; everything else is retryable.
func classifyFCMError(err error) Result {
	switch {
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		return terminal(CodeUnregistered)
	case messaging.IsInvalidArgument(err) && strings.Contains(strings.ToLower(err.Error()), "registration token"):
		return terminal(CodeInvalidEndpoint)
	case messaging.IsQuotaExceeded(err):
		return transient(CodeRateLimited)
	default:
		return transient(CodeProviderError)
	}
}

func tokenPrefix(token string) string {
	return token[:min(10, len(token))] + "..."
}
