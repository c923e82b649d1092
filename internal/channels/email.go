package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// MailSender is the part of *mail.Client the email adapter needs.
type MailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPConfig configures the outbound mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Configured reports whether enough is set to dial the relay.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// NewSMTPClient builds a go-mail client for cfg.
func NewSMTPClient(cfg SMTPConfig) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return client, nil
}

// EmailAdapter delivers a payload as a plain-text email.
type EmailAdapter struct {
	sender MailSender
	from   string
	logger *logger.Logger
}

// NewEmailAdapter creates an email adapter. A nil sender means SMTP is not configured.
func NewEmailAdapter(sender MailSender, from string, logger *logger.Logger) *EmailAdapter {
	return &EmailAdapter{
		sender: sender,
		from:   from,
		logger: logger.WithComponent("email"),
	}
}

func (a *EmailAdapter) Channel() subscriptions.ChannelType {
	return subscriptions.ChannelEmail
}

func (a *EmailAdapter) Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result {
	target, ok := endpoint.(subscriptions.Email)
	if !ok {
		return terminal(CodeInvalidEndpoint)
	}
	if a.sender == nil || a.from == "" {
		return transient(CodeNotConfigured)
	}

	msg := mail.NewMsg()
	if err := msg.From(a.from); err != nil {
		return transient(CodeNotConfigured)
	}
	if err := msg.To(target.Address); err != nil {
		return terminal(CodeInvalidEndpoint)
	}
	msg.Subject(payload.Title)
	msg.SetBodyString(mail.TypeTextPlain, payload.Body)
	if payload.NotificationID != "" {
		msg.SetGenHeader("X-Notification-Id", payload.NotificationID)
	}
	if payload.High() {
		msg.SetImportance(mail.ImportanceHigh)
	}

	if err := a.sender.DialAndSendWithContext(ctx, msg); err != nil {
		a.logger.WithContext(ctx).Debug("smtp send failed", slog.String("error", err.Error()))
		return classifyMailError(ctx, err)
	}

	return success("")
}

// classifyMailError treats a permanent recipient rejection as a bounce.
func classifyMailError(ctx context.Context, err error) Result {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && sendErr.Reason == mail.ErrSMTPRcptTo && !sendErr.IsTemp() {
		return terminal(CodeBounced)
	}
	if ctx.Err() != nil {
		return transient(CodeTimeout)
	}
	return transient(CodeProviderError)
}
