package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
	// Service is attached to every record, e.g. "notify-relay".
	Service string
}

// contextKey is used for context values.
type contextKey string

const (
	// ContextKeyRequestID is the key for request ID in the context.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeyUserID is the key for user ID in the context.
	ContextKeyUserID contextKey = "user_id"
	// ContextKeyNotificationID is the key for the notification ID in the context.
	ContextKeyNotificationID contextKey = "notification_id"
	// ContextKeyOperation is the key for operation name in the context.
	ContextKeyOperation contextKey = "operation"
)

// contextKeys are lifted onto records by WithContext, in this order.
var contextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyUserID,
	ContextKeyNotificationID,
	ContextKeyOperation,
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout.
func New(config Config) *Logger {
	return NewWithWriter(os.Stdout, config)
}

// NewWithWriter creates a logger that writes to w. Every record carries the
// service name and the instance id so replicas can be told apart.
func NewWithWriter(w io.Writer, config Config) *Logger {
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       config.Level,
			AddSource:   true,
			ReplaceAttr: rfc3339Time,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      config.Level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
	}

	base := slog.New(handler).With(slog.String("instance_id", instanceID()))
	if config.Service != "" {
		base = base.With(slog.String("service", config.Service))
	}
	return &Logger{Logger: base}
}

func rfc3339Time(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String(a.Key, a.Value.Time().Format(time.RFC3339))
	}
	return a
}

// instanceID prefers the orchestrator's name for this replica.
func instanceID() string {
	for _, key := range []string{"INSTANCE_ID", "HOSTNAME", "POD_NAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return uuid.NewString()[:8]
}

// FromConfig builds a logger configuration for service. Unknown levels fall
// back to debug; APP_ENV=production forces JSON output.
func FromConfig(service, logLevel, logFormat string) Config {
	config := Config{
		Level:   slog.LevelDebug,
		Format:  "text",
		Service: service,
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err == nil {
		config.Level = level
	}
	if logFormat != "" {
		config.Format = logFormat
	}
	if os.Getenv("APP_ENV") == "production" {
		config.Format = "json"
	}

	return config
}

// WithContext creates a new logger carrying the ids stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			logger = logger.With(slog.String(string(key), v))
		}
	}
	return &Logger{Logger: logger}
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("component", component)),
	}
}

// WithChannel tags the logger with a delivery channel type.
func (l *Logger) WithChannel(channel string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("channel", channel)),
	}
}

// LogOperation runs fn with ctx tagged as operation and logs its duration
// and outcome. Records logged inside fn through WithContext carry the tag.
func (l *Logger) LogOperation(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx = WithOperation(ctx, operation)
	log := l.WithContext(ctx)
	start := time.Now()

	log.Info("operation started")
	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		log.Error("operation failed",
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return err
	}

	log.Info("operation completed", slog.Duration("duration", duration))
	return nil
}
