package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/eternisai/notify-relay/internal/breaker"
	"github.com/eternisai/notify-relay/internal/cascade"
	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/config"
	"github.com/eternisai/notify-relay/internal/dedup"
	"github.com/eternisai/notify-relay/internal/firebase"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/notifications"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// dependencies holds the external connections of the service. Every field
// except store and dedup may be nil.
type dependencies struct {
	firebase *firebase.Client
	store    subscriptions.Store
	contacts cascade.ContactDirectory
	dedup    dedup.Store
	redis    *redis.Client
	nats     *nats.Conn
}

func newDependencies(ctx context.Context, cfg *config.Config, log *logger.Logger) *dependencies {
	deps := &dependencies{}

	if cfg.FirebaseProjectID != "" {
		client, err := firebase.NewClient(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredJSON)
		if err != nil {
			fatal(log, "failed to initialize firebase", err)
		}
		deps.firebase = client
		deps.store = subscriptions.NewFirestoreStore(client.Firestore(), cfg.SubscriptionsCollection)
		deps.contacts = notifications.NewFirestoreContacts(client.Firestore(), cfg.ContactsCollection, log)
		log.Info("firestore subscription store ready", slog.String("collection", cfg.SubscriptionsCollection))
	} else {
		log.Warn("firebase not configured, using in-memory subscription store")
		deps.store = subscriptions.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		deps.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := deps.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			fatal(log, "failed to connect to redis", err)
		}
		deps.dedup = dedup.NewRedisStore(deps.redis, cfg.RedisPrefix)
		log.Info("redis dedup store ready", slog.String("addr", cfg.RedisAddr))
	} else {
		deps.dedup = dedup.NewMemoryStore()
	}

	if cfg.NatsURL != "" {
		conn, err := nats.Connect(cfg.NatsURL, nats.Name("notify-relay"), nats.MaxReconnects(-1))
		if err != nil {
			log.Warn("failed to connect to nats, delivery events stay local",
				slog.String("error", err.Error()))
		} else {
			deps.nats = conn
			log.Info("publishing delivery events", slog.String("subject", cfg.DeliveryEventsSubject))
		}
	}

	return deps
}

func (d *dependencies) Close() {
	if d.nats != nil {
		_ = d.nats.Drain()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.firebase != nil {
		_ = d.firebase.Close()
	}
}

// buildAdapters creates an adapter per configured provider. Channels left out
// fall back to the dispatcher's not-configured adapter.
func buildAdapters(ctx context.Context, cfg *config.Config, deps *dependencies, log *logger.Logger) []channels.Adapter {
	adapters := []channels.Adapter{
		channels.NewBrowserPushAdapter(nil, channels.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubscriber,
			TTLSeconds: cfg.WebPushTTLSeconds,
		}, log),
	}

	if deps.firebase != nil {
		messagingClient, err := deps.firebase.Messaging(ctx)
		if err != nil {
			log.Warn("fcm not available, native push not configured", slog.String("error", err.Error()))
		} else {
			opts := channels.NativePushOptions{
				AndroidChannelID: cfg.FCMAndroidChannelID,
				DebugCurl:        channels.FCMDebugCurl(cfg.FirebaseCredJSON, cfg.FirebaseProjectID),
			}
			adapters = append(adapters,
				channels.NewNativePushAdapter(messagingClient, subscriptions.PlatformAndroid, opts, log),
				channels.NewNativePushAdapter(messagingClient, subscriptions.PlatformIOS, opts, log),
			)
		}
	}

	smtpCfg := channels.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
	if smtpCfg.Configured() {
		client, err := channels.NewSMTPClient(smtpCfg)
		if err != nil {
			log.Warn("smtp client not available, email not configured", slog.String("error", err.Error()))
		} else {
			adapters = append(adapters, channels.NewEmailAdapter(client, cfg.SMTPFrom, log))
		}
	}

	smsCfg := channels.AliyunSMSConfig{
		SignName:     cfg.SMSSignName,
		TemplateCode: cfg.SMSTemplateCode,
		Timeout:      cfg.AdapterTimeout,
	}
	if smsCfg.Configured() {
		provider, err := channels.NewAliyunSMS(smsCfg)
		if err != nil {
			log.Warn("sms provider not available, sms not configured", slog.String("error", err.Error()))
		} else {
			adapters = append(adapters, channels.NewSMSAdapter(provider, cfg.SMSRatePerSecond, log))
		}
	}

	return adapters
}

func breakerConfig(s config.BreakerSettings) breaker.Config {
	return breaker.Config{
		Window:      s.Window,
		FailureRate: s.FailureRate,
		MinSamples:  s.MinSamples,
		Cooldown:    s.Cooldown,
		MaxCooldown: s.MaxCooldown,
	}
}

// breakerOverrides maps policy file entries to channels. The key "push"
// applies to every push channel.
func breakerOverrides(cfg *config.Config, log *logger.Logger) map[subscriptions.ChannelType]breaker.Config {
	out := make(map[subscriptions.ChannelType]breaker.Config)
	for name, settings := range cfg.BreakerOverrides {
		resolved := breakerConfig(cfg.Resolve(settings))

		if name == "push" {
			for _, ch := range subscriptions.AllChannels {
				if ch.IsPush() {
					out[ch] = resolved
				}
			}
			continue
		}

		ch := subscriptions.ChannelType(name)
		if !ch.Valid() {
			log.Warn("ignoring breaker override for unknown channel", slog.String("channel", name))
			continue
		}
		out[ch] = resolved
	}
	return out
}
