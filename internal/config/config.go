package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Firebase
	FirebaseProjectID       string
	FirebaseCredJSON        string
	SubscriptionsCollection string
	ContactsCollection      string

	// Browser push (VAPID)
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	VAPIDSubscriber   string
	WebPushTTLSeconds int

	// Native push
	FCMAndroidChannelID string

	// Email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// SMS
	SMSSignName      string
	SMSTemplateCode  string
	SMSRatePerSecond float64

	// Dispatch
	AdapterTimeout      time.Duration
	DispatchMaxInFlight int

	// Circuit breaker
	BreakerWindow      time.Duration
	BreakerFailureRate float64
	BreakerMinSamples  int
	BreakerCooldown    time.Duration
	BreakerMaxCooldown time.Duration
	// BreakerOverrides holds per-channel settings from the policy file.
	BreakerOverrides map[string]BreakerSettings

	// Cascade
	CascadeOrder []string
	DedupWindow  time.Duration

	// Redis (dedup)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Delivery event log
	NatsURL               string
	DeliveryEventsSubject string
	EventLogWorkers       int
	EventLogBuffer        int

	// Sweeper
	SweepSchedule   string
	SweepRetention  time.Duration
	SweepBatchSize  int
	SweepBatchPause time.Duration

	PushNotificationsEnabled bool

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

// Policy is the optional YAML file that tunes delivery behaviour without
// touching the environment. Zero values leave the environment setting alone.
type Policy struct {
	CascadeOrder []string      `yaml:"cascade_order"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
	Breaker      struct {
		BreakerSettings `yaml:",inline"`
		Channels        map[string]BreakerSettings `yaml:"channels"`
	} `yaml:"breaker"`
	Sweeper struct {
		Schedule   string        `yaml:"schedule"`
		Retention  time.Duration `yaml:"retention"`
		BatchSize  int           `yaml:"batch_size"`
		BatchPause time.Duration `yaml:"batch_pause"`
	} `yaml:"sweeper"`
}

// BreakerSettings mirrors the breaker knobs. Zero fields inherit.
type BreakerSettings struct {
	Window      time.Duration `yaml:"window"`
	FailureRate float64       `yaml:"failure_rate"`
	MinSamples  int           `yaml:"min_samples"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = fromEnv()

	if policyPath := getEnvOrDefault("NOTIFY_POLICY_FILE", ""); policyPath != "" {
		log.Printf("Loading policy file: %v", policyPath)

		policyFile, err := os.Open(policyPath)
		if err != nil {
			log.Fatalf("Failed to open policy file: %v", err)
		}
		defer policyFile.Close()

		policy, err := LoadPolicyFile(policyFile)
		if err != nil {
			log.Fatalf("Failed to load policy file: %v", err)
		}
		AppConfig.ApplyPolicy(policy)
	}

	if AppConfig.FirebaseProjectID == "" {
		log.Println("Warning: Firebase project ID is missing. Subscriptions fall back to the in-memory store.")
	}

	if AppConfig.VAPIDPublicKey == "" || AppConfig.VAPIDPrivateKey == "" {
		log.Println("Warning: VAPID keys are missing. Browser push is not configured.")
	}

	if AppConfig.SMTPHost == "" || AppConfig.SMTPFrom == "" {
		log.Println("Warning: SMTP_HOST or SMTP_FROM is missing. Email is not configured.")
	}

	if AppConfig.SMSSignName == "" || AppConfig.SMSTemplateCode == "" {
		log.Println("Warning: SMS_SIGN_NAME or SMS_TEMPLATE_CODE is missing. SMS is not configured.")
	}

	if AppConfig.RedisAddr == "" {
		log.Println("Warning: REDIS_ADDR is missing. Deduplication is process-local.")
	}

	log.Println("Firebase project ID: ", AppConfig.FirebaseProjectID)
}

func fromEnv() *Config {
	return &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Firebase
		FirebaseProjectID:       getEnvOrDefault("FIREBASE_PROJECT_ID", ""),
		FirebaseCredJSON:        getEnvOrDefault("FIREBASE_CRED_JSON", ""),
		SubscriptionsCollection: getEnvOrDefault("SUBSCRIPTIONS_COLLECTION", "notification_subscriptions"),
		ContactsCollection:      getEnvOrDefault("CONTACTS_COLLECTION", "users"),

		// Browser push (trim whitespace to avoid common config errors)
		VAPIDPublicKey:    strings.TrimSpace(getEnvOrDefault("VAPID_PUBLIC_KEY", "")),
		VAPIDPrivateKey:   strings.TrimSpace(getEnvOrDefault("VAPID_PRIVATE_KEY", "")),
		VAPIDSubscriber:   getEnvOrDefault("VAPID_SUBSCRIBER", ""),
		WebPushTTLSeconds: getEnvAsInt("WEBPUSH_TTL_SECONDS", 86400),

		// Native push
		FCMAndroidChannelID: getEnvOrDefault("FCM_ANDROID_CHANNEL_ID", "default"),

		// Email
		SMTPHost:     getEnvOrDefault("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnvOrDefault("SMTP_USERNAME", ""),
		SMTPPassword: getEnvOrDefault("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnvOrDefault("SMTP_FROM", ""),

		// SMS
		SMSSignName:      getEnvOrDefault("SMS_SIGN_NAME", ""),
		SMSTemplateCode:  getEnvOrDefault("SMS_TEMPLATE_CODE", ""),
		SMSRatePerSecond: getEnvFloat("SMS_RATE_PER_SECOND", 50),

		// Dispatch
		AdapterTimeout:      getEnvAsDuration("ADAPTER_TIMEOUT", 10*time.Second),
		DispatchMaxInFlight: getEnvAsInt("DISPATCH_MAX_IN_FLIGHT", 20),

		// Circuit breaker
		BreakerWindow:      getEnvAsDuration("BREAKER_WINDOW", 5*time.Minute),
		BreakerFailureRate: getEnvFloat("BREAKER_FAILURE_RATE", 0.5),
		BreakerMinSamples:  getEnvAsInt("BREAKER_MIN_SAMPLES", 10),
		BreakerCooldown:    getEnvAsDuration("BREAKER_COOLDOWN", 60*time.Second),
		BreakerMaxCooldown: getEnvAsDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),

		// Cascade
		CascadeOrder: getEnvAsList("CASCADE_ORDER"),
		DedupWindow:  getEnvAsDuration("DEDUP_WINDOW", 2*time.Minute),

		// Redis
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPrefix:   getEnvOrDefault("REDIS_PREFIX", "notify"),

		// Delivery event log
		NatsURL:               getEnvOrDefault("NATS_URL", ""),
		DeliveryEventsSubject: getEnvOrDefault("DELIVERY_EVENTS_SUBJECT", "notifications.delivery"),
		EventLogWorkers:       getEnvAsInt("EVENT_LOG_WORKERS", 4),
		EventLogBuffer:        getEnvAsInt("EVENT_LOG_BUFFER", 1000),

		// Sweeper
		SweepSchedule:   getEnvOrDefault("SWEEP_SCHEDULE", "0 3 * * *"),
		SweepRetention:  getEnvAsDuration("SWEEP_RETENTION", 720*time.Hour),
		SweepBatchSize:  getEnvAsInt("SWEEP_BATCH_SIZE", 500),
		SweepBatchPause: getEnvAsDuration("SWEEP_BATCH_PAUSE", time.Second),

		PushNotificationsEnabled: getEnvOrDefault("PUSH_NOTIFICATIONS_ENABLED", "true") == "true",

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", ""),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

// ApplyPolicy overrides settings with the non-zero values of p.
func (c *Config) ApplyPolicy(p *Policy) {
	if p == nil {
		return
	}

	if len(p.CascadeOrder) > 0 {
		c.CascadeOrder = p.CascadeOrder
	}
	if p.DedupWindow > 0 {
		c.DedupWindow = p.DedupWindow
	}

	b := p.Breaker.BreakerSettings
	if b.Window > 0 {
		c.BreakerWindow = b.Window
	}
	if b.FailureRate > 0 {
		c.BreakerFailureRate = b.FailureRate
	}
	if b.MinSamples > 0 {
		c.BreakerMinSamples = b.MinSamples
	}
	if b.Cooldown > 0 {
		c.BreakerCooldown = b.Cooldown
	}
	if b.MaxCooldown > 0 {
		c.BreakerMaxCooldown = b.MaxCooldown
	}
	if len(p.Breaker.Channels) > 0 {
		c.BreakerOverrides = p.Breaker.Channels
	}

	if p.Sweeper.Schedule != "" {
		c.SweepSchedule = p.Sweeper.Schedule
	}
	if p.Sweeper.Retention > 0 {
		c.SweepRetention = p.Sweeper.Retention
	}
	if p.Sweeper.BatchSize > 0 {
		c.SweepBatchSize = p.Sweeper.BatchSize
	}
	if p.Sweeper.BatchPause > 0 {
		c.SweepBatchPause = p.Sweeper.BatchPause
	}
}

// Resolve fills zero fields of s from the global breaker settings.
func (c *Config) Resolve(s BreakerSettings) BreakerSettings {
	if s.Window <= 0 {
		s.Window = c.BreakerWindow
	}
	if s.FailureRate <= 0 {
		s.FailureRate = c.BreakerFailureRate
	}
	if s.MinSamples <= 0 {
		s.MinSamples = c.BreakerMinSamples
	}
	if s.Cooldown <= 0 {
		s.Cooldown = c.BreakerCooldown
	}
	if s.MaxCooldown <= 0 {
		s.MaxCooldown = c.BreakerMaxCooldown
	}
	return s
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadPolicyFile decodes a policy YAML document.
func LoadPolicyFile(reader io.Reader) (*Policy, error) {
	decoder := yaml.NewDecoder(reader)

	var policy Policy
	if err := decoder.Decode(&policy); err != nil {
		return nil, err
	}

	return &policy, nil
}
