// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides Redis/asynq settings for periodic jobs.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetSweepInactiveSchedule() string
	GetSweepEscalationsSchedule() string
	GetQueueDispatchSchedule() string
}

// CronConfig provides the shared secret external schedulers use to trigger sweeps.
type CronConfig interface {
	GetCronSecret() string
}

// EngineConfig provides the lifecycle, queue and assignment thresholds.
type EngineConfig interface {
	GetMaxReassignments() int
	GetReassignExclusionWindow() int
	GetOperatorIdleThreshold() time.Duration
	GetQueueTimeout() time.Duration
	GetQueueTimeoutMinAttempts() int
	GetInactivityTimeout() time.Duration
	GetChatIdleAfter() time.Duration
	GetEscalationAutoCloseAfter() time.Duration
	GetSweepBatchSize() int
	GetSweepHighThreshold() int
	GetSweepCriticalThreshold() int
}

// PricingConfig provides message pricing settings.
type PricingConfig interface {
	GetFreeMessagesCount() int
	GetBaseMessageCost() int64
	GetFeaturedMultiplier() float64
	GetPeakMultiplier() float64
	GetOffPeakMultiplier() float64
	GetPeakHours() string
	GetOffPeakHours() string
	GetPricingTimezone() string
	GetPricingConfigPath() string
}

// PaymentConfig provides payment gateway and webhook settings.
type PaymentConfig interface {
	GetPaymentWebhookSecret() string
	GetPaymentGatewayURL() string
	GetPaymentGatewayAPIKey() string
	GetWebhookFailureThreshold() int
	GetWebhookFailureWindow() time.Duration
}

// EventSinkConfig provides settings for forwarding domain events to a broker.
type EventSinkConfig interface {
	GetEventSink() string
	GetKafkaBrokers() []string
	GetKafkaTopic() string
	GetAMQPURL() string
	GetAMQPExchange() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env             string
	HTTPAddr        string
	DatabaseURL     string
	MigrationsOff   bool
	JWTAccessSecret string
	CORSAllowAll    bool
	CORSOrigins     []string
	CORSAllowCreds  bool
	CronSecret      string

	RedisURL                 string
	RedisTLSInsecure         bool
	AsynqQueueName           string
	AsynqConcurrency         int
	SweepInactiveSchedule    string
	SweepEscalationsSchedule string
	QueueDispatchSchedule    string

	MaxReassignments         int
	ReassignExclusionWindow  int
	OperatorIdleThreshold    time.Duration
	QueueTimeout             time.Duration
	QueueTimeoutMinAttempts  int
	InactivityTimeout        time.Duration
	ChatIdleAfter            time.Duration
	EscalationAutoCloseAfter time.Duration
	SweepBatchSize           int
	SweepHighThreshold       int
	SweepCriticalThreshold   int

	FreeMessagesCount  int
	BaseMessageCost    int64
	FeaturedMultiplier float64
	PeakMultiplier     float64
	OffPeakMultiplier  float64
	PeakHours          string
	OffPeakHours       string
	PricingTimezone    string
	PricingConfigPath  string

	PaymentWebhookSecret    string
	PaymentGatewayURL       string
	PaymentGatewayAPIKey    string
	WebhookFailureThreshold int
	WebhookFailureWindow    time.Duration

	EventSink    string
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// CronConfig implementation
func (c *Config) GetCronSecret() string { return c.CronSecret }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string                 { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool           { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string           { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int            { return c.AsynqConcurrency }
func (c *Config) GetSweepInactiveSchedule() string    { return c.SweepInactiveSchedule }
func (c *Config) GetSweepEscalationsSchedule() string { return c.SweepEscalationsSchedule }
func (c *Config) GetQueueDispatchSchedule() string    { return c.QueueDispatchSchedule }

// EngineConfig implementation
func (c *Config) GetMaxReassignments() int                   { return c.MaxReassignments }
func (c *Config) GetReassignExclusionWindow() int            { return c.ReassignExclusionWindow }
func (c *Config) GetOperatorIdleThreshold() time.Duration    { return c.OperatorIdleThreshold }
func (c *Config) GetQueueTimeout() time.Duration             { return c.QueueTimeout }
func (c *Config) GetQueueTimeoutMinAttempts() int            { return c.QueueTimeoutMinAttempts }
func (c *Config) GetInactivityTimeout() time.Duration        { return c.InactivityTimeout }
func (c *Config) GetChatIdleAfter() time.Duration            { return c.ChatIdleAfter }
func (c *Config) GetEscalationAutoCloseAfter() time.Duration { return c.EscalationAutoCloseAfter }
func (c *Config) GetSweepBatchSize() int                     { return c.SweepBatchSize }
func (c *Config) GetSweepHighThreshold() int                 { return c.SweepHighThreshold }
func (c *Config) GetSweepCriticalThreshold() int             { return c.SweepCriticalThreshold }

// PricingConfig implementation
func (c *Config) GetFreeMessagesCount() int      { return c.FreeMessagesCount }
func (c *Config) GetBaseMessageCost() int64      { return c.BaseMessageCost }
func (c *Config) GetFeaturedMultiplier() float64 { return c.FeaturedMultiplier }
func (c *Config) GetPeakMultiplier() float64     { return c.PeakMultiplier }
func (c *Config) GetOffPeakMultiplier() float64  { return c.OffPeakMultiplier }
func (c *Config) GetPeakHours() string           { return c.PeakHours }
func (c *Config) GetOffPeakHours() string        { return c.OffPeakHours }
func (c *Config) GetPricingTimezone() string     { return c.PricingTimezone }
func (c *Config) GetPricingConfigPath() string   { return c.PricingConfigPath }

// PaymentConfig implementation
func (c *Config) GetPaymentWebhookSecret() string        { return c.PaymentWebhookSecret }
func (c *Config) GetPaymentGatewayURL() string           { return c.PaymentGatewayURL }
func (c *Config) GetPaymentGatewayAPIKey() string        { return c.PaymentGatewayAPIKey }
func (c *Config) GetWebhookFailureThreshold() int        { return c.WebhookFailureThreshold }
func (c *Config) GetWebhookFailureWindow() time.Duration { return c.WebhookFailureWindow }

// EventSinkConfig implementation
func (c *Config) GetEventSink() string      { return c.EventSink }
func (c *Config) GetKafkaBrokers() []string { return c.KafkaBrokers }
func (c *Config) GetKafkaTopic() string     { return c.KafkaTopic }
func (c *Config) GetAMQPURL() string        { return c.AMQPURL }
func (c *Config) GetAMQPExchange() string   { return c.AMQPExchange }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:             getEnv("APP_ENV", "development"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		MigrationsOff:   strings.EqualFold(getEnv("DISABLE_MIGRATIONS", "false"), "true"),
		JWTAccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:    corsAllowAll,
		CORSOrigins:     corsOrigins,
		CORSAllowCreds:  strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		CronSecret:      getEnv("CRON_SECRET", ""),

		RedisURL:                 getEnv("REDIS_URL", ""),
		RedisTLSInsecure:         strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:           getEnv("ASYNQ_QUEUE", "engine"),
		AsynqConcurrency:         mustInt(getEnv("ASYNQ_CONCURRENCY", "4")),
		SweepInactiveSchedule:    getEnv("SWEEP_INACTIVE_SCHEDULE", "@every 1h"),
		SweepEscalationsSchedule: getEnv("SWEEP_ESCALATIONS_SCHEDULE", "@every 15m"),
		QueueDispatchSchedule:    getEnv("QUEUE_DISPATCH_SCHEDULE", "@every 1m"),

		MaxReassignments:         mustInt(getEnv("MAX_REASSIGNMENTS", "3")),
		ReassignExclusionWindow:  mustInt(getEnv("REASSIGN_EXCLUSION_WINDOW", "2")),
		OperatorIdleThreshold:    mustDuration(getEnv("OPERATOR_IDLE_THRESHOLD", "10m")),
		QueueTimeout:             mustDuration(getEnv("QUEUE_TIMEOUT", "30m")),
		QueueTimeoutMinAttempts:  mustInt(getEnv("QUEUE_TIMEOUT_MIN_ATTEMPTS", "3")),
		InactivityTimeout:        mustDuration(getEnv("INACTIVITY_TIMEOUT", "24h")),
		ChatIdleAfter:            mustDuration(getEnv("CHAT_IDLE_AFTER", "30m")),
		EscalationAutoCloseAfter: mustDuration(getEnv("ESCALATION_AUTO_CLOSE_AFTER", "168h")),
		SweepBatchSize:           mustInt(getEnv("SWEEP_BATCH_SIZE", "500")),
		SweepHighThreshold:       mustInt(getEnv("SWEEP_HIGH_THRESHOLD", "10")),
		SweepCriticalThreshold:   mustInt(getEnv("SWEEP_CRITICAL_THRESHOLD", "50")),

		FreeMessagesCount:  mustInt(getEnv("FREE_MESSAGES_COUNT", "3")),
		BaseMessageCost:    mustInt64(getEnv("BASE_MESSAGE_COST", "100")),
		FeaturedMultiplier: mustFloat(getEnv("FEATURED_MULTIPLIER", "1.5")),
		PeakMultiplier:     mustFloat(getEnv("PEAK_MULTIPLIER", "1.25")),
		OffPeakMultiplier:  mustFloat(getEnv("OFF_PEAK_MULTIPLIER", "0.8")),
		PeakHours:          getEnv("PEAK_HOURS", "18-23"),
		OffPeakHours:       getEnv("OFF_PEAK_HOURS", "2-7"),
		PricingTimezone:    getEnv("PRICING_TIMEZONE", "UTC"),
		PricingConfigPath:  getEnv("PRICING_CONFIG_PATH", ""),

		PaymentWebhookSecret:    getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentGatewayURL:       getEnv("PAYMENT_GATEWAY_URL", ""),
		PaymentGatewayAPIKey:    getEnv("PAYMENT_GATEWAY_API_KEY", ""),
		WebhookFailureThreshold: mustInt(getEnv("WEBHOOK_FAILURE_THRESHOLD", "5")),
		WebhookFailureWindow:    mustDuration(getEnv("WEBHOOK_FAILURE_WINDOW", "10m")),

		EventSink:    strings.ToLower(getEnv("EVENT_SINK", "")),
		KafkaBrokers: splitCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "chat-engine-events"),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "chat-engine"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.PaymentWebhookSecret == "" {
		return nil, fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_ALL cannot be combined with CORS_ALLOW_CREDENTIALS")
	}
	if cfg.MaxReassignments < 1 {
		return nil, fmt.Errorf("MAX_REASSIGNMENTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustInt64(value string) int64 {
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
