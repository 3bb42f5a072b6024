// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Provisioning modes. ModeSkipQuota records the quota step as complete without calling setquota.
const (
	ModeFull      = "full"
	ModeSkipQuota = "skip-quota"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the registration/verification API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// HealthGRPCAddr is where the worker serves the gRPC health service.
	HealthGRPCAddr string `mapstructure:"HEALTH_GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store (not allowed in production).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxOpenConns bounds the Postgres pool; 0 keeps the driver default.
	DBMaxOpenConns int `mapstructure:"DB_MAX_OPEN_CONNS"`
	// AdminToken guards the operator provisioning endpoint. Empty disables it.
	AdminToken string `mapstructure:"ADMIN_TOKEN"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Lifecycle windows.
	WarningWindowHours      int    `mapstructure:"WARNING_WINDOW_HOURS"`
	RegistrationExpiryHours int    `mapstructure:"REGISTRATION_EXPIRY_HOURS"`
	RetentionDays           int    `mapstructure:"RETENTION_DAYS"`
	EmailTokenTTL           string `mapstructure:"EMAIL_TOKEN_TTL"`
	PhoneCodeTTL            string `mapstructure:"PHONE_CODE_TTL"`
	// PhoneMaxAttempts is how many wrong codes clear the outstanding phone code.
	PhoneMaxAttempts int `mapstructure:"PHONE_MAX_ATTEMPTS"`

	// Sweep scheduling.
	SweepCron        string `mapstructure:"SWEEP_CRON"`
	SweepTimeout     string `mapstructure:"SWEEP_TIMEOUT"`
	SweepConcurrency int    `mapstructure:"SWEEP_CONCURRENCY"`
	// RedisAddr enables the distributed sweep lock when set.
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	SweepLockTTL string `mapstructure:"SWEEP_LOCK_TTL"`
	// RetryStuckAfter re-provisions Verified accounts untouched this long; "0" disables the retry pass.
	RetryStuckAfter string `mapstructure:"RETRY_STUCK_AFTER"`

	// Provisioning.
	ProvisioningMode string `mapstructure:"PROVISIONING_MODE"`
	StorageQuotaMB   int    `mapstructure:"STORAGE_QUOTA_MB"`
	DefaultShell     string `mapstructure:"DEFAULT_SHELL"`
	UserGroup        string `mapstructure:"USER_GROUP"`
	HomeRoot         string `mapstructure:"HOME_ROOT"`
	UseSudo          bool   `mapstructure:"USE_SUDO"`
	// DryRunExecutor logs privileged operations instead of running them. Refused in production.
	DryRunExecutor bool   `mapstructure:"DRY_RUN_EXECUTOR"`
	StepTimeout    string `mapstructure:"STEP_TIMEOUT"`
	ExecMaxRetries int    `mapstructure:"EXEC_MAX_RETRIES"`
	// PlatformEmailDomain is appended to the handle to derive the platform mailbox address.
	PlatformEmailDomain string `mapstructure:"PLATFORM_EMAIL_DOMAIN"`

	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// Notifications. Without SMTP_HOST/SMS_LOCAL_API_KEY the log-only outbox is used (non-production only).
	SMTPHost        string `mapstructure:"SMTP_HOST"`
	SMTPPort        int    `mapstructure:"SMTP_PORT"`
	SMTPUsername    string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword    string `mapstructure:"SMTP_PASSWORD"`
	MailFrom        string `mapstructure:"MAIL_FROM"`
	FrontendURL     string `mapstructure:"FRONTEND_URL"`
	AlertEmail      string `mapstructure:"ALERT_EMAIL"`
	SMSLocalAPIKey  string `mapstructure:"SMS_LOCAL_API_KEY"`
	SMSLocalSender  string `mapstructure:"SMS_LOCAL_SENDER"`
	SMSLocalBaseURL string `mapstructure:"SMS_LOCAL_BASE_URL"`

	// Lifecycle events (optional). When brokers are set, transitions are published to Kafka.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	LifecycleKafkaTopic string `mapstructure:"LIFECYCLE_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group the worker uses to write the audit trail from the topic.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// Telemetry.
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Logging.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogDev   bool   `mapstructure:"LOG_DEV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HEALTH_GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("ADMIN_TOKEN", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("WARNING_WINDOW_HOURS", 4)
	v.SetDefault("REGISTRATION_EXPIRY_HOURS", 48)
	v.SetDefault("RETENTION_DAYS", 7)
	v.SetDefault("EMAIL_TOKEN_TTL", "24h")
	v.SetDefault("PHONE_CODE_TTL", "10m")
	v.SetDefault("PHONE_MAX_ATTEMPTS", 5)
	v.SetDefault("SWEEP_CRON", "0 3 * * *")
	v.SetDefault("SWEEP_TIMEOUT", "30m")
	v.SetDefault("SWEEP_CONCURRENCY", 4)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("SWEEP_LOCK_TTL", "1h")
	v.SetDefault("RETRY_STUCK_AFTER", "15m")
	v.SetDefault("PROVISIONING_MODE", ModeFull)
	v.SetDefault("STORAGE_QUOTA_MB", 100)
	v.SetDefault("DEFAULT_SHELL", "/bin/bash")
	v.SetDefault("USER_GROUP", "members")
	v.SetDefault("HOME_ROOT", "/home")
	v.SetDefault("USE_SUDO", true)
	v.SetDefault("DRY_RUN_EXECUTOR", false)
	v.SetDefault("STEP_TIMEOUT", "30s")
	v.SetDefault("EXEC_MAX_RETRIES", 3)
	v.SetDefault("PLATFORM_EMAIL_DOMAIN", "cosmical.me")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("MAIL_FROM", "no-reply@cosmical.me")
	v.SetDefault("FRONTEND_URL", "http://localhost:5173")
	v.SetDefault("ALERT_EMAIL", "")
	v.SetDefault("SMS_LOCAL_API_KEY", "")
	v.SetDefault("SMS_LOCAL_SENDER", "")
	v.SetDefault("SMS_LOCAL_BASE_URL", "https://app.smslocal.in/api/smsapi")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("LIFECYCLE_KAFKA_TOPIC", "membership-lifecycle")
	v.SetDefault("KAFKA_GROUP_ID", "membership-audit")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "membership-platform")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEV", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.WarningWindowHours <= 0 || c.RegistrationExpiryHours <= 0 || c.RetentionDays <= 0 {
		return errors.New("config: WARNING_WINDOW_HOURS, REGISTRATION_EXPIRY_HOURS and RETENTION_DAYS must be positive")
	}
	if c.WarningWindowHours >= c.RegistrationExpiryHours {
		return errors.New("config: WARNING_WINDOW_HOURS must be shorter than REGISTRATION_EXPIRY_HOURS")
	}
	c.ProvisioningMode = strings.ToLower(strings.TrimSpace(c.ProvisioningMode))
	if c.ProvisioningMode != ModeFull && c.ProvisioningMode != ModeSkipQuota {
		return fmt.Errorf("config: PROVISIONING_MODE must be %q or %q, got %q", ModeFull, ModeSkipQuota, c.ProvisioningMode)
	}
	if c.StorageQuotaMB <= 0 {
		return errors.New("config: STORAGE_QUOTA_MB must be positive")
	}
	if _, err := cron.ParseStandard(c.SweepCron); err != nil {
		return fmt.Errorf("config: SWEEP_CRON %q: %w", c.SweepCron, err)
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 1
	}
	if c.ExecMaxRetries < 0 {
		return errors.New("config: EXEC_MAX_RETRIES must not be negative")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when APP_ENV=production")
		}
		if c.DryRunExecutor {
			return errors.New("config: DRY_RUN_EXECUTOR must not be true when APP_ENV=production")
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// WarningWindow is how long before expiry a pending account is warned.
func (c *Config) WarningWindow() time.Duration {
	return time.Duration(c.WarningWindowHours) * time.Hour
}

// RegistrationExpiry is the window a new account has to verify both channels.
func (c *Config) RegistrationExpiry() time.Duration {
	return time.Duration(c.RegistrationExpiryHours) * time.Hour
}

// Retention is how long an expired account is kept before hard deletion.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EmailTokenLifetime parses EmailTokenTTL. Returns 24h if unset or invalid.
func (c *Config) EmailTokenLifetime() time.Duration {
	return parseDuration(c.EmailTokenTTL, 24*time.Hour)
}

// PhoneCodeLifetime parses PhoneCodeTTL. Returns 10m if unset or invalid.
func (c *Config) PhoneCodeLifetime() time.Duration {
	return parseDuration(c.PhoneCodeTTL, 10*time.Minute)
}

// StepTimeoutDuration parses StepTimeout. Returns 30s if unset or invalid.
func (c *Config) StepTimeoutDuration() time.Duration {
	return parseDuration(c.StepTimeout, 30*time.Second)
}

// SweepTimeoutDuration parses SweepTimeout. Returns 30m if unset or invalid.
func (c *Config) SweepTimeoutDuration() time.Duration {
	return parseDuration(c.SweepTimeout, 30*time.Minute)
}

// SweepLockTTLDuration parses SweepLockTTL. Returns 1h if unset or invalid.
func (c *Config) SweepLockTTLDuration() time.Duration {
	return parseDuration(c.SweepLockTTL, time.Hour)
}

// RetryStuckAfterDuration parses RetryStuckAfter. Zero (or invalid) disables the retry pass.
func (c *Config) RetryStuckAfterDuration() time.Duration {
	d, err := time.ParseDuration(c.RetryStuckAfter)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka lifecycle publisher.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
