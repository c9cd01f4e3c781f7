/**
 * @description
 * This package handles the configuration management for the rewards-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalises out-of-range values with a warning instead of failing boot.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultChunkSize  = 500
	maxChunkSize      = 15000 // provider limit on items per batch call
	defaultLockPrefix = "transfa:rewards:cycle_lock"
)

// Config holds all the configuration variables for the rewards-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogEncoding string `mapstructure:"LOG_ENCODING"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisLockPrefix      string `mapstructure:"REDIS_LOCK_PREFIX"`
	CycleLockTTLSeconds  int    `mapstructure:"CYCLE_LOCK_TTL_SECONDS"`
	CycleLockWaitSeconds int    `mapstructure:"CYCLE_LOCK_WAIT_SECONDS"`

	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	PayoutEventQueue string `mapstructure:"PAYOUT_EVENT_QUEUE"`

	PayoutProviderBaseURL        string `mapstructure:"PAYOUT_PROVIDER_BASE_URL"`
	PayoutProviderAPIKey         string `mapstructure:"PAYOUT_PROVIDER_API_KEY"`
	PayoutCurrency               string `mapstructure:"PAYOUT_CURRENCY"`
	PayoutEmailSubject           string `mapstructure:"PAYOUT_EMAIL_SUBJECT"`
	PayoutChunkSize              int    `mapstructure:"PAYOUT_CHUNK_SIZE"`
	PayoutProviderTimeoutSeconds int    `mapstructure:"PAYOUT_PROVIDER_TIMEOUT_SECONDS"`
	PayoutRetryWindowMinutes     int    `mapstructure:"PAYOUT_RETRY_WINDOW_MINUTES"`
	PayoutMaxAttempts            int    `mapstructure:"PAYOUT_MAX_ATTEMPTS"`
	UnclaimedPolicy              string `mapstructure:"UNCLAIMED_POLICY"`
	ReconcileConcurrency         int    `mapstructure:"RECONCILE_CONCURRENCY"`

	ResumeJobSchedule    string `mapstructure:"RESUME_JOB_SCHEDULE"`
	ReconcileJobSchedule string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	RetryJobSchedule     string `mapstructure:"RETRY_JOB_SCHEDULE"`

	AdminJWKSURL     string `mapstructure:"ADMIN_JWKS_URL"`
	AdminJWTAudience string `mapstructure:"ADMIN_JWT_AUDIENCE"`
	AdminJWTIssuer   string `mapstructure:"ADMIN_JWT_ISSUER"`
	InternalAPIKey   string `mapstructure:"INTERNAL_API_KEY"`
	SelectionSeed    uint64 `mapstructure:"SELECTION_SEED"`
}

// ProviderTimeout bounds a single payout provider call.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.PayoutProviderTimeoutSeconds) * time.Second
}

// RetryWindow is how long a batch must sit untouched before the retry job looks at it.
func (c Config) RetryWindow() time.Duration {
	return time.Duration(c.PayoutRetryWindowMinutes) * time.Minute
}

func (c Config) CycleLockTTL() time.Duration {
	return time.Duration(c.CycleLockTTLSeconds) * time.Second
}

func (c Config) CycleLockWait() time.Duration {
	return time.Duration(c.CycleLockWaitSeconds) * time.Second
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_ENCODING", "json")
	viper.SetDefault("REDIS_LOCK_PREFIX", defaultLockPrefix)
	viper.SetDefault("CYCLE_LOCK_TTL_SECONDS", 120)
	viper.SetDefault("CYCLE_LOCK_WAIT_SECONDS", 5)
	viper.SetDefault("PAYOUT_EVENT_QUEUE", "rewards_service.payout_items")
	viper.SetDefault("PAYOUT_CURRENCY", "USD")
	viper.SetDefault("PAYOUT_EMAIL_SUBJECT", "You have a Transfa reward payout")
	viper.SetDefault("PAYOUT_CHUNK_SIZE", defaultChunkSize)
	viper.SetDefault("PAYOUT_PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PAYOUT_RETRY_WINDOW_MINUTES", 30)
	viper.SetDefault("PAYOUT_MAX_ATTEMPTS", 3)
	viper.SetDefault("UNCLAIMED_POLICY", "hold")
	viper.SetDefault("RECONCILE_CONCURRENCY", 4)
	viper.SetDefault("RESUME_JOB_SCHEDULE", "@every 2m")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "@every 5m")
	viper.SetDefault("RETRY_JOB_SCHEDULE", "@every 15m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_ENCODING")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARDS_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("CYCLE_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("CYCLE_LOCK_WAIT_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_EVENT_QUEUE")
	_ = viper.BindEnv("PAYOUT_PROVIDER_BASE_URL")
	_ = viper.BindEnv("PAYOUT_PROVIDER_API_KEY")
	_ = viper.BindEnv("PAYOUT_CURRENCY")
	_ = viper.BindEnv("PAYOUT_EMAIL_SUBJECT")
	_ = viper.BindEnv("PAYOUT_CHUNK_SIZE")
	_ = viper.BindEnv("PAYOUT_PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PAYOUT_RETRY_WINDOW_MINUTES")
	_ = viper.BindEnv("PAYOUT_MAX_ATTEMPTS")
	_ = viper.BindEnv("UNCLAIMED_POLICY")
	_ = viper.BindEnv("RECONCILE_CONCURRENCY")
	_ = viper.BindEnv("RESUME_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("RETRY_JOB_SCHEDULE")
	_ = viper.BindEnv("ADMIN_JWKS_URL", "ADMIN_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("ADMIN_JWT_AUDIENCE", "ADMIN_JWT_AUDIENCE", "CLERK_AUDIENCE")
	_ = viper.BindEnv("ADMIN_JWT_ISSUER", "ADMIN_JWT_ISSUER", "CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARDS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SELECTION_SEED")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REWARDS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = defaultLockPrefix
	}

	normalize(&config)
	return
}

// normalize coerces out-of-range values back to safe defaults, warning about each.
func normalize(config *Config) {
	config.PayoutCurrency = strings.ToUpper(strings.TrimSpace(config.PayoutCurrency))
	if len(config.PayoutCurrency) != 3 {
		log.Printf("level=warn component=config msg=\"invalid PAYOUT_CURRENCY; using USD\" value=%q", config.PayoutCurrency)
		config.PayoutCurrency = "USD"
	}

	if config.PayoutChunkSize <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive PAYOUT_CHUNK_SIZE; using default\" value=%d", config.PayoutChunkSize)
		config.PayoutChunkSize = defaultChunkSize
	}
	if config.PayoutChunkSize > maxChunkSize {
		log.Printf("level=warn component=config msg=\"PAYOUT_CHUNK_SIZE above provider limit; capping\" value=%d cap=%d", config.PayoutChunkSize, maxChunkSize)
		config.PayoutChunkSize = maxChunkSize
	}

	if config.PayoutProviderTimeoutSeconds <= 0 {
		config.PayoutProviderTimeoutSeconds = 30
	}
	if config.PayoutRetryWindowMinutes <= 0 {
		config.PayoutRetryWindowMinutes = 30
	}
	if config.PayoutMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive PAYOUT_MAX_ATTEMPTS; using 3\" value=%d", config.PayoutMaxAttempts)
		config.PayoutMaxAttempts = 3
	}
	if config.ReconcileConcurrency <= 0 {
		config.ReconcileConcurrency = 4
	}
	if config.CycleLockTTLSeconds <= 0 {
		config.CycleLockTTLSeconds = 120
	}
	if config.CycleLockWaitSeconds < 0 {
		config.CycleLockWaitSeconds = 0
	}

	switch policy := strings.ToLower(strings.TrimSpace(config.UnclaimedPolicy)); policy {
	case "hold", "follow_provider":
		config.UnclaimedPolicy = policy
	default:
		log.Printf("level=warn component=config msg=\"unknown UNCLAIMED_POLICY; using hold\" value=%q", config.UnclaimedPolicy)
		config.UnclaimedPolicy = "hold"
	}

	config.ResumeJobSchedule = strings.TrimSpace(config.ResumeJobSchedule)
	config.ReconcileJobSchedule = strings.TrimSpace(config.ReconcileJobSchedule)
	config.RetryJobSchedule = strings.TrimSpace(config.RetryJobSchedule)
}
