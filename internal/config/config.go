/**
 * @description
 * This package handles the configuration management for the clearing service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), then normalizes and clamps the values the participant depends on.
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

// Config holds all the configuration variables for the clearing service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisJournalPrefix string `mapstructure:"REDIS_JOURNAL_PREFIX"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	ObserverExchange   string `mapstructure:"OBSERVER_EXCHANGE"`
	ObserverBroker     string `mapstructure:"OBSERVER_BROKER"`
	KafkaBrokers       string `mapstructure:"KAFKA_BROKERS"`
	KafkaObserverTopic string `mapstructure:"KAFKA_OBSERVER_TOPIC"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`

	ClearingSocketURL string `mapstructure:"BC_SOCKET_URL"`
	BankID            string `mapstructure:"BC_BANK_ID"`
	BankName          string `mapstructure:"BC_BANK_NAME"`
	ClearingToken     string `mapstructure:"BC_TOKEN"`
	BankIBANPrefix    string `mapstructure:"BANK_IBAN_PREFIX"`

	LedgerTimeoutSeconds          int    `mapstructure:"LEDGER_TIMEOUT_SECONDS"`
	ReconnectMinDelayMs           int    `mapstructure:"RECONNECT_MIN_DELAY_MS"`
	ReconnectMaxDelayMs           int    `mapstructure:"RECONNECT_MAX_DELAY_MS"`
	PingIntervalSeconds           int    `mapstructure:"PING_INTERVAL_SECONDS"`
	WorkerLanes                   int    `mapstructure:"WORKER_LANES"`
	LaneBuffer                    int    `mapstructure:"LANE_BUFFER"`
	StrictTokenCheck              bool   `mapstructure:"STRICT_TOKEN_CHECK"`
	MovementSweepSchedule         string `mapstructure:"MOVEMENT_SWEEP_SCHEDULE"`
	MovementCacheRetentionMinutes int    `mapstructure:"MOVEMENT_CACHE_RETENTION_MINUTES"`
	StaleMovementMinutes          int    `mapstructure:"STALE_MOVEMENT_MINUTES"`
	JournalTTLHours               int    `mapstructure:"JOURNAL_TTL_HOURS"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_JOURNAL_PREFIX", "clearing:journal")
	viper.SetDefault("OBSERVER_EXCHANGE", "clearing.events")
	viper.SetDefault("OBSERVER_BROKER", "rabbitmq")
	viper.SetDefault("KAFKA_OBSERVER_TOPIC", "clearing.events")
	viper.SetDefault("BC_SOCKET_URL", "http://137.184.36.3:6000")
	viper.SetDefault("BC_BANK_ID", "B07")
	viper.SetDefault("BC_BANK_NAME", "TestBank")
	viper.SetDefault("LEDGER_TIMEOUT_SECONDS", 10)
	viper.SetDefault("RECONNECT_MIN_DELAY_MS", 1000)
	viper.SetDefault("RECONNECT_MAX_DELAY_MS", 30000)
	viper.SetDefault("PING_INTERVAL_SECONDS", 20)
	viper.SetDefault("WORKER_LANES", 16)
	viper.SetDefault("LANE_BUFFER", 64)
	viper.SetDefault("STRICT_TOKEN_CHECK", false)
	viper.SetDefault("MOVEMENT_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("MOVEMENT_CACHE_RETENTION_MINUTES", 60)
	viper.SetDefault("STALE_MOVEMENT_MINUTES", 30)
	viper.SetDefault("JOURNAL_TTL_HOURS", 168)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CLEARING_REDIS_URL")
	_ = viper.BindEnv("REDIS_JOURNAL_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("OBSERVER_EXCHANGE")
	_ = viper.BindEnv("OBSERVER_BROKER")
	_ = viper.BindEnv("KAFKA_BROKERS", "KAFKA_BROKERS", "KAFKA_BROKER")
	_ = viper.BindEnv("KAFKA_OBSERVER_TOPIC")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CLEARING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BC_SOCKET_URL")
	_ = viper.BindEnv("BC_BANK_ID")
	_ = viper.BindEnv("BC_BANK_NAME")
	_ = viper.BindEnv("BC_TOKEN")
	_ = viper.BindEnv("BANK_IBAN_PREFIX")
	_ = viper.BindEnv("LEDGER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RECONNECT_MIN_DELAY_MS")
	_ = viper.BindEnv("RECONNECT_MAX_DELAY_MS")
	_ = viper.BindEnv("PING_INTERVAL_SECONDS")
	_ = viper.BindEnv("WORKER_LANES")
	_ = viper.BindEnv("LANE_BUFFER")
	_ = viper.BindEnv("STRICT_TOKEN_CHECK")
	_ = viper.BindEnv("MOVEMENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("MOVEMENT_CACHE_RETENTION_MINUTES")
	_ = viper.BindEnv("STALE_MOVEMENT_MINUTES")
	_ = viper.BindEnv("JOURNAL_TTL_HOURS")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CLEARING_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisJournalPrefix = strings.TrimSpace(config.RedisJournalPrefix)
	if config.RedisJournalPrefix == "" {
		config.RedisJournalPrefix = "clearing:journal"
	}
	config.ClearingToken = strings.TrimSpace(config.ClearingToken)
	config.BankID = strings.ToUpper(strings.TrimSpace(config.BankID))

	config.ObserverBroker = strings.ToLower(strings.TrimSpace(config.ObserverBroker))
	switch config.ObserverBroker {
	case "rabbitmq", "kafka", "log":
	case "", "rabbit", "amqp":
		config.ObserverBroker = "rabbitmq"
	default:
		log.Printf("level=warn component=config msg=\"unknown observer broker; using rabbitmq\" value=%q", config.ObserverBroker)
		config.ObserverBroker = "rabbitmq"
	}

	config.BankIBANPrefix = strings.ToUpper(strings.Join(strings.Fields(config.BankIBANPrefix), ""))
	if config.BankIBANPrefix == "" && config.BankID != "" {
		config.BankIBANPrefix = "CR01" + config.BankID
	}

	if config.LedgerTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid ledger timeout; using default\" value=%d", config.LedgerTimeoutSeconds)
		config.LedgerTimeoutSeconds = 10
	}
	if config.ReconnectMinDelayMs <= 0 {
		config.ReconnectMinDelayMs = 1000
	}
	if config.ReconnectMaxDelayMs < config.ReconnectMinDelayMs {
		log.Printf("level=warn component=config msg=\"reconnect max below min; clamping\" min_ms=%d max_ms=%d", config.ReconnectMinDelayMs, config.ReconnectMaxDelayMs)
		config.ReconnectMaxDelayMs = config.ReconnectMinDelayMs
	}
	if config.PingIntervalSeconds <= 0 {
		config.PingIntervalSeconds = 20
	}
	if config.WorkerLanes <= 0 {
		config.WorkerLanes = 16
	}
	if config.WorkerLanes > 1024 {
		log.Printf("level=warn component=config msg=\"worker lanes clamped\" value=%d", config.WorkerLanes)
		config.WorkerLanes = 1024
	}
	if config.LaneBuffer <= 0 {
		config.LaneBuffer = 64
	}
	if strings.TrimSpace(config.MovementSweepSchedule) == "" {
		config.MovementSweepSchedule = "@every 5m"
	}
	if config.MovementCacheRetentionMinutes <= 0 {
		config.MovementCacheRetentionMinutes = 60
	}
	if config.StaleMovementMinutes <= 0 {
		config.StaleMovementMinutes = 30
	}
	if config.JournalTTLHours < 0 {
		config.JournalTTLHours = 0
	}

	return
}

func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}

func (c Config) ReconnectMinDelay() time.Duration {
	return time.Duration(c.ReconnectMinDelayMs) * time.Millisecond
}

func (c Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c Config) MovementCacheRetention() time.Duration {
	return time.Duration(c.MovementCacheRetentionMinutes) * time.Minute
}

func (c Config) StaleMovementAfter() time.Duration {
	return time.Duration(c.StaleMovementMinutes) * time.Minute
}

// JournalTTL is how long confirmed step results are kept. Zero keeps them forever.
func (c Config) JournalTTL() time.Duration {
	return time.Duration(c.JournalTTLHours) * time.Hour
}
