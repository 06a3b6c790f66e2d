package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const VERSION = "1.4"

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	SMTP        SMTPConfig
	Queue       QueueConfig
	Campaign    CampaignConfig
	Environment string
	LogLevel    string
	Version     string
}

type ServerConfig struct {
	Port int
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnectionString builds a lib/pq DSN from the database settings.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	// Enabled switches the trigger and stats caches from in-memory to Redis
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type QueueConfig struct {
	PollInterval time.Duration
	WorkerCount  int
	BatchSize    int
	MaxAttempts  int
}

type CampaignConfig struct {
	BatchSize       int
	SendConcurrency int
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	EnvFile string // Optional environment file to load (e.g., ".env", ".env.test")
}

// Load loads the configuration with default options
func Load() (*Config, error) {
	// Try to load .env file but don't require it
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions loads the configuration with the specified options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "loopmail")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("VERSION", VERSION)

	// Redis defaults
	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)

	// SMTP defaults
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM_NAME", "Loopmail")

	// Queue defaults
	v.SetDefault("QUEUE_POLL_INTERVAL", "1s")
	v.SetDefault("QUEUE_WORKER_COUNT", 5)
	v.SetDefault("QUEUE_BATCH_SIZE", 50)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 5)

	// Campaign defaults
	v.SetDefault("CAMPAIGN_BATCH_SIZE", 500)
	v.SetDefault("CAMPAIGN_SEND_CONCURRENCY", 10)

	// Load environment file if specified
	if opts.EnvFile != "" {
		v.SetConfigName(opts.EnvFile)
		v.SetConfigType("env")

		currentPath, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}

		v.AddConfigPath(currentPath)

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Read environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	pollInterval := v.GetDuration("QUEUE_POLL_INTERVAL")
	if pollInterval <= 0 {
		return nil, fmt.Errorf("QUEUE_POLL_INTERVAL must be a positive duration")
	}

	workerCount := v.GetInt("QUEUE_WORKER_COUNT")
	if workerCount < 1 {
		return nil, fmt.Errorf("QUEUE_WORKER_COUNT must be at least 1")
	}

	maxAttempts := v.GetInt("QUEUE_MAX_ATTEMPTS")
	if maxAttempts < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}

	config := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
			Host: v.GetString("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("REDIS_ENABLED"),
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		SMTP: SMTPConfig{
			Host:      v.GetString("SMTP_HOST"),
			Port:      v.GetInt("SMTP_PORT"),
			Username:  v.GetString("SMTP_USERNAME"),
			Password:  v.GetString("SMTP_PASSWORD"),
			FromEmail: v.GetString("SMTP_FROM_EMAIL"),
			FromName:  v.GetString("SMTP_FROM_NAME"),
		},
		Queue: QueueConfig{
			PollInterval: pollInterval,
			WorkerCount:  workerCount,
			BatchSize:    v.GetInt("QUEUE_BATCH_SIZE"),
			MaxAttempts:  maxAttempts,
		},
		Campaign: CampaignConfig{
			BatchSize:       v.GetInt("CAMPAIGN_BATCH_SIZE"),
			SendConcurrency: v.GetInt("CAMPAIGN_SEND_CONCURRENCY"),
		},
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Version:     v.GetString("VERSION"),
	}

	return config, nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
