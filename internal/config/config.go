package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Ondus       OndusConfig
	Poll        PollConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
}

// OndusConfig holds vendor API and account settings
type OndusConfig struct {
	BaseURL      string
	Username     string
	Password     string
	RefreshToken string
	HTTPTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// PollConfig holds polling cadence settings
type PollConfig struct {
	Interval   time.Duration
	MinRefetch time.Duration
	Window     time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and routing settings
type RabbitMQConfig struct {
	URL               string
	ReadingExchange   string
	ReadingRoutingKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-iot-poller"),
		Ondus: OndusConfig{
			BaseURL:      getEnv("ONDUS_BASE_URL", "https://idp2-apigw.cloud.grohe.com/"),
			Username:     getEnv("ONDUS_USERNAME", ""),
			Password:     getEnv("ONDUS_PASSWORD", ""),
			RefreshToken: getEnv("ONDUS_REFRESH_TOKEN", ""),
			HTTPTimeout:  getEnvAsDuration("ONDUS_HTTP_TIMEOUT", 30*time.Second),
			BackoffBase:  getEnvAsDuration("ONDUS_BACKOFF_BASE", 2*time.Second),
			BackoffCap:   getEnvAsDuration("ONDUS_BACKOFF_CAP", 10*time.Minute),
		},
		Poll: PollConfig{
			Interval:   getEnvAsDuration("POLL_INTERVAL", 5*time.Minute),
			MinRefetch: getEnvAsDuration("POLL_MIN_REFETCH", 5*time.Minute),
			Window:     getEnvAsDuration("POLL_WINDOW", 7*24*time.Hour),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			ReadingExchange:   getEnv("RABBITMQ_READING_EXCHANGE", "water-iot.readings.exchange"),
			ReadingRoutingKey: getEnv("RABBITMQ_READING_ROUTING_KEY", "appliance.reading.normalized"),
		},
	}

	// Validate required fields
	if cfg.Ondus.RefreshToken == "" && (cfg.Ondus.Username == "" || cfg.Ondus.Password == "") {
		return nil, fmt.Errorf("either ONDUS_REFRESH_TOKEN or ONDUS_USERNAME and ONDUS_PASSWORD are required but not set in environment variables")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
