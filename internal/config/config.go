package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the CraftScale server.
type Config struct {
	HTTPPort      int
	DatabasePath  string
	LogLevel      string
	DefaultFactor float64
	MQTTBrokerURL string
	MQTTTopic     string
	EnableMDNS    bool
}

const (
	defaultHTTPPort     = 3000
	defaultDatabasePath = "data/craftscale.db"
	defaultLogLevel     = "info"

	// DefaultFactor matches the HX711 board the workshop scale shipped
	// with. Override via CRAFTSCALE_DEFAULT_FACTOR for other hardware.
	DefaultFactor = -7050.0

	defaultMQTTTopic = "craftscale/scale/raw"
)

// Load derives configuration from environment variables, falling back to
// defaults. A .env file in the working directory is applied first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:      defaultHTTPPort,
		DatabasePath:  defaultDatabasePath,
		LogLevel:      defaultLogLevel,
		DefaultFactor: DefaultFactor,
		MQTTTopic:     defaultMQTTTopic,
		EnableMDNS:    true,
	}

	if v := os.Getenv("CRAFTSCALE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CRAFTSCALE_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("CRAFTSCALE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("CRAFTSCALE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("CRAFTSCALE_DEFAULT_FACTOR"); v != "" {
		factor, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CRAFTSCALE_DEFAULT_FACTOR: %w", err)
		}
		if factor == 0 {
			return Config{}, fmt.Errorf("CRAFTSCALE_DEFAULT_FACTOR must be non-zero")
		}
		cfg.DefaultFactor = factor
	}

	if v := os.Getenv("CRAFTSCALE_MQTT_BROKER"); v != "" {
		cfg.MQTTBrokerURL = v
	}

	if v := os.Getenv("CRAFTSCALE_MQTT_TOPIC"); v != "" {
		cfg.MQTTTopic = v
	}

	if v := os.Getenv("CRAFTSCALE_DISABLE_MDNS"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CRAFTSCALE_DISABLE_MDNS: %w", err)
		}
		cfg.EnableMDNS = !disabled
	}

	return cfg, nil
}
