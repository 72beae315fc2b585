package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TIR_"

type AppConfig struct {
	LogLevel  string        `yaml:"log_level" env:"LOG_LEVEL"`
	Workers   int           `yaml:"workers" env:"WORKERS"`
	OutputDir string        `yaml:"output_dir" env:"OUTPUT_DIR"`
	Layout    string        `yaml:"layout" env:"LAYOUT"`
	Rotation  int           `yaml:"rotation" env:"ROTATION"`
	TimeShift time.Duration `yaml:"time_shift" env:"TIME_SHIFT"`
	Prefix    string        `yaml:"prefix" env:"PREFIX"`

	Zones     string `yaml:"zones" env:"ZONES"`
	Positions string `yaml:"positions" env:"POSITIONS"`
	Wide      bool   `yaml:"wide" env:"WIDE"`

	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Ingest  IngestConfig  `yaml:"ingest" envPrefix:"INGEST_"`
	MQTT    MQTTConfig    `yaml:"mqtt" envPrefix:"MQTT_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
}

// ServerConfig controls the analyzer status server. Port 0 disables it.
type ServerConfig struct {
	Port   int           `yaml:"port" env:"PORT"`
	UIRate time.Duration `yaml:"ui_rate" env:"UI_RATE"`
}

type IngestConfig struct {
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	LogEvery int           `yaml:"log_every" env:"LOG_EVERY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MQTTConfig enables statistics publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"BROKER"`
	Topic    string `yaml:"topic" env:"TOPIC"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	QoS      byte   `yaml:"qos" env:"QOS"`
}

// StorageConfig enables uploads of produced files when Endpoint is set.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

func Default() AppConfig {
	return AppConfig{
		LogLevel:  "info",
		Workers:   4,
		OutputDir: "output",
		Layout:    "long",
		Server: ServerConfig{
			UIRate: time.Second,
		},
		Ingest: IngestConfig{
			Endpoint: "tcp://localhost:31001",
			LogEvery: 100,
		},
		MQTT: MQTTConfig{
			Topic: "tir/zones",
			QoS:   1,
		},
		Storage: StorageConfig{
			Bucket: "thermal",
		},
	}
}

// Load builds the configuration from defaults, an optional .env file in the
// working directory, an optional YAML file and TIR_ environment variables,
// in that order.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if err := loadDotEnv(".env"); err != nil {
		return cfg, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Validate normalizes values and rejects the ones that cannot work.
func (c *AppConfig) Validate() error {
	if c.Workers < 1 {
		c.Workers = 1
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	c.Layout = strings.ToLower(strings.TrimSpace(c.Layout))
	switch c.Layout {
	case "":
		c.Layout = "long"
	case "long", "grid":
	default:
		return fmt.Errorf("invalid layout %q, use long or grid", c.Layout)
	}
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("invalid rotation %d, use 0, 90, 180 or 270", c.Rotation)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.UIRate <= 0 {
		c.Server.UIRate = time.Second
	}
	if c.Ingest.LogEvery < 1 {
		c.Ingest.LogEvery = 1
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	}
	if c.Zones != "" && c.Positions != "" {
		return fmt.Errorf("zones and positions are mutually exclusive")
	}
	return nil
}
