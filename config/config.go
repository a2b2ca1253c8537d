package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Device     DeviceConfig     `yaml:"device"`
	Dispense   DispenseConfig   `yaml:"dispense"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port" validate:"min=1,max=65535"`
	Debug           bool    `yaml:"debug"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" validate:"gt=0"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" validate:"min=1"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds" validate:"min=1"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the event store connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" validate:"required,oneof=sqlite postgres"`
	Path                   string `yaml:"path" validate:"required_if=Driver sqlite"`
	DSN                    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// DeviceConfig describes how to reach the dispenser hardware.
type DeviceConfig struct {
	URL                    string        `yaml:"url" validate:"omitempty,url"`
	StatusTimeoutSeconds   float64       `yaml:"status_timeout_seconds"`
	DispenseTimeoutSeconds float64       `yaml:"dispense_timeout_seconds"`
	StatusTimeout          time.Duration `yaml:"-" validate:"gt=0"`
	DispenseTimeout        time.Duration `yaml:"-" validate:"gt=0"`
	Simulate               bool          `yaml:"simulate"`
	SimulatedFlowMLPerSec  float64       `yaml:"simulated_flow_ml_per_sec"`
}

// DispenseConfig holds the safety limits applied to every pour.
type DispenseConfig struct {
	MaxML int `yaml:"max_ml" validate:"min=1"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key" validate:"required_with=PublicKey"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// Load builds the configuration from the optional YAML file at path, a .env file in the
// working directory and the process environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"server.host":               "HOST",
	"server.port":               "PORT",
	"server.debug":              "DEBUG",
	"server.rate_limit_per_sec": "RATE_LIMIT_PER_SEC",
	"database.driver":           "DATABASE_DRIVER",
	"database.path":             "DATABASE_PATH",
	"database.dsn":              "DATABASE_DSN",
	"device.url":                "ESP32_URL",
	"device.status_timeout":     "ESP32_STATUS_TIMEOUT",
	"device.dispense_timeout":   "ESP32_DISPENSE_TIMEOUT",
	"device.simulate":           "SIMULATE_DEVICE",
	"dispense.max_ml":           "MAX_DISPENSE_ML",
	"push.public_key":           "VAPID_PUBLIC_KEY",
	"push.private_key":          "VAPID_PRIVATE_KEY",
	"push.subject":              "VAPID_SUBJECT",
}

func applyEnv(cfg *Config) error {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("server.host", &cfg.Server.Host)
	setString("database.driver", &cfg.Database.Driver)
	setString("database.path", &cfg.Database.Path)
	setString("database.dsn", &cfg.Database.DSN)
	setString("device.url", &cfg.Device.URL)
	setString("push.public_key", &cfg.Push.PublicKey)
	setString("push.private_key", &cfg.Push.PrivateKey)
	setString("push.subject", &cfg.Push.Subject)

	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("server.debug") {
		cfg.Server.Debug = v.GetBool("server.debug")
	}
	if v.IsSet("server.rate_limit_per_sec") {
		cfg.Server.RateLimitPerSec = v.GetFloat64("server.rate_limit_per_sec")
	}
	if v.IsSet("device.status_timeout") {
		cfg.Device.StatusTimeoutSeconds = v.GetFloat64("device.status_timeout")
	}
	if v.IsSet("device.dispense_timeout") {
		cfg.Device.DispenseTimeoutSeconds = v.GetFloat64("device.dispense_timeout")
	}
	if v.IsSet("device.simulate") {
		cfg.Device.Simulate = v.GetBool("device.simulate")
	}
	if v.IsSet("dispense.max_ml") {
		cfg.Dispense.MaxML = v.GetInt("dispense.max_ml")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "dispenser.db"
	}

	if cfg.Device.URL == "" && !cfg.Device.Simulate {
		cfg.Device.URL = "http://esp32.local"
	}
	if cfg.Device.StatusTimeoutSeconds <= 0 {
		cfg.Device.StatusTimeoutSeconds = 1.0
	}
	if cfg.Device.DispenseTimeoutSeconds <= 0 {
		cfg.Device.DispenseTimeoutSeconds = 2.0
	}
	cfg.Device.StatusTimeout = seconds(cfg.Device.StatusTimeoutSeconds)
	cfg.Device.DispenseTimeout = seconds(cfg.Device.DispenseTimeoutSeconds)
	if cfg.Device.SimulatedFlowMLPerSec <= 0 {
		cfg.Device.SimulatedFlowMLPerSec = 15
	}

	if cfg.Dispense.MaxML == 0 {
		cfg.Dispense.MaxML = 60
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 16
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
