package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "MURAL"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "mural.db"
	defaultLogLevel          = "info"
	defaultCanvasWidth       = 900
	defaultCanvasHeight      = 900
	defaultBatchWindow       = 50 * time.Millisecond
	defaultFlushInterval     = 10 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultSessionTimeout    = 30 * time.Second
	defaultRateBurst         = 20
	defaultRateRefillPerSec  = 10.0
	defaultRateMinuteCap     = 100
	defaultSendQueueSize     = 32
	defaultSnapshotCacheTTL  = time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	CanvasWidth       int
	CanvasHeight      int
	BatchWindow       time.Duration
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	RateBurst         int
	RateRefillPerSec  float64
	RateMinuteCap     int
	SendQueueSize     int
	SnapshotCacheTTL  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("canvas.width", defaultCanvasWidth)
	configViper.SetDefault("canvas.height", defaultCanvasHeight)
	configViper.SetDefault("canvas.flush_interval", defaultFlushInterval)
	configViper.SetDefault("broadcast.window", defaultBatchWindow)
	configViper.SetDefault("heartbeat.interval", defaultHeartbeatInterval)
	configViper.SetDefault("heartbeat.session_timeout", defaultSessionTimeout)
	configViper.SetDefault("rate.burst", defaultRateBurst)
	configViper.SetDefault("rate.refill_per_second", defaultRateRefillPerSec)
	configViper.SetDefault("rate.minute_cap", defaultRateMinuteCap)
	configViper.SetDefault("hub.send_queue_size", defaultSendQueueSize)
	configViper.SetDefault("cache.snapshot_ttl", defaultSnapshotCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		CanvasWidth:       configViper.GetInt("canvas.width"),
		CanvasHeight:      configViper.GetInt("canvas.height"),
		BatchWindow:       configViper.GetDuration("broadcast.window"),
		FlushInterval:     configViper.GetDuration("canvas.flush_interval"),
		HeartbeatInterval: configViper.GetDuration("heartbeat.interval"),
		SessionTimeout:    configViper.GetDuration("heartbeat.session_timeout"),
		RateBurst:         configViper.GetInt("rate.burst"),
		RateRefillPerSec:  configViper.GetFloat64("rate.refill_per_second"),
		RateMinuteCap:     configViper.GetInt("rate.minute_cap"),
		SendQueueSize:     configViper.GetInt("hub.send_queue_size"),
		SnapshotCacheTTL:  configViper.GetDuration("cache.snapshot_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		return fmt.Errorf("canvas.width and canvas.height must be positive")
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("broadcast.window must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.SessionTimeout < c.HeartbeatInterval {
		return fmt.Errorf("heartbeat.session_timeout must be at least heartbeat.interval")
	}
	if c.RateBurst <= 0 || c.RateRefillPerSec <= 0 {
		return fmt.Errorf("rate.burst and rate.refill_per_second must be positive")
	}
	if c.RateMinuteCap <= 0 {
		return fmt.Errorf("rate.minute_cap must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("hub.send_queue_size must be positive")
	}
	return nil
}
