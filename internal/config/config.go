package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Sync       SyncConfig       `yaml:"sync"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	// Path to the local sqlite file holding the mutation queue.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QueueConfig struct {
	MaxRetries    int     `yaml:"max_retries"`
	InitialDelay  int     `yaml:"initial_delay_ms"`
	MaxDelay      int     `yaml:"max_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	Jitter        float64 `yaml:"jitter"`
	BatchSize     int     `yaml:"batch_size"`
}

type RealtimeConfig struct {
	URL            string          `yaml:"url"`
	Heartbeat      int             `yaml:"heartbeat_sec"`
	DrainInterval  int             `yaml:"drain_interval_ms"`
	BatchThreshold int             `yaml:"batch_threshold"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialDelay  int     `yaml:"initial_delay_ms"`
	MaxDelay      int     `yaml:"max_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

type SyncConfig struct {
	Concurrency    int     `yaml:"concurrency"`
	DrainInterval  int     `yaml:"drain_interval_sec"`
	RequestTimeout int     `yaml:"request_timeout_sec"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; environment wins when present.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.API.BaseURL == "" {
		return errors.New("api base_url is required")
	}
	if c.Queue.BackoffFactor < 1 && c.Queue.BackoffFactor != 0 {
		return errors.New("queue backoff_factor must be >= 1")
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		return errors.New("queue jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.InitialDelay == 0 {
		c.Queue.InitialDelay = 2000
	}
	if c.Queue.MaxDelay == 0 {
		c.Queue.MaxDelay = 60000
	}
	if c.Queue.BackoffFactor == 0 {
		c.Queue.BackoffFactor = 2
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 20
	}

	if c.Realtime.Heartbeat == 0 {
		c.Realtime.Heartbeat = 30
	}
	if c.Realtime.DrainInterval == 0 {
		c.Realtime.DrainInterval = 250
	}
	if c.Realtime.BatchThreshold == 0 {
		c.Realtime.BatchThreshold = 50
	}
	if c.Realtime.Reconnect.MaxAttempts == 0 {
		c.Realtime.Reconnect.MaxAttempts = 8
	}
	if c.Realtime.Reconnect.InitialDelay == 0 {
		c.Realtime.Reconnect.InitialDelay = 1000
	}
	if c.Realtime.Reconnect.MaxDelay == 0 {
		c.Realtime.Reconnect.MaxDelay = 30000
	}
	if c.Realtime.Reconnect.BackoffFactor == 0 {
		c.Realtime.Reconnect.BackoffFactor = 2
	}

	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 3
	}
	if c.Sync.DrainInterval == 0 {
		c.Sync.DrainInterval = 15
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 10
	}
	if c.Sync.RPS == 0 {
		c.Sync.RPS = 10
	}
	if c.Sync.Burst == 0 {
		c.Sync.Burst = 5
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

// QueueInitialDelay returns the configured base retry delay.
func (c *QueueConfig) QueueInitialDelay() time.Duration {
	return time.Duration(c.InitialDelay) * time.Millisecond
}

// QueueMaxDelay returns the configured retry delay ceiling.
func (c *QueueConfig) QueueMaxDelay() time.Duration {
	return time.Duration(c.MaxDelay) * time.Millisecond
}
