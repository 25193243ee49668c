package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Stream   StreamConfig   `mapstructure:"stream"`
	History  HistoryConfig  `mapstructure:"history"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// StreamConfig holds the live feed connection parameters.
type StreamConfig struct {
	URL                  string        `mapstructure:"url"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"` // base delay, grows 1.5x per attempt
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	WindowSize           int           `mapstructure:"window_size"` // visible candles
	Capacity             int           `mapstructure:"capacity"`    // retained candles
}

// HistoryConfig points at the one-shot history endpoint. An empty URL skips
// the load.
type HistoryConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ReplayConfig configures the replay server.
type ReplayConfig struct {
	Addr           string        `mapstructure:"addr"`
	DataFile       string        `mapstructure:"data_file"`
	InitialCandles int           `mapstructure:"initial_candles"`
	Interval       time.Duration `mapstructure:"interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "ws://localhost:8080")
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.reconnect_delay", 2*time.Second)
	v.SetDefault("stream.dial_timeout", 10*time.Second)
	v.SetDefault("stream.window_size", 100)
	v.SetDefault("stream.capacity", 1000)

	v.SetDefault("history.url", "")
	v.SetDefault("history.timeout", 10*time.Second)

	v.SetDefault("monitor.interval", 5*time.Second)

	v.SetDefault("replay.addr", ":8080")
	v.SetDefault("replay.data_file", "data/replay.json")
	v.SetDefault("replay.initial_candles", 50)
	v.SetDefault("replay.interval", time.Second)
	v.SetDefault("replay.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "candlestream")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.parameter_prefix", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("postgres.retention", 0)
	v.SetDefault("postgres.retention_interval", time.Hour)
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	ex, _ := os.Executable()
	var dir string
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		dir = filepath.Join(pwd, "../../config")
	} else {
		dir = filepath.Join(filepath.Dir(ex), "../config")
	}

	cfg, err := Read(dir, "config", ".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Read loads config.yaml from the first of paths that has one. A missing
// file is not an error; defaults and environment variables still apply.
func Read(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	// Support environment variables with dot notation (e.g., STREAM_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
