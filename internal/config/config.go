package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seantiz/genhub/internal/retry"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "genhub.db"

	envPrefix     = "GENHUB"
	envConfigFile = "GENHUB_CONFIG"
	configName    = "genhub"
)

// RetryConfig holds the retry parameters applied to every job.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     string        `mapstructure:"backoff"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config holds application configuration loaded from defaults, an optional
// YAML file and GENHUB_* environment variables, in increasing precedence.
type Config struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	DBPath        string        `mapstructure:"db_path"`
	LogLevelName  string        `mapstructure:"log_level"`
	FleetPath     string        `mapstructure:"fleet_path"`
	WorkflowDir   string        `mapstructure:"workflow_dir"`
	OutputDir     string        `mapstructure:"output_dir"`
	PublicURL     string        `mapstructure:"public_url"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StreamTTL     time.Duration `mapstructure:"stream_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Retry         RetryConfig   `mapstructure:"retry"`
	Tracing       TracingConfig `mapstructure:"tracing"`

	LogLevel slog.Level `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("fleet_path", "fleet.yaml")
	v.SetDefault("workflow_dir", "workflows")
	v.SetDefault("output_dir", "outputs")
	v.SetDefault("public_url", "")
	v.SetDefault("job_timeout", "15m")
	v.SetDefault("probe_timeout", "2s")
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("stream_ttl", "10m")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", string(retry.BackoffExponential))
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("tracing.enabled", false)
}

// Load reads configuration. A missing default config file is not an error;
// a file named explicitly through GENHUB_CONFIG must exist.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the hub cannot run with.
func (c Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if !retry.Backoff(c.Retry.Backoff).Valid() {
		return fmt.Errorf("retry.backoff %q is not one of exponential, linear, constant", c.Retry.Backoff)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	if c.StreamTTL <= 0 {
		return fmt.Errorf("stream_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// RetryPolicy builds the executor retry policy from the configuration.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     retry.Backoff(c.Retry.Backoff),
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Timeout:     c.JobTimeout,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
