// Package config loads tutorchat settings from defaults, a YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// API
	APIURL      string
	WSURL       string // derived from APIURL when empty
	HTTPTimeout time.Duration

	// Credentials. The password is only read from the environment.
	Username string
	Password string

	// Realtime channel
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Session
	RevealInterval time.Duration
	RecorderTick   time.Duration
	AudioDir       string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Metrics, disabled when empty
	MetricsAddr string

	// Path of the YAML file that was read, empty if none.
	File string
}

// fileConfig is the YAML layout. Durations use time.ParseDuration syntax.
type fileConfig struct {
	APIURL      string `yaml:"api_url"`
	WSURL       string `yaml:"ws_url"`
	HTTPTimeout string `yaml:"http_timeout"`
	Username    string `yaml:"username"`
	Reconnect   struct {
		Attempts int    `yaml:"attempts"`
		Delay    string `yaml:"delay"`
	} `yaml:"reconnect"`
	RevealInterval string `yaml:"reveal_interval"`
	RecorderTick   string `yaml:"recorder_tick"`
	AudioDir       string `yaml:"audio_dir"`
	Log            struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		APIURL:            "http://localhost:5000",
		HTTPTimeout:       2 * time.Minute,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		RevealInterval:    50 * time.Millisecond,
		RecorderTick:      300 * time.Millisecond,
		AudioDir:          filepath.Join(os.TempDir(), "tutorchat-audio"),
		LogFile:           filepath.Join(os.TempDir(), "tutorchat.log"),
		LogLevel:          slog.LevelInfo,
	}
}

// Load reads configuration. Precedence: environment (including .env) > YAML file > defaults.
// The YAML file is TUTORCHAT_CONFIG or ~/.config/tutorchat/config.yaml; a missing file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()
	path := getEnv("TUTORCHAT_CONFIG", defaultConfigPath())

	var errs []error
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, cfg.applyEnv()...)
	errs = append(errs, cfg.validate()...)

	return cfg, errors.Join(errs...)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tutorchat", "config.yaml")
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.File = path

	setString(&c.APIURL, fc.APIURL)
	setString(&c.WSURL, fc.WSURL)
	setString(&c.Username, fc.Username)
	setString(&c.AudioDir, fc.AudioDir)
	setString(&c.LogFile, fc.Log.File)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	if fc.Log.Level != "" {
		c.LogLevel = parseLogLevel(fc.Log.Level)
	}
	if fc.Reconnect.Attempts != 0 {
		c.ReconnectAttempts = fc.Reconnect.Attempts
	}

	var errs []error
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"http_timeout", fc.HTTPTimeout, &c.HTTPTimeout},
		{"reconnect.delay", fc.Reconnect.Delay, &c.ReconnectDelay},
		{"reveal_interval", fc.RevealInterval, &c.RevealInterval},
		{"recorder_tick", fc.RecorderTick, &c.RecorderTick},
	} {
		if err := setDuration(d.dst, d.val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %s: %w", path, d.key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() []error {
	c.APIURL = getEnv("TUTORCHAT_API_URL", c.APIURL)
	c.WSURL = getEnv("TUTORCHAT_WS_URL", c.WSURL)
	c.Username = getEnv("TUTORCHAT_USERNAME", c.Username)
	c.Password = getEnv("TUTORCHAT_PASSWORD", c.Password)
	c.AudioDir = getEnv("TUTORCHAT_AUDIO_DIR", c.AudioDir)
	c.LogFile = getEnv("TUTORCHAT_LOG_FILE", c.LogFile)
	c.MetricsAddr = getEnv("TUTORCHAT_METRICS_ADDR", c.MetricsAddr)
	if lvl := os.Getenv("TUTORCHAT_LOG_LEVEL"); lvl != "" {
		c.LogLevel = parseLogLevel(lvl)
	}

	var errs []error
	if v := os.Getenv("TUTORCHAT_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TUTORCHAT_RECONNECT_ATTEMPTS: %w", err))
		} else {
			c.ReconnectAttempts = n
		}
	}
	for key, dst := range map[string]*time.Duration{
		"TUTORCHAT_HTTP_TIMEOUT":    &c.HTTPTimeout,
		"TUTORCHAT_RECONNECT_DELAY": &c.ReconnectDelay,
		"TUTORCHAT_REVEAL_INTERVAL": &c.RevealInterval,
		"TUTORCHAT_RECORDER_TICK":   &c.RecorderTick,
	} {
		if err := setDuration(dst, os.Getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errs
}

func (c *Config) validate() []error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api url must not be empty"))
	}
	if c.ReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect attempts must be positive, got %d", c.ReconnectAttempts))
	}
	for name, d := range map[string]time.Duration{
		"reconnect delay": c.ReconnectDelay,
		"reveal interval": c.RevealInterval,
		"recorder tick":   c.RecorderTick,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errs
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setDuration(dst *time.Duration, val string) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
