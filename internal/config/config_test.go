package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"TUTORCHAT_API_URL", "TUTORCHAT_WS_URL", "TUTORCHAT_USERNAME", "TUTORCHAT_PASSWORD",
	"TUTORCHAT_AUDIO_DIR", "TUTORCHAT_LOG_FILE", "TUTORCHAT_LOG_LEVEL", "TUTORCHAT_METRICS_ADDR",
	"TUTORCHAT_RECONNECT_ATTEMPTS", "TUTORCHAT_HTTP_TIMEOUT", "TUTORCHAT_RECONNECT_DELAY",
	"TUTORCHAT_REVEAL_INTERVAL", "TUTORCHAT_RECORDER_TICK",
}

// isolate clears the environment and points the config file into a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("TUTORCHAT_CONFIG", path)
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	want := Defaults()
	assert.Equal(t, want, cfg)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.RevealInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.RecorderTick)
	assert.Empty(t, cfg.File)
}

func TestLoadFile(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte(`
api_url: https://tutor.example.com
username: ana
http_timeout: 30s
reconnect:
  attempts: 3
  delay: 250ms
reveal_interval: 20ms
log:
  level: debug
  file: /var/log/tutorchat.log
metrics_addr: ":9090"
`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "https://tutor.example.com", cfg.APIURL)
	assert.Equal(t, "ana", cfg.Username)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 20*time.Millisecond, cfg.RevealInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.RecorderTick, "unset keys keep defaults")
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "/var/log/tutorchat.log", cfg.LogFile)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte("api_url: https://file.example.com\nreconnect:\n  attempts: 3\n"), 0o644))
	t.Setenv("TUTORCHAT_API_URL", "https://env.example.com")
	t.Setenv("TUTORCHAT_RECONNECT_ATTEMPTS", "7")
	t.Setenv("TUTORCHAT_RECORDER_TICK", "1s")
	t.Setenv("TUTORCHAT_PASSWORD", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.APIURL)
	assert.Equal(t, 7, cfg.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.RecorderTick)
	assert.Equal(t, "s3cret", cfg.Password)
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.Unsetenv("TUTORCHAT_USERNAME"))
	t.Cleanup(func() { os.Unsetenv("TUTORCHAT_USERNAME") })
	require.NoError(t, os.WriteFile(".env", []byte("TUTORCHAT_USERNAME=from-dotenv\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Username)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "bad yaml", file: "api_url: [", want: "parse config file"},
		{name: "bad file duration", file: "reveal_interval: soon", want: "reveal_interval"},
		{name: "bad env duration", env: map[string]string{"TUTORCHAT_RECONNECT_DELAY": "later"}, want: "TUTORCHAT_RECONNECT_DELAY"},
		{name: "bad env int", env: map[string]string{"TUTORCHAT_RECONNECT_ATTEMPTS": "many"}, want: "TUTORCHAT_RECONNECT_ATTEMPTS"},
		{name: "zero attempts", env: map[string]string{"TUTORCHAT_RECONNECT_ATTEMPTS": "0"}, want: "reconnect attempts must be positive"},
		{name: "negative tick", env: map[string]string{"TUTORCHAT_RECORDER_TICK": "-1s"}, want: "recorder tick must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := isolate(t)
			if tt.file != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o644))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), tt.in)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("session started", "user", "ana")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "msg=\"session started\"")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	assert.Equal(t, "session started", rec["msg"])
	assert.Equal(t, "ana", rec["user"])
}

func TestSetupFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	var sink bytes.Buffer

	logger, cleanup := SetupFileLogger(path, slog.LevelInfo, slog.NewTextHandler(&sink, nil))
	logger.Warn("channel dropped")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"channel dropped"`)
	assert.Contains(t, sink.String(), "channel dropped")
}

func TestSetupFileLoggerUnwritablePath(t *testing.T) {
	logger, cleanup := SetupFileLogger(filepath.Join(t.TempDir(), "missing", "chat.log"), slog.LevelInfo, nil)
	require.NotNil(t, logger)
	logger.Info("goes nowhere")
	assert.NoError(t, cleanup())
}
