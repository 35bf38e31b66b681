// ABOUTME: Tests for coven-chat command helpers
// ABOUTME: Covers config path resolution, flag parsing, generated configs, and the log handler

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env var wins", func(t *testing.T) {
		t.Setenv("COVEN_CHAT_CONFIG", "/etc/coven/chat.toml")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, "/etc/coven/chat.toml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("COVEN_CHAT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "coven", "chat.yaml"), getConfigPath())
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("COVEN_CHAT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/tester")
		assert.Equal(t, filepath.Join("/home/tester", ".config", "coven", "chat.yaml"), getConfigPath())
	})
}

func TestParseTokenArgs(t *testing.T) {
	got, err := parseTokenArgs([]string{"--subject", "alice", "--ttl", "2h"})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.subject)
	assert.Equal(t, 2*time.Hour, got.ttl)

	got, err = parseTokenArgs([]string{"--subject=bob"})
	require.NoError(t, err)
	assert.Equal(t, defaultTokenTTL, got.ttl)

	_, err = parseTokenArgs(nil)
	assert.ErrorContains(t, err, "--subject is required")

	_, err = parseTokenArgs([]string{"--subject", "x", "--ttl", "-1h"})
	assert.ErrorContains(t, err, "--ttl must be positive")

	_, err = parseTokenArgs([]string{"--subject", "x", "extra"})
	assert.ErrorContains(t, err, "unexpected argument")

	_, err = parseTokenArgs([]string{"--bogus"})
	assert.Error(t, err)
}

func TestParseUserArgs(t *testing.T) {
	got, err := parseUserArgs([]string{"--external-id", "ext-1", "--contact", "a@example.com", "--name", "Alice"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"external_id":  "ext-1",
		"contact":      "a@example.com",
		"display_name": "Alice",
	}, got.userPayload())

	_, err = parseUserArgs([]string{"--contact", "a@example.com"})
	assert.ErrorContains(t, err, "--external-id is required")

	_, err = parseUserArgs([]string{"--external-id", "ext-1"})
	assert.ErrorContains(t, err, "--contact is required")
}

func TestRenderConfig_LoadsBack(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(secret), auth.MinSecretLength)

	dir := t.TempDir()
	rendered := renderConfig(initAnswers{
		httpAddr:   "localhost:9090",
		grpcAddr:   "localhost:50052",
		driver:     config.DriverSQLite,
		dbPath:     filepath.Join(dir, "chat.db"),
		redisURL:   "redis://localhost:6379/0",
		logLevel:   "debug",
		logFormat:  "json",
		jwtSecret:  secret,
		syncSecret: "sync",
	})

	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rendered), 0600))

	t.Setenv(config.DBPathEnv, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "localhost:50052", cfg.Server.GRPCAddr)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "chat.db"), cfg.Database.Path)
	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Equal(t, "sync", cfg.Auth.SyncSecret)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Live.RedisURL)
	assert.Equal(t, config.DefaultIdempotencyTTL, cfg.Messages.IdempotencyTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Tailscale.Enabled)
}

func TestRenderConfig_Postgres(t *testing.T) {
	rendered := renderConfig(initAnswers{
		httpAddr:  "localhost:8080",
		driver:    config.DriverPostgres,
		dsn:       "postgres://localhost/chat",
		logLevel:  "info",
		logFormat: "text",
		jwtSecret: strings.Repeat("s", 32),
	})
	assert.Contains(t, rendered, `dsn: "postgres://localhost/chat"`)
	assert.NotContains(t, rendered, "path:")
	assert.NotContains(t, rendered, "grpc_addr")
	assert.NotContains(t, rendered, "live:")
}

func TestMintToken(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: strings.Repeat("k", 32)}}
	token, err := mintToken(cfg, "ext-alice", time.Hour)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	sub, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ext-alice", sub)

	cfg.Auth.JWTSecret = "short"
	_, err = mintToken(cfg, "ext-alice", time.Hour)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "gateway").Info("started", "addr", ":8080")
	logger.WithGroup("req").Warn("slow", "ms", 250)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF started component=gateway addr=:8080")
	assert.Contains(t, out, "WRN slow req.ms=250")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", serverURL(&config.Config{Server: config.ServerConfig{HTTPAddr: ":8080"}}))
	assert.Equal(t, "http://127.0.0.1:9000", serverURL(&config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:9000"}}))
}
