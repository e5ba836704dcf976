package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "file", cfg.Storage)
	assert.Equal(t, "Asia/Kolkata", cfg.Location.String())
	assert.Equal(t, 22, cfg.ReminderHour)
	assert.Equal(t, 0, cfg.ReminderMinute)
	assert.Equal(t, time.Minute, cfg.RegistrationTimeout)
	assert.Equal(t, "log", cfg.Notifier)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnv(map[string]string{
		"LEDGER_STORAGE":              "postgres",
		"LEDGER_DATABASE_URL":         "postgres://localhost/ledger",
		"LEDGER_TIMEZONE":             "UTC",
		"LEDGER_REMINDER_TIME":        "21:30",
		"LEDGER_REGISTRATION_TIMEOUT": "90s",
		"LEDGER_NOTIFIER":             "webhook",
		"LEDGER_WEBHOOK_URL":          "https://chat.example/hook",
		"LEDGER_ATTACHMENT_HOSTS":     "cdn.discordapp.com,media.discordapp.net",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, 21, cfg.ReminderHour)
	assert.Equal(t, 30, cfg.ReminderMinute)
	assert.Equal(t, 90*time.Second, cfg.RegistrationTimeout)
	assert.Equal(t, []string{"cdn.discordapp.com", "media.discordapp.net"}, cfg.AttachmentHosts)
}

func TestInvalid(t *testing.T) {
	for name, environ := range map[string]map[string]string{
		"timezone":      {"LEDGER_TIMEZONE": "Mars/Olympus"},
		"reminder":      {"LEDGER_REMINDER_TIME": "25:00"},
		"reminder form": {"LEDGER_REMINDER_TIME": "2200"},
		"notifier":      {"LEDGER_NOTIFIER": "pigeon"},
		"webhook url":   {"LEDGER_NOTIFIER": "webhook"},
		"ses from":      {"LEDGER_NOTIFIER": "ses"},
		"tls pair":      {"LEDGER_TLS_CERT": "cert.pem"},
		"duration":      {"LEDGER_REGISTRATION_TIMEOUT": "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(environ)
			assert.Error(t, err)
		})
	}
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_ADDR=:9999\nLEDGER_STORAGE=memory\n"), 0644))
	t.Setenv("LEDGER_STORAGE", "sqlite")
	t.Cleanup(func() { os.Unsetenv("LEDGER_ADDR") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Storage, "environment wins over the file")

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLogger(t *testing.T) {
	cfg := &Config{LogLevel: "debug", LogFormat: "json"}
	log, err := cfg.Logger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = (&Config{LogLevel: "loud"}).Logger()
	assert.Error(t, err)
	_, err = (&Config{LogLevel: "info", LogFormat: "xml"}).Logger()
	assert.Error(t, err)
}
