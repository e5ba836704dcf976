// Package config reads service settings from LEDGER_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const Prefix = "LEDGER_"

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	Storage       string `env:"STORAGE" envDefault:"file"`
	FilePath      string `env:"FILE_PATH" envDefault:"tables.json"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"ledger.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DB" envDefault:"submission_ledger"`

	Timezone            string        `env:"TIMEZONE" envDefault:"Asia/Kolkata"`
	ReminderTime        string        `env:"REMINDER_TIME" envDefault:"22:00"`
	RegistrationTimeout time.Duration `env:"REGISTRATION_TIMEOUT" envDefault:"60s"`

	AttachmentDir     string   `env:"ATTACHMENT_DIR" envDefault:"attachments"`
	AttachmentBaseURL string   `env:"ATTACHMENT_BASE_URL" envDefault:"/attachments"`
	AttachmentHosts   []string `env:"ATTACHMENT_HOSTS" envSeparator:","`

	Notifier          string `env:"NOTIFIER" envDefault:"log"`
	WebhookURL        string `env:"WEBHOOK_URL"`
	SESRegion         string `env:"SES_REGION"`
	SESFrom           string `env:"SES_FROM"`
	NotifyEmailDomain string `env:"NOTIFY_EMAIL_DOMAIN"`

	AdminToken string `env:"ADMIN_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	TLSCert string `env:"TLS_CERT"`
	TLSKey  string `env:"TLS_KEY"`

	// Derived by Load.
	Location       *time.Location `env:"-"`
	ReminderHour   int            `env:"-"`
	ReminderMinute int            `env:"-"`
}

// Load reads dotenv (if the file exists) and then the environment. Values
// already set in the environment win over the file.
func Load(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	return FromEnv(nil)
}

// FromEnv parses the configuration. A nil environment means os.Environ.
func FromEnv(environ map[string]string) (*Config, error) {
	opts := env.Options{Prefix: Prefix}
	if environ != nil {
		opts.Environment = environ
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolve() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%sTIMEZONE: %w", Prefix, err)
	}
	c.Location = loc

	c.ReminderHour, c.ReminderMinute, err = parseClock(c.ReminderTime)
	if err != nil {
		return fmt.Errorf("%sREMINDER_TIME: %w", Prefix, err)
	}

	switch c.Notifier {
	case "log":
	case "webhook":
		if c.WebhookURL == "" {
			return fmt.Errorf("%sWEBHOOK_URL is required for the webhook notifier", Prefix)
		}
	case "ses":
		if c.SESFrom == "" {
			return fmt.Errorf("%sSES_FROM is required for the ses notifier", Prefix)
		}
	default:
		return fmt.Errorf("unknown notifier %q", c.Notifier)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%sTLS_CERT and %sTLS_KEY must be set together", Prefix, Prefix)
	}
	return nil
}

func parseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if hour, err = strconv.Atoi(h); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	if minute, err = strconv.Atoi(m); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	switch c.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return log, nil
}
