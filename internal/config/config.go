// Package config reads command line flags. Every flag can also be given
// through the environment or a .env file in the working directory.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	DBDialect       string
	DBAddress       string
	StateDB         string
	Owner           string
	GeminiKey       string
	GeminiModel     string
	AITimeout       time.Duration
	CORSOrigins     []string
	UploadDir       string
	Debug           bool
	RequestFullSync bool
	SessionTTL      time.Duration
	Retention       time.Duration
	SweepSchedule   string
	MaxReconnects   int
}

// Load parses args on top of environment defaults. A missing .env file is
// not an error.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var (
		c       Config
		origins string
		fs      = flag.NewFlagSet("whatsapp-ai-bot", flag.ContinueOnError)
	)
	fs.StringVar(&c.Addr, "addr", getEnv("ADDR", ":8000"), "HTTP listen address")
	fs.StringVar(&c.DBDialect, "db-dialect", getEnv("DB_DIALECT", "sqlite3"), "Device store dialect (sqlite3 or postgres)")
	fs.StringVar(&c.DBAddress, "db-address", getEnv("DB_ADDRESS", "file:whatsapp.db?_foreign_keys=on"), "Device store address")
	fs.StringVar(&c.StateDB, "state-db", getEnv("STATE_DB", "file:bot.db?_foreign_keys=on"), "Conversation state database")
	fs.StringVar(&c.Owner, "owner", getEnv("OWNER_NUMBER", ""), "Phone number of the account owner; its messages are never answered")
	fs.StringVar(&c.GeminiKey, "gemini-key", getEnv("GEMINI_API_KEY", ""), "Gemini API key")
	fs.StringVar(&c.GeminiModel, "gemini-model", getEnv("GEMINI_MODEL", "gemini-1.5-flash"), "Gemini model name")
	fs.DurationVar(&c.AITimeout, "ai-timeout", getDuration("AI_TIMEOUT", 30*time.Second), "Timeout of one AI completion")
	fs.StringVar(&origins, "cors-origins", getEnv("CORS_ORIGINS", "http://localhost:8000"), "Comma separated allowed CORS origins")
	fs.StringVar(&c.UploadDir, "upload-dir", getEnv("UPLOAD_DIR", os.TempDir()), "Directory for temporary broadcast uploads")
	fs.BoolVar(&c.Debug, "debug", getBool("DEBUG", false), "Enable debug logs?")
	fs.BoolVar(&c.RequestFullSync, "request-full-sync", getBool("REQUEST_FULL_SYNC", false), "Request full (1 year) history sync when logging in?")
	fs.DurationVar(&c.SessionTTL, "session-ttl", getDuration("SESSION_TTL", 24*time.Hour), "How long idle sender states stay in memory")
	fs.DurationVar(&c.Retention, "retention", getDuration("RETENTION", 30*24*time.Hour), "Delete sender states idle longer than this (0 keeps them forever)")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", getEnv("SWEEP_SCHEDULE", "@every 1h"), "Cron schedule of the retention sweep")
	fs.IntVar(&c.MaxReconnects, "max-reconnects", getInt("MAX_RECONNECTS", 10), "Consecutive reconnect attempts before giving up (0 means unlimited)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.Owner = strings.TrimPrefix(strings.TrimSpace(c.Owner), "+")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.CORSOrigins = append(c.CORSOrigins, o)
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.DBDialect {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db dialect %q", c.DBDialect)
	}
	if c.AITimeout <= 0 {
		return errors.New("ai-timeout must be positive")
	}
	if c.MaxReconnects < 0 {
		return errors.New("max-reconnects must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}
