package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Backend BackendConfig
	Stream  StreamConfig
	Server  ServerConfig
	Redis   RedisConfig
	Slack   SlackConfig
	TaskID  string
}

// BackendConfig holds the audit backend connection settings.
type BackendConfig struct {
	URL        string
	JWTSecret  string //nolint:gosec // G117: JWT signing secret config
	JWTSubject string
	JWTTTL     time.Duration
	Timeout    time.Duration
	RPS        float64
	Burst      int
}

// StreamConfig holds connector, backfill and reconciler tuning.
type StreamConfig struct {
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	HistoryLimit      int
	HistoryEventTypes []string
	PollInterval      time.Duration
	AgentRoot         string
	MaxLogs           int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	CORSOrigins []string
	RPS         float64
	WSRate      float64
}

// RedisConfig enables the log relay when URL is set.
type RedisConfig struct {
	URL string
}

// SlackConfig enables terminal notifications when both fields are set.
type SlackConfig struct {
	BotToken string
	Channel  string
}

// Load reads configuration from AUDITWATCH_* environment variables.
func Load() (*Config, error) {
	var p parser

	cfg := &Config{
		Backend: BackendConfig{
			URL:        getEnv("AUDITWATCH_BACKEND_URL", ""),
			JWTSecret:  getEnv("AUDITWATCH_JWT_SECRET", ""),
			JWTSubject: getEnv("AUDITWATCH_JWT_SUBJECT", "auditwatch"),
			JWTTTL:     p.duration("AUDITWATCH_JWT_TTL", time.Hour),
			Timeout:    p.duration("AUDITWATCH_REQUEST_TIMEOUT", 15*time.Second),
			RPS:        p.float("AUDITWATCH_BACKEND_RPS", 10),
			Burst:      p.int("AUDITWATCH_BACKEND_BURST", 20),
		},
		Stream: StreamConfig{
			HeartbeatTimeout:  p.duration("AUDITWATCH_HEARTBEAT_TIMEOUT", 45*time.Second),
			BackoffBase:       p.duration("AUDITWATCH_BACKOFF_BASE", time.Second),
			BackoffMax:        p.duration("AUDITWATCH_BACKOFF_MAX", 30*time.Second),
			MaxAttempts:       p.int("AUDITWATCH_MAX_ATTEMPTS", 5),
			HistoryLimit:      p.int("AUDITWATCH_HISTORY_LIMIT", 500),
			HistoryEventTypes: getEnvList("AUDITWATCH_HISTORY_EVENT_TYPES", nil),
			PollInterval:      p.duration("AUDITWATCH_POLL_INTERVAL", 5*time.Second),
			AgentRoot:         getEnv("AUDITWATCH_AGENT_ROOT", ""),
			MaxLogs:           p.int("AUDITWATCH_MAX_LOGS", 1000),
		},
		Server: ServerConfig{
			Addr:        getEnv("AUDITWATCH_SERVER_ADDR", ":8090"),
			ReadTimeout: p.duration("AUDITWATCH_SERVER_READ_TIMEOUT", 10*time.Second),
			CORSOrigins: getEnvList("AUDITWATCH_CORS_ORIGINS", []string{"*"}),
			RPS:         p.float("AUDITWATCH_API_RPS", 50),
			WSRate:      p.float("AUDITWATCH_WS_RATE", 10),
		},
		Redis: RedisConfig{
			URL: getEnv("AUDITWATCH_REDIS_URL", ""),
		},
		Slack: SlackConfig{
			BotToken: getEnv("AUDITWATCH_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("AUDITWATCH_SLACK_CHANNEL", ""),
		},
		TaskID: getEnv("AUDITWATCH_TASK_ID", ""),
	}

	if p.err != nil {
		return nil, fmt.Errorf("config.Load: %w", p.err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return errors.New("AUDITWATCH_BACKEND_URL is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("AUDITWATCH_BACKEND_URL must be an http(s) URL, got %q", c.Backend.URL)
	}
	if c.Backend.JWTSecret != "" && len(c.Backend.JWTSecret) < 32 {
		return errors.New("AUDITWATCH_JWT_SECRET must be at least 32 characters")
	}
	if c.Backend.JWTSecret == "" {
		log.Warn().Msg("AUDITWATCH_JWT_SECRET is empty; backend requests are sent without a bearer token")
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"AUDITWATCH_JWT_TTL", c.Backend.JWTTTL},
		{"AUDITWATCH_REQUEST_TIMEOUT", c.Backend.Timeout},
		{"AUDITWATCH_HEARTBEAT_TIMEOUT", c.Stream.HeartbeatTimeout},
		{"AUDITWATCH_BACKOFF_BASE", c.Stream.BackoffBase},
		{"AUDITWATCH_BACKOFF_MAX", c.Stream.BackoffMax},
		{"AUDITWATCH_POLL_INTERVAL", c.Stream.PollInterval},
		{"AUDITWATCH_SERVER_READ_TIMEOUT", c.Server.ReadTimeout},
	}
	for _, d := range positive {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.val)
		}
	}

	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("AUDITWATCH_BACKOFF_MAX (%s) must be >= AUDITWATCH_BACKOFF_BASE (%s)", c.Stream.BackoffMax, c.Stream.BackoffBase)
	}
	if c.Stream.MaxAttempts < 1 {
		return fmt.Errorf("AUDITWATCH_MAX_ATTEMPTS must be >= 1, got %d", c.Stream.MaxAttempts)
	}
	if c.Stream.HistoryLimit < 1 || c.Stream.HistoryLimit > 1000 {
		return fmt.Errorf("AUDITWATCH_HISTORY_LIMIT must be 1-1000, got %d", c.Stream.HistoryLimit)
	}
	if c.Stream.MaxLogs < 1 {
		return fmt.Errorf("AUDITWATCH_MAX_LOGS must be >= 1, got %d", c.Stream.MaxLogs)
	}
	if c.Backend.Burst < 1 {
		return fmt.Errorf("AUDITWATCH_BACKEND_BURST must be >= 1, got %d", c.Backend.Burst)
	}
	if (c.Slack.BotToken == "") != (c.Slack.Channel == "") {
		return errors.New("AUDITWATCH_SLACK_BOT_TOKEN and AUDITWATCH_SLACK_CHANNEL must be set together")
	}

	return nil
}

// parser keeps the first conversion error so Load can read every variable
// before reporting.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	n, err := getEnvInt(key, fallback)
	p.keep(err)
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	f, err := getEnvFloat(key, fallback)
	p.keep(err)
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	d, err := getEnvDuration(key, fallback)
	p.keep(err)
	return d
}

func (p *parser) keep(err error) {
	if p.err == nil && err != nil {
		p.err = err
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
