// Package config loads process configuration from the environment.
// A .env file in the working directory is applied first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds settings shared by the relay service and the chat client.
type Config struct {
	Env      string
	LogLevel string
	Locale   string
	// LocaleDir overrides the embedded catalogs when set.
	LocaleDir string

	// Relay
	RelayAddr      string
	DatabaseDSN    string
	RedisAddr      string
	RedisPassword  string
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string

	// Client
	ServiceURL string
	APIURL     string
	Client     ClientConfig

	// Notifications
	TelegramBotToken string
	TelegramChatID   int64
}

// ClientConfig tunes the real-time client.
type ClientConfig struct {
	SendBufferSize       int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	DialTimeout          time.Duration
	TypingIdle           time.Duration
	TypingExpiry         time.Duration
	TypingSweepInterval  time.Duration
}

// DefaultClientConfig returns the protocol defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SendBufferSize:       DefaultSendBufferSize,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		PingInterval:         DefaultPingInterval,
		PongTimeout:          DefaultPongTimeout,
		DialTimeout:          DefaultDialTimeout,
		TypingIdle:           DefaultTypingIdle,
		TypingExpiry:         DefaultTypingExpiry,
		TypingSweepInterval:  DefaultTypingSweepInterval,
	}
}

// Load reads .env (if any) and the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file loaded")
	}

	def := DefaultClientConfig()
	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Locale:           getEnv("LOCALE", "en"),
		LocaleDir:        os.Getenv("LOCALE_DIR"),
		RelayAddr:        getEnv("RELAY_ADDR", ":8080"),
		DatabaseDSN:      getEnv("DATABASE_DSN", "host=localhost user=user password=password dbname=marketchat port=5432 sslmode=disable"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AllowedOrigins:   splitAndTrim(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		ServiceURL:       getEnv("SERVICE_URL", "ws://localhost:8080/ws"),
		APIURL:           getEnv("API_URL", "http://localhost:8080"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	var err error
	if cfg.TokenTTL, err = getEnvDuration("TOKEN_TTL", DefaultTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.TelegramChatID, err = getEnvInt64("TELEGRAM_CHAT_ID", 0); err != nil {
		return Config{}, err
	}

	c := &cfg.Client
	if c.SendBufferSize, err = getEnvInt("SEND_BUFFER_SIZE", def.SendBufferSize); err != nil {
		return Config{}, err
	}
	if c.ReconnectMaxAttempts, err = getEnvInt("RECONNECT_MAX_ATTEMPTS", def.ReconnectMaxAttempts); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"RECONNECT_BASE_DELAY", &c.ReconnectBaseDelay, def.ReconnectBaseDelay},
		{"RECONNECT_MAX_DELAY", &c.ReconnectMaxDelay, def.ReconnectMaxDelay},
		{"PING_INTERVAL", &c.PingInterval, def.PingInterval},
		{"PONG_TIMEOUT", &c.PongTimeout, def.PongTimeout},
		{"DIAL_TIMEOUT", &c.DialTimeout, def.DialTimeout},
		{"TYPING_IDLE", &c.TypingIdle, def.TypingIdle},
		{"TYPING_EXPIRY", &c.TypingExpiry, def.TypingExpiry},
		{"TYPING_SWEEP_INTERVAL", &c.TypingSweepInterval, def.TypingSweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, d.def); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants between fields.
func (c Config) Validate() error {
	if c.Client.SendBufferSize < 1 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", c.Client.SendBufferSize)
	}
	if c.Client.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.Client.ReconnectMaxAttempts)
	}
	if c.Client.ReconnectBaseDelay <= 0 || c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		return fmt.Errorf("invalid reconnect delays: base=%s max=%s", c.Client.ReconnectBaseDelay, c.Client.ReconnectMaxDelay)
	}
	if c.Client.TypingExpiry <= 0 || c.Client.TypingIdle <= 0 {
		return fmt.Errorf("typing durations must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
