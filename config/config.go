package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Moderator      ModeratorConfig
	Redis          RedisConfig
	Log            LogConfig
}

type RedisConfig struct {
	// Enabled is false when REDIS_HOST is explicitly set to "none"; the
	// relay then keeps its queue in memory and runs as a single instance.
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// ModeratorConfig holds the credentials accepted by the login endpoint.
type ModeratorConfig struct {
	Username string
	Password string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Load reads the relay server configuration from the environment.
func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitCommaSeparated(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	redisHost := getEnv("REDIS_HOST", "localhost")

	return &Config{
		Port:           getEnv("PORT", "5500"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Moderator: ModeratorConfig{
			Username: getEnv("MODERATOR_USERNAME", "moderator"),
			Password: getEnv("MODERATOR_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Enabled:  redisHost != "none",
			Host:     redisHost,
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Log: loadLogConfig(),
	}
}

// ClientConfig configures the pairchat client.
type ClientConfig struct {
	RelayURL string
	ICE      ICEConfig

	RejoinDelay            time.Duration
	SkipDelay              time.Duration
	MaxConsecutiveFailures int

	UDPPortMin uint16
	UDPPortMax uint16

	Log LogConfig
}

// LoadClient reads the client configuration from the environment. Flags in
// cmd/pairchat override individual fields afterwards.
func LoadClient() (*ClientConfig, error) {
	ice, err := LoadICE()
	if err != nil {
		return nil, err
	}

	rejoin, err := getEnvDuration("REJOIN_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	skip, err := getEnvDuration("SKIP_DELAY", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		RelayURL:               getEnv("RELAY_URL", "ws://127.0.0.1:5500/ws/relay"),
		ICE:                    ice,
		RejoinDelay:            rejoin,
		SkipDelay:              skip,
		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 0),
		UDPPortMin:             uint16(getEnvInt("WEBRTC_UDP_PORT_MIN", 0)),
		UDPPortMax:             uint16(getEnvInt("WEBRTC_UDP_PORT_MAX", 0)),
		Log:                    loadLogConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("RELAY_URL must be a ws:// or wss:// url, got %q", c.RelayURL)
	}
	if c.RejoinDelay < 0 || c.SkipDelay < 0 {
		return fmt.Errorf("rejoin and skip delays must not be negative")
	}
	if (c.UDPPortMin == 0) != (c.UDPPortMax == 0) {
		return fmt.Errorf("WEBRTC_UDP_PORT_MIN and WEBRTC_UDP_PORT_MAX must be set together")
	}
	if c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("WEBRTC_UDP_PORT_MIN (%d) > WEBRTC_UDP_PORT_MAX (%d)", c.UDPPortMin, c.UDPPortMax)
	}
	return nil
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "text"),
		File:   getEnv("LOG_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
