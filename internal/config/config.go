package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Realtime transport drivers understood by the bus.
const (
	RealtimeDriverRedis  = "redis"
	RealtimeDriverNATS   = "nats"
	RealtimeDriverMemory = "memory"
)

// Config holds runtime configuration values for the chat client daemon.
type Config struct {
	AppName             string
	AppEnv              string
	APIAddress          string
	LogLevel            string
	DatabaseURL         string
	RedisURL            string
	NATSURL             string
	RealtimeDriver      string
	StatePath           string
	JWTSecret           string
	SessionTTL          time.Duration
	RequireConfirmation bool
	DefaultRoomName     string
	RetryMaxRetries     int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	ProfileCacheTTL     time.Duration
	PresenceTTL         time.Duration
	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string
}

// BackendConfigured reports whether a backend connection was supplied at all.
// Without one every chat command degrades to a single configuration error.
func (c Config) BackendConfigured() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// AvatarUploadsEnabled reports whether Cloudinary credentials are present.
func (c Config) AvatarUploadsEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "gema-chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("api.addr", "127.0.0.1:7400")
	v.SetDefault("log.level", "info")
	v.SetDefault("realtime.driver", RealtimeDriverRedis)
	v.SetDefault("state.path", "chat-state.db")
	v.SetDefault("auth.session_ttl", "168h")
	v.SetDefault("auth.require_confirmation", false)
	v.SetDefault("chat.default_room", "General")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("profile.cache_ttl", "10m")
	v.SetDefault("presence.ttl", "30s")
	v.SetDefault("cloudinary.folder", "gema-chat/avatars")

	durations := map[string]time.Duration{}
	for _, key := range []string{"auth.session_ttl", "retry.initial_delay", "retry.max_delay", "profile.cache_ttl", "presence.ttl"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		APIAddress:          v.GetString("api.addr"),
		LogLevel:            strings.ToLower(v.GetString("log.level")),
		DatabaseURL:         v.GetString("database.url"),
		RedisURL:            v.GetString("redis.url"),
		NATSURL:             v.GetString("nats.url"),
		RealtimeDriver:      strings.ToLower(v.GetString("realtime.driver")),
		StatePath:           v.GetString("state.path"),
		JWTSecret:           v.GetString("auth.jwt_secret"),
		SessionTTL:          durations["auth.session_ttl"],
		RequireConfirmation: v.GetBool("auth.require_confirmation"),
		DefaultRoomName:     strings.TrimSpace(v.GetString("chat.default_room")),
		RetryMaxRetries:     v.GetInt("retry.max_retries"),
		RetryInitialDelay:   durations["retry.initial_delay"],
		RetryMaxDelay:       durations["retry.max_delay"],
		ProfileCacheTTL:     durations["profile.cache_ttl"],
		PresenceTTL:         durations["presence.ttl"],
		CloudinaryCloudName: v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:    v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret: v.GetString("cloudinary.api_secret"),
		CloudinaryFolder:    v.GetString("cloudinary.folder"),
	}

	if cfg.BackendConfigured() && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("auth jwt secret must be provided when a database is configured")
	}

	switch cfg.RealtimeDriver {
	case RealtimeDriverRedis, RealtimeDriverNATS, RealtimeDriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown realtime driver %q", cfg.RealtimeDriver)
	}

	if cfg.DefaultRoomName == "" {
		cfg.DefaultRoomName = "General"
	}

	if cfg.RetryMaxRetries < 0 {
		cfg.RetryMaxRetries = 0
	}

	if cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		cfg.RetryMaxDelay = cfg.RetryInitialDelay
	}

	return cfg, nil
}
