package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	PortalAPIURL           string        `mapstructure:"PORTAL_API_URL"`
	RealtimeURL            string        `mapstructure:"REALTIME_URL"`
	PortalBackend          string        `mapstructure:"PORTAL_BACKEND"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string        `mapstructure:"REDIS_URL"`
	AuthToken              string        `mapstructure:"AUTH_TOKEN"`
	AuthSigningKey         string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	STUNServers            []string      `mapstructure:"STUN_SERVERS"`
	ICEDisconnectedTimeout time.Duration `mapstructure:"ICE_DISCONNECTED_TIMEOUT"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	NotificationPageSize   int           `mapstructure:"NOTIFICATION_PAGE_SIZE"`
	RateLimitRPS           float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int           `mapstructure:"RATE_LIMIT_BURST"`
	PushAPIKeys            []string      `mapstructure:"PUSH_API_KEYS"`
	RelayPendingLimit      int           `mapstructure:"RELAY_PENDING_LIMIT"`
}

const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("PORTAL_API_URL", "http://localhost:8000")
	v.SetDefault("REALTIME_URL", "") // derived from PORTAL_API_URL when empty
	v.SetDefault("PORTAL_BACKEND", BackendREST)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("STUN_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	v.SetDefault("ICE_DISCONNECTED_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("NOTIFICATION_PAGE_SIZE", 20)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("RELAY_PENDING_LIMIT", 64)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "PORTAL_API_URL", "REALTIME_URL", "PORTAL_BACKEND",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_TOKEN", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"CORS_ORIGINS", "STUN_SERVERS", "ICE_DISCONNECTED_TIMEOUT",
		"REQUEST_TIMEOUT", "NOTIFICATION_PAGE_SIZE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"PUSH_API_KEYS", "RELAY_PENDING_LIMIT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}
	if cfg.PushAPIKeys == nil {
		cfg.PushAPIKeys = splitList(v.GetString("PUSH_API_KEYS"))
	}
	if cfg.STUNServers == nil {
		cfg.STUNServers = splitList(v.GetString("STUN_SERVERS"))
	}

	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = DeriveRealtimeURL(cfg.PortalAPIURL)
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: relay is running in DEVELOPMENT mode without AUTH_SIGNING_KEY;")
		log.Println("WARNING: websocket identities are taken from the URL path unchecked.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is usable. Postgres-backed portal
// access needs DATABASE_URL; production needs a signing key or issuer so the
// relay never accepts unauthenticated identities.
func (c *Config) Validate() error {
	switch c.PortalBackend {
	case BackendREST:
		if c.PortalAPIURL == "" {
			return fmt.Errorf("PORTAL_API_URL is required when PORTAL_BACKEND is %q", BackendREST)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when PORTAL_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("PORTAL_BACKEND must be %q or %q, got %q", BackendREST, BackendPostgres, c.PortalBackend)
	}

	if c.RealtimeURL != "" {
		u, err := url.Parse(c.RealtimeURL)
		if err != nil {
			return fmt.Errorf("REALTIME_URL is not a valid url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("REALTIME_URL must use ws or wss, got %q", u.Scheme)
		}
	}

	if c.IsProduction() && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_ISSUER is required in production")
	}

	if c.NotificationPageSize <= 0 {
		return fmt.Errorf("NOTIFICATION_PAGE_SIZE must be positive, got %d", c.NotificationPageSize)
	}

	return nil
}

// DeriveRealtimeURL maps an http(s) API base to the matching ws(s) base.
func DeriveRealtimeURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	}
	return apiURL
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
