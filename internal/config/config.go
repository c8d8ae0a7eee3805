package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minSigningKeyLen is the HS256 key floor outside development.
const minSigningKeyLen = 32

// Instance roles. Exactly one primary owns the queue; relays only fan
// queue events out to their own board clients.
const (
	RolePrimary = "primary"
	RoleRelay   = "relay"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	InstanceRole    string        `mapstructure:"INSTANCE_ROLE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisChannel    string        `mapstructure:"REDIS_CHANNEL"`
	JWTSigningKey   string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	MonitorInterval time.Duration `mapstructure:"MONITOR_INTERVAL"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "INSTANCE_ROLE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_CHANNEL", "JWT_SIGNING_KEY", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MONITOR_INTERVAL", "MIGRATIONS_DIR",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate beyond DATABASE_URL; call Validate before serving.
func Load() (*Config, error) {
	cfg, err := LoadOffline()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// LoadOffline is Load for commands that never open the database.
func LoadOffline() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("INSTANCE_ROLE", RolePrimary)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_CHANNEL", "edqueue.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("MONITOR_INTERVAL", "30s")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	// Unmarshal only sees env vars that are bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsRelay() bool {
	return c.InstanceRole == RoleRelay
}

// Validate checks that the configuration is safe to serve with. Outside
// development a signing key of at least 32 bytes is required, since the dev
// auth fallback is disabled there.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required when ENV=%q", c.Env)
		}
		if len(c.JWTSigningKey) < minSigningKeyLen {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least %d bytes, got %d", minSigningKeyLen, len(c.JWTSigningKey))
		}
	}
	switch c.InstanceRole {
	case RolePrimary:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when INSTANCE_ROLE=%q", RolePrimary)
		}
	case RoleRelay:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when INSTANCE_ROLE=%q", RoleRelay)
		}
	default:
		return fmt.Errorf("INSTANCE_ROLE must be %q or %q, got %q", RolePrimary, RoleRelay, c.InstanceRole)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive, got %s", c.MonitorInterval)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
