// Package config reads the service configuration from the environment once
// at startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrConfiguration = errors.New("invalid configuration")

type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	PEMPrivate  string `envconfig:"PEM_PRIVATE" required:"true"`
	PEMPublic   string `envconfig:"PEM_PUBLIC" required:"true"`
	GameKey     string `envconfig:"GAME_KEY" required:"true"`
	EmailSecret string `envconfig:"EMAIL_SECRET" required:"true"`

	Port        string `envconfig:"PORT" default:"8080"`
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"token-service"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	AdminSecret string `envconfig:"ADMIN_SECRET"`
	CronSecret  string `envconfig:"CRON_SECRET"`

	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`

	TokenDefaultDays     int64 `envconfig:"TOKEN_DEFAULT_DAYS" default:"5"`
	TokenStandardMaxDays int64 `envconfig:"TOKEN_STANDARD_MAX_DAYS" default:"5"`
	TokenAdminMaxDays    int64 `envconfig:"TOKEN_ADMIN_MAX_DAYS" default:"3650"`

	BanSweepInterval     time.Duration `envconfig:"BAN_SWEEP_INTERVAL" default:"5s"`
	StoreTimeout         time.Duration `envconfig:"STORE_TIMEOUT" default:"10s"`
	SlowRequestThreshold time.Duration `envconfig:"SLOW_REQUEST_THRESHOLD" default:"500ms"`

	RunMigrationsOnStartup bool `envconfig:"RUN_MIGRATIONS_ON_STARTUP" default:"false"`
}

// Load reads the environment, optionally seeding it from a .env file first.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	cfg.PEMPrivate = unescapePEM(cfg.PEMPrivate)
	cfg.PEMPublic = unescapePEM(cfg.PEMPublic)
	cfg.ServiceName = strings.ToLower(strings.TrimSpace(cfg.ServiceName))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	// envconfig treats a set but empty variable as present.
	required := map[string]string{
		"DATABASE_URL": c.DatabaseURL,
		"PEM_PRIVATE":  c.PEMPrivate,
		"PEM_PUBLIC":   c.PEMPublic,
		"GAME_KEY":     c.GameKey,
		"EMAIL_SECRET": c.EmailSecret,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: missing required env: %s", ErrConfiguration, name)
		}
	}

	switch {
	case c.TokenDefaultDays <= 0 || c.TokenStandardMaxDays <= 0 || c.TokenAdminMaxDays <= 0:
		return fmt.Errorf("%w: token lifetimes must be positive", ErrConfiguration)
	case c.TokenStandardMaxDays > c.TokenAdminMaxDays:
		return fmt.Errorf("%w: TOKEN_STANDARD_MAX_DAYS exceeds TOKEN_ADMIN_MAX_DAYS", ErrConfiguration)
	case c.BanSweepInterval <= 0:
		return fmt.Errorf("%w: BAN_SWEEP_INTERVAL must be positive", ErrConfiguration)
	case c.StoreTimeout <= 0:
		return fmt.Errorf("%w: STORE_TIMEOUT must be positive", ErrConfiguration)
	case c.ServiceName == "":
		return fmt.Errorf("%w: SERVICE_NAME is empty", ErrConfiguration)
	}
	return nil
}

// Addr is the listen address for the long running server.
func (c Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

// Hosting dashboards tend to flatten multi line values, so PEM blocks arrive
// with literal \n sequences.
func unescapePEM(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, `\n`) {
		value = strings.ReplaceAll(value, `\n`, "\n")
	}
	return value
}
