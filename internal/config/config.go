package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	AppEnv        string
	AllowedOrigin string
	DatabaseURL   string
	AutoMigrate   bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TerminalID    string

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LoginRateLimit        string

	DiscountCeilingDefault decimal.Decimal
	DiscountCeilingMember  decimal.Decimal
	DiscountCeilingAdmin   decimal.Decimal
	DivergenceTolerance    decimal.Decimal

	LockTTL     time.Duration
	SnapshotTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_TERMINAL_ID", "terminal-01")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("MANAGER_PIN", "")
	v.SetDefault("LOGIN_RATE_LIMIT", "5-M")
	v.SetDefault("DISCOUNT_CEILING_DEFAULT", "5")
	v.SetDefault("DISCOUNT_CEILING_MEMBER", "10")
	v.SetDefault("DISCOUNT_CEILING_ADMIN", "100")
	v.SetDefault("DIVERGENCE_TOLERANCE", "0")
	v.SetDefault("LOCK_TTL_SECONDS", 15)
	v.SetDefault("SNAPSHOT_TTL_MINUTES", 1440)
	v.AutomaticEnv()

	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	lockTTL := v.GetInt("LOCK_TTL_SECONDS")
	if lockTTL < 1 {
		lockTTL = 15
	}
	snapshotTTL := v.GetInt("SNAPSHOT_TTL_MINUTES")
	if snapshotTTL < 1 {
		snapshotTTL = 1440
	}

	return Config{
		Port:          v.GetString("PORT"),
		AppEnv:        strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		AllowedOrigin: v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:   strings.TrimSpace(v.GetString("DATABASE_URL")),
		AutoMigrate:   v.GetBool("AUTO_MIGRATE"),
		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		TerminalID:    strings.TrimSpace(v.GetString("DEFAULT_TERMINAL_ID")),

		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),
		LoginRateLimit:        strings.TrimSpace(v.GetString("LOGIN_RATE_LIMIT")),

		DiscountCeilingDefault: percent(v.GetString("DISCOUNT_CEILING_DEFAULT"), "5"),
		DiscountCeilingMember:  percent(v.GetString("DISCOUNT_CEILING_MEMBER"), "10"),
		DiscountCeilingAdmin:   percent(v.GetString("DISCOUNT_CEILING_ADMIN"), "100"),
		DivergenceTolerance:    nonNegative(v.GetString("DIVERGENCE_TOLERANCE"), "0"),

		LockTTL:     time.Duration(lockTTL) * time.Second,
		SnapshotTTL: time.Duration(snapshotTTL) * time.Minute,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// percent parses a value in [0, 100], falling back on anything else.
func percent(raw string, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.RequireFromString(fallback)
	}
	return d
}

func nonNegative(raw string, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() {
		return decimal.RequireFromString(fallback)
	}
	return d
}
