package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"wasteops/internal/services"
)

// Config is read from .env, an optional config.yaml and the environment,
// in increasing order of precedence.
type Config struct {
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	AppEnv      string `mapstructure:"APP_ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`
	DBTimezone string `mapstructure:"DB_TIMEZONE"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	LockTTLSec    int    `mapstructure:"LOCK_TTL_SEC"`
	LockWaitMS    int    `mapstructure:"LOCK_WAIT_MS"`

	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	AppTimezone          string  `mapstructure:"APP_TIMEZONE"`
	MaxTripsPerDay       int     `mapstructure:"MAX_TRIPS_PER_DAY"`
	ProximityRadiusM     float64 `mapstructure:"PROXIMITY_RADIUS_M"`
	ProximityFailOpen    bool    `mapstructure:"PROXIMITY_FAIL_OPEN"`
	TripEnforceProximity bool    `mapstructure:"TRIP_ENFORCE_PROXIMITY"`
	TripRequirePhoto     bool    `mapstructure:"TRIP_REQUIRE_PHOTO"`
	LateCutoff           string  `mapstructure:"LATE_CUTOFF"`

	LogFile   string `mapstructure:"LOG_FILE"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogStdout bool   `mapstructure:"LOG_STDOUT"`

	location      *time.Location
	cutoffMinutes int
}

var defaults = map[string]interface{}{
	"HTTP_ADDR":              ":8080",
	"APP_ENV":                "development",
	"STORE_DRIVER":           "postgres",
	"DB_HOST":                "localhost",
	"DB_PORT":                "5432",
	"DB_USER":                "postgres",
	"DB_PASSWORD":            "password",
	"DB_NAME":                "wasteops",
	"DB_SSLMODE":             "disable",
	"DB_TIMEZONE":            "UTC",
	"REDIS_ADDR":             "",
	"REDIS_PASSWORD":         "",
	"REDIS_DB":               0,
	"LOCK_TTL_SEC":           10,
	"LOCK_WAIT_MS":           2000,
	"NATS_URL":               "",
	"NATS_SUBJECT_PREFIX":    "wasteops",
	"JWT_SECRET":             "supersecret",
	"APP_TIMEZONE":           "Local",
	"MAX_TRIPS_PER_DAY":      3,
	"PROXIMITY_RADIUS_M":     100.0,
	"PROXIMITY_FAIL_OPEN":    true,
	"TRIP_ENFORCE_PROXIMITY": false,
	"TRIP_REQUIRE_PHOTO":     true,
	"LATE_CUTOFF":            "09:00",
	"LOG_FILE":               "./logs/app.log",
	"LOG_LEVEL":              "debug",
	"LOG_STDOUT":             false,
}

// Load reads the configuration. A missing .env or config.yaml is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on env vars")
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q, expected postgres or memory", c.StoreDriver)
	}
	if c.MaxTripsPerDay <= 0 {
		return fmt.Errorf("invalid MAX_TRIPS_PER_DAY: %d", c.MaxTripsPerDay)
	}
	if c.ProximityRadiusM <= 0 {
		return fmt.Errorf("invalid PROXIMITY_RADIUS_M: %v", c.ProximityRadiusM)
	}
	if c.LockTTLSec <= 0 || c.LockWaitMS <= 0 {
		return errors.New("LOCK_TTL_SEC and LOCK_WAIT_MS must be positive")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET must be set")
	}

	loc, err := time.LoadLocation(c.AppTimezone)
	if err != nil {
		return fmt.Errorf("invalid APP_TIMEZONE: %w", err)
	}
	c.location = loc

	cutoff, err := time.Parse("15:04", c.LateCutoff)
	if err != nil {
		return fmt.Errorf("invalid LATE_CUTOFF %q, expected HH:MM", c.LateCutoff)
	}
	c.cutoffMinutes = cutoff.Hour()*60 + cutoff.Minute()
	return nil
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode, c.DBTimezone,
	)
}

func (c *Config) Location() *time.Location { return c.location }

func (c *Config) LockTTL() time.Duration  { return time.Duration(c.LockTTLSec) * time.Second }
func (c *Config) LockWait() time.Duration { return time.Duration(c.LockWaitMS) * time.Millisecond }

// ServiceOptions maps the business-rule keys onto services.Options.
func (c *Config) ServiceOptions() services.Options {
	return services.Options{
		Location:              c.location,
		MaxTripsPerDay:        c.MaxTripsPerDay,
		ProximityRadiusMeters: c.ProximityRadiusM,
		ProximityFailClosed:   !c.ProximityFailOpen,
		EnforceProximity:      c.TripEnforceProximity,
		AllowMissingPhoto:     !c.TripRequirePhoto,
		LateCutoffMinutes:     c.cutoffMinutes,
		LockWait:              c.LockWait(),
	}
}
