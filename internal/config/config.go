// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// configPathEnv names the optional YAML file layered over the defaults.
const configPathEnv = "EARNINGS_CONFIG"

// Config holds application configuration
type Config struct {
	DataDir    string           `yaml:"dataDir" validate:"required"` // Base directory for SQLite and badger (always absolute)
	LogLevel   string           `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	Timezone   string           `yaml:"timezone" validate:"required"`
	Port       int              `yaml:"port" validate:"gte=1,lte=65535"`
	DevMode    bool             `yaml:"devMode"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Schedules  SchedulesConfig  `yaml:"schedules"`
	Locks      LocksConfig      `yaml:"locks"`
	Retry      RetryConfig      `yaml:"retry"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Window     WindowConfig     `yaml:"window"`
	Cache      CacheConfig      `yaml:"cache"`
	Archive    ArchiveConfig    `yaml:"archive"`

	location *time.Location
}

// ProvidersConfig groups the two upstream data providers.
type ProvidersConfig struct {
	Calendar ProviderConfig `yaml:"calendar"`
	Market   MarketConfig   `yaml:"market"`
}

// ProviderConfig describes one rate-limited HTTP provider.
type ProviderConfig struct {
	BaseURL       string        `yaml:"baseUrl" validate:"omitempty,url"`
	APIKey        string        `yaml:"apiKey" validate:"required"`
	RatePerSecond float64       `yaml:"ratePerSecond" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0,lte=10s"`
}

// MarketConfig adds the per-ticker fan-out settings.
type MarketConfig struct {
	ProviderConfig `yaml:",inline"`
	Concurrency    int           `yaml:"concurrency" validate:"gte=1,lte=64"`
	BatchSize      int           `yaml:"batchSize" validate:"gte=1"`
	BatchDelay     time.Duration `yaml:"batchDelay" validate:"gte=0"`
}

// SchedulesConfig holds 5-field cron expressions evaluated in the exchange timezone.
type SchedulesConfig struct {
	Bootstrap    string `yaml:"bootstrap" validate:"required"`
	IntradayFast string `yaml:"intradayFast" validate:"required"`
	IntradaySlow string `yaml:"intradaySlow" validate:"required"`
	Weekend      string `yaml:"weekend" validate:"required"`
	Maintenance  string `yaml:"maintenance" validate:"required"`
}

// LocksConfig holds the lock TTL per job kind.
type LocksConfig struct {
	BootstrapTTL    time.Duration `yaml:"bootstrapTtl" validate:"gt=0"`
	IntradayFastTTL time.Duration `yaml:"intradayFastTtl" validate:"gt=0"`
	IntradaySlowTTL time.Duration `yaml:"intradaySlowTtl" validate:"gt=0"`
	WeekendTTL      time.Duration `yaml:"weekendTtl" validate:"gt=0"`
	ManualTTL       time.Duration `yaml:"manualTtl" validate:"gt=0"`
}

// RetryConfig tunes soft confirmation of empty calendars.
type RetryConfig struct {
	Delays                []time.Duration `yaml:"delays" validate:"dive,gt=0"`
	NoEarningsQuietPeriod time.Duration   `yaml:"noEarningsQuietPeriod" validate:"gt=0"`
	NextDayCutoffHour     int             `yaml:"nextDayCutoffHour" validate:"gte=0,lte=23"`
}

// ThresholdsConfig holds calculator sanity ceilings.
type ThresholdsConfig struct {
	MaxPrice           float64 `yaml:"maxPrice" validate:"gt=0"`
	MaxShares          float64 `yaml:"maxShares" validate:"gt=0"`
	MaxChangePercent   float64 `yaml:"maxChangePercent" validate:"gt=0"`
	MaxSurprisePercent float64 `yaml:"maxSurprisePercent" validate:"gt=0"`
	SurpriseEpsilon    float64 `yaml:"surpriseEpsilon" validate:"gt=0"`
}

// WindowConfig is the rolling window of report dates kept by the daily reset.
type WindowConfig struct {
	LookbackDays       int `yaml:"lookbackDays" validate:"gte=1"`
	LookaheadDays      int `yaml:"lookaheadDays" validate:"gte=1"`
	StateRetentionDays int `yaml:"stateRetentionDays" validate:"gte=1"`
}

// CacheConfig configures the badger publish cache.
type CacheConfig struct {
	Dir            string        `yaml:"dir"` // defaults to DataDir/cache
	InMemory       bool          `yaml:"inMemory"`
	NegativeTTL    time.Duration `yaml:"negativeTtl" validate:"gt=0"`
	RetainVersions int           `yaml:"retainVersions" validate:"gte=1"`
	StaleAfter     time.Duration `yaml:"staleAfter" validate:"gt=0"`
}

// ArchiveConfig configures the optional S3-compatible snapshot archive.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether snapshots should be archived.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Location returns the exchange timezone bound during Load.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	return time.UTC
}

// DatabasePath returns the path of the named SQLite database under DataDir.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// CacheDir returns the badger directory.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataDir, "cache")
}

// Default returns the built-in configuration before any file or environment is applied.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Timezone: "America/New_York",
		Port:     8001,
		Providers: ProvidersConfig{
			Calendar: ProviderConfig{
				BaseURL:       "https://finnhub.io/api/v1",
				RatePerSecond: 1,
				Timeout:       5 * time.Second,
			},
			Market: MarketConfig{
				ProviderConfig: ProviderConfig{
					BaseURL:       "https://api.polygon.io",
					RatePerSecond: 5,
					Timeout:       5 * time.Second,
				},
				Concurrency: 4,
				BatchSize:   20,
				BatchDelay:  time.Second,
			},
		},
		Schedules: SchedulesConfig{
			Bootstrap:    "0 5 * * *",
			IntradayFast: "*/5 9-16 * * 1-5",
			IntradaySlow: "*/30 6-20 * * 1-5",
			Weekend:      "0 */4 * * 0,6",
			Maintenance:  "15 3 * * *",
		},
		Locks: LocksConfig{
			BootstrapTTL:    2 * time.Hour,
			IntradayFastTTL: 4 * time.Minute,
			IntradaySlowTTL: 25 * time.Minute,
			WeekendTTL:      2 * time.Hour,
			ManualTTL:       2 * time.Hour,
		},
		Retry: RetryConfig{
			Delays:                []time.Duration{10 * time.Minute, 15 * time.Minute, 30 * time.Minute},
			NoEarningsQuietPeriod: 2 * time.Hour,
			NextDayCutoffHour:     1,
		},
		Thresholds: ThresholdsConfig{
			MaxPrice:           10_000,
			MaxShares:          100e9,
			MaxChangePercent:   50,
			MaxSurprisePercent: 300,
			SurpriseEpsilon:    1e-9,
		},
		Window: WindowConfig{
			LookbackDays:       7,
			LookaheadDays:      14,
			StateRetentionDays: 30,
		},
		Cache: CacheConfig{
			NegativeTTL:    6 * time.Hour,
			RetainVersions: 2,
			StaleAfter:     2 * time.Hour,
		},
		Archive: ArchiveConfig{
			Region: "auto",
			Prefix: "snapshots",
		},
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// EARNINGS_CONFIG, a .env file and environment variables, in that order.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DataDir = getEnv("EARNINGS_DATA_DIR", c.DataDir)
	c.Port = getEnvAsInt("PORT", c.Port)
	c.DevMode = getEnvAsBool("DEV_MODE", c.DevMode)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Timezone = getEnv("EXCHANGE_TIMEZONE", c.Timezone)

	c.Providers.Calendar.APIKey = getEnv("FINNHUB_API_KEY", c.Providers.Calendar.APIKey)
	c.Providers.Calendar.BaseURL = getEnv("FINNHUB_BASE_URL", c.Providers.Calendar.BaseURL)
	c.Providers.Market.APIKey = getEnv("POLYGON_API_KEY", c.Providers.Market.APIKey)
	c.Providers.Market.BaseURL = getEnv("POLYGON_BASE_URL", c.Providers.Market.BaseURL)
	c.Providers.Market.Concurrency = getEnvAsInt("POLYGON_CONCURRENCY", c.Providers.Market.Concurrency)

	c.Cache.Dir = getEnv("CACHE_DIR", c.Cache.Dir)
	c.Cache.InMemory = getEnvAsBool("CACHE_IN_MEMORY", c.Cache.InMemory)

	c.Archive.Bucket = getEnv("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Region = getEnv("ARCHIVE_REGION", c.Archive.Region)
	c.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AccessKey = getEnv("ARCHIVE_ACCESS_KEY", c.Archive.AccessKey)
	c.Archive.SecretKey = getEnv("ARCHIVE_SECRET_KEY", c.Archive.SecretKey)

	if raw := os.Getenv("RETRY_DELAYS"); raw != "" {
		delays, err := parseDurations(raw)
		if err != nil {
			return fmt.Errorf("invalid RETRY_DELAYS: %w", err)
		}
		c.Retry.Delays = delays
	}
	return nil
}

// Validate checks struct constraints, binds the timezone and parses every schedule.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	schedules := map[string]string{
		"bootstrap":     c.Schedules.Bootstrap,
		"intraday_fast": c.Schedules.IntradayFast,
		"intraday_slow": c.Schedules.IntradaySlow,
		"weekend":       c.Schedules.Weekend,
		"maintenance":   c.Schedules.Maintenance,
	}
	for name, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	if c.Archive.Enabled() && (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
		return errors.New("archive access key and secret key must be set together")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDurations(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
