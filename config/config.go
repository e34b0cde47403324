/*
Package config loads the service configuration.

SOURCES (later wins):
  1. DefaultConfig()
  2. YAML file (optional, path from -config)
  3. .env file in the working directory (optional)
  4. CLICKSTATS_* environment variables

Validate() runs last and names every bad field.
*/
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all clickstats configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Counter   CounterConfig   `yaml:"counter"`
	Rollup    RollupConfig    `yaml:"rollup"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Addr is host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

type CounterConfig struct {
	// Backend is "memory", "sqlite" or "redis".
	Backend    string        `yaml:"backend"`
	Redis      RedisConfig   `yaml:"redis"`
	// SweepAfter is the minimum age of a swept hit; a longer config window
	// extends it for every key.
	SweepAfter time.Duration `yaml:"sweep_after"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RollupConfig struct {
	Enabled       bool             `yaml:"enabled"`
	Interval      time.Duration    `yaml:"interval"`
	Lag           time.Duration    `yaml:"lag"`
	BackfillHours int              `yaml:"backfill_hours"`
	Location      string           `yaml:"location"`
	CategoryNames map[int64]string `yaml:"category_names"`
}

// LoadLocation resolves Location; blank means UTC.
func (r RollupConfig) LoadLocation() (*time.Location, error) {
	if r.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Location)
}

type RetentionConfig struct {
	Days          int           `yaml:"days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type RateLimitConfig struct {
	MissingPolicy string        `yaml:"missing_policy"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	TrustedUsers  []int64       `yaml:"trusted_users"`
	Seed          []SeedLimit   `yaml:"seed"`

	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// and X-Real-IP headers name the anonymous caller. Empty means the
	// connection's remote address is always the caller.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// SeedLimit is a config created at startup when absent.
type SeedLimit struct {
	Action        string `yaml:"action"`
	Tier          string `yaml:"tier"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "./data/clickstats.db",
		},
		Counter: CounterConfig{
			Backend:    "memory",
			Redis:      RedisConfig{Addr: "localhost:6379"},
			SweepAfter: 24 * time.Hour,
		},
		Rollup: RollupConfig{
			Enabled:       true,
			Interval:      time.Hour,
			Lag:           5 * time.Minute,
			BackfillHours: 24,
			Location:      "UTC",
		},
		Retention: RetentionConfig{
			Days:          90,
			PruneInterval: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			MissingPolicy: string(ratelimit.MissingAllow),
			StoreTimeout:  250 * time.Millisecond,
			Seed: []SeedLimit{
				{Action: "login", Tier: "anonymous", Limit: 5, WindowSeconds: 60},
				{Action: "login", Tier: "logged_in", Limit: 10, WindowSeconds: 60},
				{Action: "click", Tier: "anonymous", Limit: 60, WindowSeconds: 60},
				{Action: "click", Tier: "logged_in", Limit: 300, WindowSeconds: 60},
				{Action: "click", Tier: "trusted", Limit: 3000, WindowSeconds: 60},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (skipped when path is blank), applies
// .env and CLICKSTATS_* overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	_ = godotenv.Load() // .env is optional

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

const envPrefix = "CLICKSTATS_"

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func (c *Config) applyEnv() error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	setString("HOST", &c.Server.Host)
	setInt("PORT", &c.Server.Port)
	setString("STORAGE_DRIVER", &c.Storage.Driver)
	setString("SQLITE_PATH", &c.Storage.SQLitePath)
	setString("COUNTER_BACKEND", &c.Counter.Backend)
	setString("REDIS_ADDR", &c.Counter.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Counter.Redis.Password)
	setInt("REDIS_DB", &c.Counter.Redis.DB)
	setDuration("ROLLUP_INTERVAL", &c.Rollup.Interval)
	setDuration("ROLLUP_LAG", &c.Rollup.Lag)
	setString("ROLLUP_LOCATION", &c.Rollup.Location)
	setInt("RETENTION_DAYS", &c.Retention.Days)
	setString("MISSING_POLICY", &c.RateLimit.MissingPolicy)
	setDuration("STORE_TIMEOUT", &c.RateLimit.StoreTimeout)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookupEnv("ROLLUP_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sROLLUP_ENABLED: %w", envPrefix, err))
		} else {
			c.Rollup.Enabled = b
		}
	}
	if v, ok := lookupEnv("TRUSTED_PROXIES"); ok {
		var proxies []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				proxies = append(proxies, part)
			}
		}
		c.RateLimit.TrustedProxies = proxies
	}
	if v, ok := lookupEnv("TRUSTED_USERS"); ok {
		ids, err := parseIDList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTRUSTED_USERS: %w", envPrefix, err))
		} else {
			c.RateLimit.TrustedUsers = ids
		}
	}

	return errors.Join(errs...)
}

// parseIDList parses "1, 2,3". Blank means an empty list.
func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, msg string) {
		errs = append(errs, core.NewValidationError(field, msg))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port", "must be between 1 and 65535")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			bad("storage.sqlite_path", "is required for the sqlite driver")
		}
	default:
		bad("storage.driver", "must be sqlite or memory")
	}

	switch c.Counter.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Driver != "sqlite" {
			bad("counter.backend", "sqlite counter needs storage.driver sqlite")
		}
	case "redis":
		if c.Counter.Redis.Addr == "" {
			bad("counter.redis.addr", "is required for the redis backend")
		}
	default:
		bad("counter.backend", "must be memory, sqlite or redis")
	}

	if c.Rollup.Interval <= 0 {
		bad("rollup.interval", "must be positive")
	}
	if c.Rollup.Lag < 0 {
		bad("rollup.lag", "must not be negative")
	}
	if c.Rollup.BackfillHours < 0 {
		bad("rollup.backfill_hours", "must not be negative")
	}
	if _, err := c.Rollup.LoadLocation(); err != nil {
		bad("rollup.location", err.Error())
	}
	for id := range c.Rollup.CategoryNames {
		if id <= 0 {
			bad("rollup.category_names", "ids must be positive")
			break
		}
	}

	if c.Retention.Days <= 0 {
		bad("retention.days", "must be positive")
	}
	if c.Retention.PruneInterval <= 0 {
		bad("retention.prune_interval", "must be positive")
	}

	if _, err := ratelimit.ParseMissingPolicy(c.RateLimit.MissingPolicy); err != nil {
		bad("rate_limit.missing_policy", "must be allow or deny")
	}
	if c.RateLimit.StoreTimeout < 0 {
		bad("rate_limit.store_timeout", "must not be negative")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		bad("rate_limit.trusted_proxies", err.Error())
	}
	for i, p := range c.SeedParams() {
		if err := p.Validate(); err != nil {
			bad(fmt.Sprintf("rate_limit.seed[%d]", i), err.Error())
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// SeedParams converts the seed list to service create params.
func (c *Config) SeedParams() []ratelimit.CreateParams {
	params := make([]ratelimit.CreateParams, 0, len(c.RateLimit.Seed))
	for _, s := range c.RateLimit.Seed {
		params = append(params, ratelimit.CreateParams{
			ActionType:    s.Action,
			Tier:          ratelimit.Tier(s.Tier),
			LimitCount:    s.Limit,
			WindowSeconds: s.WindowSeconds,
		})
	}
	return params
}

// MissingPolicy returns the parsed policy. Validate has already checked it.
func (c *Config) MissingPolicy() ratelimit.MissingPolicy {
	p, err := ratelimit.ParseMissingPolicy(c.RateLimit.MissingPolicy)
	if err != nil {
		return ratelimit.MissingAllow
	}
	return p
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.RateLimit.TrustedProxies))
	for _, raw := range c.RateLimit.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// TrustedUserSet returns TrustedUsers as a set.
func (c *Config) TrustedUserSet() map[int64]bool {
	set := make(map[int64]bool, len(c.RateLimit.TrustedUsers))
	for _, id := range c.RateLimit.TrustedUsers {
		set[id] = true
	}
	return set
}
