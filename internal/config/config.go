// Package config loads the tokengated daemon configuration from YAML or JSON.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	tokengate "github.com/jassus213/go-token-gate"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Gate modes.
const (
	ModeConsume = "consume"
	ModeCount   = "count"
)

var (
	ErrUnsupportedFormat = errors.New("config: unsupported format")
	ErrInvalid           = errors.New("config: invalid")
)

// Config is the daemon configuration.
type Config struct {
	Listen          string        `koanf:"listen"`
	Upstream        string        `koanf:"upstream"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	LogLevel        string        `koanf:"log_level"`
	BehindProxy     bool          `koanf:"behind_proxy"`

	Gate     Gate               `koanf:"gate"`
	Manage   Manage             `koanf:"manage"`
	Store    Store              `koanf:"store"`
	Breaker  Breaker            `koanf:"breaker"`
	Policies []tokengate.Policy `koanf:"policies"`
}

// Gate configures the gate in front of the upstream.
type Gate struct {
	Mode            string `koanf:"mode"`
	Units           int64  `koanf:"units"`
	TokenHeader     string `koanf:"token_header"`
	RemainingHeader string `koanf:"remaining_header"`
	CountHeader     string `koanf:"count_header"`
}

// Manage configures the management routes.
type Manage struct {
	Prefix       string `koanf:"prefix"`
	OwnerHeader  string `koanf:"owner_header"`
	PolicyHeader string `koanf:"policy_header"`
}

// Store selects and configures the backend.
type Store struct {
	Driver        string `koanf:"driver"`
	DSN           string `koanf:"dsn"`
	DefaultPolicy string `koanf:"default_policy"`
	Prefix        string `koanf:"prefix"`
	Redis         Redis  `koanf:"redis"`
}

// Redis holds go-redis client settings.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Breaker configures the optional circuit breaker around the store.
type Breaker struct {
	Enabled             bool          `koanf:"enabled"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	Timeout             time.Duration `koanf:"timeout"`
	MaxRequests         uint32        `koanf:"max_requests"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Listen:          ":8080",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		Gate: Gate{
			Mode:            ModeConsume,
			Units:           1,
			TokenHeader:     tokengate.DefaultTokenHeader,
			RemainingHeader: tokengate.DefaultRemainingHeader,
		},
		Manage: Manage{
			OwnerHeader:  "X-Owner-Id",
			PolicyHeader: "X-Policy-Name",
		},
		Store: Store{
			Driver: DriverMemory,
			Prefix: "tokengate",
			Redis:  Redis{Addr: "localhost:6379"},
		},
		Breaker: Breaker{
			ConsecutiveFailures: 5,
			Timeout:             30 * time.Second,
			MaxRequests:         1,
		},
	}
}

// Load reads path and overlays it on Default. An empty path yields the
// defaults with environment overrides applied.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(&cfg)
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(data, format)
}

// Parse decodes data in the given format ("yaml", "yml" or "json").
func Parse(data []byte, format string) (Config, error) {
	var parser koanf.Parser
	switch format {
	case "yaml", "yml":
		parser = yaml.Parser()
	case "json":
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return Config{}, fmt.Errorf("config: parse: %w", err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment. Variables
// already set win. A missing file is not an error when optional is true.
func LoadEnvFile(path string, optional bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && optional && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: env file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides connection settings that usually differ per deployment.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Listen, "TOKENGATE_LISTEN")
	set(&cfg.Upstream, "TOKENGATE_UPSTREAM")
	set(&cfg.Store.Driver, "TOKENGATE_STORE_DRIVER")
	set(&cfg.Store.DSN, "TOKENGATE_STORE_DSN")
	set(&cfg.Store.Redis.Addr, "TOKENGATE_REDIS_ADDR")
	set(&cfg.Store.Redis.Password, "TOKENGATE_REDIS_PASSWORD")
	set(&cfg.LogLevel, "TOKENGATE_LOG_LEVEL")
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream %q is not an absolute URL", c.Upstream))
		}
	}
	switch c.Gate.Mode {
	case ModeConsume, ModeCount:
	default:
		errs = append(errs, fmt.Errorf("gate.mode %q must be %q or %q", c.Gate.Mode, ModeConsume, ModeCount))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Manage.OwnerHeader == "" {
		errs = append(errs, errors.New("manage.owner_header is required"))
	}

	names := make(map[string]bool, len(c.Policies))
	for i, p := range c.Policies {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("policies[%d]: name is required", i))
		case names[p.Name]:
			errs = append(errs, fmt.Errorf("policies[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
		if p.Limit < 0 || p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("policies[%d]: limit and max_tokens must not be negative", i))
		}
	}
	if c.Store.DefaultPolicy != "" && !names[c.Store.DefaultPolicy] {
		errs = append(errs, fmt.Errorf("store.default_policy %q is not declared", c.Store.DefaultPolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
