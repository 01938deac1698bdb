// Package config loads ledgerd settings. Values are layered: built-in
// defaults, then an optional TOML file, then LEDGER_* environment variables
// (a local .env file is read first when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const DefaultJWTSecret = "dev-insecure-change-me"

type Config struct {
	Env      string `toml:"env" env:"LEDGER_ENV"`
	Version  string `toml:"version" env:"LEDGER_VERSION"`
	Strict   bool   `toml:"strict_production_mode" env:"LEDGER_STRICT_PRODUCTION_MODE"`
	LogLevel string `toml:"log_level" env:"LEDGER_LOG_LEVEL"`

	HTTPAddr        string        `toml:"http_addr" env:"LEDGER_HTTP_ADDR"`
	GRPCAddr        string        `toml:"grpc_addr" env:"LEDGER_GRPC_ADDR"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"LEDGER_SHUTDOWN_TIMEOUT"`
	TrustedCIDRs    string        `toml:"trusted_cidrs" env:"LEDGER_TRUSTED_CIDRS"`

	DatabaseURL      string `toml:"database_url" env:"LEDGER_DATABASE_URL"`
	DatabaseMaxConns int    `toml:"database_max_conns" env:"LEDGER_DATABASE_MAX_CONNS"`
	AutoMigrate      bool   `toml:"auto_migrate" env:"LEDGER_AUTO_MIGRATE"`

	JWTSecret      string        `toml:"jwt_secret" env:"LEDGER_JWT_SECRET"`
	JWTKeyset      string        `toml:"jwt_keyset" env:"LEDGER_JWT_KEYSET"`
	JWTKeysetFile  string        `toml:"jwt_keyset_file" env:"LEDGER_JWT_KEYSET_FILE"`
	JWTActiveKID   string        `toml:"jwt_active_kid" env:"LEDGER_JWT_ACTIVE_KID"`
	AccessTokenTTL time.Duration `toml:"access_token_ttl" env:"LEDGER_ACCESS_TOKEN_TTL"`

	BcryptCost       int           `toml:"bcrypt_cost" env:"LEDGER_BCRYPT_COST"`
	LoginMaxFailures int           `toml:"login_max_failures" env:"LEDGER_LOGIN_MAX_FAILURES"`
	LoginLockout     time.Duration `toml:"login_lockout" env:"LEDGER_LOGIN_LOCKOUT"`

	RateLimitRPS   float64 `toml:"rate_limit_rps" env:"LEDGER_RATE_LIMIT_RPS"`
	RateLimitBurst int     `toml:"rate_limit_burst" env:"LEDGER_RATE_LIMIT_BURST"`

	TLS TLS `toml:"tls"`
}

type TLS struct {
	Enabled           bool   `toml:"enabled" env:"LEDGER_TLS_ENABLED"`
	CertFile          string `toml:"cert_file" env:"LEDGER_TLS_CERT_FILE"`
	KeyFile           string `toml:"key_file" env:"LEDGER_TLS_KEY_FILE"`
	ClientCAFile      string `toml:"client_ca_file" env:"LEDGER_TLS_CLIENT_CA_FILE"`
	RequireClientCert bool   `toml:"require_client_cert" env:"LEDGER_TLS_REQUIRE_CLIENT_CERT"`
}

func Default() Config {
	return Config{
		Env:              "production",
		Version:          "dev",
		HTTPAddr:         ":8080",
		GRPCAddr:         ":8081",
		ShutdownTimeout:  10 * time.Second,
		TrustedCIDRs:     "127.0.0.1/32,::1/128",
		DatabaseMaxConns: 10,
		JWTSecret:        DefaultJWTSecret,
		AccessTokenTTL:   time.Hour,
		BcryptCost:       bcrypt.DefaultCost,
		LoginMaxFailures: 5,
		LoginLockout:     15 * time.Minute,
		RateLimitRPS:     20,
		RateLimitBurst:   40,
	}
}

// Load builds the configuration. path names an optional TOML file; an empty
// path skips that layer.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

// CIDRs returns the trusted network list for operational endpoints.
func (c Config) CIDRs() []string {
	out := make([]string, 0)
	for _, part := range strings.Split(c.TrustedCIDRs, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http addr is required")
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("access token ttl must be positive")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.LoginMaxFailures < 0 || c.LoginLockout < 0 {
		return errors.New("login lockout policy must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit must not be negative")
	}
	for _, cidr := range c.CIDRs() {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted cidr %q: %w", cidr, err)
		}
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls enabled but cert or key file is missing")
	}
	return ValidateProductionRuntime(c.Strict, c.DatabaseURL, c.TLS.Enabled, c.JWTSecret, c.JWTKeyset+c.JWTKeysetFile)
}

// ValidateProductionRuntime enforces the settings a strict deployment must
// not run without.
func ValidateProductionRuntime(strict bool, databaseURL string, tlsEnabled bool, jwtSecret, jwtKeysetSpec string) error {
	if !strict {
		return nil
	}
	if strings.TrimSpace(databaseURL) == "" {
		return errors.New("strict production mode requires LEDGER_DATABASE_URL")
	}
	if !tlsEnabled {
		return errors.New("strict production mode requires LEDGER_TLS_ENABLED=true")
	}
	if strings.TrimSpace(jwtKeysetSpec) == "" && (strings.TrimSpace(jwtSecret) == "" || jwtSecret == DefaultJWTSecret) {
		return errors.New("strict production mode requires a non-default LEDGER_JWT_SECRET or a jwt keyset")
	}
	return nil
}
