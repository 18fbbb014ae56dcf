// Package config loads service configuration from a YAML file, TOURGUIDE_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TOURGUIDE_"

const minSecretLength = 32

// AuthConfig holds token, session and permission settings.
type AuthConfig struct {
	TokenSecret    string        `yaml:"token_secret"`
	FingerprintKey string        `yaml:"fingerprint_key"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	PermissionTTL  time.Duration `yaml:"permission_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// Created with the admin role at startup when no identity has this email.
	BootstrapAdminEmail    string `yaml:"bootstrap_admin_email"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
}

// HTTPConfig holds HTTP surface settings.
type HTTPConfig struct {
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	LoginRateRPS       float64  `yaml:"login_rate_rps"`
	LoginRateBurst     int      `yaml:"login_rate_burst"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`
}

// Config is the complete service configuration.
type Config struct {
	HTTPAddr        string     `yaml:"http_addr"`
	GRPCAddr        string     `yaml:"grpc_addr"`
	DatabaseDSN     string     `yaml:"database_dsn"`
	Memory          bool       `yaml:"memory"`
	AutoMigrate     bool       `yaml:"auto_migrate"`
	LogLevel        string     `yaml:"log_level"`
	AuditBufferSize int        `yaml:"audit_buffer_size"`
	Auth            AuthConfig `yaml:"auth"`
	HTTP            HTTPConfig `yaml:"http"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		LogLevel:        "info",
		AuditBufferSize: 1024,
		Auth: AuthConfig{
			Issuer:        "tourguide",
			Audience:      "tourguide-api",
			TokenTTL:      24 * time.Hour,
			SessionTTL:    24 * time.Hour,
			PermissionTTL: 5 * time.Minute,
			SweepInterval: 15 * time.Minute,
		},
		HTTP: HTTPConfig{
			CORSAllowedOrigins: []string{"*"},
			LoginRateRPS:       5,
			LoginRateBurst:     10,
			MaxBodyBytes:       1 << 20,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (optional), the environment and
// the flags of fs that were explicitly set. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("LOG_LEVEL", &c.LogLevel)
	str("TOKEN_SECRET", &c.Auth.TokenSecret)
	str("FINGERPRINT_KEY", &c.Auth.FingerprintKey)
	str("ISSUER", &c.Auth.Issuer)
	str("AUDIENCE", &c.Auth.Audience)
	str("BOOTSTRAP_ADMIN_EMAIL", &c.Auth.BootstrapAdminEmail)
	str("BOOTSTRAP_ADMIN_PASSWORD", &c.Auth.BootstrapAdminPassword)

	for name, dst := range map[string]*time.Duration{
		"TOKEN_TTL":      &c.Auth.TokenTTL,
		"SESSION_TTL":    &c.Auth.SessionTTL,
		"PERMISSION_TTL": &c.Auth.PermissionTTL,
		"SWEEP_INTERVAL": &c.Auth.SweepInterval,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(envPrefix + "MEMORY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMEMORY: %w", envPrefix, err)
		}
		c.Memory = b
	}
	if v, ok := lookup(envPrefix + "AUTO_MIGRATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTO_MIGRATE: %w", envPrefix, err)
		}
		c.AutoMigrate = b
	}
	if v, ok := lookup(envPrefix + "AUDIT_BUFFER_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sAUDIT_BUFFER_SIZE: %w", envPrefix, err)
		}
		c.AuditBufferSize = n
	}
	if v, ok := lookup(envPrefix + "LOGIN_RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sLOGIN_RATE_RPS: %w", envPrefix, err)
		}
		c.HTTP.LoginRateRPS = f
	}
	if v, ok := lookup(envPrefix + "LOGIN_RATE_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sLOGIN_RATE_BURST: %w", envPrefix, err)
		}
		c.HTTP.LoginRateBurst = n
	}
	if v, ok := lookup(envPrefix + "CORS_ALLOWED_ORIGINS"); ok && v != "" {
		c.HTTP.CORSAllowedOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "TRUST_PROXY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRUST_PROXY: %w", envPrefix, err)
		}
		c.HTTP.TrustProxy = b
	}
	return nil
}

// BindFlags registers the command line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("http-addr", d.HTTPAddr, "HTTP listen address")
	fs.String("grpc-addr", d.GRPCAddr, "gRPC listen address")
	fs.String("database-dsn", "", "PostgreSQL DSN")
	fs.Bool("memory", false, "use the in-memory store instead of PostgreSQL")
	fs.Bool("auto-migrate", false, "apply database migrations at startup")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	fs.Duration("token-ttl", d.Auth.TokenTTL, "lifetime of issued tokens")
	fs.Duration("session-ttl", d.Auth.SessionTTL, "lifetime of sessions")
	fs.Duration("permission-ttl", d.Auth.PermissionTTL, "permission cache TTL")
	fs.Duration("sweep-interval", d.Auth.SweepInterval, "interval between expired session sweeps")
	fs.StringSlice("cors-origins", d.HTTP.CORSAllowedOrigins, "allowed CORS origins")
	fs.Bool("trust-proxy", false, "take client addresses from proxy headers")
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err != nil {
			return
		}
		if f := fs.Lookup(name); f != nil && f.Changed {
			err = apply()
		}
	}
	set("http-addr", func() (e error) { c.HTTPAddr, e = fs.GetString("http-addr"); return })
	set("grpc-addr", func() (e error) { c.GRPCAddr, e = fs.GetString("grpc-addr"); return })
	set("database-dsn", func() (e error) { c.DatabaseDSN, e = fs.GetString("database-dsn"); return })
	set("memory", func() (e error) { c.Memory, e = fs.GetBool("memory"); return })
	set("auto-migrate", func() (e error) { c.AutoMigrate, e = fs.GetBool("auto-migrate"); return })
	set("log-level", func() (e error) { c.LogLevel, e = fs.GetString("log-level"); return })
	set("token-ttl", func() (e error) { c.Auth.TokenTTL, e = fs.GetDuration("token-ttl"); return })
	set("session-ttl", func() (e error) { c.Auth.SessionTTL, e = fs.GetDuration("session-ttl"); return })
	set("permission-ttl", func() (e error) { c.Auth.PermissionTTL, e = fs.GetDuration("permission-ttl"); return })
	set("sweep-interval", func() (e error) { c.Auth.SweepInterval, e = fs.GetDuration("sweep-interval"); return })
	set("cors-origins", func() (e error) { c.HTTP.CORSAllowedOrigins, e = fs.GetStringSlice("cors-origins"); return })
	set("trust-proxy", func() (e error) { c.HTTP.TrustProxy, e = fs.GetBool("trust-proxy"); return })
	return err
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.TokenSecret == "" {
		errs = append(errs, errors.New("auth.token_secret is required"))
	} else if len(c.Auth.TokenSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("auth.token_secret must be at least %d bytes", minSecretLength))
	}
	if c.Auth.FingerprintKey == "" {
		errs = append(errs, errors.New("auth.fingerprint_key is required"))
	} else if c.Auth.FingerprintKey == c.Auth.TokenSecret {
		errs = append(errs, errors.New("auth.fingerprint_key must differ from auth.token_secret"))
	}
	if !c.Memory && c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database_dsn is required unless memory is set"))
	}
	for name, d := range map[string]time.Duration{
		"auth.token_ttl":      c.Auth.TokenTTL,
		"auth.session_ttl":    c.Auth.SessionTTL,
		"auth.permission_ttl": c.Auth.PermissionTTL,
		"auth.sweep_interval": c.Auth.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.HTTP.LoginRateRPS <= 0 || c.HTTP.LoginRateBurst <= 0 {
		errs = append(errs, errors.New("http.login_rate_rps and http.login_rate_burst must be positive"))
	}
	if (c.Auth.BootstrapAdminEmail == "") != (c.Auth.BootstrapAdminPassword == "") {
		errs = append(errs, errors.New("auth.bootstrap_admin_email and auth.bootstrap_admin_password must be set together"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
