// Package config loads broker settings from flags, environment and an optional .env file.
package config

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	bcrypto "github.com/verder-helpen/comm-livecom/internal/crypto"
	"github.com/verder-helpen/comm-livecom/internal/result"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LIVECOM_"

// Config is built once by Load and treated as read-only afterwards.
type Config struct {
	Addr        string
	DSN         string
	RedisURL    string
	CoreURL     string
	InternalURL string
	Dev         bool

	// TrustProxyHeaders keys the lockout on forwarded client addresses instead of the peer.
	TrustProxyHeaders bool

	GuestKey     []byte
	HostKey      []byte
	AuthorityKey crypto.PublicKey
	Identity     *bcrypto.Identity // nil: results arrive as plain signed JWTs

	// EnforceResultExpiry re-checks result expiry when projecting stored results for hosts.
	EnforceResultExpiry bool
	TokenLeeway         time.Duration

	AuthorityTimeout time.Duration
	DBTimeout        time.Duration
	ShutdownTimeout  time.Duration
	OptionsCacheTTL  time.Duration

	LimiterEnabled  bool
	LimiterWindow   time.Duration
	LimiterMaxFails int
	LimiterBlockFor time.Duration
}

// LoadEnvFile reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load parses args with defaults taken from getenv and returns a validated Config.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(name, def string) string {
		if v := getenv(EnvPrefix + name); v != "" {
			return v
		}
		return def
	}
	// unparsable env values by flag name; reported unless the flag overrides them
	badEnv := map[string]string{}
	typed := func(name string, parse func(string) error) {
		v := env(name, "")
		if v == "" {
			return
		}
		if err := parse(v); err != nil {
			flag := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
			badEnv[flag] = fmt.Sprintf("%s%s=%q is invalid", EnvPrefix, name, v)
		}
	}
	envDur := func(name string, def time.Duration) time.Duration {
		typed(name, func(v string) error {
			x, err := time.ParseDuration(v)
			if err == nil {
				def = x
			}
			return err
		})
		return def
	}
	envBool := func(name string, def bool) bool {
		typed(name, func(v string) error {
			x, err := strconv.ParseBool(v)
			if err == nil {
				def = x
			}
			return err
		})
		return def
	}
	envInt := func(name string, def int) int {
		typed(name, func(v string) error {
			x, err := strconv.Atoi(v)
			if err == nil {
				def = x
			}
			return err
		})
		return def
	}

	fs := pflag.NewFlagSet("livecom", pflag.ContinueOnError)
	var (
		c            Config
		guestKey     string
		hostKey      string
		authorityPEM string
		identityFile string
	)
	fs.StringVar(&c.Addr, "addr", env("ADDR", ":8000"), "listen address")
	fs.StringVar(&c.DSN, "dsn", env("DSN", ""), "PostgreSQL DSN")
	fs.StringVar(&c.RedisURL, "redis-url", env("REDIS_URL", ""), "optional Redis URL for the session options cache")
	fs.StringVar(&c.CoreURL, "core-url", env("CORE_URL", ""), "base URL of the identity authority")
	fs.StringVar(&c.InternalURL, "internal-url", env("INTERNAL_URL", ""), "base URL the authority uses to post results back")
	fs.BoolVar(&c.Dev, "dev", envBool("DEV", false), "human readable logs")
	fs.BoolVar(&c.TrustProxyHeaders, "trust-proxy-headers", envBool("TRUST_PROXY_HEADERS", false), "take client addresses from X-Forwarded-For and friends; only behind a trusted proxy")

	fs.StringVar(&guestKey, "guest-key", env("GUEST_KEY", ""), "HS256 secret for guest tokens")
	fs.StringVar(&hostKey, "host-key", env("HOST_KEY", ""), "HS256 secret for host tokens")
	fs.StringVar(&authorityPEM, "authority-key", env("AUTHORITY_KEY", ""), "PEM file with the authority's result signing public key")
	fs.StringVar(&identityFile, "identity", env("IDENTITY", ""), "optional age identity file for encrypted results")

	fs.BoolVar(&c.EnforceResultExpiry, "enforce-result-expiry", envBool("ENFORCE_RESULT_EXPIRY", false), "reject expired results in session info")
	fs.DurationVar(&c.TokenLeeway, "token-leeway", envDur("TOKEN_LEEWAY", 30*time.Second), "clock skew tolerance for token expiry")

	fs.DurationVar(&c.AuthorityTimeout, "authority-timeout", envDur("AUTHORITY_TIMEOUT", 10*time.Second), "authority HTTP timeout")
	fs.DurationVar(&c.DBTimeout, "db-timeout", envDur("DB_TIMEOUT", 5*time.Second), "per statement timeout")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", envDur("SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown deadline")
	fs.DurationVar(&c.OptionsCacheTTL, "options-cache-ttl", envDur("OPTIONS_CACHE_TTL", 5*time.Minute), "session options cache TTL")

	fs.BoolVar(&c.LimiterEnabled, "limiter", envBool("LIMITER", true), "lock out clients presenting bad tokens")
	fs.DurationVar(&c.LimiterWindow, "limiter-window", envDur("LIMITER_WINDOW", 15*time.Minute), "failure counting window")
	fs.IntVar(&c.LimiterMaxFails, "limiter-max-fails", envInt("LIMITER_MAX_FAILS", 10), "failures before lockout")
	fs.DurationVar(&c.LimiterBlockFor, "limiter-block", envDur("LIMITER_BLOCK", 15*time.Minute), "lockout duration")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	var envProblems []string
	for flag, msg := range badEnv {
		if !fs.Changed(flag) {
			envProblems = append(envProblems, msg)
		}
	}
	if len(envProblems) > 0 {
		slices.Sort(envProblems)
		return nil, fmt.Errorf("config: %s", strings.Join(envProblems, "; "))
	}

	c.GuestKey = []byte(guestKey)
	c.HostKey = []byte(hostKey)

	if err := c.loadKeys(authorityPEM, identityFile); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) loadKeys(authorityPEM, identityFile string) error {
	if authorityPEM == "" {
		return errors.New("config: authority-key is required")
	}
	raw, err := os.ReadFile(authorityPEM)
	if err != nil {
		return fmt.Errorf("config: read authority key: %w", err)
	}
	if c.AuthorityKey, err = result.ParseVerifyKey(raw); err != nil {
		return fmt.Errorf("config: authority key: %w", err)
	}
	if identityFile == "" {
		return nil
	}
	raw, err = os.ReadFile(identityFile)
	if err != nil {
		return fmt.Errorf("config: read identity: %w", err)
	}
	if c.Identity, err = bcrypto.ParseIdentity(string(raw)); err != nil {
		return fmt.Errorf("config: identity: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	var problems []string
	if len(c.GuestKey) == 0 || len(c.HostKey) == 0 {
		problems = append(problems, "guest-key and host-key are required")
	} else if bytes.Equal(c.GuestKey, c.HostKey) {
		problems = append(problems, "guest-key and host-key must differ")
	}
	if c.DSN == "" {
		problems = append(problems, "dsn is required")
	}
	for name, v := range map[string]string{"core-url": c.CoreURL, "internal-url": c.InternalURL} {
		if u, err := url.Parse(v); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, name+" must be an absolute URL")
		}
	}
	for name, d := range map[string]time.Duration{
		"authority-timeout": c.AuthorityTimeout,
		"db-timeout":        c.DBTimeout,
		"shutdown-timeout":  c.ShutdownTimeout,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.TokenLeeway < 0 || c.OptionsCacheTTL < 0 {
		problems = append(problems, "token-leeway and options-cache-ttl must not be negative")
	}
	if c.LimiterEnabled && (c.LimiterMaxFails < 1 || c.LimiterWindow <= 0 || c.LimiterBlockFor <= 0) {
		problems = append(problems, "limiter settings must be positive")
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
