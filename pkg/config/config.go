// Package config loads gateway settings from an optional YAML file and the
// process environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort             = 4000
	DefaultControllerBase   = "http://sdn.ktech.sn:8181"
	DefaultPolicyURL        = "http://policy-service:8181/v1/data/sdn/authz"
	DefaultPolicyTimeoutMS  = 3000
	DefaultRequestTimeoutMS = 15000
	DefaultNodeIDs          = "openflow:1,openflow:2"
	DefaultAdminGroups      = "admins"
	DefaultCORSOrigins      = "http://localhost:8080,http://micro-services.ktech.sn,https://micro-services.ktech.sn"
	DefaultMaxBodyBytes     = 10 << 20
	DefaultEventsTopic      = "sdn.overlay.events"
)

// Config is read-only once Load returns.
type Config struct {
	Port             int      `yaml:"port"`
	Addr             string   `yaml:"addr"`
	Environment      string   `yaml:"environment"`
	ControllerBase   string   `yaml:"controller_base"`
	ControllerUser   string   `yaml:"controller_user"`
	ControllerPass   string   `yaml:"controller_pass"`
	PolicyURL        string   `yaml:"policy_url"`
	PolicyTimeoutMS  int      `yaml:"policy_timeout_ms"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
	NodeIDs          []string `yaml:"node_ids"`
	AdminGroups      []string `yaml:"admin_groups"`
	AdminPolicyCheck bool     `yaml:"admin_policy_check"`
	CORSOrigins      string   `yaml:"cors_allowed_origins"`
	MaxBodyBytes     int64    `yaml:"max_request_body_bytes"`
	TrustProxy       bool     `yaml:"trust_proxy"`
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`

	RateLimitEnabled   bool   `yaml:"rate_limit_enabled"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitWindowSec int    `yaml:"rate_limit_window_sec"`
	RedisAddr          string `yaml:"redis_addr"`

	AuditEnabled  bool   `yaml:"audit_enabled"`
	AuditRedact   bool   `yaml:"audit_redact"`
	AuditHashSalt string `yaml:"audit_hash_salt"`
	DatabaseURL   string `yaml:"database_url"`

	EventsKafkaBrokers []string `yaml:"events_kafka_brokers"`
	EventsKafkaTopic   string   `yaml:"events_kafka_topic"`
	WSOrigins          string   `yaml:"ws_allowed_origins"`

	StrictProdSecurity bool `yaml:"strict_prod_security"`
}

// Defaults mirrors the values the service ships with.
func Defaults() Config {
	return Config{
		Port:               DefaultPort,
		ControllerBase:     DefaultControllerBase,
		PolicyURL:          DefaultPolicyURL,
		PolicyTimeoutMS:    DefaultPolicyTimeoutMS,
		RequestTimeoutMS:   DefaultRequestTimeoutMS,
		NodeIDs:            SplitList(DefaultNodeIDs),
		AdminGroups:        SplitList(DefaultAdminGroups),
		CORSOrigins:        DefaultCORSOrigins,
		MaxBodyBytes:       DefaultMaxBodyBytes,
		TrustProxy:         true,
		LogLevel:           "info",
		LogFormat:          "json",
		RateLimitPerMinute: 600,
		RateLimitWindowSec: 60,
		EventsKafkaTopic:   DefaultEventsTopic,
		StrictProdSecurity: true,
		AdminPolicyCheck:   true,
	}
}

// Load builds a Config from the file named by CONFIG_FILE (if any) and the
// environment, then validates it. getenv is usually os.Getenv.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Defaults()
	if path := strings.TrimSpace(getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":" + strconv.Itoa(cfg.Port)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config unmarshal: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); strings.TrimSpace(v) != "" {
			*dst = SplitList(v)
		}
	}

	num("PORT", &cfg.Port)
	str("ADDR", &cfg.Addr)
	str("ENVIRONMENT", &cfg.Environment)
	str("ODL_BASE", &cfg.ControllerBase)
	str("ODL_BASIC_USER", &cfg.ControllerUser)
	if v := getenv("ODL_BASIC_PASS"); v != "" {
		cfg.ControllerPass = v
	}
	str("OPA_URL", &cfg.PolicyURL)
	num("POLICY_TIMEOUT_MS", &cfg.PolicyTimeoutMS)
	num("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	list("OF_NODE_IDS", &cfg.NodeIDs)
	list("ADMIN_GROUPS", &cfg.AdminGroups)
	str("CORS_ALLOWED_ORIGINS", &cfg.CORSOrigins)
	if v := strings.TrimSpace(getenv("MAX_REQUEST_BODY_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_REQUEST_BODY_BYTES: %w", err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	flag("TRUST_PROXY", &cfg.TrustProxy)
	flag("ADMIN_POLICY_CHECK", &cfg.AdminPolicyCheck)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	flag("RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	num("RATE_LIMIT_WINDOW_SEC", &cfg.RateLimitWindowSec)
	str("REDIS_ADDR", &cfg.RedisAddr)
	flag("AUDIT_ENABLED", &cfg.AuditEnabled)
	flag("AUDIT_REDACT", &cfg.AuditRedact)
	str("AUDIT_HASH_SALT", &cfg.AuditHashSalt)
	str("DATABASE_URL", &cfg.DatabaseURL)
	list("OVERLAY_EVENTS_KAFKA_BROKERS", &cfg.EventsKafkaBrokers)
	str("OVERLAY_EVENTS_KAFKA_TOPIC", &cfg.EventsKafkaTopic)
	str("WS_ALLOWED_ORIGINS", &cfg.WSOrigins)
	flag("STRICT_PROD_SECURITY", &cfg.StrictProdSecurity)
	return errors.Join(errs...)
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"ODL_BASE": c.ControllerBase, "OPA_URL": c.PolicyURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	if len(c.NodeIDs) == 0 {
		errs = append(errs, errors.New("OF_NODE_IDS must list at least one node"))
	}
	if len(c.AdminGroups) == 0 {
		errs = append(errs, errors.New("ADMIN_GROUPS must list at least one group"))
	}
	if c.PolicyTimeoutMS <= 0 || c.RequestTimeoutMS <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	} else if c.PolicyTimeoutMS >= c.RequestTimeoutMS {
		errs = append(errs, fmt.Errorf("POLICY_TIMEOUT_MS (%d) must be shorter than REQUEST_TIMEOUT_MS (%d)", c.PolicyTimeoutMS, c.RequestTimeoutMS))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitPerMinute <= 0 || c.RateLimitWindowSec <= 0) {
		errs = append(errs, errors.New("rate limit and window must be positive when enabled"))
	}
	if c.AuditEnabled && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when AUDIT_ENABLED"))
	}
	if c.AuditRedact && strings.TrimSpace(c.AuditHashSalt) == "" {
		errs = append(errs, errors.New("AUDIT_HASH_SALT is required when AUDIT_REDACT"))
	}
	return errors.Join(errs...)
}

func (c Config) PolicyTimeout() time.Duration {
	return time.Duration(c.PolicyTimeoutMS) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

// SplitList splits a comma list, trimming entries and dropping empties.
func SplitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
