// Package hardening refuses to start a production-like deployment whose
// settings would weaken the gate.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    bool
	ControllerBase        string
	ControllerUser        string
	ControllerPass        string
	PolicyURL             string
	DatabaseURL           string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	WSAllowedOrigins      []string
	RequiredSecrets       []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if err := validateController(o, service); err != nil {
		return err
	}
	if u, err := url.Parse(o.PolicyURL); err != nil || u.Host == "" {
		return fmt.Errorf("%s: strict production hardening requires a valid OPA_URL", service)
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, origin := range o.WSAllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return fmt.Errorf("%s: strict production hardening forbids WS_ALLOWED_ORIGINS wildcard", service)
		}
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

// validateController rejects a missing or stock controller login. The
// controller itself may sit on plain http inside the SDN management network.
func validateController(o Options, service string) error {
	if u, err := url.Parse(o.ControllerBase); err != nil || u.Host == "" {
		return fmt.Errorf("%s: strict production hardening requires a valid ODL_BASE", service)
	}
	user := strings.TrimSpace(o.ControllerUser)
	pass := strings.TrimSpace(o.ControllerPass)
	if user == "" || pass == "" {
		return fmt.Errorf("%s: strict production hardening requires ODL_BASIC_USER and ODL_BASIC_PASS", service)
	}
	if user == "admin" && pass == "admin" {
		return fmt.Errorf("%s: strict production hardening forbids the default controller credentials", service)
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
