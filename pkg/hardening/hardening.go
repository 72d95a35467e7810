package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	// BackendURL is the upstream ITSM API; plaintext is refused in
	// production-like environments.
	BackendURL         string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	AuthMode           string
	SafetyGuardEnabled bool
	RequiredSecrets    []EnvRequirement
}

// ValidateProduction refuses insecure configurations in production-like
// environments. Development and test environments pass through.
func ValidateProduction(o Options) error {
	if !IsProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "off") {
		return fmt.Errorf("%s: AUTH_MODE=off is forbidden in production-like environments", service)
	}
	if !o.SafetyGuardEnabled {
		return fmt.Errorf("%s: SAFETY_GUARD_ENABLED=false is forbidden in production-like environments", service)
	}
	backend := strings.ToLower(strings.TrimSpace(o.BackendURL))
	if backend != "" && !strings.HasPrefix(backend, "https://") {
		return fmt.Errorf("%s: strict production hardening requires an https GLPI_URL", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
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

// validateCORSOrigins allows an empty origin list (CORS stays off) but
// refuses wildcard, localhost and plaintext origins in production.
func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
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
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
