package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the deployment settings the strict-production check
// inspects. Field values come straight from the environment; empty means
// unset.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	// AuditRedactEnabled/AuditHashSalt: with redaction on, an empty salt
	// makes account hashes trivially reversible by dictionary, so strict
	// production refuses it.
	AuditRedactEnabled     string
	AuditHashSalt          string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction refuses to start a production-like deployment with
// settings that would quietly weaken the governed surface. Development and
// test environments pass unchecked.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !truthy(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	checks := []func(Options, string) error{
		checkDatabaseTLS,
		checkRedisTLS,
		checkCORSOrigins,
		checkAuditSalt,
		checkRequiredSecrets,
	}
	for _, check := range checks {
		if err := check(o, service); err != nil {
			return err
		}
	}
	return nil
}

func checkDatabaseTLS(o Options, service string) error {
	if !truthy(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production requires DATABASE_REQUIRE_TLS=true", service)
	}
	return nil
}

func checkRedisTLS(o Options, service string) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !truthy(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production requires REDIS_REQUIRE_TLS=true", service)
	}
	if truthy(o.RedisTLSInsecure, false) || truthy(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

func checkCORSOrigins(o Options, service string) error {
	seen := 0
	for _, origin := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: strict production forbids the CORS wildcard origin", service)
		case isLocalOrigin(lower):
			return fmt.Errorf("%s: strict production forbids localhost CORS origin %q", service, origin)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: strict production requires HTTPS CORS origins, got %q", service, origin)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: strict production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func checkAuditSalt(o Options, service string) error {
	if truthy(o.AuditRedactEnabled, false) && strings.TrimSpace(o.AuditHashSalt) == "" {
		return fmt.Errorf("%s: strict production requires AUDIT_HASH_SALT when audit redaction is enabled", service)
	}
	return nil
}

func checkRequiredSecrets(o Options, service string) error {
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production requires %s", service, req.Name)
		}
	}
	return nil
}

func isLocalOrigin(lower string) bool {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		if strings.HasPrefix(lower, "http://"+host) || strings.HasPrefix(lower, "https://"+host) {
			return true
		}
	}
	return false
}

func truthy(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
