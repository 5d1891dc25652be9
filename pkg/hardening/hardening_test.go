package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "governance",
		Environment:        "production",
		DatabaseRequireTLS: "true",
		CORSAllowedOrigins: "https://portal.example.com",
	}
}

func TestNonProductionSkipsChecks(t *testing.T) {
	for _, envName := range []string{"", "dev", "development", "test", "local"} {
		if err := ValidateProduction(Options{Environment: envName}); err != nil {
			t.Fatalf("environment %q should pass unchecked: %v", envName, err)
		}
	}
}

func TestStrictModeCanBeDisabledExplicitly(t *testing.T) {
	o := Options{Environment: "production", StrictProdSecurity: "false"}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("STRICT_PROD_SECURITY=false should skip checks: %v", err)
	}
}

func TestDatabaseTLSRequired(t *testing.T) {
	o := strictOptions()
	o.DatabaseRequireTLS = ""
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
		t.Fatalf("expected database TLS failure, got %v", err)
	}
}

func TestRedisTLSRequiredWhenConfigured(t *testing.T) {
	o := strictOptions()
	o.RedisAddr = "redis.internal:6379"
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected redis TLS failure, got %v", err)
	}

	o.RedisRequireTLS = "true"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("redis with TLS required should pass: %v", err)
	}

	o.RedisTLSInsecure = "true"
	err = ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "REDIS_TLS_INSECURE") {
		t.Fatalf("expected insecure redis TLS failure, got %v", err)
	}
}

func TestRedisSkippedWhenUnconfigured(t *testing.T) {
	o := strictOptions()
	o.RedisAddr = "   "
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("blank redis addr should skip redis checks: %v", err)
	}
}

func TestCORSOrigins(t *testing.T) {
	cases := []struct {
		origins string
		want    string
	}{
		{"*", "wildcard"},
		{"https://a.example.com, *", "wildcard"},
		{"http://localhost:3000", "localhost"},
		{"https://127.0.0.1:8443", "localhost"},
		{"http://portal.example.com", "HTTPS"},
		{"", "explicit CORS_ALLOWED_ORIGINS"},
		{" , ,", "explicit CORS_ALLOWED_ORIGINS"},
	}
	for _, tc := range cases {
		o := strictOptions()
		o.CORSAllowedOrigins = tc.origins
		err := ValidateProduction(o)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("origins %q: expected error containing %q, got %v", tc.origins, tc.want, err)
		}
	}

	o := strictOptions()
	o.CORSAllowedOrigins = "https://a.example.com,https://b.example.com"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("HTTPS origins should pass: %v", err)
	}
}

func TestAuditSaltRequiredWhenRedactionEnabled(t *testing.T) {
	o := strictOptions()
	o.AuditRedactEnabled = "true"
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "AUDIT_HASH_SALT") {
		t.Fatalf("expected audit salt failure, got %v", err)
	}

	o.AuditHashSalt = "pepper"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("salted redaction should pass: %v", err)
	}

	o = strictOptions()
	o.AuditRedactEnabled = "false"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("redaction off should not require a salt: %v", err)
	}
}

func TestRequiredSecrets(t *testing.T) {
	o := strictOptions()
	o.RequiredServiceSecrets = []EnvRequirement{
		{Name: "IDENTITY_HS256_SECRET", Value: ""},
	}
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "IDENTITY_HS256_SECRET") {
		t.Fatalf("expected missing secret failure, got %v", err)
	}

	o.RequiredServiceSecrets[0].Value = "s3cret"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("populated secret should pass: %v", err)
	}

	o.RequiredServiceSecrets = []EnvRequirement{{Name: " ", Value: ""}}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("blank requirement names are ignored: %v", err)
	}
}

func TestStagingIsProductionLike(t *testing.T) {
	o := strictOptions()
	o.Environment = "staging"
	o.DatabaseRequireTLS = ""
	if err := ValidateProduction(o); err == nil {
		t.Fatal("staging must run the strict checks")
	}
}
