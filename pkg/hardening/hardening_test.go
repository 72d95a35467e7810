package hardening

import (
	"strings"
	"testing"
)

func secureOptions() Options {
	return Options{
		Service:            "gateway",
		Environment:        "production",
		BackendURL:         "https://glpi.example.com",
		RedisAddr:          "redis.internal:6380",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://ops.example.com",
		AuthMode:           "hs256",
		SafetyGuardEnabled: true,
		RequiredSecrets: []EnvRequirement{
			{Name: "GLPI_APP_TOKEN", Value: "app"},
			{Name: "SAFETY_GUARD_TOKEN", Value: "12345678"},
		},
	}
}

func TestValidateProductionPasses(t *testing.T) {
	if err := ValidateProduction(secureOptions()); err != nil {
		t.Fatalf("secure production config must pass: %v", err)
	}
}

func TestValidateProductionSkipsDevelopment(t *testing.T) {
	o := secureOptions()
	o.Environment = "development"
	o.AuthMode = "off"
	o.SafetyGuardEnabled = false
	o.BackendURL = "http://localhost:8088"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("development must pass through: %v", err)
	}
}

func TestValidateProductionStrictOptOut(t *testing.T) {
	o := secureOptions()
	o.StrictProdSecurity = "false"
	o.AuthMode = "off"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("explicit strict opt-out must pass: %v", err)
	}
}

func TestValidateProductionRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"auth off", func(o *Options) { o.AuthMode = "off" }, "AUTH_MODE=off"},
		{"guard disabled", func(o *Options) { o.SafetyGuardEnabled = false }, "SAFETY_GUARD_ENABLED"},
		{"plaintext backend", func(o *Options) { o.BackendURL = "http://glpi.example.com" }, "https"},
		{"redis without tls", func(o *Options) { o.RedisRequireTLS = "" }, "REDIS_REQUIRE_TLS"},
		{"redis insecure tls", func(o *Options) { o.RedisTLSInsecure = "true" }, "REDIS_TLS_INSECURE"},
		{"cors wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors localhost", func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors plaintext", func(o *Options) { o.CORSAllowedOrigins = "http://ops.example.com" }, "HTTPS"},
		{"missing secret", func(o *Options) { o.RequiredSecrets[1].Value = "" }, "SAFETY_GUARD_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := secureOptions()
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q must mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateProductionEmptyCORSAllowed(t *testing.T) {
	o := secureOptions()
	o.CORSAllowedOrigins = ""
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("empty CORS list keeps CORS off and must pass: %v", err)
	}
}

func TestValidateProductionNoRedis(t *testing.T) {
	o := secureOptions()
	o.RedisAddr = ""
	o.RedisRequireTLS = ""
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("no redis means no redis TLS requirement: %v", err)
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for _, env := range []string{"prod", "Production", " staging ", "STAGE"} {
		if !IsProductionLikeEnv(env) {
			t.Fatalf("%q must be production-like", env)
		}
	}
	for _, env := range []string{"", "dev", "development", "test", "local"} {
		if IsProductionLikeEnv(env) {
			t.Fatalf("%q must not be production-like", env)
		}
	}
}
