package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setGatewayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("AUTH_MODE", "hs256")
	t.Setenv("AUTH_HS256_SECRET", "unit-test-secret")
	t.Setenv("SAFETY_GUARD_TOKEN", "unit-test-guard-token")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("KAFKA_BROKERS", "")
}

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis down")
}

func TestMainOverridesGateway(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryG
	origOpenDB := openDBFnG
	origOpenRedis := openRedisFnG
	origListen := listenFnG
	origStartLoops := startLoopsFnG
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryG = origInitTelemetry
		openDBFnG = origOpenDB
		openRedisFnG = origOpenRedis
		listenFnG = origListen
		startLoopsFnG = origStartLoops
	}()

	t.Run("success path", func(t *testing.T) {
		setGatewayEnv(t)

		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryG = noopTelemetry
		openRedisFnG = noRedis
		listenFnG = func(server *http.Server) error { return nil }
		startLoopsFnG = func(ctx context.Context, s *Server) {}

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not fire on a clean run")
		}
	})

	t.Run("error path calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("telemetry init failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should fire when startup fails")
		}
	})
}

func TestRunGatewayErrorBranches(t *testing.T) {
	t.Run("telemetry error", func(t *testing.T) {
		err := runGateway(
			func(ctx context.Context, service string) (func(context.Context) error, error) {
				return nil, errors.New("telemetry failed")
			},
			nil, nil, nil, nil,
		)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("guard misconfigured", func(t *testing.T) {
		setGatewayEnv(t)
		t.Setenv("SAFETY_GUARD_TOKEN", "")

		err := runGateway(noopTelemetry, nil, noRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "safety guard") {
			t.Fatalf("expected safety guard error, got %v", err)
		}
	})

	t.Run("auth off without explicit opt-in", func(t *testing.T) {
		setGatewayEnv(t)
		t.Setenv("AUTH_MODE", "off")

		err := runGateway(noopTelemetry, nil, noRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "ALLOW_INSECURE_AUTH_OFF") {
			t.Fatalf("expected auth-off rejection, got %v", err)
		}
	})

	t.Run("missing signing secret", func(t *testing.T) {
		setGatewayEnv(t)
		t.Setenv("AUTH_HS256_SECRET", "")

		err := runGateway(noopTelemetry, nil, noRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "AUTH_HS256_SECRET") {
			t.Fatalf("expected missing secret error, got %v", err)
		}
	})

	t.Run("db open failure", func(t *testing.T) {
		setGatewayEnv(t)
		t.Setenv("DATABASE_URL", "postgres://localhost:5432/gateway")

		openDB := func(ctx context.Context) (gatewayDBCloser, error) {
			return nil, errors.New("db failed")
		}
		err := runGateway(noopTelemetry, openDB, noRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "db") {
			t.Fatalf("expected db error, got %v", err)
		}
	})

	t.Run("listen required", func(t *testing.T) {
		setGatewayEnv(t)

		err := runGateway(noopTelemetry, nil, noRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "listen function required") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})
}

func TestRunGatewayLifecycle(t *testing.T) {
	setGatewayEnv(t)

	var captured *http.Server
	loopsStarted := false
	err := runGateway(
		noopTelemetry,
		nil,
		noRedis,
		func(server *http.Server) error {
			captured = server

			rr := doJSON(t, server.Handler, http.MethodGet, "/healthz", "")
			if rr.Code != 200 {
				return errors.New("healthz failed")
			}
			// Protected routes demand a bearer token.
			rr = doJSON(t, server.Handler, http.MethodPost, "/v1/resolve", `{"kind":"computer","term":"ws"}`)
			if rr.Code != 401 {
				return errors.New("expected 401 without credentials")
			}
			return errors.New("test-stop")
		},
		func(ctx context.Context, s *Server) { loopsStarted = true },
	)

	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
	if captured == nil {
		t.Fatal("server not captured")
	}
	if !loopsStarted {
		t.Fatal("background loops not started")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_STR", "value")
	if env("GW_TEST_STR", "def") != "value" {
		t.Fatal("env should prefer the set value")
	}
	if env("GW_TEST_UNSET", "def") != "def" {
		t.Fatal("env should fall back to the default")
	}

	t.Setenv("GW_TEST_INT", "42")
	if envInt("GW_TEST_INT", 7) != 42 {
		t.Fatal("envInt should parse the set value")
	}
	t.Setenv("GW_TEST_INT", "not-a-number")
	if envInt("GW_TEST_INT", 7) != 7 {
		t.Fatal("envInt should fall back on parse failure")
	}

	t.Setenv("GW_TEST_SEC", "3")
	if envDurationSec("GW_TEST_SEC", 10) != 3*time.Second {
		t.Fatal("envDurationSec should scale seconds")
	}
	if envDurationSec("GW_TEST_SEC_UNSET", 10) != 10*time.Second {
		t.Fatal("envDurationSec should fall back to the default")
	}
}
