package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/audit"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/auth"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/enrich"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/events"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/glpi"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/guard"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/hardening"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/httpx"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/metrics"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/ratelimit"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/resolve"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/store"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/stream"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/telemetry"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/webhook"
)

type Server struct {
	GLPI     glpi.Client
	Resolver *resolve.Resolver
	Enricher *enrich.Enricher
	Guard    guard.Config

	Cache    store.Cache
	CacheTTL time.Duration

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerWindow int

	Webhooks   webhook.Store
	Audit      *audit.Writer
	Dispatcher *webhook.Dispatcher
	Events     *stream.Hub
	Metrics    *metrics.Registry

	AuthMode   string
	AuthSecret string
	AuthIssuer string

	MaxRequestBodyBytes int64
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	startLoopsFnG = func(ctx context.Context, s *Server) {
		s.Dispatcher.Start(ctx)
		go s.fanoutLoop(ctx)
		go s.metricsLoop(ctx)
		startKafkaPump(ctx, s.Events)
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, "glpi-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	guardCfg := guard.Config{
		Enabled:         env("SAFETY_GUARD_ENABLED", "true") == "true",
		Token:           env("SAFETY_GUARD_TOKEN", ""),
		MinReasonLength: envInt("SAFETY_MIN_REASON_LENGTH", guard.DefaultMinReasonLength),
	}
	if err := guardCfg.Validate(); err != nil {
		return fmt.Errorf("safety guard: %w", err)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var webhooks webhook.Store = webhook.NewMemoryStore()
	var auditWriter *audit.Writer
	if strings.TrimSpace(env("DATABASE_URL", "")) != "" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		pg := webhook.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("db schema: %w", err)
		}
		webhooks = pg
		auditWriter = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "false") == "true",
		}
		if err := auditWriter.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
	} else {
		log.Printf("DATABASE_URL unset, webhook state is in-memory and mutation audit is off")
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	backend := glpi.New(
		env("GLPI_URL", "http://localhost:8088"),
		env("GLPI_APP_TOKEN", ""),
		env("GLPI_USER_TOKEN", ""),
		time.Millisecond*time.Duration(envInt("GLPI_TIMEOUT_MS", 10000)),
	)
	backend.HTTPClient = telemetry.InstrumentClient(backend.HTTPClient)

	reg := metrics.NewRegistry()
	dispatcher := webhook.NewDispatcher(webhooks)
	dispatcher.Client = telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("WEBHOOK_TIMEOUT_SEC", 10)})
	dispatcher.Workers = envInt("WEBHOOK_WORKERS", webhook.DefaultWorkers)
	dispatcher.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", webhook.DefaultMaxAttempts)
	dispatcher.BackoffBase = envDurationSec("WEBHOOK_BACKOFF_BASE_SEC", 2)
	dispatcher.BackoffCap = envDurationSec("WEBHOOK_BACKOFF_CAP_SEC", 300)
	dispatcher.Timeout = envDurationSec("WEBHOOK_TIMEOUT_SEC", 10)
	dispatcher.OnResult = reg.IncDelivery

	s := &Server{
		GLPI:                backend,
		Resolver:            resolve.New(backend),
		Enricher:            enrich.New(backend),
		Guard:               guardCfg,
		Cache:               store.NewCache(ctx, redisClient),
		CacheTTL:            envDurationSec("QUERY_CACHE_TTL_SEC", 30),
		RateLimiter:         limiter,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 60),
		Webhooks:            webhooks,
		Audit:               auditWriter,
		Dispatcher:          dispatcher,
		Events:              stream.NewHub(),
		Metrics:             reg,
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		AuthIssuer:          env("AUTH_ISSUER", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if strings.EqualFold(s.AuthMode, "off") && env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if !strings.EqualFold(s.AuthMode, "off") && strings.TrimSpace(s.AuthSecret) == "" {
		return errors.New("AUTH_HS256_SECRET is required unless AUTH_MODE=off")
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "glpi-gateway",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		BackendURL:         env("GLPI_URL", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:           s.AuthMode,
		SafetyGuardEnabled: guardCfg.Enabled,
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "GLPI_APP_TOKEN", Value: env("GLPI_APP_TOKEN", "")},
			{Name: "GLPI_USER_TOKEN", Value: env("GLPI_USER_TOKEN", "")},
			{Name: "SAFETY_GUARD_TOKEN", Value: guardCfg.Token},
		},
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("glpi-gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "glpi-gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthIssuer))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/resolve", s.withRateLimit(s.handleResolve))
	authRouter.Get("/v1/records/{kind}/{id}", s.withRateLimit(s.handleGetRecord))
	authRouter.Post("/v1/records/{kind}", s.withRateLimit(s.handleBatchRecords))
	authRouter.Post("/v1/mutate", s.withRateLimit(s.handleMutate))
	authRouter.Get("/v1/audit", s.withRateLimit(s.listAudit))
	authRouter.Post("/v1/webhooks", s.withRateLimit(s.createWebhook))
	authRouter.Get("/v1/webhooks", s.withRateLimit(s.listWebhooks))
	authRouter.Get("/v1/webhooks/stats", s.withRateLimit(s.webhookStats))
	authRouter.Get("/v1/webhooks/{id}", s.withRateLimit(s.getWebhook))
	authRouter.Patch("/v1/webhooks/{id}", s.withRateLimit(s.updateWebhook))
	authRouter.Delete("/v1/webhooks/{id}", s.withRateLimit(s.deleteWebhook))
	authRouter.Post("/v1/webhooks/{id}/test", s.withRateLimit(s.testWebhook))
	authRouter.Get("/v1/webhooks/{id}/deliveries", s.withRateLimit(s.listWebhookDeliveries))
	authRouter.Post("/v1/webhooks/{id}/retry", s.withRateLimit(s.retryWebhook))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 20))
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if err := s.Dispatcher.Shutdown(shutdownCtx); err != nil {
			log.Printf("dispatcher drain: %v", err)
		}
		backend.KillSession(shutdownCtx)
	}()
	return listen(server)
}

// fanoutLoop turns hub events into queued deliveries.
func (s *Server) fanoutLoop(ctx context.Context) {
	ch := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if _, err := s.Dispatcher.Fanout(ctx, evt.Type, evt.Data); err != nil {
				log.Printf("fanout %s: %v", evt.Type, err)
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(envDurationSec("METRICS_REFRESH_SEC", 15))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Webhooks.PendingCount(ctx); err == nil {
				s.Metrics.SetGauge("webhook_pending_deliveries", float64(n))
			}
		}
	}
}

// startKafkaPump relays backend change events when a broker is configured.
func startKafkaPump(ctx context.Context, hub *stream.Hub) {
	brokers := strings.TrimSpace(env("KAFKA_BROKERS", ""))
	if brokers == "" {
		return
	}
	consumer, err := events.NewKafkaConsumer(events.KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   env("KAFKA_TOPIC", "itsm.changes"),
		GroupID: env("KAFKA_GROUP_ID", "glpi-gateway"),
	})
	if err != nil {
		log.Printf("kafka disabled: %v", err)
		return
	}
	pump := &events.Pump{Consumer: consumer, Hub: hub}
	go func() {
		defer consumer.Close()
		pump.Run(ctx)
	}()
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
