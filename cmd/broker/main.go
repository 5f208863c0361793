package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/authz"
	"github.com/netology-group/conference-broker/internal/backendmgr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/config"
	"github.com/netology-group/conference-broker/internal/dispatcher"
	"github.com/netology-group/conference-broker/internal/health"
	"github.com/netology-group/conference-broker/internal/housekeeping"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/middleware"
	"github.com/netology-group/conference-broker/internal/ratelimit"
	"github.com/netology-group/conference-broker/internal/store"
	"github.com/netology-group/conference-broker/internal/tracing"
	"github.com/netology-group/conference-broker/pkg/gateway"
)

// housekeeping sweep cadences. SPEC_FULL.md names the sweeps but leaves
// their period to the operator; these are conservative defaults for a
// single-replica deployment.
const (
	roomClosureSweepPeriod      = 30 * time.Second
	handleReclaimSweepPeriod    = time.Minute
	recordingFinalizeSweepPeriod = 15 * time.Second
)

func main() {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := setupTracing(ctx, cfg)
	if err != nil {
		logging.Warn(ctx, "tracing disabled", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	db, err := store.Open(cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		logging.Fatal(ctx, "open database", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		logging.Fatal(ctx, "migrate database", zap.Error(err))
	}

	if !cfg.RedisEnabled {
		logging.Fatal(ctx, "the bus requires Redis; set REDIS_ENABLED=true")
	}
	svc, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "connect to bus", zap.Error(err))
	}
	defer func() { _ = svc.Close() }()

	rooms := store.NewRoomQueries(db)
	rtcs := store.NewRtcQueries(db)
	streams := store.NewStreamQueries(db)
	agents := store.NewAgentQueries(db)
	backends := store.NewBackendQueries(db)
	recordings := store.NewRecordingQueries(db)
	readerConfigs := store.NewReaderConfigQueries(db)
	writerConfigs := store.NewWriterConfigQueries(db)

	authorizer := buildAuthorizer(cfg)
	rateLimiter, err := ratelimit.NewRateLimiter(svc.Client(), nil)
	if err != nil {
		logging.Fatal(ctx, "build rate limiter", zap.Error(err))
	}

	gw := gateway.NewClient(svc)
	mgr := backendmgr.New(backendmgr.Deps{
		Rtcs:                rtcs,
		Streams:             streams,
		Agents:              agents,
		Backends:            backends,
		Recordings:          recordings,
		Gateway:             gw,
		Bus:                 svc,
		Label:               cfg.AgentLabel,
		DefaultTimeout:      cfg.Backend.DefaultTimeout.AsDuration(),
		StreamUploadTimeout: cfg.Backend.StreamUploadTimeout.AsDuration(),
	})

	var wg sync.WaitGroup
	watchdogPeriod := cfg.Backend.TransactionWatchdogCheckPeriod.AsDuration()
	if watchdogPeriod <= 0 {
		watchdogPeriod = 10 * time.Second
	}
	wg.Add(1)
	go func() { defer wg.Done(); mgr.RunWatchdog(ctx, watchdogPeriod) }()

	sweeper := housekeeping.New(housekeeping.Deps{
		Rooms:      rooms,
		Rtcs:       rtcs,
		Streams:    streams,
		Agents:     agents,
		Backends:   backends,
		Recordings: recordings,
		BackendMgr: mgr,
		Bus:        svc,
		Label:      cfg.AgentLabel,
	})
	for _, loop := range []struct {
		run    func(context.Context, time.Duration)
		period time.Duration
	}{
		{sweeper.RunRoomClosureSweep, roomClosureSweepPeriod},
		{sweeper.RunHandleReclaimSweep, handleReclaimSweepPeriod},
		{sweeper.RunRecordingFinalizeSweep, recordingFinalizeSweepPeriod},
	} {
		loop := loop
		wg.Add(1)
		go func() { defer wg.Done(); loop.run(ctx, loop.period) }()
	}

	disp := dispatcher.New(dispatcher.Deps{
		Rooms:         rooms,
		Rtcs:          rtcs,
		Streams:       streams,
		Agents:        agents,
		Backends:      backends,
		Recordings:    recordings,
		ReaderConfigs: readerConfigs,
		WriterConfigs: writerConfigs,
		BackendMgr:    mgr,
		Bus:           svc,
		Authz:         authorizer,
		RateLimit:     rateLimiter,
		Label:         cfg.AgentLabel,
	})

	sessionTopic := bus.AgentInbound(cfg.AgentLabel, "session")
	svc.Subscribe(ctx, sessionTopic, &wg, func(env *bus.Envelope) {
		resp := disp.Handle(ctx, env)
		if resp == nil {
			return
		}
		topic := env.Properties.ResponseTopic
		if topic == "" {
			return
		}
		if err := svc.Publish(ctx, topic, resp); err != nil {
			logging.Error(ctx, "publish dispatcher response", zap.Error(err))
		}
	})

	backendTopic := bus.AgentInbound(cfg.AgentLabel, "backend")
	svc.Subscribe(ctx, backendTopic, &wg, func(env *bus.Envelope) {
		if err := mgr.HandleBackendEnvelope(ctx, env); err != nil {
			logging.Error(ctx, "handle backend envelope", zap.Error(err))
		}
	})

	freshness := 2 * cfg.Backend.DefaultTimeout.AsDuration()
	if freshness <= 0 {
		freshness = 30 * time.Second
	}
	backendChecker := health.NewBackendRegistryChecker(backends, freshness)
	healthHandler := health.NewHandler(svc, backendChecker)

	router := buildRouter(cfg, tp != nil, healthHandler)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logging.Info(ctx, "broker listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "serve http", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "http shutdown", zap.Error(err))
	}

	wg.Wait()
}

func setupTracing(ctx context.Context, cfg *config.Config) (interface{ Shutdown(context.Context) error }, error) {
	collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR")
	if collectorAddr == "" {
		return nil, nil
	}
	tp, err := tracing.InitTracer(ctx, cfg.AgentLabel, collectorAddr)
	if err != nil {
		return nil, err
	}
	return tp, nil
}

// buildAuthorizer wires the configured authz.Authorizer, or nil when
// SKIP_AUTHZ disables the check entirely (internal/dispatcher treats a nil
// Authorizer as "permit everything").
func buildAuthorizer(cfg *config.Config) authz.Authorizer {
	if cfg.SkipAuthz {
		return nil
	}

	policies := make(map[string]authz.AudiencePolicy, len(cfg.Authz))
	hasRemote := false
	for audience, ac := range cfg.Authz {
		policies[audience] = authz.AudiencePolicy{
			URL:         ac.URL,
			TrustedApps: ac.TrustedApps,
			Timeout:     ac.Timeout.AsDuration(),
		}
		if ac.URL != "" {
			hasRemote = true
		}
	}

	if !hasRemote {
		return authz.NewLocalAuthorizer(policies)
	}

	signer, err := authz.NewIDTokenSigner(cfg.IDToken.Algorithm, cfg.IDToken.Key, cfg.AgentLabel)
	if err != nil {
		logging.Warn(context.Background(), "id_token signer unavailable, falling back to local authz", zap.Error(err))
		return authz.NewLocalAuthorizer(policies)
	}
	return authz.NewHTTPAuthorizer(signer, policies)
}

func buildRouter(cfg *config.Config, tracingEnabled bool, healthHandler *health.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware(cfg.AgentLabel))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	router.Use(cors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	return router
}
