package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/analytics"
	"github.com/supercheck-io/supercheck-sub010/internal/api"
	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/circuitbreaker"
	"github.com/supercheck-io/supercheck-sub010/internal/config"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/events"
	"github.com/supercheck-io/supercheck-sub010/internal/leaderelection"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
	"github.com/supercheck-io/supercheck-sub010/internal/platform"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
	"github.com/supercheck-io/supercheck-sub010/internal/reconciler"
	"github.com/supercheck-io/supercheck-sub010/internal/scheduler"
	"github.com/supercheck-io/supercheck-sub010/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`supercheck - test execution control plane

Usage:
  supercheck <command>

Commands:
  serve      Start the API server, queue loops and run reconciler
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for the work queue (required)
  REDIS_PASSWORD            Redis password (optional)
  REDIS_DB                  Redis database number (default: "0")
  HTTP_ADDR                 HTTP server address (default: ":8080")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  QUEUE_DRAIN_TIMEOUT       Event drain timeout at shutdown (default: "30s")

  QUEUE_PREFIX              Redis key prefix for queue state (default: "sq")
  PROMOTE_INTERVAL          Delayed/recurring promotion interval (default: "5s")
  STALLED_CHECK_INTERVAL    Stalled-job scan interval (default: "30s")
  STALLED_GRACE             Heartbeat grace before redelivery (default: "60s")

  CAPACITY_ISOLATION        "tenant" or "global" ceilings (default: "tenant")
  PLAN_CATALOG_PATH         YAML plan catalog, hot reloaded (optional)
  GLOBAL_RUNNING_CAPACITY   Deployment-wide running cap, 0 = off (default: "0")
  CIRCUIT_BREAKER_THRESHOLD Failures before opening, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown (default: "2m")

  EVENT_BUFFER_SIZE         Per-subscriber event buffer (default: "100")
  SSE_PING_INTERVAL         SSE keepalive interval (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  RUN_SWEEP_ENABLED         Enable the stuck-run sweeper (default: "true")
  RUN_SWEEP_INTERVAL        How often to scan for stuck runs (default: "5m")
  RUN_SWEEP_THRESHOLD       Age before a run counts as stuck (default: "15m")
  RUN_SWEEP_BATCH_SIZE      Max stuck runs per cycle (default: "100")

  AUTH_MODE                 "jwt" or "none" (default: "none")
  JWT_SECRET                HMAC secret for bearer tokens (required for jwt)
  WEBHOOK_SIGNING_SECRET    HMAC secret for inbound webhooks (optional)
  RATE_LIMIT_RPS            Per-tenant request rate (default: "50")
  RATE_LIMIT_BURST          Per-tenant burst allowance (default: "100")

  LEADER_ELECTION_ENABLED   Gate singleton loops behind an advisory lock (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "842113")
  LEADER_RETRY_INTERVAL     Lock retry interval when not leader (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection liveness check (default: "2s")

  LOG_LEVEL                 debug, info, warn, error (default: "info")
  LOG_FORMAT                "json" or "text" (default: "text")`)
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := newLogger()
	logConfigWarnings(cfg, logger)

	// PostgreSQL.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.WithFields(logrus.Fields{
		"max_open":      cfg.DBMaxOpenConns,
		"max_idle":      cfg.DBMaxIdleConns,
		"max_lifetime":  cfg.DBConnMaxLifetime.String(),
		"max_idle_time": cfg.DBConnMaxIdleTime.String(),
	}).Info("db pool configured")

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db)
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = store.Bootstrap(bootCtx)
	cancelBoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap schema: %v\n", err)
		return exitRuntimeError
	}

	// Redis.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	// Metrics sink (optional). The registry is served on the main HTTP
	// server at METRICS_PATH rather than a separate port.
	var promSink *metrics.PrometheusSink
	var deps api.Deps
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		promSink = metrics.NewPrometheusSink(reg, logger)
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		logger.WithField("path", cfg.MetricsPath).Info("metrics enabled")
	}

	// Work queue adapter.
	queueAdapter := queue.New(redisClient, queue.Config{
		Prefix:          cfg.QueuePrefix,
		PromoteInterval: cfg.PromoteInterval,
		StalledInterval: cfg.StalledInterval,
		StalledGrace:    cfg.StalledGrace,
	}, logger)
	if promSink != nil {
		queueAdapter = queueAdapter.WithMetrics(promSink)
	}

	redisPingCtx, cancelRedisPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = queueAdapter.Ping(redisPingCtx)
	cancelRedisPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		return exitRuntimeError
	}

	// Plan catalog. A broken file is fatal here; once running, the watcher
	// keeps the last good catalog across bad reloads.
	catalog := capacity.NewCatalog(cfg.PlanCatalogPath, logger)
	if err := catalog.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load plan catalog: %v\n", err)
		return exitRuntimeError
	}
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if cfg.PlanCatalogPath != "" {
		go func() {
			if err := catalog.Watch(watchCtx); err != nil {
				logger.WithError(err).Warn("plan catalog watcher stopped")
			}
		}()
	}

	// Tenant platform seams. Plan assignment comes from a control plane in
	// a full deployment; here the static resolver falls back to "free".
	plans := platform.NewStaticPlans("free")
	development := cfg.AuthMode == "none"
	var auth platform.AuthResolver
	if development {
		auth = platform.NewDevAuthResolver("team")
		plans.Assign(platform.DevOrgID, "team")
	} else {
		auth = platform.NewJWTAuthResolver(cfg.JWTSecret, logger)
	}

	// Capacity gate with optional circuit breaker on queue introspection.
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		logger.WithFields(logrus.Fields{
			"threshold": cfg.CircuitBreakerThreshold,
			"cooldown":  cfg.CircuitBreakerCooldown.String(),
		}).Info("circuit breaker enabled")
	}
	gate := capacity.NewGate(queueAdapter, catalog, plans, capacity.Config{
		Isolation:             cfg.CapacityIsolation,
		GlobalRunningCapacity: cfg.GlobalRunningCapacity,
	}, logger)
	if breaker != nil {
		gate = gate.WithBreaker(breaker)
	}
	if promSink != nil {
		gate = gate.WithMetrics(promSink)
	}

	// Scheduled fires pass through the same gate as manual triggers.
	queueAdapter.WithAdmission(func(ctx context.Context, orgID uuid.UUID, kind domain.TaskKind) (bool, string, error) {
		decision, err := gate.CanAdmit(ctx, orgID, kind)
		if err != nil {
			return false, "", err
		}
		return decision.Admit, decision.Reason, nil
	})

	sched := scheduler.New(queueAdapter, store, logger)
	if promSink != nil {
		sched = sched.WithMetrics(promSink)
	}

	// Event hub. The reconciler feed is load-bearing, so failing to attach
	// at startup is fatal even though redis just answered a ping.
	hub := events.New(redisClient, queueAdapter.EventChannels(), cfg.EventBufferSize, logger)
	if promSink != nil {
		hub = hub.WithMetrics(promSink)
	}
	readyCtx, cancelReady := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = hub.Ready(readyCtx)
	cancelReady()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to attach event hub: %v\n", err)
		return exitRuntimeError
	}

	stats := analytics.NewRecorder(redisClient, cfg.QueuePrefix)

	recon := reconciler.New(reconciler.Config{
		SweepInterval:  cfg.SweepInterval,
		SweepThreshold: cfg.SweepThreshold,
		SweepBatch:     cfg.SweepBatchSize,
		DrainTimeout:   cfg.QueueDrainTimeout,
	}, store, queueAdapter, gate, platform.UnlimitedCredits{}, platform.NewStaticVariables(nil), logger)
	if promSink != nil {
		recon = recon.WithMetrics(promSink)
	}
	recon = recon.WithOutcomes(stats)

	// Event loop: every instance consumes the lifecycle feed. Terminal
	// applies are idempotent, so overlapping instances are safe.
	eventCh, unsubscribe := hub.Subscribe()
	reconCtx, cancelRecon := context.WithCancel(context.Background())
	var reconWg sync.WaitGroup
	reconWg.Add(1)
	go func() {
		defer reconWg.Done()
		recon.Run(reconCtx, eventCh)
	}()

	// Singleton loops: promoter, reaper, sweeper. Exactly one instance may
	// run them; with leader election they start on win and stop on loss.
	var dutiesWg sync.WaitGroup
	startDuties := func(ctx context.Context) {
		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			_ = queueAdapter.RunPromoter(ctx)
		}()
		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			_ = queueAdapter.RunReaper(ctx)
		}()
		if cfg.SweepEnabled {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				recon.RunSweeper(ctx)
			}()
		}
	}
	stopDuties := func() {
		dutiesWg.Wait()
	}

	var electorWg sync.WaitGroup
	var cancelElector context.CancelFunc
	var cancelDuties context.CancelFunc
	if cfg.LeaderEnabled {
		elector := leaderelection.New(leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		}, db, startDuties, stopDuties, logger)
		if promSink != nil {
			elector = elector.WithMetrics(promSink)
		}
		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(context.Background())
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
	} else {
		var dutiesCtx context.Context
		dutiesCtx, cancelDuties = context.WithCancel(context.Background())
		startDuties(dutiesCtx)
	}

	// HTTP API.
	deps.Auth = auth
	deps.Perms = platform.AllowAllPermissions{}
	deps.Audit = platform.NewLogAuditRecorder(logger)
	deps.Store = store
	deps.Scheduler = sched
	deps.Runs = recon
	deps.Quota = gate
	deps.Queues = queueAdapter
	deps.Stats = stats
	deps.Events = hub
	deps.DB = store
	deps.Redis = queueAdapter
	if breaker != nil {
		deps.Breaker = breaker
	}

	server := api.New(api.Config{
		Addr:            cfg.HTTPAddr,
		SSEPingInterval: cfg.SSEPingInterval,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
		WebhookSecret:   cfg.WebhookSigningSecret,
		MetricsPath:     cfg.MetricsPath,
		Development:     development,
	}, deps, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("http server failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"version": version,
		"http":    cfg.HTTPAddr,
		"prefix":  cfg.QueuePrefix,
	}).Info("supercheck started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.WithField("signal", received.String()).Info("shutting down")

	// Phase 1: stop accepting HTTP work. In-flight requests drain within
	// the shutdown timeout; stream subscribers are disconnected.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	if err := server.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Warn("http shutdown error")
	}
	cancelHTTP()
	logger.Info("http server stopped")

	// Phase 2: release leadership (or stop the directly-run loops). No new
	// promotions, redeliveries or sweeps after this.
	if cancelElector != nil {
		cancelElector()
		electorWg.Wait()
	}
	if cancelDuties != nil {
		cancelDuties()
		dutiesWg.Wait()
	}
	cancelWatch()
	logger.Info("singleton loops stopped")

	// Phase 3: detach the event hub, then let the reconciler drain what is
	// already buffered. Anything missed is caught up by the sweeper.
	if err := hub.Close(); err != nil {
		logger.WithError(err).Warn("event hub close error")
	}
	cancelRecon()
	reconWg.Wait()
	unsubscribe()
	logger.Info("reconciler stopped")

	logger.Info("supercheck stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("supercheck version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
