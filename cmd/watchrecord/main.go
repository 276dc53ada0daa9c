package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/watchrecord/internal/analytics"
	"github.com/djlord-it/watchrecord/internal/api"
	"github.com/djlord-it/watchrecord/internal/circuitbreaker"
	"github.com/djlord-it/watchrecord/internal/config"
	"github.com/djlord-it/watchrecord/internal/cron"
	"github.com/djlord-it/watchrecord/internal/dispatcher"
	"github.com/djlord-it/watchrecord/internal/leaderelection"
	"github.com/djlord-it/watchrecord/internal/metrics"
	"github.com/djlord-it/watchrecord/internal/reconciler"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/scheduler"
	"github.com/djlord-it/watchrecord/internal/store/postgres"
	"github.com/djlord-it/watchrecord/internal/transport/channel"
	"github.com/djlord-it/watchrecord/internal/trigger"

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

// startupTimeout bounds the database ping and migrations.
const startupTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "decode":
		os.Exit(runDecode(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
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
	fmt.Println(`watchrecord - scheduled watches with durable triggered records

Usage:
  watchrecord <command>

Commands:
  serve      Start the scheduler, dispatcher and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information
  decode     Decode a stored record: decode [-date-format iso|epoch_millis] <id> [file]

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  RUN_MIGRATIONS            Apply schema migrations on start (default: "false")
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  TICK_INTERVAL             Scheduler tick interval (default: "30s")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher drain timeout (default: "30s")
  DISPATCHER_WORKERS        Concurrent deliveries (default: "1")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Serve metrics on a separate port (default: on HTTP_ADDR)

  RECOVERY_ENABLED          Re-emit stored records that were never delivered (default: "true")
  RECOVERY_INTERVAL         How often to scan for lost records (default: "5m")
  RECOVERY_THRESHOLD        Age before a record counts as lost (default: "15m")
  RECOVERY_BATCH_SIZE       Max records per cycle (default: "100")

  EVENTBUS_BUFFER_SIZE      In-memory bus capacity (default: "100")
  EVENTBUS_EMIT_TIMEOUT     Wait for bus space before leaving a record to recovery (default: "100ms")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before an endpoint is paused, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Pause before probing a failing endpoint again (default: "2m")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "728379")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")

  ANALYTICS_WINDOW          Analytics counter bucket width (default: "1m")
  ANALYTICS_RETENTION       Analytics counter lifetime (default: "24h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(&cfg)

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

	log.Printf("watchrecord: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	if err := db.PingContext(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if cfg.RunMigrations {
		if err := postgres.Migrate(startCtx, db); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply migrations: %v\n", err)
			return exitRuntimeError
		}
		log.Println("watchrecord: migrations applied")
	} else if err := probeSchema(startCtx, db); err != nil {
		fmt.Fprintf(os.Stderr, "schema check failed (set RUN_MIGRATIONS=true to create it): %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)
	parser := cron.NewParser()
	codec := record.NewCodec(trigger.NewDefaultRegistry())

	var metricsSink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("watchrecord: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("watchrecord: METRICS_ENABLED not set; metrics disabled")
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize,
		channel.WithEmitTimeout(cfg.EventBusEmitTimeout),
		channel.WithMetrics(metricsSink),
	)

	disp := dispatcher.New(store, dispatcher.NewHTTPWebhookSender()).
		WithWorkers(cfg.DispatcherWorkers).
		WithDrainTimeout(cfg.DispatcherDrainTimeout).
		WithMetrics(metricsSink)

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		disp = disp.WithCircuitBreaker(breaker)
		log.Printf("watchrecord: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, cfg.AnalyticsWindow, cfg.AnalyticsRetention))
		log.Printf("watchrecord: analytics enabled (redis=%s, window=%s)", cfg.RedisAddr, cfg.AnalyticsWindow)
	} else {
		log.Println("watchrecord: REDIS_ADDR not set; analytics disabled")
	}

	// Scheduler and reconciler run only on the elected leader.
	sched := scheduler.New(scheduler.Config{TickInterval: cfg.TickInterval}, store, parser, bus).
		WithMetrics(metricsSink)
	duties := []leaderelection.Duty{
		func(ctx context.Context) {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("watchrecord: scheduler exited: %v", err)
			}
		},
	}

	if cfg.RecoveryEnabled {
		recon := reconciler.New(
			reconciler.Config{
				Interval:  cfg.RecoveryInterval,
				Threshold: cfg.RecoveryThreshold,
				BatchSize: cfg.RecoveryBatchSize,
			},
			store,
			codec,
			bus,
		).WithMetrics(metricsSink)
		duties = append(duties, recon.Run)
	}

	elector := leaderelection.New(
		leaderelection.NewPostgresLocker(db, cfg.LeaderLockKey),
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		duties...,
	).WithMetrics(metricsSink)

	apiHandler := api.NewHandler(store, bus, codec, parser).
		WithHealthChecker(db).
		WithLeaderStatus(elector)
	if breaker != nil {
		apiHandler = apiHandler.WithBreakerStatus(breaker)
	}

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		if cfg.MetricsPort != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
			go serve("metrics", metricsServer)
		} else {
			mux.Handle(cfg.MetricsPath, promhttp.Handler())
		}
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go serve("http", httpServer)

	// Separate contexts give an ordered shutdown.
	electorCtx, cancelElector := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var electorWg, dispatcherWg sync.WaitGroup

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	log.Printf("watchrecord: started (tick=%s, http=%s, workers=%d)", cfg.TickInterval, cfg.HTTPAddr, cfg.DispatcherWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("watchrecord: received signal %v, shutting down", received)

	// Phase 1: stop leader duties so nothing new is emitted, then release the lock.
	log.Println("watchrecord: stopping leader duties...")
	cancelElector()
	electorWg.Wait()

	// Phase 2: stop the HTTP API so manual executions stop arriving.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("watchrecord: http server shutdown error: %v", err)
	}

	// Phase 3: drain the bus. Undelivered records stay stored for recovery.
	log.Println("watchrecord: stopping dispatcher (draining)...")
	cancelDispatcher()
	dispatcherWg.Wait()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("watchrecord: metrics server shutdown error: %v", err)
		}
	}

	log.Println("watchrecord: stopped")
	return exitSuccess
}

func serve(name string, srv *http.Server) {
	log.Printf("watchrecord: %s server listening on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("watchrecord: %s server error: %v", name, err)
	}
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
	data, err := config.Load().MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("watchrecord version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
