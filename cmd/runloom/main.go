package main

import (
	"context"
	"database/sql"
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

	"github.com/runloom/runloom/internal/analytics"
	"github.com/runloom/runloom/internal/api"
	"github.com/runloom/runloom/internal/clock"
	"github.com/runloom/runloom/internal/config"
	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/leaderelection"
	"github.com/runloom/runloom/internal/materializer"
	"github.com/runloom/runloom/internal/metrics"
	"github.com/runloom/runloom/internal/reconciler"
	"github.com/runloom/runloom/internal/scheduler"
	"github.com/runloom/runloom/internal/store/postgres"
	"github.com/runloom/runloom/internal/store/sqlite"
	"github.com/runloom/runloom/internal/transport/channel"

	_ "github.com/lib/pq"
)

// clockSource adapts internal/clock to the scheduler.ClockSource interface,
// picking a cron or interval clock per schedule.
type clockSource struct {
	parser *clock.Parser
}

func (c *clockSource) ClockFor(s domain.Schedule) (scheduler.Clock, error) {
	if s.CronExpression != "" {
		clk, err := c.parser.Parse(s.CronExpression, s.Timezone)
		if err != nil {
			return nil, err
		}
		return clk, nil
	}
	clk, err := clock.NewIntervalClock(s.Interval, s.AnchorDate)
	if err != nil {
		return nil, err
	}
	return clk, nil
}

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
	fmt.Println(`runloom - deployment scheduling and flow run materialization service

Usage:
  runloom <command>

Commands:
  serve      Start the scheduler agent, reconciler, and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_DRIVER           "postgres" or "sqlite3" (default: "postgres")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  SQLITE_PATH               SQLite database file (default: "runloom.db")
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  TICK_INTERVAL             Scheduler agent tick interval (default: "60s")
  SCHEDULE_AHEAD            How far ahead each tick schedules (default: "8760h")
  MAX_RUNS                  Max occurrences per schedule per call (default: "100")
  DEPLOYMENT_PAGE_SIZE      Deployments listed per page (default: "200")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  EVENTBUS_BUFFER_SIZE      Event bus buffer size (default: "100")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  RECONCILE_ENABLED         Enable state-less run reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for state-less runs (default: "5m")
  RECONCILE_THRESHOLD       Age before a run counts as state-less (default: "10m")
  RECONCILE_LOOKBACK        How far back repair windows reach (default: "24h")
  RECONCILE_BATCH_SIZE      Max deployments repaired per cycle (default: "100")

  ANALYTICS_WINDOW          Counter bucket width (default: "1h")
  ANALYTICS_RETENTION       Counter key retention (default: "168h")

  LEADER_ELECTION_ENABLED   Enable advisory-lock leader election (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by all instances
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

// logConfigWarnings reports configuration combinations that work but degrade
// durability or visibility in production.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("WARNING [P0]: RECONCILE_ENABLED=false; runs left state-less by a crash mid-materialization stay invisible to pollers until the same window is scheduled again")
	}
	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; no visibility into tick health or materialization volume")
	}
	if cfg.DatabaseDriver == config.DriverSQLite {
		log.Println("INFO: DATABASE_DRIVER=sqlite3 is single-writer; run exactly one instance against the file")
	}
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Open the store for the configured driver. Every consumer below talks
	// to it through its own interface, so the two drivers stay swappable.
	var (
		deploymentStore scheduler.DeploymentStore
		runStore        materializer.Store
		reconStore      reconciler.Store
		apiStore        api.Store
		healthDB        *sql.DB
	)

	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
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

		log.Printf("runloom: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}

		store := postgres.New(db, cfg.DBOpTimeout)
		if err := store.EnsureSchema(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply schema: %v\n", err)
			return exitRuntimeError
		}

		deploymentStore, runStore, reconStore, apiStore = store, store, store, store
		healthDB = db

	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open sqlite database: %v\n", err)
			return exitRuntimeError
		}
		defer store.Close()

		log.Printf("runloom: sqlite store opened (path=%s)", cfg.SQLitePath)
		deploymentStore, runStore, reconStore, apiStore = store, store, store, store
		healthDB = store.DB()
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("runloom: metrics enabled (path=%s)", cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":9090",
			Handler: metricsMux,
		}
		go func() {
			log.Println("runloom: metrics server listening on :9090")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("runloom: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("runloom: METRICS_ENABLED not set; metrics disabled")
	}

	// Event bus with optional metrics
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	service := scheduler.NewService(
		deploymentStore,
		&clockSource{parser: clock.NewParser()},
		materializer.New(runStore),
	)

	agent := scheduler.NewAgent(scheduler.AgentConfig{
		TickInterval:       cfg.TickInterval,
		ScheduleAhead:      cfg.ScheduleAhead,
		MaxRuns:            cfg.MaxRuns,
		DeploymentPageSize: cfg.DeploymentPageSize,
	}, service, bus)
	if metricsSink != nil {
		agent = agent.WithMetrics(metricsSink)
	}

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(reconciler.Config{
			Interval:      cfg.ReconcileInterval,
			Threshold:     cfg.ReconcileThreshold,
			Lookback:      cfg.ReconcileLookback,
			ScheduleAhead: cfg.ScheduleAhead,
			BatchSize:     cfg.ReconcileBatchSize,
		}, reconStore, service)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
	} else {
		log.Println("runloom: RECONCILE_ENABLED not set; reconciler disabled")
	}

	// Consume materialization events: analytics if Redis is configured,
	// metrics counter either way.
	var analyticsSink *analytics.RedisSink
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		analyticsSink = analytics.NewRedisSink(redisClient, cfg.AnalyticsWindow, cfg.AnalyticsRetention)
		log.Printf("runloom: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("runloom: REDIS_ADDR not set; analytics disabled")
	}

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	var consumerWg sync.WaitGroup
	consumerWg.Add(1)
	go func() {
		defer consumerWg.Done()
		consumeEvents(consumerCtx, bus, analyticsSink, metricsSink)
	}()

	// HTTP API
	apiHandler := api.NewHandler(apiStore, service).WithHealthChecker(healthDB)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("runloom: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("runloom: http server error: %v", err)
		}
	}()

	// Scheduling duties run either unconditionally or under leader election.
	var dutiesWg sync.WaitGroup
	var cancelDuties context.CancelFunc

	startDuties := func(ctx context.Context) {
		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			agent.Run(ctx)
		}()
		if recon != nil {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				recon.Run(ctx)
			}()
		}
	}

	electionCtx, cancelElection := context.WithCancel(context.Background())
	defer cancelElection()
	var electionWg sync.WaitGroup

	if cfg.LeaderElectionEnabled {
		elector := leaderelection.New(
			healthDB,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			startDuties,
			func() { dutiesWg.Wait() },
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
		log.Printf("runloom: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		var dutiesCtx context.Context
		dutiesCtx, cancelDuties = context.WithCancel(context.Background())
		defer cancelDuties()
		startDuties(dutiesCtx)
	}

	log.Printf("runloom: started (driver=%s, tick=%s, http=%s)", cfg.DatabaseDriver, cfg.TickInterval, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("runloom: received signal %v, shutting down", received)

	// Phase 1: Stop scheduling duties (no new events emitted)
	log.Println("runloom: stopping scheduler and reconciler...")
	if cfg.LeaderElectionEnabled {
		cancelElection()
		electionWg.Wait()
	} else {
		cancelDuties()
	}
	dutiesWg.Wait()
	log.Println("runloom: scheduling duties stopped")

	// Phase 2: Stop the event consumer (drains the bus before returning)
	log.Println("runloom: stopping event consumer...")
	cancelConsumer()
	consumerWg.Wait()
	log.Println("runloom: event consumer stopped")

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Println("runloom: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("runloom: http server shutdown error: %v", err)
	}
	log.Println("runloom: http server stopped")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("runloom: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("runloom: metrics server shutdown error: %v", err)
		}
		log.Println("runloom: metrics server stopped")
	}

	log.Println("runloom: stopped")
	return exitSuccess
}

// consumeEvents drains materialization events into the analytics and metrics
// sinks. On shutdown it drains whatever is already buffered, then returns.
func consumeEvents(ctx context.Context, bus *channel.EventBus, sink *analytics.RedisSink, metricsSink *metrics.PrometheusSink) {
	for {
		select {
		case event := <-bus.Channel():
			recordEvent(ctx, event, sink, metricsSink)
		case <-ctx.Done():
			for {
				select {
				case event := <-bus.Channel():
					recordEvent(context.Background(), event, sink, metricsSink)
				default:
					return
				}
			}
		}
	}
}

func recordEvent(ctx context.Context, event domain.RunsMaterializedEvent, sink *analytics.RedisSink, metricsSink *metrics.PrometheusSink) {
	if metricsSink != nil {
		metricsSink.RunsMaterialized(len(event.RunIDs))
	}
	if sink == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sink.Write(writeCtx, event); err != nil {
		log.Printf("runloom: analytics write for deployment %s: %v", event.DeploymentID, err)
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
	fmt.Printf("runloom version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
