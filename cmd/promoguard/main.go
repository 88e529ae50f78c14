// Command promoguard runs the trigger validation core: it monitors games
// across the configured sources, reconciles them into consensus decisions,
// validates promotion triggers, and drives fulfillment through the
// promotion platform bridge. An operator console serves on the configured
// port.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/promoguard/core/pkg/audit"
	"github.com/promoguard/core/pkg/bridge"
	"github.com/promoguard/core/pkg/config"
	"github.com/promoguard/core/pkg/consensus"
	"github.com/promoguard/core/pkg/console"
	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/monitor"
	"github.com/promoguard/core/pkg/observability"
	"github.com/promoguard/core/pkg/resilience"
	"github.com/promoguard/core/pkg/sources"
	"github.com/promoguard/core/pkg/validation"
	"github.com/promoguard/core/pkg/workflow"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: promoguard [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the trigger validation service (default)")
	fmt.Fprintln(w, "  health   Check a running instance's health endpoint")
	fmt.Fprintln(w, "  verify   Verify an evidence record: promoguard verify <uri> <hash>")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServer() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	if code := os.Getenv("LEAGUE_PROFILE"); code != "" {
		dir := os.Getenv("PROFILES_DIR")
		if dir == "" {
			dir = "pkg/config/profiles"
		}
		profile, err := config.LoadProfile(dir, code)
		if err != nil {
			log.Fatalf("Failed to load league profile: %v", err)
		}
		profile.Apply(cfg)
		logger.Info("league profile applied", "league", profile.Code, "name", profile.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	store, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init evidence store: %v", err)
	}
	logger.Info("evidence store ready", "backend", cfg.EvidenceBackend)

	registry, err := sources.NewRegistry("")
	if err != nil {
		log.Fatalf("Failed to init source registry: %v", err)
	}
	if err := registry.Register(sources.NewStatsFeedProvider(cfg.StatsFeedURL, cfg.StatsFeedAPIKey, cfg.ProviderTimeout)); err != nil {
		log.Fatalf("Failed to register statsfeed provider: %v", err)
	}
	if err := registry.Register(sources.NewLeagueAPIProvider(cfg.LeagueAPIURL, cfg.ProviderTimeout)); err != nil {
		log.Fatalf("Failed to register league provider: %v", err)
	}

	var (
		limiter      resilience.Limiter
		localLimiter *resilience.LocalLimiter
	)
	if cfg.RedisAddr != "" {
		limiter = resilience.NewRedisLimiter(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		logger.Info("rate limiter: redis", "addr", cfg.RedisAddr)
	} else {
		localLimiter = resilience.NewLocalLimiter()
		limiter = localLimiter
		logger.Info("rate limiter: local")
	}

	fcfg := sources.DefaultFetcherConfig()
	fcfg.Breaker.FailureThreshold = cfg.BreakerFailureThreshold
	fcfg.Breaker.ResetTimeout = cfg.BreakerResetTimeout
	fcfg.Limits[contracts.SourceStatsFeed] = resilience.LimitPolicy{RPM: cfg.StatsFeedRPM, Burst: 10}
	fcfg.Limits[contracts.SourceLeagueAPI] = resilience.LimitPolicy{RPM: cfg.LeagueAPIRPM, Burst: 10}
	fetcher := sources.NewFetcher(registry, store, limiter, fcfg, logger)

	ccfg := consensus.DefaultConfig()
	ccfg.SourceWeights = map[contracts.SourceID]float64{
		contracts.SourceStatsFeed: cfg.StatsFeedWeight,
		contracts.SourceLeagueAPI: cfg.LeagueAPIWeight,
	}
	ccfg.ApprovalThreshold = cfg.ApprovalThreshold
	ccfg.StalenessHorizon = cfg.StalenessHorizon
	engine := consensus.NewEngine(fetcher, store, ccfg, logger)

	var br bridge.Bridge
	if cfg.DatabaseURL != "" {
		pg, err := bridge.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to promotion platform: %v", err)
		}
		defer pg.Close()
		br = pg
		logger.Info("bridge: postgres")
	} else {
		br = bridge.NewMemory()
		logger.Warn("DATABASE_URL not set, using in-memory bridge")
	}

	validator, err := validation.NewService(engine, store, br, validation.Config{}, logger)
	if err != nil {
		log.Fatalf("Failed to init validation service: %v", err)
	}

	ckptDB, err := sql.Open("sqlite", cfg.CheckpointPath)
	if err != nil {
		log.Fatalf("Failed to open checkpoint database: %v", err)
	}
	defer ckptDB.Close()
	ckpt, err := monitor.NewSQLiteCheckpointStore(ckptDB)
	if err != nil {
		log.Fatalf("Failed to init checkpoint store: %v", err)
	}

	mcfg := monitor.DefaultConfig()
	mcfg.PollInterval = cfg.PollInterval
	mon := monitor.NewMonitor(engine, ckpt, mcfg, logger)
	if err := mon.Restore(ctx); err != nil {
		logger.Warn("checkpoint restore failed, starting fresh", "error", err)
	}

	slo := observability.NewSLOTracker().WithDefaultTargets()
	wcfg := workflow.DefaultConfig()
	wcfg.MaxConcurrent = cfg.WorkflowMaxConcurrent
	wcfg.ExecutionTimeout = cfg.WorkflowExecutionTimeout
	wcfg.Retry.MaxAttempts = cfg.WorkflowMaxAttempts
	wcfg.Obs = obs
	wcfg.SLO = slo
	orch := workflow.NewOrchestrator(validator, br, store, wcfg, logger)
	mon.AddEventListener(orch.HandleEvent)

	trail := audit.NewMemoryTrail()
	srv := console.NewServer(fetcher, localLimiter, engine, validator, orch, mon, store, console.Config{
		AuthSecret:     []byte(cfg.ConsoleAuthSecret),
		IdempotencyTTL: cfg.IdempotencyTTL,
		Audit:          trail,
		Trail:          trail,
		SLO:            slo,
	}, logger)

	go orch.Run(ctx)
	go mon.Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("console listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Console server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", "error", err)
	}

	orch.Close()
	<-orch.Done()
	<-mon.Done()

	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func observabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		oc.OTLPEndpoint = endpoint
	} else {
		oc.Enabled = false
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		oc.Environment = env
	}
	oc.Insecure = os.Getenv("OTEL_INSECURE") == "true"
	return oc
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

// runVerifyCmd re-checks a stored evidence record against its hash.
func runVerifyCmd(args []string, out, errOut io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(errOut, "Usage: promoguard verify <uri> <hash>")
		return 2
	}
	uri, hash := args[0], args[1]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "Failed to init evidence store: %v\n", err)
		return 1
	}

	res, err := store.Verify(ctx, uri, hash)
	if err != nil {
		fmt.Fprintf(errOut, "Verify failed: %v\n", err)
		return 1
	}
	if !res.IsValid {
		fmt.Fprintf(errOut, "TAMPERED: %s\n", res.FailReason)
		return 1
	}
	fmt.Fprintf(out, "OK %s\n", res.Evidence.Hash)
	return 0
}
