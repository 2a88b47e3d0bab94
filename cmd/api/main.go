package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flexstake/flexstake-backend/internal/api"
	"github.com/flexstake/flexstake-backend/internal/config"
	"github.com/flexstake/flexstake-backend/internal/engine"
	"github.com/flexstake/flexstake-backend/internal/gate"
	"github.com/flexstake/flexstake-backend/internal/jobs"
	"github.com/flexstake/flexstake-backend/internal/log"
	"github.com/flexstake/flexstake-backend/internal/metrics"
	"github.com/flexstake/flexstake-backend/internal/repository"
	"github.com/flexstake/flexstake-backend/internal/store"
	"github.com/flexstake/flexstake-backend/internal/token"
	"github.com/flexstake/flexstake-backend/internal/ws"
)

// lazyStaked defers the total-staked gauge to the engine, which is
// constructed after the metrics pipeline it feeds.
type lazyStaked struct {
	eng *engine.Engine
}

func (l *lazyStaked) TotalStakedFloat() float64 {
	if l.eng == nil {
		return 0
	}
	return l.eng.TotalStakedFloat()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting FlexStake API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	staked := &lazyStaked{}
	metricsObj, metricsHandler, err := metrics.Setup("flexstake-api", staked)
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Setup Postgres. The event history endpoint degrades to the cache ring
	// without it, so a dead database is a warning in dev and fatal in prod.
	var repo *repository.Repository
	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		if cfg.IsProd() {
			logger.Fatalw("Failed to connect to Postgres", "error", err)
		}
		logger.Warnw("Postgres unavailable; event history served from cache only", "error", err)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		defer db.Close()
		repo = repository.NewRepository(db, logger)
		logger.Infow("Database connection established")
	}

	// Setup Redis cache (falls back to in-memory when unreachable)
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()
	logger.Infow("Cache ready", "inMemory", cache.IsInMemoryMode())

	// Asset and receipt ledgers plus the role/halt gate. The in-memory
	// ledgers back dev and localnet deployments; a chain-backed deployment
	// swaps in RPC adapters satisfying the same interfaces.
	clock := engine.SystemClock{}
	poolAddr := token.Address(cfg.Staking.PoolAddress)
	asset := token.NewLedger(poolAddr, cfg.Staking.AssetFeeBps)
	receipt := token.NewReceiptBook(clock.Now)
	g := gate.NewMemoryGate()
	g.Grant(token.Address(cfg.Staking.AdminAddress), gate.RoleAdmin)

	// Event recorder decouples the ledger from cache and database writes.
	recorder := jobs.NewEventRecorder(cache, repo, logger)

	unbondDelay, penaltyBps, reinjectWindow := cfg.EngineParams()
	eng := engine.New(
		engine.Params{
			UnbondDelay:    unbondDelay,
			PenaltyBps:     penaltyBps,
			ReinjectWindow: reinjectWindow,
		},
		poolAddr,
		asset,
		receipt,
		g,
		clock,
		logger,
		recorder,
	)
	staked.eng = eng
	logger.Infow("Pool engine ready",
		"unbondDelay", unbondDelay,
		"penaltyBps", penaltyBps,
		"reinjectWindow", reinjectWindow,
	)

	// Setup WebSocket hub and SSE handler
	wsHub := ws.NewHub(cache, logger, metricsObj)
	sseHandler := ws.NewSSEHandler(cache, logger)

	// Create context for background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go wsHub.Run(bgCtx)
	go func() {
		if err := recorder.Start(bgCtx); err != nil && err != context.Canceled {
			logger.Errorw("Event recorder error", "error", err)
		}
	}()

	snapshotPublisher := jobs.NewSnapshotPublisher(eng, cache, repo, logger, cfg.Jobs.SnapshotInterval)
	go func() {
		if err := snapshotPublisher.Start(bgCtx); err != nil && err != context.Canceled {
			logger.Errorw("Snapshot publisher error", "error", err)
		}
	}()

	// Setup API handler and middleware
	handler := api.NewHandler(eng, cache, repo, wsHub, sseHandler, cfg, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		// Stop background loops and let the recorder drain.
		bgCancel()
		select {
		case <-recorder.Done():
		case <-time.After(5 * time.Second):
			logger.Warnw("Event recorder did not drain in time")
		}

		logger.Infow("Server stopped")
	}
}
