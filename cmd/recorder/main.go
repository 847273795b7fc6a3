package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/norenfeed/internal/config"
	"github.com/quantrail/norenfeed/internal/database"
	"github.com/quantrail/norenfeed/internal/router"
	"github.com/quantrail/norenfeed/internal/session"
	"github.com/quantrail/norenfeed/internal/stream"
	"github.com/quantrail/norenfeed/internal/version"
	"github.com/quantrail/norenfeed/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/example.yaml", "path to config file")
	healthPort := flag.Int("health-port", 8080, "port for the health endpoint")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Database.Postgres.Validate("database.postgres"); err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.Feed.WSURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Resolve session credentials
	creds, err := sessionProvider(cfg.Session).Credentials(ctx)
	if err != nil {
		logger.Error("failed to load session credentials", "error", err)
		os.Exit(1)
	}

	// Every row persisted this run carries the same run id
	runID := uuid.New()
	logger.Info("recorder run", "run_id", runID)

	// Create feed manager and router; the feed callbacks hand straight off
	// to the router, which never blocks them.
	mgr := stream.NewManager(stream.Config{
		URL:                  cfg.Feed.WSURL,
		HeartbeatInterval:    cfg.Feed.HeartbeatInterval,
		ReconnectDelay:       cfg.Feed.ReconnectDelay,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Feed.HandshakeTimeout,
		WriteTimeout:         cfg.Feed.WriteTimeout,
	}, creds, logger)

	rtrCfg := router.DefaultRouterConfig()
	if cfg.Writers.BufferSize > 0 {
		rtrCfg.InputBufferSize = cfg.Writers.BufferSize
	}
	rtr := router.NewRouter(rtrCfg, logger)

	mgr.OnData(rtr.HandleTick)
	mgr.OnOrder(rtr.HandleOrder)
	mgr.OnStatus(func(s stream.Status) {
		logger.Info("feed status", "status", s)
	})

	// Create writers
	writerCfg := writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
		RunID:         runID,
	}
	buffers := rtr.Buffers()
	tickWriter := writer.NewTickWriter(writerCfg, buffers.Ticks, pool, logger)
	depthWriter := writer.NewDepthWriter(writerCfg, buffers.Depth, pool, logger)
	orderWriter := writer.NewOrderWriter(writerCfg, buffers.Orders, pool, logger)

	// Start health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *healthPort),
		Handler: createHealthHandler(pool, mgr, rtr, logger),
	}
	go func() {
		logger.Info("starting health server", "port", *healthPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Start router and writers before the feed so nothing is dropped
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}
	if err := tickWriter.Start(ctx); err != nil {
		logger.Error("failed to start tick writer", "error", err)
		os.Exit(1)
	}
	if err := depthWriter.Start(ctx); err != nil {
		logger.Error("failed to start depth writer", "error", err)
		os.Exit(1)
	}
	if err := orderWriter.Start(ctx); err != nil {
		logger.Error("failed to start order writer", "error", err)
		os.Exit(1)
	}

	// Connect to the feed
	logger.Info("connecting to feed", "url", cfg.Feed.WSURL)
	if err := mgr.Connect(ctx); err != nil {
		logger.Error("failed to connect to feed", "error", err)
		os.Exit(1)
	}

	// Subscribe to configured instruments
	instruments := make([]stream.Instrument, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		instruments = append(instruments, stream.Instrument{Exchange: s.Exchange, Token: s.Token})
	}
	if len(instruments) > 0 {
		if err := mgr.Subscribe(instruments); err != nil {
			logger.Error("failed to subscribe", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("recorder running",
		"instance_id", cfg.Instance.ID,
		"instruments", len(instruments),
		"health_url", fmt.Sprintf("http://localhost:%d/health", *healthPort),
	)

	// Periodic stats
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := rtr.Stats()
				logger.Info("stats",
					"state", mgr.State(),
					"ticks_received", stats.TicksReceived,
					"orders_received", stats.OrdersReceived,
					"routed", stats.Routed,
					"dropped", stats.Dropped,
					"tick_inserts", tickWriter.Stats().Inserts,
					"depth_inserts", depthWriter.Stats().Inserts,
					"order_inserts", orderWriter.Stats().Inserts,
				)
			}
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the feed first so no new updates arrive, then drain the router
	// into the writers and flush their remaining batches.
	mgr.Disconnect()
	rtr.Stop(shutdownCtx)
	tickWriter.Stop(shutdownCtx)
	depthWriter.Stop(shutdownCtx)
	orderWriter.Stop(shutdownCtx)

	healthServer.Shutdown(shutdownCtx)

	logger.Info("recorder stopped")
}

// sessionProvider picks the credential source: a token file written by a
// login tool wins over an inline token.
func sessionProvider(sc config.SessionConfig) session.Provider {
	if sc.TokenPath != "" {
		return &session.TokenFile{
			UserID:    sc.UserID,
			AccountID: sc.AccountID,
			Path:      sc.TokenPath,
		}
	}
	return session.NewStatic(session.Credentials{
		UserID:    sc.UserID,
		AccountID: sc.AccountID,
		Token:     sc.Token,
	})
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(pool *pgxpool.Pool, mgr *stream.Manager, rtr router.Router, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		// Check database
		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		// Check feed connection
		state := mgr.State()
		health.Components["feed"] = map[string]interface{}{
			"state":         state.String(),
			"subscriptions": len(mgr.Subscriptions()),
		}
		if state != stream.StateOpen {
			health.Status = "degraded"
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rtr.Stats())
	})

	return mux
}
