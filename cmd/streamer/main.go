// streamer connects to the Noren push feed and streams parsed updates to
// the console. Usage: go run ./cmd/streamer --config configs/example.yaml
//
// The session token comes from config (usually an ${ENV} placeholder) or
// from a token file written by a login tool, see session.token_path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantrail/norenfeed/internal/config"
	"github.com/quantrail/norenfeed/internal/session"
	"github.com/quantrail/norenfeed/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Resolve session credentials
	creds, err := sessionProvider(cfg.Session).Credentials(ctx)
	if err != nil {
		logger.Error("failed to load session credentials", "error", err)
		os.Exit(1)
	}
	logger.Info("using session", "user_id", creds.UserID, "account_id", creds.AccountID)

	// Create feed manager
	mgr := stream.NewManager(stream.Config{
		URL:                  cfg.Feed.WSURL,
		HeartbeatInterval:    cfg.Feed.HeartbeatInterval,
		ReconnectDelay:       cfg.Feed.ReconnectDelay,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Feed.HandshakeTimeout,
		WriteTimeout:         cfg.Feed.WriteTimeout,
	}, creds, logger)

	mgr.OnStatus(func(s stream.Status) {
		logger.Info("feed status", "status", s)
	})
	mgr.OnData(func(t stream.Tick) {
		printTick(t, *verbose)
	})
	mgr.OnOrder(func(o stream.OrderUpdate) {
		printOrder(o, *verbose)
	})

	logger.Info("connecting to feed", "url", cfg.Feed.WSURL)
	if err := mgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
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
		logger.Info("subscribed", "instruments", len(instruments))
	} else {
		logger.Warn("no subscriptions configured, streaming order events only")
	}

	// Periodic state report
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("feed state",
					"state", mgr.State(),
					"subscriptions", len(mgr.Subscriptions()),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	mgr.Disconnect()
	logger.Info("shutdown complete")
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

func printTick(t stream.Tick, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(t, "", "  ")
		fmt.Printf("[TICK] %s\n", data)
		return
	}
	if t.IsDepth() {
		fmt.Printf("[DEPTH] %s|%s bid=%s/%s ask=%s/%s\n",
			t.Exchange, t.Token, t.BidPrice, t.BidQty, t.AskPrice, t.AskQty)
	} else {
		fmt.Printf("[TOUCHLINE] %s|%s lp=%s pc=%s vol=%s oi=%s\n",
			t.Exchange, t.Token, t.LastPrice, t.PercentChange, t.Volume, t.OpenInterest)
	}
}

func printOrder(o stream.OrderUpdate, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(o, "", "  ")
		fmt.Printf("[ORDER] %s\n", data)
		return
	}
	fmt.Printf("[ORDER] %s %s %s qty=%s prc=%s status=%s report=%s\n",
		o.OrderNumber, o.TransactionType, o.TradingSymbol, o.Quantity, o.Price, o.Status, o.ReportType)
}
