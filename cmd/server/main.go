package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/agent"
	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/config"
	"github.com/pearfect/engine/internal/market"
	"github.com/pearfect/engine/internal/metrics"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pear"
	"github.com/pearfect/engine/internal/pnl"
	"github.com/pearfect/engine/internal/risk"
	"github.com/pearfect/engine/internal/state"
	"github.com/pearfect/engine/internal/store"
	"github.com/pearfect/engine/internal/trade"
)

func main() {
	// Ratios go over the wire and into storage as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := store.Open(ctx, store.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		DatabaseURL: cfg.Storage.DatabaseURL,
		RedisURL:    cfg.Storage.RedisURL,
		CacheTTL:    cfg.Storage.CacheTTL,
	})
	if err != nil {
		slog.Error("store init failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	loc, _ := cfg.Location() // checked by config.Validate
	seed := cfg.Engine.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	clk := clock.System{}

	// --- WebSocket hub ---
	// The hello callback reads the state store, which is assigned below
	// before the server starts accepting connections.
	var appState *state.Store
	wsHub := trade.NewWSHub(func() trade.WSMessage {
		snap := appState.Snapshot()
		return trade.WSMessage{Type: trade.MsgState, State: &snap}
	})
	go wsHub.Run(ctx)

	// --- Application state ---
	appState = state.Open(ctx, st,
		state.WithClock(clk),
		state.WithRand(rand.New(rand.NewSource(seed))),
		state.WithKey(cfg.Storage.Key),
		state.WithLocation(loc),
		state.WithThemeHook(wsHub.BroadcastTheme),
		state.WithLogger(logger),
	)

	// --- Market data ---
	feed, err := market.NewFeed(rand.New(rand.NewSource(seed+1)), clk, market.DefaultTTL)
	if err != nil {
		slog.Error("candle cache init failed", "err", err)
		os.Exit(1)
	}
	defer feed.Close()

	// --- Agent ---
	sim := agent.NewSimulated(rand.New(rand.NewSource(seed+2)), clk)
	var primary agent.Responder = sim
	if cfg.Agent.APIKey != "" {
		primary = agent.NewClaude(cfg.Agent.APIKey, cfg.Agent.Model, clk)
		slog.Info("agent using live model", "model", cfg.Agent.Model)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, agent uses canned replies")
	}
	chat := agent.NewService(st, primary, sim, clk, logger)
	chat.Follow(appState.Snapshot())

	appState.Subscribe(wsHub.BroadcastState)
	appState.Subscribe(chat.Follow)

	// --- Trading backend ---
	backend := pear.NewClient(pear.Config{BaseURL: cfg.Backend.URL, Timeout: cfg.Backend.Timeout})
	if cfg.Backend.URL == "" {
		slog.Warn("BACKEND_URL not set, pro trading is disabled")
	}

	// --- P&L walker ---
	walker := pnl.NewWalker(rand.New(rand.NewSource(seed + 3)))

	// --- Trade service ---
	tradeSvc := trade.NewService(trade.Deps{
		State:   appState,
		Walker:  walker,
		Backend: backend,
		Feed:    feed,
		Chat:    chat,
		Limits:  risk.DefaultLimits(),
		Clock:   clk,
		Hub:     wsHub,
	})
	go walker.Run(ctx, cfg.Engine.TickInterval, appState.Positions, tradeSvc.PublishRatios)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if cfg.Backend.URL != "" {
			if _, err := backend.Health(r.Context()); err != nil {
				status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":%q,"service":"pearfect","mode":%q}`, status, appState.Snapshot().Mode)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for state and ratio updates.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pearfect listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"mode", appState.Snapshot().Mode,
			"open_positions", len(appState.Positions()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pearfect...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if snap := appState.Snapshot(); snap.Mode == model.ModeDemo && snap.DemoWallet != nil {
		slog.Info("demo wallet at shutdown", "credits", snap.DemoWallet.Credits)
	}
	fmt.Println("pearfect stopped")
}
