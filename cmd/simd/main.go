// Command simd runs an energy market simulation from a scenario file and
// serves the results over HTTP. Market events are broadcast to WebSocket
// clients while the simulation runs; once it finishes, the per-area
// results stay queryable until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/PinkDiamond1/gsy-e/internal/api"
	"github.com/PinkDiamond1/gsy-e/internal/config"
	"github.com/PinkDiamond1/gsy-e/internal/market"
	"github.com/PinkDiamond1/gsy-e/internal/metrics"
	"github.com/PinkDiamond1/gsy-e/internal/registry"
	"github.com/PinkDiamond1/gsy-e/internal/report"
	"github.com/PinkDiamond1/gsy-e/internal/sim"
	"github.com/PinkDiamond1/gsy-e/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	scenarioPath := flag.String("scenario", "scenario.yaml", "path to the scenario file")
	flag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cfg, err := config.Load(*scenarioPath)
	if err != nil {
		slog.Error("scenario load failed", "path", *scenarioPath, "err", err)
		os.Exit(1)
	}

	// --- Trade recorder ---
	var recorder report.Recorder
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := report.NewPostgres(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		recorder = pg
		slog.Info("recording trades to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, trades are kept in memory only")
		recorder = report.NewMemory()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Device registry ---
	var deviceRegistry market.DeviceRegistry
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		deviceRegistry = registry.NewRedis(rdb, os.Getenv("REGISTRY_KEY"), 2*time.Second)
		slog.Info("balancing registry backed by Redis")
	} else {
		deviceRegistry = registry.NewMemory(cfg.Balancing.Devices...)
	}

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run()

	// --- Simulation ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	simulation, err := sim.New(cfg, sim.Options{
		Registry: deviceRegistry,
		Listeners: []market.Listener{
			hub.Listener(),
			metrics.Listener(),
			report.Listener(ctx, recorder),
		},
	})
	if err != nil {
		slog.Error("scenario setup failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	apiSrv := api.NewServer(simulation, recorder)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"gsy-e"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	done := make(chan struct{})
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live market events.
		r.Get("/ws", hub.HandleWS)

		// Result queries; available once the run has finished.
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					select {
					case <-done:
						next.ServeHTTP(w, req)
					default:
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusServiceUnavailable)
						w.Write([]byte(`{"error":"simulation still running"}`))
					}
				})
			})
			r.Get("/areas", apiSrv.ListAreas)
			r.Get("/areas/{area}/markets", apiSrv.ListMarkets)
			r.Get("/areas/{area}/trades", apiSrv.ListTrades)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("simd listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	go func() {
		defer close(done)
		started := time.Now()
		if err := simulation.Run(ctx); err != nil {
			slog.Error("simulation failed", "err", err)
			return
		}
		slog.Info("simulation complete", "elapsed", time.Since(started).String())
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down simd...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("simd stopped")
}
