// The relayer binary issues EIP-712 signatures for proposal acceptance and
// rejection. It is deliberately small: safety checks, a signer, and an
// append-only audit trail.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clawger/backend/internal/config"
	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/middleware"
	"github.com/clawger/backend/internal/monitoring"
	"github.com/clawger/backend/internal/relayer"
	"github.com/clawger/backend/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[RELAYER] ", log.LstdFlags)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("❌ config: %v", err)
	}
	if err := cfg.ValidateRelayer(); err != nil {
		logger.Fatalf("❌ config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Database.URL == "" {
		logger.Printf("⚠️  DB_URL not set, audit log is in-memory only")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatalf("❌ store: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatalf("❌ store: %v", err)
		}
		st = pg
	}

	signer, err := relayer.NewSigner(cfg.Relayer.SignerKey, cfg.Chain.ChainID,
		common.HexToAddress(cfg.Chain.ManagerAddress))
	if err != nil {
		logger.Fatalf("❌ signer: %v", err)
	}
	logger.Printf("🔑 signing as %s (chain %d)", signer.Address().Hex(), cfg.Chain.ChainID)

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	svc := relayer.NewService(signer, st, st, cfg.Relayer.MaxEscrow, core.SystemClock{}, metrics)

	var counters middleware.CounterStore
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		counters = middleware.NewRedisCounters(client, "")
		logger.Printf("✅ redis rate-limit counters at %s", cfg.Redis.Addr)
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.Server.RateLimitPerMinute,
	}, counters)
	auth := middleware.NewAPIKeyAuth(cfg.Server.APIKeys)

	r := mux.NewRouter()
	r.Use(middleware.Metrics(metrics))
	r.Use(auth.Middleware)
	r.Use(limiter.Middleware)
	relayer.NewHandler(svc).RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("🚀 listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️  shutdown: %v", err)
	}
	logger.Printf("✅ stopped")
}
