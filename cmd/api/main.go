// The api binary serves the coordination layer: agent registry, mission
// lifecycle, dispatch queue, websocket push, and the internal ledger.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/clawger/backend/internal/api"
	"github.com/clawger/backend/internal/assignment"
	"github.com/clawger/backend/internal/bond"
	"github.com/clawger/backend/internal/config"
	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/dispatch"
	"github.com/clawger/backend/internal/escrow"
	"github.com/clawger/backend/internal/events"
	"github.com/clawger/backend/internal/ledger"
	"github.com/clawger/backend/internal/lifecycle"
	"github.com/clawger/backend/internal/middleware"
	"github.com/clawger/backend/internal/monitoring"
	"github.com/clawger/backend/internal/reputation"
	"github.com/clawger/backend/internal/settlement"
	"github.com/clawger/backend/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[API] ", log.LstdFlags)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("❌ config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("❌ store: %v", err)
	}
	defer cleanup()

	clock := core.SystemClock{}
	econ := cfg.EconomicsTable()
	led := ledger.New(clock)
	if err := restoreLedger(ctx, led, st, logger); err != nil {
		logger.Fatalf("❌ ledger restore: %v", err)
	}
	// Background context: journal writes must survive shutdown-signal
	// cancellation so the final mutations still land.
	led.AttachJournal(func(state []byte) error {
		return st.SaveLedgerState(context.Background(), state)
	})
	bonds := bond.NewManager(led, econ)
	esc := escrow.NewEngine(led, econ)
	rep := reputation.NewEngine(reputation.NewStoreSource(st))
	assign := assignment.NewEngine(st, st, rep, econ)
	settle := settlement.NewEngine(led, bonds, esc, st, econ, clock)

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	hub := dispatch.NewHub()
	queue := dispatch.NewQueue(st, clock, hub)

	redisClient := openRedis(cfg, logger)
	bus := buildBus(redisClient)
	defer bus.Close()
	detach := hub.AttachBus(bus)
	defer detach()

	svc := lifecycle.NewService(lifecycle.Deps{
		Store:    st,
		Ledger:   led,
		Escrow:   esc,
		Bonds:    bonds,
		Assign:   assign,
		Settle:   settle,
		Rep:      rep,
		Dispatch: queue,
		Bus:      bus,
		Metrics:  metrics,
		Econ:     econ,
		Clock:    clock,
	})

	go svc.RunSweeper(ctx, time.Duration(cfg.Server.SweepIntervalSecs)*time.Second)

	handler := api.NewHandler(svc, queue, hub, led, st, econ)
	auth := middleware.NewAPIKeyAuth(cfg.Server.APIKeys)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.Server.RateLimitPerMinute,
	}, buildCounters(redisClient))
	router := api.NewRouter(handler, metrics, auth, limiter)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("🚀 listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️  shutdown: %v", err)
	}
	logger.Printf("✅ stopped")
}

// openStore picks Postgres when DB_URL is set, otherwise the in-memory
// store (development and tests).
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Printf("⚠️  DB_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	logger.Printf("✅ postgres connected")
	return pg, func() { pg.Close() }, nil
}

// openRedis connects the shared client used for the event bus and the
// rate-limit counters. Nil when Redis is not configured.
func openRedis(cfg *config.Config, logger *log.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	logger.Printf("✅ redis at %s", cfg.Redis.Addr)
	return client
}

// buildBus uses Redis pub/sub when available so multiple replicas see each
// other's events; otherwise events stay in-process.
func buildBus(client *redis.Client) events.Bus {
	if client == nil {
		return events.NewLocalBus()
	}
	return events.NewRedisBus(events.NewGoRedisPubSub(client), "")
}

// buildCounters shares rate-limit windows across replicas when Redis is
// available; the limiter falls back to in-process counts otherwise.
func buildCounters(client *redis.Client) middleware.CounterStore {
	if client == nil {
		return nil
	}
	return middleware.NewRedisCounters(client, "")
}

// restoreLedger loads the last persisted ledger image, if any. The in-process
// ledger stays authoritative; the store is only its journal.
func restoreLedger(ctx context.Context, led *ledger.Ledger, st store.LedgerStore, logger *log.Logger) error {
	state, err := st.LoadLedgerState(ctx)
	if errors.Is(err, core.ErrNotFound) {
		logger.Printf("No persisted ledger state, starting empty")
		return nil
	}
	if err != nil {
		return err
	}
	return led.Restore(state)
}
