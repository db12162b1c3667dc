// The indexer binary tails the AgentRegistry and Manager contracts and
// mirrors their events into the store. Each stream runs independently so a
// drifted ABI on one contract never stalls the other.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawger/backend/internal/config"
	"github.com/clawger/backend/internal/indexer"
	"github.com/clawger/backend/internal/monitoring"
	"github.com/clawger/backend/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[INDEXER] ", log.LstdFlags)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("❌ config: %v", err)
	}
	if err := cfg.ValidateChain(); err != nil {
		logger.Fatalf("❌ config: %v", err)
	}
	if cfg.Database.URL == "" {
		logger.Fatalf("❌ config: DB_URL is required, the indexer's mirror must survive restarts")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatalf("❌ store: %v", err)
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Fatalf("❌ store: %v", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatalf("❌ rpc dial %s: %v", cfg.Chain.RPCURL, err)
	}
	defer rpc.Close()

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	opts := indexer.Options{
		PollInterval: time.Duration(cfg.Chain.PollIntervalSec) * time.Second,
		LogRange:     cfg.Chain.LogRange,
		SafeLookback: cfg.Chain.SafeLookback,
	}

	registry := indexer.NewRegistryIndexer(rpc, pg,
		common.HexToAddress(cfg.Chain.RegistryAddress), metrics, opts)
	manager := indexer.NewManagerIndexer(rpc, pg,
		common.HexToAddress(cfg.Chain.ManagerAddress), metrics, opts)

	// Metrics-only HTTP listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if err := http.ListenAndServe(":"+cfg.Server.Port, mux); err != nil {
			logger.Printf("⚠️  metrics listener: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for _, ix := range []*indexer.Indexer{registry, manager} {
		wg.Add(1)
		go func(ix *indexer.Indexer) {
			defer wg.Done()
			if err := ix.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("🚨 stream stopped: %v", err)
			}
		}(ix)
	}

	<-ctx.Done()
	logger.Printf("Shutting down...")
	wg.Wait()
	logger.Printf("✅ stopped")
}
