// Copyright 2025 Certen Protocol
//
// cmd/pisad is the tower's composition root: load configuration,
// connect to the chain and the store, wire every component in
// dependency order (leaves first, per spec.md §2), run crash recovery,
// and serve the external HTTP surface until signalled to stop. Flag
// parsing beyond config overrides, request-id logging, and process
// supervision are explicitly out of scope (spec.md §1) and left to
// whatever launches this binary.
package main

import (
	"context"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/pisa/pkg/audit"
	"github.com/certen/pisa/pkg/chain"
	"github.com/certen/pisa/pkg/config"
	"github.com/certen/pisa/pkg/gc"
	"github.com/certen/pisa/pkg/inspector"
	"github.com/certen/pisa/pkg/metrics"
	"github.com/certen/pisa/pkg/responder"
	"github.com/certen/pisa/pkg/server"
	"github.com/certen/pisa/pkg/signer"
	"github.com/certen/pisa/pkg/store"
	"github.com/certen/pisa/pkg/subscriber"
	"github.com/certen/pisa/pkg/tower"
	"github.com/certen/pisa/pkg/watcher"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dataDir := flag.String("data-dir", "./data", "directory for the appointment store's Badger database")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("[pisad] connecting to chain endpoint %s", cfg.JSONRPCURL)
	client, err := ethclient.Dial(cfg.JSONRPCURL)
	if err != nil {
		log.Fatalf("dial chain endpoint: %v", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		log.Fatalf("fetch chain id: %v", err)
	}

	db, err := dbm.NewBadgerDB("pisa", *dataDir)
	if err != nil {
		log.Fatalf("open appointment store: %v", err)
	}
	defer db.Close()
	appointmentStore := store.New(db)

	receiptSigner, err := signer.New(cfg.ReceiptKey)
	if err != nil {
		log.Fatalf("load receipt key: %v", err)
	}
	responderSigner, err := signer.New(cfg.ResponderKey)
	if err != nil {
		log.Fatalf("load responder key: %v", err)
	}
	selfAddress := responderSigner.Address()

	startNonce, err := client.PendingNonceAt(context.Background(), selfAddress)
	if err != nil {
		log.Fatalf("fetch responder nonce: %v", err)
	}
	log.Printf("[pisad] responder address %x starting at nonce %d", selfAddress, startNonce)

	dispatcher, err := responder.NewDispatcher(responder.DispatcherConfig{
		Client:                  client,
		Signer:                  responderSigner,
		ChainID:                 chainID,
		WaitForProviderResponse: cfg.WaitForProviderResponse,
		WaitBetweenAttempts:     cfg.WaitBetweenAttempts,
		MaxAttempts:             cfg.MaxAttempts,
		PollingInterval:         cfg.PollingInterval,
	}, responder.New(startNonce, cfg.MaxQueueDepth, cfg.ReplacementRatePct))
	if err != nil {
		log.Fatalf("construct dispatcher: %v", err)
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	var auditLog *audit.Log
	if cfg.DatabaseURL != "" {
		auditLog, err = audit.Open(cfg.DatabaseURL)
		if err != nil {
			log.Printf("[pisad] audit log disabled: %v", err)
			auditLog = nil
		}
	}

	go func() {
		for ev := range dispatcher.Events() {
			met.Observe(ev)
			if auditLog != nil {
				if err := auditLog.Record(ev); err != nil {
					log.Printf("[pisad] audit: record event: %v", err)
				}
			}
		}
	}()

	inspectors := inspector.NewRegistry()
	kitsuneInspector := inspector.NewKitsune(client, cfg.KitsuneExpectedCodeHash, cfg.KitsuneMinDisputeWindow)
	if err := inspectors.Register(kitsuneInspector); err != nil {
		log.Fatalf("register kitsune inspector: %v", err)
	}

	eventSubscriber := subscriber.New(client, cfg.ReorgDepth)

	var maxGasPrice *big.Int
	if cfg.MaxGasPriceGwei > 0 {
		maxGasPrice = new(big.Int).Mul(big.NewInt(cfg.MaxGasPriceGwei), big.NewInt(1_000_000_000))
	}

	w := watcher.New(watcher.Config{
		Store:       appointmentStore,
		Inspectors:  inspectors,
		Subscriber:  eventSubscriber,
		Dispatcher:  dispatcher,
		Client:      client,
		ChainID:     chainID,
		SelfAddress: selfAddress,
		MaxGasPrice: maxGasPrice,
	})

	collector := gc.New(gc.Config{
		Store:         appointmentStore,
		Watcher:       w,
		Confirmations: cfg.WatcherResponseConfirmations,
		Interval:      cfg.GCIntervalBlocks,
	})

	t := tower.New(tower.Config{
		Store:      appointmentStore,
		Inspectors: inspectors,
		Signer:     receiptSigner,
		Watcher:    w,
	})

	log.Printf("[pisad] recovering appointments from store")
	if err := t.Recover(context.Background()); err != nil {
		log.Fatalf("recover appointments: %v", err)
	}

	srv := server.New(server.Config{
		Tower:                   t,
		RateLimitUserMax:        cfg.RateLimit.UserMax,
		RateLimitUserWindowMs:   cfg.RateLimit.UserWindowMs,
		RateLimitUserMessage:    cfg.RateLimit.UserMessage,
		RateLimitGlobalMax:      cfg.RateLimit.GlobalMax,
		RateLimitGlobalWindowMs: cfg.RateLimit.GlobalWindowMs,
		RateLimitGlobalMessage:  cfg.RateLimit.GlobalMessage,
	})

	ctx, cancel := context.WithCancel(context.Background())

	source, err := chain.NewSource(chain.SourceConfig{
		Client:          client,
		PollingInterval: cfg.PollingInterval,
		Confirmations:   cfg.WatcherResponseConfirmations,
	})
	if err != nil {
		log.Fatalf("construct block source: %v", err)
	}
	reorgDetector := chain.NewReorgDetector(cfg.ReorgDepth, client)

	go source.Run(ctx)
	go dispatcher.Run(ctx)
	go runBlockLoop(ctx, source, reorgDetector, collector, appointmentStore)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		log.Printf("[pisad] metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[pisad] metrics server error: %v", err)
		}
	}()

	addr := cfg.HostName + ":" + strconv.Itoa(cfg.HostPort)
	httpServer := &http.Server{Addr: addr, Handler: srv}
	go func() {
		log.Printf("[pisad] appointment API listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[pisad] shutting down")

	cancel()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[pisad] http server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[pisad] metrics server shutdown: %v", err)
	}
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			log.Printf("[pisad] audit log close: %v", err)
		}
	}
	log.Printf("[pisad] stopped")
}

// runBlockLoop drives the confirmed-head stream through the Reorg
// Detector and the Garbage Collector, strictly in block order (spec.md
// §5's ordering guarantee): a new head is never taken up until the
// previous one's downstream work — here, the GC sweep — has settled.
// Log retraction for an orphaned chain segment is handled independently
// by pkg/subscriber, which sees the provider's own Removed=true log
// replay; this loop only needs to keep meta/lastBlock and the GC index
// moving forward in agreement with the detector's view of the chain.
func runBlockLoop(ctx context.Context, source *chain.Source, detector *chain.ReorgDetector, collector *gc.GC, st *store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-source.Errs():
			log.Printf("[pisad] block source error: %v", err)
		case head := <-source.Heads():
			ancestor, reorg, err := detector.Observe(ctx, head)
			if err != nil {
				// spec.md §7 DeepReorg: the common ancestor is below the
				// retained window. Fatal — exit and let the supervisor
				// restart us; the Store is the source of truth on the way
				// back up.
				log.Fatalf("[pisad] deep reorg at height %d: %v", head.Number, err)
			}
			if reorg {
				log.Printf("[pisad] reorg to common ancestor at height %d; chain continues from height %d", ancestor, head.Number)
			}
			if err := st.SetLastBlock(head.Number); err != nil {
				log.Printf("[pisad] persist last block: %v", err)
			}
			if err := collector.OnHead(head.Number); err != nil {
				log.Printf("[pisad] gc sweep at height %d: %v", head.Number, err)
			}
		}
	}
}
