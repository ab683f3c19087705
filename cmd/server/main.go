package main

import (
	"context"
	"crypto/sha256"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opside/reconciler/internal/archive"
	"github.com/opside/reconciler/internal/billing"
	"github.com/opside/reconciler/internal/circuitbreaker"
	"github.com/opside/reconciler/internal/claims"
	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/connectors"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/notify"
	"github.com/opside/reconciler/internal/orchestrator"
	"github.com/opside/reconciler/internal/progress"
	"github.com/opside/reconciler/internal/ratelimit"
	"github.com/opside/reconciler/internal/reconcile"
	"github.com/opside/reconciler/internal/spapi"
	"github.com/opside/reconciler/internal/store/memory"
	"github.com/opside/reconciler/internal/store/postgres"
	"github.com/opside/reconciler/internal/tokenvault"
	"github.com/opside/reconciler/internal/transport"
)

// stores bundles every persistence port the pipeline needs, so the
// Postgres and in-memory wirings below stay interchangeable.
type stores struct {
	syncLogs      orchestrator.SyncLogStore
	rules         reconcile.RuleStore
	inventory     reconcile.InventoryStore
	inventoryRead connectors.InventoryLookup
	discrepancies reconcile.DiscrepancyStore
	summaries     reconcile.DiscrepancySummaryStore
	claims        claims.Store
	claimHistory  claims.HistoricalClaimsStore
	inventoryCtx  claims.InventoryContextStore
	credentials   tokenvault.Store
}

func main() {
	cfg := config.Get()
	port := cfg.GetPort()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	st, cleanup := buildStores(cfg)
	defer cleanup()

	// Token Vault with serialized rotation and a background sweeper.
	rotators := map[core.Provider]tokenvault.OAuthRotator{
		core.ProviderAmazonSPAPI: &tokenvault.HTTPRotator{
			TokenURL:     "https://api.amazon.com/auth/o2/token",
			ClientID:     cfg.Marketplace.ClientID,
			ClientSecret: cfg.Marketplace.ClientSecret,
		},
	}
	vault := tokenvault.New(st.credentials, rotators, cfg)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	if err := vault.StartSweeper(sweepCtx); err != nil {
		log.Fatalf("Failed to start credential sweeper: %v", err)
	}
	defer vault.StopSweeper()

	// Upstream protection: per-provider token buckets + circuit breakers.
	limiter := ratelimit.New(map[core.Provider]ratelimit.Config{
		core.ProviderAmazonSPAPI: ratelimit.DefaultSPAPIConfig,
	})
	breakers := circuitbreaker.NewMarketplaceCircuitBreakers()

	// Raw-payload archiver. The object-storage PUT endpoint is an external
	// collaborator; the in-memory store stands in until one is wired.
	archiver := archive.New(archive.NewMemoryStore(), cfg.Archive.Prefix)

	marketplaceClient := spapi.New(vault, limiter, archiver, breakers.Marketplace, cfg.Marketplace.Region)

	engine := reconcile.New(st.inventory, st.discrepancies, st.rules)

	// Notification dispatcher: worker pool in front of the external port.
	var notifyPort notify.Port
	if url := os.Getenv("NOTIFICATION_URL"); url != "" {
		notifyPort = &notify.HTTPPort{BaseURL: url}
	} else {
		slog.Warn("NOTIFICATION_URL not set, notification events are dropped")
		notifyPort = notify.NopPort{}
	}
	notifier := notify.NewDispatcher(notifyPort, cfg.Webhook.WorkerCount)
	defer notifier.Shutdown()

	// Claim Integration Layer: detector is required for valuation, MCDE
	// and Refund Engine are optional and degrade gracefully when absent.
	var detector claims.ClaimDetectorPort
	if cfg.ClaimDetector.URL != "" {
		detector = &claims.HTTPClaimDetector{
			BaseURL: cfg.ClaimDetector.URL,
			APIKey:  cfg.ClaimDetector.APIKey,
			HTTPClient: &http.Client{
				Timeout: time.Duration(cfg.ClaimDetector.TimeoutMS) * time.Millisecond,
			},
			Breaker: breakers.ClaimDetector,
		}
	}
	var mcde claims.MCDEPort
	if cfg.MCDE.BaseURL != "" {
		mcde = &claims.HTTPMCDE{BaseURL: cfg.MCDE.BaseURL, APIKey: cfg.MCDE.APIKey, Breaker: breakers.MCDE}
	}
	var refundEngine claims.RefundEnginePort
	if cfg.RefundEngine.URL != "" {
		refundEngine = &claims.HTTPRefundEngine{BaseURL: cfg.RefundEngine.URL, APIKey: cfg.RefundEngine.APIKey, Breaker: breakers.RefundEngine}
	}

	var claimsPipeline *claims.Pipeline
	if detector != nil {
		claimsPipeline = claims.NewPipeline(claims.Config{
			ConfidenceThreshold: cfg.ClaimDetector.ConfidenceThreshold,
			BatchSize:           cfg.ClaimDetector.BatchSize,
			MaxBatchesInFlight:  cfg.Orchestrator.MaxBatchesInFlight,
			AutoSubmission:      cfg.ClaimDetector.AutoSubmission,
		}, detector, mcde, refundEngine, st.claims, st.inventoryCtx, st.claimHistory, notifier)
	} else {
		slog.Warn("CLAIM_DETECTOR_URL not set, discrepancies will not be valued into claims")
	}

	// Progress bus, with optional cross-process Redis fan-out.
	bus := progress.NewBus()
	if cfg.Redis.Enabled {
		fanout, err := progress.NewRedisFanout(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, bus)
		if err != nil {
			slog.Warn("Redis connection failed, progress events stay process-local", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer fanout.Close()
		}
	}

	// Connector registry + orchestrator. The orchestrator doubles as the
	// SinceLookup for incremental connectors, so it is built first and the
	// connectors registered after.
	registry := connectors.NewRegistry()
	marketplaceIDs := []string{cfg.Marketplace.MarketplaceID}
	orch := orchestrator.New(registry, engine, claimsPipeline, marketplaceClient, st.syncLogs, st.summaries, bus, marketplaceIDs, cfg.Orchestrator)

	registry.Register(connectors.NewMarketplaceConnector(marketplaceClient, st.inventoryRead, marketplaceIDs, cfg))
	registry.Register(connectors.NewGenericConnector("returns", marketplaceClient.FetchReturns, orch, cfg))
	registry.Register(connectors.NewGenericConnector("shipments", marketplaceClient.FetchShipments, orch, cfg))
	registry.Register(connectors.NewGenericConnector("settlements", marketplaceClient.FetchSettlements, orch, cfg))
	registry.Register(connectors.NewGenericConnector("removals", marketplaceClient.FetchRemovals, orch, cfg))

	// Periodic eviction of terminal jobs from the in-memory registry.
	scheduler := cron.New()
	maxAge := time.Duration(cfg.Orchestrator.JobMaxAgeHours) * time.Hour
	if _, err := scheduler.AddFunc("@hourly", func() {
		if removed := orch.CleanupTerminal(maxAge); removed > 0 {
			slog.Info("Evicted terminal jobs", "count", removed)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule job cleanup: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP surface: jobs, SSE progress, health, metrics. The payout
	// callback is enabled when a billing service is configured.
	server := transport.NewServer(orch, bus, registry, breakers, transport.NewMetrics(), slog.Default())
	if url := os.Getenv("BILLING_URL"); url != "" {
		ledger := billing.NewLedger(&billing.HTTPPort{BaseURL: url, APIKey: os.Getenv("BILLING_API_KEY")})
		server.WithPayouts(st.claims, ledger, notifier)
	} else {
		slog.Warn("BILLING_URL not set, payout callback endpoint disabled")
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Reconciler starting", "port", port, "health_check", "http://localhost:"+port+"/health")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	slog.Info("Server stopped")
}

// buildStores wires the Postgres adapters when DATABASE_URL is set and
// falls back to in-memory stores otherwise, so a local run needs no
// infrastructure.
func buildStores(cfg *config.Config) (stores, func()) {
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("DATABASE_URL not set, using in-memory stores (state is lost on restart)")
		return buildMemoryStores(), func() {}
	}

	db, err := postgres.Open(cfg.Database.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	if os.Getenv("RECONCILER_APPLY_SCHEMA") != "" {
		if err := postgres.ApplySchema(db); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
	}

	cipher, err := tokenvault.NewCipher(credentialKey())
	if err != nil {
		log.Fatalf("Failed to initialize credential cipher: %v", err)
	}

	inventory := postgres.NewInventoryStore(db)
	syncLogs := postgres.NewSyncLogStore(db)
	claimStore := postgres.NewClaimStore(db)
	discrepancyStore := postgres.NewDiscrepancyStore(db)

	return stores{
		syncLogs:      syncLogs,
		rules:         postgres.NewRuleStore(db),
		inventory:     inventory,
		inventoryRead: inventory,
		discrepancies: discrepancyStore,
		summaries:     discrepancyStore,
		claims:        claimStore,
		claimHistory:  claimStore,
		inventoryCtx:  postgres.NewInventoryContextStore(inventory, syncLogs),
		credentials:   postgres.NewCredentialStore(db, cipher),
	}, func() { db.Close() }
}

func buildMemoryStores() stores {
	inventory := memory.NewInventoryStore()
	syncLogs := memory.NewSyncLogStore()
	claimStore := memory.NewClaimStore()
	discrepancyStore := memory.NewDiscrepancyStore()

	return stores{
		syncLogs:      syncLogs,
		rules:         memory.NewRuleStore(),
		inventory:     inventory,
		inventoryRead: inventory,
		discrepancies: discrepancyStore,
		summaries:     discrepancyStore,
		claims:        claimStore,
		claimHistory:  claimStore,
		inventoryCtx:  memory.NewInventoryContextStore(inventory, syncLogs),
		credentials:   memory.NewCredentialStore(),
	}
}

// credentialKey derives the 32-byte AES key for credential encryption
// from RECONCILER_CREDENTIAL_KEY. A missing key still yields a working
// (but non-portable) cipher for dev runs.
func credentialKey() []byte {
	key := os.Getenv("RECONCILER_CREDENTIAL_KEY")
	if key == "" {
		slog.Warn("RECONCILER_CREDENTIAL_KEY not set, using an ephemeral development key")
		key = "reconciler-dev-only"
	}
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}
