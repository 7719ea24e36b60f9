package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"htlcbridge/core/events"
	"htlcbridge/core/state"
	"htlcbridge/native/htlc"
	"htlcbridge/observability/logging"
	telemetry "htlcbridge/observability/otel"
	"htlcbridge/services/htlcd/archive"
	"htlcbridge/services/htlcd/config"
	"htlcbridge/services/htlcd/idempotency"
	"htlcbridge/services/htlcd/server"
	"htlcbridge/storage"
)

func main() {
	var (
		cfgPath    string
		exportPath string
	)
	flag.StringVar(&cfgPath, "config", "services/htlcd/config.yaml", "path to htlcd configuration file")
	flag.StringVar(&exportPath, "export", "", "write the event archive to this Parquet file and exit")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("HTLC_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("htlcd: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions("htlcd", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "htlcd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("htlcd: init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	store, err := archive.Open(cfg.Archive.Driver, cfg.Archive.DSN)
	if err != nil {
		log.Fatalf("htlcd: open archive: %v", err)
	}
	defer store.Close()
	store.SetLogger(logger.With(slog.String("component", "archive")))

	if exportPath != "" {
		n, err := store.ExportParquet(context.Background(), exportPath, archive.Filter{})
		if err != nil {
			log.Fatalf("htlcd: export archive: %v", err)
		}
		logger.Info("archive exported", slog.String("path", exportPath), slog.Int("rows", n))
		return
	}

	db, err := storage.NewLevelDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("htlcd: open ledger: %v", err)
	}
	defer db.Close()

	hub := events.NewHub(cfg.Stream.History)
	emitter := events.Fanout{store, hub}

	mgr := state.NewManager(db)
	mgr.SetEmitter(emitter)

	ctx := context.Background()
	seeded, err := mgr.HTLCSeedFeeSchedule(ctx, cfg.FeeSchedule())
	if err != nil {
		log.Fatalf("htlcd: seed fee schedule: %v", err)
	}
	if seeded {
		logger.Info("fee schedule seeded", slog.Uint64("bps", uint64(cfg.Fees.Bps)))
	}

	engine := htlc.NewEngine(cfg.ChainID)
	engine.SetState(mgr)
	engine.SetMover(mgr)
	engine.SetEmitter(emitter)
	engine.SetAdmin(cfg.AdminAddress())

	var responses server.ResponseCache
	var idem *idempotency.Store
	if path := strings.TrimSpace(cfg.Idempotency.Path); path != "" {
		idem, err = idempotency.Open(path, nil)
		if err != nil {
			log.Fatalf("htlcd: open idempotency store: %v", err)
		}
		defer idem.Close()
		responses = idem
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Admin:         cfg.AdminAddress(),
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		ShutdownTimeout: cfg.Shutdown.Duration,
		IdempotencyTTL:  cfg.Idempotency.TTL.Duration,
	}, server.Deps{Ledger: engine, Vault: mgr, Archive: store, Stream: hub, Responses: responses}, logger)
	if err != nil {
		log.Fatalf("htlcd: server: %v", err)
	}

	logger.Info("htlcd starting",
		slog.Uint64("chain_id", cfg.ChainID),
		slog.String("admin", common.Address(cfg.AdminAddress()).Hex()),
		slog.String("escrow", common.Address(mgr.EscrowAccount()).Hex()))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if idem != nil {
		go purgeResponses(rootCtx, idem, cfg.Idempotency.PurgeInterval.Duration, logger)
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func purgeResponses(ctx context.Context, store *idempotency.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Purge(now)
			if err != nil {
				logger.Warn("idempotency purge failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency entries purged", slog.Int("removed", removed))
			}
		}
	}
}
