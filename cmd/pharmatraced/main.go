package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"pharmatrace/audit"
	"pharmatrace/config"
	"pharmatrace/crypto"
	"pharmatrace/gateway"
	"pharmatrace/ledger"
	"pharmatrace/observability/logging"
	telemetry "pharmatrace/observability/otel"
	"pharmatrace/orchestrator"
	"pharmatrace/recon"
	"pharmatrace/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "pharmatrace.yaml", "path to service configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		// Logging is not configured yet; fall back to stderr.
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.Setup("pharmatraced", cfg.Environment, logging.FileConfig{
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "pharmatraced",
		Environment: cfg.Environment,
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Otel.Headers),
	})
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	key, err := crypto.LoadFundingKey(cfg.Keystore.Path, cfg.Keystore.Passphrase)
	if err != nil {
		logger.Error("load funding key", "path", cfg.Keystore.Path, "error", err)
		os.Exit(1)
	}
	signer, err := ledger.NewKeySigner(key)
	if err != nil {
		logger.Error("construct signer", "error", err)
		os.Exit(1)
	}
	logger.Info("funding wallet loaded", "address", signer.Address().String())

	client := ledger.NewRPCClient(cfg.Node.Endpoint, cfg.Node.AuthToken,
		ledger.WithRequestTimeout(cfg.Node.Timeout.Duration))

	recorder, err := recon.NewRecorder(store, recon.WithLogger(logger))
	if err != nil {
		logger.Error("construct recorder", "error", err)
		os.Exit(1)
	}

	emitter := audit.NewEmitter(cfg.Audit.WebhookURL, cfg.Audit.Secret,
		audit.WithStore(store),
		audit.WithRateLimit(cfg.Audit.RatePerSec, cfg.Audit.Burst),
		audit.WithQueueCap(cfg.Audit.QueueCap),
		audit.WithEmitterLogger(logger),
	)
	go emitter.Run(ctx)

	orchOpts := []orchestrator.Option{
		orchestrator.WithMaxAttempts(cfg.Orchestrator.MaxAttempts),
		orchestrator.WithRetryBaseDelay(cfg.Orchestrator.RetryBaseDelay.Duration),
		orchestrator.WithPollInterval(cfg.Orchestrator.PollInterval.Duration),
		orchestrator.WithConfirmTimeout(cfg.Orchestrator.ConfirmTimeout.Duration),
		orchestrator.WithLogger(logger),
		orchestrator.WithAuditEmitter(emitter),
	}
	if cfg.Orchestrator.MinBalance != "" {
		minBalance, parseErr := uint256.FromDecimal(cfg.Orchestrator.MinBalance)
		if parseErr != nil {
			logger.Error("parse min_balance", "value", cfg.Orchestrator.MinBalance, "error", parseErr)
			os.Exit(1)
		}
		orchOpts = append(orchOpts, orchestrator.WithMinBalance(minBalance))
	}
	orch, err := orchestrator.New(client, signer, recorder, orchOpts...)
	if err != nil {
		logger.Error("construct orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.Recon.Enabled {
		sweeper, sweepErr := recon.NewSweeper(recon.SweepConfig{
			Store:     store,
			Ledger:    client,
			OutputDir: cfg.Recon.OutputDir,
			Logger:    logger,
		})
		if sweepErr != nil {
			logger.Error("construct sweeper", "error", sweepErr)
			os.Exit(1)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Sweeper:   sweeper,
			RunHour:   cfg.Recon.Hour,
			RunMinute: cfg.Recon.Minute,
			Logger:    logger,
		})
		go scheduler.Start(ctx)
	}

	idem, err := gateway.NewIdempotencyStore(cfg.Gateway.IdempotencyPath, cfg.Gateway.IdempotencyTTL.Duration)
	if err != nil {
		logger.Error("open idempotency store", "error", err)
		os.Exit(1)
	}
	defer idem.Close()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pruneErr := idem.Prune(); pruneErr != nil {
					logger.Warn("prune idempotency store", "error", pruneErr)
				}
			}
		}
	}()

	srv := gateway.New(gateway.Config{
		Orchestrator: orch,
		Store:        store,
		Ledger:       client,
		Emitter:      emitter,
		Idempotency:  idem,
		JWTSecret:    cfg.Gateway.JWTSecret,
		RatePerSec:   cfg.Gateway.RatePerSec,
		Burst:        cfg.Gateway.Burst,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http server", "error", err)
	}
	logger.Info("pharmatraced stopped")
}
