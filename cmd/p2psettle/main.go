package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/config"
	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/handler"
	"github.com/efreitasn/p2psettle/internal/logging"
	"github.com/efreitasn/p2psettle/internal/market"
	"github.com/efreitasn/p2psettle/internal/metrics"
	"github.com/efreitasn/p2psettle/internal/service"
	"github.com/efreitasn/p2psettle/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Optional config file (yaml, json or toml)")
	resume := flag.Bool("resume", false, "Finalize trades a previous run registered but never settled")
	serve := flag.Bool("serve", false, "Keep serving the HTTP API after the run until interrupted")
	printDirectory := flag.Bool("print-directory", false, "Print the participant directory as YAML and exit")
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	var code int
	if *printDirectory {
		code = dumpDirectory(cfg, logger)
	} else {
		code = run(cfg, logger, *resume, *serve)
	}
	_ = logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, logger *zap.Logger, resume, serve bool) int {
	if resume {
		if err := checkResume(cfg); err != nil {
			logger.Error("cannot resume", zap.Error(err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, dir, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", zap.Error(err))
		return 1
	}
	defer ledger.Close()

	journal, err := store.OpenJournal(cfg.JournalDSN)
	if err != nil {
		logger.Error("failed to open journal", zap.Error(err))
		return 1
	}
	defer journal.Close()

	conv, err := domain.NewConverter(cfg.ExchangeRate)
	if err != nil {
		logger.Error("invalid exchange rate", zap.Error(err))
		return 1
	}
	logger.Info("converter ready", zap.String("exchange_rate", conv.ExchangeRate().String()))

	opts := service.Options{
		ConfirmTimeout:         cfg.ConfirmTimeout,
		MaxConsecutiveTimeouts: cfg.MaxConsecutiveTimeouts,
	}
	if cfg.WebhookURL != "" {
		webhooks := service.NewWebhookService(cfg.WebhookURL, cfg.WebhookTimeout, logger)
		defer webhooks.Wait()
		opts.Notifier = webhooks
	}

	m := metrics.New()
	settler := service.NewSettler(ledger, dir, conv, journal, m, logger, opts)

	// The API is up while the run is in progress so the journal and ledger
	// can be inspected.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.NewRouter(ledger, journal, dir, m, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		logger.Info("server stopped")
	}()

	var sum *service.Summary
	if resume {
		sum, err = settler.Resume(ctx)
	} else {
		var book *market.Book
		book, err = market.LoadFile(cfg.MarketData)
		if err != nil {
			logger.Error("failed to load market data", zap.String("path", cfg.MarketData), zap.Error(err))
			return 1
		}
		logger.Info("market data loaded",
			zap.String("path", cfg.MarketData),
			zap.Int("slots", book.Len()),
			zap.Int("trades", book.TradeCount()),
		)
		sum, err = settler.Run(ctx, book.Slots(cfg.MaxSlots))
	}

	if sum != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
	}
	code := 0
	if err != nil {
		logger.Error("settlement run aborted", zap.String("run_id", settler.RunID()), zap.Error(err))
		code = 1
	}

	if !serve {
		return code
	}
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		logger.Error("server error", zap.Error(err))
		return 1
	}
	return code
}

// dumpDirectory prints the labels the configured node's accounts map to.
func dumpDirectory(cfg *config.Config, logger *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, dir, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", zap.Error(err))
		return 1
	}
	defer ledger.Close()

	if err := dir.Encode(os.Stdout); err != nil {
		logger.Error("failed to print directory", zap.Error(err))
		return 1
	}
	return 0
}
