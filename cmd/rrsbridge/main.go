package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/config"
	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/internal/native/sim"
	"github.com/Aidin1998/rrsbridge/internal/rmname"
	"github.com/Aidin1998/rrsbridge/internal/telemetry"
	"github.com/Aidin1998/rrsbridge/internal/tm"
	"github.com/Aidin1998/rrsbridge/internal/transaction"
	"github.com/Aidin1998/rrsbridge/pkg/logger"
)

const usage = `usage: rrsbridge [flags] <command>

commands:
  init     create the resource manager name log
  run      activate, recover and serve until interrupted
  recover  activate, resolve in-doubt branches and exit
`

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	flags := pflag.NewFlagSet("rrsbridge", pflag.ExitOnError)
	configPaths := flags.StringSlice("config", []string{"config.yaml"}, "configuration files, merged in order")
	demo := flags.Int("demo", 0, "number of demonstration transactions to drive after recovery")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(nil, *configPaths...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err := execute(context.Background(), flags.Arg(0), cfg, zapLogger, *demo); err != nil {
		zapLogger.Error("rrsbridge stopped with error", zap.String("command", flags.Arg(0)), zap.Error(err))
		_ = zapLogger.Sync()
		if errors.Is(err, errUnknownCommand) {
			flags.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
	_ = zapLogger.Sync()
}

var errUnknownCommand = errors.New("unknown command")

// execute runs one command. run blocks until ctx is cancelled or a signal arrives.
func execute(ctx context.Context, cmd string, cfg *config.Config, zapLogger *zap.Logger, demo int) error {
	switch cmd {
	case "init":
		rec, err := rmname.Init(cfg.Transaction.RMNameLog, cfg.Transaction.RMNamePrefix)
		if err != nil {
			return fmt.Errorf("failed to initialise resource manager name log: %w", err)
		}
		zapLogger.Info("Resource manager name log created",
			zap.String("path", cfg.Transaction.RMNameLog),
			zap.String("rm_name", rec.RMName))
		return nil
	case "run", "recover":
		return serve(ctx, cfg, zapLogger, cmd == "run", demo)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, cmd)
	}
}

// serve wires the registry, the transaction manager and the native transaction
// manager together. With wait set it blocks until ctx is cancelled, SIGINT or
// SIGTERM. A failed recovery pass is reported after shutdown.
func serve(parent context.Context, cfg *config.Config, zapLogger *zap.Logger, wait bool, demo int) (err error) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Tracing:     cfg.Telemetry.Tracing,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		err = multierr.Append(err, shutdownTelemetry(context.Background()))
	}()

	reg, err := sim.New(sim.Options{
		Path:     cfg.Registry.Path,
		InMemory: cfg.Registry.InMemory,
		Logger:   zapLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	decisions, err := tm.OpenBadgerDecisionLog(cfg.TM.DecisionLog)
	if err != nil {
		return fmt.Errorf("failed to open decision log: %w", err)
	}
	defer decisions.Close()

	coordinator := tm.NewManager(tm.Config{DefaultTimeout: cfg.TM.DefaultTimeout}, decisions, zapLogger)
	ntm := transaction.NewManager(transaction.Config{
		RMNameLog:          cfg.Transaction.RMNameLog,
		RMNamePrefix:       cfg.Transaction.RMNamePrefix,
		ShutdownTimeout:    cfg.Transaction.ShutdownTimeout,
		TransactionTimeout: cfg.Transaction.Timeout,
	}, reg, coordinator, zapLogger)
	coordinator.AddListener(ntm)

	if err := ntm.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate: %w", err)
	}
	defer func() {
		err = multierr.Append(err, ntm.Deactivate(context.Background(), cfg.Transaction.ShutdownTimeout))
	}()

	result, recoverErr := coordinator.Recover(ctx)
	if recoverErr != nil {
		recoverErr = fmt.Errorf("recovery: %w", recoverErr)
		zapLogger.Error("Recovery finished with failures", zap.Error(recoverErr))
	}
	zapLogger.Info("Recovery pass finished",
		zap.Int("committed", result.Committed),
		zap.Int("rolled_back", result.RolledBack),
		zap.Int("failed", result.Failed),
		zap.Int("in_doubt", ntm.InDoubt()))
	if !wait {
		return recoverErr
	}

	for i := 0; i < demo; i++ {
		if dErr := drive(native.WithThread(ctx, native.ThreadID(i+1)), coordinator, ntm); dErr != nil {
			zapLogger.Warn("Demonstration transaction failed", zap.Int("n", i), zap.Error(dErr))
		}
	}

	var srv *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			zapLogger.Info("Serving metrics", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zapLogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	zapLogger.Info("Shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	return recoverErr
}

// drive runs one global transaction with the native resource manager as its
// only participant.
func drive(ctx context.Context, coordinator *tm.Manager, ntm *transaction.Manager) error {
	g, err := coordinator.Begin(ctx)
	if err != nil {
		return err
	}
	if err := ntm.Enlist(ctx, g); err != nil {
		return multierr.Append(err, coordinator.Rollback(ctx, g))
	}
	return coordinator.Commit(ctx, g)
}
