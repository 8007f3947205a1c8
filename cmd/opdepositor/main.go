// Command opdepositor runs the Optimism L1 deposit indexer: it bootstraps from
// the on-chain SystemConfig contract, then drives the catch-up/realtime ingestion
// worker until shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opstack/op-deposit-indexer/internal/bootconfig"
	"github.com/opstack/op-deposit-indexer/internal/bootstrap"
	"github.com/opstack/op-deposit-indexer/internal/broadcaster"
	"github.com/opstack/op-deposit-indexer/internal/chain"
	"github.com/opstack/op-deposit-indexer/internal/depositor"
	"github.com/opstack/op-deposit-indexer/internal/filterlease"
	"github.com/opstack/op-deposit-indexer/internal/store"
	"github.com/opstack/op-deposit-indexer/internal/systemconfig"
)

const serviceName = "op-deposit-indexer"

func main() {
	logger := bootconfig.InitLogger()
	logger.Info().Msg("starting op deposit indexer")

	cfg := bootconfig.InitConfig(logger, "config.toml")
	bootconfig.UpdateLogLevel(cfg, logger)

	rpcEndpoint := bootconfig.RequireString(cfg, logger, "optimism.l1_rpc")
	systemConfigAddr := bootconfig.RequireAddress(cfg, logger, "optimism.l1_system_config")
	batchSize := uint64(cfg.Int64("indexer.batch_size"))
	if batchSize == 0 {
		batchSize = 500
	}
	transactionType := byte(cfg.Int64("indexer.transaction_type"))

	chainClient, err := chain.NewClient(rpcEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create L1 chain client")
	}
	defer chainClient.Close()
	logger.Info().Str("rpc", rpcEndpoint).Msg("initialized L1 chain client")

	systemConfigCaller, err := systemconfig.New(systemConfigAddr, chainClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind SystemConfig caller")
	}

	deposits, err := store.Connect(context.Background(), bootconfig.RequireString(cfg, logger, "db.dsn"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to deposit store")
	}
	defer deposits.Close()
	logger.Info().Msg("connected to deposit store")

	bc, err := broadcaster.New(
		bootconfig.RequireString(cfg, logger, "nats.url"),
		cfg.String("nats.stream_name"),
		cfg.String("nats.subject_prefix"),
		cfg.Duration("nats.max_age"),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create broadcaster")
	}
	defer bc.Close()

	leaseDB, err := filterlease.Open(bootconfig.RequireString(cfg, logger, "db.filter_lease_path"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open filter lease cache")
	}
	defer leaseDB.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	depositorCfg, err := bootstrap.Run(bootCtx, *logger, bootstrap.Config{
		ServiceName:     serviceName,
		RPCEndpoint:     rpcEndpoint,
		SystemConfig:    systemConfigAddr,
		BatchSize:       batchSize,
		TransactionType: transactionType,
	}, systemConfigCaller, deposits, chainClient)
	bootCancel()
	if err != nil {
		if bootstrap.IsFatal(err) {
			logger.Fatal().Err(err).Msg("fatal bootstrap failure, not retrying")
		}
		logger.Fatal().Err(err).Msg("bootstrap failed")
	}

	worker := depositor.New(*logger, chainClient, deposits, bc, leaseDB, depositorCfg)
	logger.Info().
		Uint64("from_block", depositorCfg.FromBlock).
		Uint64("safe_block", depositorCfg.SafeBlock).
		Uint64("batch_size", depositorCfg.BatchSize).
		Msg("initialized depositor worker")

	metricsAddr := bootconfig.RequireString(cfg, logger, "metrics.address")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := bootconfig.RequireString(cfg, logger, "health.address")
	healthServer := &http.Server{Addr: healthAddr, Handler: http.HandlerFunc(healthCheckHandler(worker, bc))}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- worker.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("depositor worker exited")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func healthCheckHandler(w *depositor.Worker, bc *broadcaster.Broadcaster) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.Healthy() || !bc.Healthy() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(rw, "unhealthy\n")
			return
		}

		status := w.Status()
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintf(rw, "healthy\nmode: %s\nfrom_block: %d\nsafe_block: %d\n",
			status.Mode, status.FromBlock, status.SafeBlock)
	}
}
