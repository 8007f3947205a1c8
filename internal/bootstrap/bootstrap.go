// Package bootstrap implements the startup sequence that produces a depositor
// worker's initial state (spec.md §4.1): read SystemConfig, determine the resume
// point, run startup consistency checks, and hand back either a ready-to-run
// depositor.Config or a distinguished FatalError the supervisor must not retry.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/opstack/op-deposit-indexer/internal/depositor"
)

// FatalError marks a configuration or consistency failure that must terminate
// the worker rather than be retried (spec.md §4.1 Hard failures, §7).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal bootstrap failure: %s", e.Reason)
}

func fatalf(format string, args ...any) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is a FatalError (as opposed to a transient RPC
// failure, which the caller should treat as retryable per spec.md §4.1 Transient
// failures).
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// SystemConfigReader is the collaborator used to read the portal address and L1
// start block from the on-chain SystemConfig contract.
type SystemConfigReader interface {
	OptimismPortal(ctx context.Context) (common.Address, error)
	StartBlockL1(ctx context.Context) (uint64, error)
}

// DepositStore is the subset of the persistence collaborator the bootstrapper needs.
type DepositStore interface {
	LastDepositL1Block(ctx context.Context) (uint64, string, error)
}

// TransactionChecker confirms a previously-indexed transaction is still present on
// L1, the cheap reorg sanity check spec.md §4.1 requires at startup.
type TransactionChecker interface {
	GetTransactionByHash(ctx context.Context, hash common.Hash) (bool, error)
	SafeHead(ctx context.Context) (uint64, error)
}

// Config carries the values read once at process start (spec.md §6 Configuration).
type Config struct {
	ServiceName     string
	RPCEndpoint     string
	SystemConfig    common.Address
	BatchSize       uint64
	TransactionType byte
}

// Run executes the bootstrap sequence and returns the depositor.Config the worker
// should be constructed with, or a FatalError if any hard-failure invariant from
// spec.md §4.1 is violated.
func Run(ctx context.Context, logger zerolog.Logger, cfg Config, systemConfig SystemConfigReader, store DepositStore, chain TransactionChecker) (depositor.Config, error) {
	logger = logger.With().Str("component", "bootstrap").Logger()

	if cfg.RPCEndpoint == "" {
		return depositor.Config{}, fatalf("L1 RPC endpoint undefined")
	}
	if cfg.SystemConfig == (common.Address{}) {
		return depositor.Config{}, fatalf("SystemConfig address invalid or undefined")
	}

	optimismPortal, err := systemConfig.OptimismPortal(ctx)
	if err != nil {
		return depositor.Config{}, fmt.Errorf("failed to read OptimismPortal from SystemConfig: %w", err)
	}
	if optimismPortal == (common.Address{}) {
		return depositor.Config{}, fatalf("SystemConfig returned a zero OptimismPortal address")
	}

	startBlockL1, err := systemConfig.StartBlockL1(ctx)
	if err != nil {
		return depositor.Config{}, fmt.Errorf("failed to read startBlock from SystemConfig: %w", err)
	}
	if startBlockL1 == 0 {
		return depositor.Config{}, fatalf("start_block_l1 == 0")
	}

	lastIndexedBlock, lastIndexedTxHash, err := store.LastDepositL1Block(ctx)
	if err != nil {
		return depositor.Config{}, fmt.Errorf("failed to read last indexed L1 block: %w", err)
	}

	if lastIndexedBlock != 0 && startBlockL1 > lastIndexedBlock {
		return depositor.Config{}, fatalf(
			"start_block_l1 (%d) > last_indexed_block (%d) with a non-empty deposits table: tampered or stale DB",
			startBlockL1, lastIndexedBlock,
		)
	}

	if lastIndexedTxHash != "" {
		found, err := chain.GetTransactionByHash(ctx, common.HexToHash(lastIndexedTxHash))
		if err != nil {
			return depositor.Config{}, fmt.Errorf("failed to confirm last indexed transaction on L1: %w", err)
		}
		if !found {
			return depositor.Config{}, fatalf(
				"last indexed transaction %s present in DB but absent from L1 RPC: possible deep reorg predating the fetcher",
				lastIndexedTxHash,
			)
		}
	}

	safeBlock, err := chain.SafeHead(ctx)
	if err != nil {
		return depositor.Config{}, fmt.Errorf("failed to fetch initial safe head: %w", err)
	}

	if startBlockL1 > safeBlock {
		return depositor.Config{}, fatalf("start_block_l1 (%d) > safe_block (%d)", startBlockL1, safeBlock)
	}

	fromBlock := startBlockL1
	if lastIndexedBlock > fromBlock {
		fromBlock = lastIndexedBlock
	}

	mode := "catch_up"
	if fromBlock > safeBlock {
		mode = "realtime"
	}

	logger.Info().
		Str("optimism_portal", optimismPortal.Hex()).
		Uint64("start_block_l1", startBlockL1).
		Uint64("last_indexed_block", lastIndexedBlock).
		Uint64("from_block", fromBlock).
		Uint64("safe_block", safeBlock).
		Str("mode", mode).
		Msg("bootstrap complete")

	return depositor.Config{
		ServiceName:     cfg.ServiceName,
		OptimismPortal:  optimismPortal,
		StartBlock:      startBlockL1,
		FromBlock:       fromBlock,
		SafeBlock:       safeBlock,
		BatchSize:       cfg.BatchSize,
		TransactionType: cfg.TransactionType,
	}, nil
}
