// Package reorg implements the reorg reconciler (spec.md §4.5): partitions a raw
// filter-poll log batch into removed/non-removed entries, deletes affected rows, and
// hands back the logs that still need deriving and importing.
package reorg

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// Deleter is the subset of the store collaborator the reconciler needs.
type Deleter interface {
	DeleteDepositsByL1Blocks(ctx context.Context, blocks []uint64) (int64, error)
}

// Reconciler applies removed-log reorg handling ahead of normal derivation.
type Reconciler struct {
	store  Deleter
	logger zerolog.Logger
}

// New creates a Reconciler backed by the given deposit store.
func New(store Deleter, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger.With().Str("component", "reorg").Logger()}
}

// Process partitions logs into the removed block set R and the surviving,
// not-removed logs. It deletes every deposit with l1_block_number in R (spec.md §4.5
// steps 1-3) before returning the logs the caller should derive and import.
//
// Idempotent: re-applying the same removed set deletes 0 rows on a second call.
func (r *Reconciler) Process(ctx context.Context, logs []types.Log) ([]types.Log, error) {
	removedBlocks := make(map[uint64]struct{})
	survivors := make([]types.Log, 0, len(logs))

	for _, log := range logs {
		if log.Removed {
			removedBlocks[log.BlockNumber] = struct{}{}
			continue
		}
		survivors = append(survivors, log)
	}

	if len(removedBlocks) == 0 {
		return survivors, nil
	}

	blocks := make([]uint64, 0, len(removedBlocks))
	for b := range removedBlocks {
		blocks = append(blocks, b)
	}

	deleted, err := r.store.DeleteDepositsByL1Blocks(ctx, blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to delete reorged deposits: %w", err)
	}

	r.logger.Warn().
		Ints64("blocks", toInt64s(blocks)).
		Int64("deleted", deleted).
		Msg("reconciled reorged deposits")

	return survivors, nil
}

func toInt64s(values []uint64) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
