// Package store provides the relational persistence collaborator (spec.md §6):
// upsert_deposits, delete_deposits_by_l1_blocks, last_deposit_l1_block_number.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opstack/op-deposit-indexer/internal/models"
)

// Store is the relational persistence collaborator required by the worker.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect builds a pgxpool from a DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertDeposits imports a batch of deposit records atomically. Idempotent on the
// deposit's unique key (l1_transaction_hash, l1_transaction_origin, l2_transaction_hash).
func (s *Store) UpsertDeposits(ctx context.Context, deposits []models.Deposit) error {
	if len(deposits) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const query = `
		INSERT INTO optimism_deposits (
			l1_block_number, l1_block_timestamp, l1_transaction_hash,
			l1_transaction_origin, l2_transaction_hash
		) VALUES ($1, to_timestamp($2), $3, $4, $5)
		ON CONFLICT (l1_transaction_hash, l1_transaction_origin, l2_transaction_hash)
		DO NOTHING
	`

	for _, d := range deposits {
		var ts any
		if d.L1BlockTimestamp != nil {
			ts = *d.L1BlockTimestamp
		}

		if _, err := tx.Exec(ctx, query,
			d.L1BlockNumber,
			ts,
			d.L1TransactionHash,
			d.L1TransactionOrigin,
			d.L2TransactionHash,
		); err != nil {
			return fmt.Errorf("failed to upsert deposit %s: %w", d.L1TransactionHash, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return nil
}

// DeleteDepositsByL1Blocks deletes every deposit whose l1_block_number is in the
// given set R, per spec.md §4.5 step 3. Returns the number of rows removed.
// Idempotent: re-applying the same R deletes 0 rows on the second call.
func (s *Store) DeleteDepositsByL1Blocks(ctx context.Context, blocks []uint64) (int64, error) {
	if len(blocks) == 0 {
		return 0, nil
	}

	const query = `DELETE FROM optimism_deposits WHERE l1_block_number = ANY($1)`
	tag, err := s.pool.Exec(ctx, query, blocks)
	if err != nil {
		return 0, fmt.Errorf("failed to delete deposits for reorged blocks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LastDepositL1Block returns the highest indexed L1 block number and the
// l1_transaction_hash of the deposit at that block, or (0, "") if the table is empty.
func (s *Store) LastDepositL1Block(ctx context.Context) (uint64, string, error) {
	const query = `
		SELECT l1_block_number, l1_transaction_hash
		FROM optimism_deposits
		ORDER BY l1_block_number DESC
		LIMIT 1
	`

	var blockNumber uint64
	var txHash string
	err := s.pool.QueryRow(ctx, query).Scan(&blockNumber, &txHash)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("failed to read last indexed deposit: %w", err)
	}
	return blockNumber, txHash, nil
}
