// Package chain provides the L1 JSON-RPC collaborator used by the deposit indexer.
//
// It wraps go-ethereum's ethclient/rpc clients with the exact method surface the
// core worker needs (spec.md §6): eth_call, eth_getLogs, eth_getBlockByNumber
// (batched), eth_getTransactionByHash, eth_newFilter, eth_getFilterChanges,
// eth_uninstallFilter, plus a safe-head query. Every call except eth_uninstallFilter
// is attempted up to 3 times with backoff before surfacing an error to the caller
// (spec.md §5/§7); eth_uninstallFilter makes a single attempt.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// Client is the L1 RPC collaborator required by the worker.
type Client struct {
	eth    *ethclient.Client
	rpc    *rpc.Client
	logger *zerolog.Logger
}

// NewClient dials the L1 RPC endpoint.
func NewClient(rpcURL string, logger *zerolog.Logger) (*Client, error) {
	rc, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial L1 RPC endpoint: %w", err)
	}

	return &Client{
		eth:    ethclient.NewClient(rc),
		rpc:    rc,
		logger: logger,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// withRetry runs fn up to maxAttempts times with exponential backoff, matching the
// retry discipline spec.md §5/§7 requires for every L1 RPC call.
func withRetry(ctx context.Context, logger *zerolog.Logger, op string, fn func() error) error {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if logger != nil {
			logger.Warn().
				Err(lastErr).
				Str("op", op).
				Int("attempt", attempt).
				Msg("l1 rpc call failed")
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%s: exhausted %d attempts: %w", op, maxAttempts, lastErr)
}

// SafeHead returns the current L1 safe head block number.
func (c *Client) SafeHead(ctx context.Context) (uint64, error) {
	var header *types.Header
	err := withRetry(ctx, c.logger, "safe_head", func() error {
		var innerErr error
		header, innerErr = c.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.SafeBlockNumber)))
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

// FilterLogs requests logs matching the given filter query.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, c.logger, "eth_getLogs", func() error {
		var innerErr error
		logs, innerErr = c.eth.FilterLogs(ctx, query)
		return innerErr
	})
	return logs, err
}

// BlockTimestamps fetches the timestamps for a set of block numbers via batched
// eth_getBlockByNumber requests (hashes-only, no full transactions), per spec.md §4.4.6.
func (c *Client) BlockTimestamps(ctx context.Context, blockNumbers []uint64) (map[uint64]uint64, error) {
	result := make(map[uint64]uint64, len(blockNumbers))
	if len(blockNumbers) == 0 {
		return result, nil
	}

	type blockResult struct {
		Number *hexutil.Big    `json:"number"`
		Time   *hexutil.Uint64 `json:"timestamp"`
	}

	batch := make([]rpc.BatchElem, len(blockNumbers))
	results := make([]blockResult, len(blockNumbers))
	for i, bn := range blockNumbers {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{toBlockNumArg(bn), false},
			Result: &results[i],
		}
	}

	err := withRetry(ctx, c.logger, "eth_getBlockByNumber_batch", func() error {
		return c.rpc.BatchCallContext(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	for i, bn := range blockNumbers {
		if batch[i].Error != nil {
			c.logger.Warn().Err(batch[i].Error).Uint64("block", bn).Msg("failed to fetch block timestamp")
			continue
		}
		if results[i].Time == nil {
			continue
		}
		result[bn] = uint64(*results[i].Time)
	}

	return result, nil
}

// GetTransactionByHash fetches an L1 transaction, used by the bootstrapper to confirm
// the last-indexed transaction is still present (spec.md §4.1).
func (c *Client) GetTransactionByHash(ctx context.Context, hash common.Hash) (bool, error) {
	var found bool
	err := withRetry(ctx, c.logger, "eth_getTransactionByHash", func() error {
		_, isPending, innerErr := c.eth.TransactionByHash(ctx, hash)
		if innerErr != nil {
			if innerErr == ethereum.NotFound {
				found = false
				return nil
			}
			return innerErr
		}
		found = true
		_ = isPending
		return nil
	})
	return found, err
}

// CallContract performs an eth_call against the given message at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := withRetry(ctx, c.logger, "eth_call", func() error {
		var innerErr error
		out, innerErr = c.eth.CallContract(ctx, msg, nil)
		return innerErr
	})
	return out, err
}

// NewFilter installs a new L1 log filter and returns its id.
func (c *Client) NewFilter(ctx context.Context, query ethereum.FilterQuery) (string, error) {
	var id string
	err := withRetry(ctx, c.logger, "eth_newFilter", func() error {
		return c.rpc.CallContext(ctx, &id, "eth_newFilter", toFilterArg(query))
	})
	return id, err
}

// FilterChanges polls an installed filter for new logs.
func (c *Client) FilterChanges(ctx context.Context, filterID string) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, c.logger, "eth_getFilterChanges", func() error {
		return c.rpc.CallContext(ctx, &logs, "eth_getFilterChanges", filterID)
	})
	return logs, err
}

// UninstallFilter removes a previously-installed filter. Best-effort, single attempt,
// per spec.md §4.3 Termination.
func (c *Client) UninstallFilter(ctx context.Context, filterID string) error {
	var ok bool
	return c.rpc.CallContext(ctx, &ok, "eth_uninstallFilter", filterID)
}

func toBlockNumArg(number uint64) string {
	return fmt.Sprintf("0x%x", number)
}

func toFilterArg(q ethereum.FilterQuery) map[string]any {
	arg := map[string]any{}
	if q.Addresses != nil {
		arg["address"] = q.Addresses
	}
	if q.Topics != nil {
		arg["topics"] = q.Topics
	}
	if q.FromBlock != nil {
		arg["fromBlock"] = toBlockNumArg(q.FromBlock.Uint64())
	}
	if q.ToBlock != nil {
		if q.ToBlock.Sign() < 0 {
			arg["toBlock"] = "latest"
		} else {
			arg["toBlock"] = toBlockNumArg(q.ToBlock.Uint64())
		}
	} else {
		arg["toBlock"] = "latest"
	}
	return arg
}
