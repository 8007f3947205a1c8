// Package depositor implements the core two-mode ingestion state machine:
// catch-up (bounded [from, safe] log windows) and realtime (installed filter
// polling), per spec.md §4.2-§4.3. The worker is a single logical thread of
// control — every state transition happens inside one handler invocation at a
// time, matching the teacher syncer's single-goroutine lifecycle.
package depositor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/opstack/op-deposit-indexer/internal/deriver"
	"github.com/opstack/op-deposit-indexer/internal/models"
	"github.com/opstack/op-deposit-indexer/internal/reorg"
)

// retryInterval is the fixed reschedule delay on RPC/persistence failure, per
// spec.md §5/§7.
const retryInterval = 3 * time.Minute

// defaultCheckInterval is used when the realtime engine cannot otherwise observe L1
// block cadence (spec.md §4.3 step 3 calls for computing this from cadence; 12s
// matches L1 Ethereum's target block time).
const defaultCheckInterval = 12 * time.Second

var (
	depositorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "op_deposit_indexer_from_block",
		Help: "Next L1 block the indexer will query",
	})

	l1SafeHead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "op_deposit_indexer_l1_safe_head",
		Help: "Last known L1 safe head block number",
	})

	blocksBehind = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "op_deposit_indexer_blocks_behind",
		Help: "Number of blocks behind the L1 safe head",
	})

	depositorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "op_deposit_indexer_errors_total",
		Help: "Total number of depositor errors by type",
	}, []string{"error_type"})

	depositsImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "op_deposit_indexer_deposits_imported_total",
		Help: "Total number of deposits imported",
	}, []string{"mode"})
)

// RPCClient is the L1 JSON-RPC collaborator required by the worker (spec.md §6).
type RPCClient interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SafeHead(ctx context.Context) (uint64, error)
	BlockTimestamps(ctx context.Context, blockNumbers []uint64) (map[uint64]uint64, error)
	NewFilter(ctx context.Context, query ethereum.FilterQuery) (string, error)
	FilterChanges(ctx context.Context, filterID string) ([]types.Log, error)
	UninstallFilter(ctx context.Context, filterID string) error
}

// DepositStore is the relational persistence collaborator required by the worker
// (spec.md §6).
type DepositStore interface {
	UpsertDeposits(ctx context.Context, deposits []models.Deposit) error
	DeleteDepositsByL1Blocks(ctx context.Context, blocks []uint64) (int64, error)
	LastDepositL1Block(ctx context.Context) (uint64, string, error)
}

// Broadcaster is the pub/sub collaborator required by the worker (spec.md §6).
type Broadcaster interface {
	PublishDeposits(ctx context.Context, deposits []models.Deposit) error
}

// FilterLeaseStore optionally persists the currently-installed filter id so a
// restart can seed an optimistic first eth_getFilterChanges attempt against the
// previously-installed filter before paying for a fresh eth_newFilter round trip
// (spec.md §9 supplemented feature).
type FilterLeaseStore interface {
	Save(serviceName string, lease models.FilterLease) error
	Get(serviceName string) (*models.FilterLease, error)
}

// Config holds the worker's initial state, produced by the bootstrapper
// (spec.md §4.1).
type Config struct {
	ServiceName     string
	OptimismPortal  common.Address
	StartBlock      uint64
	FromBlock       uint64
	SafeBlock       uint64
	BatchSize       uint64
	TransactionType byte
}

// Worker is the core ingestion state machine (spec.md §2-§5).
type Worker struct {
	logger      zerolog.Logger
	chain       RPCClient
	store       DepositStore
	broadcaster Broadcaster
	reconciler  *reorg.Reconciler
	leaseStore  FilterLeaseStore

	serviceName     string
	optimismPortal  common.Address
	batchSize       uint64
	transactionType byte

	mu            sync.RWMutex
	mode          models.Mode
	startBlock    uint64
	fromBlock     uint64
	safeBlock     uint64
	filterID      string
	checkInterval time.Duration
	healthy       bool
}

// New constructs a Worker from bootstrapper-derived initial state.
func New(logger zerolog.Logger, chain RPCClient, store DepositStore, bc Broadcaster, leaseStore FilterLeaseStore, cfg Config) *Worker {
	mode := models.ModeCatchUp
	if cfg.FromBlock > cfg.SafeBlock {
		mode = models.ModeRealtime
	}

	w := &Worker{
		logger:          logger.With().Str("component", "depositor").Logger(),
		chain:           chain,
		store:           store,
		broadcaster:     bc,
		leaseStore:      leaseStore,
		serviceName:     cfg.ServiceName,
		optimismPortal:  cfg.OptimismPortal,
		batchSize:       cfg.BatchSize,
		transactionType: cfg.TransactionType,
		mode:            mode,
		startBlock:      cfg.StartBlock,
		fromBlock:       cfg.FromBlock,
		safeBlock:       cfg.SafeBlock,
		checkInterval:   defaultCheckInterval,
		healthy:         true,
	}
	w.reconciler = reorg.New(store, logger)
	return w
}

// Start runs the worker until ctx is canceled, entering catch-up or realtime mode
// per the bootstrapper's initial state (spec.md §4.1 resume policy).
func (w *Worker) Start(ctx context.Context) error {
	w.mu.RLock()
	mode := w.mode
	w.mu.RUnlock()

	w.logger.Info().Str("mode", string(mode)).Msg("starting depositor")

	if mode == models.ModeRealtime {
		return w.enterRealtime(ctx)
	}
	return w.runCatchUp(ctx)
}

// Status is a point-in-time snapshot of worker state for health/metrics endpoints.
type Status struct {
	Mode      models.Mode
	FromBlock uint64
	SafeBlock uint64
	Healthy   bool
}

// Status returns a thread-safe snapshot of the worker's current state.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{Mode: w.mode, FromBlock: w.fromBlock, SafeBlock: w.safeBlock, Healthy: w.healthy}
}

// Healthy reports whether the last sync cycle completed successfully.
func (w *Worker) Healthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthy
}

func (w *Worker) setHealthy(v bool) {
	w.mu.Lock()
	w.healthy = v
	w.mu.Unlock()
}

// runCatchUp pulls logs in [from, min(from+batch, safe)] windows until the safe
// head is reached, then signals the mode transition to realtime (spec.md §4.2).
func (w *Worker) runCatchUp(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.mu.RLock()
		from, safe, batch := w.fromBlock, w.safeBlock, w.batchSize
		w.mu.RUnlock()

		if from > safe {
			return w.enterRealtime(ctx)
		}

		to := from + batch
		if to > safe {
			to = safe
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.optimismPortal},
			Topics:    [][]common.Hash{{deriver.EventSig}},
		}

		logs, err := w.chain.FilterLogs(ctx, query)
		if err != nil {
			depositorErrors.WithLabelValues("get_logs").Inc()
			w.logger.Error().Err(err).Uint64("from", from).Uint64("to", to).Msg("failed to fetch logs, rescheduling")
			w.setHealthy(false)
			if w.sleepOrDone(ctx, retryInterval) {
				return ctx.Err()
			}
			continue
		}

		// getLogs never returns removed=true entries; only filter polling does.
		if err := w.deriveAndImport(ctx, logs, "catch_up"); err != nil {
			depositorErrors.WithLabelValues("import_batch").Inc()
			w.logger.Error().Err(err).Uint64("from", from).Uint64("to", to).Msg("failed to import batch, rescheduling")
			w.setHealthy(false)
			if w.sleepOrDone(ctx, retryInterval) {
				return ctx.Err()
			}
			continue
		}

		w.mu.Lock()
		w.fromBlock = to + 1
		w.mu.Unlock()
		w.setHealthy(true)
		depositorHeight.Set(float64(to + 1))
		blocksBehind.Set(float64(safe - to))

		w.logger.Info().Uint64("processed_to", to).Uint64("safe", safe).Int("logs", len(logs)).Msg("processed catch-up batch")

		if to == safe {
			return w.enterRealtime(ctx)
		}
	}
}

// enterRealtime re-reads the safe head and either installs a filter and switches to
// realtime mode, or discovers the worker has fallen behind and returns to catch-up
// with the refreshed safe head (spec.md §4.3 Entry, §8 S6). Retries in place (rather
// than recursing) so a sustained RPC outage reschedules indefinitely without growing
// the call stack.
func (w *Worker) enterRealtime(ctx context.Context) error {
	var newSafe uint64
	for {
		var err error
		newSafe, err = w.chain.SafeHead(ctx)
		if err == nil {
			break
		}
		depositorErrors.WithLabelValues("safe_head").Inc()
		w.logger.Error().Err(err).Msg("failed to refresh safe head, rescheduling")
		if w.sleepOrDone(ctx, retryInterval) {
			return ctx.Err()
		}
	}
	l1SafeHead.Set(float64(newSafe))

	w.mu.RLock()
	safeBlock, fromBlock, batch := w.safeBlock, w.fromBlock, w.batchSize
	w.mu.RUnlock()

	if newSafe-safeBlock+1 > batch {
		w.logger.Warn().
			Uint64("new_safe", newSafe).
			Uint64("safe", safeBlock).
			Msg("fell behind during mode switch, remaining in catch-up")
		w.mu.Lock()
		w.safeBlock = newSafe
		w.mode = models.ModeCatchUp
		w.mu.Unlock()
		return w.runCatchUp(ctx)
	}

	from := fromBlock
	if safeBlock > from {
		from = safeBlock
	}

	gapQuery := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   nil, // nil means "latest"
		Addresses: []common.Address{w.optimismPortal},
		Topics:    [][]common.Hash{{deriver.EventSig}},
	}

	var gapLogs []types.Log
	for {
		var err error
		gapLogs, err = w.chain.FilterLogs(ctx, gapQuery)
		if err == nil {
			break
		}
		depositorErrors.WithLabelValues("get_logs").Inc()
		w.logger.Error().Err(err).Msg("failed to fetch gap logs, rescheduling")
		if w.sleepOrDone(ctx, retryInterval) {
			return ctx.Err()
		}
	}

	// Optimistically try the previously-leased filter before paying for a fresh
	// eth_newFilter round trip (spec.md §9). Any logs it turns up are merged into
	// gapLogs; UpsertDeposits' ON CONFLICT DO NOTHING makes overlap with the
	// eth_getLogs gap fetch above harmless.
	var filterID string
	if w.leaseStore != nil {
		if lease, err := w.leaseStore.Get(w.serviceName); err == nil && lease != nil && lease.FilterID != "" {
			if leaseLogs, err := w.chain.FilterChanges(ctx, lease.FilterID); err == nil {
				// Filter polling can report removed logs; reconcile them before import.
				if survivors, err := w.reconciler.Process(ctx, leaseLogs); err == nil {
					filterID = lease.FilterID
					gapLogs = append(gapLogs, survivors...)
					w.logger.Info().Str("filter_id", filterID).Msg("reused leased filter after restart")
				}
			}
		}
	}

	if filterID == "" {
		for {
			var err error
			filterID, err = w.chain.NewFilter(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   nil,
				Addresses: []common.Address{w.optimismPortal},
				Topics:    [][]common.Hash{{deriver.EventSig}},
			})
			if err == nil {
				break
			}
			depositorErrors.WithLabelValues("new_filter").Inc()
			w.logger.Error().Err(err).Msg("failed to install filter, rescheduling")
			if w.sleepOrDone(ctx, retryInterval) {
				return ctx.Err()
			}
		}
	}

	// Observe L1 cadence from the safe head and its parent block.
	checkInterval := defaultCheckInterval
	if newSafe > 0 {
		if ts, err := w.chain.BlockTimestamps(ctx, []uint64{newSafe - 1, newSafe}); err == nil {
			prev, okPrev := ts[newSafe-1]
			cur, okCur := ts[newSafe]
			if okPrev && okCur && cur > prev {
				checkInterval = time.Duration(cur-prev) * time.Second
			}
		}
	}

	w.mu.Lock()
	w.mode = models.ModeRealtime
	w.filterID = filterID
	w.fromBlock = from
	w.safeBlock = newSafe
	w.checkInterval = checkInterval
	w.mu.Unlock()

	if w.leaseStore != nil {
		if err := w.leaseStore.Save(w.serviceName, models.FilterLease{ServiceName: w.serviceName, FilterID: filterID, FromBlock: from}); err != nil {
			w.logger.Warn().Err(err).Msg("failed to persist filter lease")
		}
	}

	w.logger.Info().Str("filter_id", filterID).Uint64("from", from).Msg("entered realtime mode")

	if err := w.deriveAndImport(ctx, gapLogs, "realtime"); err != nil {
		depositorErrors.WithLabelValues("import_batch").Inc()
		w.logger.Error().Err(err).Msg("failed to import gap logs")
	}

	return w.runRealtime(ctx)
}

// runRealtime polls the installed filter at the configured interval, applying reorg
// reconciliation before deriving and importing surviving logs (spec.md §4.3 Poll loop).
func (w *Worker) runRealtime(ctx context.Context) error {
	w.mu.RLock()
	interval := w.checkInterval
	w.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.uninstallFilter()
			return ctx.Err()
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				depositorErrors.WithLabelValues("poll_filter").Inc()
				w.logger.Error().Err(err).Msg("filter poll failed, scheduling rebuild")
				w.setHealthy(false)
				if w.sleepOrDone(ctx, retryInterval) {
					w.uninstallFilter()
					return ctx.Err()
				}
				for {
					err := w.rebuildFilter(ctx)
					if err == nil {
						break
					}
					w.logger.Error().Err(err).Msg("filter rebuild failed, rescheduling")
					if w.sleepOrDone(ctx, retryInterval) {
						w.uninstallFilter()
						return ctx.Err()
					}
				}
				continue
			}
			w.setHealthy(true)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	w.mu.RLock()
	filterID := w.filterID
	w.mu.RUnlock()

	logs, err := w.chain.FilterChanges(ctx, filterID)
	if err != nil {
		return fmt.Errorf("filter %s: %w", filterID, err)
	}

	survivors, err := w.reconciler.Process(ctx, logs)
	if err != nil {
		return fmt.Errorf("reorg reconciliation: %w", err)
	}

	if err := w.deriveAndImport(ctx, survivors, "realtime"); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if len(survivors) > 0 {
		maxBlock := survivors[0].BlockNumber
		for _, l := range survivors {
			if l.BlockNumber > maxBlock {
				maxBlock = l.BlockNumber
			}
		}
		w.mu.Lock()
		if maxBlock >= w.fromBlock {
			w.fromBlock = maxBlock + 1
		}
		w.mu.Unlock()
		depositorHeight.Set(float64(maxBlock + 1))
	}

	return nil
}

// rebuildFilter is the single path by which a lost filter is recovered (spec.md §4.3
// Filter rebuild, §8 S5). It always re-derives the resume point from the store, never
// from in-memory state.
func (w *Worker) rebuildFilter(ctx context.Context) error {
	last, _, err := w.store.LastDepositL1Block(ctx)
	if err != nil {
		depositorErrors.WithLabelValues("rebuild_filter").Inc()
		return fmt.Errorf("failed to read last indexed block for filter rebuild: %w", err)
	}

	from := last + 1
	if last == 0 {
		w.mu.RLock()
		from = w.startBlock
		w.mu.RUnlock()
	}

	filterID, err := w.chain.NewFilter(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   nil,
		Addresses: []common.Address{w.optimismPortal},
		Topics:    [][]common.Hash{{deriver.EventSig}},
	})
	if err != nil {
		depositorErrors.WithLabelValues("rebuild_filter").Inc()
		return fmt.Errorf("failed to install replacement filter: %w", err)
	}

	w.mu.Lock()
	w.filterID = filterID
	w.fromBlock = from
	w.mu.Unlock()

	if w.leaseStore != nil {
		if err := w.leaseStore.Save(w.serviceName, models.FilterLease{ServiceName: w.serviceName, FilterID: filterID, FromBlock: from}); err != nil {
			w.logger.Warn().Err(err).Msg("failed to persist filter lease")
		}
	}

	w.logger.Info().Str("filter_id", filterID).Uint64("from", from).Msg("rebuilt filter")
	return nil
}

func (w *Worker) uninstallFilter() {
	w.mu.RLock()
	filterID := w.filterID
	w.mu.RUnlock()
	if filterID == "" {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.chain.UninstallFilter(shutdownCtx, filterID); err != nil {
		w.logger.Warn().Err(err).Str("filter_id", filterID).Msg("failed to uninstall filter on shutdown")
	}
}

// deriveAndImport derives deposit records from logs, looks up block timestamps,
// persists the batch, and broadcasts best-effort (spec.md §4.2 steps 3-5, §4.4).
func (w *Worker) deriveAndImport(ctx context.Context, logs []types.Log, mode string) error {
	if len(logs) == 0 {
		return nil
	}

	deposits := make([]models.Deposit, 0, len(logs))
	blockSet := make(map[uint64]struct{})

	for _, log := range logs {
		result, err := deriver.FromLog(log, w.transactionType)
		if err != nil {
			return fmt.Errorf("failed to derive deposit for tx %s log %d: %w", log.TxHash.Hex(), log.Index, err)
		}

		deposits = append(deposits, models.Deposit{
			L1BlockNumber:       log.BlockNumber,
			L1TransactionHash:   log.TxHash.Hex(),
			L1TransactionOrigin: result.From.Hex(),
			L2TransactionHash:   result.L2TxHash.Hex(),
		})
		blockSet[log.BlockNumber] = struct{}{}
	}

	blockNumbers := make([]uint64, 0, len(blockSet))
	for b := range blockSet {
		blockNumbers = append(blockNumbers, b)
	}

	timestamps, err := w.chain.BlockTimestamps(ctx, blockNumbers)
	if err != nil {
		// Degraded per spec.md §7: timestamps are stored as null, deposit still imported.
		w.logger.Warn().Err(err).Msg("failed to fetch block timestamps, storing null")
		timestamps = map[uint64]uint64{}
	}
	for i := range deposits {
		if ts, ok := timestamps[deposits[i].L1BlockNumber]; ok {
			tsCopy := ts
			deposits[i].L1BlockTimestamp = &tsCopy
		}
	}

	if err := w.store.UpsertDeposits(ctx, deposits); err != nil {
		return fmt.Errorf("failed to upsert deposits: %w", err)
	}
	depositsImported.WithLabelValues(mode).Add(float64(len(deposits)))

	if err := w.broadcaster.PublishDeposits(ctx, deposits); err != nil {
		// Best-effort per spec.md §4.2 step 5 / §7: broadcast errors are ignored.
		w.logger.Warn().Err(err).Msg("failed to broadcast deposits")
	}

	return nil
}

// sleepOrDone waits for d or ctx cancellation, returning true if ctx was canceled.
func (w *Worker) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}
