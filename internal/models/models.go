// Package models defines the shared data structures for the deposit indexer.
package models

import "time"

// Mode identifies which half of the ingestion state machine the worker is in.
type Mode string

const (
	// ModeCatchUp pulls bounded [from, to] log windows up to the safe head.
	ModeCatchUp Mode = "catch_up"
	// ModeRealtime polls an installed L1 log filter.
	ModeRealtime Mode = "realtime"
)

// Deposit is a persisted L1->L2 deposit record. Field names follow spec.md §3.
type Deposit struct {
	L1BlockNumber      uint64
	L1BlockTimestamp   *uint64 // nil if the timestamp RPC lookup failed
	L1TransactionHash  string  // 0x-prefixed, 32 bytes
	L1TransactionOrigin string // 0x-prefixed, 20 bytes (the indexed `from` topic)
	L2TransactionHash  string  // 0x-prefixed, 32 bytes, derived
}

// FilterLease is the filter-lease hint persisted locally across restarts. It is never
// the resume-point source of truth (that's always the store's last indexed block).
type FilterLease struct {
	ServiceName string    `json:"service_name"`
	FilterID    string    `json:"filter_id"`
	FromBlock   uint64    `json:"from_block"`
	UpdatedAt   time.Time `json:"updated_at"`
}
