// Package types provides common type definitions for the collection status scanner.
package types

import (
	"fmt"
	"time"
)

// TokenStatus represents the derived availability state of a single token.
type TokenStatus string

const (
	// StatusActive means the token is held by the issuer or the marketplace
	// custodian address (available or re-listed).
	StatusActive TokenStatus = "active"
	// StatusSold means the token is held by any other address.
	StatusSold TokenStatus = "sold"
)

// ZeroAddress is the null/burn address; transfers to it never count as sales.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TransferEvent is one ledger-recorded change of custody for one token.
// Events are immutable and totally ordered by emission order
// (block, transaction index, log index).
type TransferEvent struct {
	From        string `json:"from"`
	To          string `json:"to"`
	TokenID     int64  `json:"tokenId"`
	BlockNumber uint64 `json:"blockNumber"`
	TxIndex     uint   `json:"txIndex"`
	LogIndex    uint   `json:"logIndex"`
}

// Before reports whether e was emitted before other in ledger order.
func (e *TransferEvent) Before(other *TransferEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	if e.TxIndex != other.TxIndex {
		return e.TxIndex < other.TxIndex
	}
	return e.LogIndex < other.LogIndex
}

// OwnershipRecord is a live read of current custody for one token.
// An empty Owner means the read failed or returned no data.
type OwnershipRecord struct {
	TokenID int64  `json:"tokenId"`
	Owner   string `json:"owner"`
}

// StatusSnapshot is a complete, consistent point-in-time status map for the
// whole collection. Snapshots are created whole by a reconciliation run and
// superseded, never patched field-by-field.
type StatusSnapshot struct {
	TotalCount int                   `json:"totalCount"`
	LiveCount  int                   `json:"liveCount"`
	SoldCount  int                   `json:"soldCount"`
	Statuses   map[int64]TokenStatus `json:"statusByTokenId"`
	CapturedAt time.Time             `json:"capturedAt"`

	// ServedFromCache is set on copies handed to callers when the snapshot
	// came from the cache slot rather than a recompute in this request.
	ServedFromCache bool `json:"servedFromCache,omitempty"`

	// ServedStale is set on copies handed to callers when the snapshot was
	// served past its freshness window because recomputation failed.
	ServedStale bool `json:"servedStale,omitempty"`
}

// NewOptimisticSnapshot builds the documented conservative default: every
// token ACTIVE, soldCount zero. Used when no cache exists and every data
// tier failed; downstream consumers cannot render an error state for a
// catalog of thousands of items.
func NewOptimisticSnapshot(totalCount int, now time.Time) *StatusSnapshot {
	statuses := make(map[int64]TokenStatus, totalCount)
	for id := int64(0); id < int64(totalCount); id++ {
		statuses[id] = StatusActive
	}
	return &StatusSnapshot{
		TotalCount: totalCount,
		LiveCount:  totalCount,
		SoldCount:  0,
		Statuses:   statuses,
		CapturedAt: now,
	}
}

// Copy returns a deep copy of the snapshot. Readers always receive copies,
// never the cache-owned original.
func (s *StatusSnapshot) Copy() *StatusSnapshot {
	if s == nil {
		return nil
	}
	statuses := make(map[int64]TokenStatus, len(s.Statuses))
	for id, st := range s.Statuses {
		statuses[id] = st
	}
	return &StatusSnapshot{
		TotalCount:      s.TotalCount,
		LiveCount:       s.LiveCount,
		SoldCount:       s.SoldCount,
		Statuses:        statuses,
		CapturedAt:      s.CapturedAt,
		ServedFromCache: s.ServedFromCache,
		ServedStale:     s.ServedStale,
	}
}

// Validate checks the snapshot invariants: counts add up and every token in
// 0..TotalCount-1 has exactly one entry.
func (s *StatusSnapshot) Validate() error {
	if s.LiveCount+s.SoldCount != s.TotalCount {
		return fmt.Errorf("count mismatch: live=%d + sold=%d != total=%d",
			s.LiveCount, s.SoldCount, s.TotalCount)
	}
	if len(s.Statuses) != s.TotalCount {
		return fmt.Errorf("status map has %d entries, want %d", len(s.Statuses), s.TotalCount)
	}
	for id := int64(0); id < int64(s.TotalCount); id++ {
		if _, ok := s.Statuses[id]; !ok {
			return fmt.Errorf("missing status for token %d", id)
		}
	}
	return nil
}

// Age returns how long ago the snapshot was captured.
func (s *StatusSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
