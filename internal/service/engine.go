// Package service holds the status resolution logic: reconciling transfer
// history with live ownership reads, and the alternative indexer-backed
// source. Sources are tried in order by the snapshot cache.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// StatusSource produces a full status snapshot from one data-source tier.
// An error means the tier is unavailable and the caller should fall through
// to the next tier.
type StatusSource interface {
	Name() string
	FetchStatus(ctx context.Context) (*types.StatusSnapshot, error)
}

// TransferScanner retrieves a collection's complete transfer history.
type TransferScanner interface {
	ScanTransfers(ctx context.Context, contractAddress string) ([]types.TransferEvent, error)
}

// OwnershipReader resolves current owners for a set of tokens.
type OwnershipReader interface {
	BatchOwnerOf(ctx context.Context, contractAddress string, tokenIDs []int64) ([]types.OwnershipRecord, error)
}

// StatusEngine derives the authoritative ACTIVE/SOLD map from the ledger.
// History marks tokens that ever left the custodian; a live ownership
// re-check of exactly those tokens then resolves relistings, where the
// custodian has taken a previously sold token back.
type StatusEngine struct {
	scanner    TransferScanner
	reader     OwnershipReader
	contract   string
	custodian  string
	totalCount int
	now        func() time.Time
}

// StatusEngineConfig holds configuration for the status engine.
type StatusEngineConfig struct {
	// Scanner retrieves transfer history. Required.
	Scanner TransferScanner

	// Reader resolves current ownership. Required.
	Reader OwnershipReader

	// ContractAddress is the collection contract. Required.
	ContractAddress string

	// CustodianAddress is the marketplace custodian. Required.
	CustodianAddress string

	// TotalCount is the collection size; token ids run 0..TotalCount-1.
	// Required.
	TotalCount int

	// Now overrides the clock for tests.
	Now func() time.Time
}

// NewStatusEngine creates an engine with the given configuration.
// Returns an error if the configuration is invalid.
func NewStatusEngine(cfg *StatusEngineConfig) (*StatusEngine, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Scanner == nil {
		return nil, errors.New("transfer scanner is required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("ownership reader is required")
	}
	if cfg.ContractAddress == "" {
		return nil, errors.New("contract address is required")
	}
	if cfg.CustodianAddress == "" {
		return nil, errors.New("custodian address is required")
	}
	if cfg.TotalCount <= 0 {
		return nil, errors.New("total count must be positive")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &StatusEngine{
		scanner:    cfg.Scanner,
		reader:     cfg.Reader,
		contract:   cfg.ContractAddress,
		custodian:  cfg.CustodianAddress,
		totalCount: cfg.TotalCount,
		now:        now,
	}, nil
}

// Name identifies the tier in logs.
func (e *StatusEngine) Name() string { return "ledger" }

// FetchStatus satisfies StatusSource.
func (e *StatusEngine) FetchStatus(ctx context.Context) (*types.StatusSnapshot, error) {
	return e.ComputeStatus(ctx)
}

// ComputeStatus builds a status snapshot from scratch. A failed history scan
// is a hard error; the engine never synthesizes an all-ACTIVE result, that
// policy belongs to the cache layer. A failed live re-check degrades to the
// last-known destination from history for the affected tokens only.
func (e *StatusEngine) ComputeStatus(ctx context.Context) (*types.StatusSnapshot, error) {
	log := logging.FromContext(ctx).WithField("component", "status_engine")

	events, err := e.scanner.ScanTransfers(ctx, e.contract)
	if err != nil {
		return nil, fmt.Errorf("transfer scan failed: %w", err)
	}

	history := adapter.FoldTransfers(events, e.custodian)

	everSold := make([]int64, 0, len(history.EverLeftCustodian))
	for id := int64(0); id < int64(e.totalCount); id++ {
		if history.EverLeftCustodian[id] {
			everSold = append(everSold, id)
		}
	}

	// Live re-check of the ambiguous tokens. A whole-call failure falls
	// back to history for all of them rather than aborting.
	liveOwners := make(map[int64]string, len(everSold))
	if len(everSold) > 0 {
		records, err := e.reader.BatchOwnerOf(ctx, e.contract, everSold)
		if err != nil {
			log.WithError(err).Warn("live ownership re-check failed, using last known destinations")
		} else {
			for _, rec := range records {
				if rec.Owner != "" {
					liveOwners[rec.TokenID] = rec.Owner
				}
			}
		}
	}

	statuses := make(map[int64]types.TokenStatus, e.totalCount)
	soldCount := 0
	for id := int64(0); id < int64(e.totalCount); id++ {
		if !history.EverLeftCustodian[id] {
			statuses[id] = types.StatusActive
			continue
		}
		owner, ok := liveOwners[id]
		if !ok {
			owner = history.LastDestination[id]
		}
		if adapter.SameAddress(owner, e.custodian) {
			statuses[id] = types.StatusActive
		} else {
			statuses[id] = types.StatusSold
			soldCount++
		}
	}

	liveCount := e.totalCount - soldCount
	if liveCount < 0 {
		liveCount = 0
	}

	snapshot := &types.StatusSnapshot{
		TotalCount: e.totalCount,
		LiveCount:  liveCount,
		SoldCount:  soldCount,
		Statuses:   statuses,
		CapturedAt: e.now(),
	}

	log.WithFields(map[string]interface{}{
		"totalCount": snapshot.TotalCount,
		"liveCount":  snapshot.LiveCount,
		"soldCount":  snapshot.SoldCount,
		"events":     len(events),
	}).Info("status snapshot computed from ledger")

	return snapshot, nil
}
