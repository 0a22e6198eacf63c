package service

import (
	"context"
	"errors"
	"time"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/circuitbreaker"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// OwnerFetcher fetches the current owner of every token from an indexing
// API in one round trip.
type OwnerFetcher interface {
	FetchOwners(ctx context.Context, contractAddress string) (map[int64]string, error)
}

// IndexerSource derives a snapshot from pre-aggregated indexer data. It is
// tried before the full ledger reconciliation because it costs one HTTP
// round trip instead of thousands of RPC calls. A circuit breaker skips the
// tier quickly while the API is down.
type IndexerSource struct {
	fetcher    OwnerFetcher
	breaker    *circuitbreaker.CircuitBreaker
	contract   string
	custodian  string
	totalCount int
	now        func() time.Time
}

// IndexerSourceConfig holds configuration for the indexer source.
type IndexerSourceConfig struct {
	// Fetcher is the indexing API client. Required.
	Fetcher OwnerFetcher

	// Breaker guards the tier. Optional; nil creates a default breaker.
	Breaker *circuitbreaker.CircuitBreaker

	// ContractAddress is the collection contract. Required.
	ContractAddress string

	// CustodianAddress is the marketplace custodian. Required.
	CustodianAddress string

	// TotalCount is the collection size. Required.
	TotalCount int

	// Now overrides the clock for tests.
	Now func() time.Time
}

// NewIndexerSource creates a source with the given configuration.
// Returns an error if the configuration is invalid.
func NewIndexerSource(cfg *IndexerSourceConfig) (*IndexerSource, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("owner fetcher is required")
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

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New(&circuitbreaker.Config{Name: "indexer"})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &IndexerSource{
		fetcher:    cfg.Fetcher,
		breaker:    breaker,
		contract:   cfg.ContractAddress,
		custodian:  cfg.CustodianAddress,
		totalCount: cfg.TotalCount,
		now:        now,
	}, nil
}

// Name identifies the tier in logs.
func (s *IndexerSource) Name() string { return "indexer" }

// FetchStatus builds a snapshot from current ownership as the indexer sees
// it: a token held by the custodian is ACTIVE, anything else is SOLD.
// Tokens the indexer does not know about stay ACTIVE.
func (s *IndexerSource) FetchStatus(ctx context.Context) (*types.StatusSnapshot, error) {
	var owners map[int64]string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		owners, err = s.fetcher.FetchOwners(ctx, s.contract)
		return err
	})
	if err != nil {
		return nil, err
	}

	statuses := make(map[int64]types.TokenStatus, s.totalCount)
	soldCount := 0
	for id := int64(0); id < int64(s.totalCount); id++ {
		owner, ok := owners[id]
		if !ok || adapter.SameAddress(owner, s.custodian) {
			statuses[id] = types.StatusActive
			continue
		}
		statuses[id] = types.StatusSold
		soldCount++
	}

	liveCount := s.totalCount - soldCount
	if liveCount < 0 {
		liveCount = 0
	}

	snapshot := &types.StatusSnapshot{
		TotalCount: s.totalCount,
		LiveCount:  liveCount,
		SoldCount:  soldCount,
		Statuses:   statuses,
		CapturedAt: s.now(),
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "indexer_source",
		"liveCount": snapshot.LiveCount,
		"soldCount": snapshot.SoldCount,
	}).Info("status snapshot computed from indexer")

	return snapshot, nil
}
