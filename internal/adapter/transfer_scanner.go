package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/ratelimit"
	"github.com/collection-scanner/internal/types"
)

// DefaultScanStep is the initial block-range width per log query. Providers
// reject ranges with too many results, so the scanner halves the step until
// queries succeed.
const DefaultScanStep = uint64(1_000_000)

// transferTopic is the ERC-721 Transfer(address,address,uint256) event
// signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferScanner retrieves the complete transfer history of a collection
// contract. Failure to retrieve history is a hard error; the scanner never
// substitutes a guess for missing events.
type TransferScanner struct {
	client     EthClient
	gateway    *ratelimit.Gateway
	startBlock uint64
	scanStep   uint64
}

// TransferScannerConfig holds configuration for the transfer scanner.
type TransferScannerConfig struct {
	// Client is the ledger client. Required.
	Client EthClient

	// Gateway paces the log queries. Required.
	Gateway *ratelimit.Gateway

	// StartBlock is the collection deploy block; scanning below it only
	// wastes queries. Default: 0.
	StartBlock uint64

	// ScanStep is the initial block-range width. Default: 1M blocks.
	ScanStep uint64
}

// NewTransferScanner creates a scanner with the given configuration.
// Returns an error if the configuration is invalid.
func NewTransferScanner(cfg *TransferScannerConfig) (*TransferScanner, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}

	scanStep := cfg.ScanStep
	if scanStep == 0 {
		scanStep = DefaultScanStep
	}

	return &TransferScanner{
		client:     cfg.Client,
		gateway:    cfg.Gateway,
		startBlock: cfg.StartBlock,
		scanStep:   scanStep,
	}, nil
}

// ScanTransfers returns every transfer event the collection contract has
// ever emitted, ordered by block, transaction index, then log index.
func (s *TransferScanner) ScanTransfers(ctx context.Context, contractAddress string) ([]types.TransferEvent, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddress)
	}
	contract := common.HexToAddress(contractAddress)
	log := logging.FromContext(ctx).WithField("component", "transfer_scanner")

	raw, err := s.gateway.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	latest := raw.(*ethtypes.Header).Number.Uint64()

	var events []types.TransferEvent
	from := s.startBlock
	step := s.scanStep

	for from <= latest {
		to := from + step - 1
		if to > latest {
			to = latest
		}

		logs, err := s.filterRange(ctx, contract, from, to)
		if err != nil {
			if !isTooManyResultsError(err) {
				return nil, fmt.Errorf("failed to get logs for range %d-%d: %w", from, to, err)
			}
			// Provider refused the range size. Halve and retry the same
			// starting block.
			if step <= 1 {
				return nil, fmt.Errorf("log query failed at minimum range %d-%d: %w", from, to, err)
			}
			step /= 2
			log.Warnf("too many results for range %d-%d, reducing step to %d blocks", from, to, step)
			continue
		}

		for _, l := range logs {
			ev, ok := parseTransferLog(l)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
		from = to + 1
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Before(&events[j])
	})
	return events, nil
}

// filterRange issues one rate-limited log query for a block range.
func (s *TransferScanner) filterRange(ctx context.Context, contract common.Address, from, to uint64) ([]ethtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{transferTopic}},
	}

	raw, err := s.gateway.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return raw.([]ethtypes.Log), nil
}

// parseTransferLog decodes an ERC-721 Transfer log. ERC-20 transfers share
// the topic but carry only two indexed arguments, so those are skipped.
func parseTransferLog(l ethtypes.Log) (types.TransferEvent, bool) {
	if len(l.Topics) != 4 || l.Topics[0] != transferTopic {
		return types.TransferEvent{}, false
	}
	return types.TransferEvent{
		From:        NormalizeAddress(common.HexToAddress(l.Topics[1].Hex()).Hex()),
		To:          NormalizeAddress(common.HexToAddress(l.Topics[2].Hex()).Hex()),
		TokenID:     l.Topics[3].Big().Int64(),
		BlockNumber: l.BlockNumber,
		TxIndex:     l.TxIndex,
		LogIndex:    l.Index,
	}, true
}

// isTooManyResultsError checks if the error is a provider refusing an
// oversized log range.
func isTooManyResultsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "query returned more than 10000 results") ||
		strings.Contains(errStr, "query timeout exceeded") ||
		strings.Contains(errStr, "too many results") ||
		strings.Contains(errStr, "exceeded maximum")
}

// TransferHistory is the fold of a collection's transfer events: the last
// destination of every token and whether it ever left the custodian.
type TransferHistory struct {
	// LastDestination maps token id to the destination of its most recent
	// transfer.
	LastDestination map[int64]string

	// EverLeftCustodian marks tokens that were ever transferred to an
	// address other than the null address or the custodian. History alone
	// never clears the flag; only a live ownership check can.
	EverLeftCustodian map[int64]bool
}

// FoldTransfers reduces ordered transfer events to per-token history state.
func FoldTransfers(events []types.TransferEvent, custodianAddress string) *TransferHistory {
	h := &TransferHistory{
		LastDestination:   make(map[int64]string),
		EverLeftCustodian: make(map[int64]bool),
	}
	for i := range events {
		ev := &events[i]
		h.LastDestination[ev.TokenID] = ev.To
		if ev.To != types.ZeroAddress && !SameAddress(ev.To, custodianAddress) {
			h.EverLeftCustodian[ev.TokenID] = true
		}
	}
	return h
}
