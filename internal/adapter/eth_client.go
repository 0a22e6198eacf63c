// Package adapter talks to the ledger: batched ownership reads through the
// multicall aggregator, transfer event scanning, and the optional indexing
// API tier. All outbound RPC goes through the ratelimit gateway.
package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is the subset of the go-ethereum client used by this package.
// It is an interface so tests can substitute a fake.
type EthClient interface {
	// CallContract executes a read-only contract call.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// FilterLogs returns logs matching the query.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)

	// HeaderByNumber returns a block header. Nil number means latest.
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rawURL string) (EthClient, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	return client, nil
}

// IsValidAddress reports whether s is a well-formed hex address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress lowercases a hex address so addresses from different
// sources compare equal.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
