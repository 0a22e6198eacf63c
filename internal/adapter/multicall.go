package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/ratelimit"
	"github.com/collection-scanner/internal/types"
)

// Multicall3Address is the canonical multicall aggregator, deployed at the
// same address on all major networks.
const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

// DefaultChunkSize caps the number of point-queries packed into one
// aggregated call.
const DefaultChunkSize = 500

const multicall3ABIJSON = `[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`

const ownerOfABIJSON = `[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"payable":false,"stateMutability":"view","type":"function"}]`

// multicall3Call mirrors the aggregator's Call3 tuple.
type multicall3Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// multicall3Result mirrors the aggregator's Result tuple.
type multicall3Result struct {
	Success    bool
	ReturnData []byte
}

// OwnershipReader answers "who owns token K" for many tokens at once by
// packing ownerOf point-queries into aggregated multicall requests.
type OwnershipReader struct {
	client       EthClient
	gateway      *ratelimit.Gateway
	multicall    common.Address
	chunkSize    int
	multicallABI abi.ABI
	ownerOfABI   abi.ABI
}

// OwnershipReaderConfig holds configuration for the ownership reader.
type OwnershipReaderConfig struct {
	// Client is the ledger client. Required.
	Client EthClient

	// Gateway paces the aggregated calls. Required.
	Gateway *ratelimit.Gateway

	// MulticallAddress overrides the aggregator address. Default:
	// Multicall3Address.
	MulticallAddress string

	// ChunkSize caps queries per aggregated call. Default: 500.
	ChunkSize int
}

// NewOwnershipReader creates a reader with the given configuration.
// Returns an error if the configuration is invalid.
func NewOwnershipReader(cfg *OwnershipReaderConfig) (*OwnershipReader, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, errors.New("chunk size cannot be negative")
	}

	multicallAddr := cfg.MulticallAddress
	if multicallAddr == "" {
		multicallAddr = Multicall3Address
	}
	if !common.IsHexAddress(multicallAddr) {
		return nil, fmt.Errorf("invalid multicall address: %s", multicallAddr)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	multicallABI, err := abi.JSON(strings.NewReader(multicall3ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse multicall ABI: %w", err)
	}
	ownerOfABI, err := abi.JSON(strings.NewReader(ownerOfABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ownerOf ABI: %w", err)
	}

	return &OwnershipReader{
		client:       cfg.Client,
		gateway:      cfg.Gateway,
		multicall:    common.HexToAddress(multicallAddr),
		chunkSize:    chunkSize,
		multicallABI: multicallABI,
		ownerOfABI:   ownerOfABI,
	}, nil
}

// BatchOwnerOf resolves the current owner of each token. The returned slice
// has one record per input token id, in input order. A token whose query
// failed, and every token in a chunk whose aggregated call failed, gets an
// empty Owner rather than an error; a single bad item never aborts the batch.
func (r *OwnershipReader) BatchOwnerOf(ctx context.Context, contractAddress string, tokenIDs []int64) ([]types.OwnershipRecord, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddress)
	}

	records := make([]types.OwnershipRecord, len(tokenIDs))
	for i, id := range tokenIDs {
		records[i] = types.OwnershipRecord{TokenID: id}
	}
	if len(tokenIDs) == 0 {
		return records, nil
	}

	contract := common.HexToAddress(contractAddress)
	log := logging.FromContext(ctx).WithField("component", "ownership_reader")

	for start := 0; start < len(tokenIDs); start += r.chunkSize {
		end := start + r.chunkSize
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		chunk := tokenIDs[start:end]

		owners, err := r.readChunk(ctx, contract, chunk)
		if err != nil {
			// Chunk-level failure degrades the whole chunk to unknown
			// owners instead of losing the response.
			log.WithError(err).Warnf("aggregated call failed for tokens %d-%d", chunk[0], chunk[len(chunk)-1])
			continue
		}
		for i, owner := range owners {
			records[start+i].Owner = owner
		}
	}

	return records, nil
}

// readChunk issues one aggregated call for a chunk of token ids and decodes
// the per-item results. Returned owners align with the chunk; failed items
// are empty strings.
func (r *OwnershipReader) readChunk(ctx context.Context, contract common.Address, tokenIDs []int64) ([]string, error) {
	calls := make([]multicall3Call, len(tokenIDs))
	for i, id := range tokenIDs {
		callData, err := r.ownerOfABI.Pack("ownerOf", big.NewInt(id))
		if err != nil {
			return nil, fmt.Errorf("failed to encode ownerOf(%d): %w", id, err)
		}
		calls[i] = multicall3Call{
			Target:       contract,
			AllowFailure: true,
			CallData:     callData,
		}
	}

	input, err := r.multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregate3: %w", err)
	}

	raw, err := r.gateway.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.client.CallContract(ctx, ethereum.CallMsg{
			To:   &r.multicall,
			Data: input,
		}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("aggregated call failed: %w", err)
	}

	output, ok := raw.([]byte)
	if !ok {
		return nil, errors.New("unexpected result type from gateway")
	}

	unpacked, err := r.multicallABI.Unpack("aggregate3", output)
	if err != nil {
		return nil, fmt.Errorf("failed to decode aggregate3 output: %w", err)
	}
	results := *abi.ConvertType(unpacked[0], new([]multicall3Result)).(*[]multicall3Result)
	if len(results) != len(tokenIDs) {
		return nil, fmt.Errorf("aggregated call returned %d results for %d queries", len(results), len(tokenIDs))
	}

	owners := make([]string, len(tokenIDs))
	for i, res := range results {
		if !res.Success || len(res.ReturnData) == 0 {
			continue
		}
		decoded, err := r.ownerOfABI.Unpack("ownerOf", res.ReturnData)
		if err != nil {
			continue
		}
		owners[i] = NormalizeAddress(decoded[0].(common.Address).Hex())
	}
	return owners, nil
}
