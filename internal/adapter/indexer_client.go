package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/retry"
)

// DefaultIndexerTimeout bounds one indexing API request.
const DefaultIndexerTimeout = 15 * time.Second

// IndexerClient fetches pre-aggregated ownership for a whole collection from
// an NFT indexing API (Alchemy-style getOwnersForContract) in one round
// trip, avoiding thousands of per-token ledger calls.
type IndexerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   *retry.Config
}

// IndexerClientConfig holds configuration for the indexer client.
type IndexerClientConfig struct {
	// BaseURL is the API root, e.g. https://eth-mainnet.g.alchemy.com/nft/v3.
	// Required.
	BaseURL string

	// APIKey is appended to the request path. Required.
	APIKey string

	// Timeout bounds one HTTP request. Default: 15s.
	Timeout time.Duration

	// Retry overrides the backoff policy. Default: retry.DefaultConfig.
	Retry *retry.Config
}

// ownersResponse mirrors the getOwnersForContract response shape.
type ownersResponse struct {
	Owners []ownerEntry `json:"owners"`
}

type ownerEntry struct {
	OwnerAddress  string         `json:"ownerAddress"`
	TokenBalances []tokenBalance `json:"tokenBalances"`
}

type tokenBalance struct {
	TokenID string `json:"tokenId"`
	Balance string `json:"balance"`
}

// NewIndexerClient creates a client with the given configuration.
// Returns an error if the configuration is invalid.
func NewIndexerClient(cfg *IndexerClientConfig) (*IndexerClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultIndexerTimeout
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}

	return &IndexerClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		retry:   retryCfg,
	}, nil
}

// FetchOwners returns the current owner of every token the indexer knows
// about for the contract, keyed by token id. Any non-success response or
// malformed body is an error; the caller falls through to direct ledger
// access.
func (c *IndexerClient) FetchOwners(ctx context.Context, contractAddress string) (map[int64]string, error) {
	endpoint := fmt.Sprintf("%s/%s/getOwnersForContract?contractAddress=%s&withTokenBalances=true",
		c.baseURL, c.apiKey, url.QueryEscape(contractAddress))

	log := logging.FromContext(ctx).WithField("component", "indexer_client")

	var body []byte
	err := retry.WithBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("indexer request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("indexer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	var parsed ownersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode indexer response: %w", err)
	}

	owners := make(map[int64]string)
	for _, entry := range parsed.Owners {
		owner := NormalizeAddress(entry.OwnerAddress)
		for _, tb := range entry.TokenBalances {
			id, err := parseTokenID(tb.TokenID)
			if err != nil {
				log.Warnf("skipping unparseable token id %q", tb.TokenID)
				continue
			}
			owners[id] = owner
		}
	}
	if len(owners) == 0 {
		return nil, errors.New("indexer returned no owners")
	}
	return owners, nil
}

// parseTokenID accepts both decimal and 0x-prefixed hex token ids.
func parseTokenID(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}
