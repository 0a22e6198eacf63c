package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/types"
)

const (
	testContract  = "0x059edd72cd353df5106d2b9cc5ab83a52287ac3a"
	testCustodian = "0x58807bad0b376efc12f5ad86aac70e78ed67deae"
	testBuyer     = "0x1111111111111111111111111111111111111111"
)

type fakeScanner struct {
	events []types.TransferEvent
	err    error
	calls  int
}

func (f *fakeScanner) ScanTransfers(ctx context.Context, contractAddress string) ([]types.TransferEvent, error) {
	f.calls++
	return f.events, f.err
}

type fakeReader struct {
	owners map[int64]string
	err    error
	calls  int
	asked  []int64
}

func (f *fakeReader) BatchOwnerOf(ctx context.Context, contractAddress string, tokenIDs []int64) ([]types.OwnershipRecord, error) {
	f.calls++
	f.asked = append([]int64(nil), tokenIDs...)
	if f.err != nil {
		return nil, f.err
	}
	records := make([]types.OwnershipRecord, len(tokenIDs))
	for i, id := range tokenIDs {
		records[i] = types.OwnershipRecord{TokenID: id, Owner: f.owners[id]}
	}
	return records, nil
}

func mintEvent(id int64, block uint64) types.TransferEvent {
	return types.TransferEvent{From: types.ZeroAddress, To: testCustodian, TokenID: id, BlockNumber: block}
}

func saleEvent(id int64, block uint64) types.TransferEvent {
	return types.TransferEvent{From: testCustodian, To: testBuyer, TokenID: id, BlockNumber: block}
}

func newTestEngine(t *testing.T, scanner *fakeScanner, reader *fakeReader, total int) *StatusEngine {
	t.Helper()
	engine, err := NewStatusEngine(&StatusEngineConfig{
		Scanner:          scanner,
		Reader:           reader,
		ContractAddress:  testContract,
		CustodianAddress: testCustodian,
		TotalCount:       total,
		Now:              func() time.Time { return time.Unix(1700000000, 0) },
	})
	require.NoError(t, err)
	return engine
}

func TestComputeStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("never transferred tokens stay active without a live check", func(t *testing.T) {
		scanner := &fakeScanner{events: []types.TransferEvent{mintEvent(0, 1), mintEvent(1, 2), mintEvent(2, 3)}}
		reader := &fakeReader{}
		engine := newTestEngine(t, scanner, reader, 3)

		snap, err := engine.ComputeStatus(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3, snap.LiveCount)
		assert.Equal(t, 0, snap.SoldCount)
		assert.Equal(t, 0, reader.calls, "no ambiguous tokens, no live check")
		assert.NoError(t, snap.Validate())
	})

	t.Run("sold token resolves to sold", func(t *testing.T) {
		scanner := &fakeScanner{events: []types.TransferEvent{mintEvent(0, 1), mintEvent(1, 2), saleEvent(1, 5)}}
		reader := &fakeReader{owners: map[int64]string{1: testBuyer}}
		engine := newTestEngine(t, scanner, reader, 2)

		snap, err := engine.ComputeStatus(ctx)
		require.NoError(t, err)

		assert.Equal(t, types.StatusActive, snap.Statuses[0])
		assert.Equal(t, types.StatusSold, snap.Statuses[1])
		assert.Equal(t, 1, snap.SoldCount)
		assert.Equal(t, 1, snap.LiveCount)
		assert.Equal(t, []int64{1}, reader.asked, "only the ambiguous token is re-checked")
	})

	t.Run("relisted token resolves to active", func(t *testing.T) {
		scanner := &fakeScanner{events: []types.TransferEvent{
			mintEvent(0, 1),
			saleEvent(0, 5),
			{From: testBuyer, To: testCustodian, TokenID: 0, BlockNumber: 9},
		}}
		// Live check confirms the custodian holds it again.
		reader := &fakeReader{owners: map[int64]string{0: testCustodian}}
		engine := newTestEngine(t, scanner, reader, 1)

		snap, err := engine.ComputeStatus(ctx)
		require.NoError(t, err)

		assert.Equal(t, types.StatusActive, snap.Statuses[0])
		assert.Equal(t, 0, snap.SoldCount)
	})

	t.Run("scan failure is a hard error", func(t *testing.T) {
		scanner := &fakeScanner{err: errors.New("rpc unavailable")}
		engine := newTestEngine(t, scanner, &fakeReader{}, 5)

		_, err := engine.ComputeStatus(ctx)
		assert.ErrorContains(t, err, "transfer scan failed")
	})

	t.Run("token with failed live check falls back to last destination", func(t *testing.T) {
		scanner := &fakeScanner{events: []types.TransferEvent{
			mintEvent(0, 1), saleEvent(0, 5),
			mintEvent(1, 2), saleEvent(1, 6),
		}}
		// Token 0 resolves live to the custodian (relisted); token 1's
		// query failed so history decides, and history says the buyer.
		reader := &fakeReader{owners: map[int64]string{0: testCustodian}}
		engine := newTestEngine(t, scanner, reader, 2)

		snap, err := engine.ComputeStatus(ctx)
		require.NoError(t, err)

		assert.Equal(t, types.StatusActive, snap.Statuses[0])
		assert.Equal(t, types.StatusSold, snap.Statuses[1])
	})

	t.Run("whole live check failure falls back to history for all tokens", func(t *testing.T) {
		scanner := &fakeScanner{events: []types.TransferEvent{
			mintEvent(0, 1), saleEvent(0, 5),
			mintEvent(1, 2), saleEvent(1, 6),
			{From: testBuyer, To: testCustodian, TokenID: 1, BlockNumber: 9},
		}}
		reader := &fakeReader{err: errors.New("multicall reverted")}
		engine := newTestEngine(t, scanner, reader, 2)

		snap, err := engine.ComputeStatus(ctx)
		require.NoError(t, err)

		assert.Equal(t, types.StatusSold, snap.Statuses[0], "last destination is the buyer")
		assert.Equal(t, types.StatusActive, snap.Statuses[1], "last destination is the custodian")
		assert.NoError(t, snap.Validate())
	})

	t.Run("count invariant holds", func(t *testing.T) {
		scanner := &fakeScanner{events: []types.TransferEvent{
			mintEvent(0, 1), mintEvent(1, 2), mintEvent(2, 3), mintEvent(3, 4),
			saleEvent(1, 10), saleEvent(3, 11),
		}}
		reader := &fakeReader{owners: map[int64]string{1: testBuyer, 3: testCustodian}}
		engine := newTestEngine(t, scanner, reader, 4)

		snap, err := engine.ComputeStatus(ctx)
		require.NoError(t, err)

		assert.Equal(t, snap.TotalCount, snap.LiveCount+snap.SoldCount)
		assert.NoError(t, snap.Validate())
	})
}

func TestNewStatusEngine(t *testing.T) {
	_, err := NewStatusEngine(nil)
	assert.ErrorContains(t, err, "configuration is required")

	_, err = NewStatusEngine(&StatusEngineConfig{
		Reader:           &fakeReader{},
		ContractAddress:  testContract,
		CustodianAddress: testCustodian,
		TotalCount:       1,
	})
	assert.ErrorContains(t, err, "transfer scanner is required")

	_, err = NewStatusEngine(&StatusEngineConfig{
		Scanner:          &fakeScanner{},
		Reader:           &fakeReader{},
		ContractAddress:  testContract,
		CustodianAddress: testCustodian,
	})
	assert.ErrorContains(t, err, "total count must be positive")
}
