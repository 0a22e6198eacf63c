package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferEventBefore(t *testing.T) {
	t.Run("orders by block number first", func(t *testing.T) {
		a := &TransferEvent{BlockNumber: 100, TxIndex: 5, LogIndex: 9}
		b := &TransferEvent{BlockNumber: 101, TxIndex: 0, LogIndex: 0}
		assert.True(t, a.Before(b))
		assert.False(t, b.Before(a))
	})

	t.Run("orders by tx index within a block", func(t *testing.T) {
		a := &TransferEvent{BlockNumber: 100, TxIndex: 1, LogIndex: 9}
		b := &TransferEvent{BlockNumber: 100, TxIndex: 2, LogIndex: 0}
		assert.True(t, a.Before(b))
	})

	t.Run("orders by log index within a transaction", func(t *testing.T) {
		a := &TransferEvent{BlockNumber: 100, TxIndex: 1, LogIndex: 3}
		b := &TransferEvent{BlockNumber: 100, TxIndex: 1, LogIndex: 4}
		assert.True(t, a.Before(b))
		assert.False(t, b.Before(a))
	})
}

func TestNewOptimisticSnapshot(t *testing.T) {
	now := time.Now()
	snap := NewOptimisticSnapshot(50, now)

	require.NoError(t, snap.Validate())
	assert.Equal(t, 50, snap.TotalCount)
	assert.Equal(t, 50, snap.LiveCount)
	assert.Equal(t, 0, snap.SoldCount)
	assert.Equal(t, now, snap.CapturedAt)
	for id := int64(0); id < 50; id++ {
		assert.Equal(t, StatusActive, snap.Statuses[id])
	}
}

func TestStatusSnapshotCopy(t *testing.T) {
	orig := NewOptimisticSnapshot(3, time.Now())
	orig.Statuses[1] = StatusSold
	orig.LiveCount = 2
	orig.SoldCount = 1

	cp := orig.Copy()
	require.NoError(t, cp.Validate())

	// Mutating the copy must not touch the original.
	cp.Statuses[2] = StatusSold
	assert.Equal(t, StatusActive, orig.Statuses[2])
	assert.Equal(t, StatusSold, cp.Statuses[1])

	t.Run("nil snapshot copies to nil", func(t *testing.T) {
		var s *StatusSnapshot
		assert.Nil(t, s.Copy())
	})
}

func TestStatusSnapshotValidate(t *testing.T) {
	t.Run("detects count mismatch", func(t *testing.T) {
		snap := NewOptimisticSnapshot(5, time.Now())
		snap.SoldCount = 1
		assert.Error(t, snap.Validate())
	})

	t.Run("detects missing token entry", func(t *testing.T) {
		snap := NewOptimisticSnapshot(5, time.Now())
		delete(snap.Statuses, 3)
		assert.Error(t, snap.Validate())
	})

	t.Run("detects stray token entry", func(t *testing.T) {
		snap := NewOptimisticSnapshot(5, time.Now())
		delete(snap.Statuses, 3)
		snap.Statuses[99] = StatusActive
		assert.Error(t, snap.Validate())
	})
}

func TestStatusSnapshotAge(t *testing.T) {
	captured := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &StatusSnapshot{CapturedAt: captured}
	assert.Equal(t, 5*time.Minute, snap.Age(captured.Add(5*time.Minute)))
}
