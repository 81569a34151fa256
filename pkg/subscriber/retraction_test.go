package subscriber

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestRetractionCacheFlagsKnownLog(t *testing.T) {
	c := newRetractionCache(4)
	lg := types.Log{TxHash: common.HexToHash("0xaa"), Index: 1}

	require.False(t, c.observe(lg))

	removedLg := lg
	removedLg.Removed = true
	require.True(t, c.observe(removedLg))
}

func TestRetractionCacheUnknownRetractionReturnsFalse(t *testing.T) {
	c := newRetractionCache(4)
	removedLg := types.Log{TxHash: common.HexToHash("0xbb"), Index: 0, Removed: true}
	require.False(t, c.observe(removedLg))
}

func TestRetractionCacheEvictsOldest(t *testing.T) {
	c := newRetractionCache(2)
	a := types.Log{TxHash: common.HexToHash("0x1"), Index: 0}
	b := types.Log{TxHash: common.HexToHash("0x2"), Index: 0}
	d := types.Log{TxHash: common.HexToHash("0x3"), Index: 0}

	c.observe(a)
	c.observe(b)
	c.observe(d) // evicts a

	aRemoved := a
	aRemoved.Removed = true
	require.False(t, c.observe(aRemoved), "a should have been evicted once capacity 2 filled with b and d")

	dRemoved := d
	dRemoved.Removed = true
	require.True(t, c.observe(dRemoved))
}
