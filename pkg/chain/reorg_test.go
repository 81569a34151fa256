package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

// fakeHeaderFetcher serves canned headers by height, simulating the
// node's current canonical view after a reorg — exactly what
// walkBackToAncestor re-fetches while hunting for the common ancestor.
type fakeHeaderFetcher struct {
	byHeight map[uint64]*types.Header
}

func newFakeHeaderFetcher() *fakeHeaderFetcher {
	return &fakeHeaderFetcher{byHeight: make(map[uint64]*types.Header)}
}

func (f *fakeHeaderFetcher) set(height uint64, hash [32]byte) {
	// types.Header.Hash() is derived from its RLP encoding, not settable
	// directly, so GasLimit is abused as a cheap per-height nonce to force
	// distinct, deterministic hashes in tests without needing a real trie.
	f.byHeight[height] = &types.Header{Number: new(big.Int).SetUint64(height), GasLimit: uint64(hash[0])}
}

func (f *fakeHeaderFetcher) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	h, ok := f.byHeight[number.Uint64()]
	if !ok {
		return nil, errHeaderNotFound
	}
	return h, nil
}

var errHeaderNotFound = errors.New("fake header fetcher: no header at that height")

func TestReorgDetectorAcceptsLinearChain(t *testing.T) {
	d := NewReorgDetector(8, newFakeHeaderFetcher())
	ctx := context.Background()

	_, reorg, err := d.Observe(ctx, Head{Number: 1, Hash: hashOf(1), ParentHash: hashOf(0)})
	require.NoError(t, err)
	require.False(t, reorg)

	_, reorg, err = d.Observe(ctx, Head{Number: 2, Hash: hashOf(2), ParentHash: hashOf(1)})
	require.NoError(t, err)
	require.False(t, reorg)

	_, reorg, err = d.Observe(ctx, Head{Number: 3, Hash: hashOf(3), ParentHash: hashOf(2)})
	require.NoError(t, err)
	require.False(t, reorg)
}

func TestReorgDetectorWalksBackToCommonAncestor(t *testing.T) {
	fetcher := newFakeHeaderFetcher()
	d := NewReorgDetector(8, fetcher)
	ctx := context.Background()

	// Height 1 is recorded under the hash the fetcher's header for it
	// actually has, so the walk-back can recognise it as unchanged.
	fetcher.set(1, hashOf(1))
	h1 := fetcher.byHeight[1].Hash()

	_, _, err := d.Observe(ctx, Head{Number: 1, Hash: h1, ParentHash: hashOf(0)})
	require.NoError(t, err)
	_, _, err = d.Observe(ctx, Head{Number: 2, Hash: hashOf(2), ParentHash: h1})
	require.NoError(t, err)
	_, _, err = d.Observe(ctx, Head{Number: 3, Hash: hashOf(3), ParentHash: hashOf(2)})
	require.NoError(t, err)

	// The node's canonical view now disagrees with us from height 2 on,
	// but height 1 is unchanged: that's the common ancestor.
	fetcher.set(2, hashOf(222))
	fetcher.set(3, hashOf(33))

	ancestor, reorg, err := d.Observe(ctx, Head{Number: 4, Hash: hashOf(44), ParentHash: hashOf(222)})
	require.NoError(t, err)
	require.True(t, reorg)
	require.Equal(t, uint64(1), ancestor)

	// The orphaned height 2/3 entries are gone; height 1 and the new head
	// at 4 remain.
	_, ok := d.Ancestor(2)
	require.False(t, ok)
	_, ok = d.Ancestor(3)
	require.False(t, ok)
	h4, ok := d.Ancestor(4)
	require.True(t, ok)
	require.Equal(t, hashOf(44), h4)
}

func TestReorgDetectorFailsFastBeyondRetentionWindow(t *testing.T) {
	fetcher := newFakeHeaderFetcher()
	d := NewReorgDetector(2, fetcher)
	ctx := context.Background()

	_, _, err := d.Observe(ctx, Head{Number: 1, Hash: hashOf(1), ParentHash: hashOf(0)})
	require.NoError(t, err)
	_, _, err = d.Observe(ctx, Head{Number: 2, Hash: hashOf(2), ParentHash: hashOf(1)})
	require.NoError(t, err)
	_, _, err = d.Observe(ctx, Head{Number: 3, Hash: hashOf(3), ParentHash: hashOf(2)})
	require.NoError(t, err)
	// depth 2: height 1 has now been evicted, only 2 and 3 remain. The
	// node's canonical view diverges at both retained heights, so the
	// walk exhausts the window without ever finding agreement.
	fetcher.set(3, hashOf(33))
	fetcher.set(2, hashOf(222))

	_, reorg, err := d.Observe(ctx, Head{Number: 4, Hash: hashOf(44), ParentHash: hashOf(222)})
	require.ErrorIs(t, err, ErrDeepReorg)
	require.False(t, reorg)
}

func TestReorgDetectorEvictsBeyondDepth(t *testing.T) {
	d := NewReorgDetector(2, newFakeHeaderFetcher())
	ctx := context.Background()

	d.Observe(ctx, Head{Number: 1, Hash: hashOf(1), ParentHash: hashOf(0)})
	d.Observe(ctx, Head{Number: 2, Hash: hashOf(2), ParentHash: hashOf(1)})
	d.Observe(ctx, Head{Number: 3, Hash: hashOf(3), ParentHash: hashOf(2)})

	_, ok := d.Ancestor(1)
	require.False(t, ok, "height 1 should have been evicted once depth 2 filled with heights 2 and 3")

	_, ok = d.Ancestor(2)
	require.True(t, ok)
}

func TestReorgDetectorForget(t *testing.T) {
	d := NewReorgDetector(8, newFakeHeaderFetcher())
	ctx := context.Background()
	d.Observe(ctx, Head{Number: 1, Hash: hashOf(1), ParentHash: hashOf(0)})
	d.Observe(ctx, Head{Number: 2, Hash: hashOf(2), ParentHash: hashOf(1)})

	d.Forget(2)
	_, ok := d.Ancestor(1)
	require.False(t, ok)
	_, ok = d.Ancestor(2)
	require.True(t, ok)
}
