package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderFetcher is the subset of ethclient.Client the ReorgDetector needs
// to walk back along the node's now-canonical chain when it detects a
// reorg. *ethclient.Client satisfies this directly.
type HeaderFetcher interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ReorgDetector keeps a fixed-size ring of recently seen heads and, when
// a newly observed head's parent doesn't match what it recorded for that
// height, walks back along the node's current canonical chain — re-fetching
// headers one height at a time — until it finds a height whose hash still
// matches what's retained (spec.md §4.B). That height is the common
// ancestor and is reported via reorg_to. A reorg whose common ancestor
// lies below the oldest retained height is unrecoverable and surfaces as
// ErrDeepReorg: the walk exhausted every
// retained height without finding agreement, and the process is expected
// to exit and rely on Store-backed recovery on restart (spec.md §7).
type ReorgDetector struct {
	depth   int
	fetcher HeaderFetcher
	ring    map[uint64][32]byte
	order   []uint64 // insertion order, oldest first, for eviction
}

// NewReorgDetector constructs a detector retaining the last depth block
// hashes, walking back through fetcher when a reorg needs resolving.
// depth should be comfortably larger than the chain's expected maximum
// reorg depth.
func NewReorgDetector(depth int, fetcher HeaderFetcher) *ReorgDetector {
	if depth <= 0 {
		depth = 1
	}
	return &ReorgDetector{
		depth:   depth,
		fetcher: fetcher,
		ring:    make(map[uint64][32]byte, depth),
	}
}

// Observe records head. If its parent hash doesn't match what's recorded
// for the preceding height, it walks back along the canonical chain to
// find the common ancestor and reports (ancestorHeight, true, nil). A
// linear continuation reports (0, false, nil). A reorg deeper than the
// retention window reports ErrDeepReorg; the caller must treat this as
// fatal (spec.md §7 DeepReorg).
func (d *ReorgDetector) Observe(ctx context.Context, h Head) (ancestorHeight uint64, reorg bool, err error) {
	if h.Number == 0 {
		d.record(h.Number, h.Hash)
		return 0, false, nil
	}

	parentHash, known := d.ring[h.Number-1]
	if !known || parentHash == h.ParentHash {
		d.record(h.Number, h.Hash)
		return 0, false, nil
	}

	ancestor, err := d.walkBackToAncestor(ctx, h.Number-1)
	if err != nil {
		return 0, false, err
	}

	d.forgetAbove(ancestor)
	d.record(h.Number, h.Hash)
	return ancestor, true, nil
}

// walkBackToAncestor re-fetches headers downward from height, by number,
// comparing each against the retained ring, until one matches (the
// common ancestor) or the walk runs past the oldest retained height
// (ErrDeepReorg).
func (d *ReorgDetector) walkBackToAncestor(ctx context.Context, height uint64) (uint64, error) {
	oldest, haveAny := d.oldestRetained()

	for {
		if !haveAny || height < oldest {
			return 0, ErrDeepReorg
		}

		header, err := d.fetcher.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return 0, fmt.Errorf("chain: fetch header %d while walking back reorg: %w", height, err)
		}

		if recorded, known := d.ring[height]; known && recorded == header.Hash() {
			return height, nil
		}

		if height == 0 {
			return 0, ErrDeepReorg
		}
		height--
	}
}

// Ancestor reports the hash this detector has recorded for height, and
// whether it has retained one at all.
func (d *ReorgDetector) Ancestor(height uint64) ([32]byte, bool) {
	h, ok := d.ring[height]
	return h, ok
}

// Forget discards the recorded hash for every height strictly below
// belowHeight; belowHeight itself and everything above it are kept.
func (d *ReorgDetector) Forget(belowHeight uint64) {
	for h := range d.ring {
		if h < belowHeight {
			delete(d.ring, h)
		}
	}
	kept := d.order[:0]
	for _, h := range d.order {
		if h >= belowHeight {
			kept = append(kept, h)
		}
	}
	d.order = kept
}

// forgetAbove discards every retained height above height, the orphaned
// branch a resolved reorg leaves behind.
func (d *ReorgDetector) forgetAbove(height uint64) {
	for h := range d.ring {
		if h > height {
			delete(d.ring, h)
		}
	}
	kept := d.order[:0]
	for _, h := range d.order {
		if h <= height {
			kept = append(kept, h)
		}
	}
	d.order = kept
}

func (d *ReorgDetector) oldestRetained() (uint64, bool) {
	if len(d.order) == 0 {
		return 0, false
	}
	oldest := d.order[0]
	for _, h := range d.order[1:] {
		if h < oldest {
			oldest = h
		}
	}
	return oldest, true
}

func (d *ReorgDetector) record(height uint64, hash [32]byte) {
	if _, exists := d.ring[height]; !exists {
		d.order = append(d.order, height)
	}
	d.ring[height] = hash
	for len(d.order) > d.depth {
		delete(d.ring, d.order[0])
		d.order = d.order[1:]
	}
}
