// Copyright 2025 Certen Protocol
//
// Package chain implements the Block Source and Reorg Detector
// (spec.md §4.A/§4.B): a ticker-driven poll loop over an EVM JSON-RPC
// endpoint that emits confirmed block heads, and a ring-buffer ancestor
// walk that tells the caller when the chain it just walked isn't the one
// it walked last time.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Head is one polled block, trimmed to the fields the tower cares about.
type Head struct {
	Number     uint64
	Hash       [32]byte
	ParentHash [32]byte
	Time       uint64
}

func headFromTypes(h *types.Header) Head {
	return Head{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Time:       h.Time,
	}
}

// SourceConfig configures a Source.
type SourceConfig struct {
	Client          *ethclient.Client
	PollingInterval time.Duration
	Confirmations   uint64 // blocks to wait behind the tip before emitting a head as confirmed
}

// Source polls an EVM node for new block heads and emits them, already
// adjusted back by Confirmations, over Heads(). It does not itself
// detect reorgs; pair it with a ReorgDetector fed from the same stream.
type Source struct {
	client        *ethclient.Client
	interval      time.Duration
	confirmations uint64

	heads  chan Head
	errs   chan error
	stopCh chan struct{}

	lastEmitted uint64
	haveEmitted bool
}

// NewSource constructs a Source. PollingInterval defaults to 12s
// (mainnet block time) if zero.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("chain: client is required")
	}
	interval := cfg.PollingInterval
	if interval == 0 {
		interval = 12 * time.Second
	}
	return &Source{
		client:        cfg.Client,
		interval:      interval,
		confirmations: cfg.Confirmations,
		heads:         make(chan Head, 64),
		errs:          make(chan error, 8),
		stopCh:        make(chan struct{}),
	}, nil
}

// Heads returns the channel of confirmed block heads, in ascending
// order. After a gap of more than maxCatchUpBlocks heights (for example
// a long run of failed polls), the next poll resumes maxCatchUpBlocks
// below the confirmed height and the older missed heads are skipped.
func (s *Source) Heads() <-chan Head {
	return s.heads
}

// Errs returns the channel of transient poll errors. These are not
// fatal; Run keeps polling on the next tick.
func (s *Source) Errs() <-chan error {
	return s.errs
}

// Run polls until ctx is cancelled or Stop is called. It is meant to be
// run in its own goroutine.
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Stop signals Run to return. Safe to call once.
func (s *Source) Stop() {
	close(s.stopCh)
}

func (s *Source) poll(ctx context.Context) {
	tip, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		s.emitErr(fmt.Errorf("chain: fetch tip header: %w", err))
		return
	}
	confirmedHeight := tip.Number.Uint64()
	if confirmedHeight < s.confirmations {
		return
	}
	confirmedHeight -= s.confirmations

	start := confirmedHeight
	if s.haveEmitted {
		start = s.lastEmitted + 1
	}
	if start > confirmedHeight {
		return
	}
	// Bound catch-up so a long outage doesn't replay the entire chain in
	// one poll tick.
	if confirmedHeight-start > maxCatchUpBlocks {
		start = confirmedHeight - maxCatchUpBlocks
	}

	for h := start; h <= confirmedHeight; h++ {
		header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err != nil {
			s.emitErr(fmt.Errorf("chain: fetch header %d: %w", h, err))
			return
		}
		head := headFromTypes(header)
		select {
		case s.heads <- head:
			s.lastEmitted = head.Number
			s.haveEmitted = true
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) emitErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

const maxCatchUpBlocks = 256
