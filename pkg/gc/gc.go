// Copyright 2025 Certen Protocol
//
// Package gc implements the Garbage Collector (spec.md §4.J): a
// periodic sweep that unsubscribes and deletes appointments once their
// end block, plus a confirmation buffer, has passed. It is driven by
// the same confirmed block-head stream as the Watcher, so pruning never
// races ahead of what the chain has actually confirmed.
package gc

import (
	"fmt"

	"github.com/certen/pisa/pkg/store"
	"github.com/certen/pisa/pkg/watcher"
)

// Config wires a GC to its collaborators.
type Config struct {
	Store   *store.Store
	Watcher *watcher.Watcher

	// Confirmations is the number of blocks past EndBlock an
	// appointment must clear before it is considered safe to prune.
	Confirmations uint64

	// Interval is how many confirmed block heads pass between sweeps.
	Interval uint64
}

// GC sweeps the Store's end-block index for expired appointments.
type GC struct {
	cfg        Config
	sinceSweep uint64
}

// New constructs a GC. Interval defaults to 50 blocks if zero.
func New(cfg Config) *GC {
	if cfg.Interval == 0 {
		cfg.Interval = 50
	}
	return &GC{cfg: cfg}
}

// OnHead is called once per confirmed block head; it sweeps every
// Interval blocks and is a no-op otherwise.
func (g *GC) OnHead(height uint64) error {
	g.sinceSweep++
	if g.sinceSweep < g.cfg.Interval {
		return nil
	}
	g.sinceSweep = 0
	return g.Sweep(height)
}

// Sweep prunes every appointment whose end block plus the confirmation
// buffer is strictly below height. Idempotent: a record already removed by
// an earlier sweep (e.g. one interrupted mid-way by a crash) is silently
// skipped by Store.Delete.
func (g *GC) Sweep(height uint64) error {
	if height <= g.cfg.Confirmations {
		return nil
	}
	upto := height - g.cfg.Confirmations - 1

	ids, err := g.cfg.Store.IterByEndBlockUpto(upto)
	if err != nil {
		return fmt.Errorf("gc: list expired appointments: %w", err)
	}
	for _, id := range ids {
		g.cfg.Watcher.Unwatch(id)
		if err := g.cfg.Store.Delete(id); err != nil {
			return fmt.Errorf("gc: delete appointment %s: %w", id, err)
		}
	}
	return nil
}
