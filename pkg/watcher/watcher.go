// Copyright 2025 Certen Protocol
//
// Package watcher implements the Watcher (spec.md §4.H): the component
// that reacts to a matched event log for a live appointment by handing
// a response transaction to the Responder, and that reverses itself if
// a reorg retracts the log before the response confirms. Per-appointment
// lifecycle is driven by the shared statemachine substrate (spec.md
// §4.C) rather than by ad hoc flags, so the Garbage Collector can read
// the same kind of state this package produces.
package watcher

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/certen/pisa/pkg/appointment"
	"github.com/certen/pisa/pkg/inspector"
	"github.com/certen/pisa/pkg/responder"
	"github.com/certen/pisa/pkg/statemachine"
	"github.com/certen/pisa/pkg/store"
	"github.com/certen/pisa/pkg/subscriber"
)

// actionKind is the side effect a status transition calls for.
type actionKind int

const (
	actionEnqueue actionKind = iota
	actionCancel
)

// logInput is fed into the per-appointment reducer for every log the
// Subscriber delivers: matched is false when the node is retracting a
// log it previously delivered (spec.md §4.E).
type logInput struct {
	matched bool
	log     types.Log
}

type action struct {
	kind actionKind
	log  types.Log
}

// reduce is the pure per-appointment transition function (spec.md
// §4.H): Active plus a matched log becomes Triggered and asks for a
// response; Triggered plus a retraction reverts to Active and asks for
// the in-flight response to be cancelled. Any other combination is a
// no-op, e.g. a second log for an already-Triggered appointment.
func reduce(current appointment.Status, in logInput) (appointment.Status, []action) {
	switch {
	case in.matched && current == appointment.StatusActive:
		return appointment.StatusTriggered, []action{{kind: actionEnqueue, log: in.log}}
	case !in.matched && current == appointment.StatusTriggered:
		return appointment.StatusActive, []action{{kind: actionCancel}}
	default:
		return current, nil
	}
}

// Config wires a Watcher to its collaborators.
type Config struct {
	Store      *store.Store
	Inspectors *inspector.Registry
	Subscriber *subscriber.Subscriber
	Dispatcher *responder.Dispatcher
	Client     *ethclient.Client
	ChainID    *big.Int

	// SelfAddress is the Responder's signing address, used to build the
	// no-op self-transfer that reclaims a nonce cancelled after
	// broadcast (spec.md §5).
	SelfAddress common.Address

	// MaxGasPrice clamps the suggested gas price offered to the
	// Responder. Zero means unbounded.
	MaxGasPrice *big.Int

	// Logger receives a line for every enqueueResponse failure path. Nil
	// defaults to a logger writing to os.Stderr with a "[watcher] " prefix.
	Logger *log.Logger
}

// Watcher tracks every currently-active appointment's Active/Triggered
// status and drives the Responder accordingly.
type Watcher struct {
	cfg Config

	machines *statemachine.MappedMachine[appointment.ID, appointment.Status, logInput, action]

	mu      sync.Mutex
	unwatch map[appointment.ID]func()
}

// New constructs a Watcher. Every tracked appointment starts Active: the
// Watcher is only ever asked to watch appointments the Tower or the
// crash-recovery path has already established are live (spec.md §4.G,
// §9's crash-recovery note).
func New(cfg Config) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags|log.Lmicroseconds)
	}
	w := &Watcher{cfg: cfg, unwatch: make(map[appointment.ID]func())}
	w.machines = statemachine.NewMapped(
		func(appointment.ID) appointment.Status { return appointment.StatusActive },
		reduce,
		w.onAction,
	)
	return w
}

// Watch registers a's event filter with the Subscriber and begins
// tracking its status. Calling Watch twice for the same id is
// idempotent only in effect, not in subscription count — callers must
// Unwatch first if they mean to re-subscribe.
func (w *Watcher) Watch(a *appointment.Appointment) error {
	id := a.ID()
	// Start tracking a as Active before its filter can deliver a log: a
	// retraction input on a fresh machine is a no-op that only seeds it.
	_, tracked := w.machines.State(id)
	if !tracked {
		w.machines.Apply(id, logInput{matched: false})
	}
	unwatch, err := w.cfg.Subscriber.Watch(context.Background(), a.ContractAddress, a.Topic0(), func(lg types.Log, removed bool) {
		if !a.MatchesLog(lg) {
			return
		}
		w.machines.Apply(id, logInput{matched: !removed, log: lg})
	})
	if err != nil {
		if !tracked {
			w.machines.Delete(id)
		}
		return fmt.Errorf("watcher: watch appointment %s: %w", id, err)
	}

	w.mu.Lock()
	w.unwatch[id] = unwatch
	w.mu.Unlock()
	return nil
}

// Recover re-establishes a's subscription and additionally replays any
// matching log already on chain since its start block, so an
// appointment whose triggering event occurred while the tower was down
// is still answered (spec.md §9's crash-recovery note).
func (w *Watcher) Recover(ctx context.Context, a *appointment.Appointment) error {
	if err := w.Watch(a); err != nil {
		return err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(a.StartBlock),
		Addresses: []common.Address{a.ContractAddress},
		Topics:    [][]common.Hash{{a.Topic0()}},
	}
	logs, err := w.cfg.Client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("watcher: recover historical logs for %s: %w", a.ID(), err)
	}
	id := a.ID()
	for _, lg := range logs {
		if !a.MatchesLog(lg) {
			continue
		}
		w.machines.Apply(id, logInput{matched: true, log: lg})
	}
	return nil
}

// Unwatch drops an appointment's subscription and tracked status, used
// when it is superseded by a higher job id or pruned by the Garbage
// Collector (spec.md §4.J, §5).
func (w *Watcher) Unwatch(id appointment.ID) {
	w.mu.Lock()
	fn, ok := w.unwatch[id]
	delete(w.unwatch, id)
	w.mu.Unlock()

	w.machines.Delete(id)
	if ok {
		fn()
	}
}

// Status reports an appointment's current tracked lifecycle stage.
func (w *Watcher) Status(id appointment.ID) (appointment.Status, bool) {
	return w.machines.State(id)
}

// Len reports how many appointments the Watcher currently tracks.
func (w *Watcher) Len() int {
	return w.machines.Len()
}

func (w *Watcher) onAction(id appointment.ID, act action) {
	switch act.kind {
	case actionEnqueue:
		w.enqueueResponse(id, act.log)
	case actionCancel:
		_ = w.cfg.Dispatcher.Cancel(id, w.cfg.SelfAddress)
	}
}

// enqueueResponse re-reads the appointment from the Store (the Watcher
// never trusts its own stale copy), builds the mode-specific response
// via the Inspector Registry, and hands it to the Responder (spec.md
// §4.H).
func (w *Watcher) enqueueResponse(id appointment.ID, triggerLog types.Log) {
	a, err := w.cfg.Store.Get(id)
	if err != nil {
		w.cfg.Logger.Printf("appointment %s triggered but store lookup failed, response not enqueued: %v", id, err)
		return
	}
	insp, err := w.cfg.Inspectors.Get(a.Mode)
	if err != nil {
		w.cfg.Logger.Printf("appointment %s triggered but mode %q has no registered inspector, response not enqueued: %v", id, a.Mode, err)
		return
	}
	ctx := context.Background()
	resp, err := insp.BuildResponse(ctx, a, triggerLog)
	if err != nil {
		w.cfg.Logger.Printf("appointment %s triggered but BuildResponse failed, response not enqueued: %v", id, err)
		return
	}
	price, err := w.gasPrice(ctx)
	if err != nil {
		w.cfg.Logger.Printf("appointment %s triggered but gas price lookup failed, response not enqueued: %v", id, err)
		return
	}

	if err := w.cfg.Dispatcher.Enqueue(responder.Request{
		AppointmentID: id,
		ChainID:       w.cfg.ChainID,
		To:            common.Address(resp.To),
		Data:          resp.Data,
		Value:         big.NewInt(0),
		GasLimit:      a.GasLimit,
		IdealGasPrice: price,
	}); err != nil {
		w.cfg.Logger.Printf("appointment %s triggered but enqueueing the response failed: %v", id, err)
	}
}

// gasPrice asks the node for its current suggested gas price, clamped to
// MaxGasPrice if configured, the same pattern the teacher's contract
// manager uses before sending a transaction.
func (w *Watcher) gasPrice(ctx context.Context) (*big.Int, error) {
	price, err := w.cfg.Client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("watcher: suggest gas price: %w", err)
	}
	if w.cfg.MaxGasPrice != nil && w.cfg.MaxGasPrice.Sign() > 0 && price.Cmp(w.cfg.MaxGasPrice) > 0 {
		return new(big.Int).Set(w.cfg.MaxGasPrice), nil
	}
	return price, nil
}
