package responder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/certen/pisa/pkg/appointment"
	"github.com/certen/pisa/pkg/signer"
)

// chainBroadcaster is the subset of *ethclient.Client the Dispatcher
// needs to drive a transaction to confirmation: broadcast it and poll
// for its receipt. Narrowing to an interface lets dispatcher_test.go
// exercise the retry/backoff loop — spec.md §8 scenario 6 in particular —
// against a fake provider instead of a live node.
type chainBroadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EventKind identifies the kind of an Event.
type EventKind int

const (
	EventResponseSent EventKind = iota
	EventResponseConfirmed
	EventAttemptFailed
	EventResponseFailed
)

// Event is emitted on every observable change to an intent's outcome
// (spec.md §4.I). Consumers — pkg/metrics and pkg/audit — read these off
// a channel; the Dispatcher never blocks waiting for a consumer beyond
// the channel's buffer.
type Event struct {
	Kind          EventKind
	AppointmentID appointment.ID
	Nonce         uint64
	TxHash        [32]byte
	Attempt       int
	Err           error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Client                  chainBroadcaster
	Signer                  *signer.Signer
	ChainID                 *big.Int
	WaitForProviderResponse time.Duration
	WaitBetweenAttempts     time.Duration
	MaxAttempts             int
	PollingInterval         time.Duration
}

// Dispatcher is the single-threaded, cooperative loop that drives a
// GasQueue to completion: sign, broadcast, await, bump-and-retry or
// confirm, one nonce at a time (spec.md §4.I).
type Dispatcher struct {
	client  chainBroadcaster
	signer  *signer.Signer
	chainID *big.Int

	waitForProvider time.Duration
	waitBetween     time.Duration
	maxAttempts     int
	pollInterval    time.Duration

	mu    sync.Mutex
	queue *GasQueue

	events chan Event
	stopCh chan struct{}
}

// NewDispatcher constructs a Dispatcher over an initial (usually empty,
// rebuilt-from-Store) queue.
func NewDispatcher(cfg DispatcherConfig, initial *GasQueue) (*Dispatcher, error) {
	if cfg.Client == nil || cfg.Signer == nil || cfg.ChainID == nil {
		return nil, fmt.Errorf("responder: client, signer and chainID are required")
	}
	wait := cfg.WaitForProviderResponse
	if wait == 0 {
		wait = 2 * time.Minute
	}
	between := cfg.WaitBetweenAttempts
	if between == 0 {
		between = 15 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 10
	}
	poll := cfg.PollingInterval
	if poll == 0 {
		poll = 5 * time.Second
	}
	return &Dispatcher{
		client:          cfg.Client,
		signer:          cfg.Signer,
		chainID:         cfg.ChainID,
		waitForProvider: wait,
		waitBetween:     between,
		maxAttempts:     maxAttempts,
		pollInterval:    poll,
		queue:           initial,
		events:          make(chan Event, 256),
		stopCh:          make(chan struct{}),
	}, nil
}

// Events returns the channel of responder Events.
func (d *Dispatcher) Events() <-chan Event { return d.events }

// Enqueue adds req to the live queue.
func (d *Dispatcher) Enqueue(req Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := d.queue.Add(req)
	if err != nil {
		return err
	}
	d.queue = next
	return nil
}

// Cancel removes or neutralizes the item for id in the live queue.
func (d *Dispatcher) Cancel(id appointment.ID, selfAddress [20]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := d.queue.Cancel(id, selfAddress)
	if err != nil {
		return err
	}
	d.queue = next
	return nil
}

// Snapshot returns the current queue, for the Store/metrics to inspect.
func (d *Dispatcher) Snapshot() *GasQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue
}

// Stop signals Run to return. Safe to call once.
func (d *Dispatcher) Stop() { close(d.stopCh) }

// Run drives the queue's head item to completion, one nonce at a time,
// until ctx is cancelled or Stop is called. Intended to run in its own
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		head, ok := d.headItem()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.drive(ctx, head)
	}
}

func (d *Dispatcher) headItem() (Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len() == 0 {
		return Item{}, false
	}
	return d.queue.Items()[0], true
}

// drive signs, broadcasts, and waits out the head item until it
// confirms, gets cancelled out from under the dispatcher, or exhausts
// MaxAttempts (spec.md §4.I steps 1-5). A single "attempt" covers one
// broadcast plus, if the broadcast succeeded, one await-confirmation
// round; either half failing counts toward MaxAttempts so a provider
// whose Send never resolves is exhausted exactly like one whose
// confirmations never arrive (spec.md §8 scenario 6).
func (d *Dispatcher) drive(ctx context.Context, head Item) {
	item := head
	sentAny := false

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		txHash, err := d.broadcast(ctx, item)
		if err != nil {
			d.emit(Event{Kind: EventAttemptFailed, AppointmentID: item.Request.AppointmentID, Nonce: item.Nonce, Attempt: attempt, Err: err})
		} else {
			d.markBroadcast(item.Nonce, item.CurrentGasPrice)
			if !sentAny {
				d.emit(Event{Kind: EventResponseSent, AppointmentID: item.Request.AppointmentID, Nonce: item.Nonce, TxHash: txHash})
				sentAny = true
			}

			confirmed, stillLive := d.awaitOneRound(ctx, item.Nonce, txHash)
			if !stillLive {
				return // cancelled out from under us; nothing left to drive
			}
			if confirmed {
				d.dropConfirmed(item.Nonce)
				d.emit(Event{Kind: EventResponseConfirmed, AppointmentID: item.Request.AppointmentID, Nonce: item.Nonce, TxHash: txHash})
				return
			}
			d.emit(Event{Kind: EventAttemptFailed, AppointmentID: item.Request.AppointmentID, Nonce: item.Nonce, Attempt: attempt, Err: errTimedOut})
		}

		if attempt == d.maxAttempts {
			d.dropConfirmed(item.Nonce)
			d.emit(Event{Kind: EventResponseFailed, AppointmentID: item.Request.AppointmentID, Nonce: item.Nonce, Attempt: attempt})
			return
		}

		next, stillLive := d.bumpAndFetch(item.Nonce)
		if !stillLive {
			return
		}
		item = next

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.waitBetween):
		}
	}
}

var errTimedOut = errors.New("responder: timed out waiting for provider response")

// awaitOneRound polls for txHash's receipt until WaitForProviderResponse
// elapses. It returns (confirmed, stillLive); stillLive is false once the
// item has been cancelled out of the queue by another goroutine.
func (d *Dispatcher) awaitOneRound(ctx context.Context, nonce uint64, txHash [32]byte) (confirmed, stillLive bool) {
	deadline := time.Now().Add(d.waitForProvider)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if !d.hasNonce(nonce) {
			return false, false
		}
		select {
		case <-ctx.Done():
			return false, true
		case <-ticker.C:
			receipt, err := d.client.TransactionReceipt(ctx, common.Hash(txHash))
			if err != nil {
				continue
			}
			if receipt != nil && receipt.BlockNumber != nil {
				return true, true
			}
		}
	}
	return false, true
}

func (d *Dispatcher) hasNonce(nonce uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return indexByNonce(d.queue.Items(), nonce) >= 0
}

func (d *Dispatcher) markBroadcast(nonce uint64, price *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = d.queue.MarkBroadcast(nonce, price)
}

func (d *Dispatcher) dropConfirmed(nonce uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = d.queue.DropConfirmed(nonce)
}

// bumpAndFetch raises nonce's current gas price by the replacement rate
// and returns the updated item, or (zero, false) if it was cancelled out
// of the queue in the meantime.
func (d *Dispatcher) bumpAndFetch(nonce uint64) (Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = d.queue.Bump(nonce)
	idx := indexByNonce(d.queue.Items(), nonce)
	if idx < 0 {
		return Item{}, false
	}
	return d.queue.Items()[idx], true
}

func (d *Dispatcher) broadcast(ctx context.Context, item Item) ([32]byte, error) {
	tx := types.NewTransaction(item.Nonce, item.Request.To, valueOrZero(item.Request.Value), item.Request.GasLimit, item.CurrentGasPrice, item.Request.Data)
	signed, err := d.signer.SignTx(tx, d.chainID)
	if err != nil {
		return [32]byte{}, err
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return [32]byte{}, fmt.Errorf("responder: send transaction: %w", err)
	}
	return signed.Hash(), nil
}

func indexByNonce(items []Item, nonce uint64) int {
	for i, it := range items {
		if it.Nonce == nonce {
			return i
		}
	}
	return -1
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (d *Dispatcher) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}
