// Copyright 2025 Certen Protocol
//
// Package responder implements the Responder & Gas Queue (spec.md §4.I):
// the tower's single transactional core. One signing key has one
// monotone nonce space; every response competing for a slot is resolved
// by replace-by-fee, never by broadcasting the same intent on two
// nonces. The GasQueue is a logically immutable value — Add and Cancel
// return a new queue rather than mutating the receiver — so the
// Dispatcher always holds a consistent snapshot to drive off of.
package responder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/pisa/pkg/appointment"
)

// Status is a queue item's lifecycle stage (spec.md §3).
type Status int

const (
	StatusQueued Status = iota
	StatusBroadcast
	StatusConfirmed
)

// Request is the transaction a Watcher hands the Responder once an
// appointment triggers: its on-chain identifier plus the price the
// customer's appointment already priced in.
type Request struct {
	AppointmentID appointment.ID
	ChainID       *big.Int
	To            common.Address
	Data          []byte
	Value         *big.Int
	GasLimit      uint64
	IdealGasPrice *big.Int
}

// identifier returns the transaction identifier (chain_id, data, to,
// value, gas_limit) as a comparable key, used to enforce G3 (no two live
// items share a transaction identifier).
func (r Request) identifier() string {
	value := "0"
	if r.Value != nil {
		value = r.Value.String()
	}
	chainID := "0"
	if r.ChainID != nil {
		chainID = r.ChainID.String()
	}
	return fmt.Sprintf("%s|%s|%x|%s|%d", chainID, r.To.Hex(), r.Data, value, r.GasLimit)
}

// Item is one entry in the gas queue.
type Item struct {
	Request         Request
	IdealGasPrice   *big.Int
	CurrentGasPrice *big.Int
	Nonce           uint64
	Status          Status
}

// GasQueue holds up to MaxQueueDepth items ordered by ascending nonce,
// carrying invariants (G1)-(G4) from spec.md §3. Zero value is not
// usable; construct with New.
type GasQueue struct {
	items            []Item
	initialNonce     uint64
	emptyNonce       uint64
	maxQueueDepth    int
	replacementRate  int // percent, e.g. 15 means +15%
}

// New constructs an empty queue. initialNonce is the chain nonce the
// signer's key is currently at; replacementRatePercent is the minimum
// percentage bump a replacement transaction must carry (e.g. 15).
func New(initialNonce uint64, maxQueueDepth int, replacementRatePercent int) *GasQueue {
	return &GasQueue{
		initialNonce:    initialNonce,
		emptyNonce:      initialNonce,
		maxQueueDepth:   maxQueueDepth,
		replacementRate: replacementRatePercent,
	}
}

// Len returns the number of items currently queued.
func (q *GasQueue) Len() int { return len(q.items) }

// Items returns a defensive copy of the queue's items in nonce order.
func (q *GasQueue) Items() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// EmptyNonce returns the next free nonce the queue would assign to a new
// item appended at the tail.
func (q *GasQueue) EmptyNonce() uint64 { return q.emptyNonce }

// clone returns a shallow copy of the queue's item slice and scalar
// fields, the starting point for every Add/Cancel derivation.
func (q *GasQueue) clone() *GasQueue {
	items := make([]Item, len(q.items))
	copy(items, q.items)
	return &GasQueue{
		items:           items,
		initialNonce:    q.initialNonce,
		emptyNonce:      q.emptyNonce,
		maxQueueDepth:   q.maxQueueDepth,
		replacementRate: q.replacementRate,
	}
}

// Add inserts request into the queue, keeping ideal_gas_price
// non-increasing by nonce (spec.md §4.I step 1-3), and returns the new
// queue. It never mutates q.
func (q *GasQueue) Add(req Request) (*GasQueue, error) {
	if len(q.items) >= q.maxQueueDepth {
		return nil, ErrQueueFull
	}

	p := req.IdealGasPrice
	insertAt := len(q.items)
	for i, it := range q.items {
		if it.IdealGasPrice.Cmp(p) < 0 {
			insertAt = i
			break
		}
	}

	next := q.clone()

	if insertAt == len(q.items) {
		next.items = append(next.items, Item{
			Request:         req,
			IdealGasPrice:   p,
			CurrentGasPrice: p,
			Nonce:           q.emptyNonce,
			Status:          StatusQueued,
		})
		next.emptyNonce = q.emptyNonce + 1
	} else {
		rebuilt := make([]Item, 0, len(q.items)+1)
		rebuilt = append(rebuilt, next.items[:insertAt]...)
		rebuilt = append(rebuilt, Item{
			Request:         req,
			IdealGasPrice:   p,
			CurrentGasPrice: p,
			Status:          StatusQueued,
		})
		rebuilt = append(rebuilt, next.items[insertAt:]...)

		// Only the item directly displaced from the insertion slot — the
		// one that loses its nonce to the newcomer — is replaced-by-fee
		// bumped. Items further down the queue are renumbered to stay
		// contiguous but keep their existing current_gas_price: they were
		// never competing for the slot the new item took.
		for i := range rebuilt {
			newNonce := q.initialNonce + uint64(i)
			if i == insertAt+1 {
				rebuilt[i].CurrentGasPrice = bump(rebuilt[i].CurrentGasPrice, next.replacementRate)
			}
			rebuilt[i].Nonce = newNonce
		}
		next.items = rebuilt
		next.emptyNonce = q.initialNonce + uint64(len(rebuilt))
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Cancel removes the item for id if it was never broadcast, or — if
// already broadcast — replaces it in place with a no-op self-transfer at
// the same nonce and a replace-by-fee bump, so the reserved nonce still
// gets reclaimed on chain (spec.md §5). A cancel for an id not present
// is a no-op.
func (q *GasQueue) Cancel(id appointment.ID, selfAddress common.Address) (*GasQueue, error) {
	idx := -1
	for i, it := range q.items {
		if it.Request.AppointmentID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return q, nil
	}

	next := q.clone()

	if next.items[idx].Status == StatusQueued {
		removed := append(append([]Item{}, next.items[:idx]...), next.items[idx+1:]...)
		for i := idx; i < len(removed); i++ {
			removed[i].Nonce = q.initialNonce + uint64(i)
		}
		next.items = removed
		next.emptyNonce = q.initialNonce + uint64(len(removed))
	} else {
		item := next.items[idx]
		item.Request = Request{
			AppointmentID: id,
			ChainID:       item.Request.ChainID,
			To:            selfAddress,
			Data:          []byte(fmt.Sprintf("cancel:%d", item.Nonce)),
			Value:         big.NewInt(0),
			GasLimit:      21000,
			IdealGasPrice: item.IdealGasPrice,
		}
		item.CurrentGasPrice = bump(item.CurrentGasPrice, next.replacementRate)
		next.items[idx] = item
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// MarkBroadcast returns a new queue with the item at nonce recorded as
// broadcast at currentGasPrice.
func (q *GasQueue) MarkBroadcast(nonce uint64, currentGasPrice *big.Int) *GasQueue {
	next := q.clone()
	for i := range next.items {
		if next.items[i].Nonce == nonce {
			next.items[i].Status = StatusBroadcast
			next.items[i].CurrentGasPrice = currentGasPrice
		}
	}
	return next
}

// Bump returns a new queue with the item at nonce's current gas price
// raised by the replacement rate, for use after a provider-response
// timeout (spec.md §4.I step 2).
func (q *GasQueue) Bump(nonce uint64) *GasQueue {
	next := q.clone()
	for i := range next.items {
		if next.items[i].Nonce == nonce {
			next.items[i].CurrentGasPrice = bump(next.items[i].CurrentGasPrice, next.replacementRate)
		}
	}
	return next
}

// DropConfirmed returns a new queue with the item at nonce removed — the
// head of the queue once its transaction confirms (spec.md §4.I step 4).
func (q *GasQueue) DropConfirmed(nonce uint64) *GasQueue {
	next := q.clone()
	kept := next.items[:0]
	for _, it := range next.items {
		if it.Nonce != nonce {
			kept = append(kept, it)
		}
	}
	if len(kept) < len(next.items) && nonce == next.initialNonce {
		next.initialNonce++
	}
	next.items = kept
	return next
}

func bump(current *big.Int, ratePercent int) *big.Int {
	num := new(big.Int).Mul(current, big.NewInt(int64(100+ratePercent)))
	num.Add(num, big.NewInt(99))
	bumped := num.Div(num, big.NewInt(100))
	if bumped.Cmp(current) > 0 {
		return bumped
	}
	return new(big.Int).Set(current)
}

// Validate enforces (G1)-(G4): violations are programming bugs, never
// user-visible, and are reported as *ArgumentError (spec.md §4.I).
func (q *GasQueue) Validate() error {
	if len(q.items) > q.maxQueueDepth {
		return &ArgumentError{Msg: fmt.Sprintf("queue length %d exceeds max depth %d", len(q.items), q.maxQueueDepth)}
	}

	seen := make(map[string]bool, len(q.items))
	expectedNonce := q.initialNonce
	for i, it := range q.items {
		if it.Nonce != expectedNonce {
			return &ArgumentError{Msg: fmt.Sprintf("item %d has nonce %d, expected contiguous %d", i, it.Nonce, expectedNonce)}
		}
		expectedNonce++

		if it.CurrentGasPrice.Cmp(it.IdealGasPrice) < 0 {
			return &ArgumentError{Msg: fmt.Sprintf("item %d current gas price %s is below ideal %s", i, it.CurrentGasPrice, it.IdealGasPrice)}
		}

		if i > 0 && q.items[i-1].IdealGasPrice.Cmp(it.IdealGasPrice) < 0 {
			return &ArgumentError{Msg: fmt.Sprintf("ideal gas price increased at item %d", i)}
		}

		key := it.Request.identifier()
		if seen[key] {
			return &ArgumentError{Msg: fmt.Sprintf("duplicate transaction identifier at item %d", i)}
		}
		seen[key] = true
	}
	if expectedNonce != q.emptyNonce {
		return &ArgumentError{Msg: fmt.Sprintf("empty_nonce %d does not follow last item nonce (expected %d)", q.emptyNonce, expectedNonce)}
	}
	return nil
}
