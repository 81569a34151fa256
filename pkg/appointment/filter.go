package appointment

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// FreeTierPaymentHash is the published free-tier payment hash (spec.md
// §1, §3 I4). Payment settlement is out of scope for this core; the
// tower accepts any appointment whose PaymentHash matches this constant
// and rejects everything else.
var FreeTierPaymentHash = crypto.Keccak256Hash([]byte("pisa-free-tier-v1"))

// Topic0 derives the event filter's first topic (spec.md §3's "event
// filter") from the appointment's human-readable event declaration: the
// keccak256 hash of the canonical signature string, the same convention
// Solidity uses to compute an event's topic.
func (a *Appointment) Topic0() common.Hash {
	return crypto.Keccak256Hash([]byte(a.EventABI))
}

// eventArgsEntrySize is one slot byte plus one 32-byte topic value per
// entry in the packed event_args field.
const eventArgsEntrySize = 1 + common.HashLength

// EventArgsEntry is one decoded (topic slot, required value) pair from
// an appointment's event_args filter (spec.md §3): "an array of argument
// indices followed by their values; unindexed positions are wildcards".
// Slot 0 is the event signature itself, already pinned by Topic0, so a
// slot here only ever addresses 1-3 — the indexed-argument topics a log
// natively carries alongside its signature.
type EventArgsEntry struct {
	Slot  uint8
	Value common.Hash
}

// ParseEventArgs decodes the appointment's packed event_args field into
// its (slot, value) pairs. An empty event_args is valid and decodes to no
// entries, meaning the appointment matches every log for its event
// signature regardless of indexed argument values.
func (a *Appointment) ParseEventArgs() ([]EventArgsEntry, error) {
	if len(a.EventArgs)%eventArgsEntrySize != 0 {
		return nil, fmt.Errorf("appointment: eventArgs length %d is not a multiple of %d", len(a.EventArgs), eventArgsEntrySize)
	}
	entries := make([]EventArgsEntry, 0, len(a.EventArgs)/eventArgsEntrySize)
	for off := 0; off < len(a.EventArgs); off += eventArgsEntrySize {
		slot := a.EventArgs[off]
		if slot < 1 || slot > 3 {
			return nil, fmt.Errorf("appointment: eventArgs slot %d out of range [1,3]", slot)
		}
		var value common.Hash
		copy(value[:], a.EventArgs[off+1:off+eventArgsEntrySize])
		entries = append(entries, EventArgsEntry{Slot: slot, Value: value})
	}
	return entries, nil
}

// MatchesLog reports whether lg's indexed topics satisfy every (slot,
// value) pair in the appointment's event_args filter. The Subscriber
// multiplexes many appointments onto one node-level subscription per
// (contract, topic0) pair, so without this check two appointments on the
// same contract and event but different indexed values would both fire
// on every matching log regardless of which one the event actually
// concerns (spec.md §3). A malformed event_args never matches — schema
// validation at admission time is expected to have already rejected it.
func (a *Appointment) MatchesLog(lg types.Log) bool {
	entries, err := a.ParseEventArgs()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if int(e.Slot) >= len(lg.Topics) || lg.Topics[e.Slot] != e.Value {
			return false
		}
	}
	return true
}
