// Copyright 2025 Certen Protocol
//
// Package appointment defines the hiring-contract data model a customer
// submits to the tower: the Appointment itself, its derived identifiers,
// and the wire encodings used at the HTTP boundary and for receipt
// signing.
package appointment

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Mode selects the pre/post/challenge-time dispute-handler triple an
// Inspector implements. It is a plain string tag, not an enum, so new
// modes can be registered without touching this package.
type Mode string

// Appointment is the immutable hiring contract between a customer and the
// tower covering one dispute event in one block window. Once accepted
// (persisted and receipted) its fields never change; a customer who wants
// to change terms submits a new appointment with a higher JobID at the
// same Locator.
type Appointment struct {
	ContractAddress common.Address `json:"contractAddress"`
	CustomerAddress common.Address `json:"customerAddress"`

	StartBlock      uint64 `json:"startBlock,string"`
	EndBlock        uint64 `json:"endBlock,string"`
	ChallengePeriod uint64 `json:"challengePeriod,string"`

	CustomerChosenID uint64 `json:"customerChosenId,string"`
	JobID            uint64 `json:"jobId,string"`

	Data []byte `json:"data"`

	Refund   *big.Int `json:"refund"`
	GasLimit uint64   `json:"gasLimit,string"`
	Mode     Mode     `json:"mode"`

	EventABI string `json:"eventAbi"`
	EventArgs []byte `json:"eventArgs"`

	PreCondition  []byte `json:"preCondition"`
	PostCondition []byte `json:"postCondition"`

	PaymentHash       [32]byte `json:"paymentHash"`
	CustomerSignature [65]byte `json:"customerSignature"`
}

// Locator is the non-unique customer-facing key. Many appointments may
// share a locator over time; only the one with the greatest JobID is ever
// active (spec.md I2).
type Locator struct {
	CustomerChosenID uint64
	CustomerAddress  common.Address
}

// String renders the locator as a stable map/store key component.
func (l Locator) String() string {
	return fmt.Sprintf("%d:%s", l.CustomerChosenID, l.CustomerAddress.Hex())
}

// ID is the unique appointment identifier: a locator plus the job id that
// replaced any earlier job at that locator.
type ID struct {
	Locator Locator
	JobID   uint64
}

// String renders the id as a stable store key.
func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Locator.String(), id.JobID)
}

// Locator returns the appointment's derived locator.
func (a *Appointment) Locator() Locator {
	return Locator{CustomerChosenID: a.CustomerChosenID, CustomerAddress: a.CustomerAddress}
}

// ID returns the appointment's derived unique identifier.
func (a *Appointment) ID() ID {
	return ID{Locator: a.Locator(), JobID: a.JobID}
}

// Equal reports whether two appointments carry identical field values —
// used by the Store's idempotent re-put check (spec.md §4.D).
func (a *Appointment) Equal(b *Appointment) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ContractAddress != b.ContractAddress ||
		a.CustomerAddress != b.CustomerAddress ||
		a.StartBlock != b.StartBlock ||
		a.EndBlock != b.EndBlock ||
		a.ChallengePeriod != b.ChallengePeriod ||
		a.CustomerChosenID != b.CustomerChosenID ||
		a.JobID != b.JobID ||
		a.GasLimit != b.GasLimit ||
		a.Mode != b.Mode ||
		a.EventABI != b.EventABI ||
		a.PaymentHash != b.PaymentHash ||
		a.CustomerSignature != b.CustomerSignature {
		return false
	}
	if (a.Refund == nil) != (b.Refund == nil) {
		return false
	}
	if a.Refund != nil && a.Refund.Cmp(b.Refund) != 0 {
		return false
	}
	return bytesEqual(a.Data, b.Data) &&
		bytesEqual(a.EventArgs, b.EventArgs) &&
		bytesEqual(a.PreCondition, b.PreCondition) &&
		bytesEqual(a.PostCondition, b.PostCondition)
}

func bytesEqual(x, y []byte) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Status is the appointment's lifecycle stage (spec.md §3). It is kept in
// memory only; the Store persists the Appointment itself and its
// liveness is derived from the block stream plus the end-block index.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusTriggered
	StatusCompleted
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusTriggered:
		return "triggered"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}
