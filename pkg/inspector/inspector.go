// Copyright 2025 Certen Protocol
//
// Package inspector implements the Inspector Registry (spec.md §4.F): a
// pluggable set of dispute-mode validators. Each registered Inspector
// understands one customer contract's dispute protocol well enough to
// validate an appointment at admission time, build the response
// transaction calldata once the dispute trigger fires, and confirm after
// the fact that the response the tower broadcast actually resolved the
// dispute on chain.
package inspector

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/certen/pisa/pkg/appointment"
)

// Inspector validates and services one dispute mode.
type Inspector interface {
	// Mode returns the mode tag this inspector handles.
	Mode() appointment.Mode

	// CheckPre validates an appointment's soundness for this mode before
	// the tower accepts it — that gasLimit, data, and preCondition decode
	// into whatever the contract expects, and, for modes that need it, a
	// read-only check against the chain itself (spec.md §4.F step 2).
	CheckPre(ctx context.Context, a *appointment.Appointment) error

	// BuildResponse constructs the transaction target and calldata the
	// Responder should broadcast once triggerLog fires the appointment.
	BuildResponse(ctx context.Context, a *appointment.Appointment, triggerLog types.Log) (Response, error)

	// CheckPost reports whether receipt shows the broadcast response
	// achieved its effect (e.g. a specific event was emitted, or a
	// specific storage-touching call succeeded).
	CheckPost(ctx context.Context, a *appointment.Appointment, receipt *types.Receipt) (bool, error)
}

// Response is the transaction shape an Inspector hands back to the
// Responder: where to send it and what calldata to send.
type Response struct {
	To   [20]byte
	Data []byte
}
