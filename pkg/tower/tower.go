// Copyright 2025 Certen Protocol
//
// Package tower implements the Tower's admission path (spec.md §4.G):
// the end-to-end accept flow a customer's appointment goes through —
// schema validation, mode-specific inspection, receipt signing, durable
// persistence, and event subscription — plus the startup recovery path
// that makes steps 4-5 atomic across a crash.
package tower

import (
	"context"
	"fmt"

	"github.com/certen/pisa/pkg/appointment"
	"github.com/certen/pisa/pkg/inspector"
	"github.com/certen/pisa/pkg/signer"
	"github.com/certen/pisa/pkg/store"
	"github.com/certen/pisa/pkg/watcher"
)

// Config wires a Tower to its collaborators.
type Config struct {
	Store      *store.Store
	Inspectors *inspector.Registry
	Signer     *signer.Signer
	Watcher    *watcher.Watcher
}

// Tower runs the admission path described in spec.md §4.G.
type Tower struct {
	cfg Config
}

// New constructs a Tower.
func New(cfg Config) *Tower {
	return &Tower{cfg: cfg}
}

// AddAppointment validates, inspects, signs, persists, and subscribes a
// customer's appointment, returning the accountability receipt
// signature. Steps 4 (persist) and 5 (subscribe) are made atomic from
// the client's perspective by Recover, not by this call itself: a crash
// between them is repaired at startup, not mid-request.
func (t *Tower) AddAppointment(ctx context.Context, a *appointment.Appointment) ([65]byte, error) {
	var sig [65]byte

	if err := validateSchema(a); err != nil {
		return sig, &ValidationFailedError{Err: err}
	}

	insp, err := t.cfg.Inspectors.Get(a.Mode)
	if err != nil {
		return sig, &InspectionFailedError{Err: err}
	}
	if err := insp.CheckPre(ctx, a); err != nil {
		return sig, &InspectionFailedError{Err: err}
	}

	sig, err = t.cfg.Signer.Sign(a)
	if err != nil {
		return sig, fmt.Errorf("tower: sign appointment: %w", err)
	}

	superseded, err := t.cfg.Store.Put(a)
	if err != nil {
		return sig, fmt.Errorf("tower: persist appointment: %w", err)
	}
	if superseded != nil {
		t.cfg.Watcher.Unwatch(*superseded)
	}

	if err := t.cfg.Watcher.Watch(a); err != nil {
		return sig, fmt.Errorf("tower: subscribe appointment: %w", err)
	}

	return sig, nil
}

// Recover re-registers filters for every appointment persisted in the
// Store, replaying any historical matching log since each appointment's
// start block. Must run to completion before the HTTP surface starts
// accepting new requests (spec.md §4.G step 4-5 atomicity note).
func (t *Tower) Recover(ctx context.Context) error {
	all, err := t.cfg.Store.All()
	if err != nil {
		return fmt.Errorf("tower: list stored appointments: %w", err)
	}
	for _, a := range all {
		if err := t.cfg.Watcher.Recover(ctx, a); err != nil {
			return fmt.Errorf("tower: recover appointment %s: %w", a.ID(), err)
		}
	}
	return nil
}

// validateSchema performs the structural checks every mode shares
// before a mode-specific Inspector ever runs (spec.md §4.G step 1, §3
// I4).
func validateSchema(a *appointment.Appointment) error {
	if a.StartBlock > a.EndBlock {
		return fmt.Errorf("startBlock %d is greater than endBlock %d", a.StartBlock, a.EndBlock)
	}
	if a.GasLimit == 0 {
		return fmt.Errorf("gasLimit must be positive")
	}
	if a.Refund == nil || a.Refund.Sign() < 0 {
		return fmt.Errorf("refund must be non-negative")
	}
	if a.EventABI == "" {
		return fmt.Errorf("eventAbi is required")
	}
	if _, err := a.ParseEventArgs(); err != nil {
		return err
	}
	if a.Mode == "" {
		return fmt.Errorf("mode is required")
	}
	if a.PaymentHash != [32]byte(appointment.FreeTierPaymentHash) {
		return fmt.Errorf("paymentHash does not match the published free-tier constant")
	}
	return nil
}
