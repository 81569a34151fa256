// Copyright 2025 Certen Protocol
//
// Package audit is an append-only Postgres projection of every
// observable Responder event (spec.md §4.I): what the tower broadcast,
// when, and how it resolved. It plays no part in the tower's
// crash-consistency story — the Appointment Store remains the sole
// source of truth on restart — it exists so an operator can answer
// "what did we send for this appointment" without replaying the chain.
package audit

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/certen/pisa/pkg/responder"
)

const schema = `
CREATE TABLE IF NOT EXISTS responder_events (
	id             BIGSERIAL PRIMARY KEY,
	appointment_id TEXT NOT NULL,
	kind           TEXT NOT NULL,
	nonce          BIGINT NOT NULL,
	tx_hash        TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	err            TEXT,
	observed_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Log is a Postgres-backed audit trail of Responder events.
type Log struct {
	db *sql.DB
}

// Open connects to a Postgres instance at dsn and ensures the audit
// table exists.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one Responder event. Meant to be called in a loop over
// Dispatcher.Events(), same as pkg/metrics.Metrics.Observe.
func (l *Log) Record(ev responder.Event) error {
	var errText sql.NullString
	if ev.Err != nil {
		errText = sql.NullString{String: ev.Err.Error(), Valid: true}
	}
	_, err := l.db.Exec(
		`INSERT INTO responder_events (appointment_id, kind, nonce, tx_hash, attempt, err)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.AppointmentID.String(), kindString(ev.Kind), ev.Nonce, fmt.Sprintf("0x%x", ev.TxHash), ev.Attempt, errText,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func kindString(k responder.EventKind) string {
	switch k {
	case responder.EventResponseSent:
		return "response_sent"
	case responder.EventResponseConfirmed:
		return "response_confirmed"
	case responder.EventAttemptFailed:
		return "attempt_failed"
	case responder.EventResponseFailed:
		return "response_failed"
	default:
		return "unknown"
	}
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
