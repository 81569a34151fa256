// Copyright 2025 Certen Protocol
//
// Package store implements the Appointment Store (spec.md §4.D): the
// tower's durable, crash-consistent record of every appointment it has
// accepted. On restart the Store is the sole source of truth — the
// Watcher's in-memory state and the Responder's gas queue are both
// rebuilt from it, never the other way around.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/pisa/pkg/appointment"
)

var (
	keyAppointmentPrefix = []byte("appointment/")
	keyEndBlockPrefix    = []byte("endblock/")
	keyLocatorPrefix     = []byte("locator:")
	keyMetaLastBlock     = []byte("meta/lastBlock")
)

func appointmentKey(id appointment.ID) []byte {
	return append(append([]byte{}, keyAppointmentPrefix...), []byte(id.String())...)
}

// locatorKey indexes the single live job id for a locator, so Put can
// find and supersede an older job at the same locator (spec.md §4.D).
func locatorKey(loc appointment.Locator) []byte {
	return append(append([]byte{}, keyLocatorPrefix...), []byte(loc.String())...)
}

// endBlockKey is prefixed with the appointment's end block in big-endian
// form so a ranged scan up to a height returns exactly the appointments
// that have expired by that height, in ascending order (mirrors
// pkg/ledger/store.go's systemBlockKey).
func endBlockKey(endBlock uint64, id appointment.ID) []byte {
	k := append(append([]byte{}, keyEndBlockPrefix...), appointment.BigEndianUint64(endBlock)...)
	k = append(k, '/')
	return append(k, []byte(id.String())...)
}

func endBlockRangeEnd(upto uint64) []byte {
	k := append(append([]byte{}, keyEndBlockPrefix...), appointment.BigEndianUint64(upto)...)
	return append(k, 0xff)
}

// prefixRangeEnd returns an exclusive upper bound that covers every key
// starting with prefix, for backends whose Iterator end is exclusive.
func prefixRangeEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	return append(end, 0xff)
}

// Store persists appointments and the secondary end-block index used by
// the Garbage Collector. A single *sync.Mutex serializes writes; the
// tower has one writer (the Tower component), so this is not a
// contention point, only a correctness guard against concurrent Put/
// Delete races during crash recovery replay.
type Store struct {
	mu sync.Mutex
	db dbm.DB
}

// New wraps an already-opened dbm.DB. Callers are expected to construct
// db with dbm.NewBadgerDB(name, dir) (see cmd/pisad/main.go).
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

// Put persists an appointment and its end-block index entry, returning
// the superseded ID if this put replaced an older job at the same
// locator. Re-putting an identical appointment under the same ID is a
// no-op success; putting a different appointment under an ID already in
// use is rejected, since IDs are derived from immutable fields and must
// never be overwritten silently. A record sharing a locator with a
// strictly lower job_id is atomically replaced — its appointment and
// end-block entries are removed in the same batched write that stores a;
// the Tower then calls `Watcher.Unwatch(superseded)` (spec.md §4.D).
func (s *Store) Put(a *appointment.Appointment) (*appointment.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := a.ID()
	existing, err := s.get(id)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil {
		if existing.Equal(a) {
			return nil, nil
		}
		return nil, ErrIDConflict
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	var superseded *appointment.ID
	if prevIDStr, err := s.db.Get(locatorKey(a.Locator())); err == nil && len(prevIDStr) > 0 {
		prevID, err := parseID(string(prevIDStr))
		if err != nil {
			return nil, fmt.Errorf("store: parse locator index value %q: %w", prevIDStr, err)
		}
		if prevID.JobID >= a.JobID {
			return nil, ErrStaleJobID
		}
		prev, err := s.get(prevID)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if prev != nil {
			if err := batch.Delete(appointmentKey(prevID)); err != nil {
				return nil, fmt.Errorf("store: delete superseded appointment: %w", err)
			}
			if err := batch.Delete(endBlockKey(prev.EndBlock, prevID)); err != nil {
				return nil, fmt.Errorf("store: delete superseded end-block index: %w", err)
			}
			superseded = &prevID
		}
	}

	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("store: marshal appointment: %w", err)
	}
	if err := batch.Set(appointmentKey(id), b); err != nil {
		return nil, fmt.Errorf("store: set appointment: %w", err)
	}
	if err := batch.Set(endBlockKey(a.EndBlock, id), []byte(id.String())); err != nil {
		return nil, fmt.Errorf("store: set end-block index: %w", err)
	}
	if err := batch.Set(locatorKey(a.Locator()), []byte(id.String())); err != nil {
		return nil, fmt.Errorf("store: set locator index: %w", err)
	}
	if err := batch.WriteSync(); err != nil {
		return nil, fmt.Errorf("store: write appointment batch: %w", err)
	}
	return superseded, nil
}

// Get returns the appointment stored under id, or ErrNotFound.
func (s *Store) Get(id appointment.ID) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id appointment.ID) (*appointment.Appointment, error) {
	b, err := s.db.Get(appointmentKey(id))
	if err != nil {
		return nil, fmt.Errorf("store: get appointment: %w", err)
	}
	if len(b) == 0 {
		return nil, ErrNotFound
	}
	var a appointment.Appointment
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("store: unmarshal appointment: %w", err)
	}
	return &a, nil
}

// Delete removes an appointment and its end-block index entry. Deleting
// an ID that isn't present is not an error, so the Garbage Collector can
// prune idempotently after a crash mid-sweep.
func (s *Store) Delete(id appointment.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.get(id)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.DeleteSync(appointmentKey(id)); err != nil {
		return fmt.Errorf("store: delete appointment: %w", err)
	}
	if err := s.db.DeleteSync(endBlockKey(a.EndBlock, id)); err != nil {
		return fmt.Errorf("store: delete end-block index: %w", err)
	}
	return nil
}

// IterByEndBlockUpto returns every appointment ID whose end block is less
// than or equal to upto, ascending by end block. The Garbage Collector
// calls this once per sweep, i.e. once every Interval block heads
// (spec.md §4.J).
func (s *Store) IterByEndBlockUpto(upto uint64) ([]appointment.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.db.Iterator(keyEndBlockPrefix, endBlockRangeEnd(upto))
	if err != nil {
		return nil, fmt.Errorf("store: open end-block iterator: %w", err)
	}
	defer it.Close()

	var out []appointment.ID
	for ; it.Valid(); it.Next() {
		idStr := string(it.Value())
		id, err := parseID(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse indexed id %q: %w", idStr, err)
		}
		out = append(out, id)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate end-block index: %w", err)
	}
	return out, nil
}

// SetLastBlock records the last block height the tower has fully
// processed. cmd/pisad writes it for every confirmed head; nothing reads
// it back on startup, so a restart does not resume the chain sync from it.
func (s *Store) SetLastBlock(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.SetSync(keyMetaLastBlock, appointment.BigEndianUint64(height))
}

// LastBlock returns the last recorded height, or (0, false) if none has
// been recorded yet.
func (s *Store) LastBlock() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.db.Get(keyMetaLastBlock)
	if err != nil {
		return 0, false, fmt.Errorf("store: get last block: %w", err)
	}
	if len(b) != 8 {
		return 0, false, nil
	}
	return beUint64(b), true, nil
}

// All returns every appointment currently stored, used by Recover() to
// rebuild the Watcher and Responder's in-memory state on startup.
func (s *Store) All() ([]*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.db.Iterator(keyAppointmentPrefix, prefixRangeEnd(keyAppointmentPrefix))
	if err != nil {
		return nil, fmt.Errorf("store: open appointment iterator: %w", err)
	}
	defer it.Close()

	var out []*appointment.Appointment
	for ; it.Valid(); it.Next() {
		var a appointment.Appointment
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			return nil, fmt.Errorf("store: unmarshal appointment: %w", err)
		}
		out = append(out, &a)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate appointments: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
