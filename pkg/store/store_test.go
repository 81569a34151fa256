package store

import (
	"math/big"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/certen/pisa/pkg/appointment"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbm.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func newAppointment(chosenID, jobID, endBlock uint64) *appointment.Appointment {
	return &appointment.Appointment{
		ContractAddress:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		CustomerAddress:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		StartBlock:       1,
		EndBlock:         endBlock,
		CustomerChosenID: chosenID,
		JobID:            jobID,
		Refund:           big.NewInt(1),
		Mode:             "kitsune",
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	a := newAppointment(1, 1, 100)

	_, err := s.Put(a)
	require.NoError(t, err)
	got, err := s.Get(a.ID())
	require.NoError(t, err)
	require.True(t, a.Equal(got))
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	a := newAppointment(1, 1, 100)
	_, err := s.Put(a)
	require.NoError(t, err)
	_, err = s.Put(a)
	require.NoError(t, err)
}

func TestPutRejectsIDConflict(t *testing.T) {
	s := newTestStore(t)
	a := newAppointment(1, 1, 100)
	_, err := s.Put(a)
	require.NoError(t, err)

	b := newAppointment(1, 1, 200)
	_, err = s.Put(b)
	require.ErrorIs(t, err, ErrIDConflict)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(newAppointment(9, 9, 9).ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	a := newAppointment(1, 1, 100)
	_, err := s.Put(a)
	require.NoError(t, err)
	require.NoError(t, s.Delete(a.ID()))
	require.NoError(t, s.Delete(a.ID()))

	_, err = s.Get(a.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIterByEndBlockUpto(t *testing.T) {
	s := newTestStore(t)
	a1 := newAppointment(1, 1, 100)
	a2 := newAppointment(2, 1, 150)
	a3 := newAppointment(3, 1, 300)
	_, err := s.Put(a1)
	require.NoError(t, err)
	_, err = s.Put(a2)
	require.NoError(t, err)
	_, err = s.Put(a3)
	require.NoError(t, err)

	ids, err := s.IterByEndBlockUpto(150)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, a1.ID())
	require.Contains(t, ids, a2.ID())
	require.NotContains(t, ids, a3.ID())
}

func TestLastBlock(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LastBlock()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetLastBlock(42))
	h, ok, err := s.LastBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), h)
}

func TestAll(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(newAppointment(1, 1, 100))
	require.NoError(t, err)
	_, err = s.Put(newAppointment(2, 1, 200))
	require.NoError(t, err)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

// TestPutSupersedesOlderJobAtSameLocator exercises spec.md §8 scenario 5
// and property P1 (at most one active appointment per locator): putting
// job_id=2 at a locator already holding job_id=1 must report job_id=1 as
// superseded and delete its record and end-block index entry outright,
// leaving only job_id=2 live.
func TestPutSupersedesOlderJobAtSameLocator(t *testing.T) {
	s := newTestStore(t)
	first := newAppointment(1, 1, 100)
	second := newAppointment(1, 2, 200)

	superseded, err := s.Put(first)
	require.NoError(t, err)
	require.Nil(t, superseded)

	superseded, err = s.Put(second)
	require.NoError(t, err)
	require.NotNil(t, superseded)
	require.Equal(t, first.ID(), *superseded)

	_, err = s.Get(first.ID())
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(second.ID())
	require.NoError(t, err)
	require.True(t, second.Equal(got))

	ids, err := s.IterByEndBlockUpto(200)
	require.NoError(t, err)
	require.NotContains(t, ids, first.ID())
	require.Contains(t, ids, second.ID())
}

// TestPutRejectsStaleJobID ensures a job id that doesn't strictly exceed
// the locator's current job id is rejected rather than silently ignored
// or accepted as a second live record.
func TestPutRejectsStaleJobID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(newAppointment(1, 2, 100))
	require.NoError(t, err)

	_, err = s.Put(newAppointment(1, 1, 200))
	require.ErrorIs(t, err, ErrStaleJobID)
}
