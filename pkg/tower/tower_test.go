package tower

import (
	"context"
	"math/big"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/certen/pisa/pkg/appointment"
	"github.com/certen/pisa/pkg/inspector"
	"github.com/certen/pisa/pkg/signer"
	"github.com/certen/pisa/pkg/store"
	"github.com/certen/pisa/pkg/subscriber"
	"github.com/certen/pisa/pkg/watcher"
)

// fakeSubscription is a no-op ethereum.Subscription for tests that never
// expect the underlying node connection to fail or be torn down.
type fakeSubscription struct{ errCh chan error }

func (f *fakeSubscription) Unsubscribe()      {}
func (f *fakeSubscription) Err() <-chan error { return f.errCh }

// fakeLogSubscriber satisfies subscriber's logSubscriber interface
// without a live node connection, so Watcher.Watch can run end to end in
// tests.
type fakeLogSubscriber struct{}

func (fakeLogSubscriber) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return &fakeSubscription{errCh: make(chan error)}, nil
}

// fakeKitsuneCaller scripts bind.ContractCaller's read-only surface so the
// Kitsune inspector's CheckPre can run to completion against a canned
// on-chain state instead of a live node.
type fakeKitsuneCaller struct {
	code []byte
}

var (
	kitsuneRoundSelector         = crypto.Keccak256([]byte("round()"))[:4]
	kitsuneDisputeWindowSelector = crypto.Keccak256([]byte("disputeWindow()"))[:4]
	kitsuneIsParticipantSelector = crypto.Keccak256([]byte("isParticipant(address)"))[:4]
)

func (f *fakeKitsuneCaller) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeKitsuneCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	selector := call.Data[:4]
	switch string(selector) {
	case string(kitsuneRoundSelector):
		return leftPadUint64(5), nil
	case string(kitsuneDisputeWindowSelector):
		return leftPadUint64(10), nil
	case string(kitsuneIsParticipantSelector):
		var b [32]byte
		b[31] = 1
		return b[:], nil
	}
	return nil, nil
}

func leftPadUint64(v uint64) []byte {
	var b [32]byte
	big.NewInt(0).SetUint64(v).FillBytes(b[:])
	return b[:]
}

// kitsuneFixtureKey is the one channel participant every test appointment
// claims, along with the contract bytecode its address is expected to run.
var kitsuneFixtureKey, _ = crypto.GenerateKey()
var kitsuneFixtureParticipant = crypto.PubkeyToAddress(kitsuneFixtureKey.PublicKey)
var kitsuneFixtureCode = []byte{0xde, 0xad, 0xbe, 0xef}
var kitsuneFixtureCodeHash = crypto.Keccak256Hash(kitsuneFixtureCode)

func newKitsuneInspector() *inspector.Kitsune {
	return inspector.NewKitsune(&fakeKitsuneCaller{code: kitsuneFixtureCode}, kitsuneFixtureCodeHash, 5)
}

// kitsunePreCondition packs a round/stateHash claim signed by the fixture
// participant, in the layout Kitsune.CheckPre expects: round(32) +
// stateHash(32) + numParticipants(32) + address(20) + signature(65).
func kitsunePreCondition(round uint64) []byte {
	var stateHash common.Hash
	stateHash[0] = 0x42
	sig, err := crypto.Sign(stateHash[:], kitsuneFixtureKey)
	if err != nil {
		panic(err)
	}

	buf := make([]byte, 0, 96+85)
	buf = append(buf, leftPadUint64(round)...)
	buf = append(buf, stateHash[:]...)
	buf = append(buf, leftPadUint64(1)...)
	buf = append(buf, kitsuneFixtureParticipant[:]...)
	buf = append(buf, sig...)
	return buf
}

func newTestTower(t *testing.T) (*Tower, *store.Store, *watcher.Watcher) {
	t.Helper()
	db := dbm.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db)

	registry := inspector.NewRegistry()
	require.NoError(t, registry.Register(newKitsuneInspector()))

	sub := subscriber.New(fakeLogSubscriber{}, 32)
	w := watcher.New(watcher.Config{
		Store:      st,
		Inspectors: registry,
		Subscriber: sub,
	})

	sgnr, err := signer.New("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	tw := New(Config{Store: st, Inspectors: registry, Signer: sgnr, Watcher: w})
	return tw, st, w
}

func validAppointment() *appointment.Appointment {
	a := &appointment.Appointment{
		ContractAddress:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		CustomerAddress:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		StartBlock:       100,
		EndBlock:         200,
		ChallengePeriod:  10,
		CustomerChosenID: 7,
		JobID:            1,
		Data:             []byte("dispute payload"),
		Refund:           big.NewInt(0),
		GasLimit:         21000,
		Mode:             "kitsune",
		EventABI:         "EventTrigger(uint256)",
		PreCondition:     kitsunePreCondition(6),
	}
	a.PaymentHash = [32]byte(appointment.FreeTierPaymentHash)
	return a
}

var _ bind.ContractCaller = (*fakeKitsuneCaller)(nil)

func TestAddAppointmentRejectsBadWindow(t *testing.T) {
	registry := inspector.NewRegistry()
	require.NoError(t, registry.Register(newKitsuneInspector()))
	tw := New(Config{Inspectors: registry})

	a := validAppointment()
	a.StartBlock, a.EndBlock = 200, 100

	_, err := tw.AddAppointment(context.Background(), a)
	require.Error(t, err)
	var vf *ValidationFailedError
	require.ErrorAs(t, err, &vf)
}

func TestAddAppointmentRejectsWrongPaymentHash(t *testing.T) {
	registry := inspector.NewRegistry()
	require.NoError(t, registry.Register(newKitsuneInspector()))
	tw := New(Config{Inspectors: registry})

	a := validAppointment()
	a.PaymentHash = [32]byte{0xff}

	_, err := tw.AddAppointment(context.Background(), a)
	require.Error(t, err)
	var vf *ValidationFailedError
	require.ErrorAs(t, err, &vf)
}

func TestAddAppointmentRejectsUnknownMode(t *testing.T) {
	registry := inspector.NewRegistry()
	tw := New(Config{Inspectors: registry})

	a := validAppointment()

	_, err := tw.AddAppointment(context.Background(), a)
	require.Error(t, err)
	var insf *InspectionFailedError
	require.ErrorAs(t, err, &insf)
}

func TestAddAppointmentRejectsFailedInspection(t *testing.T) {
	registry := inspector.NewRegistry()
	require.NoError(t, registry.Register(newKitsuneInspector()))
	tw := New(Config{Inspectors: registry})

	a := validAppointment()
	a.PreCondition = kitsunePreCondition(5)

	_, err := tw.AddAppointment(context.Background(), a)
	require.Error(t, err)
	var insf *InspectionFailedError
	require.ErrorAs(t, err, &insf)
}

// TestAddAppointmentSupersedesOlderJobAndUnwatchesIt exercises spec.md
// §8 scenario 5 and property P1 end to end through the Tower: a second
// appointment at the same locator with a higher job id must delete the
// first's Store record and drop the first's tracked Watcher status, so
// only job_id=2 is ever live or subscribed.
func TestAddAppointmentSupersedesOlderJobAndUnwatchesIt(t *testing.T) {
	tw, st, w := newTestTower(t)

	first := validAppointment()
	_, err := tw.AddAppointment(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, 1, w.Len())
	_, ok := w.Status(first.ID())
	require.True(t, ok)

	second := validAppointment()
	second.JobID = 2
	second.PreCondition = kitsunePreCondition(7)
	_, err = tw.AddAppointment(context.Background(), second)
	require.NoError(t, err)

	_, err = st.Get(first.ID())
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := st.Get(second.ID())
	require.NoError(t, err)
	require.True(t, second.Equal(got))

	_, ok = w.Status(first.ID())
	require.False(t, ok, "Watcher.Unwatch must drop the superseded appointment's tracked status")
	_, ok = w.Status(second.ID())
	require.True(t, ok)
	require.Equal(t, 1, w.Len())
}
