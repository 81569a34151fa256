package responder

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/certen/pisa/pkg/signer"
)

// fakeBroadcaster is a chainBroadcaster a test can script: send always
// fails, always succeeds, or a receipt never/always lands. It lets
// dispatcher_test.go drive the retry/backoff loop deterministically
// without a live node.
type fakeBroadcaster struct {
	mu sync.Mutex

	sendErr   error
	sendCalls int

	receipt    *types.Receipt
	receiptErr error
}

func (f *fakeBroadcaster) SendTransaction(_ context.Context, _ *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return f.sendErr
}

func (f *fakeBroadcaster) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func newTestSignerForDispatcher(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	return s
}

func TestNewDispatcherRequiresClientSignerChainID(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{}, New(0, 10, 15))
	require.Error(t, err)
}

func TestNewDispatcherAppliesDefaults(t *testing.T) {
	d, err := NewDispatcher(DispatcherConfig{
		Client:  &fakeBroadcaster{},
		Signer:  newTestSignerForDispatcher(t),
		ChainID: big.NewInt(1),
	}, New(0, 10, 15))
	require.NoError(t, err)
	require.Equal(t, 10, d.maxAttempts)
	require.NotZero(t, d.waitForProvider)
	require.NotZero(t, d.waitBetween)
	require.NotZero(t, d.pollInterval)
}

func TestDispatcherEnqueueAndSnapshot(t *testing.T) {
	d, err := NewDispatcher(DispatcherConfig{
		Client:  &fakeBroadcaster{},
		Signer:  newTestSignerForDispatcher(t),
		ChainID: big.NewInt(1),
	}, New(0, 10, 15))
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(reqWithPrice(1, 10)))
	snap := d.Snapshot()
	require.Equal(t, 1, snap.Len())

	id := snap.Items()[0].Request.AppointmentID
	require.NoError(t, d.Cancel(id, [20]byte{}))
	require.Equal(t, 0, d.Snapshot().Len())
}

func TestDispatcherHeadItemReflectsQueueOrder(t *testing.T) {
	d, err := NewDispatcher(DispatcherConfig{
		Client:  &fakeBroadcaster{},
		Signer:  newTestSignerForDispatcher(t),
		ChainID: big.NewInt(1),
	}, New(0, 10, 15))
	require.NoError(t, err)

	_, ok := d.headItem()
	require.False(t, ok)

	require.NoError(t, d.Enqueue(reqWithPrice(1, 10)))
	require.NoError(t, d.Enqueue(reqWithPrice(2, 20)))

	head, ok := d.headItem()
	require.True(t, ok)
	// Highest ideal gas price sorts first (spec.md §4.I step 1).
	require.Equal(t, int64(20), head.IdealGasPrice.Int64())
}

// drainEvents collects every event currently buffered on d.events without
// blocking, for asserting on drive()'s output after it returns.
func drainEvents(d *Dispatcher) []Event {
	var out []Event
	for {
		select {
		case ev := <-d.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKinds(events []Event) map[EventKind]int {
	counts := make(map[EventKind]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return counts
}

// TestDriveExhaustsRetriesWhenSendNeverSucceeds reproduces spec.md §8
// scenario 6: the provider's Send never resolves successfully; with
// MaxAttempts=5, exactly 5 AttemptFailed events fire, followed by one
// ResponseFailed, and neither ResponseSent nor ResponseConfirmed ever
// fires.
func TestDriveExhaustsRetriesWhenSendNeverSucceeds(t *testing.T) {
	fb := &fakeBroadcaster{sendErr: errors.New("provider unreachable")}
	d, err := NewDispatcher(DispatcherConfig{
		Client:                  fb,
		Signer:                  newTestSignerForDispatcher(t),
		ChainID:                 big.NewInt(1),
		MaxAttempts:             5,
		WaitBetweenAttempts:     time.Millisecond,
		WaitForProviderResponse: time.Millisecond,
		PollingInterval:         time.Millisecond,
	}, New(0, 10, 15))
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(reqWithPrice(1, 10)))
	head, ok := d.headItem()
	require.True(t, ok)

	d.drive(context.Background(), head)

	counts := countKinds(drainEvents(d))
	require.Equal(t, 5, counts[EventAttemptFailed])
	require.Equal(t, 1, counts[EventResponseFailed])
	require.Zero(t, counts[EventResponseSent])
	require.Zero(t, counts[EventResponseConfirmed])
	require.Equal(t, 5, fb.sendCalls)
}

// TestDriveConfirmsOnFirstReceipt exercises the happy path: Send
// succeeds and a receipt with a block number is available on the first
// poll, so ResponseSent then ResponseConfirmed fire with no
// AttemptFailed/ResponseFailed in between.
func TestDriveConfirmsOnFirstReceipt(t *testing.T) {
	fb := &fakeBroadcaster{receipt: &types.Receipt{BlockNumber: big.NewInt(100)}}
	d, err := NewDispatcher(DispatcherConfig{
		Client:                  fb,
		Signer:                  newTestSignerForDispatcher(t),
		ChainID:                 big.NewInt(1),
		MaxAttempts:             5,
		WaitBetweenAttempts:     time.Millisecond,
		WaitForProviderResponse: 50 * time.Millisecond,
		PollingInterval:         time.Millisecond,
	}, New(0, 10, 15))
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(reqWithPrice(1, 10)))
	head, ok := d.headItem()
	require.True(t, ok)

	d.drive(context.Background(), head)

	counts := countKinds(drainEvents(d))
	require.Equal(t, 1, counts[EventResponseSent])
	require.Equal(t, 1, counts[EventResponseConfirmed])
	require.Zero(t, counts[EventAttemptFailed])
	require.Zero(t, counts[EventResponseFailed])
	require.Equal(t, 0, d.queue.Len())
}

// TestDriveBumpsAndRetriesOnTimeoutUntilExhausted: Send always succeeds
// but the receipt never lands, so every await round times out; the item
// is gas-bumped and rebroadcast after each timeout until MaxAttempts is
// reached, and then ResponseFailed fires. ResponseSent fires once, for
// the first successful broadcast.
func TestDriveBumpsAndRetriesOnTimeoutUntilExhausted(t *testing.T) {
	fb := &fakeBroadcaster{} // receipt stays nil: every await round times out
	d, err := NewDispatcher(DispatcherConfig{
		Client:                  fb,
		Signer:                  newTestSignerForDispatcher(t),
		ChainID:                 big.NewInt(1),
		MaxAttempts:             3,
		WaitBetweenAttempts:     time.Millisecond,
		WaitForProviderResponse: time.Millisecond,
		PollingInterval:         time.Millisecond,
	}, New(0, 10, 15))
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(reqWithPrice(1, 10)))
	head, ok := d.headItem()
	require.True(t, ok)

	d.drive(context.Background(), head)

	counts := countKinds(drainEvents(d))
	require.Equal(t, 1, counts[EventResponseSent])
	require.Equal(t, 3, counts[EventAttemptFailed])
	require.Equal(t, 1, counts[EventResponseFailed])
	require.Zero(t, counts[EventResponseConfirmed])
	require.Greater(t, fb.sendCalls, 1)
}
