package watcher

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/certen/pisa/pkg/appointment"
)

func testID() appointment.ID {
	return appointment.ID{
		Locator: appointment.Locator{
			CustomerChosenID: 7,
			CustomerAddress:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		},
		JobID: 1,
	}
}

func TestReduceMatchedLogOnActiveTriggers(t *testing.T) {
	next, actions := reduce(appointment.StatusActive, logInput{matched: true, log: types.Log{}})
	require.Equal(t, appointment.StatusTriggered, next)
	require.Len(t, actions, 1)
	require.Equal(t, actionEnqueue, actions[0].kind)
}

func TestReduceRetractionOnTriggeredRevertsToActive(t *testing.T) {
	next, actions := reduce(appointment.StatusTriggered, logInput{matched: false})
	require.Equal(t, appointment.StatusActive, next)
	require.Len(t, actions, 1)
	require.Equal(t, actionCancel, actions[0].kind)
}

func TestReduceSecondMatchOnTriggeredIsNoop(t *testing.T) {
	next, actions := reduce(appointment.StatusTriggered, logInput{matched: true})
	require.Equal(t, appointment.StatusTriggered, next)
	require.Nil(t, actions)
}

func TestReduceRetractionOnActiveIsNoop(t *testing.T) {
	next, actions := reduce(appointment.StatusActive, logInput{matched: false})
	require.Equal(t, appointment.StatusActive, next)
	require.Nil(t, actions)
}

func TestWatcherStatusAndLenTrackMachinesWithoutSideEffects(t *testing.T) {
	w := New(Config{})
	id := testID()

	_, ok := w.Status(id)
	require.False(t, ok, "an unseen appointment has no tracked status")
	require.Equal(t, 0, w.Len())

	// A retraction on an appointment the machine has never seen trigger
	// is a no-op transition (Active -> Active), so it exercises Apply
	// without requiring a live Subscriber/Dispatcher/Client.
	w.machines.Apply(id, logInput{matched: false})

	status, ok := w.Status(id)
	require.True(t, ok)
	require.Equal(t, appointment.StatusActive, status)
	require.Equal(t, 1, w.Len())
}

func TestWatcherUnwatchDropsTrackedState(t *testing.T) {
	w := New(Config{})
	id := testID()

	w.machines.Apply(id, logInput{matched: false})
	require.Equal(t, 1, w.Len())

	w.Unwatch(id)
	require.Equal(t, 0, w.Len())

	_, ok := w.Status(id)
	require.False(t, ok)
}

func TestWatcherUnwatchUnknownIDIsNoop(t *testing.T) {
	w := New(Config{})
	require.NotPanics(t, func() { w.Unwatch(testID()) })
}
