package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/waitqueue"
	"github.com/mmlabs-mindmaze/mmlib-sub001/timeoutindex"
)

func TestNewSessionStartsAlive(t *testing.T) {
	s := New(1, nil)
	require.Equal(t, Alive, s.State())
	require.False(t, s.IsWaiting())
}

func TestNewSessionAssignsUniqueCorrelationID(t *testing.T) {
	a := New(1, nil)
	b := New(2, nil)
	require.NotEmpty(t, a.CorrelationID)
	require.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestLifecycleTransitions(t *testing.T) {
	s := New(2, nil)
	s.BeginDraining()
	require.Equal(t, Draining, s.State())
	s.MarkDead()
	require.Equal(t, Dead, s.State())
}

func TestInFlightCounter(t *testing.T) {
	s := New(3, nil)
	require.EqualValues(t, 1, s.AddInFlight(1))
	require.EqualValues(t, 2, s.AddInFlight(1))
	require.EqualValues(t, 1, s.AddInFlight(-1))
	require.EqualValues(t, 1, s.InFlight())
}

func TestWaitFieldsRoundTrip(t *testing.T) {
	s := New(4, nil)
	s.WaitingLockKey = 42
	s.WakeupVal = 7
	s.WaitEntry = &waitqueue.Entry{}
	s.TimeoutNode = &timeoutindex.Node{}
	require.True(t, s.IsWaiting())

	s.ClearWait()
	require.False(t, s.IsWaiting())
	require.Zero(t, s.WaitingLockKey)
	require.Zero(t, s.WakeupVal)
	require.Nil(t, s.WaitEntry)
	require.Nil(t, s.TimeoutNode)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "alive", Alive.String())
	require.Equal(t, "draining", Draining.String())
	require.Equal(t, "dead", Dead.String())
}
