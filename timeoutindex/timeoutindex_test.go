package timeoutindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mmlabs-mindmaze/mmlib-sub001/clock"
)

func TestInsertKeepsAscendingOrder(t *testing.T) {
	ix := New()
	base := time.Now()

	n3 := ix.Insert(&Node{Deadline: base.Add(3 * time.Second), Base: clock.Monotonic})
	n1 := ix.Insert(&Node{Deadline: base.Add(1 * time.Second), Base: clock.Monotonic})
	n2 := ix.Insert(&Node{Deadline: base.Add(2 * time.Second), Base: clock.Monotonic})

	require.Equal(t, 3, ix.Len())

	expired := ix.ExpireBefore(func(clock.Base) time.Time { return base.Add(10 * time.Second) })
	require.Equal(t, []*Node{n1, n2, n3}, expired)
}

func TestClockBasesAreIndependent(t *testing.T) {
	ix := New()
	base := time.Now()

	mono := ix.Insert(&Node{Deadline: base.Add(time.Second), Base: clock.Monotonic})
	wall := ix.Insert(&Node{Deadline: base.Add(time.Second), Base: clock.Wall})

	expired := ix.ExpireBefore(func(b clock.Base) time.Time {
		if b == clock.Monotonic {
			return base.Add(10 * time.Second)
		}
		return base // wall clock hasn't caught up: should not expire
	})

	require.Equal(t, []*Node{mono}, expired)
	require.Equal(t, 1, ix.Len())

	stillThere, ok := ix.NextDeadline()
	require.True(t, ok)
	require.True(t, stillThere.Equal(wall.Deadline))
}

func TestCancelDetaches(t *testing.T) {
	ix := New()
	base := time.Now()

	n := ix.Insert(&Node{Deadline: base.Add(time.Second), Base: clock.Monotonic})
	require.Equal(t, 1, ix.Len())

	ix.Cancel(n)
	require.Equal(t, 0, ix.Len())

	// idempotent
	ix.Cancel(n)
	require.Equal(t, 0, ix.Len())
}

func TestNextDeadlineEmpty(t *testing.T) {
	ix := New()
	_, ok := ix.NextDeadline()
	require.False(t, ok)
}

func TestNextDeadlinePicksEarliestAcrossBases(t *testing.T) {
	ix := New()
	base := time.Now()

	ix.Insert(&Node{Deadline: base.Add(5 * time.Second), Base: clock.Monotonic})
	ix.Insert(&Node{Deadline: base.Add(2 * time.Second), Base: clock.Wall})

	d, ok := ix.NextDeadline()
	require.True(t, ok)
	require.True(t, d.Equal(base.Add(2*time.Second)))
}
