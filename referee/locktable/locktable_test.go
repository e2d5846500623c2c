package locktable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/waitqueue"
)

func TestTableGetCreateIsSorted(t *testing.T) {
	tbl := NewTable()

	keys := []int64{50, 10, 30, 20, 40}
	for _, k := range keys {
		lock, ok := tbl.Get(k, true)
		require.True(t, ok)
		require.Equal(t, k, lock.Key)
	}

	require.Equal(t, 5, tbl.Len())
	var prev int64 = -1
	for i := 0; i < tbl.Len(); i++ {
		lock, ok := tbl.Get(int64(10*(i+1)), false)
		require.True(t, ok)
		require.Greater(t, lock.Key, prev)
		prev = lock.Key
	}
}

func TestTableGetWithoutCreateMiss(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Get(999, false)
	require.False(t, ok)
}

func TestTableGetReturnsSameLockInstance(t *testing.T) {
	tbl := NewTable()
	a, _ := tbl.Get(7, true)
	b, _ := tbl.Get(7, true)
	require.Same(t, a, b)
}

func TestGenerateKeyNeverRepeatsAndIsNonzero(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	seen := map[int64]bool{}
	for i := 0; i < 1000; i++ {
		k := tbl.GenerateKey(now)
		require.NotZero(t, k)
		require.False(t, seen[k], "key reused: %d", k)
		seen[k] = true
	}
}

func TestCompactDropsOnlyUnusedLocks(t *testing.T) {
	tbl := NewTable()
	used, _ := tbl.Get(1, true)
	unused, _ := tbl.Get(2, true)
	_ = unused

	entry := &waitqueue.Entry{WakeupVal: 0}
	require.True(t, used.AddWaiter(entry))

	tbl.Compact()
	require.Equal(t, 1, tbl.Len())
	lock, ok := tbl.Get(1, false)
	require.True(t, ok)
	require.Same(t, used, lock)

	_, ok = tbl.Get(2, false)
	require.False(t, ok)
}

func TestCompactIdempotent(t *testing.T) {
	tbl := NewTable()
	tbl.Get(1, true)
	tbl.Get(2, true)
	tbl.Compact()
	before := tbl.Len()
	tbl.Compact()
	require.Equal(t, before, tbl.Len())
}

func TestLockAddWaiterPreChargedWakeDeliversImmediately(t *testing.T) {
	lock := newLock(1)

	woken := lock.WakeWaiters(1, 5)
	require.Empty(t, woken)
	require.Equal(t, int64(-1), lock.NWaiter)
	require.Equal(t, int64(5), lock.MaxWakeupVal)

	entry := &waitqueue.Entry{WakeupVal: 5}
	suspended := lock.AddWaiter(entry)
	require.False(t, suspended)
	require.Equal(t, 0, lock.Waiters.Len())
}

func TestLockWakeWaitersFIFOOrderAndSkipping(t *testing.T) {
	lock := newLock(9)

	a := &waitqueue.Entry{WakeupVal: 1}
	b := &waitqueue.Entry{WakeupVal: 5}
	c := &waitqueue.Entry{WakeupVal: 1}

	require.True(t, lock.AddWaiter(a))
	require.True(t, lock.AddWaiter(b))
	require.True(t, lock.AddWaiter(c))

	woken := lock.WakeWaiters(2, 1)
	require.Equal(t, []*waitqueue.Entry{a, c}, woken)
	require.Equal(t, 1, lock.Waiters.Len())
	require.Same(t, b, lock.Waiters.Front())
}

func TestLockDropWaiter(t *testing.T) {
	lock := newLock(3)
	e := &waitqueue.Entry{WakeupVal: 0}
	lock.AddWaiter(e)
	require.Equal(t, int64(1), lock.NWaiter)

	lock.DropWaiter(e)
	require.Equal(t, int64(0), lock.NWaiter)
	require.Equal(t, 0, lock.Waiters.Len())
}

func TestLockIsUnused(t *testing.T) {
	lock := newLock(4)
	require.True(t, lock.IsUnused())

	e := &waitqueue.Entry{}
	lock.AddWaiter(e)
	require.False(t, lock.IsUnused())

	lock.DropWaiter(e)
	require.True(t, lock.IsUnused())
}

func TestLockIsUnusedFalseOnceStateRegionAllocated(t *testing.T) {
	lock := newLock(6)
	require.True(t, lock.IsUnused())

	_, err := lock.StateRegion()
	require.NoError(t, err)
	require.False(t, lock.IsUnused())

	// idempotent: repeated calls return the same region, not a new one.
	again, err := lock.StateRegion()
	require.NoError(t, err)
	region, err := lock.StateRegion()
	require.NoError(t, err)
	require.Same(t, region, again)
}

func TestLockReportDeadAndReadyForCleanup(t *testing.T) {
	lock := newLock(5)

	require.NoError(t, lock.ReportDead(false, 111))
	_, ok := lock.ReadyForCleanup()
	require.False(t, ok, "no waiter available yet, job should stay parked")
	require.NotNil(t, lock.Job)

	waiter := &waitqueue.Entry{}
	lock.AddWaiter(waiter)

	got, ok := lock.ReadyForCleanup()
	require.True(t, ok)
	require.Same(t, waiter, got)
	require.True(t, lock.Job.InProgress())

	lock.ReportCleanupDone()
	require.False(t, lock.Job.InProgress())
}

func TestLockReadyForCleanupDiscardsVacuousJob(t *testing.T) {
	lock := newLock(6)
	require.NoError(t, lock.ReportDead(false, 1))
	job := lock.Job
	job.Reset() // simulate a job that has been fully drained elsewhere

	_, ok := lock.ReadyForCleanup()
	require.False(t, ok)
	require.Nil(t, lock.Job)
}
