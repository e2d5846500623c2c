package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLockedKeyRoundTrip(t *testing.T) {
	reg, err := NewRegistry(4242, 4)
	require.NoError(t, err)
	defer reg.Close()

	require.Equal(t, uint32(4242), reg.ThreadID())
	require.GreaterOrEqual(t, reg.NumLockedMax(), 4)
	require.Equal(t, 0, reg.NumLocked())

	require.NoError(t, reg.AddLocked(100))
	require.NoError(t, reg.AddLocked(200))
	require.Equal(t, 2, reg.NumLocked())
	require.Equal(t, int64(100), reg.LockedKey(0))
	require.Equal(t, int64(200), reg.LockedKey(1))

	reg.RemoveLocked(100)
	require.Equal(t, 1, reg.NumLocked())
	require.Equal(t, int64(200), reg.LockedKey(0))
}

func TestRegistryLockedKeyArrayFull(t *testing.T) {
	reg, err := NewRegistry(1, 1)
	require.NoError(t, err)
	defer reg.Close()

	max := reg.NumLockedMax()
	for i := 0; i < max; i++ {
		require.NoError(t, reg.AddLocked(int64(i+1)))
	}
	require.Error(t, reg.AddLocked(999))
}

func TestRegistryAttempt(t *testing.T) {
	reg, err := NewRegistry(7, 2)
	require.NoError(t, err)
	defer reg.Close()

	require.Equal(t, int64(0), reg.AttemptKey())
	require.False(t, reg.IsWaiter())

	reg.SetAttempt(55, true)
	require.Equal(t, int64(55), reg.AttemptKey())
	require.True(t, reg.IsWaiter())

	reg.SetAttempt(0, false)
	require.Equal(t, int64(0), reg.AttemptKey())
	require.False(t, reg.IsWaiter())
}

func TestJobLifecycle(t *testing.T) {
	job, err := NewJob(2)
	require.NoError(t, err)
	defer job.Close()

	require.False(t, job.InProgress())
	require.Equal(t, 0, job.NumDead())

	require.NoError(t, job.ReportDead(DeadThread{IsWaiter: false, ThreadID: 11}))
	require.NoError(t, job.ReportDead(DeadThread{IsWaiter: true, ThreadID: 22}))
	require.Equal(t, 2, job.NumDead())

	dead := job.DeadList()
	require.Equal(t, []DeadThread{
		{IsWaiter: false, ThreadID: 11},
		{IsWaiter: true, ThreadID: 22},
	}, dead)

	job.SetInProgress(true)
	require.True(t, job.InProgress())
	job.SetInProgress(false)
	require.False(t, job.InProgress())

	job.Reset()
	require.Equal(t, 0, job.NumDead())
}

func TestJobCapacityExhausted(t *testing.T) {
	job, err := NewJob(1)
	require.NoError(t, err)
	defer job.Close()

	cap := job.capacity()
	for i := 0; i < cap; i++ {
		require.NoError(t, job.ReportDead(DeadThread{ThreadID: uint32(i)}))
	}
	require.Error(t, job.ReportDead(DeadThread{ThreadID: 999}))
}
