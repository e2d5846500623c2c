package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceMovesBothBases(t *testing.T) {
	start := time.Now()
	f := NewFake(start)

	f.Advance(5 * time.Second)

	require.Equal(t, start.Add(5*time.Second), f.Now(Monotonic))
	require.Equal(t, start.Add(5*time.Second), f.Now(Wall))
}

func TestFakeJumpWallLeavesMonotonicUntouched(t *testing.T) {
	start := time.Now()
	f := NewFake(start)

	f.JumpWall(-time.Hour)

	require.Equal(t, start, f.Now(Monotonic))
	require.Equal(t, start.Add(-time.Hour), f.Now(Wall))
}

func TestFakeSatisfiesSource(t *testing.T) {
	var _ Source = NewFake(time.Now())
}
