package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_StaysWithinCeilingAndCap(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 100*time.Millisecond)
	ceiling := 10 * time.Millisecond
	for i := 0; i < 10; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, ceiling)
		require.LessOrEqual(t, d, 100*time.Millisecond)
		ceiling *= 2
		if ceiling > 100*time.Millisecond {
			ceiling = 100 * time.Millisecond
		}
	}
}

func TestBackoff_ResetRestartsFromBase(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 100*time.Millisecond)
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	require.LessOrEqual(t, d, 10*time.Millisecond)
}
