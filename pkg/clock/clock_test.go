package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAfterAdvancesTime(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	fired := <-f.After(time.Second)
	require.Equal(t, start.Add(time.Second), fired)
	require.Equal(t, start.Add(time.Second), f.Now())
	require.Equal(t, []time.Duration{time.Second}, f.Waits())

	f.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour+time.Second), f.Now())
}
