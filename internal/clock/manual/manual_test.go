package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	require.Equal(t, start, clk.Now())
	clk.Advance(3 * time.Second)
	require.Equal(t, start.Add(3*time.Second), clk.Now())
	clk.Set(start)
	require.Equal(t, start, clk.Now())
}
