//go:build unix

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUsageOf(t *testing.T) {
	u, err := DiskUsageOf(t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, u.Total)
	assert.LessOrEqual(t, u.Available, u.Total)
	assert.GreaterOrEqual(t, u.UsedPct(), 0.0)
	assert.LessOrEqual(t, u.UsedPct(), 100.0)

	_, err = DiskUsageOf("/definitely/not/here")
	assert.Error(t, err)
}

func TestDiskUsageLow(t *testing.T) {
	assert.True(t, DiskUsage{Available: 1 << 20, Total: 1 << 30}.Low())
	assert.False(t, DiskUsage{Available: 1 << 30, Total: 2 << 30}.Low())
	assert.Equal(t, 50.0, DiskUsage{Available: 1 << 30, Total: 2 << 30}.UsedPct())
	assert.Zero(t, DiskUsage{}.UsedPct())
}
