package sysinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	snap, err := Collect(context.Background(), Options{TopProcesses: 3})
	require.NoError(t, err)

	assert.NotEmpty(t, snap.OS)
	assert.Positive(t, snap.Memory.Total)
	assert.LessOrEqual(t, len(snap.Processes), 3)
	assert.False(t, snap.CapturedAt.IsZero())
	for i := 1; i < len(snap.Processes); i++ {
		assert.GreaterOrEqual(t, snap.Processes[i-1].MemoryPercent, snap.Processes[i].MemoryPercent)
	}
}

func TestCollectSkipsProcessesByDefault(t *testing.T) {
	snap, err := Collect(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, snap.Processes)
	assert.Zero(t, snap.ProcessCount)
}

func TestSnapshotMap(t *testing.T) {
	snap := &Snapshot{Hostname: "box", CPUCount: 4, Memory: MemoryUsage{UsedPercent: 42.5}}
	m := snap.Map()

	assert.Equal(t, "box", m["hostname"])
	assert.EqualValues(t, 4, m["cpu_count"])
	memory, ok := m["memory"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42.5, memory["used_percent"])
	assert.NotContains(t, m, "disk")
}
