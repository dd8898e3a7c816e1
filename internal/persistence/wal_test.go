package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopflow/internal/types"
)

func testKey() types.CapacityKey {
	return types.CapacityKey{ShopID: "1", ScheduleDate: "2024-08-20", Department: types.DeptPaint, ShiftName: "day"}
}

func TestWALReplayKeepsLatestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)

	rec := types.NewCapacityRecord(testKey())
	rec.TotalCapacityHours = types.HoursFromInt(40)
	rec.Recompute()
	require.NoError(t, wal.PersistCapacity(rec))

	rec.ScheduledHours = types.HoursFromInt(25)
	rec.Recompute()
	require.NoError(t, wal.PersistCapacity(rec))

	stage := types.StageRecord{ID: "RO1-1", RepairOrderID: "RO1", StageOrder: 1, Status: types.StatusReady, ScheduledDate: time.Now().UTC()}
	require.NoError(t, wal.PersistStage(stage))
	stage.Status = types.StatusInProgress
	require.NoError(t, wal.PersistStage(stage))
	require.NoError(t, wal.PersistStage(types.StageRecord{ID: "RO1-2", RepairOrderID: "RO1", StageOrder: 2, Status: types.StatusPending}))
	require.NoError(t, wal.Close())

	reopened, err := NewWAL(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, ok, err := reopened.LoadCapacity(testKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "15", got.RemainingCapacityHours.String())

	stages, err := reopened.QueryStagesByOrder("RO1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "RO1-1", stages[0].ID)
	assert.Equal(t, types.StatusInProgress, stages[0].Status)
	assert.Equal(t, []string{"RO1"}, reopened.RepairOrders())
	assert.Len(t, reopened.Capacities(), 1)
}

func TestWALSkipsCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.PersistStage(types.StageRecord{ID: "RO9-1", RepairOrderID: "RO9", StageOrder: 1}))
	require.NoError(t, wal.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"STAGE","stage":{"id":"RO9-2"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWAL(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	stages, err := reopened.QueryStagesByOrder("RO9")
	require.NoError(t, err)
	assert.Len(t, stages, 1)
}

func TestWALReplaysStageBatchAsOneEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.PersistStages([]types.StageRecord{
		{ID: "RO4-1", RepairOrderID: "RO4", StageOrder: 1, Status: types.StatusInProgress},
		{ID: "RO4-2", RepairOrderID: "RO4", StageOrder: 2, Status: types.StatusPending},
	}))
	require.NoError(t, wal.PersistStages(nil))
	require.NoError(t, wal.Close())

	// 一批记录写了一半时整批丢弃
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"STAGES","stages":[{"id":"RO4-1","repair_order_id":"RO4","stage_order":1,"status":"completed"},{"id":"RO4-2"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWAL(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	stages, err := reopened.QueryStagesByOrder("RO4")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, types.StatusInProgress, stages[0].Status)
	assert.Equal(t, types.StatusPending, stages[1].Status)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	rec := types.NewCapacityRecord(testKey())
	rec.BayCounts[types.BayPaint] = 2
	require.NoError(t, store.PersistCapacity(rec))

	rec.BayCounts[types.BayPaint] = 9
	got, ok, err := store.LoadCapacity(testKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.BayCounts[types.BayPaint])

	_, ok, err = store.LoadCapacity(types.CapacityKey{ShopID: "2"})
	require.NoError(t, err)
	assert.False(t, ok)
}
