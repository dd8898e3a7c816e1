package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopflow/internal/config"
	"shopflow/internal/engine"
	"shopflow/internal/types"
)

func TestAppRecoversFromWAL(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cfg := &config.Config{
		WALPath:      filepath.Join(t.TempDir(), "shopflow.wal"),
		MaxWorkers:   1,
		DefaultShift: "day",
		Capacity: []config.CapacitySeed{
			{ShopID: "1", Date: "2024-08-20", Department: types.DeptPaint, Shift: "day", TotalHours: 40},
		},
	}

	a, err := openApp(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.seedCapacity(cfg.Capacity, logger))

	ctx := context.Background()
	_, err = a.engine.InstantiateOrder(ctx, types.OrderProfile{
		ShopID:        "1",
		RepairOrderID: "RO1",
		ScheduledDate: time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC),
	}, []types.StageTemplate{{Name: "paint", Type: types.StagePaint, EstimatedHours: 6}})
	require.NoError(t, err)
	_, err = a.engine.Transition(ctx, "RO1", "RO1-1", types.StatusInProgress, engine.TransitionContext{})
	require.NoError(t, err)
	require.NoError(t, a.close())

	// 重启后账本、工序和分配关系都应恢复
	b, err := openApp(cfg, logger)
	require.NoError(t, err)
	defer b.close()
	require.NoError(t, b.seedCapacity(cfg.Capacity, logger), "existing keys are left alone")

	key, _ := cfg.Capacity[0].Key()
	rec, ok := b.ledger.Get(key)
	require.True(t, ok)
	assert.Equal(t, "34", rec.RemainingCapacityHours.String())

	stage, err := b.engine.Stage("RO1", "RO1-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, stage.Status)
	_, held := b.engine.Allocator().AllocationFor("RO1-1")
	assert.True(t, held)

	_, err = b.engine.Transition(ctx, "RO1", "RO1-1", types.StatusCompleted, engine.TransitionContext{})
	require.NoError(t, err)
	rec, _ = b.ledger.Get(key)
	assert.Equal(t, "40", rec.RemainingCapacityHours.String())
}
