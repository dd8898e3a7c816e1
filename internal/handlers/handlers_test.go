package handlers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"shopflow/internal/event"
	"shopflow/internal/metrics"
	"shopflow/internal/types"
	"shopflow/internal/web"
)

func TestHandlersFeedTrackerAndMetrics(t *testing.T) {
	bus := event.NewBus()
	tracker := web.NewStateTracker(nil)
	RegisterEventHandlers(bus, tracker, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	rec := types.NewCapacityRecord(types.CapacityKey{ShopID: "9", ScheduleDate: "2024-08-21", Department: types.DeptBody, ShiftName: "day"})
	rec.TotalCapacityHours = types.HoursFromInt(40)
	rec.ScheduledHours = types.HoursFromInt(30)
	rec.Recompute()
	bus.Publish(event.Event{Type: event.CapacityReserved, Capacity: &rec, Hours: types.HoursFromInt(30)})

	stage := types.StageRecord{ID: "RO5-1", RepairOrderID: "RO5", Status: types.StatusInProgress}
	bus.Publish(event.Event{Type: event.StageTransitioned, RepairOrderID: "RO5", StageID: "RO5-1", Stage: &stage,
		From: types.StatusReady, To: types.StatusInProgress})
	bus.Drain()

	snap := tracker.Snapshot()
	assert.Equal(t, types.StatusInProgress, snap.Stages["RO5-1"].Status)
	assert.Equal(t, 75.0, snap.Capacity[rec.Key.String()].UtilizationPercentage)

	gauge := metrics.CapacityUtilization.WithLabelValues("9", "2024-08-21", "body", "day")
	assert.Equal(t, 75.0, testutil.ToFloat64(gauge))
}
