package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRecordRecompute(t *testing.T) {
	rec := NewCapacityRecord(NewCapacityKey("1", time.Date(2024, 8, 20, 15, 0, 0, 0, time.UTC), DeptPaint, "day"))
	assert.Equal(t, "2024-08-20", rec.Key.ScheduleDate)

	rec.TotalCapacityHours = HoursFromInt(40)
	rec.ScheduledHours = HoursFromInt(25)
	rec.TotalBays = 4
	rec.BayCounts[BayPaint] = 2
	rec.BaysOccupied[BayPaint] = 1
	rec.Recompute()

	assert.True(t, rec.RemainingCapacityHours.Equal(HoursFromInt(15).Decimal))
	assert.Equal(t, 62.5, rec.UtilizationPercentage)
	assert.Equal(t, 1, rec.OccupiedBays)
	assert.Equal(t, 3, rec.AvailableBays)
	assert.Equal(t, 1, rec.FreeBays(BayPaint))
}

func TestCapacityRecordZeroTotal(t *testing.T) {
	rec := NewCapacityRecord(CapacityKey{ShopID: "1", ScheduleDate: "2024-08-20", Department: DeptBody, ShiftName: "day"})
	rec.Recompute()
	assert.Equal(t, 0.0, rec.UtilizationPercentage)
	assert.True(t, rec.RemainingCapacityHours.IsZero())
}

func TestAllocatableHoursSubtractsReservations(t *testing.T) {
	rec := NewCapacityRecord(CapacityKey{ShopID: "1", ScheduleDate: "2024-08-20", Department: DeptBody, ShiftName: "day"})
	rec.TotalCapacityHours = HoursFromInt(40)
	rec.BufferHours = HoursFromInt(4)
	rec.OvertimeHours = HoursFromInt(2)
	rec.BlockedHours = HoursFromInt(50)
	rec.Recompute()
	assert.True(t, rec.AllocatableHours().IsZero())

	rec.BlockedHours = HoursFromInt(1)
	assert.True(t, rec.AllocatableHours().Equal(HoursFromInt(33).Decimal))
}

func TestCapacityKeyValidate(t *testing.T) {
	good := CapacityKey{ShopID: "1", ScheduleDate: "2024-08-20", Department: DeptPaint, ShiftName: "day"}
	require.NoError(t, good.Validate())

	bad := good
	bad.Department = "spray"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCapacity)

	bad = good
	bad.ScheduleDate = "20-08-2024"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCapacity)
}

func TestSkillAndEquipmentMatching(t *testing.T) {
	rec := CapacityRecord{}
	assert.True(t, rec.HasSkills([]Skill{"i-car-welding"}))

	rec.AvailableSkills = []Skill{"i-car-welding", "aluminum"}
	assert.True(t, rec.HasSkills([]Skill{"aluminum"}))
	assert.False(t, rec.HasSkills([]Skill{"adas-calibration"}))

	rec.EquipmentAvailable = []string{"frame-rack"}
	assert.True(t, rec.HasEquipment([]string{"frame-rack"}))
	assert.False(t, rec.HasEquipment([]string{"downdraft-booth"}))
}

func TestStageTypeProfiles(t *testing.T) {
	assert.Len(t, StageTypes, 18)
	assert.Len(t, Departments, 13)
	for _, st := range StageTypes {
		assert.True(t, st.Department().Valid(), "stage %s", st)
		assert.NotEmpty(t, st.Category(), "stage %s", st)
	}
	assert.Equal(t, DeptPaint, StagePaint.Department())
	assert.Equal(t, BayFrame, StageFrameRepair.DefaultBay())
}

func TestPriority(t *testing.T) {
	assert.True(t, PriorityLow.Rank() < PriorityNormal.Rank())
	assert.True(t, PriorityHigh.Rank() < PriorityUrgent.Rank())
	assert.True(t, PriorityNormal.Preemptible())
	assert.False(t, PriorityHigh.Preemptible())
}

func TestHoursJSON(t *testing.T) {
	var rec struct {
		H Hours `json:"h"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"h": 12.5}`), &rec))
	assert.Equal(t, 12.5, rec.H.Float())

	h, err := ParseHours("3.25")
	require.NoError(t, err)
	assert.Equal(t, "15.75", rec.H.Add(h).String())
}

func TestTransitionErrorUnwrap(t *testing.T) {
	err := &TransitionError{StageID: "RO1-1", From: StatusPending, To: StatusCompleted, Err: ErrInvalidTransition}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "pending -> completed")
	assert.True(t, Recoverable(ErrInsufficientCapacity))
	assert.False(t, Recoverable(err))
}
