package ledger

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopflow/internal/event"
	"shopflow/internal/persistence"
	"shopflow/internal/types"
)

var paintKey = types.CapacityKey{ShopID: "1", ScheduleDate: "2024-08-20", Department: types.DeptPaint, ShiftName: "day"}

func newTestLedger(t *testing.T) (*Ledger, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(store, event.NewBus(), logger), store
}

func hours(n int64) types.Hours { return types.HoursFromInt(n) }

func assertInvariant(t *testing.T, rec types.CapacityRecord) {
	t.Helper()
	want := rec.TotalCapacityHours.Sub(rec.ScheduledHours).ClampZero()
	assert.True(t, rec.RemainingCapacityHours.Equal(want.Decimal), "remaining %s, want %s", rec.RemainingCapacityHours, want)
	assert.Equal(t, rec.TotalBays, rec.AvailableBays+rec.OccupiedBays)
	assert.LessOrEqual(t, rec.UtilizationPercentage, 100.0)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	l, store := newTestLedger(t)
	first, err := l.GetOrCreate(paintKey)
	require.NoError(t, err)
	assert.True(t, first.TotalCapacityHours.IsZero())

	_, err = l.SetCapacity(paintKey, hours(40), 0, nil)
	require.NoError(t, err)

	again, err := l.GetOrCreate(paintKey)
	require.NoError(t, err)
	assert.Equal(t, "40", again.TotalCapacityHours.String())

	_, ok, err := store.LoadCapacity(paintKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetCapacityRejectsBayOverflow(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 3, map[types.BayType]int{types.BayPaint: 2, types.BayPrep: 2})
	assert.ErrorIs(t, err, types.ErrInvalidCapacity)

	_, ok := l.Get(paintKey)
	assert.False(t, ok, "rejected configuration must not be persisted")

	rec, err := l.SetCapacity(paintKey, hours(40), 4, map[types.BayType]int{types.BayPaint: 2, types.BayPrep: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.AvailableBays)
}

func TestReserveAndReleaseScenario(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 2, map[types.BayType]int{types.BayPaint: 2})
	require.NoError(t, err)

	x, err := l.Reserve(paintKey, hours(25), types.BayPaint)
	require.NoError(t, err)
	rec, _ := l.Get(paintKey)
	assert.Equal(t, "15", rec.RemainingCapacityHours.String())
	assert.Equal(t, 62.5, rec.UtilizationPercentage)
	assert.Equal(t, 1, rec.OccupiedBays)
	assertInvariant(t, rec)

	_, err = l.Reserve(paintKey, hours(20))
	assert.ErrorIs(t, err, types.ErrInsufficientCapacity)
	rec, _ = l.Get(paintKey)
	assert.Equal(t, "15", rec.RemainingCapacityHours.String(), "failed reserve must not change the record")

	require.NoError(t, l.Release(x))
	rec, _ = l.Get(paintKey)
	assert.Equal(t, "40", rec.RemainingCapacityHours.String())
	assertInvariant(t, rec)

	// 重复释放是空操作
	require.NoError(t, l.Release(x))
	rec, _ = l.Get(paintKey)
	assert.Equal(t, "40", rec.RemainingCapacityHours.String())
	assert.Empty(t, rec.Reservations)
}

func TestReserveBayTypesAllOrNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 2, map[types.BayType]int{types.BayPaint: 1, types.BayPrep: 1})
	require.NoError(t, err)

	_, err = l.Reserve(paintKey, hours(5), types.BayPaint)
	require.NoError(t, err)

	_, err = l.Reserve(paintKey, hours(5), types.BayPrep, types.BayPaint)
	assert.ErrorIs(t, err, types.ErrInsufficientCapacity)

	rec, _ := l.Get(paintKey)
	assert.Equal(t, 0, rec.BaysOccupied[types.BayPrep], "prep bay must not be taken when paint bay is unavailable")
	assert.Equal(t, "5", rec.ScheduledHours.String())
}

func TestReserveHonoursBufferAndBlockedHours(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 0, nil)
	require.NoError(t, err)
	_, err = l.Configure(paintKey, Resources{AvailableTechnicians: 3, BufferHours: hours(8), OvertimeHours: hours(2), BlockedHours: hours(5)})
	require.NoError(t, err)

	_, err = l.Reserve(paintKey, hours(26))
	assert.ErrorIs(t, err, types.ErrInsufficientCapacity)
	_, err = l.Reserve(paintKey, hours(25))
	assert.NoError(t, err)
}

func TestConcurrentReserveNeverOversubscribes(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 0, nil)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, failed := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(paintKey, hours(3))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, types.ErrInsufficientCapacity) {
				failed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 13, succeeded)
	assert.Equal(t, 7, failed)
	rec, _ := l.Get(paintKey)
	assert.Equal(t, "39", rec.ScheduledHours.String())
	assertInvariant(t, rec)
}

func TestLockedRecordIsImmutable(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 0, nil)
	require.NoError(t, err)
	rsv, err := l.Reserve(paintKey, hours(4))
	require.NoError(t, err)

	_, err = l.SetScheduleStatus(paintKey, types.ScheduleLocked)
	require.NoError(t, err)

	_, err = l.Reserve(paintKey, hours(1))
	assert.ErrorIs(t, err, types.ErrRecordLocked)
	_, err = l.SetCapacity(paintKey, hours(80), 0, nil)
	assert.ErrorIs(t, err, types.ErrRecordLocked)
	assert.ErrorIs(t, l.Release(rsv), types.ErrRecordLocked)
	_, err = l.SetScheduleStatus(paintKey, types.ScheduleOpen)
	assert.ErrorIs(t, err, types.ErrRecordLocked)
	_, err = l.SetScheduleStatus(paintKey, types.ScheduleArchived)
	assert.NoError(t, err)
}

func TestPreemptIsAtomic(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.SetCapacity(paintKey, hours(40), 0, nil)
	require.NoError(t, err)
	x, err := l.ReserveFor("RO1-3", paintKey, hours(25))
	require.NoError(t, err)
	y, err := l.ReserveFor("RO2-3", paintKey, hours(10))
	require.NoError(t, err)

	// 只挤占 y 仍不够 35h，不允许部分生效
	_, err = l.Preempt("RO3-3", paintKey, []types.Reservation{y}, hours(35))
	assert.ErrorIs(t, err, types.ErrInsufficientCapacity)
	rec, _ := l.Get(paintKey)
	assert.Len(t, rec.Reservations, 2)

	rsv, err := l.Preempt("RO3-3", paintKey, []types.Reservation{x}, hours(20))
	require.NoError(t, err)
	assert.Equal(t, "RO3-3", rsv.Holder)
	rec, _ = l.Get(paintKey)
	assert.Equal(t, "30", rec.ScheduledHours.String())
	_, stillThere := rec.FindReservation(x.ID)
	assert.False(t, stillThere)
	assertInvariant(t, rec)
}

type failingStore struct {
	*persistence.MemoryStore
	fail bool
}

func (f *failingStore) PersistCapacity(rec types.CapacityRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.PersistCapacity(rec)
}

func TestPersistFailureLeavesRecordUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: persistence.NewMemoryStore()}
	l := New(store, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	_, err := l.SetCapacity(paintKey, hours(40), 0, nil)
	require.NoError(t, err)

	store.fail = true
	_, err = l.Reserve(paintKey, hours(10))
	require.Error(t, err)
	rec, _ := l.Get(paintKey)
	assert.True(t, rec.ScheduledHours.IsZero())
}

func TestRecordsFiltersByShopAndDate(t *testing.T) {
	l, _ := newTestLedger(t)
	for _, date := range []string{"2024-08-19", "2024-08-20", "2024-08-21"} {
		k := paintKey
		k.ScheduleDate = date
		_, err := l.GetOrCreate(k)
		require.NoError(t, err)
	}
	other := paintKey
	other.ShopID = "2"
	_, err := l.GetOrCreate(other)
	require.NoError(t, err)

	from := time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 8, 21, 0, 0, 0, 0, time.UTC)
	recs := l.Records("1", from, to)
	require.Len(t, recs, 2)
	assert.Equal(t, "2024-08-20", recs[0].Key.ScheduleDate)
}
