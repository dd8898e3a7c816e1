package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shopflow/internal/event"
	"shopflow/internal/lock"
	"shopflow/internal/persistence"
	"shopflow/internal/types"
	"shopflow/internal/util"
)

// Ledger 是产能账本：按 (门店, 日期, 部门, 班次) 记录工时和工位
// 所有修改都在产能键锁内完成"检查-扣减-落盘"，保证同一键上不会超卖
type Ledger struct {
	mu       sync.RWMutex                     // 保护 records 映射本身
	records  map[string]*types.CapacityRecord // 内存中的最新记录
	keyLocks *lock.MutexMap                   // 每个产能键一把锁，单写者
	store    persistence.Store                // 外部持久化
	bus      *event.Bus                       // 变更通知，可为 nil
	logger   *slog.Logger
	now      func() time.Time
}

// New 创建一个新的产能账本
func New(store persistence.Store, bus *event.Bus, logger *slog.Logger) *Ledger {
	return &Ledger{
		records:  make(map[string]*types.CapacityRecord),
		keyLocks: lock.NewMutexMap(),
		store:    store,
		bus:      bus,
		logger:   logger.With("component", "ledger"),
		now:      time.Now,
	}
}

// Load 将已持久化的记录装入内存，在启动恢复时调用
func (l *Ledger) Load(recs []types.CapacityRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range recs {
		r := rec.Clone()
		l.records[r.Key.String()] = &r
	}
}

// current 返回 key 对应的记录副本，必要时从存储加载；调用方必须持有 key 锁
func (l *Ledger) current(key types.CapacityKey) (types.CapacityRecord, bool, error) {
	l.mu.RLock()
	rec, ok := l.records[key.String()]
	l.mu.RUnlock()
	if ok {
		return rec.Clone(), true, nil
	}
	loaded, found, err := l.store.LoadCapacity(key)
	if err != nil {
		return types.CapacityRecord{}, false, fmt.Errorf("load capacity %s: %w", key, err)
	}
	if !found {
		return types.CapacityRecord{}, false, nil
	}
	l.mu.Lock()
	cached := loaded.Clone()
	l.records[key.String()] = &cached
	l.mu.Unlock()
	return loaded, true, nil
}

// commit 重新计算派生字段、持久化并替换内存记录；调用方必须持有 key 锁
// 持久化失败时内存记录保持不变
func (l *Ledger) commit(rec types.CapacityRecord) (types.CapacityRecord, error) {
	rec.Recompute()
	rec.UpdatedAt = l.now()
	if rec.TotalCapacityHours.LessThan(rec.ScheduledHours) || rec.AvailableBays < 0 {
		return types.CapacityRecord{}, fmt.Errorf("%w: %s would be oversubscribed", types.ErrInsufficientCapacity, rec.Key)
	}
	if err := l.store.PersistCapacity(rec); err != nil {
		return types.CapacityRecord{}, fmt.Errorf("persist capacity %s: %w", rec.Key, err)
	}
	stored := rec.Clone()
	l.mu.Lock()
	l.records[rec.Key.String()] = &stored
	l.mu.Unlock()
	return rec, nil
}

// GetOrCreate 幂等地返回产能记录，不存在时以零产能创建
func (l *Ledger) GetOrCreate(key types.CapacityKey) (types.CapacityRecord, error) {
	if err := key.Validate(); err != nil {
		return types.CapacityRecord{}, err
	}
	l.keyLocks.Lock(key.String())
	defer l.keyLocks.Unlock(key.String())

	rec, ok, err := l.current(key)
	if err != nil {
		return types.CapacityRecord{}, err
	}
	if ok {
		return rec, nil
	}
	created, err := l.commit(types.NewCapacityRecord(key))
	if err != nil {
		return types.CapacityRecord{}, err
	}
	l.logger.Info("开放排班周期", "key", key.String())
	return created, nil
}

// Get 返回已存在的产能记录
func (l *Ledger) Get(key types.CapacityKey) (types.CapacityRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[key.String()]
	if !ok {
		return types.CapacityRecord{}, false
	}
	return rec.Clone(), true
}

// mutate 在 key 锁内对记录执行 fn 并提交，记录不存在时按零产能创建
func (l *Ledger) mutate(key types.CapacityKey, fn func(rec *types.CapacityRecord) error) (types.CapacityRecord, error) {
	if err := key.Validate(); err != nil {
		return types.CapacityRecord{}, err
	}
	var out types.CapacityRecord
	err := l.keyLocks.With(key.String(), func() error {
		rec, ok, err := l.current(key)
		if err != nil {
			return err
		}
		if !ok {
			rec = types.NewCapacityRecord(key)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err = l.commit(rec)
		return err
	})
	if err != nil {
		return types.CapacityRecord{}, err
	}
	return out, nil
}

func checkMutable(rec *types.CapacityRecord) error {
	if rec.ScheduleStatus.Immutable() {
		return fmt.Errorf("%w: %s is %s", types.ErrRecordLocked, rec.Key, rec.ScheduleStatus)
	}
	return nil
}

// SetCapacity 管理员设置总工时与工位；工位类型之和超过总工位时拒绝
func (l *Ledger) SetCapacity(key types.CapacityKey, totalHours types.Hours, totalBays int, byType map[types.BayType]int) (types.CapacityRecord, error) {
	rec, err := l.mutate(key, func(rec *types.CapacityRecord) error {
		if err := checkMutable(rec); err != nil {
			return err
		}
		if totalHours.IsNegative() || totalBays < 0 {
			return fmt.Errorf("%w: negative hours or bays", types.ErrInvalidCapacity)
		}
		sum := 0
		for bt, n := range byType {
			if n < 0 {
				return fmt.Errorf("%w: negative %s bay count", types.ErrInvalidCapacity, bt)
			}
			if n < rec.BaysOccupied[bt] {
				return fmt.Errorf("%w: %d %s bays occupied, cannot shrink to %d", types.ErrInvalidCapacity, rec.BaysOccupied[bt], bt, n)
			}
			sum += n
		}
		if sum > totalBays {
			return fmt.Errorf("%w: bay types sum to %d, exceeding %d total bays", types.ErrInvalidCapacity, sum, totalBays)
		}
		if totalHours.LessThan(rec.ScheduledHours) {
			return fmt.Errorf("%w: %s hours already scheduled, cannot shrink total to %s", types.ErrInvalidCapacity, rec.ScheduledHours, totalHours)
		}
		rec.TotalCapacityHours = totalHours
		rec.TotalBays = totalBays
		rec.BayCounts = make(map[types.BayType]int, len(byType))
		for bt, n := range byType {
			rec.BayCounts[bt] = n
		}
		return nil
	})
	if err != nil {
		return types.CapacityRecord{}, err
	}
	l.logger.Info("设置产能", "key", key.String(), "total_hours", totalHours.String(), "total_bays", totalBays)
	l.publish(event.CapacityConfigured, rec, types.ZeroHours)
	return rec, nil
}

// Resources 描述产能记录上的人员、技能、设备和预留工时
type Resources struct {
	AvailableTechnicians int
	AvailableSkills      []types.Skill
	EquipmentAvailable   []string
	BufferHours          types.Hours
	OvertimeHours        types.Hours
	BlockedHours         types.Hours
}

// Configure 设置人员、技能、设备以及缓冲/加班/封锁预留
func (l *Ledger) Configure(key types.CapacityKey, res Resources) (types.CapacityRecord, error) {
	rec, err := l.mutate(key, func(rec *types.CapacityRecord) error {
		if err := checkMutable(rec); err != nil {
			return err
		}
		if res.AvailableTechnicians < 0 || res.BufferHours.IsNegative() || res.OvertimeHours.IsNegative() || res.BlockedHours.IsNegative() {
			return fmt.Errorf("%w: negative resource values", types.ErrInvalidCapacity)
		}
		rec.AvailableTechnicians = res.AvailableTechnicians
		rec.AvailableSkills = append([]types.Skill(nil), res.AvailableSkills...)
		rec.EquipmentAvailable = append([]string(nil), res.EquipmentAvailable...)
		rec.BufferHours = res.BufferHours
		rec.OvertimeHours = res.OvertimeHours
		rec.BlockedHours = res.BlockedHours
		return nil
	})
	if err != nil {
		return types.CapacityRecord{}, err
	}
	l.publish(event.CapacityConfigured, rec, types.ZeroHours)
	return rec, nil
}

// SetScheduleStatus 修改排班周期状态；进入 locked/historical/archived 后记录不可再改
func (l *Ledger) SetScheduleStatus(key types.CapacityKey, status types.ScheduleStatus) (types.CapacityRecord, error) {
	rec, err := l.mutate(key, func(rec *types.CapacityRecord) error {
		if rec.ScheduleStatus.Immutable() && status != types.ScheduleHistorical && status != types.ScheduleArchived {
			return fmt.Errorf("%w: %s cannot reopen from %s", types.ErrRecordLocked, rec.Key, rec.ScheduleStatus)
		}
		rec.ScheduleStatus = status
		return nil
	})
	if err != nil {
		return types.CapacityRecord{}, err
	}
	l.logger.Info("排班状态变更", "key", key.String(), "status", status)
	l.publish(event.CapacityConfigured, rec, types.ZeroHours)
	return rec, nil
}

// Reserve 原子地检查并扣减产能；多个工位类型要么全部预留成功，要么全部不预留
func (l *Ledger) Reserve(key types.CapacityKey, hours types.Hours, bayTypes ...types.BayType) (types.Reservation, error) {
	return l.ReserveFor("", key, hours, bayTypes...)
}

// ReserveFor 与 Reserve 相同，但记录预留的持有者（通常是工序 ID）
func (l *Ledger) ReserveFor(holder string, key types.CapacityKey, hours types.Hours, bayTypes ...types.BayType) (types.Reservation, error) {
	var rsv types.Reservation
	rec, err := l.mutate(key, func(rec *types.CapacityRecord) error {
		if err := checkMutable(rec); err != nil {
			return err
		}
		r, err := l.applyReserve(rec, holder, hours, bayTypes)
		rsv = r
		return err
	})
	if err != nil {
		l.logger.Debug("预留失败", "key", key.String(), "hours", hours.String(), "error", err)
		return types.Reservation{}, err
	}
	l.publish(event.CapacityReserved, rec, hours)
	return rsv, nil
}

// applyReserve 在记录副本上执行扣减
func (l *Ledger) applyReserve(rec *types.CapacityRecord, holder string, hours types.Hours, bayTypes []types.BayType) (types.Reservation, error) {
	if hours.IsNegative() {
		return types.Reservation{}, fmt.Errorf("%w: negative hours", types.ErrInvalidCapacity)
	}
	rec.Recompute()
	if avail := rec.AllocatableHours(); avail.LessThan(hours) {
		return types.Reservation{}, fmt.Errorf("%w: %s requested, %s allocatable on %s", types.ErrInsufficientCapacity, hours, avail, rec.Key)
	}
	need := make(map[types.BayType]int)
	for _, bt := range bayTypes {
		if bt != "" {
			need[bt]++
		}
	}
	total := 0
	for bt, n := range need {
		if rec.FreeBays(bt) < n {
			return types.Reservation{}, fmt.Errorf("%w: no free %s bay on %s", types.ErrInsufficientCapacity, bt, rec.Key)
		}
		total += n
	}
	if total > rec.AvailableBays {
		return types.Reservation{}, fmt.Errorf("%w: no free bay on %s", types.ErrInsufficientCapacity, rec.Key)
	}

	if rec.BaysOccupied == nil {
		rec.BaysOccupied = make(map[types.BayType]int)
	}
	var bays []types.BayType
	for _, bt := range bayTypes {
		if bt != "" {
			rec.BaysOccupied[bt]++
			bays = append(bays, bt)
		}
	}
	rec.ScheduledHours = rec.ScheduledHours.Add(hours)
	rsv := types.Reservation{
		ID:        util.NewID("rsv"),
		Key:       rec.Key,
		Hours:     hours,
		BayTypes:  bays,
		Holder:    holder,
		CreatedAt: l.now(),
	}
	rec.Reservations = append(rec.Reservations, rsv)
	return rsv, nil
}

// applyRelease 在记录副本上撤销一次预留，返回该预留是否仍然生效
func applyRelease(rec *types.CapacityRecord, id string) (types.Reservation, bool) {
	for i, rsv := range rec.Reservations {
		if rsv.ID != id {
			continue
		}
		rec.ScheduledHours = rec.ScheduledHours.Sub(rsv.Hours).ClampZero()
		for _, bt := range rsv.BayTypes {
			if rec.BaysOccupied[bt] > 0 {
				rec.BaysOccupied[bt]--
			}
		}
		rec.Reservations = append(rec.Reservations[:i:i], rec.Reservations[i+1:]...)
		return rsv, true
	}
	return types.Reservation{}, false
}

// Release 幂等地撤销一次预留；重复释放不会报错，也不会再次改动账本
func (l *Ledger) Release(rsv types.Reservation) error {
	var released bool
	rec, err := l.mutate(rsv.Key, func(rec *types.CapacityRecord) error {
		if _, ok := rec.FindReservation(rsv.ID); !ok {
			return errAlreadyReleased
		}
		if err := checkMutable(rec); err != nil {
			return err
		}
		_, released = applyRelease(rec, rsv.ID)
		return nil
	})
	if errors.Is(err, errAlreadyReleased) {
		l.logger.Debug("重复释放，忽略", "reservation_id", rsv.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if released {
		l.publish(event.CapacityReleased, rec, rsv.Hours)
	}
	return nil
}

var errAlreadyReleased = errors.New("reservation already released")

// Preempt 在一个临界区内释放 victims 并为新需求预留
// 释放后仍不够时不做任何改动，返回 ErrInsufficientCapacity
func (l *Ledger) Preempt(holder string, key types.CapacityKey, victims []types.Reservation, hours types.Hours, bayTypes ...types.BayType) (types.Reservation, error) {
	var rsv types.Reservation
	var freed types.Hours
	rec, err := l.mutate(key, func(rec *types.CapacityRecord) error {
		if err := checkMutable(rec); err != nil {
			return err
		}
		freed = types.ZeroHours
		for _, v := range victims {
			if v.Key != key {
				return fmt.Errorf("%w: victim %s belongs to %s", types.ErrInvalidCapacity, v.ID, v.Key)
			}
			if released, ok := applyRelease(rec, v.ID); ok {
				freed = freed.Add(released.Hours)
			}
		}
		r, err := l.applyReserve(rec, holder, hours, bayTypes)
		rsv = r
		return err
	})
	if err != nil {
		return types.Reservation{}, err
	}
	l.logger.Info("加急挤占", "key", key.String(), "victims", len(victims), "freed_hours", freed.String(), "hours", hours.String())
	l.publish(event.CapacityReserved, rec, hours)
	return rsv, nil
}

// Records 返回指定门店在 [from, to] 日期范围内的全部产能记录，按键排序
func (l *Ledger) Records(shopID string, from, to time.Time) []types.CapacityRecord {
	fromKey, toKey := from.Format(types.DateLayout), to.Format(types.DateLayout)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.CapacityRecord
	for _, rec := range l.records {
		if rec.Key.ShopID != shopID {
			continue
		}
		if rec.Key.ScheduleDate < fromKey || rec.Key.ScheduleDate > toKey {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Reservations 返回全部生效预留，用于启动时重建分配关系
func (l *Ledger) Reservations() []types.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Reservation
	for _, rec := range l.records {
		out = append(out, rec.Clone().Reservations...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) publish(t event.EventType, rec types.CapacityRecord, hours types.Hours) {
	snapshot := rec.Clone()
	l.bus.Publish(event.Event{Type: t, Capacity: &snapshot, Hours: hours})
}
