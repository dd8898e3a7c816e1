package engine

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"shopflow/internal/event"
	"shopflow/internal/ledger"
	"shopflow/internal/lock"
	"shopflow/internal/metrics"
	"shopflow/internal/types"
)

// Allocation 是某道工序在产能账本上的一次预留
type Allocation struct {
	StageID       string            `json:"stage_id"`
	RepairOrderID string            `json:"repair_order_id"`
	Reservation   types.Reservation `json:"reservation"`
	Priority      types.Priority    `json:"priority"`
	IsRush        bool              `json:"is_rush"`
	Started       bool              `json:"started"` // 已开工的预留永不被挤占
	seq           uint64
}

// Allocator 负责把工序的工时需求落到产能账本上，并执行加急挤占策略
// 同一产能键上的分配串行执行，挤占的选择与落账在同一把键锁内完成
type Allocator struct {
	ledger      *ledger.Ledger
	keyLocks    *lock.MutexMap
	mu          sync.Mutex // 保护 allocations 和 seq
	allocations map[string]*Allocation
	seq         uint64
	bus         *event.Bus
	logger      *slog.Logger
}

// NewAllocator 创建一个新的 Allocator 实例
func NewAllocator(l *ledger.Ledger, bus *event.Bus, logger *slog.Logger) *Allocator {
	return &Allocator{
		ledger:      l,
		keyLocks:    lock.NewMutexMap(),
		allocations: make(map[string]*Allocation),
		bus:         bus,
		logger:      logger.With("component", "allocator"),
	}
}

// RequestAllocation 为工序预留 estimatedHours 工时和所需工位
// 工序已有预留时直接返回；产能不足且工序为加急时尝试挤占
func (a *Allocator) RequestAllocation(stage types.StageRecord) (Allocation, error) {
	alloc, _, err := a.request(stage, false)
	return alloc, err
}

// Acquire 预留并标记为已开工，用于 ready -> in_progress
// created 表示本次调用新建了预留 (而不是沿用已预约的预留)，调用方回滚时只释放自己新建的预留
func (a *Allocator) Acquire(stage types.StageRecord) (alloc Allocation, created bool, err error) {
	return a.request(stage, true)
}

func (a *Allocator) request(stage types.StageRecord, start bool) (Allocation, bool, error) {
	key := stage.CapacityKey()
	if err := key.Validate(); err != nil {
		return Allocation{}, false, err
	}
	a.keyLocks.Lock(key.String())
	defer a.keyLocks.Unlock(key.String())

	logger := a.logger.With("stage_id", stage.ID, "key", key.String())

	if existing, ok := a.lookup(stage.ID); ok {
		if start && !existing.Started {
			a.mu.Lock()
			a.allocations[stage.ID].Started = true
			existing = *a.allocations[stage.ID]
			a.mu.Unlock()
		}
		return existing, false, nil
	}

	rec, err := a.ledger.GetOrCreate(key)
	if err != nil {
		return Allocation{}, false, err
	}
	if !rec.HasSkills(stage.RequiredSkills) {
		metrics.AllocationsTotal.WithLabelValues(string(stage.Department), "no_matching_skill").Inc()
		return Allocation{}, false, fmt.Errorf("%w: %s needs %v, %s offers %v", types.ErrNoMatchingSkill, stage.ID, stage.RequiredSkills, key, rec.AvailableSkills)
	}
	if !rec.HasEquipment(stage.RequiredEquipment) {
		metrics.AllocationsTotal.WithLabelValues(string(stage.Department), "equipment_unavailable").Inc()
		return Allocation{}, false, fmt.Errorf("%w: %s needs %v on %s", types.ErrEquipmentUnavailable, stage.ID, stage.RequiredEquipment, key)
	}

	// 未登记工位的记录只按工时约束
	var bays []types.BayType
	if stage.BayType != "" && rec.TotalBays > 0 {
		bays = append(bays, stage.BayType)
	}

	rsv, err := a.ledger.ReserveFor(stage.ID, key, stage.EstimatedHours, bays...)
	if errors.Is(err, types.ErrInsufficientCapacity) && stage.IsRush {
		logger.Info("产能不足，尝试加急挤占", "hours", stage.EstimatedHours.String())
		rsv, err = a.preempt(stage, key, bays)
	}
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(string(stage.Department), resultLabel(err)).Inc()
		return Allocation{}, false, err
	}

	a.mu.Lock()
	a.seq++
	alloc := &Allocation{
		StageID:       stage.ID,
		RepairOrderID: stage.RepairOrderID,
		Reservation:   rsv,
		Priority:      stage.Priority,
		IsRush:        stage.IsRush,
		Started:       start,
		seq:           a.seq,
	}
	a.allocations[stage.ID] = alloc
	a.mu.Unlock()

	metrics.AllocationsTotal.WithLabelValues(string(stage.Department), "granted").Inc()
	logger.Info("分配产能", "reservation_id", rsv.ID, "hours", rsv.Hours.String(), "bays", rsv.BayTypes)
	return *alloc, true, nil
}

// preempt 选出可挤占的预留，在账本的一个临界区内释放它们并为加急工序预留
// 调用方必须持有 key 锁
func (a *Allocator) preempt(stage types.StageRecord, key types.CapacityKey, bays []types.BayType) (types.Reservation, error) {
	rec, ok := a.ledger.Get(key)
	if !ok {
		return types.Reservation{}, fmt.Errorf("%w: no capacity record %s", types.ErrInsufficientCapacity, key)
	}

	a.mu.Lock()
	candidates := make(victimQueue, 0)
	for _, alloc := range a.allocations {
		if alloc.Reservation.Key != key || alloc.Started || alloc.IsRush || !alloc.Priority.Preemptible() {
			continue
		}
		candidates = append(candidates, alloc)
	}
	a.mu.Unlock()
	heap.Init(&candidates)

	var victims []*Allocation
	sim := rec.Clone()
	for !fits(sim, stage.EstimatedHours, bays) {
		if candidates.Len() == 0 {
			return types.Reservation{}, fmt.Errorf("%w: %s requested, %s allocatable on %s and no preemptible allocation covers the shortfall",
				types.ErrInsufficientCapacity, stage.EstimatedHours, rec.AllocatableHours(), key)
		}
		v := heap.Pop(&candidates).(*Allocation)
		victims = append(victims, v)
		sim.ScheduledHours = sim.ScheduledHours.Sub(v.Reservation.Hours).ClampZero()
		for _, bt := range v.Reservation.BayTypes {
			if sim.BaysOccupied[bt] > 0 {
				sim.BaysOccupied[bt]--
			}
		}
		sim.Recompute()
	}

	rsvs := make([]types.Reservation, len(victims))
	for i, v := range victims {
		rsvs[i] = v.Reservation
	}
	rsv, err := a.ledger.Preempt(stage.ID, key, rsvs, stage.EstimatedHours, bays...)
	if err != nil {
		return types.Reservation{}, err
	}

	a.mu.Lock()
	for _, v := range victims {
		delete(a.allocations, v.StageID)
	}
	a.mu.Unlock()

	for _, v := range victims {
		metrics.PreemptionsTotal.WithLabelValues(string(key.Department)).Inc()
		a.logger.Warn("预留被加急工序挤占", "victim_stage_id", v.StageID, "rush_stage_id", stage.ID, "hours", v.Reservation.Hours.String())
		a.bus.Publish(event.Event{
			Type:          event.AllocationPreempted,
			RepairOrderID: v.RepairOrderID,
			StageID:       v.StageID,
			Hours:         v.Reservation.Hours,
		})
	}
	return rsv, nil
}

// fits 判断记录在当前状态下能否容纳 hours 和 bays
func fits(rec types.CapacityRecord, hours types.Hours, bays []types.BayType) bool {
	if rec.AllocatableHours().LessThan(hours) {
		return false
	}
	need := make(map[types.BayType]int)
	for _, bt := range bays {
		need[bt]++
	}
	total := 0
	for bt, n := range need {
		if rec.FreeBays(bt) < n {
			return false
		}
		total += n
	}
	return total <= rec.AvailableBays
}

// ReleaseAllocation 幂等地释放工序持有的预留
func (a *Allocator) ReleaseAllocation(stageID string) error {
	alloc, ok := a.lookup(stageID)
	if !ok {
		return nil
	}
	key := alloc.Reservation.Key.String()
	a.keyLocks.Lock(key)
	defer a.keyLocks.Unlock(key)

	if err := a.ledger.Release(alloc.Reservation); err != nil {
		return fmt.Errorf("release %s for %s: %w", alloc.Reservation.ID, stageID, err)
	}
	a.mu.Lock()
	if cur, ok := a.allocations[stageID]; ok && cur.Reservation.ID == alloc.Reservation.ID {
		delete(a.allocations, stageID)
	}
	a.mu.Unlock()
	a.logger.Info("释放产能", "stage_id", stageID, "reservation_id", alloc.Reservation.ID, "hours", alloc.Reservation.Hours.String())
	return nil
}

// unstart 把开工失败的工序的预约恢复为未开工，使其重新可被挤占
func (a *Allocator) unstart(stageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.allocations[stageID]; ok {
		alloc.Started = false
	}
}

// AllocationFor 返回工序当前持有的预留
func (a *Allocator) AllocationFor(stageID string) (Allocation, bool) {
	return a.lookup(stageID)
}

func (a *Allocator) lookup(stageID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[stageID]
	if !ok {
		return Allocation{}, false
	}
	return *alloc, true
}

// Allocations 返回全部预留，按工序 ID 排序
func (a *Allocator) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Allocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		out = append(out, *alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageID < out[j].StageID })
	return out
}

// Restore 在启动时根据账本中的预留和工序记录重建分配关系
// 持有者不是已知工序的预留 (例如通过 API 直接预留) 不纳入分配管理
func (a *Allocator) Restore(rsvs []types.Reservation, stage func(id string) (types.StageRecord, bool)) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, rsv := range rsvs {
		if rsv.Holder == "" {
			continue
		}
		s, ok := stage(rsv.Holder)
		if !ok {
			continue
		}
		a.seq++
		a.allocations[s.ID] = &Allocation{
			StageID:       s.ID,
			RepairOrderID: s.RepairOrderID,
			Reservation:   rsv,
			Priority:      s.Priority,
			IsRush:        s.IsRush,
			Started:       s.Status == types.StatusInProgress || s.Status == types.StatusOnHold,
			seq:           a.seq,
		}
		n++
	}
	return n
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, types.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, types.ErrRecordLocked):
		return "record_locked"
	default:
		return "error"
	}
}
