package web

import (
	"sync"
	"time"

	"shopflow/internal/types"
)

// StageView 定义了用于 UI 展示的工序状态
// 这是一个简化的视图，只包含前端需要的数据
type StageView struct {
	ID            string            `json:"id"`
	RepairOrderID string            `json:"repair_order_id"`
	Name          string            `json:"name"`
	Type          types.StageType   `json:"type"`
	Department    types.Department  `json:"department"`
	Status        types.StageStatus `json:"status"`
	Priority      types.Priority    `json:"priority"`
	IsRush        bool              `json:"is_rush,omitempty"`
	HoldReason    types.HoldReason  `json:"hold_reason,omitempty"`
	Technician    string            `json:"technician,omitempty"`
	Bay           string            `json:"bay,omitempty"`
	ReworkCount   int               `json:"rework_count,omitempty"`
}

// CapacityView 定义了用于 UI 展示的产能状态
type CapacityView struct {
	Key                   string           `json:"key"`
	Date                  string           `json:"date"`
	Department            types.Department `json:"department"`
	Shift                 string           `json:"shift"`
	TotalHours            types.Hours      `json:"total_hours"`
	ScheduledHours        types.Hours      `json:"scheduled_hours"`
	RemainingHours        types.Hours      `json:"remaining_hours"`
	UtilizationPercentage float64          `json:"utilization_percentage"`
	OccupiedBays          int              `json:"occupied_bays"`
	TotalBays             int              `json:"total_bays"`
}

// ShopState 代表整个车间的实时状态快照
type ShopState struct {
	Stages    map[string]StageView    `json:"stages"`
	Capacity  map[string]CapacityView `json:"capacity"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// StateTracker 负责追踪所有工序和产能的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state ShopState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可为 nil
func NewStateTracker(hub *Hub) *StateTracker {
	st := &StateTracker{
		state: ShopState{
			Stages:   make(map[string]StageView),
			Capacity: make(map[string]CapacityView),
		},
		hub: hub,
	}
	if hub != nil {
		hub.SetSnapshot(func() interface{} { return st.Snapshot() })
	}
	return st
}

// UpdateStage 更新单个工序的状态，并向所有客户端广播最新的全局状态
func (st *StateTracker) UpdateStage(s types.StageRecord) {
	st.mu.Lock()
	st.state.Stages[s.ID] = StageView{
		ID:            s.ID,
		RepairOrderID: s.RepairOrderID,
		Name:          s.Name,
		Type:          s.StageType,
		Department:    s.Department,
		Status:        s.Status,
		Priority:      s.Priority,
		IsRush:        s.IsRush,
		HoldReason:    s.HoldReason,
		Technician:    s.AssignedTechnician,
		Bay:           s.AssignedBay,
		ReworkCount:   s.ReworkCount,
	}
	st.state.UpdatedAt = s.UpdatedAt
	st.mu.Unlock()
	st.publish()
}

// UpdateCapacity 更新一条产能记录的展示状态
func (st *StateTracker) UpdateCapacity(rec types.CapacityRecord) {
	st.mu.Lock()
	st.state.Capacity[rec.Key.String()] = CapacityView{
		Key:                   rec.Key.String(),
		Date:                  rec.Key.ScheduleDate,
		Department:            rec.Key.Department,
		Shift:                 rec.Key.ShiftName,
		TotalHours:            rec.TotalCapacityHours,
		ScheduledHours:        rec.ScheduledHours,
		RemainingHours:        rec.RemainingCapacityHours,
		UtilizationPercentage: rec.UtilizationPercentage,
		OccupiedBays:          rec.OccupiedBays,
		TotalBays:             rec.TotalBays,
	}
	st.state.UpdatedAt = rec.UpdatedAt
	st.mu.Unlock()
	st.publish()
}

func (st *StateTracker) publish() {
	if st.hub != nil {
		st.hub.BroadcastState(st.Snapshot())
	}
}

// Snapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) Snapshot() ShopState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	// 创建深拷贝以避免并发问题
	out := ShopState{
		Stages:    make(map[string]StageView, len(st.state.Stages)),
		Capacity:  make(map[string]CapacityView, len(st.state.Capacity)),
		UpdatedAt: st.state.UpdatedAt,
	}
	for id, s := range st.state.Stages {
		out.Stages[id] = s
	}
	for k, c := range st.state.Capacity {
		out.Capacity[k] = c
	}
	return out
}
