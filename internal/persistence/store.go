package persistence

import (
	"sort"
	"sync"

	"shopflow/internal/types"
)

// Store 是引擎依赖的外部持久化协作方
// 产能账本通过它落盘 CapacityRecord，转移引擎通过它落盘 StageRecord
type Store interface {
	PersistCapacity(rec types.CapacityRecord) error
	LoadCapacity(key types.CapacityKey) (types.CapacityRecord, bool, error)
	PersistStage(rec types.StageRecord) error
	// PersistStages 原子地写入一批工序记录：要么全部可见，要么全部不可见
	PersistStages(recs []types.StageRecord) error
	QueryStagesByOrder(repairOrderID string) ([]types.StageRecord, error)
}

// MemoryStore 是纯内存实现，用于测试和无持久化的演示
type MemoryStore struct {
	mu         sync.RWMutex
	capacities map[string]types.CapacityRecord
	stages     map[string]map[string]types.StageRecord // repairOrderID -> stageID -> record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建一个空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		capacities: make(map[string]types.CapacityRecord),
		stages:     make(map[string]map[string]types.StageRecord),
	}
}

func (m *MemoryStore) PersistCapacity(rec types.CapacityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacities[rec.Key.String()] = rec.Clone()
	return nil
}

func (m *MemoryStore) LoadCapacity(key types.CapacityKey) (types.CapacityRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.capacities[key.String()]
	if !ok {
		return types.CapacityRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *MemoryStore) PersistStage(rec types.StageRecord) error {
	return m.PersistStages([]types.StageRecord{rec})
}

func (m *MemoryStore) PersistStages(recs []types.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		byOrder, ok := m.stages[rec.RepairOrderID]
		if !ok {
			byOrder = make(map[string]types.StageRecord)
			m.stages[rec.RepairOrderID] = byOrder
		}
		byOrder[rec.ID] = rec.Clone()
	}
	return nil
}

func (m *MemoryStore) QueryStagesByOrder(repairOrderID string) ([]types.StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedStages(m.stages[repairOrderID]), nil
}

// Capacities 返回全部产能记录，用于 WAL 恢复后重建账本
func (m *MemoryStore) Capacities() []types.CapacityRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.CapacityRecord, 0, len(m.capacities))
	for _, rec := range m.capacities {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// RepairOrders 返回所有已落盘的维修工单 ID
func (m *MemoryStore) RepairOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.stages))
	for id := range m.stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedStages(byID map[string]types.StageRecord) []types.StageRecord {
	out := make([]types.StageRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StageOrder != out[j].StageOrder {
			return out[i].StageOrder < out[j].StageOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}
