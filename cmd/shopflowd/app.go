package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"shopflow/internal/config"
	"shopflow/internal/engine"
	"shopflow/internal/event"
	"shopflow/internal/ledger"
	"shopflow/internal/persistence"
	"shopflow/internal/report"
	"shopflow/internal/types"
)

// durableStore 是支持启动恢复的存储
type durableStore interface {
	persistence.Store
	Capacities() []types.CapacityRecord
	RepairOrders() []string
}

// app 聚合了核心组件
type app struct {
	store    durableStore
	closer   func() error
	bus      *event.Bus
	ledger   *ledger.Ledger
	engine   *engine.Engine
	reporter *report.Reporter
}

// openApp 打开存储，恢复账本和工单，并组装引擎
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{bus: event.NewBus(), closer: func() error { return nil }}
	if cfg.WALPath != "" {
		wal, err := persistence.NewWAL(cfg.WALPath)
		if err != nil {
			return nil, fmt.Errorf("无法初始化 WAL: %w", err)
		}
		a.store, a.closer = wal, wal.Close
	} else {
		logger.Warn("未配置 wal_path，数据只保存在内存中")
		a.store = persistence.NewMemoryStore()
	}

	a.ledger = ledger.New(a.store, a.bus, logger)
	a.ledger.Load(a.store.Capacities())

	alloc := engine.NewAllocator(a.ledger, a.bus, logger)
	a.engine = engine.NewEngine(alloc, a.store, a.bus, engine.Options{
		DefaultShift:         cfg.DefaultShift,
		ReleasingHoldReasons: cfg.ReleasingHoldReasons,
	}, logger)
	if err := a.engine.LoadOrders(a.store.RepairOrders(), a.ledger.Reservations()); err != nil {
		a.closer()
		return nil, fmt.Errorf("恢复维修工单失败: %w", err)
	}
	a.reporter = report.New(a.ledger, a.engine, logger)
	return a, nil
}

// seedCapacity 写入配置中的初始产能；账本中已有的产能键保持不变
func (a *app) seedCapacity(seeds []config.CapacitySeed, logger *slog.Logger) error {
	for _, s := range seeds {
		key, err := s.Key()
		if err != nil {
			return err
		}
		if _, ok := a.ledger.Get(key); ok {
			continue
		}
		if _, err := a.ledger.SetCapacity(key, types.NewHours(s.TotalHours), s.TotalBays, s.Bays); err != nil {
			return fmt.Errorf("写入产能 %s 失败: %w", key, err)
		}
		if _, err := a.ledger.Configure(key, ledger.Resources{
			AvailableTechnicians: s.Technicians,
			AvailableSkills:      s.Skills,
			EquipmentAvailable:   s.Equipment,
			BufferHours:          types.NewHours(s.BufferHours),
			OvertimeHours:        types.ZeroHours,
			BlockedHours:         types.ZeroHours,
		}); err != nil {
			return fmt.Errorf("配置产能 %s 失败: %w", key, err)
		}
		logger.Info("写入初始产能", "key", key.String(), "total_hours", s.TotalHours)
	}
	return nil
}

// close 等待事件处理完毕并关闭存储
func (a *app) close() error {
	a.bus.Drain()
	return a.closer()
}

// templateSet 持有最新一次加载的模板，配置热更新时整体替换
type templateSet struct {
	cfg atomic.Pointer[config.Config]
}

func (t *templateSet) Template(name string) ([]types.StageTemplate, bool) {
	return t.cfg.Load().Template(name)
}
