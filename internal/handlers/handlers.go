package handlers

import (
	"log/slog"

	"shopflow/internal/event"
	"shopflow/internal/metrics"
	"shopflow/internal/types"
	"shopflow/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、UI、日志）解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	logger = logger.With("component", "audit")

	// --- 指标处理器 (Metrics Handler) ---
	// 订阅产能变更事件，刷新对应产能键的利用率
	capacityGauge := func(e event.Event) {
		if e.Capacity == nil {
			return
		}
		k := e.Capacity.Key
		metrics.CapacityUtilization.WithLabelValues(k.ShopID, k.ScheduleDate, string(k.Department), k.ShiftName).
			Set(e.Capacity.UtilizationPercentage)
	}
	for _, t := range []event.EventType{event.CapacityReserved, event.CapacityReleased, event.CapacityConfigured} {
		bus.Subscribe(t, capacityGauge)
	}

	// --- Web UI 处理器 (Web UI Handler) ---
	// 工序快照变化时更新 UI 状态
	stageView := func(e event.Event) {
		if e.Stage != nil {
			st.UpdateStage(*e.Stage)
		}
	}
	for _, t := range []event.EventType{event.StagesInstantiated, event.StageTransitioned, event.StageUnblocked} {
		bus.Subscribe(t, stageView)
	}
	// 产能快照变化时更新 UI 中的产能看板
	capacityView := func(e event.Event) {
		if e.Capacity != nil {
			st.UpdateCapacity(*e.Capacity)
		}
	}
	for _, t := range []event.EventType{event.CapacityReserved, event.CapacityReleased, event.CapacityConfigured} {
		bus.Subscribe(t, capacityView)
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.StageTransitioned, func(e event.Event) {
		switch e.To {
		case types.StatusFailed:
			reason := ""
			if e.Stage != nil {
				reason = e.Stage.FailureReason
			}
			logger.Error("工序失败", "repair_order_id", e.RepairOrderID, "stage_id", e.StageID, "reason", reason, "trace_id", e.TraceID)
		case types.StatusRework:
			logger.Warn("工序进入返工", "repair_order_id", e.RepairOrderID, "stage_id", e.StageID, "trace_id", e.TraceID)
		case types.StatusCompleted:
			logger.Info("工序完工", "repair_order_id", e.RepairOrderID, "stage_id", e.StageID, "trace_id", e.TraceID)
		}
	})
	bus.Subscribe(event.AllocationPreempted, func(e event.Event) {
		logger.Warn("工序预留被加急工单挤占", "repair_order_id", e.RepairOrderID, "stage_id", e.StageID, "hours", e.Hours.String())
	})
}
