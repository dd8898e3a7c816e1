package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// StagesInQueue 仪表盘：开工队列中等待调度的工序数量
	StagesInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopflow_stages_in_queue",
		Help: "The number of stages waiting in the start queue",
	})

	// StagesParked 仪表盘：因产能不足或依赖未满足而暂停等待唤醒的工序数量
	StagesParked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopflow_stages_parked",
		Help: "The number of queued stages parked until capacity frees or dependencies clear",
	})

	// StageTransitionsTotal 计数器：已落盘的工序状态转移，按起止状态分类
	StageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_stage_transitions_total",
		Help: "The total number of committed stage transitions",
	}, []string{"from", "to"})

	// TransitionsRejectedTotal 计数器：被拒绝的转移，按错误类别分类
	TransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_stage_transitions_rejected_total",
		Help: "The total number of rejected stage transitions",
	}, []string{"reason"})

	// AllocationsTotal 计数器：产能分配请求结果
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_allocations_total",
		Help: "The total number of allocation requests by result",
	}, []string{"department", "result"})

	// PreemptionsTotal 计数器：被加急工序挤占的预留数量
	PreemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_preemptions_total",
		Help: "The total number of allocations displaced by rush stages",
	}, []string{"department"})

	// CapacityUtilization 仪表盘：每个产能键的当前利用率 (百分比)
	CapacityUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shopflow_capacity_utilization_percent",
		Help: "Scheduled hours as a percentage of total capacity hours",
	}, []string{"shop", "date", "department", "shift"})

	// StageActualHours 直方图：完工工序的实际工时分布
	// 用于分析各部门的估时偏差
	StageActualHours = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shopflow_stage_actual_hours",
		Help:    "Actual labor hours recorded on completed stages",
		Buckets: []float64{0.5, 1, 2, 4, 6, 8, 12, 16, 24, 40},
	}, []string{"department"})
)
