package event

import (
	"sync"

	"shopflow/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	StagesInstantiated  EventType = "StagesInstantiated"  // 工单工作流实例化完成
	StageTransitioned   EventType = "StageTransitioned"   // 工序状态转移已落盘
	StageUnblocked      EventType = "StageUnblocked"      // 下游工序因依赖满足进入 ready
	AllocationPreempted EventType = "AllocationPreempted" // 工序的产能预留被加急工序挤占
	CapacityReserved    EventType = "CapacityReserved"    // 产能被预留
	CapacityReleased    EventType = "CapacityReleased"    // 产能被释放
	CapacityConfigured  EventType = "CapacityConfigured"  // 产能被管理员调整
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type          EventType             // 事件类型
	RepairOrderID string                // 关联的维修工单
	StageID       string                // 关联的工序 ID
	Stage         *types.StageRecord    // 转移后的工序快照
	From          types.StageStatus     // 转移前状态 (仅 StageTransitioned)
	To            types.StageStatus     // 转移后状态 (仅 StageTransitioned)
	Capacity      *types.CapacityRecord // 变更后的产能快照 (仅产能相关事件)
	Hours         types.Hours           // 预留/释放的工时
	TraceID       string                // 触发本次变更的 Trace ID
	Error         error                 // 错误信息
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	wg       sync.WaitGroup
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被异步调用
// 发布方必须在变更落盘并释放锁之后再发布，处理器不会阻塞账本或工单锁
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(e)
		}(handler)
	}
}

// Drain 等待所有已发布事件的处理器执行完毕，用于停机和测试
func (b *Bus) Drain() {
	if b == nil {
		return
	}
	b.wg.Wait()
}
