package engine

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"

	"shopflow/internal/event"
	"shopflow/internal/metrics"
	"shopflow/internal/types"
	"shopflow/internal/util"
)

// parked 是一条因可恢复错误暂停的开工请求
type parked struct {
	req *StartRequest
	key string // 等待该产能键释放产能；为空表示等待依赖满足
}

// Scheduler 负责开工请求的调度和分发
// 它维护一个优先级队列，并控制并发执行的 worker 数量
// 产能不足或依赖未满足的请求被暂停，收到对应的释放/解锁事件后重新入队
type Scheduler struct {
	pq         PriorityQueue
	parked     map[string]parked // 工序 ID -> 暂停的请求
	queued     map[string]bool   // 已在队列或执行中的工序，避免重复入队
	seq        uint64
	engine     *Engine
	mu         sync.Mutex
	cond       *sync.Cond
	maxWorkers int
	autoStart  bool
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewScheduler 创建一个新的 Scheduler 实例，并订阅唤醒所需的事件
// autoStart 为 true 时，新进入 ready 的工序会自动排队开工
func NewScheduler(engine *Engine, bus *event.Bus, maxWorkers int, autoStart bool, logger *slog.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	s := &Scheduler{
		pq:         make(PriorityQueue, 0),
		parked:     make(map[string]parked),
		queued:     make(map[string]bool),
		engine:     engine,
		maxWorkers: maxWorkers,
		autoStart:  autoStart,
		logger:     logger.With("component", "scheduler"),
	}
	s.cond = sync.NewCond(&s.mu)
	s.subscribe(bus)
	return s
}

func (s *Scheduler) subscribe(bus *event.Bus) {
	if bus == nil {
		return
	}
	wakeByKey := func(e event.Event) {
		if e.Capacity != nil {
			s.wakeKey(e.Capacity.Key.String())
		}
	}
	bus.Subscribe(event.CapacityReleased, wakeByKey)
	bus.Subscribe(event.CapacityConfigured, wakeByKey)
	bus.Subscribe(event.StageUnblocked, func(e event.Event) {
		if s.wakeStage(e.StageID) || !s.autoStart || e.Stage == nil {
			return
		}
		s.Submit(requestFor(*e.Stage))
	})
	bus.Subscribe(event.StagesInstantiated, func(e event.Event) {
		if s.autoStart && e.Stage != nil && e.Stage.Status == types.StatusReady {
			s.Submit(requestFor(*e.Stage))
		}
	})
	// 被挤占的工序重新排队
	bus.Subscribe(event.AllocationPreempted, func(e event.Event) {
		stage, err := s.engine.Stage(e.RepairOrderID, e.StageID)
		if err != nil {
			s.logger.Warn("被挤占的工序不存在", "stage_id", e.StageID, "error", err)
			return
		}
		s.Submit(requestFor(stage))
	})
}

func requestFor(stage types.StageRecord) *StartRequest {
	return &StartRequest{
		RepairOrderID: stage.RepairOrderID,
		StageID:       stage.ID,
		Priority:      stage.Priority,
		IsRush:        stage.IsRush,
	}
}

// Submit 提交一个开工请求到调度器；同一工序已在队列中时忽略
func (s *Scheduler) Submit(req *StartRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[req.StageID] {
		return
	}
	if _, ok := s.parked[req.StageID]; ok {
		delete(s.parked, req.StageID)
		metrics.StagesParked.Dec()
	}
	s.push(req)
	s.logger.Info("接收到开工请求", "stage_id", req.StageID, "priority", req.Priority, "is_rush", req.IsRush)
}

// push 将请求放入优先级队列并唤醒 worker；调用方必须持有 s.mu
func (s *Scheduler) push(req *StartRequest) {
	s.seq++
	heap.Push(&s.pq, &Item{Request: req, seq: s.seq})
	s.queued[req.StageID] = true
	metrics.StagesInQueue.Inc()
	s.cond.Signal()
}

func (s *Scheduler) wakeKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.parked {
		if p.key != key {
			continue
		}
		delete(s.parked, id)
		metrics.StagesParked.Dec()
		s.push(p.req)
	}
}

func (s *Scheduler) wakeStage(stageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parked[stageID]
	if !ok || p.key != "" {
		return false
	}
	delete(s.parked, stageID)
	metrics.StagesParked.Dec()
	s.push(p.req)
	return true
}

func (s *Scheduler) park(req *StartRequest, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parked[req.StageID]; !ok {
		metrics.StagesParked.Inc()
	}
	s.parked[req.StageID] = parked{req: req, key: key}
}

// Start 启动调度循环，阻塞直到 ctx 取消
func (s *Scheduler) Start(ctx context.Context) {
	workerPool := make(chan struct{}, s.maxWorkers)

	// 监听上下文取消信号，用于优雅停机
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		for s.pq.Len() == 0 {
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}

		item := heap.Pop(&s.pq).(*Item)
		metrics.StagesInQueue.Dec()
		s.mu.Unlock()

		// 获取 worker 凭证（控制并发数）
		select {
		case workerPool <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)

		go func(req *StartRequest) {
			defer s.wg.Done()
			defer func() { <-workerPool }()

			taskCtx := util.ContextWithTraceID(ctx, util.NewTraceID())
			s.dispatch(taskCtx, req)
		}(item.Request)
	}
}

// dispatch 执行一次开工尝试，按错误类别决定暂停还是丢弃
func (s *Scheduler) dispatch(ctx context.Context, req *StartRequest) {
	traceID, _ := util.TraceIDFromContext(ctx)
	logger := s.logger.With("stage_id", req.StageID, "trace_id", traceID)

	// pending 工序不能直接开工，等上游完工后由 StageUnblocked 唤醒
	if stage, err := s.engine.Stage(req.RepairOrderID, req.StageID); err == nil && stage.Status == types.StatusPending {
		s.mu.Lock()
		delete(s.queued, req.StageID)
		s.mu.Unlock()
		logger.Info("依赖未满足，等待上游完工")
		s.park(req, "")
		return
	}

	_, err := s.engine.Transition(ctx, req.RepairOrderID, req.StageID, types.StatusInProgress, TransitionContext{
		Technician: req.Technician,
		Bay:        req.Bay,
	})

	s.mu.Lock()
	delete(s.queued, req.StageID)
	s.mu.Unlock()

	switch {
	case err == nil:
		logger.Info("工序已开工")
	case errors.Is(err, types.ErrDependencyNotSatisfied):
		logger.Info("依赖未满足，等待上游完工")
		s.park(req, "")
	case types.Recoverable(err):
		stage, serr := s.engine.Stage(req.RepairOrderID, req.StageID)
		if serr != nil {
			logger.Warn("工序已不存在，丢弃开工请求", "error", serr)
			return
		}
		logger.Info("产能不足，等待释放", "key", stage.CapacityKey().String(), "error", err)
		s.park(req, stage.CapacityKey().String())
	default:
		logger.Warn("开工请求被丢弃", "error", err)
	}
}

// Parked 返回当前暂停的工序 ID
func (s *Scheduler) Parked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.parked))
	for id := range s.parked {
		out = append(out, id)
	}
	return out
}

// Pending 返回队列中等待调度的请求数量
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}

// WaitForCompletion 等待所有正在执行的开工尝试完成
// 用于优雅停机
func (s *Scheduler) WaitForCompletion() {
	s.wg.Wait()
}
