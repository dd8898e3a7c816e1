package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"shopflow/internal/event"
	"shopflow/internal/fsm"
	"shopflow/internal/graph"
	"shopflow/internal/lock"
	"shopflow/internal/metrics"
	"shopflow/internal/persistence"
	"shopflow/internal/types"
	"shopflow/internal/util"
)

// TransitionContext 携带一次状态转移所需的业务输入
type TransitionContext struct {
	HoldReason    types.HoldReason `json:"hold_reason,omitempty"`
	QCPassed      bool             `json:"qc_passed,omitempty"`
	ActualHours   types.Hours      `json:"actual_hours"`
	Technician    string           `json:"technician,omitempty"`
	Bay           string           `json:"bay,omitempty"`
	ChecklistDone []string         `json:"checklist_done,omitempty"` // 本次勾选完成的检查项名称
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Options 是转移引擎的可配置项
type Options struct {
	DefaultShift         string
	ReleasingHoldReasons []types.HoldReason // 挂起时释放已占产能的原因
}

// Engine 是工序状态转移引擎
// 同一维修工单的转移串行执行 (一次只跑一个传播工作表)，不同工单之间并行
type Engine struct {
	mu         sync.RWMutex
	orders     map[string]*graph.Graph
	orderLocks *lock.MutexMap
	allocator  *Allocator
	store      persistence.Store
	bus        *event.Bus
	table      *fsm.Table
	releasing  map[types.HoldReason]bool
	shift      string
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine 创建一个新的转移引擎实例
func NewEngine(alloc *Allocator, store persistence.Store, bus *event.Bus, opts Options, logger *slog.Logger) *Engine {
	reasons := opts.ReleasingHoldReasons
	if reasons == nil {
		reasons = types.DefaultReleasingHoldReasons
	}
	releasing := make(map[types.HoldReason]bool, len(reasons))
	for _, r := range reasons {
		releasing[r] = true
	}
	shift := opts.DefaultShift
	if shift == "" {
		shift = "day"
	}
	return &Engine{
		orders:     make(map[string]*graph.Graph),
		orderLocks: lock.NewMutexMap(),
		allocator:  alloc,
		store:      store,
		bus:        bus,
		table:      fsm.NewTable(),
		releasing:  releasing,
		shift:      shift,
		logger:     logger.With("component", "transition_engine"),
		now:        time.Now,
	}
}

// Allocator 返回引擎使用的产能分配器
func (e *Engine) Allocator() *Allocator { return e.allocator }

func (e *Engine) graph(orderID string) (*graph.Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: repair order %s", types.ErrNotFound, orderID)
	}
	return g, nil
}

func (e *Engine) setGraph(g *graph.Graph) {
	e.mu.Lock()
	e.orders[g.RepairOrderID] = g
	e.mu.Unlock()
}

// InstantiateOrder 按模板为维修工单创建工序并持久化
// 模板非法或存在环时不创建任何工序
func (e *Engine) InstantiateOrder(ctx context.Context, profile types.OrderProfile, templates []types.StageTemplate) ([]types.StageRecord, error) {
	_, traceID := util.EnsureTraceID(ctx)
	logger := e.logger.With("repair_order_id", profile.RepairOrderID, "trace_id", traceID)

	e.orderLocks.Lock(profile.RepairOrderID)
	if _, err := e.graph(profile.RepairOrderID); err == nil {
		e.orderLocks.Unlock(profile.RepairOrderID)
		return nil, fmt.Errorf("%w: repair order %s already has a workflow", types.ErrInvalidTemplate, profile.RepairOrderID)
	}
	g, err := graph.Instantiate(profile, templates, e.shift, e.now())
	if err != nil {
		e.orderLocks.Unlock(profile.RepairOrderID)
		logger.Warn("工作流模板被拒绝", "error", err)
		return nil, err
	}
	stages := g.Stages()
	if err := e.store.PersistStages(stages); err != nil {
		e.orderLocks.Unlock(profile.RepairOrderID)
		return nil, fmt.Errorf("persist stages of %s: %w", profile.RepairOrderID, err)
	}
	e.setGraph(g)
	e.orderLocks.Unlock(profile.RepairOrderID)

	logger.Info("工作流实例化完成", "stages", len(stages))
	for i := range stages {
		s := stages[i]
		e.bus.Publish(event.Event{Type: event.StagesInstantiated, RepairOrderID: s.RepairOrderID, StageID: s.ID, Stage: &s, TraceID: traceID})
	}
	return stages, nil
}

// Transition 将工序推进到目标状态，执行副作用 (分配/释放产能、依赖传播、返工) 并持久化
// 事件在落盘并释放工单锁之后异步发布
func (e *Engine) Transition(ctx context.Context, orderID, stageID string, target types.StageStatus, tc TransitionContext) (types.StageRecord, error) {
	_, traceID := util.EnsureTraceID(ctx)
	logger := e.logger.With("repair_order_id", orderID, "stage_id", stageID, "to", target, "trace_id", traceID)

	e.orderLocks.Lock(orderID)
	res, err := e.transitionLocked(orderID, stageID, target, tc, logger)
	e.orderLocks.Unlock(orderID)
	if err != nil {
		metrics.TransitionsRejectedTotal.WithLabelValues(rejectLabel(err)).Inc()
		if types.Recoverable(err) {
			logger.Info("转移暂不可行", "error", err)
		} else {
			logger.Warn("转移被拒绝", "error", err)
		}
		return types.StageRecord{}, err
	}

	// 锁外执行的产能释放：转移已落盘，释放失败只记录日志，释放本身幂等可重试
	for _, id := range res.release {
		if err := e.allocator.ReleaseAllocation(id); err != nil {
			logger.Error("释放产能失败", "release_stage_id", id, "error", err)
		}
	}

	metrics.StageTransitionsTotal.WithLabelValues(string(res.from), string(target)).Inc()
	if target == types.StatusCompleted {
		metrics.StageActualHours.WithLabelValues(string(res.stage.Department)).Observe(res.stage.ActualHours.Float())
	}
	logger.Info("工序状态转移", "from", res.from, "trigger", res.trigger, "unblocked", res.unblocked)

	stage := res.stage
	e.bus.Publish(event.Event{Type: event.StageTransitioned, RepairOrderID: orderID, StageID: stageID, Stage: &stage, From: res.from, To: target, TraceID: traceID})
	for i := range res.unblockedStages {
		s := res.unblockedStages[i]
		e.bus.Publish(event.Event{Type: event.StageUnblocked, RepairOrderID: orderID, StageID: s.ID, Stage: &s, From: types.StatusPending, To: types.StatusReady, TraceID: traceID})
	}
	if res.rework != nil {
		rw := *res.rework
		e.bus.Publish(event.Event{Type: event.StagesInstantiated, RepairOrderID: orderID, StageID: rw.ID, Stage: &rw, TraceID: traceID})
	}
	return stage, nil
}

// transitionResult 汇总一次转移的结果，供锁外发布事件
type transitionResult struct {
	stage           types.StageRecord
	from            types.StageStatus
	trigger         fsm.Trigger
	unblocked       []string
	unblockedStages []types.StageRecord
	rework          *types.StageRecord
	release         []string // 落盘后需要释放产能的工序
}

func (e *Engine) transitionLocked(orderID, stageID string, target types.StageStatus, tc TransitionContext, logger *slog.Logger) (transitionResult, error) {
	g, err := e.graph(orderID)
	if err != nil {
		return transitionResult{}, err
	}
	stage, ok := g.Stage(stageID)
	if !ok {
		return transitionResult{}, fmt.Errorf("%w: stage %s in repair order %s", types.ErrNotFound, stageID, orderID)
	}
	from := stage.Status
	trigger, err := e.table.Lookup(stageID, from, target)
	if err != nil {
		return transitionResult{}, err
	}

	now := e.now()
	before := g.Stages()
	res := transitionResult{from: from, trigger: trigger}
	var acquired bool

	reject := func(reason string, sentinel error) error {
		return &types.TransitionError{StageID: stageID, From: from, To: target, Reason: reason, Err: sentinel}
	}

	switch target {
	case types.StatusReady:
		if !g.DependencySatisfied(stageID) {
			return transitionResult{}, reject(fmt.Sprintf("blocked by %v", g.Blockers(stageID)), types.ErrDependencyNotSatisfied)
		}
		if from == types.StatusOnHold {
			clearHold(stage, now)
			res.release = append(res.release, stageID)
		}

	case types.StatusInProgress:
		if !g.DependencySatisfied(stageID) {
			return transitionResult{}, reject(fmt.Sprintf("blocked by %v", g.Blockers(stageID)), types.ErrDependencyNotSatisfied)
		}
		_, created, err := e.allocator.Acquire(stage.Clone())
		if err != nil {
			return transitionResult{}, &types.TransitionError{StageID: stageID, From: from, To: target, Reason: "allocation failed", Err: err}
		}
		acquired = created
		if from == types.StatusOnHold {
			clearHold(stage, now)
		}
		if stage.StartedAt == nil {
			stage.StartedAt = &now
		}
		if tc.Technician != "" {
			stage.AssignedTechnician = tc.Technician
		}
		if tc.Bay != "" {
			stage.AssignedBay = tc.Bay
		}

	case types.StatusOnHold:
		if !tc.HoldReason.Valid() {
			return transitionResult{}, reject(fmt.Sprintf("unknown hold reason %q", tc.HoldReason), types.ErrInvalidTransition)
		}
		stage.OnHold = true
		stage.HoldReason = tc.HoldReason
		stage.HoldStartDate = &now
		stage.HoldEndDate = nil
		if e.releasing[tc.HoldReason] {
			res.release = append(res.release, stageID)
		}

	case types.StatusCompleted:
		markChecklist(stage, tc.ChecklistDone)
		if tc.QCPassed {
			stage.QCPassed = true
		}
		if stage.QCRequired && !stage.QCPassed {
			return transitionResult{}, e.rollback(g, before, reject("quality control not passed", types.ErrInvalidTransition))
		}
		if !stage.ChecklistComplete() {
			return transitionResult{}, e.rollback(g, before, reject("required checklist items incomplete", types.ErrInvalidTransition))
		}
		if !tc.ActualHours.IsZero() {
			stage.ActualHours = tc.ActualHours
		}
		stage.CompletedAt = &now
		res.release = append(res.release, stageID)

	case types.StatusFailed:
		stage.FailureReason = tc.FailureReason
		res.release = append(res.release, stageID)

	case types.StatusBypassed:
		res.release = append(res.release, stageID)

	case types.StatusRework:
		stage.Status = types.StatusRework
		rw, demoted, err := g.AddReworkStage(stageID, now)
		if err != nil {
			return transitionResult{}, e.rollback(g, before, err)
		}
		r := rw.Clone()
		res.rework = &r
		// 被退回 pending 的下游若已预留产能，随之释放
		res.release = append(res.release, demoted...)
		logger.Info("创建返工工序", "rework_stage_id", rw.ID, "rework_count", rw.ReworkCount, "demoted", demoted)
	}

	stage.Status = target
	stage.UpdatedAt = now
	if target.Satisfies() {
		res.unblocked = g.Propagate(stageID, now)
	}

	if err := e.persistChanged(g, before); err != nil {
		restoreErr := e.rollback(g, before, err)
		switch {
		case acquired:
			if relErr := e.allocator.ReleaseAllocation(stageID); relErr != nil {
				logger.Error("回滚产能预留失败", "error", relErr)
			}
		case target == types.StatusInProgress && from == types.StatusReady:
			// ready 工序沿用的只可能是预约
			e.allocator.unstart(stageID)
		}
		return transitionResult{}, restoreErr
	}

	res.stage = stage.Clone()
	for _, id := range res.unblocked {
		if s, ok := g.Stage(id); ok {
			res.unblockedStages = append(res.unblockedStages, s.Clone())
		}
	}
	return res, nil
}

// persistChanged 只持久化与转移前快照不同的工序，一次转移的全部变更作为一批原子写入
func (e *Engine) persistChanged(g *graph.Graph, before []types.StageRecord) error {
	prev := make(map[string]types.StageRecord, len(before))
	for _, s := range before {
		prev[s.ID] = s
	}
	var changed []types.StageRecord
	for _, s := range g.Stages() {
		if old, ok := prev[s.ID]; ok && reflect.DeepEqual(old, s) {
			continue
		}
		changed = append(changed, s)
	}
	if len(changed) == 0 {
		return nil
	}
	if err := e.store.PersistStages(changed); err != nil {
		return fmt.Errorf("persist %d stages of %s: %w", len(changed), g.RepairOrderID, err)
	}
	return nil
}

// rollback 把工单的工序图恢复到转移前的快照
func (e *Engine) rollback(g *graph.Graph, before []types.StageRecord, cause error) error {
	restored, err := graph.Restore(g.RepairOrderID, before)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("restore %s: %w", g.RepairOrderID, err))
	}
	e.setGraph(restored)
	return cause
}

func clearHold(stage *types.StageRecord, now time.Time) {
	stage.OnHold = false
	stage.HoldReason = ""
	stage.HoldEndDate = &now
}

func markChecklist(stage *types.StageRecord, done []string) {
	if len(done) == 0 {
		return
	}
	names := make(map[string]bool, len(done))
	for _, n := range done {
		names[n] = true
	}
	for i := range stage.ChecklistItems {
		if names[stage.ChecklistItems[i].Name] {
			stage.ChecklistItems[i].Done = true
		}
	}
}

// Book 为尚未开工的工序预先预留产能，可被加急工序挤占
func (e *Engine) Book(ctx context.Context, orderID, stageID string) (Allocation, error) {
	_, traceID := util.EnsureTraceID(ctx)
	e.orderLocks.Lock(orderID)
	defer e.orderLocks.Unlock(orderID)

	g, err := e.graph(orderID)
	if err != nil {
		return Allocation{}, err
	}
	stage, ok := g.Stage(stageID)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: stage %s in repair order %s", types.ErrNotFound, stageID, orderID)
	}
	if stage.Status != types.StatusPending && stage.Status != types.StatusReady {
		return Allocation{}, &types.TransitionError{StageID: stageID, From: stage.Status, To: stage.Status, Reason: "only pending or ready stages can be booked", Err: types.ErrInvalidTransition}
	}
	alloc, err := e.allocator.RequestAllocation(stage.Clone())
	if err != nil {
		e.logger.Info("预约产能失败", "stage_id", stageID, "trace_id", traceID, "error", err)
		return Allocation{}, err
	}
	return alloc, nil
}

// Stages 返回维修工单的全部工序
func (e *Engine) Stages(orderID string) ([]types.StageRecord, error) {
	e.orderLocks.Lock(orderID)
	defer e.orderLocks.Unlock(orderID)
	g, err := e.graph(orderID)
	if err != nil {
		return nil, err
	}
	return g.Stages(), nil
}

// Stage 返回单道工序的快照
func (e *Engine) Stage(orderID, stageID string) (types.StageRecord, error) {
	e.orderLocks.Lock(orderID)
	defer e.orderLocks.Unlock(orderID)
	g, err := e.graph(orderID)
	if err != nil {
		return types.StageRecord{}, err
	}
	s, ok := g.Stage(stageID)
	if !ok {
		return types.StageRecord{}, fmt.Errorf("%w: stage %s in repair order %s", types.ErrNotFound, stageID, orderID)
	}
	return s.Clone(), nil
}

// Orders 返回已加载的维修工单 ID
func (e *Engine) Orders() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.orders))
	for id := range e.orders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AllStages 返回全部工单的工序，供报表使用
func (e *Engine) AllStages() []types.StageRecord {
	var out []types.StageRecord
	for _, id := range e.Orders() {
		stages, err := e.Stages(id)
		if err != nil {
			continue
		}
		out = append(out, stages...)
	}
	return out
}

// LoadOrders 从存储恢复维修工单的工序图，并根据账本中的预留重建分配关系
func (e *Engine) LoadOrders(orderIDs []string, rsvs []types.Reservation) error {
	index := make(map[string]types.StageRecord)
	for _, id := range orderIDs {
		recs, err := e.store.QueryStagesByOrder(id)
		if err != nil {
			return fmt.Errorf("query stages of %s: %w", id, err)
		}
		g, err := graph.Restore(id, recs)
		if err != nil {
			return err
		}
		e.setGraph(g)
		for _, s := range recs {
			index[s.ID] = s
		}
	}
	n := e.allocator.Restore(rsvs, func(id string) (types.StageRecord, bool) {
		s, ok := index[id]
		return s, ok
	})

	// 转移落盘后、释放产能前崩溃会留下已无权占用产能的预留
	stale := 0
	for _, rsv := range rsvs {
		s, ok := index[rsv.Holder]
		if !ok || e.holdsCapacity(s) {
			continue
		}
		if err := e.allocator.ReleaseAllocation(s.ID); err != nil {
			e.logger.Error("释放残留预留失败", "stage_id", s.ID, "status", s.Status, "reservation_id", rsv.ID, "error", err)
			continue
		}
		e.logger.Warn("释放残留预留", "stage_id", s.ID, "status", s.Status, "reservation_id", rsv.ID, "hours", rsv.Hours.String())
		stale++
	}
	e.logger.Info("恢复维修工单", "orders", len(orderIDs), "allocations", n-stale, "released", stale)
	return nil
}

// holdsCapacity 判断处于该状态的工序是否仍有权占用产能
// 未开工的工序可以预约，进行中和因非释放原因挂起的工序保留预留
func (e *Engine) holdsCapacity(s types.StageRecord) bool {
	switch s.Status {
	case types.StatusPending, types.StatusReady, types.StatusInProgress:
		return true
	case types.StatusOnHold:
		return !e.releasing[s.HoldReason]
	}
	return false
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, types.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, types.ErrDependencyNotSatisfied):
		return "dependency_not_satisfied"
	case errors.Is(err, types.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, types.ErrNoMatchingSkill):
		return "no_matching_skill"
	case errors.Is(err, types.ErrEquipmentUnavailable):
		return "equipment_unavailable"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
