package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"shopflow/internal/types"
)

// Graph 是单个维修工单的工序依赖图
// 工序存放在 arena 中，依赖边和反向边都用下标表示，反向索引在实例化时一次性建好
// Graph 本身不加锁，调用方（转移引擎）按工单串行化所有修改
type Graph struct {
	RepairOrderID string
	stages        []*types.StageRecord
	index         map[string]int    // 工序 ID -> arena 下标
	deps          [][]int           // deps[i]: 工序 i 依赖的工序
	dependents    [][]int           // dependents[i]: 依赖工序 i 的工序
	successor     map[string]string // 返工链: 原工序 ID -> 返工工序 ID
}

func newGraph(repairOrderID string) *Graph {
	return &Graph{
		RepairOrderID: repairOrderID,
		index:         make(map[string]int),
		successor:     make(map[string]string),
	}
}

// StageID 返回工单内第 order 道工序的 ID
func StageID(repairOrderID string, order int) string {
	return fmt.Sprintf("%s-%d", repairOrderID, order)
}

// Instantiate 按模板为维修工单创建工序图
// 模板非法（名称重复、依赖不存在、规则错误）或存在环时不创建任何工序
func Instantiate(profile types.OrderProfile, templates []types.StageTemplate, defaultShift string, now time.Time) (*Graph, error) {
	if profile.RepairOrderID == "" || profile.ShopID == "" {
		return nil, fmt.Errorf("%w: repair order and shop are required", types.ErrInvalidTemplate)
	}
	byName, err := validateTemplates(templates)
	if err != nil {
		return nil, err
	}

	applicable := make([]bool, len(templates))
	for i, tpl := range templates {
		ok, err := evaluateRule(tpl.Rule, profile)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", tpl.Name, err)
		}
		applicable[i] = ok
	}

	shift := profile.ShiftName
	if shift == "" {
		shift = defaultShift
	}
	priority := profile.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}

	g := newGraph(profile.RepairOrderID)
	g.deps = make([][]int, len(templates))
	g.dependents = make([][]int, len(templates))
	for i, tpl := range templates {
		dept := tpl.Department
		if dept == "" {
			dept = tpl.Type.Department()
		}
		bay := tpl.BayType
		if bay == "" {
			bay = tpl.Type.DefaultBay()
		}
		checklist := make([]types.ChecklistItem, len(tpl.Checklist))
		for j, item := range tpl.Checklist {
			checklist[j] = types.ChecklistItem{Name: item.Name, Required: item.Required}
		}
		stage := &types.StageRecord{
			ID:                StageID(profile.RepairOrderID, i+1),
			ShopID:            profile.ShopID,
			RepairOrderID:     profile.RepairOrderID,
			Name:              tpl.Name,
			StageOrder:        i + 1,
			StageType:         tpl.Type,
			StageCategory:     tpl.Type.Category(),
			Department:        dept,
			Status:            types.StatusPending,
			Priority:          priority,
			IsRush:            profile.IsRush,
			ScheduledDate:     profile.ScheduledDate,
			ShiftName:         shift,
			EstimatedHours:    types.NewHours(tpl.EstimatedHours),
			ActualHours:       types.ZeroHours,
			BayType:           bay,
			RequiredSkills:    append([]types.Skill(nil), tpl.RequiredSkills...),
			RequiredEquipment: append([]string(nil), tpl.RequiredEquipment...),
			QCRequired:        tpl.QCRequired,
			ChecklistItems:    checklist,
			UpdatedAt:         now,
		}
		if !applicable[i] {
			stage.Status = types.StatusBypassed
		}
		g.index[stage.ID] = i
		g.stages = append(g.stages, stage)
	}
	for i, tpl := range templates {
		for _, dep := range tpl.DependsOn {
			j := byName[dep]
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	g.rebuildEdgeFields()

	// 没有未满足依赖的工序直接进入 ready
	for i, s := range g.stages {
		if s.Status == types.StatusPending && g.satisfied(i) {
			s.Status = types.StatusReady
		}
	}
	return g, nil
}

// ValidateTemplate 检查模板本身是否合法：名称、类型、依赖、规则语法以及无环
// 加载配置时调用，使非法模板在启用前就被拒绝
func ValidateTemplate(templates []types.StageTemplate) error {
	if _, err := validateTemplates(templates); err != nil {
		return err
	}
	for _, tpl := range templates {
		if err := ValidateRule(tpl.Rule); err != nil {
			return fmt.Errorf("stage %q: %w", tpl.Name, err)
		}
	}
	return nil
}

// validateTemplates 返回名称到下标的映射
func validateTemplates(templates []types.StageTemplate) (map[string]int, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: template has no stages", types.ErrInvalidTemplate)
	}
	names := make([]string, len(templates))
	byName := make(map[string]int, len(templates))
	edges := make(map[string][]string, len(templates))
	for i, tpl := range templates {
		if tpl.Name == "" {
			return nil, fmt.Errorf("%w: stage %d has no name", types.ErrInvalidTemplate, i+1)
		}
		if _, dup := byName[tpl.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage name %q", types.ErrInvalidTemplate, tpl.Name)
		}
		if !tpl.Type.Valid() {
			return nil, fmt.Errorf("%w: stage %q has unknown type %q", types.ErrInvalidTemplate, tpl.Name, tpl.Type)
		}
		if tpl.Department != "" && !tpl.Department.Valid() {
			return nil, fmt.Errorf("%w: stage %q has unknown department %q", types.ErrInvalidTemplate, tpl.Name, tpl.Department)
		}
		if tpl.EstimatedHours < 0 {
			return nil, fmt.Errorf("%w: stage %q has negative estimate", types.ErrInvalidTemplate, tpl.Name)
		}
		names[i] = tpl.Name
		byName[tpl.Name] = i
	}
	for _, tpl := range templates {
		for _, dep := range tpl.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: stage %q depends on unknown stage %q", types.ErrInvalidTemplate, tpl.Name, dep)
			}
		}
		edges[tpl.Name] = tpl.DependsOn
	}
	if _, err := validateDAG(names, edges); err != nil {
		return nil, err
	}
	return byName, nil
}

// Restore 从持久化的工序记录重建工序图
func Restore(repairOrderID string, recs []types.StageRecord) (*Graph, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: repair order %s has no stages", types.ErrNotFound, repairOrderID)
	}
	g := newGraph(repairOrderID)
	for _, rec := range recs {
		r := rec.Clone()
		if _, dup := g.index[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %s", types.ErrInvalidTemplate, r.ID)
		}
		g.index[r.ID] = len(g.stages)
		g.stages = append(g.stages, &r)
	}
	g.deps = make([][]int, len(g.stages))
	g.dependents = make([][]int, len(g.stages))
	for i, s := range g.stages {
		for _, depID := range s.DependsOnStages {
			j, ok := g.index[depID]
			if !ok {
				return nil, fmt.Errorf("%w: stage %s depends on missing %s", types.ErrInvalidTemplate, s.ID, depID)
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
		if s.OriginalWorkOrderID != "" {
			g.successor[s.OriginalWorkOrderID] = s.ID
		}
	}
	return g, nil
}

// rebuildEdgeFields 根据下标边重新填充每道工序的 DependsOn/BlockedBy/Blocking 字段
// 已开工或已结束的工序不再记录 BlockedBy
func (g *Graph) rebuildEdgeFields() {
	for i, s := range g.stages {
		s.DependsOnStages = s.DependsOnStages[:0]
		s.BlockedByStages = s.BlockedByStages[:0]
		s.BlockingStages = s.BlockingStages[:0]
		for _, j := range g.deps[i] {
			s.DependsOnStages = append(s.DependsOnStages, g.stages[j].ID)
			if s.Status.AwaitsDependencies() && !g.depSatisfied(j) {
				s.BlockedByStages = append(s.BlockedByStages, g.stages[j].ID)
			}
		}
		for _, j := range g.dependents[i] {
			s.BlockingStages = append(s.BlockingStages, g.stages[j].ID)
		}
	}
}

// depSatisfied 判断依赖 j 是否满足；j 已返工时以返工链上最新的工序为准
func (g *Graph) depSatisfied(j int) bool {
	latest, ok := g.index[g.Latest(g.stages[j].ID)]
	if !ok {
		latest = j
	}
	return g.stages[latest].Status.Satisfies()
}

func (g *Graph) satisfied(i int) bool {
	for _, j := range g.deps[i] {
		if !g.depSatisfied(j) {
			return false
		}
	}
	return true
}

// Blockers 返回工序当前未满足的依赖 (已返工的依赖报告最新的返工工序)
func (g *Graph) Blockers(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	var out []string
	for _, j := range g.deps[i] {
		if !g.depSatisfied(j) {
			out = append(out, g.Latest(g.stages[j].ID))
		}
	}
	return out
}

// Stage 返回 arena 中工序的指针，调用方必须持有工单锁
func (g *Graph) Stage(id string) (*types.StageRecord, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.stages[i], true
}

// DependencySatisfied 当且仅当所有依赖都是 completed 或 bypassed 时返回 true
// 已返工的依赖要求其最新的返工工序 completed 或 bypassed
func (g *Graph) DependencySatisfied(id string) bool {
	i, ok := g.index[id]
	if !ok {
		return false
	}
	return g.satisfied(i)
}

// Dependents 返回直接依赖该工序的下游工序
func (g *Graph) Dependents(id string) []*types.StageRecord {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]*types.StageRecord, 0, len(g.dependents[i]))
	for _, j := range g.dependents[i] {
		out = append(out, g.stages[j])
	}
	return out
}

// Propagate 以广度优先的工作表方式，在 id 完成或跳过后重新评估下游工序
// 从下游的 BlockedBy 中移除已满足的依赖，依赖全部满足的 pending 工序进入 ready
// 返回本次进入 ready 的工序 ID
func (g *Graph) Propagate(id string, now time.Time) []string {
	start, ok := g.index[id]
	if !ok || !g.stages[start].Status.Satisfies() {
		return nil
	}
	var unblocked []string
	visited := map[int]bool{start: true}
	worklist := []int{start}
	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]
		curID := g.stages[cur].ID
		for _, d := range g.dependents[cur] {
			dep := g.stages[d]
			dep.BlockedByStages = removeID(dep.BlockedByStages, curID)
			if dep.Status == types.StatusPending && g.satisfied(d) {
				dep.Status = types.StatusReady
				dep.UpdatedAt = now
				unblocked = append(unblocked, dep.ID)
			}
			// 已跳过/已完成的下游同样满足依赖，继续向后扩散
			if dep.Status.Satisfies() && !visited[d] {
				visited[d] = true
				worklist = append(worklist, d)
			}
		}
	}
	return unblocked
}

// lineageRoot 沿返工链回溯到最初的工序
func (g *Graph) lineageRoot(id string) string {
	for {
		s, ok := g.Stage(id)
		if !ok || s.OriginalWorkOrderID == "" {
			return id
		}
		id = s.OriginalWorkOrderID
	}
}

// Latest 沿返工链前进到最新的工序
func (g *Graph) Latest(id string) string {
	for {
		next, ok := g.successor[id]
		if !ok {
			return id
		}
		id = next
	}
}

// ReworkChain 返回从最初工序到最新返工工序的完整链
func (g *Graph) ReworkChain(id string) []string {
	chain := []string{g.lineageRoot(id)}
	for {
		next, ok := g.successor[chain[len(chain)-1]]
		if !ok {
			return chain
		}
		chain = append(chain, next)
	}
}

// AddReworkStage 为 originalID 创建一道返工工序
// 新工序继承原工序的依赖（依赖若已返工则指向最新返工工序），尚未开工或挂起中的下游改为依赖新工序，
// 其中已 ready 的下游退回 pending，挂起的下游保持 on_hold。返回新工序和被退回的下游 ID
func (g *Graph) AddReworkStage(originalID string, now time.Time) (*types.StageRecord, []string, error) {
	oi, ok := g.index[originalID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: stage %s", types.ErrNotFound, originalID)
	}
	orig := g.stages[oi]
	if _, done := g.successor[originalID]; done {
		return nil, nil, fmt.Errorf("%w: stage %s already has rework stage %s", types.ErrInvalidTransition, originalID, g.successor[originalID])
	}

	count := orig.ReworkCount + 1
	rework := orig.Clone()
	rework.ID = fmt.Sprintf("%s-R%d", g.lineageRoot(originalID), count)
	rework.Status = types.StatusPending
	rework.ReworkCount = count
	rework.OriginalWorkOrderID = orig.ID
	rework.RequiresRework = false
	rework.ActualHours = types.ZeroHours
	rework.QCPassed = false
	rework.OnHold = false
	rework.HoldReason = ""
	rework.HoldStartDate, rework.HoldEndDate = nil, nil
	rework.StartedAt, rework.CompletedAt = nil, nil
	rework.FailureReason = ""
	rework.AssignedTechnician, rework.AssignedBay = "", ""
	rework.UpdatedAt = now
	for i := range rework.ChecklistItems {
		rework.ChecklistItems[i].Done = false
	}

	ni := len(g.stages)
	g.stages = append(g.stages, &rework)
	g.index[rework.ID] = ni
	g.deps = append(g.deps, nil)
	g.dependents = append(g.dependents, nil)
	for _, j := range g.deps[oi] {
		latest := g.index[g.Latest(g.stages[j].ID)]
		g.deps[ni] = append(g.deps[ni], latest)
		g.dependents[latest] = append(g.dependents[latest], ni)
	}

	var demoted []string
	var kept []int
	for _, d := range g.dependents[oi] {
		dep := g.stages[d]
		if !dep.Status.AwaitsDependencies() {
			kept = append(kept, d)
			continue
		}
		for k, j := range g.deps[d] {
			if j == oi {
				g.deps[d][k] = ni
			}
		}
		g.dependents[ni] = append(g.dependents[ni], d)
		if dep.Status == types.StatusReady {
			dep.Status = types.StatusPending
			dep.UpdatedAt = now
			demoted = append(demoted, dep.ID)
		}
	}
	g.dependents[oi] = kept
	g.successor[originalID] = rework.ID

	orig.RequiresRework = true
	orig.UpdatedAt = now
	g.rebuildEdgeFields()
	if g.satisfied(ni) {
		rework.Status = types.StatusReady
	}
	return &rework, demoted, nil
}

// Stages 按 stageOrder 返回全部工序的副本
func (g *Graph) Stages() []types.StageRecord {
	out := make([]types.StageRecord, 0, len(g.stages))
	for _, s := range g.stages {
		out = append(out, s.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StageOrder != out[j].StageOrder {
			return out[i].StageOrder < out[j].StageOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len 返回工序数量
func (g *Graph) Len() int { return len(g.stages) }

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// String 以 "id(status)" 列表的形式返回图的摘要，用于日志
func (g *Graph) String() string {
	parts := make([]string, 0, len(g.stages))
	for _, s := range g.Stages() {
		parts = append(parts, fmt.Sprintf("%s(%s)", s.ID, s.Status))
	}
	return g.RepairOrderID + ": " + strings.Join(parts, ", ")
}
