package fsm

import (
	"fmt"

	"shopflow/internal/types"
)

// Trigger 描述触发一次状态转移的业务原因，仅用于日志和审计
type Trigger string

const (
	TriggerDependenciesMet Trigger = "DEPENDENCIES_MET"
	TriggerStart           Trigger = "START"
	TriggerHold            Trigger = "HOLD"
	TriggerResume          Trigger = "RESUME"
	TriggerComplete        Trigger = "COMPLETE"
	TriggerFail            Trigger = "FAIL"
	TriggerRework          Trigger = "REWORK"
	TriggerBypass          Trigger = "BYPASS"
)

// Table 是工序状态转移表: 当前状态 -> 目标状态 -> 触发原因
// 表外的转移一律拒绝，绝不静默纠正
type Table struct {
	transitions map[types.StageStatus]map[types.StageStatus]Trigger
}

// NewTable 创建包含全部合法转移的状态表
func NewTable() *Table {
	t := &Table{transitions: make(map[types.StageStatus]map[types.StageStatus]Trigger)}
	t.initTransitions()
	return t
}

func (t *Table) initTransitions() {
	t.addTransition(types.StatusPending, types.StatusReady, TriggerDependenciesMet)
	t.addTransition(types.StatusReady, types.StatusInProgress, TriggerStart)
	t.addTransition(types.StatusInProgress, types.StatusOnHold, TriggerHold)
	t.addTransition(types.StatusOnHold, types.StatusReady, TriggerResume)
	t.addTransition(types.StatusOnHold, types.StatusInProgress, TriggerResume)
	t.addTransition(types.StatusInProgress, types.StatusCompleted, TriggerComplete)
	t.addTransition(types.StatusInProgress, types.StatusFailed, TriggerFail)
	t.addTransition(types.StatusCompleted, types.StatusRework, TriggerRework)
	t.addTransition(types.StatusFailed, types.StatusRework, TriggerRework) // 失败工序只能通过返工链重开
	t.addTransition(types.StatusPending, types.StatusBypassed, TriggerBypass)
	t.addTransition(types.StatusReady, types.StatusBypassed, TriggerBypass)
}

func (t *Table) addTransition(from, to types.StageStatus, trigger Trigger) {
	if _, ok := t.transitions[from]; !ok {
		t.transitions[from] = make(map[types.StageStatus]Trigger)
	}
	t.transitions[from][to] = trigger
}

// Lookup 返回 from -> to 的触发原因，不存在时返回 ErrInvalidTransition
func (t *Table) Lookup(stageID string, from, to types.StageStatus) (Trigger, error) {
	trigger, ok := t.transitions[from][to]
	if !ok {
		return "", &types.TransitionError{
			StageID: stageID,
			From:    from,
			To:      to,
			Reason:  fmt.Sprintf("allowed from %s: %v", from, t.Allowed(from)),
			Err:     types.ErrInvalidTransition,
		}
	}
	return trigger, nil
}

// Allowed 按固定顺序返回 from 状态允许到达的目标状态
func (t *Table) Allowed(from types.StageStatus) []types.StageStatus {
	var out []types.StageStatus
	for _, s := range statusOrder {
		if _, ok := t.transitions[from][s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// IsTerminal 判断状态是否为终态（没有任何出边）
// failed 虽有 rework 出边，但重开的是新的返工工序，原工序不再推进
func (t *Table) IsTerminal(s types.StageStatus) bool {
	switch s {
	case types.StatusCompleted, types.StatusBypassed, types.StatusFailed, types.StatusRework:
		return true
	}
	return len(t.transitions[s]) == 0
}

var statusOrder = []types.StageStatus{
	types.StatusPending, types.StatusReady, types.StatusInProgress, types.StatusOnHold,
	types.StatusCompleted, types.StatusBypassed, types.StatusFailed, types.StatusRework,
}
