package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopflow/internal/types"
)

var testNow = time.Date(2024, 8, 20, 8, 0, 0, 0, time.UTC)

func profile(id string) types.OrderProfile {
	return types.OrderProfile{
		ShopID:        "1",
		RepairOrderID: id,
		ScheduledDate: testNow,
		Priority:      types.PriorityNormal,
	}
}

func statusOf(t *testing.T, g *Graph, id string) types.StageStatus {
	t.Helper()
	s, ok := g.Stage(id)
	require.True(t, ok, "stage %s not found", id)
	return s.Status
}

func TestInstantiateLinearChain(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "A", Type: types.StageBodyRepair, EstimatedHours: 6},
		{Name: "B", Type: types.StagePaint, DependsOn: []string{"A"}, EstimatedHours: 4},
	}
	g, err := Instantiate(profile("RO1"), tpls, "day", testNow)
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	assert.Equal(t, types.StatusReady, statusOf(t, g, "RO1-1"))
	assert.Equal(t, types.StatusPending, statusOf(t, g, "RO1-2"))

	b, _ := g.Stage("RO1-2")
	assert.Equal(t, []string{"RO1-1"}, b.DependsOnStages)
	assert.Equal(t, []string{"RO1-1"}, b.BlockedByStages)
	assert.Equal(t, types.DeptPaint, b.Department)
	assert.Equal(t, types.BayPaint, b.BayType)
	assert.Equal(t, "day", b.ShiftName)
	assert.Equal(t, "4", b.EstimatedHours.String())

	a, _ := g.Stage("RO1-1")
	assert.Equal(t, []string{"RO1-2"}, a.BlockingStages)
	assert.False(t, g.DependencySatisfied("RO1-2"))
}

func TestInstantiateRejectsCycle(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "A", Type: types.StageBodyRepair, DependsOn: []string{"C"}},
		{Name: "B", Type: types.StagePrep, DependsOn: []string{"A"}},
		{Name: "C", Type: types.StagePaint, DependsOn: []string{"B"}},
	}
	g, err := Instantiate(profile("RO1"), tpls, "day", testNow)
	assert.ErrorIs(t, err, types.ErrCyclicDependency)
	assert.Nil(t, g)
	assert.Contains(t, err.Error(), "->")
}

func TestInstantiateRejectsBadTemplates(t *testing.T) {
	cases := map[string][]types.StageTemplate{
		"unknown dependency": {{Name: "A", Type: types.StagePaint, DependsOn: []string{"Z"}}},
		"duplicate name":     {{Name: "A", Type: types.StagePaint}, {Name: "A", Type: types.StagePrep}},
		"unknown type":       {{Name: "A", Type: "welding"}},
		"non boolean rule":   {{Name: "A", Type: types.StagePaint, Rule: `"yes"`}},
		"empty":              {},
	}
	for name, tpls := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Instantiate(profile("RO1"), tpls, "day", testNow)
			assert.ErrorIs(t, err, types.ErrInvalidTemplate)
		})
	}
}

func TestPropagateUnblocksAllDependents(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "root", Type: types.StageDisassembly},
		{Name: "d1", Type: types.StageFrameRepair, DependsOn: []string{"root"}},
		{Name: "d2", Type: types.StageBodyRepair, DependsOn: []string{"root"}},
		{Name: "d3", Type: types.StageMechanical, DependsOn: []string{"root"}},
		{Name: "join", Type: types.StageReassembly, DependsOn: []string{"d1", "d2"}},
	}
	g, err := Instantiate(profile("RO7"), tpls, "day", testNow)
	require.NoError(t, err)

	root, _ := g.Stage("RO7-1")
	root.Status = types.StatusCompleted
	unblocked := g.Propagate("RO7-1", testNow)
	assert.ElementsMatch(t, []string{"RO7-2", "RO7-3", "RO7-4"}, unblocked)
	for _, id := range unblocked {
		s, _ := g.Stage(id)
		assert.Empty(t, s.BlockedByStages)
	}
	assert.Equal(t, types.StatusPending, statusOf(t, g, "RO7-5"))

	d1, _ := g.Stage("RO7-2")
	d1.Status = types.StatusCompleted
	assert.Empty(t, g.Propagate("RO7-2", testNow))
	join, _ := g.Stage("RO7-5")
	assert.Equal(t, []string{"RO7-3"}, join.BlockedByStages)
}

func TestPropagateIgnoresUnsatisfiedStage(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "A", Type: types.StageBodyRepair},
		{Name: "B", Type: types.StagePaint, DependsOn: []string{"A"}},
	}
	g, err := Instantiate(profile("RO1"), tpls, "day", testNow)
	require.NoError(t, err)
	assert.Empty(t, g.Propagate("RO1-1", testNow))
	assert.Equal(t, types.StatusPending, statusOf(t, g, "RO1-2"))
}

func TestRuleBypassedStageSatisfiesDependents(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "intake", Type: types.StageIntake},
		{Name: "frame", Type: types.StageFrameRepair, DependsOn: []string{"intake"}, Rule: `order.frameDamage == true`},
		{Name: "body", Type: types.StageBodyRepair, DependsOn: []string{"frame"}},
	}
	p := profile("RO9")
	p.Attrs = map[string]interface{}{"frameDamage": false}
	g, err := Instantiate(p, tpls, "day", testNow)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBypassed, statusOf(t, g, "RO9-2"))
	assert.Equal(t, types.StatusPending, statusOf(t, g, "RO9-3"))

	intake, _ := g.Stage("RO9-1")
	intake.Status = types.StatusCompleted
	unblocked := g.Propagate("RO9-1", testNow)
	assert.Equal(t, []string{"RO9-3"}, unblocked)

	p.Attrs["frameDamage"] = true
	g, err = Instantiate(p, tpls, "day", testNow)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, statusOf(t, g, "RO9-2"))
}

func TestAddReworkStageRewiresDependents(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "prep", Type: types.StagePrep, EstimatedHours: 2},
		{Name: "paint", Type: types.StagePaint, DependsOn: []string{"prep"}, EstimatedHours: 5, QCRequired: true,
			Checklist: []types.ChecklistItem{{Name: "mask", Required: true}}},
		{Name: "detail", Type: types.StageDetail, DependsOn: []string{"paint"}},
	}
	g, err := Instantiate(profile("RO3"), tpls, "day", testNow)
	require.NoError(t, err)

	prep, _ := g.Stage("RO3-1")
	prep.Status = types.StatusCompleted
	g.Propagate("RO3-1", testNow)
	paint, _ := g.Stage("RO3-2")
	paint.Status = types.StatusCompleted
	paint.ChecklistItems[0].Done = true
	assert.Equal(t, []string{"RO3-3"}, g.Propagate("RO3-2", testNow))

	paint.Status = types.StatusRework
	rw, demoted, err := g.AddReworkStage("RO3-2", testNow)
	require.NoError(t, err)
	assert.Equal(t, "RO3-2-R1", rw.ID)
	assert.Equal(t, 1, rw.ReworkCount)
	assert.Equal(t, "RO3-2", rw.OriginalWorkOrderID)
	assert.Equal(t, types.StatusReady, rw.Status, "prep is complete so the rework stage is ready")
	assert.False(t, rw.ChecklistItems[0].Done)
	assert.Equal(t, []string{"RO3-1"}, rw.DependsOnStages)
	assert.Equal(t, []string{"RO3-3"}, demoted)

	detail, _ := g.Stage("RO3-3")
	assert.Equal(t, types.StatusPending, detail.Status)
	assert.Equal(t, []string{"RO3-2-R1"}, detail.DependsOnStages)
	assert.True(t, paint.RequiresRework)

	_, _, err = g.AddReworkStage("RO3-2", testNow)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	// 返工工序再次返工，ID 以最初工序为根
	rw.Status = types.StatusRework
	rw2, _, err := g.AddReworkStage(rw.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, "RO3-2-R2", rw2.ID)
	assert.Equal(t, []string{"RO3-2", "RO3-2-R1", "RO3-2-R2"}, g.ReworkChain("RO3-2-R1"))
	assert.Equal(t, "RO3-2-R2", g.Latest("RO3-2"))
}

func TestRestoreRebuildsEdges(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "A", Type: types.StageBodyRepair},
		{Name: "B", Type: types.StagePaint, DependsOn: []string{"A"}},
	}
	g, err := Instantiate(profile("RO1"), tpls, "day", testNow)
	require.NoError(t, err)

	restored, err := Restore("RO1", g.Stages())
	require.NoError(t, err)
	a, _ := restored.Stage("RO1-1")
	a.Status = types.StatusCompleted
	assert.Equal(t, []string{"RO1-2"}, restored.Propagate("RO1-1", testNow))

	_, err = Restore("RO404", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestValidateTemplateChecksRuleSyntax(t *testing.T) {
	ok := []types.StageTemplate{
		{Name: "frame", Type: types.StageFrameRepair, Rule: `order.frameDamage == true`},
		{Name: "paint", Type: types.StagePaint, DependsOn: []string{"frame"}},
	}
	assert.NoError(t, ValidateTemplate(ok))

	bad := []types.StageTemplate{{Name: "frame", Type: types.StageFrameRepair, Rule: `order.frameDamage ==`}}
	assert.ErrorIs(t, ValidateTemplate(bad), types.ErrInvalidTemplate)

	cyclic := []types.StageTemplate{
		{Name: "A", Type: types.StagePrep, DependsOn: []string{"A"}},
	}
	assert.ErrorIs(t, ValidateTemplate(cyclic), types.ErrCyclicDependency)
}

func TestReworkMovesHeldDependentsAndSkipsStartedBlockers(t *testing.T) {
	tpls := []types.StageTemplate{
		{Name: "paint", Type: types.StagePaint, EstimatedHours: 5},
		{Name: "detail", Type: types.StageDetail, DependsOn: []string{"paint"}},
		{Name: "glass", Type: types.StageGlass, DependsOn: []string{"paint"}},
	}
	g, err := Instantiate(profile("RO9"), tpls, "day", testNow)
	require.NoError(t, err)

	paint, _ := g.Stage("RO9-1")
	paint.Status = types.StatusCompleted
	g.Propagate("RO9-1", testNow)
	detail, _ := g.Stage("RO9-2")
	detail.Status = types.StatusOnHold
	glass, _ := g.Stage("RO9-3")
	glass.Status = types.StatusInProgress

	paint.Status = types.StatusRework
	rw, demoted, err := g.AddReworkStage("RO9-1", testNow)
	require.NoError(t, err)
	assert.Empty(t, demoted, "held dependents stay on_hold")

	// 挂起的下游改为等待返工工序
	assert.Equal(t, types.StatusOnHold, detail.Status)
	assert.Equal(t, []string{rw.ID}, detail.DependsOnStages)
	assert.Equal(t, []string{rw.ID}, detail.BlockedByStages)
	assert.False(t, g.DependencySatisfied("RO9-2"))

	// 已开工的下游保留原依赖，但不再记录 BlockedBy
	assert.Equal(t, types.StatusInProgress, glass.Status)
	assert.Equal(t, []string{"RO9-1"}, glass.DependsOnStages)
	assert.Empty(t, glass.BlockedByStages)
	assert.Equal(t, []string{rw.ID}, g.Blockers("RO9-3"))

	rw.Status = types.StatusCompleted
	assert.Empty(t, g.Propagate(rw.ID, testNow), "on_hold stages are not promoted by propagation")
	assert.Empty(t, detail.BlockedByStages)
	assert.True(t, g.DependencySatisfied("RO9-2"))
	assert.True(t, g.DependencySatisfied("RO9-3"), "a reworked dependency is satisfied by its latest rework stage")
	assert.Empty(t, g.Blockers("RO9-3"))

	restored, err := Restore("RO9", g.Stages())
	require.NoError(t, err)
	assert.True(t, restored.DependencySatisfied("RO9-3"))
}
