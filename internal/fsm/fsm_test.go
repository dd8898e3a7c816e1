package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopflow/internal/types"
)

func TestTableAllowsDocumentedTransitions(t *testing.T) {
	table := NewTable()
	cases := []struct {
		from, to types.StageStatus
		trigger  Trigger
	}{
		{types.StatusPending, types.StatusReady, TriggerDependenciesMet},
		{types.StatusReady, types.StatusInProgress, TriggerStart},
		{types.StatusInProgress, types.StatusOnHold, TriggerHold},
		{types.StatusOnHold, types.StatusReady, TriggerResume},
		{types.StatusOnHold, types.StatusInProgress, TriggerResume},
		{types.StatusInProgress, types.StatusCompleted, TriggerComplete},
		{types.StatusInProgress, types.StatusFailed, TriggerFail},
		{types.StatusCompleted, types.StatusRework, TriggerRework},
		{types.StatusPending, types.StatusBypassed, TriggerBypass},
		{types.StatusReady, types.StatusBypassed, TriggerBypass},
	}
	for _, c := range cases {
		trigger, err := table.Lookup("s", c.from, c.to)
		require.NoError(t, err, "%s -> %s", c.from, c.to)
		assert.Equal(t, c.trigger, trigger)
	}
}

func TestTableRejectsUnknownTransitions(t *testing.T) {
	table := NewTable()
	bad := [][2]types.StageStatus{
		{types.StatusPending, types.StatusInProgress},
		{types.StatusPending, types.StatusCompleted},
		{types.StatusCompleted, types.StatusReady},
		{types.StatusBypassed, types.StatusReady},
		{types.StatusInProgress, types.StatusBypassed},
		{types.StatusRework, types.StatusReady},
	}
	for _, b := range bad {
		_, err := table.Lookup("RO1-2", b[0], b[1])
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))
		var te *types.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "RO1-2", te.StageID)
	}
}

func TestAllowedAndTerminal(t *testing.T) {
	table := NewTable()
	assert.Equal(t, []types.StageStatus{types.StatusReady, types.StatusBypassed}, table.Allowed(types.StatusPending))
	assert.Equal(t, []types.StageStatus{types.StatusOnHold, types.StatusCompleted, types.StatusFailed}, table.Allowed(types.StatusInProgress))
	assert.True(t, table.IsTerminal(types.StatusCompleted))
	assert.True(t, table.IsTerminal(types.StatusBypassed))
	assert.True(t, table.IsTerminal(types.StatusFailed))
	assert.False(t, table.IsTerminal(types.StatusOnHold))
}
