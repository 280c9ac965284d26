package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-orchestrator/meridian/internal/models"
)

func def(deps map[string][]string) models.Definition {
	d := make(models.Definition, len(deps))
	for task, dependencies := range deps {
		d[task] = models.TaskDefinition{Function: task, Dependencies: dependencies}
	}
	return d
}

func TestValidate_Linear3(t *testing.T) {
	g, err := Validate(def(map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"b"},
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, g.Children["a"])
	assert.ElementsMatch(t, []string{"c"}, g.Children["b"])
	assert.Empty(t, g.Children["c"])
	assert.Equal(t, 0, g.InDegree["a"])
	assert.Equal(t, 1, g.InDegree["b"])
	assert.Equal(t, 1, g.InDegree["c"])
}

func TestValidate_Diamond(t *testing.T) {
	g, err := Validate(def(map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, g.Children["a"])
	assert.Equal(t, 2, g.InDegree["d"])
}

func TestValidate_RejectsCycle(t *testing.T) {
	_, err := Validate(def(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}))
	require.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	_, err := Validate(def(map[string][]string{
		"a": {"x"},
	}))
	require.Error(t, err)
	var unknownErr *UnknownDependencyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "a", unknownErr.TaskID)
	assert.Equal(t, "x", unknownErr.Dependency)
}

func TestValidate_EmptyDefinitionIsValid(t *testing.T) {
	g, err := Validate(models.Definition{})
	require.NoError(t, err)
	assert.Empty(t, g.Children)
}

func TestValidate_SelfCycleIsRejected(t *testing.T) {
	_, err := Validate(def(map[string][]string{
		"a": {"a"},
	}))
	require.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}
