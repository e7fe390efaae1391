package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalLevels_NoDependencies(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("historian", nil)
	g.AddNode("listener", nil)
	g.AddNode("driver", nil)

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"driver", "historian", "listener"}, levels[0])
}

func TestTopologicalLevels_Chain(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("historian", nil)
	g.AddNode("driver", []string{"historian"})
	g.AddNode("tester", []string{"driver", "historian"})

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"historian"}, levels[0])
	assert.Equal(t, []string{"driver"}, levels[1])
	assert.Equal(t, []string{"tester"}, levels[2])
}

func TestTopologicalLevels_Empty(t *testing.T) {
	g := NewDependencyGraph()

	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	assert.Nil(t, levels)
}

func TestValidate_UnknownDependency(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("tester", []string{"nonexistent"})

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
}

func TestValidate_Cycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("a", []string{"b"})
	g.AddNode("b", []string{"c"})
	g.AddNode("c", []string{"a"})

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Path, 4)
}

func TestDependencies_Copy(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("tester", []string{"historian"})

	deps := g.Dependencies("tester")
	require.Equal(t, []string{"historian"}, deps)

	deps[0] = "mutated"
	assert.Equal(t, []string{"historian"}, g.Dependencies("tester"))

	assert.Nil(t, g.Dependencies("missing"))
}
