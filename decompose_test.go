package coda

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecomposeEmptyStepsReturnsNil(t *testing.T) {
	d := Decomposer{}
	require.Nil(t, d.Decompose(nil, ComplexitySimple))
}

func TestDecomposeGroupsOverlappingTargetsIntoOnePhase(t *testing.T) {
	d := Decomposer{}
	steps := []string{
		"edit `foo.go` to add a field",
		"update `foo.go` to use the new field",
	}
	phases := d.Decompose(steps, ComplexitySimple)

	require.Len(t, phases, 1)
	require.Equal(t, PhaseFileBatch, phases[0].Type)
	require.Len(t, phases[0].Steps, 2)
	require.Equal(t, []string{"foo.go"}, phases[0].Targets)
}

func TestDecomposeSplitsDisjointTargetsIntoSeparatePhases(t *testing.T) {
	d := Decomposer{}
	steps := []string{
		"edit `foo.go` to add a field",
		"edit `bar.go` to add an unrelated helper",
	}
	phases := d.Decompose(steps, ComplexitySimple)

	require.Len(t, phases, 2)
	require.Equal(t, []string{"foo.go"}, phases[0].Targets)
	require.Equal(t, []string{"bar.go"}, phases[1].Targets)
}

func TestDecomposeVerifyKeywordStartsItsOwnCommandBatchPhase(t *testing.T) {
	d := Decomposer{}
	steps := []string{
		"edit `foo.go` to add a field",
		"run the test suite to verify the change",
		"edit `baz.go` for a follow-up",
	}
	phases := d.Decompose(steps, ComplexitySimple)

	require.Len(t, phases, 3)
	require.Equal(t, PhaseCommandBatch, phases[1].Type)
}

func TestDecomposeDetectsScriptedTransformKeyword(t *testing.T) {
	d := Decomposer{}
	steps := []string{"write a script to bulk rename every `*.go` file's package"}
	phases := d.Decompose(steps, ComplexitySimple)

	require.Len(t, phases, 1)
	require.Equal(t, PhaseScriptedTransform, phases[0].Type)
	require.Equal(t, StrategyScriptedTransform, phases[0].Strategy)
}

func TestDecomposeDependsOnEarlierPhaseThatTouchedSameTarget(t *testing.T) {
	d := Decomposer{}
	steps := []string{
		"edit `foo.go` to add a field",
		"edit `bar.go` unrelated change",
		"run tests to verify foo.go and bar.go",
	}
	phases := d.Decompose(steps, ComplexitySimple)

	require.Len(t, phases, 3)
	verifyPhase := phases[2]
	require.ElementsMatch(t, []int{1, 2}, verifyPhase.DependsOn)
}

func TestDecomposeIsDeterministicForTheSameInput(t *testing.T) {
	d := Decomposer{}
	steps := []string{
		"edit `foo.go`",
		"edit `bar.go`",
		"run verify",
	}
	first := d.Decompose(steps, ComplexitySimple)
	second := d.Decompose(steps, ComplexitySimple)
	require.Equal(t, first, second)
}
