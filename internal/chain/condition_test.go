package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalConditionComparisons(t *testing.T) {
	r := Resolver{
		Vars: map[string]interface{}{"threshold": 5.0},
		Prev: map[string]interface{}{"count": 7.0, "status": "ready"},
	}

	ok, err := EvalCondition(`PREV.count > VARS.threshold`, r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalCondition(`PREV.status == "ready"`, r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalCondition(`PREV.status != "ready"`, r)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalConditionBooleanLogicAndExists(t *testing.T) {
	r := Resolver{Prev: map[string]interface{}{"count": 3.0}}

	ok, err := EvalCondition(`PREV.count > 1 && PREV.count < 10`, r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalCondition(`PREV.missing EXISTS`, r)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvalCondition(`!(PREV.count > 100)`, r)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalConditionEmptyIsTrue(t *testing.T) {
	ok, err := EvalCondition("", Resolver{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalConditionDefaultsTrueOnNonBooleanResult(t *testing.T) {
	ok, err := EvalCondition(`VARS.name`, Resolver{Vars: map[string]interface{}{"name": "x"}})
	require.NoError(t, err)
	assert.True(t, ok, "a condition that fails to evaluate to a boolean must fail open")
}

func TestEvalConditionDefaultsTrueOnUnparsableExpression(t *testing.T) {
	ok, err := EvalCondition(`PREV.count >>> 1`, Resolver{})
	require.NoError(t, err)
	assert.True(t, ok, "an unparsable condition must fail open, not fail the step")
}
