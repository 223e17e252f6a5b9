package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValueJSONRoundTripsWithExtractJSON(t *testing.T) {
	source := map[string]interface{}{"name": "cluster-1", "count": float64(3)}

	formatted, err := formatValue(source, "json")
	require.NoError(t, err)
	s, ok := formatted.(string)
	require.True(t, ok)

	roundTripped, err := extractJSON(s)
	require.NoError(t, err)
	assert.Equal(t, source, roundTripped)
}

func TestFormatValueString(t *testing.T) {
	v, err := formatValue(float64(42), "string")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	v, err = formatValue("already-a-string", "string")
	require.NoError(t, err)
	assert.Equal(t, "already-a-string", v)
}

func TestFormatValueCSVFromObjectArray(t *testing.T) {
	source := []interface{}{
		map[string]interface{}{"name": "a", "count": float64(1)},
		map[string]interface{}{"name": "b", "count": float64(2)},
	}
	out, err := formatValue(source, "csv")
	require.NoError(t, err)
	csvText, ok := out.(string)
	require.True(t, ok)
	assert.Contains(t, csvText, "count,name")
	assert.Contains(t, csvText, "1,a")
	assert.Contains(t, csvText, "2,b")
}

func TestFormatValueCSVFromScalarArray(t *testing.T) {
	out, err := formatValue([]interface{}{"x", "y"}, "csv")
	require.NoError(t, err)
	assert.Equal(t, "x\ny\n", out)
}

func TestFormatValueRejectsUnknownFormat(t *testing.T) {
	_, err := formatValue("x", "xml")
	assert.Error(t, err)
}
