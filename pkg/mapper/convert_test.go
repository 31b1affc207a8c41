package mapper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertNarrowsWireValues(t *testing.T) {
	i, err := Convert[int](json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	big, err := Convert[int64](json.Number("9007199254740993"))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), big)

	f, err := Convert[float64](json.Number("12.5"))
	require.NoError(t, err)
	assert.InDelta(t, 12.5, f, 0)

	n, err := Convert[int](float64(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	s, err := Convert[string](7)
	require.NoError(t, err)
	assert.Equal(t, "7", s)

	b, err := Convert[bool]("true")
	require.NoError(t, err)
	assert.True(t, b)

	b, err = Convert[bool](0)
	require.NoError(t, err)
	assert.False(t, b)

	ts, err := Convert[time.Time]("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)

	zero, err := Convert[string](nil)
	require.NoError(t, err)
	assert.Empty(t, zero)

	p, err := Convert[*int](5)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 5, *p)

	var nilPtr *string
	v, err := Convert[string](nilPtr)
	require.NoError(t, err)
	assert.Empty(t, v)

	anything, err := Convert[any](map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, anything)
}

func TestConvertRejectsIncompatibleValues(t *testing.T) {
	_, err := Convert[int]("twelve")
	require.Error(t, err)
	_, err = Convert[int](struct{}{})
	require.Error(t, err)
	_, err = Convert[time.Time]("yesterday")
	require.Error(t, err)
	_, err = Convert[bool]("maybe")
	require.Error(t, err)
	_, err = Convert[string]([]byte("raw"))
	require.NoError(t, err, "byte slices convert to strings")
}
