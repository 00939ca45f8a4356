package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/partition"
)

func TestSpecPath(t *testing.T) {
	spec := partition.MustSpec("d", "2020-05-03", "e", "7")
	assert.Equal(t, "d=2020-05-03/e=7", spec.Path())
	assert.Equal(t, "{d=2020-05-03, e=7}", spec.String())
}

func TestSpecPathEscapesSpecialCharacters(t *testing.T) {
	spec := partition.MustSpec("ts", "2020-05-03 07:00:00", "name", "a/b=c")
	assert.Equal(t, "ts=2020-05-03 07%3A00%3A00/name=a%2Fb%3Dc", spec.Path())

	parsed, err := partition.ParsePath(spec.Path())
	require.NoError(t, err)
	assert.True(t, spec.Equal(parsed), "parsed %s should equal %s", parsed, spec)
}

func TestSpecPathUsesDefaultPartitionForEmptyValues(t *testing.T) {
	spec := partition.MustSpec("d", "")
	assert.Equal(t, "d=__DEFAULT_PARTITION__", spec.Path())

	parsed, err := partition.ParsePath("d=__DEFAULT_PARTITION__")
	require.NoError(t, err)
	assert.True(t, spec.Equal(parsed))
}

func TestParsePathIgnoresFileNames(t *testing.T) {
	spec, err := partition.ParsePath("d=2020-05-03/e=7/part-abc-0-1.parquet")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, spec.Keys())
	assert.Equal(t, []string{"2020-05-03", "7"}, spec.Values())
}

func TestParsePathRejectsDuplicateKeys(t *testing.T) {
	_, err := partition.ParsePath("d=1/d=2")
	assert.Error(t, err)
}

func TestSpecEqualityIsOrdered(t *testing.T) {
	a := partition.MustSpec("d", "2020-05-03", "e", "7")
	b := partition.MustSpec("e", "7", "d", "2020-05-03")
	assert.False(t, a.Equal(b), "same pairs in a different order are a different spec")
	assert.True(t, a.Equal(partition.MustSpec("d", "2020-05-03", "e", "7")))
}

func TestNewSpecCopiesInputs(t *testing.T) {
	values := []string{"7"}
	spec, err := partition.NewSpec([]string{"e"}, values)
	require.NoError(t, err)

	values[0] = "8"
	v, ok := spec.Get("e")
	assert.True(t, ok)
	assert.Equal(t, "7", v, "mutating the input must not change the spec")
}

func TestNewSpecRejectsMismatchedLengths(t *testing.T) {
	_, err := partition.NewSpec([]string{"d", "e"}, []string{"x"})
	assert.Error(t, err)
}
