package partition_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/partition"
)

func TestTimeExtractor_CombinesColumns(t *testing.T) {
	ex, err := partition.NewTimeExtractor("$d $e:00:00", "", []string{"d", "e"})
	require.NoError(t, err)

	ts, err := ex.Extract(partition.MustSpec("d", "2020-05-03", "e", "7"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 5, 3, 7, 0, 0, 0, time.UTC), ts)

	ts, err = ex.Extract(partition.MustSpec("d", "2020-05-03", "e", "11"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 5, 3, 11, 0, 0, 0, time.UTC), ts)
}

func TestTimeExtractor_DefaultsToFirstKey(t *testing.T) {
	ex, err := partition.NewTimeExtractor("", "", []string{"dt", "hr"})
	require.NoError(t, err)

	ts, err := ex.Extract(partition.MustSpec("dt", "2020-05-03", "hr", "7"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 5, 3, 0, 0, 0, 0, time.UTC), ts)
}

func TestTimeExtractor_LongerKeysReplacedFirst(t *testing.T) {
	ex, err := partition.NewTimeExtractor("$dt $d:00:00", "", []string{"d", "dt"})
	require.NoError(t, err)

	ts, err := ex.Extract(partition.MustSpec("dt", "2020-05-03", "d", "9"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 5, 3, 9, 0, 0, 0, time.UTC), ts)
}

func TestTimeExtractor_CustomLayout(t *testing.T) {
	ex, err := partition.NewTimeExtractor("$day", "20060102", []string{"day"})
	require.NoError(t, err)

	ts, err := ex.Extract(partition.MustSpec("day", "20200503"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 5, 3, 0, 0, 0, 0, time.UTC), ts)
}

func TestTimeExtractor_MalformedValue(t *testing.T) {
	ex, err := partition.NewTimeExtractor("$d $e:00:00", "", []string{"d", "e"})
	require.NoError(t, err)

	_, err = ex.Extract(partition.MustSpec("d", "not-a-date", "e", "7"))
	assert.ErrorIs(t, err, partition.ErrTimeExtraction)
}

func TestTimeExtractor_RejectsUnknownKeys(t *testing.T) {
	_, err := partition.NewTimeExtractor("$d $hour:00:00", "", []string{"d", "e"})
	assert.ErrorIs(t, err, partition.ErrTimeExtraction)

	_, err = partition.NewTimeExtractor("2020-05-03", "", []string{"d"})
	assert.ErrorIs(t, err, partition.ErrTimeExtraction, "a pattern without placeholders is rejected")

	_, err = partition.NewTimeExtractor("$d", "", nil)
	assert.ErrorIs(t, err, partition.ErrTimeExtraction, "unpartitioned tables have no partition time")
}
