package partition_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/partition"
)

func TestFileEntrySurvivesSnapshotEncoding(t *testing.T) {
	entry := partition.FileEntry{
		Path:         "d=2020-05-03/e=7/part-run-0-1.txt",
		StagingPath:  "d=2020-05-03/e=7/.part-run-0-1.inprogress",
		Spec:         partition.MustSpec("d", "2020-05-03", "e", "7"),
		InstanceID:   3,
		Status:       partition.StatusInProgress,
		CheckpointID: 12,
		Size:         1024,
		OpenedAt:     time.Date(2020, 5, 3, 7, 0, 0, 0, time.UTC),
		LastWrite:    time.Date(2020, 5, 3, 7, 30, 0, 0, time.UTC),
	}

	decoded, err := partition.UnmarshalFileEntry(partition.AppendFileEntry(nil, entry))
	require.NoError(t, err)
	assert.True(t, entry.Spec.Equal(decoded.Spec))
	decoded.Spec = entry.Spec
	assert.Equal(t, entry, decoded)
}

func TestFileEntryVisiblePath(t *testing.T) {
	entry := partition.FileEntry{Path: "p/part-1", StagingPath: "p/.part-1.inprogress", Status: partition.StatusPending}
	assert.Equal(t, "p/.part-1.inprogress", entry.VisiblePath())

	entry.Status = partition.StatusFinished
	assert.Equal(t, "p/part-1", entry.VisiblePath())
}
