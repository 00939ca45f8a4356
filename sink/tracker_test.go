package sink_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/sink"
)

func TestTrackerDrainsAcknowledgedCheckpoints(t *testing.T) {
	tracker := sink.NewTracker()
	p7 := partition.MustSpec("d", "2020-05-03", "e", "7")
	p8 := partition.MustSpec("d", "2020-05-03", "e", "8")

	tracker.Track(0, 1, p7, partition.FileEntry{Path: "e=7/part-a"})
	tracker.Track(1, 1, p7, partition.FileEntry{Path: "e=7/part-b"})
	tracker.Track(0, 2, p8, partition.FileEntry{Path: "e=8/part-c"})
	tracker.Track(0, 3, p8, partition.FileEntry{Path: "e=8/part-d"})

	drained := tracker.DrainPending(2)
	assert.Len(t, drained, 2)
	assert.Len(t, drained[p7.Path()], 2)
	assert.Equal(t, []int{0, 1}, []int{drained[p7.Path()][0].InstanceID, drained[p7.Path()][1].InstanceID})
	assert.Equal(t, "e=8/part-c", drained[p8.Path()][0].Path)
	assert.Equal(t, partition.StatusPending, drained[p8.Path()][0].Status)

	assert.Equal(t, 1, tracker.Len(), "checkpoint 3 is not drained yet")
	assert.Empty(t, tracker.DrainPending(2), "drained files are handed over once")
}

func TestTrackerDiscardsUnacknowledgedCheckpoints(t *testing.T) {
	tracker := sink.NewTracker()
	spec := partition.MustSpec("d", "2020-05-03")

	tracker.Track(0, 4, spec, partition.FileEntry{Path: "a"})
	tracker.Track(0, 5, spec, partition.FileEntry{Path: "b"})
	tracker.Track(1, 6, spec, partition.FileEntry{Path: "c"})

	discarded := tracker.DiscardAfter(4)
	assert.Len(t, discarded, 2)
	assert.Equal(t, []partition.FileEntry{{
		Path: "a", Spec: spec, InstanceID: 0, CheckpointID: 4, Status: partition.StatusPending,
	}}, tracker.Pending())
}

func TestTrackerReplacesRetrackedFile(t *testing.T) {
	tracker := sink.NewTracker()
	spec := partition.MustSpec("d", "2020-05-03")

	tracker.Track(0, 1, spec, partition.FileEntry{Path: "a", Size: 1})
	tracker.Track(0, 1, spec, partition.FileEntry{Path: "a", Size: 2})

	pending := tracker.Pending()
	assert.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].Size)
}
