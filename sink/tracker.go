package sink

import (
	"cmp"
	"math"

	"github.com/google/btree"
	"reduction.dev/tablesink/partition"
)

// Tracker holds pending files by the checkpoint that closed them so that only
// files of acknowledged checkpoints are handed to the coordinator.
type Tracker struct {
	tree *btree.BTreeG[partition.FileEntry]
}

func NewTracker() *Tracker {
	return &Tracker{
		tree: btree.NewG(8, func(a, b partition.FileEntry) bool {
			return cmp.Or(
				cmp.Compare(a.CheckpointID, b.CheckpointID),
				cmp.Compare(a.InstanceID, b.InstanceID),
				cmp.Compare(a.Path, b.Path),
			) < 0
		}),
	}
}

// Track records a closed file as pending for a checkpoint. Tracking the same
// file again replaces the earlier entry.
func (t *Tracker) Track(instanceID int, checkpointID uint64, spec partition.Spec, entry partition.FileEntry) {
	entry.InstanceID = instanceID
	entry.CheckpointID = checkpointID
	entry.Spec = spec
	entry.Status = partition.StatusPending
	t.tree.ReplaceOrInsert(entry)
}

// DrainPending removes and returns every file of checkpoints up to and
// including checkpointID, grouped by partition path.
func (t *Tracker) DrainPending(checkpointID uint64) map[string][]partition.FileEntry {
	var drained []partition.FileEntry
	collect := func(e partition.FileEntry) bool {
		drained = append(drained, e)
		return true
	}
	if checkpointID == math.MaxUint64 {
		t.tree.Ascend(collect)
	} else {
		t.tree.AscendLessThan(partition.FileEntry{CheckpointID: checkpointID + 1}, collect)
	}

	byPartition := make(map[string][]partition.FileEntry)
	for _, e := range drained {
		t.tree.Delete(e)
		p := e.Spec.Path()
		byPartition[p] = append(byPartition[p], e)
	}
	return byPartition
}

// DiscardAfter drops files of checkpoints newer than checkpointID, returning
// what was dropped. Those checkpoints were never acknowledged.
func (t *Tracker) DiscardAfter(checkpointID uint64) []partition.FileEntry {
	var discarded []partition.FileEntry
	if checkpointID == math.MaxUint64 {
		return nil
	}
	t.tree.AscendGreaterOrEqual(partition.FileEntry{CheckpointID: checkpointID + 1}, func(e partition.FileEntry) bool {
		discarded = append(discarded, e)
		return true
	})
	for _, e := range discarded {
		t.tree.Delete(e)
	}
	return discarded
}

// Pending lists all tracked files in checkpoint order.
func (t *Tracker) Pending() []partition.FileEntry {
	entries := make([]partition.FileEntry, 0, t.tree.Len())
	t.tree.Ascend(func(e partition.FileEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

func (t *Tracker) Len() int {
	return t.tree.Len()
}
