package sink

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/util/wireu"
)

// Snapshot is a writer instance's state at a checkpoint.
type Snapshot struct {
	InstanceID   int
	CheckpointID uint64
	// Closed files not yet handed to the coordinator.
	Pending []partition.FileEntry
	// Open files with the length persisted at the checkpoint.
	InProgress []partition.FileEntry
}

// StagingPaths lists the hidden files the snapshot refers to.
func (s *Snapshot) StagingPaths() []string {
	paths := make([]string, 0, len(s.Pending)+len(s.InProgress))
	for _, e := range s.Pending {
		paths = append(paths, e.StagingPath)
	}
	for _, e := range s.InProgress {
		paths = append(paths, e.StagingPath)
	}
	return paths
}

func (s *Snapshot) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.InstanceID))
	b = wireu.AppendVarint(b, 2, s.CheckpointID)
	for _, e := range s.Pending {
		b = wireu.AppendMessage(b, 3, partition.AppendFileEntry(nil, e))
	}
	for _, e := range s.InProgress {
		b = wireu.AppendMessage(b, 4, partition.AppendFileEntry(nil, e))
	}
	return b
}

func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	err := wireu.Each(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			s.InstanceID = int(v)
		case 2:
			s.CheckpointID = v
		case 3, 4:
			e, err := partition.UnmarshalFileEntry(data)
			if err != nil {
				return err
			}
			if num == 3 {
				s.Pending = append(s.Pending, e)
			} else {
				s.InProgress = append(s.InProgress, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal writer snapshot: %w", err)
	}
	return s, nil
}
