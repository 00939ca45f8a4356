package partition

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"reduction.dev/tablesink/util/wireu"
)

type Status uint8

const (
	// StatusInProgress files are still open for appends under their staging name.
	StatusInProgress Status = iota + 1
	// StatusPending files are closed and wait for the coordinator to make them
	// visible.
	StatusPending
	// StatusFinished files have been renamed to their final name.
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusPending:
		return "pending"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// FileEntry is a data file written by one writer instance into one partition.
// Paths are relative to the table location.
type FileEntry struct {
	Path         string
	StagingPath  string
	Spec         Spec
	InstanceID   int
	Status       Status
	CheckpointID uint64
	// The number of valid bytes. Bytes past this length in a staging file were
	// written after the last snapshot and are discarded on restore.
	Size      int64
	OpenedAt  time.Time
	LastWrite time.Time
}

// VisiblePath is where readers can currently find the file.
func (e FileEntry) VisiblePath() string {
	if e.Status == StatusFinished {
		return e.Path
	}
	return e.StagingPath
}

func (e FileEntry) String() string {
	return fmt.Sprintf("%s(%s, instance=%d, checkpoint=%d)", e.Path, e.Status, e.InstanceID, e.CheckpointID)
}

func AppendSpec(b []byte, s Spec) []byte {
	b = wireu.AppendRepeatedString(b, 1, s.keys)
	return wireu.AppendRepeatedString(b, 2, s.values)
}

func UnmarshalSpec(b []byte) (Spec, error) {
	var keys, values []string
	err := wireu.Each(b, func(num protowire.Number, _ uint64, data []byte) error {
		switch num {
		case 1:
			keys = append(keys, string(data))
		case 2:
			values = append(values, string(data))
		}
		return nil
	})
	if err != nil {
		return Spec{}, err
	}
	return NewSpec(keys, values)
}

func AppendFileEntry(b []byte, e FileEntry) []byte {
	b = wireu.AppendString(b, 1, e.Path)
	b = wireu.AppendString(b, 2, e.StagingPath)
	b = wireu.AppendMessage(b, 3, AppendSpec(nil, e.Spec))
	b = wireu.AppendVarint(b, 4, uint64(e.InstanceID))
	b = wireu.AppendVarint(b, 5, uint64(e.Status))
	b = wireu.AppendVarint(b, 6, e.CheckpointID)
	b = wireu.AppendVarint(b, 7, uint64(e.Size))
	b = wireu.AppendTime(b, 8, e.OpenedAt)
	return wireu.AppendTime(b, 9, e.LastWrite)
}

func UnmarshalFileEntry(b []byte) (FileEntry, error) {
	var e FileEntry
	err := wireu.Each(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			e.Path = string(data)
		case 2:
			e.StagingPath = string(data)
		case 3:
			spec, err := UnmarshalSpec(data)
			if err != nil {
				return err
			}
			e.Spec = spec
		case 4:
			e.InstanceID = int(v)
		case 5:
			e.Status = Status(v)
		case 6:
			e.CheckpointID = v
		case 7:
			e.Size = int64(v)
		case 8:
			e.OpenedAt = wireu.Time(v)
		case 9:
			e.LastWrite = wireu.Time(v)
		}
		return nil
	})
	if err != nil {
		return FileEntry{}, fmt.Errorf("unmarshal file entry: %w", err)
	}
	return e, nil
}
