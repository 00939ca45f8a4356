package snapshots

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
	"reduction.dev/tablesink/util/iteru"
	"reduction.dev/tablesink/util/wireu"
)

// Checkpoint is a completed job checkpoint: the opaque state of every
// participant (writer instances and the commit coordinator) taken for the same
// checkpoint ID.
type Checkpoint struct {
	ID        uint64
	Snapshots []ParticipantSnapshot
}

type ParticipantSnapshot struct {
	ParticipantID string
	Data          []byte
}

// Snapshot returns the state a participant stored in the checkpoint.
func (c *Checkpoint) Snapshot(participantID string) ([]byte, bool) {
	for _, s := range c.Snapshots {
		if s.ParticipantID == participantID {
			return s.Data, true
		}
	}
	return nil, false
}

func (c *Checkpoint) Marshal() []byte {
	b := wireu.AppendVarint(nil, 1, c.ID)
	for _, s := range c.Snapshots {
		var sb []byte
		sb = wireu.AppendString(sb, 1, s.ParticipantID)
		sb = protowire.AppendTag(sb, 2, protowire.BytesType)
		sb = protowire.AppendBytes(sb, s.Data)
		b = wireu.AppendMessage(b, 2, sb)
	}
	return b
}

func UnmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := wireu.Each(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			c.ID = v
		case 2:
			var s ParticipantSnapshot
			err := wireu.Each(data, func(num protowire.Number, _ uint64, data []byte) error {
				switch num {
				case 1:
					s.ParticipantID = string(data)
				case 2:
					s.Data = slices.Clone(data)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Snapshots = append(c.Snapshots, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return c, nil
}

type jobSnapshot struct {
	// The snapshot ID
	id uint64

	// A set of participant IDs that we're expecting a snapshot from
	participantsComplete map[string]bool

	// Acknowledged participant snapshots
	snapshots []ParticipantSnapshot

	// A flag to indicate the checkpoint should be converted to a savepoint
	isSavepoint bool
}

func newJobSnapshot(checkpointID uint64, participantIDs []string) *jobSnapshot {
	ids := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		ids[id] = false
	}
	return &jobSnapshot{
		id:                   checkpointID,
		participantsComplete: ids,
	}
}

func (s *jobSnapshot) addSnapshot(participantID string, data []byte) error {
	wasCompleted, ok := s.participantsComplete[participantID]
	if !ok {
		ids := slices.Sorted(maps.Keys(s.participantsComplete))
		return fmt.Errorf("received snapshot from unexpected participant %s, expected participants %v", participantID, ids)
	}
	if wasCompleted {
		return fmt.Errorf("received checkpoint (%d) from participant (%s) that already sent one", s.id, participantID)
	}

	s.participantsComplete[participantID] = true
	s.snapshots = append(s.snapshots, ParticipantSnapshot{ParticipantID: participantID, Data: data})
	return nil
}

func (s *jobSnapshot) isComplete() bool {
	return iteru.Every(maps.Values(s.participantsComplete))
}

func (s *jobSnapshot) checkpoint() *Checkpoint {
	snapshots := slices.Clone(s.snapshots)
	slices.SortFunc(snapshots, func(a, b ParticipantSnapshot) int {
		return cmp.Compare(a.ParticipantID, b.ParticipantID)
	})
	return &Checkpoint{ID: s.id, Snapshots: snapshots}
}
