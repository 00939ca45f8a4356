package commit

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/util/wireu"
)

// Request reports one partition's state from the writer instances at a
// checkpoint: the files they closed and whether any of them still has a file
// open for the partition.
type Request struct {
	Spec         partition.Spec
	CheckpointID uint64
	Instances    []int
	Files        []partition.FileEntry
	InProgress   bool
	LastWrite    time.Time
}

// Message is what one writer instance sends to the coordinator when a
// checkpoint completes. An instance reports even when it has no partitions so
// the coordinator knows it heard from everyone.
type Message struct {
	CheckpointID uint64
	InstanceID   int
	NumInstances int
	Watermark    time.Time
	// EndOfInput is set once the instance will receive no more rows.
	EndOfInput bool
	Requests   []Request
}

// MergeRequests combines requests for the same partition and checkpoint.
// Instances and files are unioned, files deduplicated by path.
func MergeRequests(requests []Request) []Request {
	type key struct {
		path         string
		checkpointID uint64
	}
	merged := make(map[key]*Request)
	var order []key
	for _, r := range requests {
		k := key{r.Spec.Path(), r.CheckpointID}
		m, ok := merged[k]
		if !ok {
			m = &Request{Spec: r.Spec, CheckpointID: r.CheckpointID}
			merged[k] = m
			order = append(order, k)
		}
		for _, id := range r.Instances {
			if !slices.Contains(m.Instances, id) {
				m.Instances = append(m.Instances, id)
			}
		}
		for _, f := range r.Files {
			if !slices.ContainsFunc(m.Files, func(e partition.FileEntry) bool { return e.Path == f.Path }) {
				m.Files = append(m.Files, f)
			}
		}
		m.InProgress = m.InProgress || r.InProgress
		if r.LastWrite.After(m.LastWrite) {
			m.LastWrite = r.LastWrite
		}
	}

	slices.SortFunc(order, func(a, b key) int {
		return cmp.Or(cmp.Compare(a.checkpointID, b.checkpointID), cmp.Compare(a.path, b.path))
	})
	result := make([]Request, 0, len(order))
	for _, k := range order {
		m := merged[k]
		slices.Sort(m.Instances)
		slices.SortFunc(m.Files, func(a, b partition.FileEntry) int { return cmp.Compare(a.Path, b.Path) })
		result = append(result, *m)
	}
	return result
}

func (m Message) String() string {
	return fmt.Sprintf("Message(checkpoint=%d, instance=%d/%d, requests=%d, endOfInput=%t)",
		m.CheckpointID, m.InstanceID, m.NumInstances, len(m.Requests), m.EndOfInput)
}

func (m Message) Marshal() []byte {
	var b []byte
	b = wireu.AppendVarint(b, 1, m.CheckpointID)
	b = wireu.AppendVarint(b, 2, uint64(m.InstanceID))
	b = wireu.AppendVarint(b, 3, uint64(m.NumInstances))
	b = wireu.AppendTime(b, 4, m.Watermark)
	b = wireu.AppendBool(b, 5, m.EndOfInput)
	for _, r := range m.Requests {
		b = wireu.AppendMessage(b, 6, appendRequest(nil, r))
	}
	return b
}

func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	err := wireu.Each(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.CheckpointID = v
		case 2:
			m.InstanceID = int(v)
		case 3:
			m.NumInstances = int(v)
		case 4:
			m.Watermark = wireu.Time(v)
		case 5:
			m.EndOfInput = protowire.DecodeBool(v)
		case 6:
			r, err := unmarshalRequest(data)
			if err != nil {
				return err
			}
			m.Requests = append(m.Requests, r)
		}
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("unmarshal commit message: %w", err)
	}
	return m, nil
}

func appendRequest(b []byte, r Request) []byte {
	b = wireu.AppendMessage(b, 1, partition.AppendSpec(nil, r.Spec))
	b = wireu.AppendVarint(b, 2, r.CheckpointID)
	for _, id := range r.Instances {
		// Instance 0 is valid so the tag is always written.
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	for _, f := range r.Files {
		b = wireu.AppendMessage(b, 4, partition.AppendFileEntry(nil, f))
	}
	b = wireu.AppendBool(b, 5, r.InProgress)
	return wireu.AppendTime(b, 6, r.LastWrite)
}

func unmarshalRequest(b []byte) (Request, error) {
	var r Request
	err := wireu.Each(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			spec, err := partition.UnmarshalSpec(data)
			if err != nil {
				return err
			}
			r.Spec = spec
		case 2:
			r.CheckpointID = v
		case 3:
			r.Instances = append(r.Instances, int(v))
		case 4:
			f, err := partition.UnmarshalFileEntry(data)
			if err != nil {
				return err
			}
			r.Files = append(r.Files, f)
		case 5:
			r.InProgress = protowire.DecodeBool(v)
		case 6:
			r.LastWrite = wireu.Time(v)
		}
		return nil
	})
	return r, err
}
