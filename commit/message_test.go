package commit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/commit"
	"reduction.dev/tablesink/partition"
)

func TestMergeRequests(t *testing.T) {
	a := partition.FileEntry{Path: "d=2020-05-03/e=7/part-a", Spec: spec7}
	b := partition.FileEntry{Path: "d=2020-05-03/e=7/part-b", Spec: spec7}
	c := partition.FileEntry{Path: "d=2020-05-03/e=8/part-c", Spec: spec8}

	merged := commit.MergeRequests([]commit.Request{
		{Spec: spec8, CheckpointID: 1, Instances: []int{1}, Files: []partition.FileEntry{c}},
		{Spec: spec7, CheckpointID: 1, Instances: []int{1}, Files: []partition.FileEntry{b, a}, LastWrite: base},
		{Spec: spec7, CheckpointID: 1, Instances: []int{0}, Files: []partition.FileEntry{a}, InProgress: true, LastWrite: base.Add(time.Minute)},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, spec7.Path(), merged[0].Spec.Path())
	assert.Equal(t, []int{0, 1}, merged[0].Instances)
	assert.Equal(t, []partition.FileEntry{a, b}, merged[0].Files, "files are deduplicated by path")
	assert.True(t, merged[0].InProgress)
	assert.Equal(t, base.Add(time.Minute), merged[0].LastWrite)
	assert.Equal(t, spec8.Path(), merged[1].Spec.Path())
}

func TestMessageEncoding(t *testing.T) {
	msg := commit.Message{
		CheckpointID: 3,
		InstanceID:   0,
		NumInstances: 2,
		Watermark:    base,
		EndOfInput:   true,
		Requests: []commit.Request{{
			Spec:         spec7,
			CheckpointID: 3,
			Instances:    []int{0},
			Files: []partition.FileEntry{{
				Path:         "d=2020-05-03/e=7/part-a.parquet",
				StagingPath:  "d=2020-05-03/e=7/.part-a.inprogress",
				Spec:         spec7,
				Status:       partition.StatusPending,
				CheckpointID: 3,
				Size:         512,
			}},
			LastWrite: base,
		}},
	}

	decoded, err := commit.UnmarshalMessage(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, msg.String(), decoded.String())
	assert.True(t, msg.Watermark.Equal(decoded.Watermark))
	require.Len(t, decoded.Requests, 1)
	assert.Equal(t, []int{0}, decoded.Requests[0].Instances, "instance zero survives encoding")
	assert.Equal(t, msg.Requests[0].Files[0].Path, decoded.Requests[0].Files[0].Path)
	assert.Equal(t, int64(512), decoded.Requests[0].Files[0].Size)
	assert.True(t, spec7.Equal(decoded.Requests[0].Spec))
}
