package sink_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/clocks"
	"reduction.dev/tablesink/formats"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/sink"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/table"
)

func testSchema(t *testing.T) *table.Schema {
	schema, err := table.NewSchema([]table.Column{
		{Name: "x", Type: table.TypeInt64},
		{Name: "y", Type: table.TypeString},
		{Name: "z", Type: table.TypeString},
		{Name: "d", Type: table.TypeString},
		{Name: "e", Type: table.TypeInt64},
	}, []string{"d", "e"})
	require.NoError(t, err)
	return schema
}

func row(x int64, y, z, d string, e int64) table.Row {
	return table.Row{x, y, z, d, e}
}

type writerFixture struct {
	schema *table.Schema
	loc    *locations.LocalDirectory
	clock  *clocks.FrozenClock
}

func newWriterFixture(t *testing.T) *writerFixture {
	return &writerFixture{
		schema: testSchema(t),
		loc:    locations.NewLocalDirectory(t.TempDir()),
		clock:  clocks.NewFrozenClockAt(time.Date(2020, 5, 3, 7, 0, 0, 0, time.UTC)),
	}
}

func (f *writerFixture) writer(format formats.Format, rolling sink.RollingPolicy) *sink.Writer {
	return sink.NewWriter(sink.WriterParams{
		InstanceID:   0,
		NumInstances: 1,
		Schema:       f.schema,
		Format:       format,
		Location:     f.loc,
		Rolling:      rolling,
		Clock:        f.clock,
	})
}

func listFiles(t *testing.T, loc locations.StorageLocation) []string {
	var paths []string
	for p, err := range loc.List() {
		require.NoError(t, err)
		paths = append(paths, p)
	}
	return paths
}

func TestWriter_ColumnarRollsEveryFileAtCheckpoint(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Parquet{}, sink.DefaultRollingPolicy)

	require.NoError(t, w.Write(row(1, "a", "b", "2020-05-03", 7)))
	require.NoError(t, w.Write(row(2, "p", "q", "2020-05-03", 8)))
	require.NoError(t, w.Write(row(3, "x", "y", "2020-05-03", 7)))
	assert.Empty(t, listFiles(t, f.loc), "nothing reaches storage before a checkpoint")

	pending, err := w.Flush(1)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	for _, e := range pending {
		assert.Equal(t, partition.StatusPending, e.Status)
		assert.Equal(t, uint64(1), e.CheckpointID)
		assert.True(t, sink.IsStagingFile(e.StagingPath))
		assert.False(t, sink.IsStagingFile(e.Path))

		ok, err := locations.Exists(f.loc, e.Path)
		require.NoError(t, err)
		assert.False(t, ok, "pending files are not visible under their final name")
	}
	for _, p := range listFiles(t, f.loc) {
		assert.True(t, sink.IsStagingFile(p), "only staging files exist before commit: %s", p)
	}

	data, err := f.loc.Read(pending[0].StagingPath)
	require.NoError(t, err)
	rows, err := formats.Parquet{}.Read(data, f.schema.DataColumns())
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "a", "b"}, {int64(3), "x", "y"}}, rows)

	assert.Empty(t, w.Snapshot(1).InProgress, "non-resumable formats keep nothing open")
	assert.Len(t, w.Snapshot(1).Pending, 2)
}

func TestWriter_RowFormatKeepsActiveFilesOpen(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Text{}, sink.DefaultRollingPolicy)

	require.NoError(t, w.Write(row(1, "a", "b", "2020-05-03", 7)))
	pending, err := w.Flush(1)
	require.NoError(t, err)
	assert.Empty(t, pending, "a file that received rows stays open")

	snap := w.Snapshot(1)
	require.Len(t, snap.InProgress, 1)
	assert.Positive(t, snap.InProgress[0].Size)

	msg := w.CommitMessage(1)
	require.Len(t, msg.Requests, 1)
	assert.True(t, msg.Requests[0].InProgress)
	assert.Empty(t, msg.Requests[0].Files)

	// No rows arrive before the next checkpoint so the file is closed.
	pending, err = w.Flush(2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, snap.InProgress[0].StagingPath, pending[0].StagingPath)

	msg = w.CommitMessage(2)
	require.Len(t, msg.Requests, 1)
	assert.False(t, msg.Requests[0].InProgress)
	assert.Len(t, msg.Requests[0].Files, 1)
	assert.Equal(t, f.clock.Now(), msg.Requests[0].LastWrite)
}

func TestWriter_RollsBySizeAndInterval(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Text{}, sink.RollingPolicy{FileSize: 20, RolloverInterval: time.Hour})

	for i := range 4 {
		require.NoError(t, w.Write(row(int64(i), "aaaaa", "bbbbb", "2020-05-03", 7)))
	}
	pending, err := w.Flush(1)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "each pair of rows crosses the size limit")

	require.NoError(t, w.Write(row(5, "a", "b", "2020-05-03", 9)))
	pending, err = w.Flush(2)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.clock.Advance(time.Hour)
	require.NoError(t, w.Write(row(6, "a", "b", "2020-05-03", 9)))
	pending, err = w.Flush(3)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "files open longer than the rollover interval are closed")
}

func TestWriter_CommitMessageDrainsPendingFiles(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Parquet{}, sink.DefaultRollingPolicy)
	w.AdvanceWatermark(time.Date(2020, 5, 3, 9, 0, 0, 0, time.UTC))
	w.AdvanceWatermark(time.Date(2020, 5, 3, 8, 0, 0, 0, time.UTC))

	require.NoError(t, w.Write(row(1, "a", "b", "2020-05-03", 7)))
	_, err := w.Flush(1)
	require.NoError(t, err)

	msg := w.CommitMessage(1)
	assert.Equal(t, uint64(1), msg.CheckpointID)
	assert.Equal(t, 1, msg.NumInstances)
	assert.Equal(t, time.Date(2020, 5, 3, 9, 0, 0, 0, time.UTC), msg.Watermark, "watermarks never move back")
	require.Len(t, msg.Requests, 1)
	assert.Equal(t, "d=2020-05-03/e=7", msg.Requests[0].Spec.Path())

	assert.Empty(t, w.CommitMessage(1).Requests, "files are handed over once")
	assert.Empty(t, w.Snapshot(2).Pending)
}

func TestWriter_RestoreResumesPersistedLength(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Text{}, sink.DefaultRollingPolicy)

	require.NoError(t, w.Write(row(1, "a", "b", "2020-05-03", 7)))
	_, err := w.Flush(1)
	require.NoError(t, err)
	snap, err := sink.UnmarshalSnapshot(w.Snapshot(1).Marshal())
	require.NoError(t, err)

	// Checkpoint 2 persists more rows but never completes.
	require.NoError(t, w.Write(row(2, "lost", "lost", "2020-05-03", 7)))
	_, err = w.Flush(2)
	require.NoError(t, err)

	restored := f.writer(formats.Text{}, sink.DefaultRollingPolicy)
	require.NoError(t, restored.Restore(snap))
	require.NoError(t, restored.Write(row(3, "c", "d", "2020-05-03", 7)))
	pending, err := restored.Finish(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	data, err := f.loc.Read(pending[0].StagingPath)
	require.NoError(t, err)
	rows, err := formats.Text{}.Read(data, f.schema.DataColumns())
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "a", "b"}, {int64(3), "c", "d"}}, rows)
}

func TestWriter_RestoreReportsPendingFilesAgain(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Parquet{}, sink.DefaultRollingPolicy)

	require.NoError(t, w.Write(row(1, "a", "b", "2020-05-03", 7)))
	_, err := w.Flush(1)
	require.NoError(t, err)
	snap := w.Snapshot(1)

	restored := f.writer(formats.Parquet{}, sink.DefaultRollingPolicy)
	require.NoError(t, restored.Restore(snap))

	msg := restored.CommitMessage(1)
	require.Len(t, msg.Requests, 1)
	assert.Equal(t, snap.Pending[0].StagingPath, msg.Requests[0].Files[0].StagingPath)
}

func TestWriter_RestoreFailsOnTruncatedStagingFile(t *testing.T) {
	f := newWriterFixture(t)
	w := f.writer(formats.Text{}, sink.DefaultRollingPolicy)

	require.NoError(t, w.Write(row(1, "a", "b", "2020-05-03", 7)))
	_, err := w.Flush(1)
	require.NoError(t, err)
	snap := w.Snapshot(1)

	_, err = f.loc.Write(snap.InProgress[0].StagingPath, bytes.NewReader(nil))
	require.NoError(t, err)

	err = f.writer(formats.Text{}, sink.DefaultRollingPolicy).Restore(snap)
	assert.Error(t, err)
}
