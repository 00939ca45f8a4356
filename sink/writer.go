// Package sink writes table rows into partitioned data files. Each parallel
// instance owns one Writer that keeps a file open per partition, hides files
// under staging names until the commit coordinator finalizes them, and
// snapshots its open and pending files at every checkpoint.
package sink

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/ksuid"
	"reduction.dev/tablesink/clocks"
	"reduction.dev/tablesink/commit"
	"reduction.dev/tablesink/formats"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/table"
)

var (
	rowsWritten = metrics.NewCounter("tablesink_rows_written_total")
	bytesStaged = metrics.NewCounter("tablesink_bytes_staged_total")
	filesRolled = metrics.NewCounter("tablesink_files_rolled_total")
)

const (
	stagingPrefix = ".part-"
	stagingSuffix = ".inprogress"
)

// IsStagingFile reports whether a path names a hidden file written by a Writer.
func IsStagingFile(p string) bool {
	base := path.Base(p)
	return strings.HasPrefix(base, stagingPrefix) && strings.HasSuffix(base, stagingSuffix)
}

type RollingPolicy struct {
	// Roll a file once it reaches this many bytes.
	FileSize int64
	// Roll a file at a checkpoint once it has been open this long.
	RolloverInterval time.Duration
}

var DefaultRollingPolicy = RollingPolicy{
	FileSize:         128 << 20,
	RolloverInterval: 30 * time.Minute,
}

func (p RollingPolicy) rollOnWrite(size int64) bool {
	return p.FileSize > 0 && size >= p.FileSize
}

// rollOnCheckpoint decides whether an open file is closed at a checkpoint.
// Files that received no rows since the previous checkpoint are closed so
// their partition can be committed.
func (p RollingPolicy) rollOnCheckpoint(f *openFile, resumable bool, now time.Time) bool {
	return !resumable ||
		!f.dirty ||
		p.rollOnWrite(f.writer.Size()) ||
		(p.RolloverInterval > 0 && now.Sub(f.entry.OpenedAt) >= p.RolloverInterval)
}

type WriterParams struct {
	InstanceID   int
	NumInstances int
	Schema       *table.Schema
	Format       formats.Format
	Location     locations.StorageLocation
	Rolling      RollingPolicy
	Clock        clocks.Clock
}

// Writer is one parallel sink instance. It is not safe for concurrent use.
type Writer struct {
	id           int
	numInstances int
	runID        string
	nextFile     uint64
	schema       *table.Schema
	format       formats.Format
	loc          locations.StorageLocation
	rolling      RollingPolicy
	clock        clocks.Clock
	log          *slog.Logger

	files map[string]*openFile
	// Files rolled by size between checkpoints. They join the pending files of
	// the next checkpoint.
	rolled     []partition.FileEntry
	lastWrites map[string]time.Time
	tracker    *Tracker
	watermark  time.Time
	endOfInput bool
}

type openFile struct {
	writer formats.FileWriter
	entry  partition.FileEntry
	// Set when rows were appended since the last checkpoint.
	dirty bool
}

func NewWriter(params WriterParams) *Writer {
	if params.Clock == nil {
		params.Clock = clocks.NewSystemClock()
	}
	if params.NumInstances == 0 {
		params.NumInstances = 1
	}
	if params.Rolling == (RollingPolicy{}) {
		params.Rolling = DefaultRollingPolicy
	}
	return &Writer{
		id:           params.InstanceID,
		numInstances: params.NumInstances,
		runID:        ksuid.New().String(),
		schema:       params.Schema,
		format:       params.Format,
		loc:          params.Location,
		rolling:      params.Rolling,
		clock:        params.Clock,
		log:          slog.With("instanceID", fmt.Sprintf("writer-%d", params.InstanceID)),
		files:        make(map[string]*openFile),
		lastWrites:   make(map[string]time.Time),
		tracker:      NewTracker(),
	}
}

func (w *Writer) Write(row table.Row) error {
	spec, err := w.schema.PartitionSpec(row)
	if err != nil {
		return err
	}
	key := spec.Path()

	f, ok := w.files[key]
	if !ok {
		f, err = w.openFile(spec)
		if err != nil {
			return err
		}
		w.files[key] = f
	}

	if err := f.writer.Append(w.schema.DataValues(row)); err != nil {
		return fmt.Errorf("writer %d appending to %s: %w", w.id, f.entry.StagingPath, err)
	}
	now := w.clock.Now()
	f.dirty = true
	f.entry.LastWrite = now
	w.lastWrites[key] = now
	rowsWritten.Inc()

	if w.rolling.rollOnWrite(f.writer.Size()) {
		entry, err := w.closeFile(f)
		if err != nil {
			return err
		}
		delete(w.files, key)
		w.rolled = append(w.rolled, entry)
	}
	return nil
}

// AdvanceWatermark records event-time progress. Watermarks never move back.
func (w *Writer) AdvanceWatermark(t time.Time) {
	if t.After(w.watermark) {
		w.watermark = t
	}
}

// Flush prepares the writer for a checkpoint. Files the rolling policy closes
// are staged and returned as pending. Files that stay open have their content
// persisted so they can be resumed from the checkpoint.
func (w *Writer) Flush(checkpointID uint64) ([]partition.FileEntry, error) {
	return w.flush(checkpointID, false)
}

// Finish closes every open file at the final checkpoint. No more rows may be
// written afterwards.
func (w *Writer) Finish(checkpointID uint64) ([]partition.FileEntry, error) {
	w.endOfInput = true
	return w.flush(checkpointID, true)
}

func (w *Writer) flush(checkpointID uint64, rollAll bool) ([]partition.FileEntry, error) {
	now := w.clock.Now()
	pending := w.rolled
	w.rolled = nil

	for _, key := range slices.Sorted(maps.Keys(w.files)) {
		f := w.files[key]
		if rollAll || w.rolling.rollOnCheckpoint(f, w.format.Resumable(), now) {
			entry, err := w.closeFile(f)
			if err != nil {
				return nil, err
			}
			delete(w.files, key)
			pending = append(pending, entry)
			continue
		}

		data, err := f.writer.Persist()
		if err != nil {
			return nil, fmt.Errorf("writer %d persisting %s: %w", w.id, f.entry.StagingPath, err)
		}
		if err := w.stage(f.entry.StagingPath, data); err != nil {
			return nil, err
		}
		f.entry.Size = int64(len(data))
		f.entry.CheckpointID = checkpointID
		f.dirty = false
	}

	for i := range pending {
		w.tracker.Track(w.id, checkpointID, pending[i].Spec, pending[i])
		pending[i].CheckpointID = checkpointID
		pending[i].Status = partition.StatusPending
	}
	w.log.Debug("flushed", "checkpoint", checkpointID, "pending", len(pending), "open", len(w.files))
	return pending, nil
}

// Snapshot captures the writer's state after Flush for the same checkpoint.
func (w *Writer) Snapshot(checkpointID uint64) *Snapshot {
	snap := &Snapshot{
		InstanceID:   w.id,
		CheckpointID: checkpointID,
		Pending:      w.tracker.Pending(),
	}
	for _, key := range slices.Sorted(maps.Keys(w.files)) {
		snap.InProgress = append(snap.InProgress, w.files[key].entry)
	}
	return snap
}

// CommitMessage hands the files of completed checkpoints to the coordinator
// along with the partitions that still have open files.
func (w *Writer) CommitMessage(checkpointID uint64) commit.Message {
	drained := w.tracker.DrainPending(checkpointID)

	paths := slices.Collect(maps.Keys(drained))
	for key, f := range w.files {
		if _, ok := drained[key]; !ok && f.entry.Size > 0 {
			paths = append(paths, key)
		}
	}
	slices.Sort(paths)

	msg := commit.Message{
		CheckpointID: checkpointID,
		InstanceID:   w.id,
		NumInstances: w.numInstances,
		Watermark:    w.watermark,
		EndOfInput:   w.endOfInput,
	}
	for _, key := range paths {
		req := commit.Request{
			CheckpointID: checkpointID,
			Instances:    []int{w.id},
			Files:        drained[key],
			LastWrite:    w.lastWrites[key],
		}
		if len(req.Files) > 0 {
			req.Spec = req.Files[0].Spec
		}
		f, open := w.files[key]
		if open && f.entry.Size > 0 {
			req.Spec = f.entry.Spec
			req.InProgress = true
		}
		if !open {
			delete(w.lastWrites, key)
		}
		msg.Requests = append(msg.Requests, req)
	}
	return msg
}

// Restore resumes the writer from snapshots of the last completed checkpoint.
// Open files are truncated to their snapshotted length and reopened. Pending
// files are tracked again so the next commit message reports them.
func (w *Writer) Restore(snaps ...*Snapshot) error {
	for _, snap := range snaps {
		for _, e := range snap.Pending {
			w.tracker.Track(w.id, e.CheckpointID, e.Spec, e)
		}
		for _, e := range snap.InProgress {
			if err := w.resume(e, snap.CheckpointID); err != nil {
				return err
			}
		}
		if dropped := w.tracker.DiscardAfter(snap.CheckpointID); len(dropped) > 0 {
			w.log.Warn("dropped files of unacknowledged checkpoints", "files", dropped)
		}
	}
	w.log.Info("restored", "pending", w.tracker.Len(), "open", len(w.files))
	return nil
}

// resume reopens an in-progress file. When snapshots of several instances are
// restored into one writer and another file is already open for the
// partition, the resumed file is closed at its persisted length instead.
func (w *Writer) resume(e partition.FileEntry, checkpointID uint64) error {
	if !w.format.Resumable() {
		return fmt.Errorf("writer %d cannot resume %s: %w", w.id, e.StagingPath, formats.ErrNotResumable)
	}
	data, err := w.loc.Read(e.StagingPath)
	if err != nil {
		return fmt.Errorf("writer %d resuming %s: %w", w.id, e.StagingPath, err)
	}
	if int64(len(data)) < e.Size {
		return fmt.Errorf("writer %d resuming %s: file has %d bytes but %d were persisted", w.id, e.StagingPath, len(data), e.Size)
	}

	if _, open := w.files[e.Spec.Path()]; open {
		if err := w.stage(e.StagingPath, data[:e.Size]); err != nil {
			return err
		}
		e.Status = partition.StatusPending
		w.tracker.Track(w.id, checkpointID, e.Spec, e)
		return nil
	}

	fw, err := w.format.Open(w.schema.DataColumns(), data[:e.Size])
	if err != nil {
		return fmt.Errorf("writer %d resuming %s: %w", w.id, e.StagingPath, err)
	}
	e.InstanceID = w.id
	e.Status = partition.StatusInProgress
	w.files[e.Spec.Path()] = &openFile{writer: fw, entry: e}
	if !e.LastWrite.IsZero() {
		w.lastWrites[e.Spec.Path()] = e.LastWrite
	}
	return nil
}

func (w *Writer) openFile(spec partition.Spec) (*openFile, error) {
	fw, err := w.format.Open(w.schema.DataColumns(), nil)
	if err != nil {
		return nil, err
	}
	w.nextFile++
	name := fmt.Sprintf("%s-%d-%d", w.runID, w.id, w.nextFile)
	now := w.clock.Now()
	return &openFile{
		writer: fw,
		entry: partition.FileEntry{
			Path:        path.Join(spec.Path(), "part-"+name+w.format.Extension()),
			StagingPath: path.Join(spec.Path(), stagingPrefix+name+stagingSuffix),
			Spec:        spec,
			InstanceID:  w.id,
			Status:      partition.StatusInProgress,
			OpenedAt:    now,
		},
	}, nil
}

// closeFile finishes the file and writes it to its staging path. The file
// stays hidden until the coordinator renames it.
func (w *Writer) closeFile(f *openFile) (partition.FileEntry, error) {
	data, err := f.writer.Close()
	if err != nil {
		return partition.FileEntry{}, fmt.Errorf("writer %d closing %s: %w", w.id, f.entry.StagingPath, err)
	}
	if err := w.stage(f.entry.StagingPath, data); err != nil {
		return partition.FileEntry{}, err
	}
	filesRolled.Inc()

	entry := f.entry
	entry.Status = partition.StatusPending
	entry.Size = int64(len(data))
	return entry, nil
}

func (w *Writer) stage(stagingPath string, data []byte) error {
	if _, err := w.loc.Write(stagingPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writer %d staging %s: %w", w.id, stagingPath, err)
	}
	bytesStaged.Add(len(data))
	return nil
}
