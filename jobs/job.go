package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"reduction.dev/tablesink/clocks"
	"reduction.dev/tablesink/commit"
	"reduction.dev/tablesink/formats"
	"reduction.dev/tablesink/sink"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/storage/snapshots"
	"reduction.dev/tablesink/table"
	"reduction.dev/tablesink/telemetry"
	"reduction.dev/tablesink/util/sliceu"
)

const (
	writerParticipantPrefix = "writer-"
	coordinatorParticipant  = "coordinator"
)

// Job runs parallel writer instances for one table together with the commit
// coordinator. Rows are spread round-robin across the writers. Checkpoint
// flushes every writer, stores a snapshot of all participants, and then lets
// the coordinator commit what became committable.
//
// Job methods may be called from multiple goroutines; they are serialized.
type Job struct {
	mu               sync.Mutex
	log              *slog.Logger
	table            string
	location         locations.StorageLocation
	writers          []*sink.Writer
	participants     []string
	coordinator      *commit.Coordinator
	bus              commit.Bus
	snapshotStore    *snapshots.Store
	checkpointEvents chan snapshots.CheckpointEvent
	commitEvents     chan commit.Event
	consumerStopped  chan struct{}
	consumerErr      error
	stopConsumer     context.CancelFunc
	clock            clocks.Clock
	status           *jobStatus
	next             int
}

type NewParams struct {
	// Name used in logs and metric labels.
	TableName string
	Schema    *table.Schema
	// Where data files and success markers are written.
	Location    locations.StorageLocation
	Format      formats.Format
	Parallelism int
	Rolling     sink.RollingPolicy
	Trigger     commit.Trigger
	Policies    *commit.Chain
	// Carries commit messages to the coordinator. Defaults to an in-process
	// channel.
	Bus commit.Bus
	// Where checkpoints are stored. Defaults to Location.
	CheckpointStore locations.StorageLocation
	CheckpointsPath string
	SavepointsPath  string
	SavepointURI    string
	Clock           clocks.Clock
	Logger          *slog.Logger
}

// New creates the job and restores it from its latest checkpoint. Staging files
// that no restored state refers to are deleted and the files of the restored
// checkpoint are handed to the coordinator again.
func New(ctx context.Context, params *NewParams) (*Job, error) {
	if params.Schema == nil || params.Location == nil {
		return nil, errors.New("job requires a schema and a location")
	}

	// Default to a single writer
	if params.Parallelism < 1 {
		params.Parallelism = 1
	}

	// Default to columnar files
	if params.Format == nil {
		params.Format = formats.Parquet{}
	}

	// Default to system clock
	if params.Clock == nil {
		params.Clock = clocks.NewSystemClock()
	}

	// Default checkpoint storage to the table location
	if params.CheckpointStore == nil {
		params.CheckpointStore = params.Location
	}

	// Default CheckpointsPath to ./_checkpoints
	if params.CheckpointsPath == "" {
		params.CheckpointsPath = "_checkpoints"
	}

	// Default SavepointsPath to ./_savepoints
	if params.SavepointsPath == "" {
		params.SavepointsPath = "_savepoints"
	}

	if params.Bus == nil {
		params.Bus = commit.NewChannelBus(params.Parallelism)
	}

	// Provide default logger
	if params.Logger == nil {
		params.Logger = slog.With("instanceID", "job")
	}

	checkpointEvents := make(chan snapshots.CheckpointEvent, 1)
	job := &Job{
		log:      params.Logger,
		table:    params.TableName,
		location: params.Location,
		coordinator: commit.NewCoordinator(commit.CoordinatorParams{
			Table:    params.TableName,
			Location: params.Location,
			Trigger:  params.Trigger,
			Policies: params.Policies,
			Clock:    params.Clock,
		}),
		bus: params.Bus,
		snapshotStore: snapshots.NewStore(&snapshots.NewStoreParams{
			SavepointURI:     params.SavepointURI,
			FileStore:        params.CheckpointStore,
			SavepointsPath:   params.SavepointsPath,
			CheckpointsPath:  params.CheckpointsPath,
			CheckpointEvents: checkpointEvents,
			Logger:           params.Logger,
		}),
		checkpointEvents: checkpointEvents,
		commitEvents:     make(chan commit.Event, 16),
		consumerStopped:  make(chan struct{}),
		clock:            params.Clock,
		status:           newJobStatus(),
	}

	for i := range params.Parallelism {
		job.writers = append(job.writers, sink.NewWriter(sink.WriterParams{
			InstanceID:   i,
			NumInstances: params.Parallelism,
			Schema:       params.Schema,
			Format:       params.Format,
			Location:     params.Location,
			Rolling:      params.Rolling,
			Clock:        params.Clock,
		}))
		job.participants = append(job.participants, writerParticipant(i))
	}
	job.participants = append(job.participants, coordinatorParticipant)

	consumeCtx, stopConsumer := context.WithCancel(context.Background())
	job.stopConsumer = stopConsumer
	go func() {
		job.consumerErr = job.coordinator.Consume(consumeCtx, job.bus, job.commitEvents)
		close(job.consumerStopped)
	}()

	if err := job.restore(ctx); err != nil {
		job.Close()
		return nil, fmt.Errorf("failed to restore job: %w", err)
	}
	job.status.Set(StatusRunning)
	return job, nil
}

func writerParticipant(i int) string {
	return fmt.Sprintf("%s%d", writerParticipantPrefix, i)
}

func (j *Job) restore(ctx context.Context) error {
	ckpt, err := j.snapshotStore.LoadLatestCheckpoint()
	if err != nil {
		return fmt.Errorf("failed to load initial checkpoint: %w", err)
	}

	referenced := make(map[string]bool)
	if ckpt != nil {
		var snaps []*sink.Snapshot
		for _, ps := range ckpt.Snapshots {
			if !strings.HasPrefix(ps.ParticipantID, writerParticipantPrefix) {
				continue
			}
			snap, err := sink.UnmarshalSnapshot(ps.Data)
			if err != nil {
				return fmt.Errorf("checkpoint %d %s: %w", ckpt.ID, ps.ParticipantID, err)
			}
			snaps = append(snaps, snap)
			for _, p := range snap.StagingPaths() {
				referenced[p] = true
			}
		}

		// The job may restart with a different parallelism.
		for i, group := range sliceu.Partition(snaps, len(j.writers)) {
			if err := j.writers[i].Restore(group...); err != nil {
				return err
			}
		}

		if data, ok := ckpt.Snapshot(coordinatorParticipant); ok {
			if err := j.coordinator.Restore(ctx, data); err != nil {
				return err
			}
		}
		pending, err := j.coordinator.PendingFiles(ctx)
		if err != nil {
			return err
		}
		for _, f := range pending {
			referenced[f.StagingPath] = true
		}
	}

	if err := j.removeOrphans(referenced); err != nil {
		return err
	}
	if ckpt == nil {
		return nil
	}

	j.log.Info("restored checkpoint", "id", ckpt.ID, "writers", len(j.writers))
	_, err = j.notifyCheckpointComplete(ctx, ckpt.ID)
	return err
}

// removeOrphans deletes staging files left by attempts that never completed a
// checkpoint.
func (j *Job) removeOrphans(referenced map[string]bool) error {
	var orphans []string
	for p, err := range j.location.List() {
		if err != nil {
			return fmt.Errorf("listing staging files: %w", err)
		}
		if sink.IsStagingFile(p) && !referenced[p] {
			orphans = append(orphans, p)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	j.log.Info("removing orphaned staging files", "count", len(orphans))
	return j.location.Remove(orphans...)
}

// Write routes a row to the next writer instance.
func (j *Job) Write(row table.Row) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.status.Value(); s != StatusRunning {
		return fmt.Errorf("cannot write to job with status %s", s)
	}
	w := j.writers[j.next]
	j.next = (j.next + 1) % len(j.writers)
	if err := w.Write(row); err != nil {
		j.status.Set(StatusFailed)
		return err
	}
	return nil
}

// AdvanceWatermark moves the event time watermark of every writer.
func (j *Job) AdvanceWatermark(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, w := range j.writers {
		w.AdvanceWatermark(t)
	}
}

// Checkpoint completes a checkpoint and returns the partitions it committed.
func (j *Job) Checkpoint(ctx context.Context) ([]commit.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.status.Value(); s != StatusRunning {
		return nil, fmt.Errorf("cannot checkpoint job with status %s", s)
	}
	id, err := j.snapshotStore.CreateCheckpoint(j.participants)
	if err != nil {
		return nil, err
	}
	return j.runCheckpoint(ctx, id, false)
}

// Savepoint completes a checkpoint and keeps a copy of it that a new job can
// start from. It returns the savepoint's URI.
func (j *Job) Savepoint(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.status.Value(); s != StatusRunning {
		return "", fmt.Errorf("cannot create savepoint of job with status %s", s)
	}
	id, _, err := j.snapshotStore.CreateSavepoint(j.participants)
	if err != nil {
		return "", err
	}
	if _, err := j.runCheckpoint(ctx, id, false); err != nil {
		return "", err
	}
	return j.snapshotStore.SavepointURIForID(id)
}

// Finish signals the end of input. Every open file is closed and every
// partition is committed regardless of the trigger.
func (j *Job) Finish(ctx context.Context) ([]commit.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.status.Value(); s != StatusRunning {
		return nil, fmt.Errorf("cannot finish job with status %s", s)
	}
	id, err := j.snapshotStore.CreateCheckpoint(j.participants)
	if err != nil {
		return nil, err
	}
	records, err := j.runCheckpoint(ctx, id, true)
	if err != nil {
		return nil, err
	}
	j.status.Set(StatusFinished)
	return records, nil
}

func (j *Job) runCheckpoint(ctx context.Context, id uint64, endOfInput bool) ([]commit.Record, error) {
	start := time.Now()
	records, err := j.checkpoint(ctx, id, endOfInput)
	if err != nil {
		j.snapshotStore.AbortCheckpoint(id)
		j.status.Set(StatusFailed)
		j.log.Error("checkpoint failed", "id", id, "err", err)
		return nil, err
	}
	telemetry.CheckpointDuration.WithLabelValues(j.table).Observe(time.Since(start).Seconds())
	j.log.Info("checkpoint complete", "id", id, "committed", len(records))
	return records, nil
}

func (j *Job) checkpoint(ctx context.Context, id uint64, endOfInput bool) ([]commit.Record, error) {
	g := &errgroup.Group{}
	for _, w := range j.writers {
		g.Go(func() error {
			var err error
			if endOfInput {
				_, err = w.Finish(id)
			} else {
				_, err = w.Flush(id)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("flushing writers for checkpoint %d: %w", id, err)
	}

	for i, w := range j.writers {
		if err := j.snapshotStore.AddSnapshot(id, writerParticipant(i), w.Snapshot(id).Marshal()); err != nil {
			return nil, err
		}
	}
	coordinatorSnapshot, err := j.coordinator.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := j.snapshotStore.AddSnapshot(id, coordinatorParticipant, coordinatorSnapshot); err != nil {
		return nil, err
	}

	select {
	case event := <-j.checkpointEvents:
		if event.Err != nil {
			return nil, fmt.Errorf("storing checkpoint %d: %w", id, event.Err)
		}
		if event.ID != id {
			return nil, fmt.Errorf("stored checkpoint %d while waiting for %d", event.ID, id)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return j.notifyCheckpointComplete(ctx, id)
}

// notifyCheckpointComplete sends each writer's commit message for a stored
// checkpoint and waits for the coordinator to evaluate it.
func (j *Job) notifyCheckpointComplete(ctx context.Context, id uint64) ([]commit.Record, error) {
	for _, w := range j.writers {
		if err := j.bus.Publish(ctx, w.CommitMessage(id)); err != nil {
			return nil, err
		}
	}

	var records []commit.Record
	for {
		select {
		case event := <-j.commitEvents:
			if event.Err != nil {
				return nil, fmt.Errorf("committing checkpoint %d: %w", event.CheckpointID, event.Err)
			}
			records = append(records, event.Records...)
			if event.CheckpointID >= id {
				return records, nil
			}
		case <-j.consumerStopped:
			return nil, fmt.Errorf("commit coordinator stopped: %w", errors.Join(j.consumerErr, commit.ErrBusClosed))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Coordinator exposes commit state and history for inspection.
func (j *Job) Coordinator() *commit.Coordinator {
	return j.coordinator
}

func (j *Job) Status() string {
	return j.status.String()
}

// Close stops the coordinator without committing. Uncommitted files stay
// hidden until a restarted job restores them or removes them.
func (j *Job) Close() error {
	err := j.bus.Close()
	j.stopConsumer()
	<-j.consumerStopped
	j.coordinator.Close()
	return err
}
