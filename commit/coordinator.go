package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"reduction.dev/tablesink/clocks"
	"reduction.dev/tablesink/partition"
	"reduction.dev/tablesink/storage/locations"
	"reduction.dev/tablesink/telemetry"
	"reduction.dev/tablesink/util/wireu"
)

var ErrCoordinatorClosed = errors.New("commit coordinator closed")

type State uint8

const (
	StateUnknown State = iota
	// StateOpen partitions have rows in open files but nothing to commit.
	StateOpen
	// StatePendingCommit partitions have closed files waiting for the trigger.
	StatePendingCommit
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePendingCommit:
		return "pending-commit"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Record is an entry in a partition's commit history.
type Record struct {
	Spec         partition.Spec
	Files        []partition.FileEntry
	CheckpointID uint64
	CommittedAt  time.Time
}

// Event is the outcome of evaluating one completed checkpoint.
type Event struct {
	CheckpointID uint64
	Records      []Record
	Err          error
}

type partitionState struct {
	spec       partition.Spec
	state      State
	files      []partition.FileEntry
	lastWrite  time.Time
	inProgress bool
}

type checkpointReports struct {
	numInstances int
	messages     map[int]Message
}

// Coordinator decides when partitions become visible. It collects commit
// messages from every writer instance, and once all of them reported a
// checkpoint it finalizes the files of committable partitions and runs the
// policy chain. All state is owned by a single goroutine.
type Coordinator struct {
	log       *slog.Logger
	table     string
	location  locations.StorageLocation
	trigger   Trigger
	policies  *Chain
	clock     clocks.Clock
	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	partitions    map[string]*partitionState
	reports       map[uint64]*checkpointReports
	numInstances  int
	watermarks    map[int]time.Time
	endOfInput    map[int]bool
	lastEvaluated uint64
	history       map[string][]Record
}

type CoordinatorParams struct {
	Table    string
	Location locations.StorageLocation
	Trigger  Trigger
	Policies *Chain
	Clock    clocks.Clock
	Logger   *slog.Logger
}

func NewCoordinator(params CoordinatorParams) *Coordinator {
	if params.Trigger == nil {
		params.Trigger = ProcessTimeTrigger{}
	}
	if params.Policies == nil {
		params.Policies = NewChainOf(params.Table)
	}
	if params.Clock == nil {
		params.Clock = clocks.NewSystemClock()
	}
	if params.Logger == nil {
		params.Logger = slog.With("instanceID", "coordinator")
	}

	c := &Coordinator{
		log:        params.Logger,
		table:      params.Table,
		location:   params.Location,
		trigger:    params.Trigger,
		policies:   params.Policies,
		clock:      params.Clock,
		events:     make(chan func()),
		done:       make(chan struct{}),
		partitions: make(map[string]*partitionState),
		reports:    make(map[uint64]*checkpointReports),
		watermarks: make(map[int]time.Time),
		endOfInput: make(map[int]bool),
		history:    make(map[string][]Record),
	}
	go c.processEvents()
	return c
}

func (c *Coordinator) processEvents() {
	for {
		select {
		case event := <-c.events:
			event()
		case <-c.done:
			return
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it to return.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.events <- func() {
		defer close(finished)
		fn()
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorClosed
	}
	<-finished
	return nil
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Handle records a writer's commit message. When the message is the last one
// missing for its checkpoint the checkpoint is evaluated and its Event
// returned. Evaluation failures are reported in Event.Err; the returned error
// is only for messages the coordinator cannot accept.
func (c *Coordinator) Handle(ctx context.Context, msg Message) ([]Event, error) {
	var events []Event
	var handleErr error
	err := c.do(ctx, func() {
		events, handleErr = c.handle(ctx, msg)
	})
	return events, errors.Join(err, handleErr)
}

func (c *Coordinator) handle(ctx context.Context, msg Message) ([]Event, error) {
	if msg.NumInstances <= 0 || msg.InstanceID < 0 || msg.InstanceID >= msg.NumInstances {
		return nil, fmt.Errorf("invalid commit message %s", msg)
	}
	c.numInstances = msg.NumInstances
	if msg.Watermark.After(c.watermarks[msg.InstanceID]) {
		c.watermarks[msg.InstanceID] = msg.Watermark
	}
	if msg.EndOfInput {
		c.endOfInput[msg.InstanceID] = true
	}

	if msg.CheckpointID <= c.lastEvaluated {
		// A late or repeated report. Its files wait for the next evaluation.
		c.log.Debug("absorbing report for evaluated checkpoint", "message", msg)
		for _, req := range MergeRequests(msg.Requests) {
			c.absorb(req)
		}
		return nil, nil
	}

	reports, ok := c.reports[msg.CheckpointID]
	if !ok {
		reports = &checkpointReports{numInstances: msg.NumInstances, messages: make(map[int]Message)}
		c.reports[msg.CheckpointID] = reports
	}
	reports.messages[msg.InstanceID] = msg
	if len(reports.messages) < reports.numInstances {
		return nil, nil
	}

	// Incomplete reports of older checkpoints are folded into this one so
	// their files are not stranded.
	var requests []Request
	for _, id := range slices.Sorted(maps.Keys(c.reports)) {
		if id > msg.CheckpointID {
			break
		}
		if id < msg.CheckpointID {
			c.log.Warn("folding incomplete checkpoint into later one", "incomplete", id, "checkpoint", msg.CheckpointID)
		}
		for _, m := range c.reports[id].messages {
			requests = append(requests, m.Requests...)
		}
		delete(c.reports, id)
	}

	records, err := c.evaluate(ctx, msg.CheckpointID, requests, c.allEnded())
	return []Event{{CheckpointID: msg.CheckpointID, Records: records, Err: err}}, nil
}

// OnCheckpointComplete evaluates a checkpoint whose requests were already
// gathered from every instance, using the watermarks reported so far.
func (c *Coordinator) OnCheckpointComplete(ctx context.Context, checkpointID uint64, requests []Request) ([]Record, error) {
	var records []Record
	var evalErr error
	err := c.do(ctx, func() {
		records, evalErr = c.evaluate(ctx, checkpointID, requests, c.allEnded())
	})
	return records, errors.Join(err, evalErr)
}

// Consume handles messages from bus until it is closed or ctx is done,
// sending an Event to out for every evaluated checkpoint.
func (c *Coordinator) Consume(ctx context.Context, bus Bus, out chan<- Event) error {
	for {
		msg, err := bus.Receive(ctx)
		if errors.Is(err, ErrBusClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		events, err := c.Handle(ctx, msg)
		if err != nil {
			return err
		}
		for _, event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Coordinator) evaluate(ctx context.Context, checkpointID uint64, requests []Request, endOfInput bool) ([]Record, error) {
	for _, st := range c.partitions {
		st.inProgress = false
	}
	for _, req := range MergeRequests(requests) {
		c.absorb(req)
	}
	c.lastEvaluated = max(c.lastEvaluated, checkpointID)

	watermark := c.watermark()
	now := c.clock.Now()
	var records []Record
	for _, key := range slices.Sorted(maps.Keys(c.partitions)) {
		st := c.partitions[key]
		if len(st.files) == 0 {
			continue
		}
		if st.inProgress && !endOfInput {
			c.log.Debug("partition still has open files", "partition", key, "checkpoint", checkpointID)
			continue
		}
		if !endOfInput {
			ok, err := c.trigger.IsCommittable(PartitionContext{
				Spec:      st.spec,
				LastWrite: st.lastWrite,
				Watermark: watermark,
				Now:       now,
			})
			if err != nil {
				return records, fmt.Errorf("evaluate partition %s at checkpoint %d: %w", st.spec, checkpointID, err)
			}
			if !ok {
				continue
			}
		}

		record, err := c.commit(ctx, checkpointID, st)
		if err != nil {
			c.log.Warn("partition commit failed, retrying at next checkpoint",
				"partition", key, "checkpoint", checkpointID, "err", err)
			continue
		}
		c.log.Info("committed partition", "partition", key, "checkpoint", checkpointID, "files", len(record.Files))
		records = append(records, record)
	}

	telemetry.PendingPartitions.WithLabelValues(c.table).Set(float64(c.pendingCount()))
	return records, nil
}

func (c *Coordinator) absorb(req Request) {
	key := req.Spec.Path()
	st, ok := c.partitions[key]
	if !ok {
		st = &partitionState{spec: req.Spec}
		c.partitions[key] = st
	}
	for _, f := range req.Files {
		if !slices.ContainsFunc(st.files, func(e partition.FileEntry) bool { return e.Path == f.Path }) {
			st.files = append(st.files, f)
		}
		if f.LastWrite.After(st.lastWrite) {
			st.lastWrite = f.LastWrite
		}
	}
	if req.LastWrite.After(st.lastWrite) {
		st.lastWrite = req.LastWrite
	}
	st.inProgress = st.inProgress || req.InProgress

	switch {
	case len(st.files) > 0:
		st.state = StatePendingCommit
	case req.InProgress:
		st.state = StateOpen
	}
}

func (c *Coordinator) commit(ctx context.Context, checkpointID uint64, st *partitionState) (Record, error) {
	start := time.Now()
	defer func() {
		telemetry.CommitDuration.WithLabelValues(c.table).Observe(time.Since(start).Seconds())
	}()

	for i := range st.files {
		f := &st.files[i]
		if f.Status == partition.StatusFinished {
			continue
		}
		if err := c.finalize(*f); err != nil {
			return Record{}, err
		}
		f.Status = partition.StatusFinished
	}

	path := st.spec.Path()
	err := c.policies.Commit(ctx, PolicyContext{
		Spec:          st.spec,
		PartitionPath: path,
		Files:         slices.Clone(st.files),
		CheckpointID:  checkpointID,
	})
	if err != nil {
		return Record{}, err
	}

	record := Record{
		Spec:         st.spec,
		Files:        st.files,
		CheckpointID: checkpointID,
		CommittedAt:  c.clock.Now(),
	}
	c.history[path] = append(c.history[path], record)
	st.files = nil
	st.state = StateCommitted
	return record, nil
}

// finalize moves a file from its staging name to its final name. A file that
// was already moved by an earlier attempt counts as finalized.
func (c *Coordinator) finalize(f partition.FileEntry) error {
	err := c.location.Rename(f.StagingPath, f.Path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, locations.ErrNotFound) {
		return fmt.Errorf("finalize %s: %w", f.Path, err)
	}
	exists, existsErr := locations.Exists(c.location, f.Path)
	if existsErr != nil {
		return fmt.Errorf("finalize %s: %w", f.Path, existsErr)
	}
	if !exists {
		return fmt.Errorf("finalize %s: staging file %s is missing", f.Path, f.StagingPath)
	}
	return nil
}

// watermark is the minimum across instances, zero until every instance has
// reported one.
func (c *Coordinator) watermark() time.Time {
	if c.numInstances == 0 {
		return time.Time{}
	}
	var lowest time.Time
	for i := range c.numInstances {
		wm, ok := c.watermarks[i]
		if !ok || wm.IsZero() {
			return time.Time{}
		}
		if lowest.IsZero() || wm.Before(lowest) {
			lowest = wm
		}
	}
	return lowest
}

func (c *Coordinator) allEnded() bool {
	if c.numInstances == 0 {
		return false
	}
	for i := range c.numInstances {
		if !c.endOfInput[i] {
			return false
		}
	}
	return true
}

func (c *Coordinator) pendingCount() int {
	n := 0
	for _, st := range c.partitions {
		if len(st.files) > 0 {
			n++
		}
	}
	return n
}

// History returns the commits of a partition, oldest first.
func (c *Coordinator) History(ctx context.Context, spec partition.Spec) ([]Record, error) {
	var records []Record
	err := c.do(ctx, func() {
		records = slices.Clone(c.history[spec.Path()])
	})
	return records, err
}

func (c *Coordinator) PartitionState(ctx context.Context, spec partition.Spec) (State, error) {
	state := StateUnknown
	err := c.do(ctx, func() {
		if st, ok := c.partitions[spec.Path()]; ok {
			state = st.state
		}
	})
	return state, err
}

// Snapshot encodes the partitions that have files waiting to be committed.
func (c *Coordinator) Snapshot(ctx context.Context) ([]byte, error) {
	var b []byte
	err := c.do(ctx, func() {
		b = wireu.AppendVarint(b, 1, c.lastEvaluated)
		for _, key := range slices.Sorted(maps.Keys(c.partitions)) {
			st := c.partitions[key]
			if len(st.files) == 0 {
				continue
			}
			var pb []byte
			pb = wireu.AppendMessage(pb, 1, partition.AppendSpec(nil, st.spec))
			for _, f := range st.files {
				pb = wireu.AppendMessage(pb, 2, partition.AppendFileEntry(nil, f))
			}
			pb = wireu.AppendTime(pb, 3, st.lastWrite)
			b = wireu.AppendMessage(b, 2, pb)
		}
	})
	return b, err
}

// Restore replaces pending state with a snapshot. Reports of checkpoints that
// were not evaluated are dropped; writers re-send them after restoring.
func (c *Coordinator) Restore(ctx context.Context, b []byte) error {
	var lastEvaluated uint64
	partitions := make(map[string]*partitionState)
	err := wireu.Each(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			lastEvaluated = v
		case 2:
			st := &partitionState{state: StatePendingCommit}
			err := wireu.Each(data, func(num protowire.Number, v uint64, data []byte) error {
				switch num {
				case 1:
					spec, err := partition.UnmarshalSpec(data)
					if err != nil {
						return err
					}
					st.spec = spec
				case 2:
					f, err := partition.UnmarshalFileEntry(data)
					if err != nil {
						return err
					}
					st.files = append(st.files, f)
				case 3:
					st.lastWrite = wireu.Time(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			partitions[st.spec.Path()] = st
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore commit coordinator: %w", err)
	}

	return c.do(ctx, func() {
		c.partitions = partitions
		c.reports = make(map[uint64]*checkpointReports)
		c.watermarks = make(map[int]time.Time)
		c.endOfInput = make(map[int]bool)
		c.lastEvaluated = lastEvaluated
	})
}

// PendingFiles lists the reported files that are not committed yet.
func (c *Coordinator) PendingFiles(ctx context.Context) ([]partition.FileEntry, error) {
	var files []partition.FileEntry
	err := c.do(ctx, func() {
		for _, key := range slices.Sorted(maps.Keys(c.partitions)) {
			files = append(files, c.partitions[key].files...)
		}
	})
	return files, err
}
