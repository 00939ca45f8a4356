package snapshots

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"reduction.dev/tablesink/storage/locations"
)

var ErrCheckpointInProgress = errors.New("checkpoint in progress")

type Store struct {
	fileStore       locations.StorageLocation
	savepointsPath  string
	checkpointsPath string
	log             *slog.Logger
	savepointURI    string
	subscriber      chan CheckpointEvent
	state           storeState
	stateMu         sync.Mutex
}

type CheckpointEvent struct {
	ID  uint64
	URI string
	Err error
}

type storeState struct {
	completedSnapshots []*jobSnapshot
	pendingSnapshot    *jobSnapshot
	checkpointID       uint64 // The last used, monotonically increasing checkpoint ID
}

type NewStoreParams struct {
	SavepointURI     string
	FileStore        locations.StorageLocation
	SavepointsPath   string
	CheckpointsPath  string
	CheckpointEvents chan CheckpointEvent
	Logger           *slog.Logger
}

func NewStore(params *NewStoreParams) *Store {
	if params.Logger == nil {
		params.Logger = slog.With("instanceID", "job")
	}
	return &Store{
		fileStore:       params.FileStore,
		savepointsPath:  params.SavepointsPath,
		checkpointsPath: params.CheckpointsPath,
		log:             params.Logger,
		savepointURI:    params.SavepointURI,
		subscriber:      params.CheckpointEvents,
	}
}

func (s *Store) SnapshotForURI(uri string) (*Checkpoint, error) {
	data, err := s.fileStore.Read(uri)
	if err != nil {
		return nil, err
	}
	return UnmarshalCheckpoint(data)
}

func (s *Store) SavepointURIForID(id uint64) (string, error) {
	uri, err := s.fileStore.URI(filepath.Join(s.savepointsPath, pathSegment(id), "job.savepoint"))
	if err != nil {
		return "", fmt.Errorf("failed checking for savepoint existence (%d): %w", id, err)
	}
	return uri, nil
}

// CreateCheckpoint starts a checkpoint that completes once every participant
// added its snapshot.
func (s *Store) CreateCheckpoint(participantIDs []string) (uint64, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state.pendingSnapshot != nil {
		return 0, ErrCheckpointInProgress
	}
	s.state.checkpointID++
	s.state.pendingSnapshot = newJobSnapshot(s.state.checkpointID, participantIDs)

	return s.state.checkpointID, nil
}

func (s *Store) CreateSavepoint(participantIDs []string) (cpID uint64, created bool, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// If there is an in-progress checkpoint, mark it as a savepoint
	if s.state.pendingSnapshot != nil {
		if s.state.pendingSnapshot.isSavepoint {
			return 0, false, fmt.Errorf("savepoint already in-progress")
		}
		s.state.pendingSnapshot.isSavepoint = true
		return s.state.pendingSnapshot.id, false, nil
	}

	// Otherwise start a new checkpoint, marking it as a savepoint
	s.state.checkpointID++
	s.state.pendingSnapshot = newJobSnapshot(s.state.checkpointID, participantIDs)
	s.state.pendingSnapshot.isSavepoint = true

	return s.state.checkpointID, true, nil
}

// AbortCheckpoint drops a pending checkpoint so that a new one can start. Its
// ID is not reused.
func (s *Store) AbortCheckpoint(checkpointID uint64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state.pendingSnapshot != nil && s.state.pendingSnapshot.id == checkpointID {
		s.log.Warn("aborting checkpoint", "id", checkpointID)
		s.state.pendingSnapshot = nil
	}
}

func (s *Store) AddSnapshot(checkpointID uint64, participantID string, data []byte) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state.pendingSnapshot == nil {
		return fmt.Errorf("%s tried to add to job checkpoint %d but there is no pending checkpoint", participantID, checkpointID)
	}
	if s.state.pendingSnapshot.id != checkpointID {
		return fmt.Errorf("%s tried to add to job checkpoint %d but pending checkpoint is %d", participantID, checkpointID, s.state.pendingSnapshot.id)
	}

	if err := s.state.pendingSnapshot.addSnapshot(participantID, data); err != nil {
		return err
	}

	if s.state.pendingSnapshot.isComplete() {
		s.finishSnapshotAsync(s.state.pendingSnapshot)
		s.state.pendingSnapshot = nil
	}
	return nil
}

func (s *Store) finishSnapshotAsync(snap *jobSnapshot) {
	go func() {
		uri, err := s.finishSnapshot(snap)
		if s.subscriber != nil {
			s.subscriber <- CheckpointEvent{ID: snap.id, URI: uri, Err: err}
		}
	}()
}

func (s *Store) checkpointPath(id uint64) string {
	return filepath.Join(s.checkpointsPath, "job-"+pathSegment(id)+".snapshot")
}

func (s *Store) finishSnapshot(snap *jobSnapshot) (uri string, err error) {
	uri, err = s.fileStore.Write(s.checkpointPath(snap.id), bytes.NewBuffer(snap.checkpoint().Marshal()))
	if err != nil {
		return "", fmt.Errorf("failed creating job snapshot: %w", err)
	}

	// Accessing state to update completedSnapshots
	s.stateMu.Lock()

	// When a new checkpoint is finished, all previous checkpoints are obsolete.
	if len(s.state.completedSnapshots) > 0 {
		paths := make([]string, 0, len(s.state.completedSnapshots))
		for _, oldSnap := range s.state.completedSnapshots {
			paths = append(paths, s.checkpointPath(oldSnap.id))
		}

		// Delete the obsolete checkpoints files
		go func() {
			if err := s.fileStore.Remove(paths...); err != nil {
				s.log.Error("failed to remove obsolete checkpoint files", "paths", paths, "err", err)
			}
		}()
	}

	// Reset the completed snapshots to remove obsolete checkpoints
	s.state.completedSnapshots = []*jobSnapshot{snap}
	s.stateMu.Unlock()

	s.log.Info("store wrote checkpoint", "uri", uri)

	if snap.isSavepoint {
		spURI, err := CreateSavepointArtifact(s.fileStore, s.savepointsPath, uri, snap.id)
		if err != nil {
			return "", err
		}
		s.log.Info("store wrote savepoint", "uri", spURI)
	}
	return uri, nil
}

// LoadLatestCheckpoint returns the most recent completed checkpoint, or nil when
// the job has none. Checkpoint IDs created afterwards continue from it.
func (s *Store) LoadLatestCheckpoint() (*Checkpoint, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// For a running job, check memory for checkpoints
	if len(s.state.completedSnapshots) > 0 {
		return s.state.completedSnapshots[len(s.state.completedSnapshots)-1].checkpoint(), nil
	}

	// Savepoints only apply to jobs without checkpoint history.
	paths, err := s.checkpointPaths()
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		snap, err := s.SnapshotForURI(paths[0])
		if err != nil {
			return nil, err
		}
		s.state.checkpointID = snap.ID

		// Checkpoint files of earlier runs are removed once the next
		// checkpoint completes, the same as in-memory ones.
		for _, p := range paths[1:] {
			if id, ok := checkpointIDFromPath(p); ok {
				s.state.completedSnapshots = append(s.state.completedSnapshots, &jobSnapshot{id: id})
			}
		}
		s.state.completedSnapshots = append(s.state.completedSnapshots, &jobSnapshot{id: snap.ID, snapshots: snap.Snapshots})
		return snap, nil
	}

	if s.savepointURI == "" {
		// No checkpoints and no savepoint to start from
		return nil, nil
	}

	snap, err := s.SnapshotForURI(s.savepointURI)
	if err != nil {
		return nil, fmt.Errorf("restore from savepoint: %w", err)
	}
	s.state.checkpointID = snap.ID
	return snap, nil
}

// Checkpoint IDs are encoded so that files are listed in reverse chronological
// order and the first path is the latest.
func (s *Store) checkpointPaths() ([]string, error) {
	prefix := s.checkpointsPath
	if prefix != "" {
		prefix += "/"
	}
	var paths []string
	for filePath, err := range s.fileStore.List() {
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(filePath, prefix) && filepath.Ext(filePath) == ".snapshot" {
			paths = append(paths, filePath)
		}
	}
	return paths, nil
}

func checkpointIDFromPath(p string) (uint64, bool) {
	seg, ok := strings.CutPrefix(filepath.Base(p), "job-")
	if !ok {
		return 0, false
	}
	seg, ok = strings.CutSuffix(seg, ".snapshot")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(seg, 16, 64)
	if err != nil {
		return 0, false
	}
	return math.MaxUint64 - n, true
}

func (s *Store) LatestCheckpointURI() (string, error) {
	paths, err := s.checkpointPaths()
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return s.fileStore.URI(paths[0])
}
