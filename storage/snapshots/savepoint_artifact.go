package snapshots

import (
	"fmt"
	"math"
	"path/filepath"

	"reduction.dev/tablesink/storage/locations"
)

// CreateSavepointArtifact copies a finished checkpoint file into the savepoints
// directory where it is not removed when later checkpoints complete.
func CreateSavepointArtifact(fs locations.StorageLocation, savepointsPath string, checkpointURI string, id uint64) (string, error) {
	savepointDestination := filepath.Join(savepointsPath, pathSegment(id), "job.savepoint")
	if err := fs.Copy(checkpointURI, savepointDestination); err != nil {
		return "", fmt.Errorf("failed copying checkpoint to savepoint storage: %w", err)
	}
	return fs.URI(savepointDestination)
}

// Create a path segment whose lexicographic order is descending such that later
// checkpoints appear first in a file list.
func pathSegment(id uint64) string {
	return fmt.Sprintf("%016x", math.MaxUint64-id)
}
