package jobs

import (
	"fmt"
	"sync/atomic"
)

// status represents the current state of a Job's lifecycle
type status uint32

const (
	// StatusInit indicates the job has been created but not restored yet
	StatusInit status = iota

	// StatusRunning indicates the job accepts rows and checkpoints
	StatusRunning

	// StatusFinished indicates the input ended and every partition was committed
	StatusFinished

	// StatusFailed indicates a checkpoint failed and the job must be restarted
	// from its last completed checkpoint
	StatusFailed
)

// String returns a human-readable representation of the Status
func (s status) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusRunning:
		return "Running"
	case StatusFinished:
		return "Finished"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// jobStatus manages atomic status transitions for a Job
type jobStatus struct {
	status atomic.Uint32
}

func newJobStatus() *jobStatus {
	s := &jobStatus{}
	s.status.Store(uint32(StatusInit))
	return s
}

func (s *jobStatus) Value() status {
	return status(s.status.Load())
}

func (s *jobStatus) Set(value status) {
	s.status.Store(uint32(value))
}

// String returns the string representation of the current status
func (s *jobStatus) String() string {
	return status(s.status.Load()).String()
}
