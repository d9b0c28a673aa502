package work

import "errors"

var (
	ErrNilWork             = errors.New("work: nil work")
	ErrWorkOwnedByWorkflow = errors.New("work: work belongs to a workflow")
	ErrWorkflowNotBuilding = errors.New("work: workflow is not building")
	ErrAlreadyPosted       = errors.New("work: already posted")
	ErrForeignPredecessor  = errors.New("work: predecessor is not part of this workflow")
	ErrCalledFromWorker    = errors.New("work: scheduling call from a pool worker")
	ErrStopped             = errors.New("work: scheduler stopped")
	ErrDuplicateSchedule   = errors.New("work: recurring schedule already exists")
)
