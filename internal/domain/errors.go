package domain

import "fmt"

// InvalidRequestError is returned when an enqueue request is malformed and
// nothing was queued.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// TaskNotFoundError is returned when a task ID does not exist in any live
// registry.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// DuplicateTaskError is returned when a task ID is already waiting, active,
// or paused.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already enqueued", e.TaskID)
}

// ResumeUnsupportedError is returned when a resume token accompanies a task
// kind that cannot resume; callers fall back to a fresh start.
type ResumeUnsupportedError struct {
	Kind Kind
}

func (e *ResumeUnsupportedError) Error() string {
	return fmt.Sprintf("task kind %q does not support resume", e.Kind)
}

// ChunkOrphanError is returned when a chunk event references a parent the
// coordinator is not tracking.
type ChunkOrphanError struct {
	ParentID string
	ChunkID  string
}

func (e *ChunkOrphanError) Error() string {
	return fmt.Sprintf("chunk %s references unknown parent %s", e.ChunkID, e.ParentID)
}

// QueueConfigError is returned when holding-queue limits are rejected
// synchronously.
type QueueConfigError struct {
	Reason string
}

func (e *QueueConfigError) Error() string {
	return fmt.Sprintf("invalid queue limits: %s", e.Reason)
}
