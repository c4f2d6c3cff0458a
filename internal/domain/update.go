package domain

import (
	"fmt"
	"time"
)

// ErrorKind classifies why a transfer failed.
type ErrorKind string

const (
	ErrKindInvalidRequest ErrorKind = "invalidRequest"
	ErrKindNotFound       ErrorKind = "notFound"
	ErrKindConnection     ErrorKind = "connection"
	ErrKindHTTPResponse   ErrorKind = "httpResponse"
	ErrKindFileSystem     ErrorKind = "fileSystem"
	ErrKindResume         ErrorKind = "resumeUnsupported"
	ErrKindChunkFailed    ErrorKind = "chunkFailed"
	ErrKindGeneral        ErrorKind = "general"
)

// TaskError is the host-visible failure detail attached to a failed status
// update. HTTPStatus is zero unless the server answered.
type TaskError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
}

func (e *TaskError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StatusUpdate is one of the two host-visible event kinds: a state-machine
// transition for one task. ResponseBody is set for dataRequest tasks on
// their final update; Filename carries a server-resolved name when one was
// discovered mid-transfer.
type StatusUpdate struct {
	TaskID       string     `json:"task_id"`
	Status       Status     `json:"status"`
	Error        *TaskError `json:"error,omitempty"`
	ResponseBody string     `json:"response_body,omitempty"`
	Filename     string     `json:"filename,omitempty"`
	At           time.Time  `json:"at"`
}

// ProgressUpdate is the other host-visible event kind. Fraction is in
// [0, 1] and never moves backward for a given task.
type ProgressUpdate struct {
	TaskID     string    `json:"task_id"`
	Fraction   float64   `json:"fraction"`
	BytesDone  int64     `json:"bytes_done"`
	TotalBytes int64     `json:"total_bytes"`
	At         time.Time `json:"at"`
}
