// Package executor is the boundary to the machinery that actually moves
// bytes. The orchestrator submits tasks and consumes one multiplexed event
// stream; it never blocks inside the executor and never receives re-entrant
// callbacks.
package executor

import (
	"context"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// EventType discriminates the two event kinds an executor emits.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
)

// Event is one observation about a submitted task, keyed by task ID. For
// status events the terminal fields (Err, ResponseBody, FilePath) may be
// set; progress events carry the byte counters.
type Event struct {
	TaskID string
	Type   EventType

	Status       domain.Status
	Err          *domain.TaskError
	ResponseBody string
	Filename     string
	FilePath     string

	BytesDone  int64
	TotalBytes int64
	Fraction   float64
}

// ProbeResult is what a metadata probe learned about a URL.
type ProbeResult struct {
	Length       int64
	AcceptRanges bool
	Filename     string
	ETag         string
	ContentType  string
}

// Executor runs transfers. Submit returns once the transfer is accepted;
// everything after that arrives on Events. Cancel stops a running transfer
// and, when collectResume is true and the transfer kind allows it, returns
// the token needed to continue later.
type Executor interface {
	Submit(ctx context.Context, task domain.Task, resume *domain.ResumeToken) error
	Cancel(ctx context.Context, taskID string, collectResume bool) (*domain.ResumeToken, error)
	Probe(ctx context.Context, url string, headers map[string]string) (ProbeResult, error)
	Events() <-chan Event
}
