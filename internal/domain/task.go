package domain

import (
	"fmt"
	"net/url"
	"time"
)

// Kind identifies what a transfer task does with its URL.
type Kind string

const (
	KindDownload         Kind = "download"
	KindUpload           Kind = "upload"
	KindDataRequest      Kind = "dataRequest"
	KindParallelDownload Kind = "parallelDownload"
)

// SupportsResume reports whether tasks of this kind can be paused and
// later resumed from a resume token.
func (k Kind) SupportsResume() bool {
	return k == KindDownload || k == KindParallelDownload
}

// IsValid reports whether k is one of the known task kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindDownload, KindUpload, KindDataRequest, KindParallelDownload:
		return true
	}
	return false
}

// Status represents the states a transfer task can be in.
type Status string

const (
	StatusEnqueued       Status = "enqueued"
	StatusRunning        Status = "running"
	StatusPaused         Status = "paused"
	StatusWaitingToRetry Status = "waitingToRetry"
	StatusComplete       Status = "complete"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
	StatusNotFound       Status = "notFound"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCanceled, StatusNotFound:
		return true
	}
	return false
}

// IsLive reports whether a task in this state still counts toward the
// admission ceilings or may yet produce events.
func (s Status) IsLive() bool {
	return !s.IsTerminal()
}

// CanTransition reports whether the state machine permits moving from s to
// next. Terminal states permit nothing; identical states are not a
// transition.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || s == next {
		return false
	}
	switch s {
	case StatusEnqueued:
		return next == StatusRunning || next == StatusCanceled || next == StatusFailed
	case StatusRunning:
		return next != StatusEnqueued
	case StatusPaused:
		return next == StatusEnqueued || next == StatusRunning || next == StatusCanceled
	case StatusWaitingToRetry:
		return next == StatusEnqueued || next == StatusRunning || next == StatusCanceled
	}
	return false
}

// DefaultGroup is assigned to tasks enqueued without an explicit group.
const DefaultGroup = "default"

// ChunkGroup is the reserved group under which the chunk children of a
// parallel download travel through the holding queue.
const ChunkGroup = "chunk"

const (
	MinPriority = 0
	MaxPriority = 10
)

// Task is the core domain entity: one background transfer. Task values are
// treated as immutable once enqueued; patched copies live in the
// orchestrator's modification registry, never in shared state.
type Task struct {
	ID               string            `json:"id"`
	Kind             Kind              `json:"kind"`
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	HTTPMethod       string            `json:"http_method,omitempty"`
	Priority         int               `json:"priority"`
	Group            string            `json:"group"`
	Unmetered        UnmeteredPref     `json:"unmetered,omitempty"`
	RetriesRemaining int               `json:"retries_remaining"`
	Body             string            `json:"body,omitempty"`
	Filename         string            `json:"filename,omitempty"`
	ChunkCount       int               `json:"chunk_count,omitempty"`
	ParentID         string            `json:"parent_id,omitempty"` // set on chunk tasks only
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Host returns the URL host used for per-host admission accounting, or ""
// when the URL does not parse.
func (t *Task) Host() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Clone returns a deep copy; header maps are never shared between the
// orchestrator's registries and snapshots handed to callers.
func (t *Task) Clone() Task {
	c := *t
	if t.Headers != nil {
		c.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// Chunk describes one byte range of a parallel download. The parent task
// never holds chunk pointers; coordinators look chunks up by ID.
type Chunk struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id"`
	RangeStart int64  `json:"range_start"`
	RangeEnd   int64  `json:"range_end"` // inclusive; -1 until the probe resolves it
}

// Size returns the number of bytes the chunk covers, or 0 when the range is
// still open-ended.
func (c Chunk) Size() int64 {
	if c.RangeEnd < 0 {
		return 0
	}
	return c.RangeEnd - c.RangeStart + 1
}

// NotificationConfig selects which state changes of a task produce a
// fire-and-forget notification, with display templates chosen by the host.
type NotificationConfig struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Running  bool   `json:"running,omitempty"`
	Complete bool   `json:"complete,omitempty"`
	Error    bool   `json:"error,omitempty"`
	Paused   bool   `json:"paused,omitempty"`
}

// EnqueueRequest carries everything the host submits for one task.
type EnqueueRequest struct {
	Task         Task                `json:"task"`
	Notification *NotificationConfig `json:"notification,omitempty"`
	Resume       *ResumeToken        `json:"resume,omitempty"`
}

// Validate normalizes defaults (method, group, priority) and rejects
// requests the orchestrator must never accept.
func (r *EnqueueRequest) Validate() error {
	t := &r.Task
	if t.ID == "" {
		return &InvalidRequestError{Reason: "task id is required"}
	}
	if !t.Kind.IsValid() {
		return &InvalidRequestError{Reason: fmt.Sprintf("unknown task kind %q", t.Kind)}
	}
	u, err := url.Parse(t.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &InvalidRequestError{Reason: fmt.Sprintf("url %q is not an absolute URL", t.URL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &InvalidRequestError{Reason: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return &InvalidRequestError{Reason: fmt.Sprintf("priority %d outside [%d, %d]", t.Priority, MinPriority, MaxPriority)}
	}
	if t.ChunkCount < 0 {
		return &InvalidRequestError{Reason: "chunk count must not be negative"}
	}
	if t.RetriesRemaining < 0 {
		return &InvalidRequestError{Reason: "retries must not be negative"}
	}
	if t.HTTPMethod == "" {
		t.HTTPMethod = defaultMethod(t.Kind)
	}
	if t.Group == "" {
		t.Group = DefaultGroup
	}
	if t.Unmetered == "" {
		t.Unmetered = PrefUseGlobal
	} else if !t.Unmetered.IsValid() {
		return &InvalidRequestError{Reason: fmt.Sprintf("unknown unmetered preference %q", t.Unmetered)}
	}
	if r.Resume != nil {
		if err := r.Resume.Validate(); err != nil {
			return &InvalidRequestError{Reason: err.Error()}
		}
		if !t.Kind.SupportsResume() {
			return &ResumeUnsupportedError{Kind: t.Kind}
		}
	}
	return nil
}

func defaultMethod(k Kind) string {
	switch k {
	case KindUpload:
		return "POST"
	default:
		return "GET"
	}
}
