// Package queue implements the holding queue: tasks wait here until the
// concurrency ceilings admit them, in priority order with arrival order
// breaking ties. Without configured limits the queue is a pass-through.
package queue

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/pkg/telemetry"
)

// Limits are the admission ceilings. Zero disables a ceiling.
type Limits struct {
	MaxConcurrent int `json:"max_concurrent"`
	MaxPerHost    int `json:"max_per_host"`
	MaxPerGroup   int `json:"max_per_group"`
}

// Validate rejects negative ceilings synchronously.
func (l Limits) Validate() error {
	if l.MaxConcurrent < 0 || l.MaxPerHost < 0 || l.MaxPerGroup < 0 {
		return &domain.QueueConfigError{Reason: "ceilings must not be negative"}
	}
	return nil
}

// StartFunc hands an admitted request to the submission path. It is always
// invoked outside the queue lock; the admission decision (counters bumped,
// entry claimed) is already committed when it runs.
type StartFunc func(req domain.EnqueueRequest)

type entry struct {
	req  domain.EnqueueRequest
	seq  uint64
	host string
}

type slot struct {
	host  string
	group string
}

// HoldingQueue is safe for concurrent use.
type HoldingQueue struct {
	logger *slog.Logger
	start  StartFunc

	mu       sync.Mutex
	enabled  bool
	limits   Limits
	waiting  []*entry
	seq      uint64
	admitted map[string]slot
	total    int
	perHost  map[string]int
	perGroup map[string]int
}

// New creates a HoldingQueue in pass-through mode; Configure activates the
// ceilings. start must not be nil.
func New(logger *slog.Logger, start StartFunc) *HoldingQueue {
	return &HoldingQueue{
		logger:   logger.With(slog.String("component", "queue")),
		start:    start,
		admitted: make(map[string]slot),
		perHost:  make(map[string]int),
		perGroup: make(map[string]int),
	}
}

// Configure activates (or re-activates) the ceilings and re-scans. Capacity
// raised by the new limits admits waiting tasks immediately.
func (q *HoldingQueue) Configure(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.enabled = true
	q.limits = l
	claimed := q.admitLocked()
	q.mu.Unlock()

	q.logger.Info("holding queue configured",
		slog.Int("max_concurrent", l.MaxConcurrent),
		slog.Int("max_per_host", l.MaxPerHost),
		slog.Int("max_per_group", l.MaxPerGroup))
	q.startAll(claimed)
	return nil
}

// Disable returns the queue to pass-through mode and flushes everything
// that was waiting.
func (q *HoldingQueue) Disable() {
	q.mu.Lock()
	q.enabled = false
	q.limits = Limits{}
	claimed := q.admitLocked()
	q.mu.Unlock()

	q.logger.Info("holding queue disabled", slog.Int("flushed", len(claimed)))
	q.startAll(claimed)
}

// Add places a request in the waiting list and runs an admission scan. The
// caller has already emitted the task's enqueued status; admission may
// follow immediately or much later.
func (q *HoldingQueue) Add(req domain.EnqueueRequest) {
	q.mu.Lock()
	q.seq++
	en := &entry{req: req, seq: q.seq, host: req.Task.Host()}
	q.insertLocked(en)
	claimed := q.admitLocked()
	q.mu.Unlock()

	q.startAll(claimed)
}

// Release records that a previously admitted task left the active set
// (terminal or paused) and re-scans the freed capacity. Unknown or
// already-released IDs are a no-op.
func (q *HoldingQueue) Release(taskID string) {
	q.mu.Lock()
	s, ok := q.admitted[taskID]
	if ok {
		delete(q.admitted, taskID)
		q.total--
		if q.perHost[s.host]--; q.perHost[s.host] <= 0 {
			delete(q.perHost, s.host)
		}
		if q.perGroup[s.group]--; q.perGroup[s.group] <= 0 {
			delete(q.perGroup, s.group)
		}
	}
	claimed := q.admitLocked()
	q.mu.Unlock()

	q.startAll(claimed)
}

// AdmitEligible runs a manual admission scan, the watchdog entry point.
func (q *HoldingQueue) AdmitEligible() {
	q.mu.Lock()
	claimed := q.admitLocked()
	q.mu.Unlock()

	q.startAll(claimed)
}

// Cancel removes matching waiting entries and returns their requests; the
// caller emits the canceled statuses. Admitted tasks are untouched.
func (q *HoldingQueue) Cancel(ids []string) []domain.EnqueueRequest {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return q.removeWaiting(func(en *entry) bool { return want[en.req.Task.ID] })
}

// CancelGroup removes every waiting entry in the group and returns them.
func (q *HoldingQueue) CancelGroup(group string) []domain.EnqueueRequest {
	return q.removeWaiting(func(en *entry) bool { return en.req.Task.Group == group })
}

func (q *HoldingQueue) removeWaiting(match func(*entry) bool) []domain.EnqueueRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []domain.EnqueueRequest
	kept := q.waiting[:0]
	for _, en := range q.waiting {
		if match(en) {
			removed = append(removed, en.req)
		} else {
			kept = append(kept, en)
		}
	}
	for i := len(kept); i < len(q.waiting); i++ {
		q.waiting[i] = nil
	}
	q.waiting = kept
	telemetry.QueueWaiting.Set(float64(len(q.waiting)))
	return removed
}

// TaskForID returns a copy of a waiting task, if present.
func (q *HoldingQueue) TaskForID(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, en := range q.waiting {
		if en.req.Task.ID == id {
			return en.req.Task.Clone(), true
		}
	}
	return domain.Task{}, false
}

// WaitingTasks returns copies of the waiting tasks, optionally filtered by
// group, in admission order.
func (q *HoldingQueue) WaitingTasks(group string) []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Task
	for _, en := range q.waiting {
		if group == "" || en.req.Task.Group == group {
			out = append(out, en.req.Task.Clone())
		}
	}
	return out
}

// Stats reports the waiting-list length and the admitted count.
func (q *HoldingQueue) Stats() (waiting, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), q.total
}

// insertLocked keeps the waiting list ordered by (priority, arrival).
func (q *HoldingQueue) insertLocked(en *entry) {
	i := sort.Search(len(q.waiting), func(i int) bool {
		w := q.waiting[i]
		if w.req.Task.Priority != en.req.Task.Priority {
			return w.req.Task.Priority > en.req.Task.Priority
		}
		return w.seq > en.seq
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = en
}

// admitLocked is the full admission scan: every waiting task whose ceilings
// have room is claimed, so capacity on one host or group is never starved
// by a blocked higher-priority task on another.
func (q *HoldingQueue) admitLocked() []*entry {
	var claimed []*entry
	kept := q.waiting[:0]
	for _, en := range q.waiting {
		if q.fitsLocked(en) {
			q.claimLocked(en)
			claimed = append(claimed, en)
		} else {
			kept = append(kept, en)
		}
	}
	for i := len(kept); i < len(q.waiting); i++ {
		q.waiting[i] = nil
	}
	q.waiting = kept
	telemetry.QueueWaiting.Set(float64(len(q.waiting)))
	return claimed
}

func (q *HoldingQueue) fitsLocked(en *entry) bool {
	if !q.enabled {
		return true
	}
	if q.limits.MaxConcurrent > 0 && q.total >= q.limits.MaxConcurrent {
		return false
	}
	if q.limits.MaxPerHost > 0 && q.perHost[en.host] >= q.limits.MaxPerHost {
		return false
	}
	if q.limits.MaxPerGroup > 0 && q.perGroup[en.req.Task.Group] >= q.limits.MaxPerGroup {
		return false
	}
	return true
}

func (q *HoldingQueue) claimLocked(en *entry) {
	q.total++
	q.perHost[en.host]++
	q.perGroup[en.req.Task.Group]++
	q.admitted[en.req.Task.ID] = slot{host: en.host, group: en.req.Task.Group}
}

func (q *HoldingQueue) startAll(claimed []*entry) {
	for _, en := range claimed {
		telemetry.QueueAdmittedTotal.WithLabelValues(string(en.req.Task.Kind)).Inc()
		q.start(en.req)
	}
}
