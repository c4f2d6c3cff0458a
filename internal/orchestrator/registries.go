package orchestrator

import (
	"sync"
	"time"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// activeRegistry tracks tasks handed to the transfer layer, chunk tasks
// included. Each registry guards its map with its own lock and nothing
// else; no lock is ever held across a call into another component.
type activeRegistry struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newActiveRegistry() *activeRegistry {
	return &activeRegistry{tasks: make(map[string]*domain.Task)}
}

func (r *activeRegistry) put(t domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = &t
}

func (r *activeRegistry) get(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

func (r *activeRegistry) update(id string, fn func(*domain.Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

func (r *activeRegistry) remove(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	delete(r.tasks, id)
	return t.Clone(), true
}

func (r *activeRegistry) snapshot() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

type pausedEntry struct {
	task  domain.Task
	token *domain.ResumeToken
}

// pausedRegistry holds paused tasks with the resume tokens they paused
// into. A host re-enqueue or a cancel empties the slot.
type pausedRegistry struct {
	mu      sync.Mutex
	entries map[string]pausedEntry
}

func newPausedRegistry() *pausedRegistry {
	return &pausedRegistry{entries: make(map[string]pausedEntry)}
}

func (r *pausedRegistry) put(t domain.Task, token *domain.ResumeToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.ID] = pausedEntry{task: t.Clone(), token: token}
}

func (r *pausedRegistry) get(id string) (pausedEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *pausedRegistry) remove(id string) (pausedEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

func (r *pausedRegistry) snapshot() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.task.Clone())
	}
	return out
}

// retryRegistry owns the waitingToRetry timers plus a per-task attempt
// counter that survives across consecutive retry rounds.
type retryRegistry struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	timers   map[string]*time.Timer
	attempts map[string]int
}

func newRetryRegistry() *retryRegistry {
	return &retryRegistry{
		tasks:    make(map[string]domain.Task),
		timers:   make(map[string]*time.Timer),
		attempts: make(map[string]int),
	}
}

func (r *retryRegistry) bumpAttempt(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id]++
	return r.attempts[id]
}

func (r *retryRegistry) clearAttempts(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, id)
}

// schedule arms a timer that hands the task back to fire. A previous timer
// for the same ID is stopped first.
func (r *retryRegistry) schedule(t domain.Task, delay time.Duration, fire func(domain.Task)) {
	r.mu.Lock()
	if old, ok := r.timers[t.ID]; ok {
		old.Stop()
	}
	r.tasks[t.ID] = t.Clone()
	r.timers[t.ID] = time.AfterFunc(delay, func() {
		if task, ok := r.take(t.ID); ok {
			fire(task)
		}
	})
	r.mu.Unlock()
}

func (r *retryRegistry) take(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	delete(r.tasks, id)
	delete(r.timers, id)
	return t, true
}

// cancel stops a pending retry and returns its task.
func (r *retryRegistry) cancel(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
	}
	delete(r.tasks, id)
	delete(r.timers, id)
	delete(r.attempts, id)
	return t, true
}

func (r *retryRegistry) get(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

func (r *retryRegistry) snapshot() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

func (r *retryRegistry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// noteRegistry keeps the notification config a task was enqueued with until
// its terminal event is processed.
type noteRegistry struct {
	mu      sync.Mutex
	configs map[string]domain.NotificationConfig
}

func newNoteRegistry() *noteRegistry {
	return &noteRegistry{configs: make(map[string]domain.NotificationConfig)}
}

func (r *noteRegistry) put(id string, cfg domain.NotificationConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[id] = cfg
}

func (r *noteRegistry) get(id string) (domain.NotificationConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

func (r *noteRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
}
