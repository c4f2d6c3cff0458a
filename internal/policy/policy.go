// Package policy holds the process-wide transport constraint: whether
// transfers must wait for an unmetered network. Tasks carry their own
// preference; only those deferring to the global default are affected
// when it changes.
package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/pkg/telemetry"
)

// Rescheduler moves active tasks back through admission so a policy change
// can take effect on transfers already in flight. Implementations pause
// each affected task, keep its resume token, and re-enqueue it.
type Rescheduler interface {
	RescheduleActive(ctx context.Context) int
}

// Reconciler applies policy changes live. Safe for concurrent use; the
// rescheduler is never called under the lock.
type Reconciler struct {
	logger  *slog.Logger
	resched Rescheduler

	mu      sync.RWMutex
	current domain.NetworkPolicy
}

// New creates a Reconciler starting from the given policy.
func New(initial domain.NetworkPolicy, resched Rescheduler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger:  logger.With(slog.String("component", "policy")),
		resched: resched,
		current: initial,
	}
}

// Get returns the current global policy.
func (r *Reconciler) Get() domain.NetworkPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Set replaces the global policy. Tasks still waiting for admission pick up
// the new constraint on their way out; with rescheduleRunning set, active
// tasks that follow the global default are paused and re-enqueued so the
// new constraint applies to them too. Explicit per-task preferences are
// never altered.
func (r *Reconciler) Set(ctx context.Context, p domain.NetworkPolicy, rescheduleRunning bool) {
	r.mu.Lock()
	changed := r.current != p
	r.current = p
	r.mu.Unlock()

	r.logger.Info("network policy updated",
		slog.Bool("require_unmetered", p.RequireUnmetered),
		slog.Bool("changed", changed),
		slog.Bool("reschedule_running", rescheduleRunning))

	if !rescheduleRunning {
		return
	}
	n := r.resched.RescheduleActive(ctx)
	if n > 0 {
		telemetry.PolicyReschedulesTotal.Add(float64(n))
		r.logger.Info("active tasks rescheduled", slog.Int("count", n))
	}
}
