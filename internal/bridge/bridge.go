// Package bridge moves task updates from the orchestrator to the host:
// pushed to the attached listener when one is live, durably buffered for a
// later pop when none is. Per task and update kind the buffer keeps the
// latest value only.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/monoblaine/background-downloader/internal/domain"
	redisstore "github.com/monoblaine/background-downloader/internal/redis"
	"github.com/monoblaine/background-downloader/pkg/telemetry"
)

// Listener receives pushed updates. A non-nil error tells the bridge the
// host did not take delivery and the update must be buffered instead.
type Listener interface {
	OnStatus(ctx context.Context, u domain.StatusUpdate) error
	OnProgress(ctx context.Context, u domain.ProgressUpdate) error
}

const defaultProgressInterval = 250 * time.Millisecond

// Bridge is safe for concurrent use by the event pump, the coordinator,
// and the REST surface.
type Bridge struct {
	store  redisstore.BufferStore
	logger *slog.Logger

	mu       sync.Mutex
	listener Listener

	progressMu       sync.Mutex
	lastProgressSent map[string]time.Time
	progressInterval time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithProgressInterval sets the per-task floor between delivered progress
// updates. Fractions 0 and 1 always pass.
func WithProgressInterval(d time.Duration) Option {
	return func(b *Bridge) { b.progressInterval = d }
}

// WithListener attaches an initial listener.
func WithListener(l Listener) Option {
	return func(b *Bridge) { b.listener = l }
}

// New creates a Bridge backed by the given durable buffer store.
func New(store redisstore.BufferStore, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		store:            store,
		logger:           logger.With(slog.String("component", "bridge")),
		lastProgressSent: make(map[string]time.Time),
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach makes l the host's active listener, replacing any previous one.
func (b *Bridge) Attach(l Listener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// Detach removes the active listener; subsequent updates buffer durably.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.listener = nil
	b.mu.Unlock()
}

func (b *Bridge) currentListener() Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

// PublishStatus delivers a status update, falling back to the durable
// buffer. Status updates are never coalesced.
func (b *Bridge) PublishStatus(ctx context.Context, u domain.StatusUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if u.Status.IsTerminal() {
		b.progressMu.Lock()
		delete(b.lastProgressSent, u.TaskID)
		b.progressMu.Unlock()
	}

	if l := b.currentListener(); l != nil {
		err := l.OnStatus(ctx, u)
		if err == nil {
			telemetry.UpdatesDeliveredTotal.WithLabelValues("status").Inc()
			return nil
		}
		b.logger.Warn("listener rejected status update, buffering",
			slog.String("task_id", u.TaskID),
			slog.String("status", string(u.Status)),
			slog.String("error", err.Error()))
	}

	if err := b.store.PutStatus(ctx, u); err != nil {
		b.logger.Error("buffering status update failed",
			slog.String("task_id", u.TaskID),
			slog.String("error", err.Error()))
		return err
	}
	telemetry.UpdatesBufferedTotal.WithLabelValues("status").Inc()
	return nil
}

// PublishProgress delivers a progress update subject to per-task
// coalescing, falling back to the durable buffer.
func (b *Bridge) PublishProgress(ctx context.Context, u domain.ProgressUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if !b.admitProgress(u) {
		telemetry.ProgressCoalescedTotal.Inc()
		return nil
	}

	if l := b.currentListener(); l != nil {
		err := l.OnProgress(ctx, u)
		if err == nil {
			telemetry.UpdatesDeliveredTotal.WithLabelValues("progress").Inc()
			return nil
		}
		b.logger.Warn("listener rejected progress update, buffering",
			slog.String("task_id", u.TaskID),
			slog.String("error", err.Error()))
	}

	if err := b.store.PutProgress(ctx, u); err != nil {
		b.logger.Error("buffering progress update failed",
			slog.String("task_id", u.TaskID),
			slog.String("error", err.Error()))
		return err
	}
	telemetry.UpdatesBufferedTotal.WithLabelValues("progress").Inc()
	return nil
}

// admitProgress applies the per-task rate limit. Boundary fractions always
// pass so the host sees starts and finishes exactly.
func (b *Bridge) admitProgress(u domain.ProgressUpdate) bool {
	if u.Fraction <= 0 || u.Fraction >= 1 {
		return true
	}
	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	now := time.Now()
	if last, ok := b.lastProgressSent[u.TaskID]; ok && now.Sub(last) < b.progressInterval {
		return false
	}
	b.lastProgressSent[u.TaskID] = now
	return true
}

// StoreResumeToken buffers a resume token durably. Tokens are never pushed;
// the host collects them with PopResumeTokens, and they must survive
// restarts for resume to work at all.
func (b *Bridge) StoreResumeToken(ctx context.Context, taskID string, tok domain.ResumeToken) error {
	if err := b.store.PutResumeToken(ctx, taskID, tok); err != nil {
		b.logger.Error("buffering resume token failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return err
	}
	telemetry.UpdatesBufferedTotal.WithLabelValues("resume").Inc()
	return nil
}

// PopStatuses returns and clears every buffered status update.
func (b *Bridge) PopStatuses(ctx context.Context) (map[string]domain.StatusUpdate, error) {
	telemetry.BufferPopsTotal.WithLabelValues("status").Inc()
	return b.store.PopStatuses(ctx)
}

// PopProgress returns and clears every buffered progress update.
func (b *Bridge) PopProgress(ctx context.Context) (map[string]domain.ProgressUpdate, error) {
	telemetry.BufferPopsTotal.WithLabelValues("progress").Inc()
	return b.store.PopProgress(ctx)
}

// PopResumeTokens returns and clears every buffered resume token.
func (b *Bridge) PopResumeTokens(ctx context.Context) (map[string]domain.ResumeToken, error) {
	telemetry.BufferPopsTotal.WithLabelValues("resume").Inc()
	return b.store.PopResumeTokens(ctx)
}
