// Package orchestrator hosts the transfer lifecycle: admission through the
// holding queue, execution by the transfer executor, chunk ensembles via
// the parallel coordinator, and update delivery through the bridge. It is
// reactive: host commands and executor events drive it, nothing polls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/monoblaine/background-downloader/internal/bridge"
	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/internal/executor"
	"github.com/monoblaine/background-downloader/internal/notify"
	"github.com/monoblaine/background-downloader/internal/parallel"
	"github.com/monoblaine/background-downloader/internal/policy"
	"github.com/monoblaine/background-downloader/internal/postgres"
	"github.com/monoblaine/background-downloader/internal/queue"
	"github.com/monoblaine/background-downloader/internal/storage"
	"github.com/monoblaine/background-downloader/pkg/retry"
	"github.com/monoblaine/background-downloader/pkg/telemetry"
)

const (
	defaultPauseTimeout = 500 * time.Millisecond
	defaultPartsMaxAge  = 24 * time.Hour

	journalTimeout = 5 * time.Second
	notifyTimeout  = 15 * time.Second
	offloadTimeout = 5 * time.Minute
)

// Config wires the orchestrator's collaborators. Executor, Bridge, Logger,
// and FilesDir are required; the rest default to no-ops.
type Config struct {
	Executor executor.Executor
	Bridge   *bridge.Bridge
	Journal  postgres.Journal
	Notifier notify.Notifier
	Mover    storage.Mover
	Logger   *slog.Logger

	// FilesDir is where parallel downloads are assembled; it matches the
	// executor's finished-files directory.
	FilesDir string

	InitialPolicy domain.NetworkPolicy

	// PauseTimeout bounds how long a pause waits for resume data before
	// giving up on the token. Applies per task and to chunk collection.
	PauseTimeout time.Duration

	// RetryBaseDelay seeds the quadratic retry schedule.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// PartsMaxAge is how old an orphaned part file must be before a
	// maintenance pass removes it.
	PartsMaxAge time.Duration
}

// Orchestrator is the host-facing core. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	exec     executor.Executor
	bridge   *bridge.Bridge
	journal  postgres.Journal
	notifier notify.Notifier
	mover    storage.Mover
	logger   *slog.Logger

	queue  *queue.HoldingQueue
	coord  *parallel.Coordinator
	policy *policy.Reconciler

	active  *activeRegistry
	paused  *pausedRegistry
	retries *retryRegistry
	notes   *noteRegistry

	retryCfg     retry.Config
	pauseTimeout time.Duration
	partsMaxAge  time.Duration
}

var (
	_ parallel.Transport = (*Orchestrator)(nil)
	_ parallel.Admitter  = (*Orchestrator)(nil)
	_ parallel.Reporter  = (*Orchestrator)(nil)
	_ policy.Rescheduler = (*Orchestrator)(nil)
)

// New builds an Orchestrator and its holding queue, coordinator, and policy
// reconciler. Run must be called before any task can finish.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Executor == nil || cfg.Bridge == nil || cfg.Logger == nil {
		return nil, errors.New("orchestrator: executor, bridge, and logger are required")
	}
	if cfg.FilesDir == "" {
		return nil, errors.New("orchestrator: files dir is required")
	}
	if cfg.Journal == nil {
		cfg.Journal = postgres.Nop()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop()
	}
	if cfg.Mover == nil {
		cfg.Mover = storage.Nop()
	}
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = defaultPauseTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.PartsMaxAge <= 0 {
		cfg.PartsMaxAge = defaultPartsMaxAge
	}

	o := &Orchestrator{
		exec:         cfg.Executor,
		bridge:       cfg.Bridge,
		journal:      cfg.Journal,
		notifier:     cfg.Notifier,
		mover:        cfg.Mover,
		logger:       cfg.Logger.With(slog.String("component", "orchestrator")),
		active:       newActiveRegistry(),
		paused:       newPausedRegistry(),
		retries:      newRetryRegistry(),
		notes:        newNoteRegistry(),
		retryCfg:     retry.Config{BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay},
		pauseTimeout: cfg.PauseTimeout,
		partsMaxAge:  cfg.PartsMaxAge,
	}
	o.queue = queue.New(cfg.Logger, o.startAdmitted)
	o.coord = parallel.New(o, o, o, cfg.FilesDir, cfg.Logger, parallel.WithPauseTimeout(cfg.PauseTimeout))
	o.policy = policy.New(cfg.InitialPolicy, o, cfg.Logger)
	return o, nil
}

// Run consumes the executor's event stream until ctx is canceled. Exactly
// one Run per Orchestrator.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.exec.Events():
			switch ev.Type {
			case executor.EventStatus:
				o.onExecStatus(ev)
			case executor.EventProgress:
				o.onExecProgress(ev)
			}
		}
	}
}

// ── host commands ─────────────────────────────────────────────

// Enqueue validates and admits one task. The enqueued status is emitted
// before the task enters the holding queue; the actual start may follow
// immediately or much later.
func (o *Orchestrator) Enqueue(ctx context.Context, req domain.EnqueueRequest) error {
	// An unusable resume token falls back to a fresh start, never an error.
	if req.Resume != nil {
		switch {
		case req.Resume.Validate() != nil, !req.Task.Kind.SupportsResume():
			o.logger.Warn("discarding unusable resume token",
				slog.String("task_id", req.Task.ID), slog.String("kind", string(req.Task.Kind)))
			req.Resume = nil
		case req.Resume.IsChunked() != (req.Task.Kind == domain.KindParallelDownload):
			o.logger.Warn("resume token kind mismatch, starting fresh",
				slog.String("task_id", req.Task.ID), slog.String("kind", string(req.Task.Kind)))
			req.Resume = nil
		}
	}

	if err := req.Validate(); err != nil {
		return err
	}
	task := req.Task

	if o.isTracked(task.ID) {
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	// A paused task's re-enqueue supersedes its paused slot.
	o.paused.remove(task.ID)

	task.Status = domain.StatusEnqueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if req.Notification != nil {
		o.notes.put(task.ID, *req.Notification)
	}

	o.journalEnqueue(&task)
	telemetry.TasksEnqueuedTotal.WithLabelValues(string(task.Kind)).Inc()
	o.publishStatus(ctx, task, nil, "")

	req.Task = task
	o.queue.Add(req)
	return nil
}

// EnqueueAll admits a batch, one result per input in input order.
func (o *Orchestrator) EnqueueAll(ctx context.Context, reqs []domain.EnqueueRequest) []bool {
	return applyEach(ctx, reqs, func(ctx context.Context, req domain.EnqueueRequest) bool {
		if err := o.Enqueue(ctx, req); err != nil {
			o.logger.Warn("batch enqueue rejected",
				slog.String("task_id", req.Task.ID), slog.String("error", err.Error()))
			return false
		}
		return true
	})
}

// Pause stops an active resumable task and parks it with its resume token.
// Completion is reported only once the transfer layer confirms the token
// or the pause timeout passes, whichever is first.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	if o.coord.IsParent(id) {
		task, ok := o.active.get(id)
		if !ok {
			return &domain.TaskNotFoundError{TaskID: id}
		}
		token, err := o.coord.Pause(ctx, id)
		if err != nil {
			return err
		}
		o.detachActive(task)
		o.finishPause(ctx, task, token)
		return nil
	}

	task, ok := o.active.get(id)
	if !ok || task.Group == domain.ChunkGroup {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if !task.Kind.SupportsResume() {
		return &domain.InvalidRequestError{Reason: fmt.Sprintf("%s tasks cannot be paused", task.Kind)}
	}

	cctx, cancel := context.WithTimeout(ctx, o.pauseTimeout)
	defer cancel()
	token, err := o.exec.Cancel(cctx, id, true)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			// Finished in the meantime; its terminal event wins.
			return err
		}
		// The transfer is already stopping; only the token is lost.
		o.logger.Warn("pause timed out collecting resume data", slog.String("task_id", id))
		token = nil
	}
	o.detachActive(task)
	o.finishPause(ctx, task, token)
	return nil
}

// PauseAll pauses a batch, one result per input in input order.
func (o *Orchestrator) PauseAll(ctx context.Context, ids []string) []bool {
	return applyEach(ctx, ids, func(ctx context.Context, id string) bool {
		if err := o.Pause(ctx, id); err != nil {
			o.logger.Debug("pause rejected",
				slog.String("task_id", id), slog.String("error", err.Error()))
			return false
		}
		return true
	})
}

// CancelTasksWithIDs cancels each task independently: waiting-list removals
// commit first, then active transfers, retry timers, and paused slots.
// Canceling an unknown or already-terminal ID yields false, never an error.
func (o *Orchestrator) CancelTasksWithIDs(ctx context.Context, ids []string) []bool {
	results := make([]bool, len(ids))

	removed := make(map[string]domain.EnqueueRequest)
	for _, req := range o.queue.Cancel(ids) {
		removed[req.Task.ID] = req
	}
	for i, id := range ids {
		if req, ok := removed[id]; ok {
			o.finishTask(ctx, req.Task, domain.StatusCanceled, nil, "", "", "", false)
			results[i] = true
		}
	}

	rest := applyEach(ctx, ids, func(ctx context.Context, id string) bool {
		if _, ok := removed[id]; ok {
			return false // already handled above
		}
		return o.cancelOne(ctx, id)
	})
	for i := range results {
		results[i] = results[i] || rest[i]
	}
	return results
}

// CancelGroup cancels every live task in the group and reports how many it
// reached. Waiting-list removals commit before active cancels.
func (o *Orchestrator) CancelGroup(ctx context.Context, group string) int {
	count := 0
	for _, req := range o.queue.CancelGroup(group) {
		o.finishTask(ctx, req.Task, domain.StatusCanceled, nil, "", "", "", false)
		count++
	}

	var ids []string
	for _, t := range o.active.snapshot() {
		if t.Group == group && t.Group != domain.ChunkGroup {
			ids = append(ids, t.ID)
		}
	}
	for _, t := range o.retries.snapshot() {
		if t.Group == group {
			ids = append(ids, t.ID)
		}
	}
	for _, t := range o.paused.snapshot() {
		if t.Group == group {
			ids = append(ids, t.ID)
		}
	}
	for _, ok := range applyEach(ctx, ids, o.cancelOne) {
		if ok {
			count++
		}
	}
	return count
}

func (o *Orchestrator) cancelOne(ctx context.Context, id string) bool {
	if task, ok := o.retries.cancel(id); ok {
		o.finishTask(ctx, task, domain.StatusCanceled, nil, "", "", "", false)
		return true
	}
	if entry, ok := o.paused.remove(id); ok {
		o.finishTask(ctx, entry.task, domain.StatusCanceled, nil, "", "", "", false)
		return true
	}
	if o.coord.IsParent(id) {
		task, ok := o.active.get(id)
		if !ok {
			return false
		}
		if err := o.coord.Cancel(ctx, id); err != nil {
			return false
		}
		o.detachActive(task)
		o.finishTask(ctx, task, domain.StatusCanceled, nil, "", "", "", true)
		return true
	}
	task, ok := o.active.get(id)
	if !ok || task.Group == domain.ChunkGroup {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, o.pauseTimeout)
	defer cancel()
	if _, err := o.exec.Cancel(cctx, id, false); err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			// Already finished; the terminal event owns the outcome.
			return false
		}
		// Timed out waiting for the stop to confirm; it is stopping anyway.
		o.logger.Warn("cancel confirmation timed out", slog.String("task_id", id))
	}
	o.detachActive(task)
	o.finishTask(ctx, task, domain.StatusCanceled, nil, "", "", "", true)
	return true
}

// TaskForID returns a live task (waiting, active, paused, or in a retry
// delay) by ID. Chunk tasks are internal and never surfaced.
func (o *Orchestrator) TaskForID(id string) (domain.Task, bool) {
	if task, ok := o.queue.TaskForID(id); ok && task.Group != domain.ChunkGroup {
		return task, true
	}
	if task, ok := o.active.get(id); ok && task.Group != domain.ChunkGroup {
		return task, true
	}
	if entry, ok := o.paused.get(id); ok {
		return entry.task.Clone(), true
	}
	if task, ok := o.retries.get(id); ok {
		return task, true
	}
	return domain.Task{}, false
}

// AllTasks lists every live task, optionally filtered by group.
func (o *Orchestrator) AllTasks(group string) []domain.Task {
	var out []domain.Task
	keep := func(t domain.Task) bool {
		return t.Group != domain.ChunkGroup && (group == "" || t.Group == group)
	}
	for _, t := range o.queue.WaitingTasks(group) {
		if keep(t) {
			out = append(out, t)
		}
	}
	for _, t := range o.active.snapshot() {
		if keep(t) {
			out = append(out, t)
		}
	}
	for _, t := range o.paused.snapshot() {
		if keep(t) {
			out = append(out, t)
		}
	}
	for _, t := range o.retries.snapshot() {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// SetNetworkPolicy swaps the global transport constraint, optionally
// rescheduling active tasks that follow the global default.
func (o *Orchestrator) SetNetworkPolicy(ctx context.Context, p domain.NetworkPolicy, rescheduleRunning bool) {
	o.policy.Set(ctx, p, rescheduleRunning)
}

// GetNetworkPolicy returns the global transport constraint.
func (o *Orchestrator) GetNetworkPolicy() domain.NetworkPolicy {
	return o.policy.Get()
}

// ConfigureHoldingQueue activates the admission ceilings.
func (o *Orchestrator) ConfigureHoldingQueue(l queue.Limits) error {
	return o.queue.Configure(l)
}

// DisableHoldingQueue returns admission to pass-through.
func (o *Orchestrator) DisableHoldingQueue() {
	o.queue.Disable()
}

// ChunkStatusUpdate feeds one chunk status into the parent derivation.
func (o *Orchestrator) ChunkStatusUpdate(parentID, chunkID string, status domain.Status, terr *domain.TaskError, body, partPath string) {
	o.coord.OnChunkStatus(parentID, chunkID, status, terr, body, partPath)
}

// ChunkProgressUpdate feeds one chunk fraction into the parent aggregation.
func (o *Orchestrator) ChunkProgressUpdate(parentID, chunkID string, fraction float64) {
	o.coord.OnChunkProgress(parentID, chunkID, fraction)
}

// PopBufferedStatuses drains the durable status buffer.
func (o *Orchestrator) PopBufferedStatuses(ctx context.Context) (map[string]domain.StatusUpdate, error) {
	return o.bridge.PopStatuses(ctx)
}

// PopBufferedProgress drains the durable progress buffer.
func (o *Orchestrator) PopBufferedProgress(ctx context.Context) (map[string]domain.ProgressUpdate, error) {
	return o.bridge.PopProgress(ctx)
}

// PopBufferedResumeTokens drains the durable resume-token buffer.
func (o *Orchestrator) PopBufferedResumeTokens(ctx context.Context) (map[string]domain.ResumeToken, error) {
	return o.bridge.PopResumeTokens(ctx)
}

// Stats summarizes the live registries for readiness and maintenance logs.
func (o *Orchestrator) Stats() (waiting, running, paused, retrying int) {
	waiting, running = o.queue.Stats()
	return waiting, running, len(o.paused.snapshot()), o.retries.pendingCount()
}

// Maintain runs one housekeeping pass: an admission watchdog scan plus
// stale part-file cleanup.
func (o *Orchestrator) Maintain(ctx context.Context) {
	o.queue.AdmitEligible()

	pruned := 0
	if pruner, ok := o.exec.(interface {
		PruneParts(olderThan time.Duration) (int, error)
	}); ok {
		n, err := pruner.PruneParts(o.partsMaxAge)
		if err != nil {
			o.logger.Warn("part cleanup failed", slog.String("error", err.Error()))
		}
		pruned = n
	}

	waiting, running, pausedCount, retrying := o.Stats()
	o.logger.Info("maintenance pass",
		slog.Int("waiting", waiting),
		slog.Int("running", running),
		slog.Int("paused", pausedCount),
		slog.Int("retrying", retrying),
		slog.Int("parts_pruned", pruned))
}

// ── admission ─────────────────────────────────────────────────

// startAdmitted receives requests the holding queue admitted. It runs
// outside the queue lock.
func (o *Orchestrator) startAdmitted(req domain.EnqueueRequest) {
	task := req.Task
	o.active.put(task)
	if task.Group != domain.ChunkGroup {
		telemetry.TasksInFlight.WithLabelValues(string(task.Kind)).Inc()
	}
	o.logger.Info("task admitted",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("group", task.Group),
		slog.Bool("requires_unmetered", task.RequiresUnmetered(o.policy.Get())))

	if task.Kind == domain.KindParallelDownload {
		if req.Resume.IsChunked() {
			chunked := req.Resume.Chunked
			go func() {
				if err := o.coord.Resume(context.Background(), task, chunked); err != nil {
					o.logger.Warn("parallel resume unusable, restarting",
						slog.String("task_id", task.ID), slog.String("error", err.Error()))
					o.coord.Start(context.Background(), task)
				}
			}()
		} else {
			go o.coord.Start(context.Background(), task)
		}
		return
	}

	if err := o.exec.Submit(context.Background(), task, req.Resume); err != nil {
		o.logger.Error("submit failed",
			slog.String("task_id", task.ID), slog.String("error", err.Error()))
		terr := &domain.TaskError{Kind: domain.ErrKindGeneral, Message: err.Error()}
		if task.Group == domain.ChunkGroup {
			o.active.remove(task.ID)
			o.queue.Release(task.ID)
			o.coord.OnChunkStatus(task.ParentID, task.ID, domain.StatusFailed, terr, "", "")
			return
		}
		o.detachActive(task)
		o.finishTask(context.Background(), task, domain.StatusFailed, terr, "", "", "", true)
	}
}

// ── executor events ───────────────────────────────────────────

func (o *Orchestrator) onExecStatus(ev executor.Event) {
	task, ok := o.active.get(ev.TaskID)
	if !ok {
		// Canceled or paused concurrently; the command path owns the outcome.
		o.logger.Debug("status for untracked task", slog.String("task_id", ev.TaskID))
		return
	}
	if task.Group == domain.ChunkGroup {
		o.onChunkStatus(task, ev)
		return
	}

	ctx := context.Background()
	switch {
	case ev.Status == domain.StatusRunning:
		if ev.Filename != "" {
			task.Filename = ev.Filename
		}
		task.Status = domain.StatusRunning
		o.active.update(task.ID, func(t *domain.Task) {
			t.Status = domain.StatusRunning
			if ev.Filename != "" {
				t.Filename = ev.Filename
			}
		})
		o.journalTransition(task.ID, domain.StatusRunning, nil)
		o.publishStatus(ctx, task, nil, "")
		o.notifyStatus(task, domain.StatusRunning, nil)

	case ev.Status == domain.StatusFailed && task.RetriesRemaining > 0:
		o.detachActive(task)
		o.scheduleRetry(ctx, task, ev.Err)

	case ev.Status.IsTerminal():
		o.detachActive(task)
		o.finishTask(ctx, task, ev.Status, ev.Err, ev.ResponseBody, ev.Filename, ev.FilePath, true)

	default:
		o.logger.Warn("unexpected executor status",
			slog.String("task_id", ev.TaskID), slog.String("status", string(ev.Status)))
	}
}

func (o *Orchestrator) onChunkStatus(task domain.Task, ev executor.Event) {
	switch {
	case ev.Status == domain.StatusRunning:
		o.active.update(task.ID, func(t *domain.Task) { t.Status = domain.StatusRunning })
		o.coord.OnChunkStatus(task.ParentID, task.ID, domain.StatusRunning, nil, "", "")

	case ev.Status == domain.StatusFailed && task.RetriesRemaining > 0:
		o.active.remove(task.ID)
		o.queue.Release(task.ID)
		o.scheduleRetry(context.Background(), task, ev.Err)

	case ev.Status.IsTerminal():
		o.active.remove(task.ID)
		o.queue.Release(task.ID)
		o.retries.clearAttempts(task.ID)
		o.journalTransition(task.ID, ev.Status, ev.Err)
		o.coord.OnChunkStatus(task.ParentID, task.ID, ev.Status, ev.Err, ev.ResponseBody, ev.FilePath)
	}
}

func (o *Orchestrator) onExecProgress(ev executor.Event) {
	task, ok := o.active.get(ev.TaskID)
	if !ok {
		return
	}
	if task.Group == domain.ChunkGroup {
		o.coord.OnChunkProgress(task.ParentID, task.ID, ev.Fraction)
		return
	}
	_ = o.bridge.PublishProgress(context.Background(), domain.ProgressUpdate{
		TaskID:     ev.TaskID,
		Fraction:   ev.Fraction,
		BytesDone:  ev.BytesDone,
		TotalBytes: ev.TotalBytes,
	})
}

// ── parallel coordinator callbacks ────────────────────────────

// Probe implements parallel.Transport.
func (o *Orchestrator) Probe(ctx context.Context, url string, headers map[string]string) (executor.ProbeResult, error) {
	return o.exec.Probe(ctx, url, headers)
}

// CancelChunk implements parallel.Transport: it stops a chunk wherever it
// currently lives, be that the waiting list, a retry delay, or the executor.
func (o *Orchestrator) CancelChunk(ctx context.Context, chunkID string, collectResume bool) (*domain.ResumeToken, error) {
	if removed := o.queue.Cancel([]string{chunkID}); len(removed) > 0 {
		o.journalTransition(chunkID, domain.StatusCanceled, nil)
		return nil, nil
	}
	if _, ok := o.retries.cancel(chunkID); ok {
		o.journalTransition(chunkID, domain.StatusCanceled, nil)
		return nil, nil
	}

	token, err := o.exec.Cancel(ctx, chunkID, collectResume)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	o.active.remove(chunkID)
	o.queue.Release(chunkID)
	o.journalTransition(chunkID, domain.StatusCanceled, nil)
	return token, nil
}

// EnqueueChunk implements parallel.Admitter. Chunk tasks skip host-facing
// emissions; the coordinator owns their bookkeeping.
func (o *Orchestrator) EnqueueChunk(req domain.EnqueueRequest, resume *domain.ResumeToken) {
	req.Task.Status = domain.StatusEnqueued
	req.Resume = resume
	o.journalEnqueue(&req.Task)
	o.queue.Add(req)
}

// ParentStatus implements parallel.Reporter.
func (o *Orchestrator) ParentStatus(u parallel.Update) {
	task, ok := o.active.get(u.ParentID)
	if !ok {
		o.logger.Debug("parent status for untracked task", slog.String("task_id", u.ParentID))
		return
	}
	ctx := context.Background()

	switch {
	case u.Status == domain.StatusRunning:
		if u.Filename != "" {
			task.Filename = u.Filename
		}
		task.Status = domain.StatusRunning
		o.active.update(task.ID, func(t *domain.Task) {
			t.Status = domain.StatusRunning
			if u.Filename != "" {
				t.Filename = u.Filename
			}
		})
		o.journalTransition(task.ID, domain.StatusRunning, nil)
		o.publishStatus(ctx, task, nil, "")
		o.notifyStatus(task, domain.StatusRunning, nil)

	case u.Status == domain.StatusFailed && task.RetriesRemaining > 0:
		o.detachActive(task)
		o.scheduleRetry(ctx, task, u.Err)

	case u.Status.IsTerminal():
		o.detachActive(task)
		o.finishTask(ctx, task, u.Status, u.Err, u.Body, u.Filename, u.FilePath, true)
	}
}

// ParentProgress implements parallel.Reporter.
func (o *Orchestrator) ParentProgress(parentID string, fraction float64, bytesDone, totalBytes int64) {
	_ = o.bridge.PublishProgress(context.Background(), domain.ProgressUpdate{
		TaskID:     parentID,
		Fraction:   fraction,
		BytesDone:  bytesDone,
		TotalBytes: totalBytes,
	})
}

// ── policy reschedule ─────────────────────────────────────────

// RescheduleActive implements policy.Rescheduler: every active task that
// follows the global default is paused with its resume token and pushed
// back through admission, so the new constraint applies on the way out.
// Tasks with an explicit preference are never touched.
func (o *Orchestrator) RescheduleActive(ctx context.Context) int {
	count := 0
	for _, task := range o.active.snapshot() {
		if task.Group == domain.ChunkGroup || task.Unmetered != domain.PrefUseGlobal {
			continue
		}

		var token *domain.ResumeToken
		switch {
		case o.coord.IsParent(task.ID):
			t, err := o.coord.Pause(ctx, task.ID)
			if err != nil {
				continue
			}
			token = t
		case task.Kind.SupportsResume():
			cctx, cancel := context.WithTimeout(ctx, o.pauseTimeout)
			t, err := o.exec.Cancel(cctx, task.ID, true)
			cancel()
			if err != nil {
				var nf *domain.TaskNotFoundError
				if errors.As(err, &nf) {
					continue
				}
				t = nil
			}
			token = t
		default:
			// Uploads and data requests cannot resume; restarting them
			// mid-flight would only lose work.
			continue
		}

		o.detachActive(task)

		task.Status = domain.StatusPaused
		o.journalTransition(task.ID, domain.StatusPaused, nil)
		o.publishStatus(ctx, task, nil, "")

		task.Status = domain.StatusEnqueued
		o.journalEnqueue(&task)
		o.publishStatus(ctx, task, nil, "")

		o.queue.Add(domain.EnqueueRequest{Task: task, Resume: token})
		count++
	}
	return count
}

// ── internals ─────────────────────────────────────────────────

func (o *Orchestrator) isTracked(id string) bool {
	if _, ok := o.queue.TaskForID(id); ok {
		return true
	}
	if _, ok := o.active.get(id); ok {
		return true
	}
	if _, ok := o.retries.get(id); ok {
		return true
	}
	return false
}

// detachActive removes a non-chunk task from the active registry, frees
// its admission slot, and settles the in-flight gauge.
func (o *Orchestrator) detachActive(task domain.Task) {
	if _, ok := o.active.remove(task.ID); ok && task.Group != domain.ChunkGroup {
		telemetry.TasksInFlight.WithLabelValues(string(task.Kind)).Dec()
	}
	o.queue.Release(task.ID)
}

// finishPause parks the task with its token and reports the pause.
func (o *Orchestrator) finishPause(ctx context.Context, task domain.Task, token *domain.ResumeToken) {
	task.Status = domain.StatusPaused
	o.paused.put(task, token)
	o.journalTransition(task.ID, domain.StatusPaused, nil)
	o.publishStatus(ctx, task, nil, "")
	if token != nil {
		_ = o.bridge.StoreResumeToken(ctx, task.ID, *token)
	}
	o.notifyStatus(task, domain.StatusPaused, nil)
}

// scheduleRetry moves a failed task into its retry delay. The caller has
// already detached it from the active set.
func (o *Orchestrator) scheduleRetry(ctx context.Context, task domain.Task, terr *domain.TaskError) {
	task.RetriesRemaining--
	task.Status = domain.StatusWaitingToRetry
	attempt := o.retries.bumpAttempt(task.ID)
	delay := o.retryCfg.Delay(attempt)

	o.journalTransition(task.ID, domain.StatusWaitingToRetry, terr)
	if task.Group == domain.ChunkGroup {
		o.coord.OnChunkStatus(task.ParentID, task.ID, domain.StatusWaitingToRetry, terr, "", "")
	} else {
		o.publishStatus(ctx, task, terr, "")
	}
	telemetry.RetriesScheduledTotal.Inc()

	o.retries.schedule(task, delay, o.requeueRetried)
	o.logger.Info("retry scheduled",
		slog.String("task_id", task.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Int("retries_remaining", task.RetriesRemaining))
}

// requeueRetried fires when a retry delay elapses and routes the task back
// through admission.
func (o *Orchestrator) requeueRetried(task domain.Task) {
	task.Status = domain.StatusEnqueued
	o.journalEnqueue(&task)
	if task.Group == domain.ChunkGroup {
		o.coord.OnChunkStatus(task.ParentID, task.ID, domain.StatusEnqueued, nil, "", "")
	} else {
		o.publishStatus(context.Background(), task, nil, "")
	}
	o.queue.Add(domain.EnqueueRequest{Task: task})
}

// finishTask settles a terminal state: journal, host update, notification,
// metrics, and the storage offload hook for completed downloads.
func (o *Orchestrator) finishTask(ctx context.Context, task domain.Task, status domain.Status, terr *domain.TaskError, body, filename, filePath string, wasActive bool) {
	if filename != "" {
		task.Filename = filename
	}
	task.Status = status
	o.retries.clearAttempts(task.ID)

	o.journalTransition(task.ID, status, terr)
	o.publishStatus(ctx, task, terr, body)
	o.notifyStatus(task, status, terr)
	o.notes.remove(task.ID)

	telemetry.TasksFinishedTotal.WithLabelValues(string(task.Kind), string(status)).Inc()
	if wasActive && !task.CreatedAt.IsZero() {
		telemetry.TaskDurationSeconds.WithLabelValues(string(task.Kind)).Observe(time.Since(task.CreatedAt).Seconds())
	}

	if status == domain.StatusComplete && filePath != "" {
		go o.offload(task, filePath)
	}
}

// offload hands a finished file to the storage mover off the event path.
func (o *Orchestrator) offload(task domain.Task, filePath string) {
	ctx, cancel := context.WithTimeout(context.Background(), offloadTimeout)
	defer cancel()
	location, err := o.mover.Move(ctx, filePath, task.Filename)
	if err != nil {
		o.logger.Error("storage offload failed",
			slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if location != filePath {
		o.logger.Info("file offloaded",
			slog.String("task_id", task.ID), slog.String("location", location))
	}
}

func (o *Orchestrator) publishStatus(ctx context.Context, task domain.Task, terr *domain.TaskError, body string) {
	_ = o.bridge.PublishStatus(ctx, domain.StatusUpdate{
		TaskID:       task.ID,
		Status:       task.Status,
		Error:        terr,
		ResponseBody: body,
		Filename:     task.Filename,
	})
}

func (o *Orchestrator) notifyStatus(task domain.Task, status domain.Status, terr *domain.TaskError) {
	cfg, ok := o.notes.get(task.ID)
	if !ok {
		return
	}
	ev := notify.Event{Task: task, Status: status, Error: terr, Config: cfg}
	if !ev.Wants() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.notifier.Notify(ctx, ev); err != nil {
			o.logger.Warn("notification failed",
				slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}()
}

func (o *Orchestrator) journalEnqueue(task *domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := o.journal.RecordEnqueued(ctx, task); err != nil {
		o.logger.Warn("journal write failed",
			slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) journalTransition(taskID string, status domain.Status, terr *domain.TaskError) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := o.journal.RecordTransition(ctx, taskID, status, terr); err != nil {
		o.logger.Warn("journal write failed",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}
