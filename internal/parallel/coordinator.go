// Package parallel coordinates chunked downloads: one parent task is split
// into byte-range chunk tasks that ride the normal admission path, and the
// chunk ensemble is surfaced to the host as a single transfer.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/internal/executor"
	"github.com/monoblaine/background-downloader/pkg/telemetry"
)

const (
	probeTimeout = 30 * time.Second

	// defaultPauseTimeout bounds how long a pause waits for chunks to hand
	// back their resume state. Chunks that miss it restart their range.
	defaultPauseTimeout = 500 * time.Millisecond

	// progressDelta is the minimum parent-fraction change worth emitting.
	progressDelta = 0.01
)

// Transport reaches the transfer layer: probing for range support and
// stopping individual chunks. Implementations must also stop chunks that
// are still waiting for admission or sitting in a retry delay.
type Transport interface {
	Probe(ctx context.Context, url string, headers map[string]string) (executor.ProbeResult, error)
	CancelChunk(ctx context.Context, chunkID string, collectResume bool) (*domain.ResumeToken, error)
}

// Admitter feeds synthesized chunk tasks into the holding queue.
type Admitter interface {
	EnqueueChunk(req domain.EnqueueRequest, resume *domain.ResumeToken)
}

// Update is a parent-level transition derived from chunk events.
type Update struct {
	ParentID string
	Status   domain.Status
	Err      *domain.TaskError
	Body     string
	Filename string
	FilePath string
}

// Reporter receives derived parent transitions. Pause and Cancel do not
// report; their callers own those emissions.
type Reporter interface {
	ParentStatus(u Update)
	ParentProgress(parentID string, fraction float64, bytesDone, totalBytes int64)
}

type chunkState struct {
	chunk    domain.Chunk
	status   domain.Status
	fraction float64
	body     string
	partPath string
}

type parent struct {
	task     domain.Task
	total    int64 // 0 when the length is unknown
	filename string
	chunks   []*chunkState // range order
	byID     map[string]*chunkState
	status   domain.Status
	fraction float64
	firstErr *domain.TaskError
	pausing  bool
}

func (p *parent) liveChunkIDs() []string {
	var ids []string
	for _, cs := range p.chunks {
		if cs.status.IsLive() {
			ids = append(ids, cs.chunk.ID)
		}
	}
	return ids
}

// Coordinator owns the per-parent chunk tables. Safe for concurrent use; no
// lock is held across transport, admission, or reporter calls.
type Coordinator struct {
	transport    Transport
	admit        Admitter
	report       Reporter
	destDir      string
	logger       *slog.Logger
	pauseTimeout time.Duration

	mu      sync.Mutex
	parents map[string]*parent
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPauseTimeout overrides the bounded wait for chunk resume outcomes.
func WithPauseTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.pauseTimeout = d }
}

// New creates a Coordinator assembling finished downloads under destDir.
func New(transport Transport, admit Admitter, report Reporter, destDir string, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:    transport,
		admit:        admit,
		report:       report,
		destDir:      destDir,
		logger:       logger.With(slog.String("component", "parallel")),
		pauseTimeout: defaultPauseTimeout,
		parents:      make(map[string]*parent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsParent reports whether the ID belongs to a live parallel download.
func (c *Coordinator) IsParent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.parents[id]
	return ok
}

// Start probes the target, partitions it, and enqueues the chunk tasks.
// Meant to run on its own goroutine; the parent failure path is reported,
// never returned.
func (c *Coordinator) Start(ctx context.Context, task domain.Task) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	probe, err := c.transport.Probe(pctx, task.URL, task.Headers)
	if err != nil {
		c.report.ParentStatus(Update{ParentID: task.ID, Status: domain.StatusFailed, Err: probeError(err)})
		return
	}

	ranges := partitionRanges(probe.Length, probe.AcceptRanges, task.ChunkCount)
	filename := task.Filename
	if filename == "" {
		filename = probe.Filename
	}
	if filename == "" {
		filename = task.ID
	}

	p := &parent{
		task:     task,
		filename: filename,
		status:   domain.StatusRunning,
		byID:     make(map[string]*chunkState, len(ranges)),
	}
	if probe.Length > 0 {
		p.total = probe.Length
	}

	var reqs []domain.EnqueueRequest
	for _, r := range ranges {
		ch := domain.Chunk{ID: uuid.NewString(), ParentID: task.ID, RangeStart: r.RangeStart, RangeEnd: r.RangeEnd}
		cs := &chunkState{chunk: ch, status: domain.StatusEnqueued}
		p.chunks = append(p.chunks, cs)
		p.byID[ch.ID] = cs
		reqs = append(reqs, domain.EnqueueRequest{Task: chunkTaskFor(task, ch, 0)})
	}

	c.mu.Lock()
	if _, dup := c.parents[task.ID]; dup {
		c.mu.Unlock()
		c.logger.Warn("parallel download already started", slog.String("task_id", task.ID))
		return
	}
	c.parents[task.ID] = p
	c.mu.Unlock()

	telemetry.ParentsInFlight.Inc()
	telemetry.ChunksSpawnedTotal.Add(float64(len(reqs)))
	c.report.ParentStatus(Update{ParentID: task.ID, Status: domain.StatusRunning, Filename: filename})
	for _, req := range reqs {
		c.admit.EnqueueChunk(req, nil)
	}
}

// Resume rebuilds a parent from its composite token. Chunks with a verified
// child token continue where they stopped; the rest restart their range.
func (c *Coordinator) Resume(ctx context.Context, task domain.Task, token *domain.ChunkedResume) error {
	if token == nil || len(token.Chunks) == 0 {
		return &domain.InvalidRequestError{Reason: "chunked resume token is empty"}
	}

	filename := task.Filename
	if filename == "" {
		filename = task.ID
	}
	p := &parent{
		task:     task,
		total:    token.TotalBytes,
		filename: filename,
		status:   domain.StatusRunning,
		byID:     make(map[string]*chunkState, len(token.Chunks)),
	}

	type pending struct {
		req    domain.EnqueueRequest
		resume *domain.ResumeToken
	}
	var reqs []pending
	for _, cr := range token.Chunks {
		size := int64(0)
		if cr.RangeEnd >= 0 {
			size = cr.RangeEnd - cr.RangeStart + 1
		}
		tok := cr.Token
		if tok != nil && tok.TempPath != "" {
			if info, err := os.Stat(tok.TempPath); err != nil || info.Size() < tok.BytesSoFar {
				// Partial data is gone; restart the whole range.
				tok = nil
			}
		}

		ch := domain.Chunk{ID: uuid.NewString(), ParentID: task.ID, RangeStart: cr.RangeStart, RangeEnd: cr.RangeEnd}
		cs := &chunkState{chunk: ch}
		if tok != nil && size > 0 && tok.BytesSoFar >= size {
			// Finished before the pause; only the part file matters now.
			cs.status = domain.StatusComplete
			cs.fraction = 1
			cs.partPath = tok.TempPath
			p.chunks = append(p.chunks, cs)
			p.byID[ch.ID] = cs
			continue
		}

		cs.status = domain.StatusEnqueued
		var offset int64
		var rt *domain.ResumeToken
		if tok != nil {
			offset = tok.BytesSoFar
			rt = &domain.ResumeToken{Simple: tok}
			if size > 0 {
				cs.fraction = float64(offset) / float64(size)
			}
		}
		p.chunks = append(p.chunks, cs)
		p.byID[ch.ID] = cs
		reqs = append(reqs, pending{req: domain.EnqueueRequest{Task: chunkTaskFor(task, ch, offset)}, resume: rt})
	}

	if len(reqs) == 0 {
		// Every chunk had already finished; all that is left is assembly.
		c.assemble(p)
		return nil
	}

	c.mu.Lock()
	if _, dup := c.parents[task.ID]; dup {
		c.mu.Unlock()
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	c.parents[task.ID] = p
	c.mu.Unlock()

	telemetry.ParentsInFlight.Inc()
	telemetry.ChunksSpawnedTotal.Add(float64(len(reqs)))
	c.report.ParentStatus(Update{ParentID: task.ID, Status: domain.StatusRunning, Filename: filename})
	for _, pr := range reqs {
		c.admit.EnqueueChunk(pr.req, pr.resume)
	}
	return nil
}

// OnChunkStatus folds one chunk transition into the parent table and derives
// the parent status. Orphan events are dropped with a warning.
func (c *Coordinator) OnChunkStatus(parentID, chunkID string, status domain.Status, terr *domain.TaskError, body, partPath string) {
	c.mu.Lock()
	p := c.parents[parentID]
	if p == nil {
		c.mu.Unlock()
		c.logger.Warn("chunk status for unknown parent",
			slog.String("parent_id", parentID), slog.String("chunk_id", chunkID))
		return
	}
	cs := p.byID[chunkID]
	if cs == nil {
		c.mu.Unlock()
		c.logger.Warn("status for unknown chunk",
			slog.String("parent_id", parentID), slog.String("chunk_id", chunkID))
		return
	}

	cs.status = status
	if body != "" {
		cs.body = body
	}
	if partPath != "" {
		cs.partPath = partPath
	}
	if status == domain.StatusFailed || status == domain.StatusNotFound {
		telemetry.ChunkFailuresTotal.Inc()
		if terr != nil && p.firstErr == nil {
			p.firstErr = terr
		}
	}

	if p.pausing {
		c.mu.Unlock()
		return
	}

	switch derived := deriveStatus(p); derived {
	case domain.StatusFailed:
		firstErr := p.firstErr
		live := p.liveChunkIDs()
		for _, cs := range p.chunks {
			if cs.status.IsLive() {
				cs.status = domain.StatusCanceled
			}
		}
		delete(c.parents, parentID)
		c.mu.Unlock()

		telemetry.ParentsInFlight.Dec()
		c.cancelChunks(live)
		c.report.ParentStatus(Update{ParentID: parentID, Status: domain.StatusFailed, Err: firstErr})

	case domain.StatusComplete:
		delete(c.parents, parentID)
		c.mu.Unlock()

		telemetry.ParentsInFlight.Dec()
		c.assemble(p)

	default:
		changed := derived != p.status
		p.status = derived
		filename := p.filename
		c.mu.Unlock()
		if changed {
			c.report.ParentStatus(Update{ParentID: parentID, Status: derived, Filename: filename})
		}
	}
}

// OnChunkProgress folds one chunk's fraction into the weighted parent
// fraction. The parent value never decreases and is emitted only on a
// meaningful change.
func (c *Coordinator) OnChunkProgress(parentID, chunkID string, fraction float64) {
	c.mu.Lock()
	p := c.parents[parentID]
	if p == nil {
		c.mu.Unlock()
		c.logger.Warn("chunk progress for unknown parent",
			slog.String("parent_id", parentID), slog.String("chunk_id", chunkID))
		return
	}
	cs := p.byID[chunkID]
	if cs == nil {
		c.mu.Unlock()
		c.logger.Warn("progress for unknown chunk",
			slog.String("parent_id", parentID), slog.String("chunk_id", chunkID))
		return
	}

	if fraction > cs.fraction {
		cs.fraction = fraction
	}
	if p.pausing {
		c.mu.Unlock()
		return
	}

	weighted := weightedFraction(p)
	if weighted <= p.fraction || (weighted-p.fraction < progressDelta && weighted < 1) {
		c.mu.Unlock()
		return
	}
	p.fraction = weighted
	total := p.total
	c.mu.Unlock()

	c.report.ParentProgress(parentID, weighted, int64(weighted*float64(total)), total)
}

// Pause stops every live chunk and folds the outcomes into a composite
// token, bounded by the pause timeout. The caller emits the paused status
// and owns the returned token.
func (c *Coordinator) Pause(ctx context.Context, parentID string) (*domain.ResumeToken, error) {
	c.mu.Lock()
	p := c.parents[parentID]
	if p == nil {
		c.mu.Unlock()
		return nil, &domain.TaskNotFoundError{TaskID: parentID}
	}
	p.pausing = true
	live := p.liveChunkIDs()
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.pauseTimeout)
	defer cancel()

	tokens := make(map[string]*domain.SimpleResume, len(live))
	var tmu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range live {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tok, err := c.transport.CancelChunk(cctx, id, true)
			if err != nil || tok == nil || tok.Simple == nil {
				return
			}
			tmu.Lock()
			tokens[id] = tok.Simple
			tmu.Unlock()
		}(id)
	}
	wg.Wait()

	c.mu.Lock()
	crs := make([]domain.ChunkResume, 0, len(p.chunks))
	for _, cs := range p.chunks {
		cr := domain.ChunkResume{RangeStart: cs.chunk.RangeStart, RangeEnd: cs.chunk.RangeEnd}
		switch {
		case cs.status == domain.StatusComplete:
			size := cs.chunk.Size()
			cr.BytesDone = size
			cr.Token = &domain.SimpleResume{TempPath: cs.partPath, BytesSoFar: size}
		case tokens[cs.chunk.ID] != nil:
			cr.Token = tokens[cs.chunk.ID]
			cr.BytesDone = cr.Token.BytesSoFar
		}
		crs = append(crs, cr)
	}
	total := p.total
	delete(c.parents, parentID)
	c.mu.Unlock()

	telemetry.ParentsInFlight.Dec()
	return &domain.ResumeToken{Chunked: &domain.ChunkedResume{TotalBytes: total, Chunks: crs}}, nil
}

// Cancel stops every live chunk and drops the parent. The caller emits the
// canceled status.
func (c *Coordinator) Cancel(ctx context.Context, parentID string) error {
	c.mu.Lock()
	p := c.parents[parentID]
	if p == nil {
		c.mu.Unlock()
		return &domain.TaskNotFoundError{TaskID: parentID}
	}
	live := p.liveChunkIDs()
	for _, cs := range p.chunks {
		if cs.status.IsLive() {
			cs.status = domain.StatusCanceled
		}
	}
	delete(c.parents, parentID)
	c.mu.Unlock()

	telemetry.ParentsInFlight.Dec()
	c.cancelChunks(live)
	return nil
}

func (c *Coordinator) cancelChunks(ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.pauseTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.transport.CancelChunk(ctx, id, false); err != nil {
				c.logger.Debug("chunk cancel", slog.String("chunk_id", id), slog.String("error", err.Error()))
			}
		}(id)
	}
	wg.Wait()
}

// assemble concatenates the chunk part files in range order into the
// destination file and reports the parent complete.
func (c *Coordinator) assemble(p *parent) {
	dest := filepath.Join(c.destDir, p.filename)
	if err := c.mergeParts(dest, p.chunks); err != nil {
		c.report.ParentStatus(Update{ParentID: p.task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindFileSystem, Message: err.Error(),
		}})
		return
	}

	var body strings.Builder
	for _, cs := range p.chunks {
		body.WriteString(cs.body)
	}

	c.report.ParentProgress(p.task.ID, 1, p.total, p.total)
	c.report.ParentStatus(Update{
		ParentID: p.task.ID,
		Status:   domain.StatusComplete,
		Body:     body.String(),
		Filename: p.filename,
		FilePath: dest,
	})
}

func (c *Coordinator) mergeParts(dest string, chunks []*chunkState) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	for _, cs := range chunks {
		if cs.partPath == "" {
			return fmt.Errorf("chunk %s has no part file", cs.chunk.ID)
		}
		in, err := os.Open(cs.partPath)
		if err != nil {
			return fmt.Errorf("open part %s: %w", cs.partPath, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("append part %s: %w", cs.partPath, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}

	for _, cs := range chunks {
		_ = os.Remove(cs.partPath)
	}
	return nil
}

// deriveStatus applies the precedence rule: any failed chunk fails the
// parent; any live chunk keeps it running; all complete completes it.
func deriveStatus(p *parent) domain.Status {
	allComplete := true
	anyLive := false
	for _, cs := range p.chunks {
		switch cs.status {
		case domain.StatusFailed, domain.StatusNotFound:
			// A range that 404s mid-ensemble is as fatal as a failure.
			return domain.StatusFailed
		case domain.StatusComplete:
		default:
			allComplete = false
			if cs.status.IsLive() {
				anyLive = true
			}
		}
	}
	if allComplete {
		return domain.StatusComplete
	}
	if anyLive {
		return domain.StatusRunning
	}
	return p.status
}

// weightedFraction is Σ(chunk size × chunk fraction) / total. With an
// unknown total there is a single chunk; its fraction stands alone.
func weightedFraction(p *parent) float64 {
	if p.total <= 0 {
		if len(p.chunks) == 1 {
			return p.chunks[0].fraction
		}
		return 0
	}
	var sum float64
	for _, cs := range p.chunks {
		sum += float64(cs.chunk.Size()) * cs.fraction
	}
	return sum / float64(p.total)
}

// chunkTaskFor synthesizes the transfer task for one chunk. offset shifts
// the range start when the chunk resumes mid-range; open-ended ranges carry
// no Range header and let the transfer layer handle any resume offset.
func chunkTaskFor(parent domain.Task, ch domain.Chunk, offset int64) domain.Task {
	headers := make(map[string]string, len(parent.Headers)+1)
	for k, v := range parent.Headers {
		headers[k] = v
	}
	if ch.RangeEnd >= 0 {
		headers["Range"] = fmt.Sprintf("bytes=%d-%d", ch.RangeStart+offset, ch.RangeEnd)
	}
	return domain.Task{
		ID:               ch.ID,
		Kind:             domain.KindDownload,
		URL:              parent.URL,
		Headers:          headers,
		HTTPMethod:       parent.HTTPMethod,
		Priority:         parent.Priority,
		Group:            domain.ChunkGroup,
		Unmetered:        parent.Unmetered,
		RetriesRemaining: parent.RetriesRemaining,
		ParentID:         parent.ID,
		CreatedAt:        time.Now().UTC(),
	}
}

func probeError(err error) *domain.TaskError {
	var terr *domain.TaskError
	if errors.As(err, &terr) {
		return terr
	}
	return &domain.TaskError{Kind: domain.ErrKindConnection, Message: err.Error()}
}
