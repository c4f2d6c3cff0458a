package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/monoblaine/background-downloader/internal/domain"
)

const (
	// responseBodyCap bounds how much of a server response is carried back
	// to the host inside a status update.
	responseBodyCap = 1 << 20

	copyBufferSize = 64 * 1024

	defaultProgressInterval = 250 * time.Millisecond
)

// HTTPExecutor runs transfers over plain HTTP(S). Downloads stream into a
// parts directory and are renamed into the files directory on completion;
// uploads stream out of the files directory. Chunk tasks stay in the parts
// directory so the coordinator can assemble them.
type HTTPExecutor struct {
	client           *http.Client
	partsDir         string
	filesDir         string
	logger           *slog.Logger
	events           chan Event
	progressInterval time.Duration

	mu     sync.Mutex
	active map[string]*activeTransfer
}

type activeTransfer struct {
	task   domain.Task
	cancel context.CancelFunc
	done   chan struct{}

	collectResume atomic.Bool
	// resume is written by run before done closes; readers wait on done.
	resume *domain.ResumeToken
}

var _ Executor = (*HTTPExecutor)(nil)

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithProgressInterval sets the floor between progress events per task.
func WithProgressInterval(d time.Duration) HTTPOption {
	return func(e *HTTPExecutor) { e.progressInterval = d }
}

// NewHTTP creates an HTTPExecutor writing under the given directories,
// creating them if needed.
func NewHTTP(partsDir, filesDir string, logger *slog.Logger, opts ...HTTPOption) (*HTTPExecutor, error) {
	for _, dir := range []string{partsDir, filesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transfer dir %s: %w", dir, err)
		}
	}
	e := &HTTPExecutor{
		client:           &http.Client{Timeout: 0}, // transfers are long-lived; cancellation is per-task ctx
		partsDir:         partsDir,
		filesDir:         filesDir,
		logger:           logger.With(slog.String("component", "executor")),
		events:           make(chan Event, 256),
		progressInterval: defaultProgressInterval,
		active:           make(map[string]*activeTransfer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Events returns the multiplexed event stream. A single consumer drains it.
func (e *HTTPExecutor) Events() <-chan Event { return e.events }

// Submit accepts a task and starts its transfer goroutine. The submission
// context carries values (trace context) into the transfer but not its
// cancellation; transfers end via Cancel or their own terminal states.
func (e *HTTPExecutor) Submit(ctx context.Context, task domain.Task, resume *domain.ResumeToken) error {
	if task.Kind == domain.KindParallelDownload {
		return &domain.InvalidRequestError{Reason: "parallel downloads are split before submission"}
	}

	e.mu.Lock()
	if _, exists := e.active[task.ID]; exists {
		e.mu.Unlock()
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &activeTransfer{task: task, cancel: cancel, done: make(chan struct{})}
	e.active[task.ID] = t
	e.mu.Unlock()

	var simple *domain.SimpleResume
	if resume != nil {
		simple = resume.Simple
	}

	go e.run(tctx, t, simple)
	return nil
}

// Cancel stops a transfer. With collectResume set and a resumable kind, the
// returned token continues the transfer later; otherwise the token is nil.
func (e *HTTPExecutor) Cancel(ctx context.Context, taskID string, collectResume bool) (*domain.ResumeToken, error) {
	e.mu.Lock()
	t, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}

	t.collectResume.Store(collectResume)
	t.cancel()

	select {
	case <-t.done:
		return t.resume, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("cancel of task %s: %w", taskID, ctx.Err())
	}
}

func (e *HTTPExecutor) finish(t *activeTransfer) {
	e.mu.Lock()
	delete(e.active, t.task.ID)
	e.mu.Unlock()
	close(t.done)
}

func (e *HTTPExecutor) run(ctx context.Context, t *activeTransfer, resume *domain.SimpleResume) {
	defer e.finish(t)

	switch t.task.Kind {
	case domain.KindDownload:
		e.runDownload(ctx, t, resume)
	case domain.KindUpload:
		e.runUpload(ctx, t)
	case domain.KindDataRequest:
		e.runDataRequest(ctx, t)
	default:
		e.emitStatus(Event{TaskID: t.task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindGeneral, Message: fmt.Sprintf("executor cannot run kind %q", t.task.Kind),
		}})
	}
}

// Probe issues a HEAD request, falling back to a one-byte ranged GET for
// servers that reject HEAD.
func (e *HTTPExecutor) Probe(ctx context.Context, rawURL string, headers map[string]string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}
	applyHeaders(req, headers)

	resp, err := e.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", rawURL, err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return e.probeByRange(ctx, rawURL, headers)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return ProbeResult{}, &domain.TaskError{
			Kind: domain.ErrKindHTTPResponse, Message: "probe rejected", HTTPStatus: resp.StatusCode,
		}
	}

	return ProbeResult{
		Length:       resp.ContentLength,
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		Filename:     filenameFromResponse(resp, rawURL),
		ETag:         resp.Header.Get("ETag"),
		ContentType:  resp.Header.Get("Content-Type"),
	}, nil
}

// probeByRange asks for the first byte only; a 206 with a Content-Range
// total proves range support and reveals the length.
func (e *HTTPExecutor) probeByRange(ctx context.Context, rawURL string, headers map[string]string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build ranged probe request: %w", err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := e.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ranged probe %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	if resp.StatusCode >= http.StatusBadRequest {
		return ProbeResult{}, &domain.TaskError{
			Kind: domain.ErrKindHTTPResponse, Message: "probe rejected", HTTPStatus: resp.StatusCode,
		}
	}

	res := ProbeResult{
		Filename:    filenameFromResponse(resp, rawURL),
		ETag:        resp.Header.Get("ETag"),
		ContentType: resp.Header.Get("Content-Type"),
		Length:      resp.ContentLength,
	}
	if resp.StatusCode == http.StatusPartialContent {
		res.AcceptRanges = true
		if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			res.Length = total
		}
	}
	return res, nil
}

func (e *HTTPExecutor) runDownload(ctx context.Context, t *activeTransfer, resume *domain.SimpleResume) {
	task := t.task

	tempPath := filepath.Join(e.partsDir, task.ID+".part")
	var offset int64
	var etag string
	if resume != nil {
		if resume.TempPath != "" {
			tempPath = resume.TempPath
		}
		offset = resume.BytesSoFar
		etag = resume.ETag
		if info, err := os.Stat(tempPath); err != nil || info.Size() < offset {
			// Partial file is gone or shorter than claimed: start over.
			offset = 0
		}
	}

	req, err := http.NewRequestWithContext(ctx, task.HTTPMethod, task.URL, nil)
	if err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindInvalidRequest, Message: err.Error(),
		}})
		return
	}
	applyHeaders(req, task.Headers)
	// Chunk tasks arrive with their Range already recomputed for the resume
	// offset; only whole-file resumes add one here.
	if offset > 0 && req.Header.Get("Range") == "" {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag != "" {
			req.Header.Set("If-Range", etag)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			e.collectDownloadResume(t, tempPath, offset, etag)
			return
		}
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindConnection, Message: err.Error(),
		}})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_ = os.Remove(tempPath)
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusNotFound, Err: &domain.TaskError{
			Kind: domain.ErrKindNotFound, Message: "resource not found", HTTPStatus: resp.StatusCode,
		}})
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindHTTPResponse, Message: http.StatusText(resp.StatusCode), HTTPStatus: resp.StatusCode,
		}})
		return
	}
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the range (or If-Range said the file changed).
		offset = 0
	}

	if resp.Header.Get("ETag") != "" {
		etag = resp.Header.Get("ETag")
	}
	filename := task.Filename
	if filename == "" {
		filename = filenameFromResponse(resp, task.URL)
	}

	total := int64(0)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		if terr := f.Truncate(offset); terr == nil {
			_, err = f.Seek(offset, io.SeekStart)
		} else {
			err = terr
		}
	}
	if err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindFileSystem, Message: err.Error(),
		}})
		return
	}
	defer f.Close()

	e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusRunning, Filename: filename, TotalBytes: total})

	done := offset
	lastEmit := time.Now()
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
					Kind: domain.ErrKindFileSystem, Message: werr.Error(),
				}})
				return
			}
			done += int64(n)
			if time.Since(lastEmit) >= e.progressInterval {
				lastEmit = time.Now()
				e.emitProgress(task.ID, done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				e.collectDownloadResume(t, tempPath, done, etag)
				return
			}
			e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
				Kind: domain.ErrKindConnection, Message: rerr.Error(),
			}})
			return
		}
	}

	if err := f.Close(); err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindFileSystem, Message: err.Error(),
		}})
		return
	}
	if total > 0 && done != total {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindConnection, Message: fmt.Sprintf("stream ended at %d of %d bytes", done, total),
		}})
		return
	}

	finalPath := tempPath
	if task.Group != domain.ChunkGroup {
		if filename == "" {
			filename = task.ID
		}
		finalPath = filepath.Join(e.filesDir, filename)
		if err := os.Rename(tempPath, finalPath); err != nil {
			e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
				Kind: domain.ErrKindFileSystem, Message: err.Error(),
			}})
			return
		}
	}

	e.emitProgress(task.ID, done, total)
	e.emitStatus(Event{
		TaskID:     task.ID,
		Status:     domain.StatusComplete,
		Filename:   filename,
		FilePath:   finalPath,
		BytesDone:  done,
		TotalBytes: total,
	})
}

// collectDownloadResume records the pause point when the canceller asked
// for one. The partial file stays on disk either way; a later fresh enqueue
// truncates it.
func (e *HTTPExecutor) collectDownloadResume(t *activeTransfer, tempPath string, bytesSoFar int64, etag string) {
	if !t.collectResume.Load() {
		return
	}
	t.resume = &domain.ResumeToken{Simple: &domain.SimpleResume{
		TempPath:   tempPath,
		BytesSoFar: bytesSoFar,
		ETag:       etag,
	}}
}

func (e *HTTPExecutor) runUpload(ctx context.Context, t *activeTransfer) {
	task := t.task

	source := task.Filename
	if source == "" {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindInvalidRequest, Message: "upload task has no filename",
		}})
		return
	}
	if !filepath.IsAbs(source) {
		source = filepath.Join(e.filesDir, source)
	}

	info, err := os.Stat(source)
	if err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindFileSystem, Message: err.Error(),
		}})
		return
	}
	f, err := os.Open(source)
	if err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindFileSystem, Message: err.Error(),
		}})
		return
	}
	defer f.Close()

	total := info.Size()
	var sent atomic.Int64
	lastEmit := time.Now()
	body := &countingReader{r: f, onRead: func(n int) {
		done := sent.Add(int64(n))
		if time.Since(lastEmit) >= e.progressInterval {
			lastEmit = time.Now()
			e.emitProgress(task.ID, done, total)
		}
	}}

	req, err := http.NewRequestWithContext(ctx, task.HTTPMethod, task.URL, body)
	if err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindInvalidRequest, Message: err.Error(),
		}})
		return
	}
	req.ContentLength = total
	applyHeaders(req, task.Headers)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", detectContentType(source))
	}

	e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusRunning, Filename: filepath.Base(source), TotalBytes: total})

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindConnection, Message: err.Error(),
		}})
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))

	if resp.StatusCode == http.StatusNotFound {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusNotFound, Err: &domain.TaskError{
			Kind: domain.ErrKindNotFound, Message: "resource not found", HTTPStatus: resp.StatusCode,
		}})
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, ResponseBody: string(respBody), Err: &domain.TaskError{
			Kind: domain.ErrKindHTTPResponse, Message: http.StatusText(resp.StatusCode), HTTPStatus: resp.StatusCode,
		}})
		return
	}

	e.emitProgress(task.ID, total, total)
	e.emitStatus(Event{
		TaskID:       task.ID,
		Status:       domain.StatusComplete,
		ResponseBody: string(respBody),
		BytesDone:    total,
		TotalBytes:   total,
	})
}

func (e *HTTPExecutor) runDataRequest(ctx context.Context, t *activeTransfer) {
	task := t.task

	var body io.Reader
	if task.Body != "" {
		body = strings.NewReader(task.Body)
	}
	req, err := http.NewRequestWithContext(ctx, task.HTTPMethod, task.URL, body)
	if err != nil {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindInvalidRequest, Message: err.Error(),
		}})
		return
	}
	applyHeaders(req, task.Headers)

	e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusRunning})

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, Err: &domain.TaskError{
			Kind: domain.ErrKindConnection, Message: err.Error(),
		}})
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))

	if resp.StatusCode == http.StatusNotFound {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusNotFound, ResponseBody: string(respBody), Err: &domain.TaskError{
			Kind: domain.ErrKindNotFound, Message: "resource not found", HTTPStatus: resp.StatusCode,
		}})
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusFailed, ResponseBody: string(respBody), Err: &domain.TaskError{
			Kind: domain.ErrKindHTTPResponse, Message: http.StatusText(resp.StatusCode), HTTPStatus: resp.StatusCode,
		}})
		return
	}

	e.emitStatus(Event{TaskID: task.ID, Status: domain.StatusComplete, ResponseBody: string(respBody)})
}

func (e *HTTPExecutor) emitStatus(ev Event) {
	ev.Type = EventStatus
	e.events <- ev
}

func (e *HTTPExecutor) emitProgress(taskID string, done, total int64) {
	ev := Event{TaskID: taskID, Type: EventProgress, BytesDone: done, TotalBytes: total}
	if total > 0 {
		ev.Fraction = float64(done) / float64(total)
	}
	e.events <- ev
}

type countingReader struct {
	r      io.Reader
	onRead func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.onRead(n)
	}
	return n, err
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// filenameFromResponse prefers Content-Disposition, then the URL path.
func filenameFromResponse(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return filepath.Base(name)
			}
		}
	}
	if base := path.Base(resp.Request.URL.Path); base != "/" && base != "." {
		return base
	}
	if base := path.Base(rawURL); base != "/" && base != "." {
		return base
	}
	return ""
}

// totalFromContentRange parses "bytes 0-0/12345" into 12345.
func totalFromContentRange(header string) (int64, bool) {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	totalStr := header[idx+1:]
	if totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// detectContentType sniffs the first 512 bytes, falling back to the
// extension and finally octet-stream.
func detectContentType(path string) string {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		buf := make([]byte, 512)
		if n, _ := f.Read(buf); n > 0 {
			if mt := mimetype.Detect(buf[:n]); mt != nil {
				return mt.String()
			}
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// ActiveCount reports how many transfers are currently running, for
// readiness checks and tests.
func (e *HTTPExecutor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// PruneParts removes part files older than the cutoff whose transfers are
// no longer active. The cutoff must exceed the longest pause a host is
// expected to resume from, or the partial data is lost with it.
func (e *HTTPExecutor) PruneParts(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(e.partsDir)
	if err != nil {
		return 0, fmt.Errorf("read parts dir: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)

	e.mu.Lock()
	live := make(map[string]bool, len(e.active))
	for id := range e.active {
		live[id] = true
	}
	e.mu.Unlock()

	pruned := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".part") {
			continue
		}
		if live[strings.TrimSuffix(name, ".part")] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(e.partsDir, name)
		if err := os.Remove(full); err != nil {
			e.logger.Warn("stale part removal failed",
				slog.String("path", full), slog.String("error", err.Error()))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		e.logger.Info("pruned stale part files", slog.Int("count", pruned))
	}
	return pruned, nil
}
