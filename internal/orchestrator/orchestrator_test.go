package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monoblaine/background-downloader/internal/bridge"
	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/internal/executor"
	"github.com/monoblaine/background-downloader/internal/notify"
	"github.com/monoblaine/background-downloader/internal/queue"
	redisstore "github.com/monoblaine/background-downloader/internal/redis"
)

// ── fakes ─────────────────────────────────────────────────────

type submission struct {
	task   domain.Task
	resume *domain.ResumeToken
}

type cancellation struct {
	taskID  string
	collect bool
}

// fakeExec stands in for the transfer executor. Tests drive the lifecycle
// by pushing events into the channel the orchestrator pumps from.
type fakeExec struct {
	events chan executor.Event

	mu        sync.Mutex
	submitted []submission
	canceled  []cancellation
	tokens    map[string]*domain.ResumeToken
	submitErr error
	probe     executor.ProbeResult
	probeErr  error
}

var _ executor.Executor = (*fakeExec)(nil)

func newFakeExec() *fakeExec {
	return &fakeExec{
		events: make(chan executor.Event, 64),
		tokens: make(map[string]*domain.ResumeToken),
	}
}

func (f *fakeExec) Submit(_ context.Context, task domain.Task, resume *domain.ResumeToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, submission{task: task, resume: resume})
	return nil
}

func (f *fakeExec) Cancel(_ context.Context, taskID string, collect bool) (*domain.ResumeToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, cancellation{taskID: taskID, collect: collect})
	if collect {
		return f.tokens[taskID], nil
	}
	return nil, nil
}

func (f *fakeExec) Probe(_ context.Context, _ string, _ map[string]string) (executor.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probe, f.probeErr
}

func (f *fakeExec) Events() <-chan executor.Event { return f.events }

func (f *fakeExec) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fakeExec) chunkSubs() []submission {
	var out []submission
	for _, s := range f.submissions() {
		if s.task.Group == domain.ChunkGroup {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeExec) canceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.canceled {
		out = append(out, c.taskID)
	}
	return out
}

func (f *fakeExec) cancellations() []cancellation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cancellation, len(f.canceled))
	copy(out, f.canceled)
	return out
}

func (f *fakeExec) setToken(taskID string, tok *domain.ResumeToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[taskID] = tok
}

// memStore is an in-memory BufferStore so tests need no Redis.
type memStore struct {
	mu       sync.Mutex
	statuses map[string]domain.StatusUpdate
	progress map[string]domain.ProgressUpdate
	resumes  map[string]domain.ResumeToken
}

var _ redisstore.BufferStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		statuses: make(map[string]domain.StatusUpdate),
		progress: make(map[string]domain.ProgressUpdate),
		resumes:  make(map[string]domain.ResumeToken),
	}
}

func (s *memStore) PutStatus(_ context.Context, u domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[u.TaskID] = u
	return nil
}

func (s *memStore) PutProgress(_ context.Context, u domain.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[u.TaskID] = u
	return nil
}

func (s *memStore) PutResumeToken(_ context.Context, taskID string, tok domain.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes[taskID] = tok
	return nil
}

func (s *memStore) PopStatuses(_ context.Context) (map[string]domain.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.statuses
	s.statuses = make(map[string]domain.StatusUpdate)
	return out, nil
}

func (s *memStore) PopProgress(_ context.Context) (map[string]domain.ProgressUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.progress
	s.progress = make(map[string]domain.ProgressUpdate)
	return out, nil
}

func (s *memStore) PopResumeTokens(_ context.Context) (map[string]domain.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.resumes
	s.resumes = make(map[string]domain.ResumeToken)
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) received() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, len(n.events))
	copy(out, n.events)
	return out
}

// ── harness ───────────────────────────────────────────────────

type harness struct {
	o        *Orchestrator
	exec     *fakeExec
	notifier *fakeNotifier
	listener *bridge.ChannelListener
	filesDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := newFakeExec()
	notifier := &fakeNotifier{}
	listener := bridge.NewChannelListener(64)
	br := bridge.New(newMemStore(), logger,
		bridge.WithListener(listener),
		bridge.WithProgressInterval(time.Millisecond))

	filesDir := t.TempDir()
	o, err := New(Config{
		Executor:       exec,
		Bridge:         br,
		Notifier:       notifier,
		Logger:         logger,
		FilesDir:       filesDir,
		PauseTimeout:   200 * time.Millisecond,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(cancel)

	return &harness{o: o, exec: exec, notifier: notifier, listener: listener, filesDir: filesDir}
}

func downloadReq(id string) domain.EnqueueRequest {
	return domain.EnqueueRequest{Task: domain.Task{
		ID:   id,
		Kind: domain.KindDownload,
		URL:  fmt.Sprintf("https://files.example.com/%s.bin", id),
	}}
}

func (h *harness) emitRunning(id string) {
	h.exec.events <- executor.Event{TaskID: id, Type: executor.EventStatus, Status: domain.StatusRunning}
}

func (h *harness) emitComplete(id, filePath string) {
	h.exec.events <- executor.Event{TaskID: id, Type: executor.EventStatus, Status: domain.StatusComplete, FilePath: filePath}
}

func (h *harness) emitFailed(id string, terr *domain.TaskError) {
	h.exec.events <- executor.Event{TaskID: id, Type: executor.EventStatus, Status: domain.StatusFailed, Err: terr}
}

// waitStatus blocks until the listener sees the wanted status for the task,
// skipping other deliveries on the way.
func (h *harness) waitStatus(t *testing.T, taskID string, status domain.Status) domain.StatusUpdate {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.listener.Status():
			if u.TaskID == taskID && u.Status == status {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", taskID, status)
		}
	}
}

// ── enqueue ───────────────────────────────────────────────────

func TestEnqueue_SubmitsImmediatelyInPassThrough(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.o.Enqueue(context.Background(), downloadReq("t1")))

	u := h.waitStatus(t, "t1", domain.StatusEnqueued)
	assert.False(t, u.At.IsZero())

	subs := h.exec.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "t1", subs[0].task.ID)
	assert.Equal(t, "GET", subs[0].task.HTTPMethod)
	assert.Equal(t, domain.DefaultGroup, subs[0].task.Group)
}

func TestEnqueue_InvalidURLRejected(t *testing.T) {
	h := newHarness(t)

	req := downloadReq("bad")
	req.Task.URL = "not a url"
	err := h.o.Enqueue(context.Background(), req)

	var ire *domain.InvalidRequestError
	require.ErrorAs(t, err, &ire)
	assert.Empty(t, h.exec.submissions())
}

func TestEnqueue_DuplicateIDRejected(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.o.Enqueue(context.Background(), downloadReq("dup")))
	err := h.o.Enqueue(context.Background(), downloadReq("dup"))

	var dup *domain.DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Len(t, h.exec.submissions(), 1)
}

func TestEnqueue_UnusableResumeTokenStartsFresh(t *testing.T) {
	h := newHarness(t)

	// Chunked token on a plain download cannot be honored.
	req := downloadReq("fresh")
	req.Resume = &domain.ResumeToken{Chunked: &domain.ChunkedResume{
		TotalBytes: 100,
		Chunks:     []domain.ChunkResume{{RangeStart: 0, RangeEnd: 99}},
	}}
	require.NoError(t, h.o.Enqueue(context.Background(), req))

	subs := h.exec.submissions()
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].resume)
}

func TestEnqueue_ResumeTokenOnNonResumableKindDropped(t *testing.T) {
	h := newHarness(t)

	req := domain.EnqueueRequest{
		Task: domain.Task{ID: "dr", Kind: domain.KindDataRequest, URL: "https://api.example.com/q"},
		Resume: &domain.ResumeToken{Simple: &domain.SimpleResume{BytesSoFar: 10}},
	}
	require.NoError(t, h.o.Enqueue(context.Background(), req))

	subs := h.exec.submissions()
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].resume)
}

func TestEnqueueAll_ResultsMatchInputOrder(t *testing.T) {
	h := newHarness(t)

	bad := downloadReq("bad")
	bad.Task.URL = "ftp://files.example.com/x"
	results := h.o.EnqueueAll(context.Background(), []domain.EnqueueRequest{
		downloadReq("ok-1"), bad, downloadReq("ok-2"),
	})

	assert.Equal(t, []bool{true, false, true}, results)
	assert.Len(t, h.exec.submissions(), 2)
}

// ── lifecycle ─────────────────────────────────────────────────

func TestLifecycle_RunningThenComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.o.Enqueue(ctx, downloadReq("t1")))
	h.waitStatus(t, "t1", domain.StatusEnqueued)

	h.emitRunning("t1")
	h.waitStatus(t, "t1", domain.StatusRunning)

	h.emitComplete("t1", filepath.Join(h.filesDir, "t1.bin"))
	u := h.waitStatus(t, "t1", domain.StatusComplete)
	assert.Nil(t, u.Error)

	_, found := h.o.TaskForID("t1")
	assert.False(t, found, "terminal task should leave every registry")
}

func TestLifecycle_DataRequestCarriesResponseBody(t *testing.T) {
	h := newHarness(t)
	req := domain.EnqueueRequest{Task: domain.Task{
		ID: "dr", Kind: domain.KindDataRequest, URL: "https://api.example.com/q",
	}}
	require.NoError(t, h.o.Enqueue(context.Background(), req))

	h.emitRunning("dr")
	h.exec.events <- executor.Event{
		TaskID: "dr", Type: executor.EventStatus,
		Status: domain.StatusComplete, ResponseBody: `{"ok":true}`,
	}

	u := h.waitStatus(t, "dr", domain.StatusComplete)
	assert.Equal(t, `{"ok":true}`, u.ResponseBody)
}

func TestLifecycle_ServerFilenameReachesHost(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Enqueue(context.Background(), downloadReq("t1")))

	h.exec.events <- executor.Event{
		TaskID: "t1", Type: executor.EventStatus,
		Status: domain.StatusRunning, Filename: "report-final.pdf",
	}

	u := h.waitStatus(t, "t1", domain.StatusRunning)
	assert.Equal(t, "report-final.pdf", u.Filename)
}

func TestLifecycle_ProgressForwarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Enqueue(context.Background(), downloadReq("t1")))
	h.emitRunning("t1")
	h.waitStatus(t, "t1", domain.StatusRunning)

	h.exec.events <- executor.Event{
		TaskID: "t1", Type: executor.EventProgress,
		Fraction: 0.5, BytesDone: 500, TotalBytes: 1000,
	}

	select {
	case p := <-h.listener.Progress():
		assert.Equal(t, "t1", p.TaskID)
		assert.InDelta(t, 0.5, p.Fraction, 1e-9)
		assert.Equal(t, int64(500), p.BytesDone)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress delivered")
	}
}

func TestLifecycle_EventsForUnknownTasksDropped(t *testing.T) {
	h := newHarness(t)

	h.emitRunning("ghost")
	h.exec.events <- executor.Event{TaskID: "ghost", Type: executor.EventProgress, Fraction: 0.4}

	// The pump must stay healthy for tasks it does track.
	require.NoError(t, h.o.Enqueue(context.Background(), downloadReq("real")))
	h.emitRunning("real")
	h.waitStatus(t, "real", domain.StatusRunning)
}

// ── retry ─────────────────────────────────────────────────────

func TestRetry_FailureSchedulesAndRequeues(t *testing.T) {
	h := newHarness(t)
	req := downloadReq("flaky")
	req.Task.RetriesRemaining = 1
	require.NoError(t, h.o.Enqueue(context.Background(), req))
	h.emitRunning("flaky")
	h.waitStatus(t, "flaky", domain.StatusRunning)

	h.emitFailed("flaky", &domain.TaskError{Kind: domain.ErrKindConnection, Message: "reset"})

	u := h.waitStatus(t, "flaky", domain.StatusWaitingToRetry)
	require.NotNil(t, u.Error)
	assert.Equal(t, domain.ErrKindConnection, u.Error.Kind)

	h.waitStatus(t, "flaky", domain.StatusEnqueued)
	require.Eventually(t, func() bool {
		return len(h.exec.submissions()) == 2
	}, 2*time.Second, 5*time.Millisecond, "task should be resubmitted after the delay")
}

func TestRetry_ExhaustedRetriesFailTerminally(t *testing.T) {
	h := newHarness(t)
	req := downloadReq("doomed")
	req.Task.RetriesRemaining = 1
	require.NoError(t, h.o.Enqueue(context.Background(), req))
	h.emitRunning("doomed")
	h.waitStatus(t, "doomed", domain.StatusRunning)

	h.emitFailed("doomed", &domain.TaskError{Kind: domain.ErrKindHTTPResponse, Message: "503", HTTPStatus: 503})
	h.waitStatus(t, "doomed", domain.StatusWaitingToRetry)
	require.Eventually(t, func() bool {
		return len(h.exec.submissions()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	h.emitFailed("doomed", &domain.TaskError{Kind: domain.ErrKindHTTPResponse, Message: "503", HTTPStatus: 503})

	u := h.waitStatus(t, "doomed", domain.StatusFailed)
	require.NotNil(t, u.Error)
	assert.Equal(t, 503, u.Error.HTTPStatus)
	_, found := h.o.TaskForID("doomed")
	assert.False(t, found)
}

func TestRetry_CancelDuringDelayWins(t *testing.T) {
	h := newHarness(t)
	req := downloadReq("waiting")
	req.Task.RetriesRemaining = 3
	require.NoError(t, h.o.Enqueue(context.Background(), req))

	h.emitRunning("waiting")
	h.waitStatus(t, "waiting", domain.StatusRunning)

	// Park it in the retry delay, then cancel before the timer fires.
	h.o.retryCfg.BaseDelay = time.Hour
	h.emitFailed("waiting", &domain.TaskError{Kind: domain.ErrKindConnection, Message: "reset"})
	h.waitStatus(t, "waiting", domain.StatusWaitingToRetry)

	results := h.o.CancelTasksWithIDs(context.Background(), []string{"waiting"})
	assert.Equal(t, []bool{true}, results)
	h.waitStatus(t, "waiting", domain.StatusCanceled)
	assert.Len(t, h.exec.submissions(), 1, "canceled task must not be resubmitted")
}

// ── pause and resume ──────────────────────────────────────────

func TestPause_CollectsTokenAndParksTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("dl")))
	h.emitRunning("dl")
	h.waitStatus(t, "dl", domain.StatusRunning)

	h.exec.setToken("dl", &domain.ResumeToken{Simple: &domain.SimpleResume{
		TempPath: "/parts/dl.part", BytesSoFar: 42,
	}})
	require.NoError(t, h.o.Pause(ctx, "dl"))

	h.waitStatus(t, "dl", domain.StatusPaused)
	task, found := h.o.TaskForID("dl")
	require.True(t, found)
	assert.Equal(t, domain.StatusPaused, task.Status)

	tokens, err := h.o.PopBufferedResumeTokens(ctx)
	require.NoError(t, err)
	require.Contains(t, tokens, "dl")
	require.NotNil(t, tokens["dl"].Simple)
	assert.Equal(t, int64(42), tokens["dl"].Simple.BytesSoFar)
}

func TestPause_NonResumableKindRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := domain.EnqueueRequest{Task: domain.Task{
		ID: "up", Kind: domain.KindUpload, URL: "https://files.example.com/up",
	}}
	require.NoError(t, h.o.Enqueue(ctx, req))
	h.emitRunning("up")
	h.waitStatus(t, "up", domain.StatusRunning)

	err := h.o.Pause(ctx, "up")
	var ire *domain.InvalidRequestError
	require.ErrorAs(t, err, &ire)
	assert.Empty(t, h.exec.canceledIDs())
}

func TestPause_UnknownTaskNotFound(t *testing.T) {
	h := newHarness(t)

	err := h.o.Pause(context.Background(), "nope")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestResume_PausedTaskReenqueuesWithToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("dl")))
	h.emitRunning("dl")
	h.waitStatus(t, "dl", domain.StatusRunning)

	token := &domain.ResumeToken{Simple: &domain.SimpleResume{TempPath: "/parts/dl.part", BytesSoFar: 42}}
	h.exec.setToken("dl", token)
	require.NoError(t, h.o.Pause(ctx, "dl"))
	h.waitStatus(t, "dl", domain.StatusPaused)

	// Re-enqueueing the same ID supersedes the paused slot, no duplicate error.
	req := downloadReq("dl")
	req.Resume = token
	require.NoError(t, h.o.Enqueue(ctx, req))
	h.waitStatus(t, "dl", domain.StatusEnqueued)

	subs := h.exec.submissions()
	require.Len(t, subs, 2)
	require.NotNil(t, subs[1].resume)
	assert.Equal(t, int64(42), subs[1].resume.Simple.BytesSoFar)
}

func TestPauseAll_ResultsMatchInputOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("a")))
	h.emitRunning("a")
	h.waitStatus(t, "a", domain.StatusRunning)

	results := h.o.PauseAll(ctx, []string{"a", "missing"})
	assert.Equal(t, []bool{true, false}, results)
}

// ── cancel ────────────────────────────────────────────────────

func TestCancel_ActiveTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("t1")))
	h.emitRunning("t1")
	h.waitStatus(t, "t1", domain.StatusRunning)

	results := h.o.CancelTasksWithIDs(ctx, []string{"t1"})
	assert.Equal(t, []bool{true}, results)
	h.waitStatus(t, "t1", domain.StatusCanceled)

	cancels := h.exec.cancellations()
	require.Len(t, cancels, 1)
	assert.False(t, cancels[0].collect, "plain cancel must not collect resume data")
	_, found := h.o.TaskForID("t1")
	assert.False(t, found)
}

func TestCancel_WaitingTaskNeverReachesExecutor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.ConfigureHoldingQueue(queue.Limits{MaxConcurrent: 1}))

	require.NoError(t, h.o.Enqueue(ctx, downloadReq("first")))
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("second")))
	require.Len(t, h.exec.submissions(), 1)

	results := h.o.CancelTasksWithIDs(ctx, []string{"second"})
	assert.Equal(t, []bool{true}, results)
	h.waitStatus(t, "second", domain.StatusCanceled)
	assert.Len(t, h.exec.submissions(), 1)
	assert.Empty(t, h.exec.canceledIDs())
}

func TestCancel_UnknownAndTerminalYieldFalse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("done")))
	h.emitRunning("done")
	h.emitComplete("done", "")
	h.waitStatus(t, "done", domain.StatusComplete)

	results := h.o.CancelTasksWithIDs(ctx, []string{"done", "never-existed"})
	assert.Equal(t, []bool{false, false}, results)
}

func TestCancel_BatchResultsMatchInputOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("live")))
	h.emitRunning("live")
	h.waitStatus(t, "live", domain.StatusRunning)

	results := h.o.CancelTasksWithIDs(ctx, []string{"ghost", "live"})
	assert.Equal(t, []bool{false, true}, results)
}

func TestCancelGroup_SweepsWaitingAndActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.ConfigureHoldingQueue(queue.Limits{MaxConcurrent: 1}))

	reqA := downloadReq("a1")
	reqA.Task.Group = "reports"
	reqB := downloadReq("a2")
	reqB.Task.Group = "reports"
	reqC := downloadReq("other")
	require.NoError(t, h.o.Enqueue(ctx, reqA)) // active
	require.NoError(t, h.o.Enqueue(ctx, reqB)) // waiting
	require.NoError(t, h.o.Enqueue(ctx, reqC)) // waiting, different group
	h.emitRunning("a1")
	h.waitStatus(t, "a1", domain.StatusRunning)

	count := h.o.CancelGroup(ctx, "reports")
	assert.Equal(t, 2, count)
	h.waitStatus(t, "a1", domain.StatusCanceled)
	h.waitStatus(t, "a2", domain.StatusCanceled)

	_, found := h.o.TaskForID("other")
	assert.True(t, found, "other groups stay untouched")
}

// ── network policy ────────────────────────────────────────────

func TestPolicy_SetAndGet(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.o.GetNetworkPolicy().RequireUnmetered)
	h.o.SetNetworkPolicy(context.Background(), domain.NetworkPolicy{RequireUnmetered: true}, false)
	assert.True(t, h.o.GetNetworkPolicy().RequireUnmetered)
}

func TestPolicy_RescheduleReachesOnlyGlobalFollowers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	follower := downloadReq("follower")
	require.NoError(t, h.o.Enqueue(ctx, follower))
	pinned := downloadReq("pinned")
	pinned.Task.Unmetered = domain.PrefAny
	require.NoError(t, h.o.Enqueue(ctx, pinned))
	h.emitRunning("follower")
	h.emitRunning("pinned")
	h.waitStatus(t, "follower", domain.StatusRunning)
	h.waitStatus(t, "pinned", domain.StatusRunning)

	token := &domain.ResumeToken{Simple: &domain.SimpleResume{TempPath: "/parts/f.part", BytesSoFar: 64}}
	h.exec.setToken("follower", token)
	h.o.SetNetworkPolicy(ctx, domain.NetworkPolicy{RequireUnmetered: true}, true)

	// The follower pauses, re-enqueues, and keeps its progress.
	h.waitStatus(t, "follower", domain.StatusPaused)
	h.waitStatus(t, "follower", domain.StatusEnqueued)
	require.Eventually(t, func() bool {
		subs := h.exec.submissions()
		return len(subs) == 3 && subs[2].task.ID == "follower" && subs[2].resume != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotContains(t, h.exec.canceledIDs(), "pinned")
	_, found := h.o.TaskForID("pinned")
	assert.True(t, found)
}

func TestPolicy_RescheduleSkipsNonResumableKinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := domain.EnqueueRequest{Task: domain.Task{
		ID: "up", Kind: domain.KindUpload, URL: "https://files.example.com/up",
	}}
	require.NoError(t, h.o.Enqueue(ctx, req))
	h.emitRunning("up")
	h.waitStatus(t, "up", domain.StatusRunning)

	h.o.SetNetworkPolicy(ctx, domain.NetworkPolicy{RequireUnmetered: true}, true)

	assert.Empty(t, h.exec.canceledIDs(), "uploads keep running through a policy change")
	task, found := h.o.TaskForID("up")
	require.True(t, found)
	assert.Equal(t, domain.StatusRunning, task.Status)
}

// ── parallel downloads ────────────────────────────────────────

func parallelReq(id string, chunks int) domain.EnqueueRequest {
	return domain.EnqueueRequest{Task: domain.Task{
		ID:         id,
		Kind:       domain.KindParallelDownload,
		URL:        fmt.Sprintf("https://files.example.com/%s.bin", id),
		Filename:   id + ".bin",
		ChunkCount: chunks,
	}}
}

func (h *harness) waitChunkSubs(t *testing.T, n int) []submission {
	t.Helper()
	var subs []submission
	require.Eventually(t, func() bool {
		subs = h.exec.chunkSubs()
		return len(subs) == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d chunk submissions", n)
	return subs
}

func TestParallel_SpawnsChunksAndAssembles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.probe = executor.ProbeResult{Length: 100, AcceptRanges: true}

	require.NoError(t, h.o.Enqueue(ctx, parallelReq("par", 2)))
	h.waitStatus(t, "par", domain.StatusRunning)

	subs := h.waitChunkSubs(t, 2)
	assert.Equal(t, "bytes=0-49", subs[0].task.Headers["Range"])
	assert.Equal(t, "bytes=50-99", subs[1].task.Headers["Range"])
	assert.Equal(t, "par", subs[0].task.ParentID)

	partsDir := t.TempDir()
	for i, sub := range subs {
		h.emitRunning(sub.task.ID)
		part := filepath.Join(partsDir, fmt.Sprintf("c%d.part", i))
		require.NoError(t, os.WriteFile(part, []byte{byte('a' + i), byte('a' + i)}, 0o644))
		h.emitComplete(sub.task.ID, part)
	}

	h.waitStatus(t, "par", domain.StatusComplete)
	data, err := os.ReadFile(filepath.Join(h.filesDir, "par.bin"))
	require.NoError(t, err)
	assert.Equal(t, "aabb", string(data))
	_, found := h.o.TaskForID("par")
	assert.False(t, found)
}

func TestParallel_ChunkFailureFailsParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.probe = executor.ProbeResult{Length: 100, AcceptRanges: true}

	require.NoError(t, h.o.Enqueue(ctx, parallelReq("par", 2)))
	subs := h.waitChunkSubs(t, 2)
	for _, sub := range subs {
		h.emitRunning(sub.task.ID)
	}

	h.emitFailed(subs[0].task.ID, &domain.TaskError{Kind: domain.ErrKindHTTPResponse, Message: "416", HTTPStatus: 416})

	u := h.waitStatus(t, "par", domain.StatusFailed)
	require.NotNil(t, u.Error)
	assert.Equal(t, 416, u.Error.HTTPStatus)
	// The sibling is told to stop.
	require.Eventually(t, func() bool {
		for _, id := range h.exec.canceledIDs() {
			if id == subs[1].task.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestParallel_ProbeFailureFailsParent(t *testing.T) {
	h := newHarness(t)
	h.exec.probeErr = &domain.TaskError{Kind: domain.ErrKindNotFound, Message: "404"}

	require.NoError(t, h.o.Enqueue(context.Background(), parallelReq("par", 2)))

	u := h.waitStatus(t, "par", domain.StatusFailed)
	require.NotNil(t, u.Error)
	assert.Equal(t, domain.ErrKindNotFound, u.Error.Kind)
}

func TestParallel_PauseProducesCompositeToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.probe = executor.ProbeResult{Length: 100, AcceptRanges: true}

	require.NoError(t, h.o.Enqueue(ctx, parallelReq("par", 2)))
	subs := h.waitChunkSubs(t, 2)
	for _, sub := range subs {
		h.emitRunning(sub.task.ID)
	}
	h.waitStatus(t, "par", domain.StatusRunning)

	h.exec.setToken(subs[0].task.ID, &domain.ResumeToken{Simple: &domain.SimpleResume{
		TempPath: "/parts/c0.part", BytesSoFar: 20,
	}})
	require.NoError(t, h.o.Pause(ctx, "par"))
	h.waitStatus(t, "par", domain.StatusPaused)

	tokens, err := h.o.PopBufferedResumeTokens(ctx)
	require.NoError(t, err)
	require.Contains(t, tokens, "par")
	tok := tokens["par"]
	require.NotNil(t, tok.Chunked)
	assert.Equal(t, int64(100), tok.Chunked.TotalBytes)
	require.Len(t, tok.Chunked.Chunks, 2)
	assert.Equal(t, int64(20), tok.Chunked.Chunks[0].BytesDone)
	require.NotNil(t, tok.Chunked.Chunks[0].Token)
	assert.Equal(t, int64(0), tok.Chunked.Chunks[1].BytesDone)
	assert.Nil(t, tok.Chunked.Chunks[1].Token)
}

func TestParallel_WeightedProgressReachesHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.probe = executor.ProbeResult{Length: 100, AcceptRanges: true}

	require.NoError(t, h.o.Enqueue(ctx, parallelReq("par", 2)))
	subs := h.waitChunkSubs(t, 2)
	h.emitRunning(subs[0].task.ID)

	h.exec.events <- executor.Event{
		TaskID: subs[0].task.ID, Type: executor.EventProgress,
		Fraction: 0.5, BytesDone: 25, TotalBytes: 50,
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-h.listener.Progress():
			if p.TaskID == "par" {
				assert.InDelta(t, 0.25, p.Fraction, 1e-9)
				return
			}
		case <-deadline:
			t.Fatal("no parent progress delivered")
		}
	}
}

// ── queries and maintenance ───────────────────────────────────

func TestAllTasks_HidesChunksAndFiltersGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.probe = executor.ProbeResult{Length: 100, AcceptRanges: true}

	grouped := downloadReq("g1")
	grouped.Task.Group = "reports"
	require.NoError(t, h.o.Enqueue(ctx, grouped))
	require.NoError(t, h.o.Enqueue(ctx, downloadReq("plain")))
	require.NoError(t, h.o.Enqueue(ctx, parallelReq("par", 2)))
	h.waitChunkSubs(t, 2)

	all := h.o.AllTasks("")
	ids := make(map[string]bool, len(all))
	for _, task := range all {
		ids[task.ID] = true
		assert.NotEqual(t, domain.ChunkGroup, task.Group)
	}
	assert.True(t, ids["g1"] && ids["plain"] && ids["par"], "got %v", ids)

	reports := h.o.AllTasks("reports")
	require.Len(t, reports, 1)
	assert.Equal(t, "g1", reports[0].ID)
}

func TestTaskForID_NeverSurfacesChunks(t *testing.T) {
	h := newHarness(t)
	h.exec.probe = executor.ProbeResult{Length: 100, AcceptRanges: true}
	require.NoError(t, h.o.Enqueue(context.Background(), parallelReq("par", 2)))
	subs := h.waitChunkSubs(t, 2)

	_, found := h.o.TaskForID(subs[0].task.ID)
	assert.False(t, found)
	_, found = h.o.TaskForID("par")
	assert.True(t, found)
}

func TestNotifications_FollowConfig(t *testing.T) {
	h := newHarness(t)
	req := downloadReq("n1")
	req.Notification = &domain.NotificationConfig{Running: true, Complete: true}
	require.NoError(t, h.o.Enqueue(context.Background(), req))

	h.emitRunning("n1")
	h.waitStatus(t, "n1", domain.StatusRunning)
	h.emitComplete("n1", "")
	h.waitStatus(t, "n1", domain.StatusComplete)

	require.Eventually(t, func() bool {
		return len(h.notifier.received()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	evs := h.notifier.received()
	assert.Equal(t, domain.StatusRunning, evs[0].Status)
	assert.Equal(t, domain.StatusComplete, evs[1].Status)
}

func TestMaintain_RunsWithoutPruner(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Enqueue(context.Background(), downloadReq("t1")))

	h.o.Maintain(context.Background())

	waiting, running, paused, retrying := h.o.Stats()
	assert.Equal(t, 0, waiting)
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, paused)
	assert.Equal(t, 0, retrying)
}

func TestPopBuffered_DrainAfterDetach(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.o.bridge.Detach()

	require.NoError(t, h.o.Enqueue(ctx, downloadReq("buf")))
	h.emitRunning("buf")

	require.Eventually(t, func() bool {
		task, found := h.o.TaskForID("buf")
		return found && task.Status == domain.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	statuses, err := h.o.PopBufferedStatuses(ctx)
	require.NoError(t, err)
	require.Contains(t, statuses, "buf")
	assert.Equal(t, domain.StatusRunning, statuses["buf"].Status)

	// Pop cleared the buffer.
	statuses, err = h.o.PopBufferedStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}
