package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monoblaine/background-downloader/internal/domain"
	redisstore "github.com/monoblaine/background-downloader/internal/redis"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type memStore struct {
	statuses map[string]domain.StatusUpdate
	progress map[string]domain.ProgressUpdate
	tokens   map[string]domain.ResumeToken
	putErr   error
}

var _ redisstore.BufferStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		statuses: make(map[string]domain.StatusUpdate),
		progress: make(map[string]domain.ProgressUpdate),
		tokens:   make(map[string]domain.ResumeToken),
	}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) PutStatus(_ context.Context, u domain.StatusUpdate) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.statuses[u.TaskID] = u
	return nil
}

func (s *memStore) PutProgress(_ context.Context, u domain.ProgressUpdate) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.progress[u.TaskID] = u
	return nil
}

func (s *memStore) PutResumeToken(_ context.Context, taskID string, tok domain.ResumeToken) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.tokens[taskID] = tok
	return nil
}

func (s *memStore) PopStatuses(context.Context) (map[string]domain.StatusUpdate, error) {
	out := s.statuses
	s.statuses = make(map[string]domain.StatusUpdate)
	return out, nil
}

func (s *memStore) PopProgress(context.Context) (map[string]domain.ProgressUpdate, error) {
	out := s.progress
	s.progress = make(map[string]domain.ProgressUpdate)
	return out, nil
}

func (s *memStore) PopResumeTokens(context.Context) (map[string]domain.ResumeToken, error) {
	out := s.tokens
	s.tokens = make(map[string]domain.ResumeToken)
	return out, nil
}

type recordingListener struct {
	statuses []domain.StatusUpdate
	progress []domain.ProgressUpdate
	err      error
}

func (l *recordingListener) OnStatus(_ context.Context, u domain.StatusUpdate) error {
	if l.err != nil {
		return l.err
	}
	l.statuses = append(l.statuses, u)
	return nil
}

func (l *recordingListener) OnProgress(_ context.Context, u domain.ProgressUpdate) error {
	if l.err != nil {
		return l.err
	}
	l.progress = append(l.progress, u)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestBridge(store *memStore, opts ...Option) *Bridge {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, opts...)
}

func status(taskID string, s domain.Status) domain.StatusUpdate {
	return domain.StatusUpdate{TaskID: taskID, Status: s}
}

func progress(taskID string, fraction float64) domain.ProgressUpdate {
	return domain.ProgressUpdate{TaskID: taskID, Fraction: fraction}
}

// ── status delivery ───────────────────────────────────────────────────────────

func TestPublishStatus_PushesToAttachedListener(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store, WithListener(listener))

	require.NoError(t, b.PublishStatus(context.Background(), status("t1", domain.StatusRunning)))

	require.Len(t, listener.statuses, 1)
	assert.Equal(t, domain.StatusRunning, listener.statuses[0].Status)
	assert.False(t, listener.statuses[0].At.IsZero(), "bridge stamps missing timestamps")
	assert.Empty(t, store.statuses, "delivered updates are not buffered")
}

func TestPublishStatus_BuffersWhenDetached(t *testing.T) {
	store := newMemStore()
	b := newTestBridge(store)

	require.NoError(t, b.PublishStatus(context.Background(), status("t1", domain.StatusComplete)))

	assert.Equal(t, domain.StatusComplete, store.statuses["t1"].Status)
}

func TestPublishStatus_ListenerRejectionFallsBackToBuffer(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{err: errors.New("host gone")}
	b := newTestBridge(store, WithListener(listener))

	require.NoError(t, b.PublishStatus(context.Background(), status("t1", domain.StatusFailed)))

	assert.Empty(t, listener.statuses)
	assert.Equal(t, domain.StatusFailed, store.statuses["t1"].Status, "rejected update must land in the buffer")
}

func TestPublishStatus_BufferKeepsLatestPerTask(t *testing.T) {
	store := newMemStore()
	b := newTestBridge(store)
	ctx := context.Background()

	require.NoError(t, b.PublishStatus(ctx, status("t1", domain.StatusRunning)))
	require.NoError(t, b.PublishStatus(ctx, status("t1", domain.StatusComplete)))
	require.NoError(t, b.PublishStatus(ctx, status("t2", domain.StatusRunning)))

	got, err := b.PopStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusComplete, got["t1"].Status)

	// The pop cleared the buffer.
	again, err := b.PopStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPublishStatus_StoreFailureSurfaces(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("redis down")
	b := newTestBridge(store)

	err := b.PublishStatus(context.Background(), status("t1", domain.StatusComplete))
	require.Error(t, err)
}

func TestAttachDetach_SwitchesDeliveryPath(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store)
	ctx := context.Background()

	require.NoError(t, b.PublishStatus(ctx, status("t1", domain.StatusRunning)))
	assert.Len(t, store.statuses, 1)

	b.Attach(listener)
	require.NoError(t, b.PublishStatus(ctx, status("t2", domain.StatusRunning)))
	assert.Len(t, listener.statuses, 1)

	b.Detach()
	require.NoError(t, b.PublishStatus(ctx, status("t3", domain.StatusRunning)))
	assert.Len(t, listener.statuses, 1, "detached listener receives nothing")
	assert.Contains(t, store.statuses, "t3")
}

// ── progress coalescing ───────────────────────────────────────────────────────

func TestPublishProgress_CoalescesWithinInterval(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store, WithListener(listener), WithProgressInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, b.PublishProgress(ctx, progress("t1", 0.3)))
	require.NoError(t, b.PublishProgress(ctx, progress("t1", 0.4)))
	require.NoError(t, b.PublishProgress(ctx, progress("t1", 0.5)))

	require.Len(t, listener.progress, 1, "mid-range updates inside the interval coalesce")
	assert.Equal(t, 0.3, listener.progress[0].Fraction)
	assert.Empty(t, store.progress, "coalesced updates are dropped, not buffered")
}

func TestPublishProgress_PerTaskIntervals(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store, WithListener(listener), WithProgressInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, b.PublishProgress(ctx, progress("t1", 0.3)))
	require.NoError(t, b.PublishProgress(ctx, progress("t2", 0.3)))

	assert.Len(t, listener.progress, 2, "coalescing is per task, not global")
}

func TestPublishProgress_BoundaryFractionsAlwaysPass(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store, WithListener(listener), WithProgressInterval(time.Hour))
	ctx := context.Background()

	for _, f := range []float64{0, -0.5, 1, 1.5, 0, 1} {
		require.NoError(t, b.PublishProgress(ctx, progress("t1", f)))
	}

	assert.Len(t, listener.progress, 6, "fractions at or beyond the boundaries never coalesce")
}

func TestPublishProgress_TerminalStatusResetsInterval(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store, WithListener(listener), WithProgressInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, b.PublishProgress(ctx, progress("t1", 0.3)))
	require.NoError(t, b.PublishStatus(ctx, status("t1", domain.StatusComplete)))

	// A re-enqueued task with the same ID starts a fresh interval.
	require.NoError(t, b.PublishProgress(ctx, progress("t1", 0.1)))
	assert.Len(t, listener.progress, 2)
}

func TestPublishProgress_RejectionBuffersLatest(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{err: ErrListenerSaturated}
	b := newTestBridge(store, WithListener(listener), WithProgressInterval(time.Millisecond))
	ctx := context.Background()

	require.NoError(t, b.PublishProgress(ctx, progress("t1", 1)))

	assert.Equal(t, 1.0, store.progress["t1"].Fraction)
}

// ── resume tokens ─────────────────────────────────────────────────────────────

func TestStoreResumeToken_NeverPushed(t *testing.T) {
	store := newMemStore()
	listener := &recordingListener{}
	b := newTestBridge(store, WithListener(listener))
	ctx := context.Background()

	tok := domain.ResumeToken{Simple: &domain.SimpleResume{TempPath: "/parts/t1.part", BytesSoFar: 128}}
	require.NoError(t, b.StoreResumeToken(ctx, "t1", tok))

	assert.Empty(t, listener.statuses)
	assert.Empty(t, listener.progress)

	got, err := b.PopResumeTokens(ctx)
	require.NoError(t, err)
	require.NotNil(t, got["t1"].Simple)
	assert.Equal(t, int64(128), got["t1"].Simple.BytesSoFar)

	again, err := b.PopResumeTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

// ── channel listener ──────────────────────────────────────────────────────────

func TestChannelListener_DeliversUntilSaturated(t *testing.T) {
	store := newMemStore()
	listener := NewChannelListener(1)
	b := newTestBridge(store, WithListener(listener))
	ctx := context.Background()

	require.NoError(t, b.PublishStatus(ctx, status("t1", domain.StatusRunning)))
	// Channel now full; the next update must divert to the buffer.
	require.NoError(t, b.PublishStatus(ctx, status("t2", domain.StatusRunning)))

	assert.Contains(t, store.statuses, "t2")

	got := <-listener.Status()
	assert.Equal(t, "t1", got.TaskID)
}
