package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// Buffered updates survive daemon restarts between pops, but not forever:
// a host that never reconnects should not grow the hashes unboundedly.
const bufferTTL = 7 * 24 * time.Hour

const (
	statusHashKey   = "transfer:buffer:status"
	progressHashKey = "transfer:buffer:progress"
	resumeHashKey   = "transfer:buffer:resume"
)

// BufferStore holds host-bound updates that could not be pushed to a live
// listener. One hash per update kind, field = task ID, so writes are
// last-write-wins per task and a pop drains a whole kind atomically.
type BufferStore interface {
	PutStatus(ctx context.Context, u domain.StatusUpdate) error
	PutProgress(ctx context.Context, u domain.ProgressUpdate) error
	PutResumeToken(ctx context.Context, taskID string, tok domain.ResumeToken) error
	PopStatuses(ctx context.Context) (map[string]domain.StatusUpdate, error)
	PopProgress(ctx context.Context) (map[string]domain.ProgressUpdate, error)
	PopResumeTokens(ctx context.Context) (map[string]domain.ResumeToken, error)
	Ping(ctx context.Context) error
}

type bufferStore struct {
	client *redis.Client
}

// NewBufferStore creates a Redis-backed BufferStore.
func NewBufferStore(client *redis.Client) BufferStore {
	return &bufferStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *bufferStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *bufferStore) put(ctx context.Context, hashKey, taskID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal buffered update for %s: %w", taskID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey, taskID, data)
	pipe.Expire(ctx, hashKey, bufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis buffer write %s for %s: %w", hashKey, taskID, err)
	}
	return nil
}

// pop reads and deletes a whole hash in one MULTI/EXEC so a concurrent
// writer can never land between the read and the clear.
func (s *bufferStore) pop(ctx context.Context, hashKey string) (map[string]string, error) {
	pipe := s.client.TxPipeline()
	getCmd := pipe.HGetAll(ctx, hashKey)
	pipe.Del(ctx, hashKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis buffer pop %s: %w", hashKey, err)
	}
	return getCmd.Val(), nil
}

func (s *bufferStore) PutStatus(ctx context.Context, u domain.StatusUpdate) error {
	return s.put(ctx, statusHashKey, u.TaskID, u)
}

func (s *bufferStore) PutProgress(ctx context.Context, u domain.ProgressUpdate) error {
	return s.put(ctx, progressHashKey, u.TaskID, u)
}

func (s *bufferStore) PutResumeToken(ctx context.Context, taskID string, tok domain.ResumeToken) error {
	return s.put(ctx, resumeHashKey, taskID, tok)
}

func (s *bufferStore) PopStatuses(ctx context.Context) (map[string]domain.StatusUpdate, error) {
	raw, err := s.pop(ctx, statusHashKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.StatusUpdate, len(raw))
	for taskID, data := range raw {
		var u domain.StatusUpdate
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("unmarshal buffered status for %s: %w", taskID, err)
		}
		out[taskID] = u
	}
	return out, nil
}

func (s *bufferStore) PopProgress(ctx context.Context) (map[string]domain.ProgressUpdate, error) {
	raw, err := s.pop(ctx, progressHashKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ProgressUpdate, len(raw))
	for taskID, data := range raw {
		var u domain.ProgressUpdate
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("unmarshal buffered progress for %s: %w", taskID, err)
		}
		out[taskID] = u
	}
	return out, nil
}

func (s *bufferStore) PopResumeTokens(ctx context.Context) (map[string]domain.ResumeToken, error) {
	raw, err := s.pop(ctx, resumeHashKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ResumeToken, len(raw))
	for taskID, data := range raw {
		var tok domain.ResumeToken
		if err := json.Unmarshal([]byte(data), &tok); err != nil {
			return nil, fmt.Errorf("unmarshal buffered resume token for %s: %w", taskID, err)
		}
		out[taskID] = tok
	}
	return out, nil
}
