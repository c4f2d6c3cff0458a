package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// Journal is the append-only audit trail of transfers. Writes are best
// effort: the orchestrator logs journal errors and keeps going, so a lost
// database never stalls a transfer.
type Journal interface {
	RecordEnqueued(ctx context.Context, task *domain.Task) error
	RecordTransition(ctx context.Context, taskID string, status domain.Status, taskErr *domain.TaskError) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByGroup(ctx context.Context, group string, limit int) ([]*domain.Task, error)
	ListEvents(ctx context.Context, taskID string, limit int) ([]*TransferEvent, error)
}

// TransferEvent is one journalled state transition.
type TransferEvent struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Status       domain.Status `json:"status"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	At           time.Time     `json:"at"`
}

type journal struct {
	pool *pgxpool.Pool
}

// NewJournal wraps a pgxpool with the Journal interface.
func NewJournal(pool *pgxpool.Pool) Journal {
	return &journal{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (j *journal) RecordEnqueued(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	// Upsert: pause/resume and retry cycles re-enqueue the same task ID.
	_, err := j.pool.Exec(ctx, `
		INSERT INTO transfer_tasks
			(id, kind, url, http_method, priority, group_name, unmetered, retries_remaining, filename, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retries_remaining = EXCLUDED.retries_remaining,
			filename = EXCLUDED.filename,
			updated_at = EXCLUDED.updated_at
	`,
		task.ID, string(task.Kind), task.URL, task.HTTPMethod,
		task.Priority, task.Group, string(task.Unmetered),
		task.RetriesRemaining, task.Filename, string(domain.StatusEnqueued), now,
	)
	if err != nil {
		return fmt.Errorf("journal enqueue for task %s: %w", task.ID, err)
	}
	return nil
}

func (j *journal) RecordTransition(ctx context.Context, taskID string, status domain.Status, taskErr *domain.TaskError) error {
	now := time.Now().UTC()
	var finishedAt *time.Time
	if status.IsTerminal() {
		t := now
		finishedAt = &t
	}
	_, err := j.pool.Exec(ctx, `
		UPDATE transfer_tasks
		SET status = $1, updated_at = $2, finished_at = $3
		WHERE id = $4
	`, string(status), now, finishedAt, taskID)
	if err != nil {
		return fmt.Errorf("journal transition for task %s: %w", taskID, err)
	}

	var kind, msg string
	var httpStatus int
	if taskErr != nil {
		kind, msg, httpStatus = string(taskErr.Kind), taskErr.Message, taskErr.HTTPStatus
	}
	_, err = j.pool.Exec(ctx, `
		INSERT INTO transfer_events
			(id, task_id, status, error_kind, error_message, http_status, at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), taskID, string(status), kind, msg, httpStatus, now)
	if err != nil {
		return fmt.Errorf("journal event for task %s: %w", taskID, err)
	}
	return nil
}

func (j *journal) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := j.pool.QueryRow(ctx, `
		SELECT id, kind, url, http_method, priority, group_name, unmetered,
		       retries_remaining, filename, status, created_at
		FROM transfer_tasks
		WHERE id = $1
	`, id)

	return scanTask(row, id)
}

func (j *journal) ListByGroup(ctx context.Context, group string, limit int) ([]*domain.Task, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id, kind, url, http_method, priority, group_name, unmetered,
		       retries_remaining, filename, status, created_at
		FROM transfer_tasks
		WHERE group_name = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks in group %s: %w", group, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (j *journal) ListEvents(ctx context.Context, taskID string, limit int) ([]*TransferEvent, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id, task_id, status, error_kind, error_message, http_status, at
		FROM transfer_events
		WHERE task_id = $1
		ORDER BY at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []*TransferEvent
	for rows.Next() {
		var ev TransferEvent
		var status string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &status, &ev.ErrorKind, &ev.ErrorMessage, &ev.HTTPStatus, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Status = domain.Status(status)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}, id string) (*domain.Task, error) {
	var task domain.Task
	var kind, unmetered, status string
	err := row.Scan(
		&task.ID, &kind, &task.URL, &task.HTTPMethod,
		&task.Priority, &task.Group, &unmetered,
		&task.RetriesRemaining, &task.Filename, &status, &task.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Kind = domain.Kind(kind)
	task.Unmetered = domain.UnmeteredPref(unmetered)
	task.Status = domain.Status(status)
	return &task, nil
}

// Nop returns a Journal that records nothing, for deployments without a
// database configured.
func Nop() Journal { return nopJournal{} }

type nopJournal struct{}

func (nopJournal) RecordEnqueued(context.Context, *domain.Task) error { return nil }
func (nopJournal) RecordTransition(context.Context, string, domain.Status, *domain.TaskError) error {
	return nil
}
func (nopJournal) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}
func (nopJournal) ListByGroup(context.Context, string, int) ([]*domain.Task, error) {
	return nil, nil
}
func (nopJournal) ListEvents(context.Context, string, int) ([]*TransferEvent, error) {
	return nil, nil
}
