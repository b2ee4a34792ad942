package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

const taskColumns = `id, type, status, parameters, result, error_code, error_message, created_at, completed_at`

// DB is the subset of pgxpool.Pool the store needs. pgxmock pools satisfy it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// TaskStore persists task records in the tasks table.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps a pool with the task store contract.
func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *TaskStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, type, status, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, string(rec.Type), string(rec.Status), []byte(rec.Parameters), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create task %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.DuplicateTaskError{TaskID: rec.ID}
	}
	return nil
}

func (s *TaskStore) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) (*domain.TaskRecord, error) {
	return s.transition(ctx, id, domain.StatusCompleted, []byte(result), nil, nil, at)
}

func (s *TaskStore) Fail(ctx context.Context, id string, taskErr *domain.TaskError, at time.Time) (*domain.TaskRecord, error) {
	if taskErr == nil {
		taskErr = &domain.TaskError{Code: domain.CodeHandlerExecution, Message: "unknown failure"}
	}
	return s.transition(ctx, id, domain.StatusFailed, nil, &taskErr.Code, &taskErr.Message, at)
}

// transition moves a pending row to a terminal status in one conditional
// UPDATE. When no row matches, a follow-up read tells missing from terminal.
func (s *TaskStore) transition(
	ctx context.Context,
	id string,
	status domain.Status,
	result []byte,
	code, message *string,
	at time.Time,
) (*domain.TaskRecord, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, error_code = $4, error_message = $5, completed_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskColumns,
		id, string(status), result, code, message, at.UTC())

	rec, err := scanTask(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("set task %s %s: %w", id, status, err)
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read status of task %s: %w", id, err)
	}
	return nil, &domain.TaskAlreadyTerminalError{TaskID: id, Status: domain.Status(current)}
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	rec, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return rec, nil
}

func (s *TaskStore) ListRecent(ctx context.Context, limit int) ([]*domain.TaskRecord, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*domain.TaskRecord, 0)
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list recent tasks: %w", err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	return tasks, nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.TaskRecord, error) {
	var (
		rec                 domain.TaskRecord
		taskType, status    string
		params, result      []byte
		errCode, errMessage *string
		completedAt         *time.Time
	)
	err := row.Scan(
		&rec.ID, &taskType, &status, &params, &result,
		&errCode, &errMessage, &rec.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = domain.TaskType(taskType)
	rec.Status = domain.Status(status)
	rec.Parameters = json.RawMessage(params)
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if errCode != nil {
		rec.Error = &domain.TaskError{Code: *errCode}
		if errMessage != nil {
			rec.Error.Message = *errMessage
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}
