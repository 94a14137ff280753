// Package store is the PostgreSQL gateway for notify tasks, their producers
// and producer secrets.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrBadTaskData is returned by LoadTasks when a task's data column is not a JSON object.
	ErrBadTaskData = errors.New("store: bad task data")
	// ErrTaskNotFound is returned by UpdateTask when no row has the id.
	ErrTaskNotFound = errors.New("store: task not found")
)

// DBTX is the subset of pgxpool.Pool the gateway needs.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store reads and updates notify tasks.
type Store struct {
	db DBTX
}

func New(db DBTX) *Store {
	return &Store{db: db}
}

const loadTasksSQL = `
	SELECT t.id, t.type, t.data, t.status, t.producer_id, t.retries,
	       t.retry_at, t.handled_at, t.finished_at, t.failure_reasons,
	       t.created_at, t.updated_at,
	       p.id, p.name, p.code, p.notify_url
	FROM notify_tasks t
	LEFT JOIN producers p ON p.id = t.producer_id
	WHERE t.id = ANY($1)
	ORDER BY t.id`

// Secrets come newest first so the first row per producer is the one used.
const loadSecretsSQL = `
	SELECT id, secret_id, secret_key, producer_id
	FROM secrets
	WHERE producer_id = ANY($1)
	ORDER BY producer_id, id DESC`

// LoadTasks returns the tasks whose id is in ids, each with its producer and
// that producer's most recent secret. Unknown ids are silently absent.
// A task whose data does not parse fails the whole load.
func (s *Store) LoadTasks(ctx context.Context, ids []int64) ([]*Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, loadTasksSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	producerIDs := make([]int64, 0, len(tasks))
	seen := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		if t.Producer != nil && !seen[t.ProducerID] {
			seen[t.ProducerID] = true
			producerIDs = append(producerIDs, t.ProducerID)
		}
	}
	if len(producerIDs) == 0 {
		return tasks, nil
	}

	secrets, err := s.loadSecrets(ctx, producerIDs)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.Secret = secrets[t.ProducerID]
	}
	return tasks, nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t            Task
			data         *string
			status       string
			pID          *int64
			pName, pCode *string
			pURL         *string
		)
		if err := rows.Scan(
			&t.ID, &t.Type, &data, &status, &t.ProducerID, &t.Retries,
			&t.RetryAt, &t.HandledAt, &t.FinishedAt, &t.FailureReasons,
			&t.CreatedAt, &t.UpdatedAt,
			&pID, &pName, &pCode, &pURL,
		); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		t.Status = Status(status)
		if data != nil {
			t.Data = *data
		}
		parsed, err := parsePayload(t.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", ErrBadTaskData, t.ID, err)
		}
		t.DataParsed = parsed

		if pID != nil {
			t.Producer = &Producer{ID: *pID, Name: deref(pName), Code: deref(pCode), NotifyURL: deref(pURL)}
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) loadSecrets(ctx context.Context, producerIDs []int64) (map[int64]*Secret, error) {
	rows, err := s.db.Query(ctx, loadSecretsSQL, producerIDs)
	if err != nil {
		return nil, fmt.Errorf("store: query secrets: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*Secret, len(producerIDs))
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.ID, &sec.SecretID, &sec.SecretKey, &sec.ProducerID); err != nil {
			return nil, fmt.Errorf("store: scan secret: %w", err)
		}
		if cur, ok := out[sec.ProducerID]; ok && cur.ID >= sec.ID {
			continue
		}
		out[sec.ProducerID] = &sec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read secrets: %w", err)
	}
	return out, nil
}

// UpdateTask applies u to the task with the given id. There is no version
// check; the last writer wins.
func (s *Store) UpdateTask(ctx context.Context, id int64, u Update) error {
	if u == nil {
		return errors.New("store: nil update")
	}
	query, args := buildUpdate(id, u)
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return nil
}

func buildUpdate(id int64, u Update) (string, []any) {
	as := u.assignments()
	args := make([]any, 0, len(as)+1)
	args = append(args, id)

	var b strings.Builder
	b.WriteString("UPDATE notify_tasks SET ")
	for _, a := range as {
		args = append(args, a.value)
		b.WriteString(a.column)
		b.WriteString(" = $")
		b.WriteString(strconv.Itoa(len(args)))
		b.WriteString(", ")
	}
	b.WriteString("updated_at = now() WHERE id = $1")
	return b.String(), args
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
