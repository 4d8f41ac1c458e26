package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/common/db"
)

// PostgresStore persists tasks in a human_task table. The full record
// lives in a JSONB document; the columns used for filtering, ordering
// and compare-and-swap transitions are broken out alongside it.
type PostgresStore struct {
	db     *db.DB
	logger Logger
}

// NewPostgresStore creates a Postgres-backed task store.
func NewPostgresStore(database *db.DB, logger Logger) *PostgresStore {
	return &PostgresStore{db: database, logger: logger}
}

// EnsureSchema creates the human_task table and its queue index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS human_task (
			id            UUID PRIMARY KEY,
			status        TEXT NOT NULL,
			role_id       TEXT NOT NULL DEFAULT '',
			assignee_id   TEXT NOT NULL DEFAULT '',
			workflow_id   TEXT NOT NULL DEFAULT '',
			run_id        TEXT NOT NULL DEFAULT '',
			token_id      TEXT NOT NULL DEFAULT '',
			priority_rank INT  NOT NULL DEFAULT 1,
			created_at    TIMESTAMPTZ NOT NULL,
			due_at        TIMESTAMPTZ,
			doc           JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS human_task_role_queue
			ON human_task (role_id, priority_rank DESC, created_at ASC)
			WHERE status = 'pending';
	`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure human_task schema: %w", err)
	}
	return nil
}

// Create inserts a new task row.
func (s *PostgresStore) Create(ctx context.Context, t *Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	const q = `
		INSERT INTO human_task
			(id, status, role_id, assignee_id, workflow_id, run_id, token_id,
			 priority_rank, created_at, due_at, doc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err = s.db.Exec(ctx, q,
		t.ID, t.Status, t.RoleID, t.AssigneeID, t.WorkflowID, t.RunID, t.TokenID,
		t.Priority.Rank(), t.CreatedAt, t.DueAt, doc)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns a task by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM human_task WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task %s: %w", id, err)
	}
	return unmarshalTask(id, doc)
}

// List returns tasks matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.RoleID != "" {
		add("role_id", f.RoleID)
	}
	if f.AssigneeID != "" {
		add("assignee_id", f.AssigneeID)
	}
	if f.WorkflowID != "" {
		add("workflow_id", f.WorkflowID)
	}
	if f.RunID != "" {
		add("run_id", f.RunID)
	}
	if f.TokenID != "" {
		add("token_id", f.TokenID)
	}

	q := `SELECT id, doc FROM human_task`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t, err := unmarshalTask(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Transition applies a status change as a compare-and-swap UPDATE
// guarded by the task's current status.
func (s *PostgresStore) Transition(ctx context.Context, id string, expect []Status, mutate func(*Task)) (*Task, error) {
	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !statusIn(current.Status, expect) {
			next := current.Clone()
			mutate(next)
			return nil, &TransitionError{TaskID: id, From: current.Status, To: next.Status}
		}

		next := current.Clone()
		mutate(next)
		doc, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal task %s: %w", id, err)
		}

		const q = `
			UPDATE human_task
			SET status = $1, assignee_id = $2, due_at = $3, doc = $4
			WHERE id = $5 AND status = $6
		`
		tag, err := s.db.Exec(ctx, q,
			next.Status, next.AssigneeID, next.DueAt, doc, id, current.Status)
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			return next, nil
		}

		// Lost the CAS race; re-read and retry against the new status.
		s.logger.Debug("task transition raced, retrying", "task_id", id, "attempt", attempt+1)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &TransitionError{TaskID: id, From: current.Status, To: current.Status}
}

// PendingByRole lists a role's pending tasks in queue order, resolved
// by the partial index.
func (s *PostgresStore) PendingByRole(ctx context.Context, roleID string) ([]*Task, error) {
	const q = `
		SELECT id, doc FROM human_task
		WHERE role_id = $1 AND status = 'pending'
		ORDER BY priority_rank DESC, created_at ASC, id ASC
	`
	rows, err := s.db.Query(ctx, q, roleID)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks for role %s: %w", roleID, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t, err := unmarshalTask(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func unmarshalTask(id string, doc []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}
