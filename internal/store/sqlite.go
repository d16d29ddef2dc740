package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"groupcast/internal/domain"
)

// Fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens the SQLite database at path with WAL, foreign keys and
// synchronous commits, and makes sure the schema exists.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  phone TEXT NOT NULL,
  api_id INTEGER NOT NULL,
  api_hash TEXT NOT NULL,
  session_blob BLOB,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  group_ref TEXT NOT NULL,
  schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('interval','daily')),
  schedule_value TEXT NOT NULL,
  image_path TEXT NOT NULL DEFAULT '',
  message_text TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('scheduled','running','stopped')) DEFAULT 'running',
  tag_members INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id, id DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	SaveSession(ctx context.Context, s domain.Session) error
	// LoadLatestSession returns domain.ErrNotFound when no session is stored.
	LoadLatestSession(ctx context.Context) (domain.Session, error)

	UpsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.Status) error
	EditTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]domain.Task, error)

	RecordAttempt(ctx context.Context, a domain.Attempt) error
	ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error)

	// ClearAll removes the session, every task and their attempts.
	ClearAll(ctx context.Context) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func (r *sqliteRepo) SaveSession(ctx context.Context, s domain.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save session", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (phone, api_id, api_hash, session_blob, created_at) VALUES (?,?,?,?,?)`,
		s.Phone, s.APIID, s.APIHash, s.Blob, s.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return storageErr("save session", err)
	}
	last, err := res.LastInsertId()
	if err != nil {
		return storageErr("save session", err)
	}
	// Latest row wins; older sessions are dead weight.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id < ?`, last); err != nil {
		return storageErr("save session", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("save session", err)
	}
	return nil
}

func (r *sqliteRepo) LoadLatestSession(ctx context.Context) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT phone, api_id, api_hash, session_blob, created_at FROM sessions ORDER BY id DESC LIMIT 1`)
	var s domain.Session
	var created string
	err := row.Scan(&s.Phone, &s.APIID, &s.APIHash, &s.Blob, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, storageErr("load session", err)
	}
	s.CreatedAt = parseTime(created)
	return s, nil
}

func (r *sqliteRepo) UpsertTask(ctx context.Context, t domain.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,group_ref,schedule_kind,schedule_value,image_path,message_text,status,tag_members,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  group_ref=excluded.group_ref,
  schedule_kind=excluded.schedule_kind,
  schedule_value=excluded.schedule_value,
  image_path=excluded.image_path,
  message_text=excluded.message_text,
  status=excluded.status,
  tag_members=excluded.tag_members,
  updated_at=excluded.updated_at
`, t.ID, t.Group, string(t.Rule.Kind), t.Rule.Value(), t.ImagePath, t.Text, string(t.Status), t.TagMembers,
		t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return storageErr("upsert task", err)
	}
	return nil
}

const taskColumns = `id,group_ref,schedule_kind,schedule_value,image_path,message_text,status,tag_members,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var kind, value, status, created, updated string
	if err := row.Scan(&t.ID, &t.Group, &kind, &value, &t.ImagePath, &t.Text, &status, &t.TagMembers, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	rule, err := domain.ParseRule(kind, value)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Rule = rule
	t.Status = domain.Status(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, storageErr("get task", err)
	}
	return t, nil
}

func (r *sqliteRepo) UpdateTaskStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q cannot be stored", domain.ErrValidation, status)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
		string(status), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return storageErr("update task status", err)
	}
	return requireRow(res, id)
}

func (r *sqliteRepo) EditTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	var sets []string
	var args []any
	if p.Group != nil {
		sets = append(sets, "group_ref=?")
		args = append(args, *p.Group)
	}
	if p.Rule != nil {
		sets = append(sets, "schedule_kind=?", "schedule_value=?")
		args = append(args, string(p.Rule.Kind), p.Rule.Value())
	}
	if p.Text != nil {
		sets = append(sets, "message_text=?")
		args = append(args, *p.Text)
	}
	if p.TagMembers != nil {
		sets = append(sets, "tag_members=?")
		args = append(args, *p.TagMembers)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, time.Now().UTC().Format(timeLayout), id)

	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return domain.Task{}, storageErr("edit task", err)
	}
	if err := requireRow(res, id); err != nil {
		return domain.Task{}, err
	}
	return r.GetTask(ctx, id)
}

func (r *sqliteRepo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return storageErr("delete task", err)
	}
	return requireRow(res, id)
}

func (r *sqliteRepo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks", err)
	}
	return tasks, nil
}

func (r *sqliteRepo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_attempts (task_id, started_at, finished_at, success, error) VALUES (?,?,?,?,?)`,
		a.TaskID, a.StartedAt.UTC().Format(timeLayout), a.FinishedAt.UTC().Format(timeLayout), a.Success, a.Error)
	if err != nil {
		return storageErr("record attempt", err)
	}
	return nil
}

func (r *sqliteRepo) ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, started_at, finished_at, success, error
FROM task_attempts WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, storageErr("list attempts", err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var started, finished string
		if err := rows.Scan(&a.ID, &a.TaskID, &started, &finished, &a.Success, &a.Error); err != nil {
			return nil, storageErr("list attempts", err)
		}
		a.StartedAt = parseTime(started)
		a.FinishedAt = parseTime(finished)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list attempts", err)
	}
	return attempts, nil
}

func (r *sqliteRepo) ClearAll(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM task_attempts`,
		`DELETE FROM tasks`,
		`DELETE FROM sessions`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("clear", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("clear", err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
