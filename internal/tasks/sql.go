package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/observability"
)

// SQLStore implements Store on sqlite or postgres. Queries are written with
// ? placeholders and rebound for postgres.
type SQLStore struct {
	db      *sql.DB
	driver  string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSQLStore opens the configured database, verifies connectivity, and
// ensures the schema exists.
func NewSQLStore(cfg config.StoreConfig, logger *slog.Logger, metrics *observability.Metrics) (*SQLStore, error) {
	driverName := cfg.Driver
	if driverName == "sqlite" {
		// modernc registers as "sqlite"; nothing to translate.
	} else if driverName != "postgres" {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := NewSQLStoreWithDB(db, cfg.Driver, logger, metrics)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an already-open database whose schema is assumed
// present. The caller keeps ownership of db's lifecycle until Close.
func NewSQLStoreWithDB(db *sql.DB, driver string, logger *slog.Logger, metrics *observability.Metrics) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		driver:  driver,
		logger:  logger.With("component", "task-store"),
		metrics: metrics,
	}, nil
}

// DB exposes the connection pool so sibling stores (description cache) can
// share it.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			arguments TEXT,
			status TEXT NOT NULL,
			max_steps INTEGER NOT NULL,
			execution_mode TEXT NOT NULL,
			allow_early_completion BOOLEAN NOT NULL DEFAULT FALSE,
			current_step INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			result_summary TEXT,
			error_kind TEXT,
			early_completion BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at)`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			task_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			confidence REAL NOT NULL DEFAULT 0,
			result_text TEXT,
			page_url TEXT,
			page_title TEXT,
			error_kind TEXT,
			error_message TEXT,
			PRIMARY KEY (task_id, step_number)
		)`,
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			step_number INTEGER,
			kind TEXT NOT NULL,
			content_ref TEXT,
			public_url TEXT,
			bytes INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			quality_score REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts (task_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for the postgres driver.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) observe(operation, table string, start time.Time) {
	if s.metrics != nil {
		s.metrics.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// CreateTask inserts the task in QUEUED.
func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = StatusQueued

	defer s.observe("insert", "tasks", time.Now())

	var args any
	if task.Arguments != nil {
		args = string(task.Arguments)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (
			id, tool_name, arguments, status, max_steps, execution_mode,
			allow_early_completion, current_step, created_at,
			result_summary, error_kind, early_completion
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID,
		task.ToolName,
		args,
		string(task.Status),
		task.MaxSteps,
		string(task.ExecutionMode),
		task.AllowEarlyCompletion,
		task.CurrentStep,
		task.CreatedAt,
		nullableString(task.ResultSummary),
		nullableString(string(task.ErrorKind)),
		task.EarlyCompletion,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Transition compare-and-swaps the task status. The CAS is a single UPDATE
// guarded by the expected status, so concurrent callers race safely.
func (s *SQLStore) Transition(ctx context.Context, taskID string, from, to Status, fields TransitionFields) (*Task, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s→%s is not an allowed edge", ErrIllegalTransition, from, to)
	}

	defer s.observe("update", "tasks", time.Now())

	now := time.Now()
	set := []string{"status = ?"}
	args := []any{string(to)}
	if to == StatusRunning {
		set = append(set, "started_at = ?")
		args = append(args, now)
	}
	if to.IsTerminal() {
		set = append(set, "ended_at = ?")
		args = append(args, now)
	}
	if fields.ResultSummary != nil {
		set = append(set, "result_summary = ?")
		args = append(args, nullableString(*fields.ResultSummary))
	}
	if fields.ErrorKind != nil {
		set = append(set, "error_kind = ?")
		args = append(args, nullableString(string(*fields.ErrorKind)))
	}
	if fields.EarlyCompletion != nil {
		set = append(set, "early_completion = ?")
		args = append(args, *fields.EarlyCompletion)
	}
	args = append(args, taskID, string(from))

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ? AND status = ?", strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition task: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing task from a lost CAS race.
		var current string
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM tasks WHERE id = ?`), taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		if err != nil {
			return nil, fmt.Errorf("transition task: %w", err)
		}
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrIllegalTransition, current, from)
	}

	return s.fetchTaskRow(ctx, taskID)
}

// RecordStep appends a step record inside a transaction so dense numbering
// and the single-RUNNING-step rule hold under concurrency.
func (s *SQLStore) RecordStep(ctx context.Context, rec *StepRecord) error {
	if rec == nil {
		return fmt.Errorf("step record is required")
	}

	defer s.observe("insert", "task_steps", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var maxSteps, currentStep int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT max_steps, current_step FROM tasks WHERE id = ?`), rec.TaskID).
		Scan(&maxSteps, &currentStep)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.TaskID)
	}
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	if rec.StepNumber != currentStep+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrStepSequence, rec.StepNumber, currentStep+1)
	}
	if rec.StepNumber > maxSteps {
		return fmt.Errorf("%w: %d exceeds max_steps %d", ErrStepSequence, rec.StepNumber, maxSteps)
	}
	if rec.Status == StepRunning {
		var running int
		err = tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM task_steps WHERE task_id = ? AND status = ?`),
			rec.TaskID, string(StepRunning)).Scan(&running)
		if err != nil {
			return fmt.Errorf("record step: %w", err)
		}
		if running > 0 {
			return fmt.Errorf("%w: task %s", ErrStepRunning, rec.TaskID)
		}
		if rec.StartedAt == nil {
			now := time.Now()
			rec.StartedAt = &now
		}
	}

	var pageURL, pageTitle string
	if rec.BrowserState != nil {
		pageURL = rec.BrowserState.URL
		pageTitle = rec.BrowserState.Title
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO task_steps (
			task_id, step_number, status, description, started_at, ended_at,
			confidence, result_text, page_url, page_title, error_kind, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.TaskID,
		rec.StepNumber,
		string(rec.Status),
		rec.Description,
		nullableTime(rec.StartedAt),
		nullableTime(rec.EndedAt),
		rec.Confidence,
		nullableString(rec.ResultText),
		nullableString(pageURL),
		nullableString(pageTitle),
		nullableString(string(rec.ErrorKind)),
		nullableString(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET current_step = ? WHERE id = ?`),
		rec.StepNumber, rec.TaskID)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateStep finalizes a recorded step. The row is read and rewritten in
// one transaction so unset update fields preserve current values.
func (s *SQLStore) UpdateStep(ctx context.Context, taskID string, stepNumber int, upd StepUpdate) error {
	defer s.observe("update", "task_steps", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT status, started_at, ended_at, confidence, result_text, page_url, page_title
		FROM task_steps WHERE task_id = ? AND step_number = ?
	`), taskID, stepNumber)

	var (
		status     string
		startedAt  sql.NullTime
		endedAt    sql.NullTime
		confidence float64
		resultText sql.NullString
		pageURL    sql.NullString
		pageTitle  sql.NullString
	)
	err = row.Scan(&status, &startedAt, &endedAt, &confidence, &resultText, &pageURL, &pageTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s step %d", ErrStepNotFound, taskID, stepNumber)
	}
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	now := time.Now()
	if upd.Status == StepRunning && !startedAt.Valid {
		startedAt = sql.NullTime{Time: now, Valid: true}
	}
	if upd.Status.IsTerminal() && !endedAt.Valid {
		endedAt = sql.NullTime{Time: now, Valid: true}
	}
	if upd.Confidence != nil {
		confidence = *upd.Confidence
	}
	if upd.ResultText != nil {
		resultText = nullableString(*upd.ResultText)
	}
	if upd.BrowserState != nil {
		pageURL = nullableString(upd.BrowserState.URL)
		pageTitle = nullableString(upd.BrowserState.Title)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE task_steps SET
			status = ?,
			started_at = ?,
			ended_at = ?,
			confidence = ?,
			result_text = ?,
			page_url = ?,
			page_title = ?,
			error_kind = ?,
			error_message = ?
		WHERE task_id = ? AND step_number = ?
	`),
		string(upd.Status),
		startedAt,
		endedAt,
		confidence,
		resultText,
		pageURL,
		pageTitle,
		nullableString(string(upd.ErrorKind)),
		nullableString(upd.ErrorMessage),
		taskID,
		stepNumber,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AttachArtifact appends an artifact.
func (s *SQLStore) AttachArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact == nil {
		return fmt.Errorf("artifact is required")
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}

	defer s.observe("insert", "task_artifacts", time.Now())

	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM tasks WHERE id = ?`), artifact.TaskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, artifact.TaskID)
	}
	if err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}

	var step sql.NullInt64
	if artifact.StepNumber != nil {
		step = sql.NullInt64{Int64: int64(*artifact.StepNumber), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO task_artifacts (
			id, task_id, step_number, kind, content_ref, public_url,
			bytes, width, height, quality_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		artifact.ID,
		artifact.TaskID,
		step,
		string(artifact.Kind),
		nullableString(artifact.ContentRef),
		nullableString(artifact.PublicURL),
		artifact.Bytes,
		artifact.Width,
		artifact.Height,
		artifact.QualityScore,
		artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}
	return nil
}

const taskColumns = `id, tool_name, arguments, status, max_steps, execution_mode,
	allow_early_completion, current_step, created_at, started_at, ended_at,
	result_summary, error_kind, early_completion`

// Fetch returns the task with ordered steps and artifacts hydrated.
func (s *SQLStore) Fetch(ctx context.Context, taskID string) (*Task, error) {
	defer s.observe("select", "tasks", time.Now())

	task, err := s.fetchTaskRow(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT task_id, step_number, status, description, started_at, ended_at,
			   confidence, result_text, page_url, page_title, error_kind, error_message
		FROM task_steps WHERE task_id = ? ORDER BY step_number ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		task.Steps = append(task.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch steps: %w", err)
	}

	arows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, task_id, step_number, kind, content_ref, public_url,
			   bytes, width, height, quality_score, created_at
		FROM task_artifacts WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch artifacts: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		artifact, err := scanArtifact(arows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		task.Artifacts = append(task.Artifacts, artifact)
	}
	if err := arows.Err(); err != nil {
		return nil, fmt.Errorf("fetch artifacts: %w", err)
	}

	return task, nil
}

func (s *SQLStore) fetchTaskRow(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	return task, nil
}

// List returns task records newest first.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	defer s.observe("select", "tasks", time.Now())

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if opts.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*opts.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// Prune deletes terminal tasks older than the given age, cascading step
// records and artifacts.
func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	defer s.observe("delete", "tasks", time.Now())

	cutoff := time.Now().Add(-olderThan)
	terminal := []any{
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff,
	}
	where := `status IN (?, ?, ?) AND ended_at IS NOT NULL AND ended_at < ?`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	for _, table := range []string{"task_steps", "task_artifacts"} {
		q := fmt.Sprintf("DELETE FROM %s WHERE task_id IN (SELECT id FROM tasks WHERE %s)", table, where)
		if _, err := tx.ExecContext(ctx, s.rebind(q), terminal...); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM tasks WHERE "+where), terminal...)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(affected), nil
}

// HasArtifactRef reports whether any screenshot artifact still references
// the given capture filename. The retention sweeper uses it to decide the
// applicable window.
func (s *SQLStore) HasArtifactRef(ctx context.Context, filename string) (bool, error) {
	defer s.observe("select", "task_artifacts", time.Now())

	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM task_artifacts
		WHERE kind = ? AND (content_ref = ? OR content_ref LIKE ?)
	`), string(ArtifactScreenshot), filename, "%/"+filename).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("artifact ref lookup: %w", err)
	}
	return count > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var task Task
	var (
		arguments     sql.NullString
		status        string
		mode          string
		startedAt     sql.NullTime
		endedAt       sql.NullTime
		resultSummary sql.NullString
		errorKind     sql.NullString
	)
	err := s.Scan(
		&task.ID,
		&task.ToolName,
		&arguments,
		&status,
		&task.MaxSteps,
		&mode,
		&task.AllowEarlyCompletion,
		&task.CurrentStep,
		&task.CreatedAt,
		&startedAt,
		&endedAt,
		&resultSummary,
		&errorKind,
		&task.EarlyCompletion,
	)
	if err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.ExecutionMode = ExecutionMode(mode)
	if arguments.Valid {
		task.Arguments = json.RawMessage(arguments.String)
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		task.EndedAt = &endedAt.Time
	}
	task.ResultSummary = resultSummary.String
	task.ErrorKind = fault.Kind(errorKind.String)
	return &task, nil
}

func scanStep(s scanner) (*StepRecord, error) {
	var rec StepRecord
	var (
		status       string
		startedAt    sql.NullTime
		endedAt      sql.NullTime
		resultText   sql.NullString
		pageURL      sql.NullString
		pageTitle    sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
	)
	err := s.Scan(
		&rec.TaskID,
		&rec.StepNumber,
		&status,
		&rec.Description,
		&startedAt,
		&endedAt,
		&rec.Confidence,
		&resultText,
		&pageURL,
		&pageTitle,
		&errorKind,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = StepStatus(status)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	rec.ResultText = resultText.String
	if pageURL.Valid || pageTitle.Valid {
		rec.BrowserState = &BrowserState{URL: pageURL.String, Title: pageTitle.String}
	}
	rec.ErrorKind = fault.Kind(errorKind.String)
	rec.ErrorMessage = errorMessage.String
	return &rec, nil
}

func scanArtifact(s scanner) (*Artifact, error) {
	var a Artifact
	var (
		step       sql.NullInt64
		kind       string
		contentRef sql.NullString
		publicURL  sql.NullString
	)
	err := s.Scan(
		&a.ID,
		&a.TaskID,
		&step,
		&kind,
		&contentRef,
		&publicURL,
		&a.Bytes,
		&a.Width,
		&a.Height,
		&a.QualityScore,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if step.Valid {
		v := int(step.Int64)
		a.StepNumber = &v
	}
	a.Kind = ArtifactKind(kind)
	a.ContentRef = contentRef.String
	a.PublicURL = publicURL.String
	return &a, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isDuplicateKey matches the primary-key violation text of both drivers.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
