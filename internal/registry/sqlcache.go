package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLCache persists descriptions in the tool_descriptions table. It shares
// the task store's database and placeholder dialect.
type SQLCache struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLCache wraps db and ensures the schema exists. driver is "sqlite"
// or "postgres".
func NewSQLCache(db *sql.DB, driver string, logger *slog.Logger) (*SQLCache, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &SQLCache{db: db, driver: driver, logger: logger.With("component", "description-cache")}
	if err := c.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SQLCache) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tool_descriptions (
			id TEXT PRIMARY KEY,
			provider_model TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			description TEXT NOT NULL,
			parameters_info TEXT,
			generation_time_ms BIGINT NOT NULL DEFAULT 0,
			quality_score INTEGER NOT NULL DEFAULT 5,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP NOT NULL,
			UNIQUE (provider_model, tool_name)
		)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (c *SQLCache) rebind(query string) string {
	if c.driver != "postgres" {
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

const descriptionColumns = `id, provider_model, tool_name, description, parameters_info,
	generation_time_ms, quality_score, usage_count, created_at, last_used_at`

// Get returns the cached description or (nil, nil).
func (c *SQLCache) Get(ctx context.Context, model, tool string) (*Description, error) {
	row := c.db.QueryRowContext(ctx, c.rebind(`
		SELECT `+descriptionColumns+`
		FROM tool_descriptions WHERE provider_model = ? AND tool_name = ?
	`), model, tool)

	d, err := scanDescription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get description: %w", err)
	}
	return d, nil
}

// Put upserts the description for (model, tool) in its own transaction,
// preserving usage stats on overwrite.
func (c *SQLCache) Put(ctx context.Context, model, tool, description, schema string, latency time.Duration) (*Description, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	res, err := tx.ExecContext(ctx, c.rebind(`
		UPDATE tool_descriptions SET
			description = ?,
			parameters_info = ?,
			generation_time_ms = ?
		WHERE provider_model = ? AND tool_name = ?
	`), description, schema, latency.Milliseconds(), model, tool)
	if err != nil {
		return nil, fmt.Errorf("put description: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("put description: %w", err)
	}
	if affected == 0 {
		now := time.Now()
		_, err = tx.ExecContext(ctx, c.rebind(`
			INSERT INTO tool_descriptions (
				id, provider_model, tool_name, description, parameters_info,
				generation_time_ms, quality_score, usage_count, created_at, last_used_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`), uuid.NewString(), model, tool, description, schema,
			latency.Milliseconds(), defaultQualityScore, now, now)
		if err != nil {
			return nil, fmt.Errorf("put description: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, c.rebind(`
		SELECT `+descriptionColumns+`
		FROM tool_descriptions WHERE provider_model = ? AND tool_name = ?
	`), model, tool)
	d, err := scanDescription(row)
	if err != nil {
		return nil, fmt.Errorf("put description: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return d, nil
}

// Touch increments usage under its own transaction. Callers run it
// fire-and-forget; errors are logged, never returned to the hot path.
func (c *SQLCache) Touch(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(`
		UPDATE tool_descriptions SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?
	`), time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch description: %w", err)
	}
	return nil
}

// Close is a no-op; the shared database is owned by the task store.
func (c *SQLCache) Close() error { return nil }

func scanDescription(row *sql.Row) (*Description, error) {
	var d Description
	var params sql.NullString
	err := row.Scan(
		&d.ID,
		&d.ProviderModel,
		&d.ToolName,
		&d.Description,
		&params,
		&d.GenerationTimeMS,
		&d.QualityScore,
		&d.UsageCount,
		&d.CreatedAt,
		&d.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ParametersInfo = params.String
	return &d, nil
}
