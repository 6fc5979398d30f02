package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"flexd/internal/flex"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string { return "datetime('now')" }
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

// LockModelSQL: the single-connection pool means writers are already
// serialized; a plain select confirms the row exists inside the tx.
func (d *SQLiteDialect) LockModelSQL() string {
	return "SELECT id FROM _models WHERE id = ?1"
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0" // always false
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(phs, ", "))
}

func (d *SQLiteDialect) ArrayParam(values []string) any {
	if values == nil {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", flex.ErrModelBusy, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _models (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    ready       INTEGER NOT NULL DEFAULT 0,
    copied_from TEXT,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _fields (
    id               TEXT PRIMARY KEY,
    model_id         TEXT NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    kind             TEXT NOT NULL,
    idx              INTEGER NOT NULL DEFAULT 0,
    name             TEXT NOT NULL,
    verbose_name     TEXT NOT NULL,
    description      TEXT DEFAULT '',
    required         INTEGER NOT NULL DEFAULT 0,
    hidden           INTEGER NOT NULL DEFAULT 0,
    evaluated        INTEGER NOT NULL DEFAULT 0,
    generate_metrics INTEGER NOT NULL DEFAULT 0,
    dropdown         INTEGER NOT NULL DEFAULT 0,
    fixed_choices    INTEGER NOT NULL DEFAULT 0,
    text_area        INTEGER NOT NULL DEFAULT 0,
    UNIQUE(model_id, name)
);

CREATE TABLE IF NOT EXISTS _field_choices (
    id       TEXT PRIMARY KEY,
    field_id TEXT NOT NULL REFERENCES _fields(id) ON DELETE CASCADE,
    value    TEXT NOT NULL,
    idx      INTEGER NOT NULL DEFAULT 0,
    slug     TEXT NOT NULL,
    UNIQUE(field_id, slug)
);

CREATE TABLE IF NOT EXISTS _description_components (
    id       TEXT PRIMARY KEY,
    model_id TEXT NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    field_id TEXT NOT NULL REFERENCES _fields(id) ON DELETE CASCADE,
    idx      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _condition_groups (
    id       TEXT PRIMARY KEY,
    model_id TEXT NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    name     TEXT DEFAULT '',
    operator TEXT,
    idx      INTEGER NOT NULL DEFAULT 0,
    nested   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _conditions (
    id         TEXT PRIMARY KEY,
    group_id   TEXT NOT NULL REFERENCES _condition_groups(id) ON DELETE CASCADE,
    idx        INTEGER NOT NULL DEFAULT 0,
    operator   TEXT,
    definition TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _actions (
    id         TEXT PRIMARY KEY,
    model_id   TEXT NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    definition TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _model_expressions (
    id       TEXT PRIMARY KEY,
    model_id TEXT NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    name     TEXT NOT NULL,
    idx      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _expression_groups (
    expression_id TEXT NOT NULL REFERENCES _model_expressions(id) ON DELETE CASCADE,
    group_id      TEXT NOT NULL REFERENCES _condition_groups(id) ON DELETE CASCADE,
    idx           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, idx)
);

CREATE TABLE IF NOT EXISTS _expression_actions (
    expression_id TEXT NOT NULL REFERENCES _model_expressions(id) ON DELETE CASCADE,
    action_id     TEXT NOT NULL REFERENCES _actions(id) ON DELETE CASCADE,
    role          TEXT NOT NULL,
    idx           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, role, idx)
);

CREATE TABLE IF NOT EXISTS _field_expressions (
    id       TEXT PRIMARY KEY,
    field_id TEXT NOT NULL UNIQUE REFERENCES _fields(id) ON DELETE CASCADE,
    name     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _field_expression_groups (
    expression_id TEXT NOT NULL REFERENCES _field_expressions(id) ON DELETE CASCADE,
    group_id      TEXT NOT NULL REFERENCES _condition_groups(id) ON DELETE CASCADE,
    idx           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, idx)
);

CREATE TABLE IF NOT EXISTS _field_expression_actions (
    expression_id TEXT NOT NULL REFERENCES _field_expressions(id) ON DELETE CASCADE,
    action_id     TEXT NOT NULL REFERENCES _actions(id) ON DELETE CASCADE,
    role          TEXT NOT NULL,
    idx           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, role, idx)
);

CREATE TABLE IF NOT EXISTS _instances (
    id         TEXT PRIMARY KEY,
    model_id   TEXT NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    json       TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_instances_model ON _instances(model_id);

CREATE TABLE IF NOT EXISTS _field_instances (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL REFERENCES _instances(id) ON DELETE CASCADE,
    field_id    TEXT NOT NULL REFERENCES _fields(id) ON DELETE CASCADE,
    value       TEXT NOT NULL,
    UNIQUE(field_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_field_instances_instance ON _field_instances(instance_id);

CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT DEFAULT '[]',
    active        INTEGER DEFAULT 1,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at INTEGER NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON _refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS _events (
    id         TEXT PRIMARY KEY,
    action     TEXT NOT NULL,
    entity     TEXT,
    record_id  TEXT,
    user_id    TEXT,
    metadata   TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_record ON _events(record_id);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
