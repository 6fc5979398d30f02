package store

import (
	"fmt"
	"strings"

	"flexd/internal/flex"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string { return "NOW()" }
func (d *PostgresDialect) NeedsBoolFix() bool { return false }

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

// LockModelSQL locks the source row without queueing: a concurrent
// clone gets 55P03 immediately, mapped to flex.ErrModelBusy.
func (d *PostgresDialect) LockModelSQL() string {
	return "SELECT id FROM _models WHERE id = $1 FOR UPDATE NOWAIT"
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	ph := pb.Add(values)
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) ArrayParam(values []string) any {
	return values
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib, the underlying error message includes the PG code
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "55P03") || strings.Contains(errStr, "could not obtain lock") {
		return fmt.Errorf("%w: %w", flex.ErrModelBusy, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _models (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    ready       BOOLEAN NOT NULL DEFAULT false,
    copied_from UUID,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _fields (
    id               UUID PRIMARY KEY,
    model_id         UUID NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    kind             TEXT NOT NULL,
    idx              INT NOT NULL DEFAULT 0,
    name             TEXT NOT NULL,
    verbose_name     TEXT NOT NULL,
    description      TEXT DEFAULT '',
    required         BOOLEAN NOT NULL DEFAULT false,
    hidden           BOOLEAN NOT NULL DEFAULT false,
    evaluated        BOOLEAN NOT NULL DEFAULT false,
    generate_metrics BOOLEAN NOT NULL DEFAULT false,
    dropdown         BOOLEAN NOT NULL DEFAULT false,
    fixed_choices    BOOLEAN NOT NULL DEFAULT false,
    text_area        BOOLEAN NOT NULL DEFAULT false,
    UNIQUE(model_id, name)
);

CREATE TABLE IF NOT EXISTS _field_choices (
    id       UUID PRIMARY KEY,
    field_id UUID NOT NULL REFERENCES _fields(id) ON DELETE CASCADE,
    value    TEXT NOT NULL,
    idx      INT NOT NULL DEFAULT 0,
    slug     TEXT NOT NULL,
    UNIQUE(field_id, slug)
);

CREATE TABLE IF NOT EXISTS _description_components (
    id       UUID PRIMARY KEY,
    model_id UUID NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    field_id UUID NOT NULL REFERENCES _fields(id) ON DELETE CASCADE,
    idx      INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _condition_groups (
    id       UUID PRIMARY KEY,
    model_id UUID NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    name     TEXT DEFAULT '',
    operator TEXT,
    idx      INT NOT NULL DEFAULT 0,
    nested   BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS _conditions (
    id         UUID PRIMARY KEY,
    group_id   UUID NOT NULL REFERENCES _condition_groups(id) ON DELETE CASCADE,
    idx        INT NOT NULL DEFAULT 0,
    operator   TEXT,
    definition JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS _actions (
    id         UUID PRIMARY KEY,
    model_id   UUID NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    definition JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS _model_expressions (
    id       UUID PRIMARY KEY,
    model_id UUID NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    name     TEXT NOT NULL,
    idx      INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _expression_groups (
    expression_id UUID NOT NULL REFERENCES _model_expressions(id) ON DELETE CASCADE,
    group_id      UUID NOT NULL REFERENCES _condition_groups(id) ON DELETE CASCADE,
    idx           INT NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, idx)
);

CREATE TABLE IF NOT EXISTS _expression_actions (
    expression_id UUID NOT NULL REFERENCES _model_expressions(id) ON DELETE CASCADE,
    action_id     UUID NOT NULL REFERENCES _actions(id) ON DELETE CASCADE,
    role          TEXT NOT NULL,
    idx           INT NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, role, idx)
);

CREATE TABLE IF NOT EXISTS _field_expressions (
    id       UUID PRIMARY KEY,
    field_id UUID NOT NULL UNIQUE REFERENCES _fields(id) ON DELETE CASCADE,
    name     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _field_expression_groups (
    expression_id UUID NOT NULL REFERENCES _field_expressions(id) ON DELETE CASCADE,
    group_id      UUID NOT NULL REFERENCES _condition_groups(id) ON DELETE CASCADE,
    idx           INT NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, idx)
);

CREATE TABLE IF NOT EXISTS _field_expression_actions (
    expression_id UUID NOT NULL REFERENCES _field_expressions(id) ON DELETE CASCADE,
    action_id     UUID NOT NULL REFERENCES _actions(id) ON DELETE CASCADE,
    role          TEXT NOT NULL,
    idx           INT NOT NULL DEFAULT 0,
    PRIMARY KEY (expression_id, role, idx)
);

CREATE TABLE IF NOT EXISTS _instances (
    id         UUID PRIMARY KEY,
    model_id   UUID NOT NULL REFERENCES _models(id) ON DELETE CASCADE,
    json       JSONB,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_instances_model ON _instances(model_id);

CREATE TABLE IF NOT EXISTS _field_instances (
    id          UUID PRIMARY KEY,
    instance_id UUID NOT NULL REFERENCES _instances(id) ON DELETE CASCADE,
    field_id    UUID NOT NULL REFERENCES _fields(id) ON DELETE CASCADE,
    value       TEXT NOT NULL,
    UNIQUE(field_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_field_instances_instance ON _field_instances(instance_id);

CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT[] DEFAULT '{}',
    active        BOOLEAN DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY,
    user_id    UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at BIGINT NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON _refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS _events (
    id         UUID PRIMARY KEY,
    action     TEXT NOT NULL,
    entity     TEXT,
    record_id  TEXT,
    user_id    TEXT,
    metadata   JSONB,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_record ON _events(record_id);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
