package postgres

// schemaSQL is the idempotent bootstrap DDL. Deployments that manage schema
// migrations externally can skip Bootstrap; the statements are safe either way.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS monitors (
    id                UUID PRIMARY KEY,
    org_id            UUID NOT NULL,
    project_id        UUID NOT NULL,
    name              TEXT NOT NULL,
    type              TEXT NOT NULL,
    target            TEXT NOT NULL,
    check_config      JSONB NOT NULL DEFAULT '{}',
    frequency_minutes INTEGER NOT NULL,
    status            TEXT NOT NULL,
    alert_config      JSONB NOT NULL DEFAULT '{}',
    scheduled_job_id  TEXT,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS monitors_org_created_idx
    ON monitors (org_id, created_at DESC);

CREATE TABLE IF NOT EXISTS runs (
    id               UUID PRIMARY KEY,
    job_id           UUID,
    org_id           UUID NOT NULL,
    project_id       UUID NOT NULL,
    status           TEXT NOT NULL,
    trigger          TEXT NOT NULL,
    kind             TEXT NOT NULL,
    location         TEXT NOT NULL DEFAULT '',
    metadata         JSONB NOT NULL DEFAULT '{}',
    note             TEXT NOT NULL DEFAULT '',
    queue_job_id     TEXT NOT NULL UNIQUE,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    started_at       TIMESTAMPTZ NOT NULL,
    completed_at     TIMESTAMPTZ,
    duration_ms      BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_org_started_idx
    ON runs (org_id, started_at DESC);

CREATE INDEX IF NOT EXISTS runs_project_started_idx
    ON runs (project_id, started_at DESC);

CREATE INDEX IF NOT EXISTS runs_running_started_idx
    ON runs (started_at)
    WHERE status = 'running';
`
