package storage

// postgresSchema is applied statement by statement by Store.EnsureSchema.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id              TEXT PRIMARY KEY,
        source          TEXT NOT NULL,
        kind            TEXT NOT NULL,
        rule_id         TEXT,
        metric          TEXT NOT NULL,
        severity        TEXT NOT NULL,
        current_value   DOUBLE PRECISION NOT NULL,
        expected_value  DOUBLE PRECISION NOT NULL,
        deviation       DOUBLE PRECISION NOT NULL,
        message         TEXT NOT NULL,
        channels        TEXT[] NOT NULL DEFAULT '{}',
        triggered_at    TIMESTAMPTZ NOT NULL,
        acknowledged_at TIMESTAMPTZ,
        acknowledged_by TEXT,
        resolved_at     TIMESTAMPTZ,
        resolved_by     TEXT
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_source_idx ON alerts (source) WHERE resolved_at IS NULL;`,
	`CREATE INDEX IF NOT EXISTS alerts_triggered_at_idx ON alerts (triggered_at DESC);`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
        id          TEXT PRIMARY KEY,
        name        TEXT NOT NULL,
        metric      TEXT NOT NULL,
        threshold   DOUBLE PRECISION NOT NULL,
        operator    TEXT NOT NULL,
        severity    TEXT NOT NULL DEFAULT '',
        channels    TEXT[] NOT NULL DEFAULT '{}',
        enabled     BOOLEAN NOT NULL DEFAULT TRUE,
        created_by  TEXT,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS metric_events (
        id          BIGSERIAL PRIMARY KEY,
        metric      TEXT NOT NULL,
        subject_id  TEXT,
        occurred_at TIMESTAMPTZ NOT NULL,
        value       DOUBLE PRECISION NOT NULL DEFAULT 1,
        dimension   TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE INDEX IF NOT EXISTS metric_events_metric_time_idx ON metric_events (metric, occurred_at);`,
	`CREATE INDEX IF NOT EXISTS metric_events_subject_idx ON metric_events (subject_id, metric, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
        id            TEXT PRIMARY KEY,
        subject_id    TEXT NOT NULL,
        plan          TEXT NOT NULL,
        status        TEXT NOT NULL,
        price_monthly NUMERIC(14,2) NOT NULL DEFAULT 0,
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS subscriptions_status_idx ON subscriptions (status);`,
}

// sqliteSchema mirrors postgresSchema. Timestamps are unix nanoseconds, arrays are JSON text and
// prices are decimal strings.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id              TEXT PRIMARY KEY,
        source          TEXT NOT NULL,
        kind            TEXT NOT NULL,
        rule_id         TEXT,
        metric          TEXT NOT NULL,
        severity        TEXT NOT NULL,
        current_value   REAL NOT NULL,
        expected_value  REAL NOT NULL,
        deviation       REAL NOT NULL,
        message         TEXT NOT NULL,
        channels        TEXT NOT NULL DEFAULT '[]',
        triggered_at    INTEGER NOT NULL,
        acknowledged_at INTEGER,
        acknowledged_by TEXT,
        resolved_at     INTEGER,
        resolved_by     TEXT
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_source_idx ON alerts (source) WHERE resolved_at IS NULL;`,
	`CREATE INDEX IF NOT EXISTS alerts_triggered_at_idx ON alerts (triggered_at DESC);`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
        id          TEXT PRIMARY KEY,
        name        TEXT NOT NULL,
        metric      TEXT NOT NULL,
        threshold   REAL NOT NULL,
        operator    TEXT NOT NULL,
        severity    TEXT NOT NULL DEFAULT '',
        channels    TEXT NOT NULL DEFAULT '[]',
        enabled     INTEGER NOT NULL DEFAULT 1,
        created_by  TEXT,
        created_at  INTEGER NOT NULL,
        updated_at  INTEGER NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS metric_events (
        id          INTEGER PRIMARY KEY AUTOINCREMENT,
        metric      TEXT NOT NULL,
        subject_id  TEXT,
        occurred_at INTEGER NOT NULL,
        value       REAL NOT NULL DEFAULT 1,
        dimension   TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE INDEX IF NOT EXISTS metric_events_metric_time_idx ON metric_events (metric, occurred_at);`,
	`CREATE INDEX IF NOT EXISTS metric_events_subject_idx ON metric_events (subject_id, metric, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
        id            TEXT PRIMARY KEY,
        subject_id    TEXT NOT NULL,
        plan          TEXT NOT NULL,
        status        TEXT NOT NULL,
        price_monthly TEXT NOT NULL DEFAULT '0',
        updated_at    INTEGER NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS subscriptions_status_idx ON subscriptions (status);`,
}
