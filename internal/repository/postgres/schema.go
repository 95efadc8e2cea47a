package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at Open. It mirrors the four entities in
// the domain package plus their enumerated fields. Enum wire-form is
// lowercase tokens throughout.
const schema = `
DO $$ BEGIN
	CREATE TYPE severity_level AS ENUM ('info', 'low', 'medium', 'high', 'critical');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

DO $$ BEGIN
	CREATE TYPE check_type AS ENUM ('script');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

DO $$ BEGIN
	CREATE TYPE scan_status AS ENUM ('pending', 'running', 'completed', 'failed');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

DO $$ BEGIN
	CREATE TYPE check_status AS ENUM ('pass', 'fail', 'error');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

CREATE TABLE IF NOT EXISTS devices (
	id              BIGSERIAL PRIMARY KEY,
	address         TEXT NOT NULL,
	username        TEXT NOT NULL,
	password_sealed BYTEA NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	severity    severity_level NOT NULL,
	check_type  check_type NOT NULL DEFAULT 'script',
	body        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scans (
	id         BIGSERIAL PRIMARY KEY,
	device_id  BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	status     scan_status NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scan_results (
	id         BIGSERIAL PRIMARY KEY,
	scan_id    BIGINT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	rule_id    TEXT NOT NULL REFERENCES rules(id),
	status     check_status NOT NULL,
	details    TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS scan_results_scan_id_idx ON scan_results (scan_id);
`

func (db *DB) applySchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
