package pgstore

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS dsr_privacy_requests (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    policy_key   TEXT NOT NULL,
    identity     JSONB NOT NULL DEFAULT '{}',
    current_step TEXT NOT NULL,
    message      TEXT NOT NULL DEFAULT '',
    created_at   BIGINT NOT NULL,
    updated_at   BIGINT NOT NULL,
    finished_at  BIGINT
);

CREATE TABLE IF NOT EXISTS dsr_request_tasks (
    id                   TEXT PRIMARY KEY,
    privacy_request_id   TEXT NOT NULL REFERENCES dsr_privacy_requests(id) ON DELETE CASCADE,
    collection_address   TEXT NOT NULL,
    action_type          TEXT NOT NULL,
    status               TEXT NOT NULL,
    upstream_tasks       JSONB NOT NULL,
    downstream_tasks     JSONB NOT NULL,
    all_descendant_tasks JSONB NOT NULL,
    collection           JSONB,
    traversal_details    JSONB NOT NULL,
    access_data          BYTEA,
    access_data_key      TEXT NOT NULL DEFAULT '',
    rows_masked          BIGINT,
    consent_sent         BOOLEAN,
    is_root_task         BOOLEAN NOT NULL DEFAULT FALSE,
    is_terminator_task   BOOLEAN NOT NULL DEFAULT FALSE,
    attempts             INTEGER NOT NULL DEFAULT 0,
    lease_owner          TEXT NOT NULL DEFAULT '',
    lease_expires_at     BIGINT NOT NULL DEFAULT 0,
    created_at           BIGINT NOT NULL,
    updated_at           BIGINT NOT NULL,
    UNIQUE (privacy_request_id, collection_address, action_type)
);

CREATE INDEX IF NOT EXISTS idx_dsr_request_tasks_request ON dsr_request_tasks(privacy_request_id, action_type);
CREATE INDEX IF NOT EXISTS idx_dsr_request_tasks_lease   ON dsr_request_tasks(status, lease_expires_at);

CREATE TABLE IF NOT EXISTS dsr_execution_logs (
    id                 BIGSERIAL PRIMARY KEY,
    privacy_request_id TEXT NOT NULL,
    connection_key     TEXT NOT NULL,
    dataset_name       TEXT NOT NULL,
    collection_name    TEXT NOT NULL,
    action_type        TEXT NOT NULL,
    status             TEXT NOT NULL,
    message            TEXT NOT NULL DEFAULT '',
    fields_affected    JSONB NOT NULL DEFAULT '[]',
    created_at         BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dsr_execution_logs_request ON dsr_execution_logs(privacy_request_id, id);

CREATE OR REPLACE FUNCTION dsr_execution_logs_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'dsr_execution_logs is append-only';
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER dsr_execution_logs_immutable
BEFORE UPDATE OR DELETE ON dsr_execution_logs
FOR EACH ROW EXECUTE FUNCTION dsr_execution_logs_append_only();
`

// CreateSchema creates the dsr tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops every dsr table.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DROP TABLE IF EXISTS dsr_execution_logs, dsr_request_tasks, dsr_privacy_requests CASCADE;
		DROP FUNCTION IF EXISTS dsr_execution_logs_append_only();
	`)
	return err
}
