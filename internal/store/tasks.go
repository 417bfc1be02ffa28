package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
)

const taskColumns = `id, privacy_request_id, collection_address, action_type, status,
	upstream_tasks, downstream_tasks, all_descendant_tasks, collection, traversal_details,
	access_data, access_data_key, rows_masked, consent_sent,
	is_root_task, is_terminator_task, attempts, lease_owner, lease_expires_at,
	created_at, updated_at`

// terminalStatuses is the SQL list of statuses a task never leaves.
const terminalStatuses = `('complete', 'error', 'skipped')`

// CreateTasks inserts the task set of one privacy request and action type
// in a single transaction.
//
// Idempotency: INSERT ... ON CONFLICT DO NOTHING on the task ID and on
// (privacy_request_id, collection_address, action_type), so re-creating a
// task set after a crash leaves existing rows and their progress intact.
func (s *Store) CreateTasks(ctx context.Context, tasks []*model.RequestTask) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO request_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare task insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tasks {
			cols, err := EncodeTaskColumns(t)
			if err != nil {
				return fmt.Errorf("task %s: %w", t.CollectionAddress, err)
			}
			if _, err := stmt.ExecContext(ctx,
				t.ID, t.PrivacyRequestID, t.CollectionAddress.String(), t.ActionType, t.Status,
				cols.Upstream, cols.Downstream, cols.Descendants, nullString(cols.Collection), cols.Traversal,
				t.AccessData, t.AccessDataKey, nullInt(t.RowsMasked), nullBool(t.ConsentSent),
				t.IsRootTask, t.IsTerminatorTask, t.Attempts, t.LeaseOwner, ToNanos(t.LeaseExpiresAt),
				ToNanos(t.CreatedAt), ToNanos(t.UpdatedAt),
			); err != nil {
				return fmt.Errorf("insert task %s: %w", t.CollectionAddress, err)
			}
		}
		return nil
	})
}

// GetTask returns ErrNotFound for an unknown id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.RequestTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM request_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns the tasks of one privacy request ordered by address.
// An empty action lists every action type.
func (s *Store) ListTasks(ctx context.Context, privacyRequestID string, action model.ActionType) ([]*model.RequestTask, error) {
	query := `SELECT ` + taskColumns + ` FROM request_tasks WHERE privacy_request_id = ?`
	args := []any{privacyRequestID}
	if action != "" {
		query += ` AND action_type = ?`
		args = append(args, action)
	}
	query += ` ORDER BY action_type, collection_address`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.RequestTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask implements TaskStore.
func (s *Store) ClaimTask(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*model.RequestTask, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks
		SET status = 'in_processing', lease_owner = ?, lease_expires_at = ?,
		    attempts = attempts + 1, updated_at = ?
		WHERE id = ?
		  AND (status = 'pending'
		       OR (status IN ('in_processing', 'retrying') AND lease_expires_at <= ?))
	`, owner, ToNanos(now.Add(ttl)), ToNanos(now), id, ToNanos(now))
	if err != nil {
		return nil, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, n == 1, nil
}

// UpdateTaskStatus implements TaskStore.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, owner string, status model.TaskStatus, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks
		SET status = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status NOT IN `+terminalStatuses,
		status, ToNanos(leaseUntil), ToNanos(time.Now()), id, owner)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	return n == 1, nil
}

// FinishTask implements TaskStore.
func (s *Store) FinishTask(ctx context.Context, id, owner string, r TaskResult, now time.Time) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("finish task %s: %q is not a terminal status", id, r.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks
		SET status = ?, access_data = ?, access_data_key = ?, rows_masked = ?, consent_sent = ?,
		    lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status NOT IN `+terminalStatuses,
		r.Status, r.AccessData, r.AccessDataKey, nullInt(r.RowsMasked), nullBool(r.ConsentSent),
		ToNanos(now), id, owner)
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkTasksError implements TaskStore.
func (s *Store) MarkTasksError(ctx context.Context, privacyRequestID string, action model.ActionType, addrs []graph.CollectionAddress, now time.Time) (int, error) {
	if len(addrs) == 0 {
		return 0, nil
	}
	args := []any{ToNanos(now), privacyRequestID, action}
	for _, a := range addrs {
		args = append(args, a.String())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks
		SET status = 'error', lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE privacy_request_id = ? AND action_type = ?
		  AND collection_address IN (`+placeholders(len(addrs))+`)
		  AND status NOT IN `+terminalStatuses, args...)
	if err != nil {
		return 0, fmt.Errorf("mark tasks error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark tasks error: %w", err)
	}
	return int(n), nil
}

// ClearTaskPayloads implements TaskStore.
func (s *Store) ClearTaskPayloads(ctx context.Context, privacyRequestID string) ([]string, error) {
	var keys []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT access_data_key FROM request_tasks
			WHERE privacy_request_id = ? AND access_data_key != ''
			ORDER BY collection_address
		`, privacyRequestID)
		if err != nil {
			return fmt.Errorf("list payload keys: %w", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return fmt.Errorf("scan payload key: %w", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE request_tasks SET access_data = NULL, access_data_key = ''
			WHERE privacy_request_id = ?
		`, privacyRequestID); err != nil {
			return fmt.Errorf("clear payloads: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func scanTask(sc scanner) (*model.RequestTask, error) {
	var (
		t                model.RequestTask
		addr             string
		cols             TaskColumns
		collection       sql.NullString
		rowsMasked       sql.NullInt64
		consentSent      sql.NullBool
		leaseExpires     int64
		created, updated int64
	)
	if err := sc.Scan(&t.ID, &t.PrivacyRequestID, &addr, &t.ActionType, &t.Status,
		&cols.Upstream, &cols.Downstream, &cols.Descendants, &collection, &cols.Traversal,
		&t.AccessData, &t.AccessDataKey, &rowsMasked, &consentSent,
		&t.IsRootTask, &t.IsTerminatorTask, &t.Attempts, &t.LeaseOwner, &leaseExpires,
		&created, &updated); err != nil {
		return nil, err
	}

	var err error
	if t.CollectionAddress, err = graph.ParseCollectionAddress(addr); err != nil {
		return nil, err
	}
	cols.Collection = collection.String
	if err := cols.DecodeInto(&t); err != nil {
		return nil, err
	}
	if rowsMasked.Valid {
		n := int(rowsMasked.Int64)
		t.RowsMasked = &n
	}
	if consentSent.Valid {
		b := consentSent.Bool
		t.ConsentSent = &b
	}
	t.LeaseExpiresAt = FromNanos(leaseExpires)
	t.CreatedAt = FromNanos(created)
	t.UpdatedAt = FromNanos(updated)
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
