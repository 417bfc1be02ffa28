package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/store"
)

const taskColumns = `id, privacy_request_id, collection_address, action_type, status,
	upstream_tasks, downstream_tasks, all_descendant_tasks, collection, traversal_details,
	access_data, access_data_key, rows_masked, consent_sent,
	is_root_task, is_terminator_task, attempts, lease_owner, lease_expires_at,
	created_at, updated_at`

const terminalStatuses = `('complete', 'error', 'skipped')`

func (s *PGStore) CreateTasks(ctx context.Context, tasks []*model.RequestTask) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range tasks {
		cols, err := store.EncodeTaskColumns(t)
		if err != nil {
			return fmt.Errorf("pgstore: task %s: %w", t.CollectionAddress, err)
		}
		var collection *string
		if cols.Collection != "" {
			collection = &cols.Collection
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dsr_request_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT DO NOTHING`,
			t.ID, t.PrivacyRequestID, t.CollectionAddress.String(), string(t.ActionType), string(t.Status),
			cols.Upstream, cols.Downstream, cols.Descendants, collection, cols.Traversal,
			t.AccessData, t.AccessDataKey, intPtr(t.RowsMasked), t.ConsentSent,
			t.IsRootTask, t.IsTerminatorTask, t.Attempts, t.LeaseOwner, store.ToNanos(t.LeaseExpiresAt),
			store.ToNanos(t.CreatedAt), store.ToNanos(t.UpdatedAt),
		); err != nil {
			return fmt.Errorf("pgstore: insert task %s: %w", t.CollectionAddress, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

func (s *PGStore) GetTask(ctx context.Context, id string) (*model.RequestTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM dsr_request_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get task %s: %w", id, err)
	}
	return t, nil
}

func (s *PGStore) ListTasks(ctx context.Context, privacyRequestID string, action model.ActionType) ([]*model.RequestTask, error) {
	query := `SELECT ` + taskColumns + ` FROM dsr_request_tasks WHERE privacy_request_id = $1`
	args := []any{privacyRequestID}
	if action != "" {
		query += ` AND action_type = $2`
		args = append(args, string(action))
	}
	query += ` ORDER BY action_type, collection_address`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.RequestTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) ClaimTask(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*model.RequestTask, bool, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE dsr_request_tasks
		SET status = 'in_processing', lease_owner = $1, lease_expires_at = $2,
		    attempts = attempts + 1, updated_at = $3
		WHERE id = $4
		  AND (status = 'pending'
		       OR (status IN ('in_processing', 'retrying') AND lease_expires_at <= $3))`,
		owner, store.ToNanos(now.Add(ttl)), store.ToNanos(now), id)
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: claim task %s: %w", id, err)
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, ct.RowsAffected() == 1, nil
}

func (s *PGStore) UpdateTaskStatus(ctx context.Context, id, owner string, status model.TaskStatus, leaseUntil time.Time) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE dsr_request_tasks
		SET status = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = $4 AND lease_owner = $5 AND status NOT IN `+terminalStatuses,
		string(status), store.ToNanos(leaseUntil), store.ToNanos(time.Now()), id, owner)
	if err != nil {
		return false, fmt.Errorf("pgstore: update task %s: %w", id, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PGStore) FinishTask(ctx context.Context, id, owner string, r store.TaskResult, now time.Time) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("pgstore: finish task %s: %q is not a terminal status", id, r.Status)
	}
	ct, err := s.db.Exec(ctx, `
		UPDATE dsr_request_tasks
		SET status = $1, access_data = $2, access_data_key = $3, rows_masked = $4, consent_sent = $5,
		    lease_owner = '', lease_expires_at = 0, updated_at = $6
		WHERE id = $7 AND lease_owner = $8 AND status NOT IN `+terminalStatuses,
		string(r.Status), r.AccessData, r.AccessDataKey, intPtr(r.RowsMasked), r.ConsentSent,
		store.ToNanos(now), id, owner)
	if err != nil {
		return false, fmt.Errorf("pgstore: finish task %s: %w", id, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PGStore) MarkTasksError(ctx context.Context, privacyRequestID string, action model.ActionType, addrs []graph.CollectionAddress, now time.Time) (int, error) {
	if len(addrs) == 0 {
		return 0, nil
	}
	ct, err := s.db.Exec(ctx, `
		UPDATE dsr_request_tasks
		SET status = 'error', lease_owner = '', lease_expires_at = 0, updated_at = $1
		WHERE privacy_request_id = $2 AND action_type = $3
		  AND collection_address = ANY($4)
		  AND status NOT IN `+terminalStatuses,
		store.ToNanos(now), privacyRequestID, string(action), graph.AddressStrings(addrs))
	if err != nil {
		return 0, fmt.Errorf("pgstore: mark tasks error: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PGStore) ClearTaskPayloads(ctx context.Context, privacyRequestID string) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT access_data_key FROM dsr_request_tasks
		WHERE privacy_request_id = $1 AND access_data_key <> ''
		ORDER BY collection_address
		FOR UPDATE`, privacyRequestID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list payload keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan payload keys: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE dsr_request_tasks SET access_data = NULL, access_data_key = ''
		WHERE privacy_request_id = $1`, privacyRequestID); err != nil {
		return nil, fmt.Errorf("pgstore: clear payloads: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

func scanTask(row pgx.Row) (*model.RequestTask, error) {
	var (
		t                    model.RequestTask
		addr, action, status string
		cols                 store.TaskColumns
		collection           *string
		rowsMasked           *int64
		leaseExpires         int64
		created, updated     int64
	)
	if err := row.Scan(&t.ID, &t.PrivacyRequestID, &addr, &action, &status,
		&cols.Upstream, &cols.Downstream, &cols.Descendants, &collection, &cols.Traversal,
		&t.AccessData, &t.AccessDataKey, &rowsMasked, &t.ConsentSent,
		&t.IsRootTask, &t.IsTerminatorTask, &t.Attempts, &t.LeaseOwner, &leaseExpires,
		&created, &updated); err != nil {
		return nil, err
	}

	var err error
	if t.CollectionAddress, err = graph.ParseCollectionAddress(addr); err != nil {
		return nil, err
	}
	t.ActionType = model.ActionType(action)
	t.Status = model.TaskStatus(status)
	if collection != nil {
		cols.Collection = *collection
	}
	if err := cols.DecodeInto(&t); err != nil {
		return nil, err
	}
	if rowsMasked != nil {
		n := int(*rowsMasked)
		t.RowsMasked = &n
	}
	t.LeaseExpiresAt = store.FromNanos(leaseExpires)
	t.CreatedAt = store.FromNanos(created)
	t.UpdatedAt = store.FromNanos(updated)
	return &t, nil
}

func intPtr(n *int) *int64 {
	if n == nil {
		return nil
	}
	v := int64(*n)
	return &v
}
