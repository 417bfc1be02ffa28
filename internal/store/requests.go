package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dsr/internal/model"
)

const requestColumns = `id, status, policy_key, identity, current_step, message, created_at, updated_at, finished_at`

// CreatePrivacyRequest inserts a new privacy request. Creating an ID that
// already exists is an error.
func (s *Store) CreatePrivacyRequest(ctx context.Context, pr *model.PrivacyRequest) error {
	identity, err := EncodeIdentity(pr.Identity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO privacy_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pr.ID, pr.Status, pr.PolicyKey, identity, pr.CurrentStep, pr.Message,
		ToNanos(pr.CreatedAt), ToNanos(pr.UpdatedAt), nullableNanos(pr))
	if err != nil {
		return fmt.Errorf("insert privacy request %s: %w", pr.ID, err)
	}
	return nil
}

// SavePrivacyRequest overwrites the mutable fields of an existing request.
func (s *Store) SavePrivacyRequest(ctx context.Context, pr *model.PrivacyRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE privacy_requests
		SET status = ?, current_step = ?, message = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, pr.Status, pr.CurrentStep, pr.Message, ToNanos(pr.UpdatedAt), nullableNanos(pr), pr.ID)
	if err != nil {
		return fmt.Errorf("update privacy request %s: %w", pr.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update privacy request %s: %w", pr.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("privacy request %s: %w", pr.ID, ErrNotFound)
	}
	return nil
}

// GetPrivacyRequest returns ErrNotFound for an unknown id.
func (s *Store) GetPrivacyRequest(ctx context.Context, id string) (*model.PrivacyRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM privacy_requests WHERE id = ?`, id)
	pr, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("privacy request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get privacy request %s: %w", id, err)
	}
	return pr, nil
}

// ListPrivacyRequests returns requests in creation order, restricted to the
// given statuses when any are named.
func (s *Store) ListPrivacyRequests(ctx context.Context, statuses ...model.RequestStatus) ([]*model.PrivacyRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM privacy_requests`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list privacy requests: %w", err)
	}
	defer rows.Close()

	var out []*model.PrivacyRequest
	for rows.Next() {
		pr, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan privacy request: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// DeletePrivacyRequest removes a request and, by cascade, its tasks.
// Execution logs are kept.
func (s *Store) DeletePrivacyRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM privacy_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete privacy request %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*model.PrivacyRequest, error) {
	var (
		pr               model.PrivacyRequest
		identity         string
		created, updated int64
		finished         sql.NullInt64
	)
	if err := sc.Scan(&pr.ID, &pr.Status, &pr.PolicyKey, &identity, &pr.CurrentStep, &pr.Message,
		&created, &updated, &finished); err != nil {
		return nil, err
	}
	var err error
	if pr.Identity, err = DecodeIdentity(identity); err != nil {
		return nil, err
	}
	pr.CreatedAt = FromNanos(created)
	pr.UpdatedAt = FromNanos(updated)
	if finished.Valid {
		t := FromNanos(finished.Int64)
		pr.FinishedAt = &t
	}
	return &pr, nil
}

func nullableNanos(pr *model.PrivacyRequest) sql.NullInt64 {
	if pr.FinishedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ToNanos(*pr.FinishedAt), Valid: true}
}
