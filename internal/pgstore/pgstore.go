// Package pgstore implements store.TaskStore on PostgreSQL via pgx, for
// deployments where many worker processes share one task table.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/store"
)

// PGStore implements store.TaskStore using PostgreSQL via pgx.
type PGStore struct {
	db *pgxpool.Pool
}

var _ store.TaskStore = (*PGStore)(nil)

// New creates a PGStore backed by the given pgx connection pool.
func New(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Open connects to dsn and creates the schema.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := New(pool)
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: create schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

const requestColumns = `id, status, policy_key, identity, current_step, message, created_at, updated_at, finished_at`

func (s *PGStore) CreatePrivacyRequest(ctx context.Context, pr *model.PrivacyRequest) error {
	identity, err := store.EncodeIdentity(pr.Identity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO dsr_privacy_requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pr.ID, string(pr.Status), pr.PolicyKey, identity, string(pr.CurrentStep), pr.Message,
		store.ToNanos(pr.CreatedAt), store.ToNanos(pr.UpdatedAt), finishedNanos(pr),
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert privacy request %s: %w", pr.ID, err)
	}
	return nil
}

func (s *PGStore) SavePrivacyRequest(ctx context.Context, pr *model.PrivacyRequest) error {
	ct, err := s.db.Exec(ctx,
		`UPDATE dsr_privacy_requests SET status = $1, current_step = $2, message = $3, updated_at = $4, finished_at = $5 WHERE id = $6`,
		string(pr.Status), string(pr.CurrentStep), pr.Message, store.ToNanos(pr.UpdatedAt), finishedNanos(pr), pr.ID,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update privacy request %s: %w", pr.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("privacy request %s: %w", pr.ID, store.ErrNotFound)
	}
	return nil
}

func (s *PGStore) GetPrivacyRequest(ctx context.Context, id string) (*model.PrivacyRequest, error) {
	pr, err := scanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM dsr_privacy_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("privacy request %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get privacy request %s: %w", id, err)
	}
	return pr, nil
}

func (s *PGStore) ListPrivacyRequests(ctx context.Context, statuses ...model.RequestStatus) ([]*model.PrivacyRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM dsr_privacy_requests`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list privacy requests: %w", err)
	}
	defer rows.Close()

	var out []*model.PrivacyRequest
	for rows.Next() {
		pr, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan privacy request: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (s *PGStore) DeletePrivacyRequest(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM dsr_privacy_requests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: delete privacy request %s: %w", id, err)
	}
	return nil
}

func scanRequest(row pgx.Row) (*model.PrivacyRequest, error) {
	var (
		pr               model.PrivacyRequest
		status, step     string
		identity         string
		created, updated int64
		finished         *int64
	)
	if err := row.Scan(&pr.ID, &status, &pr.PolicyKey, &identity, &step, &pr.Message, &created, &updated, &finished); err != nil {
		return nil, err
	}
	var err error
	if pr.Identity, err = store.DecodeIdentity(identity); err != nil {
		return nil, err
	}
	pr.Status = model.RequestStatus(status)
	pr.CurrentStep = model.Step(step)
	pr.CreatedAt = store.FromNanos(created)
	pr.UpdatedAt = store.FromNanos(updated)
	if finished != nil {
		t := store.FromNanos(*finished)
		pr.FinishedAt = &t
	}
	return &pr, nil
}

func finishedNanos(pr *model.PrivacyRequest) *int64 {
	if pr.FinishedAt == nil {
		return nil
	}
	n := store.ToNanos(*pr.FinishedAt)
	return &n
}
