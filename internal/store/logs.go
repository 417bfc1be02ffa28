package store

import (
	"context"
	"fmt"

	"github.com/roach88/dsr/internal/model"
)

// AppendExecutionLog writes one audit record and sets its ID.
// The table rejects UPDATE and DELETE, so records are immutable once written.
func (s *Store) AppendExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	fields, err := EncodeFields(log.FieldsAffected)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs
		(privacy_request_id, connection_key, dataset_name, collection_name, action_type,
		 status, message, fields_affected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.PrivacyRequestID, log.ConnectionKey, log.DatasetName, log.CollectionName, log.ActionType,
		log.Status, log.Message, fields, ToNanos(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("write execution log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("write execution log: %w", err)
	}
	log.ID = id
	return nil
}

// ListExecutionLogs returns the records of one privacy request in append
// order.
func (s *Store) ListExecutionLogs(ctx context.Context, privacyRequestID string) ([]model.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, privacy_request_id, connection_key, dataset_name, collection_name, action_type,
		       status, message, fields_affected, created_at
		FROM execution_logs
		WHERE privacy_request_id = ?
		ORDER BY id
	`, privacyRequestID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionLog
	for rows.Next() {
		var (
			l       model.ExecutionLog
			fields  string
			created int64
		)
		if err := rows.Scan(&l.ID, &l.PrivacyRequestID, &l.ConnectionKey, &l.DatasetName, &l.CollectionName,
			&l.ActionType, &l.Status, &l.Message, &fields, &created); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if l.FieldsAffected, err = DecodeFields(fields); err != nil {
			return nil, err
		}
		l.CreatedAt = FromNanos(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
