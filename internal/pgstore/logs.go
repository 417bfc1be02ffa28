package pgstore

import (
	"context"
	"fmt"

	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/store"
)

func (s *PGStore) AppendExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	fields, err := store.EncodeFields(log.FieldsAffected)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO dsr_execution_logs
		(privacy_request_id, connection_key, dataset_name, collection_name, action_type,
		 status, message, fields_affected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		log.PrivacyRequestID, log.ConnectionKey, log.DatasetName, log.CollectionName, string(log.ActionType),
		string(log.Status), log.Message, fields, store.ToNanos(log.CreatedAt),
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("pgstore: write execution log: %w", err)
	}
	return nil
}

func (s *PGStore) ListExecutionLogs(ctx context.Context, privacyRequestID string) ([]model.ExecutionLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, privacy_request_id, connection_key, dataset_name, collection_name, action_type,
		       status, message, fields_affected, created_at
		FROM dsr_execution_logs
		WHERE privacy_request_id = $1
		ORDER BY id`, privacyRequestID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list execution logs: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionLog
	for rows.Next() {
		var (
			l              model.ExecutionLog
			action, status string
			fields         string
			created        int64
		)
		if err := rows.Scan(&l.ID, &l.PrivacyRequestID, &l.ConnectionKey, &l.DatasetName, &l.CollectionName,
			&action, &status, &l.Message, &fields, &created); err != nil {
			return nil, fmt.Errorf("pgstore: scan execution log: %w", err)
		}
		l.ActionType = model.ActionType(action)
		l.Status = model.TaskStatus(status)
		if l.FieldsAffected, err = store.DecodeFields(fields); err != nil {
			return nil, err
		}
		l.CreatedAt = store.FromNanos(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
