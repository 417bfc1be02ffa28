package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/payload"
	"github.com/roach88/dsr/internal/task"
)

// retentionLockTTL bounds how long a crashed maintenance run blocks others.
const retentionLockTTL = 10 * time.Minute

// RetentionReport describes one maintenance run.
type RetentionReport struct {
	Requests        int
	PayloadsDeleted int
	CacheEntries    int
}

// RunRetention drops the task results of every finished privacy request
// whose FinishedAt is older than window: externalized payloads are deleted,
// inline results cleared and cached results removed. Request and task rows,
// and the execution log, are kept.
//
// At most one run proceeds at a time across every process sharing the
// cache; a concurrent run returns cache.ErrLockHeld.
func (e *Engine) RunRetention(ctx context.Context, window time.Duration) (RetentionReport, error) {
	var report RetentionReport
	lock := cache.NewLock(e.cache, "retention", retentionLockTTL)
	err := lock.WithLock(ctx, e.cfg.WorkerID, func(ctx context.Context) error {
		ctx, span := tracer.Start(ctx, "engine.RunRetention")
		defer span.End()

		prs, err := e.store.ListPrivacyRequests(ctx, model.RequestComplete, model.RequestError)
		if err != nil {
			return fmt.Errorf("list finished requests: %w", err)
		}
		cutoff := e.now().Add(-window)
		for _, pr := range prs {
			if pr.FinishedAt == nil || !pr.FinishedAt.Before(cutoff) {
				continue
			}
			if err := e.expire(ctx, pr.ID, &report); err != nil {
				return err
			}
			report.Requests++
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	ctxlog.FromContext(ctx).Info("retention run complete",
		"window", window,
		"requests", report.Requests,
		"payloads_deleted", report.PayloadsDeleted,
		"cache_entries", report.CacheEntries,
	)
	return report, nil
}

func (e *Engine) expire(ctx context.Context, prID string, report *RetentionReport) error {
	keys, err := e.store.ClearTaskPayloads(ctx, prID)
	if err != nil {
		return fmt.Errorf("clear payloads of %s: %w", prID, err)
	}
	for _, key := range keys {
		err := e.payloads.Discard(ctx, payload.Ref{Key: key})
		switch {
		case err == nil:
			report.PayloadsDeleted++
		case errors.Is(err, payload.ErrNotFound):
		default:
			return fmt.Errorf("delete payload %s: %w", key, err)
		}
	}
	n, err := cache.DeletePrefix(ctx, e.cache, task.CachePrefix(prID))
	if err != nil {
		return fmt.Errorf("clear cache of %s: %w", prID, err)
	}
	report.CacheEntries += n
	return nil
}
