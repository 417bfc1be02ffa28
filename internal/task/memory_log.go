package task

import (
	"context"
	"sync"

	"github.com/roach88/dsr/internal/model"
)

// MemoryLog is an in-process LogWriter. The in-memory scheduler and tests
// use it; the queued scheduler writes to the task store instead.
type MemoryLog struct {
	mu      sync.Mutex
	entries []model.ExecutionLog
}

func (m *MemoryLog) AppendExecutionLog(_ context.Context, log *model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := *log
	entry.ID = int64(len(m.entries) + 1)
	entry.FieldsAffected = append([]model.FieldAffected(nil), log.FieldsAffected...)
	m.entries = append(m.entries, entry)
	log.ID = entry.ID
	return nil
}

// Entries returns a copy of every record in append order.
func (m *MemoryLog) Entries() []model.ExecutionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ExecutionLog(nil), m.entries...)
}

// Statuses returns the status sequence logged for one collection and
// action, in order.
func (m *MemoryLog) Statuses(dataset, collection string, action model.ActionType) []model.TaskStatus {
	var out []model.TaskStatus
	for _, e := range m.Entries() {
		if e.DatasetName == dataset && e.CollectionName == collection && e.ActionType == action {
			out = append(out, e.Status)
		}
	}
	return out
}
