package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/dsr/internal/graph"
)

// domainRequestTask versions the task ID derivation.
const domainRequestTask = "dsr/request_task/v1"

// TaskID derives the ID of the task for (privacy request, collection, action).
//
// The ID is content-addressed so re-creating the task set for a request is
// idempotent: the same triple always maps to the same row.
// Format: hex(SHA256(domain + 0x00 + pr + 0x00 + address + 0x00 + action))
func TaskID(privacyRequestID string, addr graph.CollectionAddress, action ActionType) string {
	h := sha256.New()
	h.Write([]byte(domainRequestTask))
	for _, part := range []string{privacyRequestID, addr.String(), string(action)} {
		h.Write([]byte{0x00})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IDGenerator produces identifiers for privacy requests, workers and locks.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7. Panics if the system random
// source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined IDs, in order, for tests.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next ID. Panics once all IDs are consumed.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
