package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
)

// Cache key prefixes, one per kind of cached object.
const (
	AccessKeyPrefix  = "access_request__"
	ErasureKeyPrefix = "erasure_request__"
	ConsentKeyPrefix = "consent_request__"
	SkippedKeyPrefix = "skipped_request__"
)

// LogWriter appends execution log records. Implementations must never
// update or delete a record once written.
type LogWriter interface {
	AppendExecutionLog(ctx context.Context, log *model.ExecutionLog) error
}

// Observer receives one call per finished task body.
type Observer interface {
	ObserveTask(action model.ActionType, status model.TaskStatus, d time.Duration)
}

// Resources is the resource bag of one privacy request execution: the
// policy, memoized connectors, the result cache and the execution log.
//
// Thread-safety: safe for concurrent use by the tasks of one request.
type Resources struct {
	PrivacyRequestID string
	Policy           *policy.Policy
	Identity         map[string]string

	factory  ConnectorFactory
	cache    cache.Store
	cacheTTL time.Duration
	logs     LogWriter
	observer Observer
	now      func() time.Time

	group      singleflight.Group
	mu         sync.Mutex
	connectors map[string]Connector
	closed     bool
}

// ResourcesOption configures Resources.
type ResourcesOption func(*Resources)

// WithCacheTTL bounds how long cached results live. Zero keeps them until
// cleared.
func WithCacheTTL(ttl time.Duration) ResourcesOption {
	return func(r *Resources) { r.cacheTTL = ttl }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) ResourcesOption {
	return func(r *Resources) { r.observer = o }
}

// WithClock replaces the time source used for log timestamps.
func WithClock(now func() time.Time) ResourcesOption {
	return func(r *Resources) { r.now = now }
}

// WithIdentity attaches the normalized identity seed, used by consent tasks.
func WithIdentity(identity map[string]string) ResourcesOption {
	return func(r *Resources) { r.Identity = identity }
}

// NewResources builds the resource bag for one privacy request.
func NewResources(privacyRequestID string, p *policy.Policy, factory ConnectorFactory, store cache.Store, logs LogWriter, opts ...ResourcesOption) *Resources {
	r := &Resources{
		PrivacyRequestID: privacyRequestID,
		Policy:           p,
		factory:          factory,
		cache:            store,
		logs:             logs,
		now:              time.Now,
		connectors:       make(map[string]Connector),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connector returns the connector for connectionKey, constructing it on
// first use. Concurrent first uses share a single construction.
func (r *Resources) Connector(ctx context.Context, connectionKey string) (Connector, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("task resources already closed")
	}
	if c, ok := r.connectors[connectionKey]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(connectionKey, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.connectors[connectionKey]; ok {
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		c, err := r.factory.NewConnector(ctx, connectionKey)
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", connectionKey, err)
		}
		r.mu.Lock()
		r.connectors[connectionKey] = c
		r.mu.Unlock()
		slog.Debug("connector created", "privacy_request_id", r.PrivacyRequestID, "connection_key", connectionKey)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Connector), nil
}

// CachePrefix is the key prefix of every cache entry of one privacy request.
func CachePrefix(privacyRequestID string) string {
	return "dsr:" + privacyRequestID + ":"
}

func (r *Resources) cachePrefix() string {
	return CachePrefix(r.PrivacyRequestID)
}

// CacheObject writes value under key, scoped to this privacy request.
func (r *Resources) CacheObject(ctx context.Context, key string, value []byte) error {
	return r.cache.Set(ctx, r.cachePrefix()+key, value, r.cacheTTL)
}

// CachedObject returns the value under key, or cache.ErrNotFound.
func (r *Resources) CachedObject(ctx context.Context, key string) ([]byte, error) {
	return r.cache.Get(ctx, r.cachePrefix()+key)
}

// GetAllCachedObjects returns every cached object of this request, keyed
// without the request scope.
func (r *Resources) GetAllCachedObjects(ctx context.Context) (map[string][]byte, error) {
	all, err := cache.GetAll(ctx, r.cache, r.cachePrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[strings.TrimPrefix(k, r.cachePrefix())] = v
	}
	return out, nil
}

// ClearCache drops every cached object of this request.
func (r *Resources) ClearCache(ctx context.Context) error {
	_, err := cache.DeletePrefix(ctx, r.cache, r.cachePrefix())
	return err
}

// CacheAccessResult caches the output rowset of addr.
func (r *Resources) CacheAccessResult(ctx context.Context, addr graph.CollectionAddress, rows []rowset.Row) error {
	data, err := rowset.EncodeRows(rows)
	if err != nil {
		return err
	}
	return r.CacheObject(ctx, AccessKeyPrefix+addr.String(), data)
}

// CachedAccessResult returns the cached rows of addr; ok is false when
// nothing is cached.
func (r *Resources) CachedAccessResult(ctx context.Context, addr graph.CollectionAddress) (rows []rowset.Row, ok bool, err error) {
	data, err := r.CachedObject(ctx, AccessKeyPrefix+addr.String())
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rows, err = rowset.DecodeRows(data)
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

// AccessResults returns every cached access rowset keyed by collection
// address string.
func (r *Resources) AccessResults(ctx context.Context) (map[string][]rowset.Row, error) {
	all, err := r.GetAllCachedObjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]rowset.Row)
	for k, v := range all {
		addr, ok := strings.CutPrefix(k, AccessKeyPrefix)
		if !ok {
			continue
		}
		rows, err := rowset.DecodeRows(v)
		if err != nil {
			return nil, fmt.Errorf("cached access result %s: %w", addr, err)
		}
		out[addr] = rows
	}
	return out, nil
}

// MarkSkipped records that the action's body for addr was skipped. It is
// written before the body's result so a recovered worker commits the skip.
func (r *Resources) MarkSkipped(ctx context.Context, action model.ActionType, addr graph.CollectionAddress) error {
	return r.CacheObject(ctx, skippedKey(action, addr), []byte{1})
}

// WasSkipped reports whether MarkSkipped was called for action and addr.
func (r *Resources) WasSkipped(ctx context.Context, action model.ActionType, addr graph.CollectionAddress) (bool, error) {
	_, err := r.CachedObject(ctx, skippedKey(action, addr))
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func skippedKey(action model.ActionType, addr graph.CollectionAddress) string {
	return SkippedKeyPrefix + string(action) + "__" + addr.String()
}

// CacheErasureCount caches the number of rows masked in addr.
func (r *Resources) CacheErasureCount(ctx context.Context, addr graph.CollectionAddress, n int) error {
	return r.CacheObject(ctx, ErasureKeyPrefix+addr.String(), []byte(strconv.Itoa(n)))
}

// CachedErasureCount returns the cached masked-row count of addr.
func (r *Resources) CachedErasureCount(ctx context.Context, addr graph.CollectionAddress) (n int, ok bool, err error) {
	data, err := r.CachedObject(ctx, ErasureKeyPrefix+addr.String())
	if errors.Is(err, cache.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err = strconv.Atoi(string(data))
	if err != nil {
		return 0, false, fmt.Errorf("cached erasure count %s: %w", addr, err)
	}
	return n, true, nil
}

// ErasureCounts returns every cached erasure count keyed by address string.
func (r *Resources) ErasureCounts(ctx context.Context) (map[string]int, error) {
	all, err := r.GetAllCachedObjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for k, v := range all {
		addr, ok := strings.CutPrefix(k, ErasureKeyPrefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return nil, fmt.Errorf("cached erasure count %s: %w", addr, err)
		}
		out[addr] = n
	}
	return out, nil
}

// CacheConsentResult caches the consent outcome of addr.
func (r *Resources) CacheConsentResult(ctx context.Context, addr graph.CollectionAddress, sent bool) error {
	return r.CacheObject(ctx, ConsentKeyPrefix+addr.String(), []byte(strconv.FormatBool(sent)))
}

// CachedConsentResult returns the cached consent outcome of addr.
func (r *Resources) CachedConsentResult(ctx context.Context, addr graph.CollectionAddress) (sent, ok bool, err error) {
	data, err := r.CachedObject(ctx, ConsentKeyPrefix+addr.String())
	if errors.Is(err, cache.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	sent, err = strconv.ParseBool(string(data))
	return sent, err == nil, err
}

// WriteExecutionLog appends one audit record, stamping the request ID and
// the creation time.
func (r *Resources) WriteExecutionLog(ctx context.Context, log model.ExecutionLog) error {
	log.PrivacyRequestID = r.PrivacyRequestID
	if log.CreatedAt.IsZero() {
		log.CreatedAt = r.now().UTC()
	}
	if r.logs == nil {
		return nil
	}
	return r.logs.AppendExecutionLog(ctx, &log)
}

func (r *Resources) observe(action model.ActionType, status model.TaskStatus, d time.Duration) {
	if r.observer != nil {
		r.observer.ObserveTask(action, status, d)
	}
}

// Close closes every connector created during the run. Further Connector
// calls fail.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for key, c := range r.connectors {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connector %q: %w", key, err))
		}
	}
	r.connectors = nil
	return errors.Join(errs...)
}
