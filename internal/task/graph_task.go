package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/dsr/internal/ctxlog"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/traversal"
)

// Messages logged when an erasure completes without calling the connector.
const (
	MsgNoPrimaryKey    = "No values were erased since no primary key was defined for this collection"
	MsgNoRowsRetrieved = "No values were erased since no rows were retrieved for this collection"
	MsgNoTargetFields  = "No values were erased since no fields in this collection are targeted by the erasure policy"
	MsgNoInputValues   = "No values were retrieved since no upstream values were available to query with"
	MsgNoConsentRules  = "No consent rules in policy"
	MsgNoConsentImpl   = "Connector does not propagate consent preferences"
)

// Runner is the task body both schedulers drive.
type Runner interface {
	// AccessRequest receives one rowset per input key, in input-key order.
	AccessRequest(ctx context.Context, upstream ...[]rowset.Row) ([]rowset.Row, error)

	// ErasureRequest masks the rows the access phase retrieved for this
	// collection. upstream carries the counts of the collections it erases
	// after; only their completion matters.
	ErasureRequest(ctx context.Context, retrieved []rowset.Row, upstream ...int) (int, error)

	ConsentRequest(ctx context.Context) (bool, error)
}

var _ Runner = (*GraphTask)(nil)

// RetryPolicy bounds the local retries of one connector call. The wait
// before retry i is Delay * BackoffFactor^(i-1).
type RetryPolicy struct {
	Count         int
	Delay         time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns three retries starting at one second, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Count: 3, Delay: time.Second, BackoffFactor: 2}
}

// StatusFunc is told about every status a task body passes through, so a
// persisted scheduler can mirror it on the task row.
type StatusFunc func(ctx context.Context, status model.TaskStatus) error

// GraphTask executes one traversal node against its connector.
//
// The body never panics on connector failure: once retries are exhausted it
// writes an error log and returns an empty result together with the error.
// The caller decides whether downstream work proceeds.
type GraphTask struct {
	Node      *traversal.TraversalNode
	Resources *Resources

	retry    RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
	onStatus StatusFunc
}

// Option configures a GraphTask.
type Option func(*GraphTask)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(g *GraphTask) { g.retry = p }
}

// WithSleep replaces the backoff sleep; tests use it to avoid waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *GraphTask) { g.sleep = sleep }
}

// WithStatusHook registers fn to observe status transitions.
func WithStatusHook(fn StatusFunc) Option {
	return func(g *GraphTask) { g.onStatus = fn }
}

// NewGraphTask wraps node for execution with res.
func NewGraphTask(node *traversal.TraversalNode, res *Resources, opts ...Option) *GraphTask {
	g := &GraphTask{
		Node:      node,
		Resources: res,
		retry:     DefaultRetryPolicy(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsPrimary reports whether the node is queried directly with identity
// values, rather than only with values found in other collections.
func (g *GraphTask) IsPrimary() bool {
	for _, e := range g.Node.IncomingEdges {
		if e.From.Collection.IsRoot() {
			return true
		}
	}
	return false
}

func (g *GraphTask) withLogger(ctx context.Context, action model.ActionType) context.Context {
	return ctxlog.With(ctx,
		"privacy_request_id", g.Resources.PrivacyRequestID,
		"collection", g.Node.Address.String(),
		"action", string(action),
	)
}

func (g *GraphTask) log(ctx context.Context, action model.ActionType, status model.TaskStatus, msg string, fields []model.FieldAffected) {
	entry := model.ExecutionLog{
		ConnectionKey:  g.Node.ConnectionKey,
		DatasetName:    g.Node.Address.Dataset,
		CollectionName: g.Node.Address.Collection,
		ActionType:     action,
		Status:         status,
		Message:        msg,
		FieldsAffected: fields,
	}
	if err := g.Resources.WriteExecutionLog(ctx, entry); err != nil {
		ctxlog.FromContext(ctx).Error("write execution log", "status", string(status), "error", err)
	}
	if g.onStatus != nil {
		if err := g.onStatus(ctx, status); err != nil {
			ctxlog.FromContext(ctx).Warn("status hook failed", "status", string(status), "error", err)
		}
	}
}

// finish closes out one body: terminal log, metrics, span status.
func (g *GraphTask) finish(ctx context.Context, action model.ActionType, status model.TaskStatus, start time.Time, msg string, fields []model.FieldAffected, err error) {
	g.log(ctx, action, status, msg, fields)
	d := time.Since(start)
	g.Resources.observe(action, status, d)
	recordTaskMetrics(ctx, action, status, d)

	logger := ctxlog.FromContext(ctx)
	switch status {
	case model.StatusError:
		logger.Error("task failed", "error", err, "duration", d)
	case model.StatusSkipped:
		logger.Info("task skipped", "reason", msg)
	default:
		logger.Debug("task complete", "duration", d)
	}
}

func retryable(err error) bool {
	return !IsSkipped(err) &&
		!errors.Is(err, ErrNotSupported) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn up to retry.Count+1 times, logging in_processing before
// each attempt and retrying after each retryable failure.
func withRetry[T any](ctx context.Context, g *GraphTask, action model.ActionType, fn func(context.Context) (T, error)) (T, error) {
	delay := g.retry.Delay
	for attempt := 0; ; attempt++ {
		g.log(ctx, action, model.StatusInProcessing, "", nil)
		out, err := fn(ctx)
		if err == nil || !retryable(err) || attempt >= g.retry.Count {
			return out, err
		}

		ctxlog.FromContext(ctx).Warn("connector call failed, retrying",
			"attempt", attempt+1, "delay", delay, "error", err)
		g.log(ctx, action, model.StatusRetrying, err.Error(), nil)
		recordRetry(ctx, action)
		if serr := g.sleep(ctx, delay); serr != nil {
			var zero T
			return zero, fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
		if g.retry.BackoffFactor > 0 {
			delay = time.Duration(float64(delay) * g.retry.BackoffFactor)
		}
	}
}

// AccessRequest retrieves the node's rows. Each returned row set is cached
// before the method returns, success or skip alike.
func (g *GraphTask) AccessRequest(ctx context.Context, upstream ...[]rowset.Row) ([]rowset.Row, error) {
	const action = model.ActionAccess
	start := time.Now()
	ctx = g.withLogger(ctx, action)
	ctx, span := startTaskSpan(ctx, g.Node.Address, action)
	defer span.End()

	fail := func(err error) ([]rowset.Row, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.finish(ctx, action, model.StatusError, start, err.Error(), nil, err)
		return []rowset.Row{}, err
	}
	skip := func(msg string, err error) ([]rowset.Row, error) {
		if cerr := g.Resources.MarkSkipped(ctx, action, g.Node.Address); cerr != nil {
			return fail(cerr)
		}
		if cerr := g.Resources.CacheAccessResult(ctx, g.Node.Address, nil); cerr != nil {
			return fail(cerr)
		}
		g.finish(ctx, action, model.StatusSkipped, start, msg, nil, nil)
		return []rowset.Row{}, err
	}

	input, err := g.Node.BuildInput(upstream...)
	if err != nil {
		return fail(err)
	}
	// A collection is only ever queried with values to match. One without
	// incoming references, or whose upstreams produced nothing, is skipped.
	if !g.Node.IsRoot() && len(input) == 0 {
		return skip(MsgNoInputValues, fmt.Errorf("%s: %w: no input values", g.Node.Address, ErrCollectionSkipped))
	}

	conn, err := g.Resources.Connector(ctx, g.Node.ConnectionKey)
	if err != nil {
		return fail(err)
	}

	rows, err := withRetry(ctx, g, action, func(ctx context.Context) ([]rowset.Row, error) {
		return conn.RetrieveData(ctx, g.Node, g.Resources.Policy, input)
	})
	if IsSkipped(err) {
		return skip(err.Error(), err)
	}
	if err != nil {
		return fail(err)
	}

	rows = rowset.NormalizeRows(rows)
	if err := g.Resources.CacheAccessResult(ctx, g.Node.Address, rows); err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("dsr.rows", len(rows)))
	g.finish(ctx, action, model.StatusComplete, start, "success", g.fieldsReturned(rows), nil)
	return rows, nil
}

// ErasureRequest masks the retrieved rows. A collection without a primary
// key cannot address rows, so it completes with zero affected rows and a
// message saying so; that is not an error.
func (g *GraphTask) ErasureRequest(ctx context.Context, retrieved []rowset.Row, _ ...int) (int, error) {
	const action = model.ActionErasure
	start := time.Now()
	ctx = g.withLogger(ctx, action)
	ctx, span := startTaskSpan(ctx, g.Node.Address, action)
	defer span.End()

	fail := func(err error) (int, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.finish(ctx, action, model.StatusError, start, err.Error(), nil, err)
		return 0, err
	}
	noop := func(msg string) (int, error) {
		if err := g.Resources.CacheErasureCount(ctx, g.Node.Address, 0); err != nil {
			return fail(err)
		}
		g.finish(ctx, action, model.StatusComplete, start, msg, nil, nil)
		return 0, nil
	}

	targeted := g.targetedFields()
	switch {
	case len(g.Node.PrimaryKeys()) == 0:
		g.log(ctx, action, model.StatusInProcessing, "", nil)
		ctxlog.FromContext(ctx).Warn("skipping erasure: no primary key")
		return noop(MsgNoPrimaryKey)
	case len(retrieved) == 0:
		g.log(ctx, action, model.StatusInProcessing, "", nil)
		return noop(MsgNoRowsRetrieved)
	case len(targeted) == 0:
		g.log(ctx, action, model.StatusInProcessing, "", nil)
		return noop(MsgNoTargetFields)
	}

	conn, err := g.Resources.Connector(ctx, g.Node.ConnectionKey)
	if err != nil {
		return fail(err)
	}

	isPrimary := g.IsPrimary()
	n, err := withRetry(ctx, g, action, func(ctx context.Context) (int, error) {
		return conn.MaskData(ctx, g.Node, g.Resources.Policy, retrieved, isPrimary)
	})
	if IsSkipped(err) {
		if cerr := g.Resources.CacheErasureCount(ctx, g.Node.Address, 0); cerr != nil {
			return fail(cerr)
		}
		g.finish(ctx, action, model.StatusSkipped, start, err.Error(), nil, nil)
		return 0, err
	}
	if err != nil {
		return fail(err)
	}

	if err := g.Resources.CacheErasureCount(ctx, g.Node.Address, n); err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("dsr.rows_masked", n))
	g.finish(ctx, action, model.StatusComplete, start, fmt.Sprintf("%d rows masked", n), targeted, nil)
	return n, nil
}

// ConsentRequest propagates consent preferences for the node's dataset.
// It is skipped when the policy has no consent rules or the connector has
// no consent support.
func (g *GraphTask) ConsentRequest(ctx context.Context) (bool, error) {
	const action = model.ActionConsent
	start := time.Now()
	ctx = g.withLogger(ctx, action)
	ctx, span := startTaskSpan(ctx, g.Node.Address, action)
	defer span.End()

	fail := func(err error) (bool, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.finish(ctx, action, model.StatusError, start, err.Error(), nil, err)
		return false, err
	}
	skip := func(msg string) (bool, error) {
		if err := g.Resources.CacheConsentResult(ctx, g.Node.Address, false); err != nil {
			return fail(err)
		}
		g.finish(ctx, action, model.StatusSkipped, start, msg, nil, nil)
		return false, fmt.Errorf("%s: %w: %s", g.Node.Address, ErrCollectionSkipped, msg)
	}

	if !g.Resources.Policy.HasRulesFor(action) {
		return skip(MsgNoConsentRules)
	}
	conn, err := g.Resources.Connector(ctx, g.Node.ConnectionKey)
	if err != nil {
		return fail(err)
	}
	runner, ok := conn.(ConsentRunner)
	if !ok {
		return skip(MsgNoConsentImpl)
	}

	sent, err := withRetry(ctx, g, action, func(ctx context.Context) (bool, error) {
		return runner.RunConsentRequest(ctx, g.Node, g.Resources.Policy, g.Resources.Identity)
	})
	if errors.Is(err, ErrNotSupported) {
		return skip(MsgNoConsentImpl)
	}
	if IsSkipped(err) {
		return skip(err.Error())
	}
	if err != nil {
		return fail(err)
	}
	if err := g.Resources.CacheConsentResult(ctx, g.Node.Address, sent); err != nil {
		return fail(err)
	}
	g.finish(ctx, action, model.StatusComplete, start, fmt.Sprintf("consent sent: %t", sent), nil, nil)
	return sent, nil
}

// fieldsReturned lists the categorized fields that carry a value in at
// least one returned row.
func (g *GraphTask) fieldsReturned(rows []rowset.Row) []model.FieldAffected {
	if g.Node.Collection == nil || len(rows) == 0 {
		return nil
	}
	byPath := pathCategories(g.Node.Collection.CategoryFieldMapping())
	var out []model.FieldAffected
	for _, p := range sortedPaths(byPath) {
		path := byPath[p].path
		present := false
		for _, row := range rows {
			if len(rowset.Values(row, path)) > 0 {
				present = true
				break
			}
		}
		if present {
			out = append(out, fieldAffected(path, byPath[p].categories))
		}
	}
	return out
}

// targetedFields lists the writable fields the erasure rules target.
func (g *GraphTask) targetedFields() []model.FieldAffected {
	if g.Node.Collection == nil {
		return nil
	}
	mapping := g.Node.Collection.CategoryFieldMapping()
	targets := g.Resources.Policy.ErasureCategories()
	byPath := pathCategories(mapping)
	var out []model.FieldAffected
	for _, path := range policy.TargetedFields(mapping, targets) {
		f := g.Node.Collection.FieldByPath(path)
		if f == nil || f.ReadOnly || f.PrimaryKey {
			continue
		}
		out = append(out, fieldAffected(path, byPath[path.String()].categories))
	}
	return out
}

type pathInfo struct {
	path       graph.FieldPath
	categories []string
}

func pathCategories(mapping map[string][]graph.FieldPath) map[string]pathInfo {
	out := make(map[string]pathInfo)
	for cat, paths := range mapping {
		for _, p := range paths {
			info := out[p.String()]
			info.path = p
			info.categories = append(info.categories, cat)
			out[p.String()] = info
		}
	}
	for k, info := range out {
		sort.Strings(info.categories)
		out[k] = info
	}
	return out
}

func sortedPaths(m map[string]pathInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fieldAffected(path graph.FieldPath, categories []string) model.FieldAffected {
	return model.FieldAffected{
		Path:           path.String(),
		FieldName:      path[len(path)-1],
		DataCategories: categories,
	}
}
