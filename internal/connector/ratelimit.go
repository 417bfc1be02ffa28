package connector

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

// Limited throttles every call into the wrapped connector. Optional
// operations the wrapped connector lacks report task.ErrNotSupported.
type Limited struct {
	inner   task.Connector
	limiter *rate.Limiter
}

var (
	_ task.Connector           = (*Limited)(nil)
	_ task.DryRunner           = (*Limited)(nil)
	_ task.StandaloneRetriever = (*Limited)(nil)
	_ task.ConsentRunner       = (*Limited)(nil)
)

// RateLimited wraps c so calls wait on limiter.
func RateLimited(c task.Connector, limiter *rate.Limiter) *Limited {
	return &Limited{inner: c, limiter: limiter}
}

// Unwrap returns the throttled connector.
func (l *Limited) Unwrap() task.Connector { return l.inner }

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (l *Limited) TestConnection(ctx context.Context) (task.ConnectionStatus, error) {
	if err := l.wait(ctx); err != nil {
		return task.ConnectionFailed, err
	}
	return l.inner.TestConnection(ctx)
}

func (l *Limited) RetrieveData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, input map[string][]any) ([]rowset.Row, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.RetrieveData(ctx, node, p, input)
}

func (l *Limited) MaskData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, rows []rowset.Row, isPrimary bool) (int, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.inner.MaskData(ctx, node, p, rows, isPrimary)
}

func (l *Limited) DryRunQuery(node *traversal.TraversalNode) (string, error) {
	d, ok := l.inner.(task.DryRunner)
	if !ok {
		return "", task.ErrNotSupported
	}
	return d.DryRunQuery(node)
}

func (l *Limited) ExecuteStandaloneRetrievalQuery(ctx context.Context, node *traversal.TraversalNode, fields []string, filters map[string][]any) ([]rowset.Row, error) {
	r, ok := l.inner.(task.StandaloneRetriever)
	if !ok {
		return nil, task.ErrNotSupported
	}
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return r.ExecuteStandaloneRetrievalQuery(ctx, node, fields, filters)
}

func (l *Limited) RunConsentRequest(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, identity map[string]string) (bool, error) {
	r, ok := l.inner.(task.ConsentRunner)
	if !ok {
		return false, task.ErrNotSupported
	}
	if err := l.wait(ctx); err != nil {
		return false, err
	}
	return r.RunConsentRequest(ctx, node, p, identity)
}

func (l *Limited) Close() error { return l.inner.Close() }
