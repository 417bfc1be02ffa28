package task

import (
	"context"
	"errors"

	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/traversal"
)

var (
	// ErrCollectionSkipped is wrapped by connectors (and by the task body)
	// when a collection cannot or need not run, e.g. its table does not
	// exist. The task ends as skipped, not failed, and is not retried.
	ErrCollectionSkipped = errors.New("collection skipped")

	// ErrNotSupported is returned by optional connector operations.
	ErrNotSupported = errors.New("operation not supported by connector")
)

// IsSkipped reports whether err marks a skipped collection.
func IsSkipped(err error) bool { return errors.Is(err, ErrCollectionSkipped) }

// ConnectionStatus is the outcome of a connection test.
type ConnectionStatus string

const (
	ConnectionSucceeded ConnectionStatus = "succeeded"
	ConnectionFailed    ConnectionStatus = "failed"
	ConnectionSkipped   ConnectionStatus = "skipped"
)

// Connector is the contract task bodies use to reach an external system.
// Implementations hold open handles and are reused for a whole run.
type Connector interface {
	TestConnection(ctx context.Context) (ConnectionStatus, error)

	// RetrieveData returns the rows of node matching input, which maps
	// local field paths to candidate values.
	RetrieveData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, input map[string][]any) ([]rowset.Row, error)

	// MaskData erases or masks rows and returns how many were affected.
	MaskData(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, rows []rowset.Row, isPrimary bool) (int, error)

	Close() error
}

// DryRunner is implemented by connectors that can render the query they
// would run, for diagnostics.
type DryRunner interface {
	DryRunQuery(node *traversal.TraversalNode) (string, error)
}

// StandaloneRetriever is implemented by connectors that support
// out-of-band lookups outside the traversal.
type StandaloneRetriever interface {
	ExecuteStandaloneRetrievalQuery(ctx context.Context, node *traversal.TraversalNode, fields []string, filters map[string][]any) ([]rowset.Row, error)
}

// ConsentRunner is implemented by connectors that can propagate consent
// preferences for a dataset.
type ConsentRunner interface {
	RunConsentRequest(ctx context.Context, node *traversal.TraversalNode, p *policy.Policy, identity map[string]string) (bool, error)
}

// ConnectorFactory builds the connector serving a connection key.
type ConnectorFactory interface {
	NewConnector(ctx context.Context, connectionKey string) (Connector, error)
}

// ConnectorFactoryFunc adapts a function to ConnectorFactory.
type ConnectorFactoryFunc func(ctx context.Context, connectionKey string) (Connector, error)

func (f ConnectorFactoryFunc) NewConnector(ctx context.Context, key string) (Connector, error) {
	return f(ctx, key)
}
