package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

func TestFaultyConnector_FailsCountedCalls(t *testing.T) {
	fixtures, err := connector.ParseFixtures([]byte("db:a:\n  - {id: 1}\n"))
	require.NoError(t, err)
	a := graph.NewCollectionAddress("db", "a")
	node := &traversal.TraversalNode{Address: a, Collection: &graph.Collection{Name: "a"}}

	f := NewFaultyConnector(connector.NewMemory(fixtures, connector.MemoryOptions{})).FailRetrieve(a, 2)
	ctx := context.Background()

	input := map[string][]any{"id": {int64(1)}}
	for i := 0; i < 2; i++ {
		_, err := f.RetrieveData(ctx, node, nil, input)
		assert.ErrorIs(t, err, ErrInjected, "call %d", i)
	}
	rows, err := f.RetrieveData(ctx, node, nil, input)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFaultyConnector_NegativeCountAlwaysFails(t *testing.T) {
	a := graph.NewCollectionAddress("db", "a")
	node := &traversal.TraversalNode{Address: a, Collection: &graph.Collection{Name: "a"}}
	f := NewFaultyConnector(connector.NewMemory(nil, connector.MemoryOptions{})).FailMask(a, -1)

	for i := 0; i < 5; i++ {
		_, err := f.MaskData(context.Background(), node, nil, nil, true)
		assert.ErrorIs(t, err, ErrInjected)
	}
	assert.NoError(t, f.Close())
}

func TestFaultyConnector_SkipRetrieve(t *testing.T) {
	fixtures, err := connector.ParseFixtures([]byte("db:a:\n  - {id: 1}\n"))
	require.NoError(t, err)
	a := graph.NewCollectionAddress("db", "a")
	node := &traversal.TraversalNode{Address: a, Collection: &graph.Collection{Name: "a"}}
	mem := connector.NewMemory(fixtures, connector.MemoryOptions{})

	f := NewFaultyConnector(mem).SkipRetrieve(a)
	_, err = f.RetrieveData(context.Background(), node, nil, map[string][]any{"id": {int64(1)}})
	assert.True(t, task.IsSkipped(err))
	assert.Zero(t, mem.Calls(a))
}
