package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/graph"
)

func TestRecord_Helpers(t *testing.T) {
	rec := graph.Record{"id": "u-1", "hops": int64(2), "small": 3, "bad": 1.5}

	s, ok := rec.String("id")
	assert.True(t, ok)
	assert.Equal(t, "u-1", s)
	_, ok = rec.String("hops")
	assert.False(t, ok)

	n, ok := rec.Int("hops")
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)
	n, ok = rec.Int("small")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	_, ok = rec.Int("bad")
	assert.False(t, ok)
}

func TestMemoryClient_RecordsAndReplays(t *testing.T) {
	ctx := context.Background()
	c := graph.NewMemoryClient()

	params := map[string]any{"id": "u-1"}
	_, err := c.ExecuteWrite(ctx, "MERGE (u:User {id: $id})", params)
	require.NoError(t, err)
	params["id"] = "mutated"
	assert.Equal(t, "u-1", c.Writes()[0].Params["id"], "params are copied")

	c.QueueRead(graph.Result{Records: []graph.Record{{"id": "u-1"}}})
	res, err := c.ExecuteRead(ctx, "MATCH (u) RETURN u.id AS id", nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)

	res, err = c.ExecuteRead(ctx, "MATCH (u) RETURN u.id AS id", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records, "queue drained")
	assert.Len(t, c.Reads(), 2)
}

func TestMemoryClient_FailWith(t *testing.T) {
	ctx := context.Background()
	c := graph.NewMemoryClient()
	boom := errors.New("boom")
	c.FailWith(boom)

	_, err := c.ExecuteWrite(ctx, "RETURN 1", nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.VerifyConnectivity(ctx), boom)
	assert.Empty(t, c.Writes())
}

func TestNewNeo4jClient_RequiresURI(t *testing.T) {
	_, err := graph.NewNeo4jClient(context.Background(), graph.Options{})
	assert.ErrorIs(t, err, graph.ErrMissingURI)
}

func TestQueryError_Unwraps(t *testing.T) {
	inner := errors.New("syntax")
	err := &graph.QueryError{Cypher: "RETURN", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "RETURN")
}
