package referral

import (
	"context"
	"fmt"

	"github.com/warp/loyalty-engine/graph"
	"github.com/warp/loyalty-engine/points"
)

// MaxUplineDepth bounds how far Upline walks.
const MaxUplineDepth = 10

// Graph answers "who brought in whom".
type Graph interface {
	Link(ctx context.Context, referrer, referred points.OwnerID, code string) error
	Upline(ctx context.Context, user points.OwnerID, depth int) ([]points.OwnerID, error)
}

func clampDepth(depth int) int {
	if depth <= 0 || depth > MaxUplineDepth {
		return MaxUplineDepth
	}
	return depth
}

// =============================================================================
// STORE GRAPH
// =============================================================================

// StoreGraph derives the tree from first-touch profiles. Link is a no-op
// because the signup transaction already wrote the edge.
type StoreGraph struct {
	store points.Store
}

func NewStoreGraph(store points.Store) *StoreGraph { return &StoreGraph{store: store} }

func (g *StoreGraph) Link(context.Context, points.OwnerID, points.OwnerID, string) error { return nil }

func (g *StoreGraph) Upline(ctx context.Context, user points.OwnerID, depth int) ([]points.OwnerID, error) {
	depth = clampDepth(depth)
	seen := map[points.OwnerID]bool{user: true}
	var chain []points.OwnerID
	for cur := user; len(chain) < depth; {
		profile, err := g.store.Profile(ctx, cur)
		if err != nil {
			return nil, points.WrapStore("load profile", err)
		}
		ref, err := resolve(ctx, g.store, profile.ReferredBy)
		if err != nil {
			return nil, err
		}
		if ref == nil || seen[ref.OwnerID] {
			break
		}
		seen[ref.OwnerID] = true
		chain = append(chain, ref.OwnerID)
		cur = ref.OwnerID
	}
	return chain, nil
}

// =============================================================================
// NEO4J GRAPH
// =============================================================================

const linkCypher = `
MERGE (r:User {id: $referrer})
MERGE (u:User {id: $referred})
MERGE (r)-[e:REFERRED]->(u)
ON CREATE SET e.code = $code, e.linked_at = datetime()`

// variable-length bounds cannot be parameters
const uplineCypher = `
MATCH p = (u:User {id: $user})<-[:REFERRED*1..%d]-(r:User)
RETURN r.id AS id, length(p) AS hops
ORDER BY hops`

// Neo4jGraph mirrors the tree into a graph database.
type Neo4jGraph struct {
	client graph.Client
}

func NewNeo4jGraph(client graph.Client) *Neo4jGraph { return &Neo4jGraph{client: client} }

func (g *Neo4jGraph) Link(ctx context.Context, referrer, referred points.OwnerID, code string) error {
	_, err := g.client.ExecuteWrite(ctx, linkCypher, map[string]any{
		"referrer": string(referrer),
		"referred": string(referred),
		"code":     code,
	})
	return err
}

func (g *Neo4jGraph) Upline(ctx context.Context, user points.OwnerID, depth int) ([]points.OwnerID, error) {
	res, err := g.client.ExecuteRead(ctx, fmt.Sprintf(uplineCypher, clampDepth(depth)),
		map[string]any{"user": string(user)})
	if err != nil {
		return nil, err
	}
	chain := make([]points.OwnerID, 0, len(res.Records))
	for _, rec := range res.Records {
		id, ok := rec.String("id")
		if !ok {
			return nil, fmt.Errorf("upline of %s: record without id", user)
		}
		chain = append(chain, points.OwnerID(id))
	}
	return chain, nil
}
