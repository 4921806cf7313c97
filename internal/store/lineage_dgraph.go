package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DgraphLineageStore implements LineageStore on Dgraph. It records fork
// ancestry between patterns so evolution analysis can trace where a
// materialized pattern came from. Entirely optional: the decision path never
// reads it.
type DgraphLineageStore struct {
	client *dgo.Dgraph
	conn   *grpc.ClientConn
}

// NewDgraphLineageStore connects to a Dgraph alpha and installs the lineage
// schema.
func NewDgraphLineageStore(alphaURL string) (*DgraphLineageStore, error) {
	conn, err := grpc.Dial(alphaURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dgraph: %w", err)
	}

	store := &DgraphLineageStore{
		client: dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		conn:   conn,
	}
	if err := store.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize lineage schema: %w", err)
	}
	return store, nil
}

func (s *DgraphLineageStore) initSchema(ctx context.Context) error {
	schema := `
		pattern.id: string @index(exact) @upsert .
		fork.reason: string .
		fork.created: datetime .
		forked_from: uid @reverse .
	`
	return s.client.Alter(ctx, &api.Operation{Schema: schema})
}

// RecordFork links a child pattern to its parent with a reason.
func (s *DgraphLineageStore) RecordFork(ctx context.Context, parentID, childID, reason string) error {
	parentUID, err := s.upsertPattern(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to upsert parent: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"pattern.id":   childID,
		"fork.reason":  reason,
		"fork.created": time.Now().UTC().Format(time.RFC3339),
		"forked_from":  map[string]string{"uid": parentUID},
	})
	if err != nil {
		return err
	}

	txn := s.client.NewTxn()
	defer txn.Discard(ctx)

	_, err = txn.Mutate(ctx, &api.Mutation{CommitNow: true, SetJson: payload})
	return err
}

// Ancestors walks the forked_from chain up to depth hops.
func (s *DgraphLineageStore) Ancestors(ctx context.Context, patternID string, depth int) ([]string, error) {
	if depth <= 0 {
		depth = 5
	}
	query := fmt.Sprintf(`query ancestors($id: string) {
		chain(func: eq(pattern.id, $id)) @recurse(depth: %d) {
			pattern.id
			forked_from
		}
	}`, depth)

	resp, err := s.client.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$id": patternID})
	if err != nil {
		return nil, fmt.Errorf("lineage query failed: %w", err)
	}

	var result struct {
		Chain []lineageNode `json:"chain"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, err
	}

	var ids []string
	for _, node := range result.Chain {
		collectAncestors(node.ForkedFrom, &ids)
	}
	return ids, nil
}

type lineageNode struct {
	PatternID  string        `json:"pattern.id"`
	ForkedFrom []lineageNode `json:"forked_from"`
}

func collectAncestors(nodes []lineageNode, out *[]string) {
	for _, n := range nodes {
		if n.PatternID != "" {
			*out = append(*out, n.PatternID)
		}
		collectAncestors(n.ForkedFrom, out)
	}
}

// upsertPattern finds or creates the node for a pattern id, returning its uid.
func (s *DgraphLineageStore) upsertPattern(ctx context.Context, patternID string) (string, error) {
	query := `query find($id: string) {
		node(func: eq(pattern.id, $id)) { uid }
	}`
	resp, err := s.client.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$id": patternID})
	if err != nil {
		return "", err
	}

	var result struct {
		Node []struct {
			UID string `json:"uid"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", err
	}
	if len(result.Node) > 0 {
		return result.Node[0].UID, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"uid":        "_:p",
		"pattern.id": patternID,
	})
	txn := s.client.NewTxn()
	defer txn.Discard(ctx)

	assigned, err := txn.Mutate(ctx, &api.Mutation{CommitNow: true, SetJson: payload})
	if err != nil {
		return "", err
	}
	return assigned.Uids["p"], nil
}

// Close closes the gRPC connection.
func (s *DgraphLineageStore) Close() error {
	return s.conn.Close()
}
