// Package graph implements the knowledge graph store on Neo4j. Memory
// nodes and extracted entities are vertices; typed, weighted edges connect
// them. The graph is a projection: losing it degrades ripple propagation
// and related-node lookups but never loses content.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// entityNamespace seeds the deterministic entity vertex id derivation.
var entityNamespace = uuid.MustParse("b51c9a7e-4f28-4d31-92e6-8a07c3d415f9")

// EntityID returns the vertex id for a named entity. Derived from the
// tenant and the lowercased name, so every mention of one name within a
// tenant merges into the same vertex.
func EntityID(tc tenant.Context, name string) string {
	return uuid.NewSHA1(entityNamespace, []byte(tc.TenantID()+"/"+strings.ToLower(name))).String()
}

// Neighbor is one node reached during traversal, with the hop count of the
// shortest path from the source.
type Neighbor struct {
	NodeID string
	Hops   int
}

// Store is the Neo4j-backed graph store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// Open connects to Neo4j and verifies connectivity.
func Open(ctx context.Context, cfg config.Neo4jConfig, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, wrapErr("connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, wrapErr("verify connectivity", err)
	}
	return &Store{
		driver:   driver,
		database: cfg.Database,
		logger:   logger.Named("neo4j"),
	}, nil
}

// Close releases the driver's connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.driver.VerifyConnectivity(ctx))
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return memory.NewStoreError(memory.StoreGraph, op, "", err)
}

func (s *Store) write(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, work)
}

func (s *Store) read(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, work)
}

// MergeMemory upserts the graph vertex for a content node.
func (s *Store) MergeMemory(ctx context.Context, tc tenant.Context, node memory.Node) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (m:Memory {id: $id})
			SET m.company_id = $company_id,
			    m.app_id = $app_id,
			    m.kind = $kind,
			    m.title = $title,
			    m.session_id = $session_id,
			    m.updated_at = $updated_at`,
			map[string]any{
				"id":         node.ID,
				"company_id": tc.CompanyID,
				"app_id":     tc.AppID,
				"kind":       string(node.Kind),
				"title":      node.Title,
				"session_id": node.SessionID,
				"updated_at": node.UpdatedAt.UTC(),
			})
	})
	return wrapErr("merge memory", err)
}

// MergeEntity upserts an extracted entity vertex.
func (s *Store) MergeEntity(ctx context.Context, tc tenant.Context, e memory.Entity) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (e:Entity {id: $id})
			SET e.company_id = $company_id,
			    e.app_id = $app_id,
			    e.name = $name,
			    e.type = $type,
			    e.confidence = $confidence`,
			map[string]any{
				"id":         e.ID,
				"company_id": tc.CompanyID,
				"app_id":     tc.AppID,
				"name":       e.Name,
				"type":       e.Type,
				"confidence": e.Confidence,
			})
	})
	return wrapErr("merge entity", err)
}

// MergeMention links a memory vertex to an entity it names. The edge
// weight carries the extraction confidence so traversal can discount
// weak mentions.
func (s *Store) MergeMention(ctx context.Context, tc tenant.Context, nodeID string, e memory.Entity) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MATCH (m:Memory {id: $node_id, company_id: $company_id, app_id: $app_id})
			MATCH (e:Entity {id: $entity_id, company_id: $company_id, app_id: $app_id})
			MERGE (m)-[r:MENTIONS]->(e)
			SET r.weight = $weight,
			    r.updated_at = $updated_at`,
			map[string]any{
				"node_id":    nodeID,
				"entity_id":  e.ID,
				"company_id": tc.CompanyID,
				"app_id":     tc.AppID,
				"weight":     e.Confidence,
				"updated_at": e.CreatedAt.UTC(),
			})
	})
	return wrapErr("merge mention", err)
}

// MergeRelationship upserts a typed edge between two memory vertices.
// The edge label cannot be parameterised in Cypher, so only recognised
// relationship types are interpolated.
func (s *Store) MergeRelationship(ctx context.Context, tc tenant.Context, rel memory.Relationship) error {
	switch rel.Type {
	case memory.RelTemporal, memory.RelCausal, memory.RelMentions, memory.RelRelatesTo:
	default:
		return fmt.Errorf("relationship type %q: %w", rel.Type, memory.ErrInvalidRelationshipType)
	}

	query := fmt.Sprintf(`
		MATCH (a:Memory {id: $from, company_id: $company_id, app_id: $app_id})
		MATCH (b:Memory {id: $to, company_id: $company_id, app_id: $app_id})
		MERGE (a)-[r:%s]->(b)
		SET r.weight = $weight,
		    r.updated_at = $updated_at`, rel.Type)

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"from":       rel.FromID,
			"to":         rel.ToID,
			"company_id": tc.CompanyID,
			"app_id":     tc.AppID,
			"weight":     rel.Weight,
			"updated_at": rel.CreatedAt.UTC(),
		})
	})
	return wrapErr("merge relationship", err)
}

// Neighbors returns every memory vertex reachable from the source within
// maxDepth hops over the given edge types, with the shortest hop count.
// The source itself is excluded.
func (s *Store) Neighbors(ctx context.Context, tc tenant.Context, sourceID string, maxDepth int, edgeTypes []memory.RelationshipType) ([]Neighbor, error) {
	if maxDepth < 1 {
		return nil, nil
	}
	pattern, err := edgePattern(edgeTypes)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		MATCH path = (s:Memory {id: $id, company_id: $company_id, app_id: $app_id})-[%s*1..%d]-(n:Memory)
		WHERE n.company_id = $company_id AND n.app_id = $app_id AND n.id <> $id
		RETURN n.id AS id, min(length(path)) AS hops`, pattern, maxDepth)

	records, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"id":         sourceID,
			"company_id": tc.CompanyID,
			"app_id":     tc.AppID,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, wrapErr("neighbors", err)
	}

	rows := records.([]*neo4j.Record)
	neighbors := make([]Neighbor, 0, len(rows))
	for _, rec := range rows {
		id, _ := rec.Get("id")
		hops, _ := rec.Get("hops")
		nodeID, ok := id.(string)
		if !ok {
			continue
		}
		hopCount, ok := hops.(int64)
		if !ok {
			continue
		}
		neighbors = append(neighbors, Neighbor{NodeID: nodeID, Hops: int(hopCount)})
	}
	return neighbors, nil
}

// Exists reports whether the memory vertex is present. The write saga's
// verify step uses it when graph writes were part of the saga.
func (s *Store) Exists(ctx context.Context, tc tenant.Context, nodeID string) (bool, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (m:Memory {id: $id, company_id: $company_id, app_id: $app_id})
			RETURN count(m) AS n`,
			map[string]any{
				"id":         nodeID,
				"company_id": tc.CompanyID,
				"app_id":     tc.AppID,
			})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := record.Get("n")
		return n, nil
	})
	if err != nil {
		return false, wrapErr("exists", err)
	}
	n, ok := result.(int64)
	return ok && n > 0, nil
}

// DetachDelete removes the memory vertex and all its edges.
func (s *Store) DetachDelete(ctx context.Context, tc tenant.Context, nodeID string) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MATCH (m:Memory {id: $id, company_id: $company_id, app_id: $app_id})
			DETACH DELETE m`,
			map[string]any{
				"id":         nodeID,
				"company_id": tc.CompanyID,
				"app_id":     tc.AppID,
			})
	})
	return wrapErr("detach delete", err)
}

// edgePattern renders a whitelist of relationship types as a Cypher
// pattern fragment like ":TEMPORAL|CAUSAL|MENTIONS".
func edgePattern(types []memory.RelationshipType) (string, error) {
	if len(types) == 0 {
		types = memory.RippleEdgeTypes
	}
	pattern := ":"
	for i, t := range types {
		switch t {
		case memory.RelTemporal, memory.RelCausal, memory.RelMentions, memory.RelRelatesTo:
		default:
			return "", fmt.Errorf("relationship type %q: %w", t, memory.ErrInvalidRelationshipType)
		}
		if i > 0 {
			pattern += "|"
		}
		pattern += string(t)
	}
	return pattern, nil
}
