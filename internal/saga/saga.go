// Package saga coordinates writes across the relational, vector and graph
// stores. A write runs five stages in order: embed, relational, vector,
// graph, verify. The first three are mandatory and abort the write on
// failure; the graph stage degrades; verify retries and, when reads still
// disagree, admits the write with partial visibility. There is no rollback:
// a failed write is retried with the same idempotency key and converges.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/store/graph"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/tenant"
	"github.com/mnemora/mnemora/internal/triage"
)

// Stage names one step of the write pipeline.
type Stage string

const (
	StageEmbed      Stage = "embed"
	StageRelational Stage = "relational"
	StageVector     Stage = "vector"
	StageGraph      Stage = "graph"
	StageVerify     Stage = "verify"
)

// StageError reports which stage failed and which stages had already
// completed when it did.
type StageError struct {
	Stage     Stage
	Completed []Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("write failed at %s stage (completed %v): %v", e.Stage, e.Completed, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// RelationalStore is the authoritative store the saga writes first. Edge
// rows live here too; the graph store only projects them.
type RelationalStore interface {
	Upsert(ctx context.Context, tc tenant.Context, node memory.Node) (postgres.UpsertResult, error)
	Get(ctx context.Context, tc tenant.Context, id string) (memory.Node, error)
	Delete(ctx context.Context, tc tenant.Context, id string) error
	LatestInSession(ctx context.Context, tc tenant.Context, sessionID, excludeID string) (string, error)
	SaveRelationships(ctx context.Context, tc tenant.Context, rels []memory.Relationship) error
	ListRelationships(ctx context.Context, tc tenant.Context, nodeID string) ([]memory.Relationship, error)
	MarkGraphLinked(ctx context.Context, tc tenant.Context, id string, linked bool) error
}

// VectorStore holds the embedding projection.
type VectorStore interface {
	Upsert(ctx context.Context, tc tenant.Context, node memory.Node, embedding []float32) error
	Exists(ctx context.Context, tc tenant.Context, nodeID string) (bool, error)
	Delete(ctx context.Context, tc tenant.Context, nodeID string) error
}

// GraphStore holds the relationship projection. May be absent.
type GraphStore interface {
	MergeMemory(ctx context.Context, tc tenant.Context, node memory.Node) error
	MergeEntity(ctx context.Context, tc tenant.Context, e memory.Entity) error
	MergeMention(ctx context.Context, tc tenant.Context, nodeID string, e memory.Entity) error
	MergeRelationship(ctx context.Context, tc tenant.Context, rel memory.Relationship) error
	Exists(ctx context.Context, tc tenant.Context, nodeID string) (bool, error)
	DetachDelete(ctx context.Context, tc tenant.Context, nodeID string) error
}

// Classifier grades incoming content before anything is persisted. May be
// absent, in which case writes skip triage.
type Classifier interface {
	Classify(ctx context.Context, content string, md memory.Metadata) triage.Decision
}

// VerifyPolicy bounds the read-back confirmation.
type VerifyPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

// DefaultVerifyPolicy retries three times starting at 100ms, doubling.
var DefaultVerifyPolicy = VerifyPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// Coordinator runs write sagas. The graph store may be nil, in which case
// every write reports the graph stage as degraded-by-configuration rather
// than failing. The classifier may be nil, in which case writes skip triage.
type Coordinator struct {
	relational RelationalStore
	vector     VectorStore
	graph      GraphStore
	embedder   embedding.Embedder
	classifier Classifier
	verify     VerifyPolicy
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New builds a Coordinator. The graph store and classifier may be nil.
func New(relational RelationalStore, vector VectorStore, graphStore GraphStore, embedder embedding.Embedder, classifier Classifier, verify VerifyPolicy, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if verify.BaseDelay <= 0 {
		verify = DefaultVerifyPolicy
	}
	return &Coordinator{
		relational: relational,
		vector:     vector,
		graph:      graphStore,
		embedder:   embedder,
		classifier: classifier,
		verify:     verify,
		logger:     logger.Named("saga"),
		metrics:    m,
	}
}

// WriteInput is one saga write. Node.ID may be empty for inserts; the saga
// reports the id the write converged on. Relationships with an empty
// FromID or ToID refer to the node being written.
type WriteInput struct {
	Node          memory.Node
	Relationships []memory.Relationship
}

// Result reports how a write landed across the stores.
type Result struct {
	Node              memory.Node      `json:"node"`
	Created           bool             `json:"created"`
	Applied           bool             `json:"applied"`
	GraphDegraded     bool             `json:"graph_degraded"`
	PartialVisibility bool             `json:"partial_visibility"`
	Completed         []Stage          `json:"completed"`
	Triage            *triage.Decision `json:"triage,omitempty"`
	Entities          []memory.Entity  `json:"entities,omitempty"`
	Elapsed           time.Duration    `json:"-"`
}

func validateInput(tc tenant.Context, in *WriteInput) error {
	if err := tc.ValidateForWrite(); err != nil {
		return err
	}
	if in.Node.Content == "" {
		return memory.ErrContentRequired
	}
	if in.Node.Kind == "" {
		in.Node.Kind = memory.KindMemory
	}
	if !memory.ValidKind(in.Node.Kind) {
		return fmt.Errorf("kind %q: %w", in.Node.Kind, memory.ErrInvalidKind)
	}
	if in.Node.Metrics != nil {
		for _, imp := range []*float64{in.Node.Metrics.UserImportance, in.Node.Metrics.AIImportance} {
			if imp != nil && (*imp < 0 || *imp > 1) {
				return memory.ErrInvalidImportance
			}
		}
	}
	for _, rel := range in.Relationships {
		switch rel.Type {
		case memory.RelTemporal, memory.RelCausal, memory.RelMentions, memory.RelRelatesTo:
		default:
			return fmt.Errorf("relationship type %q: %w", rel.Type, memory.ErrInvalidRelationshipType)
		}
	}
	return nil
}

// embedText is what the vector represents: the title gives the embedding
// anchor terms, the content the substance.
func embedText(node memory.Node) string {
	if node.Title == "" {
		return node.Content
	}
	return node.Title + "\n\n" + node.Content
}

// Store runs the write saga. On stage failure the returned error is a
// *StageError naming the failed stage and the completed prefix.
func (c *Coordinator) Store(ctx context.Context, tc tenant.Context, in WriteInput) (Result, error) {
	started := time.Now()
	if err := validateInput(tc, &in); err != nil {
		return Result{}, err
	}

	var res Result
	fail := func(stage Stage, err error) (Result, error) {
		c.metrics.SagaStageFailures.WithLabelValues(string(stage)).Inc()
		c.metrics.SagaWrites.WithLabelValues("error").Inc()
		return Result{}, &StageError{Stage: stage, Completed: res.Completed, Err: err}
	}

	// Triage runs before anything is persisted. Its decision rides along on
	// the result, and an episodic recommendation is recorded in the node
	// metadata so downstream consumers see it without re-classifying.
	if c.classifier != nil {
		decision := c.classifier.Classify(ctx, in.Node.Content, in.Node.Metadata)
		res.Triage = &decision
		if decision.NeedsEpisodic {
			md := make(memory.Metadata, len(in.Node.Metadata)+1)
			for k, v := range in.Node.Metadata {
				md[k] = v
			}
			md["triage"] = map[string]any{
				"variant":        decision.Variant,
				"needs_entities": decision.NeedsEntities,
				"confidence":     decision.Confidence,
				"route":          decision.Route,
			}
			in.Node.Metadata = md
		}
	}

	// Stage 1: embed. Nothing is persisted until the vector exists.
	vec, err := c.embedder.Embed(ctx, embedText(in.Node))
	if err != nil {
		return fail(StageEmbed, err)
	}
	res.Completed = append(res.Completed, StageEmbed)

	// Stage 2: relational. The authoritative row, id, version and edge rows
	// converge here.
	in.Node.EmbeddingModel = c.embedder.ModelName()
	up, err := c.relational.Upsert(ctx, tc, in.Node)
	if err != nil {
		return fail(StageRelational, err)
	}
	in.Node.ID = up.ID
	in.Node.Version = up.Version
	res.Created = up.Created
	res.Applied = up.Applied

	var edges []memory.Relationship
	if up.Applied {
		edges = c.assembleEdges(ctx, tc, in)
		if len(edges) > 0 {
			if err := c.relational.SaveRelationships(ctx, tc, edges); err != nil {
				return fail(StageRelational, err)
			}
			if touchesNode(edges, in.Node.ID) {
				if err := c.relational.MarkGraphLinked(ctx, tc, in.Node.ID, true); err != nil {
					c.logger.Warn("graph flag update failed", zap.String("node_id", in.Node.ID), zap.Error(err))
				}
			}
		}
	}
	res.Completed = append(res.Completed, StageRelational)

	// Past the relational stage the write is committed and must run to
	// completion; caller cancellation no longer interrupts the projections.
	ctx = context.WithoutCancel(ctx)

	// A stale write changed nothing; the stored projections already match
	// the stored row, so projecting the rejected content would corrupt them.
	if up.Applied {
		// Stage 3: vector.
		if err := c.vector.Upsert(ctx, tc, in.Node, vec); err != nil {
			return fail(StageVector, err)
		}
		res.Completed = append(res.Completed, StageVector)

		// Stage 4: graph. Best effort: a degraded graph loses ripple and
		// related-node traversal, never edges; those rebuild from the edge
		// rows on the next reprojection.
		if res.Triage != nil && res.Triage.NeedsEntities {
			res.Entities = c.extractEntities(tc, in.Node)
		}
		res.GraphDegraded = !c.writeGraph(ctx, tc, in.Node, edges, res.Entities)
		if !res.GraphDegraded {
			res.Completed = append(res.Completed, StageGraph)
			// Mention edges leave the node just as typed memory edges do, so
			// a node whose only links are entities still gains the flag.
			if len(res.Entities) > 0 && !touchesNode(edges, in.Node.ID) {
				if err := c.relational.MarkGraphLinked(ctx, tc, in.Node.ID, true); err != nil {
					c.logger.Warn("graph flag update failed", zap.String("node_id", in.Node.ID), zap.Error(err))
				}
			}
		}
	}

	// Stage 5: verify. Read back until every mandatory projection is
	// visible or the retries are exhausted.
	verifyErr := retry.Do(ctx,
		retry.WithMaxRetries(c.verify.MaxRetries, retry.NewExponential(c.verify.BaseDelay)),
		func(ctx context.Context) error {
			node, err := c.relational.Get(ctx, tc, in.Node.ID)
			if err != nil {
				return retry.RetryableError(err)
			}
			present, err := c.vector.Exists(ctx, tc, in.Node.ID)
			if err != nil {
				return retry.RetryableError(err)
			}
			if !present {
				return retry.RetryableError(fmt.Errorf("vector point for %s not visible", in.Node.ID))
			}
			res.Node = node
			return nil
		})
	if verifyErr != nil {
		res.PartialVisibility = true
		res.Node = in.Node
		c.metrics.SagaStageFailures.WithLabelValues(string(StageVerify)).Inc()
		c.logger.Warn("write admitted with partial visibility",
			zap.String("node_id", in.Node.ID),
			zap.String("tenant", tc.TenantID()),
			zap.Error(verifyErr))
	} else {
		res.Completed = append(res.Completed, StageVerify)
	}

	res.Elapsed = time.Since(started)
	outcome := "ok"
	if res.PartialVisibility {
		outcome = "partial"
	}
	c.metrics.SagaWrites.WithLabelValues(outcome).Inc()

	c.logger.Info("write stored",
		zap.String("node_id", res.Node.ID),
		zap.String("tenant", tc.TenantID()),
		zap.Int("version", res.Node.Version),
		zap.Bool("created", res.Created),
		zap.Bool("graph_degraded", res.GraphDegraded),
		zap.Bool("partial_visibility", res.PartialVisibility),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// assembleEdges resolves the full edge set for a write: the implied
// parent and session-predecessor edges plus the declared ones, with the
// written node filled in for empty endpoints. A failed predecessor lookup
// drops the temporal edge rather than the write.
func (c *Coordinator) assembleEdges(ctx context.Context, tc tenant.Context, in WriteInput) []memory.Relationship {
	edges := make([]memory.Relationship, 0, len(in.Relationships)+2)
	if in.Node.ParentID != nil {
		edges = append(edges, memory.Relationship{
			ID:        memory.NewID(),
			FromID:    *in.Node.ParentID,
			ToID:      in.Node.ID,
			Type:      memory.RelRelatesTo,
			Weight:    1.0,
			CreatedAt: time.Now().UTC(),
		})
	}
	if in.Node.SessionID != "" {
		prev, err := c.relational.LatestInSession(ctx, tc, in.Node.SessionID, in.Node.ID)
		if err != nil {
			c.logger.Warn("session predecessor lookup failed", zap.Error(err))
		} else if prev != "" {
			edges = append(edges, memory.Relationship{
				ID:        memory.NewID(),
				FromID:    prev,
				ToID:      in.Node.ID,
				Type:      memory.RelTemporal,
				Weight:    1.0,
				CreatedAt: time.Now().UTC(),
			})
		}
	}
	for _, rel := range in.Relationships {
		if rel.FromID == "" {
			rel.FromID = in.Node.ID
		}
		if rel.ToID == "" {
			rel.ToID = in.Node.ID
		}
		if rel.ID == "" {
			rel.ID = memory.NewID()
		}
		if rel.CreatedAt.IsZero() {
			rel.CreatedAt = time.Now().UTC()
		}
		edges = append(edges, rel)
	}
	return edges
}

func touchesNode(edges []memory.Relationship, nodeID string) bool {
	for _, e := range edges {
		if e.FromID == nodeID || e.ToID == nodeID {
			return true
		}
	}
	return false
}

// extractEntities names the entities the triage decision flagged and
// stamps them with stable per-tenant vertex ids, so repeated mentions of
// one name converge on one vertex.
func (c *Coordinator) extractEntities(tc tenant.Context, node memory.Node) []memory.Entity {
	entities := triage.ExtractEntities(node.Content)
	now := time.Now().UTC()
	for i := range entities {
		entities[i].ID = graph.EntityID(tc, entities[i].Name)
		entities[i].CompanyID = tc.CompanyID
		entities[i].AppID = tc.AppID
		entities[i].CreatedAt = now
	}
	return entities
}

// annotatedEntities re-extracts entities for a node whose stored triage
// annotation flagged them. The annotation outlives the original decision,
// so reprojection needs no classifier.
func (c *Coordinator) annotatedEntities(tc tenant.Context, node memory.Node) []memory.Entity {
	entry, ok := node.Metadata["triage"].(map[string]any)
	if !ok {
		return nil
	}
	if needs, _ := entry["needs_entities"].(bool); !needs {
		return nil
	}
	return c.extractEntities(tc, node)
}

// writeGraph projects the memory vertex, its edges and its extracted
// entities into the graph store. Returns false when the store is absent
// or any merge fails.
func (c *Coordinator) writeGraph(ctx context.Context, tc tenant.Context, node memory.Node, edges []memory.Relationship, entities []memory.Entity) bool {
	if c.graph == nil {
		return false
	}
	if err := c.graph.MergeMemory(ctx, tc, node); err != nil {
		c.logger.Warn("graph merge failed", zap.String("node_id", node.ID), zap.Error(err))
		return false
	}
	for _, edge := range edges {
		if err := c.graph.MergeRelationship(ctx, tc, edge); err != nil {
			c.logger.Warn("graph edge merge failed",
				zap.String("from", edge.FromID),
				zap.String("to", edge.ToID),
				zap.String("type", string(edge.Type)),
				zap.Error(err))
			return false
		}
	}
	for _, e := range entities {
		if err := c.graph.MergeEntity(ctx, tc, e); err != nil {
			c.logger.Warn("graph entity merge failed", zap.String("entity", e.Name), zap.Error(err))
			return false
		}
		if err := c.graph.MergeMention(ctx, tc, node.ID, e); err != nil {
			c.logger.Warn("graph mention merge failed", zap.String("entity", e.Name), zap.Error(err))
			return false
		}
	}
	return true
}

// Reproject refreshes the vector and graph projections of a node whose
// relational row changed outside the write saga, such as a version restore.
// The relational rows are already authoritative; only the projections move.
// Graph edges rebuild from the stored edge rows, which also repairs edges a
// degraded graph stage dropped earlier, and entity mentions re-extract from
// the stored triage annotation.
func (c *Coordinator) Reproject(ctx context.Context, tc tenant.Context, node memory.Node) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	vec, err := c.embedder.Embed(ctx, embedText(node))
	if err != nil {
		return &StageError{Stage: StageEmbed, Completed: []Stage{StageRelational}, Err: err}
	}
	node.EmbeddingModel = c.embedder.ModelName()
	if err := c.vector.Upsert(ctx, tc, node, vec); err != nil {
		return &StageError{Stage: StageVector, Completed: []Stage{StageRelational, StageEmbed}, Err: err}
	}
	if c.graph != nil {
		if err := c.graph.MergeMemory(ctx, tc, node); err != nil {
			c.logger.Warn("graph reprojection degraded", zap.String("node_id", node.ID), zap.Error(err))
		} else {
			edges, err := c.relational.ListRelationships(ctx, tc, node.ID)
			if err != nil {
				c.logger.Warn("edge row load failed", zap.String("node_id", node.ID), zap.Error(err))
			}
			for _, edge := range edges {
				if err := c.graph.MergeRelationship(ctx, tc, edge); err != nil {
					c.logger.Warn("graph edge reprojection degraded",
						zap.String("from", edge.FromID),
						zap.String("to", edge.ToID),
						zap.Error(err))
					break
				}
			}
			for _, e := range c.annotatedEntities(tc, node) {
				if err := c.graph.MergeEntity(ctx, tc, e); err != nil {
					c.logger.Warn("graph entity reprojection degraded", zap.String("entity", e.Name), zap.Error(err))
					break
				}
				if err := c.graph.MergeMention(ctx, tc, node.ID, e); err != nil {
					c.logger.Warn("graph mention reprojection degraded", zap.String("entity", e.Name), zap.Error(err))
					break
				}
			}
		}
	}
	c.logger.Info("node reprojected", zap.String("node_id", node.ID), zap.String("tenant", tc.TenantID()))
	return nil
}

// Delete removes a node everywhere: relational tombstone first so searches
// stop returning it immediately, then the projections. A degraded graph
// delete is logged and tolerated; its orphan vertex is invisible to reads.
func (c *Coordinator) Delete(ctx context.Context, tc tenant.Context, id string) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if err := c.relational.Delete(ctx, tc, id); err != nil {
		return err
	}
	if err := c.vector.Delete(ctx, tc, id); err != nil {
		return err
	}
	if c.graph != nil {
		if err := c.graph.DetachDelete(ctx, tc, id); err != nil {
			c.logger.Warn("graph delete degraded", zap.String("node_id", id), zap.Error(err))
		}
	}
	c.logger.Info("node deleted", zap.String("node_id", id), zap.String("tenant", tc.TenantID()))
	return nil
}
