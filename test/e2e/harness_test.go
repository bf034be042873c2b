// Package e2e exercises the service end to end: real engines, real router,
// real typed client, with the external stores replaced by in-memory fakes
// that mirror the Postgres, Qdrant and Neo4j semantics the engines rely on.
// Everything runs in process, so the suite needs no running backends.
package e2e

import (
	"context"
	"database/sql"
	"hash/fnv"
	"math"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mnemora/mnemora/internal/api"
	"github.com/mnemora/mnemora/internal/cache"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/internal/ripple"
	"github.com/mnemora/mnemora/internal/saga"
	"github.com/mnemora/mnemora/internal/search"
	"github.com/mnemora/mnemora/internal/snapshot"
	"github.com/mnemora/mnemora/internal/store/graph"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/store/vector"
	"github.com/mnemora/mnemora/internal/tenant"
	"github.com/mnemora/mnemora/internal/triage"
	"github.com/mnemora/mnemora/internal/worker"
	"github.com/mnemora/mnemora/pkg/client"
)

const testToken = "e2e-token"

var defaultTenant = client.Tenant{CompanyID: "acme", AppID: "assistant", UserID: "user-1"}

// defaultTC is the store-side view of defaultTenant, for assertions that
// bypass the HTTP surface.
func defaultTC() tenant.Context {
	return tenant.Context{
		CompanyID: defaultTenant.CompanyID,
		AppID:     defaultTenant.AppID,
		UserID:    defaultTenant.UserID,
	}
}

// --- environment ---

type envSettings struct {
	graph  bool
	triage bool
}

type envOption func(*envSettings)

func withoutGraph() envOption { return func(s *envSettings) { s.graph = false } }
func withTriage() envOption   { return func(s *envSettings) { s.triage = true } }

// env is one fully wired service instance plus the fakes behind it, so
// tests can both drive the HTTP surface and inspect or break the backends.
type env struct {
	store    *memStore
	vectors  *vecStore
	graph    *memGraph
	embedder *stubEmbedder
	redis    *miniredis.Miniredis
	progress *cache.Cache

	lens       *relevance.Engine
	searcher   *search.Engine
	writer     *saga.Coordinator
	propagator *ripple.Propagator
	sweep      *worker.DecaySweep

	server *httptest.Server
	api    *client.Client
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	settings := envSettings{graph: true}
	for _, o := range opts {
		o(&settings)
	}

	logger := zaptest.NewLogger(t)
	m := metrics.New()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{
		store:    newMemStore(),
		vectors:  newVecStore(),
		embedder: &stubEmbedder{dims: 16},
		redis:    mr,
	}

	searchCache := cache.New("search", rdb, logger, m)
	scoreCache := cache.New("relevance", rdb, logger, m)
	e.progress = cache.New("decay", rdb, logger, m)

	// The lens and the propagator reference each other; the queue adapter
	// breaks the cycle the way the asynq round trip does in production.
	queue := &syncRipple{}
	e.lens = relevance.NewEngine(e.store, e.vectors, e.embedder, queue, scoreCache, config.RelevanceConfig{
		Tau:      config.Duration(relevance.DefaultTau),
		CacheTTL: config.Duration(time.Minute),
	}, logger, m)

	var sagaGraph saga.GraphStore
	var apiRipple api.RippleQueue
	if settings.graph {
		e.graph = newMemGraph()
		sagaGraph = e.graph
		e.propagator = ripple.NewPropagator(e.graph, e.store, e.lens, config.RippleConfig{
			Enabled:      true,
			InitialBoost: 0.3,
			DecayPerHop:  0.5,
			MaxDepth:     3,
			MinBoost:     0.05,
			BatchSize:    100,
		}, logger, m)
		queue.p = e.propagator
		apiRipple = queue
	}

	var classifier saga.Classifier
	if settings.triage {
		classifier = triage.NewClassifier(config.TriageConfig{
			Enabled:          true,
			LLMThreshold:     0.75,
			MinContentLength: 50,
		}, config.LLMConfig{}, logger, m)
	}

	// Short verify backoff keeps the partial-visibility path fast.
	e.writer = saga.New(e.store, e.vectors, sagaGraph, e.embedder, classifier,
		saga.VerifyPolicy{MaxRetries: 2, BaseDelay: 5 * time.Millisecond}, logger, m)

	e.searcher = search.NewEngine(e.store, e.vectors, e.embedder, e.lens, searchCache, config.SearchConfig{
		CacheTTL:       config.Duration(time.Minute),
		DefaultLimit:   10,
		MaxLimit:       50,
		ScoreThreshold: 0.05,
	}, logger, m)

	e.sweep = worker.NewDecaySweep(e.store, e.lens, snapshot.NoopArchiver{}, e.progress, config.DecayConfig{
		BatchSize:        100,
		RetentionFailure: config.Duration(time.Hour),
	}, relevance.DefaultTau, logger, m)

	pingers := map[string]api.Pinger{
		"postgres": e.store,
		"qdrant":   e.vectors,
		"redis":    searchCache,
	}
	handler := api.NewHandler(e.writer, e.searcher, e.lens, apiRipple, e.store, pingers, testToken, "e2e", logger, m)
	e.server = httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(e.server.Close)

	e.api = e.clientFor(t, defaultTenant)
	return e
}

func (e *env) clientFor(t *testing.T, tn client.Tenant) *client.Client {
	t.Helper()
	c, err := client.New(
		client.WithBaseURL(e.server.URL),
		client.WithToken(testToken),
		client.WithTenant(tn),
	)
	require.NoError(t, err)
	return c
}

// storeMemory seeds one node through the full write path and fails the
// test on any error.
func (e *env) storeMemory(t *testing.T, req client.StoreRequest) client.StoreResult {
	t.Helper()
	res, err := e.api.Store(context.Background(), req)
	require.NoError(t, err)
	return res
}

// --- ripple queue adapter ---

// syncRipple propagates inline instead of enqueueing, so a test observes
// boosts as soon as the triggering request returns.
type syncRipple struct {
	p *ripple.Propagator
}

func (q *syncRipple) EnqueueBoost(ctx context.Context, tc tenant.Context, sourceID string) error {
	if q.p == nil {
		return nil
	}
	_, err := q.p.Propagate(ctx, tc, sourceID)
	return err
}

// --- in-memory relational store ---

type storedNode struct {
	node    memory.Node
	deleted *time.Time
}

// memStore mirrors the relational store's semantics over maps: tenant
// scoping, soft deletes, version history, idempotent upserts and the decay
// and boost batch updates.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]*storedNode
	versions  map[string][]memory.Version
	perms     map[string]map[string]memory.Permission
	rels      map[string]memory.Relationship
	accesses  []memory.AccessEvent
	snapshots []memory.StabilitySnapshot
	comms     map[string][]memory.Community

	upsertErr error
	pingErr   error
}

func newMemStore() *memStore {
	return &memStore{
		rows:     make(map[string]*storedNode),
		versions: make(map[string][]memory.Version),
		perms:    make(map[string]map[string]memory.Permission),
		rels:     make(map[string]memory.Relationship),
		comms:    make(map[string][]memory.Community),
	}
}

func (s *memStore) setUpsertErr(err error) { s.mu.Lock(); s.upsertErr = err; s.mu.Unlock() }
func (s *memStore) setPingErr(err error)   { s.mu.Lock(); s.pingErr = err; s.mu.Unlock() }

func (s *memStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

// owns reports whether a row belongs to the tenant.
func owns(tc tenant.Context, n memory.Node) bool {
	return n.CompanyID == tc.CompanyID && n.AppID == tc.AppID
}

// live returns the tenant's row when it exists and is not tombstoned.
func (s *memStore) live(tc tenant.Context, id string) *storedNode {
	row := s.rows[id]
	if row == nil || row.deleted != nil || !owns(tc, row.node) {
		return nil
	}
	return row
}

func (s *memStore) Upsert(ctx context.Context, tc tenant.Context, node memory.Node) (postgres.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return postgres.UpsertResult{}, s.upsertErr
	}

	stability, retrievability := postgres.DefaultStability, postgres.DefaultStability
	var userImp, aiImp *float64
	if node.Metrics != nil {
		if node.Metrics.Stability > 0 {
			stability = node.Metrics.Stability
		}
		if node.Metrics.Retrievability > 0 {
			retrievability = node.Metrics.Retrievability
		}
		userImp = copyFloat(node.Metrics.UserImportance)
		aiImp = copyFloat(node.Metrics.AIImportance)
	}
	updatedAt := node.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	id := node.ID
	if id == "" && node.IdempotencyKey != "" {
		// A keyed write without an id converges on the id the key first
		// landed on.
		for _, row := range s.rows {
			if owns(tc, row.node) && row.node.IdempotencyKey == node.IdempotencyKey {
				id = row.node.ID
				break
			}
		}
	}
	if id == "" {
		id = memory.NewID()
	}

	existing := s.rows[id]
	if existing == nil {
		n := cloneNode(node)
		n.ID = id
		n.CompanyID, n.AppID, n.UserID = tc.CompanyID, tc.AppID, tc.UserID
		n.Tags = normalizeTags(node.Tags)
		n.Version = 1
		n.CreatedAt, n.UpdatedAt = updatedAt, updatedAt
		n.Metrics = &memory.Metrics{
			LastAccessed:   updatedAt,
			Stability:      stability,
			Retrievability: retrievability,
			UserImportance: userImp,
			AIImportance:   aiImp,
		}
		s.rows[id] = &storedNode{node: n}
		s.appendVersionLocked(tc, n.ID, 1, n, memory.ChangeCreate, updatedAt)
		return postgres.UpsertResult{ID: id, Version: 1, Created: true, Applied: true}, nil
	}

	old := existing.node
	keyed := old.IdempotencyKey != "" && old.IdempotencyKey == node.IdempotencyKey
	if !keyed && !updatedAt.After(old.UpdatedAt) {
		// Stale write: converge on the stored row without touching it.
		return postgres.UpsertResult{ID: id, Version: old.Version}, nil
	}

	version := old.Version
	if !keyed {
		version++
	}
	cur := old
	cur.Kind, cur.Title, cur.Source, cur.Content = node.Kind, node.Title, node.Source, node.Content
	cur.Metadata = cloneMetadata(node.Metadata)
	cur.Tags = normalizeTags(node.Tags)
	cur.SessionID = node.SessionID
	cur.HierarchyLevel = node.HierarchyLevel
	cur.ParentID = copyStr(node.ParentID)
	cur.EmbeddingModel = node.EmbeddingModel
	cur.IdempotencyKey = node.IdempotencyKey
	cur.UpdatedAt = updatedAt
	cur.Version = version
	if userImp != nil {
		cur.Metrics.UserImportance = userImp
	}
	if aiImp != nil {
		cur.Metrics.AIImportance = aiImp
	}
	existing.node = cur
	existing.deleted = nil
	s.appendVersionLocked(tc, id, version, cur, memory.ChangeUpdate, updatedAt)
	return postgres.UpsertResult{ID: id, Version: version, Applied: true}, nil
}

// appendVersionLocked mirrors the (memory_id, version) primary key: a keyed
// retry that kept the version is a no-op.
func (s *memStore) appendVersionLocked(tc tenant.Context, id string, version int, n memory.Node, change memory.ChangeKind, at time.Time) {
	for _, v := range s.versions[id] {
		if v.Number == version {
			return
		}
	}
	s.versions[id] = append(s.versions[id], memory.Version{
		MemoryID:  id,
		Number:    version,
		Title:     n.Title,
		Content:   n.Content,
		Tags:      append([]string(nil), n.Tags...),
		Metadata:  cloneMetadata(n.Metadata),
		ChangedBy: tc.UserID,
		Change:    change,
		CreatedAt: at,
	})
}

func (s *memStore) Get(ctx context.Context, tc tenant.Context, id string) (memory.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.live(tc, id)
	if row == nil {
		return memory.Node{}, memory.ErrNodeNotFound
	}
	return cloneNode(row.node), nil
}

func (s *memStore) GetMany(ctx context.Context, tc tenant.Context, ids []string) ([]memory.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]memory.Node, 0, len(ids))
	for _, id := range ids {
		if row := s.live(tc, id); row != nil {
			nodes = append(nodes, cloneNode(row.node))
		}
	}
	return nodes, nil
}

func (s *memStore) Delete(ctx context.Context, tc tenant.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.live(tc, id)
	if row == nil {
		return memory.ErrNodeNotFound
	}
	now := time.Now().UTC()
	row.deleted = &now
	for key, rel := range s.rels {
		if rel.FromID == id || rel.ToID == id {
			delete(s.rels, key)
		}
	}
	return nil
}

func (s *memStore) LatestInSession(ctx context.Context, tc tenant.Context, sessionID, excludeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *memory.Node
	for _, row := range s.rows {
		n := row.node
		if row.deleted != nil || !owns(tc, n) || n.SessionID != sessionID || n.ID == excludeID {
			continue
		}
		if best == nil || n.CreatedAt.After(best.CreatedAt) ||
			(n.CreatedAt.Equal(best.CreatedAt) && n.ID > best.ID) {
			c := n
			best = &c
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ID, nil
}

// relKey mirrors the edge table's conflict target: the tenant, the endpoint
// pair and the type identify a row.
func relKey(tc tenant.Context, rel memory.Relationship) string {
	return tc.TenantID() + "|" + rel.FromID + "|" + rel.ToID + "|" + string(rel.Type)
}

func (s *memStore) SaveRelationships(ctx context.Context, tc tenant.Context, rels []memory.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range rels {
		if rel.ID == "" {
			rel.ID = memory.NewID()
		}
		if rel.CreatedAt.IsZero() {
			rel.CreatedAt = time.Now().UTC()
		}
		key := relKey(tc, rel)
		if prev, ok := s.rels[key]; ok {
			rel.ID = prev.ID
			rel.CreatedAt = prev.CreatedAt
		}
		s.rels[key] = rel
	}
	return nil
}

func (s *memStore) ListRelationships(ctx context.Context, tc tenant.Context, nodeID string) ([]memory.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tc.TenantID() + "|"
	var out []memory.Relationship
	for key, rel := range s.rels {
		if strings.HasPrefix(key, prefix) && (rel.FromID == nodeID || rel.ToID == nodeID) {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) MarkGraphLinked(ctx context.Context, tc tenant.Context, id string, linked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.rows[id]; row != nil && owns(tc, row.node) {
		row.node.Metrics.HasGraphRelationships = linked
	}
	return nil
}

func (s *memStore) SetImportance(ctx context.Context, tc tenant.Context, id string, userImportance, aiImportance *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.live(tc, id)
	if row == nil {
		return memory.ErrNodeNotFound
	}
	if userImportance != nil {
		row.node.Metrics.UserImportance = copyFloat(userImportance)
	}
	if aiImportance != nil {
		row.node.Metrics.AIImportance = copyFloat(aiImportance)
	}
	return nil
}

func (s *memStore) ApplyAccess(ctx context.Context, tc tenant.Context, ev memory.AccessEvent, newStability, newRetrievability float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.live(tc, ev.ContentID)
	if row == nil {
		return memory.ErrNodeNotFound
	}
	row.node.Metrics.LastAccessed = ev.AccessedAt
	row.node.Metrics.AccessCount++
	row.node.Metrics.Stability = newStability
	row.node.Metrics.Retrievability = newRetrievability
	s.accesses = append(s.accesses, ev)
	return nil
}

func (s *memStore) ApplyStabilityBoosts(ctx context.Context, tc tenant.Context, boosts []postgres.StabilityBoost) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var affected int64
	for _, b := range boosts {
		row := s.live(tc, b.NodeID)
		if row == nil {
			continue
		}
		row.node.Metrics.Stability = math.Min(1, row.node.Metrics.Stability+b.Boost)
		row.node.Metrics.LastBoostAt = &now
		row.node.Metrics.BoostCount++
		affected++
	}
	return affected, nil
}

func (s *memStore) ListForDecay(ctx context.Context, tc tenant.Context, afterID string, limit int) ([]postgres.DecayRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rows))
	for id, row := range s.rows {
		if row.deleted == nil && owns(tc, row.node) && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	rows := make([]postgres.DecayRow, 0, len(ids))
	for _, id := range ids {
		m := s.rows[id].node.Metrics
		rows = append(rows, postgres.DecayRow{
			ID:             id,
			Stability:      m.Stability,
			Retrievability: m.Retrievability,
			LastAccessed:   m.LastAccessed,
			UserImportance: nullFloat(m.UserImportance),
			AIImportance:   nullFloat(m.AIImportance),
		})
	}
	return rows, nil
}

func (s *memStore) BatchUpdateRetrievability(ctx context.Context, tc tenant.Context, updates []postgres.RetrievabilityUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for _, u := range updates {
		if row := s.live(tc, u.NodeID); row != nil {
			row.node.Metrics.Retrievability = u.Value
			affected++
		}
	}
	return affected, nil
}

func (s *memStore) InsertStabilitySnapshot(ctx context.Context, tc tenant.Context, snap memory.StabilitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *memStore) ListTenants(ctx context.Context) ([]postgres.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[postgres.Tenant]bool)
	for _, row := range s.rows {
		if row.deleted == nil {
			seen[postgres.Tenant{CompanyID: row.node.CompanyID, AppID: row.node.AppID}] = true
		}
	}
	tenants := make([]postgres.Tenant, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool {
		if tenants[i].CompanyID != tenants[j].CompanyID {
			return tenants[i].CompanyID < tenants[j].CompanyID
		}
		return tenants[i].AppID < tenants[j].AppID
	})
	return tenants, nil
}

func (s *memStore) ListCandidates(ctx context.Context, tc tenant.Context, filter postgres.CandidateFilter) ([]memory.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]memory.Node, 0, len(s.rows))
	for _, row := range s.rows {
		n := row.node
		if row.deleted != nil || !owns(tc, n) {
			continue
		}
		if len(filter.Kinds) > 0 && !kindIn(n.Kind, filter.Kinds) {
			continue
		}
		if len(filter.Tags) > 0 && !tagsOverlap(n.Tags, filter.Tags) {
			continue
		}
		nodes = append(nodes, cloneNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool {
		li, lj := nodes[i].Metrics.LastAccessed, nodes[j].Metrics.LastAccessed
		if !li.Equal(lj) {
			return li.After(lj)
		}
		return nodes[i].ID > nodes[j].ID
	})
	if filter.Limit > 0 && len(nodes) > filter.Limit {
		nodes = nodes[:filter.Limit]
	}
	return nodes, nil
}

// MetadataSearch approximates the trigram leg: exact title or source
// matches score 1.0, case-insensitive containment scores 0.7.
func (s *memStore) MetadataSearch(ctx context.Context, tc tenant.Context, query string, filter postgres.SearchFilter) ([]postgres.ScoredNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var hits []postgres.ScoredNode
	for _, row := range s.rows {
		n := row.node
		if row.deleted != nil || !owns(tc, n) || !matchesFilter(n, filter) {
			continue
		}
		title, source := strings.ToLower(n.Title), strings.ToLower(n.Source)
		var score float64
		switch {
		case title == q || (source != "" && source == q):
			score = 1.0
		case strings.Contains(title, q) || (source != "" && strings.Contains(source, q)):
			score = 0.7
		default:
			continue
		}
		hits = append(hits, postgres.ScoredNode{Node: cloneNode(n), Score: score})
	}
	sortScored(hits)
	return capScored(hits, filter.Limit), nil
}

// TextSearch approximates full-text rank: the fraction of query terms
// found in the title and content, normalised by the batch maximum.
func (s *memStore) TextSearch(ctx context.Context, tc tenant.Context, query string, filter postgres.SearchFilter) ([]postgres.ScoredNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := tokens(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var hits []postgres.ScoredNode
	for _, row := range s.rows {
		n := row.node
		if row.deleted != nil || !owns(tc, n) || !matchesFilter(n, filter) {
			continue
		}
		doc := make(map[string]bool)
		for _, w := range tokens(n.Title + " " + n.Content) {
			doc[w] = true
		}
		matched := 0
		for _, term := range terms {
			if doc[term] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, postgres.ScoredNode{
			Node:  cloneNode(n),
			Score: float64(matched) / float64(len(terms)),
		})
	}
	sortScored(hits)
	hits = capScored(hits, filter.Limit)
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	if max > 0 {
		for i := range hits {
			hits[i].Score /= max
		}
	}
	return hits, nil
}

func (s *memStore) SearchCommunities(ctx context.Context, tc tenant.Context, keywords []string, limit int) ([]memory.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		c       memory.Community
		overlap int
	}
	var out []scored
	for _, c := range s.comms[tc.TenantID()] {
		overlap := 0
		for _, k := range c.Keywords {
			for _, q := range keywords {
				if k == q {
					overlap++
				}
			}
		}
		if overlap > 0 {
			out = append(out, scored{c: c, overlap: overlap})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].overlap != out[j].overlap {
			return out[i].overlap > out[j].overlap
		}
		return out[i].c.ID < out[j].c.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	comms := make([]memory.Community, 0, len(out))
	for _, sc := range out {
		comms = append(comms, sc.c)
	}
	return comms, nil
}

func (s *memStore) ListVersions(ctx context.Context, tc tenant.Context, memoryID string, limit int) ([]memory.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := append([]memory.Version(nil), s.versions[memoryID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Number > rows[j].Number })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *memStore) RestoreVersion(ctx context.Context, tc tenant.Context, memoryID string, version int) (memory.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap *memory.Version
	for i := range s.versions[memoryID] {
		if s.versions[memoryID][i].Number == version {
			snap = &s.versions[memoryID][i]
			break
		}
	}
	if snap == nil {
		return memory.Node{}, memory.ErrVersionNotFound
	}
	row := s.rows[memoryID]
	if row == nil || !owns(tc, row.node) {
		return memory.Node{}, memory.ErrNodeNotFound
	}
	restoredAt := time.Now().UTC()
	row.node.Title = snap.Title
	row.node.Content = snap.Content
	row.node.Tags = append([]string(nil), snap.Tags...)
	row.node.Metadata = cloneMetadata(snap.Metadata)
	row.node.Version++
	row.node.UpdatedAt = restoredAt
	row.deleted = nil
	s.appendVersionLocked(tc, memoryID, row.node.Version, row.node, memory.ChangeRestore, restoredAt)
	return cloneNode(row.node), nil
}

func (s *memStore) ListPermissions(ctx context.Context, tc tenant.Context, memoryID string) ([]memory.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	out := make([]memory.Permission, 0, len(s.perms[memoryID]))
	for _, p := range s.perms[memoryID] {
		if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) GrantPermission(ctx context.Context, tc tenant.Context, p memory.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perms[p.MemoryID] == nil {
		s.perms[p.MemoryID] = make(map[string]memory.Permission)
	}
	s.perms[p.MemoryID][p.UserID] = p
	return nil
}

func (s *memStore) RevokePermission(ctx context.Context, tc tenant.Context, memoryID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[memoryID][userID]; !ok {
		return memory.ErrPermissionNotFound
	}
	delete(s.perms[memoryID], userID)
	return nil
}

// --- test-only inspection hooks ---

// rewindAccess backdates a node's last access so decay math sees elapsed
// time without the test sleeping.
func (s *memStore) rewindAccess(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.rows[id].node.Metrics
	m.LastAccessed = m.LastAccessed.Add(-d)
}

func (s *memStore) liveCount(tc tenant.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.deleted == nil && owns(tc, row.node) {
			n++
		}
	}
	return n
}

func (s *memStore) relCount(tc tenant.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tc.TenantID() + "|"
	n := 0
	for key := range s.rels {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func (s *memStore) snapshotList() []memory.StabilitySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.StabilitySnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

func (s *memStore) accessCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accesses)
}

func (s *memStore) addCommunity(tc tenant.Context, c memory.Community) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comms[tc.TenantID()] = append(s.comms[tc.TenantID()], c)
}

// --- in-memory vector store ---

type vecPoint struct {
	vec  []float32
	kind memory.Kind
	tags []string
}

// vecStore keeps per-tenant points and searches them with true cosine
// similarity, so ranking behaves like the real index.
type vecStore struct {
	mu     sync.Mutex
	points map[string]map[string]vecPoint

	upsertErr error
	searchErr error
	pingErr   error
	hidden    bool
}

func newVecStore() *vecStore {
	return &vecStore{points: make(map[string]map[string]vecPoint)}
}

func (v *vecStore) setUpsertErr(err error) { v.mu.Lock(); v.upsertErr = err; v.mu.Unlock() }
func (v *vecStore) setSearchErr(err error) { v.mu.Lock(); v.searchErr = err; v.mu.Unlock() }
func (v *vecStore) setPingErr(err error)   { v.mu.Lock(); v.pingErr = err; v.mu.Unlock() }
func (v *vecStore) setHidden(h bool)       { v.mu.Lock(); v.hidden = h; v.mu.Unlock() }

func (v *vecStore) Ping(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pingErr
}

func (v *vecStore) Upsert(ctx context.Context, tc tenant.Context, node memory.Node, embedding []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.upsertErr != nil {
		return v.upsertErr
	}
	if v.points[tc.TenantID()] == nil {
		v.points[tc.TenantID()] = make(map[string]vecPoint)
	}
	v.points[tc.TenantID()][node.ID] = vecPoint{
		vec:  append([]float32(nil), embedding...),
		kind: node.Kind,
		tags: append([]string(nil), node.Tags...),
	}
	return nil
}

func (v *vecStore) Exists(ctx context.Context, tc tenant.Context, nodeID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hidden {
		return false, nil
	}
	_, ok := v.points[tc.TenantID()][nodeID]
	return ok, nil
}

// Delete removes a point; deleting an absent point is not an error.
func (v *vecStore) Delete(ctx context.Context, tc tenant.Context, nodeID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points[tc.TenantID()], nodeID)
	return nil
}

func (v *vecStore) Vector(ctx context.Context, tc tenant.Context, nodeID string) ([]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.points[tc.TenantID()][nodeID]
	if !ok {
		return nil, memory.ErrNodeNotFound
	}
	return append([]float32(nil), p.vec...), nil
}

func (v *vecStore) Search(ctx context.Context, tc tenant.Context, vec []float32, params vector.SearchParams) ([]vector.Hit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.searchErr != nil {
		return nil, v.searchErr
	}
	var hits []vector.Hit
	for id, p := range v.points[tc.TenantID()] {
		if len(params.Kinds) > 0 && !kindIn(p.kind, params.Kinds) {
			continue
		}
		if len(params.Tags) > 0 && !tagsOverlap(p.tags, params.Tags) {
			continue
		}
		score := cosine(vec, p.vec)
		if score < params.Threshold {
			continue
		}
		hits = append(hits, vector.Hit{NodeID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].NodeID < hits[j].NodeID
	})
	if params.Limit > 0 && len(hits) > params.Limit {
		hits = hits[:params.Limit]
	}
	return hits, nil
}

func (v *vecStore) count(tc tenant.Context) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.points[tc.TenantID()])
}

// --- in-memory graph store ---

// memGraph stores typed edges per tenant and answers the undirected
// minimum-hop neighbourhood query boost propagation runs. Entity vertices
// relay hops during traversal but only memory vertices surface as
// neighbours, matching the Cypher the real store runs.
type memGraph struct {
	mu       sync.Mutex
	nodes    map[string]map[string]bool
	entities map[string]map[string]memory.Entity
	edges    map[string][]memory.Relationship

	mergeMemoryErr error
	mergeRelErr    error
}

func newMemGraph() *memGraph {
	return &memGraph{
		nodes:    make(map[string]map[string]bool),
		entities: make(map[string]map[string]memory.Entity),
		edges:    make(map[string][]memory.Relationship),
	}
}

func (g *memGraph) setMergeMemoryErr(err error) { g.mu.Lock(); g.mergeMemoryErr = err; g.mu.Unlock() }
func (g *memGraph) setMergeRelErr(err error)    { g.mu.Lock(); g.mergeRelErr = err; g.mu.Unlock() }

func (g *memGraph) MergeMemory(ctx context.Context, tc tenant.Context, node memory.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeMemoryErr != nil {
		return g.mergeMemoryErr
	}
	if g.nodes[tc.TenantID()] == nil {
		g.nodes[tc.TenantID()] = make(map[string]bool)
	}
	g.nodes[tc.TenantID()][node.ID] = true
	return nil
}

func (g *memGraph) MergeEntity(ctx context.Context, tc tenant.Context, e memory.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeMemoryErr != nil {
		return g.mergeMemoryErr
	}
	if g.entities[tc.TenantID()] == nil {
		g.entities[tc.TenantID()] = make(map[string]memory.Entity)
	}
	g.entities[tc.TenantID()][e.ID] = e
	return nil
}

// MergeMention records the mention as a MENTIONS edge so traversal can
// relay through the entity vertex.
func (g *memGraph) MergeMention(ctx context.Context, tc tenant.Context, nodeID string, e memory.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeRelErr != nil {
		return g.mergeRelErr
	}
	tid := tc.TenantID()
	id := nodeID + "|" + e.ID
	for _, existing := range g.edges[tid] {
		if existing.ID == id {
			return nil
		}
	}
	g.edges[tid] = append(g.edges[tid], memory.Relationship{
		ID:     id,
		FromID: nodeID,
		ToID:   e.ID,
		Type:   memory.RelMentions,
		Weight: e.Confidence,
	})
	return nil
}

func (g *memGraph) MergeRelationship(ctx context.Context, tc tenant.Context, rel memory.Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeRelErr != nil {
		return g.mergeRelErr
	}
	tid := tc.TenantID()
	for _, e := range g.edges[tid] {
		if e.ID == rel.ID {
			return nil
		}
	}
	g.edges[tid] = append(g.edges[tid], rel)
	return nil
}

func (g *memGraph) Exists(ctx context.Context, tc tenant.Context, nodeID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[tc.TenantID()][nodeID], nil
}

func (g *memGraph) DetachDelete(ctx context.Context, tc tenant.Context, nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	tid := tc.TenantID()
	delete(g.nodes[tid], nodeID)
	kept := g.edges[tid][:0]
	for _, e := range g.edges[tid] {
		if e.FromID != nodeID && e.ToID != nodeID {
			kept = append(kept, e)
		}
	}
	g.edges[tid] = kept
	return nil
}

// Neighbors walks edges of the requested types in both directions and
// reports each reachable node once, at its minimum hop count.
func (g *memGraph) Neighbors(ctx context.Context, tc tenant.Context, sourceID string, maxDepth int, edgeTypes []memory.RelationshipType) ([]graph.Neighbor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tid := tc.TenantID()
	allowed := make(map[memory.RelationshipType]bool, len(edgeTypes))
	for _, t := range edgeTypes {
		allowed[t] = true
	}
	adj := make(map[string][]string)
	for _, e := range g.edges[tid] {
		if !allowed[e.Type] {
			continue
		}
		adj[e.FromID] = append(adj[e.FromID], e.ToID)
		adj[e.ToID] = append(adj[e.ToID], e.FromID)
	}

	hops := map[string]int{sourceID: 0}
	frontier := []string{sourceID}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, peer := range adj[id] {
				if _, seen := hops[peer]; seen {
					continue
				}
				hops[peer] = depth
				next = append(next, peer)
			}
		}
		frontier = next
	}

	neighbors := make([]graph.Neighbor, 0, len(hops))
	for id, h := range hops {
		// Entity vertices relay hops but are not reportable neighbours.
		if id == sourceID || !g.nodes[tid][id] {
			continue
		}
		neighbors = append(neighbors, graph.Neighbor{NodeID: id, Hops: h})
	}
	return neighbors, nil
}

func (g *memGraph) edgeCount(tc tenant.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.edges[tc.TenantID()] {
		if _, entity := g.entities[tc.TenantID()][e.ToID]; !entity {
			n++
		}
	}
	return n
}

func (g *memGraph) entityNames(tc tenant.Context) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.entities[tc.TenantID()]))
	for _, e := range g.entities[tc.TenantID()] {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

func (g *memGraph) mentionCount(tc tenant.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.edges[tc.TenantID()] {
		if _, entity := g.entities[tc.TenantID()][e.ToID]; entity {
			n++
		}
	}
	return n
}

// --- deterministic embedder ---

// stubEmbedder hashes words into a fixed-size bag-of-words vector. Shared
// vocabulary between two texts yields high cosine similarity, which is all
// the ranking tests need.
type stubEmbedder struct {
	dims int

	mu  sync.Mutex
	err error
}

func (e *stubEmbedder) setErr(err error) { e.mu.Lock(); e.err = err; e.mu.Unlock() }

func (e *stubEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vec := make([]float32, e.dims)
	for _, w := range tokens(content) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%e.dims]++
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	out := make([][]float32, len(contents))
	for i, c := range contents {
		vec, err := e.Embed(ctx, c)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedder) ModelName() string { return "bag-of-words" }
func (e *stubEmbedder) Dimensions() int   { return e.dims }

// --- shared helpers ---

func tokens(s string) []string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, s)
	return strings.Fields(clean)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func kindIn(k memory.Kind, kinds []memory.Kind) bool {
	for _, kk := range kinds {
		if k == kk {
			return true
		}
	}
	return false
}

func tagsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func matchesFilter(n memory.Node, f postgres.SearchFilter) bool {
	if len(f.Kinds) > 0 && !kindIn(n.Kind, f.Kinds) {
		return false
	}
	if len(f.Tags) > 0 && !tagsOverlap(n.Tags, f.Tags) {
		return false
	}
	return true
}

func sortScored(hits []postgres.ScoredNode) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
}

func capScored(hits []postgres.ScoredNode, limit int) []postgres.ScoredNode {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func cloneNode(n memory.Node) memory.Node {
	c := n
	c.Tags = append([]string(nil), n.Tags...)
	c.Metadata = cloneMetadata(n.Metadata)
	c.ParentID = copyStr(n.ParentID)
	if n.DeletedAt != nil {
		t := *n.DeletedAt
		c.DeletedAt = &t
	}
	if n.Metrics != nil {
		m := *n.Metrics
		m.UserImportance = copyFloat(n.Metrics.UserImportance)
		m.AIImportance = copyFloat(n.Metrics.AIImportance)
		if n.Metrics.LastBoostAt != nil {
			t := *n.Metrics.LastBoostAt
			m.LastBoostAt = &t
		}
		c.Metrics = &m
	}
	return c
}

func cloneMetadata(md memory.Metadata) memory.Metadata {
	if md == nil {
		return nil
	}
	out := make(memory.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func nullFloat(f *float64) (v sql.NullFloat64) {
	if f != nil {
		v.Float64 = *f
		v.Valid = true
	}
	return v
}
