package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/cache"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/internal/snapshot"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/tenant"
)

const defaultDecayBatch = 500

// DecayStore defines the store operations the decay sweep needs.
// Implemented by postgres.Store.
type DecayStore interface {
	ListTenants(ctx context.Context) ([]postgres.Tenant, error)
	ListForDecay(ctx context.Context, tc tenant.Context, afterID string, limit int) ([]postgres.DecayRow, error)
	BatchUpdateRetrievability(ctx context.Context, tc tenant.Context, updates []postgres.RetrievabilityUpdate) (int64, error)
	InsertStabilitySnapshot(ctx context.Context, tc tenant.Context, snap memory.StabilitySnapshot) error
}

// ScoreInvalidator drops cached relevance scores after a sweep rewrites
// the retrievability a score was computed from.
type ScoreInvalidator interface {
	InvalidateTenant(ctx context.Context, tc tenant.Context)
}

// Progress is the externally visible state of a decay run, kept in Redis
// under job:decay:<run>:progress for the retention window of a failed run.
type Progress struct {
	RunID     string    `json:"run_id"`
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressKey returns the Redis key holding the progress of a decay run.
func ProgressKey(runID string) string {
	return "job:decay:" + runID + ":progress"
}

// Summary aggregates one decay run across all tenants.
type Summary struct {
	RunID             string  `json:"run_id"`
	Tenants           int     `json:"tenants"`
	TenantsFailed     int     `json:"tenants_failed,omitempty"`
	Scanned           int64   `json:"scanned"`
	Updated           int64   `json:"updated"`
	AvgRetrievability float64 `json:"avg_retrievability"`
	MinRetrievability float64 `json:"min_retrievability"`
	MaxRetrievability float64 `json:"max_retrievability"`
	ProcessingMillis  int64   `json:"processing_ms"`
}

// DecaySweep recomputes retrievability for every live node, tenant by
// tenant, then records a per-tenant stability snapshot. Sweeps are
// idempotent: a retried run recomputes the same values from the clock.
type DecaySweep struct {
	store       DecayStore
	scores      ScoreInvalidator
	archiver    snapshot.Archiver
	progress    *cache.Cache
	tau         time.Duration
	batchSize   int
	progressTTL time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewDecaySweep wires a sweep. scores and progress may be nil, which
// disables cache invalidation and progress reporting respectively; a nil
// archiver is replaced with the no-op archiver.
func NewDecaySweep(store DecayStore, scores ScoreInvalidator, archiver snapshot.Archiver, progress *cache.Cache, cfg config.DecayConfig, tau time.Duration, logger *zap.Logger, m *metrics.Metrics) *DecaySweep {
	if archiver == nil {
		archiver = snapshot.NoopArchiver{}
	}
	if tau <= 0 {
		tau = relevance.DefaultTau
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultDecayBatch
	}
	ttl := cfg.RetentionFailure.Std()
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &DecaySweep{
		store:       store,
		scores:      scores,
		archiver:    archiver,
		progress:    progress,
		tau:         tau,
		batchSize:   batch,
		progressTTL: ttl,
		logger:      logger.Named("decay"),
		metrics:     m,
		now:         time.Now,
	}
}

// ProcessTask runs a full sweep for a scheduled decay task. The asynq task
// id doubles as the run id so retries continue the same progress trail.
func (s *DecaySweep) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	runID, ok := asynq.GetTaskID(ctx)
	if !ok || runID == "" {
		runID = memory.NewID()
	}
	_, err := s.Run(ctx, runID)
	return err
}

// Run executes one sweep. Per-tenant failures do not stop the sweep, but
// any failure makes the run as a whole return an error so the scheduler
// retries it; tenants that already succeeded just recompute on the retry.
func (s *DecaySweep) Run(ctx context.Context, runID string) (Summary, error) {
	start := s.now()
	s.report(ctx, runID, 10, "started")

	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		s.metrics.DecayRuns.WithLabelValues("failure").Inc()
		return Summary{RunID: runID}, fmt.Errorf("list tenants: %w", err)
	}

	summary := Summary{RunID: runID, Tenants: len(tenants), MinRetrievability: 1}
	var firstErr error
	stats := make([]*tenantStats, 0, len(tenants))

	for _, t := range tenants {
		if ctx.Err() != nil {
			s.metrics.DecayRuns.WithLabelValues("failure").Inc()
			return summary, ctx.Err()
		}
		tc := tenant.System(t.CompanyID, t.AppID)
		st, err := s.sweepTenant(ctx, tc)
		if err != nil {
			if ctx.Err() != nil {
				s.metrics.DecayRuns.WithLabelValues("failure").Inc()
				return summary, ctx.Err()
			}
			summary.TenantsFailed++
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("tenant sweep failed",
				zap.String("run_id", runID),
				zap.String("tenant", tc.TenantID()),
				zap.Error(err))
			continue
		}
		stats = append(stats, st)
		summary.Scanned += st.scanned
		summary.Updated += st.updated
		summary.AvgRetrievability += st.sum
		if st.scanned > 0 {
			if st.min < summary.MinRetrievability {
				summary.MinRetrievability = st.min
			}
			if st.max > summary.MaxRetrievability {
				summary.MaxRetrievability = st.max
			}
		}
	}

	s.report(ctx, runID, 90, "updates_applied")

	for _, st := range stats {
		if ctx.Err() != nil {
			s.metrics.DecayRuns.WithLabelValues("failure").Inc()
			return summary, ctx.Err()
		}
		if st.scanned == 0 {
			continue
		}
		snap := st.snapshot(runID, s.now().Sub(start), s.now())
		if err := s.store.InsertStabilitySnapshot(ctx, st.tc, snap); err != nil {
			summary.TenantsFailed++
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("stability snapshot failed",
				zap.String("run_id", runID),
				zap.String("tenant", st.tc.TenantID()),
				zap.Error(err))
			continue
		}
		if err := s.archiver.Archive(ctx, st.tc, runID, snap); err != nil {
			s.logger.Warn("snapshot archive failed",
				zap.String("run_id", runID),
				zap.String("tenant", st.tc.TenantID()),
				zap.Error(err))
		}
	}

	if summary.Scanned > 0 {
		summary.AvgRetrievability /= float64(summary.Scanned)
	} else {
		summary.MinRetrievability = 0
	}
	summary.ProcessingMillis = s.now().Sub(start).Milliseconds()

	if firstErr != nil {
		s.metrics.DecayRuns.WithLabelValues("failure").Inc()
		return summary, fmt.Errorf("decay run %s: %d of %d tenants failed: %w",
			runID, summary.TenantsFailed, summary.Tenants, firstErr)
	}

	s.report(ctx, runID, 100, "snapshots_written")
	s.metrics.DecayRuns.WithLabelValues("success").Inc()
	s.metrics.DecayNodesUpdated.Add(float64(summary.Updated))
	s.logger.Info("decay run completed",
		zap.String("run_id", runID),
		zap.Int("tenants", summary.Tenants),
		zap.Int64("scanned", summary.Scanned),
		zap.Int64("updated", summary.Updated),
		zap.Float64("avg_retrievability", summary.AvgRetrievability),
		zap.Float64("min_retrievability", summary.MinRetrievability),
		zap.Float64("max_retrievability", summary.MaxRetrievability),
		zap.Int64("duration_ms", summary.ProcessingMillis))
	return summary, nil
}

type tenantStats struct {
	tc           tenant.Context
	scanned      int64
	updated      int64
	sum          float64
	sumStability float64
	min, max     float64
}

func (st *tenantStats) snapshot(runID string, elapsed time.Duration, now time.Time) memory.StabilitySnapshot {
	return memory.StabilitySnapshot{
		ID:                memory.NewID(),
		RunID:             runID,
		CompanyID:         st.tc.CompanyID,
		AppID:             st.tc.AppID,
		NodeCount:         st.scanned,
		UpdatedCount:      st.updated,
		AvgStability:      st.sumStability / float64(st.scanned),
		AvgRetrievability: st.sum / float64(st.scanned),
		MinRetrievability: st.min,
		MaxRetrievability: st.max,
		ProcessingMillis:  elapsed.Milliseconds(),
		CreatedAt:         now.UTC(),
	}
}

// sweepTenant pages through the tenant's live nodes in keyset order and
// rewrites each node's retrievability from the forgetting curve.
func (s *DecaySweep) sweepTenant(ctx context.Context, tc tenant.Context) (*tenantStats, error) {
	st := &tenantStats{tc: tc, min: 1}
	afterID := ""
	for {
		rows, err := s.store.ListForDecay(ctx, tc, afterID, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("list for decay: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		now := s.now()
		updates := make([]postgres.RetrievabilityUpdate, 0, len(rows))
		for _, row := range rows {
			baseline := relevance.ImportanceBaseline(fromNull(row.UserImportance), fromNull(row.AIImportance))
			r := relevance.Retrievability(row.Stability, baseline, now.Sub(row.LastAccessed), s.tau)
			updates = append(updates, postgres.RetrievabilityUpdate{NodeID: row.ID, Value: r})
			st.sum += r
			st.sumStability += row.Stability
			if r < st.min {
				st.min = r
			}
			if r > st.max {
				st.max = r
			}
		}
		st.scanned += int64(len(rows))
		n, err := s.store.BatchUpdateRetrievability(ctx, tc, updates)
		if err != nil {
			return nil, fmt.Errorf("apply retrievability batch: %w", err)
		}
		st.updated += n
		afterID = rows[len(rows)-1].ID
		if len(rows) < s.batchSize {
			break
		}
	}
	if st.scanned > 0 && s.scores != nil {
		s.scores.InvalidateTenant(ctx, tc)
	}
	return st, nil
}

// report writes the run's progress marker. Progress is observability, not
// state: failures are logged and swallowed.
func (s *DecaySweep) report(ctx context.Context, runID string, percent int, stage string) {
	if s.progress == nil {
		return
	}
	p := Progress{RunID: runID, Percent: percent, Stage: stage, UpdatedAt: s.now().UTC()}
	if err := s.progress.SetJSON(ctx, ProgressKey(runID), p, s.progressTTL); err != nil {
		s.logger.Warn("progress update failed",
			zap.String("run_id", runID), zap.Int("percent", percent), zap.Error(err))
	}
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
