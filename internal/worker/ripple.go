package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/ripple"
	"github.com/mnemora/mnemora/internal/tenant"
)

// Propagator runs one boost propagation. Implemented by ripple.Propagator.
type Propagator interface {
	Propagate(ctx context.Context, tc tenant.Context, sourceID string) (ripple.Result, error)
}

// taskEnqueuer is the slice of asynq.Client the enqueuer needs.
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type ripplePayload struct {
	CompanyID string `json:"company_id"`
	AppID     string `json:"app_id"`
	UserID    string `json:"user_id"`
	SourceID  string `json:"source_id"`
}

// RippleEnqueuer schedules boost propagation on the ripple queue. The task
// id encodes (tenant, source), so at most one propagation per source is
// pending at a time; a conflict means one is already scheduled and the
// enqueue reports success.
type RippleEnqueuer struct {
	client taskEnqueuer
	logger *zap.Logger
}

// NewRippleEnqueuer wraps an asynq client as a relevance ripple queue.
func NewRippleEnqueuer(client *asynq.Client, logger *zap.Logger) *RippleEnqueuer {
	return &RippleEnqueuer{client: client, logger: logger.Named("ripple-queue")}
}

// EnqueueBoost schedules propagation from sourceID for the tenant.
func (e *RippleEnqueuer) EnqueueBoost(ctx context.Context, tc tenant.Context, sourceID string) error {
	payload, err := json.Marshal(ripplePayload{
		CompanyID: tc.CompanyID,
		AppID:     tc.AppID,
		UserID:    tc.UserID,
		SourceID:  sourceID,
	})
	if err != nil {
		return fmt.Errorf("encode ripple payload: %w", err)
	}
	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(TaskRippleBoost, payload),
		asynq.Queue(QueueRipple),
		asynq.TaskID(rippleTaskID(tc, sourceID)),
		asynq.MaxRetry(2),
	)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		e.logger.Debug("ripple already scheduled", zap.String("source_id", sourceID))
		return nil
	case err != nil:
		return fmt.Errorf("enqueue ripple boost: %w", err)
	}
	e.logger.Debug("ripple boost enqueued",
		zap.String("task_id", info.ID), zap.String("source_id", sourceID))
	return nil
}

func rippleTaskID(tc tenant.Context, sourceID string) string {
	return "ripple:" + tc.TenantID() + ":" + sourceID
}

// RippleHandler consumes ripple boost tasks.
type RippleHandler struct {
	prop   Propagator
	logger *zap.Logger
}

// NewRippleHandler wires the handler.
func NewRippleHandler(prop Propagator, logger *zap.Logger) *RippleHandler {
	return &RippleHandler{prop: prop, logger: logger.Named("ripple-worker")}
}

// ProcessTask runs propagation for one task. Malformed payloads and
// validation failures are permanent and skip the retry machinery.
func (h *RippleHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var p ripplePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode ripple payload: %v: %w", err, asynq.SkipRetry)
	}
	tc := tenant.Context{CompanyID: p.CompanyID, AppID: p.AppID, UserID: p.UserID}
	if tc.UserID == "" {
		tc.UserID = tenant.SystemUserID
	}
	res, err := h.prop.Propagate(ctx, tc, p.SourceID)
	if err != nil {
		if errors.Is(err, memory.ErrInvalidIDFormat) || errors.Is(err, memory.ErrMissingTenantContext) {
			return fmt.Errorf("ripple source %q: %v: %w", p.SourceID, err, asynq.SkipRetry)
		}
		return err
	}
	h.logger.Debug("ripple propagation done",
		zap.String("source_id", res.SourceID),
		zap.Int64("affected", res.Affected),
		zap.Int("max_depth", res.MaxDepth),
		zap.Float64("total_boost", res.TotalBoost))
	return nil
}
