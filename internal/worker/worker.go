// Package worker runs the background side of the service on asynq: the
// hourly decay sweep on a strictly serial maintenance queue and ripple
// boost propagation on a small parallel queue. Producers and consumers
// share Redis, so any replica can enqueue and any replica can drain.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/config"
)

// Queue and task names. Queues are served by dedicated servers so their
// concurrency limits are independent: maintenance work never overlaps
// itself, ripple work fans out.
const (
	QueueMaintenance = "maintenance"
	QueueRipple      = "ripple"

	TaskDecayRun    = "decay:run"
	TaskRippleBoost = "ripple:boost"
)

// Runner owns the background job machinery: the two worker pools, the
// cron scheduler that feeds the maintenance queue, and their lifecycles.
type Runner struct {
	maintenance *asynq.Server
	maintMux    *asynq.ServeMux
	ripple      *asynq.Server
	rippleMux   *asynq.ServeMux
	scheduler   *asynq.Scheduler

	decayInterval time.Duration
	decayRetries  int
	decayKeep     time.Duration
	logger        *zap.Logger
}

// NewRunner builds the servers and scheduler. The ripple server is only
// created when propagation is enabled and a propagator is supplied; the
// maintenance server always runs with concurrency 1 so decay sweeps are
// serialized even across retries.
func NewRunner(redisCfg config.RedisConfig, decayCfg config.DecayConfig, rippleCfg config.RippleConfig, sweep *DecaySweep, prop Propagator, logger *zap.Logger) *Runner {
	redis := asynq.RedisClientOpt{Addr: redisCfg.Addr, Password: redisCfg.Password, DB: redisCfg.DB}
	alog := newAsynqLogger(logger)

	backoff := decayCfg.RetryBackoff.Std()
	if backoff <= 0 {
		backoff = time.Minute
	}
	interval := decayCfg.Interval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	keep := decayCfg.RetentionSuccess.Std()
	if keep <= 0 {
		keep = 24 * time.Hour
	}

	maintenance := asynq.NewServer(redis, asynq.Config{
		Concurrency:    1,
		Queues:         map[string]int{QueueMaintenance: 1},
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration { return backoff },
		Logger:         alog,
	})
	maintMux := asynq.NewServeMux()
	maintMux.Handle(TaskDecayRun, sweep)

	r := &Runner{
		maintenance:   maintenance,
		maintMux:      maintMux,
		scheduler:     asynq.NewScheduler(redis, &asynq.SchedulerOpts{Logger: alog}),
		decayInterval: interval,
		decayRetries:  decayCfg.MaxRetries,
		decayKeep:     keep,
		logger:        logger.Named("worker"),
	}

	if rippleCfg.Enabled && prop != nil {
		conc := rippleCfg.Concurrency
		if conc <= 0 {
			conc = 5
		}
		r.ripple = asynq.NewServer(redis, asynq.Config{
			Concurrency: conc,
			Queues:      map[string]int{QueueRipple: 1},
			Logger:      alog,
		})
		r.rippleMux = asynq.NewServeMux()
		r.rippleMux.Handle(TaskRippleBoost, NewRippleHandler(prop, logger))
	}
	return r
}

// Run starts the workers and the decay schedule, then blocks until ctx is
// cancelled and everything has drained. Scheduled decay tasks carry no
// task id: completed runs are retained for inspection and a fixed id
// would collide with its own retained predecessor.
func (r *Runner) Run(ctx context.Context) error {
	task := asynq.NewTask(TaskDecayRun, nil)
	if _, err := r.scheduler.Register("@every "+r.decayInterval.String(), task,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(r.decayRetries),
		asynq.Retention(r.decayKeep),
		asynq.Timeout(r.decayInterval),
	); err != nil {
		return fmt.Errorf("register decay schedule: %w", err)
	}

	if err := r.maintenance.Start(r.maintMux); err != nil {
		return fmt.Errorf("start maintenance worker: %w", err)
	}
	if r.ripple != nil {
		if err := r.ripple.Start(r.rippleMux); err != nil {
			r.maintenance.Shutdown()
			return fmt.Errorf("start ripple worker: %w", err)
		}
	}
	if err := r.scheduler.Start(); err != nil {
		if r.ripple != nil {
			r.ripple.Shutdown()
		}
		r.maintenance.Shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}

	r.logger.Info("background workers started",
		zap.Duration("decay_interval", r.decayInterval),
		zap.Bool("ripple", r.ripple != nil))

	<-ctx.Done()

	r.scheduler.Shutdown()
	if r.ripple != nil {
		r.ripple.Shutdown()
	}
	r.maintenance.Shutdown()
	r.logger.Info("background workers stopped")
	return nil
}

// asynqLogger adapts zap to asynq's variadic logger.
type asynqLogger struct {
	s *zap.SugaredLogger
}

func newAsynqLogger(l *zap.Logger) asynqLogger {
	return asynqLogger{s: l.Named("asynq").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a asynqLogger) Debug(args ...interface{}) { a.s.Debug(args...) }
func (a asynqLogger) Info(args ...interface{})  { a.s.Info(args...) }
func (a asynqLogger) Warn(args ...interface{})  { a.s.Warn(args...) }
func (a asynqLogger) Error(args ...interface{}) { a.s.Error(args...) }
func (a asynqLogger) Fatal(args ...interface{}) { a.s.Fatal(args...) }
