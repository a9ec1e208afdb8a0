package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/campaign-call-manager/internal/app"
	"github.com/acme/campaign-call-manager/internal/config"
	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/engine"
	"github.com/acme/campaign-call-manager/internal/policy"
	"github.com/acme/campaign-call-manager/internal/repository"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// CallEngine is the slice of the state engine the scheduler drives.
type CallEngine interface {
	Create(ctx context.Context, input engine.CreateInput) (*domain.CallAttempt, error)
	Transition(ctx context.Context, callID string, event engine.Event) (*domain.CallAttempt, error)
}

// Claimer hands out per-candidate locks.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Scheduler drives the periodic jobs: re-arming due retries, working the dial
// backlog, and purging expired bookkeeping.
type Scheduler struct {
	cfg         config.SchedulerConfig
	calls       repository.CallRepository
	targets     repository.TargetRepository
	deadLetters repository.DeadLetterRepository
	engine      CallEngine
	admitter    engine.Admitter
	policies    engine.PolicySource
	lease       Claimer
	log         *logger.Logger
}

// New constructs a scheduler from the application container.
func New(container *app.Container) *Scheduler {
	cfg := container.Config.Scheduler
	return &Scheduler{
		cfg:         cfg,
		calls:       container.Repositories().Calls,
		targets:     container.Repositories().Targets,
		deadLetters: container.Repositories().DeadLetters,
		engine:      container.Services().Engine,
		admitter:    container.Admission(),
		policies:    container.Policies,
		lease:       NewLease(container.Redis.Inner(), cfg.LeasePrefix, cfg.LeaseTTL),
		log:         container.Logger,
	}
}

// Run executes the job loops until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := clampTick(s.cfg.TickInterval)
	purgeEvery := s.cfg.PurgeInterval
	if purgeEvery <= 0 {
		purgeEvery = time.Hour
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(gctx, interval, "sweep", s.sweep) })
	g.Go(func() error { return s.loop(gctx, purgeEvery, "purge", s.purge) })
	return g.Wait()
}

// clampTick keeps the sweep interval between one and ten minutes.
func clampTick(d time.Duration) time.Duration {
	if d < time.Minute {
		return time.Minute
	}
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, name string, job func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler: job failed", zap.String("job", name), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep re-arms due retries first, then works the dial backlog, so failed
// calls get their next attempt before fresh targets compete for capacity.
func (s *Scheduler) sweep(ctx context.Context) error {
	tracer := otel.Tracer("callmgr.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.sweep")
	defer span.End()

	if err := s.retrySweep(sctx); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.dialSweep(sctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Scheduler) retrySweep(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.calls.ListDueForRetry(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list due retries: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	s.log.Debug("scheduler: retry candidates", zap.Int("count", len(due)))

	rules := s.policies.Snapshot()
	for _, attempt := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.rearm(ctx, attempt, rules)
	}
	return nil
}

// rearm processes one due retry under a lease. An admission denial leaves the
// attempt untouched so a later sweep picks it up again.
func (s *Scheduler) rearm(ctx context.Context, attempt domain.CallAttempt, rules *domain.RuleSet) {
	log := s.log.WithCall(attempt.CallID)

	claimed, err := s.lease.Claim(ctx, attempt.CallID)
	if err != nil {
		log.Warn("scheduler: claim lease", zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	defer func() {
		if err := s.lease.Release(ctx, attempt.CallID); err != nil {
			log.Warn("scheduler: release lease", zap.Error(err))
		}
	}()

	now := time.Now().UTC()
	if !policy.InWindow(rules, attempt.CampaignID, now) {
		next, ok := policy.NextWindow(rules, attempt.CampaignID, now)
		if !ok {
			return
		}
		if err := s.calls.DeferRetry(ctx, attempt.CallID, next); err != nil {
			log.Warn("scheduler: defer retry", zap.Error(err))
			return
		}
		log.Info("scheduler: deferred to next window", zap.Time("next_retry_at", next))
		return
	}

	if err := s.admitter.Admit(ctx, attempt.CallID, attempt.PhoneNumber); err != nil {
		if apperrors.IsAdmissionDenied(err) {
			log.Debug("scheduler: admission denied, retrying later", zap.Error(err))
		} else {
			log.Warn("scheduler: admit", zap.Error(err))
		}
		return
	}

	if _, err := s.engine.Transition(ctx, attempt.CallID, engine.RetryAdmitted{}); err != nil {
		log.Error("scheduler: re-arm failed", zap.Error(err))
		if rerr := s.admitter.Release(ctx, attempt.CallID); rerr != nil {
			log.Warn("scheduler: release slot", zap.Error(rerr))
		}
	}
}

func (s *Scheduler) dialSweep(ctx context.Context) error {
	batch, err := s.targets.NextPendingBatch(ctx, s.cfg.DialBatchSize)
	if err != nil {
		return fmt.Errorf("scheduler: next pending targets: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	s.log.Debug("scheduler: dial backlog batch", zap.Int("count", len(batch)))

	for _, target := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.dialTarget(ctx, target)
	}
	return nil
}

// dialTarget turns one backlog entry into a call attempt. Admission denials
// keep the target pending; validation failures park it as failed.
func (s *Scheduler) dialTarget(ctx context.Context, target domain.DialTarget) {
	log := s.log.With(
		zap.String("target_id", target.ID.String()),
		zap.String("campaign_id", target.CampaignID.String()),
	)

	claimed, err := s.lease.Claim(ctx, target.ID.String())
	if err != nil {
		log.Warn("scheduler: claim lease", zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	defer func() {
		if err := s.lease.Release(ctx, target.ID.String()); err != nil {
			log.Warn("scheduler: release lease", zap.Error(err))
		}
	}()

	attempt, err := s.engine.Create(ctx, engine.CreateInput{
		CampaignID:  target.CampaignID,
		PhoneNumber: target.PhoneNumber,
	})
	switch {
	case err == nil:
		if merr := s.targets.MarkState(ctx, []uuid.UUID{target.ID}, domain.TargetStateDispatched, nil); merr != nil {
			log.Warn("scheduler: mark dispatched", zap.Error(merr))
		}
		log.Info("scheduler: dialed backlog target", zap.String("call_id", attempt.CallID))
	case apperrors.IsAdmissionDenied(err):
		log.Debug("scheduler: target parked by admission", zap.Error(err))
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrNotFound):
		msg := err.Error()
		if merr := s.targets.MarkState(ctx, []uuid.UUID{target.ID}, domain.TargetStateFailed, &msg); merr != nil {
			log.Warn("scheduler: mark failed", zap.Error(merr))
		}
	default:
		log.Warn("scheduler: dial target", zap.Error(err))
	}
}

func (s *Scheduler) purge(ctx context.Context) error {
	retention := s.cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	purged, err := s.deadLetters.PurgeProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scheduler: purge dead letters: %w", err)
	}
	if purged > 0 {
		s.log.Info("scheduler: purged processed dead letters", zap.Int64("count", purged))
	}
	return nil
}
