package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/app"
)

// Scheduler drives the queue manager on a cron cadence: a frequent tick that
// drains active campaign queues, and a slower cleanup that cancels drafts
// whose scheduled expiry passed without activation.
type Scheduler struct {
	container *app.Container
	cron      *cron.Cron
}

// New constructs a scheduler.
func New(container *app.Container) *Scheduler {
	return &Scheduler{
		container: container,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Run installs the cron entries and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg := s.container.Config.Dispatch

	if _, err := s.cron.AddFunc(cfg.TickSchedule, func() { s.tick(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(cfg.CleanupSchedule, func() { s.cleanup(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.container.Logger.Info("scheduler started",
		zap.String("tick", cfg.TickSchedule),
		zap.String("cleanup", cfg.CleanupSchedule))

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return ctx.Err()
}

func (s *Scheduler) tick(ctx context.Context) {
	logger := s.container.Logger

	tracer := otel.Tracer("dispatch.scheduler")
	tctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	report, err := s.container.QueueManager().RunOnce(tctx)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			logger.Error("queue pass failed", zap.Error(err))
		}
		return
	}

	span.SetAttributes(
		attribute.Int("campaigns.processed", report.CampaignsProcessed),
		attribute.Int("calls.started", report.CallsStarted),
		attribute.Int("calls.failed", report.CallsFailed),
		attribute.Int64("calls.remaining", report.CallsRemaining),
	)
	logger.Info("queue pass finished",
		zap.Int("campaigns_processed", report.CampaignsProcessed),
		zap.Int("campaigns_started", report.CampaignsStarted),
		zap.Int64("drafts_cancelled", report.DraftsCancelled),
		zap.Int("calls_started", report.CallsStarted),
		zap.Int("calls_failed", report.CallsFailed),
		zap.Int64("calls_remaining", report.CallsRemaining),
		zap.Duration("elapsed", report.Elapsed),
		zap.Strings("errors", report.Errors))
}

func (s *Scheduler) cleanup(ctx context.Context) {
	logger := s.container.Logger

	tracer := otel.Tracer("dispatch.scheduler")
	tctx, span := tracer.Start(ctx, "scheduler.cleanup")
	defer span.End()

	cancelled, err := s.container.Repositories().Campaigns.CancelExpiredDrafts(tctx, s.nowUTC())
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			logger.Error("expired draft cleanup failed", zap.Error(err))
		}
		return
	}
	if cancelled > 0 {
		logger.Info("expired drafts cancelled", zap.Int64("count", cancelled))
	}
}

func (s *Scheduler) nowUTC() time.Time {
	return time.Now().UTC()
}
