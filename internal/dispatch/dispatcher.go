package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/dispatch/hours"
	"github.com/acme/campaign-dispatch/internal/dispatch/ratelimit"
	"github.com/acme/campaign-dispatch/internal/dispatch/retry"
	"github.com/acme/campaign-dispatch/internal/dispatch/slots"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

// Status classifies how a batch run ended.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusOutsideHours   Status = "outside_hours"
	StatusSlotsExhausted Status = "slots_exhausted"
	StatusPaused         Status = "paused"
	StatusCancelled      Status = "cancelled"
)

const maxErrorSample = 5

// Result summarizes one batch dispatch run. Skipped counts recipients the run
// never attempted; they remain pending and will be picked up by a later run.
type Result struct {
	Status  Status
	Started int
	Failed  int
	Skipped int
	Errors  []string
}

// Control allows a batch to be paused or cancelled cooperatively from another
// goroutine. Workers finish the placement they are on, then stop taking new
// work.
type Control struct {
	paused    atomic.Bool
	cancelled atomic.Bool
}

func (c *Control) Pause()            { c.paused.Store(true) }
func (c *Control) Resume()           { c.paused.Store(false) }
func (c *Control) Cancel()           { c.cancelled.Store(true) }
func (c *Control) IsPaused() bool    { return c.paused.Load() }
func (c *Control) IsCancelled() bool { return c.cancelled.Load() }

// SlotReserver guards the per-campaign and global in-flight ceilings across
// processes. *slots.Reservation is the production implementation.
type SlotReserver interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, campaignLimit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
}

var _ SlotReserver = (*slots.Reservation)(nil)

// Options tunes a Dispatcher.
type Options struct {
	Concurrency       int
	HoursRecheckEvery int
	Now               func() time.Time
}

// Dispatcher runs one batch of call placements for a campaign through a
// bounded worker pool. Every placement goes through the shared rate limiter,
// a Redis slot reservation, the campaign's retry policy, and per-call
// persistence; business hours are re-checked periodically mid-batch so a
// window closing stops the run instead of finishing it.
type Dispatcher struct {
	limiter    *ratelimit.Limiter
	slots      SlotReserver
	recipients repository.RecipientRepository
	attempts   repository.AttemptStore
	log        *zap.Logger
	opts       Options
}

// NewDispatcher constructs a Dispatcher. attempts may be nil when the audit
// store is not deployed.
func NewDispatcher(
	limiter *ratelimit.Limiter,
	slotRes SlotReserver,
	recipients repository.RecipientRepository,
	attempts repository.AttemptStore,
	log *zap.Logger,
	opts Options,
) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.HoursRecheckEvery <= 0 {
		opts.HoursRecheckEvery = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		limiter:    limiter,
		slots:      slotRes,
		recipients: recipients,
		attempts:   attempts,
		log:        log,
		opts:       opts,
	}
}

// Dispatch places calls for every recipient in batch using adapter. ctrl may
// be nil when no external pause handle exists. onProgress, when non-nil, is
// invoked after each finished placement with a fresh snapshot.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	campaign *domain.Campaign,
	adapter telephony.Adapter,
	fallbackEngaged bool,
	batch []*domain.Recipient,
	ctrl *Control,
	onProgress func(Progress),
) Result {
	if len(batch) == 0 {
		return Result{Status: StatusCompleted}
	}
	if !hours.IsOpen(campaign.BusinessHours, d.opts.Now()) {
		return Result{Status: StatusOutsideHours, Skipped: len(batch)}
	}
	if ctrl == nil {
		ctrl = &Control{}
	}

	workers := d.opts.Concurrency
	if workers > len(batch) {
		workers = len(batch)
	}

	run := &batchRun{
		dispatcher:      d,
		campaign:        campaign,
		adapter:         adapter,
		fallbackEngaged: fallbackEngaged,
		ctrl:            ctrl,
		tracker:         newProgressTracker(campaign.ID, len(batch), workers, d.opts.Now),
		onProgress:      onProgress,
		policy: retry.Policy{
			MaxRetries:   campaign.RetryPolicy.MaxRetries,
			InitialDelay: campaign.RetryPolicy.InitialDelay,
			MaxDelay:     campaign.RetryPolicy.MaxDelay,
		},
	}

	jobs := make(chan *domain.Recipient)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for recipient := range jobs {
				run.place(ctx, recipient)
			}
		}()
	}

feed:
	for _, recipient := range batch {
		if ctx.Err() != nil || ctrl.IsCancelled() {
			break feed
		}
		if ctrl.IsPaused() || run.hoursClosed.Load() || run.slotsDenied.Load() {
			break feed
		}
		select {
		case jobs <- recipient:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	res := Result{
		Started: int(run.started.Load()),
		Failed:  int(run.failed.Load()),
		Errors:  run.errorSample(),
	}
	res.Skipped = len(batch) - res.Started - res.Failed

	switch {
	case ctx.Err() != nil || ctrl.IsCancelled():
		res.Status = StatusCancelled
	case run.hoursClosed.Load():
		res.Status = StatusOutsideHours
	case run.slotsDenied.Load():
		res.Status = StatusSlotsExhausted
	case ctrl.IsPaused():
		res.Status = StatusPaused
	default:
		res.Status = StatusCompleted
	}
	return res
}

// batchRun carries the shared state of one Dispatch invocation.
type batchRun struct {
	dispatcher      *Dispatcher
	campaign        *domain.Campaign
	adapter         telephony.Adapter
	fallbackEngaged bool
	ctrl            *Control
	tracker         *progressTracker
	onProgress      func(Progress)
	policy          retry.Policy

	started     atomic.Int64
	failed      atomic.Int64
	finished    atomic.Int64
	hoursClosed atomic.Bool
	slotsDenied atomic.Bool
	errMu       sync.Mutex
	errSample   []string
}

func (r *batchRun) place(ctx context.Context, recipient *domain.Recipient) {
	d := r.dispatcher

	granted := true
	if d.slots != nil {
		var err error
		granted, err = d.slots.Acquire(ctx, r.campaign.ID, r.campaign.MaxConcurrentCalls)
		if err != nil {
			d.log.Warn("slot acquire failed, admitting without reservation",
				zap.String("campaign_id", r.campaign.ID.String()), zap.Error(err))
			granted = true
		}
	}
	if !granted {
		// Ceilings exhausted mid-batch. Leave the recipient pending and let
		// the feeder drain; later invocations retry it.
		r.slotsDenied.Store(true)
		return
	}

	if err := d.limiter.Acquire(ctx); err != nil {
		r.releaseSlot(r.campaign.ID)
		return
	}

	r.tracker.admit()
	startedAt := d.opts.Now()
	placed, attempts, err := retry.Do(ctx, r.policy, telephony.IsTransient, func(ctx context.Context) (telephony.PlacedCall, error) {
		return r.adapter.PlaceCall(ctx, telephony.CallRequest{
			CampaignID:  r.campaign.ID,
			RecipientID: recipient.ID,
			AgentRef:    r.campaign.AgentRef,
			PhoneNumber: recipient.PhoneNumber,
			Variables:   recipient.Variables,
		})
	})
	latency := d.opts.Now().Sub(startedAt)
	totalAttempts := recipient.Attempts + attempts

	if err != nil {
		r.releaseSlot(r.campaign.ID)
		r.failed.Add(1)
		r.addError(err)
		if markErr := d.recipients.MarkFailed(ctx, recipient.ID, r.campaign.ID, totalAttempts, err.Error(), d.opts.Now()); markErr != nil {
			d.log.Error("persisting failed placement",
				zap.String("recipient_id", recipient.ID.String()), zap.Error(markErr))
		}
		r.audit(ctx, recipient, totalAttempts, "", err.Error(), latency)
	} else {
		r.started.Add(1)
		if markErr := d.recipients.MarkCalling(ctx, recipient.ID, r.campaign.ID, placed.ExternalCallID, totalAttempts, d.opts.Now()); markErr != nil {
			d.log.Error("persisting placement",
				zap.String("recipient_id", recipient.ID.String()),
				zap.String("external_call_id", placed.ExternalCallID), zap.Error(markErr))
		}
		r.audit(ctx, recipient, totalAttempts, placed.ExternalCallID, "", latency)
	}

	r.tracker.record(latency, err != nil)
	if r.onProgress != nil {
		r.onProgress(r.tracker.snapshot())
	}

	// Re-check the calling window periodically so a batch started at 16:55
	// does not dial past closing time.
	finished := r.finished.Add(1)
	if finished%int64(d.opts.HoursRecheckEvery) == 0 {
		if !hours.IsOpen(r.campaign.BusinessHours, d.opts.Now()) {
			r.hoursClosed.Store(true)
		}
	}
}

func (r *batchRun) releaseSlot(campaignID uuid.UUID) {
	if r.dispatcher.slots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.dispatcher.slots.Release(ctx, campaignID); err != nil {
		r.dispatcher.log.Warn("slot release failed", zap.Error(err))
	}
}

func (r *batchRun) audit(ctx context.Context, recipient *domain.Recipient, attempts int, externalCallID, errMsg string, latency time.Duration) {
	if r.dispatcher.attempts == nil {
		return
	}
	attempt := domain.CallAttempt{
		ID:               uuid.New(),
		CampaignID:       r.campaign.ID,
		RecipientID:      recipient.ID,
		AttemptNum:       attempts,
		Provider:         r.adapter.Name(),
		FallbackEngaged:  r.fallbackEngaged,
		ExternalCallID:   externalCallID,
		Error:            errMsg,
		PlacementLatency: latency,
		CreatedAt:        r.dispatcher.opts.Now(),
	}
	if err := r.dispatcher.attempts.Append(ctx, attempt); err != nil {
		r.dispatcher.log.Warn("appending attempt audit record", zap.Error(err))
	}
}

func (r *batchRun) addError(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if len(r.errSample) < maxErrorSample {
		r.errSample = append(r.errSample, err.Error())
	}
}

func (r *batchRun) errorSample() []string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.errSample
}
