package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/dispatch"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

const maxReportErrors = 5

// RunReport summarizes one queue drain pass.
type RunReport struct {
	CampaignsProcessed int           `json:"campaigns_processed"`
	CampaignsStarted   int           `json:"campaigns_started"`
	DraftsCancelled    int64         `json:"drafts_cancelled"`
	CallsStarted       int           `json:"calls_started"`
	CallsFailed        int           `json:"calls_failed"`
	CallsRemaining     int64         `json:"calls_remaining"`
	Elapsed            time.Duration `json:"elapsed"`
	Errors             []string      `json:"errors,omitempty"`
}

// CampaignResult reports the outcome of draining one campaign.
type CampaignResult struct {
	CampaignID     uuid.UUID       `json:"campaign_id"`
	Status         dispatch.Status `json:"status"`
	CallsStarted   int             `json:"calls_started"`
	CallsFailed    int             `json:"calls_failed"`
	CallsRemaining int64           `json:"calls_remaining"`
	Completed      bool            `json:"completed"`
}

// QueueManager drains active campaigns fairly within a bounded time budget.
// Each pass picks the campaigns whose queues have waited longest, computes how
// many calls each may start given per-campaign and global concurrency
// ceilings, and hands sized batches to the dispatcher. One campaign's failure
// never aborts the pass.
type QueueManager struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	selector   *telephony.Selector
	dispatcher *dispatch.Dispatcher
	cfg        config.DispatchConfig
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	controls map[uuid.UUID]*dispatch.Control
}

// NewQueueManager constructs a QueueManager.
func NewQueueManager(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	selector *telephony.Selector,
	dispatcher *dispatch.Dispatcher,
	cfg config.DispatchConfig,
	log *zap.Logger,
) *QueueManager {
	return &QueueManager{
		campaigns:  campaigns,
		recipients: recipients,
		selector:   selector,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		controls:   map[uuid.UUID]*dispatch.Control{},
	}
}

// RunOnce performs one full drain pass: promote due drafts, cancel expired
// ones, then dispatch for the longest-waiting active campaigns until the
// queue batch or the time budget is exhausted.
func (m *QueueManager) RunOnce(ctx context.Context) (RunReport, error) {
	startedAt := m.now()
	report := RunReport{}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TimeBudget)
	defer cancel()

	report.CampaignsStarted = m.startDueCampaigns(ctx, &report)

	if cancelled, err := m.campaigns.CancelExpiredDrafts(ctx, m.now()); err != nil {
		m.addError(&report, fmt.Errorf("cancelling expired drafts: %w", err))
	} else {
		report.DraftsCancelled = cancelled
	}

	active, err := m.campaigns.ListByStatus(ctx, domain.CampaignStatusActive, m.cfg.CampaignBatch)
	if err != nil {
		report.Elapsed = m.now().Sub(startedAt)
		return report, fmt.Errorf("listing active campaigns: %w", err)
	}

	for _, campaign := range active {
		if ctx.Err() != nil {
			m.log.Info("time budget exhausted, deferring remaining campaigns",
				zap.Int("processed", report.CampaignsProcessed))
			break
		}

		res, err := m.ProcessCampaign(ctx, campaign)
		if err != nil {
			m.addError(&report, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		report.CampaignsProcessed++
		report.CallsStarted += res.CallsStarted
		report.CallsFailed += res.CallsFailed
		report.CallsRemaining += res.CallsRemaining
	}

	report.Elapsed = m.now().Sub(startedAt)
	return report, nil
}

// ProcessCampaign drains one sized batch for a single campaign. It is the
// unit of work for both the periodic pass and completion-driven continuation.
func (m *QueueManager) ProcessCampaign(ctx context.Context, campaign *domain.Campaign) (CampaignResult, error) {
	res := CampaignResult{CampaignID: campaign.ID}
	if campaign.Status != domain.CampaignStatusActive {
		return res, nil
	}

	adapter, fallbackEngaged, err := m.selector.Resolve(campaign.AgentRef)
	if err != nil {
		return res, err
	}

	slots, err := m.availableSlots(ctx, campaign)
	if err != nil {
		return res, err
	}
	if slots <= 0 {
		res.CallsRemaining, _ = m.recipients.CountByStatus(ctx, campaign.ID, domain.CallStatusPending)
		return res, nil
	}

	batchSize := slots
	if batchSize > m.cfg.ChunkSize {
		batchSize = m.cfg.ChunkSize
	}
	batch, err := m.recipients.NextPendingBatch(ctx, campaign.ID, batchSize)
	if err != nil {
		return res, fmt.Errorf("loading pending batch: %w", err)
	}

	if len(batch) == 0 {
		completed, err := m.maybeComplete(ctx, campaign)
		if err != nil {
			return res, err
		}
		res.Completed = completed
		return res, nil
	}

	if fallbackEngaged {
		m.log.Info("fallback vendor engaged for run",
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("provider", adapter.Name()))
	}

	out := m.dispatcher.Dispatch(ctx, campaign, adapter, fallbackEngaged, batch, m.control(campaign.ID), func(p dispatch.Progress) {
		if (p.Started+p.Failed)%10 == 0 {
			m.log.Info("dispatch progress",
				zap.String("campaign_id", p.CampaignID.String()),
				zap.Int("started", p.Started),
				zap.Int("failed", p.Failed),
				zap.Int("remaining", p.Remaining),
				zap.Float64("calls_per_minute", p.CallsPerMinute),
				zap.Duration("eta", p.ETA))
		}
	})

	res.Status = out.Status
	res.CallsStarted = out.Started
	res.CallsFailed = out.Failed
	res.CallsRemaining, _ = m.recipients.CountByStatus(ctx, campaign.ID, domain.CallStatusPending)

	// Bump updated_at so the next pass favors campaigns that waited longer.
	if err := m.campaigns.Touch(context.WithoutCancel(ctx), campaign.ID); err != nil {
		m.log.Warn("touching campaign after dispatch",
			zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
	}

	m.log.Info("campaign batch dispatched",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("provider", adapter.Name()),
		zap.Bool("fallback", fallbackEngaged),
		zap.String("status", string(out.Status)),
		zap.Int("started", out.Started),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped))
	return res, nil
}

// ProcessCampaignByID reloads the campaign and drains one batch. Used by the
// reconciler's completion-driven continuation and the manual trigger API.
func (m *QueueManager) ProcessCampaignByID(ctx context.Context, id uuid.UUID) (CampaignResult, error) {
	campaign, err := m.campaigns.Get(ctx, id)
	if err != nil {
		return CampaignResult{CampaignID: id}, err
	}
	return m.ProcessCampaign(ctx, campaign)
}

// Continue drains one batch for the campaign in the background. Used when a
// completion frees a slot or a paused campaign is resumed; a failure here
// only delays work until the next periodic pass.
func (m *QueueManager) Continue(id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.ProcessCampaignByID(ctx, id); err != nil {
			m.log.Warn("background dispatch failed",
				zap.String("campaign_id", id.String()), zap.Error(err))
		}
	}()
}

// Pause asks any in-flight batch for the campaign to stop taking new work.
func (m *QueueManager) Pause(id uuid.UUID) {
	m.control(id).Pause()
}

// Resume clears a previous pause request.
func (m *QueueManager) Resume(id uuid.UUID) {
	m.control(id).Resume()
}

// Cancel asks any in-flight batch for the campaign to abort.
func (m *QueueManager) Cancel(id uuid.UUID) {
	m.control(id).Cancel()
	m.mu.Lock()
	delete(m.controls, id)
	m.mu.Unlock()
}

func (m *QueueManager) control(id uuid.UUID) *dispatch.Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.controls[id]
	if !ok {
		ctrl = &dispatch.Control{}
		m.controls[id] = ctrl
	}
	return ctrl
}

// availableSlots computes how many new calls the campaign may start right
// now: the tighter of its own headroom and the global headroom. Calls whose
// last attempt is older than StaleAfter count as abandoned.
func (m *QueueManager) availableSlots(ctx context.Context, campaign *domain.Campaign) (int, error) {
	perCampaign := campaign.MaxConcurrentCalls
	if perCampaign <= 0 {
		perCampaign = m.cfg.DefaultPerCampaign
	}

	now := m.now()
	activeCampaign, err := m.recipients.CountActive(ctx, campaign.ID, m.cfg.StaleAfter, now)
	if err != nil {
		return 0, fmt.Errorf("counting active campaign calls: %w", err)
	}
	activeGlobal, err := m.recipients.CountActiveGlobal(ctx, m.cfg.StaleAfter, now)
	if err != nil {
		return 0, fmt.Errorf("counting active global calls: %w", err)
	}

	campaignSlots := perCampaign - int(activeCampaign)
	globalSlots := m.cfg.GlobalConcurrency - int(activeGlobal)
	slots := campaignSlots
	if globalSlots < slots {
		slots = globalSlots
	}
	if slots < 0 {
		slots = 0
	}
	return slots, nil
}

// maybeComplete transitions the campaign to completed when nothing is pending
// and nothing is in flight. A conflicting concurrent transition is not an
// error.
func (m *QueueManager) maybeComplete(ctx context.Context, campaign *domain.Campaign) (bool, error) {
	calling, err := m.recipients.CountByStatus(ctx, campaign.ID, domain.CallStatusCalling)
	if err != nil {
		return false, fmt.Errorf("counting in-flight calls: %w", err)
	}
	if calling > 0 {
		return false, nil
	}

	err = m.campaigns.TransitionStatus(ctx, campaign.ID, domain.CampaignStatusActive, domain.CampaignStatusCompleted)
	if errors.Is(err, repository.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("completing campaign: %w", err)
	}
	m.log.Info("campaign completed", zap.String("campaign_id", campaign.ID.String()))
	return true, nil
}

func (m *QueueManager) startDueCampaigns(ctx context.Context, report *RunReport) int {
	due, err := m.campaigns.ListDueForStart(ctx, m.now(), m.cfg.CampaignBatch)
	if err != nil {
		m.addError(report, fmt.Errorf("listing due campaigns: %w", err))
		return 0
	}

	started := 0
	for _, campaign := range due {
		err := m.campaigns.TransitionStatus(ctx, campaign.ID, domain.CampaignStatusDraft, domain.CampaignStatusActive)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			m.addError(report, fmt.Errorf("starting campaign %s: %w", campaign.ID, err))
			continue
		}
		started++
		m.log.Info("campaign auto-started",
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("name", campaign.Name))
	}
	return started
}

func (m *QueueManager) addError(report *RunReport, err error) {
	m.log.Error("queue pass error", zap.Error(err))
	if len(report.Errors) < maxReportErrors {
		report.Errors = append(report.Errors, err.Error())
	}
}
