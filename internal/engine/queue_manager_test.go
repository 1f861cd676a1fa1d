package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/dispatch"
	"github.com/acme/campaign-dispatch/internal/dispatch/ratelimit"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

type okAdapter struct {
	placements atomic.Int64
}

func (a *okAdapter) Name() string { return "ok" }

func (a *okAdapter) PlaceCall(_ context.Context, req telephony.CallRequest) (telephony.PlacedCall, error) {
	a.placements.Add(1)
	return telephony.PlacedCall{ExternalCallID: "ext-" + req.RecipientID.String(), Provider: a.Name()}, nil
}

func (a *okAdapter) ParseCompletion([]byte) (telephony.CompletionEvent, error) {
	return telephony.CompletionEvent{}, nil
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		GlobalConcurrency:  20,
		DefaultPerCampaign: 5,
		ChunkSize:          50,
		CampaignBatch:      5,
		TimeBudget:         5 * time.Second,
		StaleAfter:         15 * time.Minute,
		HoursRecheckEvery:  10,
	}
}

func newTestManager(store *memStore, adapter telephony.Adapter, cfg config.DispatchConfig) *QueueManager {
	selector := telephony.NewSelector(adapter, nil, config.ProvidersConfig{
		Primary: config.ProviderConfig{APIKey: "test-key"},
	})
	d := dispatch.NewDispatcher(ratelimit.New(10000, 10000), nil, store, nil, zap.NewNop(), dispatch.Options{Concurrency: 4})
	return NewQueueManager(store, store, selector, d, cfg, zap.NewNop())
}

func activeCampaign(store *memStore, maxConcurrent int, pending int) *domain.Campaign {
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		TenantID:           uuid.New(),
		Name:               "test",
		AgentRef:           "agent-1",
		Status:             domain.CampaignStatusActive,
		MaxConcurrentCalls: maxConcurrent,
		TotalRecipients:    int64(pending),
		PendingCalls:       int64(pending),
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	store.addCampaign(campaign)
	for i := 0; i < pending; i++ {
		store.addRecipient(&domain.Recipient{
			ID:          uuid.New(),
			CampaignID:  campaign.ID,
			PhoneNumber: fmt.Sprintf("+1555010%04d", i),
			CallStatus:  domain.CallStatusPending,
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
	return campaign
}

func addCallingRecipient(store *memStore, campaignID uuid.UUID, lastAttempt time.Time) *domain.Recipient {
	ext := "ext-" + uuid.NewString()
	r := &domain.Recipient{
		ID:             uuid.New(),
		CampaignID:     campaignID,
		PhoneNumber:    "+15550009999",
		CallStatus:     domain.CallStatusCalling,
		ExternalCallID: &ext,
		Attempts:       1,
		LastAttemptAt:  &lastAttempt,
		CreatedAt:      time.Now(),
	}
	store.addRecipient(r)
	return r
}

func TestRunOnceDispatchesPendingCalls(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 10, 3)
	m := newTestManager(store, adapter, testDispatchConfig())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.CallsStarted != 3 {
		t.Fatalf("calls started = %d, want 3", report.CallsStarted)
	}
	if got := adapter.placements.Load(); got != 3 {
		t.Fatalf("adapter placements = %d, want 3", got)
	}

	calling, _ := store.CountByStatus(context.Background(), campaign.ID, domain.CallStatusCalling)
	if calling != 3 {
		t.Fatalf("calling recipients = %d, want 3", calling)
	}
	if got := store.campaign(campaign.ID).PendingCalls; got != 0 {
		t.Fatalf("pending counter = %d, want 0", got)
	}
}

func TestRunOnceRespectsCampaignCeiling(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 2, 5)
	addCallingRecipient(store, campaign.ID, time.Now())
	m := newTestManager(store, adapter, testDispatchConfig())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.CallsStarted != 1 {
		t.Fatalf("calls started = %d, want 1 (ceiling 2, one in flight)", report.CallsStarted)
	}
}

func TestRunOnceRespectsGlobalCeiling(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 10, 5)
	other := activeCampaign(store, 10, 0)
	addCallingRecipient(store, other.ID, time.Now())
	addCallingRecipient(store, other.ID, time.Now())

	cfg := testDispatchConfig()
	cfg.GlobalConcurrency = 3
	m := newTestManager(store, adapter, cfg)

	res, err := m.ProcessCampaign(context.Background(), store.mustGet(t, campaign.ID))
	if err != nil {
		t.Fatalf("ProcessCampaign: %v", err)
	}
	if res.CallsStarted != 1 {
		t.Fatalf("calls started = %d, want 1 (global 3, two elsewhere)", res.CallsStarted)
	}
}

func TestRunOnceExcludesStaleCalls(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 2, 4)
	// Abandoned an hour ago: must not occupy a slot.
	addCallingRecipient(store, campaign.ID, time.Now().Add(-time.Hour))
	m := newTestManager(store, adapter, testDispatchConfig())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.CallsStarted != 2 {
		t.Fatalf("calls started = %d, want 2 (stale call excluded)", report.CallsStarted)
	}
}

func TestRunOnceAutoStartsDueDrafts(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	startAt := time.Now().Add(-time.Minute)
	campaign := &domain.Campaign{
		ID:               uuid.New(),
		Name:             "due",
		AgentRef:         "agent-1",
		Status:           domain.CampaignStatusDraft,
		ScheduledStartAt: &startAt,
	}
	store.addCampaign(campaign)
	m := newTestManager(store, adapter, testDispatchConfig())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.CampaignsStarted != 1 {
		t.Fatalf("campaigns started = %d, want 1", report.CampaignsStarted)
	}
	if got := store.campaign(campaign.ID).Status; got != domain.CampaignStatusActive {
		t.Fatalf("status = %s, want active", got)
	}
}

func TestRunOnceCancelsExpiredDrafts(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	expiresAt := time.Now().Add(-time.Hour)
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "expired",
		AgentRef:           "agent-1",
		Status:             domain.CampaignStatusDraft,
		ScheduledExpiresAt: &expiresAt,
	}
	store.addCampaign(campaign)
	m := newTestManager(store, adapter, testDispatchConfig())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.DraftsCancelled != 1 {
		t.Fatalf("drafts cancelled = %d, want 1", report.DraftsCancelled)
	}
	if got := store.campaign(campaign.ID).Status; got != domain.CampaignStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestRunOnceIsolatesCampaignErrors(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	broken := activeCampaign(store, 5, 2)
	store.mu.Lock()
	store.campaigns[broken.ID].AgentRef = "" // selector will reject
	store.campaigns[broken.ID].UpdatedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()
	healthy := activeCampaign(store, 5, 2)
	m := newTestManager(store, adapter, testDispatchConfig())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.CallsStarted != 2 {
		t.Fatalf("calls started = %d, want 2 from the healthy campaign", report.CallsStarted)
	}
	if len(report.Errors) == 0 {
		t.Fatalf("expected the broken campaign's error in the report")
	}
	calling, _ := store.CountByStatus(context.Background(), healthy.ID, domain.CallStatusCalling)
	if calling != 2 {
		t.Fatalf("healthy campaign calling = %d, want 2", calling)
	}
}

func TestProcessCampaignCompletesDrainedCampaign(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 5, 0)
	m := newTestManager(store, adapter, testDispatchConfig())

	res, err := m.ProcessCampaign(context.Background(), store.mustGet(t, campaign.ID))
	if err != nil {
		t.Fatalf("ProcessCampaign: %v", err)
	}
	if !res.Completed {
		t.Fatalf("expected completion transition")
	}
	if got := store.campaign(campaign.ID).Status; got != domain.CampaignStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestProcessCampaignLeavesInFlightCampaignActive(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 5, 0)
	addCallingRecipient(store, campaign.ID, time.Now())
	m := newTestManager(store, adapter, testDispatchConfig())

	res, err := m.ProcessCampaign(context.Background(), store.mustGet(t, campaign.ID))
	if err != nil {
		t.Fatalf("ProcessCampaign: %v", err)
	}
	if res.Completed {
		t.Fatalf("campaign completed while a call was in flight")
	}
	if got := store.campaign(campaign.ID).Status; got != domain.CampaignStatusActive {
		t.Fatalf("status = %s, want active", got)
	}
}

func TestContinueDispatchesResumedCampaign(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 5, 3)
	m := newTestManager(store, adapter, testDispatchConfig())

	m.Pause(campaign.ID)
	m.Resume(campaign.ID)
	m.Continue(campaign.ID)

	// The kick runs in the background; wait for the pending recipients to be
	// picked up without a periodic pass.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calling, _ := store.CountByStatus(context.Background(), campaign.ID, domain.CallStatusCalling)
		if calling == 3 && adapter.placements.Load() == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("resume kick never dispatched the pending recipients")
}

func (s *memStore) mustGet(t *testing.T, id uuid.UUID) *domain.Campaign {
	t.Helper()
	c, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}
