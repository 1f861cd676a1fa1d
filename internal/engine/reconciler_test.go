package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/queue"
)

func completionFor(externalCallID string, outcome domain.CallOutcome) queue.CompletionMessage {
	return queue.CompletionMessage{
		ExternalCallID:  externalCallID,
		Provider:        "ok",
		Outcome:         outcome,
		DurationSeconds: 42,
		ReceivedAt:      time.Now(),
	}
}

func TestApplyResolvesCompletion(t *testing.T) {
	store := newMemStore()
	campaign := activeCampaign(store, 5, 0)
	recipient := addCallingRecipient(store, campaign.ID, time.Now())
	r := NewReconciler(store, store, nil, nil, zap.NewNop())

	err := r.Apply(context.Background(), completionFor(*recipient.ExternalCallID, domain.OutcomeAnswered))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := store.recipient(recipient.ID)
	if got.CallStatus != domain.CallStatusCompleted {
		t.Fatalf("call status = %s, want completed", got.CallStatus)
	}
	if got.CallOutcome != domain.OutcomeAnswered {
		t.Fatalf("outcome = %s, want answered", got.CallOutcome)
	}

	c := store.campaign(campaign.ID)
	if c.CompletedCalls != 1 || c.SuccessfulCalls != 1 || c.FailedCalls != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1/1/0", c.CompletedCalls, c.SuccessfulCalls, c.FailedCalls)
	}
}

func TestApplyDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newMemStore()
	campaign := activeCampaign(store, 5, 0)
	recipient := addCallingRecipient(store, campaign.ID, time.Now())
	r := NewReconciler(store, store, nil, nil, zap.NewNop())

	msg := completionFor(*recipient.ExternalCallID, domain.OutcomeVoicemail)
	for i := 0; i < 3; i++ {
		if err := r.Apply(context.Background(), msg); err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
	}

	c := store.campaign(campaign.ID)
	if c.CompletedCalls != 1 || c.SuccessfulCalls != 1 {
		t.Fatalf("counters doubled on redelivery: completed=%d successful=%d", c.CompletedCalls, c.SuccessfulCalls)
	}
}

func TestApplyUnknownCallIsAcked(t *testing.T) {
	store := newMemStore()
	r := NewReconciler(store, store, nil, nil, zap.NewNop())

	if err := r.Apply(context.Background(), completionFor("never-placed", domain.OutcomeAnswered)); err != nil {
		t.Fatalf("Apply: %v, want nil for unmatched call", err)
	}
}

func TestApplyUnsuccessfulOutcomeCountsFailed(t *testing.T) {
	store := newMemStore()
	campaign := activeCampaign(store, 5, 0)
	recipient := addCallingRecipient(store, campaign.ID, time.Now())
	r := NewReconciler(store, store, nil, nil, zap.NewNop())

	if err := r.Apply(context.Background(), completionFor(*recipient.ExternalCallID, domain.OutcomeNoAnswer)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	c := store.campaign(campaign.ID)
	if c.CompletedCalls != 1 || c.SuccessfulCalls != 0 || c.FailedCalls != 1 {
		t.Fatalf("counters = %d/%d/%d, want 1/0/1", c.CompletedCalls, c.SuccessfulCalls, c.FailedCalls)
	}
}

func TestApplyContinuesDispatchForFreedSlot(t *testing.T) {
	store := newMemStore()
	adapter := &okAdapter{}
	campaign := activeCampaign(store, 1, 1)
	inFlight := addCallingRecipient(store, campaign.ID, time.Now())
	m := newTestManager(store, adapter, testDispatchConfig())
	r := NewReconciler(store, store, nil, m, zap.NewNop())

	if err := r.Apply(context.Background(), completionFor(*inFlight.ExternalCallID, domain.OutcomeAnswered)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Continuation runs in the background; wait for the pending recipient to
	// be picked up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calling, _ := store.CountByStatus(context.Background(), campaign.ID, domain.CallStatusCalling)
		if calling == 1 && adapter.placements.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("continuation never dispatched the pending recipient")
}
