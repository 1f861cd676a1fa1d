package domain

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to CampaignStatus }{
		{CampaignStatusDraft, CampaignStatusActive},
		{CampaignStatusPaused, CampaignStatusActive},
		{CampaignStatusActive, CampaignStatusPaused},
		{CampaignStatusActive, CampaignStatusCompleted},
		{CampaignStatusDraft, CampaignStatusCancelled},
		{CampaignStatusActive, CampaignStatusCancelled},
		{CampaignStatusPaused, CampaignStatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to CampaignStatus }{
		{CampaignStatusCompleted, CampaignStatusActive},
		{CampaignStatusCompleted, CampaignStatusCancelled},
		{CampaignStatusCancelled, CampaignStatusActive},
		{CampaignStatusCancelled, CampaignStatusDraft},
		{CampaignStatusDraft, CampaignStatusCompleted},
		{CampaignStatusDraft, CampaignStatusPaused},
		{CampaignStatusPaused, CampaignStatusCompleted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestOutcomeSuccessful(t *testing.T) {
	if !OutcomeAnswered.Successful() || !OutcomeVoicemail.Successful() {
		t.Fatal("answered and voicemail should count as successful")
	}
	for _, o := range []CallOutcome{OutcomeNoAnswer, OutcomeBusy, OutcomeError} {
		if o.Successful() {
			t.Errorf("outcome %s should not count as successful", o)
		}
	}
}

func TestPercentComplete(t *testing.T) {
	c := &Campaign{TotalRecipients: 0}
	if got := c.PercentComplete(); got != 0 {
		t.Fatalf("empty campaign should report 0%%, got %f", got)
	}
	c = &Campaign{TotalRecipients: 200, CompletedCalls: 50}
	if got := c.PercentComplete(); got != 25 {
		t.Fatalf("expected 25%%, got %f", got)
	}
}
