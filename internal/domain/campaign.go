package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to CampaignStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case CampaignStatusActive:
		return from == CampaignStatusDraft || from == CampaignStatusPaused
	case CampaignStatusPaused:
		return from == CampaignStatusActive
	case CampaignStatusCompleted:
		return from == CampaignStatusActive
	case CampaignStatusCancelled:
		return true
	default:
		return false
	}
}

// CallStatus enumerates per-recipient call lifecycle stages.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusCalling   CallStatus = "calling"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
)

// Terminal reports whether the recipient has been fully resolved.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// CallOutcome classifies how a placed call ended, normalized across vendors.
type CallOutcome string

const (
	OutcomeAnswered  CallOutcome = "answered"
	OutcomeNoAnswer  CallOutcome = "no_answer"
	OutcomeBusy      CallOutcome = "busy"
	OutcomeVoicemail CallOutcome = "voicemail"
	OutcomeError     CallOutcome = "error"
)

// Successful reports whether the outcome counts toward successful_calls.
func (o CallOutcome) Successful() bool {
	return o == OutcomeAnswered || o == OutcomeVoicemail
}

// HourWindow is a single allowed calling window within a day, "HH:MM" bounds
// inclusive.
type HourWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BusinessHoursConfig restricts when a campaign may place calls. Days maps
// lowercase weekday names to the allowed windows; a weekday without an entry
// is fully closed.
type BusinessHoursConfig struct {
	Enabled  bool                    `json:"enabled"`
	Timezone string                  `json:"timezone"`
	Days     map[string][]HourWindow `json:"days"`
}

// Campaign models a tenant's batch of outbound calls.
type Campaign struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	Name               string
	AgentRef           string
	Status             CampaignStatus
	TotalRecipients    int64
	CompletedCalls     int64
	SuccessfulCalls    int64
	FailedCalls        int64
	PendingCalls       int64
	MaxConcurrentCalls int
	RetryPolicy        RetryPolicy
	BusinessHours      *BusinessHoursConfig
	ScheduledStartAt   *time.Time
	ScheduledExpiresAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	DeletedAt          *time.Time
}

// PercentComplete returns completion progress in [0, 100].
func (c *Campaign) PercentComplete() float64 {
	if c.TotalRecipients == 0 {
		return 0
	}
	return float64(c.CompletedCalls) / float64(c.TotalRecipients) * 100
}

// RetryPolicy defines backoff rules for transient placement failures.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Recipient is one destination phone number within a campaign.
type Recipient struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	PhoneNumber    string
	Variables      map[string]any
	CallStatus     CallStatus
	CallOutcome    CallOutcome
	ExternalCallID *string
	Attempts       int
	LastAttemptAt  *time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallAttempt is an audit record of a single placement attempt.
type CallAttempt struct {
	ID               uuid.UUID
	CampaignID       uuid.UUID
	RecipientID      uuid.UUID
	AttemptNum       int
	Provider         string
	FallbackEngaged  bool
	ExternalCallID   string
	Error            string
	PlacementLatency time.Duration
	CreatedAt        time.Time
}
