package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

// Provider simulates a voice vendor for local development and tests.
type Provider struct {
	mu          sync.Mutex
	successRate float64
	latency     time.Duration
	rng         *rand.Rand
}

// NewProvider constructs a mock vendor with the given placement success rate.
func NewProvider(successRate float64, latency time.Duration) *Provider {
	if successRate <= 0 {
		successRate = 0.9
	}
	return &Provider{
		successRate: successRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name implements telephony.Adapter.
func (p *Provider) Name() string { return "mock" }

// PlaceCall simulates a placement attempt.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.PlacedCall, error) {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return telephony.PlacedCall{}, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	retryable := p.rng.Float64() < 0.7
	p.mu.Unlock()

	if roll > p.successRate {
		err := fmt.Errorf("mock: simulated placement failure for %s", req.PhoneNumber)
		if retryable {
			return telephony.PlacedCall{}, telephony.Transient(err)
		}
		return telephony.PlacedCall{}, err
	}

	return telephony.PlacedCall{
		ExternalCallID: "mock-" + uuid.NewString(),
		Provider:       p.Name(),
	}, nil
}

type completionPayload struct {
	CallID  string `json:"call_id"`
	Outcome string `json:"outcome"`
	Seconds int    `json:"seconds"`
}

// ParseCompletion accepts the mock's own completion shape.
func (p *Provider) ParseCompletion(payload []byte) (telephony.CompletionEvent, error) {
	var event completionPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return telephony.CompletionEvent{}, fmt.Errorf("mock: parse completion: %w", err)
	}
	outcome := domain.CallOutcome(event.Outcome)
	switch outcome {
	case domain.OutcomeAnswered, domain.OutcomeNoAnswer, domain.OutcomeBusy, domain.OutcomeVoicemail:
	default:
		outcome = domain.OutcomeError
	}
	return telephony.CompletionEvent{
		ExternalCallID:  event.CallID,
		Outcome:         outcome,
		DurationSeconds: event.Seconds,
	}, nil
}
