package callbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

// ProviderName identifies the primary voice vendor.
const ProviderName = "callbridge"

// Provider places calls through the CallBridge REST API.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewProvider builds the adapter from vendor configuration.
func NewProvider(cfg config.ProviderConfig) *Provider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements telephony.Adapter.
func (p *Provider) Name() string { return ProviderName }

type placeCallRequest struct {
	AgentID   string         `json:"agent_id"`
	ToNumber  string         `json:"to_number"`
	Variables map[string]any `json:"variables,omitempty"`
}

type placeCallResponse struct {
	CallID string `json:"call_id"`
}

// PlaceCall starts an outbound call and returns the vendor call id.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.PlacedCall, error) {
	body, err := json.Marshal(placeCallRequest{
		AgentID:   req.AgentRef,
		ToNumber:  req.PhoneNumber,
		Variables: req.Variables,
	})
	if err != nil {
		return telephony.PlacedCall{}, fmt.Errorf("callbridge: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return telephony.PlacedCall{}, fmt.Errorf("callbridge: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return telephony.PlacedCall{}, telephony.Transient(fmt.Errorf("callbridge: request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return telephony.PlacedCall{}, telephony.Transient(fmt.Errorf("callbridge: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return telephony.PlacedCall{}, telephony.Transient(fmt.Errorf("callbridge: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return telephony.PlacedCall{}, fmt.Errorf("callbridge: rejected with status %d: %s", resp.StatusCode, detail)
	}

	var placed placeCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		return telephony.PlacedCall{}, fmt.Errorf("callbridge: decode response: %w", err)
	}
	if placed.CallID == "" {
		return telephony.PlacedCall{}, fmt.Errorf("callbridge: response missing call_id")
	}

	return telephony.PlacedCall{ExternalCallID: placed.CallID, Provider: ProviderName}, nil
}

type completionPayload struct {
	CallID       string `json:"call_id"`
	Status       string `json:"status"`
	DurationSecs int    `json:"duration_secs"`
	HangupCause  string `json:"hangup_cause"`
}

// ParseCompletion maps CallBridge webhook fields onto the shared outcome
// classification.
func (p *Provider) ParseCompletion(payload []byte) (telephony.CompletionEvent, error) {
	var event completionPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return telephony.CompletionEvent{}, fmt.Errorf("callbridge: parse completion: %w", err)
	}
	if event.CallID == "" {
		return telephony.CompletionEvent{}, fmt.Errorf("callbridge: completion missing call_id")
	}

	outcome := domain.OutcomeError
	switch event.Status {
	case "completed", "answered":
		outcome = domain.OutcomeAnswered
	case "no_answer":
		outcome = domain.OutcomeNoAnswer
	case "busy":
		outcome = domain.OutcomeBusy
	case "voicemail", "machine":
		outcome = domain.OutcomeVoicemail
	}

	return telephony.CompletionEvent{
		ExternalCallID:   event.CallID,
		Outcome:          outcome,
		DurationSeconds:  event.DurationSecs,
		DisconnectReason: event.HangupCause,
	}, nil
}
