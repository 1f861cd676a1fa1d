package relayvoice

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

// ProviderName identifies the fallback voice vendor.
const ProviderName = "relayvoice"

// Provider places calls through the RelayVoice outbound API. Unlike the
// primary vendor it needs an explicit outbound caller id on every call.
type Provider struct {
	baseURL  string
	apiKey   string
	callerID string
	client   *http.Client
}

// NewProvider builds the adapter from vendor configuration.
func NewProvider(cfg config.ProviderConfig) *Provider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		callerID: cfg.OutboundCallerID,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name implements telephony.Adapter.
func (p *Provider) Name() string { return ProviderName }

type outboundRequest struct {
	Agent       string         `json:"agent"`
	Destination string         `json:"destination"`
	CallerID    string         `json:"caller_id"`
	Vars        map[string]any `json:"vars,omitempty"`
}

type outboundResponse struct {
	SID string `json:"sid"`
}

// PlaceCall starts an outbound call and returns the vendor session id.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.PlacedCall, error) {
	body, err := json.Marshal(outboundRequest{
		Agent:       req.AgentRef,
		Destination: req.PhoneNumber,
		CallerID:    p.callerID,
		Vars:        req.Variables,
	})
	if err != nil {
		return telephony.PlacedCall{}, fmt.Errorf("relayvoice: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/outbound", bytes.NewReader(body))
	if err != nil {
		return telephony.PlacedCall{}, fmt.Errorf("relayvoice: build request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return telephony.PlacedCall{}, telephony.Transient(fmt.Errorf("relayvoice: request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return telephony.PlacedCall{}, telephony.Transient(fmt.Errorf("relayvoice: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return telephony.PlacedCall{}, fmt.Errorf("relayvoice: rejected with status %d: %s", resp.StatusCode, detail)
	}

	var placed outboundResponse
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		return telephony.PlacedCall{}, fmt.Errorf("relayvoice: decode response: %w", err)
	}
	if placed.SID == "" {
		return telephony.PlacedCall{}, fmt.Errorf("relayvoice: response missing sid")
	}

	return telephony.PlacedCall{ExternalCallID: placed.SID, Provider: ProviderName, FallbackEngaged: true}, nil
}

type completionPayload struct {
	SID     string `json:"sid"`
	Result  string `json:"result"`
	BillSec int    `json:"billsec"`
	Cause   string `json:"cause"`
}

// ParseCompletion maps RelayVoice webhook fields onto the shared outcome
// classification.
func (p *Provider) ParseCompletion(payload []byte) (telephony.CompletionEvent, error) {
	var event completionPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return telephony.CompletionEvent{}, fmt.Errorf("relayvoice: parse completion: %w", err)
	}
	if event.SID == "" {
		return telephony.CompletionEvent{}, fmt.Errorf("relayvoice: completion missing sid")
	}

	outcome := domain.OutcomeError
	switch event.Result {
	case "ANSWERED":
		outcome = domain.OutcomeAnswered
	case "NOANSWER":
		outcome = domain.OutcomeNoAnswer
	case "BUSY":
		outcome = domain.OutcomeBusy
	case "MACHINE", "VOICEMAIL":
		outcome = domain.OutcomeVoicemail
	}

	return telephony.CompletionEvent{
		ExternalCallID:   event.SID,
		Outcome:          outcome,
		DurationSeconds:  event.BillSec,
		DisconnectReason: event.Cause,
	}, nil
}
