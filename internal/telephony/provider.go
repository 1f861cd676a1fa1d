package telephony

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// CallRequest carries everything an adapter needs to place one call.
type CallRequest struct {
	CampaignID  uuid.UUID
	RecipientID uuid.UUID
	AgentRef    string
	PhoneNumber string
	Variables   map[string]any
}

// PlacedCall is the result of a successful placement. Provider and
// FallbackEngaged are recorded for auditability.
type PlacedCall struct {
	ExternalCallID  string
	Provider        string
	FallbackEngaged bool
}

// CompletionEvent is a vendor completion webhook normalized to the shared
// outcome classification. Adapters own the mapping from their native fields.
type CompletionEvent struct {
	ExternalCallID   string
	Outcome          domain.CallOutcome
	DurationSeconds  int
	DisconnectReason string
}

// Adapter abstracts one voice-call vendor's placement API.
type Adapter interface {
	Name() string
	PlaceCall(ctx context.Context, req CallRequest) (PlacedCall, error)
	ParseCompletion(payload []byte) (CompletionEvent, error)
}

// ErrNotConfigured indicates no vendor credentials resolve for a campaign.
var ErrNotConfigured = errors.New("telephony: provider not configured")

var errTransient = errors.New("transient provider error")

// Transient marks err as retryable (rate limit, timeout, connection reset).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(errTransient, err)
}

// IsTransient reports whether err should be retried. Besides explicitly
// marked errors, network timeouts and connection resets qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
