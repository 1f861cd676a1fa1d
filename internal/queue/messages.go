package queue

import (
	"time"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// CompletionMessage carries one normalized provider completion event from
// the webhook handler to the reconciler. Keyed by the external call id so
// redeliveries of the same call land on the same partition.
type CompletionMessage struct {
	ExternalCallID   string             `json:"external_call_id"`
	Provider         string             `json:"provider"`
	Outcome          domain.CallOutcome `json:"outcome"`
	DurationSeconds  int                `json:"duration_seconds"`
	DisconnectReason string             `json:"disconnect_reason,omitempty"`
	ReceivedAt       time.Time          `json:"received_at"`
}
