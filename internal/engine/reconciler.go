package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/dispatch/slots"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
)

// Reconciler applies provider completion events to recipient and campaign
// state. Delivery is at least once, so every apply is idempotent: the first
// delivery for an external call id wins and later ones are acknowledged
// without effect.
type Reconciler struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	slots      *slots.Reservation
	manager    *QueueManager
	log        *zap.Logger
	now        func() time.Time
}

// NewReconciler constructs a Reconciler. slotRes may be nil when Redis slot
// reservation is not deployed; manager may be nil to disable continuation.
func NewReconciler(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	slotRes *slots.Reservation,
	manager *QueueManager,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		campaigns:  campaigns,
		recipients: recipients,
		slots:      slotRes,
		manager:    manager,
		log:        log,
		now:        time.Now,
	}
}

// Apply resolves one completion event. A nil return means the message may be
// committed; retryable infrastructure failures return an error so the
// consumer redelivers.
func (r *Reconciler) Apply(ctx context.Context, msg queue.CompletionMessage) error {
	recipient, err := r.recipients.GetByExternalCallID(ctx, msg.ExternalCallID)
	if errors.Is(err, repository.ErrNotFound) {
		// Webhook for a call this system never placed, or one already pruned.
		r.log.Warn("completion for unknown call",
			zap.String("external_call_id", msg.ExternalCallID),
			zap.String("provider", msg.Provider))
		return nil
	}
	if err != nil {
		return err
	}

	if recipient.CallStatus.Terminal() {
		r.log.Debug("duplicate completion ignored",
			zap.String("external_call_id", msg.ExternalCallID),
			zap.String("recipient_id", recipient.ID.String()))
		return nil
	}

	applied, err := r.recipients.ResolveCompletion(ctx, recipient.ID, recipient.CampaignID, msg.Outcome, msg.DisconnectReason, r.now())
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race with a concurrent delivery of the same event.
		return nil
	}

	r.releaseSlot(ctx, recipient.CampaignID)

	r.log.Info("call completed",
		zap.String("campaign_id", recipient.CampaignID.String()),
		zap.String("external_call_id", msg.ExternalCallID),
		zap.String("outcome", string(msg.Outcome)),
		zap.Int("duration_seconds", msg.DurationSeconds))

	// A freed slot means another call can usually start immediately.
	if r.manager != nil {
		r.manager.Continue(recipient.CampaignID)
	}
	return nil
}

func (r *Reconciler) releaseSlot(ctx context.Context, campaignID uuid.UUID) {
	if r.slots == nil {
		return
	}
	if err := r.slots.Release(ctx, campaignID); err != nil {
		r.log.Warn("releasing call slot",
			zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

// Run consumes completion events from reader until ctx is cancelled. Messages
// are committed only after a successful apply.
func (r *Reconciler) Run(ctx context.Context, reader *kafka.Reader) error {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var msg queue.CompletionMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			r.log.Error("malformed completion message, skipping",
				zap.ByteString("value", m.Value), zap.Error(err))
			if err := reader.CommitMessages(ctx, m); err != nil {
				return err
			}
			continue
		}

		if err := r.Apply(ctx, msg); err != nil {
			r.log.Error("applying completion, will redeliver",
				zap.String("external_call_id", msg.ExternalCallID), zap.Error(err))
			continue
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			return err
		}
	}
}
