package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/queue"
)

// callWebhook accepts a vendor's call completion callback. The adapter named
// in the path normalizes the payload, then the event is queued for the
// reconciler. State changes happen there, not here; delivery is at least once
// and the apply is idempotent.
func (h *HandlerSet) callWebhook(ctx *fiber.Ctx) error {
	providerName := ctx.Params("provider")
	adapter, ok := h.adapters[providerName]
	if !ok {
		return fiber.NewError(http.StatusNotFound, "unknown provider")
	}

	event, err := adapter.ParseCompletion(ctx.Body())
	if err != nil {
		h.container.Logger.Warn("unparseable completion webhook",
			zap.String("provider", providerName), zap.Error(err))
		return fiber.NewError(http.StatusBadRequest, "unparseable completion payload")
	}
	if event.ExternalCallID == "" {
		return fiber.NewError(http.StatusBadRequest, "completion payload has no call id")
	}

	msg := queue.CompletionMessage{
		ExternalCallID:   event.ExternalCallID,
		Provider:         providerName,
		Outcome:          event.Outcome,
		DurationSeconds:  event.DurationSeconds,
		DisconnectReason: event.DisconnectReason,
		ReceivedAt:       time.Now().UTC(),
	}
	if err := h.publisher.Publish(ctx.Context(), msg); err != nil {
		h.container.Logger.Error("publishing completion event",
			zap.String("external_call_id", event.ExternalCallID), zap.Error(err))
		// Vendors retry on 5xx.
		return fiber.NewError(http.StatusServiceUnavailable, "completion queue unavailable")
	}

	return ctx.SendStatus(http.StatusAccepted)
}
