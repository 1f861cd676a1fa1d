package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/app"
	"github.com/acme/campaign-dispatch/internal/engine"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	campaigns *campaignsvc.Service
	manager   *engine.QueueManager
	publisher *queue.CompletionPublisher
	adapters  map[string]telephony.Adapter
	repos     struct {
		recipients repository.RecipientRepository
		attempts   repository.AttemptStore
	}
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	h := &HandlerSet{
		container: container,
		campaigns: container.CampaignService(),
		manager:   container.QueueManager(),
		publisher: container.CompletionPublisher(),
		adapters:  container.Telephony().Adapters,
	}
	h.repos.recipients = container.Repositories().Recipients
	h.repos.attempts = container.Repositories().Attempts
	return h
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/recipients", h.addRecipients)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Post("/:id/process", h.processCampaign)
	campaigns.Get("/:id/status", h.campaignStatus)
	campaigns.Get("/:id/attempts", h.listAttempts)

	webhooks := v1.Group("/webhooks")
	webhooks.Post("/:provider/calls", h.callWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
