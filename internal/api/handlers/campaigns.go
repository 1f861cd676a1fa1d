package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
)

type retryPolicyPayload struct {
	MaxRetries   int    `json:"max_retries"`
	InitialDelay string `json:"initial_delay"`
	MaxDelay     string `json:"max_delay"`
}

type businessHoursPayload struct {
	Enabled  bool                           `json:"enabled"`
	Timezone string                         `json:"timezone"`
	Days     map[string][]hourWindowPayload `json:"days"`
}

type hourWindowPayload struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type recipientPayload struct {
	PhoneNumber string         `json:"phone_number"`
	Variables   map[string]any `json:"variables"`
}

type createCampaignRequest struct {
	Name               string                `json:"name"`
	AgentRef           string                `json:"agent_ref"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	RetryPolicy        *retryPolicyPayload   `json:"retry_policy"`
	BusinessHours      *businessHoursPayload `json:"business_hours"`
	ScheduledStartAt   *time.Time            `json:"scheduled_start_at"`
	ScheduledExpiresAt *time.Time            `json:"scheduled_expires_at"`
	Recipients         []recipientPayload    `json:"recipients"`
}

type campaignResponse struct {
	ID                 uuid.UUID             `json:"id"`
	TenantID           uuid.UUID             `json:"tenant_id"`
	Name               string                `json:"name"`
	AgentRef           string                `json:"agent_ref"`
	Status             domain.CampaignStatus `json:"status"`
	TotalRecipients    int64                 `json:"total_recipients"`
	CompletedCalls     int64                 `json:"completed_calls"`
	SuccessfulCalls    int64                 `json:"successful_calls"`
	FailedCalls        int64                 `json:"failed_calls"`
	PendingCalls       int64                 `json:"pending_calls"`
	PercentComplete    float64               `json:"percent_complete"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	RetryPolicy        retryPolicyPayload    `json:"retry_policy"`
	BusinessHours      *businessHoursPayload `json:"business_hours,omitempty"`
	ScheduledStartAt   *time.Time            `json:"scheduled_start_at,omitempty"`
	ScheduledExpiresAt *time.Time            `json:"scheduled_expires_at,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	StartedAt          *time.Time            `json:"started_at,omitempty"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	tenantID, err := tenantFromHeader(ctx)
	if err != nil {
		return err
	}

	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.CreateCampaignInput{
		TenantID:           tenantID,
		Name:               req.Name,
		AgentRef:           req.AgentRef,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		ScheduledStartAt:   req.ScheduledStartAt,
		ScheduledExpiresAt: req.ScheduledExpiresAt,
		BusinessHours:      toBusinessHours(req.BusinessHours),
		Recipients:         toRecipientInputs(req.Recipients),
	}
	if req.RetryPolicy != nil {
		rp, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return err
		}
		input.RetryPolicy = &rp
	}

	campaign, err := h.campaigns.Create(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	status := domain.CampaignStatus(ctx.Query("status", string(domain.CampaignStatusActive)))
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	campaigns, err := h.campaigns.List(ctx.Context(), status, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) addRecipients(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Recipients []recipientPayload `json:"recipients"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.campaigns.AddRecipients(ctx.Context(), id, toRecipientInputs(req.Recipients)); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.campaigns.Start(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.campaigns.Pause(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	// Ask the in-flight batch, if any, to stop taking new work.
	h.manager.Pause(id)
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.campaigns.Start(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	h.manager.Resume(id)
	// Dispatch right away instead of waiting for the next periodic pass.
	h.manager.Continue(id)
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.campaigns.Cancel(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	h.manager.Cancel(id)
	return ctx.SendStatus(http.StatusNoContent)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:                 campaign.ID,
		TenantID:           campaign.TenantID,
		Name:               campaign.Name,
		AgentRef:           campaign.AgentRef,
		Status:             campaign.Status,
		TotalRecipients:    campaign.TotalRecipients,
		CompletedCalls:     campaign.CompletedCalls,
		SuccessfulCalls:    campaign.SuccessfulCalls,
		FailedCalls:        campaign.FailedCalls,
		PendingCalls:       campaign.PendingCalls,
		PercentComplete:    campaign.PercentComplete(),
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		RetryPolicy: retryPolicyPayload{
			MaxRetries:   campaign.RetryPolicy.MaxRetries,
			InitialDelay: campaign.RetryPolicy.InitialDelay.String(),
			MaxDelay:     campaign.RetryPolicy.MaxDelay.String(),
		},
		ScheduledStartAt:   campaign.ScheduledStartAt,
		ScheduledExpiresAt: campaign.ScheduledExpiresAt,
		CreatedAt:          campaign.CreatedAt,
		UpdatedAt:          campaign.UpdatedAt,
		StartedAt:          campaign.StartedAt,
		CompletedAt:        campaign.CompletedAt,
	}

	if hours := campaign.BusinessHours; hours != nil {
		payload := &businessHoursPayload{
			Enabled:  hours.Enabled,
			Timezone: hours.Timezone,
			Days:     make(map[string][]hourWindowPayload, len(hours.Days)),
		}
		for day, windows := range hours.Days {
			out := make([]hourWindowPayload, 0, len(windows))
			for _, w := range windows {
				out = append(out, hourWindowPayload{Start: w.Start, End: w.End})
			}
			payload.Days[day] = out
		}
		resp.BusinessHours = payload
	}
	return resp
}

func toBusinessHours(payload *businessHoursPayload) *domain.BusinessHoursConfig {
	if payload == nil {
		return nil
	}
	cfg := &domain.BusinessHoursConfig{
		Enabled:  payload.Enabled,
		Timezone: payload.Timezone,
		Days:     make(map[string][]domain.HourWindow, len(payload.Days)),
	}
	for day, windows := range payload.Days {
		out := make([]domain.HourWindow, 0, len(windows))
		for _, w := range windows {
			out = append(out, domain.HourWindow{Start: w.Start, End: w.End})
		}
		cfg.Days[day] = out
	}
	return cfg
}

func toRecipientInputs(payloads []recipientPayload) []campaignsvc.RecipientInput {
	out := make([]campaignsvc.RecipientInput, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, campaignsvc.RecipientInput{PhoneNumber: p.PhoneNumber, Variables: p.Variables})
	}
	return out
}

func parseRetryPolicy(payload retryPolicyPayload) (domain.RetryPolicy, error) {
	rp := domain.RetryPolicy{MaxRetries: payload.MaxRetries}
	if payload.InitialDelay != "" {
		d, err := time.ParseDuration(payload.InitialDelay)
		if err != nil {
			return rp, fiber.NewError(http.StatusBadRequest, "invalid retry initial_delay")
		}
		rp.InitialDelay = d
	}
	if payload.MaxDelay != "" {
		d, err := time.ParseDuration(payload.MaxDelay)
		if err != nil {
			return rp, fiber.NewError(http.StatusBadRequest, "invalid retry max_delay")
		}
		rp.MaxDelay = d
	}
	return rp, nil
}

func tenantFromHeader(ctx *fiber.Ctx) (uuid.UUID, error) {
	raw := ctx.Get("X-Tenant-ID")
	if raw == "" {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "missing X-Tenant-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid X-Tenant-ID header")
	}
	return id, nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}
