package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// processCampaign triggers one dispatch batch for the campaign immediately
// instead of waiting for the next periodic pass.
func (h *HandlerSet) processCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	result, err := h.manager.ProcessCampaignByID(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(result)
}

type campaignStatusResponse struct {
	CampaignID      uuid.UUID             `json:"campaign_id"`
	Status          domain.CampaignStatus `json:"status"`
	TotalRecipients int64                 `json:"total_recipients"`
	CompletedCalls  int64                 `json:"completed_calls"`
	SuccessfulCalls int64                 `json:"successful_calls"`
	FailedCalls     int64                 `json:"failed_calls"`
	PendingCalls    int64                 `json:"pending_calls"`
	InFlightCalls   int64                 `json:"in_flight_calls"`
	AvailableSlots  int64                 `json:"available_slots"`
	PercentComplete float64               `json:"percent_complete"`
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	inFlight, err := h.repos.recipients.CountByStatus(ctx.Context(), id, domain.CallStatusCalling)
	if err != nil {
		return translateError(err)
	}

	slots, err := h.availableSlots(ctx.Context(), campaign)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatusResponse{
		CampaignID:      campaign.ID,
		Status:          campaign.Status,
		TotalRecipients: campaign.TotalRecipients,
		CompletedCalls:  campaign.CompletedCalls,
		SuccessfulCalls: campaign.SuccessfulCalls,
		FailedCalls:     campaign.FailedCalls,
		PendingCalls:    campaign.PendingCalls,
		InFlightCalls:   inFlight,
		AvailableSlots:  slots,
		PercentComplete: campaign.PercentComplete(),
	})
}

// availableSlots mirrors the dispatch slot math: the campaign headroom capped
// by the global headroom, with stale calling rows excluded from both counts.
func (h *HandlerSet) availableSlots(ctx context.Context, campaign *domain.Campaign) (int64, error) {
	cfg := h.container.Config.Dispatch
	now := time.Now().UTC()

	ceiling := int64(campaign.MaxConcurrentCalls)
	if ceiling <= 0 {
		ceiling = int64(cfg.DefaultPerCampaign)
	}

	active, err := h.repos.recipients.CountActive(ctx, campaign.ID, cfg.StaleAfter, now)
	if err != nil {
		return 0, err
	}
	global, err := h.repos.recipients.CountActiveGlobal(ctx, cfg.StaleAfter, now)
	if err != nil {
		return 0, err
	}

	slots := ceiling - active
	if globalSlots := int64(cfg.GlobalConcurrency) - global; globalSlots < slots {
		slots = globalSlots
	}
	if slots < 0 {
		slots = 0
	}
	return slots, nil
}

type attemptResponse struct {
	ID              uuid.UUID `json:"id"`
	RecipientID     uuid.UUID `json:"recipient_id"`
	AttemptNum      int       `json:"attempt_num"`
	Provider        string    `json:"provider"`
	FallbackEngaged bool      `json:"fallback_engaged"`
	ExternalCallID  string    `json:"external_call_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	LatencyMillis   int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	var paging []byte
	if token := ctx.Query("page_token"); token != "" {
		paging, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid page token")
		}
	}

	attempts, next, err := h.repos.attempts.ListByCampaign(ctx.Context(), id, limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:              a.ID,
			RecipientID:     a.RecipientID,
			AttemptNum:      a.AttemptNum,
			Provider:        a.Provider,
			FallbackEngaged: a.FallbackEngaged,
			ExternalCallID:  a.ExternalCallID,
			Error:           a.Error,
			LatencyMillis:   a.PlacementLatency.Milliseconds(),
			CreatedAt:       a.CreatedAt,
		})
	}
	if len(next) > 0 {
		resp.NextPage = base64.URLEncoding.EncodeToString(next)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}
