package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
	campaignsvc "github.com/acme/campaign-call-manager/internal/service/campaign"
)

type createCampaignRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Numbers     []string `json:"numbers"`
}

type campaignResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type rosterResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

type targetResponse struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	State       string    `json:"state"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type listCallsResponse struct {
	Calls []callResponse `json:"calls"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaign, roster, err := h.campaigns.Create(ctx.Context(), campaignsvc.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		Targets:     req.Numbers,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(fiber.Map{
		"campaign": toCampaignResponse(campaign),
		"roster":   toRosterResponse(roster),
	})
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.Context(), afterID, limit)
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

func (h *HandlerSet) setCampaignStatus(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Active *bool `json:"active"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.Active == nil {
		return fiber.NewError(http.StatusBadRequest, "active is required")
	}

	if err := h.campaigns.SetActive(ctx.Context(), id, *req.Active); err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) addNumbers(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Numbers []string `json:"numbers"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	roster, err := h.campaigns.AddTargets(ctx.Context(), id, req.Numbers)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRosterResponse(roster))
}

func (h *HandlerSet) listNumbers(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	state := domain.TargetState(ctx.Query("state"))

	targets, err := h.campaigns.Roster(ctx.Context(), id, state, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		resp = append(resp, targetResponse{
			ID:          t.ID,
			PhoneNumber: t.PhoneNumber,
			State:       string(t.State),
			LastError:   t.LastError,
			CreatedAt:   t.CreatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"numbers": resp})
}

func (h *HandlerSet) bulkDial(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Numbers []string `json:"numbers"`
	}
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}

	queued, roster, err := h.campaigns.EnqueueDial(ctx.Context(), id, req.Numbers)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"queued": queued,
		"roster": toRosterResponse(roster),
	})
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	offset, _ := strconv.Atoi(ctx.Query("offset", "0"))

	attempts, err := h.calls.ListByCampaign(ctx.Context(), id, limit, offset)
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(attempts))}
	for i := range attempts {
		resp.Calls = append(resp.Calls, toCallResponse(&attempts[i]))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:          campaign.ID,
		Name:        campaign.Name,
		Description: campaign.Description,
		Active:      campaign.Active,
		CreatedAt:   campaign.CreatedAt,
		UpdatedAt:   campaign.UpdatedAt,
	}
}

func toRosterResponse(roster *campaignsvc.RosterResult) rosterResponse {
	if roster == nil {
		return rosterResponse{}
	}
	return rosterResponse{Accepted: roster.Accepted, Rejected: roster.Rejected}
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
