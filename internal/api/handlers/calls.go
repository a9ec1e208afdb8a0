package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/engine"
	"github.com/acme/campaign-call-manager/internal/queue"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

type createCallRequest struct {
	CampaignID  string `json:"campaign_id"`
	PhoneNumber string `json:"phone_number"`
}

type callResponse struct {
	CallID           string     `json:"call_id"`
	CampaignID       uuid.UUID  `json:"campaign_id"`
	PhoneNumber      string     `json:"phone_number"`
	Status           string     `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	MaxAttempts      int        `json:"max_attempts"`
	ExternalRef      *string    `json:"external_ref,omitempty"`
	DurationSeconds  *int       `json:"duration_seconds,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
}

type transitionResponse struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

func (h *HandlerSet) createCall(ctx *fiber.Ctx) error {
	var req createCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	attempt, err := h.calls.Create(ctx.Context(), engine.CreateInput{
		CampaignID:  campaignID,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrCapacityExhausted) && h.container.Config.Admission.QueueOnCapacity {
			return h.parkCall(ctx, campaignID, req.PhoneNumber)
		}
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCallResponse(attempt))
}

// parkCall queues a capacity-denied request into the dial backlog instead of
// rejecting it. Duplicate denials never reach here; they always surface.
func (h *HandlerSet) parkCall(ctx *fiber.Ctx, campaignID uuid.UUID, number string) error {
	if err := h.campaigns.ParkForDial(ctx.Context(), campaignID, number); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"status":       "queued",
		"campaign_id":  campaignID,
		"phone_number": number,
	})
}

func (h *HandlerSet) providerCallback(ctx *fiber.Ctx) error {
	callID := ctx.Params("id")
	if callID == "" {
		return fiber.NewError(http.StatusBadRequest, "missing call id")
	}

	var req struct {
		Outcome         string `json:"outcome"`
		DurationSeconds *int   `json:"duration_seconds"`
		ExternalRef     string `json:"external_ref"`
		ErrorMessage    string `json:"error_message"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.Outcome == "" {
		return fiber.NewError(http.StatusBadRequest, "outcome is required")
	}

	msg := queue.CallbackMessage{
		CallID:          callID,
		Outcome:         req.Outcome,
		DurationSeconds: req.DurationSeconds,
		ExternalRef:     req.ExternalRef,
		ErrorMessage:    req.ErrorMessage,
		OccurredAt:      time.Now().UTC(),
	}
	if err := h.container.Publishers().Callbacks.PublishCallback(ctx.Context(), msg); err != nil {
		return translateError(fmt.Errorf("%w: publish callback: %v", apperrors.ErrUnavailable, err))
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	attempt, err := h.calls.Get(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(attempt))
}

func (h *HandlerSet) callTransitions(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	events, err := h.calls.History(ctx.Context(), ctx.Params("id"), limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]transitionResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, transitionResponse{
			From:    string(ev.From),
			To:      string(ev.To),
			Attempt: ev.Attempt,
			At:      ev.At,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"transitions": resp})
}

func toCallResponse(attempt *domain.CallAttempt) callResponse {
	return callResponse{
		CallID:           attempt.CallID,
		CampaignID:       attempt.CampaignID,
		PhoneNumber:      attempt.PhoneNumber,
		Status:           string(attempt.Status),
		AttemptCount:     attempt.AttemptCount,
		MaxAttempts:      attempt.MaxAttempts,
		ExternalRef:      attempt.ExternalRef,
		DurationSeconds:  attempt.DurationSeconds,
		ErrorMessage:     attempt.ErrorMessage,
		NextRetryAt:      attempt.NextRetryAt,
		CreatedAt:        attempt.CreatedAt,
		LastTransitionAt: attempt.LastTransitionAt,
	}
}
