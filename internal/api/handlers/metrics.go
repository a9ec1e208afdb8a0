package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type metricsDayResponse struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	Day          string    `json:"day"`
	Initiated    int64     `json:"initiated"`
	Picked       int64     `json:"picked"`
	Disconnected int64     `json:"disconnected"`
	RNR          int64     `json:"rnr"`
	Failed       int64     `json:"failed"`
	Exhausted    int64     `json:"exhausted"`
	Retries      int64     `json:"retries"`
}

func (h *HandlerSet) callMetrics(ctx *fiber.Ctx) error {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now

	if fromStr := ctx.Query("from"); fromStr != "" {
		parsed, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid from date, expected YYYY-MM-DD")
		}
		from = parsed
	}
	if toStr := ctx.Query("to"); toStr != "" {
		parsed, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid to date, expected YYYY-MM-DD")
		}
		to = parsed
	}

	days, err := h.container.Repositories().Metrics.Range(ctx.Context(), from, to)
	if err != nil {
		return translateError(err)
	}

	// Slot counts come straight from Redis so the reading reflects calls
	// admitted by every instance, not just this one.
	active, err := h.container.Admission().Active(ctx.Context())
	if err != nil {
		return translateError(err)
	}

	resp := make([]metricsDayResponse, 0, len(days))
	for _, d := range days {
		resp = append(resp, metricsDayResponse{
			CampaignID:   d.CampaignID,
			Day:          d.Day.Format("2006-01-02"),
			Initiated:    d.Initiated,
			Picked:       d.Picked,
			Disconnected: d.Disconnected,
			RNR:          d.RNR,
			Failed:       d.Failed,
			Exhausted:    d.Exhausted,
			Retries:      d.Retries,
		})
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"days":              resp,
		"active_calls":      active,
		"concurrency_limit": h.container.Admission().Limit(),
	})
}

func (h *HandlerSet) reloadPolicy(ctx *fiber.Ctx) error {
	if err := h.container.Policies.Load(); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"status": "reloaded"})
}
