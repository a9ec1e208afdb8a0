package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/app"
	"github.com/acme/campaign-call-manager/internal/engine"
	campaignsvc "github.com/acme/campaign-call-manager/internal/service/campaign"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	campaigns *campaignsvc.Service
	calls     *engine.Engine
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return &HandlerSet{
		container: container,
		campaigns: services.Campaign,
		calls:     services.Engine,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.createCall)
	calls.Post("/:id/callback", h.providerCallback)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/transitions", h.callTransitions)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Patch("/:id/status", h.setCampaignStatus)
	campaigns.Post("/:id/numbers", h.addNumbers)
	campaigns.Get("/:id/numbers", h.listNumbers)
	campaigns.Post("/:id/calls/bulk", h.bulkDial)
	campaigns.Get("/:id/calls", h.listCampaignCalls)

	v1.Get("/metrics/calls", h.callMetrics)
	v1.Post("/admin/policy/reload", h.reloadPolicy)
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

	status, label := fiber.StatusOK, "ok"
	if len(errs) > 0 {
		status, label = fiber.StatusServiceUnavailable, "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": label, "errors": errs})
}
