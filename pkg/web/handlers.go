// Package web provides the HTTP handlers for the flow orchestration API.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	orchestrator *flow.Orchestrator
	configs      *flow.ConfigStore
	store        persistence.Persistence
	validator    *validator.Validate
}

func NewAPIHandlers(
	orchestrator *flow.Orchestrator,
	configs *flow.ConfigStore,
	store persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		configs:      configs,
		store:        store,
		validator:    validator,
	}
}

func (h *APIHandlers) StartFlow(c fiber.Ctx) error {
	var req StartFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	f, err := h.orchestrator.StartFlow(c.Context(), req.TenantID, req.PurchaseOrder, &flow.StartOptions{
		ConfigID:      req.ConfigID,
		CorrelationID: req.CorrelationID,
		Initiator:     req.Initiator,
	})
	if err != nil {
		return handleFlowError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(f)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	f, err := h.orchestrator.GetFlowStatus(c.Context(), id)
	if err != nil {
		return handleFlowError(c, err)
	}

	return c.JSON(f)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return badRequest(c, "tenant_id query parameter is required")
	}

	flows, err := h.orchestrator.ListFlows(c.Context(), tenantID)
	if err != nil {
		return handleFlowError(c, err)
	}

	if status := c.Query("status"); status != "" {
		filtered := flows[:0]

		for _, f := range flows {
			if f.Status == flow.Status(status) {
				filtered = append(filtered, f)
			}
		}

		flows = filtered
	}

	return c.JSON(fiber.Map{
		"flows":       flows,
		"total_count": len(flows),
	})
}

func (h *APIHandlers) GetFlowLogs(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if _, err := h.orchestrator.GetFlowStatus(c.Context(), id); err != nil {
		return handleFlowError(c, err)
	}

	query := flow.LogQuery{
		FlowID:   id,
		StepType: flow.StepType(c.Query("step")),
		Level:    flow.LogLevel(c.Query("level")),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit: "+limitStr)
		}

		query.Limit = limit
	}

	entries := h.orchestrator.FlowLog().Query(query)

	return c.JSON(fiber.Map{
		"entries":     entries,
		"total_count": len(entries),
	})
}

func (h *APIHandlers) PauseFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req FlowActionRequest
	_ = c.Bind().JSON(&req)

	if err := h.orchestrator.PauseFlow(c.Context(), id, req.Reason); err != nil {
		return handleFlowError(c, err)
	}

	return h.GetFlow(c)
}

func (h *APIHandlers) ResumeFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req FlowActionRequest
	_ = c.Bind().JSON(&req)

	if err := h.orchestrator.ResumeFlow(c.Context(), id, req.By); err != nil {
		return handleFlowError(c, err)
	}

	return h.GetFlow(c)
}

func (h *APIHandlers) CancelFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req FlowActionRequest
	_ = c.Bind().JSON(&req)

	if err := h.orchestrator.CancelFlow(c.Context(), id, req.Reason); err != nil {
		return handleFlowError(c, err)
	}

	return h.GetFlow(c)
}

func (h *APIHandlers) RetryStep(c fiber.Ctx) error {
	id := c.Params("id")
	stepType := c.Params("stepType")

	if id == "" || stepType == "" {
		return badRequest(c, "Flow ID and step type are required")
	}

	if err := h.orchestrator.RetryStep(c.Context(), id, flow.StepType(stepType)); err != nil {
		return handleFlowError(c, err)
	}

	return h.GetFlow(c)
}

// FlowWebhook feeds an external update (goods receipt, invoice status,
// payment status, match approval) directly into a flow.
func (h *APIHandlers) FlowWebhook(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req FlowWebhookRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.orchestrator.HandleWebhook(c.Context(), id, req.WebhookType, req.Payload); err != nil {
		return handleFlowError(c, err)
	}

	return c.JSON(fiber.Map{"status": "accepted"})
}

func (h *APIHandlers) GetConfig(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return badRequest(c, "Tenant ID is required")
	}

	cfg, err := h.configs.Get(c.Context(), tenantID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(cfg)
}

func (h *APIHandlers) UpdateConfig(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return badRequest(c, "Tenant ID is required")
	}

	var patch flow.ConfigPatch
	if err := c.Bind().JSON(&patch); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	cfg, err := h.configs.Update(c.Context(), tenantID, &patch)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(cfg)
}

// ValidateConnector checks a connector declaration without persisting it.
func (h *APIHandlers) ValidateConnector(c fiber.Ctx) error {
	var req ValidateConnectorRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(connector.ValidateConfig(req.Config))
}

func (h *APIHandlers) SaveConnector(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return badRequest(c, "Tenant ID is required")
	}

	var cfg connector.Config
	if err := c.Bind().JSON(&cfg); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if result := connector.ValidateConfig(&cfg); !result.Valid {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}

	if err := h.store.SaveConnectorConfig(c.Context(), tenantID, &cfg); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(cfg)
}

func (h *APIHandlers) GetConnector(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	name := c.Params("name")

	if tenantID == "" || name == "" {
		return badRequest(c, "Tenant ID and connector name are required")
	}

	cfg, err := h.store.ConnectorConfig(c.Context(), tenantID, name)
	if err != nil {
		return internalError(c, err)
	}

	if cfg == nil {
		return notFound(c, "connector not found")
	}

	return c.JSON(cfg)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
