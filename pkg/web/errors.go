package web

import (
	"errors"

	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("invalid_transition").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func tooManyFlows(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(429).
		WithInstance(c.Path()).
		WithType("concurrency_limit").
		WithDetail(detail)

	return c.Status(fiber.StatusTooManyRequests).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleFlowError maps orchestrator errors onto problem responses.
func handleFlowError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, flow.ErrFlowNotFound):
		return notFound(c, "flow not found")
	case errors.Is(err, flow.ErrInvalidTransition):
		return conflict(c, err.Error())
	case errors.Is(err, flow.ErrConcurrencyLimit):
		return tooManyFlows(c, err.Error())
	default:
		if stepErr, ok := flow.AsStepError(err); ok {
			return badRequest(c, stepErr.Message)
		}

		return internalError(c, err)
	}
}
