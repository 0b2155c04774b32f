package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp wires the API routes onto a fiber app.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conflux API")
	})

	f := app.Group("/flows")
	f.Post("/", handlers.StartFlow)
	f.Get("/", handlers.ListFlows)
	f.Get("/:id", handlers.GetFlow)
	f.Get("/:id/logs", handlers.GetFlowLogs)
	f.Post("/:id/pause", handlers.PauseFlow)
	f.Post("/:id/resume", handlers.ResumeFlow)
	f.Post("/:id/cancel", handlers.CancelFlow)
	f.Post("/:id/steps/:stepType/retry", handlers.RetryStep)
	f.Post("/:id/webhook", handlers.FlowWebhook)

	t := app.Group("/tenants/:tenantId")
	t.Get("/config", handlers.GetConfig)
	t.Patch("/config", handlers.UpdateConfig)
	t.Put("/connectors", handlers.SaveConnector)
	t.Get("/connectors/:name", handlers.GetConnector)

	app.Post("/connectors/validate", handlers.ValidateConnector)

	app.Get("/health", handlers.HealthCheck)

	return app
}
