package web

import "github.com/gofiber/fiber/v3"

// Register mounts every API route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	flows := router.Group("/flows")
	flows.Post("/", h.CreateFlow)
	flows.Get("/:id", h.GetFlow)
	flows.Put("/:id", h.UpdateFlow)
	flows.Delete("/:id", h.DeleteFlow)

	campaigns := router.Group("/campaigns")
	campaigns.Post("/", h.CreateCampaign)
	campaigns.Get("/:id", h.GetCampaign)
	campaigns.Get("/:id/jobs", h.GetCampaignJobs)
	campaigns.Post("/:id/activate", h.ActivateCampaign)
	campaigns.Post("/:id/pause", h.PauseCampaign)

	jobs := router.Group("/jobs")
	jobs.Get("/:id", h.GetJob)
	jobs.Get("/:id/logs", h.GetJobLogs)
	jobs.Post("/:id/cancel", h.CancelJob)
	jobs.Post("/:id/retry", h.RetryJob)

	tasks := router.Group("/tasks")
	tasks.Post("/:id/start", h.StartTask)
	tasks.Post("/:id/outcome", h.ReportTaskOutcome)

	collections := router.Group("/collections")
	collections.Post("/", h.CreateCollection)
	collections.Post("/:id/records", h.IngestRecord)
	router.Delete("/records/:id", h.ArchiveRecord)

	devices := router.Group("/devices")
	devices.Post("/", h.RegisterDevice)
	devices.Post("/:id/heartbeat", h.Heartbeat)

	market := router.Group("/market")
	market.Post("/tasks", h.PostMarketTask)
	market.Get("/tasks/:id", h.GetMarketTask)
	market.Get("/tasks/:id/applications", h.GetApplications)
	market.Post("/tasks/:id/applications", h.Apply)
	market.Post("/applications/:id/accept", h.AcceptApplication)
	market.Post("/applications/:id/reject", h.RejectApplication)
}
