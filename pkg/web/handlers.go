// Package web provides HTTP handlers and REST API endpoints for campaigns, jobs and the task marketplace.
package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/devicefarm/pkg/campaigns"
	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/marketplace"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/records"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultLogLimit = 200

type APIHandlers struct {
	flowService *services.Flow
	campaigns   *campaigns.Service
	machine     *jobs.Machine
	selector    *records.Selector
	registry    *devices.Registry
	market      *marketplace.Service
	validator   *validator.Validate
}

func NewAPIHandlers(
	flowService *services.Flow,
	campaigns *campaigns.Service,
	machine *jobs.Machine,
	selector *records.Selector,
	registry *devices.Registry,
	market *marketplace.Service,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		campaigns:   campaigns,
		machine:     machine,
		selector:    selector,
		registry:    registry,
		market:      market,
		validator:   validator,
	}
}

// bind decodes and validates the JSON body into req. On failure the problem
// response is already written and handled is true.
func (h *APIHandlers) bind(c fiber.Ctx, req any) (bool, error) {
	err := c.Bind().JSON(req)
	if err != nil {
		return true, badRequest(c, "Invalid JSON format")
	}

	err = h.validator.Struct(req)
	if err != nil {
		return true, badRequest(c, err.Error())
	}

	return false, nil
}

// bindOptional is bind for endpoints whose body may be empty.
func (h *APIHandlers) bindOptional(c fiber.Ctx, req any) (bool, error) {
	if len(c.Body()) == 0 {
		return false, nil
	}

	return h.bind(c, req)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.flowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "DeviceFarm API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "DeviceFarm API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// Flows

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	created, err := h.flowService.Create(c.Context(), &models.Flow{
		Name:  req.Name,
		Owner: req.Owner,
		Nodes: req.Nodes,
		Edges: req.Edges,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flowService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req UpdateFlowRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	updated, err := h.flowService.Update(c.Context(), c.Params("id"), &models.Flow{
		Name:  req.Name,
		Nodes: req.Nodes,
		Edges: req.Edges,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	err := h.campaigns.DeleteFlow(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Campaigns

func (h *APIHandlers) CreateCampaign(c fiber.Ctx) error {
	var req CreateCampaignRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	created, err := h.campaigns.Create(c.Context(), req.Campaign())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetCampaign(c fiber.Ctx) error {
	campaign, err := h.campaigns.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(campaign)
}

func (h *APIHandlers) ActivateCampaign(c fiber.Ctx) error {
	campaign, err := h.campaigns.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(campaign)
}

func (h *APIHandlers) PauseCampaign(c fiber.Ctx) error {
	var req ReasonRequest
	if handled, err := h.bindOptional(c, &req); handled {
		return err
	}

	campaign, err := h.campaigns.Pause(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(campaign)
}

func (h *APIHandlers) GetCampaignJobs(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	var statuses []models.ExecutionStatus

	if raw := c.Query("status"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			statuses = append(statuses, models.ExecutionStatus(strings.TrimSpace(status)))
		}
	}

	list, err := h.campaigns.Jobs(c.Context(), c.Params("id"), statuses, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"jobs":        list,
		"total_count": len(list),
	})
}

// Jobs

func (h *APIHandlers) GetJob(c fiber.Ctx) error {
	tree, err := h.machine.Tree(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformJobResponse(tree))
}

func (h *APIHandlers) GetJobLogs(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultLogLimit)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	logs, err := h.machine.Logs(c.Context(), c.Params("id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"logs": logs})
}

func (h *APIHandlers) CancelJob(c fiber.Ctx) error {
	var req ReasonRequest
	if handled, err := h.bindOptional(c, &req); handled {
		return err
	}

	job, err := h.machine.CancelJob(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) RetryJob(c fiber.Ctx) error {
	job, err := h.campaigns.RetryJob(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

// Tasks

// StartTask is the check-before-start call of the device agent.
func (h *APIHandlers) StartTask(c fiber.Ctx) error {
	task, err := h.machine.StartTask(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) ReportTaskOutcome(c fiber.Ctx) error {
	var req TaskOutcomeRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	task, err := h.machine.ReportTaskOutcome(c.Context(), c.Params("id"), jobs.Outcome{
		Status:    req.Status,
		Output:    req.Output,
		Error:     req.Error,
		Transient: req.Transient,
		Attempt:   *req.Attempt,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

// Collections and records

func (h *APIHandlers) CreateCollection(c fiber.Ctx) error {
	var req CreateCollectionRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	created, err := h.selector.CreateCollection(c.Context(), &models.DataCollection{
		Name:   req.Name,
		Owner:  req.Owner,
		Schema: req.Schema,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) IngestRecord(c fiber.Ctx) error {
	var req IngestRecordRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	record, err := h.selector.Ingest(c.Context(), c.Params("id"), req.Data)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *APIHandlers) ArchiveRecord(c fiber.Ctx) error {
	err := h.selector.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Devices

func (h *APIHandlers) RegisterDevice(c fiber.Ctx) error {
	var req RegisterDeviceRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	device, err := h.registry.Register(c.Context(), &models.Device{Owner: req.Owner, Name: req.Name})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(device)
}

func (h *APIHandlers) Heartbeat(c fiber.Ctx) error {
	err := h.registry.Heartbeat(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Marketplace

func (h *APIHandlers) PostMarketTask(c fiber.Ctx) error {
	var req PostMarketTaskRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	task, err := h.market.Post(c.Context(), &models.MarketTask{
		CreatorID: req.CreatorID,
		FlowID:    req.FlowID,
		Title:     req.Title,
		Reward:    req.Reward,
		Slots:     req.Slots,
		Payload:   req.Payload,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *APIHandlers) GetMarketTask(c fiber.Ctx) error {
	task, err := h.market.Task(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) GetApplications(c fiber.Ctx) error {
	apps, err := h.market.Applications(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"applications": apps})
}

func (h *APIHandlers) Apply(c fiber.Ctx) error {
	var req ApplyRequest
	if handled, err := h.bind(c, &req); handled {
		return err
	}

	app, err := h.market.Apply(c.Context(), &models.TaskApplication{
		TaskID:      c.Params("id"),
		DeviceID:    req.DeviceID,
		ApplicantID: req.ApplicantID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(app)
}

func (h *APIHandlers) AcceptApplication(c fiber.Ctx) error {
	app, err := h.market.Accept(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(app)
}

func (h *APIHandlers) RejectApplication(c fiber.Ctx) error {
	var req RejectRequest
	if handled, err := h.bindOptional(c, &req); handled {
		return err
	}

	app, err := h.market.Reject(c.Context(), c.Params("id"), req.Note)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(app)
}

func queryInt(c fiber.Ctx, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}

	return strconv.Atoi(raw)
}
