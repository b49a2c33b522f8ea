package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultTasksLimit = 20
	maxTasksLimit     = 200
)

// JobService is the job surface used by the handlers.
type JobService interface {
	SubmitRegion(ctx context.Context, clientID, region string, categories []string) (*job.RegionResult, error)
	SubmitItem(ctx context.Context, clientID, itemID string, force bool) (*job.ItemResult, error)
	Get(ctx context.Context, id string) (*domain.AcquisitionJob, error)
	List(ctx context.Context, state domain.JobState, limit, offset int) ([]*domain.AcquisitionJob, int, error)
}

// SchedulerService is the scheduler surface used by the handlers.
type SchedulerService interface {
	RunNow(ctx context.Context, policyID string) error
	Pause(ctx context.Context, policyID string) error
	Resume(ctx context.Context, policyID string) error
	Reschedule(ctx context.Context, policyID, trigger string) error
	Policies(ctx context.Context) ([]domain.SchedulePolicy, error)
	ExecutionLogs(ctx context.Context, policyID string, limit int) ([]*domain.ScheduleExecutionLog, error)
}

// Resolver maps a public item identifier to the portal's internal id.
type Resolver interface {
	Lookup(ctx context.Context, itemID string) (string, error)
}

// RegionRequest is the body of POST /downloads/state.
type RegionRequest struct {
	Region     string   `binding:"required" json:"region"`
	Categories []string `binding:"required" json:"categories"`
}

// ItemRequest is the body of POST /downloads/car.
type ItemRequest struct {
	TargetID string `binding:"required" json:"target_id"`
	Force    bool   `json:"force"`
}

// RescheduleRequest is the body of POST /scheduler/jobs/:policy_id/reschedule.
type RescheduleRequest struct {
	Trigger string `binding:"required" json:"trigger"`
}

// RejectionView describes one category that was not admitted.
type RejectionView struct {
	Category          string `json:"category"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// RegionResponse is the 202 body of POST /downloads/state.
type RegionResponse struct {
	Jobs     []domain.AcquisitionJob `json:"jobs"`
	Rejected []RejectionView         `json:"rejected"`
}

// ItemResponse is the 202 body of POST /downloads/car.
type ItemResponse struct {
	domain.AcquisitionJob

	Reused bool `json:"reused"`
}

// JobListResponse is the body of GET /downloads.
type JobListResponse struct {
	Jobs   []*domain.AcquisitionJob `json:"jobs"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// LookupResponse is the body of GET /lookup/car/:target_id.
type LookupResponse struct {
	TargetID string `json:"target_id"`
	PortalID string `json:"portal_id"`
}

type handlers struct {
	jobs        JobService
	scheduler   SchedulerService
	resolver    Resolver
	checks      map[string]HealthCheck
	inFlight    func() int
	serviceName string
	startedAt   time.Time
}

func (h *handlers) submitRegion(c *gin.Context) {
	var req RegionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, CodeValidation, "region and categories are required")
		return
	}

	result, err := h.jobs.SubmitRegion(c.Request.Context(), clientID(c), req.Region, req.Categories)
	if err != nil {
		respondErr(c, err)
		return
	}

	if len(result.Jobs) == 0 && len(result.Rejected) > 0 {
		respondAdmission(c, result.Rejected[0].Err)
		return
	}

	response := RegionResponse{Jobs: result.Jobs, Rejected: make([]RejectionView, 0, len(result.Rejected))}
	for _, r := range result.Rejected {
		response.Rejected = append(response.Rejected, RejectionView{
			Category:          r.Category,
			Code:              string(r.Err.Reason),
			Message:           r.Err.Message,
			RetryAfterSeconds: r.Err.RetryAfterSeconds(),
		})
	}
	c.JSON(http.StatusAccepted, response)
}

func (h *handlers) submitItem(c *gin.Context) {
	var req ItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, CodeValidation, "target_id is required")
		return
	}

	result, err := h.jobs.SubmitItem(c.Request.Context(), clientID(c), req.TargetID, req.Force)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ItemResponse{AcquisitionJob: result.Job, Reused: result.Reused})
}

func (h *handlers) getJob(c *gin.Context) {
	id := c.Param("job_id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(c, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}

	j, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *handlers) listJobs(c *gin.Context) {
	var state domain.JobState
	if raw := c.Query("status"); raw != "" {
		parsed, err := domain.ParseJobState(raw)
		if err != nil {
			respondBadRequest(c, CodeInvalidStatus, err.Error())
			return
		}
		state = parsed
	}

	limit, offset := parseLimitOffset(c, defaultListLimit, 0)
	limit = min(limit, maxListLimit)
	jobs, total, err := h.jobs.List(c.Request.Context(), state, limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.AcquisitionJob{}
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (h *handlers) lookupItem(c *gin.Context) {
	targetID := c.Param("target_id")
	target := domain.ItemTarget(targetID)
	if err := target.Validate(); err != nil {
		respondBadRequest(c, CodeInvalidTarget, err.Error())
		return
	}

	portalID, err := h.resolver.Lookup(c.Request.Context(), target.ItemID)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			respondErr(c, err)
			return
		}
		_ = c.Error(err)
		respondError(c, http.StatusBadGateway, CodeUpstreamUnavailable, "portal lookup failed")
		return
	}
	c.JSON(http.StatusOK, LookupResponse{TargetID: target.ItemID, PortalID: portalID})
}

func (h *handlers) policyCommand(fn func(context.Context, string) error, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		policyID := c.Param("policy_id")
		if err := fn(c.Request.Context(), policyID); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"policy_id": policyID, "action": action})
	}
}

func (h *handlers) reschedule(c *gin.Context) {
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, CodeInvalidTrigger, "trigger is required")
		return
	}

	policyID := c.Param("policy_id")
	if err := h.scheduler.Reschedule(c.Request.Context(), policyID, req.Trigger); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"policy_id": policyID, "action": "reschedule", "trigger": req.Trigger})
}

func (h *handlers) listPolicies(c *gin.Context) {
	policies, err := h.scheduler.Policies(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	if policies == nil {
		policies = []domain.SchedulePolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "total": len(policies)})
}

func (h *handlers) listTasks(c *gin.Context) {
	limit, _ := parseLimitOffset(c, defaultTasksLimit, 0)
	limit = min(limit, maxTasksLimit)

	logs, err := h.scheduler.ExecutionLogs(c.Request.Context(), c.Query("policy_id"), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	if logs == nil {
		logs = []*domain.ScheduleExecutionLog{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": logs, "total": len(logs), "limit": limit})
}

// parseLimitOffset parses limit and offset query params with defaults.
func parseLimitOffset(c *gin.Context, defaultLimit, defaultOffset int) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", strconv.Itoa(defaultOffset)))
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = defaultOffset
	}
	return limit, offset
}
