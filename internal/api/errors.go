package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
	"github.com/jonesrussell/north-cloud/acquirer/internal/scheduler"
)

// Error codes that are not part of the acquisition taxonomy.
const (
	CodeValidation          = "VALIDATION_FAILED"
	CodeInvalidTarget       = "INVALID_TARGET"
	CodeInvalidStatus       = "INVALID_STATUS"
	CodeInvalidTrigger      = "INVALID_TRIGGER"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodePolicyNotFound      = "POLICY_NOT_FOUND"
	CodePolicyPaused        = "POLICY_PAUSED"
	CodeExecutionInProgress = "EXECUTION_IN_PROGRESS"
	CodeTargetNotFound      = "TARGET_NOT_FOUND"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeShuttingDown        = "SHUTTING_DOWN"
	CodeInternal            = "INTERNAL"
)

// ErrorDetail is the body of every error response.
type ErrorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ErrorResponse wraps ErrorDetail.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// respondError sends a JSON error response.
func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// respondBadRequest sends a 400 with code.
func respondBadRequest(c *gin.Context, code, message string) {
	respondError(c, http.StatusBadRequest, code, message)
}

// admissionStatus maps a rejection onto its HTTP status.
func admissionStatus(reason admission.Reason) int {
	switch reason {
	case admission.ReasonRateLimit:
		return http.StatusTooManyRequests
	case admission.ReasonConcurrencyLimit:
		return http.StatusServiceUnavailable
	case admission.ReasonInsufficientStorage:
		return http.StatusInsufficientStorage
	default:
		return http.StatusServiceUnavailable
	}
}

// respondAdmission sends an admission rejection, with Retry-After when known.
func respondAdmission(c *gin.Context, aerr *admission.Error) {
	detail := ErrorDetail{Code: string(aerr.Reason), Message: aerr.Message}
	if secs := aerr.RetryAfterSeconds(); secs > 0 {
		detail.RetryAfterSeconds = secs
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.AbortWithStatusJSON(admissionStatus(aerr.Reason), ErrorResponse{Error: detail})
}

// respondErr maps a service error onto the error contract. Unknown errors are
// logged through the gin context and reported as INTERNAL without detail.
func respondErr(c *gin.Context, err error) {
	var aerr *admission.Error
	if errors.As(err, &aerr) {
		respondAdmission(c, aerr)
		return
	}

	switch {
	case errors.Is(err, job.ErrInvalidTarget):
		respondBadRequest(c, CodeInvalidTarget, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTrigger):
		respondBadRequest(c, CodeInvalidTrigger, err.Error())
	case errors.Is(err, database.ErrJobNotFound):
		respondError(c, http.StatusNotFound, CodeJobNotFound, "job not found")
	case errors.Is(err, database.ErrPolicyNotFound):
		respondError(c, http.StatusNotFound, CodePolicyNotFound, "schedule policy not found")
	case errors.Is(err, scheduler.ErrPolicyPaused):
		respondError(c, http.StatusConflict, CodePolicyPaused, "schedule policy is paused")
	case errors.Is(err, database.ErrExecutionInProgress):
		respondError(c, http.StatusConflict, CodeExecutionInProgress, "a run of this policy is already in progress")
	case errors.Is(err, portal.ErrNotFound):
		respondError(c, http.StatusNotFound, CodeTargetNotFound, "target not found on the portal")
	case errors.Is(err, portal.ErrUnavailable):
		respondError(c, http.StatusBadGateway, CodeUpstreamUnavailable, "portal unavailable")
	case errors.Is(err, job.ErrShuttingDown), errors.Is(err, scheduler.ErrStopped):
		respondError(c, http.StatusServiceUnavailable, CodeShuttingDown, "service is shutting down")
	default:
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
