package errors

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// Context carries machine-readable fields callers can branch on
	Context map[string]interface{} `json:"context,omitempty"`
}

// Standard error types with URIs
const (
	TypeValidationError   = "https://api.pulsedesk.com/errors/validation-error"
	TypeNotFound          = "https://api.pulsedesk.com/errors/not-found"
	TypeInternalError     = "https://api.pulsedesk.com/errors/internal-error"
	TypeInsufficientData  = "https://api.pulsedesk.com/errors/insufficient-data"
	TypePredictionTimeout = "https://api.pulsedesk.com/errors/prediction-timeout"
	TypeUnstableModel     = "https://api.pulsedesk.com/errors/unstable-model"
	TypeRegistryConflict  = "https://api.pulsedesk.com/errors/registry-conflict"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

func (p *ProblemDetails) Error() string { return p.Detail }

// WithContext attaches a machine-readable field to the problem
func (p *ProblemDetails) WithContext(key string, value interface{}) *ProblemDetails {
	if p.Context == nil {
		p.Context = make(map[string]interface{})
	}
	p.Context[key] = value
	return p
}

// Handler converts engine errors to RFC 7807 responses.
type Handler struct{}

// NewHandler creates a new error handler
func NewHandler() *Handler { return &Handler{} }

// HandleError processes any error type and converts it to RFC 7807 format
func (h *Handler) HandleError(c *gin.Context, err error) {
	instance := c.Request.URL.Path
	var problem *ProblemDetails

	var insufficient *InsufficientDataError
	var timeout *PredictionTimeoutError
	var unstable *UnstableModelError
	var conflict *RegistryConflictError

	switch {
	case errors.As(err, &insufficient):
		problem = NewProblemDetails(TypeInsufficientData, "Insufficient Data",
			http.StatusUnprocessableEntity, insufficient.Error(), instance).
			WithContext("entity_type", insufficient.EntityType).
			WithContext("entity_id", insufficient.EntityID).
			WithContext("metric", insufficient.Metric).
			WithContext("required", insufficient.Required).
			WithContext("found", insufficient.Found)
	case errors.As(err, &timeout):
		problem = NewProblemDetails(TypePredictionTimeout, "Prediction Timeout",
			http.StatusGatewayTimeout, timeout.Error(), instance).
			WithContext("workspace_id", timeout.WorkspaceID).
			WithContext("target_metric", timeout.TargetMetric)
	case errors.As(err, &unstable):
		problem = NewProblemDetails(TypeUnstableModel, "Unstable Model",
			http.StatusConflict, unstable.Error(), instance).
			WithContext("model_name", unstable.ModelName).
			WithContext("version", unstable.Version)
	case errors.As(err, &conflict):
		problem = NewProblemDetails(TypeRegistryConflict, "Registry Conflict",
			http.StatusConflict, conflict.Error(), instance)
	case errors.Is(err, ErrModelNotFound):
		problem = NewProblemDetails(TypeNotFound, "Not Found",
			http.StatusNotFound, err.Error(), instance)
	default:
		problem = NewProblemDetails(TypeInternalError, "Internal Server Error",
			http.StatusInternalServerError, err.Error(), instance)
	}

	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}

// BadRequest creates a validation error response
func (h *Handler) BadRequest(c *gin.Context, detail string) {
	problem := NewProblemDetails(TypeValidationError, "Validation Error",
		http.StatusBadRequest, detail, c.Request.URL.Path)
	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}
