// Package handlers exposes the engine's HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/predictive"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/forecaster"
)

// PredictiveHandler serves prediction and model management endpoints.
type PredictiveHandler struct {
	service *predictive.Service
	errors  *engerrors.Handler
	logger  *zap.SugaredLogger
}

func NewPredictiveHandler(service *predictive.Service, errHandler *engerrors.Handler, logger *zap.SugaredLogger) *PredictiveHandler {
	return &PredictiveHandler{service: service, errors: errHandler, logger: logger}
}

// Register mounts all routes under /api/v1.
func (h *PredictiveHandler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")

	predictions := v1.Group("/workspaces/:workspace_id/predictions")
	predictions.GET("/consumption", h.PredictConsumption)
	predictions.GET("/churn", h.PredictChurn)
	predictions.GET("/growth", h.PredictGrowth)

	modelRoutes := v1.Group("/models")
	modelRoutes.POST("/train", h.TrainModel)
	modelRoutes.GET("/jobs/:job_id", h.GetJobStatus)
	modelRoutes.GET("/:model_name/status", h.GetModelStatus)

	v1.POST("/features/compute", h.ComputeFeatures)
}

func (h *PredictiveHandler) PredictConsumption(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	metric := c.DefaultQuery("metric", featurestore.MetricCredits)
	horizon, ok := h.horizon(c)
	if !ok {
		return
	}

	forecast, err := h.service.PredictConsumption(c.Request.Context(), workspaceID, metric, horizon)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, forecast)
}

func (h *PredictiveHandler) PredictChurn(c *gin.Context) {
	var userIDs []string
	if raw := c.Query("users"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				userIDs = append(userIDs, id)
			}
		}
	}

	report, err := h.service.PredictChurn(c.Request.Context(), c.Param("workspace_id"), userIDs)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *PredictiveHandler) PredictGrowth(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	metric := c.DefaultQuery("metric", featurestore.MetricCredits)
	horizon, ok := h.horizon(c)
	if !ok {
		return
	}

	growth, err := h.service.PredictGrowth(c.Request.Context(), workspaceID, metric, horizon)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, growth)
}

func (h *PredictiveHandler) TrainModel(c *gin.Context) {
	var req predictive.TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.BadRequest(c, "invalid training request: "+err.Error())
		return
	}
	if req.WorkspaceID == "" {
		h.errors.BadRequest(c, "workspace_id is required")
		return
	}

	job, err := h.service.TrainModel(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *PredictiveHandler) GetJobStatus(c *gin.Context) {
	job, err := h.service.GetJobStatus(c.Param("job_id"))
	if errors.Is(err, predictive.ErrJobNotFound) {
		problem := engerrors.NewProblemDetails(engerrors.TypeNotFound, "Not Found",
			http.StatusNotFound, err.Error(), c.Request.URL.Path)
		c.Header("Content-Type", "application/problem+json")
		c.JSON(problem.Status, problem)
		return
	}
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *PredictiveHandler) GetModelStatus(c *gin.Context) {
	workspaceID := c.Query("workspace_id")
	if workspaceID == "" {
		h.errors.BadRequest(c, "workspace_id is required")
		return
	}

	status, err := h.service.GetModelStatus(c.Request.Context(),
		c.Param("model_name"), workspaceID, c.Query("target_metric"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type computeFeaturesRequest struct {
	EntityType  string `json:"entity_type" binding:"required,oneof=workspace user"`
	EntityID    string `json:"entity_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	WorkspaceID string `json:"workspace_id"`
}

func (h *PredictiveHandler) ComputeFeatures(c *gin.Context) {
	var req computeFeaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.BadRequest(c, "invalid feature request: "+err.Error())
		return
	}

	fs, err := h.service.ComputeFeatures(c.Request.Context(), req.EntityType, req.EntityID, req.Name, req.WorkspaceID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, fs)
}

func (h *PredictiveHandler) horizon(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("horizon_days", "30")
	horizon, err := strconv.Atoi(raw)
	if err != nil {
		h.errors.BadRequest(c, "horizon_days must be an integer")
		return 0, false
	}
	return horizon, true
}

func (h *PredictiveHandler) handleError(c *gin.Context, err error) {
	if errors.Is(err, forecaster.ErrInvalidHorizon) {
		h.errors.BadRequest(c, err.Error())
		return
	}
	h.errors.HandleError(c, err)
}
