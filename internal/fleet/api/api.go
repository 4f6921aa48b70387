package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/fleet/service"
	"github.com/vecfleet/vecfleet/internal/gitstore"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
	"github.com/vecfleet/vecfleet/internal/middleware"
)

type Api struct {
	service *service.Service
	store   *gitstore.Store
	monitor *healthmonitor.Monitor
	router  *gin.Engine
}

func NewApi(svc *service.Service, store *gitstore.Store, monitor *healthmonitor.Monitor, router *gin.Engine) (*Api, error) {
	api := &Api{
		service: svc,
		store:   store,
		monitor: monitor,
		router:  router,
	}
	api.setupRouters(router)
	return api, nil
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Authentication)

	api.setupAgentRouters(v1)
	api.setupGroupRouters(v1)
	api.setupDeploymentRouters(v1)
	api.setupHealthRouters(v1)
	api.setupStoreRouters(v1)

	v1.POST("/validate", api.ValidateConfig)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var invalid *service.InvalidConfigError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, map[string]any{
			"error":      map[string]any{"code": "INVALID_CONFIG", "message": invalid.Error()},
			"validation": invalid.Result,
		})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": err.Error()}})
	case errors.Is(err, model.ErrInvalidStrategy):
		c.JSON(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "INVALID_STRATEGY", "message": err.Error()}})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, map[string]any{"error": map[string]any{"code": "CONFLICT", "message": err.Error()}})
	case errors.Is(err, gitstore.ErrMergeConflict):
		c.JSON(http.StatusConflict, map[string]any{"error": map[string]any{"code": "MERGE_CONFLICT", "message": err.Error()}})
	case errors.Is(err, gitstore.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": err.Error()}})
	default:
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "INVALID_PARAMETER", "message": message}})
}
