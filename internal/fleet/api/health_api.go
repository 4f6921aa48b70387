package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
)

func (api *Api) setupHealthRouters(r *gin.RouterGroup) {
	r.GET("/health/summary", api.HealthSummary)
	r.GET("/health/agents", api.AgentsByStatus)
	r.POST("/health/start", api.StartMonitor)
	r.POST("/health/stop", api.StopMonitor)
}

func (api *Api) AgentsByStatus(c *gin.Context) {
	status := model.ParseAgentStatus(c.DefaultQuery("status", "unhealthy"))
	agents, err := api.service.AgentsByStatus(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": status, "agents": agents, "total": len(agents)})
}

func (api *Api) HealthSummary(c *gin.Context) {
	snap := api.monitor.Summary()
	if snap == nil {
		c.JSON(http.StatusOK, map[string]any{
			"running": api.monitor.Running(),
			"summary": nil,
		})
		return
	}
	c.JSON(http.StatusOK, map[string]any{
		"running": api.monitor.Running(),
		"summary": snap,
	})
}

func (api *Api) StartMonitor(c *gin.Context) {
	// the loop must outlive the request
	if err := api.monitor.Start(context.Background()); err != nil {
		if err == healthmonitor.ErrAlreadyRunning {
			c.JSON(http.StatusConflict, map[string]any{"error": map[string]any{"code": "CONFLICT", "message": err.Error()}})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"running": true})
}

func (api *Api) StopMonitor(c *gin.Context) {
	if err := api.monitor.Stop(); err != nil {
		if err == healthmonitor.ErrNotRunning {
			c.JSON(http.StatusConflict, map[string]any{"error": map[string]any{"code": "CONFLICT", "message": err.Error()}})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"running": false})
}
