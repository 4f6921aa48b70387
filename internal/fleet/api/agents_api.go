package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vecfleet/vecfleet/internal/fleet/service"
)

func (api *Api) setupAgentRouters(r *gin.RouterGroup) {
	r.POST("/agents", api.RegisterAgent)
	r.GET("/agents", api.ListAgents)
	r.GET("/agents/:agentID", api.GetAgent)
	r.DELETE("/agents/:agentID", api.DeleteAgent)
	r.PUT("/agents/:agentID/group", api.AssignAgent)
	r.GET("/agents/:agentID/health", api.AgentHealth)
	r.GET("/agents/:agentID/checks", api.AgentChecks)
	r.GET("/agents/:agentID/metrics", api.AgentMetrics)
}

func (api *Api) RegisterAgent(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.URL == "" {
		badRequest(c, "name and url are required")
		return
	}
	agent, err := api.service.RegisterAgent(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (api *Api) ListAgents(c *gin.Context) {
	if c.Query("unassigned") == "true" {
		agents, err := api.service.ListUnassignedAgents(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
		return
	}
	agents, err := api.service.ListAgents(c.Request.Context(), c.Query("group_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
}

func (api *Api) GetAgent(c *gin.Context) {
	agent, err := api.service.GetAgent(c.Request.Context(), c.Param("agentID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (api *Api) DeleteAgent(c *gin.Context) {
	if err := api.service.DeleteAgent(c.Request.Context(), c.Param("agentID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type assignRequest struct {
	GroupID *string `json:"group_id"`
}

func (api *Api) AssignAgent(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	agent, err := api.service.AssignAgent(c.Request.Context(), c.Param("agentID"), req.GroupID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (api *Api) AgentHealth(c *gin.Context) {
	health, err := api.service.AgentLiveHealth(c.Request.Context(), c.Param("agentID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (api *Api) AgentChecks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	checks, err := api.service.AgentHistory(c.Request.Context(), c.Param("agentID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"checks": checks, "total": len(checks)})
}

func (api *Api) AgentMetrics(c *gin.Context) {
	families, err := api.service.AgentMetrics(c.Request.Context(), c.Param("agentID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"metrics": families, "total": len(families)})
}
