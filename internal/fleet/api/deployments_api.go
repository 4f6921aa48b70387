package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/fleet/service"
)

func (api *Api) setupDeploymentRouters(r *gin.RouterGroup) {
	r.POST("/deployments", api.CreateDeployment)
	r.GET("/deployments", api.ListDeployments)
	r.GET("/deployments/:deploymentID", api.GetDeployment)
	r.POST("/deployments/:deploymentID/approve", api.ApproveDeployment)
	r.POST("/deployments/:deploymentID/reject", api.RejectDeployment)
	r.POST("/deployments/:deploymentID/cancel", api.CancelDeployment)
}

func (api *Api) CreateDeployment(c *gin.Context) {
	var req service.CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.GroupID == "" {
		badRequest(c, "group_id is required")
		return
	}
	dep, err := api.service.CreateDeployment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (api *Api) ListDeployments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	deployments, err := api.service.ListDeployments(c.Request.Context(),
		c.Query("group_id"), model.DeployState(c.Query("status")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"deployments": deployments, "total": len(deployments)})
}

func (api *Api) GetDeployment(c *gin.Context) {
	view, err := api.service.GetDeployment(c.Request.Context(), c.Param("deploymentID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type approveRequest struct {
	Approver string `json:"approver"`
}

func (api *Api) ApproveDeployment(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Approver == "" {
		badRequest(c, "approver is required")
		return
	}
	dep, err := api.service.ApproveDeployment(c.Request.Context(), c.Param("deploymentID"), req.Approver)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (api *Api) RejectDeployment(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Approver == "" {
		badRequest(c, "approver is required")
		return
	}
	dep, err := api.service.RejectDeployment(c.Request.Context(), c.Param("deploymentID"), req.Approver)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (api *Api) CancelDeployment(c *gin.Context) {
	dep, err := api.service.CancelDeployment(c.Request.Context(), c.Param("deploymentID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}
