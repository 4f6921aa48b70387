package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vecfleet/vecfleet/internal/fleet/service"
)

func (api *Api) setupGroupRouters(r *gin.RouterGroup) {
	r.POST("/groups", api.CreateGroup)
	r.GET("/groups", api.ListGroups)
	r.GET("/groups/:groupID", api.GetGroup)
	r.DELETE("/groups/:groupID", api.DeleteGroup)
	r.GET("/groups/:groupID/config", api.GetGroupConfig)
	r.PUT("/groups/:groupID/config", api.UpdateGroupConfig)
	r.GET("/groups/:groupID/history", api.GroupHistory)
	r.GET("/groups/:groupID/versions/:version", api.ConfigAtVersion)
	r.POST("/groups/:groupID/rollback", api.RollbackConfig)
	r.GET("/diff", api.DiffConfig)
}

func (api *Api) CreateGroup(c *gin.Context) {
	var req service.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		badRequest(c, "name is required")
		return
	}
	group, err := api.service.CreateGroup(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (api *Api) ListGroups(c *gin.Context) {
	groups, err := api.service.ListGroups(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"groups": groups, "total": len(groups)})
}

func (api *Api) GetGroup(c *gin.Context) {
	group, err := api.service.GetGroup(c.Request.Context(), c.Param("groupID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (api *Api) DeleteGroup(c *gin.Context) {
	if err := api.service.DeleteGroup(c.Request.Context(), c.Param("groupID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *Api) GetGroupConfig(c *gin.Context) {
	content, err := api.service.GetGroupConfig(c.Request.Context(), c.Param("groupID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/toml", []byte(content))
}

// UpdateGroupConfig accepts the raw config document as the request
// body. Validation errors come back structured for the caller to
// highlight.
func (api *Api) UpdateGroupConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "read request body: "+err.Error())
		return
	}
	version, group, err := api.service.UpdateGroupConfig(c.Request.Context(), c.Param("groupID"), string(body))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"version": version, "group": group})
}

func (api *Api) GroupHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := api.service.ConfigHistory(c.Request.Context(), c.Param("groupID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"history": history, "total": len(history)})
}

func (api *Api) ConfigAtVersion(c *gin.Context) {
	content, err := api.service.ConfigAtVersion(c.Request.Context(), c.Param("groupID"), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/toml", []byte(content))
}

type rollbackRequest struct {
	Version string `json:"version"`
}

func (api *Api) RollbackConfig(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version == "" {
		badRequest(c, "version is required")
		return
	}
	version, err := api.service.RollbackConfig(c.Request.Context(), c.Param("groupID"), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"version": version})
}

func (api *Api) DiffConfig(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		badRequest(c, "from and to are required")
		return
	}
	diff, err := api.service.DiffConfig(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"diff": diff, "has_changes": diff != ""})
}

// ValidateConfig runs the validation pipeline without persisting.
func (api *Api) ValidateConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "read request body: "+err.Error())
		return
	}
	res := api.service.ValidateConfig(c.Request.Context(), string(body))
	c.JSON(http.StatusOK, map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}
