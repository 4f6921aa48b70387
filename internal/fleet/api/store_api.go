package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (api *Api) setupStoreRouters(r *gin.RouterGroup) {
	r.GET("/store/remotes", api.ListRemotes)
	r.POST("/store/remotes", api.ConfigureRemote)
	r.DELETE("/store/remotes/:name", api.RemoveRemote)
	r.POST("/store/push", api.PushStore)
	r.POST("/store/pull", api.PullStore)
	r.POST("/store/sync", api.SyncStore)
	r.GET("/store/status", api.StoreStatus)
	r.GET("/store/info", api.StoreInfo)
	r.GET("/store/branches", api.ListBranches)
	r.POST("/store/branches", api.CreateBranch)
	r.POST("/store/checkout", api.CheckoutBranch)
}

type remoteRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (api *Api) ListRemotes(c *gin.Context) {
	remotes, err := api.store.ListRemotes()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"remotes": remotes, "total": len(remotes)})
}

func (api *Api) ConfigureRemote(c *gin.Context) {
	var req remoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.URL == "" {
		badRequest(c, "name and url are required")
		return
	}
	if err := api.store.ConfigureRemote(req.Name, req.URL); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, map[string]any{"name": req.Name, "url": req.URL})
}

func (api *Api) RemoveRemote(c *gin.Context) {
	if err := api.store.RemoveRemote(c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type syncRequest struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
}

func (api *Api) PushStore(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Remote == "" {
		badRequest(c, "remote is required")
		return
	}
	if err := api.store.Push(c.Request.Context(), req.Remote, req.Branch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"pushed": true})
}

func (api *Api) PullStore(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Remote == "" {
		badRequest(c, "remote is required")
		return
	}
	if err := api.store.Pull(c.Request.Context(), req.Remote, req.Branch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"pulled": true})
}

func (api *Api) SyncStore(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Remote == "" {
		badRequest(c, "remote is required")
		return
	}
	if err := api.store.Sync(c.Request.Context(), req.Remote, req.Branch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"synced": true})
}

func (api *Api) StoreStatus(c *gin.Context) {
	remote := c.DefaultQuery("remote", "origin")
	branch := c.Query("branch")
	status, err := api.store.RemoteStatus(c.Request.Context(), remote, branch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// StoreInfo reports the local state of the config repository.
func (api *Api) StoreInfo(c *gin.Context) {
	head, err := api.store.HeadHash()
	if err != nil {
		writeError(c, err)
		return
	}
	dirty, err := api.store.HasChanges()
	if err != nil {
		writeError(c, err)
		return
	}
	groups, err := api.store.ListGroups()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{
		"head":   head,
		"dirty":  dirty,
		"groups": groups,
	})
}

func (api *Api) ListBranches(c *gin.Context) {
	branches, err := api.store.ListBranches()
	if err != nil {
		writeError(c, err)
		return
	}
	current, err := api.store.CurrentBranch()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"branches": branches, "current": current})
}

type branchRequest struct {
	Name string `json:"name"`
}

func (api *Api) CreateBranch(c *gin.Context) {
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if err := api.store.CreateBranch(req.Name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, map[string]any{"name": req.Name})
}

func (api *Api) CheckoutBranch(c *gin.Context) {
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if err := api.store.CheckoutBranch(req.Name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"branch": req.Name})
}
