package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// CanFitResponse is the body of POST /api/v1/reservations/can-fit.
type CanFitResponse struct {
	Fits      bool             `json:"fits"`
	Candidate *model.Candidate `json:"candidate,omitempty"`
}

// ListResponse wraps collection results.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Total: len(items)}
}

// nodeFilter reads ?requires_gpu=&min_tier=&online_only=.
func nodeFilter(c *gin.Context) (model.NodeFilter, error) {
	var f model.NodeFilter
	var err error
	if v := c.Query("requires_gpu"); v != "" {
		if f.RequiresGPU, err = strconv.ParseBool(v); err != nil {
			return f, errors.New(errors.CodeInvalidRequest, "requires_gpu: %v", err)
		}
	}
	if v := c.Query("online_only"); v != "" {
		if f.OnlineOnly, err = strconv.ParseBool(v); err != nil {
			return f, errors.New(errors.CodeInvalidRequest, "online_only: %v", err)
		}
	}
	if v := c.Query("min_tier"); v != "" {
		if f.MinTier, err = model.ParseTier(v); err != nil {
			return f, errors.Invalid(err)
		}
	}
	return f, nil
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(errors.Invalid(err))
		return false
	}
	return true
}

func (r *Router) listNodes(c *gin.Context) {
	f, err := nodeFilter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	nodes, err := r.backend.Query(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newList(nodes))
}

func (r *Router) getNode(c *gin.Context) {
	n, err := r.backend.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (r *Router) getLedger(c *gin.Context) {
	l, err := r.backend.Ledger(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newList(l))
}

func (r *Router) getRAMRisk(c *gin.Context) {
	risk, err := r.backend.RAMRisk(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, risk)
}

func (r *Router) reserve(c *gin.Context) {
	var req model.ReserveRequest
	if !bind(c, &req) {
		return
	}
	res, err := r.backend.Reserve(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// release always answers 204: releasing an unknown or expired lease is a
// no-op.
func (r *Router) release(c *gin.Context) {
	if _, err := r.backend.Release(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) canFit(c *gin.Context) {
	var req model.FitRequest
	if !bind(c, &req) {
		return
	}
	cand, ok, err := r.backend.CanFit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	resp := CanFitResponse{Fits: ok}
	if ok {
		resp.Candidate = &cand
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) submit(c *gin.Context) {
	var req model.SubmitRequest
	if !bind(c, &req) {
		return
	}
	it, err := r.backend.Submit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, it)
}

func (r *Router) listWork(c *gin.Context) {
	items, err := r.backend.List(c.Request.Context(), model.WorkState(c.Query("state")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newList(items))
}

func (r *Router) getWork(c *gin.Context) {
	it, err := r.backend.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (r *Router) cancelWork(c *gin.Context) {
	ctx := c.Request.Context()
	if err := r.backend.Cancel(ctx, c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	it, err := r.backend.Status(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (r *Router) plan(c *gin.Context) {
	var req model.PlanRequest
	if !bind(c, &req) {
		return
	}
	p, err := r.backend.Plan(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}
