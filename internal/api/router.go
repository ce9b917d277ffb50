// Package api serves the caller-facing HTTP API of the mesh.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kubeadapt/kubeadapt-mesh/internal/service"
	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Backend is the set of mesh operations the API exposes. It is satisfied
// by service.Local in the coordinator and by service.Client elsewhere.
type Backend interface {
	Query(ctx context.Context, f model.NodeFilter) ([]model.Node, error)
	GetNode(ctx context.Context, nodeID string) (model.Node, error)
	Ledger(ctx context.Context, nodeID string) ([]model.GPULedgerEntry, error)
	RAMRisk(ctx context.Context, nodeID string) (model.RAMRisk, error)

	Reserve(ctx context.Context, req model.ReserveRequest) (model.Reservation, error)
	Release(ctx context.Context, id string) (bool, error)
	CanFit(ctx context.Context, req model.FitRequest) (model.Candidate, bool, error)

	Submit(ctx context.Context, req model.SubmitRequest) (model.WorkItem, error)
	List(ctx context.Context, state model.WorkState) ([]model.WorkItem, error)
	Status(ctx context.Context, id string) (model.WorkItem, error)
	Cancel(ctx context.Context, id string) error

	Plan(ctx context.Context, req model.PlanRequest) (model.Plan, error)
}

var (
	_ Backend = (*service.Local)(nil)
	_ Backend = (*service.Client)(nil)
)

// Router manages API routing and handlers.
type Router struct {
	engine  *gin.Engine
	backend Backend
}

// NewRouter creates the router with all routes installed.
func NewRouter(backend Backend) *Router {
	r := &Router{
		engine:  gin.New(),
		backend: backend,
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

func (r *Router) setupMiddleware() {
	r.engine.Use(LoggingMiddleware())
	r.engine.Use(ErrorHandlerMiddleware())
	r.engine.Use(gin.Recovery())
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := r.engine.Group("/api/v1")
	{
		nodes := v1.Group("/nodes")
		{
			nodes.GET("", r.listNodes)
			nodes.GET("/:id", r.getNode)
			nodes.GET("/:id/ledger", r.getLedger)
			nodes.GET("/:id/ram-risk", r.getRAMRisk)
		}

		reservations := v1.Group("/reservations")
		{
			reservations.POST("", r.reserve)
			reservations.DELETE("/:id", r.release)
			reservations.POST("/can-fit", r.canFit)
		}

		work := v1.Group("/work")
		{
			work.POST("", r.submit)
			work.GET("", r.listWork)
			work.GET("/:id", r.getWork)
			work.POST("/:id/cancel", r.cancelWork)
		}

		v1.POST("/plans", r.plan)
	}
}

// Engine returns the underlying gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Handler returns the router as an http.Handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}
