// Package api exposes the read-side operational surface: session and
// position queries, checkpoint inspection and a manual recovery trigger.
// Nothing here contains recovery-critical logic; it is a window onto state
// the core persists.
package api

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/apex-trader/internal/auth"
	"github.com/ksred/apex-trader/internal/checkpoint"
	"github.com/ksred/apex-trader/internal/reconcile"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/pkg/middleware"
	"github.com/ksred/apex-trader/pkg/response"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecoveryTrigger runs an on-demand reconciliation pass.
type RecoveryTrigger interface {
	TriggerRecovery(ctx context.Context) (*reconcile.Summary, error)
	SessionID() string
}

// GinHandlers contains the HTTP handlers for the ops API.
type GinHandlers struct {
	state       *state.Service
	checkpoints *checkpoint.Manager
	engine      RecoveryTrigger
}

func NewGinHandlers(stateService *state.Service, checkpoints *checkpoint.Manager, engine RecoveryTrigger) *GinHandlers {
	return &GinHandlers{
		state:       stateService,
		checkpoints: checkpoints,
		engine:      engine,
	}
}

// SetupRoutes wires the ops API. Query routes require a JWT; the recovery
// trigger additionally sits behind the tightest rate limit.
func SetupRoutes(router *gin.Engine, authHandlers *auth.GinHandlers, authService *auth.Service, handlers *GinHandlers) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit())
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		queries := v1.Group("")
		queries.Use(middleware.JWTAuth(authService))
		{
			queries.GET("/session", handlers.GetSessionHandler())
			queries.GET("/positions", handlers.GetPositionsHandler())
			queries.GET("/orders", handlers.GetOrdersHandler())
			queries.GET("/checkpoints", handlers.GetCheckpointsHandler())
			queries.POST("/internal/recovery", handlers.TriggerRecoveryHandler())
		}
	}
}

// GetSessionHandler returns the session the engine is driving.
func (h *GinHandlers) GetSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.state.GetSession(h.engine.SessionID())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if session == nil {
			response.NotFound(c, "Session not found")
			return
		}
		response.Success(c, session)
	}
}

// GetPositionsHandler lists the session's positions; ?status=open filters
// to currently open ones.
func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := h.engine.SessionID()
		if c.Query("status") == "open" {
			positions, err := h.state.GetOpenPositions(sessionID)
			response.Handle(c, positions, err)
			return
		}
		positions, err := h.state.GetPositions(sessionID)
		response.Handle(c, positions, err)
	}
}

// GetOrdersHandler lists journaled orders, newest first.
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		orders, err := h.state.GetOrders(h.engine.SessionID(), limit)
		response.Handle(c, orders, err)
	}
}

// GetCheckpointsHandler lists checkpoint metadata, newest first.
func (h *GinHandlers) GetCheckpointsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		cps, err := h.checkpoints.List(h.engine.SessionID(), limit)
		response.Handle(c, cps, err)
	}
}

// TriggerRecoveryHandler runs an on-demand reconciliation pass and returns
// its summary counts.
func (h *GinHandlers) TriggerRecoveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.engine.TriggerRecovery(c.Request.Context())
		response.Handle(c, summary, err)
	}
}
