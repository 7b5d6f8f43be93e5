package main

import (
	"database/sql"
	"net/http"
	"time"

	"papercup-core/internal/httpapi"
	"papercup-core/internal/rbac"
	"papercup-core/internal/telephony"
	"papercup-core/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, webhook telephony.StatusWebhookHandler, authMW gin.HandlerFunc, db *sql.DB, rdb *redis.Client) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider status callbacks (public).
	// NOTE: protect with Twilio signature validation before exposing publicly.
	r.POST("/webhooks/telephony/status", webhook.Handle)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		callsGroup := v1.Group("/calls")
		{
			callsGroup.POST("", h.Dial)
			callsGroup.POST("/:call_id/hangup", h.Hangup)
			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.GET("/:call_id/events", h.GetCallEvents)
		}

		credits := v1.Group("/credits")
		{
			credits.GET("/balance", h.GetBalance)
			credits.POST("/deposits", h.Deposit)
			credits.GET("/transactions", h.ListTransactions)
		}

		reports := v1.Group("/reports")
		{
			reports.GET("/calls", h.CallsReport)
			reports.GET("/spend", h.SpendReport)
		}

		// Rate management is admin-only; reads allow support for debugging
		// billing disputes.
		admin := v1.Group("/admin")
		{
			admin.PUT("/rates", rbac.RequireAnyRole(rbac.RoleAdmin), h.UpsertRate)
			admin.GET("/rates", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupport), h.ListRates)
		}
	}
}
