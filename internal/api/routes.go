// Package api wires the HTTP surface of the access authority.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/api/handlers"
	"github.com/tillgate/tillgate/internal/api/middleware"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/config"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/demo"
	"github.com/tillgate/tillgate/internal/impersonation"
	"github.com/tillgate/tillgate/internal/licensing"
	"github.com/tillgate/tillgate/internal/metrics"
)

// Deps carries the services the router exposes.
type Deps struct {
	DB        *db.DB
	Tokens    *auth.TokenService
	Licensing *licensing.Manager
	Broker    *impersonation.Broker
	Demo      *demo.Manager
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *gin.Engine {
	if cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	rateLimit := middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Tokens, deps.Licensing, logger)
	deviceHandler := handlers.NewDeviceHandler(deps.Licensing, logger)
	operationHandler := handlers.NewOperationHandler(deps.DB, logger)
	staffHandler := handlers.NewStaffHandler(deps.DB, logger)
	billingHandler := handlers.NewBillingHandler(deps.DB, logger)
	impersonationHandler := handlers.NewImpersonationHandler(deps.Broker, deps.DB, logger)
	demoHandler := handlers.NewDemoHandler(deps.Demo, logger)
	healthHandler := handlers.NewHealthHandler(deps.DB)

	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/time", healthHandler.Time)

	// Public edge. Everything reachable without a session is rate limited.
	public := v1.Group("")
	public.Use(rateLimit)
	{
		public.POST("/auth/login", authHandler.Login)
		public.POST("/auth/refresh", authHandler.Refresh)
		public.POST("/demo", demoHandler.Provision)
		public.POST("/impersonation/exchange", impersonationHandler.Exchange)
	}

	authed := v1.Group("")
	authed.Use(middleware.RequireSession(deps.Tokens))
	{
		authed.POST("/auth/logout", authHandler.Logout)
		authed.POST("/auth/password", authHandler.SetPassword)
		authed.POST("/auth/password/verify", authHandler.VerifyPassword)

		authed.POST("/operations", operationHandler.Submit)
		authed.GET("/operations", operationHandler.List)

		authed.GET("/tenant", billingHandler.GetTenant)

		devices := authed.Group("")
		devices.Use(middleware.RequirePermission(auth.PermDeviceManage))
		{
			devices.GET("/devices", deviceHandler.List)
			devices.POST("/devices/:device_id/deactivate", deviceHandler.Deactivate)
		}

		staff := authed.Group("")
		staff.Use(middleware.RequirePermission(auth.PermStaffManage))
		{
			staff.GET("/staff", staffHandler.List)
			staff.POST("/staff", staffHandler.Create)
			staff.POST("/staff/:account_id/deactivate", staffHandler.Deactivate)
		}

		// Platform operator surface.
		tenants := authed.Group("")
		tenants.Use(middleware.RequirePermission(auth.PermTenantManage))
		{
			tenants.POST("/tenants", billingHandler.CreateTenant)
			tenants.POST("/tenants/:tenant_id/status", billingHandler.SetStatus)
			tenants.POST("/tenants/:tenant_id/promote", billingHandler.Promote)
		}

		billing := authed.Group("")
		billing.Use(middleware.RequirePermission(auth.PermBillingManage))
		{
			billing.POST("/tenants/:tenant_id/payment", billingHandler.RecordPayment)
			billing.POST("/tenants/:tenant_id/lock", billingHandler.SetLock)
		}

		impersonate := authed.Group("")
		impersonate.Use(middleware.RequirePermission(auth.PermImpersonate))
		{
			impersonate.POST("/impersonation/start", impersonationHandler.Start)
		}
		authed.POST("/impersonation/end", impersonationHandler.End)

		audit := authed.Group("")
		audit.Use(middleware.RequirePermission(auth.PermImpersonationAudit))
		{
			audit.GET("/impersonation/history", impersonationHandler.History)
		}
	}

	return router
}
