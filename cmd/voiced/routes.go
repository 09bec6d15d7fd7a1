package main

import (
	"context"
	"net/http"

	"crm-voice/internal/auth"
	"crm-voice/internal/config"
	"crm-voice/internal/credentials"
	"crm-voice/internal/httpapi"
	"crm-voice/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg    config.Config
	auth   *auth.Manager
	health func(ctx context.Context) error
	creds  credentials.Store
	tokens httpapi.TokenCache

	adapter httpapi.CallControl
	push    httpapi.PushRegistration
	watcher httpapi.PushInbox
	state   httpapi.StateSource
	history httpapi.CallHistory
	feed    httpapi.FeedServer
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Auth:        d.auth,
		DeviceID:    d.cfg.Device.ID,
		Credentials: d.creds,
		Tokens:      d.tokens,
		Calls:       d.adapter,
		Push:        d.push,
		Inbox:       d.watcher,
		State:       d.state,
		History:     d.history,
		Feed:        d.feed,
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/device-session", h.CreateDeviceSession)
		authGroup.POST("/refresh", h.RefreshDeviceSession)
	}

	dev := d.cfg.Device.ID

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			devID, _ := auth.DeviceID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "device_id": devID, "role": role})
		})

		// Read-only views. Hidden support role is allowed here and nowhere else.
		views := v1.Group("")
		views.Use(httpapi.RequireDeviceAndAnyRole(dev, rbac.RoleSurface, rbac.RoleAgent, rbac.RoleObserver, rbac.RoleSupport)...)
		{
			views.GET("/state", h.GetState)
			views.GET("/calls/history", h.CallHistory)
			views.GET("/calls/summary", h.CallSummary)
			views.GET("/feed", h.ServeFeed)
		}

		// CALLS routes
		callRoutes := v1.Group("/calls")
		callRoutes.Use(httpapi.RequireDeviceAndAnyRole(dev, rbac.RoleSurface, rbac.RoleAgent)...)
		{
			callRoutes.POST("", h.StartCall)
			callRoutes.POST("/participants", h.AddParticipant)
			callRoutes.POST("/:call_id/answer", h.AnswerCall)
			callRoutes.POST("/:call_id/end", h.EndCall)
			callRoutes.POST("/:call_id/hold", h.HoldCall)
			callRoutes.POST("/:call_id/mute", h.MuteCall)
		}

		// PUSH and PROVIDER routes: only the native surface sees OS push and provider events.
		surface := v1.Group("")
		surface.Use(httpapi.RequireDeviceAndAnyRole(dev, rbac.RoleSurface)...)
		{
			surface.POST("/push", h.ReceivePush)
			surface.GET("/push/registration", h.RegistrationStatus)
			surface.POST("/push/credentials/updated", h.CredentialsUpdated)
			surface.POST("/push/credentials/invalidated", h.CredentialsInvalidated)
			surface.POST("/push/credentials/renew", h.RenewRegistration)
			surface.POST("/provider/reset", h.ResetProvider)
		}
	}
}
