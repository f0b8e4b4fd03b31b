// Package http exposes the call actions over REST and upgrades the signaling
// WebSocket. Both paths end up in the same orchestrator.
package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/rtc"
	"github.com/dkeye/callsig/internal/adapters/signal"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/config"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

func rateLimit(limiter *signal.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow(identity(c)) {
			writeError(c, domain.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// SetupRouter builds the engine. blocks may be nil, which leaves the block
// list routes out.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, blocks core.Blocker) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Secret
	var verifier *JWTVerifier
	if secret != "" {
		verifier = NewJWTVerifier([]byte(secret))
	} else {
		// sessions still need a key; bearer tokens stay disabled
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no secret configured, bearer tokens disabled")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("CallsigSessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limiter := signal.NewRateLimiter(nil, cfg.RateLimit, cfg.RateInterval)
	ctrl := signal.NewSignalWSController(o, limiter, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.IdleTimeout,
		SendBuffer: cfg.SendBuffer,
	})
	h := &callsHandler{orch: o}

	api := r.Group("/api")
	api.Use(IdentityMiddleware(verifier, cfg.AllowGuest))

	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": identity(c)})
	})
	api.GET("/ice", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ice_servers": rtc.Configuration(cfg.ICEServers).ICEServers})
	})
	api.GET("/presence/:id", h.presence)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", string(identity(c))).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, identity(c))
	})

	calls := api.Group("/calls")
	calls.Use(rateLimit(limiter))
	calls.POST("", h.initiate)
	calls.GET("/history", h.history)
	calls.GET("/missed", h.missed)
	calls.GET("/:id", h.get)
	calls.GET("/:id/participants", h.participants)
	calls.POST("/:id/answer", h.action(o.Answer))
	calls.POST("/:id/reject", h.action(o.Reject))
	calls.POST("/:id/end", h.action(o.End))
	calls.POST("/:id/join", h.action(o.Join))
	calls.POST("/:id/leave", h.action(o.Leave))
	calls.POST("/:id/signal", h.signal)

	if blocks != nil {
		bh := &blocksHandler{blocks: blocks}
		api.POST("/blocks/:id", bh.block)
		api.DELETE("/blocks/:id", bh.unblock)
	}

	log.Info().Str("module", "adapters.http").Bool("allow_guest", cfg.AllowGuest).Msg("router setup")
	return r
}
