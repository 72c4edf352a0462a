package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"k8s.io/utils/clock"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt    *handler.AttemptHandler
	Proctoring *handler.ProctoringHandler
	Events     *handler.EventsHandler
	System     *handler.SystemHandler
}

// SetupRouter configures the local bridge the exam tab talks to.
func SetupRouter(handlers *Handlers, cfg *config.Config, clk clock.PassiveClock) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)

	requireToken := middleware.RequireAgentToken(cfg.AgentToken)

	// Start and finish reach the exam server; a stuck button must not hammer it.
	lifecycleLimiter := middleware.NewRateLimiter(clk, 10, time.Minute)

	// ─── 1. Attempt & Questions ────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(requireToken, middleware.NoStore(), middleware.Brotli())
	{
		api.GET("/system", handlers.System.Metrics)

		api.POST("/attempt/start", lifecycleLimiter.Middleware(), handlers.Attempt.StartAttempt)
		api.GET("/attempt", handlers.Attempt.GetAttempt)
		api.POST("/attempt/finish", lifecycleLimiter.Middleware(), handlers.Attempt.FinishAttempt)

		api.GET("/question", handlers.Attempt.GetQuestion)
		api.GET("/question/review/:index", handlers.Attempt.ReviewQuestion)
		api.POST("/answer", handlers.Attempt.SubmitAnswer)
		api.POST("/skip", handlers.Attempt.SkipQuestion)
		api.PUT("/draft", handlers.Attempt.SaveDraft)
		api.POST("/network", handlers.Attempt.ReportNetwork)

		// ─── 2. Proctoring ─────────────────────────────────────────────
		api.POST("/signals", handlers.Proctoring.PostSignals)
		api.POST("/face", handlers.Proctoring.PostFace)

		captureGroup := api.Group("/capture")
		{
			captureGroup.POST("/acquire", handlers.Proctoring.Acquire)
			captureGroup.POST("/:stream/track", handlers.Proctoring.GrantTrack)
			captureGroup.POST("/:stream/denied", handlers.Proctoring.DenyTrack)
			captureGroup.POST("/:stream/chunk", handlers.Proctoring.PushChunk)
			captureGroup.POST("/:stream/frame", handlers.Proctoring.PushFrame)
			captureGroup.POST("/:stream/ended", handlers.Proctoring.TrackEnded)
		}
	}

	// ─── 3. Events (token in query) ────────────────────────────────────
	wsGroup := router.Group("/ws/v1")
	wsGroup.Use(requireToken)
	{
		wsGroup.GET("/events", handlers.Events.Stream)
	}

	return router
}
