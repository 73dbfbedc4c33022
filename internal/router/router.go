package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/handler"
	"github.com/stemsi/exstem-qr/internal/middleware"
	"github.com/stemsi/exstem-qr/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	QR *handler.QRHandler
	WS *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// otpLimiter guards the endpoint that makes the platform send an SMS.
func SetupRouter(
	handlers *Handlers,
	otpLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()
	router.MaxMultipartMemory = 8 << 20

	// ─── CORS ──────────────────────────────────────────────────────────
	// Cookies carry the visitor and the session, so credentials are
	// allowed and origins are echoed back rather than wildcarded.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowOriginFunc = func(string) bool { return true }
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. QR Flow (Visitor Cookie) ───────────────────────────────────
	qr := router.Group("/qr")
	qr.Use(middleware.Visitor(cfg.VisitorCookie, cfg.CookieSecure, cfg.SessionTTL()))
	{
		qr.POST("/logout", handlers.QR.Logout)

		qr.GET("/:question_id", handlers.QR.Open)
		qr.POST("/:question_id/leave", handlers.QR.Leave)

		qr.POST("/:question_id/otp/send", otpLimiter.Middleware(), handlers.QR.SendOTP)
		qr.POST("/:question_id/otp/verify", handlers.QR.VerifyOTP)
		qr.POST("/:question_id/otp/reset", handlers.QR.ResetOTP)

		qr.POST("/:question_id/answers", handlers.QR.SubmitAnswer)
		qr.POST("/:question_id/answers/again", handlers.QR.SubmitAnother)
	}

	// ─── 2. WebSocket Group (Existing Visitor) ─────────────────────────
	wsGroup := router.Group("/ws")
	wsGroup.Use(middleware.RequireVisitor(cfg.VisitorCookie))
	{
		wsGroup.GET("/qr/:question_id", handlers.WS.FlowStream)
	}

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	return router
}
