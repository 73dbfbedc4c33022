package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/database"
	"github.com/stemsi/exstem-qr/internal/flow"
	"github.com/stemsi/exstem-qr/internal/handler"
	"github.com/stemsi/exstem-qr/internal/inflight"
	"github.com/stemsi/exstem-qr/internal/logger"
	"github.com/stemsi/exstem-qr/internal/middleware"
	"github.com/stemsi/exstem-qr/internal/qrapi"
	"github.com/stemsi/exstem-qr/internal/repository"
	"github.com/stemsi/exstem-qr/internal/router"
	"github.com/stemsi/exstem-qr/internal/service"
	"github.com/stemsi/exstem-qr/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("backend", cfg.BackendURL).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem QR")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Backend Client ─────────────────────────────────────
	api := qrapi.NewClient(cfg.BackendURL,
		qrapi.WithTimeout(cfg.RequestTimeout),
		qrapi.WithUserAgent("exstem-qr/"+cfg.ProtocolVersion),
	)

	// ─── Initialize Services ──────────────────────────────────────────
	deps := flow.Dependencies{
		API:        api,
		Guard:      inflight.NewRedisGuard(rdb, cfg.InFlightTTL, log),
		Branding:   service.NewBrandingService(api, log),
		Prober:     service.NewRegistrationService(api, log),
		Questions:  service.NewQuestionService(api, log),
		Attempts:   service.NewAttemptService(api, service.LimitsFromConfig(cfg), cfg.ProtocolVersion, log),
		SessionTTL: cfg.SessionTTL(),
		Log:        log,
	}
	flows := repository.NewRedisFlowRepository(rdb, cfg.SessionTTL(), log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		QR: handler.NewQRHandler(deps, flows, cfg, log),
		WS: handler.NewWSHandler(flows, log, cfg.AllowedOrigins),
	}
	otpLimiter := middleware.NewRateLimiter(middleware.NewRedisCounter(rdb), "otp_send",
		cfg.OTPSendLimit, cfg.OTPSendWindow, log)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(handlers, otpLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// In-flight submissions get time to finish; open streams are cut.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
