package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/logger"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}

	l := logger.New(cfg.LogLevel, cfg.Environment).With().Str("participant_id", cfg.Call.ParticipantID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	l.Info().Msg("Redis connection established")

	store := redis.NewStore(rdb, redis.Options{TTL: cfg.Call.SignalTTL, Block: cfg.Call.LogBlock}, l)
	channel := signaling.NewChannel(store, cfg.Call.SlotKey(), l)

	gate, err := media.NewGate(media.Config{
		ICEServers:  cfg.Call.ICEServers,
		ReceiveOnly: cfg.Call.ReceiveOnly,
	}, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to set up media")
	}

	hub := handlers.NewHub(cfg.Call.ParticipantID, l)
	ctrl := call.NewController(call.Options{
		ParticipantID: cfg.Call.ParticipantID,
		RingTimeout:   cfg.Call.RingTimeout,
		WriteTimeout:  cfg.Call.WriteTimeout,
	}, channel, gate, hub, l)

	runCtx, halt := context.WithCancel(ctx)
	defer halt()
	go func() {
		if err := ctrl.Run(runCtx); err != nil {
			l.Error().Err(err).Msg("Call controller exited")
			stop()
		}
	}()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins, l))

	router.GET("/health", handlers.Health(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))

	owner := []gin.HandlerFunc{
		middleware.JWTAuth(cfg.JWTSecret),
		middleware.RequireParticipant(cfg.Call.ParticipantID),
	}

	calls := handlers.NewCallHandler(ctrl, channel, l)
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret, cfg.Call.ParticipantID, l))

		callGroup := apiGroup.Group("/call", owner...)
		callGroup.GET("", calls.GetCall)
		callGroup.POST("", calls.StartCall)
		callGroup.DELETE("", calls.EndCall)
		callGroup.POST("/answer", calls.AnswerCall)
		callGroup.DELETE("/slot", calls.ResetSlot)
	}

	// Call events for the UI
	router.GET("/ws/events", append(owner, hub.HandleEvents)...)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		l.Info().Str("port", cfg.Port).Str("slot", cfg.Call.SlotKey()).Msg("Starting call agent")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	l.Info().Msg("Shutting down call agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hang up and clean the slot before Redis goes away.
	halt()
	select {
	case <-ctrl.Done():
	case <-shutdownCtx.Done():
		l.Warn().Msg("Call controller did not stop in time")
	}
	l.Info().Msg("Call agent exited")
}
