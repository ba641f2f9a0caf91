package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/voicedeck/voicedeck/internal/v1/ai"
	"github.com/voicedeck/voicedeck/internal/v1/api"
	"github.com/voicedeck/voicedeck/internal/v1/audio"
	"github.com/voicedeck/voicedeck/internal/v1/auth"
	"github.com/voicedeck/voicedeck/internal/v1/bus"
	"github.com/voicedeck/voicedeck/internal/v1/config"
	"github.com/voicedeck/voicedeck/internal/v1/export"
	"github.com/voicedeck/voicedeck/internal/v1/health"
	"github.com/voicedeck/voicedeck/internal/v1/interrupt"
	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/middleware"
	"github.com/voicedeck/voicedeck/internal/v1/personality"
	"github.com/voicedeck/voicedeck/internal/v1/presence"
	"github.com/voicedeck/voicedeck/internal/v1/provider"
	"github.com/voicedeck/voicedeck/internal/v1/provider/gemini"
	"github.com/voicedeck/voicedeck/internal/v1/provider/openai"
	"github.com/voicedeck/voicedeck/internal/v1/ratelimit"
	"github.com/voicedeck/voicedeck/internal/v1/search"
	"github.com/voicedeck/voicedeck/internal/v1/signaling"
	"github.com/voicedeck/voicedeck/internal/v1/store"
	"github.com/voicedeck/voicedeck/internal/v1/summarizer"
	"github.com/voicedeck/voicedeck/internal/v1/tracing"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/turnqueue"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

func main() {
	// Load .env file for local development. Try multiple paths to handle
	// different ways of running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing (Optional) ---
	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "voicedeck", cfg.OTelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					slog.Error("Tracer shutdown failed", "error", err)
				}
			}()
			slog.Info("✅ OpenTelemetry tracing initialized", "collector", cfg.OTelCollectorAddr)
		}
	}

	// --- Redis Bus (Optional) ---
	// Fans room lifecycle updates out to other server instances.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis pub/sub initialized for room update fan-out", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Auth ---
	var validator auth.TokenValidator
	switch {
	case cfg.SkipAuth:
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	case cfg.JWKSURL != "":
		v, err := auth.NewValidator(ctx, cfg.JWKSURL, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("✅ JWKS validator initialized", "url", cfg.JWKSURL, "audience", cfg.AuthAudience)
	default:
		v, err := auth.NewHS256Validator(cfg.JWTSecret)
		if err != nil {
			slog.Error("Failed to create HS256 validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("✅ HS256 validator initialized")
	}

	// --- Rate Limiting ---
	var redisClient = busService.Client()
	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core State ---
	transcripts := transcript.New()

	// The update hook closes over hub and busService: declared before the
	// store, assigned below, and only invoked once the server is running.
	var hub *signaling.Hub
	roomStore := store.New(store.WithUpdateFunc(func(summary types.RoomSummary) {
		if hub != nil {
			hub.BroadcastToRoom(summary.ID, types.Outbound{
				Event:   types.EventRoomUpdated,
				Payload: summary,
			})
		}
		if busService != nil {
			if err := busService.PublishRoomUpdate(context.Background(), summary); err != nil {
				slog.Warn("Failed to publish room update", "roomId", summary.ID, "error", err)
			}
		}
	}))

	hubOpts := []signaling.Option{
		signaling.WithValidator(validator),
		signaling.WithRateLimiter(rl),
		signaling.WithAllowedOrigins(auth.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"})),
	}
	if cfg.ExportDir != "" {
		sink, err := export.NewSink(cfg.ExportDir, transcripts)
		if err != nil {
			slog.Error("Failed to create export sink", "dir", cfg.ExportDir, "error", err)
			os.Exit(1)
		}
		hubOpts = append(hubOpts, signaling.WithRoomClosedHook(sink.ExportRoom))
		slog.Info("✅ Room snapshot export enabled", "dir", cfg.ExportDir)
	}
	hub = signaling.NewHub(roomStore, transcripts, hubOpts...)

	tracker := presence.NewTracker(hub)
	hub.AttachPresence(tracker)

	// --- AI Voice Pipeline ---
	var adapter provider.Adapter
	switch cfg.AIProvider {
	case "gemini":
		adapter = gemini.New(cfg.GeminiAPIKey)
	default:
		adapter = openai.New(cfg.OpenAIAPIKey)
	}
	providers := provider.NewManager(adapter)

	bridge := search.NewBridge()
	bridge.Register("webSearch", search.WebSearchTool(search.NewClient(cfg.SearchAPIURL, cfg.SearchAPIKey)))
	if cfg.VideoSummaryAPIURL != "" {
		bridge.Register("getVideoSummary", search.VideoSummaryTool(search.NewVideoClient(cfg.VideoSummaryAPIURL, cfg.VideoSummaryAPIKey)))
	}

	queue := turnqueue.New(turnqueue.DefaultConfig())
	defer queue.Close()
	interrupts := interrupt.NewHandler(interrupt.DefaultConfig(), roomStore)
	personalities := personality.NewManager()

	orchestrator := ai.New(providers, queue, interrupts, transcripts, personalities, bridge, hub, audio.DefaultConfig())
	hub.AttachAI(orchestrator)

	// --- Background Loops ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { tracker.Run(gctx); return nil })
	g.Go(func() error { orchestrator.Run(gctx); return nil })
	g.Go(func() error { queue.RunExpiry(gctx, 5*time.Second); return nil })

	if cfg.OpenAIAPIKey != "" {
		llm, err := summarizer.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.SummaryModel)
		if err != nil {
			slog.Error("Failed to create summarizer client", "error", err)
			os.Exit(1)
		}
		summaries := summarizer.New(llm, transcripts, hub, roomStore, summarizer.Config{
			EntryThreshold: cfg.SummaryEntryThreshold,
			TimeThreshold:  cfg.SummaryInterval,
		})
		g.Go(func() error { summaries.Run(gctx); return nil })
	} else {
		slog.Warn("No OpenAI API key available, rolling transcript summaries disabled")
	}

	sweeper := export.NewSweeper(roomStore, hub, cfg.RoomIdleTimeout)
	g.Go(func() error { sweeper.Run(gctx); return nil })

	var busWG sync.WaitGroup
	if busService != nil {
		busService.SubscribeRoomUpdates(gctx, &busWG, func(update bus.RoomUpdate) {
			hub.BroadcastToRoom(update.Room.ID, types.Outbound{
				Event:   types.EventRoomUpdated,
				Payload: update.Room,
			})
		})
	}

	// --- HTTP Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("voicedeck"))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms", hub.ServeWs)
	}

	apiGroup := router.Group("/api/v1", rl.GlobalMiddleware(), middleware.Auth(validator))
	api.NewHandler(roomStore, transcripts).Register(apiGroup, rl.RoomsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g.Go(func() error {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := hub.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error during hub shutdown", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
	}

	busWG.Wait()
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
