package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/internal/core/services"
	httphandlers "github.com/Parr-Marketing/Dicksword/internal/handlers/http"
	"github.com/Parr-Marketing/Dicksword/internal/infrastructure/middleware"
	"github.com/Parr-Marketing/Dicksword/internal/infrastructure/monitoring"
	"github.com/Parr-Marketing/Dicksword/internal/infrastructure/repositories/memory"
	redisrepo "github.com/Parr-Marketing/Dicksword/internal/infrastructure/repositories/redis"
	signalinfra "github.com/Parr-Marketing/Dicksword/internal/infrastructure/signal"
	"github.com/Parr-Marketing/Dicksword/pkg/config"
	"github.com/Parr-Marketing/Dicksword/pkg/logger"
	"github.com/Parr-Marketing/Dicksword/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/dicksword/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "dicksword-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	metrics := monitoring.NewPrometheusCollector()

	// Repositories. Recency moves to redis when configured; everything
	// else is in-process state tied to live connections.
	roomTable := memory.NewRoomTable()
	socialGraph := memory.NewMemorySocialGraph()

	var recencyRepo ports.RecencyRepository
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisrepo.Connect(
			context.Background(),
			cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log,
		)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		batched := redisrepo.NewBatchedRecencyRepository(redisClient, cfg.Recency.Window, log)
		defer batched.Close()
		recencyRepo = batched
		log.Infow("recency ledger backed by redis", "address", cfg.Redis.Address)
	} else {
		recencyRepo = memory.NewMemoryRecencyRepository()
	}

	// Services. The websocket server is both the event sink and the
	// connection directory, so it is built first and wired afterwards.
	verifier := services.NewAuthService(cfg.Auth.JWTSecret)
	wsServer := signalinfra.NewWebSocketServer(verifier, roomTable, metrics, log, signalinfra.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
	})

	recencyLedger := services.NewRecencyService(recencyRepo, socialGraph, log)
	relayService := services.NewRelayService(roomTable, wsServer, recencyLedger, metrics, log)
	presenceService := services.NewPresenceService(socialGraph, wsServer, wsServer, metrics, log)
	wsServer.SetRelay(relayService)
	wsServer.SetPresence(presenceService)

	// Health checks
	healthChecker := monitoring.NewHealthChecker(2 * time.Second)
	if redisClient != nil {
		healthChecker.Register("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Tracing())
	router.Use(middleware.RateLimit(cfg))

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(verifier))
	api.Use(middleware.ErrorHandler(log))
	httphandlers.NewRecencyHandler(recencyLedger, cfg.Recency.Window, log).SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		report := healthChecker.Check(c.Request.Context())
		code := http.StatusOK
		if !report.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting signaling relay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Errorw("error shutting down tracer", "error", err)
		}
	}

	log.Info("signaling relay stopped")
}
