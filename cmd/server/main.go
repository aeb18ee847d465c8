package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/handler"
	"github.com/stemsplit/api/internal/isolator"
	"github.com/stemsplit/api/internal/metrics"
	"github.com/stemsplit/api/internal/middleware"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/stream"
	"github.com/stemsplit/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Media.Dir, 0o755); err != nil {
		log.Fatalf("Failed to create media dir: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Metrics collector
	collector := metrics.NewCollector()

	// Job registry and progress hub
	reg := registry.New(cfg.Process.MaxActive, time.Duration(cfg.Media.Retention)*time.Second)
	hub := stream.NewHub(reg, collector)
	reg.SetNotifier(hub)

	// Artifact storage mirror (optional)
	var storage client.StorageClient
	if s3Client, err := client.NewS3Client(&cfg.Storage); err == nil {
		storage = s3Client
		log.Println("Artifact storage mirror enabled")
	} else {
		log.Printf("Artifact storage mirror disabled: %v", err)
	}

	// Evicted jobs take their artifacts with them, mirrored copies included.
	reg.SetEvictHook(func(job model.Job) {
		if err := os.RemoveAll(filepath.Join(cfg.Media.Dir, job.ID)); err != nil {
			log.Printf("Failed to remove artifacts for job %s: %v", job.ID, err)
		}
		if storage != nil && job.Output != "" {
			delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := storage.Delete(delCtx, client.ArtifactKey(job.ID, job.Output)); err != nil {
				log.Printf("Failed to delete mirrored artifact for job %s: %v", job.ID, err)
			}
		}
	})

	stop := make(chan struct{})
	go hub.Run(stop)
	go reg.Janitor(stop, time.Minute)

	// Processing engine: real pipeline when the binaries resolve, otherwise
	// the simulated pipeline.
	var engine isolator.Engine
	demucs := isolator.NewDemucsEngine(&cfg.Process)
	switch {
	case cfg.Process.Mock:
		log.Println("Using mock isolation engine (configured)")
		engine = isolator.NewMockEngine(1 * time.Second)
	case !demucs.Available():
		log.Println("Using mock isolation engine (ffmpeg/demucs not found)")
		engine = isolator.NewMockEngine(1 * time.Second)
	default:
		engine = demucs
	}

	// Worker and submission service
	isolateWorker := worker.NewIsolateWorker(reg, engine, storage, collector,
		cfg.Media.Dir, time.Duration(cfg.Process.MaxDuration)*time.Second)
	isolateService := service.NewIsolateService(reg, asynqClient, storage, collector, cfg.Media.Dir)
	isolateService.SetCanceller(isolateWorker)

	// Handlers
	maxUpload := int64(cfg.Upload.MaxSizeMB) * 1024 * 1024
	isolateHandler := handler.NewIsolateHandler(isolateService, validate, maxUpload)
	progressHandler := handler.NewProgressHandler(hub)

	// Middleware
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(maxUpload) + 1024*1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Artifact namespace
	app.Static("/media", cfg.Media.Dir)

	// API routes
	api := app.Group("/api")
	api.Post("/isolate", rateLimiter.IsolateLimit(cfg.RateLimit.IsolatePerHour), isolateHandler.Submit)
	api.Get("/progress/:jobId", progressHandler.Stream)
	api.Get("/jobs/:jobId", isolateHandler.Status)
	api.Get("/jobs/:jobId/download", isolateHandler.Download)
	api.Post("/jobs/:jobId/cancel", isolateHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", progressHandler.WebSocket())

	// Start Asynq worker server
	go startWorkerServer(cfg, isolateWorker)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		close(stop)
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, isolateWorker *worker.IsolateWorker) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Process.Concurrency,
			Queues: map[string]int{
				worker.QueueIsolate: 10,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeIsolate, isolateWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
