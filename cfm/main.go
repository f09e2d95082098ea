// main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Coding-for-Machine/Video-Pipeline/config"
	"github.com/Coding-for-Machine/Video-Pipeline/database"
	"github.com/Coding-for-Machine/Video-Pipeline/events"
	"github.com/Coding-for-Machine/Video-Pipeline/handlers"
	"github.com/Coding-for-Machine/Video-Pipeline/media"
	"github.com/Coding-for-Machine/Video-Pipeline/middleware"
	"github.com/Coding-for-Machine/Video-Pipeline/queue"
	"github.com/Coding-for-Machine/Video-Pipeline/services"
	"github.com/Coding-for-Machine/Video-Pipeline/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	cfg := config.Load()

	cassandraSession, err := database.NewCassandraDB(cfg.CassandraHosts)
	if err != nil {
		log.Fatal("cassandra connection failed:", err)
	}
	defer cassandraSession.Close()

	redisClient := database.NewRedisClient(cfg.RedisAddr)
	defer redisClient.Close()

	// Services
	store := services.NewCassandraStore(cassandraSession)
	videoService := services.NewVideoService(store)
	layout := services.Layout{Root: cfg.UploadDir}
	encoder := services.NewEncodingService(media.NewFFmpegTool(), layout)

	var archive *services.ArchiveService
	if cfg.MinIO.ArchiveEnabled {
		minioClient, err := database.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatal("minio connection failed:", err)
		}
		archive = services.NewArchiveService(minioClient, layout)
	}

	// Queue and event bus are constructed here and passed down; nothing
	// holds global connection state.
	jobQueue := queue.NewRedisQueue(redisClient, queue.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		StallThreshold: cfg.StallThreshold,
		MaxStalls:      cfg.MaxStalls,
	})
	bus := events.NewBus()

	// Pipeline workers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := workers.NewPipelinePool(jobQueue, store, encoder, bus, archive, cfg.WorkerConcurrency, cfg.StallThreshold/3)
	pool.Start(ctx)
	pool.StartMaintenance(ctx, workers.MaintenanceConfig{
		StallEvery:         cfg.StallInterval,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	})

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 2 * 1024 * 1024, // JSON only; uploads never pass through here
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Routes
	api := app.Group("/api")

	videos := api.Group("/videos")
	videos.Post("/", handlers.CreateVideo(videoService, pool))
	videos.Get("/", handlers.GetVideos(videoService))
	videos.Get("/:id", handlers.GetVideo(videoService))
	videos.Delete("/:id", handlers.DeleteVideo(videoService))
	videos.Post("/:id/process", middleware.RateLimit(), handlers.QueueProcessing(pool))

	queueAPI := api.Group("/queue")
	queueAPI.Get("/status", handlers.GetQueueStatus(jobQueue))
	queueAPI.Post("/jobs/:id/retry", handlers.RetryJob(jobQueue))
	queueAPI.Post("/cleanup", handlers.CleanupJobs(jobQueue, cfg.CompletedRetention, cfg.FailedRetention))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	go func() {
		<-ctx.Done()
		log.Println("shutting down")
		if err := app.Shutdown(); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("server listening on http://localhost:%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}

	pool.Wait()
}
