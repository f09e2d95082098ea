// handlers/pipeline_handlers.go
package handlers

import (
	"errors"
	"time"

	"github.com/Coding-for-Machine/Video-Pipeline/queue"
	"github.com/Coding-for-Machine/Video-Pipeline/services"
	"github.com/Coding-for-Machine/Video-Pipeline/workers"
	"github.com/gocql/gocql"
	"github.com/gofiber/fiber/v2"
)

type CreateVideoRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SourcePath  string `json:"source_path"`
}

// CreateVideo registers an uploaded file as a video asset. The file must
// already be on the shared filesystem; `?process=1` enqueues the pipeline in
// the same call.
func CreateVideo(videoService *services.VideoService, pool *workers.PipelinePool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req CreateVideoRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		id := gocql.TimeUUID()
		if req.ID != "" {
			parsed, err := gocql.ParseUUID(req.ID)
			if err != nil {
				return c.Status(400).JSON(fiber.Map{
					"error": "invalid video id",
				})
			}
			id = parsed
		}

		asset, err := videoService.RegisterUpload(c.Context(), id, req.Title, req.Description, req.SourcePath)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if c.QueryBool("process") {
			if _, err := pool.QueueVideoProcessing(c.Context(), asset.ID.String()); err != nil {
				return c.Status(500).JSON(fiber.Map{
					"error": err.Error(),
				})
			}
		}

		return c.Status(201).JSON(asset)
	}
}

// QueueProcessing admits a processing request for an existing asset.
// Duplicate requests while a job is in flight are a recognized no-op, not an
// error.
func QueueProcessing(pool *workers.PipelinePool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		videoID := c.Params("id")

		result, err := pool.QueueVideoProcessing(c.Context(), videoID)
		if err != nil {
			return c.Status(404).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if result.AlreadyInFlight {
			return c.JSON(fiber.Map{
				"video_id": videoID,
				"status":   "ALREADY_PROCESSING",
			})
		}

		return c.Status(202).JSON(fiber.Map{
			"job_id":   result.JobID,
			"video_id": videoID,
		})
	}
}

func GetVideos(videoService *services.VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 20)

		videos, err := videoService.ListVideos(c.Context(), limit)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"videos": videos,
			"total":  len(videos),
		})
	}
}

func GetVideo(videoService *services.VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		videoID := c.Params("id")

		video, err := videoService.GetVideo(c.Context(), videoID)
		if err != nil {
			return c.Status(404).JSON(fiber.Map{
				"error": "video not found",
			})
		}

		return c.JSON(video)
	}
}

func DeleteVideo(videoService *services.VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		videoID := c.Params("id")

		if err := videoService.DeleteVideo(c.Context(), videoID); err != nil {
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"message": "video deleted",
		})
	}
}

func GetQueueStatus(q queue.Queue) fiber.Handler {
	return func(c *fiber.Ctx) error {
		counts, err := q.Counts(c.Context())
		if err != nil {
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(counts)
	}
}

func RetryJob(q queue.Queue) fiber.Handler {
	return func(c *fiber.Ctx) error {
		jobID := c.Params("id")

		err := q.Retry(c.Context(), jobID)
		if errors.Is(err, queue.ErrUnknownJob) {
			return c.Status(404).JSON(fiber.Map{
				"error": "job not found",
			})
		}
		if errors.Is(err, queue.ErrNotFailed) {
			return c.Status(409).JSON(fiber.Map{
				"error": "job is not in failed state",
			})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"job_id": jobID,
			"status": "requeued",
		})
	}
}

func CleanupJobs(q queue.Queue, completedRetention, failedRetention time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		removed, err := q.Cleanup(c.Context(), completedRetention, failedRetention)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"removed": removed,
		})
	}
}
