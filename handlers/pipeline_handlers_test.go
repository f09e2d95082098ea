// handlers/pipeline_handlers_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Coding-for-Machine/Video-Pipeline/events"
	"github.com/Coding-for-Machine/Video-Pipeline/media"
	"github.com/Coding-for-Machine/Video-Pipeline/models"
	"github.com/Coding-for-Machine/Video-Pipeline/queue"
	"github.com/Coding-for-Machine/Video-Pipeline/services"
	"github.com/Coding-for-Machine/Video-Pipeline/workers"
	"github.com/gocql/gocql"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testApp wires the API against in-memory backends. Workers are never
// started, so enqueued jobs stay waiting and the handlers' behavior can be
// observed in isolation.
func testApp(t *testing.T) (*fiber.App, *services.MemoryStore, *queue.MemoryQueue) {
	t.Helper()

	q := queue.NewMemoryQueue(queue.Options{})
	store := services.NewMemoryStore()
	videoService := services.NewVideoService(store)
	layout := services.Layout{Root: t.TempDir()}
	encoder := services.NewEncodingService(media.NewStubTool(10, 1280, 720), layout)
	pool := workers.NewPipelinePool(q, store, encoder, events.NewBus(), nil, 1, time.Second)

	app := fiber.New()

	api := app.Group("/api")
	videos := api.Group("/videos")
	videos.Post("/", CreateVideo(videoService, pool))
	videos.Get("/", GetVideos(videoService))
	videos.Get("/:id", GetVideo(videoService))
	videos.Delete("/:id", DeleteVideo(videoService))
	videos.Post("/:id/process", QueueProcessing(pool))

	queueAPI := api.Group("/queue")
	queueAPI.Get("/status", GetQueueStatus(q))
	queueAPI.Post("/jobs/:id/retry", RetryJob(q))
	queueAPI.Post("/cleanup", CleanupJobs(q, 24*time.Hour, 7*24*time.Hour))

	return app, store, q
}

func seedAsset(t *testing.T, store *services.MemoryStore) *models.VideoAsset {
	t.Helper()
	asset := models.NewVideoAsset(gocql.TimeUUID(), "lecture", "", "/uploads/original/a.mov")
	require.NoError(t, store.Create(context.Background(), asset))
	return asset
}

func decodeBody(t *testing.T, resp io.Reader) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp).Decode(&body))
	return body
}

func postJSON(target string, payload any) *http.Request {
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateVideo(t *testing.T) {
	app, store, q := testApp(t)

	resp, err := app.Test(postJSON("/api/videos/", CreateVideoRequest{
		Title:      "lecture",
		SourcePath: "/uploads/original/a.mov",
	}))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	body := decodeBody(t, resp.Body)
	assert.Equal(t, "lecture", body["title"])
	assert.Equal(t, string(models.StatusUploaded), body["status"])

	created, err := store.Get(context.Background(), body["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "lecture", created.Title)

	// Registration alone does not enqueue.
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestCreateVideoValidation(t *testing.T) {
	app, _, _ := testApp(t)

	// Missing title.
	resp, err := app.Test(postJSON("/api/videos/", CreateVideoRequest{SourcePath: "/a.mov"}))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	// Malformed id.
	resp, err = app.Test(postJSON("/api/videos/", CreateVideoRequest{
		ID: "not-a-uuid", Title: "x", SourcePath: "/a.mov",
	}))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestCreateVideoWithProcessFlag(t *testing.T) {
	app, _, q := testApp(t)

	resp, err := app.Test(postJSON("/api/videos/?process=1", CreateVideoRequest{
		Title:      "lecture",
		SourcePath: "/uploads/original/a.mov",
	}))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestQueueProcessing(t *testing.T) {
	app, store, _ := testApp(t)
	asset := seedAsset(t, store)
	target := "/api/videos/" + asset.ID.String() + "/process"

	resp, err := app.Test(httptest.NewRequest("POST", target, nil))
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)

	body := decodeBody(t, resp.Body)
	assert.Equal(t, asset.ID.String(), body["job_id"])

	// Second request while the job is waiting.
	resp, err = app.Test(httptest.NewRequest("POST", target, nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body = decodeBody(t, resp.Body)
	assert.Equal(t, "ALREADY_PROCESSING", body["status"])
}

func TestQueueProcessingUnknownVideo(t *testing.T) {
	app, _, _ := testApp(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/videos/"+gocql.TimeUUID().String()+"/process", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestGetVideo(t *testing.T) {
	app, store, _ := testApp(t)
	asset := seedAsset(t, store)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/videos/"+asset.ID.String(), nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, asset.ID.String(), body["id"])

	resp, err = app.Test(httptest.NewRequest("GET", "/api/videos/"+gocql.TimeUUID().String(), nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestGetVideosList(t *testing.T) {
	app, store, _ := testApp(t)
	seedAsset(t, store)
	seedAsset(t, store)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/videos/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, float64(2), body["total"])
}

func TestDeleteVideo(t *testing.T) {
	app, store, _ := testApp(t)
	asset := seedAsset(t, store)

	resp, err := app.Test(httptest.NewRequest("DELETE", "/api/videos/"+asset.ID.String(), nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	_, err = store.Get(context.Background(), asset.ID.String())
	assert.Error(t, err)
}

func TestQueueStatusAndRetry(t *testing.T) {
	app, store, _ := testApp(t)
	asset := seedAsset(t, store)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/videos/"+asset.ID.String()+"/process", nil))
	require.NoError(t, err)
	require.Equal(t, 202, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/queue/status", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, float64(1), body["waiting"])

	// Retry of an unknown job.
	resp, err = app.Test(httptest.NewRequest("POST", "/api/queue/jobs/ghost/retry", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)

	// Retry of a job that has not failed.
	resp, err = app.Test(httptest.NewRequest("POST", "/api/queue/jobs/"+asset.ID.String()+"/retry", nil))
	require.NoError(t, err)
	assert.Equal(t, 409, resp.StatusCode)
}

func TestCleanupJobs(t *testing.T) {
	app, _, _ := testApp(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/queue/cleanup", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, float64(0), body["removed"])
}
