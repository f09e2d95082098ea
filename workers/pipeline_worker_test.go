// workers/pipeline_worker_test.go
package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Coding-for-Machine/Video-Pipeline/events"
	"github.com/Coding-for-Machine/Video-Pipeline/media"
	"github.com/Coding-for-Machine/Video-Pipeline/models"
	"github.com/Coding-for-Machine/Video-Pipeline/queue"
	"github.com/Coding-for-Machine/Video-Pipeline/services"
	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pool   *PipelinePool
	queue  *queue.MemoryQueue
	store  *services.MemoryStore
	tool   *media.StubTool
	bus    *events.Bus
	layout services.Layout
	ctx    context.Context
}

func newFixture(t *testing.T, duration float64, width, height int) *fixture {
	t.Helper()

	q := queue.NewMemoryQueue(queue.Options{
		MaxAttempts:    3,
		BackoffInitial: 5 * time.Millisecond,
		StallThreshold: 10 * time.Second,
		MaxStalls:      2,
	})
	store := services.NewMemoryStore()
	tool := media.NewStubTool(duration, width, height)
	bus := events.NewBus()
	layout := services.Layout{Root: t.TempDir()}
	encoder := services.NewEncodingService(tool, layout)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &fixture{
		pool:   NewPipelinePool(q, store, encoder, bus, nil, 2, time.Second),
		queue:  q,
		store:  store,
		tool:   tool,
		bus:    bus,
		layout: layout,
		ctx:    ctx,
	}
}

func (f *fixture) createAsset(t *testing.T, withSource bool) *models.VideoAsset {
	t.Helper()

	id := gocql.TimeUUID()
	sourceDir := f.layout.OriginalDir()
	require.NoError(t, os.MkdirAll(sourceDir, 0o755))
	sourcePath := filepath.Join(sourceDir, id.String()+".mov")
	if withSource {
		require.NoError(t, os.WriteFile(sourcePath, []byte("fake video"), 0o644))
	}

	asset := models.NewVideoAsset(id, "lecture", "intro", sourcePath)
	require.NoError(t, f.store.Create(context.Background(), asset))
	return asset
}

func (f *fixture) assetStatus(t *testing.T, id string) models.VideoStatus {
	t.Helper()
	asset, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return asset.Status
}

func historyStatuses(asset *models.VideoAsset) []models.VideoStatus {
	statuses := make([]models.VideoStatus, len(asset.History))
	for i, h := range asset.History {
		statuses[i] = h.Status
	}
	return statuses
}

func TestFullPipelinePublishesAsset(t *testing.T) {
	f := newFixture(t, 90, 1280, 720)
	asset := f.createAsset(t, true)
	id := asset.ID.String()

	eventCh, cancelSub := f.bus.Subscribe(16)
	defer cancelSub()

	result, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, result.AlreadyInFlight)

	// A second request while the first is pending is a recognized no-op.
	dup, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, dup.AlreadyInFlight)

	f.pool.Start(f.ctx)

	require.Eventually(t, func() bool {
		return f.assetStatus(t, id) == models.StatusPublished
	}, 5*time.Second, 10*time.Millisecond)

	published, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 90.0, published.DurationSeconds)
	assert.Equal(t, 1280, published.Width)
	assert.Equal(t, 720, published.Height)
	assert.Equal(t, f.layout.MP4Path(id), published.MP4Path)
	assert.Equal(t, f.layout.ThumbnailPath(id), published.ThumbnailPath)
	assert.Equal(t, f.layout.MasterManifestPath(id), published.HLSManifestPath)
	require.Len(t, published.Renditions, 4)

	// Every transition appended exactly one entry and the tail matches.
	assert.Equal(t, []models.VideoStatus{
		models.StatusUploaded,
		models.StatusProcessing,
		models.StatusProcessed,
		models.StatusProcessing,
		models.StatusPublished,
	}, historyStatuses(published))
	assert.Equal(t, published.Status, published.History[len(published.History)-1].Status)
	assert.True(t, published.Stats.Success)

	// Output files exist; the master manifest references all four rungs.
	thumbInfo, err := os.Stat(published.ThumbnailPath)
	require.NoError(t, err)
	assert.Positive(t, thumbInfo.Size())

	manifest, err := os.ReadFile(published.HLSManifestPath)
	require.NoError(t, err)
	for _, r := range published.Renditions {
		assert.FileExists(t, r.Path)
		assert.Contains(t, string(manifest), f.layout.RungPlaylistURI(id, r.Name))
	}

	// The published event went out.
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-eventCh:
				if ev.Type == events.EventPublished && ev.VideoID == id {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	// All three stage jobs completed.
	require.Eventually(t, func() bool {
		counts, err := f.queue.Counts(f.ctx)
		return err == nil && counts.Completed == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMissingSourceFailsWithoutRetries(t *testing.T) {
	f := newFixture(t, 60, 1280, 720)
	asset := f.createAsset(t, false)
	id := asset.ID.String()

	eventCh, cancelSub := f.bus.Subscribe(16)
	defer cancelSub()

	_, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	f.pool.Start(f.ctx)

	require.Eventually(t, func() bool {
		return f.assetStatus(t, id) == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	failed, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, failed.Stats.Error)
	assert.Contains(t, failed.Stats.Error, "missing input file")

	// Non-retryable: the encoder never ran, no outputs were created.
	assert.Empty(t, f.tool.TranscodeCalls())
	for _, dir := range []string{"processed", "hls", "thumbnails"} {
		entries, err := os.ReadDir(filepath.Join(f.layout.Root, dir))
		if err == nil {
			assert.Empty(t, entries, dir)
		}
	}

	counts, err := f.queue.Counts(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)

	require.Eventually(t, func() bool {
		select {
		case ev := <-eventCh:
			return ev.Type == events.EventFailed && ev.VideoID == id && ev.Error != ""
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEncodeFailureExhaustsRetriesThenFails(t *testing.T) {
	f := newFixture(t, 60, 1280, 720)
	f.tool.FailPattern = "processed" // every mp4 output attempt dies
	asset := f.createAsset(t, true)
	id := asset.ID.String()

	_, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	f.pool.Start(f.ctx)

	require.Eventually(t, func() bool {
		counts, err := f.queue.Counts(f.ctx)
		return err == nil && counts.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StatusFailed, f.assetStatus(t, id))

	failed, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Contains(t, failed.Stats.Error, "stubbed encode failure")

	// Exactly three attempts, then the job stays down.
	assert.Len(t, f.tool.TranscodeCalls(), 3)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.tool.TranscodeCalls(), 3)
}

func TestDuplicateRejectedMidPipeline(t *testing.T) {
	f := newFixture(t, 60, 1280, 720)
	asset := f.createAsset(t, true)
	id := asset.ID.String()

	_, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)

	// Play the worker by hand: finish the mp4 job and chain the hls stage,
	// exactly as runJob would.
	job, err := f.queue.Dequeue(f.ctx, []string{QueueMP4}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = f.queue.Enqueue(f.ctx, QueueHLS, id, serializePayload(id), 0)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(f.ctx, job))

	// The mp4 job is terminal but the hls job is waiting: the asset is
	// still mid-pipeline and a second request must not admit a fresh run.
	res, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, res.AlreadyInFlight)

	// Same while the hls job is active.
	hlsJob, err := f.queue.Dequeue(f.ctx, []string{QueueHLS}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, hlsJob)
	res, err = f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, res.AlreadyInFlight)

	// Once every stage job is terminal a fresh run is admitted.
	require.NoError(t, f.queue.Complete(f.ctx, hlsJob))
	res, err = f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, res.AlreadyInFlight)
}

func TestPublishedAssetSurvivesLateStageFailure(t *testing.T) {
	f := newFixture(t, 60, 1280, 720)
	asset := f.createAsset(t, true)
	id := asset.ID.String()

	stored, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	stored.SetStatus(models.StatusProcessing)
	stored.SetStatus(models.StatusPublished)
	require.NoError(t, f.store.Update(f.ctx, stored))

	eventCh, cancelSub := f.bus.Subscribe(4)
	defer cancelSub()

	// A notify-stage job dying after publication (stall, archive crash)
	// must not take the asset down with it: the outputs are on disk.
	f.pool.markAssetFailed(f.ctx, id, errors.New("job stalled: worker stopped heartbeating"))

	current, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, current.Status)
	assert.Equal(t, models.StatusPublished, current.History[len(current.History)-1].Status)

	// Observers still hear about the dead job.
	select {
	case ev := <-eventCh:
		assert.Equal(t, events.EventFailed, ev.Type)
		assert.Equal(t, id, ev.VideoID)
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
}

func TestRepublishOverwritesPriorRun(t *testing.T) {
	f := newFixture(t, 45, 1920, 1080)
	asset := f.createAsset(t, true)
	id := asset.ID.String()

	_, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)
	f.pool.Start(f.ctx)

	require.Eventually(t, func() bool {
		return f.assetStatus(t, id) == models.StatusPublished
	}, 5*time.Second, 10*time.Millisecond)

	firstRun, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)

	// Re-trigger: a fresh run is admitted once the first finished, and
	// re-derives the outputs in place.
	require.Eventually(t, func() bool {
		result, err := f.pool.QueueVideoProcessing(f.ctx, id)
		return err == nil && !result.AlreadyInFlight
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		current, err := f.store.Get(f.ctx, id)
		return err == nil && current.Status == models.StatusPublished &&
			current.Stats.StartTime.After(firstRun.Stats.StartTime)
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	require.Len(t, second.Renditions, 4)
	assert.Equal(t, firstRun.HLSManifestPath, second.HLSManifestPath)
	assert.Greater(t, len(second.History), len(firstRun.History))
}

type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStalledJobFailsAssetAfterTolerance(t *testing.T) {
	f := newFixture(t, 60, 1280, 720)
	clock := &steppedClock{now: time.Now()}
	f.queue.Now = clock.Now

	asset := f.createAsset(t, true)
	id := asset.ID.String()

	eventCh, cancelSub := f.bus.Subscribe(16)
	defer cancelSub()

	_, err := f.pool.QueueVideoProcessing(f.ctx, id)
	require.NoError(t, err)

	// Workers never start; this test plays the crashed worker by dequeuing
	// and then going silent. Only the maintenance loop runs.
	f.pool.StartMaintenance(f.ctx, MaintenanceConfig{
		PromoteEvery: 5 * time.Millisecond,
		StallEvery:   5 * time.Millisecond,
		CleanupEvery: time.Hour,
	})

	for i := 0; i < 3; i++ {
		var job *queue.Job
		require.Eventually(t, func() bool {
			j, err := f.queue.Dequeue(f.ctx, []string{QueueMP4}, 20*time.Millisecond)
			if err == nil && j != nil {
				job = j
			}
			return job != nil
		}, 5*time.Second, 10*time.Millisecond, "delivery %d", i+1)

		clock.Advance(11 * time.Second) // past the lock deadline
	}

	require.Eventually(t, func() bool {
		return f.assetStatus(t, id) == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	failed, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.Contains(failed.Stats.Error, "stalled"))

	require.Eventually(t, func() bool {
		select {
		case ev := <-eventCh:
			return ev.Type == events.EventFailed && ev.VideoID == id
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
