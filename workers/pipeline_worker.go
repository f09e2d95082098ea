// workers/pipeline_worker.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Coding-for-Machine/Video-Pipeline/events"
	"github.com/Coding-for-Machine/Video-Pipeline/models"
	"github.com/Coding-for-Machine/Video-Pipeline/queue"
	"github.com/Coding-for-Machine/Video-Pipeline/services"
)

// One named queue per pipeline stage.
const (
	QueueMP4    = "mp4-processing"
	QueueHLS    = "hls-converting"
	QueueNotify = "notify"
)

// Stage is one step of the pipeline descriptor: run the work for a video,
// report the next stage's queue or "" when terminal. The chain is data, not
// control flow buried in handlers.
type Stage struct {
	Name string
	Run  func(ctx context.Context, videoID string) (next string, err error)
}

type stagePayload struct {
	VideoID string `json:"video_id"`
}

func serializePayload(videoID string) string {
	data, _ := json.Marshal(stagePayload{VideoID: videoID})
	return string(data)
}

func deserializePayload(payload string) (string, error) {
	var p stagePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", fmt.Errorf("bad job payload: %w", err)
	}
	if p.VideoID == "" {
		return "", fmt.Errorf("bad job payload: empty video id")
	}
	return p.VideoID, nil
}

// PipelinePool is a fixed-size pool of workers consuming the stage queues.
// All collaborators are injected; nothing global.
type PipelinePool struct {
	queue       queue.Queue
	store       services.AssetStore
	encoder     *services.EncodingService
	bus         *events.Bus
	archive     *services.ArchiveService // nil when archival is disabled
	concurrency int
	heartbeat   time.Duration

	stages    []Stage
	stageByQ  map[string]Stage
	queueList []string
	wg        sync.WaitGroup
}

func NewPipelinePool(q queue.Queue, store services.AssetStore, encoder *services.EncodingService, bus *events.Bus, archive *services.ArchiveService, concurrency int, heartbeat time.Duration) *PipelinePool {
	if concurrency <= 0 {
		concurrency = 5
	}
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}

	p := &PipelinePool{
		queue:       q,
		store:       store,
		encoder:     encoder,
		bus:         bus,
		archive:     archive,
		concurrency: concurrency,
		heartbeat:   heartbeat,
	}

	p.stages = []Stage{
		{Name: QueueMP4, Run: p.runMP4Stage},
		{Name: QueueHLS, Run: p.runHLSStage},
		{Name: QueueNotify, Run: p.runNotifyStage},
	}
	p.stageByQ = make(map[string]Stage, len(p.stages))
	for _, s := range p.stages {
		p.stageByQ[s.Name] = s
		p.queueList = append(p.queueList, s.Name)
	}
	return p
}

// QueueVideoProcessing admits a top-level processing request. The job id is
// the video id; while any stage queue holds a live job for that id the asset
// is mid-pipeline and the request is a recognized no-op. A fresh run is only
// admitted once every stage job is terminal.
func (p *PipelinePool) QueueVideoProcessing(ctx context.Context, videoID string) (*queue.EnqueueResult, error) {
	if _, err := p.store.Get(ctx, videoID); err != nil {
		return nil, err
	}
	inFlight, err := p.queue.InFlight(ctx, p.queueList, videoID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return &queue.EnqueueResult{JobID: videoID, AlreadyInFlight: true}, nil
	}
	return p.queue.Enqueue(ctx, QueueMP4, videoID, serializePayload(videoID), 0)
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have drained.
func (p *PipelinePool) Start(ctx context.Context) {
	log.Printf("pipeline pool starting: %d workers, queues %v", p.concurrency, p.queueList)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx, i)
	}
}

func (p *PipelinePool) Wait() {
	p.wg.Wait()
}

func (p *PipelinePool) runLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			log.Printf("worker %d: stopping", workerID)
			return
		}

		job, err := p.queue.Dequeue(ctx, p.queueList, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Queue-backend trouble is invisible to stage handlers; back off
			// and keep pulling.
			log.Printf("worker %d: dequeue error: %v", workerID, err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		p.runJob(ctx, workerID, job)
	}
}

func (p *PipelinePool) runJob(ctx context.Context, workerID int, job *queue.Job) {
	stage, ok := p.stageByQ[job.Queue]
	if !ok {
		// A queue without a handler is a deployment defect, not a transient
		// condition. No retry.
		err := fmt.Errorf("no handler registered for queue %q", job.Queue)
		log.Printf("worker %d: %v", workerID, err)
		if derr := p.queue.Discard(ctx, job, err); derr != nil {
			log.Printf("worker %d: discard %s: %v", workerID, job.ID, derr)
		}
		return
	}

	videoID, err := deserializePayload(job.Payload)
	if err != nil {
		if derr := p.queue.Discard(ctx, job, err); derr != nil {
			log.Printf("worker %d: discard %s: %v", workerID, job.ID, derr)
		}
		return
	}

	log.Printf("worker %d: job %s started (stage %s)", workerID, job.ID, job.Queue)

	// The handler holds the job lock for the whole encode; the heartbeat
	// keeps it from looking stalled. Losing the lock cancels the handler so
	// two workers never run the same job at once.
	handlerCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, job); errors.Is(err, queue.ErrNotOwner) {
					log.Printf("worker %d: job %s reclaimed, abandoning", workerID, job.ID)
					cancel()
					return
				}
			}
		}
	}()

	next, runErr := stage.Run(handlerCtx, videoID)
	cancel()
	<-hbDone

	if runErr == nil {
		if next != "" {
			if _, err := p.queue.Enqueue(ctx, next, videoID, serializePayload(videoID), 0); err != nil {
				runErr = fmt.Errorf("enqueue next stage %s: %w", next, err)
			}
		}
	}

	if runErr == nil {
		if err := p.queue.Complete(ctx, job); err != nil && !errors.Is(err, queue.ErrNotOwner) {
			log.Printf("worker %d: complete %s: %v", workerID, job.ID, err)
		}
		log.Printf("worker %d: job %s done (stage %s)", workerID, job.ID, job.Queue)
		return
	}

	log.Printf("worker %d: job %s failed (stage %s, attempt %d): %v", workerID, job.ID, job.Queue, job.Attempts, runErr)

	var missing *services.MissingInputError
	if errors.As(runErr, &missing) {
		if err := p.queue.Discard(ctx, job, runErr); err != nil && !errors.Is(err, queue.ErrNotOwner) {
			log.Printf("worker %d: discard %s: %v", workerID, job.ID, err)
		}
		p.markAssetFailed(ctx, videoID, runErr)
		return
	}

	disposition, err := p.queue.Fail(ctx, job, runErr)
	if errors.Is(err, queue.ErrNotOwner) {
		// Reclaimed mid-run; the redelivery owns the outcome now.
		return
	}
	if err != nil {
		log.Printf("worker %d: fail %s: %v", workerID, job.ID, err)
		return
	}
	if disposition == queue.DispositionDead {
		p.markAssetFailed(ctx, videoID, runErr)
	}
}

// runMP4Stage transcodes the source to MP4 and extracts the thumbnail, then
// chains the HLS stage.
func (p *PipelinePool) runMP4Stage(ctx context.Context, videoID string) (string, error) {
	asset, err := p.store.Get(ctx, videoID)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(asset.SourcePath); err != nil {
		return "", &services.MissingInputError{Path: asset.SourcePath}
	}

	asset.BeginRun()
	if err := p.store.Update(ctx, asset); err != nil {
		return "", err
	}

	mp4, err := p.encoder.ToMP4(ctx, videoID, asset.SourcePath)
	if err != nil {
		return "", p.recordStageFailure(ctx, asset, err)
	}

	thumbPath, err := p.encoder.Thumbnail(ctx, videoID, asset.SourcePath, mp4.Duration)
	if err != nil {
		return "", p.recordStageFailure(ctx, asset, err)
	}

	asset.MP4Path = mp4.MP4Path
	asset.ThumbnailPath = thumbPath
	asset.DurationSeconds = mp4.Duration
	asset.Width = mp4.Width
	asset.Height = mp4.Height
	asset.SetStatus(models.StatusProcessed)
	if err := p.store.Update(ctx, asset); err != nil {
		return "", err
	}

	p.bus.Publish(events.Event{
		Type:    events.EventStageCompleted,
		VideoID: videoID,
		Stage:   "mp4",
		Path:    mp4.MP4Path,
	})
	return QueueHLS, nil
}

// runHLSStage encodes the ABR ladder and publishes the asset. Renditions are
// persisted with their paths before any encoding starts, so the list is
// never partially populated.
func (p *PipelinePool) runHLSStage(ctx context.Context, videoID string) (string, error) {
	asset, err := p.store.Get(ctx, videoID)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(asset.MP4Path); asset.MP4Path == "" || err != nil {
		return "", &services.MissingInputError{Path: asset.MP4Path}
	}

	asset.SetStatus(models.StatusProcessing)
	asset.Renditions = p.encoder.PlanRenditions(videoID)
	asset.HLSManifestPath = ""
	if err := p.store.Update(ctx, asset); err != nil {
		return "", err
	}

	result, err := p.encoder.ToHLSLadder(ctx, videoID, asset.MP4Path)
	if err != nil {
		return "", p.recordStageFailure(ctx, asset, err)
	}

	asset.HLSManifestPath = result.ManifestPath
	asset.Renditions = result.Renditions
	asset.SetStatus(models.StatusPublished)
	asset.FinishRun(nil)
	if err := p.store.Update(ctx, asset); err != nil {
		return "", err
	}

	p.bus.Publish(events.Event{
		Type:    events.EventStageCompleted,
		VideoID: videoID,
		Stage:   "hls",
		Path:    result.ManifestPath,
	})
	return QueueNotify, nil
}

// runNotifyStage broadcasts the terminal published event and mirrors the
// outputs to object storage when archival is configured. Terminal stage.
func (p *PipelinePool) runNotifyStage(ctx context.Context, videoID string) (string, error) {
	asset, err := p.store.Get(ctx, videoID)
	if err != nil {
		return "", err
	}

	p.bus.Publish(events.Event{
		Type:    events.EventPublished,
		VideoID: videoID,
		Stage:   "published",
		Path:    asset.HLSManifestPath,
	})

	if p.archive != nil {
		if err := p.archive.ArchivePublished(ctx, asset); err != nil {
			// Archival is best-effort; the asset stays published.
			log.Printf("archive %s: %v", videoID, err)
		}
	}
	return "", nil
}

// recordStageFailure pins the failure onto the asset record, then returns
// the error so the queue's retry accounting advances.
func (p *PipelinePool) recordStageFailure(ctx context.Context, asset *models.VideoAsset, cause error) error {
	asset.SetStatus(models.StatusFailed)
	asset.FinishRun(cause)
	if err := p.store.Update(ctx, asset); err != nil {
		log.Printf("record failure for %s: %v", asset.ID, err)
	}
	return cause
}

// markAssetFailed is the end of the road: the job is out of attempts (or
// non-retryable), the asset is FAILED and observers are told. A PUBLISHED
// asset never regresses here — its outputs are already on disk, so a late
// notify-stage death keeps the status and only the event goes out.
func (p *PipelinePool) markAssetFailed(ctx context.Context, videoID string, cause error) {
	asset, err := p.store.Get(ctx, videoID)
	if err != nil {
		log.Printf("mark failed %s: %v", videoID, err)
	} else if asset.Status != models.StatusFailed && asset.Status != models.StatusPublished {
		asset.SetStatus(models.StatusFailed)
		asset.FinishRun(cause)
		if err := p.store.Update(ctx, asset); err != nil {
			log.Printf("mark failed %s: %v", videoID, err)
		}
	}

	p.bus.Publish(events.Event{
		Type:    events.EventFailed,
		VideoID: videoID,
		Stage:   "failed",
		Error:   cause.Error(),
	})
}
