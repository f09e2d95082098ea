// models/videos.go
package models

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

type VideoStatus string

const (
	StatusUploaded   VideoStatus = "UPLOADED"
	StatusProcessing VideoStatus = "PROCESSING"
	StatusProcessed  VideoStatus = "PROCESSED"
	StatusPublished  VideoStatus = "PUBLISHED"
	StatusFailed     VideoStatus = "FAILED"
)

// Rendition is one rung of the ABR ladder. Paths are computed before the
// encode runs, so the slice is always fully populated or empty.
type Rendition struct {
	Name         string `json:"name"` // "480p"
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VideoBitrate int    `json:"video_bitrate"` // kbps
	AudioBitrate int    `json:"audio_bitrate"` // kbps
	Path         string `json:"path"`          // per-rung playlist
}

func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Bandwidth is the approximate stream bandwidth in bits/sec, derived from
// the video bitrate.
func (r Rendition) Bandwidth() int {
	return r.VideoBitrate * 1000
}

// StatusHistory is one entry of the append-only transition log.
type StatusHistory struct {
	Status    VideoStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// ProcessingStats summarizes the most recent pipeline run. Overwritten on
// each run, never appended.
type ProcessingStats struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type VideoAsset struct {
	ID              gocql.UUID      `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	SourcePath      string          `json:"source_path"`
	MP4Path         string          `json:"mp4_path,omitempty"`
	ThumbnailPath   string          `json:"thumbnail_path,omitempty"`
	HLSManifestPath string          `json:"hls_manifest_path,omitempty"`
	Renditions      []Rendition     `json:"renditions,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	Status          VideoStatus     `json:"status"`
	History         []StatusHistory `json:"history"`
	Stats           ProcessingStats `json:"processing_stats"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewVideoAsset creates an asset in UPLOADED state with its first history
// entry already written.
func NewVideoAsset(id gocql.UUID, title, description, sourcePath string) *VideoAsset {
	v := &VideoAsset{
		ID:          id,
		Title:       title,
		Description: description,
		SourcePath:  sourcePath,
		CreatedAt:   time.Now(),
	}
	v.SetStatus(StatusUploaded)
	return v
}

// SetStatus transitions the asset and appends exactly one history entry, so
// Status and History stay consistent after every write.
func (v *VideoAsset) SetStatus(s VideoStatus) {
	now := time.Now()
	v.Status = s
	v.History = append(v.History, StatusHistory{Status: s, Timestamp: now})
	v.UpdatedAt = now
}

// BeginRun resets the per-run fields for a fresh pipeline pass. Re-triggering
// a PUBLISHED asset goes through here so renditions and the manifest path are
// re-derived instead of staying stale.
func (v *VideoAsset) BeginRun() {
	v.Renditions = nil
	v.HLSManifestPath = ""
	v.Stats = ProcessingStats{StartTime: time.Now()}
	v.SetStatus(StatusProcessing)
}

// FinishRun closes out processingStats for the run.
func (v *VideoAsset) FinishRun(runErr error) {
	v.Stats.EndTime = time.Now()
	if runErr != nil {
		v.Stats.Success = false
		v.Stats.Error = runErr.Error()
		return
	}
	v.Stats.Success = true
	v.Stats.Error = ""
}

// FilePaths lists every file the asset references, for cleanup on delete.
func (v *VideoAsset) FilePaths() []string {
	paths := make([]string, 0, 4+len(v.Renditions))
	for _, p := range []string{v.SourcePath, v.MP4Path, v.ThumbnailPath, v.HLSManifestPath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	for _, r := range v.Renditions {
		if r.Path != "" {
			paths = append(paths, r.Path)
		}
	}
	return paths
}
