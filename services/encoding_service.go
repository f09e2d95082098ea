// services/encoding_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Coding-for-Machine/Video-Pipeline/media"
	"github.com/Coding-for-Machine/Video-Pipeline/models"
)

// Ladder is the fixed ABR rung set, ascending bitrate order.
var Ladder = []models.Rendition{
	{Name: "240p", Width: 426, Height: 240, VideoBitrate: 400, AudioBitrate: 64},
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1400, AudioBitrate: 128},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128},
}

const (
	hlsSegmentSeconds = 6
	thumbnailOffset   = 5.0 // seconds into the source
	thumbnailWidth    = 640
)

// EncodingService produces the web-playable outputs for one source file.
// All three operations overwrite prior output, so re-running a stage after a
// crash or a re-trigger is safe.
type EncodingService struct {
	tool   media.Tool
	layout Layout
}

func NewEncodingService(tool media.Tool, layout Layout) *EncodingService {
	return &EncodingService{tool: tool, layout: layout}
}

type MP4Result struct {
	MP4Path  string
	Duration float64
	Width    int
	Height   int
}

// ToMP4 probes the source and transcodes it to a seekable H.264/AAC MP4 with
// the fast-start flag. Constant-quality encode, not constant bitrate.
func (s *EncodingService) ToMP4(ctx context.Context, videoID, sourcePath string) (*MP4Result, error) {
	probe, err := s.tool.Probe(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	stream, ok := probe.VideoStream()
	if !ok {
		return nil, fmt.Errorf("source %s has no video stream", sourcePath)
	}

	outputPath := s.layout.MP4Path(videoID)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, err
	}

	args := []string{
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		outputPath,
	}
	if err := s.tool.Transcode(ctx, sourcePath, args); err != nil {
		return nil, err
	}
	if err := requireOutput(outputPath); err != nil {
		return nil, err
	}

	log.Printf("mp4 encode done: %s (%.1fs %dx%d)", videoID, probe.Duration, stream.Width, stream.Height)
	return &MP4Result{
		MP4Path:  outputPath,
		Duration: probe.Duration,
		Width:    stream.Width,
		Height:   stream.Height,
	}, nil
}

// Thumbnail extracts one frame at the fixed offset (clamped to the source
// start for shorter inputs), scaled to a fixed width with aspect preserved.
func (s *EncodingService) Thumbnail(ctx context.Context, videoID, sourcePath string, duration float64) (string, error) {
	offset := thumbnailOffset
	if duration > 0 && duration < offset {
		offset = 0
	}

	outputPath := s.layout.ThumbnailPath(videoID)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", err
	}

	args := []string{
		"-ss", fmt.Sprintf("%.2f", offset),
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", thumbnailWidth),
		outputPath,
	}
	if err := s.tool.Transcode(ctx, sourcePath, args); err != nil {
		return "", err
	}
	if err := requireOutput(outputPath); err != nil {
		return "", err
	}

	return outputPath, nil
}

type HLSResult struct {
	ManifestPath string
	Renditions   []models.Rendition
}

// PlanRenditions returns the ladder with per-rung paths filled in for one
// video. Stage handlers persist this before encoding starts, so the
// renditions list is never partially populated.
func (s *EncodingService) PlanRenditions(videoID string) []models.Rendition {
	renditions := make([]models.Rendition, len(Ladder))
	copy(renditions, Ladder)
	for i := range renditions {
		renditions[i].Path = s.layout.RungPlaylistPath(videoID, renditions[i].Name)
	}
	return renditions
}

// ToHLSLadder encodes every rung and then synthesizes the master manifest.
// If any rung fails the whole call fails and no master manifest is written:
// the manifest must never reference a rung whose output does not exist.
func (s *EncodingService) ToHLSLadder(ctx context.Context, videoID, mp4Path string) (*HLSResult, error) {
	renditions := s.PlanRenditions(videoID)

	rungDir := filepath.Dir(renditions[0].Path)
	if err := os.MkdirAll(rungDir, 0o755); err != nil {
		return nil, err
	}

	for _, r := range renditions {
		args := []string{
			"-vf", fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
			"-c:v", "libx264",
			"-b:v", fmt.Sprintf("%dk", r.VideoBitrate),
			"-maxrate", fmt.Sprintf("%dk", r.VideoBitrate*107/100),
			"-bufsize", fmt.Sprintf("%dk", r.VideoBitrate*150/100),
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", r.AudioBitrate),
			"-hls_time", fmt.Sprintf("%d", hlsSegmentSeconds),
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", s.layout.RungSegmentPattern(videoID, r.Name),
			r.Path,
		}
		if err := s.tool.Transcode(ctx, mp4Path, args); err != nil {
			return nil, fmt.Errorf("hls rung %s: %w", r.Name, err)
		}
		if err := requireOutput(r.Path); err != nil {
			return nil, fmt.Errorf("hls rung %s: %w", r.Name, err)
		}
		log.Printf("hls rung done: %s %s", videoID, r.Name)
	}

	manifestPath := s.layout.MasterManifestPath(videoID)
	if err := os.WriteFile(manifestPath, []byte(s.masterManifest(videoID, renditions)), 0o644); err != nil {
		return nil, err
	}

	return &HLSResult{ManifestPath: manifestPath, Renditions: renditions}, nil
}

// masterManifest builds the top-level playlist, one STREAM-INF + URI pair
// per rung in ascending bitrate order.
func (s *EncodingService) masterManifest(videoID string, renditions []models.Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", r.Bandwidth(), r.Resolution())
		b.WriteString(s.layout.RungPlaylistURI(videoID, r.Name))
		b.WriteString("\n")
	}
	return b.String()
}

// requireOutput treats a missing output file as a failed encode even when
// the tool exited cleanly.
func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output missing: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("expected output empty: %s", path)
	}
	return nil
}
