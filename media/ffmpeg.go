// media/ffmpeg.go
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegTool runs the real ffmpeg/ffprobe binaries as subprocesses.
type FFmpegTool struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpegTool() *FFmpegTool {
	return &FFmpegTool{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width,omitempty"`
		Height    int    `json:"height,omitempty"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func (t *FFmpegTool) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ToolError{Tool: "ffprobe", Err: fmt.Errorf("input not found: %w", err)}
	}

	cmd := exec.CommandContext(ctx, t.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, &ToolError{Tool: "ffprobe", Output: exitOutput(err), Err: err}
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, &ToolError{Tool: "ffprobe", Err: fmt.Errorf("parse output: %w", err)}
	}

	result := &ProbeResult{Container: probeData.Format.FormatName}
	if probeData.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			result.Duration = d
		}
	}
	for _, s := range probeData.Streams {
		result.Streams = append(result.Streams, StreamInfo{
			Type:   s.CodecType,
			Codec:  s.CodecName,
			Width:  s.Width,
			Height: s.Height,
		})
	}

	return result, nil
}

func (t *FFmpegTool) Transcode(ctx context.Context, path string, args []string) error {
	full := make([]string, 0, len(args)+3)
	full = append(full, "-y", "-i", path)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, t.FFmpegPath, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolError{Tool: "ffmpeg", Output: tail(string(output), 2048), Err: err}
	}
	return nil
}

// exitOutput pulls stderr out of an exec.ExitError so probe failures carry
// the tool's diagnostics.
func exitOutput(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return tail(string(exitErr.Stderr), 2048)
	}
	return ""
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
