// media/tool.go
package media

import (
	"context"
	"fmt"
)

// Tool is the seam between the pipeline and the external encoder/prober.
// One implementation shells out to ffmpeg/ffprobe, one stubs output files
// for tests. No retry logic lives at this layer; failures propagate to the
// stage handler verbatim.
type Tool interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	Transcode(ctx context.Context, path string, args []string) error
}

type ProbeResult struct {
	Duration  float64
	Container string
	Streams   []StreamInfo
}

type StreamInfo struct {
	Type   string // "video" or "audio"
	Codec  string
	Width  int
	Height int
}

// VideoStream returns the first video stream, if any.
func (p *ProbeResult) VideoStream() (StreamInfo, bool) {
	for _, s := range p.Streams {
		if s.Type == "video" {
			return s, true
		}
	}
	return StreamInfo{}, false
}

// ToolError carries the diagnostic output of a failed encoder/prober run.
type ToolError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
