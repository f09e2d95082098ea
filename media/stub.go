// media/stub.go
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StubTool is the test double for the ffmpeg adapter. It checks that the
// input exists, then writes placeholder output files at the paths encoded in
// the transcode args, which is enough for pipeline and encoder tests to run
// without ffmpeg installed.
type StubTool struct {
	mu          sync.Mutex
	ProbeResult ProbeResult
	FailPattern string // Transcode fails when the joined args contain this
	Calls       [][]string
}

func NewStubTool(duration float64, width, height int) *StubTool {
	return &StubTool{
		ProbeResult: ProbeResult{
			Duration:  duration,
			Container: "mov,mp4,m4a,3gp,3g2,mj2",
			Streams: []StreamInfo{
				{Type: "video", Codec: "h264", Width: width, Height: height},
				{Type: "audio", Codec: "aac"},
			},
		},
	}
}

func (t *StubTool) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ToolError{Tool: "ffprobe", Err: fmt.Errorf("input not found: %w", err)}
	}
	result := t.ProbeResult
	return &result, nil
}

func (t *StubTool) Transcode(ctx context.Context, path string, args []string) error {
	t.mu.Lock()
	t.Calls = append(t.Calls, append([]string{path}, args...))
	pattern := t.FailPattern
	t.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return &ToolError{Tool: "ffmpeg", Err: fmt.Errorf("input not found: %w", err)}
	}
	if pattern != "" && strings.Contains(strings.Join(args, " "), pattern) {
		return &ToolError{Tool: "ffmpeg", Output: "stubbed encode failure", Err: fmt.Errorf("exit status 1")}
	}

	// The last arg is always the primary output; segment templates ride along
	// as the value of -hls_segment_filename.
	outputs := []string{args[len(args)-1]}
	for i, a := range args {
		if a == "-hls_segment_filename" && i+1 < len(args) {
			outputs = append(outputs, strings.Replace(args[i+1], "%03d", "000", 1))
		}
	}

	for _, out := range outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(out, []byte("stub output\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// TranscodeCalls returns a copy of the recorded invocations.
func (t *StubTool) TranscodeCalls() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([][]string, len(t.Calls))
	copy(calls, t.Calls)
	return calls
}
