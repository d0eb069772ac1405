// Package media wraps the ffmpeg and ffprobe binaries used to render exports.
// Every operation runs the tool as a subprocess under a timeout and keeps a
// bounded tail of stderr for diagnostics.
package media

import (
	"context"
	"fmt"
	"time"
)

// Settings is the common output format every rendered piece is normalized to.
type Settings struct {
	Width  int
	Height int
	FPS    float64
}

// ClipSpec transcodes a window of a source file. DurationMs is the length of
// the produced clip; if the source runs out first the last frame is held and
// audio is padded with silence.
type ClipSpec struct {
	Input            string
	Output           string
	InPointMs        int64
	SourceDurationMs int64
	DurationMs       int64
	Settings         Settings
	HasAudio         bool
	Volume           float64 // percent, 100 = unity
	PlaybackRate     float64
}

// FillerSpec renders black video with silent audio.
type FillerSpec struct {
	Output     string
	DurationMs int64
	Settings   Settings
}

// ProbeResult is the subset of ffprobe output the compositor relies on.
type ProbeResult struct {
	DurationMs int64
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	HasVideo   bool
	HasAudio   bool
	FrameRate  float64
}

// Toolkit is the media contract used by the export compositor.
type Toolkit interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	RenderClip(ctx context.Context, spec ClipSpec) error
	RenderFiller(ctx context.Context, spec FillerSpec) error
	Concat(ctx context.Context, inputs []string, output string) error
}

// RunResult captures the outcome of one tool invocation.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

func (r RunResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// ToolError reports a failed ffmpeg/ffprobe invocation.
type ToolError struct {
	Op         string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *ToolError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("%s exited %d: %s", e.Op, e.ExitCode, truncate(e.StderrTail, 512))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s exited %d", e.Op, e.ExitCode)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
