// Package export renders a validated timeline into a single video file. A
// job walks queued → resolving_sources → rendering → finalizing → completed,
// and may fail from any non-terminal state.
package export

import (
	"github.com/go-playground/validator/v10"

	"github.com/heimdex/heimdex-composer/internal/media"
	"github.com/heimdex/heimdex-composer/internal/timeline"
)

var validate = validator.New()

const (
	defaultFPS    = 30
	downloadRoute = "/api/export/"
)

// CompositionSettings is the caller's requested output format. Zero values
// fall back to the timeline canvas and fps hint.
type CompositionSettings struct {
	Width  int     `json:"width" validate:"gte=0,lte=8192"`
	Height int     `json:"height" validate:"gte=0,lte=8192"`
	FPS    float64 `json:"fps" validate:"gte=0,lte=120"`
}

// Resolve fills defaults from tl and rounds dimensions up to even numbers,
// which yuv420p output requires.
func (s CompositionSettings) Resolve(tl *timeline.Timeline) media.Settings {
	out := media.Settings{Width: s.Width, Height: s.Height, FPS: s.FPS}
	if out.Width == 0 || out.Height == 0 {
		out.Width, out.Height = tl.Canvas.Width, tl.Canvas.Height
	}
	if out.FPS == 0 {
		out.FPS = tl.FPS
	}
	if out.FPS <= 0 {
		out.FPS = defaultFPS
	}
	out.Width += out.Width % 2
	out.Height += out.Height % 2
	return out
}

// Request is one export. JobID ties state changes to a persisted job row.
type Request struct {
	JobID      string
	AnalysisID string
	ExportName string
	Timeline   *timeline.Timeline
	Settings   media.Settings
}

// Result describes a published export.
type Result struct {
	JobID           string  `json:"job_id"`
	AnalysisID      string  `json:"analysis_id"`
	DownloadURL     string  `json:"download_url"`
	Filename        string  `json:"filename"`
	FilePath        string  `json:"-"`
	FileSize        int64   `json:"file_size"`
	SegmentsCount   int     `json:"segments_count"`
	ExportDuration  float64 `json:"export_duration"`
	MediaDurationMs int64   `json:"media_duration_ms"`
}

// DownloadURL is where a published export can be fetched.
func DownloadURL(analysisID, filename string) string {
	return downloadRoute + analysisID + "/" + filename
}
