package api

import (
	"encoding/json"
	"time"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/export"
	"github.com/heimdex/heimdex-composer/internal/subtitles"
)

type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	UptimeS int64         `json:"uptime_s"`
	FFmpeg  *FFmpegStatus `json:"ffmpeg,omitempty"`
	Exports ExportsStatus `json:"exports"`
}

type FFmpegStatus struct {
	Version          string `json:"version"`
	Encoder          string `json:"encoder"`
	EncoderAvailable bool   `json:"encoder_available"`
	LastProbeAt      string `json:"last_probe_at,omitempty"`
}

type ExportsStatus struct {
	Active        int    `json:"active"`
	Paused        bool   `json:"paused"`
	DiskFreeBytes uint64 `json:"disk_free_bytes,omitempty"`
	DiskFree      string `json:"disk_free,omitempty"`
}

type ScenesResponse struct {
	AnalysisID string           `json:"analysis_id"`
	Scenes     []*catalog.Scene `json:"scenes"`
}

type TranscriptStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=processing failed"`
	Error  string `json:"error,omitempty"`
}

type SubtitlesResponse struct {
	AnalysisID   string                           `json:"analysis_id"`
	SceneID      string                           `json:"scene_id"`
	TranscriptID string                           `json:"transcript_id"`
	Relative     bool                             `json:"relative"`
	Cues         []subtitles.Cue                  `json:"cues"`
	Warnings     []subtitles.LowConfidenceWarning `json:"warnings,omitempty"`
}

// ExportVideoRequest is a job request plus the choice of waiting for it.
type ExportVideoRequest struct {
	export.JobRequest
	Async bool `json:"async"`
}

type ExportEDLRequest struct {
	AnalysisID string          `json:"analysis_id" validate:"required"`
	ExportName string          `json:"export_name"`
	Timeline   json.RawMessage `json:"timeline_data" validate:"required"`
	FrameRate  float64         `json:"frame_rate" validate:"omitempty,gt=0,lte=120"`
}

type JobAcceptedResponse struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	StatusURL string `json:"status_url"`
}

type JobsResponse struct {
	Jobs []*catalog.ExportJob `json:"jobs"`
}

type ExportsResponse struct {
	AnalysisID string           `json:"analysis_id"`
	Exports    []*export.Result `json:"exports"`
}

type RunnerStateResponse struct {
	Paused bool `json:"paused"`
	Active int  `json:"active"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
