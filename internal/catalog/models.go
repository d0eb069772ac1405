package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrScenesExist        = errors.New("scenes already recorded for analysis")
	ErrTranscriptExists   = errors.New("transcript already exists for analysis")
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrInvalidTransition  = errors.New("invalid transcript status transition")
)

type Scene struct {
	ID                 string    `json:"id"`
	AnalysisID         string    `json:"analysis_id"`
	SceneIndex         int       `json:"scene_index"`
	StartTime          float64   `json:"start_time"`
	EndTime            float64   `json:"end_time"`
	TransitionType     string    `json:"transition_type,omitempty"`
	SegmentationMethod string    `json:"segmentation_method,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Duration is the scene length in seconds.
func (s *Scene) Duration() float64 {
	return s.EndTime - s.StartTime
}

const (
	TranscriptStatusPending    = "pending"
	TranscriptStatusProcessing = "processing"
	TranscriptStatusCompleted  = "completed"
	TranscriptStatusFailed     = "failed"

	SegmentTypeWord   = "word"
	SegmentTypePhrase = "phrase"
)

type VideoTranscript struct {
	ID                  string    `json:"id"`
	AnalysisID          string    `json:"analysis_id"`
	VideoFilename       string    `json:"video_filename,omitempty"`
	VideoDuration       float64   `json:"video_duration"`
	LanguageCode        string    `json:"language_code,omitempty"`
	TranscriptionMethod string    `json:"transcription_method,omitempty"`
	ConfidenceScore     float64   `json:"confidence_score"`
	FullTranscriptText  string    `json:"full_transcript_text,omitempty"`
	Status              string    `json:"status"`
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TranscriptSegment is one timed word or phrase. Seq preserves the order the
// speech engine emitted it in and breaks start_time ties.
type TranscriptSegment struct {
	ID           string  `json:"id"`
	TranscriptID string  `json:"transcript_id"`
	Seq          int     `json:"seq"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	SegmentType  string  `json:"segment_type"`
}

// transcriptTransitions lists the allowed status moves.
var transcriptTransitions = map[string][]string{
	TranscriptStatusPending:    {TranscriptStatusProcessing, TranscriptStatusCompleted, TranscriptStatusFailed},
	TranscriptStatusProcessing: {TranscriptStatusCompleted, TranscriptStatusFailed},
}

// CanTransition reports whether a transcript may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transcriptTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExportJob is the persisted view of one export run. State holds the
// compositor's state name.
type ExportJob struct {
	ID          string    `json:"id"`
	AnalysisID  string    `json:"analysis_id"`
	ExportName  string    `json:"export_name"`
	State       string    `json:"state"`
	RequestJSON string    `json:"-"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExportRecord describes a published export file.
type ExportRecord struct {
	JobID           string    `json:"job_id"`
	AnalysisID      string    `json:"analysis_id"`
	Filename        string    `json:"filename"`
	FilePath        string    `json:"-"`
	FileSize        int64     `json:"file_size"`
	SegmentsCount   int       `json:"segments_count"`
	ExportDuration  float64   `json:"export_duration"`
	MediaDurationMs int64     `json:"media_duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

func NewID() string {
	return uuid.NewString()
}
