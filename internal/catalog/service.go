package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/heimdex/heimdex-composer/internal/logging"
)

// ErrInvalidInput wraps every rejection of caller-supplied scene or segment data.
var ErrInvalidInput = errors.New("invalid input")

var validate = validator.New()

type CatalogService interface {
	RecordScenes(ctx context.Context, analysisID string, batch SceneBatch) ([]*Scene, error)
	ListScenes(ctx context.Context, analysisID string) ([]*Scene, error)
	GetScene(ctx context.Context, analysisID, sceneID string) (*Scene, error)
	SceneExists(ctx context.Context, analysisID, sceneID string) (bool, error)
	DeleteAnalysis(ctx context.Context, analysisID string) error

	CreateTranscript(ctx context.Context, analysisID string, in TranscriptInput) (*VideoTranscript, error)
	GetTranscript(ctx context.Context, id string) (*VideoTranscript, error)
	GetTranscriptByAnalysis(ctx context.Context, analysisID string) (*VideoTranscript, error)
	SetTranscriptStatus(ctx context.Context, id, status, errorMsg string) (*VideoTranscript, error)
	CompleteTranscript(ctx context.Context, id string, in CompletionInput) (*VideoTranscript, error)
	SegmentsInWindow(ctx context.Context, transcriptID string, start, end float64) ([]*TranscriptSegment, error)
}

// SceneInput is one boundary triple from the scene detector. ID is optional;
// detectors that already named their mezzanine segments pass it through.
type SceneInput struct {
	ID             string  `json:"scene_id,omitempty"`
	StartTime      float64 `json:"start_time" validate:"gte=0"`
	EndTime        float64 `json:"end_time" validate:"gtfield=StartTime"`
	TransitionType string  `json:"transition_type"`
}

type SceneBatch struct {
	VideoDuration      float64      `json:"video_duration" validate:"gte=0"`
	SegmentationMethod string       `json:"segmentation_method"`
	Scenes             []SceneInput `json:"scenes" validate:"required,min=1,dive"`
}

type TranscriptInput struct {
	VideoFilename       string  `json:"video_filename"`
	VideoDuration       float64 `json:"video_duration" validate:"gte=0"`
	LanguageCode        string  `json:"language_code"`
	TranscriptionMethod string  `json:"transcription_method"`
}

type SegmentInput struct {
	StartTime   float64  `json:"start_time" validate:"gte=0"`
	EndTime     float64  `json:"end_time" validate:"gtfield=StartTime"`
	Text        string   `json:"text" validate:"required"`
	Confidence  *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	SegmentType string   `json:"segment_type" validate:"omitempty,oneof=word phrase"`
}

// CompletionInput carries the speech engine's final output. Empty aggregate
// fields are derived from the segments.
type CompletionInput struct {
	LanguageCode       string         `json:"language_code"`
	ConfidenceScore    float64        `json:"confidence_score" validate:"gte=0,lte=1"`
	FullTranscriptText string         `json:"full_transcript_text"`
	VideoDuration      float64        `json:"video_duration" validate:"gte=0"`
	Segments           []SegmentInput `json:"segments" validate:"dive"`
}

type Service struct {
	repo   Repository
	logger *slog.Logger

	// ingestMu serializes the check-then-insert of the one-time bulk writes.
	ingestMu sync.Mutex
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logging.OrDiscard(logger)}
}

// RecordScenes validates and stores the full scene list of an analysis. It may
// only succeed once per analysis.
func (s *Service) RecordScenes(ctx context.Context, analysisID string, batch SceneBatch) ([]*Scene, error) {
	if analysisID == "" {
		return nil, fmt.Errorf("%w: analysis_id is required", ErrInvalidInput)
	}
	if err := validate.Struct(batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ordered := make([]SceneInput, len(batch.Scenes))
	copy(ordered, batch.Scenes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StartTime < ordered[j].StartTime })

	for i, in := range ordered {
		if batch.VideoDuration > 0 && in.EndTime > batch.VideoDuration {
			return nil, fmt.Errorf("%w: scene %d ends at %.3fs past video duration %.3fs", ErrInvalidInput, i, in.EndTime, batch.VideoDuration)
		}
		if i > 0 && in.StartTime < ordered[i-1].EndTime {
			return nil, fmt.Errorf("%w: scene %d overlaps the previous scene", ErrInvalidInput, i)
		}
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	count, err := s.repo.CountScenes(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrScenesExist
	}

	now := time.Now()
	scenes := make([]*Scene, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for i, in := range ordered {
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = NewID()
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate scene_id %s", ErrInvalidInput, id)
		}
		seen[id] = true

		scenes[i] = &Scene{
			ID:                 id,
			AnalysisID:         analysisID,
			SceneIndex:         i,
			StartTime:          in.StartTime,
			EndTime:            in.EndTime,
			TransitionType:     in.TransitionType,
			SegmentationMethod: batch.SegmentationMethod,
			CreatedAt:          now,
		}
	}

	if err := s.repo.InsertScenes(ctx, scenes); err != nil {
		return nil, fmt.Errorf("failed to store scenes: %w", err)
	}

	s.logger.Info("scenes recorded", "analysis_id", analysisID, "count", len(scenes), "method", batch.SegmentationMethod)
	return scenes, nil
}

func (s *Service) ListScenes(ctx context.Context, analysisID string) ([]*Scene, error) {
	return s.repo.ListScenes(ctx, analysisID)
}

func (s *Service) GetScene(ctx context.Context, analysisID, sceneID string) (*Scene, error) {
	return s.repo.GetScene(ctx, analysisID, sceneID)
}

func (s *Service) SceneExists(ctx context.Context, analysisID, sceneID string) (bool, error) {
	scene, err := s.repo.GetScene(ctx, analysisID, sceneID)
	if err != nil {
		return false, err
	}
	return scene != nil, nil
}

// DeleteAnalysis drops the scenes and the transcript (with its segments) of an analysis.
func (s *Service) DeleteAnalysis(ctx context.Context, analysisID string) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if err := s.repo.DeleteTranscriptByAnalysis(ctx, analysisID); err != nil {
		return err
	}
	if err := s.repo.DeleteScenes(ctx, analysisID); err != nil {
		return err
	}
	s.logger.Info("analysis deleted", "analysis_id", analysisID)
	return nil
}

func (s *Service) CreateTranscript(ctx context.Context, analysisID string, in TranscriptInput) (*VideoTranscript, error) {
	if analysisID == "" {
		return nil, fmt.Errorf("%w: analysis_id is required", ErrInvalidInput)
	}
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	existing, err := s.repo.GetTranscriptByAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrTranscriptExists
	}

	now := time.Now()
	t := &VideoTranscript{
		ID:                  NewID(),
		AnalysisID:          analysisID,
		VideoFilename:       in.VideoFilename,
		VideoDuration:       in.VideoDuration,
		LanguageCode:        in.LanguageCode,
		TranscriptionMethod: in.TranscriptionMethod,
		Status:              TranscriptStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.CreateTranscript(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("transcript created", "analysis_id", analysisID, "transcript_id", t.ID)
	return t, nil
}

func (s *Service) GetTranscript(ctx context.Context, id string) (*VideoTranscript, error) {
	return s.repo.GetTranscript(ctx, id)
}

func (s *Service) GetTranscriptByAnalysis(ctx context.Context, analysisID string) (*VideoTranscript, error) {
	return s.repo.GetTranscriptByAnalysis(ctx, analysisID)
}

// SetTranscriptStatus moves a transcript to processing or failed. Completion
// goes through CompleteTranscript because it carries the segments.
func (s *Service) SetTranscriptStatus(ctx context.Context, id, status, errorMsg string) (*VideoTranscript, error) {
	if status == TranscriptStatusCompleted {
		return nil, fmt.Errorf("%w: use segment ingestion to complete a transcript", ErrInvalidTransition)
	}

	t, err := s.requireTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	if err := s.repo.UpdateTranscriptStatus(ctx, id, status, errorMsg); err != nil {
		return nil, err
	}
	t.Status = status
	t.Error = errorMsg
	t.UpdatedAt = time.Now()

	s.logger.Info("transcript status changed", "transcript_id", id, "status", status)
	return t, nil
}

// CompleteTranscript stores the segments in one transaction and marks the
// transcript completed.
func (s *Service) CompleteTranscript(ctx context.Context, id string, in CompletionInput) (*VideoTranscript, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	t, err := s.requireTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, TranscriptStatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TranscriptStatusCompleted)
	}

	segments := make([]*TranscriptSegment, len(in.Segments))
	for i, seg := range in.Segments {
		confidence := 1.0
		if seg.Confidence != nil {
			confidence = *seg.Confidence
		}
		segType := seg.SegmentType
		if segType == "" {
			segType = SegmentTypeWord
		}
		segments[i] = &TranscriptSegment{
			ID:           NewID(),
			TranscriptID: id,
			Seq:          i,
			StartTime:    seg.StartTime,
			EndTime:      seg.EndTime,
			Text:         strings.TrimSpace(seg.Text),
			Confidence:   confidence,
			SegmentType:  segType,
		}
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].StartTime < segments[j].StartTime })

	if in.LanguageCode != "" {
		t.LanguageCode = in.LanguageCode
	}
	if in.VideoDuration > 0 {
		t.VideoDuration = in.VideoDuration
	}
	t.FullTranscriptText = in.FullTranscriptText
	if t.FullTranscriptText == "" {
		t.FullTranscriptText = joinText(segments)
	}
	t.ConfidenceScore = in.ConfidenceScore
	if t.ConfidenceScore == 0 {
		t.ConfidenceScore = meanConfidence(segments)
	}
	t.Status = TranscriptStatusCompleted
	t.Error = ""
	t.UpdatedAt = time.Now()

	if err := s.repo.CompleteTranscript(ctx, t, segments); err != nil {
		return nil, fmt.Errorf("failed to store segments: %w", err)
	}

	s.logger.Info("transcript completed", "transcript_id", id, "segments", len(segments), "language", t.LanguageCode)
	return t, nil
}

func (s *Service) SegmentsInWindow(ctx context.Context, transcriptID string, start, end float64) ([]*TranscriptSegment, error) {
	return s.repo.ListSegmentsInWindow(ctx, transcriptID, start, end)
}

func (s *Service) requireTranscript(ctx context.Context, id string) (*VideoTranscript, error) {
	t, err := s.repo.GetTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTranscriptNotFound
	}
	return t, nil
}

func joinText(segments []*TranscriptSegment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

func meanConfidence(segments []*TranscriptSegment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segments {
		sum += s.Confidence
	}
	return sum / float64(len(segments))
}
