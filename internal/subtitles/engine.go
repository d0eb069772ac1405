package subtitles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/logging"
)

var ErrTranscriptNotReady = errors.New("transcript is not completed")

// SegmentSource is the read side of the transcript store.
type SegmentSource interface {
	GetTranscript(ctx context.Context, id string) (*catalog.VideoTranscript, error)
	SegmentsInWindow(ctx context.Context, transcriptID string, start, end float64) ([]*catalog.TranscriptSegment, error)
}

// Engine loads segments for a scene window and aligns them. It holds no
// mutable state and may be shared across goroutines.
type Engine struct {
	store  SegmentSource
	opts   Options
	logger *slog.Logger
}

func NewEngine(store SegmentSource, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		opts:   opts,
		logger: logging.WithComponent(logging.OrDiscard(logger), "subtitles"),
	}
}

func (e *Engine) Options() Options {
	return e.opts
}

// ExtractCues returns the cues for one scene from a completed transcript.
func (e *Engine) ExtractCues(ctx context.Context, scene *catalog.Scene, transcriptID string) ([]Cue, error) {
	a, err := e.Extract(ctx, scene, transcriptID)
	if err != nil {
		return nil, err
	}
	return a.Cues, nil
}

// Extract is ExtractCues with the low-confidence report attached.
func (e *Engine) Extract(ctx context.Context, scene *catalog.Scene, transcriptID string) (Alignment, error) {
	if scene == nil || !(scene.StartTime < scene.EndTime) {
		return Alignment{}, ErrInvalidScene
	}

	t, err := e.store.GetTranscript(ctx, transcriptID)
	if err != nil {
		return Alignment{}, fmt.Errorf("failed to load transcript: %w", err)
	}
	if t == nil {
		return Alignment{}, catalog.ErrTranscriptNotFound
	}
	if t.Status != catalog.TranscriptStatusCompleted {
		return Alignment{}, fmt.Errorf("%w: status %s", ErrTranscriptNotReady, t.Status)
	}

	segments, err := e.store.SegmentsInWindow(ctx, transcriptID, scene.StartTime, scene.EndTime)
	if err != nil {
		return Alignment{}, fmt.Errorf("failed to load segments: %w", err)
	}

	a, err := Align(scene, segments, e.opts)
	if err != nil {
		return Alignment{}, err
	}

	for _, w := range a.Warnings {
		e.logger.Warn("low confidence segment excluded",
			"scene_id", scene.ID,
			"transcript_id", transcriptID,
			"segment_id", w.SegmentID,
			"start", w.StartTime,
			"end", w.EndTime,
			"confidence", w.Confidence,
		)
	}

	e.logger.Debug("cues extracted", "scene_id", scene.ID, "segments", len(segments), "cues", len(a.Cues))
	return a, nil
}
