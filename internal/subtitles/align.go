// Package subtitles turns the transcript segments overlapping a scene into
// display-ready cues.
package subtitles

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/heimdex/heimdex-composer/internal/catalog"
)

var ErrInvalidScene = errors.New("scene start must be before scene end")

// gapEpsilon absorbs float noise in second-based timestamps (e.g. 4.8-4.5).
const gapEpsilon = 1e-9

type Options struct {
	// MergeGap is the largest silence, in seconds, bridged between two words of one cue.
	MergeGap float64
	// ConfidenceFloor excludes segments scoring below it.
	ConfidenceFloor float64
	// MaxCueWords closes a cue once it holds this many words. 0 disables it.
	MaxCueWords int
	// BreakOnSentenceEnd closes a cue after a word ending in . ! or ?
	BreakOnSentenceEnd bool
}

func DefaultOptions() Options {
	return Options{MergeGap: 0.3, ConfidenceFloor: 0.5}
}

type Cue struct {
	SceneID      string  `json:"scene_id"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	Text         string  `json:"text"`
	SegmentCount int     `json:"segment_count"`
}

// LowConfidenceWarning reports a segment left out of the cues.
type LowConfidenceWarning struct {
	SegmentID  string  `json:"segment_id"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
}

func (w LowConfidenceWarning) Error() string {
	return fmt.Sprintf("low confidence segment %s [%.3f-%.3f] confidence %.2f", w.SegmentID, w.StartTime, w.EndTime, w.Confidence)
}

type Alignment struct {
	Cues     []Cue                  `json:"cues"`
	Warnings []LowConfidenceWarning `json:"warnings,omitempty"`
}

// Align selects the segments intersecting the scene window, clamps them to it
// and merges runs of words into cues. It does no I/O and does not modify its
// inputs. Ties on start time keep the order of segments.
func Align(scene *catalog.Scene, segments []*catalog.TranscriptSegment, opts Options) (Alignment, error) {
	if scene == nil || !(scene.StartTime < scene.EndTime) {
		return Alignment{}, ErrInvalidScene
	}

	result := Alignment{Cues: []Cue{}}

	selected := make([]*catalog.TranscriptSegment, 0, len(segments))
	for _, seg := range segments {
		if !(seg.StartTime < scene.EndTime && seg.EndTime > scene.StartTime) {
			continue
		}
		if seg.Confidence < opts.ConfidenceFloor {
			result.Warnings = append(result.Warnings, LowConfidenceWarning{
				SegmentID:  seg.ID,
				StartTime:  seg.StartTime,
				EndTime:    seg.EndTime,
				Confidence: seg.Confidence,
				Text:       seg.Text,
			})
			continue
		}
		selected = append(selected, seg)
	}

	sort.SliceStable(selected, func(i, j int) bool { return selected[i].StartTime < selected[j].StartTime })

	b := cueBuilder{sceneID: scene.ID}
	for _, seg := range selected {
		text := strings.Join(strings.Fields(seg.Text), " ")
		if text == "" {
			continue
		}
		start := max(seg.StartTime, scene.StartTime)
		end := min(seg.EndTime, scene.EndTime)

		if seg.SegmentType == catalog.SegmentTypePhrase {
			result.Cues = b.flush(result.Cues)
			b.add(start, end, text)
			result.Cues = b.flush(result.Cues)
			continue
		}

		if b.open() && start-b.end > opts.MergeGap+gapEpsilon {
			result.Cues = b.flush(result.Cues)
		}
		b.add(start, end, text)

		if opts.MaxCueWords > 0 && b.words >= opts.MaxCueWords {
			result.Cues = b.flush(result.Cues)
		} else if opts.BreakOnSentenceEnd && endsSentence(text) {
			result.Cues = b.flush(result.Cues)
		}
	}
	result.Cues = b.flush(result.Cues)

	return result, nil
}

type cueBuilder struct {
	sceneID string
	parts   []string
	start   float64
	end     float64
	words   int
	count   int
}

func (b *cueBuilder) open() bool {
	return b.count > 0
}

func (b *cueBuilder) add(start, end float64, text string) {
	if b.count == 0 {
		b.start = start
		b.end = end
	} else if end > b.end {
		b.end = end
	}
	b.parts = append(b.parts, text)
	b.words += len(strings.Fields(text))
	b.count++
}

func (b *cueBuilder) flush(cues []Cue) []Cue {
	if b.count == 0 {
		return cues
	}
	cues = append(cues, Cue{
		SceneID:      b.sceneID,
		StartTime:    b.start,
		EndTime:      b.end,
		Text:         strings.Join(b.parts, " "),
		SegmentCount: b.count,
	})
	b.parts = nil
	b.words = 0
	b.count = 0
	return cues
}

func endsSentence(text string) bool {
	text = strings.TrimRight(text, "\"')]”’")
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
