package export

import (
	"math"

	"github.com/heimdex/heimdex-composer/internal/segments"
	"github.com/heimdex/heimdex-composer/internal/timeline"
)

type PieceKind string

const (
	PieceClip   PieceKind = "clip"
	PieceFiller PieceKind = "filler"
)

// Piece is one contiguous stretch of the output. Record times are on the
// timeline clock; pieces tile [0, Plan.DurationMs) with no gaps.
type Piece struct {
	Kind       PieceKind
	RecordFrom int64
	RecordTo   int64

	// clip only
	ItemIndex    int
	ItemID       string
	SceneID      string
	Source       segments.Ref
	SourcePath   string
	InPointMs    int64
	ReadMs       int64 // source milliseconds consumed
	HasAudio     bool
	Volume       float64
	PlaybackRate float64
}

func (p Piece) DurationMs() int64 {
	return p.RecordTo - p.RecordFrom
}

type Plan struct {
	Pieces     []Piece
	DurationMs int64
}

// Clips returns how many pieces come from track items.
func (p Plan) Clips() int {
	n := 0
	for _, pc := range p.Pieces {
		if pc.Kind == PieceClip {
			n++
		}
	}
	return n
}

// BuildPlan lays the timeline's items out in display order, inserting a
// filler for every gap and padding the tail up to the timeline duration.
// Items must already be sorted and non-overlapping.
func BuildPlan(tl *timeline.Timeline) Plan {
	pieces := make([]Piece, 0, 2*len(tl.Items)+1)
	var cursor int64

	for i, it := range tl.Items {
		if it.Display.From > cursor {
			pieces = append(pieces, filler(cursor, it.Display.From))
		}
		pieces = append(pieces, Piece{
			Kind:         PieceClip,
			RecordFrom:   it.Display.From,
			RecordTo:     it.Display.To,
			ItemIndex:    i,
			ItemID:       it.ID,
			SceneID:      it.Metadata.SceneID,
			Source:       it.Source,
			InPointMs:    it.InPoint(),
			ReadMs:       readLength(it),
			HasAudio:     true,
			Volume:       it.Volume,
			PlaybackRate: it.PlaybackRate,
		})
		cursor = it.Display.To
	}

	if tl.DurationMs > cursor {
		pieces = append(pieces, filler(cursor, tl.DurationMs))
		cursor = tl.DurationMs
	}
	return Plan{Pieces: pieces, DurationMs: cursor}
}

func filler(from, to int64) Piece {
	return Piece{Kind: PieceFiller, RecordFrom: from, RecordTo: to, ItemIndex: -1}
}

// readLength is how much source a display window consumes at the item's
// playback rate, bounded by the trim window.
func readLength(it timeline.TrackItem) int64 {
	rate := it.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	n := int64(math.Round(float64(it.Display.Duration()) * rate))
	if it.Trim != nil && it.Trim.Duration() < n {
		n = it.Trim.Duration()
	}
	return n
}
