// Package timeline parses the editor's timeline JSON into a validated,
// display-ordered Timeline.
package timeline

import (
	"fmt"

	"github.com/heimdex/heimdex-composer/internal/segments"
)

type Kind string

const (
	KindVideo Kind = "video"
)

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Window is a half-open [From, To) interval in milliseconds.
type Window struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (w Window) Duration() int64 {
	return w.To - w.From
}

type Metadata struct {
	IsMezzanine bool   `json:"is_mezzanine"`
	SceneID     string `json:"scene_id,omitempty"`
}

// TrackItem is one clip placed on the timeline. Display is on the timeline
// clock; Trim, when set, is the in/out range within the source.
type TrackItem struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	Display      Window       `json:"display"`
	Trim         *Window      `json:"trim,omitempty"`
	Source       segments.Ref `json:"source"`
	Metadata     Metadata     `json:"metadata"`
	Volume       float64      `json:"volume"`
	PlaybackRate float64      `json:"playback_rate"`
}

// InPoint is where playback starts inside the source, in milliseconds.
func (it TrackItem) InPoint() int64 {
	if it.Trim == nil {
		return 0
	}
	return it.Trim.From
}

type Timeline struct {
	ID         string      `json:"id"`
	AnalysisID string      `json:"analysis_id"`
	Canvas     Size        `json:"canvas"`
	DurationMs int64       `json:"duration_ms"`
	FPS        float64     `json:"fps,omitempty"`
	Items      []TrackItem `json:"items"`
}

// End is the largest display end across items.
func (t *Timeline) End() int64 {
	var end int64
	for _, it := range t.Items {
		if it.Display.To > end {
			end = it.Display.To
		}
	}
	return end
}

type Code string

const (
	CodeInvalidPayload        Code = "InvalidPayload"
	CodeEmptyTimeline         Code = "EmptyTimeline"
	CodeInvalidCanvas         Code = "InvalidCanvas"
	CodeInvalidDuration       Code = "InvalidDuration"
	CodeInvalidDisplayWindow  Code = "InvalidDisplayWindow"
	CodeInvalidTrim           Code = "InvalidTrim"
	CodeInvalidPlayback       Code = "InvalidPlayback"
	CodeUnsupportedItemType   Code = "UnsupportedItemType"
	CodeUnresolvableSource    Code = "UnresolvableSource"
	CodeMissingSceneReference Code = "MissingSceneReference"
	CodeUnknownSceneReference Code = "UnknownSceneReference"
	CodeDurationTooShort      Code = "DurationTooShort"
	CodeOverlappingItems      Code = "OverlappingItems"
)

// ValidationError rejects a timeline before any render work starts.
type ValidationError struct {
	Code    Code   `json:"code"`
	ItemID  string `json:"item_id,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s: item %s: %s", e.Code, e.ItemID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code Code, itemID, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, ItemID: itemID, Message: fmt.Sprintf(format, args...)}
}
