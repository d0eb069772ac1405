package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/heimdex/heimdex-composer/internal/segments"
)

var validate = validator.New()

// SceneLookup answers whether a scene belongs to an analysis.
type SceneLookup interface {
	SceneExists(ctx context.Context, analysisID, sceneID string) (bool, error)
}

// raw* types mirror the editor payload. Both the editor's camelCase keys and
// snake_case keys are accepted.
type rawTimeline struct {
	ID            string             `json:"id"`
	Size          *rawSize           `json:"size"`
	CanvasSize    *rawSize           `json:"canvas_size"`
	Duration      float64            `json:"duration"`
	FPS           float64            `json:"fps"`
	TrackItemsMap map[string]rawItem `json:"trackItemsMap"`
	TrackItemIDs  []string           `json:"trackItemIds"`
	Clips         []rawItem          `json:"clips"`
	Items         []rawItem          `json:"items"`
}

type rawSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type rawWindow struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

type rawItem struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Display       *rawWindow `json:"display"`
	DisplayWindow *rawWindow `json:"display_window"`
	Trim          *rawWindow `json:"trim"`
	SourceRef     string     `json:"source_ref"`
	Details       struct {
		Src          string   `json:"src"`
		Volume       *float64 `json:"volume"`
		PlaybackRate *float64 `json:"playbackRate"`
	} `json:"details"`
	Metadata struct {
		IsMezzanine      bool   `json:"isMezzanine"`
		IsMezzanineSnake bool   `json:"is_mezzanine"`
		SceneID          string `json:"sceneId"`
		SceneIDSnake     string `json:"scene_id"`
	} `json:"metadata"`
}

type canvasSpec struct {
	Width  int `validate:"gt=0,lte=8192"`
	Height int `validate:"gt=0,lte=8192"`
}

type windowSpec struct {
	From int64 `validate:"gte=0"`
	To   int64 `validate:"gtfield=From"`
}

type playbackSpec struct {
	Volume float64 `validate:"gte=0,lte=1000"`
	Rate   float64 `validate:"gte=0.5,lte=2"`
}

// Parse decodes and validates a raw timeline for analysisID. Items come back
// stable-sorted by display start. Parsing the same bytes twice yields equal
// values.
func Parse(ctx context.Context, raw []byte, analysisID string, lookup SceneLookup) (*Timeline, error) {
	var rt rawTimeline
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&rt); err != nil {
		return nil, invalid(CodeInvalidPayload, "", "timeline is not valid JSON: %v", err)
	}
	return build(ctx, &rt, analysisID, lookup)
}

func build(ctx context.Context, rt *rawTimeline, analysisID string, lookup SceneLookup) (*Timeline, error) {
	if analysisID == "" {
		return nil, invalid(CodeInvalidPayload, "", "analysis_id is required")
	}

	size := rt.Size
	if size == nil {
		size = rt.CanvasSize
	}
	if size == nil {
		return nil, invalid(CodeInvalidCanvas, "", "canvas size is required")
	}
	canvas := canvasSpec{Width: int(size.Width), Height: int(size.Height)}
	if size.Width != math.Trunc(size.Width) || size.Height != math.Trunc(size.Height) || validate.Struct(canvas) != nil {
		return nil, invalid(CodeInvalidCanvas, "", "canvas size must be positive integers, got %vx%v", size.Width, size.Height)
	}

	duration := toMs(rt.Duration)
	if validate.Var(duration, "gt=0") != nil {
		return nil, invalid(CodeInvalidDuration, "", "duration must be positive, got %v", rt.Duration)
	}

	rawItems, err := collectItems(rt)
	if err != nil {
		return nil, err
	}
	if len(rawItems) == 0 {
		return nil, invalid(CodeEmptyTimeline, "", "timeline has no track items")
	}

	items := make([]TrackItem, 0, len(rawItems))
	seen := make(map[string]bool, len(rawItems))
	for _, ri := range rawItems {
		if seen[ri.ID] {
			return nil, invalid(CodeInvalidPayload, ri.ID, "duplicate track item id")
		}
		seen[ri.ID] = true

		item, err := buildItem(ctx, ri, analysisID, lookup)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Display.From < items[j].Display.From })

	tl := &Timeline{
		ID:         rt.ID,
		AnalysisID: analysisID,
		Canvas:     Size{Width: canvas.Width, Height: canvas.Height},
		DurationMs: duration,
		FPS:        rt.FPS,
		Items:      items,
	}

	if end := tl.End(); tl.DurationMs < end {
		return nil, invalid(CodeDurationTooShort, "", "duration %dms is shorter than the last item end %dms", tl.DurationMs, end)
	}

	for i := 1; i < len(items); i++ {
		if items[i].Display.From < items[i-1].Display.To {
			return nil, invalid(CodeOverlappingItems, items[i].ID, "display window overlaps item %s", items[i-1].ID)
		}
	}

	return tl, nil
}

// collectItems flattens the accepted item layouts into one list in payload order.
func collectItems(rt *rawTimeline) ([]rawItem, error) {
	switch {
	case len(rt.TrackItemsMap) > 0:
		ids := rt.TrackItemIDs
		if len(ids) == 0 {
			ids = make([]string, 0, len(rt.TrackItemsMap))
			for id := range rt.TrackItemsMap {
				ids = append(ids, id)
			}
			sort.Strings(ids)
		}
		out := make([]rawItem, 0, len(ids))
		for _, id := range ids {
			ri, ok := rt.TrackItemsMap[id]
			if !ok {
				return nil, invalid(CodeInvalidPayload, id, "listed in trackItemIds but missing from trackItemsMap")
			}
			if ri.ID == "" {
				ri.ID = id
			}
			out = append(out, ri)
		}
		return out, nil

	case len(rt.Clips) > 0 || len(rt.Items) > 0:
		list := rt.Clips
		if len(list) == 0 {
			list = rt.Items
		}
		out := make([]rawItem, len(list))
		for i, ri := range list {
			if ri.ID == "" {
				ri.ID = fmt.Sprintf("item-%d", i)
			}
			out[i] = ri
		}
		return out, nil
	}
	return nil, nil
}

func buildItem(ctx context.Context, ri rawItem, analysisID string, lookup SceneLookup) (TrackItem, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(ri.Type)))
	if kind == "" {
		kind = KindVideo
	}
	if kind != KindVideo {
		return TrackItem{}, invalid(CodeUnsupportedItemType, ri.ID, "item type %q cannot be exported", ri.Type)
	}

	display := ri.Display
	if display == nil {
		display = ri.DisplayWindow
	}
	if display == nil {
		return TrackItem{}, invalid(CodeInvalidDisplayWindow, ri.ID, "display window is required")
	}
	dw := windowSpec{From: toMs(display.From), To: toMs(display.To)}
	if validate.Struct(dw) != nil {
		return TrackItem{}, invalid(CodeInvalidDisplayWindow, ri.ID, "display window must satisfy 0 <= from < to, got [%v, %v]", display.From, display.To)
	}

	item := TrackItem{
		ID:           ri.ID,
		Kind:         kind,
		Display:      Window(dw),
		Volume:       100,
		PlaybackRate: 1,
	}

	if ri.Trim != nil {
		tw := windowSpec{From: toMs(ri.Trim.From), To: toMs(ri.Trim.To)}
		if validate.Struct(tw) != nil {
			return TrackItem{}, invalid(CodeInvalidTrim, ri.ID, "trim must satisfy 0 <= from < to, got [%v, %v]", ri.Trim.From, ri.Trim.To)
		}
		w := Window(tw)
		item.Trim = &w
	}

	if ri.Details.Volume != nil {
		item.Volume = *ri.Details.Volume
	}
	if ri.Details.PlaybackRate != nil {
		item.PlaybackRate = *ri.Details.PlaybackRate
	}
	if validate.Struct(playbackSpec{Volume: item.Volume, Rate: item.PlaybackRate}) != nil {
		return TrackItem{}, invalid(CodeInvalidPlayback, ri.ID, "volume must be within [0, 1000] and playback rate within [0.5, 2]")
	}

	sceneID := ri.Metadata.SceneID
	if sceneID == "" {
		sceneID = ri.Metadata.SceneIDSnake
	}
	isMezzanine := ri.Metadata.IsMezzanine || ri.Metadata.IsMezzanineSnake

	src := ri.Details.Src
	if src == "" {
		src = ri.SourceRef
	}

	var ref segments.Ref
	if src != "" {
		parsed, err := segments.ParseURL(src)
		if err != nil {
			return TrackItem{}, invalid(CodeUnresolvableSource, ri.ID, "%v", err)
		}
		if parsed.AnalysisID != analysisID {
			return TrackItem{}, invalid(CodeUnresolvableSource, ri.ID, "source belongs to analysis %s, not %s", parsed.AnalysisID, analysisID)
		}
		if parsed.Quality == segments.QualityMezzanine {
			isMezzanine = true
		}
		if fileScene, ok := parsed.SceneID(); ok {
			if sceneID == "" {
				sceneID = fileScene
			} else if fileScene != sceneID {
				return TrackItem{}, invalid(CodeUnresolvableSource, ri.ID, "source is scene %s but metadata names scene %s", fileScene, sceneID)
			}
		}
		ref = parsed
	} else {
		if !isMezzanine || sceneID == "" {
			return TrackItem{}, invalid(CodeUnresolvableSource, ri.ID, "item has no source and no mezzanine scene to derive one from")
		}
		ref = segments.MezzanineRef(analysisID, sceneID)
		if err := ref.Validate(); err != nil {
			return TrackItem{}, invalid(CodeUnresolvableSource, ri.ID, "%v", err)
		}
	}

	if isMezzanine {
		if sceneID == "" {
			return TrackItem{}, invalid(CodeMissingSceneReference, ri.ID, "mezzanine item carries no scene id")
		}
		if lookup == nil {
			return TrackItem{}, fmt.Errorf("no scene lookup configured")
		}
		ok, err := lookup.SceneExists(ctx, analysisID, sceneID)
		if err != nil {
			return TrackItem{}, fmt.Errorf("scene lookup failed: %w", err)
		}
		if !ok {
			return TrackItem{}, invalid(CodeUnknownSceneReference, ri.ID, "scene %s does not exist in analysis %s", sceneID, analysisID)
		}
	}

	item.Source = ref
	item.Metadata = Metadata{IsMezzanine: isMezzanine, SceneID: sceneID}
	return item, nil
}

func toMs(v float64) int64 {
	return int64(math.Round(v))
}
