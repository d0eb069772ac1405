package subtitles

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/heimdex/heimdex-composer/internal/catalog"
)

func word(id string, start, end float64, text string) *catalog.TranscriptSegment {
	return &catalog.TranscriptSegment{ID: id, StartTime: start, EndTime: end, Text: text, Confidence: 0.9, SegmentType: catalog.SegmentTypeWord}
}

func scene(start, end float64) *catalog.Scene {
	return &catalog.Scene{ID: "scene-1", AnalysisID: "a1", StartTime: start, EndTime: end}
}

func familyGuySegments() []*catalog.TranscriptSegment {
	return []*catalog.TranscriptSegment{
		word("1", 3.5, 3.8, "for"),
		word("2", 3.8, 4.5, "Family"),
		word("3", 4.5, 4.8, "Guy"),
		word("4", 4.8, 5.2, "video."),
		word("5", 5.2, 5.5, "The"),
		word("6", 5.5, 6.0, "characters"),
		word("7", 6.0, 6.3, "are"),
		word("8", 6.3, 6.74, "talking."),
	}
}

func TestAlign_SceneWindowEndToEnd(t *testing.T) {
	a, err := Align(scene(3.64, 6.74), familyGuySegments(), DefaultOptions())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}

	if len(a.Cues) != 1 {
		t.Fatalf("len(Cues) = %d, want 1: %+v", len(a.Cues), a.Cues)
	}
	c := a.Cues[0]
	if c.StartTime != 3.64 {
		t.Errorf("StartTime = %v, want 3.64 (clamped from 3.5)", c.StartTime)
	}
	if c.EndTime != 6.74 {
		t.Errorf("EndTime = %v, want 6.74", c.EndTime)
	}
	if c.Text != "for Family Guy video. The characters are talking." {
		t.Errorf("Text = %q", c.Text)
	}
	if c.SegmentCount != 8 {
		t.Errorf("SegmentCount = %d, want 8", c.SegmentCount)
	}
	if c.SceneID != "scene-1" {
		t.Errorf("SceneID = %s, want scene-1", c.SceneID)
	}
	if len(a.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", a.Warnings)
	}
}

func TestAlign_SentenceBreaks(t *testing.T) {
	opts := DefaultOptions()
	opts.BreakOnSentenceEnd = true

	a, err := Align(scene(3.64, 6.74), familyGuySegments(), opts)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	want := []string{"for Family Guy video.", "The characters are talking."}
	if got := cueTexts(a.Cues); !reflect.DeepEqual(got, want) {
		t.Errorf("cues = %q, want %q", got, want)
	}
	if a.Cues[1].StartTime != 5.2 {
		t.Errorf("second cue StartTime = %v, want 5.2", a.Cues[1].StartTime)
	}
}

func TestAlign_MaxCueWords(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxCueWords = 3

	a, err := Align(scene(0, 10), familyGuySegments(), opts)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	want := []string{"for Family Guy", "video. The characters", "are talking."}
	if got := cueTexts(a.Cues); !reflect.DeepEqual(got, want) {
		t.Errorf("cues = %q, want %q", got, want)
	}
}

func TestAlign_MergeGap(t *testing.T) {
	segs := []*catalog.TranscriptSegment{
		word("1", 1.0, 1.5, "one"),
		word("2", 1.8, 2.0, "two"), // gap 0.3: merged
		word("3", 2.31, 2.6, "three"),
		word("4", 2.6, 2.9, "four"),
	}

	a, err := Align(scene(0, 10), segs, DefaultOptions())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	want := []string{"one two", "three four"}
	if got := cueTexts(a.Cues); !reflect.DeepEqual(got, want) {
		t.Errorf("cues = %q, want %q", got, want)
	}
	if a.Cues[0].EndTime != 2.0 || a.Cues[1].StartTime != 2.31 {
		t.Errorf("cue bounds = %+v", a.Cues)
	}

	wide := DefaultOptions()
	wide.MergeGap = 1
	a, _ = Align(scene(0, 10), segs, wide)
	if len(a.Cues) != 1 {
		t.Errorf("with MergeGap=1 got %d cues, want 1", len(a.Cues))
	}
}

func TestAlign_IntersectionRule(t *testing.T) {
	segs := []*catalog.TranscriptSegment{
		word("before", 1.0, 2.0, "before"),   // ends exactly at scene start
		word("left", 1.9, 2.2, "left"),       // straddles start
		word("inside", 2.3, 2.5, "inside"),   // contained
		word("right", 3.9, 4.3, "right"),     // straddles end
		word("after", 4.0, 4.5, "after"),     // starts exactly at scene end
		word("far", 10.0, 11.0, "far-after"), // unrelated
	}

	a, err := Align(scene(2, 4), segs, Options{MergeGap: 10})
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	if len(a.Cues) != 1 {
		t.Fatalf("len(Cues) = %d, want 1", len(a.Cues))
	}
	c := a.Cues[0]
	if c.Text != "left inside right" {
		t.Errorf("Text = %q, want %q", c.Text, "left inside right")
	}
	if c.StartTime != 2 || c.EndTime != 4 {
		t.Errorf("cue = [%v, %v], want clamped [2, 4]", c.StartTime, c.EndTime)
	}
}

func TestAlign_LowConfidenceExcluded(t *testing.T) {
	segs := familyGuySegments()
	segs[2].Confidence = 0.2

	a, err := Align(scene(3.64, 6.74), segs, DefaultOptions())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	if len(a.Warnings) != 1 || a.Warnings[0].SegmentID != "3" || a.Warnings[0].Confidence != 0.2 {
		t.Fatalf("Warnings = %+v, want one for segment 3", a.Warnings)
	}
	for _, c := range a.Cues {
		if strings.Contains(c.Text, "Guy") {
			t.Errorf("low confidence text leaked into cue %q", c.Text)
		}
	}
	// The excluded word leaves a 0.3s hole which is still within the merge gap.
	if len(a.Cues) != 1 || a.Cues[0].Text != "for Family video. The characters are talking." {
		t.Errorf("cues = %q", cueTexts(a.Cues))
	}

	var err2 error = a.Warnings[0]
	if !strings.Contains(err2.Error(), "low confidence") {
		t.Errorf("warning Error() = %q", err2.Error())
	}
}

func TestAlign_PhraseSegmentsStandAlone(t *testing.T) {
	segs := []*catalog.TranscriptSegment{
		word("1", 0.0, 0.5, "hello"),
		{ID: "2", StartTime: 0.5, EndTime: 2.0, Text: "a  whole phrase", Confidence: 1, SegmentType: catalog.SegmentTypePhrase},
		word("3", 2.0, 2.4, "bye"),
	}

	a, err := Align(scene(0, 5), segs, DefaultOptions())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	want := []string{"hello", "a whole phrase", "bye"}
	if got := cueTexts(a.Cues); !reflect.DeepEqual(got, want) {
		t.Errorf("cues = %q, want %q", got, want)
	}
}

func TestAlign_TiesKeepInsertionOrder(t *testing.T) {
	segs := []*catalog.TranscriptSegment{
		word("2", 2.0, 2.5, "late"),
		word("1a", 1.0, 1.2, "first"),
		word("1b", 1.0, 1.2, "second"),
	}

	a, err := Align(scene(0, 5), segs, Options{MergeGap: 0})
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	want := []string{"first second", "late"}
	if got := cueTexts(a.Cues); !reflect.DeepEqual(got, want) {
		t.Errorf("cues = %q, want %q", got, want)
	}
	if segs[0].ID != "2" {
		t.Error("Align() reordered the caller's slice")
	}
}

func TestAlign_EmptyAndSilent(t *testing.T) {
	a, err := Align(scene(0, 5), nil, DefaultOptions())
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	if a.Cues == nil || len(a.Cues) != 0 {
		t.Errorf("Cues = %#v, want empty non-nil", a.Cues)
	}

	a, _ = Align(scene(100, 105), familyGuySegments(), DefaultOptions())
	if len(a.Cues) != 0 {
		t.Errorf("silent scene produced cues: %+v", a.Cues)
	}
}

func TestAlign_InvalidScene(t *testing.T) {
	if _, err := Align(scene(5, 5), nil, DefaultOptions()); !errors.Is(err, ErrInvalidScene) {
		t.Errorf("Align(zero-length) error = %v, want ErrInvalidScene", err)
	}
	if _, err := Align(nil, nil, DefaultOptions()); !errors.Is(err, ErrInvalidScene) {
		t.Errorf("Align(nil) error = %v, want ErrInvalidScene", err)
	}
}

func TestAlign_Idempotent(t *testing.T) {
	segs := familyGuySegments()
	segs[5].Confidence = 0.1
	first, _ := Align(scene(3.64, 6.74), segs, DefaultOptions())
	second, _ := Align(scene(3.64, 6.74), segs, DefaultOptions())
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Align() not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestAlign_ContainmentProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		var segs []*catalog.TranscriptSegment
		cursor := 0.0
		for i := 0; i < 40; i++ {
			cursor += rng.Float64() * 0.6
			length := 0.05 + rng.Float64()*0.5
			segs = append(segs, word(fmt.Sprint(i), cursor, cursor+length, fmt.Sprintf("w%d", i)))
			cursor += length
		}
		start := rng.Float64() * cursor / 2
		sc := scene(start, start+0.5+rng.Float64()*cursor/2)

		a, err := Align(sc, segs, DefaultOptions())
		if err != nil {
			t.Fatalf("Align() error = %v", err)
		}

		inCue := map[string]bool{}
		for _, c := range a.Cues {
			if c.StartTime < sc.StartTime || c.EndTime > sc.EndTime || c.StartTime >= c.EndTime {
				t.Fatalf("cue [%v,%v] escapes scene [%v,%v]", c.StartTime, c.EndTime, sc.StartTime, sc.EndTime)
			}
			for _, w := range strings.Fields(c.Text) {
				inCue[w] = true
			}
		}
		for i := 1; i < len(a.Cues); i++ {
			if a.Cues[i].StartTime < a.Cues[i-1].StartTime {
				t.Fatalf("cues out of order at %d", i)
			}
		}

		for _, s := range segs {
			contained := s.StartTime >= sc.StartTime && s.EndTime <= sc.EndTime
			outside := s.EndTime <= sc.StartTime || s.StartTime >= sc.EndTime
			if contained && !inCue[s.Text] {
				t.Fatalf("contained segment %s missing from cues", s.Text)
			}
			if outside && inCue[s.Text] {
				t.Fatalf("outside segment %s leaked into cues", s.Text)
			}
		}
	}
}

type fakeStore struct {
	transcript *catalog.VideoTranscript
	segments   []*catalog.TranscriptSegment
	err        error
}

func (f *fakeStore) GetTranscript(ctx context.Context, id string) (*catalog.VideoTranscript, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.transcript == nil || f.transcript.ID != id {
		return nil, nil
	}
	return f.transcript, nil
}

func (f *fakeStore) SegmentsInWindow(ctx context.Context, transcriptID string, start, end float64) ([]*catalog.TranscriptSegment, error) {
	return f.segments, nil
}

func TestEngine_ExtractCues(t *testing.T) {
	store := &fakeStore{
		transcript: &catalog.VideoTranscript{ID: "t1", Status: catalog.TranscriptStatusCompleted},
		segments:   familyGuySegments(),
	}
	engine := NewEngine(store, DefaultOptions(), nil)

	cues, err := engine.ExtractCues(context.Background(), scene(3.64, 6.74), "t1")
	if err != nil {
		t.Fatalf("ExtractCues() error = %v", err)
	}
	if len(cues) != 1 || cues[0].StartTime != 3.64 {
		t.Errorf("cues = %+v", cues)
	}
}

func TestEngine_ExtractCues_Errors(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
		id    string
		want  error
	}{
		{"not found", &fakeStore{}, "t1", catalog.ErrTranscriptNotFound},
		{"pending", &fakeStore{transcript: &catalog.VideoTranscript{ID: "t1", Status: catalog.TranscriptStatusPending}}, "t1", ErrTranscriptNotReady},
		{"failed", &fakeStore{transcript: &catalog.VideoTranscript{ID: "t1", Status: catalog.TranscriptStatusFailed}}, "t1", ErrTranscriptNotReady},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewEngine(tc.store, DefaultOptions(), nil)
			_, err := engine.ExtractCues(context.Background(), scene(0, 5), tc.id)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ExtractCues() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func cueTexts(cues []Cue) []string {
	out := make([]string, len(cues))
	for i, c := range cues {
		out[i] = c.Text
	}
	return out
}
