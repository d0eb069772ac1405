package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/db"
	"github.com/heimdex/heimdex-composer/internal/export"
	"github.com/heimdex/heimdex-composer/internal/media"
	"github.com/heimdex/heimdex-composer/internal/playback"
	"github.com/heimdex/heimdex-composer/internal/segments"
	"github.com/heimdex/heimdex-composer/internal/subtitles"
)

// stubToolkit stands in for ffmpeg: every output is a small text file.
type stubToolkit struct {
	mu         sync.Mutex
	failConcat bool
}

func (s *stubToolkit) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	return &media.ProbeResult{DurationMs: 60_000, HasVideo: true, HasAudio: true, Width: 1280, Height: 720}, nil
}

func (s *stubToolkit) RenderClip(ctx context.Context, spec media.ClipSpec) error {
	return os.WriteFile(spec.Output, []byte("clip:"+filepath.Base(spec.Input)+"\n"), 0644)
}

func (s *stubToolkit) RenderFiller(ctx context.Context, spec media.FillerSpec) error {
	return os.WriteFile(spec.Output, []byte(fmt.Sprintf("filler:%d\n", spec.DurationMs)), 0644)
}

func (s *stubToolkit) Concat(ctx context.Context, inputs []string, output string) error {
	s.mu.Lock()
	fail := s.failConcat
	s.mu.Unlock()
	if fail {
		return &media.ToolError{Op: "concat", ExitCode: 1, StderrTail: "muxer error"}
	}
	var out bytes.Buffer
	for _, in := range inputs {
		b, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		out.Write(b)
	}
	return os.WriteFile(output, out.Bytes(), 0644)
}

type fakeChecker struct {
	caps *media.Capabilities
}

func (f *fakeChecker) Check(ctx context.Context) (*media.Capabilities, error) {
	if f.caps == nil {
		return nil, errors.New("ffmpeg not found")
	}
	return f.caps, nil
}

type testEnv struct {
	router       http.Handler
	cfg          ServerConfig
	repo         *catalog.SQLiteRepository
	service      *catalog.Service
	runner       *export.Runner
	kit          *stubToolkit
	segmentsRoot string
	exportsDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	database, err := db.New(filepath.Join(dir, "composer.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := catalog.NewRepository(database.Conn())
	svc := catalog.NewService(repo, nil)
	store := segments.NewStore(filepath.Join(dir, "segments"))
	kit := &stubToolkit{}
	exportsDir := filepath.Join(dir, "exports")

	comp := export.NewCompositor(export.Config{ExportsDir: exportsDir, Workers: 2}, store, svc, kit, repo)
	runner := export.NewRunner(comp, repo, svc, 1, 10*time.Millisecond, nil)

	doctor := media.NewCachedDoctor(&fakeChecker{caps: &media.Capabilities{
		FFmpegVersion: "6.1.1",
		Encoder:       "libx264",
		HasEncoder:    true,
		ProbedAt:      time.Now(),
	}}, nil)
	if _, err := doctor.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg := ServerConfig{
		Catalog:    svc,
		Exports:    repo,
		Subtitles:  subtitles.NewEngine(svc, subtitles.Options{MergeGap: 0.5, ConfidenceFloor: 0.3}, nil),
		Segments:   store,
		Runner:     runner,
		Playback:   playback.NewServer(nil),
		Doctor:     doctor,
		ExportsDir: exportsDir,
		DiskFree: func(ctx context.Context, path string) (uint64, error) {
			return 50 << 30, nil
		},
		StartTime: time.Now().Add(-10 * time.Second),
		Version:   "test",
	}

	return &testEnv{
		router:       NewRouter(cfg),
		cfg:          cfg,
		repo:         repo,
		service:      svc,
		runner:       runner,
		kit:          kit,
		segmentsRoot: filepath.Join(dir, "segments"),
		exportsDir:   exportsDir,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// seed records two scenes for a1 and writes their mezzanine segments.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/analysis/a1/scenes", map[string]any{
		"video_duration": 20,
		"scenes": []map[string]any{
			{"scene_id": "s1", "start_time": 0, "end_time": 5},
			{"scene_id": "s2", "start_time": 5, "end_time": 12},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("record scenes status = %d: %s", rr.Code, rr.Body.String())
	}

	dir := filepath.Join(e.segmentsRoot, "a1", "segments", "mezzanine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"s1", "s2"} {
		name := fmt.Sprintf("scene_%s_mezzanine.mp4", id)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("mezzanine "+id), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rr.Body.String(), err)
	}
	return body
}

func timelineData(items ...string) json.RawMessage {
	return json.RawMessage(`{"size": {"width": 1280, "height": 720}, "duration": 9000, "clips": [` + strings.Join(items, ",") + `]}`)
}

func mezzClip(sceneID string, from, to int) string {
	return fmt.Sprintf(`{"display": {"from": %d, "to": %d}, "metadata": {"isMezzanine": true, "sceneId": %q}}`, from, to, sceneID)
}

func videoRequest(async bool, tl json.RawMessage) map[string]any {
	return map[string]any{
		"analysis_id":          "a1",
		"export_name":          "Demo Cut",
		"timeline_data":        tl,
		"composition_settings": map[string]any{"width": 1280, "height": 720, "fps": 30},
		"async":                async,
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	ffmpeg, ok := body["ffmpeg"].(map[string]any)
	if !ok || ffmpeg["version"] != "6.1.1" || ffmpeg["encoder_available"] != true {
		t.Errorf("ffmpeg = %v", body["ffmpeg"])
	}
	exports := body["exports"].(map[string]any)
	if exports["disk_free"] != "54 GB" {
		t.Errorf("exports.disk_free = %v", exports["disk_free"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *ServerConfig)
	}{
		{"toolchain never probed", func(cfg *ServerConfig) {
			cfg.Doctor = media.NewCachedDoctor(&fakeChecker{}, nil)
		}},
		{"low disk", func(cfg *ServerConfig) {
			cfg.MinFreeDiskBytes = 100 << 30
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			cfg := e.cfg
			tt.mutate(&cfg)

			rr := httptest.NewRecorder()
			healthHandler(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if body := decodeJSONBody(t, rr); body["status"] != "degraded" {
				t.Errorf("status = %v, want degraded", body["status"])
			}
		})
	}
}

func TestScenes(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	rr := e.do(t, http.MethodGet, "/api/analysis/a1/scenes", nil)
	scenes := decodeJSONBody(t, rr)["scenes"].([]any)
	if len(scenes) != 2 {
		t.Fatalf("len(scenes) = %d, want 2", len(scenes))
	}

	rr = e.do(t, http.MethodPost, "/api/analysis/a1/scenes", map[string]any{
		"scenes": []map[string]any{{"start_time": 0, "end_time": 1}},
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("second ingest status = %d, want 409", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/api/analysis/a2/scenes", map[string]any{
		"scenes": []map[string]any{{"start_time": 3, "end_time": 1}},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("inverted scene status = %d, want 400", rr.Code)
	}

	if rr := e.do(t, http.MethodDelete, "/api/analysis/a1", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/api/analysis/a1/scenes", nil)
	if scenes := decodeJSONBody(t, rr)["scenes"].([]any); len(scenes) != 0 {
		t.Errorf("scenes after delete = %v", scenes)
	}
}

func TestTranscriptAndSubtitles(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	if rr := e.do(t, http.MethodGet, "/api/analysis/a1/scenes/s1/subtitles", nil); rr.Code != http.StatusNotFound {
		t.Errorf("subtitles without transcript status = %d, want 404", rr.Code)
	}

	rr := e.do(t, http.MethodPost, "/api/analysis/a1/transcript", map[string]any{"video_filename": "demo.mp4", "video_duration": 20})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create transcript status = %d: %s", rr.Code, rr.Body.String())
	}
	transcriptID := decodeJSONBody(t, rr)["id"].(string)

	if rr := e.do(t, http.MethodGet, "/api/analysis/a1/scenes/s1/subtitles", nil); rr.Code != http.StatusConflict {
		t.Errorf("subtitles of pending transcript status = %d, want 409", rr.Code)
	}

	if rr := e.do(t, http.MethodPut, "/api/transcripts/"+transcriptID+"/status", map[string]any{"status": "completed"}); rr.Code != http.StatusBadRequest {
		t.Errorf("status=completed via PUT = %d, want 400", rr.Code)
	}
	if rr := e.do(t, http.MethodPut, "/api/transcripts/"+transcriptID+"/status", map[string]any{"status": "processing"}); rr.Code != http.StatusOK {
		t.Fatalf("status=processing = %d: %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/api/transcripts/"+transcriptID+"/segments", map[string]any{
		"segments": []map[string]any{
			{"start_time": 1.0, "end_time": 1.4, "text": "Hello", "confidence": 0.9, "segment_type": "word"},
			{"start_time": 1.5, "end_time": 1.9, "text": "world", "confidence": 0.9, "segment_type": "word"},
			{"start_time": 6.0, "end_time": 6.5, "text": "Again", "confidence": 0.9, "segment_type": "word"},
			{"start_time": 7.0, "end_time": 7.5, "text": "mumble", "confidence": 0.1, "segment_type": "word"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete transcript status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/api/analysis/a1/scenes/s1/subtitles", nil)
	body := decodeJSONBody(t, rr)
	cues := body["cues"].([]any)
	if len(cues) != 1 || cues[0].(map[string]any)["text"] != "Hello world" {
		t.Fatalf("cues = %v", cues)
	}

	rr = e.do(t, http.MethodGet, "/api/analysis/a1/scenes/s2/subtitles?relative=true", nil)
	body = decodeJSONBody(t, rr)
	cue := body["cues"].([]any)[0].(map[string]any)
	if cue["start_time"] != 1.0 || cue["end_time"] != 1.5 {
		t.Errorf("relative cue = %v, want 1.0-1.5", cue)
	}
	if warnings, _ := body["warnings"].([]any); len(warnings) != 1 {
		t.Errorf("warnings = %v, want the low confidence segment", body["warnings"])
	}

	rr = e.do(t, http.MethodGet, "/api/analysis/a1/scenes/s2/subtitles?format=srt&relative=true", nil)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/x-subrip") {
		t.Errorf("srt Content-Type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "00:00:01,000 --> 00:00:01,500\nAgain") {
		t.Errorf("srt body = %q", rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/api/analysis/a1/scenes/s1/subtitles?format=vtt", nil)
	if !strings.HasPrefix(rr.Body.String(), "WEBVTT") {
		t.Errorf("vtt body = %q", rr.Body.String())
	}

	for path, want := range map[string]int{
		"/api/analysis/a1/scenes/s9/subtitles":            http.StatusNotFound,
		"/api/analysis/a1/scenes/s1/subtitles?format=ass": http.StatusBadRequest,
		"/api/analysis/a1/scenes/s1/subtitles?relative=x": http.StatusBadRequest,
	} {
		if rr := e.do(t, http.MethodGet, path, nil); rr.Code != want {
			t.Errorf("GET %s status = %d, want %d", path, rr.Code, want)
		}
	}
}

func TestExportVideo_SyncAndDownload(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	rr := e.do(t, http.MethodPost, "/api/export/video", videoRequest(false, timelineData(mezzClip("s1", 0, 4000), mezzClip("s2", 5000, 9000))))
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSONBody(t, rr)
	if body["segments_count"] != 2.0 {
		t.Errorf("segments_count = %v, want 2", body["segments_count"])
	}
	filename := body["filename"].(string)
	if !strings.HasPrefix(filename, "export_Demo_Cut_") || !strings.HasSuffix(filename, ".mp4") {
		t.Errorf("filename = %q", filename)
	}
	if _, leaked := body["file_path"]; leaked {
		t.Error("response must not expose the server file path")
	}
	downloadURL := body["download_url"].(string)

	rr = e.do(t, http.MethodGet, downloadURL, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("download status = %d", rr.Code)
	}
	want := "clip:scene_s1_mezzanine.mp4\nfiller:1000\nclip:scene_s2_mezzanine.mp4\n"
	if rr.Body.String() != want {
		t.Errorf("download body = %q, want %q", rr.Body.String(), want)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, filename) {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rr = e.do(t, http.MethodGet, downloadURL, nil, "Range", "bytes=0-3")
	if rr.Code != http.StatusPartialContent || rr.Body.String() != "clip" {
		t.Errorf("range download = %d %q", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodHead, downloadURL, nil)
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 || rr.Header().Get("Content-Length") != fmt.Sprint(len(want)) {
		t.Errorf("HEAD = %d, body %d bytes, Content-Length %q", rr.Code, rr.Body.Len(), rr.Header().Get("Content-Length"))
	}

	rr = e.do(t, http.MethodGet, "/api/analysis/a1/exports", nil)
	if exports := decodeJSONBody(t, rr)["exports"].([]any); len(exports) != 1 {
		t.Errorf("exports = %v", exports)
	}
}

func TestExportVideo_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		setup      func(e *testEnv)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			body:       `{"analysis_id": `,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name: "missing analysis id",
			body: map[string]any{
				"timeline_data": timelineData(mezzClip("s1", 0, 1000)),
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PAYLOAD",
		},
		{
			name:       "empty timeline",
			body:       videoRequest(false, timelineData()),
			wantStatus: http.StatusBadRequest,
			wantCode:   "EMPTY_TIMELINE",
		},
		{
			name:       "overlapping items",
			body:       videoRequest(false, timelineData(mezzClip("s1", 0, 3000), mezzClip("s2", 2000, 4000))),
			wantStatus: http.StatusBadRequest,
			wantCode:   "OVERLAPPING_ITEMS",
		},
		{
			name:       "unknown scene",
			body:       videoRequest(false, timelineData(mezzClip("ghost", 0, 1000))),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "UNKNOWN_SCENE_REFERENCE",
		},
		{
			name: "segment file missing",
			body: videoRequest(false, timelineData(mezzClip("s1", 0, 1000), mezzClip("s2", 1000, 2000))),
			setup: func(e *testEnv) {
				os.Remove(filepath.Join(e.segmentsRoot, "a1", "segments", "mezzanine", "scene_s2_mezzanine.mp4"))
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "SOURCE_UNAVAILABLE",
		},
		{
			name: "concat fails",
			body: videoRequest(false, timelineData(mezzClip("s1", 0, 1000))),
			setup: func(e *testEnv) {
				e.kit.failConcat = true
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "RENDER_FAILURE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.seed(t)
			if tt.setup != nil {
				tt.setup(e)
			}

			rr := e.do(t, http.MethodPost, "/api/export/video", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			body := decodeJSONBody(t, rr)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
			if body["error"] == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}

func TestExportVideo_SourceUnavailableDetails(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	os.Remove(filepath.Join(e.segmentsRoot, "a1", "segments", "mezzanine", "scene_s2_mezzanine.mp4"))

	rr := e.do(t, http.MethodPost, "/api/export/video", videoRequest(false, timelineData(mezzClip("s1", 0, 1000), mezzClip("s2", 1000, 2000))))
	details, ok := decodeJSONBody(t, rr)["details"].(map[string]any)
	if !ok || details["item_index"] != 1.0 || details["scene_id"] != "s2" {
		t.Errorf("details = %v, want item 1 scene s2", details)
	}

	entries, _ := os.ReadDir(filepath.Join(e.exportsDir, "a1"))
	if len(entries) != 0 {
		t.Errorf("failed export left %d files behind", len(entries))
	}
}

func TestExportVideo_Async(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.runner.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rr := e.do(t, http.MethodPost, "/api/export/video", videoRequest(true, timelineData(mezzClip("s1", 0, 2000))))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("async export status = %d: %s", rr.Code, rr.Body.String())
	}
	accepted := decodeJSONBody(t, rr)
	if accepted["state"] != "queued" {
		t.Errorf("state = %v, want queued", accepted["state"])
	}
	statusURL := accepted["status_url"].(string)

	var status map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for {
		status = decodeJSONBody(t, e.do(t, http.MethodGet, statusURL, nil))
		if status["state"] == "completed" || status["state"] == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %v", status["state"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status["state"] != "completed" {
		t.Fatalf("job = %v", status)
	}
	result, ok := status["result"].(map[string]any)
	if !ok || result["download_url"] == "" {
		t.Errorf("result = %v", status["result"])
	}

	rr = e.do(t, http.MethodDelete, statusURL, nil)
	if rr.Code != http.StatusConflict || decodeJSONBody(t, rr)["code"] != "JOB_FINISHED" {
		t.Errorf("cancel finished job = %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/api/export/jobs", nil)
	if jobs := decodeJSONBody(t, rr)["jobs"].([]any); len(jobs) != 1 {
		t.Errorf("jobs = %v", jobs)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	e.runner.Pause()

	rr := e.do(t, http.MethodPost, "/api/export/video", videoRequest(true, timelineData(mezzClip("s1", 0, 2000))))
	jobID := decodeJSONBody(t, rr)["job_id"].(string)

	rr = e.do(t, http.MethodDelete, "/api/export/jobs/"+jobID, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSONBody(t, rr)
	if body["state"] != "failed" || body["error_kind"] != "cancelled" {
		t.Errorf("cancelled job = %v", body)
	}

	if rr := e.do(t, http.MethodGet, "/api/export/jobs/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rr.Code)
	}
}

func TestRunnerPauseResume(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/api/export/pause", nil)
	if rr.Code != http.StatusOK || decodeJSONBody(t, rr)["paused"] != true {
		t.Fatalf("pause = %d %s", rr.Code, rr.Body.String())
	}
	if !e.runner.IsPaused() {
		t.Error("runner should be paused")
	}

	health := decodeJSONBody(t, e.do(t, http.MethodGet, "/api/health", nil))
	if exports := health["exports"].(map[string]any); exports["paused"] != true {
		t.Errorf("health exports = %v", exports)
	}

	rr = e.do(t, http.MethodPost, "/api/export/resume", nil)
	if rr.Code != http.StatusOK || decodeJSONBody(t, rr)["paused"] != false {
		t.Fatalf("resume = %d %s", rr.Code, rr.Body.String())
	}
	if e.runner.IsPaused() {
		t.Error("runner should be running after resume")
	}
}

func TestExportEDL(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	rr := e.do(t, http.MethodPost, "/api/export/edl", map[string]any{
		"analysis_id":   "a1",
		"export_name":   "Demo Cut",
		"timeline_data": timelineData(mezzClip("s1", 0, 2000), mezzClip("s2", 3000, 4000)),
		"frame_rate":    25,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("edl status = %d: %s", rr.Code, rr.Body.String())
	}
	edl := rr.Body.String()
	for _, want := range []string{"TITLE: Demo Cut", "FCM: NON-DROP FRAME", "* FROM CLIP NAME:  s2", " BL "} {
		if !strings.Contains(edl, want) {
			t.Errorf("edl missing %q:\n%s", want, edl)
		}
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, ".edl") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rr = e.do(t, http.MethodPost, "/api/export/edl", map[string]any{"analysis_id": "a1", "timeline_data": timelineData(mezzClip("s1", 0, 1000)), "frame_rate": 500})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad frame rate status = %d, want 400", rr.Code)
	}
}

func TestDownload_OnlyPublishedExports(t *testing.T) {
	e := newTestEnv(t)

	dir := filepath.Join(e.exportsDir, "a1")
	os.MkdirAll(dir, 0755)
	stray := "export_stray_20250607_211014_000.mp4"
	os.WriteFile(filepath.Join(dir, stray), []byte("partial"), 0644)
	os.WriteFile(filepath.Join(dir, ".partial.mp4"), []byte("partial"), 0644)

	for _, path := range []string{
		"/api/export/a1/" + stray,
		"/api/export/a1/.partial.mp4",
		"/api/export/a1/composer.db",
	} {
		if rr := e.do(t, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rr.Code)
		}
	}
}

func TestSegmentRoute(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)

	rr := e.do(t, http.MethodGet, "/api/segment/a1/mezzanine/scene_s1_mezzanine.mp4", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "mezzanine s1" {
		t.Errorf("segment = %d %q", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodGet, "/api/segment/a1/mezzanine/scene_s9_mezzanine.mp4", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing segment status = %d, want 404", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/api/segment/a1/raw/scene_s1_mezzanine.mp4", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown quality status = %d, want 400", rr.Code)
	}
}
