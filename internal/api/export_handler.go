package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/export"
	"github.com/heimdex/heimdex-composer/internal/playback"
	"github.com/heimdex/heimdex-composer/internal/segments"
	"github.com/heimdex/heimdex-composer/internal/timeline"
)

const (
	defaultEDLFrameRate = 30.0
	maxEDLTitle         = 120
	jobsPageSize        = 50
)

// exportVideoHandler renders a timeline. Synchronous requests hold the
// connection until the file is published; a client disconnect cancels the
// render.
func exportVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportVideoRequest
		if !decodeBody(w, r, &req) {
			return
		}

		if req.Async {
			job, err := cfg.Runner.Submit(r.Context(), req.JobRequest)
			if err != nil {
				writeDomainError(w, cfg.Logger, err)
				return
			}
			WriteJSON(w, http.StatusAccepted, JobAcceptedResponse{
				JobID:     job.ID,
				State:     job.State,
				StatusURL: "/api/export/jobs/" + job.ID,
			})
			return
		}

		res, err := cfg.Runner.RunSync(r.Context(), req.JobRequest)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// exportEDLHandler returns a CMX3600 edit list for the timeline instead of
// rendering it.
func exportEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportEDLRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			writeDomainError(w, cfg.Logger, &timeline.ValidationError{Code: timeline.CodeInvalidPayload, Message: err.Error()})
			return
		}

		tl, err := timeline.Parse(r.Context(), req.Timeline, req.AnalysisID, cfg.Catalog)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}

		title := export.SanitizeName(req.ExportName, maxEDLTitle)
		if title == "" {
			title = "heimdex_export"
		}
		frameRate := req.FrameRate
		if frameRate <= 0 {
			frameRate = tl.FPS
		}
		if frameRate <= 0 {
			frameRate = defaultEDLFrameRate
		}

		filename := strings.TrimSuffix(export.ExportFilename(title, time.Now()), ".mp4") + ".edl"
		edl := export.GenerateEDL(export.BuildPlan(tl), title, frameRate)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(edl))
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.Runner.ListJobs(r.Context(), jobsPageSize)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if jobs == nil {
			jobs = []*catalog.ExportJob{}
		}
		WriteJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := cfg.Runner.Status(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if err := cfg.Runner.Cancel(r.Context(), jobID); err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		status, err := cfg.Runner.Status(r.Context(), jobID)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, status)
	}
}

// runnerControlHandler stops or restarts dispatch of queued jobs. Jobs already
// rendering are not affected.
func runnerControlHandler(cfg ServerConfig, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pause {
			cfg.Runner.Pause()
		} else {
			cfg.Runner.Resume()
		}
		cfg.Logger.Info("export runner toggled", "paused", cfg.Runner.IsPaused())
		WriteJSON(w, http.StatusOK, RunnerStateResponse{
			Paused: cfg.Runner.IsPaused(),
			Active: cfg.Runner.ActiveCount(),
		})
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analysisID := chi.URLParam(r, "analysisID")
		records, err := cfg.Exports.ListExports(r.Context(), analysisID)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		resp := ExportsResponse{AnalysisID: analysisID, Exports: make([]*export.Result, len(records))}
		for i, rec := range records {
			resp.Exports[i] = export.ResultFromRecord(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// downloadHandler serves only files that have a published export record, so
// partial renders and reserved names are never reachable.
func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analysisID := chi.URLParam(r, "analysisID")
		filename := chi.URLParam(r, "filename")

		if !export.ValidFilename(filename) {
			WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
			return
		}
		rec, err := cfg.Exports.GetExport(r.Context(), analysisID, filename)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if rec == nil {
			WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
			return
		}

		if err := cfg.Playback.ServeFile(w, r, rec.FilePath, playback.Options{Attachment: rec.Filename}); err != nil {
			cfg.Logger.Error("download error", "error", err, "analysis_id", analysisID, "filename", filename)
			WriteError(w, http.StatusInternalServerError, "failed to read export", "INTERNAL_ERROR")
		}
	}
}

// segmentHandler streams segment files so the editor can preview the same
// sources the compositor reads.
func segmentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := segments.Ref{
			AnalysisID: chi.URLParam(r, "analysisID"),
			Quality:    chi.URLParam(r, "quality"),
			Filename:   chi.URLParam(r, "filename"),
		}
		path, _, err := cfg.Segments.Resolve(ref)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if err := cfg.Playback.ServeFile(w, r, path, playback.Options{}); err != nil {
			cfg.Logger.Error("segment playback error", "error", err, "segment", ref.URL())
			WriteError(w, http.StatusInternalServerError, "failed to read segment", "INTERNAL_ERROR")
		}
	}
}
