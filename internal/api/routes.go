package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/logging"
	"github.com/heimdex/heimdex-composer/internal/subtitles"
)

const maxBodyBytes = 32 << 20

var validate = validator.New()

func NewRouter(cfg ServerConfig) *chi.Mux {
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler(cfg))

		r.Route("/analysis/{analysisID}", func(r chi.Router) {
			r.Delete("/", deleteAnalysisHandler(cfg))
			r.Post("/scenes", recordScenesHandler(cfg))
			r.Get("/scenes", listScenesHandler(cfg))
			r.Get("/scenes/{sceneID}/subtitles", subtitlesHandler(cfg))
			r.Post("/transcript", createTranscriptHandler(cfg))
			r.Get("/transcript", getTranscriptHandler(cfg))
			r.Get("/exports", listExportsHandler(cfg))
		})

		r.Put("/transcripts/{transcriptID}/status", transcriptStatusHandler(cfg))
		r.Post("/transcripts/{transcriptID}/segments", completeTranscriptHandler(cfg))

		r.Get("/segment/{analysisID}/{quality}/{filename}", segmentHandler(cfg))
		r.Head("/segment/{analysisID}/{quality}/{filename}", segmentHandler(cfg))

		r.Route("/export", func(r chi.Router) {
			r.Post("/video", exportVideoHandler(cfg))
			r.Post("/edl", exportEDLHandler(cfg))
			r.Get("/jobs", listJobsHandler(cfg))
			r.Get("/jobs/{jobID}", getJobHandler(cfg))
			r.Delete("/jobs/{jobID}", cancelJobHandler(cfg))
			r.Post("/pause", runnerControlHandler(cfg, true))
			r.Post("/resume", runnerControlHandler(cfg, false))
			r.Get("/{analysisID}/{filename}", downloadHandler(cfg))
			r.Head("/{analysisID}/{filename}", downloadHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}

		if cfg.Doctor != nil {
			// Peek never spawns ffmpeg; the cache is warmed at startup.
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.FFmpeg = &FFmpegStatus{
					Version:          caps.FFmpegVersion,
					Encoder:          caps.Encoder,
					EncoderAvailable: caps.HasEncoder,
					LastProbeAt:      formatTime(caps.ProbedAt),
				}
			}
			if !cfg.Doctor.Peek().Ready() {
				resp.Status = "degraded"
			}
		}

		if cfg.Runner != nil {
			resp.Exports.Active = cfg.Runner.ActiveCount()
			resp.Exports.Paused = cfg.Runner.IsPaused()
		}

		if cfg.DiskFree != nil && cfg.ExportsDir != "" {
			free, err := cfg.DiskFree(r.Context(), cfg.ExportsDir)
			if err != nil {
				cfg.Logger.Warn("cannot read free disk space", "error", err)
			} else {
				resp.Exports.DiskFreeBytes = free
				resp.Exports.DiskFree = logging.Bytes(int64(free))
				if cfg.MinFreeDiskBytes > 0 && free < cfg.MinFreeDiskBytes {
					resp.Status = "degraded"
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func recordScenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analysisID := chi.URLParam(r, "analysisID")

		var batch catalog.SceneBatch
		if !decodeBody(w, r, &batch) {
			return
		}

		scenes, err := cfg.Catalog.RecordScenes(r.Context(), analysisID, batch)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ScenesResponse{AnalysisID: analysisID, Scenes: scenes})
	}
}

func listScenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analysisID := chi.URLParam(r, "analysisID")

		scenes, err := cfg.Catalog.ListScenes(r.Context(), analysisID)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if scenes == nil {
			scenes = []*catalog.Scene{}
		}
		WriteJSON(w, http.StatusOK, ScenesResponse{AnalysisID: analysisID, Scenes: scenes})
	}
}

func deleteAnalysisHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Catalog.DeleteAnalysis(r.Context(), chi.URLParam(r, "analysisID")); err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createTranscriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in catalog.TranscriptInput
		if !decodeBody(w, r, &in) {
			return
		}

		t, err := cfg.Catalog.CreateTranscript(r.Context(), chi.URLParam(r, "analysisID"), in)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, t)
	}
}

func getTranscriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := cfg.Catalog.GetTranscriptByAnalysis(r.Context(), chi.URLParam(r, "analysisID"))
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if t == nil {
			WriteError(w, http.StatusNotFound, "transcript not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func transcriptStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TranscriptStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			WriteError(w, http.StatusBadRequest, "status must be processing or failed", "BAD_REQUEST")
			return
		}

		t, err := cfg.Catalog.SetTranscriptStatus(r.Context(), chi.URLParam(r, "transcriptID"), req.Status, req.Error)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func completeTranscriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in catalog.CompletionInput
		if !decodeBody(w, r, &in) {
			return
		}

		t, err := cfg.Catalog.CompleteTranscript(r.Context(), chi.URLParam(r, "transcriptID"), in)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func subtitlesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		analysisID := chi.URLParam(r, "analysisID")
		sceneID := chi.URLParam(r, "sceneID")

		format, err := subtitles.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		relative := false
		if v := r.URL.Query().Get("relative"); v != "" {
			if relative, err = strconv.ParseBool(v); err != nil {
				WriteError(w, http.StatusBadRequest, "relative must be a boolean", "BAD_REQUEST")
				return
			}
		}

		scene, err := cfg.Catalog.GetScene(ctx, analysisID, sceneID)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if scene == nil {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("scene %s not found", sceneID), "NOT_FOUND")
			return
		}
		transcript, err := cfg.Catalog.GetTranscriptByAnalysis(ctx, analysisID)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}
		if transcript == nil {
			WriteError(w, http.StatusNotFound, "transcript not found", "NOT_FOUND")
			return
		}

		alignment, err := cfg.Subtitles.Extract(ctx, scene, transcript.ID)
		if err != nil {
			writeDomainError(w, cfg.Logger, err)
			return
		}

		offset := 0.0
		if relative {
			offset = scene.StartTime
		}

		switch format {
		case subtitles.FormatSRT, subtitles.FormatVTT:
			w.Header().Set("Content-Type", format.ContentType())
			w.WriteHeader(http.StatusOK)
			write := subtitles.WriteSRT
			if format == subtitles.FormatVTT {
				write = subtitles.WriteVTT
			}
			if err := write(w, alignment.Cues, offset); err != nil {
				cfg.Logger.Warn("subtitle write failed", "error", err)
			}
		default:
			cues := make([]subtitles.Cue, len(alignment.Cues))
			for i, c := range alignment.Cues {
				c.StartTime -= offset
				c.EndTime -= offset
				cues[i] = c
			}
			WriteJSON(w, http.StatusOK, SubtitlesResponse{
				AnalysisID:   analysisID,
				SceneID:      sceneID,
				TranscriptID: transcript.ID,
				Relative:     relative,
				Cues:         cues,
				Warnings:     alignment.Warnings,
			})
		}
	}
}

// decodeBody reads a JSON body into dst, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", "BAD_REQUEST")
			return false
		}
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	return true
}
