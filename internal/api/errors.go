package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/export"
	"github.com/heimdex/heimdex-composer/internal/segments"
	"github.com/heimdex/heimdex-composer/internal/subtitles"
	"github.com/heimdex/heimdex-composer/internal/timeline"
)

var exportStatus = map[export.Kind]int{
	export.KindSourceUnavailable: http.StatusUnprocessableEntity,
	export.KindRenderFailure:     http.StatusInternalServerError,
	export.KindCancelled:         http.StatusConflict,
}

// writeDomainError maps service errors onto status codes. Unknown errors are
// logged and reported as a bare 500.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *timeline.ValidationError
	var ee *export.ExportError

	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		if ve.Code == timeline.CodeUnknownSceneReference {
			status = http.StatusUnprocessableEntity
		}
		var details map[string]any
		if ve.ItemID != "" {
			details = map[string]any{"item_id": ve.ItemID}
		}
		writeErrorDetails(w, status, ve.Message, codeName(string(ve.Code)), details)

	case errors.As(err, &ee):
		status, ok := exportStatus[ee.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		details := map[string]any{}
		if ee.ItemIndex >= 0 {
			details["item_index"] = ee.ItemIndex
		}
		if ee.SceneID != "" {
			details["scene_id"] = ee.SceneID
		}
		if ee.Diagnostic != "" {
			details["diagnostic"] = ee.Diagnostic
		}
		if status == http.StatusInternalServerError {
			logger.Error("export failed", "error", err)
		}
		writeErrorDetails(w, status, ee.Error(), strings.ToUpper(string(ee.Kind)), details)

	case errors.Is(err, export.ErrJobNotFound),
		errors.Is(err, catalog.ErrTranscriptNotFound),
		errors.Is(err, segments.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")

	case errors.Is(err, export.ErrJobFinished):
		WriteError(w, http.StatusConflict, err.Error(), "JOB_FINISHED")

	case errors.Is(err, catalog.ErrScenesExist),
		errors.Is(err, catalog.ErrTranscriptExists):
		WriteError(w, http.StatusConflict, err.Error(), "ALREADY_EXISTS")

	case errors.Is(err, catalog.ErrInvalidTransition),
		errors.Is(err, subtitles.ErrTranscriptNotReady):
		WriteError(w, http.StatusConflict, err.Error(), "INVALID_STATE")

	case errors.Is(err, catalog.ErrInvalidInput),
		errors.Is(err, subtitles.ErrInvalidScene),
		errors.Is(err, segments.ErrInvalidRef):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")

	default:
		logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// codeName turns a CamelCase code into SCREAMING_SNAKE.
func codeName(code string) string {
	var b strings.Builder
	for i, r := range code {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
