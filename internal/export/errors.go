package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/heimdex/heimdex-composer/internal/media"
)

type Kind string

const (
	KindSourceUnavailable Kind = "source_unavailable"
	KindRenderFailure     Kind = "render_failure"
	KindCancelled         Kind = "cancelled"
)

// ExportError terminates a job. ItemIndex is the position of the offending
// track item in display order, or -1 when no single item is to blame.
type ExportError struct {
	Kind       Kind   `json:"kind"`
	SceneID    string `json:"scene_id,omitempty"`
	ItemIndex  int    `json:"item_index"`
	Diagnostic string `json:"diagnostic"`
	Err        error  `json:"-"`
}

func (e *ExportError) Error() string {
	var b []byte
	b = fmt.Appendf(b, "%s", e.Kind)
	if e.ItemIndex >= 0 {
		b = fmt.Appendf(b, ": item %d", e.ItemIndex)
	}
	if e.SceneID != "" {
		b = fmt.Appendf(b, " (scene %s)", e.SceneID)
	}
	if e.Diagnostic != "" {
		b = fmt.Appendf(b, ": %s", e.Diagnostic)
	}
	return string(b)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

func sourceUnavailable(itemIndex int, sceneID string, err error) *ExportError {
	return &ExportError{Kind: KindSourceUnavailable, ItemIndex: itemIndex, SceneID: sceneID, Diagnostic: err.Error(), Err: err}
}

func renderFailure(itemIndex int, err error) *ExportError {
	return &ExportError{Kind: KindRenderFailure, ItemIndex: itemIndex, Diagnostic: diagnostic(err), Err: err}
}

func cancelled(err error) *ExportError {
	return &ExportError{Kind: KindCancelled, ItemIndex: -1, Diagnostic: "export cancelled", Err: err}
}

// AsExportError extracts an *ExportError from err.
func AsExportError(err error) (*ExportError, bool) {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// diagnostic prefers the toolkit's stderr tail over the wrapped error text.
func diagnostic(err error) string {
	var toolErr *media.ToolError
	if errors.As(err, &toolErr) && strings.TrimSpace(toolErr.StderrTail) != "" {
		return strings.TrimSpace(toolErr.StderrTail)
	}
	return err.Error()
}
