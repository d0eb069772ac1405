package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/logging"
)

// ExportLookup finds the published record for an export file.
type ExportLookup interface {
	GetExport(ctx context.Context, analysisID, filename string) (*catalog.ExportRecord, error)
}

// SweepOrphans removes what a crashed render leaves in exportsDir: partial
// concat outputs and the empty name placeholders that never got a record.
// It must run before the runner starts; live jobs own the same kind of files.
func SweepOrphans(ctx context.Context, exportsDir string, exports ExportLookup, logger *slog.Logger) (int, error) {
	logger = logging.WithComponent(logging.OrDiscard(logger), "export-sweep")

	dirs, err := os.ReadDir(exportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read exports dir: %w", err)
	}

	removed := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		analysisID := d.Name()
		entries, err := os.ReadDir(filepath.Join(exportsDir, analysisID))
		if err != nil {
			return removed, fmt.Errorf("read %s: %w", analysisID, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			orphan, err := isOrphan(ctx, exports, analysisID, e)
			if err != nil {
				return removed, err
			}
			if !orphan {
				continue
			}
			path := filepath.Join(exportsDir, analysisID, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn("cannot remove orphaned export file", "path", logging.SanitizePath(path), "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logger.Info("removed orphaned export files", "count", removed)
	}
	return removed, nil
}

func isOrphan(ctx context.Context, exports ExportLookup, analysisID string, e os.DirEntry) (bool, error) {
	name := e.Name()
	if strings.HasPrefix(name, "."+filenamePrefix) && strings.HasSuffix(name, ".partial") {
		return true, nil
	}
	if !ValidFilename(name) {
		return false, nil
	}
	info, err := e.Info()
	if err != nil || info.Size() != 0 {
		return false, nil
	}
	rec, err := exports.GetExport(ctx, analysisID, name)
	if err != nil {
		return false, fmt.Errorf("look up export %s/%s: %w", analysisID, name, err)
	}
	return rec == nil, nil
}
