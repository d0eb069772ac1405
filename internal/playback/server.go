// Package playback serves segment and export files with byte-range support
// so browser players can seek without downloading the whole file.
package playback

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/heimdex/heimdex-composer/internal/logging"
)

// Options tune a single response.
type Options struct {
	// Attachment, when set, is sent as the Content-Disposition filename.
	Attachment string
	// ContentType overrides the type guessed from the extension.
	ContentType string
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logging.WithComponent(logging.OrDiscard(logger), "playback")}
}

// ServeFile answers GET and HEAD for filePath. Missing files and directories
// get a 404. The returned error is only set when nothing was written yet.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, filePath string, opts Options) error {
	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if !stat.Mode().IsRegular() {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(filePath, opts.ContentType))
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))
	if opts.Attachment != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": opts.Attachment}))
	}

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// Malformed ranges are ignored and the full body is sent.
		rng = nil
	case err != nil:
		return err
	}

	start, length, status := int64(0), size, http.StatusOK
	if rng != nil {
		start, length, status = rng.Start, rng.ContentLength(), http.StatusPartialContent
		h.Set("Content-Range", rng.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}

	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			s.logger.Warn("seek failed after headers were sent", "path", logging.SanitizePath(filePath), "error", err)
			return nil
		}
	}

	began := time.Now()
	n, err := io.CopyN(w, file, length)
	if err != nil {
		s.logger.Debug("client stopped reading", "path", logging.SanitizePath(filePath), "sent", logging.Bytes(n), "error", err)
		return nil
	}
	s.logger.Debug("file served",
		"path", logging.SanitizePath(filePath),
		"status", status,
		"sent", logging.Bytes(n),
		"duration", time.Since(began),
	)
	return nil
}

func contentType(path, override string) string {
	if override != "" {
		return override
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
