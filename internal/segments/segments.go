// Package segments addresses the pre-cut scene segments written by the
// analysis pipeline. On disk they live at
//
//	<root>/<analysis_id>/segments/<quality>/scene_<scene_id>_<quality>.mp4
//
// and the editor refers to them by the URL /api/segment/<analysis_id>/<quality>/<filename>.
package segments

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	QualityMezzanine = "mezzanine"
	QualityProxy     = "proxy"

	urlPrefix = "/api/segment/"
)

var (
	ErrInvalidRef = errors.New("invalid segment reference")
	ErrNotFound   = errors.New("segment file not found")
)

// Ref names one segment file.
type Ref struct {
	AnalysisID string
	Quality    string
	Filename   string
}

// MezzanineRef is the conventional reference for a scene's mezzanine segment.
func MezzanineRef(analysisID, sceneID string) Ref {
	return Ref{
		AnalysisID: analysisID,
		Quality:    QualityMezzanine,
		Filename:   fmt.Sprintf("scene_%s_%s.mp4", sceneID, QualityMezzanine),
	}
}

// ParseURL accepts a segment URL, either path-only or absolute.
func ParseURL(src string) (Ref, error) {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}

	p := u.Path
	if !strings.HasPrefix(p, urlPrefix) {
		return Ref{}, fmt.Errorf("%w: %q is not a segment url", ErrInvalidRef, src)
	}

	parts := strings.Split(strings.TrimPrefix(p, urlPrefix), "/")
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, src)
	}

	ref := Ref{AnalysisID: parts[0], Quality: parts[1], Filename: parts[2]}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

func (r Ref) Validate() error {
	if !safeComponent(r.AnalysisID) {
		return fmt.Errorf("%w: bad analysis id %q", ErrInvalidRef, r.AnalysisID)
	}
	if r.Quality != QualityMezzanine && r.Quality != QualityProxy {
		return fmt.Errorf("%w: unknown quality %q", ErrInvalidRef, r.Quality)
	}
	if !safeComponent(r.Filename) {
		return fmt.Errorf("%w: bad filename %q", ErrInvalidRef, r.Filename)
	}
	return nil
}

func (r Ref) URL() string {
	return urlPrefix + r.AnalysisID + "/" + r.Quality + "/" + r.Filename
}

// SceneID extracts the scene id from a conventionally named segment file.
func (r Ref) SceneID() (string, bool) {
	suffix := "_" + r.Quality + ".mp4"
	if !strings.HasPrefix(r.Filename, "scene_") || !strings.HasSuffix(r.Filename, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.Filename, "scene_"), suffix)
	return id, id != ""
}

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// Path maps a reference to its file path under the store root.
func (s *Store) Path(ref Ref) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, ref.AnalysisID, "segments", ref.Quality, ref.Filename), nil
}

// Resolve returns the path of an existing regular segment file.
func (s *Store) Resolve(ref Ref) (string, os.FileInfo, error) {
	p, err := s.Path(ref)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref.URL())
		}
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, ref.URL())
	}
	return p, info, nil
}

// safeComponent accepts a single, non-traversing path element.
func safeComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}
