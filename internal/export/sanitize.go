package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	filenamePrefix  = "export_"
	filenameStamp   = "20060102_150405.000"
	maxExportName   = 64
	maxNameAttempts = 100
)

// SanitizeName drops control characters and replaces anything outside a
// conservative set with '_'.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// fileToken narrows a sanitized name to characters that survive a URL path
// segment unescaped.
func fileToken(name string) string {
	name = SanitizeName(name, maxExportName)
	token := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			return r
		case r == '.':
			return '-'
		default:
			return '_'
		}
	}, name)
	token = strings.Trim(token, "_-")
	if token == "" {
		return "untitled"
	}
	return token
}

// ExportFilename builds export_<name>_<YYYYMMDD_HHMMSS_mmm>.mp4.
func ExportFilename(name string, at time.Time) string {
	stamp := strings.Replace(at.Format(filenameStamp), ".", "_", 1)
	return filenamePrefix + fileToken(name) + "_" + stamp + ".mp4"
}

// reserveFilename picks the first free name in dir, appending _2, _3, ... on
// collision, and claims it with an empty placeholder file. The caller must
// replace or remove the placeholder.
func reserveFilename(dir, filename string) (string, error) {
	base := strings.TrimSuffix(filename, ".mp4")
	for i := 1; i <= maxNameAttempts; i++ {
		candidate := filename
		if i > 1 {
			candidate = fmt.Sprintf("%s_%d.mp4", base, i)
		}
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("reserve output name: %w", err)
		}
	}
	return "", fmt.Errorf("no free output name for %s after %d attempts", filename, maxNameAttempts)
}

// ValidFilename accepts a bare export filename as produced by ExportFilename.
func ValidFilename(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasPrefix(name, filenamePrefix) && strings.HasSuffix(name, ".mp4") && !strings.ContainsAny(name, `/\`)
}
