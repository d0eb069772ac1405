package subtitles

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatSRT:
		return FormatSRT, nil
	case FormatVTT, "webvtt":
		return FormatVTT, nil
	}
	return "", fmt.Errorf("unsupported subtitle format %q", s)
}

func (f Format) ContentType() string {
	switch f {
	case FormatSRT:
		return "application/x-subrip; charset=utf-8"
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	}
	return "application/json"
}

// WriteSRT writes cues as SubRip. Times are shifted back by offset seconds,
// so passing the scene start produces scene-relative subtitles.
func WriteSRT(w io.Writer, cues []Cue, offset float64) error {
	bw := bufio.NewWriter(w)
	for i, c := range cues {
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			i+1, timestamp(c.StartTime-offset, ','), timestamp(c.EndTime-offset, ','), c.Text)
	}
	return bw.Flush()
}

// WriteVTT writes cues as WebVTT with the same offset rule as WriteSRT.
func WriteVTT(w io.Writer, cues []Cue, offset float64) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		fmt.Fprintf(bw, "%s --> %s\n%s\n\n",
			timestamp(c.StartTime-offset, '.'), timestamp(c.EndTime-offset, '.'), c.Text)
	}
	return bw.Flush()
}

func timestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
