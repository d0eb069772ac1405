package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-composer/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

	audioSampleRate = 48000
	audioBitrate    = "128k"
)

// Config holds the ffmpeg adapter's configuration.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Encoder     string // libx264, h264_nvenc, h264_videotoolbox, ...
	Preset      string
	CRF         int
	Timeout     time.Duration // per invocation
	Logger      *slog.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Encoder:     "libx264",
		Preset:      "veryfast",
		CRF:         23,
		Timeout:     30 * time.Minute,
		Logger:      logger,
	}
}

// FFmpeg is the production Toolkit.
type FFmpeg struct {
	cfg Config
}

func NewFFmpeg(cfg Config) *FFmpeg {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	return &FFmpeg{cfg: cfg}
}

// Probe reads container and stream information with ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	result, err := f.run(ctx, "ffprobe", f.cfg.FFprobePath, &stdout,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, &ToolError{Op: "ffprobe", ExitCode: result.ExitCode, StderrTail: result.StderrTail}
	}
	return parseProbe(stdout.Bytes())
}

func (f *FFmpeg) RenderClip(ctx context.Context, spec ClipSpec) error {
	return f.ffmpeg(ctx, "render clip", clipArgs(spec, f.encoderArgs()))
}

func (f *FFmpeg) RenderFiller(ctx context.Context, spec FillerSpec) error {
	return f.ffmpeg(ctx, "render filler", fillerArgs(spec, f.encoderArgs()))
}

// Concat joins already-normalized inputs with the concat demuxer, without
// re-encoding. Inputs are joined in the order given.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return errors.New("concat: no inputs")
	}
	listPath := output + ".txt"
	if err := os.WriteFile(listPath, []byte(concatList(inputs)), 0644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	return f.ffmpeg(ctx, "concat", []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	})
}

// Version returns the first line of `ffmpeg -version`.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	var stdout bytes.Buffer
	result, err := f.run(ctx, "ffmpeg", f.cfg.FFmpegPath, &stdout, "-hide_banner", "-version")
	if err != nil {
		return "", err
	}
	if !result.IsSuccess() {
		return "", &ToolError{Op: "ffmpeg -version", ExitCode: result.ExitCode, StderrTail: result.StderrTail}
	}
	line, _, _ := strings.Cut(stdout.String(), "\n")
	return strings.TrimSpace(line), nil
}

// HasEncoder reports whether ffmpeg lists the named encoder.
func (f *FFmpeg) HasEncoder(ctx context.Context, name string) (bool, error) {
	var stdout bytes.Buffer
	result, err := f.run(ctx, "ffmpeg", f.cfg.FFmpegPath, &stdout, "-hide_banner", "-encoders")
	if err != nil {
		return false, err
	}
	if !result.IsSuccess() {
		return false, &ToolError{Op: "ffmpeg -encoders", ExitCode: result.ExitCode, StderrTail: result.StderrTail}
	}
	return listsEncoder(stdout.String(), name), nil
}

func (f *FFmpeg) Encoder() string {
	return f.cfg.Encoder
}

func (f *FFmpeg) ffmpeg(ctx context.Context, op string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	full := append([]string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}, args...)
	result, err := f.run(ctx, op, f.cfg.FFmpegPath, io.Discard, full...)
	if err != nil {
		return err
	}
	if !result.IsSuccess() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ToolError{Op: op, ExitCode: result.ExitCode, StderrTail: result.StderrTail, Err: ctxErr}
		}
		return &ToolError{Op: op, ExitCode: result.ExitCode, StderrTail: result.StderrTail}
	}
	return nil
}

// run is the core subprocess execution helper. A non-nil error means the
// binary could not be started at all; a non-zero exit is reported in RunResult.
func (f *FFmpeg) run(ctx context.Context, op, bin string, stdout io.Writer, args ...string) (RunResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = stdout

	f.cfg.Logger.Debug("executing media command", "op", op, "bin", bin, "args", args)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return RunResult{ExitCode: -1, Duration: elapsed}, &ToolError{Op: op, ExitCode: -1, Err: ctxErr}
			}
			return RunResult{ExitCode: -1, Duration: elapsed}, &ToolError{Op: op, ExitCode: -1, Err: err}
		}
		exitCode = exitErr.ExitCode()
	}

	result := RunResult{ExitCode: exitCode, StderrTail: stderrBuf.String(), Duration: elapsed}
	if exitCode != 0 {
		f.cfg.Logger.Warn("media command failed",
			"op", op,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
	} else {
		f.cfg.Logger.Debug("media command succeeded", "op", op, "duration_ms", elapsed.Milliseconds())
	}
	return result, nil
}

// encoderArgs picks quality flags for the configured encoder.
func (f *FFmpeg) encoderArgs() []string {
	args := []string{"-c:v", f.cfg.Encoder}
	switch f.cfg.Encoder {
	case "libx264", "libx265":
		args = append(args, "-preset", f.cfg.Preset, "-crf", strconv.Itoa(f.cfg.CRF))
	case "h264_nvenc", "hevc_nvenc":
		args = append(args, "-cq", strconv.Itoa(f.cfg.CRF))
	case "h264_videotoolbox", "hevc_videotoolbox":
		args = append(args, "-b:v", "6M")
	}
	return append(args, "-pix_fmt", "yuv420p")
}

func clipArgs(spec ClipSpec, encoder []string) []string {
	rate := spec.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	dur := seconds(spec.DurationMs)

	args := []string{
		"-ss", seconds(spec.InPointMs),
		"-t", seconds(spec.SourceDurationMs),
		"-i", spec.Input,
	}
	audioIn := "[0:a]"
	if !spec.HasAudio {
		args = append(args, "-f", "lavfi", "-i", silenceSource())
		audioIn = "[1:a]"
	}

	video := fmt.Sprintf("[0:v]setpts=(PTS-STARTPTS)/%s,%s,tpad=stop_mode=clone:stop_duration=%s,format=yuv420p[v]",
		formatFloat(rate), normalizeVideo(spec.Settings), dur)

	var audio string
	if spec.HasAudio {
		audio = fmt.Sprintf("%sasetpts=PTS-STARTPTS,%svolume=%s,aresample=%d,aformat=channel_layouts=stereo,apad[a]",
			audioIn, atempo(rate), formatFloat(spec.Volume/100), audioSampleRate)
	} else {
		audio = audioIn + "aformat=channel_layouts=stereo[a]"
	}

	args = append(args,
		"-filter_complex", video+";"+audio,
		"-map", "[v]",
		"-map", "[a]",
	)
	args = append(args, encoder...)
	args = append(args, outputArgs(spec.Settings, dur)...)
	return append(args, spec.Output)
}

func fillerArgs(spec FillerSpec, encoder []string) []string {
	dur := seconds(spec.DurationMs)
	s := spec.Settings
	args := []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%s:d=%s", s.Width, s.Height, formatFloat(s.FPS), dur),
		"-f", "lavfi",
		"-i", silenceSource(),
		"-map", "0:v",
		"-map", "1:a",
	}
	args = append(args, encoder...)
	args = append(args, outputArgs(s, dur)...)
	return append(args, spec.Output)
}

func outputArgs(s Settings, dur string) []string {
	return []string{
		"-r", formatFloat(s.FPS),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", "2",
		"-t", dur,
		"-movflags", "+faststart",
		"-f", "mp4",
	}
}

// normalizeVideo letterboxes into the canvas and fixes the frame rate.
func normalizeVideo(s Settings) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%s",
		s.Width, s.Height, s.Width, s.Height, formatFloat(s.FPS))
}

// atempo chains filters because a single atempo accepts only [0.5, 2].
func atempo(rate float64) string {
	if rate == 1 {
		return ""
	}
	var b strings.Builder
	for rate > 2 {
		b.WriteString("atempo=2,")
		rate /= 2
	}
	for rate < 0.5 {
		b.WriteString("atempo=0.5,")
		rate /= 0.5
	}
	fmt.Fprintf(&b, "atempo=%s,", formatFloat(rate))
	return b.String()
}

func silenceSource() string {
	return fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", audioSampleRate)
}

// concatList renders a concat demuxer script. Single quotes inside paths are
// closed, escaped and reopened.
func concatList(inputs []string) string {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.String()
}

func listsEncoder(out, name string) bool {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

type probeJSON struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var p probeJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}

	res := &ProbeResult{}
	durStr := p.Format.Duration
	for _, s := range p.Streams {
		switch s.CodecType {
		case "video":
			if res.HasVideo {
				continue
			}
			res.HasVideo = true
			res.VideoCodec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseRational(s.AvgFrameRate)
			if durStr == "" {
				durStr = s.Duration
			}
		case "audio":
			if res.HasAudio {
				continue
			}
			res.HasAudio = true
			res.AudioCodec = s.CodecName
		}
	}

	if durStr != "" {
		d, err := strconv.ParseFloat(durStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", durStr, err)
		}
		res.DurationMs = int64(d*1000 + 0.5)
	}
	return res, nil
}

func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func seconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
