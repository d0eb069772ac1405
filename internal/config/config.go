// Package config provides configuration management for the Heimdex Composer.
// Values start from defaults, are overlaid by an optional YAML file and then
// by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8788
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-composer"

	// Environment variable names
	EnvConfigFile           = "COMPOSER_CONFIG"
	EnvPort                 = "COMPOSER_PORT"
	EnvLogLevel             = "COMPOSER_LOG_LEVEL"
	EnvDataDir              = "COMPOSER_DATA_DIR"
	EnvSegmentsDir          = "COMPOSER_SEGMENTS_DIR"
	EnvExportsDir           = "COMPOSER_EXPORTS_DIR"
	EnvFFmpegPath           = "COMPOSER_FFMPEG"
	EnvFFprobePath          = "COMPOSER_FFPROBE"
	EnvVideoEncoder         = "COMPOSER_VIDEO_ENCODER"
	EnvEncoderPreset        = "COMPOSER_ENCODER_PRESET"
	EnvEncoderCRF           = "COMPOSER_ENCODER_CRF"
	EnvTranscodeWorkers     = "COMPOSER_TRANSCODE_WORKERS"
	EnvMaxConcurrentExports = "COMPOSER_MAX_CONCURRENT_EXPORTS"
	EnvJobPollInterval      = "COMPOSER_JOB_POLL_INTERVAL"
	EnvToolTimeout          = "COMPOSER_TOOL_TIMEOUT"
	EnvMergeGap             = "COMPOSER_SUBTITLE_MERGE_GAP"
	EnvConfidenceFloor      = "COMPOSER_SUBTITLE_CONFIDENCE_FLOOR"
	EnvMinFreeDiskMB        = "COMPOSER_MIN_FREE_DISK_MB"

	// Database filename
	DBFilename = "composer.db"

	// Render defaults
	DefaultFFmpegPath           = "ffmpeg"
	DefaultFFprobePath          = "ffprobe"
	DefaultVideoEncoder         = "libx264"
	DefaultEncoderPreset        = "veryfast"
	DefaultEncoderCRF           = 23
	DefaultMaxConcurrentExports = 2
	DefaultJobPollInterval      = 2 * time.Second
	DefaultToolTimeout          = 30 * time.Minute
	DefaultMinFreeDiskMB        = 512

	// Subtitle defaults
	DefaultMergeGap        = 0.3 // seconds
	DefaultConfidenceFloor = 0.5
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	SegmentsDir() string
	ExportsDir() string
	FFmpegPath() string
	FFprobePath() string
	VideoEncoder() string
	EncoderPreset() string
	EncoderCRF() int
	TranscodeWorkers() int
	MaxConcurrentExports() int
	JobPollInterval() time.Duration
	ToolTimeout() time.Duration
	SubtitleMergeGap() float64
	SubtitleConfidenceFloor() float64
	MinFreeDiskBytes() uint64
}

// fileConfig mirrors the YAML config file. Zero values leave the default in place.
type fileConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Storage struct {
		SegmentsDir string `yaml:"segments_dir"`
		ExportsDir  string `yaml:"exports_dir"`
	} `yaml:"storage"`

	Render struct {
		FFmpeg               string `yaml:"ffmpeg"`
		FFprobe              string `yaml:"ffprobe"`
		Encoder              string `yaml:"encoder"`
		Preset               string `yaml:"preset"`
		CRF                  int    `yaml:"crf"`
		TranscodeWorkers     int    `yaml:"transcode_workers"`
		MaxConcurrentExports int    `yaml:"max_concurrent_exports"`
		JobPollInterval      string `yaml:"job_poll_interval"`
		ToolTimeout          string `yaml:"tool_timeout"`
		MinFreeDiskMB        int    `yaml:"min_free_disk_mb"`
	} `yaml:"render"`

	Subtitles struct {
		MergeGap        float64 `yaml:"merge_gap"`
		ConfidenceFloor float64 `yaml:"confidence_floor"`
	} `yaml:"subtitles"`
}

// EnvConfig holds the resolved configuration
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string

	segmentsDir string
	exportsDir  string

	ffmpegPath           string
	ffprobePath          string
	videoEncoder         string
	encoderPreset        string
	encoderCRF           int
	transcodeWorkers     int
	maxConcurrentExports int
	jobPollInterval      time.Duration
	toolTimeout          time.Duration
	minFreeDiskMB        int

	mergeGap        float64
	confidenceFloor float64
}

// New creates a new EnvConfig with defaults, the optional YAML file named by
// COMPOSER_CONFIG, and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:                 DefaultPort,
		logLevel:             DefaultLogLevel,
		dataDir:              defaultDataDir(),
		ffmpegPath:           DefaultFFmpegPath,
		ffprobePath:          DefaultFFprobePath,
		videoEncoder:         DefaultVideoEncoder,
		encoderPreset:        DefaultEncoderPreset,
		encoderCRF:           DefaultEncoderCRF,
		transcodeWorkers:     defaultTranscodeWorkers(),
		maxConcurrentExports: DefaultMaxConcurrentExports,
		jobPollInterval:      DefaultJobPollInterval,
		toolTimeout:          DefaultToolTimeout,
		minFreeDiskMB:        DefaultMinFreeDiskMB,
		mergeGap:             DefaultMergeGap,
		confidenceFloor:      DefaultConfidenceFloor,
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setInt(&c.port, fc.Port)
	setString(&c.logLevel, fc.LogLevel)
	setString(&c.dataDir, fc.DataDir)
	setString(&c.segmentsDir, fc.Storage.SegmentsDir)
	setString(&c.exportsDir, fc.Storage.ExportsDir)
	setString(&c.ffmpegPath, fc.Render.FFmpeg)
	setString(&c.ffprobePath, fc.Render.FFprobe)
	setString(&c.videoEncoder, fc.Render.Encoder)
	setString(&c.encoderPreset, fc.Render.Preset)
	setInt(&c.encoderCRF, fc.Render.CRF)
	setInt(&c.transcodeWorkers, fc.Render.TranscodeWorkers)
	setInt(&c.maxConcurrentExports, fc.Render.MaxConcurrentExports)
	setInt(&c.minFreeDiskMB, fc.Render.MinFreeDiskMB)

	if fc.Render.JobPollInterval != "" {
		d, err := time.ParseDuration(fc.Render.JobPollInterval)
		if err != nil {
			return fmt.Errorf("invalid render.job_poll_interval: %w", err)
		}
		c.jobPollInterval = d
	}
	if fc.Render.ToolTimeout != "" {
		d, err := time.ParseDuration(fc.Render.ToolTimeout)
		if err != nil {
			return fmt.Errorf("invalid render.tool_timeout: %w", err)
		}
		c.toolTimeout = d
	}

	if fc.Subtitles.MergeGap > 0 {
		c.mergeGap = fc.Subtitles.MergeGap
	}
	if fc.Subtitles.ConfidenceFloor > 0 {
		c.confidenceFloor = fc.Subtitles.ConfidenceFloor
	}
	return nil
}

func (c *EnvConfig) loadEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		c.dataDir = dd
	}
	if sd := os.Getenv(EnvSegmentsDir); sd != "" {
		c.segmentsDir = sd
	}
	if ed := os.Getenv(EnvExportsDir); ed != "" {
		c.exportsDir = ed
	}
	if v := os.Getenv(EnvFFmpegPath); v != "" {
		c.ffmpegPath = v
	}
	if v := os.Getenv(EnvFFprobePath); v != "" {
		c.ffprobePath = v
	}
	if v := os.Getenv(EnvVideoEncoder); v != "" {
		c.videoEncoder = v
	}
	if v := os.Getenv(EnvEncoderPreset); v != "" {
		c.encoderPreset = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvEncoderCRF, &c.encoderCRF},
		{EnvTranscodeWorkers, &c.transcodeWorkers},
		{EnvMaxConcurrentExports, &c.maxConcurrentExports},
		{EnvMinFreeDiskMB, &c.minFreeDiskMB},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.name, err)
		}
		*e.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvJobPollInterval, &c.jobPollInterval},
		{EnvToolTimeout, &c.toolTimeout},
	}
	for _, e := range durations {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.name, err)
		}
		*e.dst = d
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{EnvMergeGap, &c.mergeGap},
		{EnvConfidenceFloor, &c.confidenceFloor},
	}
	for _, e := range floats {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.name, err)
		}
		*e.dst = f
	}

	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	if c.transcodeWorkers < 1 {
		return fmt.Errorf("transcode workers must be at least 1")
	}
	if c.maxConcurrentExports < 1 {
		return fmt.Errorf("max concurrent exports must be at least 1")
	}
	if c.mergeGap < 0 {
		return fmt.Errorf("subtitle merge gap must not be negative")
	}
	if c.confidenceFloor < 0 || c.confidenceFloor > 1 {
		return fmt.Errorf("subtitle confidence floor must be within [0, 1]")
	}
	if c.jobPollInterval <= 0 {
		return fmt.Errorf("job poll interval must be positive")
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// SegmentsDir is the root of the mezzanine segment store.
func (c *EnvConfig) SegmentsDir() string {
	if c.segmentsDir != "" {
		return c.segmentsDir
	}
	return filepath.Join(c.dataDir, "analyzed_videos_store")
}

// ExportsDir is where finished exports are published, one subdirectory per analysis.
func (c *EnvConfig) ExportsDir() string {
	if c.exportsDir != "" {
		return c.exportsDir
	}
	return filepath.Join(c.dataDir, "exports")
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) VideoEncoder() string {
	return c.videoEncoder
}

func (c *EnvConfig) EncoderPreset() string {
	return c.encoderPreset
}

func (c *EnvConfig) EncoderCRF() int {
	return c.encoderCRF
}

func (c *EnvConfig) TranscodeWorkers() int {
	return c.transcodeWorkers
}

func (c *EnvConfig) MaxConcurrentExports() int {
	return c.maxConcurrentExports
}

func (c *EnvConfig) JobPollInterval() time.Duration {
	return c.jobPollInterval
}

// ToolTimeout bounds a single ffmpeg/ffprobe invocation.
func (c *EnvConfig) ToolTimeout() time.Duration {
	return c.toolTimeout
}

// SubtitleMergeGap returns the maximum silence, in seconds, bridged when
// coalescing word segments into one cue.
func (c *EnvConfig) SubtitleMergeGap() float64 {
	return c.mergeGap
}

func (c *EnvConfig) SubtitleConfidenceFloor() float64 {
	return c.confidenceFloor
}

func (c *EnvConfig) MinFreeDiskBytes() uint64 {
	if c.minFreeDiskMB <= 0 {
		return 0
	}
	return uint64(c.minFreeDiskMB) * 1024 * 1024
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func defaultTranscodeWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
