package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/heimdex-composer/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

// Capabilities describes the installed toolchain.
type Capabilities struct {
	FFmpegVersion string    `json:"ffmpeg_version"`
	Encoder       string    `json:"encoder"`
	HasEncoder    bool      `json:"has_encoder"`
	ProbedAt      time.Time `json:"probed_at"`
}

// Ready reports whether exports can be rendered.
func (c *Capabilities) Ready() bool {
	return c != nil && c.FFmpegVersion != "" && c.HasEncoder
}

// Checker probes the toolchain.
type Checker interface {
	Check(ctx context.Context) (*Capabilities, error)
}

const checkTimeout = 30 * time.Second

// Check runs `ffmpeg -version` and verifies the configured encoder is built in.
func (f *FFmpeg) Check(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	version, err := f.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg unavailable: %w", err)
	}
	has, err := f.HasEncoder(ctx, f.cfg.Encoder)
	if err != nil {
		return nil, fmt.Errorf("cannot list encoders: %w", err)
	}

	caps := &Capabilities{
		FFmpegVersion: version,
		Encoder:       f.cfg.Encoder,
		HasEncoder:    has,
		ProbedAt:      time.Now(),
	}
	f.cfg.Logger.Info("media toolchain probe complete",
		"version", caps.FFmpegVersion,
		"encoder", caps.Encoder,
		"has_encoder", caps.HasEncoder,
	)
	return caps, nil
}

// CachedDoctor caches toolchain probes so health checks and exports do not
// spawn ffmpeg on every call.
type CachedDoctor struct {
	checker Checker
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(checker Checker, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		checker: checker,
		ttl:     defaultCacheTTL,
		logger:  logging.OrDiscard(logger),
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe. A failed probe falls back to the stale cache.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.checker.Check(ctx)
	if err != nil {
		d.logger.Warn("toolchain probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale capabilities cache")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}

func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
