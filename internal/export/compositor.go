package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/logging"
	"github.com/heimdex/heimdex-composer/internal/media"
	"github.com/heimdex/heimdex-composer/internal/segments"
)

// SceneSource is the read side of the scene catalog used for continuity checks.
type SceneSource interface {
	GetScene(ctx context.Context, analysisID, sceneID string) (*catalog.Scene, error)
}

// JobStore persists job state and published exports.
type JobStore interface {
	UpdateExportJobState(ctx context.Context, id, state, errorKind, errorMsg string) error
	CreateExport(ctx context.Context, rec *catalog.ExportRecord) error
}

type Config struct {
	ExportsDir       string
	Workers          int
	MinFreeDiskBytes uint64
	Logger           *slog.Logger
}

// Compositor renders timelines. It keeps no per-job state, so one instance
// serves concurrent jobs.
type Compositor struct {
	cfg       Config
	store     *segments.Store
	scenes    SceneSource
	toolkit   media.Toolkit
	jobs      JobStore
	observers []Observer
	logger    *slog.Logger

	diskFree DiskFree
	now      func() time.Time
}

func NewCompositor(cfg Config, store *segments.Store, scenes SceneSource, toolkit media.Toolkit, jobs JobStore) *Compositor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "export")
	return &Compositor{
		cfg:      cfg,
		store:    store,
		scenes:   scenes,
		toolkit:  toolkit,
		jobs:     jobs,
		logger:   logger,
		diskFree: FreeSpace,
		now:      time.Now,
	}
}

// Observe registers an extra transition observer. Call before the first Compose.
func (c *Compositor) Observe(obs Observer) {
	c.observers = append(c.observers, obs)
}

// Compose runs one export to completion. Failures are returned as
// *ExportError; nothing is published unless the job completes.
func (c *Compositor) Compose(ctx context.Context, req Request) (*Result, error) {
	if req.JobID == "" {
		req.JobID = catalog.NewID()
	}
	logger := logging.WithJobID(logging.WithAnalysisID(c.logger, req.AnalysisID), req.JobID)

	observers := append([]Observer{c.persist(logger)}, c.observers...)
	m := newMachine(req.JobID, observers...)

	res, err := c.compose(ctx, m, req, logger)
	if err != nil {
		ee, ok := AsExportError(err)
		if !ok {
			ee = renderFailure(-1, err)
		}
		if ctx.Err() != nil && ee.Kind != KindCancelled {
			ee = cancelled(ctx.Err())
		}
		m.fail(ctx, ee)
		logger.Warn("export failed", "kind", ee.Kind, "item_index", ee.ItemIndex, "error", ee.Diagnostic)
		return nil, ee
	}
	return res, nil
}

func (c *Compositor) compose(ctx context.Context, m *machine, req Request, logger *slog.Logger) (*Result, error) {
	started := c.now()
	if req.Timeline == nil || len(req.Timeline.Items) == 0 {
		return nil, renderFailure(-1, errors.New("timeline has no items"))
	}

	if err := m.advance(ctx, StateResolvingSources); err != nil {
		return nil, err
	}
	plan := BuildPlan(req.Timeline)
	if err := c.resolve(ctx, req.AnalysisID, &plan, logger); err != nil {
		return nil, err
	}

	if err := m.advance(ctx, StateRendering); err != nil {
		return nil, err
	}
	outDir := filepath.Join(c.cfg.ExportsDir, req.AnalysisID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, renderFailure(-1, fmt.Errorf("create export dir: %w", err))
	}
	if err := c.checkDisk(ctx, outDir); err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(outDir, ".render-")
	if err != nil {
		return nil, renderFailure(-1, fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	logger.Info("rendering export",
		"pieces", len(plan.Pieces),
		"clips", plan.Clips(),
		"duration_ms", plan.DurationMs,
		"width", req.Settings.Width,
		"height", req.Settings.Height,
		"fps", req.Settings.FPS,
	)
	parts, err := c.render(ctx, plan, req.Settings, workDir)
	if err != nil {
		return nil, err
	}

	if err := m.advance(ctx, StateFinalizing); err != nil {
		return nil, err
	}
	return c.finalize(ctx, m, req, plan, parts, outDir, started, logger)
}

// resolve maps every clip to a file on disk and fits its read window to the
// source that actually exists.
func (c *Compositor) resolve(ctx context.Context, analysisID string, plan *Plan, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i := range plan.Pieces {
		pc := &plan.Pieces[i]
		if pc.Kind != PieceClip {
			continue
		}
		g.Go(func() error {
			return c.resolvePiece(gctx, analysisID, pc, logger)
		})
	}
	return g.Wait()
}

func (c *Compositor) resolvePiece(ctx context.Context, analysisID string, pc *Piece, logger *slog.Logger) error {
	path, _, err := c.store.Resolve(pc.Source)
	if err != nil {
		return sourceUnavailable(pc.ItemIndex, pc.SceneID, err)
	}

	probe, err := c.toolkit.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return renderFailure(pc.ItemIndex, fmt.Errorf("probe %s: %w", pc.Source.URL(), err))
	}
	if !probe.HasVideo {
		return sourceUnavailable(pc.ItemIndex, pc.SceneID, fmt.Errorf("%s has no video stream", pc.Source.URL()))
	}
	pc.SourcePath = path
	pc.HasAudio = probe.HasAudio

	want := pc.ReadMs
	if pc.SceneID != "" && c.scenes != nil {
		scene, err := c.scenes.GetScene(ctx, analysisID, pc.SceneID)
		if err != nil {
			return renderFailure(pc.ItemIndex, fmt.Errorf("scene lookup: %w", err))
		}
		if scene == nil {
			return sourceUnavailable(pc.ItemIndex, pc.SceneID, fmt.Errorf("scene %s is no longer in the catalog", pc.SceneID))
		}
		sceneMs := int64(math.Round(scene.Duration() * 1000))
		if clampRead(pc, sceneMs) {
			logger.Warn("trim exceeds scene length, clamped",
				"item_index", pc.ItemIndex,
				"scene_id", pc.SceneID,
				"scene_ms", sceneMs,
				"in_point_ms", pc.InPointMs,
				"read_ms", pc.ReadMs,
			)
		}
	}
	if clampRead(pc, probe.DurationMs) {
		logger.Warn("trim exceeds source length, clamped",
			"item_index", pc.ItemIndex,
			"source_ms", probe.DurationMs,
			"in_point_ms", pc.InPointMs,
			"read_ms", pc.ReadMs,
		)
	}
	if pc.ReadMs < want {
		logger.Info("source shorter than display window, holding last frame",
			"item_index", pc.ItemIndex,
			"display_ms", pc.DurationMs(),
			"read_ms", pc.ReadMs,
		)
	}
	return nil
}

// clampRead fits [InPointMs, InPointMs+ReadMs) inside [0, limit). An in-point
// past the end is pulled back so the clip still reads the source's tail.
func clampRead(pc *Piece, limit int64) bool {
	if limit <= 0 {
		return false
	}
	changed := false
	if pc.InPointMs >= limit {
		pc.InPointMs = max(0, limit-pc.ReadMs)
		changed = true
	}
	if pc.InPointMs+pc.ReadMs > limit {
		pc.ReadMs = limit - pc.InPointMs
		changed = true
	}
	return changed
}

func (c *Compositor) checkDisk(ctx context.Context, dir string) error {
	if c.cfg.MinFreeDiskBytes == 0 || c.diskFree == nil {
		return nil
	}
	free, err := c.diskFree(ctx, dir)
	if err != nil {
		c.logger.Warn("cannot read free disk space", "error", err)
		return nil
	}
	if free < c.cfg.MinFreeDiskBytes {
		return renderFailure(-1, fmt.Errorf("insufficient disk space: %s free, %s required",
			logging.Bytes(int64(free)), logging.Bytes(int64(c.cfg.MinFreeDiskBytes))))
	}
	return nil
}

// render transcodes every piece into workDir in parallel. The returned paths
// are in plan order.
func (c *Compositor) render(ctx context.Context, plan Plan, settings media.Settings, workDir string) ([]string, error) {
	outputs := make([]string, len(plan.Pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for i, pc := range plan.Pieces {
		out := filepath.Join(workDir, fmt.Sprintf("%04d.mp4", i))
		outputs[i] = out
		g.Go(func() error {
			var err error
			if pc.Kind == PieceFiller {
				err = c.toolkit.RenderFiller(gctx, media.FillerSpec{
					Output:     out,
					DurationMs: pc.DurationMs(),
					Settings:   settings,
				})
				if err != nil {
					err = fmt.Errorf("filler %d-%dms: %w", pc.RecordFrom, pc.RecordTo, err)
				}
			} else {
				err = c.toolkit.RenderClip(gctx, media.ClipSpec{
					Input:            pc.SourcePath,
					Output:           out,
					InPointMs:        pc.InPointMs,
					SourceDurationMs: pc.ReadMs,
					DurationMs:       pc.DurationMs(),
					Settings:         settings,
					HasAudio:         pc.HasAudio,
					Volume:           pc.Volume,
					PlaybackRate:     pc.PlaybackRate,
				})
			}
			if err != nil {
				if ctx.Err() != nil {
					return cancelled(ctx.Err())
				}
				return renderFailure(pc.ItemIndex, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (c *Compositor) finalize(ctx context.Context, m *machine, req Request, plan Plan, parts []string, outDir string, started time.Time, logger *slog.Logger) (*Result, error) {
	filename, err := reserveFilename(outDir, ExportFilename(req.ExportName, c.now()))
	if err != nil {
		return nil, renderFailure(-1, err)
	}
	final := filepath.Join(outDir, filename)
	partial := filepath.Join(outDir, "."+filename+".partial")

	published := false
	defer func() {
		if !published {
			os.Remove(partial)
			os.Remove(final)
		}
	}()

	if err := c.toolkit.Concat(ctx, parts, partial); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, renderFailure(-1, fmt.Errorf("concat: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	if err := os.Rename(partial, final); err != nil {
		return nil, renderFailure(-1, fmt.Errorf("publish export: %w", err))
	}

	info, err := os.Stat(final)
	if err != nil {
		return nil, renderFailure(-1, fmt.Errorf("stat export: %w", err))
	}

	mediaMs := plan.DurationMs
	if probe, err := c.toolkit.Probe(context.WithoutCancel(ctx), final); err != nil {
		logger.Warn("cannot probe published export", "error", err)
	} else if probe.DurationMs > 0 {
		mediaMs = probe.DurationMs
	}

	res := &Result{
		JobID:           req.JobID,
		AnalysisID:      req.AnalysisID,
		DownloadURL:     DownloadURL(req.AnalysisID, filename),
		Filename:        filename,
		FilePath:        final,
		FileSize:        info.Size(),
		SegmentsCount:   plan.Clips(),
		ExportDuration:  wallSeconds(c.now().Sub(started)),
		MediaDurationMs: mediaMs,
	}

	if c.jobs != nil {
		rec := &catalog.ExportRecord{
			JobID:           res.JobID,
			AnalysisID:      res.AnalysisID,
			Filename:        res.Filename,
			FilePath:        res.FilePath,
			FileSize:        res.FileSize,
			SegmentsCount:   res.SegmentsCount,
			ExportDuration:  res.ExportDuration,
			MediaDurationMs: res.MediaDurationMs,
			CreatedAt:       c.now(),
		}
		if err := c.jobs.CreateExport(context.WithoutCancel(ctx), rec); err != nil {
			return nil, renderFailure(-1, fmt.Errorf("record export: %w", err))
		}
	}

	published = true
	_ = m.transition(context.WithoutCancel(ctx), StateCompleted, nil)
	logger.Info("export completed",
		"filename", res.Filename,
		"size", logging.Bytes(res.FileSize),
		"segments", res.SegmentsCount,
		"media_duration_ms", res.MediaDurationMs,
		"elapsed_s", res.ExportDuration,
	)
	return res, nil
}

// persist writes every transition to the job row.
func (c *Compositor) persist(logger *slog.Logger) Observer {
	return func(ctx context.Context, jobID string, from, to State, cause *ExportError) {
		logger.Info("export state changed", "from", from, "to", to)
		if c.jobs == nil {
			return
		}
		var kind, msg string
		if cause != nil {
			kind, msg = string(cause.Kind), cause.Error()
		}
		if err := c.jobs.UpdateExportJobState(ctx, jobID, string(to), kind, msg); err != nil {
			logger.Error("failed to persist export state", "state", to, "error", err)
		}
	}
}

// wallSeconds reports d in seconds rounded up to the millisecond. A finished
// export always reports a positive duration.
func wallSeconds(d time.Duration) float64 {
	return max(math.Ceil(d.Seconds()*1000)/1000, 0.001)
}
