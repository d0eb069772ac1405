package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/logging"
	"github.com/heimdex/heimdex-composer/internal/media"
	"github.com/heimdex/heimdex-composer/internal/timeline"
)

var (
	ErrJobNotFound = errors.New("export job not found")
	ErrJobFinished = errors.New("export job already finished")
)

// errorKindValidation marks jobs whose stored timeline no longer validates,
// e.g. because the analysis was deleted while the job was queued.
const errorKindValidation = "validation"

// JobRequest is what the API accepts and what a queued job stores.
type JobRequest struct {
	AnalysisID string              `json:"analysis_id" validate:"required"`
	ExportName string              `json:"export_name"`
	Timeline   json.RawMessage     `json:"timeline_data" validate:"required"`
	Settings   CompositionSettings `json:"composition_settings"`
}

// JobRepository is the persistence the runner needs.
type JobRepository interface {
	JobStore
	CreateExportJob(ctx context.Context, job *catalog.ExportJob) error
	GetExportJob(ctx context.Context, id string) (*catalog.ExportJob, error)
	ListExportJobs(ctx context.Context, limit int) ([]*catalog.ExportJob, error)
	ListExportJobsByState(ctx context.Context, state string) ([]*catalog.ExportJob, error)
	GetExportByJob(ctx context.Context, jobID string) (*catalog.ExportRecord, error)
}

// Composer is satisfied by *Compositor.
type Composer interface {
	Compose(ctx context.Context, req Request) (*Result, error)
}

// JobStatus is a job row plus its result once completed.
type JobStatus struct {
	*catalog.ExportJob
	Result *Result `json:"result,omitempty"`
}

// Runner executes export jobs. Queued jobs are picked up by a polling loop
// with at most maxConcurrent running at once; synchronous exports run on the
// caller's goroutine but share the cancel registry.
type Runner struct {
	composer     Composer
	repo         JobRepository
	scenes       timeline.SceneLookup
	logger       *slog.Logger
	pollInterval time.Duration
	slots        chan struct{}

	running atomic.Bool
	paused  atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewRunner(composer Composer, repo JobRepository, scenes timeline.SceneLookup, maxConcurrent int, pollInterval time.Duration, logger *slog.Logger) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		composer:     composer,
		repo:         repo,
		scenes:       scenes,
		logger:       logging.WithComponent(logging.OrDiscard(logger), "export-runner"),
		pollInterval: pollInterval,
		slots:        make(chan struct{}, maxConcurrent),
		active:       make(map[string]context.CancelFunc),
	}
}

// Start polls for queued jobs until ctx is cancelled. In-flight jobs inherit
// ctx and are cancelled with it.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("export runner started", "slots", cap(r.slots), "poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export runner stopping")
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
			if !r.paused.Load() {
				r.dispatch(ctx)
			}
		}
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("export runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("export runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveCount is the number of jobs currently rendering.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Wait blocks until every dispatched job has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Submit validates req and queues it.
func (r *Runner) Submit(ctx context.Context, req JobRequest) (*catalog.ExportJob, error) {
	if _, _, err := r.prepare(ctx, req); err != nil {
		return nil, err
	}
	job, err := r.createJob(ctx, req)
	if err != nil {
		return nil, err
	}
	r.logger.Info("export job queued", "job_id", job.ID, "analysis_id", job.AnalysisID)
	return job, nil
}

// RunSync validates req, records a job and renders it on the calling
// goroutine. Validation failures return before any job row is written.
func (r *Runner) RunSync(ctx context.Context, req JobRequest) (*Result, error) {
	tl, settings, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	job, err := r.createJob(ctx, req)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.active[job.ID] = cancel
	r.mu.Unlock()
	defer r.unregister(job.ID)

	return r.composer.Compose(jobCtx, Request{
		JobID:      job.ID,
		AnalysisID: req.AnalysisID,
		ExportName: req.ExportName,
		Timeline:   tl,
		Settings:   settings,
	})
}

// Cancel stops a running job or fails a queued one.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.active[jobID]; ok {
		cancel()
		r.logger.Info("export job cancel requested", "job_id", jobID)
		return nil
	}

	job, err := r.repo.GetExportJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get export job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	if State(job.State).Terminal() {
		return ErrJobFinished
	}
	ee := cancelled(context.Canceled)
	if err := r.repo.UpdateExportJobState(ctx, jobID, string(StateFailed), string(ee.Kind), ee.Error()); err != nil {
		return fmt.Errorf("cancel export job: %w", err)
	}
	r.logger.Info("queued export job cancelled", "job_id", jobID)
	return nil
}

// Status returns the job and, once completed, its published result.
func (r *Runner) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := r.repo.GetExportJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	status := &JobStatus{ExportJob: job}
	if State(job.State) == StateCompleted {
		rec, err := r.repo.GetExportByJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("get export: %w", err)
		}
		if rec != nil {
			status.Result = ResultFromRecord(rec)
		}
	}
	return status, nil
}

func (r *Runner) ListJobs(ctx context.Context, limit int) ([]*catalog.ExportJob, error) {
	return r.repo.ListExportJobs(ctx, limit)
}

// prepare parses and validates a request against the catalog.
func (r *Runner) prepare(ctx context.Context, req JobRequest) (*timeline.Timeline, media.Settings, error) {
	if err := validate.Struct(req); err != nil {
		return nil, media.Settings{}, &timeline.ValidationError{Code: timeline.CodeInvalidPayload, Message: err.Error()}
	}
	tl, err := timeline.Parse(ctx, req.Timeline, req.AnalysisID, r.scenes)
	if err != nil {
		return nil, media.Settings{}, err
	}
	return tl, req.Settings.Resolve(tl), nil
}

func (r *Runner) createJob(ctx context.Context, req JobRequest) (*catalog.ExportJob, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode export request: %w", err)
	}
	now := time.Now()
	job := &catalog.ExportJob{
		ID:          catalog.NewID(),
		AnalysisID:  req.AnalysisID,
		ExportName:  req.ExportName,
		State:       string(StateQueued),
		RequestJSON: string(payload),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.CreateExportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}
	return job, nil
}

// dispatch starts queued jobs, oldest first, while slots are free.
func (r *Runner) dispatch(ctx context.Context) {
	jobs, err := r.repo.ListExportJobsByState(ctx, string(StateQueued))
	if err != nil {
		r.logger.Error("failed to list queued export jobs", "error", err)
		return
	}

	for _, job := range jobs {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		jobCtx, ok := r.claim(ctx, job.ID)
		if !ok {
			<-r.slots
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.slots }()
			defer r.unregister(job.ID)
			r.runJob(jobCtx, job)
		}()
	}
}

// claim registers a cancel func for a job that is still queued. Cancel holds
// the same lock, so a job cancelled while queued is never started.
func (r *Runner) claim(ctx context.Context, jobID string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[jobID]; ok {
		return nil, false
	}
	current, err := r.repo.GetExportJob(ctx, jobID)
	if err != nil || current == nil || State(current.State) != StateQueued {
		return nil, false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.active[jobID] = cancel
	return jobCtx, true
}

func (r *Runner) unregister(jobID string) {
	r.mu.Lock()
	if cancel, ok := r.active[jobID]; ok {
		cancel()
		delete(r.active, jobID)
	}
	r.mu.Unlock()
}

func (r *Runner) runJob(ctx context.Context, job *catalog.ExportJob) {
	logger := logging.WithJobID(r.logger, job.ID)
	logger.Info("processing export job", "analysis_id", job.AnalysisID)

	var req JobRequest
	if err := json.Unmarshal([]byte(job.RequestJSON), &req); err != nil {
		r.failJob(ctx, job.ID, string(KindRenderFailure), fmt.Sprintf("stored request is unreadable: %v", err))
		return
	}

	tl, settings, err := r.prepare(ctx, req)
	if err != nil {
		r.failJob(ctx, job.ID, errorKindValidation, err.Error())
		return
	}

	res, err := r.composer.Compose(ctx, Request{
		JobID:      job.ID,
		AnalysisID: req.AnalysisID,
		ExportName: req.ExportName,
		Timeline:   tl,
		Settings:   settings,
	})
	if err != nil {
		logger.Warn("export job failed", "error", err)
		return
	}
	logger.Info("export job completed", "filename", res.Filename)
}

func (r *Runner) failJob(ctx context.Context, jobID, kind, msg string) {
	if err := r.repo.UpdateExportJobState(context.WithoutCancel(ctx), jobID, string(StateFailed), kind, msg); err != nil {
		r.logger.Error("failed to mark export job failed", "job_id", jobID, "error", err)
	}
}

// ResultFromRecord converts a published export row to its API shape.
func ResultFromRecord(rec *catalog.ExportRecord) *Result {
	return &Result{
		JobID:           rec.JobID,
		AnalysisID:      rec.AnalysisID,
		DownloadURL:     DownloadURL(rec.AnalysisID, rec.Filename),
		Filename:        rec.Filename,
		FilePath:        rec.FilePath,
		FileSize:        rec.FileSize,
		SegmentsCount:   rec.SegmentsCount,
		ExportDuration:  rec.ExportDuration,
		MediaDurationMs: rec.MediaDurationMs,
	}
}
