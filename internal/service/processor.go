package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/domain/model"
	"github.com/overlayfx/renderfarm/internal/domain/render"
)

// ProcessorConfig holds the tunables for processing one claimed job.
type ProcessorConfig struct {
	// Lease is the lease horizon renewed by every forward write.
	Lease time.Duration
	// PollInterval is the renderer status poll cadence.
	PollInterval time.Duration
	// RenderTimeout bounds the whole submit-to-terminal-phase window.
	RenderTimeout time.Duration
	// ArtifactMinBytes is the smallest artifact accepted as a real render.
	ArtifactMinBytes int64
	// FinalDir, when set, is the storage directory finished artifacts are
	// relocated into for jobs that did not request an explicit output path.
	FinalDir string
}

// DefaultProcessorConfig returns a ProcessorConfig with sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Lease:            2 * time.Minute,
		PollInterval:     5 * time.Second,
		RenderTimeout:    30 * time.Minute,
		ArtifactMinBytes: 1024,
	}
}

// artifactCheckWaits are the pauses between artifact verification attempts.
// The render host's copy action and the shared volume can lag a finished
// report by a few seconds.
var artifactCheckWaits = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// relocateRetries is the number of extra attempts to move a verified artifact
// into final storage before keeping the local path.
const relocateRetries = 2

// ProcessorOptions groups dependencies for Processor.
type ProcessorOptions struct {
	Jobs      *JobService               // Required: queue operations
	Renderer  core.RenderClient         // Required: external rendering service
	Artifacts core.ArtifactStore        // Required: artifact verification and relocation
	Builder   *render.Builder           // Required: job description builder
	Layers    *render.LayerMapLoader    // Optional: per-template layer maps
	Cache     *core.RenderCacheService  // Optional: render artifact cache
	Logger    *slog.Logger              // Optional: structured logger
	Config    ProcessorConfig
}

// Processor drives one claimed job through its full state machine: preparing,
// renderer submission, status polling, artifact verification, relocation, and
// the terminal write. Every transition is persisted before the next step, so
// a recovering worker always observes the most recent true state.
type Processor struct {
	jobs      *JobService
	renderer  core.RenderClient
	artifacts core.ArtifactStore
	builder   *render.Builder
	layers    *render.LayerMapLoader
	cache     *core.RenderCacheService
	logger    *slog.Logger
	cfg       ProcessorConfig
}

// NewProcessor constructs a Processor.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("RenderClient is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactStore is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("Builder is required")
	}

	cfg := opts.Config
	defaults := DefaultProcessorConfig()
	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = defaults.RenderTimeout
	}
	if cfg.ArtifactMinBytes <= 0 {
		cfg.ArtifactMinBytes = defaults.ArtifactMinBytes
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_processor")
	}

	return &Processor{
		jobs:      opts.Jobs,
		renderer:  opts.Renderer,
		artifacts: opts.Artifacts,
		builder:   opts.Builder,
		layers:    opts.Layers,
		cache:     opts.Cache,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Process runs one claimed job to a terminal state. Failures are recorded on
// the job (requeue or terminal per the retry budget) before the causing error
// is returned to the caller for logging. A context cancellation returns
// ctx.Err() without touching the job so the worker loop can release it.
func (p *Processor) Process(ctx context.Context, job *model.RenderJob) error {
	if job == nil {
		return errors.New("job is required")
	}
	if job.Owner == nil || *job.Owner == "" {
		return fmt.Errorf("job %s has no owner", job.ID)
	}
	owner := *job.Owner
	started := time.Now()

	if err := p.jobs.MarkPreparing(ctx, job.ID, owner, p.cfg.Lease); err != nil {
		return err
	}

	payload, err := model.ParseRenderPayload(job.Payload)
	if err != nil {
		return p.fail(ctx, job, owner, err)
	}

	if done, err := p.tryCache(ctx, job, owner); err != nil {
		return err
	} else if done {
		return nil
	}

	spec, err := p.buildSpec(job, payload)
	if err != nil {
		return p.fail(ctx, job, owner, err)
	}

	uid, err := p.renderer.Submit(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job, owner, err)
	}

	if err := p.jobs.MarkSubmitted(ctx, job.ID, owner, uid, p.cfg.Lease); err != nil {
		return err
	}

	cancelled, err := p.pollUntilDone(ctx, job, owner, uid)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job, owner, err)
	}
	if cancelled {
		return nil
	}

	info, err := p.verifyArtifact(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job, owner, err)
	}

	outputPath := p.relocate(ctx, job, info.Path)

	durationMS := time.Since(started).Milliseconds()
	err = p.jobs.Complete(ctx, core.CompleteParams{
		JobID:            job.ID,
		Owner:            owner,
		OutputPath:       outputPath,
		OutputFileSize:   &info.Size,
		RenderDurationMS: &durationMS,
		DataHash:         job.DataHash,
	})
	if err != nil {
		return err
	}

	p.storeInCache(ctx, job, outputPath, info.Size)
	return nil
}

// tryCache completes the job from the artifact cache when an identical render
// already exists. Cache trouble never fails the job; it degrades to a miss.
func (p *Processor) tryCache(ctx context.Context, job *model.RenderJob, owner string) (bool, error) {
	if p.cache == nil || !job.UseCache || job.DataHash == nil || *job.DataHash == "" {
		return false, nil
	}

	hit, err := p.cache.Lookup(ctx, job.Template, job.Composition, *job.DataHash)
	if err != nil || hit == nil {
		return false, nil
	}

	if p.logger != nil {
		p.logger.InfoContext(ctx, "completing job from artifact cache",
			"id", job.ID, "cached_output_path", hit.OutputPath)
	}

	err = p.jobs.Complete(ctx, core.CompleteParams{
		JobID:            job.ID,
		Owner:            owner,
		OutputPath:       hit.OutputPath,
		OutputFileSize:   &hit.OutputFileSize,
		CacheHit:         true,
		CachedOutputPath: &hit.OutputPath,
		DataHash:         job.DataHash,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// buildSpec loads the template's layer map and assembles the renderer job
// description. A broken layer map file degrades to field-name fallback.
func (p *Processor) buildSpec(job *model.RenderJob, payload *model.RenderPayload) (*render.JobSpec, error) {
	var layers render.LayerMap
	if p.layers != nil {
		m, err := p.layers.Load(job.Template)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("layer map load failed, using field names",
					"template", job.Template, "error", err)
			}
		} else {
			layers = m
		}
	}
	return p.builder.Build(job, payload, layers)
}

// pollUntilDone polls the renderer until it reports a terminal phase, an
// error, the render timeout elapses, or an external cancellation is observed.
// Returns cancelled=true when processing should stop with the job cancelled.
func (p *Processor) pollUntilDone(ctx context.Context, job *model.RenderJob, owner, uid string) (bool, error) {
	deadline := time.Now().Add(p.cfg.RenderTimeout)
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}

		if cancelled, err := p.observeCancellation(ctx, job.ID, uid); err == nil && cancelled {
			return true, nil
		}

		status, err := p.renderer.Status(ctx, uid)
		switch {
		case err != nil && ctx.Err() != nil:
			return false, ctx.Err()
		case err != nil && errors.Is(err, core.ErrRenderJobNotFound):
			return false, fmt.Errorf("renderer lost job %s: %w", uid, err)
		case err != nil:
			// Transient poll trouble; keep polling until the timeout.
			if p.logger != nil {
				p.logger.WarnContext(ctx, "renderer status poll failed",
					"id", job.ID, "nexrender_id", uid, "error", err)
			}
		default:
			phase, ok := render.ParsePhase(status.State)
			if !ok {
				return false, fmt.Errorf("renderer reported unknown phase %q", status.State)
			}
			if phase == render.PhaseError {
				msg := status.Error
				if msg == "" {
					msg = "renderer reported an error without a message"
				}
				return false, errors.New(msg)
			}

			snapshot, ok := render.SnapshotFor(phase, status.RenderProgress)
			if !ok {
				return false, fmt.Errorf("renderer reported unknown phase %q", status.State)
			}

			state := string(phase)
			err := p.jobs.ReportProgress(ctx, ProgressReport{
				JobID:          job.ID,
				Owner:          owner,
				Status:         snapshot.Status,
				Progress:       snapshot.Progress,
				NexrenderState: &state,
				Lease:          p.cfg.Lease,
			})
			if err != nil {
				return false, err
			}

			if phase == render.PhaseFinished {
				return false, nil
			}
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("render exceeded %s: %w", p.cfg.RenderTimeout, model.ErrRenderTimeout)
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// observeCancellation checks whether the job was cancelled externally. On a
// cancellation the renderer-side job is cancelled best effort.
func (p *Processor) observeCancellation(ctx context.Context, jobID, uid string) (bool, error) {
	current, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		if p.logger != nil {
			p.logger.WarnContext(ctx, "cancellation check failed", "id", jobID, "error", err)
		}
		return false, err
	}
	if current.Status != model.JobStatusCancelled {
		return false, nil
	}

	if p.logger != nil {
		p.logger.InfoContext(ctx, "job cancelled externally, stopping render",
			"id", jobID, "nexrender_id", uid)
	}
	if err := p.renderer.Cancel(ctx, uid); err != nil && p.logger != nil {
		p.logger.WarnContext(ctx, "renderer-side cancel failed", "id", jobID, "error", err)
	}
	return true, nil
}

// verifyArtifact checks the finished artifact exists, is plausibly sized, and
// carries the expected extension. The shared volume can lag the renderer's
// finished report, so absence is re-checked with increasing waits.
func (p *Processor) verifyArtifact(ctx context.Context, job *model.RenderJob) (core.ArtifactInfo, error) {
	path := p.builder.OutputPath(job)

	wantExt := "." + job.OutputFormat.Ext()
	if gotExt := strings.ToLower(filepath.Ext(path)); gotExt != wantExt {
		return core.ArtifactInfo{}, fmt.Errorf(
			"artifact %s has extension %q, format %s expects %q", path, gotExt, job.OutputFormat, wantExt)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		info, err := p.artifacts.Stat(ctx, path)
		if err == nil {
			if info.Size < p.cfg.ArtifactMinBytes {
				lastErr = fmt.Errorf("artifact %s is %d bytes, below minimum %d",
					path, info.Size, p.cfg.ArtifactMinBytes)
			} else {
				return info, nil
			}
		} else {
			lastErr = err
		}

		if attempt >= len(artifactCheckWaits) {
			return core.ArtifactInfo{}, fmt.Errorf("verify artifact: %w", lastErr)
		}
		if err := sleepCtx(ctx, artifactCheckWaits[attempt]); err != nil {
			return core.ArtifactInfo{}, err
		}
	}
}

// relocate moves a verified artifact into final storage when configured and
// the job did not request an explicit output path. A move that keeps failing
// is logged and the local path is kept; the render is never discarded.
func (p *Processor) relocate(ctx context.Context, job *model.RenderJob, localPath string) string {
	if p.cfg.FinalDir == "" {
		return localPath
	}
	if job.OutputPath != nil && *job.OutputPath != "" {
		return localPath
	}

	finalPath := filepath.Join(p.cfg.FinalDir, filepath.Base(localPath))

	var lastErr error
	for attempt := 0; attempt <= relocateRetries; attempt++ {
		if lastErr = p.artifacts.Move(ctx, localPath, finalPath); lastErr == nil {
			return finalPath
		}
		if ctx.Err() != nil {
			break
		}
	}

	if p.logger != nil {
		p.logger.WarnContext(ctx, "artifact relocation failed, keeping local path",
			"id", job.ID, "local_path", localPath, "final_path", finalPath, "error", lastErr)
	}
	return localPath
}

// storeInCache records a finished render for future identical payloads.
func (p *Processor) storeInCache(ctx context.Context, job *model.RenderJob, outputPath string, size int64) {
	if p.cache == nil || !job.UseCache || job.DataHash == nil || *job.DataHash == "" {
		return
	}
	err := p.cache.Store(ctx, core.StoreArtifactParams{
		Template:       job.Template,
		Composition:    job.Composition,
		DataHash:       *job.DataHash,
		OutputPath:     outputPath,
		OutputFileSize: size,
	})
	if err != nil && p.logger != nil {
		p.logger.WarnContext(ctx, "artifact cache store failed", "id", job.ID, "error", err)
	}
}

// fail classifies the cause, records the failure (requeue or terminal per the
// retry budget), and propagates the original cause to the worker loop. A lost
// lease during the failure write means another worker already took over.
func (p *Processor) fail(ctx context.Context, job *model.RenderJob, owner string, cause error) error {
	category := render.Classify(cause)

	err := p.jobs.FailWithDetails(ctx, core.FailParams{
		JobID:     job.ID,
		Owner:     owner,
		Message:   cause.Error(),
		Category:  category,
		Retryable: category.Retryable(),
	}, JobFailureDetails{ErrorClass: string(category)})
	if err != nil {
		if errors.Is(err, model.ErrLeaseLost) {
			if p.logger != nil {
				p.logger.WarnContext(ctx, "lease lost while recording failure", "id", job.ID)
			}
			return cause
		}
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "recording job failure failed",
				"id", job.ID, "cause", cause, "error", err)
		}
	}

	return cause
}

// sleepCtx pauses for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
