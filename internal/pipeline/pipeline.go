// Package pipeline implements the phase handlers behind the background job
// kinds: email import (scan, hydrate, classify), voice learning, drift
// checking and competitor research. Handlers are stateless; all coordination
// flows through the job row, and chaining between phases is fire-and-forget.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bizzybee90/bizzybee/internal/config"
	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/registry"
	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/internal/store"
	"github.com/bizzybee90/bizzybee/pkg/anthropic"
	"github.com/bizzybee90/bizzybee/pkg/firecrawl"
	"github.com/bizzybee90/bizzybee/pkg/geocode"
	"github.com/bizzybee90/bizzybee/pkg/jina"
	"github.com/bizzybee90/bizzybee/pkg/nylas"
)

// invokeTimeout bounds a single fire-and-forget handler invocation. A handler
// that overruns it is recovered by the watchdog, not by the invoker.
const invokeTimeout = 10 * time.Minute

// Pipeline holds the dependencies shared by every phase handler.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	nylas     nylas.Client
	anthropic anthropic.Client
	firecrawl firecrawl.Client
	jina      jina.Client
	geocoder  geocode.Client
	overrides *registry.Registry
	breakers  *resilience.ServiceBreakers

	// scrapeLimiter paces competitor-site crawls across chained invocations.
	scrapeLimiter *rate.Limiter

	// chain delivers a follow-up invocation for a job. Production uses the
	// async fire-and-forget goroutine; tests swap in a synchronous version.
	chain func(jobID string)
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	nylasClient nylas.Client,
	aiClient anthropic.Client,
	fcClient firecrawl.Client,
	jinaClient jina.Client,
	geocoder geocode.Client,
	overrides *registry.Registry,
) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		nylas:     nylasClient,
		anthropic: aiClient,
		firecrawl: fcClient,
		jina:      jinaClient,
		geocoder:  geocoder,
		overrides: overrides,
		breakers:  resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
	perMin := cfg.Research.ScrapesPerMin
	if perMin <= 0 {
		perMin = 6
	}
	p.scrapeLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
	p.chain = p.invokeAsync
	return p
}

// SetChain overrides the follow-up invocation delivery. Tests use this to run
// the chain synchronously.
func (p *Pipeline) SetChain(fn func(jobID string)) {
	p.chain = fn
}

// handlerFunc processes one bounded batch for a job in a given phase.
type handlerFunc func(ctx context.Context, job *model.Job) error

// handlers routes (kind, status) to the phase handler responsible for it.
// The watchdog uses the same table when re-invoking a stalled job.
func (p *Pipeline) handlers() map[model.JobKind]map[model.JobStatus]handlerFunc {
	return map[model.JobKind]map[model.JobStatus]handlerFunc{
		model.JobKindEmailImport: {
			model.JobStatusScanning:    p.handleScan,
			model.JobStatusHydrating:   p.handleHydrate,
			model.JobStatusClassifying: p.handleClassify,
		},
		model.JobKindVoiceLearning: {
			model.JobStatusSampling:  p.handleVoiceSample,
			model.JobStatusAnalyzing: p.handleVoiceAnalyze,
		},
		model.JobKindDriftCheck: {
			model.JobStatusSampling: p.handleDriftSample,
			model.JobStatusScoring:  p.handleDriftScore,
		},
		model.JobKindCompetitorResearch: {
			model.JobStatusDiscovering: p.handleDiscover,
			model.JobStatusScraping:    p.handleScrape,
			model.JobStatusRefining:    p.handleRefine,
		},
	}
}

// StartJob claims a new job row for the workspace and kind, moves it into its
// first phase and fires the first handler invocation. Returns ErrJobActive
// from the store when a non-terminal job already holds the (workspace, kind)
// slot.
func (p *Pipeline) StartJob(ctx context.Context, workspaceID string, kind model.JobKind, params model.JobParams) (*model.Job, error) {
	job, err := p.store.ClaimJob(ctx, workspaceID, kind, params)
	if err != nil {
		return nil, err
	}

	first, err := model.NextStatus(kind, model.JobStatusPending)
	if err != nil {
		return nil, err
	}
	if err := p.store.TransitionJob(ctx, job.ID, model.JobStatusPending, first); err != nil {
		return nil, eris.Wrap(err, "pipeline: enter first phase")
	}

	zap.L().Info("pipeline: job started",
		zap.String("job_id", job.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("kind", string(kind)),
		zap.String("phase", string(first)),
	)

	p.chain(job.ID)
	job.Status = first
	return job, nil
}

// Dispatch reads the job row and runs the handler for its current phase.
// Terminal jobs are ignored. Handler errors are classified: transient errors
// leave the job in place for the watchdog, permanent errors fail the job.
func (p *Pipeline) Dispatch(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrap(err, "pipeline: dispatch")
	}

	if job.Status.IsTerminal() {
		zap.L().Debug("pipeline: dispatch on terminal job ignored",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}

	if job.Status == model.JobStatusPending {
		first, nextErr := model.NextStatus(job.Kind, model.JobStatusPending)
		if nextErr != nil {
			return nextErr
		}
		if err := p.store.TransitionJob(ctx, job.ID, model.JobStatusPending, first); err != nil && !eris.Is(err, store.ErrStaleUpdate) {
			return eris.Wrap(err, "pipeline: leave pending")
		}
		job, err = p.store.GetJob(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "pipeline: reload after pending")
		}
	}

	handler, ok := p.handlers()[job.Kind][job.Status]
	if !ok {
		return eris.Errorf("pipeline: no handler for kind %q status %q", job.Kind, job.Status)
	}

	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("phase", string(job.Status)),
	)

	if err := p.store.TouchJob(ctx, job.ID); err != nil {
		log.Warn("pipeline: heartbeat refresh failed", zap.Error(err))
	}

	start := time.Now()
	if err := handler(ctx, job); err != nil {
		if resilience.IsTransient(err) {
			// Leave the job in its current phase; the watchdog resumes it
			// from the persisted checkpoint once the provider recovers.
			log.Warn("pipeline: batch stopped on transient error",
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return nil
		}
		log.Error("pipeline: phase failed", zap.Error(err))
		if failErr := p.store.FailJob(ctx, job.ID, err.Error()); failErr != nil && !eris.Is(failErr, store.ErrStaleUpdate) {
			log.Error("pipeline: could not record failure", zap.Error(failErr))
		}
		return err
	}

	log.Debug("pipeline: batch complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// mailRetryConfig wraps idempotent provider reads with short jittered
// retries. Quota errors are excluded: the batch parks as transient and the
// watchdog resumes it once the quota window resets, instead of burning
// attempts against a closed window.
func mailRetryConfig(operation string) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.ShouldRetry = func(err error) bool {
		if nylas.IsQuotaError(err) {
			return false
		}
		var apiErr *nylas.APIError
		if errors.As(err, &apiErr) {
			return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
		}
		return resilience.IsTransient(err)
	}
	cfg.OnRetry = resilience.RetryLogger("nylas", operation)
	return cfg
}

// invokeAsync is the production chain: a detached invocation that survives
// the caller's request context.
func (p *Pipeline) invokeAsync(jobID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
		defer cancel()
		if err := p.Dispatch(ctx, jobID); err != nil {
			zap.L().Error("pipeline: chained invocation failed",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}()
}

// advance moves the job to the next phase in its kind's ordering and chains
// the next handler. A stale transition means another invocation already
// advanced the job, which is not an error.
func (p *Pipeline) advance(ctx context.Context, job *model.Job) error {
	next, err := model.NextStatus(job.Kind, job.Status)
	if err != nil {
		return err
	}

	if err := p.store.TransitionJob(ctx, job.ID, job.Status, next); err != nil {
		if eris.Is(err, store.ErrStaleUpdate) {
			zap.L().Debug("pipeline: phase already advanced",
				zap.String("job_id", job.ID),
				zap.String("from", string(job.Status)),
			)
			return nil
		}
		return eris.Wrap(err, "pipeline: advance phase")
	}

	zap.L().Info("pipeline: phase complete",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("from", string(job.Status)),
		zap.String("to", string(next)),
	)

	if !next.IsTerminal() {
		p.chain(job.ID)
	}
	return nil
}

// progress applies a counter delta guarded by the checkpoint sequence the
// handler read at batch start. ErrStaleUpdate means a concurrent invocation
// already applied this batch; the caller treats the batch as done.
func (p *Pipeline) progress(ctx context.Context, job *model.Job, delta model.JobCounters, nextCursor string) (bool, error) {
	err := p.store.ApplyJobProgress(ctx, job.ID, job.Checkpoint.BatchSeq, delta, nextCursor)
	if err == nil {
		return true, nil
	}
	if eris.Is(err, store.ErrStaleUpdate) {
		zap.L().Info("pipeline: duplicate batch detected, progress not double-counted",
			zap.String("job_id", job.ID),
			zap.Int("batch_seq", job.Checkpoint.BatchSeq),
		)
		return false, nil
	}
	return false, eris.Wrap(err, "pipeline: apply progress")
}
