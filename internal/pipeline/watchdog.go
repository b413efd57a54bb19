package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WatchdogReport summarizes one recovery sweep.
type WatchdogReport struct {
	Scanned int `json:"scanned"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// RunWatchdog sweeps for jobs whose heartbeat has gone stale and either
// re-invokes them or fails them once the retry budget is spent. The claim is
// a heartbeat CAS, so concurrent sweeps pick distinct winners and a job is
// never re-invoked twice for the same stall.
func (p *Pipeline) RunWatchdog(ctx context.Context) (*WatchdogReport, error) {
	staleness := time.Duration(p.cfg.Watchdog.StalenessSecs) * time.Second
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-staleness)

	stale, err := p.store.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list stale jobs")
	}

	report := &WatchdogReport{Scanned: len(stale)}
	for _, job := range stale {
		if job.RetryCount >= p.cfg.Watchdog.MaxRetries {
			zap.L().Error("pipeline: job exhausted retries, failing",
				zap.String("job_id", job.ID),
				zap.String("kind", string(job.Kind)),
				zap.String("status", string(job.Status)),
				zap.Int("retry_count", job.RetryCount),
			)
			if err := p.store.FailJob(ctx, job.ID, "stalled: heartbeat lost and retry budget exhausted"); err != nil {
				return report, eris.Wrap(err, "pipeline: fail stalled job")
			}
			report.Failed++
			continue
		}

		won, err := p.store.ClaimStaleRetry(ctx, job.ID, cutoff)
		if err != nil {
			return report, eris.Wrap(err, "pipeline: claim stale retry")
		}
		if !won {
			continue
		}

		zap.L().Warn("pipeline: re-invoking stalled job",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("status", string(job.Status)),
			zap.Int("retry_count", job.RetryCount+1),
		)
		p.chain(job.ID)
		report.Retried++
	}
	return report, nil
}
