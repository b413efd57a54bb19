package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CleanBackfill re-runs body cleaning over messages stored without a clean
// body. Each call processes at most limit messages; callers repeat until the
// returned count is zero.
func (p *Pipeline) CleanBackfill(ctx context.Context, workspaceID string, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}

	msgs, err := p.store.ListMessagesMissingClean(ctx, workspaceID, limit)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: clean backfill list")
	}

	updated := 0
	for _, msg := range msgs {
		clean := cleanBody(msg.BodyRaw)
		if clean == "" {
			continue
		}
		if err := p.store.UpdateBodyClean(ctx, msg.ID, clean); err != nil {
			return updated, eris.Wrapf(err, "pipeline: clean backfill message %s", msg.ID)
		}
		updated++
	}

	if updated > 0 {
		zap.L().Info("pipeline: body clean backfill",
			zap.String("workspace_id", workspaceID),
			zap.Int("updated", updated),
		)
	}
	return updated, nil
}
