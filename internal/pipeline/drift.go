package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/store"
)

const driftSystemPrompt = `You compare recent emails against a stored writing-style profile. Respond with only a JSON object:
{"drift_score": number between 0 (identical style) and 1 (completely different),
 "reason": one sentence naming what changed}`

// driftScore is the structured output expected from the drift model.
type driftScore struct {
	DriftScore float64 `json:"drift_score"`
	Reason     string  `json:"reason"`
}

// handleDriftSample counts the outbound mail sent since the profile was last
// learned. A missing profile is a configuration error, not a retry case.
func (p *Pipeline) handleDriftSample(ctx context.Context, job *model.Job) error {
	profile, err := p.store.GetVoiceProfile(ctx, job.WorkspaceID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load voice profile")
	}
	if profile == nil {
		return eris.New("pipeline: no voice profile exists to check drift against")
	}

	msgs, err := p.recentOutbound(ctx, job.WorkspaceID, profile.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := p.progress(ctx, job, model.JobCounters{Scanned: len(msgs), TotalEstimated: len(msgs)}, ""); err != nil {
		return err
	}
	return p.advance(ctx, job)
}

// handleDriftScore scores divergence between the new mail and the stored
// profile, relearning the voice when the threshold is crossed. Too small a
// sample scores zero and never triggers relearning.
func (p *Pipeline) handleDriftScore(ctx context.Context, job *model.Job) error {
	profile, err := p.store.GetVoiceProfile(ctx, job.WorkspaceID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load voice profile")
	}
	if profile == nil {
		return eris.New("pipeline: voice profile disappeared between phases")
	}

	msgs, err := p.recentOutbound(ctx, job.WorkspaceID, profile.UpdatedAt)
	if err != nil {
		return err
	}

	report := model.DriftReport{
		WorkspaceID:   job.WorkspaceID,
		SampledEmails: len(msgs),
		CheckedAt:     time.Now().UTC(),
	}

	if len(msgs) < p.cfg.Voice.MinDriftSample {
		report.Reason = "insufficient data"
		zap.L().Info("pipeline: drift check skipped",
			zap.String("workspace_id", job.WorkspaceID),
			zap.Int("sampled", len(msgs)),
			zap.Int("min_sample", p.cfg.Voice.MinDriftSample),
		)
		return p.finishDrift(ctx, job, report)
	}

	resp, err := p.createMessage(ctx, "drift_check", p.cfg.Anthropic.SonnetModel,
		driftSystemPrompt, driftPrompt(profile, msgs), 300)
	if err != nil {
		return err
	}

	var score driftScore
	if parseErr := json.Unmarshal([]byte(extractJSON(resp.Text)), &score); parseErr != nil {
		// Unparseable output neither fails the job nor forces relearning.
		zap.L().Warn("pipeline: unparseable drift output, scoring zero",
			zap.String("workspace_id", job.WorkspaceID),
		)
		score = driftScore{DriftScore: 0, Reason: "unparseable model output"}
	}

	threshold := p.cfg.Voice.DriftThreshold
	if job.Params.Drift != nil && job.Params.Drift.Threshold > 0 {
		threshold = job.Params.Drift.Threshold
	}

	report.DriftScore = score.DriftScore
	report.Reason = score.Reason
	if score.DriftScore >= threshold {
		report.RelearnTriggered = true
		if _, startErr := p.StartJob(ctx, job.WorkspaceID, model.JobKindVoiceLearning, model.JobParams{
			Voice: &model.VoiceParams{},
		}); startErr != nil && !eris.Is(startErr, store.ErrJobActive) {
			return eris.Wrap(startErr, "pipeline: trigger relearn")
		}
	}

	zap.L().Info("pipeline: drift scored",
		zap.String("workspace_id", job.WorkspaceID),
		zap.Float64("drift_score", score.DriftScore),
		zap.Float64("threshold", threshold),
		zap.Bool("relearn_triggered", report.RelearnTriggered),
	)
	return p.finishDrift(ctx, job, report)
}

func (p *Pipeline) finishDrift(ctx context.Context, job *model.Job, report model.DriftReport) error {
	if _, err := p.progress(ctx, job, model.JobCounters{Processed: report.SampledEmails}, ""); err != nil {
		return err
	}
	return p.advance(ctx, job)
}

// recentOutbound lists the owner's outbound mail sent after the given time.
func (p *Pipeline) recentOutbound(ctx context.Context, workspaceID string, since time.Time) ([]model.Message, error) {
	msgs, err := p.store.ListOutboundMessages(ctx, workspaceID, &since, p.cfg.Voice.SampleSize)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list recent outbound")
	}
	return msgs, nil
}

func driftPrompt(profile *model.VoiceProfile, msgs []model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stored profile:\ntone: %s\nformality: %s\ngreetings: %s\nsign-offs: %s\ncommon phrases: %s\n\nRecent emails:\n\n",
		profile.Tone, profile.Formality,
		strings.Join(profile.Greetings, "; "),
		strings.Join(profile.SignOffs, "; "),
		strings.Join(profile.CommonPhrases, "; "),
	)
	sb.WriteString(voiceSampleText(msgs))
	return sb.String()
}
