package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
)

const voiceSystemPrompt = `You analyze how a small business owner writes email. Given a sample of their sent messages, respond with only a JSON object. Blocks labeled "Customer message" are the inbound mail being answered; use them for context but analyze only the owner's own emails:
{"tone": short free-text description,
 "formality": one of ["casual","neutral","formal"],
 "greetings": up to 5 opening lines they actually use,
 "sign_offs": up to 5 closing lines they actually use,
 "common_phrases": up to 10 recurring phrases}`

// voiceExtraction is the structured output expected from the voice model.
type voiceExtraction struct {
	Tone          string   `json:"tone"`
	Formality     string   `json:"formality"`
	Greetings     []string `json:"greetings"`
	SignOffs      []string `json:"sign_offs"`
	CommonPhrases []string `json:"common_phrases"`
}

// handleVoiceSample sizes the outbound sample the analyze phase will work
// from. AI-drafted mail is excluded at the store level; only the owner's own
// words train the profile.
func (p *Pipeline) handleVoiceSample(ctx context.Context, job *model.Job) error {
	sampleSize := p.voiceSampleSize(job)
	msgs, err := p.store.ListOutboundMessages(ctx, job.WorkspaceID, nil, sampleSize)
	if err != nil {
		return eris.Wrap(err, "pipeline: sample outbound messages")
	}
	if len(msgs) == 0 {
		return eris.New("pipeline: no outbound messages to learn a voice from")
	}

	if _, err := p.progress(ctx, job, model.JobCounters{Scanned: len(msgs), TotalEstimated: len(msgs)}, ""); err != nil {
		return err
	}
	return p.advance(ctx, job)
}

// handleVoiceAnalyze extracts the stylistic profile from the sample and
// overwrites the workspace's profile wholesale.
func (p *Pipeline) handleVoiceAnalyze(ctx context.Context, job *model.Job) error {
	sampleSize := p.voiceSampleSize(job)
	msgs, err := p.store.ListOutboundMessages(ctx, job.WorkspaceID, nil, sampleSize)
	if err != nil {
		return eris.Wrap(err, "pipeline: load voice sample")
	}
	if len(msgs) == 0 {
		return eris.New("pipeline: voice sample disappeared between phases")
	}

	resp, err := p.createMessage(ctx, "voice_learn", p.cfg.Anthropic.SonnetModel,
		voiceSystemPrompt, p.pairedSampleText(ctx, msgs), 1000)
	if err != nil {
		return err
	}

	var extracted voiceExtraction
	if parseErr := json.Unmarshal([]byte(extractJSON(resp.Text)), &extracted); parseErr != nil {
		return eris.Wrap(parseErr, "pipeline: parse voice extraction")
	}

	profile := model.VoiceProfile{
		WorkspaceID:     job.WorkspaceID,
		Tone:            extracted.Tone,
		Formality:       normalizeFormality(extracted.Formality),
		Greetings:       extracted.Greetings,
		SignOffs:        extracted.SignOffs,
		CommonPhrases:   extracted.CommonPhrases,
		AvgWordCount:    avgWordCount(msgs),
		EmailsAnalyzed:  len(msgs),
		ConfidenceScore: min(1.0, float64(len(msgs))/float64(sampleSize)),
	}
	if err := p.store.UpsertVoiceProfile(ctx, profile); err != nil {
		return eris.Wrap(err, "pipeline: upsert voice profile")
	}

	zap.L().Info("pipeline: voice profile learned",
		zap.String("workspace_id", job.WorkspaceID),
		zap.Int("emails_analyzed", len(msgs)),
		zap.String("formality", profile.Formality),
		zap.Float64("confidence", profile.ConfidenceScore),
	)

	if _, err := p.progress(ctx, job, model.JobCounters{Processed: len(msgs)}, ""); err != nil {
		return err
	}
	return p.advance(ctx, job)
}

func (p *Pipeline) voiceSampleSize(job *model.Job) int {
	if job.Params.Voice != nil && job.Params.Voice.SampleSize > 0 {
		return job.Params.Voice.SampleSize
	}
	return p.cfg.Voice.SampleSize
}

// voiceSampleText flattens the sample into the prompt body, bounded per
// message so one long email cannot crowd out the rest.
func voiceSampleText(msgs []model.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		fmt.Fprintf(&sb, "--- Email %d ---\n%s\n\n", i+1, boundedBody(m, 1500))
	}
	return sb.String()
}

// pairedSampleText renders each outbound sample prefixed with the inbound
// message it answers, when the thread records one, so the model sees the
// prompt the owner was responding to. Threads are loaded once per
// conversation.
func (p *Pipeline) pairedSampleText(ctx context.Context, msgs []model.Message) string {
	threads := map[string][]model.Message{}
	var sb strings.Builder
	for i, m := range msgs {
		if m.InReplyTo != "" {
			thread, ok := threads[m.ConversationID]
			if !ok {
				loaded, err := p.store.ListMessages(ctx, m.ConversationID)
				if err != nil {
					zap.L().Warn("pipeline: load thread for voice pairing",
						zap.String("conversation_id", m.ConversationID),
						zap.Error(err),
					)
				}
				thread = loaded
				threads[m.ConversationID] = thread
			}
			for _, in := range thread {
				if in.ProviderMessageID == m.InReplyTo && in.Direction == model.DirectionInbound {
					fmt.Fprintf(&sb, "--- Customer message %d ---\n%s\n\n", i+1, boundedBody(in, 800))
					break
				}
			}
		}
		fmt.Fprintf(&sb, "--- Email %d ---\n%s\n\n", i+1, boundedBody(m, 1500))
	}
	return sb.String()
}

func boundedBody(m model.Message, limit int) string {
	body := m.BodyClean
	if body == "" {
		body = m.BodyRaw
	}
	if len(body) > limit {
		body = body[:limit]
	}
	return body
}

func avgWordCount(msgs []model.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := 0
	for _, m := range msgs {
		body := m.BodyClean
		if body == "" {
			body = m.BodyRaw
		}
		total += len(strings.Fields(body))
	}
	return total / len(msgs)
}

func normalizeFormality(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "casual", "neutral", "formal":
		return strings.ToLower(strings.TrimSpace(s))
	default:
		return "neutral"
	}
}
