package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/resilience"
)

const classifySystemPrompt = `You triage email for a small business owner. Given one email thread, respond with only a JSON object:
{"classification": one of ["customer_inquiry","receipt_confirmation","notification","newsletter","complaint","booking_request","other"],
 "bucket": one of ["auto_handled","quick_win","act_now","wait"],
 "requires_reply": boolean,
 "confidence": number between 0 and 1}
auto_handled: machine mail nobody answers. quick_win: answerable in under two minutes. act_now: urgent or revenue-bearing. wait: needs the owner but not today.`

// triageResult is the structured output expected from the classifier model.
type triageResult struct {
	Classification model.EmailClassification `json:"classification"`
	Bucket         model.DecisionBucket      `json:"bucket"`
	RequiresReply  bool                      `json:"requires_reply"`
	Confidence     float64                   `json:"confidence"`
}

// handleClassify triages one page of unclassified conversations. Keyword
// overrides match first, then persisted sender rules, then the model. An
// empty page completes the job.
func (p *Pipeline) handleClassify(ctx context.Context, job *model.Job) error {
	convs, err := p.store.ListUnclassified(ctx, job.WorkspaceID, p.cfg.Pipeline.PageSize)
	if err != nil {
		return eris.Wrap(err, "pipeline: list unclassified")
	}
	if len(convs) == 0 {
		return p.advance(ctx, job)
	}

	processed := 0
	for i := range convs {
		conv := &convs[i]
		result, classifyErr := p.classifyConversation(ctx, conv)
		if classifyErr != nil {
			if resilience.IsTransient(classifyErr) {
				break
			}
			return classifyErr
		}

		if err := p.store.UpdateTriage(ctx, conv.ID, result.Classification, result.Bucket, result.RequiresReply, result.Confidence); err != nil {
			return eris.Wrap(err, "pipeline: update triage")
		}
		processed++
	}

	applied, err := p.progress(ctx, job, model.JobCounters{Processed: processed}, "")
	if err != nil {
		return err
	}

	if processed < len(convs) {
		// Transient stop mid-page; the watchdog re-enters here.
		return resilience.NewTransientError(eris.New("pipeline: classification batch stopped early"), 0)
	}
	if applied {
		p.chain(job.ID)
	}
	return nil
}

// classifyConversation runs the rule fast paths and falls back to the model.
func (p *Pipeline) classifyConversation(ctx context.Context, conv *model.Conversation) (*triageResult, error) {
	// Fast path 1: keyword overrides for well-known machine senders.
	sender := p.conversationSender(ctx, conv)
	if ov := p.overrides.Match(sender); ov != nil {
		return &triageResult{
			Classification: ov.Classification,
			Bucket:         ov.Bucket,
			RequiresReply:  ov.RequiresReply,
			Confidence:     1.0,
		}, nil
	}

	// Fast path 2: persisted sender rules taught for this workspace. Rules
	// below the confidence floor do not short-circuit; those conversations
	// go to the model like any unmatched sender.
	if conv.SenderDomain != "" {
		rule, err := p.store.MatchSenderRule(ctx, conv.WorkspaceID, conv.SenderDomain)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: match sender rule")
		}
		if rule != nil && rule.ConfidenceScore >= p.cfg.Rules.MinRuleConfidence {
			return &triageResult{
				Classification: rule.Classification,
				Bucket:         rule.DecisionBucket,
				RequiresReply:  rule.RequiresReply,
				Confidence:     rule.ConfidenceScore,
			}, nil
		}
	}

	return p.classifyWithModel(ctx, conv)
}

// conversationSender returns the counterparty address of the thread's first
// inbound message, falling back to the bare sender domain.
func (p *Pipeline) conversationSender(ctx context.Context, conv *model.Conversation) string {
	msgs, err := p.store.ListMessages(ctx, conv.ID)
	if err != nil {
		zap.L().Warn("pipeline: list messages for sender lookup", zap.Error(err))
		return conv.SenderDomain
	}
	for _, m := range msgs {
		if m.Direction == model.DirectionInbound {
			return m.From
		}
	}
	return conv.SenderDomain
}

// classifyWithModel asks the small model for a triage decision.
func (p *Pipeline) classifyWithModel(ctx context.Context, conv *model.Conversation) (*triageResult, error) {
	msgs, err := p.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load thread for classification")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\nSender domain: %s\n\n", conv.Subject, conv.SenderDomain)
	for _, m := range msgs {
		body := m.BodyClean
		if body == "" {
			body = m.BodyRaw
		}
		if len(body) > 2000 {
			body = body[:2000]
		}
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", m.Direction, m.From, body)
	}

	breaker := p.breakers.Get("anthropic")
	resp, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropicMessage, error) {
		return p.createMessage(ctx, "classify", p.cfg.Anthropic.HaikuModel, classifySystemPrompt, sb.String(), 300)
	})
	if err != nil {
		return nil, err
	}

	var result triageResult
	if parseErr := json.Unmarshal([]byte(extractJSON(resp.Text)), &result); parseErr != nil || result.Bucket == "" {
		// Malformed model output falls back to a safe default instead of
		// blocking the batch.
		zap.L().Warn("pipeline: unparseable triage output, defaulting to wait",
			zap.String("conversation_id", conv.ID),
		)
		return &triageResult{
			Classification: model.ClassOther,
			Bucket:         model.BucketWait,
			RequiresReply:  true,
			Confidence:     0,
		}, nil
	}

	if !validBucket(result.Bucket) {
		result.Bucket = model.BucketWait
	}
	if result.Classification == "" {
		result.Classification = model.ClassOther
	}
	return &result, nil
}

func validBucket(b model.DecisionBucket) bool {
	for _, v := range model.AllBuckets() {
		if v == b {
			return true
		}
	}
	return false
}

// extractJSON pulls the outermost JSON object out of model output that may
// wrap it in prose or a code fence.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
