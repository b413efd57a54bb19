package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/store"
)

// BootstrapResult is the outcome of a rule bootstrap pass.
type BootstrapResult struct {
	Suggestions []model.RuleSuggestion `json:"suggestions"`
	AutoCreated int                    `json:"auto_created"`
	DomainsSeen int                    `json:"domains_seen"`
	DomainsSkip int                    `json:"domains_skipped"`
}

// BootstrapRules infers sender rules from historical reply behavior. Keyword
// overrides force their classification regardless of the measured reply
// rate; otherwise domains at the reply-rate extremes become suggestions.
// Suggestions with enough observations and confidence are persisted directly
// as active rules.
func (p *Pipeline) BootstrapRules(ctx context.Context, workspaceID string) (*BootstrapResult, error) {
	stats, err := p.store.DomainStats(ctx, workspaceID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: domain stats")
	}

	result := &BootstrapResult{DomainsSeen: len(stats)}
	for _, stat := range stats {
		if stat.Conversations < p.cfg.Rules.MinObservations {
			result.DomainsSkip++
			continue
		}

		suggestion := p.suggestRule(stat)
		if stat.Conversations >= p.cfg.Rules.AutoCreateMinEmails &&
			suggestion.Confidence >= p.cfg.Rules.AutoCreateConfidence {
			_, err := p.store.UpsertSenderRule(ctx, model.SenderRule{
				WorkspaceID:     workspaceID,
				SenderPattern:   suggestion.SenderPattern,
				Classification:  suggestion.Classification,
				DecisionBucket:  suggestion.DecisionBucket,
				RequiresReply:   suggestion.RequiresReply,
				IsActive:        true,
				ConfidenceScore: suggestion.Confidence,
				AutoCreated:     true,
				EmailCount:      stat.Conversations,
			})
			if err != nil {
				return nil, eris.Wrap(err, "pipeline: auto-create rule")
			}
			result.AutoCreated++
			zap.L().Info("pipeline: sender rule auto-created",
				zap.String("workspace_id", workspaceID),
				zap.String("pattern", suggestion.SenderPattern),
				zap.String("bucket", string(suggestion.DecisionBucket)),
				zap.Float64("confidence", suggestion.Confidence),
			)
			continue
		}

		result.Suggestions = append(result.Suggestions, *suggestion)
	}

	return result, nil
}

// suggestRule maps one domain's reply behavior onto a rule suggestion.
func (p *Pipeline) suggestRule(stat store.DomainStat) *model.RuleSuggestion {
	// Keyword overrides win outright.
	if ov := p.overrides.Match(stat.Domain); ov != nil {
		return &model.RuleSuggestion{
			SenderPattern:  stat.Domain,
			Classification: ov.Classification,
			DecisionBucket: ov.Bucket,
			RequiresReply:  ov.RequiresReply,
			Confidence:     0.95,
			ReplyRate:      replyRate(stat),
			EmailCount:     stat.Conversations,
			Reason:         fmt.Sprintf("matches %s keywords", ov.Name),
		}
	}

	rate := replyRate(stat)
	switch {
	case rate <= p.cfg.Rules.LowReplyRate:
		// Mail the owner never answers: machine traffic.
		confidence := 0.7 + 0.25*(1-rate/max(p.cfg.Rules.LowReplyRate, 0.01))
		return &model.RuleSuggestion{
			SenderPattern:  stat.Domain,
			Classification: model.ClassNotification,
			DecisionBucket: model.BucketAutoHandled,
			RequiresReply:  false,
			Confidence:     confidence,
			ReplyRate:      rate,
			EmailCount:     stat.Conversations,
			Reason:         fmt.Sprintf("replied to %.0f%% of %d conversations", rate*100, stat.Conversations),
		}
	case rate >= p.cfg.Rules.HighReplyRate:
		// Mail the owner almost always answers: real customers.
		confidence := 0.7 + 0.25*((rate-p.cfg.Rules.HighReplyRate)/max(1-p.cfg.Rules.HighReplyRate, 0.01))
		return &model.RuleSuggestion{
			SenderPattern:  stat.Domain,
			Classification: model.ClassCustomerInquiry,
			DecisionBucket: model.BucketActNow,
			RequiresReply:  true,
			Confidence:     confidence,
			ReplyRate:      rate,
			EmailCount:     stat.Conversations,
			Reason:         fmt.Sprintf("replied to %.0f%% of %d conversations", rate*100, stat.Conversations),
		}
	default:
		// The ambiguous middle: likely answerable mail, but the confidence
		// never clears the auto-create bar, so it stays a suggestion.
		return &model.RuleSuggestion{
			SenderPattern:  stat.Domain,
			Classification: model.ClassCustomerInquiry,
			DecisionBucket: model.BucketQuickWin,
			RequiresReply:  true,
			Confidence:     0.5,
			ReplyRate:      rate,
			EmailCount:     stat.Conversations,
			Reason:         fmt.Sprintf("replied to %.0f%% of %d conversations", rate*100, stat.Conversations),
		}
	}
}

func replyRate(stat store.DomainStat) float64 {
	if stat.Conversations == 0 {
		return 0
	}
	return float64(stat.Replied) / float64(stat.Conversations)
}


// TeachRule persists a human-confirmed rule as active. Re-teaching an
// existing pattern updates it in place.
func (p *Pipeline) TeachRule(ctx context.Context, rule model.SenderRule) (*model.SenderRule, error) {
	rule.IsActive = true
	rule.AutoCreated = false
	if rule.ConfidenceScore == 0 {
		rule.ConfidenceScore = 1.0
	}
	saved, err := p.store.UpsertSenderRule(ctx, rule)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: teach rule")
	}
	zap.L().Info("pipeline: sender rule taught",
		zap.String("workspace_id", rule.WorkspaceID),
		zap.String("pattern", rule.SenderPattern),
	)
	return saved, nil
}

