package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/pkg/anthropic"
)

const refineSystemPrompt = `You rewrite FAQ entries for a small business so they read as if the owner wrote them. You are given the owner's voice profile and one question/answer pair harvested from a competitor's website.

Rewrite the pair in the owner's voice. Strip any competitor names, prices, phone numbers, and addresses. Keep the answer factual and generic enough to apply to this business.

Respond with only a JSON object:
{"question": "...", "answer": "...", "category": "hours|pricing|services|booking|policies|other"}`

// headingRe matches a markdown heading line, which often carries the question
// on competitor FAQ pages.
var headingRe = regexp.MustCompile(`^#{1,6}\s+(.+)$`)

// parseFAQs extracts question/answer candidates from one crawled page. A
// question is a heading or standalone line ending in "?"; its answer is the
// prose that follows, up to the next question. Pairs without an answer are
// dropped.
func parseFAQs(markdown string) []model.FAQEntry {
	var entries []model.FAQEntry
	var question string
	var answer strings.Builder

	flush := func() {
		q := strings.TrimSpace(question)
		a := strings.TrimSpace(answer.String())
		question = ""
		answer.Reset()
		if q == "" || a == "" {
			return
		}
		entries = append(entries, model.FAQEntry{
			Question:    q,
			Answer:      a,
			ContentHash: faqContentHash(q, a),
		})
	}

	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			if strings.HasSuffix(m[1], "?") {
				question = m[1]
			}
			continue
		}
		if strings.HasSuffix(line, "?") && len(line) < 200 {
			flush()
			question = line
			continue
		}
		if question == "" || line == "" {
			continue
		}
		if answer.Len() > 0 {
			answer.WriteString(" ")
		}
		answer.WriteString(line)
	}
	flush()
	return entries
}

// faqContentHash keys a pair for dedupe across re-crawls. Case and interior
// whitespace do not affect the hash.
func faqContentHash(question, answer string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	sum := sha256.Sum256([]byte(norm(question) + "|" + norm(answer)))
	return fmt.Sprintf("%x", sum)
}

// refinedFAQ is the model's output shape for one rewritten pair.
type refinedFAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

// handleRefine rewrites one batch of harvested FAQ entries into the
// workspace's voice using the message batch API. The shared voice context
// goes out once as a cached primer so every batch item hits the warm cache.
// Entries whose rewrite fails are marked refined with their original content
// so the phase always drains.
func (p *Pipeline) handleRefine(ctx context.Context, job *model.Job) error {
	batch := p.cfg.Research.RefineBatch
	if batch <= 0 {
		batch = 25
	}
	faqs, err := p.store.ListUnrefinedFAQs(ctx, job.WorkspaceID, batch)
	if err != nil {
		return eris.Wrap(err, "pipeline: list unrefined faqs")
	}
	if len(faqs) == 0 {
		return p.advance(ctx, job)
	}

	system := anthropic.BuildCachedSystemBlocks(p.refineContext(ctx, job.WorkspaceID))
	modelID := p.cfg.Anthropic.SonnetModel
	breaker := p.breakers.Get("anthropic")

	primer, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return anthropic.PrimerRequest(ctx, p.anthropic, anthropic.MessageRequest{
			Model:     modelID,
			MaxTokens: 1,
			System:    system,
			Messages:  []anthropic.Message{{Role: "user", Content: "ok"}},
		})
	})
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	primer.Usage.LogCost(modelID, "faq_refine")

	req := anthropic.BatchRequest{}
	for _, faq := range faqs {
		req.Requests = append(req.Requests, anthropic.BatchRequestItem{
			CustomID: faq.ID,
			Params: anthropic.MessageRequest{
				Model:     modelID,
				MaxTokens: 500,
				System:    system,
				Messages: []anthropic.Message{{
					Role:    "user",
					Content: fmt.Sprintf("Q: %s\nA: %s", faq.Question, faq.Answer),
				}},
			},
		})
	}
	created, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropic.BatchResponse, error) {
		return p.anthropic.CreateBatch(ctx, req)
	})
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	done, err := anthropic.PollBatch(ctx, p.anthropic, created.ID)
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	iter, err := p.anthropic.GetBatchResults(ctx, done.ID)
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	results, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}

	rewritten := 0
	for _, faq := range faqs {
		q, a, cat := faq.Question, faq.Answer, faq.Category
		if resp, ok := results[faq.ID]; ok {
			resp.Usage.LogCost(modelID, "faq_refine")
			var parsed refinedFAQ
			if jsonErr := json.Unmarshal([]byte(extractJSON(resp.Text())), &parsed); jsonErr == nil &&
				parsed.Question != "" && parsed.Answer != "" {
				q, a, cat = parsed.Question, parsed.Answer, parsed.Category
				rewritten++
			} else {
				zap.L().Warn("pipeline: unparseable refinement, keeping original",
					zap.String("faq_id", faq.ID),
				)
			}
		}
		if err := p.store.MarkFAQRefined(ctx, faq.ID, q, a, cat); err != nil {
			return eris.Wrap(err, "pipeline: mark faq refined")
		}
	}

	zap.L().Info("pipeline: faq batch refined",
		zap.String("job_id", job.ID),
		zap.Int("entries", len(faqs)),
		zap.Int("rewritten", rewritten),
	)
	applied, err := p.progress(ctx, job, model.JobCounters{Processed: len(faqs)}, "")
	if err != nil {
		return err
	}
	if applied {
		p.chain(job.ID)
	}
	return nil
}

// refineContext builds the cached system prompt, folding in the stored voice
// profile when one exists.
func (p *Pipeline) refineContext(ctx context.Context, workspaceID string) string {
	profile, err := p.store.GetVoiceProfile(ctx, workspaceID)
	if err != nil || profile == nil {
		return refineSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(refineSystemPrompt)
	fmt.Fprintf(&sb, "\n\nOwner's voice profile:\ntone: %s\nformality: %s\ngreetings: %s\nsign-offs: %s\ncommon phrases: %s\n",
		profile.Tone, profile.Formality,
		strings.Join(profile.Greetings, "; "),
		strings.Join(profile.SignOffs, "; "),
		strings.Join(profile.CommonPhrases, "; "),
	)
	return sb.String()
}
