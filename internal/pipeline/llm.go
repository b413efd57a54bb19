package pipeline

import (
	"context"

	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/pkg/anthropic"
)

// anthropicMessage is the reduced model response the phase handlers consume.
type anthropicMessage struct {
	Text  string
	Usage anthropic.TokenUsage
}

// createMessage sends a single system+user exchange and returns the text
// output. Provider errors come back transient: the watchdog's retry cap, not
// the handler, decides when to give up on a flaky gateway.
func (p *Pipeline) createMessage(ctx context.Context, phase, modelID, system, user string, maxTokens int64) (*anthropicMessage, error) {
	resp, err := p.anthropic.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     modelID,
		MaxTokens: maxTokens,
		System:    []anthropic.SystemBlock{{Text: system}},
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}

	resp.Usage.LogCost(modelID, phase)
	return &anthropicMessage{Text: resp.Text(), Usage: resp.Usage}, nil
}
