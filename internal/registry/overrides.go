// Package registry holds the keyword-override table used by the sender-rule
// engine. Overrides force a classification for well-known machine senders
// (payment processors, job boards, noreply patterns) regardless of the
// measured reply rate for that domain.
package registry

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/bizzybee90/bizzybee/internal/model"
)

//go:embed overrides.yaml
var defaultOverridesYAML []byte

// Override forces a classification when one of its keywords appears in the
// sender address or domain.
type Override struct {
	Name           string                    `yaml:"name"`
	Keywords       []string                  `yaml:"keywords"`
	Classification model.EmailClassification `yaml:"classification"`
	Bucket         model.DecisionBucket      `yaml:"bucket"`
	RequiresReply  bool                      `yaml:"requires_reply"`
}

// Registry matches sender addresses against keyword overrides.
type Registry struct {
	overrides []Override
}

// NewRegistry builds a Registry from a list of overrides. Keywords are
// normalized to lower case once, at construction.
func NewRegistry(overrides []Override) *Registry {
	for i := range overrides {
		for j, kw := range overrides[i].Keywords {
			overrides[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return &Registry{overrides: overrides}
}

// DefaultRegistry returns the Registry built from the embedded override table.
func DefaultRegistry() (*Registry, error) {
	var overrides []Override
	if err := yaml.Unmarshal(defaultOverridesYAML, &overrides); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal embedded overrides")
	}
	return NewRegistry(overrides), nil
}

// Match returns the first override whose keyword appears in the lowercased
// sender address, or nil when no override applies. The full address is
// matched, so both domain keywords ("stripe.com") and local-part patterns
// ("noreply") work.
func (r *Registry) Match(senderAddr string) *Override {
	addr := strings.ToLower(strings.TrimSpace(senderAddr))
	if addr == "" {
		return nil
	}
	for i := range r.overrides {
		for _, kw := range r.overrides[i].Keywords {
			if kw != "" && strings.Contains(addr, kw) {
				return &r.overrides[i]
			}
		}
	}
	return nil
}

// Len returns the number of overrides in the table.
func (r *Registry) Len() int {
	return len(r.overrides)
}
