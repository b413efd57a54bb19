package model

import "time"

// VoiceProfile is the learned stylistic model of a workspace's outbound
// writing. One row per workspace, overwritten wholesale on each relearning
// run.
type VoiceProfile struct {
	WorkspaceID     string    `json:"workspace_id"`
	Tone            string    `json:"tone"`
	Formality       string    `json:"formality"` // "casual", "neutral", "formal"
	Greetings       []string  `json:"greetings"`
	SignOffs        []string  `json:"sign_offs"`
	CommonPhrases   []string  `json:"common_phrases"`
	AvgWordCount    int       `json:"avg_word_count"`
	EmailsAnalyzed  int       `json:"emails_analyzed"`
	ConfidenceScore float64   `json:"confidence_score"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DriftReport is the outcome of a drift check pass.
type DriftReport struct {
	WorkspaceID      string    `json:"workspace_id"`
	DriftScore       float64   `json:"drift_score"` // 0..1 divergence from stored profile
	SampledEmails    int       `json:"sampled_emails"`
	RelearnTriggered bool      `json:"relearn_triggered"`
	Reason           string    `json:"reason,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}
