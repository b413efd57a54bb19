package model

import "time"

// SenderRule is a persisted pattern-based classification default keyed by
// sender domain. Unique per (workspace, pattern).
type SenderRule struct {
	ID              string              `json:"id"`
	WorkspaceID     string              `json:"workspace_id"`
	SenderPattern   string              `json:"sender_pattern"` // bare domain, e.g. "stripe.com"
	Classification  EmailClassification `json:"default_classification"`
	DecisionBucket  DecisionBucket      `json:"decision_bucket"`
	RequiresReply   bool                `json:"default_requires_reply"`
	IsActive        bool                `json:"is_active"`
	ConfidenceScore float64             `json:"confidence_score"`
	AutoCreated     bool                `json:"auto_created"`
	EmailCount      int                 `json:"email_count"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// RuleSuggestion is a bootstrap-proposed rule awaiting human confirmation.
// Suggestions meeting the auto-create bar are persisted directly as active
// rules instead.
type RuleSuggestion struct {
	SenderPattern  string              `json:"sender_pattern"`
	Classification EmailClassification `json:"classification"`
	DecisionBucket DecisionBucket      `json:"decision_bucket"`
	RequiresReply  bool                `json:"requires_reply"`
	Confidence     float64             `json:"confidence"`
	ReplyRate      float64             `json:"reply_rate"`
	EmailCount     int                 `json:"email_count"`
	Reason         string              `json:"reason"`
}
