// Package store defines the persistence interface shared by every pipeline
// phase and the watchdog. All cross-invocation coordination flows through it.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bizzybee90/bizzybee/internal/model"
)

// ErrJobActive is returned by ClaimJob when a non-terminal job already exists
// for the (workspace, kind) pair.
var ErrJobActive = eris.New("store: an active job already exists for this workspace and kind")

// ErrStaleUpdate is returned by compare-and-set operations when the guarded
// row has moved on (another invocation already applied the change).
var ErrStaleUpdate = eris.New("store: stale update, row has advanced")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Kind        model.JobKind   `json:"kind,omitempty"`
	Status      model.JobStatus `json:"status,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

// ConversationFilter specifies criteria for listing conversations.
type ConversationFilter struct {
	WorkspaceID string                   `json:"workspace_id,omitempty"`
	Bucket      model.DecisionBucket     `json:"bucket,omitempty"`
	Status      model.ConversationStatus `json:"status,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
}

// DomainStat aggregates per-sender-domain reply behavior for the bootstrap
// analyzer.
type DomainStat struct {
	Domain        string `json:"domain"`
	Conversations int    `json:"conversations"`
	Replied       int    `json:"replied"` // conversations with >=1 human outbound reply
}

// Store is the persistence interface for the import/classification/learning
// pipeline and its side pipelines.
type Store interface {
	// Jobs
	ClaimJob(ctx context.Context, workspaceID string, kind model.JobKind, params model.JobParams) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus) error
	ApplyJobProgress(ctx context.Context, jobID string, expectSeq int, delta model.JobCounters, nextCursor string) error
	TouchJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, message string) error
	CancelJob(ctx context.Context, jobID string) error
	ListStaleJobs(ctx context.Context, olderThan time.Time) ([]model.Job, error)
	ClaimStaleRetry(ctx context.Context, jobID string, heartbeatBefore time.Time) (bool, error)

	// Import queue
	EnqueueMessages(ctx context.Context, entries []model.QueueEntry) (int, error)
	NextQueueBatch(ctx context.Context, jobID string, limit int) ([]model.QueueEntry, error)
	MarkHydrated(ctx context.Context, entryIDs []string) error

	// Conversations and messages
	UpsertConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error)
	ListUnclassified(ctx context.Context, workspaceID string, limit int) ([]model.Conversation, error)
	UpdateTriage(ctx context.Context, conversationID string, class model.EmailClassification, bucket model.DecisionBucket, requiresReply bool, confidence float64) error
	InsertMessage(ctx context.Context, msg model.Message) (bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	ListOutboundMessages(ctx context.Context, workspaceID string, since *time.Time, limit int) ([]model.Message, error)
	UpdateBodyClean(ctx context.Context, messageID string, clean string) error
	ListMessagesMissingClean(ctx context.Context, workspaceID string, limit int) ([]model.Message, error)
	DomainStats(ctx context.Context, workspaceID string) ([]DomainStat, error)

	// Sender rules
	UpsertSenderRule(ctx context.Context, rule model.SenderRule) (*model.SenderRule, error)
	ListSenderRules(ctx context.Context, workspaceID string, activeOnly bool) ([]model.SenderRule, error)
	MatchSenderRule(ctx context.Context, workspaceID, domain string) (*model.SenderRule, error)

	// Voice profile
	UpsertVoiceProfile(ctx context.Context, profile model.VoiceProfile) error
	GetVoiceProfile(ctx context.Context, workspaceID string) (*model.VoiceProfile, error)

	// Competitor research
	InsertCompetitors(ctx context.Context, competitors []model.Competitor) (int, error)
	ListCompetitors(ctx context.Context, jobID string, status model.CompetitorStatus) ([]model.Competitor, error)
	UpdateCompetitorStatus(ctx context.Context, id string, status model.CompetitorStatus) error
	UpsertFAQEntries(ctx context.Context, entries []model.FAQEntry) (int, error)
	ListUnrefinedFAQs(ctx context.Context, workspaceID string, limit int) ([]model.FAQEntry, error)
	MarkFAQRefined(ctx context.Context, id, question, answer, category string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
