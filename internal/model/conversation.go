package model

import "time"

// DecisionBucket is the triage outcome assigned to a conversation.
type DecisionBucket string

const (
	BucketAutoHandled DecisionBucket = "auto_handled"
	BucketQuickWin    DecisionBucket = "quick_win"
	BucketActNow      DecisionBucket = "act_now"
	BucketWait        DecisionBucket = "wait"
)

// AllBuckets lists the valid decision buckets.
func AllBuckets() []DecisionBucket {
	return []DecisionBucket{BucketAutoHandled, BucketQuickWin, BucketActNow, BucketWait}
}

// EmailClassification is the finer-grained label behind a bucket.
type EmailClassification string

const (
	ClassCustomerInquiry     EmailClassification = "customer_inquiry"
	ClassReceiptConfirmation EmailClassification = "receipt_confirmation"
	ClassNotification        EmailClassification = "notification"
	ClassNewsletter          EmailClassification = "newsletter"
	ClassComplaint           EmailClassification = "complaint"
	ClassBookingRequest      EmailClassification = "booking_request"
	ClassOther               EmailClassification = "other"
)

// ConversationStatus tracks human review state, not pipeline state.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation represents a detected email thread. Created on the first
// message of a thread, mutated by classification and human review, never
// hard-deleted outside explicit cleanup.
type Conversation struct {
	ID               string              `json:"id"`
	WorkspaceID      string              `json:"workspace_id"`
	ThreadKey        string              `json:"thread_key"`
	Subject          string              `json:"subject"`
	SenderDomain     string              `json:"sender_domain"`
	Classification   EmailClassification `json:"email_classification,omitempty"`
	DecisionBucket   DecisionBucket      `json:"decision_bucket,omitempty"`
	RequiresReply    bool                `json:"requires_reply"`
	TriageConfidence float64             `json:"triage_confidence"`
	Status           ConversationStatus  `json:"status"`
	FirstMessageAt   time.Time           `json:"first_message_at"`
	LastMessageAt    time.Time           `json:"last_message_at"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ActorType distinguishes human-written from AI-generated outbound mail.
type ActorType string

const (
	ActorHuman ActorType = "human"
	ActorAI    ActorType = "ai"
)

// Message is an individual email. Immutable once stored except for the
// body_clean backfill.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	WorkspaceID       string    `json:"workspace_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Direction         Direction `json:"direction"`
	ActorType         ActorType `json:"actor_type"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Subject           string    `json:"subject"`
	BodyRaw           string    `json:"body_raw"`
	BodyClean         string    `json:"body_clean,omitempty"`
	InReplyTo         string    `json:"in_reply_to,omitempty"`
	SentAt            time.Time `json:"sent_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// QueueEntry is one row of the email import queue: a message the scan phase
// discovered and the hydrate phase has yet to fetch.
type QueueEntry struct {
	ID                string    `json:"id"`
	JobID             string    `json:"job_id"`
	WorkspaceID       string    `json:"workspace_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Folder            string    `json:"folder"`
	Hydrated          bool      `json:"hydrated"`
	CreatedAt         time.Time `json:"created_at"`
}
