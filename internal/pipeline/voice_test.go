package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzybee90/bizzybee/internal/model"
)

// seedOutbound stores n human-written outbound messages under one thread.
func seedOutbound(t *testing.T, env *testEnv, workspaceID string, n int, sentAt time.Time) {
	t.Helper()
	ctx := context.Background()
	conv, err := env.store.UpsertConversation(ctx, model.Conversation{
		WorkspaceID:    workspaceID,
		ThreadKey:      "thread-outbound",
		Subject:        "Re: your quote",
		SenderDomain:   "gmail.com",
		Status:         model.ConversationOpen,
		FirstMessageAt: sentAt,
		LastMessageAt:  sentAt,
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := env.store.InsertMessage(ctx, model.Message{
			ConversationID:    conv.ID,
			WorkspaceID:       workspaceID,
			ProviderMessageID: fmt.Sprintf("out-%d-%d", sentAt.Unix(), i),
			Direction:         model.DirectionOutbound,
			ActorType:         model.ActorHuman,
			From:              "owner@biz.com",
			To:                "customer@gmail.com",
			Subject:           "Re: your quote",
			BodyRaw:           "Hi there! Happy to help, the full service runs $150. Thanks!",
			SentAt:            sentAt.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestVoiceLearning_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedOutbound(t, env, "ws-1", 10, time.Now().Add(-24*time.Hour))

	// AI-drafted mail must not train the profile.
	conv, err := env.store.UpsertConversation(ctx, model.Conversation{
		WorkspaceID: "ws-1", ThreadKey: "thread-ai", Subject: "drafted",
		SenderDomain: "gmail.com", Status: model.ConversationOpen,
		FirstMessageAt: time.Now(), LastMessageAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = env.store.InsertMessage(ctx, model.Message{
		ConversationID: conv.ID, WorkspaceID: "ws-1", ProviderMessageID: "ai-1",
		Direction: model.DirectionOutbound, ActorType: model.ActorAI,
		From: "owner@biz.com", To: "customer@gmail.com",
		BodyRaw: "Automated draft.", SentAt: time.Now(),
	})
	require.NoError(t, err)

	job, err := env.p.StartJob(ctx, "ws-1", model.JobKindVoiceLearning, model.JobParams{
		Voice: &model.VoiceParams{},
	})
	require.NoError(t, err)

	final, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 10, final.Counters.Processed)

	profile, err := env.store.GetVoiceProfile(ctx, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "casual", profile.Formality)
	assert.Equal(t, 10, profile.EmailsAnalyzed)
	assert.InDelta(t, 10.0/50.0, profile.ConfidenceScore, 0.001)
	assert.Contains(t, profile.Greetings, "Hi there!")
}

func TestVoiceLearning_PairsRepliesWithInbound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Now().Add(-24 * time.Hour)

	conv, err := env.store.UpsertConversation(ctx, model.Conversation{
		WorkspaceID: "ws-1", ThreadKey: "thread-paired", Subject: "Quote request",
		SenderDomain: "gmail.com", Status: model.ConversationOpen,
		FirstMessageAt: start, LastMessageAt: start,
	})
	require.NoError(t, err)

	_, err = env.store.InsertMessage(ctx, model.Message{
		ConversationID: conv.ID, WorkspaceID: "ws-1", ProviderMessageID: "in-1",
		Direction: model.DirectionInbound, ActorType: model.ActorHuman,
		From: "customer@gmail.com", To: "owner@biz.com",
		BodyRaw: "Do you do same-day service?", SentAt: start,
	})
	require.NoError(t, err)
	_, err = env.store.InsertMessage(ctx, model.Message{
		ConversationID: conv.ID, WorkspaceID: "ws-1", ProviderMessageID: "out-1",
		Direction: model.DirectionOutbound, ActorType: model.ActorHuman,
		From: "owner@biz.com", To: "customer@gmail.com",
		BodyRaw:   "Hi there! Yes, we can come out today. Thanks!",
		InReplyTo: "in-1", SentAt: start.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	job, err := env.p.StartJob(ctx, "ws-1", model.JobKindVoiceLearning, model.JobParams{
		Voice: &model.VoiceParams{},
	})
	require.NoError(t, err)

	final, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)

	// The analyze prompt shows the customer mail the owner was answering.
	req := env.ai.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "Customer message")
	assert.Contains(t, req.Messages[0].Content, "Do you do same-day service?")
	assert.Contains(t, req.Messages[0].Content, "we can come out today")
}

func TestVoiceLearning_NoOutboundFailsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.p.StartJob(ctx, "ws-1", model.JobKindVoiceLearning, model.JobParams{
		Voice: &model.VoiceParams{},
	})
	require.NoError(t, err)

	final, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "no outbound messages")
}

func TestNormalizeFormality(t *testing.T) {
	assert.Equal(t, "casual", normalizeFormality("Casual"))
	assert.Equal(t, "formal", normalizeFormality(" formal "))
	assert.Equal(t, "neutral", normalizeFormality("chatty"))
	assert.Equal(t, "neutral", normalizeFormality(""))
}

func TestAvgWordCount(t *testing.T) {
	msgs := []model.Message{
		{BodyClean: "one two three four"},
		{BodyRaw: "five six"},
	}
	assert.Equal(t, 3, avgWordCount(msgs))
	assert.Equal(t, 0, avgWordCount(nil))
}
