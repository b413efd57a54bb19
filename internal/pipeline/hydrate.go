package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/pkg/nylas"
)

// handleHydrate fetches full bodies for one queue batch, resolves each
// message into its conversation thread and stores it. An empty batch means
// the queue is drained and the phase is done.
func (p *Pipeline) handleHydrate(ctx context.Context, job *model.Job) error {
	batch, err := p.store.NextQueueBatch(ctx, job.ID, p.cfg.Pipeline.PageSize)
	if err != nil {
		return eris.Wrap(err, "pipeline: next queue batch")
	}
	if len(batch) == 0 {
		return p.advance(ctx, job)
	}

	fetched := make([]*nylas.Message, len(batch))
	var quotaHit bool
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Pipeline.HydrateWorkers)
	for i, entry := range batch {
		g.Go(func() error {
			msg, fetchErr := resilience.DoVal(gctx, mailRetryConfig("get_message"),
				func(ctx context.Context) (*nylas.Message, error) {
					return p.nylas.GetMessage(ctx, entry.WorkspaceID, entry.ProviderMessageID)
				})
			if fetchErr != nil {
				if nylas.IsQuotaError(fetchErr) {
					mu.Lock()
					quotaHit = true
					mu.Unlock()
					return nil
				}
				// A single unfetchable message must not sink the batch.
				zap.L().Warn("pipeline: message fetch failed, skipping",
					zap.String("job_id", entry.JobID),
					zap.String("provider_message_id", entry.ProviderMessageID),
					zap.Error(fetchErr),
				)
				return nil
			}
			fetched[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "pipeline: hydrate batch")
	}

	var doneIDs []string
	stored := 0
	for i, entry := range batch {
		msg := fetched[i]
		if msg == nil {
			if quotaHit {
				// Leave unfetched entries queued for the watchdog resume.
				continue
			}
			// Permanently unfetchable; drop it from the queue.
			doneIDs = append(doneIDs, entry.ID)
			continue
		}

		if storeErr := p.storeMessage(ctx, job, entry, msg); storeErr != nil {
			return storeErr
		}
		stored++
		doneIDs = append(doneIDs, entry.ID)
	}

	if len(doneIDs) > 0 {
		if err := p.store.MarkHydrated(ctx, doneIDs); err != nil {
			return eris.Wrap(err, "pipeline: mark hydrated")
		}
	}

	applied, err := p.progress(ctx, job, model.JobCounters{Hydrated: stored}, "")
	if err != nil {
		return err
	}

	if quotaHit {
		return resilience.NewTransientError(eris.New("pipeline: provider quota hit during hydrate"), 0)
	}
	if applied {
		p.chain(job.ID)
	}
	return nil
}

// storeMessage upserts the message's conversation thread and inserts the
// message under it. Replayed messages dedupe on provider_message_id.
func (p *Pipeline) storeMessage(ctx context.Context, job *model.Job, entry model.QueueEntry, msg *nylas.Message) error {
	direction := model.DirectionInbound
	if entry.Folder == "sent" {
		direction = model.DirectionOutbound
	}

	// The counterparty (the customer side of the thread) keys the
	// conversation regardless of direction.
	var counterpart string
	if direction == model.DirectionInbound {
		counterpart = firstAddress(msg.From)
	} else {
		counterpart = firstAddress(msg.To)
	}

	sentAt := time.Unix(msg.Date, 0).UTC()
	conv, err := p.store.UpsertConversation(ctx, model.Conversation{
		WorkspaceID:    job.WorkspaceID,
		ThreadKey:      threadKey(msg, counterpart),
		Subject:        strings.TrimSpace(msg.Subject),
		SenderDomain:   senderDomain(counterpart),
		Status:         model.ConversationOpen,
		FirstMessageAt: sentAt,
		LastMessageAt:  sentAt,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: upsert conversation")
	}

	_, err = p.store.InsertMessage(ctx, model.Message{
		ConversationID:    conv.ID,
		WorkspaceID:       job.WorkspaceID,
		ProviderMessageID: msg.ID,
		Direction:         direction,
		ActorType:         model.ActorHuman,
		From:              joinAddresses(msg.From),
		To:                joinAddresses(msg.To),
		Subject:           msg.Subject,
		BodyRaw:           msg.Body,
		BodyClean:         cleanBody(msg.Body),
		InReplyTo:         msg.ReplyToMessageID,
		SentAt:            sentAt,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: insert message")
	}
	return nil
}

func firstAddress(parts []nylas.Participant) string {
	if len(parts) == 0 {
		return ""
	}
	return parts[0].Email
}

func joinAddresses(parts []nylas.Participant) string {
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Email != "" {
			addrs = append(addrs, p.Email)
		}
	}
	return strings.Join(addrs, ", ")
}
