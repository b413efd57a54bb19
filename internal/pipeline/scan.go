package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/pkg/nylas"
)

// scanFolder is a provider folder ID plus the role it plays for direction
// detection downstream ("inbox" or "sent").
type scanFolder struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// scanCursor is the persisted checkpoint for the scan phase: the folder being
// paged and the folders still waiting.
type scanCursor struct {
	Folder    scanFolder   `json:"folder"`
	PageToken string       `json:"page_token,omitempty"`
	Remaining []scanFolder `json:"remaining,omitempty"`
}

func encodeScanCursor(c scanCursor) string {
	b, _ := json.Marshal(c)
	return string(b)
}

func decodeScanCursor(s string) (scanCursor, error) {
	var c scanCursor
	if s == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return c, eris.Wrap(err, "pipeline: decode scan cursor")
	}
	return c, nil
}

// handleScan pages one folder page of provider message IDs into the import
// queue. The workspace ID doubles as the provider grant ID.
func (p *Pipeline) handleScan(ctx context.Context, job *model.Job) error {
	params := importParams(job)
	importCap := params.Cap
	if importCap <= 0 {
		importCap = p.cfg.Pipeline.ImportCap
	}

	if job.Counters.Scanned >= importCap {
		zap.L().Info("pipeline: import cap reached",
			zap.String("job_id", job.ID),
			zap.Int("scanned", job.Counters.Scanned),
			zap.Int("cap", importCap),
		)
		return p.advance(ctx, job)
	}

	cursor, err := decodeScanCursor(job.Checkpoint.Cursor)
	if err != nil {
		return err
	}

	if cursor.Folder.ID == "" {
		folders, selErr := p.selectFolders(ctx, job.WorkspaceID, params)
		if selErr != nil {
			return selErr
		}
		if len(folders) == 0 {
			return eris.New("pipeline: no matching folders to scan")
		}
		cursor.Folder = folders[0]
		cursor.Remaining = folders[1:]
	}

	pageSize := p.cfg.Pipeline.PageSize
	if remaining := importCap - job.Counters.Scanned; remaining < pageSize {
		pageSize = remaining
	}

	page, err := resilience.DoVal(ctx, mailRetryConfig("list_messages"),
		func(ctx context.Context) (*nylas.MessageList, error) {
			return p.nylas.ListMessages(ctx, job.WorkspaceID, nylas.MessageQuery{
				FolderID:  cursor.Folder.ID,
				Limit:     pageSize,
				PageToken: cursor.PageToken,
			})
		})
	if err != nil {
		if nylas.IsQuotaError(err) {
			return resilience.NewTransientError(err, 0)
		}
		return eris.Wrap(err, "pipeline: list messages")
	}

	entries := make([]model.QueueEntry, 0, len(page.Messages))
	for _, m := range page.Messages {
		entries = append(entries, model.QueueEntry{
			JobID:             job.ID,
			WorkspaceID:       job.WorkspaceID,
			ProviderMessageID: m.ID,
			Folder:            cursor.Folder.Role,
		})
	}

	inserted := 0
	if len(entries) > 0 {
		inserted, err = p.store.EnqueueMessages(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "pipeline: enqueue messages")
		}
	}

	// Advance the cursor: same folder while pages remain, then the next
	// folder, then done.
	done := false
	cursor.PageToken = page.NextCursor
	if page.NextCursor == "" {
		if len(cursor.Remaining) > 0 {
			cursor.Folder = cursor.Remaining[0]
			cursor.Remaining = cursor.Remaining[1:]
		} else {
			done = true
		}
	}

	delta := model.JobCounters{Scanned: inserted}
	if job.Counters.TotalEstimated == 0 {
		delta.TotalEstimated = importCap
	}
	applied, err := p.progress(ctx, job, delta, encodeScanCursor(cursor))
	if err != nil {
		return err
	}
	if !applied {
		// Another invocation already applied this batch and owns the chain.
		return nil
	}

	if done || job.Counters.Scanned+inserted >= importCap {
		return p.advance(ctx, job)
	}
	p.chain(job.ID)
	return nil
}

// selectFolders resolves the provider folder IDs to scan. Default is inbox
// plus sent; params can narrow to a single named folder or to sent only.
func (p *Pipeline) selectFolders(ctx context.Context, grantID string, params model.ImportParams) ([]scanFolder, error) {
	folders, err := p.nylas.ListFolders(ctx, grantID)
	if err != nil {
		if nylas.IsQuotaError(err) {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, eris.Wrap(err, "pipeline: list folders")
	}

	if params.Folder != "" {
		for _, f := range folders {
			if f.ID == params.Folder || strings.EqualFold(f.Name, params.Folder) {
				role := "inbox"
				if hasAttribute(f, `\Sent`) || strings.EqualFold(f.Name, "Sent") {
					role = "sent"
				}
				return []scanFolder{{ID: f.ID, Role: role}}, nil
			}
		}
		return nil, eris.Errorf("pipeline: folder %q not found", params.Folder)
	}

	var inbox, sent string
	for _, f := range folders {
		switch {
		case hasAttribute(f, `\Inbox`) || strings.EqualFold(f.Name, "Inbox"):
			if inbox == "" {
				inbox = f.ID
			}
		case hasAttribute(f, `\Sent`) || strings.EqualFold(f.Name, "Sent"):
			if sent == "" {
				sent = f.ID
			}
		}
	}

	var out []scanFolder
	if !params.SentOnly && inbox != "" {
		out = append(out, scanFolder{ID: inbox, Role: "inbox"})
	}
	if sent != "" {
		out = append(out, scanFolder{ID: sent, Role: "sent"})
	}
	return out, nil
}

func hasAttribute(f nylas.Folder, attr string) bool {
	for _, a := range f.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

// importParams unwraps the job's import payload, tolerating an empty one.
func importParams(job *model.Job) model.ImportParams {
	if job.Params.Import != nil {
		return *job.Params.Import
	}
	return model.ImportParams{}
}
