package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	sqlite "modernc.org/sqlite"

	"github.com/bizzybee90/bizzybee/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs single-node
// deployments and the test suite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Writer serialization: the job state machine relies on UPDATE ... WHERE
	// guards, which need a single writer at a time.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	scanned           INTEGER NOT NULL DEFAULT 0,
	hydrated          INTEGER NOT NULL DEFAULT 0,
	processed         INTEGER NOT NULL DEFAULT 0,
	total_estimated   INTEGER NOT NULL DEFAULT 0,
	checkpoint_cursor TEXT NOT NULL DEFAULT '',
	checkpoint_seq    INTEGER NOT NULL DEFAULT 0,
	params            TEXT,
	heartbeat_at      DATETIME NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
	ON jobs(workspace_id, kind)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS email_import_queue (
	id                  TEXT PRIMARY KEY,
	job_id              TEXT NOT NULL REFERENCES jobs(id),
	workspace_id        TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	folder              TEXT NOT NULL DEFAULT '',
	hydrated            INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL,
	UNIQUE (job_id, provider_message_id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id                   TEXT PRIMARY KEY,
	workspace_id         TEXT NOT NULL,
	thread_key           TEXT NOT NULL,
	subject              TEXT NOT NULL DEFAULT '',
	sender_domain        TEXT NOT NULL DEFAULT '',
	email_classification TEXT NOT NULL DEFAULT '',
	decision_bucket      TEXT NOT NULL DEFAULT '',
	requires_reply       INTEGER NOT NULL DEFAULT 0,
	triage_confidence    REAL NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'open',
	first_message_at     DATETIME NOT NULL,
	last_message_at      DATETIME NOT NULL,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL,
	UNIQUE (workspace_id, thread_key)
);

CREATE INDEX IF NOT EXISTS idx_conversations_workspace ON conversations(workspace_id);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	conversation_id     TEXT NOT NULL REFERENCES conversations(id),
	workspace_id        TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	direction           TEXT NOT NULL,
	actor_type          TEXT NOT NULL DEFAULT 'human',
	from_addr           TEXT NOT NULL DEFAULT '',
	to_addr             TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	body_raw            TEXT NOT NULL DEFAULT '',
	body_clean          TEXT NOT NULL DEFAULT '',
	in_reply_to         TEXT NOT NULL DEFAULT '',
	sent_at             DATETIME NOT NULL,
	created_at          DATETIME NOT NULL,
	UNIQUE (workspace_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS sender_rules (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL,
	sender_pattern   TEXT NOT NULL,
	classification   TEXT NOT NULL DEFAULT '',
	decision_bucket  TEXT NOT NULL,
	requires_reply   INTEGER NOT NULL DEFAULT 0,
	is_active        INTEGER NOT NULL DEFAULT 1,
	confidence_score REAL NOT NULL DEFAULT 0,
	auto_created     INTEGER NOT NULL DEFAULT 0,
	email_count      INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (workspace_id, sender_pattern)
);

CREATE TABLE IF NOT EXISTS voice_profiles (
	workspace_id     TEXT PRIMARY KEY,
	tone             TEXT NOT NULL DEFAULT '',
	formality        TEXT NOT NULL DEFAULT '',
	greetings        TEXT NOT NULL DEFAULT '[]',
	sign_offs        TEXT NOT NULL DEFAULT '[]',
	common_phrases   TEXT NOT NULL DEFAULT '[]',
	avg_word_count   INTEGER NOT NULL DEFAULT 0,
	emails_analyzed  INTEGER NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS competitors (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	latitude     REAL NOT NULL DEFAULT 0,
	longitude    REAL NOT NULL DEFAULT 0,
	distance_km  REAL NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT 'search',
	status       TEXT NOT NULL DEFAULT 'discovered',
	created_at   DATETIME NOT NULL,
	UNIQUE (workspace_id, url)
);

CREATE TABLE IF NOT EXISTS faq_entries (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	competitor_id TEXT NOT NULL DEFAULT '',
	question      TEXT NOT NULL,
	answer        TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	refined       INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (workspace_id, content_hash)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == 19 || code == 1555 || code == 2067
	}
	return false
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// --- Jobs ---

const sqliteJobColumns = `id, workspace_id, kind, status, scanned, hydrated, processed, total_estimated,
	checkpoint_cursor, checkpoint_seq, params, heartbeat_at, retry_count, error_message,
	started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) ClaimJob(ctx context.Context, workspaceID string, kind model.JobKind, params model.JobParams) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := model.EncodeJobParams(kind, params)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workspace_id, kind, status, params, heartbeat_at, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, workspaceID, string(kind), string(model.JobStatusPending), string(paramsJSON), now, now, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrJobActive
		}
		return nil, eris.Wrap(err, "sqlite: claim job")
	}

	return &model.Job{
		ID:          id,
		WorkspaceID: workspaceID,
		Kind:        kind,
		Status:      model.JobStatusPending,
		Params:      params,
		HeartbeatAt: now,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var kind, status string
	var paramsJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.WorkspaceID, &kind, &status,
		&j.Counters.Scanned, &j.Counters.Hydrated, &j.Counters.Processed, &j.Counters.TotalEstimated,
		&j.Checkpoint.Cursor, &j.Checkpoint.BatchSeq, &paramsJSON,
		&j.HeartbeatAt, &j.RetryCount, &j.ErrorMessage,
		&j.StartedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.Checkpoint.Phase = j.Status
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}

	params, err := model.DecodeJobParams(j.Kind, []byte(paramsJSON.String))
	if err != nil {
		return nil, err
	}
	j.Params = params
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanSQLiteJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !model.CanTransition(job.Kind, from, to) {
		return eris.Errorf("sqlite: illegal transition %s -> %s for kind %s", from, to, job.Kind)
	}

	now := time.Now().UTC()
	var completedAt any
	if to.IsTerminal() {
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, checkpoint_cursor = '', checkpoint_seq = 0,
		 heartbeat_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), now, completedAt, now, jobID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *SQLiteStore) ApplyJobProgress(ctx context.Context, jobID string, expectSeq int, delta model.JobCounters, nextCursor string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			scanned = scanned + ?,
			hydrated = hydrated + ?,
			processed = processed + ?,
			total_estimated = CASE WHEN ? > 0 THEN ? ELSE total_estimated END,
			checkpoint_cursor = ?,
			checkpoint_seq = checkpoint_seq + 1,
			heartbeat_at = ?,
			updated_at = ?
		 WHERE id = ? AND checkpoint_seq = ?`,
		delta.Scanned, delta.Hydrated, delta.Processed, delta.TotalEstimated, delta.TotalEstimated,
		nextCursor, now, now, jobID, expectSeq,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply progress %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *SQLiteStore) TouchJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, message string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		message, now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *SQLiteStore) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs
		 WHERE status NOT IN ('completed', 'failed', 'cancelled') AND heartbeat_at < ?
		 ORDER BY heartbeat_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list stale jobs iterate")
}

func (s *SQLiteStore) ClaimStaleRetry(ctx context.Context, jobID string, heartbeatBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1, heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND heartbeat_at < ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		now, now, jobID, heartbeatBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim stale retry %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// --- Import queue ---

func (s *SQLiteStore) EnqueueMessages(ctx context.Context, entries []model.QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin enqueue")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inserted := 0
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO email_import_queue
			 (id, job_id, workspace_id, provider_message_id, folder, hydrated, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`,
			id, e.JobID, e.WorkspaceID, e.ProviderMessageID, e.Folder, now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: enqueue message")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit enqueue")
	}
	return inserted, nil
}

func (s *SQLiteStore) NextQueueBatch(ctx context.Context, jobID string, limit int) ([]model.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, workspace_id, provider_message_id, folder, hydrated, created_at
		 FROM email_import_queue
		 WHERE job_id = ? AND hydrated = 0
		 ORDER BY created_at LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next queue batch")
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.WorkspaceID, &e.ProviderMessageID, &e.Folder, &e.Hydrated, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: next queue batch iterate")
}

func (s *SQLiteStore) MarkHydrated(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entryIDs)), ",")
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_import_queue SET hydrated = 1 WHERE id IN (`+placeholders+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: mark hydrated")
}

// --- Conversations and messages ---

const sqliteConversationColumns = `id, workspace_id, thread_key, subject, sender_domain,
	email_classification, decision_bucket, requires_reply, triage_confidence, status,
	first_message_at, last_message_at, created_at, updated_at`

func scanSQLiteConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var class, bucket, status string
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.ThreadKey, &c.Subject, &c.SenderDomain,
		&class, &bucket, &c.RequiresReply, &c.TriageConfidence, &status,
		&c.FirstMessageAt, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Classification = model.EmailClassification(class)
	c.DecisionBucket = model.DecisionBucket(bucket)
	c.Status = model.ConversationStatus(status)
	return &c, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	id := conv.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations
		 (id, workspace_id, thread_key, subject, sender_domain, status, first_message_at, last_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, thread_key) DO UPDATE SET
		   last_message_at = MAX(last_message_at, excluded.last_message_at),
		   first_message_at = MIN(first_message_at, excluded.first_message_at),
		   updated_at = excluded.updated_at`,
		id, conv.WorkspaceID, conv.ThreadKey, conv.Subject, conv.SenderDomain,
		string(model.ConversationOpen), conv.FirstMessageAt, conv.LastMessageAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert conversation")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations WHERE workspace_id = ? AND thread_key = ?`,
		conv.WorkspaceID, conv.ThreadKey,
	)
	out, err := scanSQLiteConversation(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reload conversation")
	}
	return out, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteConversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanSQLiteConversation(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get conversation %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	query := `SELECT ` + sqliteConversationColumns + ` FROM conversations WHERE 1=1`
	args := []any{}

	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.Bucket != "" {
		query += ` AND decision_bucket = ?`
		args = append(args, string(filter.Bucket))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY last_message_at DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conversations")
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conversation")
		}
		convs = append(convs, *c)
	}
	return convs, eris.Wrap(rows.Err(), "sqlite: list conversations iterate")
}

func (s *SQLiteStore) ListUnclassified(ctx context.Context, workspaceID string, limit int) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations
		 WHERE workspace_id = ? AND decision_bucket = ''
		 ORDER BY first_message_at ASC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unclassified")
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unclassified")
		}
		convs = append(convs, *c)
	}
	return convs, eris.Wrap(rows.Err(), "sqlite: list unclassified iterate")
}

func (s *SQLiteStore) UpdateTriage(ctx context.Context, conversationID string, class model.EmailClassification, bucket model.DecisionBucket, requiresReply bool, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET email_classification = ?, decision_bucket = ?,
		 requires_reply = ?, triage_confidence = ?, updated_at = ?
		 WHERE id = ?`,
		string(class), string(bucket), requiresReply, confidence, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update triage %s", conversationID)
	}
	return checkRowsAffected(res, "conversation", conversationID)
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg model.Message) (bool, error) {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
		 (id, conversation_id, workspace_id, provider_message_id, direction, actor_type,
		  from_addr, to_addr, subject, body_raw, body_clean, in_reply_to, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.ConversationID, msg.WorkspaceID, msg.ProviderMessageID,
		string(msg.Direction), string(msg.ActorType),
		msg.From, msg.To, msg.Subject, msg.BodyRaw, msg.BodyClean, msg.InReplyTo,
		msg.SentAt, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

const sqliteMessageColumns = `id, conversation_id, workspace_id, provider_message_id, direction, actor_type,
	from_addr, to_addr, subject, body_raw, body_clean, in_reply_to, sent_at, created_at`

func scanSQLiteMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var direction, actor string
	err := row.Scan(&m.ID, &m.ConversationID, &m.WorkspaceID, &m.ProviderMessageID,
		&direction, &actor, &m.From, &m.To, &m.Subject, &m.BodyRaw, &m.BodyClean,
		&m.InReplyTo, &m.SentAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Direction = model.Direction(direction)
	m.ActorType = model.ActorType(actor)
	return &m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE conversation_id = ? ORDER BY sent_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list messages iterate")
}

func (s *SQLiteStore) ListOutboundMessages(ctx context.Context, workspaceID string, since *time.Time, limit int) ([]model.Message, error) {
	query := `SELECT ` + sqliteMessageColumns + ` FROM messages
		 WHERE workspace_id = ? AND direction = 'outbound' AND actor_type = 'human'`
	args := []any{workspaceID}

	if since != nil {
		query += ` AND sent_at > ?`
		args = append(args, *since)
	}
	query += ` ORDER BY sent_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outbound messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outbound message")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list outbound messages iterate")
}

func (s *SQLiteStore) UpdateBodyClean(ctx context.Context, messageID string, clean string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body_clean = ? WHERE id = ?`,
		clean, messageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update body clean %s", messageID)
	}
	return checkRowsAffected(res, "message", messageID)
}

func (s *SQLiteStore) ListMessagesMissingClean(ctx context.Context, workspaceID string, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages
		 WHERE workspace_id = ? AND body_clean = '' AND body_raw <> ''
		 ORDER BY sent_at ASC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list messages missing clean")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message missing clean")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list messages missing clean iterate")
}

func (s *SQLiteStore) DomainStats(ctx context.Context, workspaceID string) ([]DomainStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.sender_domain,
		        COUNT(*) AS conversations,
		        SUM(CASE WHEN EXISTS (
		          SELECT 1 FROM messages m
		          WHERE m.conversation_id = c.id
		            AND m.direction = 'outbound'
		            AND m.actor_type = 'human'
		        ) THEN 1 ELSE 0 END) AS replied
		 FROM conversations c
		 WHERE c.workspace_id = ? AND c.sender_domain <> ''
		 GROUP BY c.sender_domain
		 ORDER BY conversations DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: domain stats")
	}
	defer rows.Close()

	var stats []DomainStat
	for rows.Next() {
		var st DomainStat
		if err := rows.Scan(&st.Domain, &st.Conversations, &st.Replied); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan domain stat")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: domain stats iterate")
}

// --- Sender rules ---

const sqliteRuleColumns = `id, workspace_id, sender_pattern, classification, decision_bucket,
	requires_reply, is_active, confidence_score, auto_created, email_count, created_at, updated_at`

func scanSQLiteRule(row rowScanner) (*model.SenderRule, error) {
	var r model.SenderRule
	var class, bucket string
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.SenderPattern, &class, &bucket,
		&r.RequiresReply, &r.IsActive, &r.ConfidenceScore, &r.AutoCreated, &r.EmailCount,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Classification = model.EmailClassification(class)
	r.DecisionBucket = model.DecisionBucket(bucket)
	return &r, nil
}

func (s *SQLiteStore) UpsertSenderRule(ctx context.Context, rule model.SenderRule) (*model.SenderRule, error) {
	id := rule.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sender_rules
		 (id, workspace_id, sender_pattern, classification, decision_bucket, requires_reply,
		  is_active, confidence_score, auto_created, email_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, sender_pattern) DO UPDATE SET
		   classification = excluded.classification,
		   decision_bucket = excluded.decision_bucket,
		   requires_reply = excluded.requires_reply,
		   is_active = excluded.is_active,
		   confidence_score = excluded.confidence_score,
		   email_count = excluded.email_count,
		   updated_at = excluded.updated_at`,
		id, rule.WorkspaceID, rule.SenderPattern, string(rule.Classification), string(rule.DecisionBucket),
		rule.RequiresReply, rule.IsActive, rule.ConfidenceScore, rule.AutoCreated, rule.EmailCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert sender rule")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRuleColumns+` FROM sender_rules WHERE workspace_id = ? AND sender_pattern = ?`,
		rule.WorkspaceID, rule.SenderPattern,
	)
	out, err := scanSQLiteRule(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reload sender rule")
	}
	return out, nil
}

func (s *SQLiteStore) ListSenderRules(ctx context.Context, workspaceID string, activeOnly bool) ([]model.SenderRule, error) {
	query := `SELECT ` + sqliteRuleColumns + ` FROM sender_rules WHERE workspace_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY sender_pattern`

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sender rules")
	}
	defer rows.Close()

	var rules []model.SenderRule
	for rows.Next() {
		r, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sender rule")
		}
		rules = append(rules, *r)
	}
	return rules, eris.Wrap(rows.Err(), "sqlite: list sender rules iterate")
}

func (s *SQLiteStore) MatchSenderRule(ctx context.Context, workspaceID, domain string) (*model.SenderRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRuleColumns+` FROM sender_rules
		 WHERE workspace_id = ? AND sender_pattern = ? AND is_active = 1
		 LIMIT 1`,
		workspaceID, domain,
	)
	r, err := scanSQLiteRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: match sender rule")
	}
	return r, nil
}

// --- Voice profile ---

func (s *SQLiteStore) UpsertVoiceProfile(ctx context.Context, profile model.VoiceProfile) error {
	greetings, err := json.Marshal(profile.Greetings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal greetings")
	}
	signOffs, err := json.Marshal(profile.SignOffs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sign offs")
	}
	phrases, err := json.Marshal(profile.CommonPhrases)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phrases")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voice_profiles
		 (workspace_id, tone, formality, greetings, sign_offs, common_phrases,
		  avg_word_count, emails_analyzed, confidence_score, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id) DO UPDATE SET
		   tone = excluded.tone, formality = excluded.formality,
		   greetings = excluded.greetings, sign_offs = excluded.sign_offs,
		   common_phrases = excluded.common_phrases,
		   avg_word_count = excluded.avg_word_count,
		   emails_analyzed = excluded.emails_analyzed,
		   confidence_score = excluded.confidence_score,
		   updated_at = excluded.updated_at`,
		profile.WorkspaceID, profile.Tone, profile.Formality,
		string(greetings), string(signOffs), string(phrases),
		profile.AvgWordCount, profile.EmailsAnalyzed, profile.ConfidenceScore, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert voice profile")
}

func (s *SQLiteStore) GetVoiceProfile(ctx context.Context, workspaceID string) (*model.VoiceProfile, error) {
	var p model.VoiceProfile
	var greetings, signOffs, phrases string

	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, tone, formality, greetings, sign_offs, common_phrases,
		        avg_word_count, emails_analyzed, confidence_score, updated_at
		 FROM voice_profiles WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&p.WorkspaceID, &p.Tone, &p.Formality, &greetings, &signOffs, &phrases,
		&p.AvgWordCount, &p.EmailsAnalyzed, &p.ConfidenceScore, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get voice profile")
	}

	if err := json.Unmarshal([]byte(greetings), &p.Greetings); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal greetings")
	}
	if err := json.Unmarshal([]byte(signOffs), &p.SignOffs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal sign offs")
	}
	if err := json.Unmarshal([]byte(phrases), &p.CommonPhrases); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal phrases")
	}
	return &p, nil
}

// --- Competitor research ---

func (s *SQLiteStore) InsertCompetitors(ctx context.Context, competitors []model.Competitor) (int, error) {
	if len(competitors) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert competitors")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inserted := 0
	for _, c := range competitors {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		status := c.Status
		if status == "" {
			status = model.CompetitorDiscovered
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO competitors
			 (id, workspace_id, job_id, name, url, address, latitude, longitude, distance_km, source, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, c.WorkspaceID, c.JobID, c.Name, c.URL, c.Address,
			c.Latitude, c.Longitude, c.DistanceKm, c.Source, string(status), now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert competitor")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert competitors")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListCompetitors(ctx context.Context, jobID string, status model.CompetitorStatus) ([]model.Competitor, error) {
	query := `SELECT id, workspace_id, job_id, name, url, address, latitude, longitude,
	          distance_km, source, status, created_at
	          FROM competitors WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY distance_km ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list competitors")
	}
	defer rows.Close()

	var out []model.Competitor
	for rows.Next() {
		var c model.Competitor
		var st string
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.JobID, &c.Name, &c.URL, &c.Address,
			&c.Latitude, &c.Longitude, &c.DistanceKm, &c.Source, &st, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan competitor")
		}
		c.Status = model.CompetitorStatus(st)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list competitors iterate")
}

func (s *SQLiteStore) UpdateCompetitorStatus(ctx context.Context, id string, status model.CompetitorStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE competitors SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update competitor status %s", id)
	}
	return checkRowsAffected(res, "competitor", id)
}

func (s *SQLiteStore) UpsertFAQEntries(ctx context.Context, entries []model.FAQEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert faqs")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inserted := 0
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO faq_entries
			 (id, workspace_id, competitor_id, question, answer, category, content_hash, refined, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, e.WorkspaceID, e.CompetitorID, e.Question, e.Answer, e.Category,
			e.ContentHash, e.Refined, now, now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert faq entry")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert faqs")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListUnrefinedFAQs(ctx context.Context, workspaceID string, limit int) ([]model.FAQEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, competitor_id, question, answer, category, content_hash,
		        refined, created_at, updated_at
		 FROM faq_entries
		 WHERE workspace_id = ? AND refined = 0
		 ORDER BY created_at ASC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unrefined faqs")
	}
	defer rows.Close()

	var out []model.FAQEntry
	for rows.Next() {
		var e model.FAQEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.CompetitorID, &e.Question, &e.Answer,
			&e.Category, &e.ContentHash, &e.Refined, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan faq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unrefined faqs iterate")
}

func (s *SQLiteStore) MarkFAQRefined(ctx context.Context, id, question, answer, category string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE faq_entries SET question = ?, answer = ?, category = ?, refined = 1, updated_at = ?
		 WHERE id = ?`,
		question, answer, category, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark faq refined %s", id)
	}
	return checkRowsAffected(res, "faq entry", id)
}
