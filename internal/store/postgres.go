package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/bizzybee90/bizzybee/internal/db"
	"github.com/bizzybee90/bizzybee/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const terminalStatuses = `('completed', 'failed', 'cancelled')`

const jobColumns = `id, workspace_id, kind, status, scanned, hydrated, processed, total_estimated,
	checkpoint_cursor, checkpoint_seq, params, heartbeat_at, retry_count, error_message,
	started_at, completed_at, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations (heartbeats and progress writes happen once per
// batch on every phase).
var preparedStatements = map[string]string{
	"get_job":    `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`,
	"touch_job":  `UPDATE jobs SET heartbeat_at = $1, updated_at = $1 WHERE id = $2`,
	"next_batch": `SELECT id, job_id, workspace_id, provider_message_id, folder, hydrated, created_at FROM email_import_queue WHERE job_id = $1 AND NOT hydrated ORDER BY created_at LIMIT $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests with pgxmock).
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id      TEXT NOT NULL,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	scanned           INTEGER NOT NULL DEFAULT 0,
	hydrated          INTEGER NOT NULL DEFAULT 0,
	processed         INTEGER NOT NULL DEFAULT 0,
	total_estimated   INTEGER NOT NULL DEFAULT 0,
	checkpoint_cursor TEXT NOT NULL DEFAULT '',
	checkpoint_seq    INTEGER NOT NULL DEFAULT 0,
	params            JSONB,
	heartbeat_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one non-terminal job per (workspace, kind). The insert in ClaimJob
-- races against this index instead of check-then-insert.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
	ON jobs(workspace_id, kind)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(heartbeat_at)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS email_import_queue (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id              TEXT NOT NULL REFERENCES jobs(id),
	workspace_id        TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	folder              TEXT NOT NULL DEFAULT '',
	hydrated            BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_import_queue_pending ON email_import_queue(job_id) WHERE NOT hydrated;

CREATE TABLE IF NOT EXISTS conversations (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id         TEXT NOT NULL,
	thread_key           TEXT NOT NULL,
	subject              TEXT NOT NULL DEFAULT '',
	sender_domain        TEXT NOT NULL DEFAULT '',
	email_classification TEXT NOT NULL DEFAULT '',
	decision_bucket      TEXT NOT NULL DEFAULT '',
	requires_reply       BOOLEAN NOT NULL DEFAULT false,
	triage_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'open',
	first_message_at     TIMESTAMPTZ NOT NULL,
	last_message_at      TIMESTAMPTZ NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, thread_key)
);

CREATE INDEX IF NOT EXISTS idx_conversations_workspace ON conversations(workspace_id);
CREATE INDEX IF NOT EXISTS idx_conversations_bucket ON conversations(workspace_id, decision_bucket);
CREATE INDEX IF NOT EXISTS idx_conversations_domain ON conversations(workspace_id, sender_domain);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	sent_at             TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_outbound ON messages(workspace_id, sent_at)
	WHERE direction = 'outbound' AND actor_type = 'human';

CREATE TABLE IF NOT EXISTS sender_rules (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id     TEXT NOT NULL,
	sender_pattern   TEXT NOT NULL,
	classification   TEXT NOT NULL DEFAULT '',
	decision_bucket  TEXT NOT NULL,
	requires_reply   BOOLEAN NOT NULL DEFAULT false,
	is_active        BOOLEAN NOT NULL DEFAULT true,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	auto_created     BOOLEAN NOT NULL DEFAULT false,
	email_count      INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, sender_pattern)
);

CREATE TABLE IF NOT EXISTS voice_profiles (
	workspace_id     TEXT PRIMARY KEY,
	tone             TEXT NOT NULL DEFAULT '',
	formality        TEXT NOT NULL DEFAULT '',
	greetings        JSONB NOT NULL DEFAULT '[]',
	sign_offs        JSONB NOT NULL DEFAULT '[]',
	common_phrases   JSONB NOT NULL DEFAULT '[]',
	avg_word_count   INTEGER NOT NULL DEFAULT 0,
	emails_analyzed  INTEGER NOT NULL DEFAULT 0,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS competitors (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	latitude     DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude    DOUBLE PRECISION NOT NULL DEFAULT 0,
	distance_km  DOUBLE PRECISION NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT 'search',
	status       TEXT NOT NULL DEFAULT 'discovered',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, url)
);

CREATE INDEX IF NOT EXISTS idx_competitors_job ON competitors(job_id, status);

CREATE TABLE IF NOT EXISTS faq_entries (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id  TEXT NOT NULL,
	competitor_id TEXT NOT NULL DEFAULT '',
	question      TEXT NOT NULL,
	answer        TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	refined       BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_faq_unrefined ON faq_entries(workspace_id) WHERE NOT refined;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) ClaimJob(ctx context.Context, workspaceID string, kind model.JobKind, params model.JobParams) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := model.EncodeJobParams(kind, params)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, workspace_id, kind, status, params, heartbeat_at, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $6, $6)`,
		id, workspaceID, string(kind), string(model.JobStatusPending), paramsJSON, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrJobActive
		}
		return nil, eris.Wrap(err, "postgres: claim job")
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

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var kind, status string
	var paramsJSON []byte
	var completedAt *time.Time

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
	j.CompletedAt = completedAt

	params, err := model.DecodeJobParams(j.Kind, paramsJSON)
	if err != nil {
		return nil, err
	}
	j.Params = params
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(` AND workspace_id = $%d`, argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !model.CanTransition(job.Kind, from, to) {
		return eris.Errorf("postgres: illegal transition %s -> %s for kind %s", from, to, job.Kind)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &now
	}

	// Status is the CAS guard: a concurrent invocation that already moved the
	// job on makes this a no-op, surfaced as ErrStaleUpdate.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, checkpoint_cursor = '', checkpoint_seq = 0,
		 heartbeat_at = $2, completed_at = $3, updated_at = $2
		 WHERE id = $4 AND status = $5`,
		string(to), now, completedAt, jobID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *PostgresStore) ApplyJobProgress(ctx context.Context, jobID string, expectSeq int, delta model.JobCounters, nextCursor string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			scanned = scanned + $1,
			hydrated = hydrated + $2,
			processed = processed + $3,
			total_estimated = CASE WHEN $4 > 0 THEN $4 ELSE total_estimated END,
			checkpoint_cursor = $5,
			checkpoint_seq = checkpoint_seq + 1,
			heartbeat_at = $6,
			updated_at = $6
		 WHERE id = $7 AND checkpoint_seq = $8`,
		delta.Scanned, delta.Hydrated, delta.Processed, delta.TotalEstimated,
		nextCursor, now, jobID, expectSeq,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *PostgresStore) TouchJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at = $1, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, message string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $1, completed_at = $2, updated_at = $2
		 WHERE id = $3 AND status NOT IN `+terminalStatuses,
		message, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = $1, updated_at = $1
		 WHERE id = $2 AND status NOT IN `+terminalStatuses,
		now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleUpdate
	}
	return nil
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status NOT IN `+terminalStatuses+` AND heartbeat_at < $1
		 ORDER BY heartbeat_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list stale jobs iterate")
}

func (s *PostgresStore) ClaimStaleRetry(ctx context.Context, jobID string, heartbeatBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	// heartbeat_at < cutoff is the claim guard: two overlapping watchdog
	// passes cannot both win the update.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1, heartbeat_at = $1, updated_at = $1
		 WHERE id = $2 AND heartbeat_at < $3 AND status NOT IN `+terminalStatuses,
		now, jobID, heartbeatBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim stale retry %s", jobID)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Import queue ---

func (s *PostgresStore) EnqueueMessages(ctx context.Context, entries []model.QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows[i] = []any{id, e.JobID, e.WorkspaceID, e.ProviderMessageID, e.Folder, false, now}
	}

	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table:        "email_import_queue",
		Columns:      []string{"id", "job_id", "workspace_id", "provider_message_id", "folder", "hydrated", "created_at"},
		ConflictKeys: []string{"job_id", "provider_message_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: enqueue messages")
	}
	return int(n), nil
}

func (s *PostgresStore) NextQueueBatch(ctx context.Context, jobID string, limit int) ([]model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, workspace_id, provider_message_id, folder, hydrated, created_at
		 FROM email_import_queue
		 WHERE job_id = $1 AND NOT hydrated
		 ORDER BY created_at LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: next queue batch")
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.WorkspaceID, &e.ProviderMessageID, &e.Folder, &e.Hydrated, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: next queue batch iterate")
}

func (s *PostgresStore) MarkHydrated(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE email_import_queue SET hydrated = true WHERE id = ANY($1)`,
		entryIDs,
	)
	return eris.Wrap(err, "postgres: mark hydrated")
}

// --- Conversations and messages ---

func (s *PostgresStore) UpsertConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	id := conv.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO conversations
		 (id, workspace_id, thread_key, subject, sender_domain, status, first_message_at, last_message_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (workspace_id, thread_key) DO UPDATE SET
		   last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at),
		   first_message_at = LEAST(conversations.first_message_at, EXCLUDED.first_message_at),
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, email_classification, decision_bucket, requires_reply, triage_confidence, status, first_message_at, last_message_at, created_at`,
		id, conv.WorkspaceID, conv.ThreadKey, conv.Subject, conv.SenderDomain,
		string(model.ConversationOpen), conv.FirstMessageAt, conv.LastMessageAt, now,
	)

	out := conv
	var class, bucket, status string
	err := row.Scan(&out.ID, &class, &bucket, &out.RequiresReply, &out.TriageConfidence,
		&status, &out.FirstMessageAt, &out.LastMessageAt, &out.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert conversation")
	}
	out.Classification = model.EmailClassification(class)
	out.DecisionBucket = model.DecisionBucket(bucket)
	out.Status = model.ConversationStatus(status)
	out.UpdatedAt = now
	return &out, nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
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

const conversationColumns = `id, workspace_id, thread_key, subject, sender_domain,
	email_classification, decision_bucket, requires_reply, triage_confidence, status,
	first_message_at, last_message_at, created_at, updated_at`

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get conversation %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE true`
	args := []any{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(` AND workspace_id = $%d`, argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}
	if filter.Bucket != "" {
		query += fmt.Sprintf(` AND decision_bucket = $%d`, argIdx)
		args = append(args, string(filter.Bucket))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY last_message_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conversations")
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan conversation")
		}
		convs = append(convs, *c)
	}
	return convs, eris.Wrap(rows.Err(), "postgres: list conversations iterate")
}

func (s *PostgresStore) ListUnclassified(ctx context.Context, workspaceID string, limit int) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE workspace_id = $1 AND decision_bucket = ''
		 ORDER BY first_message_at ASC LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unclassified")
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan unclassified")
		}
		convs = append(convs, *c)
	}
	return convs, eris.Wrap(rows.Err(), "postgres: list unclassified iterate")
}

func (s *PostgresStore) UpdateTriage(ctx context.Context, conversationID string, class model.EmailClassification, bucket model.DecisionBucket, requiresReply bool, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET email_classification = $1, decision_bucket = $2,
		 requires_reply = $3, triage_confidence = $4, updated_at = $5
		 WHERE id = $6`,
		string(class), string(bucket), requiresReply, confidence, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update triage %s", conversationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("conversation not found: %s", conversationID)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg model.Message) (bool, error) {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages
		 (id, conversation_id, workspace_id, provider_message_id, direction, actor_type,
		  from_addr, to_addr, subject, body_raw, body_clean, in_reply_to, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (workspace_id, provider_message_id) DO NOTHING`,
		id, msg.ConversationID, msg.WorkspaceID, msg.ProviderMessageID,
		string(msg.Direction), string(msg.ActorType),
		msg.From, msg.To, msg.Subject, msg.BodyRaw, msg.BodyClean, msg.InReplyTo,
		msg.SentAt, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert message")
	}
	return tag.RowsAffected() == 1, nil
}

const messageColumns = `id, conversation_id, workspace_id, provider_message_id, direction, actor_type,
	from_addr, to_addr, subject, body_raw, body_clean, in_reply_to, sent_at, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
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

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY sent_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list messages iterate")
}

func (s *PostgresStore) ListOutboundMessages(ctx context.Context, workspaceID string, since *time.Time, limit int) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		 WHERE workspace_id = $1 AND direction = 'outbound' AND actor_type = 'human'`
	args := []any{workspaceID}
	argIdx := 2

	if since != nil {
		query += fmt.Sprintf(` AND sent_at > $%d`, argIdx)
		args = append(args, *since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY sent_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outbound messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan outbound message")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list outbound messages iterate")
}

func (s *PostgresStore) UpdateBodyClean(ctx context.Context, messageID string, clean string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET body_clean = $1 WHERE id = $2`,
		clean, messageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update body clean %s", messageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("message not found: %s", messageID)
	}
	return nil
}

func (s *PostgresStore) ListMessagesMissingClean(ctx context.Context, workspaceID string, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE workspace_id = $1 AND body_clean = '' AND body_raw <> ''
		 ORDER BY sent_at ASC LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list messages missing clean")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan message missing clean")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list messages missing clean iterate")
}

func (s *PostgresStore) DomainStats(ctx context.Context, workspaceID string) ([]DomainStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.sender_domain,
		        COUNT(*) AS conversations,
		        COUNT(*) FILTER (WHERE EXISTS (
		          SELECT 1 FROM messages m
		          WHERE m.conversation_id = c.id
		            AND m.direction = 'outbound'
		            AND m.actor_type = 'human'
		        )) AS replied
		 FROM conversations c
		 WHERE c.workspace_id = $1 AND c.sender_domain <> ''
		 GROUP BY c.sender_domain
		 ORDER BY conversations DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: domain stats")
	}
	defer rows.Close()

	var stats []DomainStat
	for rows.Next() {
		var st DomainStat
		if err := rows.Scan(&st.Domain, &st.Conversations, &st.Replied); err != nil {
			return nil, eris.Wrap(err, "postgres: scan domain stat")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: domain stats iterate")
}

// --- Sender rules ---

const ruleColumns = `id, workspace_id, sender_pattern, classification, decision_bucket,
	requires_reply, is_active, confidence_score, auto_created, email_count, created_at, updated_at`

func scanRule(row pgx.Row) (*model.SenderRule, error) {
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

func (s *PostgresStore) UpsertSenderRule(ctx context.Context, rule model.SenderRule) (*model.SenderRule, error) {
	id := rule.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO sender_rules
		 (id, workspace_id, sender_pattern, classification, decision_bucket, requires_reply,
		  is_active, confidence_score, auto_created, email_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (workspace_id, sender_pattern) DO UPDATE SET
		   classification = EXCLUDED.classification,
		   decision_bucket = EXCLUDED.decision_bucket,
		   requires_reply = EXCLUDED.requires_reply,
		   is_active = EXCLUDED.is_active,
		   confidence_score = EXCLUDED.confidence_score,
		   email_count = EXCLUDED.email_count,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+ruleColumns,
		id, rule.WorkspaceID, rule.SenderPattern, string(rule.Classification), string(rule.DecisionBucket),
		rule.RequiresReply, rule.IsActive, rule.ConfidenceScore, rule.AutoCreated, rule.EmailCount, now,
	)

	out, err := scanRule(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert sender rule")
	}
	return out, nil
}

func (s *PostgresStore) ListSenderRules(ctx context.Context, workspaceID string, activeOnly bool) ([]model.SenderRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM sender_rules WHERE workspace_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY sender_pattern`

	rows, err := s.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sender rules")
	}
	defer rows.Close()

	var rules []model.SenderRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sender rule")
		}
		rules = append(rules, *r)
	}
	return rules, eris.Wrap(rows.Err(), "postgres: list sender rules iterate")
}

func (s *PostgresStore) MatchSenderRule(ctx context.Context, workspaceID, domain string) (*model.SenderRule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM sender_rules
		 WHERE workspace_id = $1 AND sender_pattern = $2 AND is_active
		 LIMIT 1`,
		workspaceID, domain,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: match sender rule")
	}
	return r, nil
}

// --- Voice profile ---

func (s *PostgresStore) UpsertVoiceProfile(ctx context.Context, profile model.VoiceProfile) error {
	greetings, err := json.Marshal(profile.Greetings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal greetings")
	}
	signOffs, err := json.Marshal(profile.SignOffs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sign offs")
	}
	phrases, err := json.Marshal(profile.CommonPhrases)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phrases")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_profiles
		 (workspace_id, tone, formality, greetings, sign_offs, common_phrases,
		  avg_word_count, emails_analyzed, confidence_score, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (workspace_id) DO UPDATE SET
		   tone = $2, formality = $3, greetings = $4, sign_offs = $5, common_phrases = $6,
		   avg_word_count = $7, emails_analyzed = $8, confidence_score = $9, updated_at = $10`,
		profile.WorkspaceID, profile.Tone, profile.Formality, greetings, signOffs, phrases,
		profile.AvgWordCount, profile.EmailsAnalyzed, profile.ConfidenceScore, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert voice profile")
}

func (s *PostgresStore) GetVoiceProfile(ctx context.Context, workspaceID string) (*model.VoiceProfile, error) {
	var p model.VoiceProfile
	var greetings, signOffs, phrases []byte

	err := s.pool.QueryRow(ctx,
		`SELECT workspace_id, tone, formality, greetings, sign_offs, common_phrases,
		        avg_word_count, emails_analyzed, confidence_score, updated_at
		 FROM voice_profiles WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&p.WorkspaceID, &p.Tone, &p.Formality, &greetings, &signOffs, &phrases,
		&p.AvgWordCount, &p.EmailsAnalyzed, &p.ConfidenceScore, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get voice profile")
	}

	if err := json.Unmarshal(greetings, &p.Greetings); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal greetings")
	}
	if err := json.Unmarshal(signOffs, &p.SignOffs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal sign offs")
	}
	if err := json.Unmarshal(phrases, &p.CommonPhrases); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal phrases")
	}
	return &p, nil
}

// --- Competitor research ---

func (s *PostgresStore) InsertCompetitors(ctx context.Context, competitors []model.Competitor) (int, error) {
	if len(competitors) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(competitors))
	for i, c := range competitors {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		status := c.Status
		if status == "" {
			status = model.CompetitorDiscovered
		}
		rows[i] = []any{id, c.WorkspaceID, c.JobID, c.Name, c.URL, c.Address,
			c.Latitude, c.Longitude, c.DistanceKm, c.Source, string(status), now}
	}

	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table: "competitors",
		Columns: []string{"id", "workspace_id", "job_id", "name", "url", "address",
			"latitude", "longitude", "distance_km", "source", "status", "created_at"},
		ConflictKeys: []string{"workspace_id", "url"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert competitors")
	}
	return int(n), nil
}

func (s *PostgresStore) ListCompetitors(ctx context.Context, jobID string, status model.CompetitorStatus) ([]model.Competitor, error) {
	query := `SELECT id, workspace_id, job_id, name, url, address, latitude, longitude,
	          distance_km, source, status, created_at
	          FROM competitors WHERE job_id = $1`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY distance_km ASC, created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list competitors")
	}
	defer rows.Close()

	var out []model.Competitor
	for rows.Next() {
		var c model.Competitor
		var st string
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.JobID, &c.Name, &c.URL, &c.Address,
			&c.Latitude, &c.Longitude, &c.DistanceKm, &c.Source, &st, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan competitor")
		}
		c.Status = model.CompetitorStatus(st)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list competitors iterate")
}

func (s *PostgresStore) UpdateCompetitorStatus(ctx context.Context, id string, status model.CompetitorStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE competitors SET status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update competitor status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("competitor not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) UpsertFAQEntries(ctx context.Context, entries []model.FAQEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows[i] = []any{id, e.WorkspaceID, e.CompetitorID, e.Question, e.Answer, e.Category,
			e.ContentHash, e.Refined, now, now}
	}

	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table: "faq_entries",
		Columns: []string{"id", "workspace_id", "competitor_id", "question", "answer",
			"category", "content_hash", "refined", "created_at", "updated_at"},
		ConflictKeys: []string{"workspace_id", "content_hash"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert faq entries")
	}
	return int(n), nil
}

func (s *PostgresStore) ListUnrefinedFAQs(ctx context.Context, workspaceID string, limit int) ([]model.FAQEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workspace_id, competitor_id, question, answer, category, content_hash,
		        refined, created_at, updated_at
		 FROM faq_entries
		 WHERE workspace_id = $1 AND NOT refined
		 ORDER BY created_at ASC LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unrefined faqs")
	}
	defer rows.Close()

	var out []model.FAQEntry
	for rows.Next() {
		var e model.FAQEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.CompetitorID, &e.Question, &e.Answer,
			&e.Category, &e.ContentHash, &e.Refined, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan faq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unrefined faqs iterate")
}

func (s *PostgresStore) MarkFAQRefined(ctx context.Context, id, question, answer, category string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE faq_entries SET question = $1, answer = $2, category = $3, refined = true, updated_at = $4
		 WHERE id = $5`,
		question, answer, category, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark faq refined %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("faq entry not found: %s", id)
	}
	return nil
}
