package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// OperationalStore implements the operational database over pgx.
type OperationalStore struct {
	pool   *pgxpool.Pool
	logger *common.Logger
}

var _ interfaces.OperationalStore = (*OperationalStore)(nil)

// NewOperationalStore connects, migrates, and returns the store.
func NewOperationalStore(ctx context.Context, dsn string, logger *common.Logger) (*OperationalStore, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("operational pool: %w", err)
	}
	if err := Migrate(ctx, pool, operationalSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("operational migrate: %w", err)
	}
	logger.Debug().Msg("Operational store ready")
	return &OperationalStore{pool: pool, logger: logger}, nil
}

func (s *OperationalStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *OperationalStore) Close() error {
	s.pool.Close()
	return nil
}

// --- job executions ---

const execColumns = `id, job_name, target_date, entity_id, started_at,
	COALESCE(completed_at, 'epoch'::timestamptz), status, message, duration_ms, tickers_processed`

func scanExecution(row pgx.Row) (*models.JobExecution, error) {
	var e models.JobExecution
	err := row.Scan(&e.ID, &e.JobName, &e.TargetDate, &e.EntityID, &e.StartedAt,
		&e.CompletedAt, &e.Status, &e.Message, &e.DurationMS, &e.TickersProcessed)
	if err != nil {
		return nil, err
	}
	if e.CompletedAt.Unix() == 0 {
		e.CompletedAt = time.Time{}
	}
	return &e, nil
}

// MarkStarted inserts a running execution unless a live running one already
// exists for the same key. Terminal rows never block, matching the partial
// unique index on running rows.
func (s *OperationalStore) MarkStarted(ctx context.Context, exec *models.JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	exec.Status = models.ExecStatusRunning

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=exec.mark_started: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx,
		`SELECT id FROM job_executions
		 WHERE job_name=$1 AND target_date=$2 AND entity_id=$3 AND status = 'running'
		 LIMIT 1 FOR UPDATE`,
		exec.JobName, exec.TargetDate, exec.EntityID).Scan(&existing)
	if err == nil {
		return interfaces.ErrDuplicateRun
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=exec.mark_started: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO job_executions (id, job_name, target_date, entity_id, started_at, status, message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		exec.ID, exec.JobName, exec.TargetDate, exec.EntityID, exec.StartedAt, exec.Status, exec.Message)
	if err != nil {
		return fmt.Errorf("op=exec.mark_started: %w", err)
	}
	return tx.Commit(ctx)
}

// MarkCompleted transitions a running execution to its terminal status.
func (s *OperationalStore) MarkCompleted(ctx context.Context, id, status, message string, tickers []string) error {
	if tickers == nil {
		tickers = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_executions
		 SET status=$2, message=$3, completed_at=now(),
		     duration_ms=EXTRACT(EPOCH FROM (now() - started_at))::bigint * 1000,
		     tickers_processed=$4
		 WHERE id=$1 AND status='running'`,
		id, status, message, tickers)
	if err != nil {
		return fmt.Errorf("op=exec.mark_completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=exec.mark_completed: %w", interfaces.ErrNotFound)
	}
	return nil
}

func (s *OperationalStore) GetExecution(ctx context.Context, id string) (*models.JobExecution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+execColumns+` FROM job_executions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	return e, err
}

func (s *OperationalStore) LastCompleted(ctx context.Context, jobName string) (*models.JobExecution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+execColumns+` FROM job_executions
		 WHERE job_name=$1 AND status='completed'
		 ORDER BY completed_at DESC LIMIT 1`, jobName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *OperationalStore) ListExecutions(ctx context.Context, jobName, status string, limit int) ([]*models.JobExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+execColumns+` FROM job_executions
		 WHERE ($1 = '' OR job_name = $1) AND ($2 = '' OR status = $2)
		 ORDER BY started_at DESC LIMIT $3`,
		jobName, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=exec.list: %w", err)
	}
	defer rows.Close()

	var out []*models.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OperationalStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]*models.JobExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+execColumns+` FROM job_executions
		 WHERE status='running' AND started_at < $1
		 ORDER BY started_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=exec.stale_running: %w", err)
	}
	defer rows.Close()

	var out []*models.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OperationalStore) MissingCompletions(ctx context.Context, jobNames []string, targetDate string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM unnest($1::text[]) AS name
		 WHERE NOT EXISTS (
			SELECT 1 FROM job_executions
			WHERE job_name = name AND target_date = $2 AND status = 'completed')`,
		jobNames, targetDate)
	if err != nil {
		return nil, fmt.Errorf("op=exec.missing: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// LogExecution appends one structured log row. Append-only by contract:
// there is no update path.
func (s *OperationalStore) LogExecution(ctx context.Context, entry *models.ExecutionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_log (id, job_name, success, message, duration_ms, logged_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.JobName, entry.Success, entry.Message, entry.DurationMS, entry.LoggedAt)
	if err != nil {
		return fmt.Errorf("op=exec.log: %w", err)
	}
	return nil
}

func (s *OperationalStore) ListExecutionLog(ctx context.Context, jobName string, limit int) ([]*models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_name, success, message, duration_ms, logged_at
		 FROM execution_log
		 WHERE ($1 = '' OR job_name = $1)
		 ORDER BY logged_at DESC LIMIT $2`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("op=exec.log_list: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionLogEntry
	for rows.Next() {
		var e models.ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.JobName, &e.Success, &e.Message, &e.DurationMS, &e.LoggedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- retry queue ---

const retryColumns = `id, job_name, target_date, entity_id, entity_type, status,
	retry_count, max_retries, failure_reason, error_message, created_at,
	COALESCE(last_attempt_at, 'epoch'::timestamptz)`

func scanRetry(row pgx.Row) (*models.RetryQueueEntry, error) {
	var e models.RetryQueueEntry
	err := row.Scan(&e.ID, &e.JobName, &e.TargetDate, &e.EntityID, &e.EntityType,
		&e.Status, &e.RetryCount, &e.MaxRetries, &e.FailureReason, &e.ErrorMessage,
		&e.CreatedAt, &e.LastAttemptAt)
	if err != nil {
		return nil, err
	}
	if e.LastAttemptAt.Unix() == 0 {
		e.LastAttemptAt = time.Time{}
	}
	return &e, nil
}

// Enqueue inserts a pending entry; the partial unique index on unresolved
// keys makes a second enqueue for the same work a no-op.
func (s *OperationalStore) Enqueue(ctx context.Context, entry *models.RetryQueueEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.MaxRetries == 0 {
		entry.MaxRetries = models.DefaultMaxRetries
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Status = models.RetryStatusPending

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_retry_queue
		 (id, job_name, target_date, entity_id, entity_type, status, retry_count, max_retries, failure_reason, error_message, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$10)
		 ON CONFLICT (job_name, target_date, entity_id, entity_type) WHERE status IN ('pending','retrying')
		 DO NOTHING`,
		entry.ID, entry.JobName, entry.TargetDate, entry.EntityID, entry.EntityType,
		entry.Status, entry.MaxRetries, entry.FailureReason, entry.ErrorMessage, entry.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("op=retry.enqueue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeasePending claims up to limit pending entries oldest first. The UPDATE
// only wins rows still pending, so concurrent callers never double-claim;
// SKIP LOCKED keeps them from serializing on each other.
func (s *OperationalStore) LeasePending(ctx context.Context, limit int) ([]*models.RetryQueueEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE job_retry_queue
		 SET status='retrying', retry_count=retry_count+1, last_attempt_at=now()
		 WHERE id IN (
			SELECT id FROM job_retry_queue
			WHERE status='pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		   AND status='pending'
		 RETURNING `+retryColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("op=retry.lease: %w", err)
	}
	defer rows.Close()

	var out []*models.RetryQueueEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OperationalStore) Resolve(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_retry_queue SET status='resolved' WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=retry.resolve: %w", err)
	}
	return nil
}

// Fail returns a leased entry to pending, or abandons it when the retry
// budget is spent.
func (s *OperationalStore) Fail(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_retry_queue
		 SET status = CASE WHEN retry_count >= max_retries THEN 'abandoned' ELSE 'pending' END,
		     error_message = $2
		 WHERE id=$1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("op=retry.fail: %w", err)
	}
	return nil
}

func (s *OperationalStore) Abandon(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_retry_queue SET status='abandoned', error_message=$2 WHERE id=$1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("op=retry.abandon: %w", err)
	}
	return nil
}

func (s *OperationalStore) ListEntries(ctx context.Context, status string, limit int) ([]*models.RetryQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+retryColumns+` FROM job_retry_queue
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=retry.list: %w", err)
	}
	defer rows.Close()

	var out []*models.RetryQueueEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OperationalStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM job_retry_queue WHERE status='pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=retry.pending_count: %w", err)
	}
	return n, nil
}

func (s *OperationalStore) ReleaseStuckRetrying(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_retry_queue SET status='pending'
		 WHERE status='retrying' AND last_attempt_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=retry.release_stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- heartbeats ---

func (s *OperationalStore) UpsertHeartbeat(ctx context.Context, hb *models.SchedulerHeartbeat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduler_heartbeats (process_id, last_heartbeat_at, generation)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (process_id) DO UPDATE
		 SET last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		     generation = EXCLUDED.generation`,
		hb.ProcessID, hb.LastHeartbeatAt, hb.Generation)
	if err != nil {
		return fmt.Errorf("op=heartbeat.upsert: %w", err)
	}
	return nil
}

func (s *OperationalStore) GetHeartbeat(ctx context.Context, processID string) (*models.SchedulerHeartbeat, error) {
	var hb models.SchedulerHeartbeat
	err := s.pool.QueryRow(ctx,
		`SELECT process_id, last_heartbeat_at, generation FROM scheduler_heartbeats WHERE process_id=$1`,
		processID).Scan(&hb.ProcessID, &hb.LastHeartbeatAt, &hb.Generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.get: %w", err)
	}
	return &hb, nil
}

func (s *OperationalStore) LatestHeartbeat(ctx context.Context) (*models.SchedulerHeartbeat, error) {
	var hb models.SchedulerHeartbeat
	err := s.pool.QueryRow(ctx,
		`SELECT process_id, last_heartbeat_at, generation FROM scheduler_heartbeats
		 ORDER BY last_heartbeat_at DESC LIMIT 1`).
		Scan(&hb.ProcessID, &hb.LastHeartbeatAt, &hb.Generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.latest: %w", err)
	}
	return &hb, nil
}
