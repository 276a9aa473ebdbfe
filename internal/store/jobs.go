package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

const jobColumns = `id, combination_hash, tool_slug, source_slugs, language, status,
       priority, attempts, max_attempts, schema_version, last_error,
       created_at, updated_at, started_at, finished_at`

// CreateJob inserts a pending job, enforcing at most one live job per
// combination hash. A second live job is rejected with ErrDuplicateJob.
func (s *SQLStore) CreateJob(ctx context.Context, job *domain.ComputationJob) error {
	if job == nil || job.ID == "" || job.CombinationHash == "" {
		return fmt.Errorf("%w: job id and combination hash are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	job.Status = domain.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now

	slugs, _ := json.Marshal(job.SourceSlugs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The lease guard: serializing the existence check and insert in one
	// transaction keeps the single-live-job-per-hash invariant under
	// concurrent enqueues.
	var live int
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM computation_jobs
		WHERE combination_hash = ? AND status IN ('pending', 'running')
	`), job.CombinationHash).Scan(&live)
	if err != nil {
		return err
	}
	if live > 0 {
		return fmt.Errorf("%w: hash %s", ErrDuplicateJob, job.CombinationHash)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO computation_jobs (
			id, combination_hash, tool_slug, source_slugs, language, status,
			priority, attempts, max_attempts, schema_version, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		job.ID, job.CombinationHash, job.ToolSlug, string(slugs), job.Language, string(job.Status),
		job.Priority, job.Attempts, job.MaxAttempts, job.SchemaVersion, job.LastError,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ClaimNextJob leases the highest-priority oldest pending job, moving it
// pending -> running. Returns ErrNotFound when the backlog is empty.
func (s *SQLStore) ClaimNextJob(ctx context.Context) (*domain.ComputationJob, error) {
	// A lost claim race is not an empty queue; retry a few times before
	// reporting ErrNotFound.
	for i := 0; i < 3; i++ {
		job, err := s.claimOnce(ctx)
		if errors.Is(err, errClaimContended) {
			continue
		}
		return job, err
	}
	return nil, ErrNotFound
}

var errClaimContended = errors.New("claim lost to concurrent worker")

func (s *SQLStore) claimOnce(ctx context.Context) (*domain.ComputationJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT `+jobColumns+`
		FROM computation_jobs
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE computation_jobs
		SET status = 'running', attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`), now, now, job.ID)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, errClaimContended
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = domain.JobRunning
	job.Attempts++
	job.StartedAt = now
	job.UpdatedAt = now
	return job, nil
}

// RequeueJob moves a running job back to pending after a retryable failure.
func (s *SQLStore) RequeueJob(ctx context.Context, jobID string, lastError string) error {
	return s.transitionJob(ctx, jobID, domain.JobRunning, domain.JobPending, lastError, false)
}

// CompleteJob marks a running job completed. last_error is left in place
// so a retried-then-successful job keeps its diagnostic trail.
func (s *SQLStore) CompleteJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE computation_jobs
		SET status = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`), string(domain.JobCompleted), now, now, jobID, string(domain.JobRunning))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: job %s not in %s state", ErrNotFound, jobID, domain.JobRunning)
	}
	return nil
}

// FailJob marks a running job permanently failed. Failed jobs stay listable
// for operator intervention, never silently dropped.
func (s *SQLStore) FailJob(ctx context.Context, jobID string, lastError string) error {
	return s.transitionJob(ctx, jobID, domain.JobRunning, domain.JobFailed, lastError, true)
}

func (s *SQLStore) transitionJob(ctx context.Context, jobID string, from, to domain.JobStatus, lastError string, finished bool) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	var finishedAt any
	if finished {
		finishedAt = now
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE computation_jobs
		SET status = ?, last_error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`), string(to), lastError, now, finishedAt, jobID, string(from))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: job %s not in %s state", ErrNotFound, jobID, from)
	}
	return nil
}

// ReclaimStaleJobs moves running jobs whose lease expired back to pending.
// Used on pipeline startup to recover from crashes mid-run.
func (s *SQLStore) ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE computation_jobs
		SET status = 'pending', updated_at = ?
		WHERE status = 'running' AND started_at < ?
	`), time.Now().UTC(), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListJobs enumerates jobs for the batch control surface.
func (s *SQLStore) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.ComputationJob, error) {
	var clauses []string
	var args []any

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ToolSlug != "" {
		clauses = append(clauses, "tool_slug = ?")
		args = append(args, filter.ToolSlug)
	}
	if filter.Language != "" {
		clauses = append(clauses, "language = ?")
		args = append(args, filter.Language)
	}
	if filter.MinPriority > 0 {
		clauses = append(clauses, "priority >= ?")
		args = append(args, filter.MinPriority)
	}

	query := `SELECT ` + jobColumns + ` FROM computation_jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.ComputationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobCounts returns the backlog snapshot by status.
func (s *SQLStore) JobCounts(ctx context.Context) (domain.JobCounts, error) {
	var counts domain.JobCounts

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM computation_jobs GROUP BY status`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return counts, err
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			counts.Pending = count
		case domain.JobRunning:
			counts.Running = count
		case domain.JobCompleted:
			counts.Completed = count
		case domain.JobFailed:
			counts.Failed = count
		}
	}
	return counts, rows.Err()
}

// HasCompletedJob reports whether the hash already has a completed job at the
// given schema version. Used by backlog enumeration to dedupe.
func (s *SQLStore) HasCompletedJob(ctx context.Context, hash string, schemaVersion int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM computation_jobs
		WHERE combination_hash = ? AND status = 'completed' AND schema_version >= ?
	`), hash, schemaVersion).Scan(&count)
	return count > 0, err
}

// HasLiveJob reports whether the hash currently has a pending or running job.
func (s *SQLStore) HasLiveJob(ctx context.Context, hash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM computation_jobs
		WHERE combination_hash = ? AND status IN ('pending', 'running')
	`), hash).Scan(&count)
	return count > 0, err
}

func scanJob(row rowScanner) (*domain.ComputationJob, error) {
	var job domain.ComputationJob
	var slugs, status string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.CombinationHash, &job.ToolSlug, &slugs, &job.Language, &status,
		&job.Priority, &job.Attempts, &job.MaxAttempts, &job.SchemaVersion, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	json.Unmarshal([]byte(slugs), &job.SourceSlugs)

	return &job, nil
}
