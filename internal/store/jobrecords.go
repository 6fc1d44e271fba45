package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// JobRecordStore persists JobRecord rows: the durable record of a
// task-instance's progress and terminal status.
type JobRecordStore interface {
	Create(ctx context.Context, j JobRecord) error
	Get(ctx context.Context, jobID string) (JobRecord, error)
	GetByTaskInstance(ctx context.Context, taskInstanceID string) (JobRecord, error)
	// GetActiveByElection returns the most recently created RUNNING job of
	// the given kind for (electionID, guardianID); guardianID is "" for
	// kinds that are not per-guardian (TALLY, COMBINE). Phase completion
	// is reported to Actions by (electionID, taskType[, guardianID]) alone
	// (a phase transition event carries no taskInstanceId), so this is how a
	// phase-completion callback finds the job record it needs to mark
	// COMPLETED.
	GetActiveByElection(ctx context.Context, electionID string, kind JobKind, guardianID string) (JobRecord, error)
	IncrementProcessed(ctx context.Context, jobID string) (JobRecord, error)
	IncrementFailed(ctx context.Context, jobID string) (JobRecord, error)
	MarkStatus(ctx context.Context, jobID string, status JobStatus) error
}

type jobRecordStore struct {
	conn *sqlx.DB
}

func (s *jobRecordStore) Create(ctx context.Context, j JobRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO job_records
			(job_id, task_instance_id, kind, election_id, guardian_id, status, total_chunks, processed_chunks, failed_chunks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, now(), now())`,
		j.JobID, j.TaskInstanceID, j.Kind, j.ElectionID, j.GuardianID, JobRunning, j.TotalChunks)
	if err != nil {
		return fmt.Errorf("store: create job record: %w", err)
	}
	return nil
}

func (s *jobRecordStore) Get(ctx context.Context, jobID string) (JobRecord, error) {
	var j JobRecord
	err := s.conn.GetContext(ctx, &j, `SELECT * FROM job_records WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("store: get job record: %w", err)
	}
	return j, nil
}

func (s *jobRecordStore) GetByTaskInstance(ctx context.Context, taskInstanceID string) (JobRecord, error) {
	var j JobRecord
	err := s.conn.GetContext(ctx, &j, `SELECT * FROM job_records WHERE task_instance_id = $1`, taskInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("store: get job record by task instance: %w", err)
	}
	return j, nil
}

func (s *jobRecordStore) GetActiveByElection(ctx context.Context, electionID string, kind JobKind, guardianID string) (JobRecord, error) {
	var j JobRecord
	err := s.conn.GetContext(ctx, &j, `
		SELECT * FROM job_records
		WHERE election_id = $1 AND kind = $2 AND guardian_id = $3 AND status = $4
		ORDER BY created_at DESC
		LIMIT 1`,
		electionID, kind, guardianID, JobRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("store: get active job record by election: %w", err)
	}
	return j, nil
}

// IncrementProcessed atomically adds 1 to processed_chunks and returns the
// row after the update, so the caller can compare against total_chunks
// without a second round trip.
func (s *jobRecordStore) IncrementProcessed(ctx context.Context, jobID string) (JobRecord, error) {
	return s.increment(ctx, jobID, "processed_chunks")
}

// IncrementFailed atomically adds 1 to failed_chunks.
func (s *jobRecordStore) IncrementFailed(ctx context.Context, jobID string) (JobRecord, error) {
	return s.increment(ctx, jobID, "failed_chunks")
}

func (s *jobRecordStore) increment(ctx context.Context, jobID, column string) (JobRecord, error) {
	var j JobRecord
	query := fmt.Sprintf(`
		UPDATE job_records SET %s = %s + 1, updated_at = now()
		WHERE job_id = $1
		RETURNING *`, column, column)
	err := s.conn.GetContext(ctx, &j, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("store: increment %s: %w", column, err)
	}
	return j, nil
}

func (s *jobRecordStore) MarkStatus(ctx context.Context, jobID string, status JobStatus) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE job_records SET status = $1, updated_at = now() WHERE job_id = $2`, status, jobID)
	if err != nil {
		return fmt.Errorf("store: mark job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark job status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
