package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// WorkerLogStore persists the durable audit trail of worker attempts,
// independent of the in-memory registry.
type WorkerLogStore interface {
	Start(ctx context.Context, kind WorkerLogKind, chunkID, electionID, guardianID string) (int64, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errText string) error
}

type workerLogStore struct {
	conn *sqlx.DB
}

func (s *workerLogStore) Start(ctx context.Context, kind WorkerLogKind, chunkID, electionID, guardianID string) (int64, error) {
	var id int64
	err := s.conn.GetContext(ctx, &id, `
		INSERT INTO worker_logs (kind, chunk_id, election_id, guardian_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id`,
		kind, chunkID, electionID, guardianID, WorkerLogInProgress)
	if err != nil {
		return 0, fmt.Errorf("store: start worker log: %w", err)
	}
	return id, nil
}

func (s *workerLogStore) Complete(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, WorkerLogCompleted, nil)
}

func (s *workerLogStore) Fail(ctx context.Context, id int64, errText string) error {
	return s.setStatus(ctx, id, WorkerLogFailed, &errText)
}

func (s *workerLogStore) setStatus(ctx context.Context, id int64, status WorkerLogStatus, errText *string) error {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
		UPDATE worker_logs SET status = $1, completed_at = $2, error_text = $3 WHERE id = $4`,
		status, now, errText, id)
	if err != nil {
		return fmt.Errorf("store: update worker log %d: %w", id, err)
	}
	return nil
}
