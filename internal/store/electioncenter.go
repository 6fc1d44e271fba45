package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrResultsPending is returned by ElectionResult when at least one
// ElectionCenter row for the election has not yet been combined.
var ErrResultsPending = errors.New("store: election results not yet available")

// ElectionCenterStore persists the per-chunk tally/result artifacts:
// one row per tally chunk, written first by a
// tally worker (EncryptedTally) and later by a combine worker
// (ElectionResult).
type ElectionCenterStore interface {
	Create(ctx context.Context, electionCenterID, electionID string, chunkNumber int) error
	Get(ctx context.Context, electionCenterID string) (ElectionCenter, error)
	ByElection(ctx context.Context, electionID string) ([]ElectionCenter, error)
	SetEncryptedTally(ctx context.Context, electionCenterID, encryptedTally string) error
	SetElectionResult(ctx context.Context, electionCenterID, electionResult string) error
	// ElectionResult returns every chunk's combined result, ordered by
	// chunk number, once every ElectionCenter row for electionID carries a
	// non-null ElectionResult, or ErrResultsPending otherwise: intermediate
	// reads must return "in progress", never a
	// partial result set).
	ElectionResult(ctx context.Context, electionID string) ([]string, error)
}

type electionCenterStore struct {
	conn *sqlx.DB
}

func (s *electionCenterStore) Create(ctx context.Context, electionCenterID, electionID string, chunkNumber int) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO election_centers (election_center_id, election_id, chunk_number, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (election_center_id) DO NOTHING`,
		electionCenterID, electionID, chunkNumber)
	if err != nil {
		return fmt.Errorf("store: create election center: %w", err)
	}
	return nil
}

func (s *electionCenterStore) Get(ctx context.Context, electionCenterID string) (ElectionCenter, error) {
	var ec ElectionCenter
	err := s.conn.GetContext(ctx, &ec, `SELECT * FROM election_centers WHERE election_center_id = $1`, electionCenterID)
	if errors.Is(err, sql.ErrNoRows) {
		return ElectionCenter{}, ErrNotFound
	}
	if err != nil {
		return ElectionCenter{}, fmt.Errorf("store: election center: %w", err)
	}
	return ec, nil
}

func (s *electionCenterStore) ByElection(ctx context.Context, electionID string) ([]ElectionCenter, error) {
	var ecs []ElectionCenter
	err := s.conn.SelectContext(ctx, &ecs, `SELECT * FROM election_centers WHERE election_id = $1 ORDER BY chunk_number`, electionID)
	if err != nil {
		return nil, fmt.Errorf("store: election centers by election: %w", err)
	}
	return ecs, nil
}

func (s *electionCenterStore) SetEncryptedTally(ctx context.Context, electionCenterID, encryptedTally string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE election_centers SET encrypted_tally = $2, updated_at = now()
		WHERE election_center_id = $1`,
		electionCenterID, encryptedTally)
	if err != nil {
		return fmt.Errorf("store: set encrypted tally: %w", err)
	}
	return nil
}

func (s *electionCenterStore) SetElectionResult(ctx context.Context, electionCenterID, electionResult string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE election_centers SET election_result = $2, updated_at = now()
		WHERE election_center_id = $1`,
		electionCenterID, electionResult)
	if err != nil {
		return fmt.Errorf("store: set election result: %w", err)
	}
	return nil
}

func (s *electionCenterStore) ElectionResult(ctx context.Context, electionID string) ([]string, error) {
	rows, err := s.ByElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	results := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ElectionResult == nil {
			return nil, ErrResultsPending
		}
		results = append(results, *row.ElectionResult)
	}
	return results, nil
}
