package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// GuardianStore persists Guardian rows, addressable by (electionId,
// sequenceOrder) or by guardianId directly.
type GuardianStore interface {
	ByID(ctx context.Context, guardianID string) (Guardian, error)
	BySequence(ctx context.Context, electionID string, sequenceOrder int) (Guardian, error)
	ByElection(ctx context.Context, electionID string) ([]Guardian, error)
	MarkDecrypted(ctx context.Context, electionID, guardianID string) error
}

type guardianStore struct {
	conn *sqlx.DB
}

func (s *guardianStore) ByID(ctx context.Context, guardianID string) (Guardian, error) {
	var g Guardian
	err := s.conn.GetContext(ctx, &g, `SELECT * FROM guardians WHERE guardian_id = $1`, guardianID)
	if errors.Is(err, sql.ErrNoRows) {
		return Guardian{}, ErrNotFound
	}
	if err != nil {
		return Guardian{}, fmt.Errorf("store: guardian by id: %w", err)
	}
	return g, nil
}

func (s *guardianStore) BySequence(ctx context.Context, electionID string, sequenceOrder int) (Guardian, error) {
	var g Guardian
	err := s.conn.GetContext(ctx, &g,
		`SELECT * FROM guardians WHERE election_id = $1 AND sequence_order = $2`,
		electionID, sequenceOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return Guardian{}, ErrNotFound
	}
	if err != nil {
		return Guardian{}, fmt.Errorf("store: guardian by sequence: %w", err)
	}
	return g, nil
}

func (s *guardianStore) ByElection(ctx context.Context, electionID string) ([]Guardian, error) {
	var guardians []Guardian
	err := s.conn.SelectContext(ctx, &guardians,
		`SELECT * FROM guardians WHERE election_id = $1 ORDER BY sequence_order`, electionID)
	if err != nil {
		return nil, fmt.Errorf("store: guardians by election: %w", err)
	}
	return guardians, nil
}

func (s *guardianStore) MarkDecrypted(ctx context.Context, electionID, guardianID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE guardians SET decrypted_or_not = true, updated_at = now()
		 WHERE election_id = $1 AND guardian_id = $2`,
		electionID, guardianID)
	if err != nil {
		return fmt.Errorf("store: mark decrypted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark decrypted rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
