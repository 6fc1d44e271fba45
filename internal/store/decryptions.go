package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// DecryptionStore persists per-chunk partial decryption shares, at most
// one per (electionCenterId, guardianId).
type DecryptionStore interface {
	Insert(ctx context.Context, d Decryption) error
	ByGuardian(ctx context.Context, electionID, guardianID string) ([]Decryption, error)
	ByElectionCenter(ctx context.Context, electionCenterID string) ([]Decryption, error)
}

type decryptionStore struct {
	conn *sqlx.DB
}

func (s *decryptionStore) Insert(ctx context.Context, d Decryption) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO decryptions (election_center_id, election_id, guardian_id, partial_share, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (election_center_id, guardian_id) DO NOTHING`,
		d.ElectionCenterID, d.ElectionID, d.GuardianID, d.PartialShare)
	if err != nil {
		return fmt.Errorf("store: insert decryption: %w", err)
	}
	return nil
}

func (s *decryptionStore) ByGuardian(ctx context.Context, electionID, guardianID string) ([]Decryption, error) {
	var rows []Decryption
	err := s.conn.SelectContext(ctx, &rows, `
		SELECT * FROM decryptions WHERE election_id = $1 AND guardian_id = $2
		ORDER BY election_center_id`, electionID, guardianID)
	if err != nil {
		return nil, fmt.Errorf("store: decryptions by guardian: %w", err)
	}
	return rows, nil
}

func (s *decryptionStore) ByElectionCenter(ctx context.Context, electionCenterID string) ([]Decryption, error) {
	var rows []Decryption
	err := s.conn.SelectContext(ctx, &rows, `
		SELECT * FROM decryptions WHERE election_center_id = $1
		ORDER BY guardian_id`, electionCenterID)
	if err != nil {
		return nil, fmt.Errorf("store: decryptions by election center: %w", err)
	}
	return rows, nil
}

// CompensatedDecryptionStore persists per-chunk compensated decryption
// shares, at most one per (electionCenterId, compensatingGuardianId,
// missingGuardianId) triple.
type CompensatedDecryptionStore interface {
	Insert(ctx context.Context, cd CompensatedDecryption) error
	ByMissingGuardian(ctx context.Context, electionID, missingGuardianID string) ([]CompensatedDecryption, error)
	ByElectionCenter(ctx context.Context, electionCenterID string) ([]CompensatedDecryption, error)
}

type compensatedDecryptionStore struct {
	conn *sqlx.DB
}

func (s *compensatedDecryptionStore) Insert(ctx context.Context, cd CompensatedDecryption) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO compensated_decryptions
			(election_center_id, election_id, compensating_guardian_id, missing_guardian_id, compensated_share, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (election_center_id, compensating_guardian_id, missing_guardian_id) DO NOTHING`,
		cd.ElectionCenterID, cd.ElectionID, cd.CompensatingGuardianID, cd.MissingGuardianID, cd.CompensatedShare)
	if err != nil {
		return fmt.Errorf("store: insert compensated decryption: %w", err)
	}
	return nil
}

func (s *compensatedDecryptionStore) ByMissingGuardian(ctx context.Context, electionID, missingGuardianID string) ([]CompensatedDecryption, error) {
	var rows []CompensatedDecryption
	err := s.conn.SelectContext(ctx, &rows, `
		SELECT * FROM compensated_decryptions
		WHERE election_id = $1 AND missing_guardian_id = $2
		ORDER BY compensating_guardian_id, election_center_id`, electionID, missingGuardianID)
	if err != nil {
		return nil, fmt.Errorf("store: compensated decryptions by missing guardian: %w", err)
	}
	return rows, nil
}

func (s *compensatedDecryptionStore) ByElectionCenter(ctx context.Context, electionCenterID string) ([]CompensatedDecryption, error) {
	var rows []CompensatedDecryption
	err := s.conn.SelectContext(ctx, &rows, `
		SELECT * FROM compensated_decryptions
		WHERE election_center_id = $1
		ORDER BY compensating_guardian_id`, electionCenterID)
	if err != nil {
		return nil, fmt.Errorf("store: compensated decryptions by election center: %w", err)
	}
	return rows, nil
}
