package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/cryptoservice"
	"github.com/kenneth/cto-orchestrator/internal/kvstore"
	"github.com/kenneth/cto-orchestrator/internal/scheduler"
	"github.com/kenneth/cto-orchestrator/internal/store"
)

// ErrMissingBackup is the distinguished error for a
// compensated-decryption chunk whose compensating guardian's key-backup
// bundle is absent from the credential store while its private key is
// present. It is always permanent. The bundle's contents are not
// inspected, so a bundle lacking the missing guardian's entry does not
// raise it.
var ErrMissingBackup = errors.New("worker: compensating guardian's key-backup bundle is missing")

func contractViolation(err error) error {
	return &PermanentError{Err: fmt.Errorf("contract violation: %w", err)}
}

// TallyProcessor executes TALLY chunks: call CryptoService to encrypt one
// chunk's ballots, persist the resulting artifact to its ElectionCenter
// row.
type TallyProcessor struct {
	Crypto          cryptoservice.Client
	ElectionCenters store.ElectionCenterStore
}

func (p *TallyProcessor) TaskType() string { return "TALLY" }

func (p *TallyProcessor) Process(ctx context.Context, env scheduler.Envelope) error {
	var payload TallyPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return contractViolation(err)
	}
	if payload.ElectionCenterID == "" || len(payload.BallotIDs) == 0 {
		return contractViolation(fmt.Errorf("tally payload missing electionCenterId or ballotIds"))
	}

	raw, err := p.Crypto.CreateEncryptedTally(ctx, payload)
	if err != nil {
		return fmt.Errorf("create encrypted tally: %w", err)
	}
	var result TallyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return contractViolation(fmt.Errorf("decode crypto service tally response: %w", err))
	}

	if err := p.ElectionCenters.Create(ctx, payload.ElectionCenterID, payload.ElectionID, payload.ChunkNumber); err != nil {
		return fmt.Errorf("create election center row: %w", err)
	}
	if err := p.ElectionCenters.SetEncryptedTally(ctx, payload.ElectionCenterID, result.EncryptedTally); err != nil {
		return fmt.Errorf("persist encrypted tally: %w", err)
	}
	return nil
}

// PartialDecryptionProcessor executes PARTIAL_DECRYPT chunks: fetch the
// guardian's unwrapped private key, call CryptoService, persist the
// resulting share.
type PartialDecryptionProcessor struct {
	Crypto      cryptoservice.Client
	Credentials *credentials.Store
	Decryptions store.DecryptionStore
}

func (p *PartialDecryptionProcessor) TaskType() string { return "PARTIAL_DECRYPT" }

func (p *PartialDecryptionProcessor) Process(ctx context.Context, env scheduler.Envelope) error {
	var payload PartialDecryptionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return contractViolation(err)
	}
	if payload.ElectionCenterID == "" || payload.GuardianID == "" {
		return contractViolation(fmt.Errorf("partial decryption payload missing electionCenterId or guardianId"))
	}

	privateKey, err := p.Credentials.PrivateKey(ctx, payload.ElectionID, payload.GuardianID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("credentials missing for guardian %s: %w", payload.GuardianID, err)
	}
	if err != nil {
		return fmt.Errorf("fetch guardian credentials: %w", err)
	}

	req := PartialDecryptionRequest{PartialDecryptionPayload: payload, UnwrappedPrivateKey: privateKey}
	raw, err := p.Crypto.CreatePartialDecryption(ctx, req)
	if err != nil {
		return fmt.Errorf("create partial decryption: %w", err)
	}
	var result PartialDecryptionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return contractViolation(fmt.Errorf("decode crypto service partial decryption response: %w", err))
	}

	return p.Decryptions.Insert(ctx, store.Decryption{
		ElectionCenterID: payload.ElectionCenterID,
		ElectionID:       payload.ElectionID,
		GuardianID:       payload.GuardianID,
		PartialShare:     result.PartialShare,
	})
}

// CompensatedDecryptionProcessor executes COMPENSATED_DECRYPT chunks.
// Callers wrap it in WithCompensatedRetry for the inner retry loop
// reserved for this task type.
type CompensatedDecryptionProcessor struct {
	Crypto                 cryptoservice.Client
	Credentials            *credentials.Store
	CompensatedDecryptions store.CompensatedDecryptionStore
}

func (p *CompensatedDecryptionProcessor) TaskType() string { return "COMPENSATED_DECRYPT" }

func (p *CompensatedDecryptionProcessor) Process(ctx context.Context, env scheduler.Envelope) error {
	var payload CompensatedDecryptionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return contractViolation(err)
	}
	if payload.ElectionCenterID == "" || payload.CompensatingGuardianID == "" || payload.MissingGuardianID == "" {
		return contractViolation(fmt.Errorf("compensated decryption payload missing required guardian identifiers"))
	}

	privateKey, err := p.Credentials.PrivateKey(ctx, payload.ElectionID, payload.CompensatingGuardianID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("credentials missing for compensating guardian %s: %w", payload.CompensatingGuardianID, err)
	}
	if err != nil {
		return fmt.Errorf("fetch compensating guardian credentials: %w", err)
	}

	backup, err := p.Credentials.Polynomial(ctx, payload.ElectionID, payload.CompensatingGuardianID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return ErrMissingBackupError(payload.MissingGuardianID)
	}
	if err != nil {
		return fmt.Errorf("fetch compensating guardian backup bundle: %w", err)
	}

	req := CompensatedDecryptionRequest{
		CompensatedDecryptionPayload:    payload,
		CompensatingUnwrappedPrivateKey: privateKey,
		CompensatingGuardianKeyBackup:   backup,
	}
	raw, err := p.Crypto.CreateCompensatedDecryption(ctx, req)
	if err != nil {
		return fmt.Errorf("create compensated decryption: %w", err)
	}
	var result CompensatedDecryptionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return contractViolation(fmt.Errorf("decode crypto service compensated decryption response: %w", err))
	}

	return p.CompensatedDecryptions.Insert(ctx, store.CompensatedDecryption{
		ElectionCenterID:       payload.ElectionCenterID,
		ElectionID:             payload.ElectionID,
		CompensatingGuardianID: payload.CompensatingGuardianID,
		MissingGuardianID:      payload.MissingGuardianID,
		CompensatedShare:       result.CompensatedShare,
	})
}

// ErrMissingBackupError wraps ErrMissingBackup with the specific missing
// guardian id, always as a PermanentError.
func ErrMissingBackupError(missingGuardianID string) error {
	return &PermanentError{Err: fmt.Errorf("%w: %s", ErrMissingBackup, missingGuardianID)}
}

// CombineProcessor executes COMBINE chunks: gather every partial and
// compensated share persisted for the chunk, call CryptoService, persist
// the combined result.
type CombineProcessor struct {
	Crypto                 cryptoservice.Client
	ElectionCenters        store.ElectionCenterStore
	Decryptions            store.DecryptionStore
	CompensatedDecryptions store.CompensatedDecryptionStore
}

func (p *CombineProcessor) TaskType() string { return "COMBINE" }

func (p *CombineProcessor) Process(ctx context.Context, env scheduler.Envelope) error {
	var payload CombinePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return contractViolation(err)
	}
	if payload.ElectionCenterID == "" {
		return contractViolation(fmt.Errorf("combine payload missing electionCenterId"))
	}

	center, err := p.ElectionCenters.Get(ctx, payload.ElectionCenterID)
	if err != nil {
		return fmt.Errorf("fetch election center: %w", err)
	}
	if center.EncryptedTally == nil {
		return contractViolation(fmt.Errorf("election center %s has no encrypted tally yet", payload.ElectionCenterID))
	}

	partials, err := p.Decryptions.ByElectionCenter(ctx, payload.ElectionCenterID)
	if err != nil {
		return fmt.Errorf("fetch partial shares: %w", err)
	}
	compensated, err := p.CompensatedDecryptions.ByElectionCenter(ctx, payload.ElectionCenterID)
	if err != nil {
		return fmt.Errorf("fetch compensated shares: %w", err)
	}

	payload.EncryptedTally = *center.EncryptedTally
	for _, d := range partials {
		payload.PartialShares = append(payload.PartialShares, d.PartialShare)
	}
	for _, c := range compensated {
		payload.CompensatedShares = append(payload.CompensatedShares, c.CompensatedShare)
	}

	raw, err := p.Crypto.CombineDecryptionShares(ctx, payload)
	if err != nil {
		return fmt.Errorf("combine decryption shares: %w", err)
	}
	var result CombineResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return contractViolation(fmt.Errorf("decode crypto service combine response: %w", err))
	}

	return p.ElectionCenters.SetElectionResult(ctx, payload.ElectionCenterID, result.ElectionResult)
}
