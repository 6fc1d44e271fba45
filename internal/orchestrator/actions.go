package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/idgen"
	"github.com/kenneth/cto-orchestrator/internal/registry"
	"github.com/kenneth/cto-orchestrator/internal/store"
	"github.com/kenneth/cto-orchestrator/internal/worker"
)

// Actions implements phase.Actions: the follow-up effects a phase
// transition triggers.
type Actions struct {
	Registry        *registry.TaskRegistry
	ElectionCenters store.ElectionCenterStore
	Guardians       store.GuardianStore
	JobRecords      store.JobRecordStore
	Credentials     *credentials.Store
	Logger          *logrus.Logger
}

// CompleteTallyJob marks the election's tally job COMPLETED.
func (a *Actions) CompleteTallyJob(ctx context.Context, electionID string) error {
	return a.completeActiveJob(ctx, electionID, store.JobTally, "")
}

// TriggerCompensatedDecryption is the winner of the once-only guard that
// fires once guardianID's own partial-decryption job finishes: it marks
// that job COMPLETED, then registers a COMPENSATED_DECRYPT task-instance
// for every guardian of the election with no credentials on file, one
// per absent guardian across all tally chunks, with guardianID as the
// compensating party.
func (a *Actions) TriggerCompensatedDecryption(ctx context.Context, electionID, guardianID string) error {
	if err := a.completeActiveJob(ctx, electionID, store.JobPartial, guardianID); err != nil {
		return err
	}

	guardians, err := a.Guardians.ByElection(ctx, electionID)
	if err != nil {
		return fmt.Errorf("orchestrator: list guardians: %w", err)
	}

	var compensating *store.Guardian
	for i := range guardians {
		if guardians[i].GuardianID == guardianID {
			compensating = &guardians[i]
			break
		}
	}
	if compensating == nil {
		return fmt.Errorf("orchestrator: compensating guardian %s not found for election %s", guardianID, electionID)
	}

	centers, err := a.ElectionCenters.ByElection(ctx, electionID)
	if err != nil {
		return fmt.Errorf("orchestrator: list election centers: %w", err)
	}

	for _, missing := range guardians {
		if missing.GuardianID == guardianID {
			continue
		}
		present, err := a.Credentials.Has(ctx, electionID, missing.GuardianID)
		if err != nil {
			return fmt.Errorf("orchestrator: check credentials for %s: %w", missing.GuardianID, err)
		}
		if present {
			continue
		}
		if err := a.registerCompensatedDecryption(ctx, electionID, *compensating, missing, centers); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actions) registerCompensatedDecryption(ctx context.Context, electionID string, compensating, missing store.Guardian, centers []store.ElectionCenter) error {
	payloads := make([]any, len(centers))
	for i, c := range centers {
		if c.EncryptedTally == nil {
			return fmt.Errorf("orchestrator: chunk %d has no encrypted tally yet", c.ChunkNumber)
		}
		payloads[i] = worker.CompensatedDecryptionPayload{
			ElectionID:                   electionID,
			ElectionCenterID:             c.ElectionCenterID,
			ChunkNumber:                  c.ChunkNumber,
			CompensatingGuardianID:       compensating.GuardianID,
			CompensatingGuardianSequence: compensating.SequenceOrder,
			MissingGuardianID:            missing.GuardianID,
			MissingGuardianSequence:      missing.SequenceOrder,
			Quorum:                       compensating.Quorum,
			EncryptedTally:               *c.EncryptedTally,
		}
	}

	taskInstanceID, err := a.Registry.Register(registry.TaskCompensatedDecrypt, electionID, "", compensating.GuardianID, missing.GuardianID, payloads)
	if err != nil {
		return fmt.Errorf("orchestrator: register compensated decryption: %w", err)
	}

	job := store.JobRecord{
		JobID:          idgen.JobID(),
		TaskInstanceID: taskInstanceID,
		Kind:           store.JobCompensated,
		ElectionID:     electionID,
		GuardianID:     missing.GuardianID,
		TotalChunks:    len(payloads),
	}
	if err := a.JobRecords.Create(ctx, job); err != nil {
		return fmt.Errorf("orchestrator: create compensated decryption job record: %w", err)
	}

	if a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"election_id":           electionID,
			"compensating_guardian": compensating.GuardianID,
			"missing_guardian":      missing.GuardianID,
			"chunks":                len(payloads),
		}).Info("compensated decryption registered")
	}
	return nil
}

// ClearGuardianCredentials deletes the compensating guardian's unwrapped
// key material and marks them decrypted, once they have finished
// contributing a compensated share across every tally chunk on behalf of
// an absent guardian. The absent guardian itself never has credentials
// on file and is never marked decrypted by this path.
func (a *Actions) ClearGuardianCredentials(ctx context.Context, electionID, guardianID string) error {
	if err := a.Credentials.Clear(ctx, electionID, guardianID); err != nil {
		return fmt.Errorf("orchestrator: clear credentials for %s: %w", guardianID, err)
	}
	if err := a.Guardians.MarkDecrypted(ctx, electionID, guardianID); err != nil {
		return fmt.Errorf("orchestrator: mark guardian %s decrypted: %w", guardianID, err)
	}
	return nil
}

// CompleteCombineJob marks the election's combine job COMPLETED.
func (a *Actions) CompleteCombineJob(ctx context.Context, electionID string) error {
	return a.completeActiveJob(ctx, electionID, store.JobCombine, "")
}

func (a *Actions) completeActiveJob(ctx context.Context, electionID string, kind store.JobKind, guardianID string) error {
	job, err := a.JobRecords.GetActiveByElection(ctx, electionID, kind, guardianID)
	if err != nil {
		return fmt.Errorf("orchestrator: find active %s job: %w", kind, err)
	}
	if err := a.JobRecords.MarkStatus(ctx, job.JobID, store.JobCompleted); err != nil {
		return fmt.Errorf("orchestrator: mark %s job completed: %w", kind, err)
	}
	return nil
}
