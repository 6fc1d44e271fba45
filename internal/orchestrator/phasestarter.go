// Package orchestrator wires the registry, scheduler, durable store, and
// phase coordinator together: it is the only package that knows how an
// election operator's request becomes a registered task-instance, and how
// a completed phase becomes the next one end to end.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/chunker"
	"github.com/kenneth/cto-orchestrator/internal/idgen"
	"github.com/kenneth/cto-orchestrator/internal/registry"
	"github.com/kenneth/cto-orchestrator/internal/store"
	"github.com/kenneth/cto-orchestrator/internal/worker"
)

// PhaseStarter implements controlapi.PhaseStarter against the registry
// and durable store.
type PhaseStarter struct {
	Registry        *registry.TaskRegistry
	ElectionCenters store.ElectionCenterStore
	JobRecords      store.JobRecordStore
	Logger          *logrus.Logger
}

// StartTally chunks ballotIDs, creates one ElectionCenter row per chunk,
// and registers a TALLY task-instance.
func (p *PhaseStarter) StartTally(ctx context.Context, electionID string, ballotIDs []string) (string, error) {
	partition, err := chunker.Chunk(ballotIDs, 0)
	if err != nil {
		return "", fmt.Errorf("orchestrator: chunk ballots: %w", err)
	}
	if err := chunker.Verify(ballotIDs, partition); err != nil {
		return "", fmt.Errorf("orchestrator: verify partition: %w", err)
	}

	numChunks := len(partition)
	payloads := make([]any, numChunks)
	for chunkNumber := 1; chunkNumber <= numChunks; chunkNumber++ {
		electionCenterID := idgen.ElectionCenterID(electionID, chunkNumber)
		if err := p.ElectionCenters.Create(ctx, electionCenterID, electionID, chunkNumber); err != nil {
			return "", fmt.Errorf("orchestrator: create election center: %w", err)
		}
		payloads[chunkNumber-1] = worker.TallyPayload{
			ElectionID:       electionID,
			ChunkNumber:      chunkNumber,
			ElectionCenterID: electionCenterID,
			BallotIDs:        partition[chunkNumber],
		}
	}

	return p.register(ctx, registry.TaskTally, store.JobTally, electionID, "", payloads)
}

// StartPartialDecryption registers a PARTIAL_DECRYPT task-instance for
// guardianID across every tally chunk. The tally phase must already have
// produced an encrypted tally for every chunk.
func (p *PhaseStarter) StartPartialDecryption(ctx context.Context, electionID, guardianID string) (string, error) {
	centers, err := p.ElectionCenters.ByElection(ctx, electionID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: list election centers: %w", err)
	}
	if len(centers) == 0 {
		return "", fmt.Errorf("orchestrator: no tally chunks registered for election %s", electionID)
	}

	payloads := make([]any, len(centers))
	for i, c := range centers {
		if c.EncryptedTally == nil {
			return "", fmt.Errorf("orchestrator: chunk %d has no encrypted tally yet", c.ChunkNumber)
		}
		payloads[i] = worker.PartialDecryptionPayload{
			ElectionID:       electionID,
			GuardianID:       guardianID,
			ChunkNumber:      c.ChunkNumber,
			ElectionCenterID: c.ElectionCenterID,
			TotalChunks:      len(centers),
			EncryptedTally:   *c.EncryptedTally,
		}
	}

	return p.register(ctx, registry.TaskPartialDecrypt, store.JobPartial, electionID, guardianID, payloads)
}

// StartCombine registers a COMBINE task-instance over every tally chunk.
// Each chunk's shares are gathered by the combine worker at execution
// time, so the payload here carries only routing information.
func (p *PhaseStarter) StartCombine(ctx context.Context, electionID string) (string, error) {
	centers, err := p.ElectionCenters.ByElection(ctx, electionID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: list election centers: %w", err)
	}
	if len(centers) == 0 {
		return "", fmt.Errorf("orchestrator: no tally chunks registered for election %s", electionID)
	}

	payloads := make([]any, len(centers))
	for i, c := range centers {
		payloads[i] = worker.CombinePayload{
			ElectionID:       electionID,
			ElectionCenterID: c.ElectionCenterID,
			ChunkNumber:      c.ChunkNumber,
		}
	}

	return p.register(ctx, registry.TaskCombine, store.JobCombine, electionID, "", payloads)
}

func (p *PhaseStarter) register(ctx context.Context, taskType registry.TaskType, kind store.JobKind, electionID, guardianID string, payloads []any) (string, error) {
	taskInstanceID, err := p.Registry.Register(taskType, electionID, guardianID, "", "", payloads)
	if err != nil {
		return "", fmt.Errorf("orchestrator: register %s: %w", taskType, err)
	}

	jobID := idgen.JobID()
	job := store.JobRecord{
		JobID:          jobID,
		TaskInstanceID: taskInstanceID,
		Kind:           kind,
		ElectionID:     electionID,
		GuardianID:     guardianID,
		TotalChunks:    len(payloads),
	}
	if err := p.JobRecords.Create(ctx, job); err != nil {
		return "", fmt.Errorf("orchestrator: create job record: %w", err)
	}

	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"job_id":           jobID,
			"task_instance_id": taskInstanceID,
			"task_type":        taskType,
			"election_id":      electionID,
			"chunks":           len(payloads),
		}).Info("phase started")
	}
	return jobID, nil
}
