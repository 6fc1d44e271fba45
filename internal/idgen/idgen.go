// Package idgen generates the identifiers the orchestrator hands out:
// task-instance ids, chunk ids, job ids, and lock-owner tokens.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// TaskType mirrors registry.TaskType without importing it, to keep idgen a
// leaf package with no dependencies inside the module.
type TaskType string

// TaskInstanceID synthesises a textual tag from
// {taskType, electionId, [guardianId], [sourceGuardianId, targetGuardianId], creationMonotonic}.
//
// guardianID, sourceGuardianID and targetGuardianID may be empty; the
// resulting id always carries a placeholder so ids remain unambiguous to
// parse back apart for diagnostics.
func TaskInstanceID(taskType TaskType, electionID, guardianID, sourceGuardianID, targetGuardianID string, creationMonotonic int64) string {
	g := guardianID
	if g == "" {
		g = "-"
	}
	src := sourceGuardianID
	if src == "" {
		src = "-"
	}
	tgt := targetGuardianID
	if tgt == "" {
		tgt = "-"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%d", taskType, electionID, g, src, tgt, creationMonotonic)
}

// ChunkID returns a fresh, globally unique chunk identifier.
func ChunkID() string {
	return "chunk_" + uuid.NewString()
}

// JobID returns a fresh, globally unique job identifier.
func JobID() string {
	return "job_" + uuid.NewString()
}

// ElectionCenterID derives the persistence identity of one tally chunk,
// deterministically from (electionID, chunkNumber) rather than randomly:
// the same chunk must resolve to the same ElectionCenter row across
// retries and across a crash/restart, since that row is where the
// tally/decryption/combine artifacts for this chunk converge.
func ElectionCenterID(electionID string, chunkNumber int) string {
	return fmt.Sprintf("ec_%s_%d", electionID, chunkNumber)
}

// LockOwner returns an opaque token identifying the current process/worker
// for the purposes of the two-layer idempotency lock. It is advisory
// only: a crashed owner's lock is reclaimed by TTL expiry, not by identity
// comparison.
func LockOwner(workerName string) string {
	return workerName + "#" + uuid.NewString()
}
