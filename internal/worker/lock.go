package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/cto-orchestrator/internal/kvstore"
)

// LockTTL bounds how long a chunk's idempotency lock survives in the
// key-value store; long enough to cover a heavy RPC plus persistence,
// short enough that a crashed worker's lock self-heals.
const LockTTL = 300 * time.Second

// twoLayerLock is the exactly-once guard for one chunk: a
// process-local set-if-absent backed by a cluster-wide key-value
// set-if-absent. Either layer reporting "already held" means the delivery
// is a duplicate and must be acknowledged without reprocessing.
type twoLayerLock struct {
	kv    kvstore.Store
	owner string

	mu    sync.Mutex
	local map[string]struct{}
}

func newTwoLayerLock(kv kvstore.Store, owner string) *twoLayerLock {
	return &twoLayerLock{kv: kv, owner: owner, local: make(map[string]struct{})}
}

// acquire attempts to take both lock layers for key. held reports whether
// this call newly acquired the lock; if held is false the caller must
// treat the delivery as a duplicate (ack and skip) without calling
// release.
func (l *twoLayerLock) acquire(ctx context.Context, key string) (held bool, err error) {
	l.mu.Lock()
	if _, taken := l.local[key]; taken {
		l.mu.Unlock()
		return false, nil
	}
	l.local[key] = struct{}{}
	l.mu.Unlock()

	won, err := l.kv.SetIfAbsent(ctx, key, l.owner, LockTTL)
	if err != nil {
		l.mu.Lock()
		delete(l.local, key)
		l.mu.Unlock()
		return false, fmt.Errorf("worker: acquire kv lock %s: %w", key, err)
	}
	if !won {
		l.mu.Lock()
		delete(l.local, key)
		l.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// release drops both lock layers for key. An error deleting the key-value
// layer is returned for the caller to log, not acted on: the lock's TTL
// already bounds how long a leaked entry can block a legitimate retry.
func (l *twoLayerLock) release(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.local, key)
	l.mu.Unlock()
	return l.kv.Delete(ctx, key)
}

// lockKeyFor builds the natural-key idempotency lock name for one chunk,
// e.g. `tally_{electionId}_chunk_{n}`.
func lockKeyFor(taskType, electionID, guardianID, sourceGuardianID, targetGuardianID string, chunkNumber int) string {
	switch taskType {
	case "TALLY":
		return fmt.Sprintf("tally_%s_chunk_%d", electionID, chunkNumber)
	case "PARTIAL_DECRYPT":
		return fmt.Sprintf("partial_%s_%s_chunk_%d", electionID, guardianID, chunkNumber)
	case "COMPENSATED_DECRYPT":
		return fmt.Sprintf("compensated_%s_%s_%s_chunk_%d", electionID, sourceGuardianID, targetGuardianID, chunkNumber)
	case "COMBINE":
		return fmt.Sprintf("combine_%s_chunk_%d", electionID, chunkNumber)
	default:
		return fmt.Sprintf("%s_%s_chunk_%d", taskType, electionID, chunkNumber)
	}
}
