// Package phase implements the PhaseCoordinator: exactly-once transitions
// between pipeline phases driven by atomic counters and compare-and-set
// guards in the shared key-value store, with no central coordinator
// process.
package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/kvstore"
)

// TriggeredTTL bounds how long a once-only compare-and-set guard key
// lives; 4h covers the slowest plausible phase-2 fan-out.
const TriggeredTTL = 4 * time.Hour

// Event describes a single chunk completion as reported by a worker.
type Event struct {
	TaskType         string // registry.TaskType as a string, avoids an import cycle
	ElectionID       string
	GuardianID       string // the guardian this task-instance belongs to
	SourceGuardianID string // set only for COMPENSATED_DECRYPT
	TargetGuardianID string // set only for COMPENSATED_DECRYPT
	TotalChunks      int    // JobRecord.totalChunks for this task-instance
}

// Actions is the set of follow-up effects a phase transition can trigger.
// The orchestrator's wiring layer implements this against Persistence,
// the registry, and the scheduler; PhaseCoordinator itself never touches
// those packages, keeping it a thin layer over the key-value store.
type Actions interface {
	// CompleteTallyJob marks the election's tally job COMPLETED.
	CompleteTallyJob(ctx context.Context, electionID string) error

	// TriggerCompensatedDecryption runs once present guardian g has
	// finished its partial decryption: it queues, for each absent
	// guardian, a compensated-decryption task-instance across all tally
	// chunks with g as the compensating guardian.
	TriggerCompensatedDecryption(ctx context.Context, electionID, guardianID string) error

	// ClearGuardianCredentials deletes guardian g's unwrapped key material
	// and marks it decrypted.
	ClearGuardianCredentials(ctx context.Context, electionID, guardianID string) error

	// CompleteCombineJob marks the election's combine job COMPLETED.
	CompleteCombineJob(ctx context.Context, electionID string) error
}

// Coordinator is the PhaseCoordinator.
type Coordinator struct {
	kv     kvstore.Store
	logger *logrus.Logger
}

// New constructs a Coordinator over the given key-value store.
func New(kv kvstore.Store, logger *logrus.Logger) *Coordinator {
	return &Coordinator{kv: kv, logger: logger}
}

// OnChunkCompleted applies the phase-transition semantics for one
// completed chunk.
func (c *Coordinator) OnChunkCompleted(ctx context.Context, ev Event, actions Actions) error {
	switch ev.TaskType {
	case "TALLY":
		return c.onTally(ctx, ev, actions)
	case "PARTIAL_DECRYPT":
		return c.onPartialDecrypt(ctx, ev, actions)
	case "COMPENSATED_DECRYPT":
		return c.onCompensatedDecrypt(ctx, ev, actions)
	case "COMBINE":
		return c.onCombine(ctx, ev, actions)
	default:
		return fmt.Errorf("phase: unknown task type %q", ev.TaskType)
	}
}

func (c *Coordinator) onTally(ctx context.Context, ev Event, actions Actions) error {
	progressKey := "tally_progress:" + ev.ElectionID
	triggeredKey := "tally_completed:" + ev.ElectionID
	return c.incrementAndMaybeTrigger(ctx, progressKey, triggeredKey, ev.TotalChunks, func() error {
		return actions.CompleteTallyJob(ctx, ev.ElectionID)
	})
}

func (c *Coordinator) onPartialDecrypt(ctx context.Context, ev Event, actions Actions) error {
	progressKey := "partial_progress:" + ev.ElectionID + ":" + ev.GuardianID
	triggeredKey := "partial_triggered:" + ev.ElectionID + ":" + ev.GuardianID
	return c.incrementAndMaybeTrigger(ctx, progressKey, triggeredKey, ev.TotalChunks, func() error {
		return actions.TriggerCompensatedDecryption(ctx, ev.ElectionID, ev.GuardianID)
	})
}

func (c *Coordinator) onCompensatedDecrypt(ctx context.Context, ev Event, actions Actions) error {
	// g is the compensating (present) guardian doing the work, not the
	// absent guardian it compensates for.
	g := ev.SourceGuardianID
	progressKey := "compensated_progress:" + ev.ElectionID + ":" + g
	triggeredKey := "compensated_triggered:" + ev.ElectionID + ":" + g
	return c.incrementAndMaybeTrigger(ctx, progressKey, triggeredKey, ev.TotalChunks, func() error {
		return actions.ClearGuardianCredentials(ctx, ev.ElectionID, g)
	})
}

func (c *Coordinator) onCombine(ctx context.Context, ev Event, actions Actions) error {
	progressKey := "combine_progress:" + ev.ElectionID
	triggeredKey := "combine_completed:" + ev.ElectionID
	return c.incrementAndMaybeTrigger(ctx, progressKey, triggeredKey, ev.TotalChunks, func() error {
		return actions.CompleteCombineJob(ctx, ev.ElectionID)
	})
}

// incrementAndMaybeTrigger atomically increments progressKey; if the
// post-increment value reaches total, it attempts the once-only
// setIfAbsent on triggeredKey. Only the caller that wins the compare-
// and-set runs action, so concurrent workers finishing the last chunk
// simultaneously never double-trigger the follow-up effect.
func (c *Coordinator) incrementAndMaybeTrigger(ctx context.Context, progressKey, triggeredKey string, total int, action func() error) error {
	if total <= 0 {
		return fmt.Errorf("phase: total chunks must be positive, got %d", total)
	}

	count, err := c.kv.Increment(ctx, progressKey)
	if err != nil {
		return fmt.Errorf("phase: increment %s: %w", progressKey, err)
	}
	if count < int64(total) {
		return nil
	}

	won, err := c.kv.SetIfAbsent(ctx, triggeredKey, "1", TriggeredTTL)
	if err != nil {
		return fmt.Errorf("phase: setIfAbsent %s: %w", triggeredKey, err)
	}
	if !won {
		return nil
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"progress_key":  progressKey,
			"triggered_key": triggeredKey,
			"count":         count,
			"total":         total,
		}).Info("phase transition triggered")
	}

	return action()
}
