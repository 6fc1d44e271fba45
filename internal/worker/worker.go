// Package worker implements the per-queue consumer pool: lock acquisition,
// durable logging, CryptoService execution, result persistence, registry
// reporting, and phase coordination for one delivered chunk at a time.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/idgen"
	"github.com/kenneth/cto-orchestrator/internal/kvstore"
	"github.com/kenneth/cto-orchestrator/internal/metrics"
	"github.com/kenneth/cto-orchestrator/internal/phase"
	"github.com/kenneth/cto-orchestrator/internal/registry"
	"github.com/kenneth/cto-orchestrator/internal/scheduler"
	"github.com/kenneth/cto-orchestrator/internal/store"
)

// ReclaimPause is the per-chunk yield after releasing every reference to
// the completed chunk's data, giving the runtime a window to reclaim
// memory before the next delivery is read: resident set size should stay
// constant across an entire phase.
const ReclaimPause = 100 * time.Millisecond

// DefaultConcurrency is the per-queue consumer concurrency factor.
const DefaultConcurrency = 4

// PermanentError marks a Processor failure as non-retriable: contract
// violations and missing backups, as opposed to transient RPC failures.
// Wrapping a plain error in
// PermanentError routes it to MarkPermanentlyFailed instead of the
// registry's ordinary attempt-counted retry path.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Processor executes the domain-specific work for one task type's
// chunks: the CryptoService RPC and persistence of its result. The
// generic loop owns locking, durable logging, registry reporting, and
// phase coordination; Processor owns everything in between.
type Processor interface {
	TaskType() string
	Process(ctx context.Context, env scheduler.Envelope) error
}

// Consumer is the subset of *broker.Broker the pool needs.
type Consumer interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Pool runs one consumer goroutine group per queue.
type Pool struct {
	consumer  Consumer
	registry  *registry.TaskRegistry
	phase     *phase.Coordinator
	actions   phase.Actions
	workerLog store.WorkerLogStore
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	lock      *twoLayerLock

	concurrency int
	name        string
}

// Config configures a Pool.
type Config struct {
	Name        string // identifies this process in lock ownership, e.g. hostname
	Concurrency int    // per-queue consumer goroutines; 0 uses DefaultConcurrency
}

// New constructs a worker Pool.
func New(consumer Consumer, kv kvstore.Store, reg *registry.TaskRegistry, coordinator *phase.Coordinator, actions phase.Actions, workerLog store.WorkerLogStore, m *metrics.Metrics, logger *logrus.Logger, cfg Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	owner := idgen.LockOwner(cfg.Name)
	return &Pool{
		consumer:    consumer,
		registry:    reg,
		phase:       coordinator,
		actions:     actions,
		workerLog:   workerLog,
		metrics:     m,
		logger:      logger,
		lock:        newTwoLayerLock(kv, owner),
		concurrency: concurrency,
		name:        cfg.Name,
	}
}

// Run starts consuming queue with this Pool's concurrency factor,
// dispatching each delivery to processor. It blocks until ctx is
// cancelled or the delivery channel closes.
func (p *Pool) Run(ctx context.Context, queue string, processor Processor) error {
	deliveries, err := p.consumer.Consume(queue, p.name+"."+queue)
	if err != nil {
		return fmt.Errorf("worker: consume %s: %w", queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-deliveries:
					if !ok {
						return
					}
					p.handle(ctx, delivery, processor)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) handle(ctx context.Context, delivery amqp.Delivery, processor Processor) {
	// Every delivery is acknowledged exactly once, regardless of outcome:
	// there is no broker-level requeue, so an application failure must
	// never cause redelivery.
	defer func() { _ = delivery.Ack(false) }()

	var env scheduler.Envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Error("worker: malformed delivery body, dropping")
		}
		return
	}

	lockKey := lockKeyFor(env.TaskType, env.ElectionID, env.GuardianID, env.SourceGuardianID, env.TargetGuardianID, env.ChunkNumber)
	held, err := p.lock.acquire(ctx, lockKey)
	if err != nil {
		p.reportFailure(ctx, env, fmt.Errorf("lock acquisition: %w", err), false)
		return
	}
	if !held {
		// Coordination race: a duplicate delivery or a concurrent worker
		// already owns this chunk. Swallowed silently.
		return
	}
	defer func() {
		if err := p.lock.release(ctx, lockKey); err != nil && p.logger != nil {
			p.logger.WithError(err).WithField("lock_key", lockKey).Warn("worker: lock release failed, relying on TTL")
		}
	}()

	if _, err := p.registry.UpdateChunkState(env.ChunkID, registry.ChunkProcessing, ""); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("chunk_id", env.ChunkID).Warn("worker: mark processing failed")
	}

	var logID int64
	var logErr error
	if p.workerLog != nil {
		logID, logErr = p.workerLog.Start(ctx, workerLogKind(env.TaskType), env.ChunkID, env.ElectionID, env.GuardianID)
		if logErr != nil && p.logger != nil {
			p.logger.WithError(logErr).Warn("worker: start worker log failed")
		}
	}

	start := time.Now()
	procErr := processor.Process(ctx, env)
	duration := time.Since(start)

	if procErr == nil {
		p.reportSuccess(ctx, env, logID, duration)
	} else {
		p.reportFailure(ctx, env, procErr, true)
		if p.workerLog != nil && logErr == nil {
			if err := p.workerLog.Fail(ctx, logID, procErr.Error()); err != nil && p.logger != nil {
				p.logger.WithError(err).Warn("worker: update worker log to failed")
			}
		}
	}

	// Drop every reference to this chunk's payload before yielding so the
	// runtime can reclaim it; resident memory must not grow linearly with
	// the number of chunks processed.
	env = scheduler.Envelope{}
	runtime.Gosched()
	time.Sleep(ReclaimPause)
}

func (p *Pool) reportSuccess(ctx context.Context, env scheduler.Envelope, logID int64, duration time.Duration) {
	if p.workerLog != nil {
		if err := p.workerLog.Complete(ctx, logID); err != nil && p.logger != nil {
			p.logger.WithError(err).Warn("worker: update worker log to completed")
		}
	}
	if _, err := p.registry.UpdateChunkState(env.ChunkID, registry.ChunkCompleted, ""); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("chunk_id", env.ChunkID).Error("worker: mark chunk completed failed")
	}
	if p.metrics != nil {
		p.metrics.RecordChunkCompleted(ctx, env.TaskType, env.ElectionID, duration)
	}
	p.triggerPhase(ctx, env)
}

func (p *Pool) reportFailure(ctx context.Context, env scheduler.Envelope, procErr error, triggerPhaseOnPermanent bool) {
	permanent := IsPermanent(procErr)
	msg := procErr.Error()

	if permanent {
		if err := p.registry.MarkPermanentlyFailed(env.ChunkID, msg); err != nil && p.logger != nil {
			p.logger.WithError(err).WithField("chunk_id", env.ChunkID).Error("worker: mark permanently failed")
		}
	} else {
		becamePermanent, err := p.registry.UpdateChunkState(env.ChunkID, registry.ChunkFailed, msg)
		if err != nil && p.logger != nil {
			p.logger.WithError(err).WithField("chunk_id", env.ChunkID).Error("worker: mark chunk failed")
		}
		permanent = becamePermanent
		if p.metrics != nil && !permanent {
			p.metrics.RecordChunkRetryScheduled(env.TaskType)
		}
	}

	if p.metrics != nil {
		p.metrics.RecordChunkFailed(env.TaskType, env.ElectionID, permanent)
	}
	if p.logger != nil {
		p.logger.WithError(procErr).WithFields(logrus.Fields{
			"chunk_id":  env.ChunkID,
			"permanent": permanent,
		}).Warn("worker: chunk processing failed")
	}

	// A permanently-failed chunk still counts toward the job's chunk
	// total for phase-transition purposes: the election operator must
	// see the phase complete rather than have it hang forever waiting
	// for a chunk that will never succeed. The worker does not update the
	// JobRecord's processed or failed chunk counters.
	if permanent && triggerPhaseOnPermanent {
		p.triggerPhase(ctx, env)
	}
}

func (p *Pool) triggerPhase(ctx context.Context, env scheduler.Envelope) {
	if p.phase == nil || p.actions == nil {
		return
	}
	inst, err := p.registry.Instance(env.TaskInstanceID)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).WithField("task_instance_id", env.TaskInstanceID).Warn("worker: phase coordination skipped, instance not found")
		}
		return
	}
	ev := phase.Event{
		TaskType:         env.TaskType,
		ElectionID:       env.ElectionID,
		GuardianID:       env.GuardianID,
		SourceGuardianID: env.SourceGuardianID,
		TargetGuardianID: env.TargetGuardianID,
		TotalChunks:      len(inst.ChunkIDs),
	}
	if err := p.phase.OnChunkCompleted(ctx, ev, p.actions); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("task_instance_id", env.TaskInstanceID).Error("worker: phase coordination failed")
	}
}

func workerLogKind(taskType string) store.WorkerLogKind {
	switch taskType {
	case "TALLY":
		return store.WorkerLogTally
	case "PARTIAL_DECRYPT":
		return store.WorkerLogPartial
	case "COMPENSATED_DECRYPT":
		return store.WorkerLogCompensated
	case "COMBINE":
		return store.WorkerLogCombine
	default:
		return store.WorkerLogKind(taskType)
	}
}
