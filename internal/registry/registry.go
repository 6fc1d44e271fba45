// Package registry implements the TaskRegistry: the process-local
// authority over active task-instances and their chunks. It
// is the single writer of chunk and task-instance state; callers synchronise
// through per-task-instance locks rather than one global mutex, so that a
// slow caller on one election never blocks progress on another.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/clock"
	"github.com/kenneth/cto-orchestrator/internal/idgen"
)

// ErrDuplicateTask is returned by Register when an active task-instance
// already exists for a tuple that invariant 2 (at most one active partial-
// decryption task-instance per (electionId, guardianId)) forbids duplicating.
var ErrDuplicateTask = errors.New("registry: duplicate active task instance")

// ErrUnknownChunk is returned when a chunk id is not tracked by the registry.
var ErrUnknownChunk = errors.New("registry: unknown chunk id")

// ErrUnknownInstance is returned when a task-instance id is not tracked.
var ErrUnknownInstance = errors.New("registry: unknown task instance")

type instanceEntry struct {
	mu       sync.Mutex // guards instance + chunks for this task-instance only
	instance TaskInstance
	chunks   map[string]*Chunk // chunkID -> chunk
	byNumber []string          // chunkNumber-1 -> chunkID, dense
}

// TaskRegistry is the in-memory authority over task-instance state.
type TaskRegistry struct {
	logger *logrus.Logger
	clock  clock.Clock

	mu        sync.RWMutex // guards the outer maps only, never chunk/instance fields
	instances map[string]*instanceEntry
	// byActiveKey indexes active PARTIAL_DECRYPT instances by (electionId,
	// guardianId) to enforce invariant 2 in O(1).
	byActiveKey map[string]string // key -> taskInstanceId
}

// Option configures a TaskRegistry.
type Option func(*TaskRegistry)

// WithClock overrides the registry's time source (tests only).
func WithClock(c clock.Clock) Option {
	return func(r *TaskRegistry) { r.clock = c }
}

// New constructs an empty TaskRegistry.
func New(logger *logrus.Logger, opts ...Option) *TaskRegistry {
	r := &TaskRegistry{
		logger:      logger,
		clock:       clock.System,
		instances:   make(map[string]*instanceEntry),
		byActiveKey: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func activeKey(taskType TaskType, electionID, guardianID string) string {
	return string(taskType) + "|" + electionID + "|" + guardianID
}

// Register synthesises a taskInstanceId, creates PENDING chunk entries for
// each payload, and returns the id. It fails with ErrDuplicateTask if an
// active partial-decryption instance already exists for (electionId,
// guardianId), per invariant 2.
func (r *TaskRegistry) Register(taskType TaskType, electionID, guardianID, sourceGuardianID, targetGuardianID string, payloads []any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if taskType == TaskPartialDecrypt {
		key := activeKey(taskType, electionID, guardianID)
		if existing, ok := r.byActiveKey[key]; ok {
			if entry, ok := r.instances[existing]; ok && !r.isDoneLocked(entry) {
				return "", fmt.Errorf("%w: %s already active for election=%s guardian=%s", ErrDuplicateTask, existing, electionID, guardianID)
			}
			delete(r.byActiveKey, key)
		}
	}

	taskInstanceID := idgen.TaskInstanceID(idgen.TaskType(taskType), electionID, guardianID, sourceGuardianID, targetGuardianID, r.clock.Now().UnixNano())

	entry := &instanceEntry{
		instance: TaskInstance{
			TaskInstanceID:   taskInstanceID,
			TaskType:         taskType,
			ElectionID:       electionID,
			GuardianID:       guardianID,
			SourceGuardianID: sourceGuardianID,
			TargetGuardianID: targetGuardianID,
			CreatedAt:        r.clock.Now(),
		},
		chunks:   make(map[string]*Chunk, len(payloads)),
		byNumber: make([]string, len(payloads)),
	}

	now := r.clock.Now()
	for i, payload := range payloads {
		chunkID := idgen.ChunkID()
		entry.chunks[chunkID] = &Chunk{
			ChunkID:        chunkID,
			TaskInstanceID: taskInstanceID,
			ChunkNumber:    i + 1,
			Payload:        payload,
			State:          ChunkPending,
			CreatedAt:      now,
		}
		entry.byNumber[i] = chunkID
		entry.instance.ChunkIDs = append(entry.instance.ChunkIDs, chunkID)
	}

	r.instances[taskInstanceID] = entry
	if taskType == TaskPartialDecrypt {
		r.byActiveKey[activeKey(taskType, electionID, guardianID)] = taskInstanceID
	}

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"task_instance_id": taskInstanceID,
			"task_type":        taskType,
			"election_id":      electionID,
			"chunk_count":      len(payloads),
		}).Info("registered task instance")
	}

	return taskInstanceID, nil
}

// UpdateChunkState applies the monotonic chunk-state transition. On
// transition to FAILED, it applies the retry policy: if
// attempts remain, the chunk is flipped back to PENDING gated by
// RetryAfter; otherwise it is marked Permanent (PERMANENTLY_FAILED).
//
// It returns whether the failure was permanent (true only when a FAILED
// transition exhausted the retry budget) and an error for an unknown
// chunk or an invalid target state; the chunk's resulting state is read
// through Chunk.
func (r *TaskRegistry) UpdateChunkState(chunkID string, newState ChunkState, errMsg string) (permanent bool, err error) {
	entry, chunk, err := r.lookupChunk(chunkID)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := r.clock.Now()
	switch newState {
	case ChunkQueued:
		chunk.State = ChunkQueued
		chunk.QueuedAt = now
	case ChunkProcessing:
		chunk.State = ChunkProcessing
		chunk.ProcessingStartedAt = now
	case ChunkCompleted:
		chunk.State = ChunkCompleted
		chunk.CompletedAt = now
		chunk.LastError = ""
	case ChunkFailed:
		chunk.Attempts++
		chunk.LastError = errMsg
		chunk.CompletedAt = now
		if chunk.Attempts < MaxRetryAttempts {
			chunk.State = ChunkPending
			chunk.RetryAfter = now.Add(retryDelay(chunk.Attempts))
			chunk.Permanent = false
		} else {
			chunk.State = ChunkFailed
			chunk.Permanent = true
			permanent = true
		}
	default:
		return false, fmt.Errorf("registry: invalid target state %q", newState)
	}

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"chunk_id":         chunkID,
			"task_instance_id": chunk.TaskInstanceID,
			"state":            chunk.State,
			"attempts":         chunk.Attempts,
			"permanent":        chunk.Permanent,
		}).Debug("chunk state transition")
	}

	return permanent, nil
}

// MarkPermanentlyFailed immediately marks a chunk PERMANENTLY_FAILED,
// bypassing the retry budget. Use this for contract violations and other
// errors classified as non-retriable -- a missing required
// field or an unrecoverable missing-backup error should never consume
// one of the chunk's ordinary retry attempts, since retrying them can
// never succeed.
func (r *TaskRegistry) MarkPermanentlyFailed(chunkID string, errMsg string) error {
	entry, chunk, err := r.lookupChunk(chunkID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	chunk.State = ChunkFailed
	chunk.Permanent = true
	chunk.LastError = errMsg
	chunk.CompletedAt = r.clock.Now()

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"chunk_id":         chunkID,
			"task_instance_id": chunk.TaskInstanceID,
			"error":            errMsg,
		}).Warn("chunk permanently failed (contract violation)")
	}
	return nil
}

// NextPublishable returns the next chunk eligible for publication for the
// given instance, respecting MaxQueuedChunksPerTask (enforced by the
// scheduler, which is the only caller that also tracks in-flight count);
// this method only considers chunk-local eligibility: PENDING and past its
// RetryAfter gate.
func (r *TaskRegistry) NextPublishable(taskInstanceID string) (chunkID string, ok bool) {
	entry, err := r.lookupInstance(taskInstanceID)
	if err != nil {
		return "", false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := r.clock.Now()
	for _, id := range entry.byNumber {
		chunk := entry.chunks[id]
		if chunk.State == ChunkPending && !chunk.RetryAfter.After(now) {
			return chunk.ChunkID, true
		}
	}
	return "", false
}

// InFlightCount returns the number of chunks in QUEUED or PROCESSING for
// the given instance -- the value the scheduler compares against
// MaxQueuedChunksPerTask.
func (r *TaskRegistry) InFlightCount(taskInstanceID string) int {
	entry, err := r.lookupInstance(taskInstanceID)
	if err != nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	n := 0
	for _, id := range entry.byNumber {
		switch entry.chunks[id].State {
		case ChunkQueued, ChunkProcessing:
			n++
		}
	}
	return n
}

// ActiveInstances returns a snapshot of every task-instance with at least
// one non-terminal chunk, ordered by CreatedAt (the order the scheduler
// rotates over). Instances with equal CreatedAt come back in no defined
// order.
func (r *TaskRegistry) ActiveInstances() []TaskInstance {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	// Stable order: registration order isn't tracked separately from the
	// map, so callers needing strict FIFO should keep their own list; here
	// we sort by CreatedAt so repeated calls are at least consistent.
	out := make([]TaskInstance, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		entry, ok := r.instances[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if r.isDoneLocked(entry) {
			continue
		}
		entry.mu.Lock()
		inst := entry.instance
		entry.mu.Unlock()
		out = append(out, inst)
	}
	sortByCreatedAt(out)
	return out
}

// Progress returns the chunk-state summary for a task-instance.
func (r *TaskRegistry) Progress(taskInstanceID string) (Progress, error) {
	entry, err := r.lookupInstance(taskInstanceID)
	if err != nil {
		return Progress{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var p Progress
	p.Total = len(entry.byNumber)
	for _, id := range entry.byNumber {
		switch c := entry.chunks[id]; c.State {
		case ChunkCompleted:
			p.Completed++
		case ChunkFailed:
			if c.Permanent {
				p.Failed++
			} else {
				p.Pending++
			}
		case ChunkPending:
			p.Pending++
		case ChunkQueued:
			p.Queued++
		case ChunkProcessing:
			p.Processing++
		}
	}
	return p, nil
}

// Chunk returns a copy of a tracked chunk's current state.
func (r *TaskRegistry) Chunk(chunkID string) (Chunk, error) {
	entry, chunk, err := r.lookupChunk(chunkID)
	if err != nil {
		return Chunk{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return *chunk, nil
}

// Instance returns a copy of a tracked task-instance.
func (r *TaskRegistry) Instance(taskInstanceID string) (TaskInstance, error) {
	entry, err := r.lookupInstance(taskInstanceID)
	if err != nil {
		return TaskInstance{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.instance, nil
}

// Forget removes a task-instance once every chunk is terminal and no
// observer needs its status any longer. Callers are responsible for
// deciding "no observer needs it" -- typically
// once the durable JobRecord has reached a terminal status.
func (r *TaskRegistry) Forget(taskInstanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.instances[taskInstanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, taskInstanceID)
	}
	if !r.isDoneLocked(entry) {
		return fmt.Errorf("registry: cannot forget active instance %s", taskInstanceID)
	}
	delete(r.instances, taskInstanceID)
	for key, id := range r.byActiveKey {
		if id == taskInstanceID {
			delete(r.byActiveKey, key)
		}
	}
	return nil
}

func (r *TaskRegistry) isDoneLocked(entry *instanceEntry) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, id := range entry.byNumber {
		c := entry.chunks[id]
		if !c.State.Terminal(c.Permanent) {
			return false
		}
	}
	return true
}

func (r *TaskRegistry) lookupInstance(taskInstanceID string) (*instanceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[taskInstanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, taskInstanceID)
	}
	return entry, nil
}

func (r *TaskRegistry) lookupChunk(chunkID string) (*instanceEntry, *Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.instances {
		entry.mu.Lock()
		if c, ok := entry.chunks[chunkID]; ok {
			entry.mu.Unlock()
			return entry, c, nil
		}
		entry.mu.Unlock()
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
}

func sortByCreatedAt(instances []TaskInstance) {
	// Small-N insertion sort: task-instance counts per process are bounded
	// by active elections x guardians, never large enough to warrant
	// sort.Slice's overhead mattering. The sort is stable, but its input
	// comes from map iteration, so instances with equal timestamps keep
	// that arbitrary order rather than registration order.
	for i := 1; i < len(instances); i++ {
		for j := i; j > 0 && instances[j].CreatedAt.Before(instances[j-1].CreatedAt); j-- {
			instances[j], instances[j-1] = instances[j-1], instances[j]
		}
	}
}
