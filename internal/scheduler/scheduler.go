// Package scheduler implements the periodic fair-publication driver: a
// round-robin cursor over active task-instances, a hard in-flight cap
// per instance, and a per-tick
// publication budget.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/broker"
	"github.com/kenneth/cto-orchestrator/internal/metrics"
	"github.com/kenneth/cto-orchestrator/internal/registry"
)

const (
	// MaxQueuedChunksPerTask is the hard in-flight cap per task-instance.
	MaxQueuedChunksPerTask = 1

	// TargetChunksPerCycle bounds how many publications one tick attempts.
	TargetChunksPerCycle = 8

	// TickInterval is the default scheduling period.
	TickInterval = 100 * time.Millisecond

	// DiagInterval is the default diagnostics reporting period.
	DiagInterval = 10 * time.Second
)

// Publisher is the subset of *broker.Broker the scheduler needs; narrowed
// to an interface so tests can substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	QueueDepth(queue string) (int, error)
}

// Envelope is the wire message published onto a queue. Payload stays raw
// JSON through the broker so each task type's Processor can decode it
// into its own request struct without an intermediate map[string]any.
type Envelope struct {
	ChunkID          string          `json:"chunkId"`
	TaskInstanceID   string          `json:"taskInstanceId"`
	TaskType         string          `json:"taskType"`
	ElectionID       string          `json:"electionId"`
	GuardianID       string          `json:"guardianId,omitempty"`
	SourceGuardianID string          `json:"sourceGuardianId,omitempty"`
	TargetGuardianID string          `json:"targetGuardianId,omitempty"`
	ChunkNumber      int             `json:"chunkNumber"`
	Payload          json.RawMessage `json:"payload"`
}

// rawPayload normalises a chunk's stored payload to json.RawMessage: a
// payload that already is one passes through unchanged; any other value
// (the Register callers in this module store plain Go payload structs) is
// marshaled here.
func rawPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal payload: %w", err)
	}
	return json.RawMessage(b), nil
}

// Scheduler is the round-robin publication driver.
type Scheduler struct {
	registry *registry.TaskRegistry
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	tickInterval time.Duration
	diagInterval time.Duration
	budget       int

	mu     sync.Mutex
	cursor int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides TickInterval (tests only).
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithDiagInterval overrides DiagInterval (tests only).
func WithDiagInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.diagInterval = d }
}

// WithBudget overrides TargetChunksPerCycle.
func WithBudget(n int) Option {
	return func(s *Scheduler) { s.budget = n }
}

// New constructs a Scheduler.
func New(reg *registry.TaskRegistry, pub Publisher, m *metrics.Metrics, logger *logrus.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:     reg,
		pub:          pub,
		metrics:      m,
		logger:       logger,
		tickInterval: TickInterval,
		diagInterval: DiagInterval,
		budget:       TargetChunksPerCycle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the scheduler loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.tickInterval)
	defer tick.Stop()
	diag := time.NewTicker(s.diagInterval)
	defer diag.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Tick(ctx)
		case <-diag.C:
			s.reportDiagnostics(ctx)
		}
	}
}

// Tick runs one scheduling cycle: rotate the active instance list by the
// cursor, publish up to the per-tick budget, advance the cursor.
func (s *Scheduler) Tick(ctx context.Context) int {
	active := s.registry.ActiveInstances()
	if len(active) == 0 {
		return 0
	}

	s.mu.Lock()
	cursor := s.cursor % len(active)
	s.mu.Unlock()

	rotated := make([]registry.TaskInstance, len(active))
	for i := range active {
		rotated[i] = active[(cursor+i)%len(active)]
	}

	published := 0
	for _, inst := range rotated {
		if published >= s.budget {
			break
		}
		if s.registry.InFlightCount(inst.TaskInstanceID) >= MaxQueuedChunksPerTask {
			continue
		}
		chunkID, ok := s.registry.NextPublishable(inst.TaskInstanceID)
		if !ok {
			continue
		}
		if err := s.publish(ctx, inst, chunkID); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).WithField("chunk_id", chunkID).Warn("publication failed, chunk stays pending")
			}
			continue
		}
		published++
	}

	s.mu.Lock()
	s.cursor = (cursor + 1) % len(active)
	s.mu.Unlock()

	return published
}

func (s *Scheduler) publish(ctx context.Context, inst registry.TaskInstance, chunkID string) error {
	chunk, err := s.registry.Chunk(chunkID)
	if err != nil {
		return fmt.Errorf("scheduler: lookup chunk: %w", err)
	}

	routingKey, err := broker.RoutingKeyFor(string(inst.TaskType))
	if err != nil {
		return fmt.Errorf("scheduler: routing key: %w", err)
	}

	payload, err := rawPayload(chunk.Payload)
	if err != nil {
		return err
	}
	env := Envelope{
		ChunkID:          chunk.ChunkID,
		TaskInstanceID:   inst.TaskInstanceID,
		TaskType:         string(inst.TaskType),
		ElectionID:       inst.ElectionID,
		GuardianID:       inst.GuardianID,
		SourceGuardianID: inst.SourceGuardianID,
		TargetGuardianID: inst.TargetGuardianID,
		ChunkNumber:      chunk.ChunkNumber,
		Payload:          payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("scheduler: marshal envelope: %w", err)
	}

	// Publication failure must not advance chunk state: do
	// not transition to QUEUED until Publish has returned successfully.
	if err := s.pub.Publish(ctx, routingKey, body); err != nil {
		return fmt.Errorf("scheduler: publish: %w", err)
	}

	if _, err := s.registry.UpdateChunkState(chunkID, registry.ChunkQueued, ""); err != nil {
		return fmt.Errorf("scheduler: mark queued: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordChunkPublished(string(inst.TaskType), inst.ElectionID)
	}
	return nil
}

func (s *Scheduler) reportDiagnostics(_ context.Context) {
	active := s.registry.ActiveInstances()
	if s.logger != nil {
		s.logger.WithField("active_instances", len(active)).Info("scheduler diagnostics")
	}
	if s.metrics == nil {
		return
	}
	for _, q := range broker.Queues {
		if depth, err := s.pub.QueueDepth(q); err == nil {
			s.metrics.SetQueueDepth(q, depth)
		}
	}
	s.metrics.SetActiveInstances(len(active))
}
