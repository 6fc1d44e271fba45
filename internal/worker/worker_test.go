package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cto-orchestrator/internal/kvstore"
	"github.com/kenneth/cto-orchestrator/internal/phase"
	"github.com/kenneth/cto-orchestrator/internal/registry"
	"github.com/kenneth/cto-orchestrator/internal/scheduler"
)

type fakeConsumer struct {
	deliveries chan amqp.Delivery
}

func (f *fakeConsumer) Consume(string, string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func newDelivery(t *testing.T, env scheduler.Envelope) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

type countingProcessor struct {
	taskType string
	mu       sync.Mutex
	calls    int
	err      error
}

func (p *countingProcessor) TaskType() string { return p.taskType }

func (p *countingProcessor) Process(context.Context, scheduler.Envelope) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.err
}

func (p *countingProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testKV(t *testing.T) kvstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kvstore.NewFromClient(client)
}

type fakeActions struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeActions) CompleteTallyJob(_ context.Context, electionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, electionID)
	return nil
}
func (f *fakeActions) TriggerCompensatedDecryption(context.Context, string, string) error { return nil }
func (f *fakeActions) ClearGuardianCredentials(context.Context, string, string) error     { return nil }
func (f *fakeActions) CompleteCombineJob(context.Context, string) error                  { return nil }

func TestHandle_SuccessMarksChunkCompleted(t *testing.T) {
	reg := registry.New(testLogger())
	id, err := reg.Register(registry.TaskTally, "e1", "", "", "", []any{"payload"})
	require.NoError(t, err)
	chunkID := firstChunkID(t, reg, id)

	deliveries := make(chan amqp.Delivery, 1)
	consumer := &fakeConsumer{deliveries: deliveries}
	kv := testKV(t)
	coordinator := phase.New(kv, testLogger())
	pool := New(consumer, kv, reg, coordinator, &fakeActions{}, nil, nil, testLogger(), Config{Name: "w1", Concurrency: 1})

	proc := &countingProcessor{taskType: "TALLY"}
	deliveries <- newDelivery(t, scheduler.Envelope{ChunkID: chunkID, TaskInstanceID: id, TaskType: "TALLY", ElectionID: "e1", ChunkNumber: 1})
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx, "tally.creation", proc))

	assert.Equal(t, 1, proc.callCount())
	chunk, err := reg.Chunk(chunkID)
	require.NoError(t, err)
	assert.Equal(t, registry.ChunkCompleted, chunk.State)
}

func TestHandle_DuplicateDeliverySkipsSecondProcess(t *testing.T) {
	reg := registry.New(testLogger())
	id, err := reg.Register(registry.TaskTally, "e1", "", "", "", []any{"payload"})
	require.NoError(t, err)
	chunkID := firstChunkID(t, reg, id)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	kv := kvstore.NewFromClient(client)
	coordinator := phase.New(kv, testLogger())

	env := scheduler.Envelope{ChunkID: chunkID, TaskInstanceID: id, TaskType: "TALLY", ElectionID: "e1", ChunkNumber: 1}

	// Simulate the key-value lock already held by a concurrent delivery.
	won, err := kv.SetIfAbsent(context.Background(), lockKeyFor("TALLY", "e1", "", "", "", 1), "other-owner", LockTTL)
	require.NoError(t, err)
	require.True(t, won)

	deliveries := make(chan amqp.Delivery, 1)
	consumer := &fakeConsumer{deliveries: deliveries}
	pool := New(consumer, kv, reg, coordinator, &fakeActions{}, nil, nil, testLogger(), Config{Name: "w1", Concurrency: 1})

	proc := &countingProcessor{taskType: "TALLY"}
	deliveries <- newDelivery(t, env)
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx, "tally.creation", proc))

	assert.Equal(t, 0, proc.callCount())
}

func TestHandle_PermanentErrorBypassesRetry(t *testing.T) {
	reg := registry.New(testLogger())
	id, err := reg.Register(registry.TaskTally, "e1", "", "", "", []any{"payload"})
	require.NoError(t, err)
	chunkID := firstChunkID(t, reg, id)

	deliveries := make(chan amqp.Delivery, 1)
	consumer := &fakeConsumer{deliveries: deliveries}
	kv := testKV(t)
	coordinator := phase.New(kv, testLogger())
	pool := New(consumer, kv, reg, coordinator, &fakeActions{}, nil, nil, testLogger(), Config{Name: "w1", Concurrency: 1})

	proc := &countingProcessor{taskType: "TALLY", err: &PermanentError{Err: errors.New("missing required field")}}
	deliveries <- newDelivery(t, scheduler.Envelope{ChunkID: chunkID, TaskInstanceID: id, TaskType: "TALLY", ElectionID: "e1", ChunkNumber: 1})
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx, "tally.creation", proc))

	chunk, err := reg.Chunk(chunkID)
	require.NoError(t, err)
	assert.Equal(t, registry.ChunkFailed, chunk.State)
	assert.True(t, chunk.Permanent)
	assert.Equal(t, 0, chunk.Attempts, "permanent failures bypass the attempt-counted retry path")
}

func TestHandle_TransientErrorGoesThroughRegistryRetry(t *testing.T) {
	reg := registry.New(testLogger())
	id, err := reg.Register(registry.TaskTally, "e1", "", "", "", []any{"payload"})
	require.NoError(t, err)
	chunkID := firstChunkID(t, reg, id)

	deliveries := make(chan amqp.Delivery, 1)
	consumer := &fakeConsumer{deliveries: deliveries}
	kv := testKV(t)
	coordinator := phase.New(kv, testLogger())
	pool := New(consumer, kv, reg, coordinator, &fakeActions{}, nil, nil, testLogger(), Config{Name: "w1", Concurrency: 1})

	proc := &countingProcessor{taskType: "TALLY", err: errors.New("timeout calling crypto service")}
	deliveries <- newDelivery(t, scheduler.Envelope{ChunkID: chunkID, TaskInstanceID: id, TaskType: "TALLY", ElectionID: "e1", ChunkNumber: 1})
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx, "tally.creation", proc))

	chunk, err := reg.Chunk(chunkID)
	require.NoError(t, err)
	assert.Equal(t, registry.ChunkPending, chunk.State, "retriable failures return to PENDING gated by RetryAfter")
	assert.Equal(t, 1, chunk.Attempts)
}

func TestHandle_SuccessTriggersPhaseCompletion(t *testing.T) {
	reg := registry.New(testLogger())
	id, err := reg.Register(registry.TaskTally, "e1", "", "", "", []any{"payload"})
	require.NoError(t, err)
	chunkID := firstChunkID(t, reg, id)

	deliveries := make(chan amqp.Delivery, 1)
	consumer := &fakeConsumer{deliveries: deliveries}
	kv := testKV(t)
	coordinator := phase.New(kv, testLogger())
	actions := &fakeActions{}
	pool := New(consumer, kv, reg, coordinator, actions, nil, nil, testLogger(), Config{Name: "w1", Concurrency: 1})

	proc := &countingProcessor{taskType: "TALLY"}
	deliveries <- newDelivery(t, scheduler.Envelope{ChunkID: chunkID, TaskInstanceID: id, TaskType: "TALLY", ElectionID: "e1", ChunkNumber: 1})
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx, "tally.creation", proc))

	assert.Equal(t, []string{"e1"}, actions.completed)
}

func TestWithCompensatedRetry_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	inner := processorFunc{taskType: "COMPENSATED_DECRYPT", fn: func(context.Context, scheduler.Envelope) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	}}
	wrapped := WithCompensatedRetry(inner)
	err := wrapped.Process(context.Background(), scheduler.Envelope{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestWithCompensatedRetry_PermanentErrorStopsImmediately(t *testing.T) {
	var attempts int32
	inner := processorFunc{taskType: "COMPENSATED_DECRYPT", fn: func(context.Context, scheduler.Envelope) error {
		atomic.AddInt32(&attempts, 1)
		return &PermanentError{Err: errors.New("missing backup")}
	}}
	wrapped := WithCompensatedRetry(inner)
	err := wrapped.Process(context.Background(), scheduler.Envelope{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestWithCompensatedRetry_ExhaustsAfterThreeAttempts(t *testing.T) {
	var attempts int32
	inner := processorFunc{taskType: "COMPENSATED_DECRYPT", fn: func(context.Context, scheduler.Envelope) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("transient")
	}}
	wrapped := WithCompensatedRetry(inner)
	err := wrapped.Process(context.Background(), scheduler.Envelope{})
	require.Error(t, err)
	assert.Equal(t, int32(CompensatedRetryAttempts), atomic.LoadInt32(&attempts))
}

type processorFunc struct {
	taskType string
	fn       func(context.Context, scheduler.Envelope) error
}

func (p processorFunc) TaskType() string { return p.taskType }
func (p processorFunc) Process(ctx context.Context, env scheduler.Envelope) error {
	return p.fn(ctx, env)
}

func firstChunkID(t *testing.T, reg *registry.TaskRegistry, taskInstanceID string) string {
	t.Helper()
	inst, err := reg.Instance(taskInstanceID)
	require.NoError(t, err)
	require.NotEmpty(t, inst.ChunkIDs)
	return inst.ChunkIDs[0]
}
