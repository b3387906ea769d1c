// Package telemetry buffers integrity events, mirrors them to durable
// local storage, and delivers them to the backend in ordered batches
// with retry on failure. Delivery is at-least-once, never exactly-once.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/proctorly/quiz-agent/internal/model"
)

const (
	// DefaultBatchSize is the flush threshold: reaching it triggers an
	// immediate delivery carrying at most this many events.
	DefaultBatchSize = 10
	// DefaultFlushInterval is the periodic delivery timer.
	DefaultFlushInterval = 2 * time.Second

	// teardownTimeout bounds the final flush when the queue closes.
	teardownTimeout = 5 * time.Second
)

// Sender delivers event batches. Implemented by the api client.
type Sender interface {
	LogEvents(ctx context.Context, attemptID string, events []model.IntegrityEvent) (int, error)
	LogEventsUnload(attemptID string, events []model.IntegrityEvent)
}

// Mirror is the durable local copy of the unflushed queue.
// Implemented by store.MirrorStore.
type Mirror interface {
	Save(attemptID string, events []model.IntegrityEvent) error
	Load(attemptID string) ([]model.IntegrityEvent, error)
	Delete(attemptID string) error
}

// Queue is the per-attempt telemetry buffer. It is owned by exactly
// one session controller; a restart abandons it and creates a fresh
// queue for the replacement attempt.
type Queue struct {
	attemptID string
	sender    Sender
	mirror    Mirror
	log       zerolog.Logger

	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []model.IntegrityEvent
	seq     int64

	// flushMu serializes deliveries so a failed batch is always
	// requeued before the next batch is swapped out.
	flushMu sync.Mutex

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// Option tweaks queue construction.
type Option func(*Queue)

// WithBatchSize overrides the flush threshold.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithFlushInterval overrides the periodic delivery timer.
func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.flushInterval = d
		}
	}
}

// New creates a queue for one attempt, recovering any mirrored events
// a previous process left unflushed for the same attempt id.
func New(attemptID string, sender Sender, mirror Mirror, log zerolog.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		attemptID:     attemptID,
		sender:        sender,
		mirror:        mirror,
		log:           log.With().Str("component", "telemetry_queue").Str("attempt_id", attemptID).Logger(),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	recovered, err := mirror.Load(attemptID)
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		q.pending = recovered
		q.seq = recovered[len(recovered)-1].Seq
		q.log.Info().Int("count", len(recovered)).Msg("Recovered unflushed events from mirror")
	}

	return q, nil
}

// Enqueue appends an event and synchronously rewrites the mirror. The
// event is stamped with a uuid idempotency key and the next per-attempt
// sequence number.
func (q *Queue) Enqueue(evType model.EventType, payload map[string]any) {
	q.mu.Lock()
	q.seq++
	ev := model.IntegrityEvent{
		EventID:   uuid.New().String(),
		Seq:       q.seq,
		EventType: evType,
		EventAt:   time.Now().UTC(),
		Payload:   payload,
	}
	q.pending = append(q.pending, ev)
	q.writeMirrorLocked()
	full := len(q.pending) >= q.batchSize
	q.mu.Unlock()

	if full {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

// Flush swaps out the current batch (at most batchSize events) and
// attempts delivery. On failure the batch is prepended back onto the
// live queue in original order, ahead of anything enqueued during the
// in-flight call, and the mirror is rewritten. After any flush the
// mirror exactly equals the in-memory queue.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	n := len(q.pending)
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := q.pending[:n:n]
	q.pending = q.pending[n:]
	q.mu.Unlock()

	accepted, err := q.sender.LogEvents(ctx, q.attemptID, batch)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		// Re-queue ahead of newer events, preserving original order.
		q.pending = append(batch, q.pending...)
		q.writeMirrorLocked()
		q.log.Warn().Err(err).Int("count", len(batch)).Msg("Flush failed, batch requeued")
		return err
	}

	if len(q.pending) == 0 {
		if derr := q.mirror.Delete(q.attemptID); derr != nil {
			q.log.Error().Err(derr).Msg("Mirror delete failed")
		}
	} else {
		q.writeMirrorLocked()
	}

	q.log.Debug().Int("sent", len(batch)).Int("accepted", accepted).Msg("Flushed events")
	return nil
}

// Drain flushes repeatedly until the queue is empty or a delivery
// fails. Used where delivery must be awaited (submit, teardown).
func (q *Queue) Drain(ctx context.Context) error {
	for {
		if q.Len() == 0 {
			return nil
		}
		if err := q.Flush(ctx); err != nil {
			return err
		}
	}
}

// FlushUnload is the page-unload path: a non-blocking best-effort
// delivery of everything pending. It confirms nothing, so neither the
// in-memory queue nor the mirror is cleared; a reload shortly after
// may observe (and redeliver) the same events.
func (q *Queue) FlushUnload() {
	q.mu.Lock()
	snapshot := make([]model.IntegrityEvent, len(q.pending))
	copy(snapshot, q.pending)
	q.mu.Unlock()

	q.sender.LogEventsUnload(q.attemptID, snapshot)
}

// Start runs the delivery loop: periodic timer plus batch-size kicks.
// It returns when ctx is cancelled, after a final teardown flush.
// Call in a goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	defer q.wg.Done()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.teardown()
			return
		case <-q.done:
			q.teardown()
			return
		case <-ticker.C:
			_ = q.Flush(ctx)
		case <-q.kick:
			_ = q.Flush(ctx)
		}
	}
}

// Close stops the delivery loop and waits for the teardown flush.
// Safe to call once; events enqueued after Close are only mirrored.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.wg.Wait()
}

// teardown drains what it can before the loop exits.
func (q *Queue) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := q.Drain(ctx); err != nil {
		// Events stay mirrored for the next process.
		q.log.Warn().Err(err).Int("remaining", q.Len()).Msg("Teardown flush incomplete")
	}
}

// Len returns the number of unflushed events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the unflushed events in order.
func (q *Queue) Pending() []model.IntegrityEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.IntegrityEvent, len(q.pending))
	copy(out, q.pending)
	return out
}

// AttemptID returns the attempt this queue belongs to.
func (q *Queue) AttemptID() string { return q.attemptID }

func (q *Queue) writeMirrorLocked() {
	if err := q.mirror.Save(q.attemptID, q.pending); err != nil {
		q.log.Error().Err(err).Msg("Mirror write failed")
	}
}
