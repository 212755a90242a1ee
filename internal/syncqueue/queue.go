package syncqueue

import (
	"context"
	"sync"
	"time"

	"geotrack/internal/event"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

type settleMode int

const (
	// settleNext moves on to the next batch.
	settleNext settleMode = iota
	// settleRetry arms the backoff timer for the head batch.
	settleRetry
	// settleHold leaves the head batch until the next explicit Drain.
	settleHold
)

// ExhaustPolicy decides what happens to a batch that used up its attempts.
type ExhaustPolicy string

const (
	ExhaustDiscard    ExhaustPolicy = "discard"
	ExhaustDeadLetter ExhaustPolicy = "dead_letter"
)

type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ExhaustPolicy  ExhaustPolicy
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:      time.Second,
		MaxDelay:       8 * time.Second,
		MaxAttempts:    10,
		ExhaustPolicy:  ExhaustDeadLetter,
		RequestTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ExhaustPolicy != ExhaustDiscard {
		c.ExhaustPolicy = ExhaustDeadLetter
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Observer is told about delivery outcomes. Calls are made from the delivery
// goroutine, one at a time and in batch order, and must not block for long.
type Observer interface {
	BatchDelivered(batch Batch, ack Ack)
	// BatchDropped reports a batch removed after exhausting its attempts.
	BatchDropped(batch Batch, err error)
	// DeliveryFailed reports a failed attempt that left the batch queued.
	DeliveryFailed(batch Batch, err error)
}

type nopObserver struct{}

func (nopObserver) BatchDelivered(Batch, Ack)   {}
func (nopObserver) BatchDropped(Batch, error)   {}
func (nopObserver) DeliveryFailed(Batch, error) {}

// Queue is the write-through outbox. The in-memory list mirrors the store
// and is the source of truth while the process runs.
type Queue struct {
	store   Store
	sender  Sender
	cfg     Config
	clock   quartz.Clock
	logger  slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	pending   []Batch
	highWater uint64
	observer  Observer
	backoff  *backoff.ExponentialBackOff
	retry    *quartz.Timer
	inFlight bool
	halted   bool
	closed   bool
	wg       sync.WaitGroup
}

// New loads the pending batches from store. Nothing is sent until Drain.
func New(ctx context.Context, store Store, sender Sender, cfg Config, clock quartz.Clock, logger slog.Logger, metrics *Metrics) (*Queue, error) {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = quartz.NewReal()
	}
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		return nil, xerrors.Errorf("load pending batches: %w", err)
	}
	highWater, err := store.HighWater(ctx)
	if err != nil {
		return nil, xerrors.Errorf("load sequence high water: %w", err)
	}
	dead, err := store.DeadLetters(ctx)
	if err != nil {
		return nil, xerrors.Errorf("load dead letters: %w", err)
	}
	for _, dl := range dead {
		highWater = max(highWater, dl.Batch.maxSequence())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	q := &Queue{
		store:    store,
		sender:   sender,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("syncqueue"),
		metrics:  metrics,
		pending:   pending,
		highWater: highWater,
		observer:  nopObserver{},
		backoff:   bo,
	}
	q.metrics.pending.Set(float64(len(pending)))
	if len(pending) > 0 {
		q.logger.Info(ctx, "restored pending batches", slog.F("count", len(pending)))
	}
	return q, nil
}

func (q *Queue) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	q.mu.Lock()
	q.observer = o
	q.mu.Unlock()
}

// Enqueue durably appends batch and returns the stored copy. It never sends.
func (q *Queue) Enqueue(ctx context.Context, batch Batch) (Batch, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Batch{}, ErrClosed
	}

	batch = batch.clone()
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	batch.EnqueuedAt = q.clock.Now("syncqueue", "enqueue")
	batch.Attempts = 0
	if err := q.store.Append(ctx, batch); err != nil {
		return Batch{}, xerrors.Errorf("append batch: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, batch)
	q.highWater = max(q.highWater, batch.maxSequence())
	q.metrics.pending.Set(float64(len(q.pending)))
	q.mu.Unlock()

	q.logger.Debug(ctx, "batch enqueued",
		slog.F("batch_id", batch.ID), slog.F("events", len(batch.Events)))
	return batch.clone(), nil
}

// Drain starts delivering the oldest batch. It returns immediately and does
// nothing while a delivery is in flight, a retry is scheduled, or the queue
// is halted.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drainLocked()
}

func (q *Queue) drainLocked() {
	if q.closed || q.inFlight || q.retry != nil || q.halted || len(q.pending) == 0 {
		return
	}
	q.pending[0].Attempts++
	batch := q.pending[0].clone()
	q.inFlight = true
	q.wg.Add(1)
	go q.deliver(batch)
}

func (q *Queue) deliver(batch Batch) {
	defer q.wg.Done()
	ctx := context.Background()
	logger := q.logger.With(slog.F("batch_id", batch.ID), slog.F("attempt", batch.Attempts))

	if err := q.store.SetAttempts(ctx, batch.ID, batch.Attempts); err != nil {
		logger.Warn(ctx, "failed to persist attempt count", slog.Error(err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
	ack, err := q.sender.Send(sendCtx, batch)
	cancel()

	switch {
	case err == nil:
		q.delivered(ctx, logger, batch, ack)
	case xerrors.Is(err, ErrUnauthorized):
		q.unauthorized(ctx, logger, batch, err)
	default:
		q.failed(ctx, logger, batch, err)
	}
}

func (q *Queue) delivered(ctx context.Context, logger slog.Logger, batch Batch, ack Ack) {
	if err := q.store.Remove(ctx, batch.ID); err != nil {
		logger.Error(ctx, "failed to remove delivered batch", slog.Error(err))
	}
	q.metrics.attempts.WithLabelValues(outcomeDelivered).Inc()
	logger.Debug(ctx, "batch delivered")

	q.mu.Lock()
	q.removeLocked(batch.ID)
	q.backoff.Reset()
	observer := q.observer
	q.mu.Unlock()

	observer.BatchDelivered(batch, ack)
	q.settle(settleNext)
}

func (q *Queue) unauthorized(ctx context.Context, logger slog.Logger, batch Batch, err error) {
	q.metrics.attempts.WithLabelValues(outcomeUnauthorized).Inc()
	logger.Error(ctx, "backend rejected credentials, halting sync", slog.Error(err))

	q.mu.Lock()
	q.halted = true
	observer := q.observer
	q.mu.Unlock()

	observer.DeliveryFailed(batch, err)
	q.settle(settleNext)
}

func (q *Queue) failed(ctx context.Context, logger slog.Logger, batch Batch, err error) {
	q.mu.Lock()
	queued := q.indexLocked(batch.ID) >= 0
	observer := q.observer
	q.mu.Unlock()

	if queued && batch.Attempts >= q.cfg.MaxAttempts {
		q.exhaust(ctx, logger, batch, err)
		return
	}

	mode := settleRetry
	if Retryable(err) {
		q.metrics.attempts.WithLabelValues(outcomeRetry).Inc()
		logger.Warn(ctx, "delivery failed, will retry", slog.Error(err))
	} else {
		mode = settleHold
		q.metrics.attempts.WithLabelValues(outcomeUnknown).Inc()
		logger.Error(ctx, "delivery failed with unexpected error", slog.Error(err))
	}
	if !queued {
		mode = settleNext
	}
	observer.DeliveryFailed(batch, err)
	q.settle(mode)
}

func (q *Queue) exhaust(ctx context.Context, logger slog.Logger, batch Batch, err error) {
	q.metrics.attempts.WithLabelValues(outcomeExhausted).Inc()
	var storeErr error
	if q.cfg.ExhaustPolicy == ExhaustDeadLetter {
		storeErr = q.store.DeadLetter(ctx, batch.ID, err.Error(), q.clock.Now("syncqueue", "dead_letter"))
		q.metrics.deadLettered.Inc()
	} else {
		storeErr = q.store.Remove(ctx, batch.ID)
		q.metrics.discarded.Inc()
	}
	if storeErr != nil {
		logger.Error(ctx, "failed to drop exhausted batch", slog.Error(storeErr))
	}
	logger.Warn(ctx, "batch exhausted its attempts",
		slog.F("policy", q.cfg.ExhaustPolicy), slog.Error(err))

	q.mu.Lock()
	q.removeLocked(batch.ID)
	q.backoff.Reset()
	observer := q.observer
	q.mu.Unlock()

	observer.BatchDropped(batch, err)
	q.settle(settleNext)
}

// settle ends the in-flight delivery.
func (q *Queue) settle(mode settleMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	if q.closed {
		return
	}
	switch mode {
	case settleRetry:
		delay := q.backoff.NextBackOff()
		q.retry = q.clock.AfterFunc(delay, q.retryDue, "syncqueue", "retry")
	case settleNext:
		q.drainLocked()
	}
}

func (q *Queue) retryDue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retry = nil
	q.drainLocked()
}

// Resume restarts delivery after the queue halted on an unauthorized
// response.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted {
		q.halted = false
		q.backoff.Reset()
	}
	q.drainLocked()
}

// Clear drops all pending batches. A delivery already in flight finishes.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx); err != nil {
		return xerrors.Errorf("clear store: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	q.backoff.Reset()
	q.metrics.pending.Set(0)
	return nil
}

// Close stops scheduling deliveries and waits for an in-flight delivery.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// LastPendingKind returns the kind of the newest unacknowledged transition
// for userID in geofenceID.
func (q *Queue) LastPendingKind(userID, geofenceID string) (event.Kind, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].UserID != userID {
			continue
		}
		events := q.pending[i].Events
		for j := len(events) - 1; j >= 0; j-- {
			if events[j].GeofenceID == geofenceID && events[j].Kind.IsTransition() {
				return events[j].Kind, true
			}
		}
	}
	return "", false
}

// PendingFor scopes LastPendingKind to one user for the event generator.
func (q *Queue) PendingFor(userID string) event.Pending {
	return userPending{queue: q, userID: userID}
}

type userPending struct {
	queue  *Queue
	userID string
}

func (p userPending) LastPendingKind(geofenceID string) (event.Kind, bool) {
	return p.queue.LastPendingKind(p.userID, geofenceID)
}

// MaxSequence returns the highest event sequence the outbox has ever held,
// so a generator seeded from it never reuses a number the backend saw.
func (q *Queue) MaxSequence() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.highWater
	for _, b := range q.pending {
		seq = max(seq, b.maxSequence())
	}
	return seq
}

// Pending returns a copy of the queued batches, oldest first.
func (q *Queue) Pending() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Batch, len(q.pending))
	for i, b := range q.pending {
		out[i] = b.clone()
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return q.store.DeadLetters(ctx)
}

func (q *Queue) removeLocked(id uuid.UUID) {
	if i := q.indexLocked(id); i >= 0 {
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
	}
	q.metrics.pending.Set(float64(len(q.pending)))
}

func (q *Queue) indexLocked(id uuid.UUID) int {
	for i, b := range q.pending {
		if b.ID == id {
			return i
		}
	}
	return -1
}
