package syncqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"geotrack/internal/event"
	"geotrack/internal/location"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type scriptedSender struct {
	mu        sync.Mutex
	results   []error
	calls     []Batch
	active    int
	maxActive int
	gate      chan struct{}
}

func (s *scriptedSender) Send(ctx context.Context, b Batch) (Ack, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, b)
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return Ack{}, xerrors.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
	}
	if n < len(s.results) && s.results[n] != nil {
		return Ack{}, s.results[n]
	}
	return Ack{BatchID: b.ID, Events: b.Events}, nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedSender) call(i int) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type recorder struct {
	delivered chan Batch
	dropped   chan Batch
	failed    chan error
}

func newRecorder() *recorder {
	return &recorder{
		delivered: make(chan Batch, 16),
		dropped:   make(chan Batch, 16),
		failed:    make(chan error, 16),
	}
}

func (r *recorder) BatchDelivered(b Batch, _ Ack)   { r.delivered <- b }
func (r *recorder) BatchDropped(b Batch, _ error)   { r.dropped <- b }
func (r *recorder) DeliveryFailed(_ Batch, e error) { r.failed <- e }

func newQueue(t *testing.T, store Store, sender Sender, cfg Config, clock quartz.Clock, metrics *Metrics) (*Queue, *recorder) {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	q, err := New(context.Background(), store, sender, cfg, clock, logger, metrics)
	require.NoError(t, err)
	rec := newRecorder()
	q.SetObserver(rec)
	t.Cleanup(q.Close)
	return q, rec
}

func batchFor(userID string, events ...event.Event) Batch {
	return Batch{
		UserID: userID,
		Fix:    location.Fix{Latitude: 40, Longitude: -74, Accuracy: 5, Timestamp: now},
		Events: events,
	}
}

func TestEnqueueDoesNotSend(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	clock.Set(now)
	sender := &scriptedSender{}
	q, _ := newQueue(t, NewMemoryStore(), sender, DefaultConfig(), clock, nil)

	b, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, b.ID)
	require.Equal(t, now, b.EnqueuedAt)
	require.Zero(t, b.Attempts)
	require.Equal(t, 1, q.Len())
	require.Zero(t, sender.callCount())
}

func TestRetriesWithBackoffUntilDelivered(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("syncqueue", "retry")
	defer trap.Close()

	netErr := xerrors.Errorf("dial backend: %w", ErrNetwork)
	sender := &scriptedSender{results: []error{netErr, netErr, netErr}}
	store := NewMemoryStore()
	q, rec := newQueue(t, store, sender, DefaultConfig(), clock, nil)

	_, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	q.Drain()

	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		call := trap.MustWait(ctx)
		require.Equal(t, want, call.Duration)
		call.MustRelease(ctx)
		require.ErrorIs(t, <-rec.failed, ErrNetwork)
		require.Equal(t, 1, q.Len())

		// Draining while the retry timer is armed does nothing.
		q.Drain()
		clock.Advance(want).MustWait(ctx)
	}

	delivered := <-rec.delivered
	require.Equal(t, 4, delivered.Attempts)
	require.Equal(t, 4, sender.callCount())
	for i := 0; i < 4; i++ {
		require.Equal(t, i+1, sender.call(i).Attempts)
	}
	require.Zero(t, q.Len())
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestExhaustedBatchIsDeadLettered(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("syncqueue", "retry")
	defer trap.Close()

	serverErr := xerrors.Errorf("status 503: %w", ErrServer)
	sender := &scriptedSender{results: []error{serverErr, serverErr, serverErr, serverErr, serverErr, serverErr}}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 6
	q, rec := newQueue(t, NewMemoryStore(), sender, cfg, clock, metrics)

	_, err = q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	q.Drain()

	// The delay doubles from one second and is capped at eight.
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second} {
		call := trap.MustWait(ctx)
		require.Equal(t, want, call.Duration)
		call.MustRelease(ctx)
		<-rec.failed
		clock.Advance(want).MustWait(ctx)
	}

	dropped := <-rec.dropped
	require.Equal(t, 6, dropped.Attempts)
	require.Zero(t, q.Len())

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, dropped.ID, dead[0].Batch.ID)
	require.Equal(t, 6, dead[0].Batch.Attempts)
	require.Contains(t, dead[0].Reason, "503")

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.deadLettered))
	require.Equal(t, 5.0, testutil.ToFloat64(metrics.attempts.WithLabelValues(outcomeRetry)))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.pending))
}

func TestExhaustedBatchIsDiscarded(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	sender := &scriptedSender{results: []error{ErrServer}}
	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.ExhaustPolicy = ExhaustDiscard
	q, rec := newQueue(t, NewMemoryStore(), sender, cfg, clock, metrics)

	first, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	q.Drain()

	require.Equal(t, first.ID, (<-rec.dropped).ID)
	require.Equal(t, second.ID, (<-rec.delivered).ID)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, dead)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.discarded))
}

func TestDeliversInOrderOneAtATime(t *testing.T) {
	ctx := testContext(t)
	sender := &scriptedSender{gate: make(chan struct{})}
	q, rec := newQueue(t, NewMemoryStore(), sender, DefaultConfig(), quartz.NewMock(t), nil)

	var ids []string
	for i := 0; i < 5; i++ {
		b, err := q.Enqueue(ctx, batchFor("u1"))
		require.NoError(t, err)
		ids = append(ids, b.ID.String())
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Drain()
			}
		}()
	}

	var got []string
	for range ids {
		sender.gate <- struct{}{}
		got = append(got, (<-rec.delivered).ID.String())
	}
	wg.Wait()

	require.Equal(t, ids, got)
	require.Equal(t, 5, sender.callCount())
	require.Equal(t, 1, sender.maxActive)
}

func TestUnauthorizedHaltsUntilResume(t *testing.T) {
	ctx := testContext(t)
	sender := &scriptedSender{results: []error{xerrors.Errorf("status 401: %w", ErrUnauthorized)}}
	q, rec := newQueue(t, NewMemoryStore(), sender, DefaultConfig(), quartz.NewMock(t), nil)

	_, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	q.Drain()

	require.ErrorIs(t, <-rec.failed, ErrUnauthorized)
	require.True(t, q.Halted())
	require.Eventually(t, func() bool { return !q.InFlight() }, 5*time.Second, 5*time.Millisecond)

	q.Drain()
	require.False(t, q.InFlight())
	require.Equal(t, 1, sender.callCount())
	require.Equal(t, 1, q.Len())

	q.Resume()
	delivered := <-rec.delivered
	require.Equal(t, 2, delivered.Attempts)
	require.False(t, q.Halted())
}

func TestUnknownErrorWaitsForNextDrain(t *testing.T) {
	ctx := testContext(t)
	sender := &scriptedSender{results: []error{xerrors.New("malformed response")}}
	q, rec := newQueue(t, NewMemoryStore(), sender, DefaultConfig(), quartz.NewMock(t), nil)

	_, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	q.Drain()

	err = <-rec.failed
	require.NotErrorIs(t, err, ErrNetwork)
	require.Eventually(t, func() bool { return !q.InFlight() }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sender.callCount())
	require.Equal(t, 1, q.Len())

	q.Drain()
	require.Equal(t, 2, (<-rec.delivered).Attempts)
}

func TestClearCancelsRetry(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("syncqueue", "retry")
	defer trap.Close()

	sender := &scriptedSender{results: []error{ErrNetwork}}
	store := NewMemoryStore()
	q, rec := newQueue(t, store, sender, DefaultConfig(), clock, nil)

	_, err := q.Enqueue(ctx, batchFor("u1"))
	require.NoError(t, err)
	q.Drain()
	trap.MustWait(ctx).MustRelease(ctx)
	<-rec.failed
	require.Eventually(t, func() bool { return !q.InFlight() }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Clear(ctx))
	require.Zero(t, q.Len())
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	next, err := q.Enqueue(ctx, batchFor("u2"))
	require.NoError(t, err)
	q.Drain()
	delivered := <-rec.delivered
	require.Equal(t, next.ID, delivered.ID)
	require.Equal(t, 1, delivered.Attempts)
}

func TestLastPendingKind(t *testing.T) {
	ctx := testContext(t)
	q, _ := newQueue(t, NewMemoryStore(), &scriptedSender{}, DefaultConfig(), quartz.NewMock(t), nil)

	_, err := q.Enqueue(ctx, batchFor("u1",
		event.Event{Kind: event.KindEntered, GeofenceID: "G1", Sequence: 1}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, batchFor("u1",
		event.Event{Kind: event.KindExited, GeofenceID: "G1", Sequence: 2},
		event.Event{Kind: event.KindEntered, GeofenceID: "G2", Sequence: 3}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, batchFor("u1",
		event.Event{Kind: event.KindLocation, Sequence: 4}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, batchFor("u2",
		event.Event{Kind: event.KindEntered, GeofenceID: "G1", Sequence: 5}))
	require.NoError(t, err)

	kind, ok := q.LastPendingKind("u1", "G1")
	require.True(t, ok)
	require.Equal(t, event.KindExited, kind)
	kind, ok = q.LastPendingKind("u1", "G2")
	require.True(t, ok)
	require.Equal(t, event.KindEntered, kind)
	_, ok = q.LastPendingKind("u1", "G3")
	require.False(t, ok)
	kind, ok = q.LastPendingKind("u2", "G1")
	require.True(t, ok)
	require.Equal(t, event.KindEntered, kind)
	_, ok = q.LastPendingKind("u3", "G1")
	require.False(t, ok)
	require.Equal(t, uint64(5), q.MaxSequence())
}

func TestEnqueueAfterClose(t *testing.T) {
	q, _ := newQueue(t, NewMemoryStore(), &scriptedSender{}, DefaultConfig(), quartz.NewMock(t), nil)
	q.Close()
	_, err := q.Enqueue(context.Background(), batchFor("u1"))
	require.ErrorIs(t, err, ErrClosed)
}
