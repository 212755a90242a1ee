package location

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"
)

const DefaultTimeout = 10 * time.Second

var ErrAlreadyRunning = xerrors.New("continuous updates already running")

// Driver is the platform positioning sensor.
type Driver interface {
	// RequestLocation returns a single fix or fails when ctx is done.
	RequestLocation(ctx context.Context) (Fix, error)
	// StartUpdates calls emit for each fix until ctx is done. A nil error
	// return after ctx is done is a normal shutdown.
	StartUpdates(ctx context.Context, emit func(Fix)) error
}

// Source wraps a Driver with a timeout for one-shot requests and a
// latest-wins mailbox for continuous updates.
type Source struct {
	driver  Driver
	logger  slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	dropped int
}

func NewSource(driver Driver, timeout time.Duration, logger slog.Logger) *Source {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Source{
		driver:  driver,
		logger:  logger.Named("location"),
		timeout: timeout,
	}
}

// AcquireOnce makes a single attempt bounded by the source timeout.
func (s *Source) AcquireOnce(ctx context.Context) (Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fix, err := s.driver.RequestLocation(ctx)
	if err != nil {
		s.logger.Debug(ctx, "location request failed", slog.Error(err))
		return Fix{}, xerrors.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := fix.Validate(); err != nil {
		return Fix{}, xerrors.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fix, nil
}

// StartContinuous delivers fixes to handler until Stop is called. Only one
// fix is handed to handler at a time; while handler is busy newer fixes
// replace the one waiting. When the driver fails the subscription ends on
// its own and is released before onError runs, so the source can be started
// again right away. handler may not call Stop.
func (s *Source) StartContinuous(handler func(Fix), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	mailbox := make(chan Fix, 1)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := s.driver.StartUpdates(ctx, func(fix Fix) {
			if err := fix.Validate(); err != nil {
				s.logger.Warn(ctx, "dropping invalid fix", slog.Error(err))
				return
			}
			s.offer(mailbox, fix)
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, "continuous updates failed", slog.Error(err))
			cancel()
			s.release(done)
			if onError != nil {
				onError(xerrors.Errorf("%w: %v", ErrUnavailable, err))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-mailbox:
				if ctx.Err() != nil {
					return
				}
				handler(fix)
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	s.logger.Debug(ctx, "continuous updates started")
	return nil
}

// offer places fix in the mailbox, evicting a stale fix if one is waiting.
func (s *Source) offer(mailbox chan Fix, fix Fix) {
	for {
		select {
		case mailbox <- fix:
			return
		default:
		}
		select {
		case <-mailbox:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

// release forgets the subscription identified by done unless a newer one
// already replaced it.
func (s *Source) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel, s.done = nil, nil
	}
}

// Stop cancels continuous updates and waits for the driver and dispatcher to
// exit. It is safe to call when not running.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Debug(context.Background(), "continuous updates stopped")
}

func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Dropped returns how many stale fixes were discarded.
func (s *Source) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
