package cli

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"geotrack/internal/location"
	"geotrack/pkg/geotrack"

	"cdr.dev/slog/v3"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newFollowCommand(root *rootOptions) *cobra.Command {
	var (
		replay   string
		interval time.Duration
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Track continuously from a recorded route",
		Long: `Replay a JSON lines file of fixes through continuous tracking. Every
acknowledged event is printed as one JSON line. The command stops when the
route is finished, --duration elapses or it is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if replay == "" {
				return xerrors.New("--replay is required")
			}
			fixes, err := location.LoadReplayFile(replay)
			if err != nil {
				return err
			}
			driver := newWatchedDriver(location.NewReplayDriver(fixes, interval, nil))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			t, logger, err := root.open(ctx, cmd, driver)
			if err != nil {
				return err
			}
			defer t.Close()

			printer := &eventPrinter{w: cmd.OutOrStdout(), logger: logger}
			t.SetDelegate(printer)

			started := make(chan geotrack.Status, 1)
			t.StartTracking(ctx, func(status geotrack.Status, _ *geotrack.Fix, _ []geotrack.Event, _ *geotrack.User) {
				started <- status
			})
			if status := <-started; status != geotrack.StatusSuccess {
				return xerrors.Errorf("start tracking: %s", status)
			}
			logger.Info(ctx, "following route", slog.F("fixes", len(fixes)))

			select {
			case <-ctx.Done():
			case <-driver.exhausted:
				root.settle(ctx, t, driver)
			}
			t.StopTracking()
			root.flush(context.WithoutCancel(ctx), t, logger)
			return printer.err()
		},
	}

	cmd.Flags().StringVar(&replay, "replay", "", "JSON lines file of recorded fixes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Delay between replayed fixes")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until the route ends)")
	return cmd
}

// settle waits for the last replayed fix to reach the user record. A rejected
// fix never does, so the wait is bounded by the flush timeout.
func (o *rootOptions) settle(ctx context.Context, t *geotrack.Tracker, driver *watchedDriver) {
	last, ok := driver.last()
	if !ok {
		return
	}
	o.pollUntil(ctx, 20*time.Millisecond, "settle", func() bool {
		u := t.User()
		return u != nil && u.Location != nil && !u.Location.Timestamp.Before(last.Timestamp)
	})
}

// watchedDriver remembers the last emitted fix and closes exhausted once the
// wrapped replay has nothing left to play.
type watchedDriver struct {
	*location.ReplayDriver

	mu        sync.Mutex
	lastFix   *location.Fix
	exhausted chan struct{}
	once      sync.Once
}

func newWatchedDriver(d *location.ReplayDriver) *watchedDriver {
	return &watchedDriver{ReplayDriver: d, exhausted: make(chan struct{})}
}

func (d *watchedDriver) StartUpdates(ctx context.Context, emit func(location.Fix)) error {
	if d.Remaining() == 0 {
		d.once.Do(func() { close(d.exhausted) })
	}
	return d.ReplayDriver.StartUpdates(ctx, func(fix location.Fix) {
		d.mu.Lock()
		d.lastFix = &fix
		d.mu.Unlock()
		emit(fix)
		if d.Remaining() == 0 {
			d.once.Do(func() { close(d.exhausted) })
		}
	})
}

func (d *watchedDriver) last() (location.Fix, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastFix == nil {
		return location.Fix{}, false
	}
	return *d.lastFix, true
}

// eventPrinter is the tracker delegate for follow.
type eventPrinter struct {
	w      io.Writer
	logger slog.Logger

	mu       sync.Mutex
	writeErr error
}

func (p *eventPrinter) DidReceiveEvents(events []geotrack.Event, _ geotrack.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil && p.writeErr == nil {
			p.writeErr = err
		}
	}
}

func (p *eventPrinter) DidFail(status geotrack.Status) {
	p.logger.Warn(context.Background(), "tracking failure", slog.F("status", status.String()))
}

func (p *eventPrinter) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeErr
}
