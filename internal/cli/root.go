package cli

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"geotrack/internal/config"
	"geotrack/internal/location"
	"geotrack/internal/syncqueue"
	"geotrack/pkg/geotrack"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var (
	loadClientFn = config.LoadClient
	loadServerFn = config.LoadServer
)

// rootOptions holds the flags shared by every tracking subcommand. Flags left
// empty fall back to the client configuration.
type rootOptions struct {
	apiURL       string
	key          string
	userID       string
	description  string
	queuePath    string
	flushTimeout time.Duration
	verbose      bool
	clock        quartz.Clock
}

var (
	errWaitDone    = xerrors.New("wait condition met")
	errWaitTimeout = xerrors.New("wait timed out")
)

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{clock: quartz.NewReal()}
	cmd := &cobra.Command{
		Use:   "geotrack",
		Short: "Location tracking and geofence events from the command line",
		Long: `geotrack runs the tracking engine against a geotrack backend.

Examples:
  # Report one position for a user
  geotrack track --user u1 --lat 40.7128 --lng -74.0060 --accuracy 5

  # Follow a recorded route
  geotrack follow --user u1 --replay route.jsonl --interval 2s`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", "", "Backend base URL (default from GEOTRACK_API_URL)")
	flags.StringVar(&opts.key, "key", "", "Publishable key (default from GEOTRACK_PUBLISHABLE_KEY)")
	flags.StringVarP(&opts.userID, "user", "u", "", "User id to track")
	flags.StringVar(&opts.description, "description", "", "Optional user description")
	flags.StringVar(&opts.queuePath, "queue", "", "SQLite outbox path (default from GEOTRACK_QUEUE_PATH, in memory when empty)")
	flags.DurationVar(&opts.flushTimeout, "flush-timeout", 10*time.Second, "How long to wait for pending batches before exiting")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output")

	cmd.AddCommand(
		newTrackCommand(opts),
		newFollowCommand(opts),
		newKeysCommand(),
	)
	return cmd
}

func (o *rootOptions) logger(w io.Writer) slog.Logger {
	logger := slog.Make(sloghuman.Sink(w))
	if o.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

// trackerOptions merges the client configuration with the command line.
func (o *rootOptions) trackerOptions(cfg config.Client, logger slog.Logger, driver location.Driver) (string, []geotrack.Option) {
	key := cfg.PublishableKey
	if o.key != "" {
		key = o.key
	}
	apiURL := cfg.APIURL
	if o.apiURL != "" {
		apiURL = o.apiURL
	}
	queuePath := cfg.QueuePath
	if o.queuePath != "" {
		queuePath = o.queuePath
	}

	opts := []geotrack.Option{
		geotrack.WithAPIURL(apiURL),
		geotrack.WithLogger(logger),
		geotrack.WithLocationDriver(driver),
		geotrack.WithMaxAccuracy(cfg.MaxAccuracy),
		geotrack.WithLocationTimeout(cfg.LocationTimeout),
		geotrack.WithQueuePath(queuePath),
		geotrack.WithSyncConfig(geotrack.SyncConfig{
			BaseDelay:     cfg.SyncBaseDelay,
			MaxDelay:      cfg.SyncMaxDelay,
			MaxAttempts:   cfg.SyncMaxAttempts,
			ExhaustPolicy: syncqueue.ExhaustPolicy(cfg.ExhaustPolicy),
		}),
	}
	if cfg.IdentityPolicy == "discard" {
		opts = append(opts, geotrack.WithDiscardOnIdentityChange())
	}
	return key, opts
}

// open builds a tracker for the configured user and loads the project's
// geofences. A failed geofence download is logged; tracking still works
// against an empty set.
func (o *rootOptions) open(ctx context.Context, cmd *cobra.Command, driver location.Driver) (*geotrack.Tracker, slog.Logger, error) {
	if o.userID == "" {
		return nil, slog.Logger{}, xerrors.New("--user is required")
	}
	cfg, err := loadClientFn()
	if err != nil {
		return nil, slog.Logger{}, err
	}
	logger := o.logger(cmd.ErrOrStderr())
	key, opts := o.trackerOptions(cfg, logger, driver)

	t, err := geotrack.New(ctx, key, opts...)
	if err != nil {
		return nil, slog.Logger{}, err
	}
	if err := t.SetUserID(ctx, o.userID); err != nil {
		t.Close()
		return nil, slog.Logger{}, err
	}
	if o.description != "" {
		desc := o.description
		t.SetDescription(&desc)
	}
	if err := t.SyncGeofences(ctx); err != nil {
		logger.Warn(ctx, "geofence sync failed", slog.Error(err))
	}
	return t, logger, nil
}

// flush waits until the outbox is empty or the flush timeout passes.
func (o *rootOptions) flush(ctx context.Context, t *geotrack.Tracker, logger slog.Logger) {
	empty := func() bool { return t.PendingBatches() == 0 }
	if !o.pollUntil(ctx, 50*time.Millisecond, "flush", empty) {
		logger.Warn(ctx, "batches still pending", slog.F("count", t.PendingBatches()))
	}
}

// pollUntil checks done every interval until it holds or the flush timeout
// passes, and reports whether it held.
func (o *rootOptions) pollUntil(ctx context.Context, every time.Duration, tag string, done func() bool) bool {
	if done() {
		return true
	}
	deadline := o.clock.Now("cli", tag).Add(o.flushTimeout)
	err := o.clock.TickerFunc(ctx, every, func() error {
		if done() {
			return errWaitDone
		}
		if !o.clock.Now("cli", tag).Before(deadline) {
			return errWaitTimeout
		}
		return nil
	}, "cli", tag).Wait()
	return xerrors.Is(err, errWaitDone)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
