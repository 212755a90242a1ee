// Package tracker is the tracking state machine. It owns the user identity,
// the geofence membership and the tracking mode, and runs every fix through
// evaluation, event generation and the sync queue.
package tracker

import (
	"context"
	"sync"

	"geotrack/internal/event"
	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/netinfo"
	"geotrack/internal/permission"
	"geotrack/internal/syncqueue"
	"geotrack/internal/user"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// KeySetter receives the publishable key on Reconfigure.
type KeySetter interface {
	SetKey(key string)
}

type Config struct {
	PublishableKey string
	IdentityPolicy IdentityPolicy
}

type Deps struct {
	Gate      *permission.Gate
	Source    *location.Source
	Evaluator *geofence.Evaluator
	Generator *event.Generator
	Queue     *syncqueue.Queue
	Network   netinfo.Monitor
	Keys      KeySetter
	Clock     quartz.Clock
	Logger    slog.Logger
}

// Controller serializes all state changes behind mu. Collaborators that can
// block (permission prompts, location requests, source shutdown) are never
// called while mu is held.
type Controller struct {
	gate      *permission.Gate
	source    *location.Source
	evaluator *geofence.Evaluator
	generator *event.Generator
	queue     *syncqueue.Queue
	network   netinfo.Monitor
	keys      KeySetter
	clock     quartz.Clock
	logger    slog.Logger
	policy    IdentityPolicy

	mu           sync.Mutex
	key          string
	unauthorized bool
	state        State
	continuous   bool
	generation   uint64
	oneShots     int
	user         *user.User
	description  *string
	membership   geofence.Membership
	previous     map[string]geofence.Membership
	delegate     Delegate
	deliveredSeq uint64
	failedGen    uint64
}

func New(cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Network == nil {
		deps.Network = netinfo.Static(false)
	}
	if cfg.IdentityPolicy != IdentityDiscardPending {
		cfg.IdentityPolicy = IdentityKeepPending
	}
	c := &Controller{
		gate:       deps.Gate,
		source:     deps.Source,
		evaluator:  deps.Evaluator,
		generator:  deps.Generator,
		queue:      deps.Queue,
		network:    deps.Network,
		keys:       deps.Keys,
		clock:      deps.Clock,
		logger:     deps.Logger.Named("tracker"),
		policy:     cfg.IdentityPolicy,
		key:        cfg.PublishableKey,
		membership: geofence.NewMembership(),
		previous:   map[string]geofence.Membership{},
	}
	c.queue.SetObserver(c)
	return c
}

func (c *Controller) SetDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

// SetUserID changes the tracked identity. An identity seen before picks up
// the membership it left with; a new one starts empty. An empty id clears the
// identity and stops tracking.
func (c *Controller) SetUserID(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.user != nil && c.user.ID == id {
		c.mu.Unlock()
		return nil
	}

	if c.user != nil {
		c.previous[c.user.ID] = c.departingMembershipLocked()
	}
	var stop bool
	if id == "" {
		c.user = nil
		stop = c.stopLocked()
	} else {
		c.user = &user.User{ID: id, Description: cloneString(c.description)}
	}
	c.membership = geofence.NewMembership()
	if m, ok := c.previous[id]; ok && id != "" {
		c.membership = m
		delete(c.previous, id)
	}

	var err error
	if c.policy == IdentityDiscardPending {
		err = c.queue.Clear(ctx)
	}
	c.mu.Unlock()

	if stop {
		c.source.Stop()
	}
	c.logger.Info(ctx, "user identity changed", slog.F("user_id", id))
	if err != nil {
		return xerrors.Errorf("discard pending batches: %w", err)
	}
	return nil
}

// departingMembershipLocked is what the backend will have seen for the
// current user once the queue settles. Pending batches survive unless the
// policy discards them, in which case only acknowledged state counts.
func (c *Controller) departingMembershipLocked() geofence.Membership {
	if c.policy == IdentityDiscardPending {
		return geofence.NewMembership(c.user.Geofences...)
	}
	return c.membership.Clone()
}

// SetDescription sets or, with nil, clears the user description.
func (c *Controller) SetDescription(desc *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.description = cloneString(desc)
	if c.user != nil {
		c.user.Description = cloneString(desc)
	}
}

// User returns a snapshot of the current user.
func (c *Controller) User() (user.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return user.User{}, false
	}
	return c.user.Clone(), true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsTracking reports whether continuous tracking is running.
func (c *Controller) IsTracking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuous
}

func (c *Controller) WifiEnabled() bool {
	return c.network.WifiEnabled()
}

func (c *Controller) AuthorizationStatus() permission.Status {
	return c.gate.AuthorizationStatus()
}

func (c *Controller) RequestWhenInUseAuthorization(ctx context.Context) (permission.Status, error) {
	return c.gate.RequestForeground(ctx)
}

func (c *Controller) RequestAlwaysAuthorization(ctx context.Context) (permission.Status, error) {
	return c.gate.RequestBackground(ctx)
}

// Reconfigure installs a new publishable key and lifts the halt caused by an
// unauthorized response.
func (c *Controller) Reconfigure(key string) error {
	if key == "" {
		return ErrNoPublishableKey
	}
	c.mu.Lock()
	c.key = key
	c.unauthorized = false
	c.mu.Unlock()

	if c.keys != nil {
		c.keys.SetKey(key)
	}
	c.queue.Resume()
	return nil
}

// TrackOnce acquires a single fix and runs it through the pipeline. It needs
// foreground permission and never prompts for it.
func (c *Controller) TrackOnce(ctx context.Context) <-chan Result {
	return resolve(func() Result { return c.trackOnce(ctx) })
}

func (c *Controller) trackOnce(ctx context.Context) Result {
	c.mu.Lock()
	if err := c.preconditionsLocked(); err != nil {
		c.mu.Unlock()
		return failed(err)
	}
	c.mu.Unlock()

	if !c.gate.AuthorizationStatus().Allows(permission.LevelForeground) {
		return failed(ErrPermissions)
	}

	c.mu.Lock()
	c.oneShots++
	if c.state == StateStopped {
		c.state = StateTrackingForeground
	}
	c.mu.Unlock()

	fix, err := c.source.AcquireOnce(ctx)

	c.mu.Lock()
	c.oneShots--
	if c.oneShots == 0 && !c.continuous && c.state == StateTrackingForeground {
		c.state = StateStopped
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn(ctx, "one-shot location failed", slog.Error(err))
		return failed(err)
	}
	// The identity may have been cleared while the fix was pending.
	if err := c.preconditionsLocked(); err != nil {
		c.mu.Unlock()
		return Result{Status: StatusFromError(err), Location: &fix, Err: err}
	}
	res := c.processLocked(ctx, fix)
	c.mu.Unlock()

	c.queue.Drain()
	return res
}

// UpdateLocation runs a caller-supplied fix through the pipeline in any
// tracking state. A zero timestamp is set to the current time.
func (c *Controller) UpdateLocation(ctx context.Context, fix location.Fix) <-chan Result {
	return resolve(func() Result {
		if fix.Timestamp.IsZero() {
			fix.Timestamp = c.clock.Now("tracker", "update_location")
		}

		c.mu.Lock()
		if err := c.preconditionsLocked(); err != nil {
			c.mu.Unlock()
			return failed(err)
		}
		res := c.processLocked(ctx, fix)
		c.mu.Unlock()

		c.queue.Drain()
		return res
	})
}

// StartTracking begins continuous tracking, prompting for background
// permission when it has not been decided yet. With only when-in-use
// permission tracking runs in the foreground.
func (c *Controller) StartTracking(ctx context.Context) <-chan Result {
	return resolve(func() Result { return c.startTracking(ctx) })
}

func (c *Controller) startTracking(ctx context.Context) Result {
	c.mu.Lock()
	if err := c.preconditionsLocked(); err != nil {
		c.mu.Unlock()
		return failed(err)
	}
	if c.continuous {
		res := Result{Status: StatusSuccess, User: c.userSnapshotLocked()}
		c.mu.Unlock()
		return res
	}
	current := c.gate.AuthorizationStatus()
	if !current.Allows(permission.LevelBackground) && !current.Final() && c.state == StateStopped {
		c.state = StateRequestingPermission
	}
	gen := c.generation
	c.mu.Unlock()

	status, err := c.gate.RequestBackground(ctx)

	c.mu.Lock()
	if c.continuous {
		// Another StartTracking won while this one waited for the prompt.
		res := Result{Status: StatusSuccess, User: c.userSnapshotLocked()}
		c.mu.Unlock()
		return res
	}
	if c.generation != gen {
		c.mu.Unlock()
		return failed(ErrStopped)
	}
	if c.state == StateRequestingPermission {
		c.state = c.idleStateLocked()
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn(ctx, "permission request failed", slog.Error(err))
		return failed(xerrors.Errorf("%w: %v", ErrPermissions, err))
	}
	switch {
	case status.Allows(permission.LevelBackground):
		c.state = StateTrackingBackground
	case status.Allows(permission.LevelForeground):
		c.state = StateTrackingForeground
	default:
		delegate := c.delegate
		c.mu.Unlock()
		c.logger.Info(ctx, "tracking not started, permission denied", slog.F("status", status))
		if delegate != nil {
			delegate.DidFail(StatusErrorPermissions)
		}
		return failed(ErrPermissions)
	}
	c.continuous = true
	c.generation++
	gen = c.generation
	res := Result{Status: StatusSuccess, User: c.userSnapshotLocked()}
	state := c.state
	c.mu.Unlock()

	err = c.source.StartContinuous(
		func(fix location.Fix) { c.handleFix(gen, fix) },
		func(err error) { c.handleSourceError(gen, err) },
	)
	if err != nil && !xerrors.Is(err, location.ErrAlreadyRunning) {
		c.mu.Lock()
		if c.generation == gen {
			c.continuous = false
			c.state = c.idleStateLocked()
			c.generation++
		}
		c.mu.Unlock()
		return failed(err)
	}

	// StopTracking may have run before the subscription existed, or the
	// driver may already have failed and released it.
	c.mu.Lock()
	stale := c.generation != gen
	driverFailed := c.failedGen == gen
	c.mu.Unlock()
	if driverFailed {
		return failed(location.ErrUnavailable)
	}
	if stale {
		c.source.Stop()
		return failed(ErrStopped)
	}

	c.logger.Info(ctx, "tracking started", slog.F("state", state))
	return res
}

// StopTracking cancels continuous updates. A delivery in flight and pending
// one-shot calls still complete.
func (c *Controller) StopTracking() {
	c.mu.Lock()
	stop := c.stopLocked()
	c.mu.Unlock()
	if stop {
		c.source.Stop()
		c.logger.Info(context.Background(), "tracking stopped")
	}
}

// stopLocked moves to Stopped and reports whether the source must be stopped.
func (c *Controller) stopLocked() bool {
	wasContinuous := c.continuous
	c.continuous = false
	c.generation++
	c.state = c.idleStateLocked()
	return wasContinuous
}

// idleStateLocked is the state without continuous tracking: foreground while
// a one-shot is acquiring, otherwise stopped.
func (c *Controller) idleStateLocked() State {
	if c.oneShots > 0 {
		return StateTrackingForeground
	}
	return StateStopped
}

// Close stops tracking. The queue and its store belong to the caller.
func (c *Controller) Close() {
	c.StopTracking()
}

func (c *Controller) handleFix(gen uint64, fix location.Fix) {
	c.mu.Lock()
	if c.generation != gen || !c.continuous || c.preconditionsLocked() != nil {
		c.mu.Unlock()
		return
	}
	if !fix.Precise(c.evaluator.MaxAccuracy()) {
		c.mu.Unlock()
		c.logger.Debug(context.Background(), "dropping imprecise fix", slog.F("accuracy", fix.Accuracy))
		return
	}
	res := c.processLocked(context.Background(), fix)
	c.mu.Unlock()

	if res.Status == StatusSuccess {
		c.queue.Drain()
	}
}

// handleSourceError ends continuous tracking after the driver failed. The
// source has already released the subscription, so a later StartTracking
// subscribes again. The delegate hears about it on its own goroutine and may
// call back into the controller.
func (c *Controller) handleSourceError(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen || !c.continuous {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.failedGen = gen
	delegate := c.delegate
	c.mu.Unlock()

	c.logger.Error(context.Background(), "continuous location failed, tracking stopped", slog.Error(err))
	if delegate != nil {
		go delegate.DidFail(StatusErrorLocation)
	}
}

// processLocked evaluates fix, generates events and enqueues the batch.
// Membership only advances once the batch is durably queued.
func (c *Controller) processLocked(ctx context.Context, fix location.Fix) Result {
	if err := fix.Validate(); err != nil {
		return failed(err)
	}

	eval := c.evaluator.Evaluate(fix, c.membership)
	if eval.Skipped {
		return Result{
			Status:   StatusErrorLocation,
			Location: &fix,
			User:     c.userSnapshotLocked(),
			Err:      ErrInaccurateFix,
		}
	}

	events := c.generator.Generate(eval.Entered, eval.Exited, fix, c.queue.PendingFor(c.user.ID))
	_, err := c.queue.Enqueue(ctx, syncqueue.Batch{
		UserID:      c.user.ID,
		Description: cloneString(c.user.Description),
		Fix:         fix,
		Events:      events,
	})
	if err != nil {
		c.logger.Error(ctx, "failed to enqueue batch", slog.Error(err))
		return Result{Status: StatusErrorUnknown, Location: &fix, Err: err}
	}

	c.membership = eval.Membership
	stored := fix
	c.user.Location = &stored
	c.logger.Debug(ctx, "location processed",
		slog.F("entered", eval.Entered), slog.F("exited", eval.Exited), slog.F("events", len(events)))
	return Result{
		Status:   StatusSuccess,
		Location: &fix,
		Events:   events,
		User:     c.userSnapshotLocked(),
	}
}

func (c *Controller) preconditionsLocked() error {
	if c.key == "" {
		return ErrNoPublishableKey
	}
	if c.unauthorized {
		return xerrors.Errorf("%w: publishable key rejected", syncqueue.ErrUnauthorized)
	}
	if c.user == nil {
		return ErrNoUserID
	}
	return nil
}

func (c *Controller) userSnapshotLocked() *user.User {
	if c.user == nil {
		return nil
	}
	u := c.user.Clone()
	return &u
}

// Membership returns the geofences the user currently occupies.
func (c *Controller) Membership() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membership.IDs()
}

// resolve runs fn on its own goroutine and delivers its result exactly once.
func resolve(fn func() Result) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- fn()
	}()
	return ch
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
