// Package geotrack is the embedding API: a process-wide tracker that turns
// location fixes into geofence events and syncs them to the backend.
//
// Call Initialize once at startup with the project's publishable key, set a
// user id, then call TrackOnce, UpdateLocation or StartTracking. Each call
// reports its outcome to the CompletionHandler exactly once.
package geotrack

import (
	"context"
	"sync"

	"geotrack/internal/event"
	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/netinfo"
	"geotrack/internal/permission"
	"geotrack/internal/syncqueue"
	"geotrack/internal/tracker"
	"geotrack/internal/transport"
	"geotrack/internal/user"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

type (
	Status              = tracker.Status
	State               = tracker.State
	Fix                 = location.Fix
	Event               = event.Event
	EventKind           = event.Kind
	User                = user.User
	Geofence            = geofence.Geofence
	AuthorizationStatus = permission.Status
	Delegate            = tracker.Delegate
	DeadLetter          = syncqueue.DeadLetter
)

const (
	StatusSuccess             = tracker.StatusSuccess
	StatusErrorPublishableKey = tracker.StatusErrorPublishableKey
	StatusErrorUserID         = tracker.StatusErrorUserID
	StatusErrorPermissions    = tracker.StatusErrorPermissions
	StatusErrorLocation       = tracker.StatusErrorLocation
	StatusErrorNetwork        = tracker.StatusErrorNetwork
	StatusErrorUnauthorized   = tracker.StatusErrorUnauthorized
	StatusErrorServer         = tracker.StatusErrorServer
	StatusErrorUnknown        = tracker.StatusErrorUnknown
)

const (
	EventEnteredGeofence = event.KindEntered
	EventExitedGeofence  = event.KindExited
	EventUpdatedLocation = event.KindLocation
)

var (
	ErrAlreadyInitialized = xerrors.New("geotrack already initialized")
	ErrNoPublishableKey   = tracker.ErrNoPublishableKey
)

// CompletionHandler receives the outcome of one call. fix, events and u are
// set on success; fix may also be set when a fix was obtained but rejected.
type CompletionHandler func(status Status, fix *Fix, events []Event, u *User)

// Tracker is one tracking engine. Most programs use the process-wide
// instance through Initialize and the package-level functions.
type Tracker struct {
	ctrl      *tracker.Controller
	queue     *syncqueue.Queue
	evaluator *geofence.Evaluator
	client    *transport.Client
	store     *syncqueue.SQLiteStore
	logger    slog.Logger
}

// New builds a Tracker. The caller owns it and must Close it.
func New(ctx context.Context, publishableKey string, opts ...Option) (*Tracker, error) {
	if publishableKey == "" {
		return nil, ErrNoPublishableKey
	}
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.platform == nil {
		s.platform = permission.NewFixed(permission.StatusAuthorizedAlways, permission.StatusAuthorizedAlways)
	}
	if s.network == nil {
		s.network = netinfo.NewInterfaceMonitor()
	}
	if s.driver == nil {
		s.driver = noDriver{}
	}
	logger := s.logger.Named("geotrack")

	evaluator := geofence.NewEvaluator(s.maxAccuracy)
	if err := evaluator.Replace(s.geofences); err != nil {
		return nil, xerrors.Errorf("seed geofences: %w", err)
	}

	t := &Tracker{evaluator: evaluator, logger: logger}

	var keys tracker.KeySetter
	sender := s.sender
	if sender == nil {
		t.client = transport.NewClient(s.apiURL, publishableKey, logger)
		sender = t.client
		keys = t.client
	} else if ks, ok := sender.(tracker.KeySetter); ok {
		keys = ks
	}

	var store syncqueue.Store = syncqueue.NewMemoryStore()
	if s.queuePath != "" {
		sqlite, err := syncqueue.OpenSQLite(ctx, s.queuePath)
		if err != nil {
			return nil, xerrors.Errorf("open outbox: %w", err)
		}
		t.store = sqlite
		store = sqlite
	}

	metrics, err := syncqueue.NewMetrics(s.registerer)
	if err != nil {
		t.closeStore()
		return nil, xerrors.Errorf("register metrics: %w", err)
	}
	queue, err := syncqueue.New(ctx, store, sender, s.sync, s.clock, logger, metrics)
	if err != nil {
		t.closeStore()
		return nil, xerrors.Errorf("start outbox: %w", err)
	}
	t.queue = queue

	t.ctrl = tracker.New(tracker.Config{
		PublishableKey: publishableKey,
		IdentityPolicy: s.policy,
	}, tracker.Deps{
		Gate:      permission.NewGate(s.platform, logger),
		Source:    location.NewSource(s.driver, s.timeout, logger),
		Evaluator: evaluator,
		Generator: event.NewGenerator(s.clock, queue.MaxSequence()),
		Queue:     queue,
		Network:   s.network,
		Keys:      keys,
		Clock:     s.clock,
		Logger:    logger,
	})

	// Batches restored from disk go out without waiting for a new fix.
	queue.Drain()
	return t, nil
}

// Close stops tracking and waits for an in-flight delivery. Pending batches
// stay in the outbox.
func (t *Tracker) Close() {
	t.ctrl.Close()
	t.queue.Close()
	t.closeStore()
}

func (t *Tracker) closeStore() {
	if t.store == nil {
		return
	}
	if err := t.store.Close(); err != nil {
		t.logger.Warn(context.Background(), "close outbox", slog.Error(err))
	}
}

func (t *Tracker) SetUserID(ctx context.Context, id string) error {
	return t.ctrl.SetUserID(ctx, id)
}

// SetDescription sets an optional description for the user. nil clears it.
func (t *Tracker) SetDescription(desc *string) {
	t.ctrl.SetDescription(desc)
}

// User returns the current user, or nil before SetUserID.
func (t *Tracker) User() *User {
	u, ok := t.ctrl.User()
	if !ok {
		return nil
	}
	return &u
}

func (t *Tracker) SetDelegate(d Delegate) {
	t.ctrl.SetDelegate(d)
}

func (t *Tracker) TrackOnce(ctx context.Context, handler CompletionHandler) {
	complete(t.ctrl.TrackOnce(ctx), handler)
}

func (t *Tracker) UpdateLocation(ctx context.Context, fix Fix, handler CompletionHandler) {
	complete(t.ctrl.UpdateLocation(ctx, fix), handler)
}

// StartTracking starts continuous tracking. handler, which may be nil,
// reports whether tracking started; later failures go to the delegate.
func (t *Tracker) StartTracking(ctx context.Context, handler CompletionHandler) {
	complete(t.ctrl.StartTracking(ctx), handler)
}

func (t *Tracker) StopTracking() {
	t.ctrl.StopTracking()
}

// IsTracking reports whether continuous tracking is running.
func (t *Tracker) IsTracking() bool {
	return t.ctrl.IsTracking()
}

func (t *Tracker) State() State {
	return t.ctrl.State()
}

func (t *Tracker) IsWifiEnabled() bool {
	return t.ctrl.WifiEnabled()
}

func (t *Tracker) AuthorizationStatus() AuthorizationStatus {
	return t.ctrl.AuthorizationStatus()
}

func (t *Tracker) RequestWhenInUseAuthorization(ctx context.Context) (AuthorizationStatus, error) {
	return t.ctrl.RequestWhenInUseAuthorization(ctx)
}

func (t *Tracker) RequestAlwaysAuthorization(ctx context.Context) (AuthorizationStatus, error) {
	return t.ctrl.RequestAlwaysAuthorization(ctx)
}

// Reconfigure replaces the publishable key after the backend rejected it.
func (t *Tracker) Reconfigure(publishableKey string) error {
	return t.ctrl.Reconfigure(publishableKey)
}

// SyncGeofences downloads the project's geofences and replaces the local
// snapshot. Membership is re-evaluated with the next fix.
func (t *Tracker) SyncGeofences(ctx context.Context) error {
	if t.client == nil {
		return xerrors.New("geofence sync needs the HTTP backend")
	}
	fences, err := t.client.FetchGeofences(ctx)
	if err != nil {
		return err
	}
	return t.SetGeofences(fences)
}

func (t *Tracker) SetGeofences(fences []Geofence) error {
	return t.evaluator.Replace(fences)
}

func (t *Tracker) Geofences() []Geofence {
	return t.evaluator.Geofences()
}

// PendingBatches is the number of batches waiting for delivery.
func (t *Tracker) PendingBatches() int {
	return t.queue.Len()
}

// DeadLetters lists batches that exhausted their delivery attempts.
func (t *Tracker) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return t.queue.DeadLetters(ctx)
}

func complete(ch <-chan tracker.Result, handler CompletionHandler) {
	if handler == nil {
		return
	}
	go func() {
		res := <-ch
		handler(res.Status, res.Location, res.Events, res.User)
	}()
}

type noDriver struct{}

var errNoDriver = xerrors.New("no location driver configured")

func (noDriver) RequestLocation(context.Context) (location.Fix, error) {
	return location.Fix{}, errNoDriver
}

func (noDriver) StartUpdates(context.Context, func(location.Fix)) error {
	return errNoDriver
}

var (
	mu     sync.Mutex
	shared *Tracker
)

// Initialize creates the process-wide tracker. It can only succeed once.
func Initialize(publishableKey string, opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if shared != nil {
		return ErrAlreadyInitialized
	}
	t, err := New(context.Background(), publishableKey, opts...)
	if err != nil {
		return err
	}
	shared = t
	return nil
}

func instance() *Tracker {
	mu.Lock()
	defer mu.Unlock()
	return shared
}

// notInitialized completes handler the way the tracker reports a missing
// publishable key.
func notInitialized(handler CompletionHandler) {
	if handler != nil {
		go handler(StatusErrorPublishableKey, nil, nil, nil)
	}
}

func SetUserID(ctx context.Context, id string) error {
	t := instance()
	if t == nil {
		return ErrNoPublishableKey
	}
	return t.SetUserID(ctx, id)
}

func SetDescription(desc *string) {
	if t := instance(); t != nil {
		t.SetDescription(desc)
	}
}

func GetUser() *User {
	if t := instance(); t != nil {
		return t.User()
	}
	return nil
}

func SetDelegate(d Delegate) {
	if t := instance(); t != nil {
		t.SetDelegate(d)
	}
}

func TrackOnce(ctx context.Context, handler CompletionHandler) {
	t := instance()
	if t == nil {
		notInitialized(handler)
		return
	}
	t.TrackOnce(ctx, handler)
}

func UpdateLocation(ctx context.Context, fix Fix, handler CompletionHandler) {
	t := instance()
	if t == nil {
		notInitialized(handler)
		return
	}
	t.UpdateLocation(ctx, fix, handler)
}

func StartTracking(ctx context.Context, handler CompletionHandler) {
	t := instance()
	if t == nil {
		notInitialized(handler)
		return
	}
	t.StartTracking(ctx, handler)
}

func StopTracking() {
	if t := instance(); t != nil {
		t.StopTracking()
	}
}

func IsTracking() bool {
	t := instance()
	return t != nil && t.IsTracking()
}

func IsWifiEnabled() bool {
	t := instance()
	return t != nil && t.IsWifiEnabled()
}

func GetAuthorizationStatus() AuthorizationStatus {
	if t := instance(); t != nil {
		return t.AuthorizationStatus()
	}
	return permission.StatusNotDetermined
}

func RequestWhenInUseAuthorization(ctx context.Context) (AuthorizationStatus, error) {
	t := instance()
	if t == nil {
		return permission.StatusNotDetermined, ErrNoPublishableKey
	}
	return t.RequestWhenInUseAuthorization(ctx)
}

func RequestAlwaysAuthorization(ctx context.Context) (AuthorizationStatus, error) {
	t := instance()
	if t == nil {
		return permission.StatusNotDetermined, ErrNoPublishableKey
	}
	return t.RequestAlwaysAuthorization(ctx)
}

func Reconfigure(publishableKey string) error {
	t := instance()
	if t == nil {
		return ErrNoPublishableKey
	}
	return t.Reconfigure(publishableKey)
}

func SyncGeofences(ctx context.Context) error {
	t := instance()
	if t == nil {
		return ErrNoPublishableKey
	}
	return t.SyncGeofences(ctx)
}
