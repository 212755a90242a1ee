package geotrack

import (
	"time"

	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/netinfo"
	"geotrack/internal/permission"
	"geotrack/internal/syncqueue"
	"geotrack/internal/tracker"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultAPIURL = "http://localhost:8080"

type (
	// LocationDriver is the platform positioning sensor.
	LocationDriver = location.Driver
	// PermissionPlatform is the platform authorization prompt.
	PermissionPlatform = permission.Platform
	// NetworkMonitor answers IsWifiEnabled.
	NetworkMonitor = netinfo.Monitor
	// Sender delivers batches to a backend.
	Sender = syncqueue.Sender
	// SyncConfig tunes the outbox retry schedule.
	SyncConfig = syncqueue.Config
)

type settings struct {
	apiURL      string
	logger      slog.Logger
	driver      location.Driver
	platform    permission.Platform
	network     netinfo.Monitor
	sender      syncqueue.Sender
	clock       quartz.Clock
	registerer  prometheus.Registerer
	queuePath   string
	sync        syncqueue.Config
	maxAccuracy float64
	timeout     time.Duration
	policy      tracker.IdentityPolicy
	geofences   []geofence.Geofence
}

func defaultSettings() settings {
	return settings{
		apiURL:      DefaultAPIURL,
		logger:      slog.Make(),
		sync:        syncqueue.DefaultConfig(),
		maxAccuracy: 100,
		timeout:     location.DefaultTimeout,
		policy:      tracker.IdentityKeepPending,
	}
}

// Option customizes Initialize and New.
type Option func(*settings)

func WithAPIURL(url string) Option {
	return func(s *settings) { s.apiURL = url }
}

func WithLogger(logger slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithLocationDriver sets the positioning sensor. Without one every
// location request fails with StatusErrorLocation.
func WithLocationDriver(driver LocationDriver) Option {
	return func(s *settings) { s.driver = driver }
}

// WithPermissionPlatform sets the authorization prompt. The default treats
// the process as always authorized.
func WithPermissionPlatform(platform PermissionPlatform) Option {
	return func(s *settings) { s.platform = platform }
}

func WithNetworkMonitor(monitor NetworkMonitor) Option {
	return func(s *settings) { s.network = monitor }
}

// WithSender replaces the HTTP backend client.
func WithSender(sender Sender) Option {
	return func(s *settings) { s.sender = sender }
}

func WithClock(clock quartz.Clock) Option {
	return func(s *settings) { s.clock = clock }
}

// WithMetrics registers the sync queue collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

// WithQueuePath persists the outbox in a SQLite database at path so pending
// batches survive restarts. The default outbox is in memory.
func WithQueuePath(path string) Option {
	return func(s *settings) { s.queuePath = path }
}

func WithSyncConfig(cfg SyncConfig) Option {
	return func(s *settings) { s.sync = cfg }
}

// WithMaxAccuracy sets the accuracy radius in meters above which a fix is
// not evaluated. Zero disables the check.
func WithMaxAccuracy(meters float64) Option {
	return func(s *settings) { s.maxAccuracy = meters }
}

func WithLocationTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDiscardOnIdentityChange drops pending batches when the user id changes
// instead of delivering them under the previous identity.
func WithDiscardOnIdentityChange() Option {
	return func(s *settings) { s.policy = tracker.IdentityDiscardPending }
}

// WithGeofences seeds the geofence snapshot until the backend sends one.
func WithGeofences(fences []Geofence) Option {
	return func(s *settings) { s.geofences = fences }
}
