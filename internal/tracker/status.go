package tracker

import (
	"geotrack/internal/event"
	"geotrack/internal/location"
	"geotrack/internal/syncqueue"
	"geotrack/internal/user"

	"golang.org/x/xerrors"
)

// Status is the terminal outcome handed to completion handlers.
type Status int

const (
	StatusSuccess Status = iota
	StatusErrorPublishableKey
	StatusErrorUserID
	StatusErrorPermissions
	StatusErrorLocation
	StatusErrorNetwork
	StatusErrorUnauthorized
	StatusErrorServer
	StatusErrorUnknown
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusErrorPublishableKey:
		return "ERROR_PUBLISHABLE_KEY"
	case StatusErrorUserID:
		return "ERROR_USER_ID"
	case StatusErrorPermissions:
		return "ERROR_PERMISSIONS"
	case StatusErrorLocation:
		return "ERROR_LOCATION"
	case StatusErrorNetwork:
		return "ERROR_NETWORK"
	case StatusErrorUnauthorized:
		return "ERROR_UNAUTHORIZED"
	case StatusErrorServer:
		return "ERROR_SERVER"
	default:
		return "ERROR_UNKNOWN"
	}
}

var (
	ErrNoPublishableKey = xerrors.New("publishable key not configured")
	ErrNoUserID         = xerrors.New("user id not set")
	ErrPermissions      = xerrors.New("location permission not granted")
	ErrInaccurateFix    = xerrors.New("location fix below accuracy threshold")
	ErrStopped          = xerrors.New("tracking stopped before it started")
)

// StatusFromError maps an error from any stage of the pipeline to the
// public status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case xerrors.Is(err, ErrNoPublishableKey):
		return StatusErrorPublishableKey
	case xerrors.Is(err, ErrNoUserID):
		return StatusErrorUserID
	case xerrors.Is(err, ErrPermissions):
		return StatusErrorPermissions
	case xerrors.Is(err, ErrInaccurateFix),
		xerrors.Is(err, location.ErrUnavailable),
		xerrors.Is(err, location.ErrInvalidFix):
		return StatusErrorLocation
	case xerrors.Is(err, syncqueue.ErrUnauthorized):
		return StatusErrorUnauthorized
	case xerrors.Is(err, syncqueue.ErrNetwork):
		return StatusErrorNetwork
	case xerrors.Is(err, syncqueue.ErrServer):
		return StatusErrorServer
	default:
		return StatusErrorUnknown
	}
}

type State int

const (
	StateStopped State = iota
	StateRequestingPermission
	StateTrackingForeground
	StateTrackingBackground
)

func (s State) String() string {
	switch s {
	case StateRequestingPermission:
		return "requesting_permission"
	case StateTrackingForeground:
		return "tracking_foreground"
	case StateTrackingBackground:
		return "tracking_background"
	default:
		return "stopped"
	}
}

// Result is delivered exactly once per TrackOnce, StartTracking and
// UpdateLocation call. Location may be set on failure when a fix was
// obtained but rejected.
type Result struct {
	Status   Status
	Location *location.Fix
	Events   []event.Event
	User     *user.User
	Err      error
}

func failed(err error) Result {
	return Result{Status: StatusFromError(err), Err: err}
}

// Delegate observes server-confirmed events and fatal failures outside the
// per-call results.
type Delegate interface {
	DidReceiveEvents(events []event.Event, u user.User)
	DidFail(status Status)
}

// IdentityPolicy decides what happens to pending batches when the user id
// changes.
type IdentityPolicy string

const (
	IdentityKeepPending    IdentityPolicy = "keep"
	IdentityDiscardPending IdentityPolicy = "discard"
)
