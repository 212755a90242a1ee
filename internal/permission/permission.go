// Package permission gates tracking on the platform's location authorization.
//
// The platform prompt itself is an external collaborator behind the Platform
// interface. Gate adds the guarantees the tracker relies on: requests are
// no-ops once the answer is known, and concurrent requests for the same level
// share a single prompt.
package permission

import (
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

// Status mirrors the platform authorization states.
type Status int

const (
	StatusNotDetermined Status = iota
	StatusRestricted
	StatusDenied
	StatusAuthorizedWhenInUse
	StatusAuthorizedAlways
)

func (s Status) String() string {
	switch s {
	case StatusNotDetermined:
		return "not_determined"
	case StatusRestricted:
		return "restricted"
	case StatusDenied:
		return "denied"
	case StatusAuthorizedWhenInUse:
		return "authorized_when_in_use"
	case StatusAuthorizedAlways:
		return "authorized_always"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for st := StatusNotDetermined; st <= StatusAuthorizedAlways; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusNotDetermined, xerrors.Errorf("unknown authorization status %q", s)
}

// Level is the scope of authorization a caller needs.
type Level int

const (
	LevelForeground Level = iota
	LevelBackground
)

func (l Level) String() string {
	if l == LevelBackground {
		return "background"
	}
	return "foreground"
}

// Allows reports whether s is sufficient for level.
func (s Status) Allows(level Level) bool {
	switch s {
	case StatusAuthorizedAlways:
		return true
	case StatusAuthorizedWhenInUse:
		return level == LevelForeground
	default:
		return false
	}
}

// Final reports whether prompting again cannot change s.
func (s Status) Final() bool {
	return s == StatusDenied || s == StatusRestricted
}

// Platform is the OS permission subsystem.
type Platform interface {
	// Status returns the current authorization without side effects.
	Status() Status
	// Prompt surfaces the platform dialog for level and blocks until the user
	// answers or ctx is done.
	Prompt(ctx context.Context, level Level) (Status, error)
}

// Gate queries and requests authorization.
type Gate struct {
	platform Platform
	logger   slog.Logger
	prompts  singleflight.Group
}

func NewGate(platform Platform, logger slog.Logger) *Gate {
	return &Gate{
		platform: platform,
		logger:   logger.Named("permission"),
	}
}

// AuthorizationStatus is a pass-through to the platform.
func (g *Gate) AuthorizationStatus() Status {
	return g.platform.Status()
}

func (g *Gate) RequestForeground(ctx context.Context) (Status, error) {
	return g.request(ctx, LevelForeground)
}

func (g *Gate) RequestBackground(ctx context.Context) (Status, error) {
	return g.request(ctx, LevelBackground)
}

func (g *Gate) request(ctx context.Context, level Level) (Status, error) {
	current := g.platform.Status()
	if current.Allows(level) || current.Final() {
		return current, nil
	}

	// The prompt runs detached from the first caller's ctx so that a caller
	// giving up does not cancel the dialog other callers are waiting on.
	ch := g.prompts.DoChan(level.String(), func() (interface{}, error) {
		g.logger.Debug(context.Background(), "prompting for location authorization", slog.F("level", level))
		status, err := g.platform.Prompt(context.WithoutCancel(ctx), level)
		if err != nil {
			return current, xerrors.Errorf("prompt %s authorization: %w", level, err)
		}
		g.logger.Info(context.Background(), "location authorization answered",
			slog.F("level", level), slog.F("status", status))
		return status, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Status), res.Err
	case <-ctx.Done():
		return current, ctx.Err()
	}
}
