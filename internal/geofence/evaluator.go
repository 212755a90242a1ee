package geofence

import (
	"sort"
	"sync/atomic"

	"geotrack/internal/location"

	"golang.org/x/xerrors"
)

// Result is the outcome of evaluating one fix. Entered and Exited are in
// ascending id order. Skipped is set when the fix was too imprecise to
// evaluate, in which case Membership equals the previous membership.
type Result struct {
	Membership Membership
	Entered    []string
	Exited     []string
	Skipped    bool
}

// Evaluator tests fixes against an immutable geofence snapshot. The snapshot
// is only ever replaced as a whole, so Evaluate may run concurrently with
// Replace.
type Evaluator struct {
	snapshot    atomic.Pointer[[]Geofence]
	maxAccuracy float64
}

// NewEvaluator returns an evaluator that skips fixes less accurate than
// maxAccuracy meters. A non-positive maxAccuracy evaluates every fix.
func NewEvaluator(maxAccuracy float64) *Evaluator {
	e := &Evaluator{maxAccuracy: maxAccuracy}
	empty := []Geofence{}
	e.snapshot.Store(&empty)
	return e
}

func (e *Evaluator) MaxAccuracy() float64 {
	return e.maxAccuracy
}

// Replace validates fences and swaps them in. On error the current snapshot
// is kept.
func (e *Evaluator) Replace(fences []Geofence) error {
	next := make([]Geofence, len(fences))
	copy(next, fences)
	seen := make(map[string]struct{}, len(next))
	for _, g := range next {
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := seen[g.ID]; dup {
			return xerrors.Errorf("%w: duplicate id %q", ErrInvalidGeofence, g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	e.snapshot.Store(&next)
	return nil
}

// Geofences returns a copy of the current snapshot ordered by id.
func (e *Evaluator) Geofences() []Geofence {
	snap := *e.snapshot.Load()
	out := make([]Geofence, len(snap))
	copy(out, snap)
	return out
}

// Evaluate computes the membership for fix. Occupied geofences that have
// since been removed or deactivated are reported as exited.
func (e *Evaluator) Evaluate(fix location.Fix, previous Membership) Result {
	if !fix.Precise(e.maxAccuracy) {
		return Result{Membership: previous.Clone(), Skipped: true}
	}

	snap := *e.snapshot.Load()
	point := fix.Point()
	next := make(Membership)
	var entered []string
	for _, g := range snap {
		if !g.Active || !g.Geometry.Contains(point) {
			continue
		}
		next[g.ID] = struct{}{}
		if !previous.Has(g.ID) {
			entered = append(entered, g.ID)
		}
	}

	var exited []string
	for _, id := range previous.IDs() {
		if !next.Has(id) {
			exited = append(exited, id)
		}
	}

	return Result{Membership: next, Entered: entered, Exited: exited}
}
