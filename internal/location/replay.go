package location

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

var ErrReplayExhausted = xerrors.New("replay exhausted")

// ReplayDriver plays back a recorded list of fixes. RequestLocation returns
// the next fix in order; StartUpdates emits the remaining fixes spaced by the
// configured interval.
type ReplayDriver struct {
	clock    quartz.Clock
	interval time.Duration

	mu    sync.Mutex
	fixes []Fix
	next  int
}

func NewReplayDriver(fixes []Fix, interval time.Duration, clock quartz.Clock) *ReplayDriver {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &ReplayDriver{clock: clock, interval: interval, fixes: fixes}
}

// LoadReplay reads newline-delimited JSON fixes.
func LoadReplay(r io.Reader) ([]Fix, error) {
	dec := json.NewDecoder(r)
	var fixes []Fix
	for {
		var fix Fix
		err := dec.Decode(&fix)
		if xerrors.Is(err, io.EOF) {
			return fixes, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("decode fix %d: %w", len(fixes)+1, err)
		}
		fixes = append(fixes, fix)
	}
}

func LoadReplayFile(path string) ([]Fix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open replay: %w", err)
	}
	defer f.Close()
	return LoadReplay(f)
}

func (d *ReplayDriver) pop() (Fix, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.fixes) {
		return Fix{}, false
	}
	fix := d.fixes[d.next]
	d.next++
	if fix.Timestamp.IsZero() {
		fix.Timestamp = d.clock.Now()
	}
	return fix, true
}

func (d *ReplayDriver) RequestLocation(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	fix, ok := d.pop()
	if !ok {
		return Fix{}, ErrReplayExhausted
	}
	return fix, nil
}

func (d *ReplayDriver) StartUpdates(ctx context.Context, emit func(Fix)) error {
	for {
		fix, ok := d.pop()
		if !ok {
			<-ctx.Done()
			return nil
		}
		emit(fix)

		if d.interval <= 0 {
			continue
		}
		timer := d.clock.NewTimer(d.interval, "replay")
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Remaining returns how many fixes have not been played.
func (d *ReplayDriver) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fixes) - d.next
}
