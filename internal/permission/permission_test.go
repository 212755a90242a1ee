package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type blockingPlatform struct {
	mu      sync.Mutex
	status  Status
	answer  Status
	prompts int
	started chan struct{}
	release chan struct{}
	err     error
}

func newBlockingPlatform(status, answer Status) *blockingPlatform {
	return &blockingPlatform{
		status:  status,
		answer:  answer,
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (p *blockingPlatform) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *blockingPlatform) Prompt(_ context.Context, _ Level) (Status, error) {
	p.mu.Lock()
	p.prompts++
	p.mu.Unlock()
	p.started <- struct{}{}
	<-p.release

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.status, p.err
	}
	p.status = p.answer
	return p.status, nil
}

func (p *blockingPlatform) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func TestStatusAllows(t *testing.T) {
	require.True(t, StatusAuthorizedAlways.Allows(LevelBackground))
	require.True(t, StatusAuthorizedAlways.Allows(LevelForeground))
	require.True(t, StatusAuthorizedWhenInUse.Allows(LevelForeground))
	require.False(t, StatusAuthorizedWhenInUse.Allows(LevelBackground))
	require.False(t, StatusDenied.Allows(LevelForeground))
	require.False(t, StatusNotDetermined.Allows(LevelForeground))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("authorized_always")
	require.NoError(t, err)
	require.Equal(t, StatusAuthorizedAlways, st)

	_, err = ParseStatus("sometimes")
	require.Error(t, err)
}

func TestRequestNoopWhenAlreadyGranted(t *testing.T) {
	platform := NewFixed(StatusAuthorizedAlways, StatusDenied)
	gate := NewGate(platform, slogtest.Make(t, nil))

	st, err := gate.RequestBackground(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAuthorizedAlways, st)
	require.Zero(t, platform.Prompts())
}

func TestRequestNoopWhenDenied(t *testing.T) {
	platform := NewFixed(StatusDenied, StatusAuthorizedAlways)
	gate := NewGate(platform, slogtest.Make(t, nil))

	st, err := gate.RequestForeground(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDenied, st)
	require.Zero(t, platform.Prompts())
}

func TestRequestUpgradesWhenInUse(t *testing.T) {
	platform := NewFixed(StatusAuthorizedWhenInUse, StatusAuthorizedAlways)
	gate := NewGate(platform, slogtest.Make(t, nil))

	st, err := gate.RequestForeground(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAuthorizedWhenInUse, st)
	require.Zero(t, platform.Prompts())

	st, err = gate.RequestBackground(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAuthorizedAlways, st)
	require.Equal(t, 1, platform.Prompts())
	require.Equal(t, StatusAuthorizedAlways, gate.AuthorizationStatus())
}

func TestConcurrentRequestsShareOnePrompt(t *testing.T) {
	platform := newBlockingPlatform(StatusNotDetermined, StatusAuthorizedAlways)
	gate := NewGate(platform, slogtest.Make(t, nil))

	const callers = 8
	results := make(chan Status, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := gate.RequestBackground(context.Background())
			if err == nil {
				results <- st
			}
		}()
	}

	select {
	case <-platform.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("prompt never started")
	}
	close(platform.release)
	wg.Wait()
	close(results)

	count := 0
	for st := range results {
		require.Equal(t, StatusAuthorizedAlways, st)
		count++
	}
	require.Equal(t, callers, count)
	require.Equal(t, 1, platform.promptCount())
}

func TestRequestCallerCanGiveUp(t *testing.T) {
	platform := newBlockingPlatform(StatusNotDetermined, StatusAuthorizedWhenInUse)
	gate := NewGate(platform, slogtest.Make(t, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gate.RequestForeground(ctx)
		done <- err
	}()

	<-platform.started
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatalf("request did not return after cancel")
	}

	// The shared prompt keeps running and still resolves for new callers.
	close(platform.release)
	require.Eventually(t, func() bool {
		return gate.AuthorizationStatus() == StatusAuthorizedWhenInUse
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRequestPromptError(t *testing.T) {
	platform := newBlockingPlatform(StatusNotDetermined, StatusAuthorizedAlways)
	platform.err = xerrors.New("dialog dismissed")
	close(platform.release)
	gate := NewGate(platform, slogtest.Make(t, nil))

	st, err := gate.RequestForeground(context.Background())
	require.Error(t, err)
	require.Equal(t, StatusNotDetermined, st)
}
