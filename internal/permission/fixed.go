package permission

import (
	"context"
	"sync"
)

// Fixed is a Platform that answers every prompt with a preset status. It is
// used where no interactive permission subsystem exists, such as the CLI.
type Fixed struct {
	mu      sync.Mutex
	status  Status
	answer  Status
	prompts int
}

// NewFixed returns a platform currently at status that moves to answer when
// prompted.
func NewFixed(status, answer Status) *Fixed {
	return &Fixed{status: status, answer: answer}
}

func (f *Fixed) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fixed) Prompt(ctx context.Context, _ Level) (Status, error) {
	if err := ctx.Err(); err != nil {
		return f.Status(), err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts++
	f.status = f.answer
	return f.status, nil
}

// Prompts returns how many times the platform was prompted.
func (f *Fixed) Prompts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts
}
