package syncqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a batch removed from delivery after exhausting its attempts.
// It is kept for diagnostics only.
type DeadLetter struct {
	Batch  Batch     `json:"batch"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Store persists the outbox. Pending must return batches in the order they
// were appended. Operations on an unknown id are no-ops.
type Store interface {
	Append(ctx context.Context, batch Batch) error
	// HighWater is the highest event sequence ever appended, including
	// batches since delivered, dead-lettered or cleared.
	HighWater(ctx context.Context) (uint64, error)
	Pending(ctx context.Context) ([]Batch, error)
	SetAttempts(ctx context.Context, id uuid.UUID, attempts int) error
	Remove(ctx context.Context, id uuid.UUID) error
	DeadLetter(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	// Clear drops every pending batch. Dead letters are kept.
	Clear(ctx context.Context) error
}

// MemoryStore is a Store without durability, for tests and ephemeral use.
type MemoryStore struct {
	mu      sync.Mutex
	pending   []Batch
	dead      []DeadLetter
	highWater uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, batch.clone())
	if seq := batch.maxSequence(); seq > s.highWater {
		s.highWater = seq
	}
	return nil
}

func (s *MemoryStore) HighWater(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater, nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.pending))
	for i, b := range s.pending {
		out[i] = b.clone()
	}
	return out, nil
}

func (s *MemoryStore) SetAttempts(_ context.Context, id uuid.UUID, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		s.pending[i].Attempts = attempts
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
	}
	return nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return nil
	}
	s.dead = append(s.dead, DeadLetter{Batch: s.pending[i], Reason: reason, At: at})
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	return nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.dead...), nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *MemoryStore) index(id uuid.UUID) int {
	for i, b := range s.pending {
		if b.ID == id {
			return i
		}
	}
	return -1
}
