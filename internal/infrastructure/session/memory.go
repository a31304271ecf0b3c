// Package session keeps conversation sessions in process memory. Sessions
// are never persisted and expire after a period of inactivity.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const (
	DefaultTTL = 2 * time.Hour
	// MaxTurns bounds the stored history of one session; older turns are dropped.
	MaxTurns = 50
)

type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*domain.Session),
	}
}

func (s *MemoryStore) Create(_ context.Context) (*domain.Session, error) {
	now := s.now().UTC()
	session := &domain.Session{
		ID:        uuid.NewString(),
		Turns:     []domain.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return clone(session), nil
}

// Get returns a copy of the session; callers cannot mutate stored state.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return clone(session), nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, id string, turn domain.Turn) error {
	return s.update(id, func(session *domain.Session) {
		session.Turns = append(session.Turns, turn)
		if len(session.Turns) > MaxTurns {
			session.Turns = append([]domain.Turn(nil), session.Turns[len(session.Turns)-MaxTurns:]...)
		}
	})
}

func (s *MemoryStore) SetFilter(_ context.Context, id string, filter domain.DocumentFilter) error {
	return s.update(id, func(session *domain.Session) { session.Filter = filter })
}

func (s *MemoryStore) Clear(_ context.Context, id string) error {
	return s.update(id, func(session *domain.Session) { session.Turns = []domain.Turn{} })
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(id); err != nil {
		return err
	}
	delete(s.sessions, id)
	return nil
}

// Sweep removes expired sessions and reports how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if s.expired(session) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("sessions_expired", "count", n)
			}
		}
	}
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryStore) update(id string, fn func(*domain.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.lookup(id)
	if err != nil {
		return err
	}
	fn(session)
	session.UpdatedAt = s.now().UTC()
	return nil
}

// lookup must be called with mu held. Expired sessions are removed on access.
func (s *MemoryStore) lookup(id string) (*domain.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "session lookup", fmt.Errorf("id %q", id))
	}
	if s.expired(session) {
		delete(s.sessions, id)
		return nil, domain.WrapError(domain.ErrSessionNotFound, "session lookup", fmt.Errorf("id %q expired", id))
	}
	return session, nil
}

func (s *MemoryStore) expired(session *domain.Session) bool {
	return s.now().Sub(session.UpdatedAt) > s.ttl
}

func clone(session *domain.Session) *domain.Session {
	out := *session
	out.Turns = append([]domain.Turn(nil), session.Turns...)
	if out.Turns == nil {
		out.Turns = []domain.Turn{}
	}
	return &out
}
