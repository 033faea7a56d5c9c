package stepup

import (
	"context"
	"sync"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
)

// SessionStore persists step-up protocol state for the lifetime of an
// authentication session.
type SessionStore interface {
	Save(ctx context.Context, sess *models.StepUpSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*models.StepUpSession, error)
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore is a single-node store used in tests and standalone
// deployments.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
	now      func() time.Time
}

type memorySession struct {
	sess      models.StepUpSession
	expiresAt time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]memorySession),
		now:      time.Now,
	}
}

func (s *MemorySessionStore) Save(_ context.Context, sess *models.StepUpSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = memorySession{sess: *sess, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*models.StepUpSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || s.now().After(entry.expiresAt) {
		delete(s.sessions, id)
		return nil, models.ErrChallengeNotFound
	}

	sess := entry.sess
	return &sess, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
