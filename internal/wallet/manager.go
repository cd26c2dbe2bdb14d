package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProviderFactory returns the wallet provider for a user.
type ProviderFactory func(userID string) Provider

// Manager keeps at most one live session per user.
type Manager struct {
	providers ProviderFactory
	store     SessionStore
	chains    []string
	log       *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(providers ProviderFactory, store SessionStore, allowedChainIDs []string, log *logrus.Logger) *Manager {
	return &Manager{
		providers: providers,
		store:     store,
		chains:    allowedChainIDs,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

func (m *Manager) newSession(userID string) *Session {
	s := NewSession(userID, m.providers(userID), m.chains, m.store, m.log)
	s.OnEnd(func() { m.forget(userID, s) })
	return s
}

func (m *Manager) forget(userID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[userID] == s {
		delete(m.sessions, userID)
	}
}

func (m *Manager) take(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	return s
}

// adopt stores s unless a concurrent call already stored a session for
// userID. The loser is detached so that only one watcher runs per user.
func (m *Manager) adopt(userID string, s *Session) *Session {
	m.mu.Lock()
	existing, ok := m.sessions[userID]
	if !ok {
		m.sessions[userID] = s
	}
	m.mu.Unlock()

	if ok && existing != s {
		s.Detach()
		return existing
	}
	return s
}

// replace stores s and detaches the session it displaces, if any.
func (m *Manager) replace(userID string, s *Session) {
	m.mu.Lock()
	old := m.sessions[userID]
	m.sessions[userID] = s
	m.mu.Unlock()

	if old != nil && old != s {
		old.Detach()
	}
}

// Connect starts a new session for userID, replacing any existing one.
func (m *Manager) Connect(ctx context.Context, userID string) (Snapshot, error) {
	if old := m.take(userID); old != nil {
		old.Detach()
	}

	s := m.newSession(userID)
	err := s.Init(ctx)
	if s.Connection().State() == StateReady {
		m.replace(userID, s)
	}
	return s.Snapshot(), err
}

// Status returns the live session state, restoring it from the store when this
// process has no session for the user yet.
func (m *Manager) Status(ctx context.Context, userID string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if ok {
		return m.confirm(ctx, userID, s)
	}

	s = m.newSession(userID)
	err := s.Restore(ctx)
	if errors.Is(err, ErrSessionNotFound) {
		return Snapshot{UserID: userID, State: StateDisconnected}, nil
	}
	if s.Connection().State() == StateReady {
		s = m.adopt(userID, s)
	}
	return s.Snapshot(), err
}

// confirm checks that a cached session still has its snapshot in the store.
// Another instance may have disconnected it, or the snapshot may have expired;
// either way the cached session is dropped.
func (m *Manager) confirm(ctx context.Context, userID string, s *Session) (Snapshot, error) {
	if _, err := m.store.Load(ctx, userID); err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return s.Snapshot(), fmt.Errorf("load wallet session: %w", err)
		}
		m.forget(userID, s)
		s.Detach()
		return Snapshot{UserID: userID, State: StateDisconnected}, nil
	}
	return s.Snapshot(), nil
}

// Disconnect ends the user's session and removes it from the store.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	s := m.take(userID)
	if s == nil {
		s = m.newSession(userID)
	}
	return s.Teardown(ctx)
}

// IsReady reports whether userID has a verified wallet session.
func (m *Manager) IsReady(ctx context.Context, userID string) (bool, error) {
	snap, err := m.Status(ctx, userID)
	if err != nil {
		if snap.State == StateFailed {
			return false, nil
		}
		return false, err
	}
	return snap.State == StateReady, nil
}

// Close stops all event watchers. Stored snapshots are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Detach()
	}
}
