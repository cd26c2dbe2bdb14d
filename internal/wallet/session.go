package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrSessionNotFound = errors.New("wallet session not found")

// Snapshot is the persisted view of a session.
type Snapshot struct {
	UserID    string    `json:"user_id"`
	Account   string    `json:"account,omitempty"`
	ChainID   string    `json:"chain_id,omitempty"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionStore interface {
	Load(ctx context.Context, userID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Delete(ctx context.Context, userID string) error
}

// Session owns one user's Connection and keeps its snapshot in the store.
// While active it follows provider events: an empty account list ends the
// session, any other change re-verifies the connection.
type Session struct {
	userID string
	conn   *Connection
	store  SessionStore
	log    *logrus.Entry
	now    func() time.Time

	mu        sync.Mutex
	stopWatch context.CancelFunc
	watchDone chan struct{}
	onEnd     func()
}

func NewSession(userID string, provider Provider, allowedChainIDs []string, store SessionStore, log *logrus.Logger) *Session {
	return &Session{
		userID: userID,
		conn:   NewConnection(provider, allowedChainIDs),
		store:  store,
		log:    log.WithFields(logrus.Fields{"component": "wallet_session", "user_id": userID}),
		now:    time.Now,
	}
}

func (s *Session) Connection() *Connection {
	return s.conn
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		UserID:    s.userID,
		Account:   s.conn.Account(),
		ChainID:   s.conn.ChainID(),
		State:     s.conn.State(),
		UpdatedAt: s.now().UTC(),
	}
	if err := s.conn.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Init connects a fresh session and starts following provider events.
func (s *Session) Init(ctx context.Context) error {
	err := s.conn.Connect(ctx)
	if saveErr := s.save(ctx); saveErr != nil {
		return saveErr
	}
	if err != nil {
		return err
	}
	return s.watch()
}

// Restore rebuilds the session from the store. A stored Ready state is never
// trusted: the account is re-verified against the provider.
func (s *Session) Restore(ctx context.Context) error {
	snap, err := s.store.Load(ctx, s.userID)
	if err != nil {
		return err
	}
	if snap.Account == "" {
		return fmt.Errorf("%w: no account recorded", ErrSessionNotFound)
	}

	err = s.conn.Resume(ctx, snap.Account)
	if saveErr := s.save(ctx); saveErr != nil {
		return saveErr
	}
	if err != nil {
		return err
	}
	return s.watch()
}

// Teardown stops event handling, disconnects and forgets the stored snapshot.
func (s *Session) Teardown(ctx context.Context) error {
	s.stop()
	s.conn.Disconnect()
	if err := s.store.Delete(ctx, s.userID); err != nil {
		return fmt.Errorf("delete wallet session: %w", err)
	}
	return nil
}

// Detach stops event handling but keeps the stored snapshot for a later Restore.
func (s *Session) Detach() {
	s.stop()
}

// OnEnd registers a callback run when provider events end the session.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	s.onEnd = fn
	s.mu.Unlock()
}

func (s *Session) save(ctx context.Context) error {
	snap := s.Snapshot()
	if err := s.store.Save(ctx, &snap); err != nil {
		return fmt.Errorf("save wallet session: %w", err)
	}
	return nil
}

func (s *Session) watch() error {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.conn.provider.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to wallet events: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.stopWatch = cancel
	s.watchDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			if ended := s.handle(ctx, ev); ended {
				cancel()
				s.mu.Lock()
				onEnd := s.onEnd
				s.mu.Unlock()
				if onEnd != nil {
					onEnd()
				}
				// drain so the provider goroutine can exit
				for range events {
				}
				return
			}
		}
	}()
	return nil
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel, done := s.stopWatch, s.watchDone
	s.stopWatch, s.watchDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// handle applies one provider event and reports whether the session ended.
func (s *Session) handle(ctx context.Context, ev Event) bool {
	entry := s.log.WithField("event", ev.Type)

	if ev.Type == EventAccountsChanged && len(ev.Accounts) == 0 {
		entry.Info("wallet locked or disconnected, ending session")
		s.conn.Disconnect()
		if err := s.store.Delete(ctx, s.userID); err != nil {
			entry.WithError(err).Warn("delete wallet session")
		}
		return true
	}

	var err error
	switch s.conn.State() {
	case StateReady:
		err = s.conn.Reverify(ctx)
	case StateFailed:
		// the change may have fixed what failed, e.g. a switch back to an allowed chain
		err = s.conn.Resume(ctx, s.conn.Account())
	default:
		return false
	}
	if err != nil {
		entry.WithError(err).Warn("wallet re-verification failed")
	}
	if err := s.save(ctx); err != nil {
		entry.WithError(err).Warn("persist wallet session")
	}
	return false
}
