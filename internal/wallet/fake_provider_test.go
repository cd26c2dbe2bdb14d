package wallet

import (
	"context"
	"sync"
	"time"
)

// fakeProvider is an in-memory Provider whose events are pushed by the test.
type fakeProvider struct {
	mu          sync.Mutex
	accounts    []string
	chainID     string
	requestErr  error
	chainErr    error
	chainDelay  time.Duration
	subscribers []chan Event
}

func newFakeProvider(chainID string, accounts ...string) *fakeProvider {
	return &fakeProvider{accounts: accounts, chainID: chainID}
}

func (f *fakeProvider) Accounts(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accounts...), nil
}

func (f *fakeProvider) ChainID(context.Context) (string, error) {
	f.mu.Lock()
	delay := f.chainDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, f.chainErr
}

func (f *fakeProvider) RequestAccounts(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return append([]string(nil), f.accounts...), nil
}

func (f *fakeProvider) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 8)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, sub := range f.subscribers {
			if sub == ch {
				f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeProvider) setAccounts(accounts ...string) {
	f.mu.Lock()
	f.accounts = accounts
	subs := append([]chan Event(nil), f.subscribers...)
	f.mu.Unlock()
	f.broadcast(subs, Event{Type: EventAccountsChanged, Accounts: accounts})
}

func (f *fakeProvider) setChain(chainID string) {
	f.mu.Lock()
	f.chainID = chainID
	subs := append([]chan Event(nil), f.subscribers...)
	f.mu.Unlock()
	f.broadcast(subs, Event{Type: EventChainChanged, ChainID: chainID})
}

func (f *fakeProvider) broadcast(subs []chan Event, ev Event) {
	for _, ch := range subs {
		func() {
			defer func() { _ = recover() }() // subscriber closed meanwhile
			ch <- ev
		}()
	}
}

func (f *fakeProvider) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// memoryStore is a SessionStore backed by a map.
type memoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snaps: map[string]Snapshot{}}
}

func (m *memoryStore) Load(_ context.Context, userID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[userID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &snap, nil
}

func (m *memoryStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.UserID] = *snap
	return nil
}

func (m *memoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, userID)
	return nil
}

func (m *memoryStore) get(userID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[userID]
	return snap, ok
}
