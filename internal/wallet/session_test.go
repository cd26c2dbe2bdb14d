package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"storycredits/internal/infrastructure/logging"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chains = []string{"0x1"}

func TestSessionInitPersistsAndTeardownForgets(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider("0x1", "0xa")
	store := newMemoryStore()
	s := NewSession("u1", provider, chains, store, logging.Discard())

	require.NoError(t, s.Init(ctx))
	snap, ok := store.get("u1")
	require.True(t, ok)
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, "0xa", snap.Account)
	assert.Equal(t, 1, provider.subscriberCount())

	require.NoError(t, s.Teardown(ctx))
	_, ok = store.get("u1")
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, s.Connection().State())
	assert.Eventually(t, func() bool { return provider.subscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionRestoreReverifies(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	// a stored Ready is not trusted
	require.NoError(t, store.Save(ctx, &Snapshot{UserID: "u2", Account: "0xa", ChainID: "0x1", State: StateReady}))

	provider := newFakeProvider("0x1", "0xb")
	s := NewSession("u2", provider, chains, store, logging.Discard())
	err := s.Restore(ctx)
	assert.ErrorIs(t, err, ErrAccountMissing)
	assert.Equal(t, StateFailed, s.Connection().State())

	snap, _ := store.get("u2")
	assert.Equal(t, StateFailed, snap.State)
	assert.NotEmpty(t, snap.Error)

	provider.setAccounts("0xb", "0xa")
	s = NewSession("u2", provider, chains, store, logging.Discard())
	require.NoError(t, s.Restore(ctx))
	assert.Equal(t, StateReady, s.Connection().State())
	s.Detach()

	err = NewSession("nobody", provider, chains, store, logging.Discard()).Restore(ctx)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionFollowsProviderEvents(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider("0x1", "0xa")
	store := newMemoryStore()
	s := NewSession("u3", provider, chains, store, logging.Discard())

	ended := make(chan struct{})
	s.OnEnd(func() { close(ended) })
	require.NoError(t, s.Init(ctx))

	provider.setChain("0x89")
	assert.Eventually(t, func() bool { return s.Connection().State() == StateFailed }, time.Second, 5*time.Millisecond)

	provider.setChain("0x1")
	assert.Eventually(t, func() bool { return s.Connection().State() == StateReady }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		snap, _ := store.get("u3")
		return snap.State == StateReady
	}, time.Second, 5*time.Millisecond)

	provider.setAccounts()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("session did not end on empty accounts")
	}
	assert.Equal(t, StateDisconnected, s.Connection().State())
	_, ok := store.get("u3")
	assert.False(t, ok)
}

func TestRedisSessionStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisSessionStore(client, time.Hour)

	_, err := store.Load(ctx, "u4")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	snap := &Snapshot{UserID: "u4", Account: "0xa", ChainID: "0x1", State: StateReady, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, store.Save(ctx, snap))
	assert.Equal(t, time.Hour, mr.TTL("wallet:session:u4"))

	got, err := store.Load(ctx, "u4")
	require.NoError(t, err)
	assert.Equal(t, snap.Account, got.Account)
	assert.Equal(t, snap.State, got.State)
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))

	mr.FastForward(2 * time.Hour)
	_, err = store.Load(ctx, "u4")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.Save(ctx, snap))
	require.NoError(t, store.Delete(ctx, "u4"))
	assert.False(t, mr.Exists("wallet:session:u4"))
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider("0x1", "0xa")
	store := newMemoryStore()
	m := NewManager(func(string) Provider { return provider }, store, chains, logging.Discard())
	defer m.Close()

	ready, err := m.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.False(t, ready)

	snap, err := m.Status(ctx, "reader")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, snap.State)

	snap, err = m.Connect(ctx, "reader")
	require.NoError(t, err)
	assert.Equal(t, StateReady, snap.State)

	ready, err = m.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.True(t, ready)

	// a fresh manager restores from the shared store
	other := NewManager(func(string) Provider { return provider }, store, chains, logging.Discard())
	defer other.Close()
	ready, err = other.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, m.Disconnect(ctx, "reader"))
	_, ok := store.get("reader")
	assert.False(t, ok)

	provider.mu.Lock()
	provider.chainID = "0x5"
	provider.mu.Unlock()
	snap, err = m.Connect(ctx, "writer")
	assert.ErrorIs(t, err, ErrChainNotAllowed)
	assert.Equal(t, StateFailed, snap.State)

	ready, err = m.IsReady(ctx, "writer")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestManagerDropsSessionDisconnectedElsewhere(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider("0x1", "0xa")
	store := newMemoryStore()
	a := NewManager(func(string) Provider { return provider }, store, chains, logging.Discard())
	defer a.Close()
	b := NewManager(func(string) Provider { return provider }, store, chains, logging.Discard())
	defer b.Close()

	_, err := a.Connect(ctx, "reader")
	require.NoError(t, err)

	ready, err := b.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, a.Disconnect(ctx, "reader"))

	ready, err = b.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.False(t, ready)

	snap, err := b.Status(ctx, "reader")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Eventually(t, func() bool { return provider.subscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManagerSessionExpiresWithStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	provider := newFakeProvider("0x1", "0xa")
	m := NewManager(func(string) Provider { return provider }, NewRedisSessionStore(client, time.Hour), chains, logging.Discard())
	defer m.Close()

	_, err := m.Connect(ctx, "reader")
	require.NoError(t, err)
	ready, err := m.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.True(t, ready)

	mr.FastForward(2 * time.Hour)

	ready, err = m.IsReady(ctx, "reader")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestManagerConcurrentStatusKeepsOneSession(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider("0x1", "0xa")
	provider.chainDelay = 20 * time.Millisecond
	store := newMemoryStore()
	require.NoError(t, store.Save(ctx, &Snapshot{UserID: "reader", Account: "0xa", ChainID: "0x1", State: StateReady}))

	m := NewManager(func(string) Provider { return provider }, store, chains, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready, err := m.IsReady(ctx, "reader")
			assert.NoError(t, err)
			assert.True(t, ready)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return provider.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	m.Close()
	assert.Eventually(t, func() bool { return provider.subscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}
