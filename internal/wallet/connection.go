package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateVerifying    State = "verifying"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

// validTransitions lists the states reachable from each state.
// Ready -> Verifying re-checks a live connection after a provider event.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateVerifying, StateFailed, StateDisconnected},
	StateVerifying:    {StateReady, StateFailed, StateDisconnected},
	StateReady:        {StateVerifying, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

func (s State) CanTransitionTo(target State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrNoAccounts        = errors.New("wallet exposed no accounts")
	ErrChainNotAllowed   = errors.New("wallet is on a chain that is not allowed")
	ErrAccountMissing    = errors.New("wallet no longer exposes the connected account")
)

// Connection tracks one wallet connection through its lifecycle. It only
// reaches Ready after a probe against the provider has succeeded.
type Connection struct {
	provider      Provider
	allowedChains map[string]struct{}

	mu      sync.RWMutex
	state   State
	account string
	chainID string
	lastErr error
}

func NewConnection(provider Provider, allowedChainIDs []string) *Connection {
	allowed := make(map[string]struct{}, len(allowedChainIDs))
	for _, id := range allowedChainIDs {
		allowed[strings.ToLower(id)] = struct{}{}
	}
	return &Connection{
		provider:      provider,
		allowedChains: allowed,
		state:         StateDisconnected,
	}
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

func (c *Connection) ChainID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainID
}

// Err returns the error that moved the connection to Failed, if any.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

func (c *Connection) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CanTransitionTo(StateFailed) {
		c.state = StateFailed
		c.lastErr = err
	}
	return err
}

// Connect asks the provider for accounts, binds the first one and verifies it.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.transition(StateConnecting); err != nil {
		return err
	}

	accounts, err := c.provider.RequestAccounts(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("request accounts: %w", err))
	}
	if len(accounts) == 0 {
		return c.fail(ErrNoAccounts)
	}

	c.mu.Lock()
	c.account = accounts[0]
	c.mu.Unlock()

	return c.verify(ctx)
}

// Resume re-binds a previously connected account without prompting, then verifies it.
func (c *Connection) Resume(ctx context.Context, account string) error {
	if err := c.transition(StateConnecting); err != nil {
		return err
	}
	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
	return c.verify(ctx)
}

// Reverify re-runs the probe on a Ready connection.
func (c *Connection) Reverify(ctx context.Context) error {
	return c.verify(ctx)
}

func (c *Connection) verify(ctx context.Context) error {
	if err := c.transition(StateVerifying); err != nil {
		return err
	}

	chainID, err := c.probe(ctx, c.Account())
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateVerifying {
		// disconnected while probing
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, StateReady)
	}
	c.state = StateReady
	c.chainID = chainID
	c.lastErr = nil
	return nil
}

func (c *Connection) probe(ctx context.Context, account string) (string, error) {
	chainID, err := c.provider.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("read chain id: %w", err)
	}
	if _, ok := c.allowedChains[strings.ToLower(chainID)]; !ok {
		return "", fmt.Errorf("%w: %s", ErrChainNotAllowed, chainID)
	}

	accounts, err := c.provider.Accounts(ctx)
	if err != nil {
		return "", fmt.Errorf("read accounts: %w", err)
	}
	for _, a := range accounts {
		if strings.EqualFold(a, account) {
			return chainID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAccountMissing, account)
}

// Disconnect drops the connection. It is a no-op when already disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.account = ""
	c.chainID = ""
	c.lastErr = nil
}
